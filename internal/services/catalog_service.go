package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/payments"
	"github.com/rasoibox/api/internal/repositories"
)

var (
	// ErrCatalogInvalidInput indicates a malformed pricing request.
	ErrCatalogInvalidInput = errors.New("catalog: invalid input")
	// ErrCatalogGateway indicates mirroring a product to the payment gateway failed.
	ErrCatalogGateway = errors.New("catalog: payment gateway failure")
	// ErrCatalogUnavailable indicates the pricing store is unavailable.
	ErrCatalogUnavailable = errors.New("catalog: unavailable")
)

// CatalogServiceDeps wires the catalog service.
type CatalogServiceDeps struct {
	Pricing repositories.PricingRepository
	Gateway payments.Gateway
	Clock   func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

type catalogService struct {
	pricing repositories.PricingRepository
	gateway payments.Gateway
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewCatalogService constructs a CatalogService.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Pricing == nil {
		return nil, errors.New("catalog service: pricing repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("catalog service: payment gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{
		pricing: deps.Pricing,
		gateway: deps.Gateway,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ListAvailable groups priced serving sizes by recipe, ordered by recipe name.
func (s *catalogService) ListAvailable(ctx context.Context) ([]CatalogItem, error) {
	entries, err := s.pricing.List(ctx)
	if err != nil {
		if repositories.IsUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].RecipeID != entries[j].RecipeID {
			return entries[i].RecipeID < entries[j].RecipeID
		}
		return entries[i].ServingSize < entries[j].ServingSize
	})

	items := make([]CatalogItem, 0)
	index := make(map[string]int)
	for _, entry := range entries {
		pos, ok := index[entry.RecipeID]
		if !ok {
			pos = len(items)
			index[entry.RecipeID] = pos
			items = append(items, CatalogItem{
				RecipeID:    entry.RecipeID,
				RecipeName:  entry.RecipeName,
				Description: entry.Description,
				ImageURL:    entry.ImageURL,
			})
		}
		items[pos].ServingSizes = append(items[pos].ServingSizes, entry.ServingSize)
		items[pos].PricesCents = append(items[pos].PricesCents, entry.PriceCents)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(items[i].RecipeName) < strings.ToLower(items[j].RecipeName)
	})
	return items, nil
}

// UpsertPrices mirrors each entry to the gateway catalog and stores it with the returned references.
// Entries are processed in order; a failure stops the batch and earlier entries stay applied.
func (s *catalogService) UpsertPrices(ctx context.Context, cmd UpsertPricesCommand) ([]PricingEntry, error) {
	if len(cmd.Entries) == 0 {
		return nil, fmt.Errorf("%w: at least one entry is required", ErrCatalogInvalidInput)
	}
	inputs := make([]PriceInput, len(cmd.Entries))
	seen := make(map[string]struct{}, len(cmd.Entries))
	for i, raw := range cmd.Entries {
		input, err := normalisePriceInput(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCatalogInvalidInput, i, err)
		}
		key := fmt.Sprintf("%s/%d", input.RecipeID, input.ServingSize)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: entry %d duplicates %s", ErrCatalogInvalidInput, i, key)
		}
		seen[key] = struct{}{}
		inputs[i] = input
	}

	out := make([]PricingEntry, 0, len(inputs))
	for _, input := range inputs {
		ref, err := s.gateway.EnsureProduct(ctx, payments.ProductSpec{
			RecipeName:  input.RecipeName,
			ServingSize: input.ServingSize,
			PriceCents:  input.PriceCents,
			Description: input.Description,
			ImageURL:    input.ImageURL,
		})
		if err != nil {
			s.logger(ctx, "catalog.product_sync_failed", map[string]any{
				"recipeId":    input.RecipeID,
				"servingSize": input.ServingSize,
				"error":       err.Error(),
			})
			return out, fmt.Errorf("%w: %v", ErrCatalogGateway, err)
		}

		now := s.now()
		entry := domain.PricingEntry{
			RecipeID:    input.RecipeID,
			RecipeName:  input.RecipeName,
			ServingSize: input.ServingSize,
			PriceCents:  input.PriceCents,
			Description: input.Description,
			ImageURL:    input.ImageURL,
			ProductRef:  ref.ProductID,
			PriceRef:    ref.PriceID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.pricing.Upsert(ctx, entry); err != nil {
			if repositories.IsUnavailable(err) {
				return out, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
			}
			return out, err
		}
		out = append(out, entry)
	}
	s.logger(ctx, "catalog.prices_upserted", map[string]any{"count": len(out)})
	return out, nil
}

func normalisePriceInput(input PriceInput) (PriceInput, error) {
	input.RecipeID = strings.TrimSpace(input.RecipeID)
	input.RecipeName = strings.TrimSpace(input.RecipeName)
	input.Description = strings.TrimSpace(input.Description)
	input.ImageURL = strings.TrimSpace(input.ImageURL)
	switch {
	case input.RecipeID == "":
		return input, errors.New("recipe id is required")
	case input.RecipeName == "":
		return input, errors.New("recipe name is required")
	case !domain.ValidServingSize(input.ServingSize):
		return input, fmt.Errorf("serving size must be one of %v", domain.ServingSizes)
	case input.PriceCents <= 0:
		return input, errors.New("price must be positive")
	}
	return input, nil
}
