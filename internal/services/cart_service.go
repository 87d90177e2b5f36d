package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartNotFound indicates the cart owner or a recipe price does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartUnavailable indicates the backing store is temporarily unavailable.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// CartServiceDeps wires the repositories used by cart operations.
type CartServiceDeps struct {
	Carts     repositories.CartRepository
	Pricing   repositories.PricingRepository
	Customers repositories.CustomerRepository
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

type cartService struct {
	carts     repositories.CartRepository
	pricing   repositories.PricingRepository
	customers repositories.CustomerRepository
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("cart service: pricing repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("cart service: customer repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cartService{
		carts:     deps.Carts,
		pricing:   deps.Pricing,
		customers: deps.Customers,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// UpdateItem sets the serving size of one recipe in the owner's cart. A serving size of zero removes
// the recipe.
func (s *cartService) UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (PricedCart, error) {
	owner, err := s.resolveOwner(ctx, cmd.CartOwnerQuery)
	if err != nil {
		return PricedCart{}, err
	}
	recipeID := strings.TrimSpace(cmd.RecipeID)
	if recipeID == "" {
		return PricedCart{}, fmt.Errorf("%w: recipe id is required", ErrCartInvalidInput)
	}

	if cmd.ServingSize == 0 {
		if err := s.carts.Delete(ctx, owner, recipeID); err != nil && !repositories.IsNotFound(err) {
			return PricedCart{}, s.repoError(err)
		}
		s.logger(ctx, "cart.item_removed", map[string]any{"recipeId": recipeID})
		return s.priced(ctx, owner)
	}
	if !domain.ValidServingSize(cmd.ServingSize) {
		return PricedCart{}, fmt.Errorf("%w: serving size must be one of %v", ErrCartInvalidInput, domain.ServingSizes)
	}
	if _, err := s.pricing.Find(ctx, recipeID, cmd.ServingSize); err != nil {
		if repositories.IsNotFound(err) {
			return PricedCart{}, fmt.Errorf("%w: recipe %s is not offered at %d servings", ErrCartNotFound, recipeID, cmd.ServingSize)
		}
		return PricedCart{}, s.repoError(err)
	}

	if err := s.carts.Upsert(ctx, domain.CartEntry{
		Owner:       owner,
		RecipeID:    recipeID,
		ServingSize: cmd.ServingSize,
		UpdatedAt:   s.now(),
	}); err != nil {
		return PricedCart{}, s.repoError(err)
	}
	s.logger(ctx, "cart.item_updated", map[string]any{"recipeId": recipeID, "servingSize": cmd.ServingSize})
	return s.priced(ctx, owner)
}

// GetCart returns the owner's cart priced against the current catalog.
func (s *cartService) GetCart(ctx context.Context, query CartOwnerQuery) (PricedCart, error) {
	owner, err := s.resolveOwner(ctx, query)
	if err != nil {
		return PricedCart{}, err
	}
	return s.priced(ctx, owner)
}

func (s *cartService) priced(ctx context.Context, owner string) (PricedCart, error) {
	entries, err := s.carts.List(ctx, owner)
	if err != nil {
		return PricedCart{}, s.repoError(err)
	}
	cart := PricedCart{Owner: owner, Lines: make([]PricedCartLine, 0, len(entries))}
	for _, entry := range entries {
		price, err := s.pricing.Find(ctx, entry.RecipeID, entry.ServingSize)
		if err != nil {
			if repositories.IsNotFound(err) {
				return PricedCart{}, fmt.Errorf("%w: could not find price for recipe %s", ErrCartNotFound, entry.RecipeID)
			}
			return PricedCart{}, s.repoError(err)
		}
		cart.Lines = append(cart.Lines, PricedCartLine{
			RecipeID:    entry.RecipeID,
			RecipeName:  price.RecipeName,
			ImageURL:    price.ImageURL,
			ServingSize: entry.ServingSize,
			PriceCents:  price.PriceCents,
		})
		cart.SubtotalCents += price.PriceCents
	}
	return cart, nil
}

// resolveOwner maps the caller to the verification code carts are keyed by. An authenticated caller
// may only name its own code.
func (s *cartService) resolveOwner(ctx context.Context, query CartOwnerQuery) (string, error) {
	customerID := strings.TrimSpace(query.CustomerID)
	code := strings.TrimSpace(query.VerificationCode)

	switch {
	case customerID != "":
		customer, err := s.customers.FindByID(ctx, customerID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return "", fmt.Errorf("%w: unknown customer", ErrCartNotFound)
			}
			return "", s.repoError(err)
		}
		if code != "" && code != customer.VerificationCode {
			return "", fmt.Errorf("%w: verification code does not belong to the caller", ErrCartInvalidInput)
		}
		return customer.VerificationCode, nil
	case code != "":
		customer, err := s.customers.FindByVerificationCode(ctx, code)
		if err != nil {
			if repositories.IsNotFound(err) {
				return "", fmt.Errorf("%w: unknown user", ErrCartNotFound)
			}
			return "", s.repoError(err)
		}
		return customer.VerificationCode, nil
	default:
		return "", fmt.Errorf("%w: customer or verification code is required", ErrCartInvalidInput)
	}
}

func (s *cartService) repoError(err error) error {
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrCartNotFound, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	default:
		return err
	}
}
