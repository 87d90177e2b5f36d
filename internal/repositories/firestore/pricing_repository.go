package firestore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/rasoibox/api/internal/domain"
	pfirestore "github.com/rasoibox/api/internal/platform/firestore"
	"github.com/rasoibox/api/internal/repositories"
)

const pricingCollection = "pricing"

// PricingRepository stores catalog prices under pricing/{recipeID}_{servingSize}.
type PricingRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[pricingDocument]
}

var _ repositories.PricingRepository = (*PricingRepository)(nil)

func newPricingRepository(provider *pfirestore.Provider) *PricingRepository {
	return &PricingRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[pricingDocument](provider, pricingCollection),
	}
}

type pricingDocument struct {
	RecipeID    string    `firestore:"recipeId"`
	RecipeName  string    `firestore:"recipeName"`
	ServingSize int       `firestore:"servingSize"`
	PriceCents  int64     `firestore:"priceCents"`
	Description string    `firestore:"description,omitempty"`
	ImageURL    string    `firestore:"imageUrl,omitempty"`
	ProductRef  string    `firestore:"productRef"`
	PriceRef    string    `firestore:"priceRef"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func pricingID(recipeID string, servingSize int) string {
	return recipeID + "_" + strconv.Itoa(servingSize)
}

// Upsert keeps the stored createdAt of an existing entry.
func (r *PricingRepository) Upsert(ctx context.Context, entry domain.PricingEntry) error {
	id := pricingID(entry.RecipeID, entry.ServingSize)
	return runInTx(ctx, r.provider, func(ctx context.Context) error {
		createdAt := entry.CreatedAt.UTC()
		existing, err := r.base.Get(ctx, id)
		switch {
		case err == nil:
			createdAt = existing.Data.CreatedAt
		case !repositories.IsNotFound(err):
			return err
		}
		return r.base.Set(ctx, id, pricingDocument{
			RecipeID:    entry.RecipeID,
			RecipeName:  entry.RecipeName,
			ServingSize: entry.ServingSize,
			PriceCents:  entry.PriceCents,
			Description: entry.Description,
			ImageURL:    entry.ImageURL,
			ProductRef:  entry.ProductRef,
			PriceRef:    entry.PriceRef,
			CreatedAt:   createdAt,
			UpdatedAt:   entry.UpdatedAt.UTC(),
		})
	})
}

func (r *PricingRepository) Find(ctx context.Context, recipeID string, servingSize int) (domain.PricingEntry, error) {
	doc, err := r.base.Get(ctx, pricingID(recipeID, servingSize))
	if err != nil {
		return domain.PricingEntry{}, fmt.Errorf("pricing %s/%d: %w", recipeID, servingSize, err)
	}
	return decodePricing(doc), nil
}

func (r *PricingRepository) List(ctx context.Context) ([]domain.PricingEntry, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("recipeId", firestore.Asc).OrderBy("servingSize", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	entries := make([]domain.PricingEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, decodePricing(doc))
	}
	return entries, nil
}

func decodePricing(doc pfirestore.Document[pricingDocument]) domain.PricingEntry {
	return domain.PricingEntry{
		RecipeID:    doc.Data.RecipeID,
		RecipeName:  doc.Data.RecipeName,
		ServingSize: doc.Data.ServingSize,
		PriceCents:  doc.Data.PriceCents,
		Description: doc.Data.Description,
		ImageURL:    doc.Data.ImageURL,
		ProductRef:  doc.Data.ProductRef,
		PriceRef:    doc.Data.PriceRef,
		CreatedAt:   doc.Data.CreatedAt.UTC(),
		UpdatedAt:   doc.Data.UpdatedAt.UTC(),
	}
}
