package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/rasoibox/api/internal/domain"
	pfirestore "github.com/rasoibox/api/internal/platform/firestore"
	"github.com/rasoibox/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository stores entries under carts/{owner}/items/{recipeID}.
type CartRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

type cartEntryDocument struct {
	RecipeID    string    `firestore:"recipeId"`
	ServingSize int       `firestore:"servingSize"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func (r *CartRepository) items(owner string) (*pfirestore.BaseRepository[cartEntryDocument], error) {
	owner = strings.TrimSpace(owner)
	if owner == "" || strings.Contains(owner, "/") {
		return nil, errors.New("cart repository: invalid owner")
	}
	return pfirestore.NewBaseRepository[cartEntryDocument](r.provider, cartCollection+"/"+owner+"/items"), nil
}

func (r *CartRepository) Upsert(ctx context.Context, entry domain.CartEntry) error {
	items, err := r.items(entry.Owner)
	if err != nil {
		return err
	}
	return items.Set(ctx, entry.RecipeID, cartEntryDocument{
		RecipeID:    entry.RecipeID,
		ServingSize: entry.ServingSize,
		UpdatedAt:   entry.UpdatedAt.UTC(),
	})
}

func (r *CartRepository) Delete(ctx context.Context, owner, recipeID string) error {
	items, err := r.items(owner)
	if err != nil {
		return err
	}
	return items.Delete(ctx, recipeID)
}

func (r *CartRepository) List(ctx context.Context, owner string) ([]domain.CartEntry, error) {
	items, err := r.items(owner)
	if err != nil {
		return nil, err
	}
	docs, err := items.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	entries := make([]domain.CartEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, domain.CartEntry{
			Owner:       owner,
			RecipeID:    doc.ID,
			ServingSize: doc.Data.ServingSize,
			UpdatedAt:   doc.Data.UpdatedAt.UTC(),
		})
	}
	return entries, nil
}

// DeleteMany issues blind deletes so it can run after other writes in a transaction.
func (r *CartRepository) DeleteMany(ctx context.Context, owner string, recipeIDs []string) error {
	items, err := r.items(owner)
	if err != nil {
		return err
	}
	for _, id := range recipeIDs {
		if err := items.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
