package sqlstore

import (
	"context"
	"strings"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

// CartRepository stores one row per owner and recipe.
type CartRepository struct {
	store *Store
}

var _ repositories.CartRepository = (*CartRepository)(nil)

func (r *CartRepository) Upsert(ctx context.Context, entry domain.CartEntry) error {
	_, err := r.store.exec(ctx, `INSERT INTO cart_entries (owner, recipe_id, serving_size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner, recipe_id) DO UPDATE SET
			serving_size = excluded.serving_size,
			updated_at = excluded.updated_at`,
		entry.Owner, entry.RecipeID, entry.ServingSize, formatTime(entry.UpdatedAt))
	return mapError("carts.upsert", err)
}

func (r *CartRepository) Delete(ctx context.Context, owner, recipeID string) error {
	_, err := r.store.exec(ctx, `DELETE FROM cart_entries WHERE owner = ? AND recipe_id = ?`, owner, recipeID)
	return mapError("carts.delete", err)
}

func (r *CartRepository) List(ctx context.Context, owner string) ([]domain.CartEntry, error) {
	rows, err := r.store.query(ctx, `SELECT owner, recipe_id, serving_size, updated_at
		FROM cart_entries WHERE owner = ? ORDER BY recipe_id`, owner)
	if err != nil {
		return nil, mapError("carts.list", err)
	}
	defer rows.Close()

	var entries []domain.CartEntry
	for rows.Next() {
		var (
			entry     domain.CartEntry
			updatedAt string
		)
		if err := rows.Scan(&entry.Owner, &entry.RecipeID, &entry.ServingSize, &updatedAt); err != nil {
			return nil, mapError("carts.list", err)
		}
		if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("carts.list", err)
	}
	return entries, nil
}

func (r *CartRepository) DeleteMany(ctx context.Context, owner string, recipeIDs []string) error {
	if len(recipeIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(recipeIDs)+1)
	args = append(args, owner)
	for _, id := range recipeIDs {
		args = append(args, strings.TrimSpace(id))
	}
	_, err := r.store.exec(ctx, `DELETE FROM cart_entries WHERE owner = ? AND recipe_id IN (`+placeholders(len(recipeIDs))+`)`, args...)
	return mapError("carts.delete_many", err)
}
