package sqlstore

import (
	"context"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

const pricingColumns = `recipe_id, serving_size, recipe_name, price_cents, description, image_url, product_ref,
	price_ref, created_at, updated_at`

// PricingRepository stores catalog prices keyed by recipe and serving size.
type PricingRepository struct {
	store *Store
}

var _ repositories.PricingRepository = (*PricingRepository)(nil)

// Upsert keeps the original created_at when the entry already exists.
func (r *PricingRepository) Upsert(ctx context.Context, entry domain.PricingEntry) error {
	_, err := r.store.exec(ctx, `INSERT INTO pricing_entries (`+pricingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recipe_id, serving_size) DO UPDATE SET
			recipe_name = excluded.recipe_name,
			price_cents = excluded.price_cents,
			description = excluded.description,
			image_url = excluded.image_url,
			product_ref = excluded.product_ref,
			price_ref = excluded.price_ref,
			updated_at = excluded.updated_at`,
		entry.RecipeID, entry.ServingSize, entry.RecipeName, entry.PriceCents, entry.Description, entry.ImageURL,
		entry.ProductRef, entry.PriceRef, formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt))
	return mapError("pricing.upsert", err)
}

func (r *PricingRepository) Find(ctx context.Context, recipeID string, servingSize int) (domain.PricingEntry, error) {
	row := r.store.queryRow(ctx, `SELECT `+pricingColumns+` FROM pricing_entries
		WHERE recipe_id = ? AND serving_size = ?`, recipeID, servingSize)
	entry, err := scanPricing(row)
	if err != nil {
		return domain.PricingEntry{}, mapError("pricing.find", err)
	}
	return entry, nil
}

func (r *PricingRepository) List(ctx context.Context) ([]domain.PricingEntry, error) {
	rows, err := r.store.query(ctx, `SELECT `+pricingColumns+` FROM pricing_entries ORDER BY recipe_id, serving_size`)
	if err != nil {
		return nil, mapError("pricing.list", err)
	}
	defer rows.Close()

	var entries []domain.PricingEntry
	for rows.Next() {
		entry, err := scanPricing(rows)
		if err != nil {
			return nil, mapError("pricing.list", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("pricing.list", err)
	}
	return entries, nil
}

func scanPricing(row scanner) (domain.PricingEntry, error) {
	var (
		entry                domain.PricingEntry
		createdAt, updatedAt string
	)
	if err := row.Scan(&entry.RecipeID, &entry.ServingSize, &entry.RecipeName, &entry.PriceCents, &entry.Description,
		&entry.ImageURL, &entry.ProductRef, &entry.PriceRef, &createdAt, &updatedAt); err != nil {
		return domain.PricingEntry{}, err
	}
	var err error
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.PricingEntry{}, err
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.PricingEntry{}, err
	}
	return entry, nil
}
