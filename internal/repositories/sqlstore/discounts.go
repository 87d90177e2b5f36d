package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

const discountColumns = `name, gateway_ref, redemptions, amount_off_cents, percent_off, eligible_identity,
	expires_at, active, created_at`

// DiscountRepository stores discount codes keyed by name.
type DiscountRepository struct {
	store *Store
}

var _ repositories.DiscountRepository = (*DiscountRepository)(nil)

func (r *DiscountRepository) Insert(ctx context.Context, code domain.DiscountCode) error {
	_, err := r.store.exec(ctx, `INSERT INTO discount_codes (`+discountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Name, code.GatewayRef, code.Redemptions, nullInt64(code.AmountOffCents), nullFloat64(code.PercentOff),
		nullString(code.EligibleIdentity), formatNullTime(code.ExpiresAt), code.Active, formatTime(code.CreatedAt))
	return mapError("discounts.insert", err)
}

func (r *DiscountRepository) FindByName(ctx context.Context, name string) (domain.DiscountCode, error) {
	row := r.store.queryRow(ctx, `SELECT `+discountColumns+` FROM discount_codes WHERE name = ?`, strings.TrimSpace(name))
	code, err := scanDiscount(row)
	if err != nil {
		return domain.DiscountCode{}, mapError("discounts.find", err)
	}
	return code, nil
}

// FindByNames returns the codes that exist, in the order requested. Unknown names are skipped.
func (r *DiscountRepository) FindByNames(ctx context.Context, names []string) ([]domain.DiscountCode, error) {
	names = uniqueNames(names)
	if len(names) == 0 {
		return nil, nil
	}
	args := make([]any, len(names))
	for i, name := range names {
		args[i] = name
	}
	found, err := r.queryDiscounts(ctx, "discounts.find_many",
		`SELECT `+discountColumns+` FROM discount_codes WHERE name IN (`+placeholders(len(names))+`)`, args...)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]domain.DiscountCode, len(found))
	for _, code := range found {
		byName[code.Name] = code
	}
	out := make([]domain.DiscountCode, 0, len(found))
	for _, name := range names {
		if code, ok := byName[name]; ok {
			out = append(out, code)
		}
	}
	return out, nil
}

func (r *DiscountRepository) ListEligibleTo(ctx context.Context, identity string) ([]domain.DiscountCode, error) {
	return r.queryDiscounts(ctx, "discounts.list_eligible",
		`SELECT `+discountColumns+` FROM discount_codes WHERE eligible_identity = ? ORDER BY created_at, name`, identity)
}

// AdjustRedemptions applies each delta in place. The counter is floored at zero.
func (r *DiscountRepository) AdjustRedemptions(ctx context.Context, adjustments []repositories.RedemptionAdjustment) error {
	for _, adj := range adjustments {
		if adj.Delta == 0 {
			continue
		}
		res, err := r.store.exec(ctx, `UPDATE discount_codes
			SET redemptions = CASE WHEN redemptions + ? < 0 THEN 0 ELSE redemptions + ? END
			WHERE name = ?`, adj.Delta, adj.Delta, adj.Name)
		if err != nil {
			return mapError("discounts.adjust", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return repositories.NewError("discounts.adjust", repositories.ErrorKindNotFound, fmt.Errorf("discount %s not found", adj.Name))
		}
	}
	return nil
}

func (r *DiscountRepository) queryDiscounts(ctx context.Context, op, query string, args ...any) ([]domain.DiscountCode, error) {
	rows, err := r.store.query(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var codes []domain.DiscountCode
	for rows.Next() {
		code, err := scanDiscount(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return codes, nil
}

func scanDiscount(row scanner) (domain.DiscountCode, error) {
	var (
		code       domain.DiscountCode
		amountOff  sql.NullInt64
		percentOff sql.NullFloat64
		eligible   sql.NullString
		expiresAt  sql.NullString
		createdAt  string
	)
	if err := row.Scan(&code.Name, &code.GatewayRef, &code.Redemptions, &amountOff, &percentOff, &eligible,
		&expiresAt, &code.Active, &createdAt); err != nil {
		return domain.DiscountCode{}, err
	}
	code.AmountOffCents = int64Ptr(amountOff)
	code.PercentOff = float64Ptr(percentOff)
	code.EligibleIdentity = stringPtr(eligible)

	var err error
	if code.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return domain.DiscountCode{}, err
	}
	if code.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.DiscountCode{}, err
	}
	return code, nil
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
