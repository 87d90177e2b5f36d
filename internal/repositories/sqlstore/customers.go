package sqlstore

import (
	"context"
	"strings"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

const customerColumns = `id, email, first_name, last_name, verification_code, verified`

// CustomerRepository reads signed up customers. Rows are written by the signup flow.
type CustomerRepository struct {
	store *Store
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)

func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	return r.findOne(ctx, "customers.find", `SELECT `+customerColumns+` FROM customers WHERE id = ?`, customerID)
}

func (r *CustomerRepository) FindByVerificationCode(ctx context.Context, code string) (domain.Customer, error) {
	return r.findOne(ctx, "customers.find_by_verification_code",
		`SELECT `+customerColumns+` FROM customers WHERE verification_code = ?`, strings.TrimSpace(code))
}

func (r *CustomerRepository) FindByEmail(ctx context.Context, email string) (domain.Customer, error) {
	return r.findOne(ctx, "customers.find_by_email",
		`SELECT `+customerColumns+` FROM customers WHERE LOWER(email) = ? ORDER BY id LIMIT 1`, strings.ToLower(strings.TrimSpace(email)))
}

// Save creates or replaces a customer row.
func (r *CustomerRepository) Save(ctx context.Context, customer domain.Customer) error {
	_, err := r.store.exec(ctx, `INSERT INTO customers (`+customerColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			verification_code = excluded.verification_code,
			verified = excluded.verified`,
		customer.ID, customer.Email, customer.FirstName, customer.LastName, customer.VerificationCode, customer.Verified)
	return mapError("customers.save", err)
}

func (r *CustomerRepository) findOne(ctx context.Context, op, query string, args ...any) (domain.Customer, error) {
	var c domain.Customer
	err := r.store.queryRow(ctx, query, args...).Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.VerificationCode, &c.Verified)
	if err != nil {
		return domain.Customer{}, mapError(op, err)
	}
	return c, nil
}
