package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

const orderColumns = `id, code, customer_id, status, recipient_first_name, recipient_last_name, recipes,
	address_line1, address_line2, address_city, address_state, address_zipcode, phone, discount_codes,
	breakdown, total_cents, payment_intent_id, delivered, created_at, updated_at, completed_at,
	canceled_at, delivered_at`

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderRepository persists orders in the orders table. The partial unique index on customer_id
// enforces the single open order per customer.
type OrderRepository struct {
	store *Store
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

type breakdownRecord struct {
	Items      map[string]int64        `json:"items"`
	PromoCodes []appliedDiscountRecord `json:"promoCodes"`
}

type appliedDiscountRecord struct {
	Name           string   `json:"name"`
	AmountOffCents *int64   `json:"amountOffCents,omitempty"`
	PercentOff     *float64 `json:"percentOff,omitempty"`
}

func encodeBreakdown(b domain.OrderBreakdown) (string, error) {
	record := breakdownRecord{Items: b.Items, PromoCodes: make([]appliedDiscountRecord, 0, len(b.PromoCodes))}
	if record.Items == nil {
		record.Items = map[string]int64{}
	}
	for _, promo := range b.PromoCodes {
		record.PromoCodes = append(record.PromoCodes, appliedDiscountRecord(promo))
	}
	return encodeJSON(record)
}

func decodeBreakdown(raw string) (domain.OrderBreakdown, error) {
	var record breakdownRecord
	if err := decodeJSON(raw, &record); err != nil {
		return domain.OrderBreakdown{}, err
	}
	out := domain.OrderBreakdown{Items: record.Items}
	for _, promo := range record.PromoCodes {
		out.PromoCodes = append(out.PromoCodes, domain.AppliedDiscount(promo))
	}
	return out, nil
}

type orderArgs struct {
	recipes   string
	discounts string
	breakdown string
}

func encodeOrder(order domain.Order) (orderArgs, error) {
	recipes := order.Recipes
	if recipes == nil {
		recipes = map[string]int{}
	}
	codes := order.DiscountCodes
	if codes == nil {
		codes = []string{}
	}
	var (
		args orderArgs
		err  error
	)
	if args.recipes, err = encodeJSON(recipes); err != nil {
		return orderArgs{}, err
	}
	if args.discounts, err = encodeJSON(codes); err != nil {
		return orderArgs{}, err
	}
	if args.breakdown, err = encodeBreakdown(order.Breakdown); err != nil {
		return orderArgs{}, err
	}
	return args, nil
}

// Insert stores a new order. Unique violations are classified by the index they hit.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	encoded, err := encodeOrder(order)
	if err != nil {
		return err
	}
	_, err = r.store.exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.Code, nullString(order.CustomerID), string(order.Status),
		order.Recipient.FirstName, order.Recipient.LastName, encoded.recipes,
		order.Address.Line1, order.Address.Line2, order.Address.City, order.Address.State, order.Address.Zipcode,
		order.Phone, encoded.discounts, encoded.breakdown, order.TotalCents, order.PaymentIntentID, order.Delivered,
		formatTime(order.CreatedAt), formatTime(order.UpdatedAt),
		formatNullTime(order.CompletedAt), formatNullTime(order.CanceledAt), formatNullTime(order.DeliveredAt),
	)
	if err == nil {
		return nil
	}
	if hint, ok := uniqueViolation(err); ok {
		switch {
		case strings.Contains(hint, "orders_code_key"), strings.Contains(hint, "orders.code"):
			return repositories.NewError("orders.insert", repositories.ErrorKindConflict, repositories.ErrDuplicateOrderCode)
		case strings.Contains(hint, "orders_open_customer_key"), strings.Contains(hint, "orders.customer_id"):
			return repositories.NewError("orders.insert", repositories.ErrorKindConflict, repositories.ErrOpenOrderExists)
		}
	}
	return mapError("orders.insert", err)
}

// Update rewrites the mutable columns guarded by the expected statuses.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expected ...domain.OrderStatus) error {
	encoded, err := encodeOrder(order)
	if err != nil {
		return err
	}
	query := `UPDATE orders SET status = ?, customer_id = ?, recipient_first_name = ?, recipient_last_name = ?,
		recipes = ?, address_line1 = ?, address_line2 = ?, address_city = ?, address_state = ?,
		address_zipcode = ?, phone = ?, discount_codes = ?, breakdown = ?, total_cents = ?,
		payment_intent_id = ?, delivered = ?, updated_at = ?, completed_at = ?, canceled_at = ?,
		delivered_at = ?
		WHERE id = ?`
	args := []any{
		string(order.Status), nullString(order.CustomerID), order.Recipient.FirstName, order.Recipient.LastName,
		encoded.recipes, order.Address.Line1, order.Address.Line2, order.Address.City, order.Address.State,
		order.Address.Zipcode, order.Phone, encoded.discounts, encoded.breakdown, order.TotalCents,
		order.PaymentIntentID, order.Delivered, formatTime(order.UpdatedAt), formatNullTime(order.CompletedAt),
		formatNullTime(order.CanceledAt), formatNullTime(order.DeliveredAt),
		order.ID,
	}
	if len(expected) > 0 {
		query += ` AND status IN (` + placeholders(len(expected)) + `)`
		for _, status := range expected {
			args = append(args, string(status))
		}
	}

	res, err := r.store.exec(ctx, query, args...)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return repositories.NewError("orders.update", repositories.ErrorKindConflict, repositories.ErrOpenOrderExists)
		}
		return mapError("orders.update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("orders.update", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = r.store.queryRow(ctx, `SELECT 1 FROM orders WHERE id = ?`, order.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewError("orders.update", repositories.ErrorKindNotFound, fmt.Errorf("order %s not found", order.ID))
	}
	if err != nil {
		return mapError("orders.update", err)
	}
	return repositories.NewError("orders.update", repositories.ErrorKindConflict, repositories.ErrStaleOrder)
}

func (r *OrderRepository) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	row := r.store.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE code = ?`, strings.TrimSpace(code))
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, mapError("orders.find_by_code", err)
	}
	return order, nil
}

func (r *OrderRepository) FindOpenByCustomer(ctx context.Context, customerID string) (domain.Order, error) {
	row := r.store.queryRow(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE customer_id = ? AND status IN (?, ?)`,
		customerID, string(domain.OrderStatusIntent), string(domain.OrderStatusInitiated))
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, mapError("orders.find_open", err)
	}
	return order, nil
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, page repositories.OrderPage) (domain.CursorPage[domain.Order], error) {
	return r.list(ctx, "orders.list_by_customer", []string{"customer_id = ?"}, []any{customerID}, page)
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Status) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Status))+")")
		for _, status := range filter.Status {
			args = append(args, string(status))
		}
	}
	return r.list(ctx, "orders.list", where, args, filter.Page)
}

func (r *OrderRepository) list(ctx context.Context, op string, where []string, args []any, page repositories.OrderPage) (domain.CursorPage[domain.Order], error) {
	size := page.PageSize
	if size <= 0 {
		size = defaultOrderPageSize
	}
	if size > maxOrderPageSize {
		size = maxOrderPageSize
	}
	if page.After != nil {
		cursorAt := formatTime(page.After.CreatedAt)
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorAt, cursorAt, page.After.ID)
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, size+1)

	orders, err := r.queryOrders(ctx, op, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	result := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > size {
		result.Items = orders[:size]
		last := result.Items[size-1]
		token, err := repositories.EncodeOrderCursor(repositories.OrderCursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		result.NextPageToken = token
	}
	return result, nil
}

func (r *OrderRepository) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = maxOrderPageSize
	}
	return r.queryOrders(ctx, "orders.list_stale", `SELECT `+orderColumns+` FROM orders
		WHERE status IN (?, ?) AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`,
		string(domain.OrderStatusIntent), string(domain.OrderStatusInitiated), formatTime(createdBefore), limit)
}

func (r *OrderRepository) queryOrders(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.store.query(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return orders, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (domain.Order, error) {
	var (
		order                                 domain.Order
		customerID                            sql.NullString
		status, recipes, discounts, breakdown string
		createdAt, updatedAt                  string
		completedAt, canceledAt, deliveredAt  sql.NullString
	)
	err := row.Scan(
		&order.ID, &order.Code, &customerID, &status, &order.Recipient.FirstName, &order.Recipient.LastName, &recipes,
		&order.Address.Line1, &order.Address.Line2, &order.Address.City, &order.Address.State, &order.Address.Zipcode,
		&order.Phone, &discounts, &breakdown, &order.TotalCents, &order.PaymentIntentID, &order.Delivered,
		&createdAt, &updatedAt, &completedAt, &canceledAt, &deliveredAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	order.CustomerID = stringPtr(customerID)
	if order.Status, err = domain.ParseOrderStatus(status); err != nil {
		return domain.Order{}, err
	}
	if err = decodeJSON(recipes, &order.Recipes); err != nil {
		return domain.Order{}, err
	}
	if err = decodeJSON(discounts, &order.DiscountCodes); err != nil {
		return domain.Order{}, err
	}
	if order.Breakdown, err = decodeBreakdown(breakdown); err != nil {
		return domain.Order{}, err
	}
	if order.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Order{}, err
	}
	if order.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Order{}, err
	}
	if order.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return domain.Order{}, err
	}
	if order.CanceledAt, err = parseNullTime(canceledAt); err != nil {
		return domain.Order{}, err
	}
	if order.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}
