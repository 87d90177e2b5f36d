package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/rasoibox/api/internal/domain"
	pfirestore "github.com/rasoibox/api/internal/platform/firestore"
	"github.com/rasoibox/api/internal/repositories"
)

const (
	ordersCollection     = "orders"
	orderCodesCollection = "orderCodes"
	openOrdersCollection = "openOrders"

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderRepository stores orders in the orders collection. orderCodes/{code} reserves the user facing
// code and openOrders/{customerID} marks the single open order of a customer.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	codes    *pfirestore.BaseRepository[orderGuardDocument]
	open     *pfirestore.BaseRepository[orderGuardDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func newOrderRepository(provider *pfirestore.Provider) *OrderRepository {
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		codes:    pfirestore.NewBaseRepository[orderGuardDocument](provider, orderCodesCollection),
		open:     pfirestore.NewBaseRepository[orderGuardDocument](provider, openOrdersCollection),
	}
}

type orderGuardDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type orderDocument struct {
	Code            string                    `firestore:"code"`
	CustomerID      string                    `firestore:"customerId,omitempty"`
	Status          string                    `firestore:"status"`
	FirstName       string                    `firestore:"firstName"`
	LastName        string                    `firestore:"lastName"`
	Recipes         map[string]int            `firestore:"recipes"`
	Address         addressDocument           `firestore:"address"`
	Phone           string                    `firestore:"phone"`
	DiscountCodes   []string                  `firestore:"discountCodes"`
	Items           map[string]int64          `firestore:"breakdownItems"`
	PromoCodes      []appliedDiscountDocument `firestore:"breakdownPromoCodes"`
	TotalCents      int64                     `firestore:"totalCents"`
	PaymentIntentID string                    `firestore:"paymentIntentId"`
	Delivered       bool                      `firestore:"delivered"`
	CreatedAt       time.Time                 `firestore:"createdAt"`
	UpdatedAt       time.Time                 `firestore:"updatedAt"`
	CompletedAt     *time.Time                `firestore:"completedAt,omitempty"`
	CanceledAt      *time.Time                `firestore:"canceledAt,omitempty"`
	DeliveredAt     *time.Time                `firestore:"deliveredAt,omitempty"`
}

type addressDocument struct {
	Line1   string `firestore:"line1"`
	Line2   string `firestore:"line2,omitempty"`
	City    string `firestore:"city"`
	State   string `firestore:"state"`
	Zipcode string `firestore:"zipcode"`
}

type appliedDiscountDocument struct {
	Name           string   `firestore:"name"`
	AmountOffCents *int64   `firestore:"amountOffCents,omitempty"`
	PercentOff     *float64 `firestore:"percentOff,omitempty"`
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		Code:            order.Code,
		Status:          string(order.Status),
		FirstName:       order.Recipient.FirstName,
		LastName:        order.Recipient.LastName,
		Recipes:         order.Recipes,
		Address:         addressDocument(order.Address),
		Phone:           order.Phone,
		DiscountCodes:   order.DiscountCodes,
		Items:           order.Breakdown.Items,
		TotalCents:      order.TotalCents,
		PaymentIntentID: order.PaymentIntentID,
		Delivered:       order.Delivered,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		CompletedAt:     utcPtr(order.CompletedAt),
		CanceledAt:      utcPtr(order.CanceledAt),
		DeliveredAt:     utcPtr(order.DeliveredAt),
	}
	if order.CustomerID != nil {
		doc.CustomerID = *order.CustomerID
	}
	for _, promo := range order.Breakdown.PromoCodes {
		doc.PromoCodes = append(doc.PromoCodes, appliedDiscountDocument(promo))
	}
	return doc
}

func decodeOrder(doc pfirestore.Document[orderDocument]) (domain.Order, error) {
	status, err := domain.ParseOrderStatus(doc.Data.Status)
	if err != nil {
		return domain.Order{}, err
	}
	order := domain.Order{
		ID:              doc.ID,
		Code:            doc.Data.Code,
		Recipient:       domain.Recipient{FirstName: doc.Data.FirstName, LastName: doc.Data.LastName},
		Recipes:         doc.Data.Recipes,
		Address:         domain.Address(doc.Data.Address),
		Phone:           doc.Data.Phone,
		DiscountCodes:   doc.Data.DiscountCodes,
		Breakdown:       domain.OrderBreakdown{Items: doc.Data.Items},
		TotalCents:      doc.Data.TotalCents,
		Status:          status,
		PaymentIntentID: doc.Data.PaymentIntentID,
		Delivered:       doc.Data.Delivered,
		CreatedAt:       doc.Data.CreatedAt.UTC(),
		UpdatedAt:       doc.Data.UpdatedAt.UTC(),
		CompletedAt:     utcPtr(doc.Data.CompletedAt),
		CanceledAt:      utcPtr(doc.Data.CanceledAt),
		DeliveredAt:     utcPtr(doc.Data.DeliveredAt),
	}
	if doc.Data.CustomerID != "" {
		id := doc.Data.CustomerID
		order.CustomerID = &id
	}
	for _, promo := range doc.Data.PromoCodes {
		order.Breakdown.PromoCodes = append(order.Breakdown.PromoCodes, domain.AppliedDiscount(promo))
	}
	return order, nil
}

// Insert reserves the order code and, for open orders of a known customer, the open order guard.
// It runs its reads first, so callers joining an outer transaction must not have written yet.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	code := strings.TrimSpace(order.Code)
	if code == "" || strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("orders.insert: id and code are required")
	}
	guardsOpen := order.CustomerID != nil && !order.Status.IsTerminal()

	return runInTx(ctx, r.provider, func(ctx context.Context) error {
		if _, err := r.codes.Get(ctx, code); err == nil {
			return repositories.NewError("orders.insert", repositories.ErrorKindConflict, repositories.ErrDuplicateOrderCode)
		} else if !repositories.IsNotFound(err) {
			return err
		}
		if guardsOpen {
			if _, err := r.open.Get(ctx, *order.CustomerID); err == nil {
				return repositories.NewError("orders.insert", repositories.ErrorKindConflict, repositories.ErrOpenOrderExists)
			} else if !repositories.IsNotFound(err) {
				return err
			}
		}

		guard := orderGuardDocument{OrderID: order.ID, CreatedAt: order.CreatedAt.UTC()}
		if err := r.orders.Create(ctx, order.ID, encodeOrder(order)); err != nil {
			return err
		}
		if err := r.codes.Create(ctx, code, guard); err != nil {
			return err
		}
		if guardsOpen {
			if err := r.open.Create(ctx, *order.CustomerID, guard); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update re-reads the stored order, checks its status against expected and rewrites it. Leaving an
// open status releases the customer's open order guard.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expected ...domain.OrderStatus) error {
	return runInTx(ctx, r.provider, func(ctx context.Context) error {
		doc, err := r.orders.Get(ctx, order.ID)
		if err != nil {
			return err
		}
		current, err := decodeOrder(doc)
		if err != nil {
			return err
		}
		if len(expected) > 0 && !statusIn(current.Status, expected) {
			return repositories.NewError("orders.update", repositories.ErrorKindConflict,
				fmt.Errorf("%w: order %s is %s", repositories.ErrStaleOrder, order.ID, current.Status))
		}

		if err := r.orders.Set(ctx, order.ID, encodeOrder(order)); err != nil {
			return err
		}
		if current.CustomerID != nil && !current.Status.IsTerminal() && order.Status.IsTerminal() {
			if err := r.open.Delete(ctx, *current.CustomerID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *OrderRepository) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	guard, err := r.codes.Get(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.Order{}, err
	}
	return r.get(ctx, guard.Data.OrderID)
}

func (r *OrderRepository) FindOpenByCustomer(ctx context.Context, customerID string) (domain.Order, error) {
	guard, err := r.open.Get(ctx, customerID)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := r.get(ctx, guard.Data.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status.IsTerminal() {
		return domain.Order{}, repositories.NewError("orders.find_open", repositories.ErrorKindNotFound,
			fmt.Errorf("customer %s has no open order", customerID))
	}
	return order, nil
}

func (r *OrderRepository) get(ctx context.Context, id string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc)
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, page repositories.OrderPage) (domain.CursorPage[domain.Order], error) {
	return r.list(ctx, page, func(q firestore.Query) firestore.Query {
		return q.Where("customerId", "==", customerID)
	})
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return r.list(ctx, filter.Page, func(q firestore.Query) firestore.Query {
		if len(filter.Status) > 0 {
			q = q.Where("status", "in", statusStrings(filter.Status))
		}
		return q
	})
}

func (r *OrderRepository) list(ctx context.Context, page repositories.OrderPage, where pfirestore.QueryBuilder) (domain.CursorPage[domain.Order], error) {
	size := page.PageSize
	if size <= 0 {
		size = defaultOrderPageSize
	}
	if size > maxOrderPageSize {
		size = maxOrderPageSize
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = where(q).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if page.After != nil {
			q = q.StartAfter(page.After.CreatedAt.UTC(), page.After.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	result := domain.CursorPage[domain.Order]{}
	for _, doc := range docs {
		order, err := decodeOrder(doc)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		result.Items = append(result.Items, order)
	}
	if len(result.Items) > size {
		result.Items = result.Items[:size]
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
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "in", statusStrings(domain.OpenOrderStatuses)).
			Where("createdAt", "<", createdBefore.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := decodeOrder(doc)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func statusIn(status domain.OrderStatus, set []domain.OrderStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func statusStrings(statuses []domain.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
