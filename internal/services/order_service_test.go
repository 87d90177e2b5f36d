package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories/sqlstore"
)

func seedOrder(t *testing.T, store *sqlstore.Store, id, code, customer string, status domain.OrderStatus, createdAt time.Time) domain.Order {
	t.Helper()
	order := domain.Order{
		ID:              id,
		Code:            code,
		Status:          status,
		Recipes:         map[string]int{"dal": 2},
		DiscountCodes:   []string{},
		Breakdown:       domain.OrderBreakdown{Items: map[string]int64{"price_dal": 1500}},
		TotalCents:      1500,
		PaymentIntentID: "pi_" + id,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	if customer != "" {
		order.CustomerID = &customer
	}
	if status == domain.OrderStatusCompleted {
		completed := createdAt.Add(time.Minute)
		order.CompletedAt = &completed
	}
	if err := store.Orders().Insert(context.Background(), order); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return order
}

func newOrderFixture(t *testing.T) (*sqlstore.Store, OrderService, time.Time) {
	t.Helper()
	store := newTestStore(t)
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	svc, err := NewOrderService(OrderServiceDeps{Orders: store.Orders(), Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return store, svc, now
}

func TestOrderServiceListCustomerOrdersPaginates(t *testing.T) {
	store, svc, now := newOrderFixture(t)
	ctx := context.Background()
	for i, code := range []string{"20000001", "20000002", "20000003"} {
		seedOrder(t, store, "ord_"+code, code, "cust_1", domain.OrderStatusCompleted, now.Add(time.Duration(i)*time.Hour))
	}
	seedOrder(t, store, "ord_other", "20000009", "cust_2", domain.OrderStatusCompleted, now)

	first, err := svc.ListCustomerOrders(ctx, "cust_1", Pagination{PageSize: 2})
	if err != nil {
		t.Fatalf("ListCustomerOrders: %v", err)
	}
	if len(first.Items) != 2 || first.Items[0].Code != "20000003" {
		t.Fatalf("expected newest first, got %+v", first.Items)
	}
	if first.NextPageToken == "" {
		t.Fatalf("expected next page token")
	}

	second, err := svc.ListCustomerOrders(ctx, "cust_1", Pagination{PageSize: 2, PageToken: first.NextPageToken})
	if err != nil {
		t.Fatalf("ListCustomerOrders page 2: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].Code != "20000001" {
		t.Fatalf("unexpected second page %+v", second.Items)
	}

	if _, err := svc.ListCustomerOrders(ctx, "cust_1", Pagination{PageToken: "not-a-token"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestOrderServiceGetCustomerOrderHidesForeignOrders(t *testing.T) {
	store, svc, now := newOrderFixture(t)
	seedOrder(t, store, "ord_1", "20000001", "cust_1", domain.OrderStatusCompleted, now)

	order, err := svc.GetCustomerOrder(context.Background(), "cust_1", "20000001")
	if err != nil {
		t.Fatalf("GetCustomerOrder: %v", err)
	}
	if order.ID != "ord_1" {
		t.Fatalf("unexpected order %+v", order)
	}
	if _, err := svc.GetCustomerOrder(context.Background(), "cust_2", "20000001"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for foreign order, got %v", err)
	}
	if _, err := svc.GetCustomerOrder(context.Background(), "cust_1", "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for missing order, got %v", err)
	}
}

func TestOrderServiceListOrdersFiltersStatus(t *testing.T) {
	store, svc, now := newOrderFixture(t)
	seedOrder(t, store, "ord_1", "20000001", "cust_1", domain.OrderStatusCompleted, now)
	seedOrder(t, store, "ord_2", "20000002", "cust_2", domain.OrderStatusInitiated, now)

	page, err := svc.ListOrders(context.Background(), AdminOrderFilter{Status: []OrderStatus{domain.OrderStatusCompleted}})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Code != "20000001" {
		t.Fatalf("unexpected filtered orders %+v", page.Items)
	}
	if _, err := svc.ListOrders(context.Background(), AdminOrderFilter{Status: []OrderStatus{"shipped"}}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}

func TestOrderServiceMarkDelivered(t *testing.T) {
	store, svc, now := newOrderFixture(t)
	seedOrder(t, store, "ord_1", "20000001", "cust_1", domain.OrderStatusCompleted, now.Add(-48*time.Hour))
	seedOrder(t, store, "ord_2", "20000002", "cust_2", domain.OrderStatusInitiated, now)

	order, err := svc.MarkDelivered(context.Background(), MarkDeliveredCommand{OrderCode: "20000001"})
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if !order.Delivered || order.DeliveredAt == nil || !order.DeliveredAt.Equal(now) {
		t.Fatalf("unexpected delivered order %+v", order)
	}
	stored, err := store.Orders().FindByCode(context.Background(), "20000001")
	if err != nil {
		t.Fatalf("FindByCode: %v", err)
	}
	if !stored.Delivered {
		t.Fatalf("expected delivered flag persisted")
	}

	if _, err := svc.MarkDelivered(context.Background(), MarkDeliveredCommand{OrderCode: "20000002"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state for open order, got %v", err)
	}
	if _, err := svc.MarkDelivered(context.Background(), MarkDeliveredCommand{OrderCode: "missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
