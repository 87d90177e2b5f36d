package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/platform/pagination"
	"github.com/rasoibox/api/internal/repositories"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the order is not in a state that allows the operation.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderUnavailable indicates the order store is unavailable.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

// OrderServiceDeps wires the order read side.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
	Logger func(context.Context, string, map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewOrderService constructs an OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders: deps.Orders,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *orderService) ListCustomerOrders(ctx context.Context, customerID string, page Pagination) (domain.CursorPage[Order], error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	orderPage, err := orderPageFrom(page)
	if err != nil {
		return domain.CursorPage[Order]{}, err
	}
	result, err := s.orders.ListByCustomer(ctx, customerID, orderPage)
	if err != nil {
		return domain.CursorPage[Order]{}, s.repoError(err)
	}
	return result, nil
}

// GetCustomerOrder returns one of the caller's orders. Orders owned by someone else are reported as
// not found.
func (s *orderService) GetCustomerOrder(ctx context.Context, customerID, code string) (Order, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Order{}, fmt.Errorf("%w: order code is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		return Order{}, s.repoError(err)
	}
	if !order.OwnedBy(strings.TrimSpace(customerID)) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, code)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter AdminOrderFilter) (domain.CursorPage[Order], error) {
	orderPage, err := orderPageFrom(filter.Page)
	if err != nil {
		return domain.CursorPage[Order]{}, err
	}
	statuses := make([]domain.OrderStatus, 0, len(filter.Status))
	for _, raw := range filter.Status {
		status, err := domain.ParseOrderStatus(string(raw))
		if err != nil {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		statuses = append(statuses, status)
	}
	result, err := s.orders.List(ctx, repositories.OrderListFilter{Status: statuses, Page: orderPage})
	if err != nil {
		return domain.CursorPage[Order]{}, s.repoError(err)
	}
	return result, nil
}

// MarkDelivered flags a completed order as delivered. Marking an already delivered order again is a
// no-op.
func (s *orderService) MarkDelivered(ctx context.Context, cmd MarkDeliveredCommand) (Order, error) {
	code := strings.TrimSpace(cmd.OrderCode)
	if code == "" {
		return Order{}, fmt.Errorf("%w: order code is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		return Order{}, s.repoError(err)
	}
	if order.Status != domain.OrderStatusCompleted {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, code, order.Status)
	}
	if order.Delivered {
		return order, nil
	}

	deliveredAt := s.now()
	if cmd.DeliveredAt != nil && !cmd.DeliveredAt.IsZero() {
		deliveredAt = cmd.DeliveredAt.UTC()
	}
	order.Delivered = true
	order.DeliveredAt = &deliveredAt
	order.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, order, domain.OrderStatusCompleted); err != nil {
		return Order{}, s.repoError(err)
	}
	s.logger(ctx, "order.delivered", map[string]any{"orderCode": code})
	return order, nil
}

func (s *orderService) repoError(err error) error {
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	default:
		return err
	}
}

func orderPageFrom(page Pagination) (repositories.OrderPage, error) {
	size := page.PageSize
	switch {
	case size <= 0:
		size = defaultOrderPageSize
	case size > maxOrderPageSize:
		size = maxOrderPageSize
	}
	out := repositories.OrderPage{PageSize: size}
	token := strings.TrimSpace(page.PageToken)
	if token == "" {
		return out, nil
	}
	keyset, err := pagination.DecodeToken(token)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	out.After = repositories.OrderCursorFromKeyset(keyset)
	return out, nil
}
