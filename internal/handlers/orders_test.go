package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/platform/pagination"
	"github.com/rasoibox/api/internal/services"
)

type stubOrderService struct {
	listCustomerFunc func(context.Context, string, services.Pagination) (domain.CursorPage[services.Order], error)
	getFunc          func(context.Context, string, string) (services.Order, error)
	listFunc         func(context.Context, services.AdminOrderFilter) (domain.CursorPage[services.Order], error)
	deliverFunc      func(context.Context, services.MarkDeliveredCommand) (services.Order, error)
}

func (s *stubOrderService) ListCustomerOrders(ctx context.Context, customerID string, page services.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listCustomerFunc != nil {
		return s.listCustomerFunc(ctx, customerID, page)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) GetCustomerOrder(ctx context.Context, customerID, code string) (services.Order, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, customerID, code)
	}
	return services.Order{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.AdminOrderFilter) (domain.CursorPage[services.Order], error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) MarkDelivered(ctx context.Context, cmd services.MarkDeliveredCommand) (services.Order, error) {
	if s.deliverFunc != nil {
		return s.deliverFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func TestOrderHandlersListOrders(t *testing.T) {
	token, err := pagination.EncodeToken(pagination.Keyset{CreatedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), ID: "ord_01"})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	router := chi.NewRouter()
	var captured services.Pagination
	NewOrderHandlers(nil, &stubOrderService{
		listCustomerFunc: func(_ context.Context, customerID string, page services.Pagination) (domain.CursorPage[services.Order], error) {
			if customerID != "cust_1" {
				t.Fatalf("unexpected customer %s", customerID)
			}
			captured = page
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder()}, NextPageToken: "next"}, nil
		},
	}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, customerRequest(http.MethodGet, "/?pageSize=500&pageToken="+token, ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PageSize != maxOrderPageSize || captured.PageToken != token {
		t.Fatalf("unexpected pagination %+v", captured)
	}
	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Code != "12345678" || resp.NextPageToken != "next" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOrderHandlersListOrdersInvalidPagination(t *testing.T) {
	router := chi.NewRouter()
	NewOrderHandlers(nil, &stubOrderService{}).Routes(router)

	for _, query := range []string{"?pageSize=abc", "?pageToken=not*a*token"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, customerRequest(http.MethodGet, "/"+query, ""))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", query, rr.Code)
		}
	}
}

func TestOrderHandlersListOrdersUnauthenticated(t *testing.T) {
	router := chi.NewRouter()
	NewOrderHandlers(nil, &stubOrderService{}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	router := chi.NewRouter()
	NewOrderHandlers(nil, &stubOrderService{
		getFunc: func(_ context.Context, customerID, code string) (services.Order, error) {
			if customerID != "cust_1" || code != "12345678" {
				t.Fatalf("unexpected lookup %s %s", customerID, code)
			}
			return sampleOrder(), nil
		},
	}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, customerRequest(http.MethodGet, "/12345678", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CustomerID != "cust_1" || resp.Recipient.FirstName != "Asha" {
		t.Fatalf("unexpected order %+v", resp)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	router := chi.NewRouter()
	NewOrderHandlers(nil, &stubOrderService{
		getFunc: func(context.Context, string, string) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: 12345678", services.ErrOrderNotFound)
		},
	}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, customerRequest(http.MethodGet, "/12345678", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersServiceUnavailable(t *testing.T) {
	router := chi.NewRouter()
	NewOrderHandlers(nil, nil).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, customerRequest(http.MethodGet, "/", ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
