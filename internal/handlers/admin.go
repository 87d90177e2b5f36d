package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rasoibox/api/internal/platform/auth"
	"github.com/rasoibox/api/internal/platform/httpx"
	"github.com/rasoibox/api/internal/platform/pagination"
	"github.com/rasoibox/api/internal/services"
)

const (
	maxPricingRequestBody  = 256 * 1024
	maxDiscountRequestBody = 8 * 1024
	maxDeliverRequestBody  = 1024
)

// AdminHandlers serve the staff console: repricing, discount management and fulfilment. Staff
// authentication is applied by the router's admin group.
type AdminHandlers struct {
	catalog   services.CatalogService
	discounts services.DiscountService
	orders    services.OrderService
	logger    func(context.Context, string, map[string]any)
}

// AdminOption customises AdminHandlers.
type AdminOption func(*AdminHandlers)

// WithAdminLogger records staff actions.
func WithAdminLogger(logger func(context.Context, string, map[string]any)) AdminOption {
	return func(h *AdminHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewAdminHandlers(catalog services.CatalogService, discounts services.DiscountService, orders services.OrderService, opts ...AdminOption) *AdminHandlers {
	h := &AdminHandlers{
		catalog:   catalog,
		discounts: discounts,
		orders:    orders,
		logger:    func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/pricing", h.upsertPrices)
	r.Post("/discounts", h.createDiscount)
	r.Get("/discounts/{name}/validity", h.checkDiscount)
	r.Get("/orders", h.listOrders)
	r.Post("/orders/{orderCode}:deliver", h.markDelivered)
}

type adminPriceEntryRequest struct {
	RecipeID    string `json:"recipeId"`
	RecipeName  string `json:"recipeName"`
	ServingSize int    `json:"servingSize"`
	Price       string `json:"price"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
}

type adminPricingRequest struct {
	Entries []adminPriceEntryRequest `json:"entries"`
}

type adminPriceEntryPayload struct {
	RecipeID    string `json:"recipeId"`
	RecipeName  string `json:"recipeName"`
	ServingSize int    `json:"servingSize"`
	Price       string `json:"price"`
	ProductRef  string `json:"productRef"`
	PriceRef    string `json:"priceRef"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

func (h *AdminHandlers) upsertPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req adminPricingRequest
	if !decodeJSONBody(w, r, maxPricingRequestBody, false, &req) {
		return
	}

	cmd := services.UpsertPricesCommand{Entries: make([]services.PriceInput, 0, len(req.Entries))}
	for i, entry := range req.Entries {
		cents, err := parseDecimalCents(entry.Price)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("entries[%d].price: %v", i, err), http.StatusBadRequest))
			return
		}
		cmd.Entries = append(cmd.Entries, services.PriceInput{
			RecipeID:    strings.TrimSpace(entry.RecipeID),
			RecipeName:  strings.TrimSpace(entry.RecipeName),
			ServingSize: entry.ServingSize,
			PriceCents:  cents,
			Description: strings.TrimSpace(entry.Description),
			ImageURL:    strings.TrimSpace(entry.ImageURL),
		})
	}

	entries, err := h.catalog.UpsertPrices(ctx, cmd)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	h.logger(ctx, "admin.pricing_upserted", map[string]any{"actor": staffActor(ctx), "entries": len(entries)})

	out := make([]adminPriceEntryPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, adminPriceEntryPayload{
			RecipeID:    entry.RecipeID,
			RecipeName:  entry.RecipeName,
			ServingSize: entry.ServingSize,
			Price:       centsToDecimal(entry.PriceCents),
			ProductRef:  entry.ProductRef,
			PriceRef:    entry.PriceRef,
			UpdatedAt:   formatTime(entry.UpdatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"entries": out})
}

type adminDiscountRequest struct {
	Name             string   `json:"name"`
	AmountOff        *string  `json:"amountOff"`
	PercentOff       *float64 `json:"percentOff"`
	EligibleIdentity *string  `json:"eligibleIdentity"`
	ExpiresAt        *string  `json:"expiresAt"`
	MaxRedemptions   int64    `json:"maxRedemptions"`
}

func (h *AdminHandlers) createDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.discounts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discount_service_unavailable", "discount service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req adminDiscountRequest
	if !decodeJSONBody(w, r, maxDiscountRequestBody, false, &req) {
		return
	}

	cmd := services.CreateDiscountCommand{
		Name:             req.Name,
		PercentOff:       req.PercentOff,
		EligibleIdentity: req.EligibleIdentity,
		MaxRedemptions:   req.MaxRedemptions,
	}
	if req.AmountOff != nil {
		cents, err := parseDecimalCents(*req.AmountOff)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amountOff: "+err.Error(), http.StatusBadRequest))
			return
		}
		cmd.AmountOffCents = &cents
	}
	if req.ExpiresAt != nil && strings.TrimSpace(*req.ExpiresAt) != "" {
		expires, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ExpiresAt))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expiresAt must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		expires = expires.UTC()
		cmd.ExpiresAt = &expires
	}

	code, err := h.discounts.CreateDiscount(ctx, cmd)
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}
	h.logger(ctx, "admin.discount_created", map[string]any{"actor": staffActor(ctx), "discount": code.Name})
	writeJSONResponse(w, http.StatusCreated, newDiscountPayload(code))
}

type discountValidityResponse struct {
	Valid    bool             `json:"valid"`
	Reason   string           `json:"reason,omitempty"`
	Discount *discountPayload `json:"discount,omitempty"`
}

func (h *AdminHandlers) checkDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.discounts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discount_service_unavailable", "discount service unavailable", http.StatusServiceUnavailable))
		return
	}
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	customer := strings.TrimSpace(r.URL.Query().Get("customer"))
	if name == "" || customer == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "discount name and customer are required", http.StatusBadRequest))
		return
	}

	validity, err := h.discounts.CheckValidity(ctx, services.DiscountValidityQuery{Name: name, CustomerID: customer})
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}
	resp := discountValidityResponse{Valid: validity.Valid, Reason: validity.Reason}
	if validity.Code.Name != "" {
		payload := newDiscountPayload(validity.Code)
		resp.Discount = &payload
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.AdminOrderFilter{
		Status: parseStatusFilter(r.URL.Query()["status"]),
		Page:   services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderListResponse(page.Items, page.NextPageToken))
}

type deliverRequest struct {
	DeliveredAt string `json:"deliveredAt"`
}

func (h *AdminHandlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	code := strings.TrimSpace(chi.URLParam(r, "orderCode"))
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order code is required", http.StatusBadRequest))
		return
	}
	var req deliverRequest
	if !decodeJSONBody(w, r, maxDeliverRequestBody, true, &req) {
		return
	}

	cmd := services.MarkDeliveredCommand{OrderCode: code}
	if raw := strings.TrimSpace(req.DeliveredAt); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "deliveredAt must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		ts = ts.UTC()
		cmd.DeliveredAt = &ts
	}

	order, err := h.orders.MarkDelivered(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	h.logger(ctx, "admin.order_delivered", map[string]any{"actor": staffActor(ctx), "orderCode": order.Code})
	writeJSONResponse(w, http.StatusOK, newOrderPayload(order))
}

// parseStatusFilter accepts repeated and comma separated status values.
func parseStatusFilter(values []string) []services.OrderStatus {
	var out []services.OrderStatus
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.ToLower(strings.TrimSpace(part)); trimmed != "" {
				out = append(out, services.OrderStatus(trimmed))
			}
		}
	}
	return out
}

// parseDecimalCents converts a non-negative decimal amount with at most two fraction digits into
// minor units.
func parseDecimalCents(raw string) (int64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, errors.New("amount is required")
	}
	whole, frac, hasFrac := strings.Cut(value, ".")
	if whole == "" || strings.HasPrefix(whole, "-") || strings.HasPrefix(whole, "+") {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	var cents int64
	if hasFrac {
		if frac == "" || len(frac) > 2 {
			return 0, fmt.Errorf("amount %q must have at most two decimal places", raw)
		}
		if len(frac) == 1 {
			frac += "0"
		}
		cents, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || cents < 0 {
			return 0, fmt.Errorf("invalid amount %q", raw)
		}
	}
	if units > (1<<62)/100 {
		return 0, fmt.Errorf("amount %q is too large", raw)
	}
	return units*100 + cents, nil
}

func staffActor(ctx context.Context) string {
	if staff, ok := auth.StaffIdentityFromContext(ctx); ok {
		if staff.Email != "" {
			return staff.Email
		}
		return staff.Subject
	}
	return ""
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment provider request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to process catalog request", http.StatusInternalServerError))
	}
}

func writeDiscountError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrDiscountInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDiscountNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrDiscountConflict):
		httpx.WriteError(ctx, w, httpx.NewError("discount_exists", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrDiscountGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment provider request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrDiscountUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("discount_service_unavailable", "discount service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("discount_error", "failed to process discount request", http.StatusInternalServerError))
	}
}
