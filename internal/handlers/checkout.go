package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/platform/auth"
	"github.com/rasoibox/api/internal/platform/httpx"
	"github.com/rasoibox/api/internal/platform/requestctx"
	"github.com/rasoibox/api/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers expose the checkout actions for authenticated customers.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	middlewares []func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers. Extra middlewares (idempotency) run after
// authentication so keys are scoped to the customer.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, mw ...func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{authn: authn, checkout: checkout, middlewares: mw}
}

// Actions returns the checkout actions keyed by the name that follows "checkout:" in the path.
func (h *CheckoutHandlers) Actions() CheckoutActions {
	return CheckoutActions{
		"initiate": h.initiate,
		"price":    h.price,
		"confirm":  h.confirm,
		"cancel":   h.cancel,
	}
}

// Middlewares returns customer authentication followed by the extra middlewares.
func (h *CheckoutHandlers) Middlewares() []func(http.Handler) http.Handler {
	var mw []func(http.Handler) http.Handler
	if h.authn != nil {
		mw = append(mw, h.authn.RequireCustomer())
	}
	return append(mw, h.middlewares...)
}

// Routes mounts the actions on r at /checkout:{action}.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	mountCheckoutActions(r, h.Actions(), h.Middlewares())
}

type checkoutInitiateResponse struct {
	ClientSecret string `json:"clientSecret"`
	OrderCode    string `json:"orderCode"`
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	Reused       bool   `json:"reused"`
}

type checkoutPriceRequest struct {
	Recipient     recipientPayload `json:"recipient"`
	Address       addressPayload   `json:"address"`
	Phone         string           `json:"phone"`
	DiscountCodes []string         `json:"discountCodes"`
}

type checkoutOrderRequest struct {
	OrderCode string `json:"orderCode"`
}

type checkoutConfirmResponse struct {
	Order            orderPayload `json:"order"`
	AlreadyCompleted bool         `json:"alreadyCompleted"`
}

func (h *CheckoutHandlers) initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID, ok := h.requireCustomer(w, r)
	if !ok {
		return
	}
	session, err := h.checkout.InitiateCheckout(ctx, customerID)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	requestctx.AnnotateOrder(ctx, session.OrderCode, "initiate")
	status := http.StatusCreated
	if session.Reused {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, checkoutInitiateResponse{
		ClientSecret: session.ClientSecret,
		OrderCode:    session.OrderCode,
		OrderID:      session.OrderID,
		Status:       string(session.Status),
		Reused:       session.Reused,
	})
}

func (h *CheckoutHandlers) price(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID, ok := h.requireCustomer(w, r)
	if !ok {
		return
	}
	var req checkoutPriceRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return
	}

	order, err := h.checkout.PriceAndAttach(ctx, services.PriceAndAttachCommand{
		CustomerID: customerID,
		Recipient: domain.Recipient{
			FirstName: strings.TrimSpace(req.Recipient.FirstName),
			LastName:  strings.TrimSpace(req.Recipient.LastName),
		},
		Address: domain.Address{
			Line1:   strings.TrimSpace(req.Address.Line1),
			Line2:   strings.TrimSpace(req.Address.Line2),
			City:    strings.TrimSpace(req.Address.City),
			State:   strings.TrimSpace(req.Address.State),
			Zipcode: strings.TrimSpace(req.Address.Zipcode),
		},
		Phone:         strings.TrimSpace(req.Phone),
		DiscountCodes: req.DiscountCodes,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	requestctx.AnnotateOrder(ctx, order.Code, "price")
	writeJSONResponse(w, http.StatusOK, newOrderPayload(order))
}

func (h *CheckoutHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID, ok := h.requireCustomer(w, r)
	if !ok {
		return
	}
	code, ok := decodeOrderCode(w, r)
	if !ok {
		return
	}
	requestctx.AnnotateOrder(ctx, code, "confirm")
	result, err := h.checkout.ConfirmCompletion(ctx, services.ConfirmCompletionCommand{
		OrderCode:  code,
		Source:     services.ConfirmationSourceClient,
		CustomerID: customerID,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, checkoutConfirmResponse{
		Order:            newOrderPayload(result.Order),
		AlreadyCompleted: result.AlreadyCompleted,
	})
}

func (h *CheckoutHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID, ok := h.requireCustomer(w, r)
	if !ok {
		return
	}
	code, ok := decodeOrderCode(w, r)
	if !ok {
		return
	}
	requestctx.AnnotateOrder(ctx, code, "cancel")
	order, err := h.checkout.CancelCheckout(ctx, services.CancelCheckoutCommand{OrderCode: code, CustomerID: customerID})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderPayload(order))
}

func (h *CheckoutHandlers) requireCustomer(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeCheckoutUnavailable, "checkout service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	customerID := auth.CustomerID(ctx)
	if customerID == "" {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeUnauthenticated, "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return customerID, true
}

func decodeOrderCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req checkoutOrderRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return "", false
	}
	code := strings.TrimSpace(req.OrderCode)
	if code == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError(httpx.CodeInvalidRequest, "orderCode is required", http.StatusBadRequest))
		return "", false
	}
	return code, true
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var out httpx.Error
	switch {
	case errors.Is(err, services.ErrCheckoutValidation):
		out = httpx.NewError(httpx.CodeInvalidRequest, err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrCheckoutNotFound):
		out = httpx.NewError(httpx.CodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrCheckoutAmountMismatch):
		out = httpx.NewError(httpx.CodeAmountMismatch, "paid amount does not match order total", http.StatusConflict)
	case errors.Is(err, services.ErrCheckoutConflict):
		out = httpx.NewError(httpx.CodeCheckoutConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrCheckoutGatewayMismatch), errors.Is(err, services.ErrCheckoutGateway):
		out = httpx.NewError(httpx.CodePaymentGateway, "payment provider request failed", http.StatusBadGateway)
	case errors.Is(err, services.ErrCheckoutUnavailable):
		out = httpx.NewError(httpx.CodeCheckoutUnavailable, "checkout service unavailable", http.StatusServiceUnavailable)
	default:
		out = httpx.NewError(httpx.CodeCheckoutFailed, "failed to process checkout request", http.StatusInternalServerError)
	}
	httpx.WriteError(ctx, w, out)
}
