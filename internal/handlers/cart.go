package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rasoibox/api/internal/platform/auth"
	"github.com/rasoibox/api/internal/platform/httpx"
	"github.com/rasoibox/api/internal/services"
)

const (
	maxCartRequestBody = 4 * 1024
	// anonymous callers address carts by verification code; throttle guessing
	anonymousCodeLimit   = 30
	anonymousClientLimit = 120
	anonymousCartWindow  = time.Minute
)

// CartHandlers serve the cart for signed-in customers and for verification code holders who have
// not signed in yet.
type CartHandlers struct {
	authn   *auth.Authenticator
	carts   services.CartService
	limiter *codeLimiter
}

// CartOption customises CartHandlers.
type CartOption func(*CartHandlers)

// WithCartRateLimit overrides the per verification code and per client limits applied to anonymous
// callers. A non-positive perClient disables the client budget.
func WithCartRateLimit(perCode, perClient int, window time.Duration, clock func() time.Time) CartOption {
	return func(h *CartHandlers) {
		h.limiter = newCodeLimiter(perCode, perClient, window, clock)
	}
}

func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		authn:   authn,
		carts:   carts,
		limiter: newCodeLimiter(anonymousCodeLimit, anonymousClientLimit, anonymousCartWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers GET / and PUT /items under the cart group.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.OptionalCustomer())
	}
	group.Get("/", h.getCart)
	group.Put("/items", h.updateItem)
}

type cartItemRequest struct {
	RecipeID         string `json:"recipeId"`
	ServingSize      *int   `json:"servingSize"`
	VerificationCode string `json:"verificationCode"`
}

type cartLinePayload struct {
	RecipeID    string `json:"recipeId"`
	RecipeName  string `json:"recipeName"`
	ImageURL    string `json:"imageUrl,omitempty"`
	ServingSize int    `json:"servingSize"`
	Price       string `json:"price"`
	PriceCents  int64  `json:"priceCents"`
}

type cartResponse struct {
	Items         []cartLinePayload `json:"items"`
	Subtotal      string            `json:"subtotal"`
	SubtotalCents int64             `json:"subtotalCents"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service unavailable", http.StatusServiceUnavailable))
		return
	}
	query, ok := h.ownerQuery(w, r, r.URL.Query().Get("verificationCode"))
	if !ok {
		return
	}
	cart, err := h.carts.GetCart(ctx, query)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newCartResponse(cart))
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req cartItemRequest
	if !decodeJSONBody(w, r, maxCartRequestBody, false, &req) {
		return
	}
	if strings.TrimSpace(req.RecipeID) == "" || req.ServingSize == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "recipeId and servingSize are required", http.StatusBadRequest))
		return
	}
	query, ok := h.ownerQuery(w, r, req.VerificationCode)
	if !ok {
		return
	}

	cart, err := h.carts.UpdateItem(ctx, services.UpdateCartItemCommand{
		CartOwnerQuery: query,
		RecipeID:       strings.TrimSpace(req.RecipeID),
		ServingSize:    *req.ServingSize,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newCartResponse(cart))
}

// ownerQuery prefers the authenticated customer and rate limits anonymous code holders.
func (h *CartHandlers) ownerQuery(w http.ResponseWriter, r *http.Request, code string) (services.CartOwnerQuery, bool) {
	query := services.CartOwnerQuery{
		CustomerID:       auth.CustomerID(r.Context()),
		VerificationCode: strings.TrimSpace(code),
	}
	if query.CustomerID == "" && query.VerificationCode == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "sign in or provide a verification code", http.StatusUnauthorized))
		return query, false
	}
	if query.CustomerID == "" && h.limiter != nil && !h.limiter.Allow(query.VerificationCode, r.RemoteAddr) {
		httpx.WriteError(r.Context(), w, httpx.NewError(httpx.CodeRateLimited, "too many cart requests", http.StatusTooManyRequests).WithRetryAfter(h.limiter.window))
		return query, false
	}
	return query, true
}

func newCartResponse(cart services.PricedCart) cartResponse {
	resp := cartResponse{
		Items:         make([]cartLinePayload, 0, len(cart.Lines)),
		Subtotal:      centsToDecimal(cart.SubtotalCents),
		SubtotalCents: cart.SubtotalCents,
	}
	for _, line := range cart.Lines {
		resp.Items = append(resp.Items, cartLinePayload{
			RecipeID:    line.RecipeID,
			RecipeName:  line.RecipeName,
			ImageURL:    line.ImageURL,
			ServingSize: line.ServingSize,
			Price:       centsToDecimal(line.PriceCents),
			PriceCents:  line.PriceCents,
		})
	}
	return resp
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}
