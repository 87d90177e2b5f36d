package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rasoibox/api/internal/platform/httpx"
	"github.com/rasoibox/api/internal/services"
)

const (
	defaultSweepLimit = 100
	maxSweepLimit     = 1000
)

// OutboxRelay is the subset of the outbox dispatcher triggered by the scheduler.
type OutboxRelay interface {
	DispatchPending(ctx context.Context) (services.DispatchResult, error)
}

// InternalHandlers expose maintenance tasks invoked by Cloud Scheduler.
type InternalHandlers struct {
	checkout services.CheckoutService
	outbox   OutboxRelay
}

func NewInternalHandlers(checkout services.CheckoutService, outbox OutboxRelay) *InternalHandlers {
	return &InternalHandlers{checkout: checkout, outbox: outbox}
}

func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout:sweep", h.sweep)
	r.Post("/outbox:dispatch", h.dispatch)
}

func (h *InternalHandlers) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	limit := defaultSweepLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = min(parsed, maxSweepLimit)
	}

	result, err := h.checkout.ExpireStaleOrders(ctx, limit)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{
		"scanned": result.Scanned,
		"expired": result.Expired,
		"skipped": result.Skipped,
	})
}

func (h *InternalHandlers) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.outbox == nil {
		httpx.WriteError(ctx, w, httpx.NewError("outbox_unavailable", "outbox relay unavailable", http.StatusServiceUnavailable))
		return
	}
	result, err := h.outbox.DispatchPending(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("outbox_error", "failed to dispatch outbox", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{
		"scanned":    result.Scanned,
		"dispatched": result.Dispatched,
		"failed":     result.Failed,
	})
}
