package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rasoibox/api/internal/platform/httpx"
	"github.com/rasoibox/api/internal/services"
)

const (
	maxWebhookBody         = 64 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	webhookOutcomeResponse = "outcome"
)

// WebhookHandlers receive payment gateway events. The body is passed through untouched because the
// signature covers the raw bytes.
type WebhookHandlers struct {
	checkout services.CheckoutService
}

func NewWebhookHandlers(checkout services.CheckoutService) *WebhookHandlers {
	return &WebhookHandlers{checkout: checkout}
}

func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.payments)
}

// payments answers 403 for bad signatures, 400 for malformed events and 5xx only for transient
// failures so the gateway retries them.
func (h *WebhookHandlers) payments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	result, err := h.checkout.HandleWebhook(ctx, body, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCheckoutSignatureInvalid):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusForbidden))
		case errors.Is(err, services.ErrCheckoutMalformedEvent):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "webhook event is malformed", http.StatusBadRequest))
		case errors.Is(err, services.ErrCheckoutUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{
		"eventId":              result.EventID,
		"type":                 result.EventType,
		webhookOutcomeResponse: string(result.Outcome),
	})
}
