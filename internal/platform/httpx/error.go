package httpx

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rasoibox/api/internal/platform/requestctx"
	"github.com/rasoibox/api/internal/platform/textutil"
)

// Error codes shared by the checkout, cart and payment surfaces. Clients branch on these.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeUnauthenticated       = "unauthenticated"
	CodeNotFound              = "not_found"
	CodeRouteNotFound         = "route_not_found"
	CodeMethodNotAllowed      = "method_not_allowed"
	CodeUnknownCheckoutAction = "unknown_checkout_action"
	CodeRateLimited           = "rate_limited"
	CodeCheckoutConflict      = "checkout_conflict"
	CodeAmountMismatch        = "amount_mismatch"
	CodePaymentGateway        = "payment_gateway_error"
	CodeCheckoutUnavailable   = "checkout_unavailable"
	CodeCheckoutFailed        = "checkout_error"
	CodeIdempotencyInProgress = "idempotency_in_progress"
	CodeInternal              = "internal_server_error"
)

// retryableCodes are failures a client may retry unchanged, whatever status they carry.
var retryableCodes = map[string]bool{
	CodeRateLimited:           true,
	CodePaymentGateway:        true,
	CodeCheckoutUnavailable:   true,
	CodeIdempotencyInProgress: true,
}

// Error is the JSON error envelope returned by the API.
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
}

type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Retryable bool   `json:"retryable"`
	OrderCode string `json:"order_code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NewError constructs an Error; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    textutil.SingleLine(code, 80),
		Message: textutil.SingleLine(message, 512),
		Status:  status,
	}
}

// WithRetryAfter asks the client to wait d before retrying. It is sent as whole seconds, rounded up.
func (e Error) WithRetryAfter(d time.Duration) Error {
	e.RetryAfter = d
	return e
}

// Retryable reports whether the client may repeat the request unchanged.
func (e Error) Retryable() bool {
	if retryableCodes[e.Code] || e.RetryAfter > 0 {
		return true
	}
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// WriteError writes err as JSON. The payload names the request and trace IDs from ctx and, when a
// handler annotated one, the order the request was about.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	payload := envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    err.Status,
		Retryable: err.Retryable(),
		OrderCode: textutil.SingleLine(requestctx.OrderCode(ctx), 32),
		RequestID: textutil.SingleLine(middleware.GetReqID(ctx), 80),
		TraceID:   textutil.SingleLine(requestctx.TraceID(ctx), 64),
	}
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(err.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(payload)
}
