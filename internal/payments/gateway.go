// Package payments adapts external payment processors to the checkout flow.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// IntentStatus mirrors the processor's payment intent lifecycle.
type IntentStatus string

const (
	IntentStatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentStatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentStatusRequiresAction        IntentStatus = "requires_action"
	IntentStatusProcessing            IntentStatus = "processing"
	IntentStatusRequiresCapture       IntentStatus = "requires_capture"
	IntentStatusCanceled              IntentStatus = "canceled"
	IntentStatusSucceeded             IntentStatus = "succeeded"
)

// Webhook event types handled by the checkout flow.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
)

// Metadata keys written on payment intents.
const (
	MetadataOrderCode = "order_code"
	MetadataBreakdown = "breakdown"
)

const currencyUSD = "usd"

var (
	// ErrSignatureInvalid reports a webhook payload whose signature could not be verified.
	ErrSignatureInvalid = errors.New("payments: webhook signature invalid")
	// ErrMalformedEvent reports a verified webhook payload that could not be decoded.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
	// ErrIntentNotFound reports an unknown payment intent.
	ErrIntentNotFound = errors.New("payments: payment intent not found")
)

// Intent is the processor-side payment intent as seen by checkout.
type Intent struct {
	ID                  string
	ClientSecret        string
	AmountCents         int64
	AmountReceivedCents int64
	Status              IntentStatus
	Metadata            map[string]string
}

// OrderCode returns the order code recorded on the intent metadata.
func (i Intent) OrderCode() string {
	return i.Metadata[MetadataOrderCode]
}

// WebhookEvent is a verified processor notification about a payment intent.
type WebhookEvent struct {
	ID                  string
	Type                string
	IntentID            string
	OrderCode           string
	AmountReceivedCents int64
	Status              IntentStatus
}

// ProductSpec describes a catalog item mirrored to the processor.
type ProductSpec struct {
	RecipeName  string
	ServingSize int
	PriceCents  int64
	Description string
	ImageURL    string
}

// Name is the product name used on the processor, "{n} servings of {recipe}".
func (s ProductSpec) Name() string {
	return strconv.Itoa(s.ServingSize) + " servings of " + s.RecipeName
}

// ProductRef identifies the processor product and its default price.
type ProductRef struct {
	ProductID string
	PriceID   string
}

// PromotionSpec describes a customer facing promotion code backed by a processor coupon.
type PromotionSpec struct {
	Code           string
	AmountOffCents *int64
	PercentOff     *float64
	MaxRedemptions int64
}

// Validate checks the amount-off XOR percent-off rule.
func (s PromotionSpec) Validate() error {
	if s.Code == "" {
		return errors.New("payments: promotion code is required")
	}
	if (s.AmountOffCents == nil) == (s.PercentOff == nil) {
		return errors.New("payments: exactly one of amount off or percent off is required")
	}
	if s.AmountOffCents != nil && *s.AmountOffCents <= 0 {
		return fmt.Errorf("payments: amount off must be positive, got %d", *s.AmountOffCents)
	}
	if s.PercentOff != nil && (*s.PercentOff <= 0 || *s.PercentOff > 100) {
		return fmt.Errorf("payments: percent off must be in (0, 100], got %v", *s.PercentOff)
	}
	return nil
}

// Gateway is the contract checkout uses to talk to the payment processor. Implementations do not
// retry; callers decide how to handle failures.
type Gateway interface {
	CreateIntent(ctx context.Context, amountCents int64, orderCode string) (Intent, error)
	GetIntent(ctx context.Context, intentID string) (Intent, error)
	// ModifyIntent sets the amount and metadata and returns the amount the processor confirmed.
	ModifyIntent(ctx context.Context, intentID string, amountCents int64, orderCode string, metadata map[string]string) (int64, error)
	CancelIntent(ctx context.Context, intentID string) error
	// VerifyWebhook authenticates and decodes a webhook payload. Unverifiable payloads fail with
	// ErrSignatureInvalid before any decoding happens.
	VerifyWebhook(payload []byte, signature string) (WebhookEvent, error)
	EnsureProduct(ctx context.Context, spec ProductSpec) (ProductRef, error)
	CreatePromotionCode(ctx context.Context, spec PromotionSpec) (string, error)
}
