package payments

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// DefaultWebhookTolerance bounds the accepted age of a signed webhook.
const DefaultWebhookTolerance = webhook.DefaultTolerance

// parseWebhook verifies the Stripe-Signature header before decoding anything.
func parseWebhook(payload []byte, header, secret string, tolerance time.Duration) (WebhookEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.ID == "" || event.Type == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(out.Type, "payment_intent.") {
		return out, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return WebhookEvent{}, fmt.Errorf("%w: missing payment intent", ErrMalformedEvent)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if intent.ID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: payment intent id missing", ErrMalformedEvent)
	}
	out.IntentID = intent.ID
	out.OrderCode = intent.Metadata[MetadataOrderCode]
	out.AmountReceivedCents = intent.AmountReceived
	out.Status = IntentStatus(intent.Status)
	return out, nil
}

// SignWebhook produces a Stripe-Signature header for payload. It backs the fake gateway and tests.
func SignWebhook(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

// IntentEventPayload renders a minimal Stripe event envelope for a payment intent.
func IntentEventPayload(eventID, eventType string, intent Intent) ([]byte, error) {
	body := map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":              intent.ID,
				"object":          "payment_intent",
				"amount":          intent.AmountCents,
				"amount_received": intent.AmountReceivedCents,
				"status":          string(intent.Status),
				"metadata":        intent.Metadata,
			},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("payments: encode event: %w", err)
	}
	return data, nil
}
