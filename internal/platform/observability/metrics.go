package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CheckoutMetrics counts checkout lifecycle events on the global meter provider.
type CheckoutMetrics struct {
	events metric.Int64Counter
}

// NewCheckoutMetrics registers the rasoibox.checkout.events counter.
func NewCheckoutMetrics() (*CheckoutMetrics, error) {
	return NewCheckoutMetricsWithMeter(otel.Meter("github.com/rasoibox/api/internal/services"))
}

// NewCheckoutMetricsWithMeter registers the counter on meter.
func NewCheckoutMetricsWithMeter(meter metric.Meter) (*CheckoutMetrics, error) {
	counter, err := meter.Int64Counter("rasoibox.checkout.events",
		metric.WithDescription("Checkout lifecycle transitions by event"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	return &CheckoutMetrics{events: counter}, nil
}

// RecordCheckout increments the counter for event.
func (m *CheckoutMetrics) RecordCheckout(ctx context.Context, event string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
