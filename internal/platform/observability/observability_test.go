package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rasoibox/api/internal/platform/requestctx"
)

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.InfoLevel)
	requestCore, requestLogs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(fallbackCore), "checkout")

	log(context.Background(), "checkout.completed", map[string]any{"orderCode": "12345678"})
	if fallbackLogs.Len() != 1 {
		t.Fatalf("expected fallback logger used without request logger")
	}
	entry := fallbackLogs.All()[0]
	if entry.Message != "checkout.completed" || entry.ContextMap()["orderCode"] != "12345678" || entry.ContextMap()["component"] != "checkout" {
		t.Fatalf("unexpected entry %+v", entry.ContextMap())
	}

	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	log(ctx, "outbox.delivery_failed", nil)
	if requestLogs.Len() != 1 || requestLogs.All()[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn entry on request logger, got %+v", requestLogs.All())
	}
}

func TestParseCloudTraceContext(t *testing.T) {
	spanCtx, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header parsed")
	}
	if spanCtx.TraceID().String() != "105445aa7843bc8bf206b12000100000" || !spanCtx.IsSampled() || !spanCtx.IsRemote() {
		t.Fatalf("unexpected span context %+v", spanCtx)
	}
	if got := formatCloudTraceHeader(spanCtx); got != "105445aa7843bc8bf206b12000100000/1;o=1" {
		t.Fatalf("unexpected round trip %q", got)
	}

	for _, header := range []string{"", "nope", "zz/1", "105445aa7843bc8bf206b12000100000/abc"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q rejected", header)
		}
	}
}

func TestRecoveryMiddlewareWritesJSONError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected panic logged")
	}
}

func TestCheckoutMetricsRecord(t *testing.T) {
	metrics, err := NewCheckoutMetricsWithMeter(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewCheckoutMetricsWithMeter: %v", err)
	}
	metrics.RecordCheckout(context.Background(), "completed")

	var nilMetrics *CheckoutMetrics
	nilMetrics.RecordCheckout(context.Background(), "completed")
}

func TestEventLoggerMasksSensitiveFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(core), "referrals")

	log(context.Background(), "referral.invited", map[string]any{
		"email":            "asha@example.com",
		"verificationCode": "VC-1234-5678",
		"clientSecret":     "pi_123_secret_456",
		"orderCode":        "30000001\n",
		"totalCents":       3500,
	})
	fields := logs.All()[0].ContextMap()
	want := map[string]any{
		"email":            "a***@example.com",
		"verificationCode": "********5678",
		"clientSecret":     "[redacted]",
		"orderCode":        "30000001",
		"totalCents":       int64(3500),
	}
	for key, value := range want {
		if fields[key] != value {
			t.Fatalf("%s: expected %#v, got %#v", key, value, fields[key])
		}
	}
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"asha@example.com":   "a***@example.com",
		"élodie@example.com": "é***@example.com",
		"cust_1":             "cust_1",
		"@example.com":       "@example.com",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRequestLoggerNamesAnnotatedOrder(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(RequestLoggerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestctx.AnnotateOrder(r.Context(), "30000001", "confirm")
		w.WriteHeader(http.StatusConflict)
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/checkout:confirm", nil))

	if logs.Len() != 1 {
		t.Fatalf("expected one request line, got %d", logs.Len())
	}
	entry := logs.All()[0]
	fields := entry.ContextMap()
	if entry.Level != zapcore.WarnLevel || fields["order_code"] != "30000001" || fields["checkout_action"] != "confirm" {
		t.Fatalf("unexpected request line %s %+v", entry.Level, fields)
	}
}
