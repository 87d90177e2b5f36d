// Package requestctx carries request scoped state between middleware, handlers and the error writer.
package requestctx

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type (
	loggerKey      struct{}
	traceKey       struct{}
	annotationsKey struct{}
)

var noopLogger = zap.NewNop()

// TraceInfo is the Cloud Trace context of the request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Annotations records what a request turned out to be about, such as the order a checkout call
// touched. Handlers write them deep in the stack; the request logger and error writer read them on the
// way out, so the holder is installed once near the top and shared by pointer.
type Annotations struct {
	mu        sync.Mutex
	orderCode string
	action    string
}

// WithLogger stores logger on ctx; a nil logger stores the no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(orBackground(ctx), loggerKey{}, logger)
}

// Logger returns the request logger or the shared no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := value[*zap.Logger](ctx, loggerKey{}); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger is the logger returned when none is stored; callers compare against it to pick a fallback.
func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(orBackground(ctx), traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return value[TraceInfo](ctx, traceKey{})
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithAnnotations installs an empty annotation holder unless ctx already carries one.
func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	if existing, ok := value[*Annotations](ctx, annotationsKey{}); ok && existing != nil {
		return ctx, existing
	}
	holder := &Annotations{}
	return context.WithValue(orBackground(ctx), annotationsKey{}, holder), holder
}

// AnnotateOrder records the order code and checkout action the request operated on. It is a no-op
// when no holder was installed.
func AnnotateOrder(ctx context.Context, orderCode, action string) {
	holder, ok := value[*Annotations](ctx, annotationsKey{})
	if !ok || holder == nil {
		return
	}
	holder.mu.Lock()
	defer holder.mu.Unlock()
	if code := strings.TrimSpace(orderCode); code != "" {
		holder.orderCode = code
	}
	if action = strings.TrimSpace(action); action != "" {
		holder.action = action
	}
}

// OrderCode returns the annotated order code, if any.
func OrderCode(ctx context.Context) string {
	code, _ := annotatedOrder(ctx)
	return code
}

// Order returns the annotated order code and checkout action.
func (a *Annotations) Order() (orderCode, action string) {
	if a == nil {
		return "", ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orderCode, a.action
}

func annotatedOrder(ctx context.Context) (string, string) {
	holder, _ := value[*Annotations](ctx, annotationsKey{})
	return holder.Order()
}

func value[T any](ctx context.Context, key any) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
