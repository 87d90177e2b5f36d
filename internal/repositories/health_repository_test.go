package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
)

func TestProbeHealthRepositoryAllHealthy(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewProbeHealthRepository([]Probe{
		{Name: "store", Critical: true, Check: func(context.Context) error { return nil }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	}, WithProbeClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if report.GeneratedAt != now || report.Checks["store"].CheckedAt != now {
		t.Fatalf("expected injected clock to be used")
	}
}

func TestProbeHealthRepositoryCriticalFailure(t *testing.T) {
	repo, err := NewProbeHealthRepository([]Probe{
		{Name: "store", Critical: true, Check: func(context.Context) error { return errors.New("boom") }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}
	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if got := report.Checks["store"]; got.Status != domain.HealthStatusDegraded || got.Error != "boom" {
		t.Fatalf("unexpected store check: %#v", got)
	}
}

func TestProbeHealthRepositoryNonCriticalDegrades(t *testing.T) {
	repo, err := NewProbeHealthRepository([]Probe{
		{Name: "store", Critical: true, Check: func(context.Context) error { return nil }},
		{
			Name:    "gateway",
			Timeout: 5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
	})
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}
	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if got := report.Checks["gateway"]; got.Detail != "timeout" {
		t.Fatalf("expected timeout detail, got %#v", got)
	}
}

func TestNewProbeHealthRepositoryValidates(t *testing.T) {
	if _, err := NewProbeHealthRepository(nil); err == nil {
		t.Fatalf("expected error for empty probes")
	}
	noop := func(context.Context) error { return nil }
	if _, err := NewProbeHealthRepository([]Probe{{Name: "a", Check: noop}, {Name: "a", Check: noop}}); err == nil {
		t.Fatalf("expected error for duplicate probe names")
	}
	if _, err := NewProbeHealthRepository([]Probe{{Name: "a"}}); err == nil {
		t.Fatalf("expected error for missing check")
	}
}

func TestRepositoryErrorHelpers(t *testing.T) {
	err := NewError("orders.insert", ErrorKindConflict, ErrOpenOrderExists)
	if !IsConflict(err) || IsNotFound(err) || IsUnavailable(err) {
		t.Fatalf("unexpected classification for %v", err)
	}
	if !errors.Is(err, ErrOpenOrderExists) {
		t.Fatalf("expected error to unwrap to ErrOpenOrderExists")
	}
	if err.Error() != "orders.insert: customer already has an open order" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
