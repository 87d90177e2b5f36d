package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

var _ repositories.HealthRepository = (*stubHealthRepository)(nil)

func storeOnly(status string) *stubHealthRepository {
	return &stubHealthRepository{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{"store": {Status: status}},
	}}
}

func TestSystemServiceReportsPaymentWiring(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: storeOnly(domain.HealthStatusOK),
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "c0ffee",
			Environment: "prod",
			Gateway:     " Stripe ",
			Store:       "postgres",
			StartedAt:   start,
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if report.Gateway != GatewayModeStripe || report.Store != "postgres" {
		t.Fatalf("expected stripe on postgres, got %q on %q", report.Gateway, report.Store)
	}
	if report.Checks["store"].Detail != "postgres" {
		t.Fatalf("expected store check to name the dialect, got %+v", report.Checks["store"])
	}
	if gw := report.Checks["gateway"]; gw.Status != domain.HealthStatusOK || gw.Detail != GatewayModeStripe {
		t.Fatalf("unexpected gateway check %+v", gw)
	}
	if report.Version != "1.4.0" || report.CommitSHA != "c0ffee" || report.Environment != "prod" {
		t.Fatalf("unexpected build metadata %+v", report)
	}
	if report.Uptime != 5*time.Minute || !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected timing uptime=%s generatedAt=%s", report.Uptime, report.GeneratedAt)
	}
}

func TestSystemServiceGatewayModeAffectsStatus(t *testing.T) {
	cases := map[string]struct {
		gateway     string
		environment string
		status      string
	}{
		"fake locally":    {gateway: GatewayModeFake, environment: "local", status: domain.HealthStatusOK},
		"fake in staging": {gateway: GatewayModeFake, environment: "staging", status: domain.HealthStatusDegraded},
		"unknown gateway": {gateway: "paypal", environment: "local", status: domain.HealthStatusError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{
				HealthRepository: storeOnly(domain.HealthStatusOK),
				Build:            BuildInfo{Gateway: tc.gateway, Environment: tc.environment, Store: "sqlite"},
			})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.status {
				t.Fatalf("expected %s, got %s (%+v)", tc.status, report.Status, report.Checks["gateway"])
			}
		})
	}
}

func TestSystemServiceKeepsProbeVerdict(t *testing.T) {
	repo := storeOnly(domain.HealthStatusError)
	repo.report.Status = domain.HealthStatusError
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Build:            BuildInfo{Gateway: GatewayModeStripe, Store: "firestore"},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected failing store to win, got %s", report.Status)
	}
}

func TestSystemServiceHealthReportErrors(t *testing.T) {
	expected := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: expected}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, expected) {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error when repository missing")
	}
}
