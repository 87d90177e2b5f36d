package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

// Payment gateway modes reported by the readiness endpoint.
const (
	GatewayModeStripe = "stripe"
	GatewayModeFake   = "fake"
)

// BuildInfo captures the build and runtime wiring exposed via health endpoints. Gateway is the payment
// gateway mode and Store the order store dialect (firestore, postgres, sqlite).
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	Gateway     string
	Store       string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	probes repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service backing the readiness endpoint.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	build.Gateway = strings.ToLower(strings.TrimSpace(build.Gateway))
	build.Store = strings.ToLower(strings.TrimSpace(build.Store))
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		probes: deps.HealthRepository,
		now:    func() time.Time { return clock().UTC() },
		build:  build,
	}, nil
}

// HealthReport runs the dependency probes and stamps the result with the build and the payment wiring.
// A fake gateway outside local environments degrades the report.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}
	report, err := s.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	report.Gateway = firstNonBlank(report.Gateway, s.build.Gateway)
	report.Store = firstNonBlank(report.Store, s.build.Store)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}

	if store, ok := report.Checks["store"]; ok && store.Detail == "" {
		store.Detail = report.Store
		report.Checks["store"] = store
	}
	if report.Gateway != "" {
		report.Checks["gateway"] = gatewayCheck(report.Gateway, report.Environment, now)
	}

	// probes report ok or their own verdict; the gateway check can only make it worse
	if status := strings.TrimSpace(report.Status); status == "" || status == domain.HealthStatusOK {
		report.Status = overallStatus(report.Checks)
	}
	return report, nil
}

func gatewayCheck(mode, environment string, now time.Time) domain.SystemHealthCheck {
	check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: mode, CheckedAt: now}
	switch mode {
	case GatewayModeStripe:
	case GatewayModeFake:
		if !localEnvironment(environment) {
			check.Status = domain.HealthStatusDegraded
			check.Error = "fake payment gateway in " + environment
		}
	default:
		check.Status = domain.HealthStatusError
		check.Error = "unknown payment gateway " + mode
	}
	return check
}

func localEnvironment(environment string) bool {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "", "local", "dev", "development", "test":
		return true
	}
	return false
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// overallStatus is the worst status among checks.
func overallStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
