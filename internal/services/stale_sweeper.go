package services

import (
	"context"
	"errors"
	"time"
)

// StaleOrderSweeper periodically expires abandoned checkouts.
type StaleOrderSweeper struct {
	checkout  CheckoutService
	batchSize int
	logger    func(context.Context, string, map[string]any)
}

// NewStaleOrderSweeper wraps the checkout service in a ticker driven worker.
func NewStaleOrderSweeper(checkout CheckoutService, batchSize int, logger func(context.Context, string, map[string]any)) (*StaleOrderSweeper, error) {
	if checkout == nil {
		return nil, errors.New("stale order sweeper: checkout service is required")
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StaleOrderSweeper{checkout: checkout, batchSize: batchSize, logger: logger}, nil
}

// Sweep runs a single pass.
func (s *StaleOrderSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	return s.checkout.ExpireStaleOrders(ctx, s.batchSize)
}

// Run sweeps every interval until ctx is canceled.
func (s *StaleOrderSweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger(ctx, "checkout.sweeper_started", map[string]any{"interval": interval.String()})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger(ctx, "checkout.sweep_failed", map[string]any{"error": err.Error()})
				continue
			}
			if result.Expired > 0 || result.Skipped > 0 {
				s.logger(ctx, "checkout.sweep_completed", map[string]any{
					"scanned": result.Scanned,
					"expired": result.Expired,
					"skipped": result.Skipped,
				})
			}
		}
	}
}
