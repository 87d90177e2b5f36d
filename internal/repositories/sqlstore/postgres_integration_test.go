//go:build integration

package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

func TestPostgresStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("rasoibox"),
		tcpostgres.WithUsername("rasoibox"),
		tcpostgres.WithPassword("rasoibox"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	store, err := Open(ctx, DialectPostgres, dsn, Options{MaxOpenConns: 8})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	orders := store.Orders()

	// concurrent initiations for one customer leave exactly one open order
	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		inserted  int
		conflicts int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			code := []string{"30000001", "30000002", "30000003", "30000004", "30000005", "30000006", "30000007", "30000008"}[i]
			err := orders.Insert(ctx, testOrder("ord_"+code, code, "cust_1", domain.OrderStatusIntent, now))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				inserted++
			case errors.Is(err, repositories.ErrOpenOrderExists):
				conflicts++
			default:
				t.Errorf("insert %s: %v", code, err)
			}
		}(i)
	}
	wg.Wait()
	if inserted != 1 || conflicts != workers-1 {
		t.Fatalf("expected one open order, got inserted=%d conflicts=%d", inserted, conflicts)
	}

	open, err := orders.FindOpenByCustomer(ctx, "cust_1")
	if err != nil {
		t.Fatalf("find open: %v", err)
	}

	// concurrent confirmations complete the order once
	completedAt := now.Add(time.Minute)
	done := open
	done.Status = domain.OrderStatusCompleted
	done.CompletedAt = &completedAt
	done.UpdatedAt = completedAt

	var wins, stale int
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := store.RunInTx(ctx, func(ctx context.Context) error {
				return orders.Update(ctx, done, domain.OrderStatusIntent)
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, repositories.ErrStaleOrder), repositories.IsConflict(err):
				stale++
			default:
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one completion, got %d (stale %d)", wins, stale)
	}

	amount := int64(500)
	if err := store.Discounts().Insert(ctx, domain.DiscountCode{Name: "SAVE5", AmountOffCents: &amount, Active: true, CreatedAt: now}); err != nil {
		t.Fatalf("insert discount: %v", err)
	}
	if err := store.Discounts().AdjustRedemptions(ctx, []repositories.RedemptionAdjustment{{Name: "SAVE5", Delta: -3}}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	code, err := store.Discounts().FindByName(ctx, "SAVE5")
	if err != nil {
		t.Fatalf("find discount: %v", err)
	}
	if code.Redemptions != 0 {
		t.Fatalf("expected floor at zero, got %d", code.Redemptions)
	}
}
