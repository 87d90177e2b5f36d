package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, DialectPostgres), mock
}

func TestRebindPostgres(t *testing.T) {
	store := New(nil, DialectPostgres)
	got := store.rebind("SELECT * FROM orders WHERE id = ? AND status IN (?, ?)")
	want := "SELECT * FROM orders WHERE id = $1 AND status IN ($2, $3)"
	if got != want {
		t.Fatalf("expected %q got %q", want, got)
	}

	lite := New(nil, DialectSQLite)
	if q := lite.rebind("id = ?"); q != "id = ?" {
		t.Fatalf("sqlite query should be unchanged, got %q", q)
	}
}

func TestOrderInsertMapsPostgresConstraints(t *testing.T) {
	cases := []struct {
		constraint string
		want       error
	}{
		{constraint: "orders_code_key", want: repositories.ErrDuplicateOrderCode},
		{constraint: "orders_open_customer_key", want: repositories.ErrOpenOrderExists},
	}
	for _, tc := range cases {
		t.Run(tc.constraint, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectExec("INSERT INTO orders").
				WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: tc.constraint})

			order := testOrder("ord_1", "12345678", "cust_1", domain.OrderStatusIntent, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
			err := store.Orders().Insert(context.Background(), order)
			if !repositories.IsConflict(err) || !errors.Is(err, tc.want) {
				t.Fatalf("expected conflict wrapping %v, got %v", tc.want, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestOrderUpdateStaleOnPostgres(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE orders SET .* WHERE id = \$21 AND status IN \(\$22\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM orders WHERE id = \$1`).
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

	order := testOrder("ord_1", "12345678", "cust_1", domain.OrderStatusCompleted, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	err := store.Orders().Update(context.Background(), order, domain.OrderStatusInitiated)
	if !errors.Is(err, repositories.ErrStaleOrder) {
		t.Fatalf("expected stale order, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSerializationFailureIsConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE discount_codes").
		WithArgs(int64(1), int64(1), "SAVE5").
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	err := store.RunInTx(context.Background(), func(ctx context.Context) error {
		return store.Discounts().AdjustRedemptions(ctx, []repositories.RedemptionAdjustment{{Name: "SAVE5", Delta: 1}})
	})
	if !repositories.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunInTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM cart_entries WHERE owner = \$1 AND recipe_id IN \(\$2, \$3\)`).
		WithArgs("cust_1", "dal", "paneer").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.RunInTx(context.Background(), func(ctx context.Context) error {
		return store.Carts().DeleteMany(ctx, "cust_1", []string{"dal", "paneer"})
	})
	if err != nil {
		t.Fatalf("run in tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
