// Package firestore implements the repositories on Cloud Firestore. Uniqueness rules that SQL
// expresses with indexes are kept with guard documents written in the same transaction as the
// record they protect.
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/rasoibox/api/internal/platform/firestore"
	"github.com/rasoibox/api/internal/repositories"
)

// Store exposes every Firestore repository behind the repositories.Registry contract.
type Store struct {
	provider *pfirestore.Provider
	uow      *pfirestore.UnitOfWork

	orders      *OrderRepository
	carts       *CartRepository
	discounts   *DiscountRepository
	pricing     *PricingRepository
	customers   *CustomerRepository
	invitations *InvitationRepository
	outbox      *OutboxRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore wires the repositories over provider.
func NewStore(provider *pfirestore.Provider, opts ...pfirestore.TxOption) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store requires provider")
	}
	return &Store{
		provider:    provider,
		uow:         pfirestore.NewUnitOfWork(provider, opts...),
		orders:      newOrderRepository(provider),
		carts:       &CartRepository{provider: provider},
		discounts:   newDiscountRepository(provider),
		pricing:     newPricingRepository(provider),
		customers:   newCustomerRepository(provider),
		invitations: newInvitationRepository(provider),
		outbox:      newOutboxRepository(provider),
	}, nil
}

func (s *Store) Close(ctx context.Context) error { return s.provider.Close(ctx) }
func (s *Store) Ping(ctx context.Context) error  { return s.provider.Ping(ctx) }

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.uow.RunInTx(ctx, fn)
}

func (s *Store) Orders() repositories.OrderRepository           { return s.orders }
func (s *Store) Carts() repositories.CartRepository             { return s.carts }
func (s *Store) Discounts() repositories.DiscountRepository     { return s.discounts }
func (s *Store) Pricing() repositories.PricingRepository        { return s.pricing }
func (s *Store) Customers() repositories.CustomerRepository     { return s.customers }
func (s *Store) Invitations() repositories.InvitationRepository { return s.invitations }
func (s *Store) Outbox() repositories.OutboxRepository          { return s.outbox }

// runInTx joins the transaction on ctx or starts one.
func runInTx(ctx context.Context, provider *pfirestore.Provider, fn func(ctx context.Context) error) error {
	if _, ok := pfirestore.TransactionFromContext(ctx); ok {
		return fn(ctx)
	}
	return pfirestore.NewUnitOfWork(provider).RunInTx(ctx, fn)
}
