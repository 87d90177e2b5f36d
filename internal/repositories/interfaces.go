package repositories

import (
	"context"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Carts() CartRepository
	Discounts() DiscountRepository
	Pricing() PricingRepository
	Customers() CustomerRepository
	Invitations() InvitationRepository
	Outbox() OutboxRepository
	Ping(ctx context.Context) error
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories called with the
// context passed to fn participate in the transaction. Backends that require reads before writes
// (Firestore) expect callers to perform every lookup before the first mutation.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order records. Insert enforces both the unique order code and the
// single open order per customer; violations are reported as conflicts wrapping ErrDuplicateOrderCode
// or ErrOpenOrderExists.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update replaces the mutable fields of the order when its stored status is one of expected.
	// A status mismatch is reported as a conflict wrapping ErrStaleOrder. Inside a transaction Update
	// must be the first write.
	Update(ctx context.Context, order domain.Order, expected ...domain.OrderStatus) error
	FindByCode(ctx context.Context, code string) (domain.Order, error)
	FindOpenByCustomer(ctx context.Context, customerID string) (domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string, page OrderPage) (domain.CursorPage[domain.Order], error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error)
}

// CartRepository stores cart entries keyed by owner and recipe.
type CartRepository interface {
	Upsert(ctx context.Context, entry domain.CartEntry) error
	Delete(ctx context.Context, owner, recipeID string) error
	List(ctx context.Context, owner string) ([]domain.CartEntry, error)
	// DeleteMany removes the listed recipes of owner without reading them first.
	DeleteMany(ctx context.Context, owner string, recipeIDs []string) error
}

// RedemptionAdjustment describes a delta applied to a discount's redemption counter.
type RedemptionAdjustment struct {
	Name  string
	Delta int64
}

// DiscountRepository stores discount codes. AdjustRedemptions applies deltas as single atomic
// increments without reading the documents; counters never drop below zero.
type DiscountRepository interface {
	Insert(ctx context.Context, code domain.DiscountCode) error
	FindByName(ctx context.Context, name string) (domain.DiscountCode, error)
	FindByNames(ctx context.Context, names []string) ([]domain.DiscountCode, error)
	ListEligibleTo(ctx context.Context, identity string) ([]domain.DiscountCode, error)
	AdjustRedemptions(ctx context.Context, adjustments []RedemptionAdjustment) error
}

// PricingRepository stores catalog prices keyed by recipe and serving size.
type PricingRepository interface {
	Upsert(ctx context.Context, entry domain.PricingEntry) error
	Find(ctx context.Context, recipeID string, servingSize int) (domain.PricingEntry, error)
	List(ctx context.Context) ([]domain.PricingEntry, error)
}

// CustomerRepository resolves signed up customers.
type CustomerRepository interface {
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
	FindByVerificationCode(ctx context.Context, code string) (domain.Customer, error)
	// FindByEmail matches the lower-cased email.
	FindByEmail(ctx context.Context, email string) (domain.Customer, error)
}

// InvitationRepository stores referral invitations.
type InvitationRepository interface {
	// Insert stores a new pending invitation. A second pending invitation for the same email is a
	// conflict wrapping ErrInvitationExists. Backends that read before writing expect Insert to be the
	// first write of a transaction.
	Insert(ctx context.Context, inv domain.Invitation) error
	FindPendingByVerificationCode(ctx context.Context, code string) (domain.Invitation, error)
	ListByReferrer(ctx context.Context, referrerID string) ([]domain.Invitation, error)
	// MarkCompleted moves a pending invitation to completed; a non-pending invitation is a conflict.
	MarkCompleted(ctx context.Context, invitationID string, completedAt time.Time) error
}

// OutboxRepository queues messages for asynchronous delivery.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg domain.OutboxMessage) error
	ListPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	// MarkAttemptFailed records a failed delivery; the message becomes failed once maxAttempts is reached.
	MarkAttemptFailed(ctx context.Context, id string, reason string, maxAttempts int) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderPage carries keyset pagination inputs for order listings ordered by creation time descending.
type OrderPage struct {
	PageSize int
	After    *OrderCursor
}

// OrderCursor identifies the last order of a previous page.
type OrderCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	Status []domain.OrderStatus
	Page   OrderPage
}
