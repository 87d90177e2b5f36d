package services

import (
	"context"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	CartEntry          = domain.CartEntry
	DiscountCode       = domain.DiscountCode
	PricingEntry       = domain.PricingEntry
	Customer           = domain.Customer
	Invitation         = domain.Invitation
	OutboxMessage      = domain.OutboxMessage
	SystemHealthReport = domain.SystemHealthReport
)

// CheckoutService drives the order state machine from intent creation through completion,
// cancellation, or failure.
type CheckoutService interface {
	InitiateCheckout(ctx context.Context, customerID string) (CheckoutSession, error)
	PriceAndAttach(ctx context.Context, cmd PriceAndAttachCommand) (Order, error)
	ConfirmCompletion(ctx context.Context, cmd ConfirmCompletionCommand) (ConfirmCompletionResult, error)
	CancelCheckout(ctx context.Context, cmd CancelCheckoutCommand) (Order, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
	ExpireStaleOrders(ctx context.Context, limit int) (SweepResult, error)
}

// CartService manages cart entries keyed by the owner's verification code.
type CartService interface {
	UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (PricedCart, error)
	GetCart(ctx context.Context, cmd CartOwnerQuery) (PricedCart, error)
}

// CatalogService exposes the orderable catalog and its admin repricing flow.
type CatalogService interface {
	ListAvailable(ctx context.Context) ([]CatalogItem, error)
	UpsertPrices(ctx context.Context, cmd UpsertPricesCommand) ([]PricingEntry, error)
}

// DiscountService manages discount codes mirrored to the payment gateway.
type DiscountService interface {
	CreateDiscount(ctx context.Context, cmd CreateDiscountCommand) (DiscountCode, error)
	CheckValidity(ctx context.Context, cmd DiscountValidityQuery) (DiscountValidity, error)
}

// OrderService serves order history and fulfilment actions.
type OrderService interface {
	ListCustomerOrders(ctx context.Context, customerID string, page Pagination) (domain.CursorPage[Order], error)
	GetCustomerOrder(ctx context.Context, customerID, code string) (Order, error)
	ListOrders(ctx context.Context, filter AdminOrderFilter) (domain.CursorPage[Order], error)
	MarkDelivered(ctx context.Context, cmd MarkDeliveredCommand) (Order, error)
}

// ReferralService sends and completes referral invitations and reports rewards.
type ReferralService interface {
	Invite(ctx context.Context, cmd InviteCommand) (InvitationSent, error)
	CompleteForCustomer(ctx context.Context, customer Customer) error
	ListRewards(ctx context.Context, customerID string) (Rewards, error)
}

// SystemService exposes health information for probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CheckoutSession is returned by InitiateCheckout.
type CheckoutSession struct {
	OrderID      string
	OrderCode    string
	ClientSecret string
	Status       OrderStatus
	Reused       bool
}

// PriceAndAttachCommand carries the delivery details and discount codes for an open order.
type PriceAndAttachCommand struct {
	CustomerID    string
	Recipient     domain.Recipient
	Address       domain.Address
	Phone         string
	DiscountCodes []string
}

// ConfirmationSource identifies which path confirmed a payment.
type ConfirmationSource string

const (
	ConfirmationSourceClient  ConfirmationSource = "client"
	ConfirmationSourceWebhook ConfirmationSource = "webhook"
)

// ConfirmCompletionCommand names the order being confirmed. Client confirmations carry the caller;
// webhook confirmations carry the verified intent and paid amount.
type ConfirmCompletionCommand struct {
	OrderCode       string
	Source          ConfirmationSource
	CustomerID      string
	PaymentIntentID string
	AmountCents     int64
}

// ConfirmCompletionResult reports the completed order and whether an earlier confirmation had
// already completed it.
type ConfirmCompletionResult struct {
	Order            Order
	AlreadyCompleted bool
}

// CancelCheckoutCommand cancels the caller's open order.
type CancelCheckoutCommand struct {
	OrderCode  string
	CustomerID string
}

// WebhookOutcome classifies how a verified webhook event was handled.
type WebhookOutcome string

const (
	WebhookOutcomeCompleted WebhookOutcome = "completed"
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	WebhookOutcomeFailed    WebhookOutcome = "failed"
	WebhookOutcomeRejected  WebhookOutcome = "rejected"
	WebhookOutcomeIgnored   WebhookOutcome = "ignored"
)

// WebhookResult describes an acknowledged webhook event.
type WebhookResult struct {
	EventID   string
	EventType string
	OrderCode string
	Outcome   WebhookOutcome
}

// SweepResult summarises one stale order sweep.
type SweepResult struct {
	Scanned int
	Expired int
	Skipped int
}

// UpdateCartItemCommand sets the serving size of one recipe; zero removes it.
type UpdateCartItemCommand struct {
	CartOwnerQuery
	RecipeID    string
	ServingSize int
}

// CartOwnerQuery identifies a cart by authenticated customer or by verification code.
type CartOwnerQuery struct {
	CustomerID       string
	VerificationCode string
}

// PricedCart is a cart with current catalog prices.
type PricedCart struct {
	Owner         string
	Lines         []PricedCartLine
	SubtotalCents int64
}

// PricedCartLine is one priced cart entry.
type PricedCartLine struct {
	RecipeID    string
	RecipeName  string
	ImageURL    string
	ServingSize int
	PriceCents  int64
}

// CatalogItem groups the orderable serving sizes of one recipe.
type CatalogItem struct {
	RecipeID     string
	RecipeName   string
	Description  string
	ImageURL     string
	ServingSizes []int
	PricesCents  []int64
}

// UpsertPricesCommand bulk creates or reprices catalog entries.
type UpsertPricesCommand struct {
	Entries []PriceInput
}

// PriceInput describes one (recipe, serving size) price.
type PriceInput struct {
	RecipeID    string
	RecipeName  string
	ServingSize int
	PriceCents  int64
	Description string
	ImageURL    string
}

// CreateDiscountCommand creates a discount code. Exactly one of AmountOffCents or PercentOff must be set.
type CreateDiscountCommand struct {
	Name             string
	AmountOffCents   *int64
	PercentOff       *float64
	EligibleIdentity *string
	ExpiresAt        *time.Time
	MaxRedemptions   int64
}

// DiscountValidityQuery asks whether a customer may apply a code.
type DiscountValidityQuery struct {
	Name       string
	CustomerID string
}

// DiscountValidity is the answer to a DiscountValidityQuery.
type DiscountValidity struct {
	Code   DiscountCode
	Valid  bool
	Reason string
}

// AdminOrderFilter narrows admin order listings.
type AdminOrderFilter struct {
	Status []OrderStatus
	Page   Pagination
}

// MarkDeliveredCommand records delivery of a completed order.
type MarkDeliveredCommand struct {
	OrderCode   string
	DeliveredAt *time.Time
}

// Rewards lists the discount codes earned by a customer and the invitations they sent.
type Rewards struct {
	Redeemable  []DiscountCode
	Redeemed    []DiscountCode
	Invitations []Invitation
}

// InviteCommand asks for an invitation from the referrer to email.
type InviteCommand struct {
	ReferrerID string
	Email      string
}

// InvitationSent is the stored invitation and the welcome code minted for the invitee.
type InvitationSent struct {
	Invitation   Invitation
	DiscountCode DiscountCode
}
