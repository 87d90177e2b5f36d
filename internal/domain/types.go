package domain

import (
	"fmt"
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusIntent indicates a payment intent exists but the order has not been priced yet.
	OrderStatusIntent OrderStatus = "intent"
	// OrderStatusInitiated indicates the order has been priced and attached to the payment intent.
	OrderStatusInitiated OrderStatus = "initiated"
	// OrderStatusCompleted indicates payment was confirmed. Set at most once per order.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCanceled indicates the customer abandoned the checkout.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusFailed indicates the payment failed or the checkout expired.
	OrderStatusFailed OrderStatus = "failed"
)

// OpenOrderStatuses lists the statuses counted against the one-open-order-per-customer rule.
var OpenOrderStatuses = []OrderStatus{OrderStatusIntent, OrderStatusInitiated}

// ParseOrderStatus converts persisted or user supplied values into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case OrderStatusIntent, OrderStatusInitiated, OrderStatusCompleted, OrderStatusCanceled, OrderStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("domain: unknown order status %q", value)
	}
}

// IsTerminal reports whether no further payment transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusIntent, OrderStatusInitiated:
		return false
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusFailed:
		return true
	default:
		panic(fmt.Sprintf("domain: unhandled order status %q", string(s)))
	}
}

// CanTransitionTo reports whether the checkout state machine allows moving from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusIntent:
		switch next {
		case OrderStatusInitiated, OrderStatusCanceled, OrderStatusFailed:
			return true
		}
		return false
	case OrderStatusInitiated:
		switch next {
		case OrderStatusInitiated, OrderStatusCompleted, OrderStatusCanceled, OrderStatusFailed:
			return true
		}
		return false
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusFailed:
		return false
	default:
		panic(fmt.Sprintf("domain: unhandled order status %q", string(s)))
	}
}

// Recipient names the person receiving the delivery.
type Recipient struct {
	FirstName string
	LastName  string
}

// Address is the structured delivery address embedded on orders.
type Address struct {
	Line1   string
	Line2   string
	City    string
	State   string
	Zipcode string
}

// AppliedDiscount records one discount code as it was applied to an order total.
// Exactly one of AmountOffCents or PercentOff is set.
type AppliedDiscount struct {
	Name           string
	AmountOffCents *int64
	PercentOff     *float64
}

// OrderBreakdown captures the priced line items keyed by gateway price reference and the discounts applied in order.
type OrderBreakdown struct {
	Items      map[string]int64
	PromoCodes []AppliedDiscount
}

// Order is the durable record of one checkout attempt.
type Order struct {
	ID              string
	Code            string
	CustomerID      *string
	Recipient       Recipient
	Recipes         map[string]int
	Address         Address
	Phone           string
	DiscountCodes   []string
	Breakdown       OrderBreakdown
	TotalCents      int64
	Status          OrderStatus
	PaymentIntentID string
	Delivered       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	CanceledAt      *time.Time
	DeliveredAt     *time.Time
}

// OwnedBy reports whether the order belongs to the given customer.
func (o Order) OwnedBy(customerID string) bool {
	return o.CustomerID != nil && customerID != "" && *o.CustomerID == customerID
}

// CartEntry is one recipe selection pending checkout. Owner is the customer's verification code.
type CartEntry struct {
	Owner       string
	RecipeID    string
	ServingSize int
	UpdatedAt   time.Time
}

// ServingSizes lists the serving sizes a recipe may be ordered in.
var ServingSizes = []int{2, 4, 6}

// ValidServingSize reports whether size is orderable. Zero is handled by callers as removal.
func ValidServingSize(size int) bool {
	for _, allowed := range ServingSizes {
		if size == allowed {
			return true
		}
	}
	return false
}

// DiscountCode is a redeemable promo code mirrored to the payment gateway.
type DiscountCode struct {
	Name             string
	GatewayRef       string
	Redemptions      int64
	AmountOffCents   *int64
	PercentOff       *float64
	EligibleIdentity *string
	ExpiresAt        *time.Time
	Active           bool
	CreatedAt        time.Time
}

// Validate enforces the amount-off XOR percent-off invariant.
func (d DiscountCode) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("domain: discount name is required")
	}
	switch {
	case d.AmountOffCents != nil && d.PercentOff != nil:
		return fmt.Errorf("domain: discount %s sets both amount off and percent off", d.Name)
	case d.AmountOffCents == nil && d.PercentOff == nil:
		return fmt.Errorf("domain: discount %s sets neither amount off nor percent off", d.Name)
	case d.AmountOffCents != nil && *d.AmountOffCents <= 0:
		return fmt.Errorf("domain: discount %s amount off must be positive", d.Name)
	case d.PercentOff != nil && (*d.PercentOff <= 0 || *d.PercentOff > 100):
		return fmt.Errorf("domain: discount %s percent off must be within (0, 100]", d.Name)
	}
	if d.Redemptions < 0 {
		return fmt.Errorf("domain: discount %s redemptions must not be negative", d.Name)
	}
	return nil
}

// RedeemableBy reports whether identity may apply the code at the given instant.
func (d DiscountCode) RedeemableBy(identity string, now time.Time) bool {
	if !d.Active {
		return false
	}
	if d.ExpiresAt != nil && !now.Before(*d.ExpiresAt) {
		return false
	}
	if d.EligibleIdentity != nil && *d.EligibleIdentity != identity {
		return false
	}
	return true
}

// Applied converts the code into the shape stored on an order breakdown.
func (d DiscountCode) Applied() AppliedDiscount {
	return AppliedDiscount{Name: d.Name, AmountOffCents: d.AmountOffCents, PercentOff: d.PercentOff}
}

// PricingEntry prices one recipe at one serving size.
type PricingEntry struct {
	RecipeID    string
	RecipeName  string
	ServingSize int
	PriceCents  int64
	Description string
	ImageURL    string
	ProductRef  string
	PriceRef    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Customer is the read model of a signed up customer.
type Customer struct {
	ID               string
	Email            string
	FirstName        string
	LastName         string
	VerificationCode string
	Verified         bool
}

// InvitationStatus enumerates referral invitation states.
type InvitationStatus string

const (
	InvitationStatusPending   InvitationStatus = "pending"
	InvitationStatusCompleted InvitationStatus = "completed"
)

// Invitation links a referrer to the referred person's verification code.
type Invitation struct {
	ID                 string
	ReferrerCustomerID string
	Email              string
	VerificationCode   string
	Status             InvitationStatus
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// OutboxStatus enumerates delivery states of queued messages.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusDispatched OutboxStatus = "dispatched"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// Outbox topics.
const (
	OutboxTopicReceipt           = "receipt"
	OutboxTopicReferralCompleted = "referral_completed"
	OutboxTopicInvitationSent    = "invitation_sent"
)

// OutboxMessage is a side effect recorded in the same transaction as the state change that caused it.
type OutboxMessage struct {
	ID           string
	Topic        string
	Key          string
	Payload      []byte
	Attributes   map[string]string
	Status       OutboxStatus
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints. Gateway and Store name the
// payment gateway mode and the order store dialect the process runs with.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Gateway     string
	Store       string
	Uptime      time.Duration
	GeneratedAt time.Time
}
