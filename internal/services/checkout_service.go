package services

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/payments"
	"github.com/rasoibox/api/internal/repositories"
)

const (
	defaultMaxCartItems       = 2
	defaultMinimumIntentCents = 100
	defaultStaleOrderTTL      = 24 * time.Hour
	defaultSweepBatchSize     = 50
	maxOrderCodeAttempts      = 5
	orderCodeLength           = 8
)

// Checkout lifecycle events reported to CheckoutMetrics.
const (
	checkoutEventInitiated = "initiated"
	checkoutEventResumed   = "resumed"
	checkoutEventPriced    = "priced"
	checkoutEventCompleted = "completed"
	checkoutEventCanceled  = "canceled"
	checkoutEventFailed    = "failed"
	checkoutEventExpired   = "expired"
	checkoutEventMismatch  = "amount_mismatch"
)

var (
	// ErrCheckoutValidation indicates the caller supplied invalid input or the cart is not orderable.
	ErrCheckoutValidation = errors.New("checkout: validation failed")
	// ErrCheckoutNotFound indicates the order, customer, or a price could not be located.
	ErrCheckoutNotFound = errors.New("checkout: not found")
	// ErrCheckoutConflict indicates the order or payment intent is in a state that forbids the operation.
	ErrCheckoutConflict = errors.New("checkout: conflict")
	// ErrCheckoutGateway indicates the payment gateway call failed.
	ErrCheckoutGateway = errors.New("checkout: payment gateway failure")
	// ErrCheckoutGatewayMismatch indicates the gateway confirmed a different amount than requested.
	ErrCheckoutGatewayMismatch = errors.New("checkout: payment gateway amount mismatch")
	// ErrCheckoutAmountMismatch indicates the paid amount differs from the order total.
	ErrCheckoutAmountMismatch = errors.New("checkout: paid amount does not match order total")
	// ErrCheckoutSignatureInvalid indicates a webhook failed authentication.
	ErrCheckoutSignatureInvalid = errors.New("checkout: webhook signature invalid")
	// ErrCheckoutMalformedEvent indicates an authenticated webhook payload could not be interpreted.
	ErrCheckoutMalformedEvent = errors.New("checkout: malformed webhook event")
	// ErrCheckoutUnavailable indicates the store is temporarily unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
)

// CheckoutMetrics records checkout lifecycle counters.
type CheckoutMetrics interface {
	RecordCheckout(ctx context.Context, event string)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders     repositories.OrderRepository
	Carts      repositories.CartRepository
	Pricing    repositories.PricingRepository
	Discounts  repositories.DiscountRepository
	Customers  repositories.CustomerRepository
	Outbox     repositories.OutboxRepository
	UnitOfWork repositories.UnitOfWork
	Gateway    payments.Gateway
	Referrals  ReferralService
	Metrics    CheckoutMetrics

	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
	IDGenerator   func() string
	CodeGenerator func() (string, error)

	MaxCartItems       int
	MinimumIntentCents int64
	StaleOrderTTL      time.Duration
}

type checkoutService struct {
	orders    repositories.OrderRepository
	carts     repositories.CartRepository
	pricing   repositories.PricingRepository
	discounts repositories.DiscountRepository
	customers repositories.CustomerRepository
	outbox    repositories.OutboxRepository
	uow       repositories.UnitOfWork
	gateway   payments.Gateway
	referrals ReferralService
	metrics   CheckoutMetrics

	now     func() time.Time
	logger  func(ctx context.Context, event string, fields map[string]any)
	newID   func() string
	newCode func() (string, error)

	maxCartItems  int
	minimumIntent int64
	staleTTL      time.Duration
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order repository is required")
	case deps.Carts == nil:
		return nil, errors.New("checkout service: cart repository is required")
	case deps.Pricing == nil:
		return nil, errors.New("checkout service: pricing repository is required")
	case deps.Discounts == nil:
		return nil, errors.New("checkout service: discount repository is required")
	case deps.Customers == nil:
		return nil, errors.New("checkout service: customer repository is required")
	case deps.Outbox == nil:
		return nil, errors.New("checkout service: outbox repository is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("checkout service: unit of work is required")
	case deps.Gateway == nil:
		return nil, errors.New("checkout service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "ord_" + ulid.Make().String()
		}
	}
	codeGen := deps.CodeGenerator
	if codeGen == nil {
		codeGen = randomOrderCode
	}
	maxItems := deps.MaxCartItems
	if maxItems <= 0 {
		maxItems = defaultMaxCartItems
	}
	minimum := deps.MinimumIntentCents
	if minimum <= 0 {
		minimum = defaultMinimumIntentCents
	}
	ttl := deps.StaleOrderTTL
	if ttl <= 0 {
		ttl = defaultStaleOrderTTL
	}

	return &checkoutService{
		orders:    deps.Orders,
		carts:     deps.Carts,
		pricing:   deps.Pricing,
		discounts: deps.Discounts,
		customers: deps.Customers,
		outbox:    deps.Outbox,
		uow:       deps.UnitOfWork,
		gateway:   deps.Gateway,
		referrals: deps.Referrals,
		metrics:   deps.Metrics,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:        logger,
		newID:         idGen,
		newCode:       codeGen,
		maxCartItems:  maxItems,
		minimumIntent: minimum,
		staleTTL:      ttl,
	}, nil
}

// InitiateCheckout returns the customer's open order, creating it with a minimal payment intent when
// none exists. Open orders older than the stale TTL are expired first.
func (s *checkoutService) InitiateCheckout(ctx context.Context, customerID string) (CheckoutSession, error) {
	customer, err := s.verifiedCustomer(ctx, customerID)
	if err != nil {
		return CheckoutSession{}, err
	}

	existing, err := s.orders.FindOpenByCustomer(ctx, customer.ID)
	switch {
	case err == nil:
		if !s.isStale(existing) {
			return s.resume(ctx, existing)
		}
		expired, expErr := s.expireOrder(ctx, existing, "stale_on_initiate")
		if expErr != nil {
			return CheckoutSession{}, expErr
		}
		if !expired {
			return s.resume(ctx, existing)
		}
	case repositories.IsNotFound(err):
	default:
		return CheckoutSession{}, s.repoError(err)
	}

	for attempt := 0; attempt < maxOrderCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return CheckoutSession{}, fmt.Errorf("checkout: generate order code: %w", err)
		}

		intent, err := s.gateway.CreateIntent(ctx, s.minimumIntent, code)
		if err != nil {
			s.logger(ctx, "checkout.intent_create_failed", map[string]any{
				"customerId": customer.ID,
				"error":      err.Error(),
			})
			return CheckoutSession{}, fmt.Errorf("%w: create payment intent: %v", ErrCheckoutGateway, err)
		}

		now := s.now()
		ownerID := customer.ID
		order := domain.Order{
			ID:              s.newID(),
			Code:            code,
			CustomerID:      &ownerID,
			Recipes:         map[string]int{},
			DiscountCodes:   []string{},
			Breakdown:       domain.OrderBreakdown{Items: map[string]int64{}},
			TotalCents:      s.minimumIntent,
			Status:          domain.OrderStatusIntent,
			PaymentIntentID: intent.ID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		err = s.orders.Insert(ctx, order)
		switch {
		case err == nil:
			s.logger(ctx, "checkout.initiated", map[string]any{
				"customerId": customer.ID,
				"orderCode":  order.Code,
				"intentId":   intent.ID,
			})
			s.record(ctx, checkoutEventInitiated)
			return CheckoutSession{
				OrderID:      order.ID,
				OrderCode:    order.Code,
				ClientSecret: intent.ClientSecret,
				Status:       order.Status,
			}, nil
		case errors.Is(err, repositories.ErrDuplicateOrderCode):
			s.cancelIntentQuietly(ctx, intent.ID, "duplicate_code")
			continue
		case errors.Is(err, repositories.ErrOpenOrderExists):
			// A concurrent initiate won; hand back its order.
			s.cancelIntentQuietly(ctx, intent.ID, "lost_initiate_race")
			winner, findErr := s.orders.FindOpenByCustomer(ctx, customer.ID)
			if findErr != nil {
				if repositories.IsNotFound(findErr) {
					return CheckoutSession{}, fmt.Errorf("%w: open order changed concurrently", ErrCheckoutConflict)
				}
				return CheckoutSession{}, s.repoError(findErr)
			}
			return s.resume(ctx, winner)
		default:
			s.cancelIntentQuietly(ctx, intent.ID, "insert_failed")
			return CheckoutSession{}, s.repoError(err)
		}
	}
	return CheckoutSession{}, fmt.Errorf("%w: could not allocate a unique order code", ErrCheckoutConflict)
}

func (s *checkoutService) resume(ctx context.Context, order Order) (CheckoutSession, error) {
	intent, err := s.gateway.GetIntent(ctx, order.PaymentIntentID)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: get payment intent: %v", ErrCheckoutGateway, err)
	}
	s.record(ctx, checkoutEventResumed)
	return CheckoutSession{
		OrderID:      order.ID,
		OrderCode:    order.Code,
		ClientSecret: intent.ClientSecret,
		Status:       order.Status,
		Reused:       true,
	}, nil
}

// PriceAndAttach prices the cart, pushes the amount to the payment intent, and only then commits the
// order details and redemption counters in one transaction.
func (s *checkoutService) PriceAndAttach(ctx context.Context, cmd PriceAndAttachCommand) (Order, error) {
	cmd, err := normalisePriceCommand(cmd)
	if err != nil {
		return Order{}, err
	}
	customer, err := s.verifiedCustomer(ctx, cmd.CustomerID)
	if err != nil {
		return Order{}, err
	}

	order, err := s.orders.FindOpenByCustomer(ctx, customer.ID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Order{}, fmt.Errorf("%w: no open checkout for customer", ErrCheckoutNotFound)
		}
		return Order{}, s.repoError(err)
	}

	intent, err := s.gateway.GetIntent(ctx, order.PaymentIntentID)
	if err != nil {
		return Order{}, fmt.Errorf("%w: get payment intent: %v", ErrCheckoutGateway, err)
	}
	if intent.Status != payments.IntentStatusRequiresPaymentMethod {
		return Order{}, fmt.Errorf("%w: payment intent is %s and no longer accepts changes", ErrCheckoutConflict, intent.Status)
	}

	entries, err := s.carts.List(ctx, customer.VerificationCode)
	if err != nil {
		return Order{}, s.repoError(err)
	}
	if len(entries) == 0 {
		return Order{}, fmt.Errorf("%w: cart is empty", ErrCheckoutValidation)
	}
	if len(entries) > s.maxCartItems {
		return Order{}, fmt.Errorf("%w: too many items in cart", ErrCheckoutValidation)
	}

	lines := make([]domain.PriceLine, 0, len(entries))
	recipes := make(map[string]int, len(entries))
	for _, entry := range entries {
		price, err := s.pricing.Find(ctx, entry.RecipeID, entry.ServingSize)
		if err != nil {
			if repositories.IsNotFound(err) {
				return Order{}, fmt.Errorf("%w: no price for recipe %s at serving size %d", ErrCheckoutNotFound, entry.RecipeID, entry.ServingSize)
			}
			return Order{}, s.repoError(err)
		}
		lines = append(lines, domain.PriceLine{
			RecipeID:    price.RecipeID,
			RecipeName:  price.RecipeName,
			ServingSize: price.ServingSize,
			PriceRef:    price.PriceRef,
			PriceCents:  price.PriceCents,
		})
		recipes[entry.RecipeID] = entry.ServingSize
	}

	codes, err := s.resolveDiscounts(ctx, cmd.DiscountCodes, customer.VerificationCode, order.DiscountCodes)
	if err != nil {
		return Order{}, err
	}
	applied := make([]domain.AppliedDiscount, len(codes))
	for i, code := range codes {
		applied[i] = code.Applied()
	}

	quote, err := domain.BuildQuote(lines, applied)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutValidation, err)
	}

	breakdownJSON, err := json.Marshal(quote.Breakdown.View())
	if err != nil {
		return Order{}, fmt.Errorf("checkout: encode breakdown: %w", err)
	}
	confirmed, err := s.gateway.ModifyIntent(ctx, order.PaymentIntentID, quote.TotalCents, order.Code, map[string]string{
		payments.MetadataBreakdown: string(breakdownJSON),
	})
	if err != nil {
		s.logger(ctx, "checkout.intent_modify_failed", map[string]any{
			"orderCode": order.Code,
			"error":     err.Error(),
		})
		return Order{}, fmt.Errorf("%w: modify payment intent: %v", ErrCheckoutGateway, err)
	}
	if confirmed != quote.TotalCents {
		s.logger(ctx, "checkout.intent_amount_mismatch", map[string]any{
			"orderCode": order.Code,
			"requested": quote.TotalCents,
			"confirmed": confirmed,
		})
		return Order{}, fmt.Errorf("%w: requested %d, gateway confirmed %d", ErrCheckoutGatewayMismatch, quote.TotalCents, confirmed)
	}

	names := make([]string, len(codes))
	for i, code := range codes {
		names[i] = code.Name
	}

	var updated Order
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindOpenByCustomer(txCtx, customer.ID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return fmt.Errorf("%w: order is no longer open", ErrCheckoutConflict)
			}
			return err
		}
		if current.ID != order.ID {
			return fmt.Errorf("%w: open order changed concurrently", ErrCheckoutConflict)
		}
		known, err := s.discounts.FindByNames(txCtx, unionNames(current.DiscountCodes, names))
		if err != nil {
			return err
		}

		now := s.now()
		updated = current
		updated.Recipient = cmd.Recipient
		updated.Address = cmd.Address
		updated.Phone = cmd.Phone
		updated.Recipes = recipes
		updated.DiscountCodes = names
		updated.Breakdown = quote.Breakdown
		updated.TotalCents = quote.TotalCents
		updated.Status = domain.OrderStatusInitiated
		updated.UpdatedAt = now

		if err := s.orders.Update(txCtx, updated, domain.OpenOrderStatuses...); err != nil {
			return err
		}
		return s.adjustRedemptions(txCtx, redemptionDeltas(current.DiscountCodes, names, known))
	})
	if err != nil {
		return Order{}, s.txError(err)
	}

	s.logger(ctx, "checkout.priced", map[string]any{
		"orderCode":  updated.Code,
		"totalCents": updated.TotalCents,
		"discounts":  names,
	})
	s.record(ctx, checkoutEventPriced)
	return updated, nil
}

// ConfirmCompletion transitions an initiated order to completed exactly once. A repeated
// confirmation of a completed order returns it without side effects.
func (s *checkoutService) ConfirmCompletion(ctx context.Context, cmd ConfirmCompletionCommand) (ConfirmCompletionResult, error) {
	code := strings.TrimSpace(cmd.OrderCode)
	if code == "" {
		return ConfirmCompletionResult{}, fmt.Errorf("%w: order code is required", ErrCheckoutValidation)
	}

	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		if repositories.IsNotFound(err) {
			return ConfirmCompletionResult{}, fmt.Errorf("%w: order %s", ErrCheckoutNotFound, code)
		}
		return ConfirmCompletionResult{}, s.repoError(err)
	}

	var paid int64
	switch cmd.Source {
	case ConfirmationSourceClient:
		if !order.OwnedBy(strings.TrimSpace(cmd.CustomerID)) {
			return ConfirmCompletionResult{}, fmt.Errorf("%w: order %s", ErrCheckoutNotFound, code)
		}
		if order.Status == domain.OrderStatusCompleted {
			return ConfirmCompletionResult{Order: order, AlreadyCompleted: true}, nil
		}
		intent, err := s.gateway.GetIntent(ctx, order.PaymentIntentID)
		if err != nil {
			return ConfirmCompletionResult{}, fmt.Errorf("%w: get payment intent: %v", ErrCheckoutGateway, err)
		}
		if intent.Status != payments.IntentStatusSucceeded {
			return ConfirmCompletionResult{}, fmt.Errorf("%w: payment is %s", ErrCheckoutConflict, intent.Status)
		}
		paid = intent.AmountReceivedCents
	case ConfirmationSourceWebhook:
		if strings.TrimSpace(cmd.PaymentIntentID) != order.PaymentIntentID {
			return ConfirmCompletionResult{}, fmt.Errorf("%w: payment intent does not belong to order %s", ErrCheckoutConflict, code)
		}
		if order.Status == domain.OrderStatusCompleted {
			return ConfirmCompletionResult{Order: order, AlreadyCompleted: true}, nil
		}
		paid = cmd.AmountCents
	default:
		return ConfirmCompletionResult{}, fmt.Errorf("%w: unknown confirmation source %q", ErrCheckoutValidation, cmd.Source)
	}

	if order.Status != domain.OrderStatusInitiated {
		return ConfirmCompletionResult{}, fmt.Errorf("%w: order %s is %s", ErrCheckoutConflict, code, order.Status)
	}
	if paid != order.TotalCents {
		s.logger(ctx, "checkout.amount_mismatch", map[string]any{
			"orderCode":  code,
			"paidCents":  paid,
			"totalCents": order.TotalCents,
			"source":     string(cmd.Source),
		})
		s.record(ctx, checkoutEventMismatch)
		return ConfirmCompletionResult{}, fmt.Errorf("%w: paid %d, expected %d", ErrCheckoutAmountMismatch, paid, order.TotalCents)
	}
	if order.CustomerID == nil {
		return ConfirmCompletionResult{}, fmt.Errorf("%w: order %s has no customer", ErrCheckoutConflict, code)
	}

	customer, err := s.customers.FindByID(ctx, *order.CustomerID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return ConfirmCompletionResult{}, fmt.Errorf("%w: customer of order %s", ErrCheckoutNotFound, code)
		}
		return ConfirmCompletionResult{}, s.repoError(err)
	}
	receiptLines := s.receiptLines(ctx, order)

	var (
		completed        Order
		alreadyCompleted bool
	)
	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		alreadyCompleted = false
		current, err := s.orders.FindByCode(txCtx, code)
		if err != nil {
			return err
		}
		if current.Status == domain.OrderStatusCompleted {
			completed = current
			alreadyCompleted = true
			return nil
		}
		if current.Status != domain.OrderStatusInitiated || current.TotalCents != paid {
			return fmt.Errorf("%w: order %s changed concurrently", ErrCheckoutConflict, code)
		}
		entries, err := s.carts.List(txCtx, customer.VerificationCode)
		if err != nil {
			return err
		}

		now := s.now()
		completed = current
		completed.Status = domain.OrderStatusCompleted
		completed.CompletedAt = &now
		completed.UpdatedAt = now
		if err := s.orders.Update(txCtx, completed, domain.OrderStatusInitiated); err != nil {
			return err
		}

		if len(entries) > 0 {
			recipeIDs := make([]string, len(entries))
			for i, entry := range entries {
				recipeIDs[i] = entry.RecipeID
			}
			if err := s.carts.DeleteMany(txCtx, customer.VerificationCode, recipeIDs); err != nil {
				return err
			}
		}

		msg, err := s.receiptMessage(completed, customer, receiptLines)
		if err != nil {
			return err
		}
		return s.outbox.Enqueue(txCtx, msg)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrStaleOrder) {
			// Lost the CAS to a concurrent confirmation.
			if latest, findErr := s.orders.FindByCode(ctx, code); findErr == nil && latest.Status == domain.OrderStatusCompleted {
				return ConfirmCompletionResult{Order: latest, AlreadyCompleted: true}, nil
			}
		}
		return ConfirmCompletionResult{}, s.txError(err)
	}
	if alreadyCompleted {
		return ConfirmCompletionResult{Order: completed, AlreadyCompleted: true}, nil
	}

	s.logger(ctx, "checkout.completed", map[string]any{
		"orderCode":  completed.Code,
		"totalCents": completed.TotalCents,
		"source":     string(cmd.Source),
	})
	s.record(ctx, checkoutEventCompleted)

	if s.referrals != nil {
		if err := s.referrals.CompleteForCustomer(ctx, customer); err != nil {
			s.logger(ctx, "checkout.referral_failed", map[string]any{
				"orderCode":  completed.Code,
				"customerId": customer.ID,
				"error":      err.Error(),
			})
		}
	}
	return ConfirmCompletionResult{Order: completed}, nil
}

// CancelCheckout cancels the caller's open order and reverses its discount redemptions.
func (s *checkoutService) CancelCheckout(ctx context.Context, cmd CancelCheckoutCommand) (Order, error) {
	code := strings.TrimSpace(cmd.OrderCode)
	customerID := strings.TrimSpace(cmd.CustomerID)
	if code == "" || customerID == "" {
		return Order{}, fmt.Errorf("%w: order code and customer are required", ErrCheckoutValidation)
	}

	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Order{}, fmt.Errorf("%w: order %s", ErrCheckoutNotFound, code)
		}
		return Order{}, s.repoError(err)
	}
	if !order.OwnedBy(customerID) {
		return Order{}, fmt.Errorf("%w: order %s", ErrCheckoutNotFound, code)
	}
	if order.Status.IsTerminal() {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrCheckoutConflict, code, order.Status)
	}

	canceled, err := s.closeOrder(ctx, code, domain.OrderStatusCanceled)
	if err != nil {
		return Order{}, err
	}
	s.cancelIntentQuietly(ctx, canceled.PaymentIntentID, "customer_canceled")
	s.logger(ctx, "checkout.canceled", map[string]any{"orderCode": code})
	s.record(ctx, checkoutEventCanceled)
	return canceled, nil
}

// HandleWebhook verifies a gateway callback before touching any order and dispatches it by type.
// Events that can never succeed on redelivery are acknowledged with a rejected outcome.
func (s *checkoutService) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	event, err := s.gateway.VerifyWebhook(payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSignatureInvalid):
			s.logger(ctx, "checkout.webhook_signature_invalid", map[string]any{"error": err.Error()})
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrCheckoutSignatureInvalid, err)
		default:
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrCheckoutMalformedEvent, err)
		}
	}

	result := WebhookResult{EventID: event.ID, EventType: event.Type, OrderCode: event.OrderCode}
	switch event.Type {
	case payments.EventPaymentIntentSucceeded:
		if event.OrderCode == "" || event.IntentID == "" {
			return WebhookResult{}, fmt.Errorf("%w: payment intent event without order code", ErrCheckoutMalformedEvent)
		}
		res, err := s.ConfirmCompletion(ctx, ConfirmCompletionCommand{
			OrderCode:       event.OrderCode,
			Source:          ConfirmationSourceWebhook,
			PaymentIntentID: event.IntentID,
			AmountCents:     event.AmountReceivedCents,
		})
		switch {
		case err == nil && res.AlreadyCompleted:
			result.Outcome = WebhookOutcomeDuplicate
		case err == nil:
			result.Outcome = WebhookOutcomeCompleted
		case isPermanentCheckoutError(err):
			s.logger(ctx, "checkout.webhook_rejected", map[string]any{
				"eventId":   event.ID,
				"orderCode": event.OrderCode,
				"error":     err.Error(),
			})
			result.Outcome = WebhookOutcomeRejected
		default:
			return WebhookResult{}, err
		}
		return result, nil
	case payments.EventPaymentIntentFailed:
		if event.OrderCode == "" || event.IntentID == "" {
			return WebhookResult{}, fmt.Errorf("%w: payment intent event without order code", ErrCheckoutMalformedEvent)
		}
		outcome, err := s.markPaymentFailed(ctx, event)
		if err != nil {
			return WebhookResult{}, err
		}
		result.Outcome = outcome
		return result, nil
	default:
		result.Outcome = WebhookOutcomeIgnored
		return result, nil
	}
}

func (s *checkoutService) markPaymentFailed(ctx context.Context, event payments.WebhookEvent) (WebhookOutcome, error) {
	order, err := s.orders.FindByCode(ctx, event.OrderCode)
	if err != nil {
		if repositories.IsNotFound(err) {
			return WebhookOutcomeRejected, nil
		}
		return "", s.repoError(err)
	}
	if order.PaymentIntentID != event.IntentID || order.Status.IsTerminal() {
		return WebhookOutcomeIgnored, nil
	}
	if _, err := s.closeOrder(ctx, order.Code, domain.OrderStatusFailed); err != nil {
		if errors.Is(err, ErrCheckoutConflict) {
			return WebhookOutcomeIgnored, nil
		}
		return "", err
	}
	s.logger(ctx, "checkout.payment_failed", map[string]any{"orderCode": order.Code, "intentId": event.IntentID})
	s.record(ctx, checkoutEventFailed)
	return WebhookOutcomeFailed, nil
}

// ExpireStaleOrders fails open orders older than the stale TTL whose payment is not in flight.
func (s *checkoutService) ExpireStaleOrders(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = defaultSweepBatchSize
	}
	cutoff := s.now().Add(-s.staleTTL)
	stale, err := s.orders.ListStale(ctx, cutoff, limit)
	if err != nil {
		return SweepResult{}, s.repoError(err)
	}

	result := SweepResult{Scanned: len(stale)}
	for _, order := range stale {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		expired, err := s.expireOrder(ctx, order, "sweep")
		if err != nil {
			s.logger(ctx, "checkout.expire_failed", map[string]any{
				"orderCode": order.Code,
				"error":     err.Error(),
			})
			result.Skipped++
			continue
		}
		if expired {
			result.Expired++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// expireOrder moves a stale open order to failed unless the gateway reports the payment in flight.
func (s *checkoutService) expireOrder(ctx context.Context, order Order, reason string) (bool, error) {
	intentLive := false
	if order.PaymentIntentID != "" {
		intent, err := s.gateway.GetIntent(ctx, order.PaymentIntentID)
		switch {
		case err == nil:
			switch intent.Status {
			case payments.IntentStatusSucceeded, payments.IntentStatusProcessing, payments.IntentStatusRequiresCapture:
				return false, nil
			case payments.IntentStatusCanceled:
			default:
				intentLive = true
			}
		case errors.Is(err, payments.ErrIntentNotFound):
		default:
			return false, fmt.Errorf("%w: get payment intent: %v", ErrCheckoutGateway, err)
		}
	}

	if _, err := s.closeOrder(ctx, order.Code, domain.OrderStatusFailed); err != nil {
		if errors.Is(err, ErrCheckoutConflict) {
			return false, nil
		}
		return false, err
	}
	if intentLive {
		s.cancelIntentQuietly(ctx, order.PaymentIntentID, reason)
	}
	s.logger(ctx, "checkout.expired", map[string]any{
		"orderCode": order.Code,
		"reason":    reason,
		"createdAt": order.CreatedAt,
	})
	s.record(ctx, checkoutEventExpired)
	return true, nil
}

// closeOrder moves an open order to a terminal status and reverses its redemptions in one transaction.
func (s *checkoutService) closeOrder(ctx context.Context, code string, status OrderStatus) (Order, error) {
	var closed Order
	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByCode(txCtx, code)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: order %s is %s", ErrCheckoutConflict, code, current.Status)
		}
		known, err := s.discounts.FindByNames(txCtx, current.DiscountCodes)
		if err != nil {
			return err
		}

		now := s.now()
		closed = current
		closed.Status = status
		closed.UpdatedAt = now
		if status == domain.OrderStatusCanceled {
			closed.CanceledAt = &now
		}
		if err := s.orders.Update(txCtx, closed, domain.OpenOrderStatuses...); err != nil {
			return err
		}
		return s.adjustRedemptions(txCtx, redemptionDeltas(current.DiscountCodes, nil, known))
	})
	if err != nil {
		return Order{}, s.txError(err)
	}
	return closed, nil
}

func (s *checkoutService) adjustRedemptions(ctx context.Context, adjustments []repositories.RedemptionAdjustment) error {
	if len(adjustments) == 0 {
		return nil
	}
	return s.discounts.AdjustRedemptions(ctx, adjustments)
}

// resolveDiscounts loads codes all-or-nothing in the order given. previous lists codes already
// applied to the order, which stay usable for single-use codes on repricing.
func (s *checkoutService) resolveDiscounts(ctx context.Context, names []string, identity string, previous []string) ([]DiscountCode, error) {
	if len(names) == 0 {
		return nil, nil
	}
	found, err := s.discounts.FindByNames(ctx, names)
	if err != nil {
		return nil, s.repoError(err)
	}
	byName := make(map[string]DiscountCode, len(found))
	for _, code := range found {
		byName[code.Name] = code
	}
	alreadyApplied := make(map[string]struct{}, len(previous))
	for _, name := range previous {
		alreadyApplied[name] = struct{}{}
	}

	now := s.now()
	codes := make([]DiscountCode, 0, len(names))
	for _, name := range names {
		code, ok := byName[name]
		if !ok || !code.RedeemableBy(identity, now) {
			return nil, fmt.Errorf("%w: invalid discount codes", ErrCheckoutValidation)
		}
		if _, reused := alreadyApplied[name]; code.EligibleIdentity != nil && code.Redemptions > 0 && !reused {
			return nil, fmt.Errorf("%w: invalid discount codes", ErrCheckoutValidation)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func (s *checkoutService) verifiedCustomer(ctx context.Context, customerID string) (Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Customer{}, fmt.Errorf("%w: customer is required", ErrCheckoutValidation)
	}
	customer, err := s.customers.FindByID(ctx, customerID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Customer{}, fmt.Errorf("%w: customer %s", ErrCheckoutNotFound, customerID)
		}
		return Customer{}, s.repoError(err)
	}
	if !customer.Verified {
		return Customer{}, fmt.Errorf("%w: customer is not verified", ErrCheckoutValidation)
	}
	return customer, nil
}

func (s *checkoutService) isStale(order Order) bool {
	return !order.Status.IsTerminal() && s.now().Sub(order.CreatedAt) > s.staleTTL
}

func (s *checkoutService) cancelIntentQuietly(ctx context.Context, intentID, reason string) {
	if intentID == "" {
		return
	}
	if err := s.gateway.CancelIntent(ctx, intentID); err != nil {
		s.logger(ctx, "checkout.intent_cancel_failed", map[string]any{
			"intentId": intentID,
			"reason":   reason,
			"error":    err.Error(),
		})
	}
}

func (s *checkoutService) receiptLines(ctx context.Context, order Order) []ReceiptLine {
	lines := make([]ReceiptLine, 0, len(order.Recipes))
	for _, recipeID := range sortedKeys(order.Recipes) {
		size := order.Recipes[recipeID]
		line := ReceiptLine{RecipeID: recipeID, RecipeName: recipeID, ServingSize: size}
		price, err := s.pricing.Find(ctx, recipeID, size)
		if err != nil {
			s.logger(ctx, "checkout.receipt_price_missing", map[string]any{
				"orderCode": order.Code,
				"recipeId":  recipeID,
				"error":     err.Error(),
			})
		} else {
			line.RecipeName = price.RecipeName
			line.PriceCents = order.Breakdown.Items[price.PriceRef]
			if line.PriceCents == 0 {
				line.PriceCents = price.PriceCents
			}
		}
		lines = append(lines, line)
	}
	return lines
}

func (s *checkoutService) receiptMessage(order Order, customer Customer, lines []ReceiptLine) (OutboxMessage, error) {
	var subtotal int64
	for _, cents := range order.Breakdown.Items {
		subtotal += cents
	}
	completedAt := s.now()
	if order.CompletedAt != nil {
		completedAt = *order.CompletedAt
	}
	receipt := ReceiptMessage{
		OrderID:       order.ID,
		OrderCode:     order.Code,
		CustomerID:    customer.ID,
		Email:         customer.Email,
		FirstName:     customer.FirstName,
		Recipient:     order.Recipient,
		Address:       order.Address,
		Lines:         lines,
		Discounts:     order.Breakdown.PromoCodes,
		SubtotalCents: subtotal,
		TotalCents:    order.TotalCents,
		CompletedAt:   completedAt,
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("checkout: encode receipt: %w", err)
	}
	return OutboxMessage{
		ID:         uuid.NewString(),
		Topic:      domain.OutboxTopicReceipt,
		Key:        order.Code,
		Payload:    payload,
		Attributes: map[string]string{"orderCode": order.Code, "customerId": customer.ID},
		Status:     domain.OutboxStatusPending,
		CreatedAt:  completedAt,
	}, nil
}

func (s *checkoutService) record(ctx context.Context, event string) {
	if s.metrics != nil {
		s.metrics.RecordCheckout(ctx, event)
	}
}

// txError maps errors returned from a transaction body, keeping checkout sentinels intact.
func (s *checkoutService) txError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCheckoutConflict), errors.Is(err, ErrCheckoutValidation), errors.Is(err, ErrCheckoutNotFound):
		return err
	case errors.Is(err, repositories.ErrStaleOrder):
		return fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
	default:
		return s.repoError(err)
	}
}

func (s *checkoutService) repoError(err error) error {
	switch {
	case err == nil:
		return nil
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrCheckoutNotFound, err)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	default:
		return err
	}
}

func isPermanentCheckoutError(err error) bool {
	return errors.Is(err, ErrCheckoutNotFound) ||
		errors.Is(err, ErrCheckoutConflict) ||
		errors.Is(err, ErrCheckoutAmountMismatch) ||
		errors.Is(err, ErrCheckoutValidation)
}

func normalisePriceCommand(cmd PriceAndAttachCommand) (PriceAndAttachCommand, error) {
	cmd.CustomerID = strings.TrimSpace(cmd.CustomerID)
	cmd.Recipient.FirstName = strings.TrimSpace(cmd.Recipient.FirstName)
	cmd.Recipient.LastName = strings.TrimSpace(cmd.Recipient.LastName)
	cmd.Address.Line1 = strings.TrimSpace(cmd.Address.Line1)
	cmd.Address.Line2 = strings.TrimSpace(cmd.Address.Line2)
	cmd.Address.City = strings.TrimSpace(cmd.Address.City)
	cmd.Address.State = strings.TrimSpace(cmd.Address.State)
	cmd.Address.Zipcode = strings.TrimSpace(cmd.Address.Zipcode)
	cmd.Phone = strings.TrimSpace(cmd.Phone)

	var missing []string
	if cmd.Recipient.FirstName == "" {
		missing = append(missing, "recipient first name")
	}
	if cmd.Recipient.LastName == "" {
		missing = append(missing, "recipient last name")
	}
	if cmd.Address.Line1 == "" || cmd.Address.City == "" || cmd.Address.State == "" || cmd.Address.Zipcode == "" {
		missing = append(missing, "delivery address")
	}
	if cmd.Phone == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return cmd, fmt.Errorf("%w: missing %s", ErrCheckoutValidation, strings.Join(missing, ", "))
	}

	codes := make([]string, 0, len(cmd.DiscountCodes))
	seen := make(map[string]struct{}, len(cmd.DiscountCodes))
	for _, raw := range cmd.DiscountCodes {
		name := strings.ToUpper(strings.TrimSpace(raw))
		if name == "" {
			return cmd, fmt.Errorf("%w: invalid discount codes", ErrCheckoutValidation)
		}
		if _, dup := seen[name]; dup {
			return cmd, fmt.Errorf("%w: invalid discount codes", ErrCheckoutValidation)
		}
		seen[name] = struct{}{}
		codes = append(codes, name)
	}
	cmd.DiscountCodes = codes
	return cmd, nil
}

// randomOrderCode returns a fixed-length string of random digits.
func randomOrderCode() (string, error) {
	var b strings.Builder
	b.Grow(orderCodeLength)
	ten := big.NewInt(10)
	for i := 0; i < orderCodeLength; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
