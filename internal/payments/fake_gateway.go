package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeGateway is an in-memory Gateway for local development and tests. Webhooks are signed with
// the same scheme as Stripe so the verification path is shared.
type FakeGateway struct {
	mu         sync.Mutex
	secret     string
	intents    map[string]Intent
	products   map[string]ProductRef
	promotions map[string]PromotionSpec
	failNext   map[string]error
	// confirmed overrides the amount the next ModifyIntent reports back.
	confirmed *int64
}

var _ Gateway = (*FakeGateway)(nil)

// NewFakeGateway constructs a FakeGateway signing webhooks with secret.
func NewFakeGateway(secret string) *FakeGateway {
	return &FakeGateway{
		secret:     secret,
		intents:    make(map[string]Intent),
		products:   make(map[string]ProductRef),
		promotions: make(map[string]PromotionSpec),
		failNext:   make(map[string]error),
	}
}

// FailNext makes the next call of op ("create", "get", "modify", "cancel", "product", "promotion")
// return err.
func (g *FakeGateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext[op] = err
}

// ConfirmNextModify makes the next successful ModifyIntent store and report amountCents instead of the
// requested amount.
func (g *FakeGateway) ConfirmNextModify(amountCents int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmed = &amountCents
}

func (g *FakeGateway) takeFailure(op string) error {
	err, ok := g.failNext[op]
	if ok {
		delete(g.failNext, op)
	}
	return err
}

func (g *FakeGateway) CreateIntent(_ context.Context, amountCents int64, orderCode string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("create"); err != nil {
		return Intent{}, err
	}
	id := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	intent := Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		AmountCents:  amountCents,
		Status:       IntentStatusRequiresPaymentMethod,
		Metadata:     map[string]string{MetadataOrderCode: orderCode},
	}
	g.intents[id] = intent
	return cloneIntent(intent), nil
}

func (g *FakeGateway) GetIntent(_ context.Context, intentID string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("get"); err != nil {
		return Intent{}, err
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	return cloneIntent(intent), nil
}

func (g *FakeGateway) ModifyIntent(_ context.Context, intentID string, amountCents int64, orderCode string, metadata map[string]string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("modify"); err != nil {
		return 0, err
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if intent.Status != IntentStatusRequiresPaymentMethod {
		return 0, fmt.Errorf("payments: intent %s cannot be modified in status %s", intentID, intent.Status)
	}
	if g.confirmed != nil {
		amountCents = *g.confirmed
		g.confirmed = nil
	}
	intent.AmountCents = amountCents
	for k, v := range metadata {
		intent.Metadata[k] = v
	}
	intent.Metadata[MetadataOrderCode] = orderCode
	g.intents[intentID] = intent
	return amountCents, nil
}

func (g *FakeGateway) CancelIntent(_ context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("cancel"); err != nil {
		return err
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if intent.Status == IntentStatusSucceeded {
		return fmt.Errorf("payments: intent %s already succeeded", intentID)
	}
	intent.Status = IntentStatusCanceled
	g.intents[intentID] = intent
	return nil
}

func (g *FakeGateway) VerifyWebhook(payload []byte, signature string) (WebhookEvent, error) {
	return parseWebhook(payload, signature, g.secret, 0)
}

func (g *FakeGateway) EnsureProduct(_ context.Context, spec ProductSpec) (ProductRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("product"); err != nil {
		return ProductRef{}, err
	}
	name := spec.Name()
	if ref, ok := g.products[name]; ok {
		return ref, nil
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
	ref := ProductRef{ProductID: "prod_" + suffix, PriceID: "price_" + suffix}
	g.products[name] = ref
	return ref, nil
}

func (g *FakeGateway) CreatePromotionCode(_ context.Context, spec PromotionSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("promotion"); err != nil {
		return "", err
	}
	if _, ok := g.promotions[spec.Code]; ok {
		return "", fmt.Errorf("payments: promotion code %s already exists", spec.Code)
	}
	g.promotions[spec.Code] = spec
	return "promo_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14], nil
}

// Pay simulates the customer completing payment for the full intent amount.
func (g *FakeGateway) Pay(intentID string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	intent.Status = IntentStatusSucceeded
	intent.AmountReceivedCents = intent.AmountCents
	g.intents[intentID] = intent
	return cloneIntent(intent), nil
}

// SignedEvent renders a webhook payload for the current state of an intent, signed now. Signature
// verification checks the timestamp against the wall clock.
func (g *FakeGateway) SignedEvent(eventType, intentID string) ([]byte, string, error) {
	g.mu.Lock()
	intent, ok := g.intents[intentID]
	g.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	payload, err := IntentEventPayload("evt_"+strings.ReplaceAll(uuid.NewString(), "-", "")[:14], eventType, intent)
	if err != nil {
		return nil, "", err
	}
	return payload, SignWebhook(payload, g.secret, time.Now()), nil
}

// Promotion returns a created promotion spec by code.
func (g *FakeGateway) Promotion(code string) (PromotionSpec, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	spec, ok := g.promotions[code]
	return spec, ok
}

func cloneIntent(intent Intent) Intent {
	md := make(map[string]string, len(intent.Metadata))
	for k, v := range intent.Metadata {
		md[k] = v
	}
	intent.Metadata = md
	return intent
}
