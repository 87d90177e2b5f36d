package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubIntentAPI struct {
	newParams    *stripe.PaymentIntentParams
	updateID     string
	updateParams []*stripe.PaymentIntentParams
	cancelID     string
	intent       *stripe.PaymentIntent
	err          error
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.newParams = params
	return s.intent, s.err
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.intent, s.err
}

func (s *stubIntentAPI) Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.updateID = id
	s.updateParams = append(s.updateParams, params)
	if s.err != nil {
		return nil, s.err
	}
	return &stripe.PaymentIntent{ID: id, Amount: *params.Amount}, nil
}

func (s *stubIntentAPI) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	s.cancelID = id
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, s.err
}

type stubProductAPI struct {
	found     *stripe.Product
	query     string
	created   *stripe.ProductParams
	updatedID string
	updated   *stripe.ProductParams
}

func (s *stubProductAPI) New(params *stripe.ProductParams) (*stripe.Product, error) {
	s.created = params
	return &stripe.Product{ID: "prod_new", DefaultPrice: &stripe.Price{ID: "price_new"}}, nil
}

func (s *stubProductAPI) Update(id string, params *stripe.ProductParams) (*stripe.Product, error) {
	s.updatedID = id
	s.updated = params
	return &stripe.Product{ID: id, DefaultPrice: s.found.DefaultPrice}, nil
}

func (s *stubProductAPI) FindByName(params *stripe.ProductSearchParams) (*stripe.Product, error) {
	s.query = params.Query
	return s.found, nil
}

type stubCouponAPI struct{ params *stripe.CouponParams }

func (s *stubCouponAPI) New(params *stripe.CouponParams) (*stripe.Coupon, error) {
	s.params = params
	return &stripe.Coupon{ID: "coupon_1"}, nil
}

type stubPromotionAPI struct{ params *stripe.PromotionCodeParams }

func (s *stubPromotionAPI) New(params *stripe.PromotionCodeParams) (*stripe.PromotionCode, error) {
	s.params = params
	return &stripe.PromotionCode{ID: "promo_1"}, nil
}

func newTestGateway(t *testing.T, intents *stubIntentAPI, products *stubProductAPI) (*StripeGateway, *stubCouponAPI, *stubPromotionAPI) {
	t.Helper()
	coupons := &stubCouponAPI{}
	promotions := &stubPromotionAPI{}
	if intents == nil {
		intents = &stubIntentAPI{}
	}
	if products == nil {
		products = &stubProductAPI{}
	}
	gw, err := NewStripeGateway(StripeGatewayConfig{
		WebhookSecret: "whsec_test",
		AccountID:     "acct_123",
		Clients: &stripeClients{
			intents:    intents,
			products:   products,
			coupons:    coupons,
			promotions: promotions,
		},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw, coupons, promotions
}

func TestNewStripeGatewayRequiresConfiguration(t *testing.T) {
	if _, err := NewStripeGateway(StripeGatewayConfig{WebhookSecret: "whsec"}); err == nil {
		t.Fatalf("expected api key error")
	}
	if _, err := NewStripeGateway(StripeGatewayConfig{APIKey: "sk_test"}); err == nil {
		t.Fatalf("expected webhook secret error")
	}
}

func TestStripeGatewayCreateIntent(t *testing.T) {
	ctx := context.WithValue(context.Background(), struct{}{}, "marker")
	intents := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:           "pi_1",
		ClientSecret: "pi_1_secret",
		Amount:       100,
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		Metadata:     map[string]string{MetadataOrderCode: "12345678"},
	}}
	gw, _, _ := newTestGateway(t, intents, nil)

	intent, err := gw.CreateIntent(ctx, 100, "12345678")
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ID != "pi_1" || intent.ClientSecret != "pi_1_secret" || intent.Status != IntentStatusRequiresPaymentMethod {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if intent.OrderCode() != "12345678" {
		t.Fatalf("expected order code metadata, got %q", intent.OrderCode())
	}

	params := intents.newParams
	if params.Context != ctx {
		t.Fatalf("expected request context to be forwarded")
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey == "" {
		t.Fatalf("expected idempotency key")
	}
	if params.StripeAccount == nil || *params.StripeAccount != "acct_123" {
		t.Fatalf("expected connected account header")
	}
	if *params.Currency != "usd" || *params.Amount != 100 {
		t.Fatalf("unexpected amount or currency %d %s", *params.Amount, *params.Currency)
	}
}

func TestStripeGatewayModifyIntentUsesFreshKeyPerReprice(t *testing.T) {
	intents := &stubIntentAPI{}
	gw, _, _ := newTestGateway(t, intents, nil)
	ctx := context.Background()
	withCode := map[string]string{MetadataBreakdown: `{"items":{"price_a":2500,"price_b":1500},"promoCodes":["SAVE5"]}`}
	withoutCode := map[string]string{MetadataBreakdown: `{"items":{"price_a":2500,"price_b":1500},"promoCodes":[]}`}

	amount, err := gw.ModifyIntent(ctx, "pi_1", 3500, "12345678", withCode)
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if amount != 3500 {
		t.Fatalf("expected confirmed amount 3500 got %d", amount)
	}
	if _, err := gw.ModifyIntent(ctx, "pi_1", 4000, "12345678", withoutCode); err != nil {
		t.Fatalf("modify without code: %v", err)
	}
	if _, err := gw.ModifyIntent(ctx, "pi_1", 3500, "12345678", withCode); err != nil {
		t.Fatalf("modify back to first price: %v", err)
	}

	seen := make(map[string]int, len(intents.updateParams))
	for i, p := range intents.updateParams {
		if p.IdempotencyKey == nil || *p.IdempotencyKey == "" {
			t.Fatalf("expected idempotency key on update %d", i)
		}
		if prev, ok := seen[*p.IdempotencyKey]; ok {
			t.Fatalf("update %d reused the key of update %d", i, prev)
		}
		seen[*p.IdempotencyKey] = i
	}
	if *intents.updateParams[2].Amount != 3500 {
		t.Fatalf("expected third update to send 3500, got %d", *intents.updateParams[2].Amount)
	}
	if intents.updateParams[0].Metadata[MetadataOrderCode] != "12345678" {
		t.Fatalf("expected order code metadata on modify")
	}
}

func TestStripeGatewayGetIntentNotFound(t *testing.T) {
	intents := &stubIntentAPI{err: &stripe.Error{Code: stripe.ErrorCodeResourceMissing}}
	gw, _, _ := newTestGateway(t, intents, nil)

	_, err := gw.GetIntent(context.Background(), "pi_missing")
	if !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
}

func TestStripeGatewayEnsureProduct(t *testing.T) {
	spec := ProductSpec{RecipeName: "Chana Masala", ServingSize: 4, PriceCents: 799, Description: "spicy", ImageURL: "https://img/chana.png"}

	t.Run("creates missing product", func(t *testing.T) {
		products := &stubProductAPI{}
		gw, _, _ := newTestGateway(t, nil, products)
		ref, err := gw.EnsureProduct(context.Background(), spec)
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if ref.ProductID != "prod_new" || ref.PriceID != "price_new" {
			t.Fatalf("unexpected ref %+v", ref)
		}
		if products.query != `name:"4 servings of Chana Masala"` {
			t.Fatalf("unexpected search query %q", products.query)
		}
		created := products.created
		if *created.Name != "4 servings of Chana Masala" || *created.DefaultPriceData.UnitAmount != 799 || *created.DefaultPriceData.Currency != "usd" {
			t.Fatalf("unexpected create params %+v", created)
		}
	})

	t.Run("keeps unchanged product", func(t *testing.T) {
		products := &stubProductAPI{found: &stripe.Product{
			ID:           "prod_1",
			Description:  "spicy",
			Images:       []string{"https://img/chana.png"},
			DefaultPrice: &stripe.Price{ID: "price_1"},
		}}
		gw, _, _ := newTestGateway(t, nil, products)
		ref, err := gw.EnsureProduct(context.Background(), spec)
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if ref.ProductID != "prod_1" || ref.PriceID != "price_1" || products.updated != nil || products.created != nil {
			t.Fatalf("expected existing product untouched, got %+v", ref)
		}
	})

	t.Run("refreshes changed description", func(t *testing.T) {
		products := &stubProductAPI{found: &stripe.Product{
			ID:           "prod_1",
			Description:  "old",
			Images:       []string{"https://img/chana.png"},
			DefaultPrice: &stripe.Price{ID: "price_1"},
		}}
		gw, _, _ := newTestGateway(t, nil, products)
		if _, err := gw.EnsureProduct(context.Background(), spec); err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if products.updatedID != "prod_1" || *products.updated.Description != "spicy" {
			t.Fatalf("expected description update, got %+v", products.updated)
		}
	})
}

func TestStripeGatewayCreatePromotionCode(t *testing.T) {
	gw, coupons, promotions := newTestGateway(t, nil, nil)
	amount := int64(1000)

	id, err := gw.CreatePromotionCode(context.Background(), PromotionSpec{Code: "ASHA01234", AmountOffCents: &amount, MaxRedemptions: 1})
	if err != nil {
		t.Fatalf("create promotion: %v", err)
	}
	if id != "promo_1" {
		t.Fatalf("unexpected promotion id %q", id)
	}
	if *coupons.params.AmountOff != 1000 || *coupons.params.Currency != "usd" || *coupons.params.MaxRedemptions != 1 {
		t.Fatalf("unexpected coupon params %+v", coupons.params)
	}
	if *promotions.params.Coupon != "coupon_1" || *promotions.params.Code != "ASHA01234" {
		t.Fatalf("unexpected promotion params %+v", promotions.params)
	}

	if _, err := gw.CreatePromotionCode(context.Background(), PromotionSpec{Code: "BAD"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestStripeGatewayVerifyWebhook(t *testing.T) {
	gw, _, _ := newTestGateway(t, nil, nil)
	payload, err := IntentEventPayload("evt_1", EventPaymentIntentSucceeded, Intent{
		ID:                  "pi_1",
		AmountCents:         3500,
		AmountReceivedCents: 3500,
		Status:              IntentStatusSucceeded,
		Metadata:            map[string]string{MetadataOrderCode: "12345678"},
	})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}

	event, err := gw.VerifyWebhook(payload, SignWebhook(payload, "whsec_test", time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if event.Type != EventPaymentIntentSucceeded || event.IntentID != "pi_1" || event.OrderCode != "12345678" || event.AmountReceivedCents != 3500 {
		t.Fatalf("unexpected event %+v", event)
	}

	if _, err := gw.VerifyWebhook(payload, SignWebhook(payload, "whsec_other", time.Now())); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if _, err := gw.VerifyWebhook(payload, ""); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected signature error for missing header, got %v", err)
	}

	garbage := []byte("not json")
	if _, err := gw.VerifyWebhook(garbage, SignWebhook(garbage, "whsec_test", time.Now())); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got %v", err)
	}

	other := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	event, err = gw.VerifyWebhook(other, SignWebhook(other, "whsec_test", time.Now()))
	if err != nil {
		t.Fatalf("verify other event: %v", err)
	}
	if event.Type != "customer.created" || event.IntentID != "" {
		t.Fatalf("unexpected other event %+v", event)
	}
}
