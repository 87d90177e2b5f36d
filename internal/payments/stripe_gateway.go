package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/product"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeProductAPI interface {
	New(params *stripe.ProductParams) (*stripe.Product, error)
	Update(id string, params *stripe.ProductParams) (*stripe.Product, error)
	// FindByName returns the first product named name or nil.
	FindByName(params *stripe.ProductSearchParams) (*stripe.Product, error)
}

type stripeCouponAPI interface {
	New(params *stripe.CouponParams) (*stripe.Coupon, error)
}

type stripePromotionCodeAPI interface {
	New(params *stripe.PromotionCodeParams) (*stripe.PromotionCode, error)
}

type stripeClients struct {
	intents    stripeIntentAPI
	products   stripeProductAPI
	coupons    stripeCouponAPI
	promotions stripePromotionCodeAPI
}

type productSearchClient struct {
	*product.Client
}

func (c productSearchClient) FindByName(params *stripe.ProductSearchParams) (*stripe.Product, error) {
	iter := c.Search(params)
	if iter.Next() {
		return iter.Product(), nil
	}
	return nil, iter.Err()
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey           string
	WebhookSecret    string
	AccountID        string
	WebhookTolerance time.Duration
	Backends         *stripe.Backends
	Logger           StripeLogger
	Clients          *stripeClients
}

// StripeGateway implements Gateway on Stripe payment intents.
type StripeGateway struct {
	api           stripeClients
	account       string
	webhookSecret string
	tolerance     time.Duration
	logger        StripeLogger
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a Stripe backed Gateway.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents:    sc.PaymentIntents,
			products:   productSearchClient{sc.Products},
			coupons:    sc.Coupons,
			promotions: sc.PromotionCodes,
		}
	}
	if clients.intents == nil || clients.products == nil || clients.coupons == nil || clients.promotions == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:           clients,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: secret,
		tolerance:     cfg.WebhookTolerance,
		logger:        logger,
	}, nil
}

// CreateIntent opens a card payment intent in USD tagged with the order code.
func (g *StripeGateway) CreateIntent(ctx context.Context, amountCents int64, orderCode string) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amountCents),
		Currency:           stripe.String(currencyUSD),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Metadata:           map[string]string{MetadataOrderCode: orderCode},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey("intent.create", orderCode, strconv.FormatInt(amountCents, 10)))
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderCode":     orderCode,
		"amount":        intent.Amount,
	})
	return stripeIntent(intent), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, intentID string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.api.intents.Get(intentID, params)
	if err != nil {
		if isResourceMissing(err) {
			return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
		}
		return Intent{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripeIntent(intent), nil
}

// ModifyIntent updates the amount and metadata. Every call carries a fresh idempotency key: a
// reprice back to an earlier amount must reach Stripe instead of replaying a cached response.
func (g *StripeGateway) ModifyIntent(ctx context.Context, intentID string, amountCents int64, orderCode string, metadata map[string]string) (int64, error) {
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md[MetadataOrderCode] = orderCode

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Metadata: md,
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey("intent.modify", intentID, uuid.NewString()))
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	intent, err := g.api.intents.Update(intentID, params)
	if err != nil {
		if isResourceMissing(err) {
			return 0, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
		}
		return 0, fmt.Errorf("stripe: modify payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent.modified", map[string]any{
		"paymentIntent": intent.ID,
		"orderCode":     orderCode,
		"amount":        intent.Amount,
	})
	return intent.Amount, nil
}

func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey("intent.cancel", intentID))
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.api.intents.Cancel(intentID, params)
	if err != nil {
		return fmt.Errorf("stripe: cancel payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent.canceled", map[string]any{
		"paymentIntent": intent.ID,
	})
	return nil
}

func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (WebhookEvent, error) {
	return parseWebhook(payload, signature, g.webhookSecret, g.tolerance)
}

// EnsureProduct finds the product by name and creates it with a default USD price when missing. An
// existing product gets its description and image refreshed when they changed.
func (g *StripeGateway) EnsureProduct(ctx context.Context, spec ProductSpec) (ProductRef, error) {
	if strings.TrimSpace(spec.RecipeName) == "" || spec.ServingSize <= 0 {
		return ProductRef{}, errors.New("stripe: recipe name and serving size are required")
	}
	name := spec.Name()

	search := &stripe.ProductSearchParams{}
	search.Query = fmt.Sprintf("name:%q", name)
	search.Context = ctx
	if g.account != "" {
		search.SetStripeAccount(g.account)
	}
	existing, err := g.api.products.FindByName(search)
	if err != nil {
		return ProductRef{}, fmt.Errorf("stripe: search product: %w", err)
	}

	if existing == nil {
		params := &stripe.ProductParams{
			Name:        stripe.String(name),
			Active:      stripe.Bool(true),
			Description: stripe.String(spec.Description),
			Shippable:   stripe.Bool(true),
			UnitLabel:   stripe.String("item"),
			Metadata:    map[string]string{"serving_size": strconv.Itoa(spec.ServingSize)},
			DefaultPriceData: &stripe.ProductDefaultPriceDataParams{
				Currency:   stripe.String(currencyUSD),
				UnitAmount: stripe.Int64(spec.PriceCents),
			},
		}
		if spec.ImageURL != "" {
			params.Images = stripe.StringSlice([]string{spec.ImageURL})
		}
		params.Context = ctx
		params.SetIdempotencyKey(idempotencyKey("product.create", name, strconv.FormatInt(spec.PriceCents, 10)))
		if g.account != "" {
			params.SetStripeAccount(g.account)
		}
		created, err := g.api.products.New(params)
		if err != nil {
			return ProductRef{}, fmt.Errorf("stripe: create product: %w", err)
		}
		g.logger(ctx, "payments.stripe.product.created", map[string]any{"product": created.ID, "name": name})
		return productRef(created), nil
	}

	if existing.Description == spec.Description && sameImages(existing.Images, spec.ImageURL) {
		return productRef(existing), nil
	}
	params := &stripe.ProductParams{Description: stripe.String(spec.Description)}
	if spec.ImageURL != "" {
		params.Images = stripe.StringSlice([]string{spec.ImageURL})
	}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	updated, err := g.api.products.Update(existing.ID, params)
	if err != nil {
		return ProductRef{}, fmt.Errorf("stripe: update product: %w", err)
	}
	g.logger(ctx, "payments.stripe.product.updated", map[string]any{"product": updated.ID, "name": name})
	return productRef(updated), nil
}

// CreatePromotionCode creates a one-off coupon and the customer facing promotion code for it.
func (g *StripeGateway) CreatePromotionCode(ctx context.Context, spec PromotionSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	coupon := &stripe.CouponParams{
		Duration: stripe.String(string(stripe.CouponDurationOnce)),
		Name:     stripe.String(spec.Code),
	}
	if spec.AmountOffCents != nil {
		coupon.AmountOff = stripe.Int64(*spec.AmountOffCents)
		coupon.Currency = stripe.String(currencyUSD)
	} else {
		coupon.PercentOff = stripe.Float64(*spec.PercentOff)
	}
	if spec.MaxRedemptions > 0 {
		coupon.MaxRedemptions = stripe.Int64(spec.MaxRedemptions)
	}
	coupon.Context = ctx
	coupon.SetIdempotencyKey(idempotencyKey("coupon.create", spec.Code))
	if g.account != "" {
		coupon.SetStripeAccount(g.account)
	}
	createdCoupon, err := g.api.coupons.New(coupon)
	if err != nil {
		return "", fmt.Errorf("stripe: create coupon: %w", err)
	}

	promo := &stripe.PromotionCodeParams{
		Coupon: stripe.String(createdCoupon.ID),
		Code:   stripe.String(spec.Code),
		Active: stripe.Bool(true),
	}
	if spec.MaxRedemptions > 0 {
		promo.MaxRedemptions = stripe.Int64(spec.MaxRedemptions)
	}
	promo.Context = ctx
	promo.SetIdempotencyKey(idempotencyKey("promotion.create", spec.Code))
	if g.account != "" {
		promo.SetStripeAccount(g.account)
	}
	created, err := g.api.promotions.New(promo)
	if err != nil {
		return "", fmt.Errorf("stripe: create promotion code: %w", err)
	}
	g.logger(ctx, "payments.stripe.promotion.created", map[string]any{
		"promotionCode": created.ID,
		"coupon":        createdCoupon.ID,
	})
	return created.ID, nil
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	md := make(map[string]string, len(intent.Metadata))
	for k, v := range intent.Metadata {
		md[k] = v
	}
	return Intent{
		ID:                  intent.ID,
		ClientSecret:        intent.ClientSecret,
		AmountCents:         intent.Amount,
		AmountReceivedCents: intent.AmountReceived,
		Status:              IntentStatus(intent.Status),
		Metadata:            md,
	}
}

func productRef(p *stripe.Product) ProductRef {
	ref := ProductRef{ProductID: p.ID}
	if p.DefaultPrice != nil {
		ref.PriceID = p.DefaultPrice.ID
	}
	return ref
}

func sameImages(images []string, imageURL string) bool {
	if imageURL == "" {
		return len(images) == 0
	}
	return len(images) == 1 && images[0] == imageURL
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing
}

var idempotencyNamespace = uuid.MustParse("6f1c2f1e-8a3b-4c47-9a55-3c1c8f0e2d10")

// idempotencyKey derives a stable key from the request parts.
func idempotencyKey(parts ...string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

