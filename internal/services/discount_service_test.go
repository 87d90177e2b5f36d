package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
)

func newDiscountFixture(t *testing.T) (*checkoutFixture, DiscountService) {
	t.Helper()
	f := newCheckoutFixture(t, nil)
	svc, err := NewDiscountService(DiscountServiceDeps{
		Discounts: f.store.Discounts(),
		Customers: f.store.Customers(),
		Gateway:   f.gateway,
		Clock:     f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewDiscountService: %v", err)
	}
	return f, svc
}

func TestDiscountServiceCreateDiscount(t *testing.T) {
	f, svc := newDiscountFixture(t)
	ctx := context.Background()

	code, err := svc.CreateDiscount(ctx, CreateDiscountCommand{Name: " welcome10 ", PercentOff: percentOff(10), MaxRedemptions: 100})
	if err != nil {
		t.Fatalf("CreateDiscount: %v", err)
	}
	if code.Name != "WELCOME10" || code.GatewayRef == "" || !code.Active {
		t.Fatalf("unexpected code %+v", code)
	}
	spec, ok := f.gateway.Promotion("WELCOME10")
	if !ok || spec.MaxRedemptions != 100 || spec.PercentOff == nil {
		t.Fatalf("expected promotion mirrored to gateway, got %+v", spec)
	}
	stored, err := f.store.Discounts().FindByName(ctx, "WELCOME10")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if stored.GatewayRef != code.GatewayRef {
		t.Fatalf("expected stored gateway ref %s, got %s", code.GatewayRef, stored.GatewayRef)
	}

	if _, err := svc.CreateDiscount(ctx, CreateDiscountCommand{Name: "WELCOME10", AmountOffCents: amountOff(100)}); !errors.Is(err, ErrDiscountConflict) {
		t.Fatalf("expected conflict for existing name, got %v", err)
	}
}

func TestDiscountServiceCreateDiscountValidation(t *testing.T) {
	f, svc := newDiscountFixture(t)
	past := f.clock.Now().Add(-time.Hour)
	blank := " "
	cases := map[string]CreateDiscountCommand{
		"no name":         {AmountOffCents: amountOff(100)},
		"both values":     {Name: "X", AmountOffCents: amountOff(100), PercentOff: percentOff(5)},
		"neither value":   {Name: "X"},
		"percent too big": {Name: "X", PercentOff: percentOff(150)},
		"expired":         {Name: "X", AmountOffCents: amountOff(100), ExpiresAt: &past},
		"blank identity":  {Name: "X", AmountOffCents: amountOff(100), EligibleIdentity: &blank},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.CreateDiscount(context.Background(), cmd); !errors.Is(err, ErrDiscountInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestDiscountServiceCreateDiscountGatewayFailure(t *testing.T) {
	f, svc := newDiscountFixture(t)
	f.gateway.FailNext("promotion", errors.New("boom"))
	if _, err := svc.CreateDiscount(context.Background(), CreateDiscountCommand{Name: "SAVE5", AmountOffCents: amountOff(500)}); !errors.Is(err, ErrDiscountGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if _, err := f.store.Discounts().FindByName(context.Background(), "SAVE5"); err == nil {
		t.Fatalf("expected no local code after gateway failure")
	}
}

func TestDiscountServiceCheckValidity(t *testing.T) {
	f, svc := newDiscountFixture(t)
	ctx := context.Background()
	expired := f.clock.Now().Add(-time.Minute)
	mine := "VC1"
	theirs := "VC9"
	f.seedDiscount(t, domain.DiscountCode{Name: "SAVE5", AmountOffCents: amountOff(500)})
	f.seedDiscount(t, domain.DiscountCode{Name: "OLD", AmountOffCents: amountOff(500), ExpiresAt: &expired})
	f.seedDiscount(t, domain.DiscountCode{Name: "THEIRS", AmountOffCents: amountOff(500), EligibleIdentity: &theirs})
	f.seedDiscount(t, domain.DiscountCode{Name: "USED", AmountOffCents: amountOff(500), EligibleIdentity: &mine, Redemptions: 1})

	cases := []struct {
		name   string
		code   string
		valid  bool
		reason string
	}{
		{name: "open code", code: "save5", valid: true},
		{name: "unknown", code: "NOPE", reason: DiscountReasonUnknown},
		{name: "expired", code: "OLD", reason: DiscountReasonExpired},
		{name: "ineligible", code: "THEIRS", reason: DiscountReasonIneligible},
		{name: "single use spent", code: "USED", reason: DiscountReasonRedeemed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.CheckValidity(ctx, DiscountValidityQuery{Name: tc.code, CustomerID: "cust_1"})
			if err != nil {
				t.Fatalf("CheckValidity: %v", err)
			}
			if got.Valid != tc.valid || got.Reason != tc.reason {
				t.Fatalf("expected valid=%v reason=%q, got %+v", tc.valid, tc.reason, got)
			}
		})
	}

	if _, err := svc.CheckValidity(ctx, DiscountValidityQuery{Name: "SAVE5", CustomerID: "missing"}); !errors.Is(err, ErrDiscountNotFound) {
		t.Fatalf("expected unknown customer error, got %v", err)
	}
}
