package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories/sqlstore"
)

func newReferralService(t *testing.T, f *checkoutFixture, codes ...string) ReferralService {
	t.Helper()
	next, verifications := 0, 0
	svc, err := NewReferralService(ReferralServiceDeps{
		Invitations:   f.store.Invitations(),
		Customers:     f.store.Customers(),
		Discounts:     f.store.Discounts(),
		Outbox:        f.store.Outbox(),
		UnitOfWork:    f.store,
		Gateway:       f.gateway,
		RewardCents:   1000,
		SignupBaseURL: "https://rasoibox.example.com/",
		Clock:         f.clock.Now,
		CodeGenerator: func(string) (string, error) {
			code := codes[next%len(codes)]
			next++
			return code, nil
		},
		VerificationCodeGenerator: func() (string, error) {
			verifications++
			return fmt.Sprintf("VNEW%d", verifications), nil
		},
	})
	if err != nil {
		t.Fatalf("NewReferralService: %v", err)
	}
	return svc
}

func seedReferral(t *testing.T, f *checkoutFixture) {
	t.Helper()
	f.seedCustomer(t, domain.Customer{ID: "cust_ref", Email: "meera@example.com", FirstName: "Meera", VerificationCode: "VCR", Verified: true})
	invitations := f.store.Invitations().(*sqlstore.InvitationRepository)
	err := invitations.Save(context.Background(), domain.Invitation{
		ID:                 "inv_1",
		ReferrerCustomerID: "cust_ref",
		Email:              "asha@example.com",
		VerificationCode:   "VC1",
		Status:             domain.InvitationStatusPending,
		CreatedAt:          f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("save invitation: %v", err)
	}
}

func TestReferralCodeFormat(t *testing.T) {
	code, err := referralCode("Meera-Jo")
	if err != nil {
		t.Fatalf("referralCode: %v", err)
	}
	if len(code) < len("MEERAJO0") || code[:8] != "MEERAJO0" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestReferralCompletedOnFirstOrder(t *testing.T) {
	base := newCheckoutFixture(t, nil)
	referrals := newReferralService(t, base, "MEERA0ABC")
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:     base.store.Orders(),
		Carts:      base.store.Carts(),
		Pricing:    base.store.Pricing(),
		Discounts:  base.store.Discounts(),
		Customers:  base.store.Customers(),
		Outbox:     base.store.Outbox(),
		UnitOfWork: base.store,
		Gateway:    base.gateway,
		Referrals:  referrals,
		Clock:      base.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	seedReferral(t, base)
	base.fillCart(t, "VC1")
	ctx := context.Background()

	if _, err := svc.InitiateCheckout(ctx, "cust_1"); err != nil {
		t.Fatalf("InitiateCheckout: %v", err)
	}
	order, err := svc.PriceAndAttach(ctx, base.priceCommand())
	if err != nil {
		t.Fatalf("PriceAndAttach: %v", err)
	}
	if _, err := base.gateway.Pay(order.PaymentIntentID); err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if _, err := svc.ConfirmCompletion(ctx, ConfirmCompletionCommand{OrderCode: order.Code, Source: ConfirmationSourceClient, CustomerID: "cust_1"}); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}

	reward, err := base.store.Discounts().FindByName(ctx, "MEERA0ABC")
	if err != nil {
		t.Fatalf("expected reward code: %v", err)
	}
	if reward.EligibleIdentity == nil || *reward.EligibleIdentity != "VCR" {
		t.Fatalf("expected reward restricted to referrer, got %+v", reward.EligibleIdentity)
	}
	if reward.AmountOffCents == nil || *reward.AmountOffCents != 1000 {
		t.Fatalf("expected 1000 cents off, got %+v", reward.AmountOffCents)
	}
	spec, ok := base.gateway.Promotion("MEERA0ABC")
	if !ok || spec.MaxRedemptions != 1 {
		t.Fatalf("expected single-use promotion on gateway, got %+v", spec)
	}
	if _, err := base.store.Invitations().FindPendingByVerificationCode(ctx, "VC1"); err == nil {
		t.Fatalf("expected invitation completed")
	}

	pending, err := base.store.Outbox().ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	var referral *domain.OutboxMessage
	for i := range pending {
		if pending[i].Topic == domain.OutboxTopicReferralCompleted {
			referral = &pending[i]
		}
	}
	if len(pending) != 2 || referral == nil {
		t.Fatalf("expected receipt and referral messages, got %+v", pending)
	}
	var msg ReferralCompletedMessage
	if err := json.Unmarshal(referral.Payload, &msg); err != nil {
		t.Fatalf("decode referral payload: %v", err)
	}
	if msg.DiscountCode != "MEERA0ABC" || msg.ReferrerEmail != "meera@example.com" || msg.RefereeFirstName != "Asha" {
		t.Fatalf("unexpected referral message %+v", msg)
	}

	rewards, err := referrals.ListRewards(ctx, "cust_ref")
	if err != nil {
		t.Fatalf("ListRewards: %v", err)
	}
	if len(rewards.Redeemable) != 1 || rewards.Redeemable[0].Name != "MEERA0ABC" || len(rewards.Redeemed) != 0 {
		t.Fatalf("unexpected rewards %+v", rewards)
	}
	if len(rewards.Invitations) != 0 {
		t.Fatalf("expected no pending invitations, got %+v", rewards.Invitations)
	}
}

func TestReferralCompleteWithoutInvitationIsNoop(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	svc := newReferralService(t, f, "ASHA0001")
	customer, err := f.store.Customers().FindByID(context.Background(), "cust_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if err := svc.CompleteForCustomer(context.Background(), customer); err != nil {
		t.Fatalf("CompleteForCustomer: %v", err)
	}
	if _, ok := f.gateway.Promotion("ASHA0001"); ok {
		t.Fatalf("expected no promotion minted")
	}
}

func TestReferralSkipsTakenCodes(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	seedReferral(t, f)
	f.seedDiscount(t, domain.DiscountCode{Name: "MEERA0AAA", AmountOffCents: amountOff(1000)})
	svc := newReferralService(t, f, "MEERA0AAA", "MEERA0BBB")

	customer, err := f.store.Customers().FindByID(context.Background(), "cust_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if err := svc.CompleteForCustomer(context.Background(), customer); err != nil {
		t.Fatalf("CompleteForCustomer: %v", err)
	}
	if _, err := f.store.Discounts().FindByName(context.Background(), "MEERA0BBB"); err != nil {
		t.Fatalf("expected second candidate used: %v", err)
	}
}

func TestReferralGatewayFailureLeavesInvitationPending(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	seedReferral(t, f)
	svc := newReferralService(t, f, "MEERA0CCC")
	f.gateway.FailNext("promotion", errors.New("stripe down"))

	customer, err := f.store.Customers().FindByID(context.Background(), "cust_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if err := svc.CompleteForCustomer(context.Background(), customer); !errors.Is(err, ErrReferralGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if _, err := f.store.Invitations().FindPendingByVerificationCode(context.Background(), "VC1"); err != nil {
		t.Fatalf("expected invitation still pending: %v", err)
	}
}

func TestReferralListRewardsSplitsRedeemed(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	seedReferral(t, f)
	svc := newReferralService(t, f, "UNUSED")
	identity := "VCR"
	f.seedDiscount(t, domain.DiscountCode{Name: "MEERA0111", AmountOffCents: amountOff(1000), EligibleIdentity: &identity})
	f.seedDiscount(t, domain.DiscountCode{Name: "MEERA0222", AmountOffCents: amountOff(1000), EligibleIdentity: &identity, Redemptions: 1})

	rewards, err := svc.ListRewards(context.Background(), "cust_ref")
	if err != nil {
		t.Fatalf("ListRewards: %v", err)
	}
	if len(rewards.Redeemable) != 1 || rewards.Redeemable[0].Name != "MEERA0111" {
		t.Fatalf("unexpected redeemable %+v", rewards.Redeemable)
	}
	if len(rewards.Redeemed) != 1 || rewards.Redeemed[0].Name != "MEERA0222" {
		t.Fatalf("unexpected redeemed %+v", rewards.Redeemed)
	}
	if len(rewards.Invitations) != 1 || rewards.Invitations[0].ID != "inv_1" {
		t.Fatalf("expected pending invitation listed, got %+v", rewards.Invitations)
	}
}

func TestReferralInviteThenCompleteRewardsReferrer(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	svc := newReferralService(t, f, "ASHA0A1", "ASHA0B2")
	ctx := context.Background()

	sent, err := svc.Invite(ctx, InviteCommand{ReferrerID: "cust_1", Email: " Friend@Example.com "})
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if sent.Invitation.Email != "friend@example.com" || sent.Invitation.VerificationCode != "VNEW1" ||
		sent.Invitation.Status != domain.InvitationStatusPending || sent.Invitation.ReferrerCustomerID != "cust_1" {
		t.Fatalf("unexpected invitation %+v", sent.Invitation)
	}

	welcome, err := f.store.Discounts().FindByName(ctx, "ASHA0A1")
	if err != nil {
		t.Fatalf("expected welcome code stored: %v", err)
	}
	if welcome.EligibleIdentity == nil || *welcome.EligibleIdentity != "VNEW1" {
		t.Fatalf("expected welcome code restricted to the invitee, got %+v", welcome.EligibleIdentity)
	}
	if welcome.AmountOffCents == nil || *welcome.AmountOffCents != 1000 {
		t.Fatalf("expected 1000 cents off, got %+v", welcome.AmountOffCents)
	}
	if spec, ok := f.gateway.Promotion("ASHA0A1"); !ok || spec.MaxRedemptions != 1 {
		t.Fatalf("expected single-use promotion on gateway, got %+v", spec)
	}

	pending, err := f.store.Outbox().ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Topic != domain.OutboxTopicInvitationSent || pending[0].Key != sent.Invitation.ID {
		t.Fatalf("expected one invitation message, got %+v", pending)
	}
	var msg InvitationSentMessage
	if err := json.Unmarshal(pending[0].Payload, &msg); err != nil {
		t.Fatalf("decode invitation payload: %v", err)
	}
	if msg.Email != "friend@example.com" || msg.DiscountCode != "ASHA0A1" || msg.ReferrerFirstName != "Asha" ||
		msg.SignupURL != "https://rasoibox.example.com/signup?id=VNEW1" {
		t.Fatalf("unexpected invitation message %+v", msg)
	}

	rewards, err := svc.ListRewards(ctx, "cust_1")
	if err != nil {
		t.Fatalf("ListRewards: %v", err)
	}
	if len(rewards.Invitations) != 1 || rewards.Invitations[0].ID != sent.Invitation.ID {
		t.Fatalf("expected the pending invitation listed, got %+v", rewards.Invitations)
	}

	f.seedCustomer(t, domain.Customer{ID: "cust_friend", Email: "friend@example.com", FirstName: "Ravi", VerificationCode: "VNEW1", Verified: true})
	friend, err := f.store.Customers().FindByID(ctx, "cust_friend")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if err := svc.CompleteForCustomer(ctx, friend); err != nil {
		t.Fatalf("CompleteForCustomer: %v", err)
	}
	reward, err := f.store.Discounts().FindByName(ctx, "ASHA0B2")
	if err != nil {
		t.Fatalf("expected referrer reward: %v", err)
	}
	if reward.EligibleIdentity == nil || *reward.EligibleIdentity != "VC1" {
		t.Fatalf("expected reward restricted to the referrer, got %+v", reward.EligibleIdentity)
	}
}

func TestReferralInviteRejections(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	f.seedCustomer(t, domain.Customer{ID: "cust_ref", Email: "meera@example.com", FirstName: "Meera", VerificationCode: "VCR", Verified: true})
	f.seedCustomer(t, domain.Customer{ID: "cust_new", Email: "new@example.com", FirstName: "Nia", VerificationCode: "VCN"})
	svc := newReferralService(t, f, "ASHA0C1", "ASHA0C2", "ASHA0C3", "ASHA0C4")
	ctx := context.Background()

	if _, err := svc.Invite(ctx, InviteCommand{ReferrerID: "cust_1", Email: "friend@example.com"}); err != nil {
		t.Fatalf("Invite: %v", err)
	}

	cases := []struct {
		name string
		cmd  InviteCommand
		want error
	}{
		{name: "blank email", cmd: InviteCommand{ReferrerID: "cust_1", Email: "  "}, want: ErrReferralValidation},
		{name: "malformed email", cmd: InviteCommand{ReferrerID: "cust_1", Email: "Friend <friend@example.com>"}, want: ErrReferralValidation},
		{name: "self", cmd: InviteCommand{ReferrerID: "cust_1", Email: "ASHA@example.com"}, want: ErrReferralValidation},
		{name: "existing customer", cmd: InviteCommand{ReferrerID: "cust_1", Email: "Meera@example.com"}, want: ErrReferralConflict},
		{name: "already invited", cmd: InviteCommand{ReferrerID: "cust_ref", Email: "FRIEND@example.com"}, want: ErrReferralConflict},
		{name: "unverified referrer", cmd: InviteCommand{ReferrerID: "cust_new", Email: "other@example.com"}, want: ErrReferralNotFound},
		{name: "unknown referrer", cmd: InviteCommand{ReferrerID: "cust_missing", Email: "other@example.com"}, want: ErrReferralNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Invite(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	invitations, err := f.store.Invitations().ListByReferrer(ctx, "cust_ref")
	if err != nil {
		t.Fatalf("ListByReferrer: %v", err)
	}
	if len(invitations) != 0 {
		t.Fatalf("expected no invitation stored for the rejected request, got %+v", invitations)
	}
}

func TestReferralInviteGatewayFailureStoresNothing(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	svc := newReferralService(t, f, "ASHA0D1")
	f.gateway.FailNext("promotion", errors.New("stripe down"))
	ctx := context.Background()

	if _, err := svc.Invite(ctx, InviteCommand{ReferrerID: "cust_1", Email: "friend@example.com"}); !errors.Is(err, ErrReferralGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	invitations, err := f.store.Invitations().ListByReferrer(ctx, "cust_1")
	if err != nil {
		t.Fatalf("ListByReferrer: %v", err)
	}
	if len(invitations) != 0 {
		t.Fatalf("expected no invitation after gateway failure, got %+v", invitations)
	}
	if pending, err := f.store.Outbox().ListPending(ctx, 10); err != nil || len(pending) != 0 {
		t.Fatalf("expected empty outbox, got %+v %v", pending, err)
	}
}
