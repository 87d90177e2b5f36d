package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/services"
)

type stubReferralService struct {
	listFunc   func(context.Context, string) (services.Rewards, error)
	inviteFunc func(context.Context, services.InviteCommand) (services.InvitationSent, error)
}

func (s *stubReferralService) Invite(ctx context.Context, cmd services.InviteCommand) (services.InvitationSent, error) {
	if s.inviteFunc != nil {
		return s.inviteFunc(ctx, cmd)
	}
	return services.InvitationSent{}, nil
}

func (s *stubReferralService) CompleteForCustomer(context.Context, services.Customer) error {
	return nil
}

func (s *stubReferralService) ListRewards(ctx context.Context, customerID string) (services.Rewards, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, customerID)
	}
	return services.Rewards{}, nil
}

func TestMeHandlersListRewards(t *testing.T) {
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	off := int64(1000)
	identity := "VCR"
	router := chi.NewRouter()
	NewMeHandlers(nil, &stubReferralService{
		listFunc: func(_ context.Context, customerID string) (services.Rewards, error) {
			if customerID != "cust_1" {
				t.Fatalf("unexpected customer %s", customerID)
			}
			return services.Rewards{
				Redeemable:  []services.DiscountCode{{Name: "MEERA0111", AmountOffCents: &off, EligibleIdentity: &identity, Active: true}},
				Redeemed:    []services.DiscountCode{{Name: "MEERA0222", AmountOffCents: &off, Redemptions: 1}},
				Invitations: []services.Invitation{{ID: "inv_1", Email: "asha@example.com", Status: domain.InvitationStatusPending, CreatedAt: created}},
			}, nil
		},
	}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, customerRequest(http.MethodGet, "/rewards", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp rewardsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Redeemable) != 1 || resp.Redeemable[0].AmountOff != "10.00" || resp.Redeemable[0].EligibleIdentity != "VCR" {
		t.Fatalf("unexpected redeemable %+v", resp.Redeemable)
	}
	if len(resp.Redeemed) != 1 || resp.Redeemed[0].Redemptions != 1 {
		t.Fatalf("unexpected redeemed %+v", resp.Redeemed)
	}
	if len(resp.Invitations) != 1 || resp.Invitations[0].CreatedAt != "2024-06-01T09:00:00Z" {
		t.Fatalf("unexpected invitations %+v", resp.Invitations)
	}
}

func TestMeHandlersListRewardsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: services.ErrReferralNotFound, status: http.StatusNotFound},
		{err: services.ErrReferralUnavailable, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		router := chi.NewRouter()
		NewMeHandlers(nil, &stubReferralService{
			listFunc: func(context.Context, string) (services.Rewards, error) {
				return services.Rewards{}, tc.err
			},
		}).Routes(router)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, customerRequest(http.MethodGet, "/rewards", ""))
		if rr.Code != tc.status {
			t.Fatalf("error %v: expected status %d, got %d", tc.err, tc.status, rr.Code)
		}
	}

	router := chi.NewRouter()
	NewMeHandlers(nil, &stubReferralService{}).Routes(router)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/rewards", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestMeHandlersInvite(t *testing.T) {
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	off := int64(1000)
	identity := "verify-new"
	var captured services.InviteCommand
	router := chi.NewRouter()
	NewMeHandlers(nil, &stubReferralService{
		inviteFunc: func(_ context.Context, cmd services.InviteCommand) (services.InvitationSent, error) {
			captured = cmd
			return services.InvitationSent{
				Invitation:   services.Invitation{ID: "inv_9", Email: "friend@example.com", Status: domain.InvitationStatusPending, CreatedAt: created},
				DiscountCode: services.DiscountCode{Name: "ASHA0F00", AmountOffCents: &off, EligibleIdentity: &identity, Active: true},
			}, nil
		},
	}).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, customerRequest(http.MethodPost, "/invitations", `{"email":"Friend@Example.com"}`))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ReferrerID != "cust_1" || captured.Email != "Friend@Example.com" {
		t.Fatalf("unexpected command %+v", captured)
	}
	var resp inviteResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Invitation.ID != "inv_9" || resp.Invitation.Status != "pending" {
		t.Fatalf("unexpected invitation %+v", resp.Invitation)
	}
	if resp.DiscountCode.Name != "ASHA0F00" || resp.DiscountCode.AmountOff != "10.00" {
		t.Fatalf("unexpected discount code %+v", resp.DiscountCode)
	}
}

func TestMeHandlersInviteErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: fmt.Errorf("%w: invalid email", services.ErrReferralValidation), status: http.StatusBadRequest, code: "invalid_request"},
		{err: fmt.Errorf("%w: already a customer", services.ErrReferralConflict), status: http.StatusConflict, code: "invitation_conflict"},
		{err: services.ErrReferralNotFound, status: http.StatusNotFound, code: "customer_not_found"},
		{err: services.ErrReferralGateway, status: http.StatusBadGateway, code: "payment_gateway_error"},
	}
	for _, tc := range cases {
		router := chi.NewRouter()
		NewMeHandlers(nil, &stubReferralService{
			inviteFunc: func(context.Context, services.InviteCommand) (services.InvitationSent, error) {
				return services.InvitationSent{}, tc.err
			},
		}).Routes(router)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, customerRequest(http.MethodPost, "/invitations", `{"email":"friend@example.com"}`))
		if rr.Code != tc.status {
			t.Fatalf("error %v: expected status %d, got %d", tc.err, tc.status, rr.Code)
		}
		var errResp map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if errResp["error"] != tc.code {
			t.Fatalf("error %v: expected code %s, got %#v", tc.err, tc.code, errResp["error"])
		}
	}
}
