package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rasoibox/api/internal/platform/auth"
	"github.com/rasoibox/api/internal/platform/httpx"
	"github.com/rasoibox/api/internal/services"
)

const maxInvitationRequestBody = 2 * 1024

// MeHandlers exposes the signed-in customer's referral rewards and invitations.
type MeHandlers struct {
	authn     *auth.Authenticator
	referrals services.ReferralService
}

func NewMeHandlers(authn *auth.Authenticator, referrals services.ReferralService) *MeHandlers {
	return &MeHandlers{authn: authn, referrals: referrals}
}

// Routes wires the /me endpoints onto the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireCustomer())
	}
	r.Get("/rewards", h.listRewards)
	r.Post("/invitations", h.invite)
}

type inviteRequest struct {
	Email string `json:"email"`
}

type inviteResponse struct {
	Invitation   invitationPayload `json:"invitation"`
	DiscountCode discountPayload   `json:"discountCode"`
}

type invitationPayload struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	CompletedAt string `json:"completedAt,omitempty"`
}

type rewardsResponse struct {
	Redeemable  []discountPayload   `json:"redeemable"`
	Redeemed    []discountPayload   `json:"redeemed"`
	Invitations []invitationPayload `json:"invitations"`
}

func (h *MeHandlers) listRewards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.referrals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("referral_service_unavailable", "referral service unavailable", http.StatusServiceUnavailable))
		return
	}
	customerID := auth.CustomerID(ctx)
	if customerID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	rewards, err := h.referrals.ListRewards(ctx, customerID)
	if err != nil {
		writeReferralError(ctx, w, err)
		return
	}

	resp := rewardsResponse{
		Redeemable:  make([]discountPayload, 0, len(rewards.Redeemable)),
		Redeemed:    make([]discountPayload, 0, len(rewards.Redeemed)),
		Invitations: make([]invitationPayload, 0, len(rewards.Invitations)),
	}
	for _, code := range rewards.Redeemable {
		resp.Redeemable = append(resp.Redeemable, newDiscountPayload(code))
	}
	for _, code := range rewards.Redeemed {
		resp.Redeemed = append(resp.Redeemed, newDiscountPayload(code))
	}
	for _, inv := range rewards.Invitations {
		resp.Invitations = append(resp.Invitations, newInvitationPayload(inv))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *MeHandlers) invite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.referrals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("referral_service_unavailable", "referral service unavailable", http.StatusServiceUnavailable))
		return
	}
	customerID := auth.CustomerID(ctx)
	if customerID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	var req inviteRequest
	if !decodeJSONBody(w, r, maxInvitationRequestBody, false, &req) {
		return
	}

	sent, err := h.referrals.Invite(ctx, services.InviteCommand{ReferrerID: customerID, Email: req.Email})
	if err != nil {
		writeReferralError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, inviteResponse{
		Invitation:   newInvitationPayload(sent.Invitation),
		DiscountCode: newDiscountPayload(sent.DiscountCode),
	})
}

func newInvitationPayload(inv services.Invitation) invitationPayload {
	return invitationPayload{
		ID:          inv.ID,
		Email:       inv.Email,
		Status:      string(inv.Status),
		CreatedAt:   formatTime(inv.CreatedAt),
		CompletedAt: formatTimePtr(inv.CompletedAt),
	}
}

func writeReferralError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrReferralValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReferralConflict):
		httpx.WriteError(ctx, w, httpx.NewError("invitation_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrReferralNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("customer_not_found", "customer not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReferralGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment provider request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrReferralUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("referral_service_unavailable", "referral service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("referral_error", "referral request failed", http.StatusInternalServerError))
	}
}
