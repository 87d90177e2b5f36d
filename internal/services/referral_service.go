package services

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/payments"
	"github.com/rasoibox/api/internal/repositories"
)

const (
	defaultReferralRewardCents = 1000
	maxReferralCodeAttempts    = 3
	referralCodeSuffixRange    = 10_000
)

var (
	// ErrReferralNotFound indicates the customer does not exist.
	ErrReferralNotFound = errors.New("referral: not found")
	// ErrReferralGateway indicates minting the reward on the gateway failed.
	ErrReferralGateway = errors.New("referral: payment gateway failure")
	// ErrReferralUnavailable indicates a backing store is unavailable.
	ErrReferralUnavailable = errors.New("referral: unavailable")
	// ErrReferralValidation indicates an invitation request failed validation.
	ErrReferralValidation = errors.New("referral: invalid request")
	// ErrReferralConflict indicates the invitee is already a customer or already invited.
	ErrReferralConflict = errors.New("referral: conflict")
)

// InvitationSentMessage is the outbox payload queued when a customer invites someone. The relay turns it
// into the invitation email.
type InvitationSentMessage struct {
	InvitationID      string `json:"invitationId"`
	ReferrerID        string `json:"referrerId"`
	ReferrerFirstName string `json:"referrerFirstName"`
	Email             string `json:"email"`
	DiscountCode      string `json:"discountCode"`
	AmountOffCents    int64  `json:"amountOffCents"`
	SignupURL         string `json:"signupUrl,omitempty"`
}

// ReferralCompletedMessage is the outbox payload queued when a referred customer places a first order.
type ReferralCompletedMessage struct {
	InvitationID      string `json:"invitationId"`
	ReferrerID        string `json:"referrerId"`
	ReferrerEmail     string `json:"referrerEmail"`
	ReferrerFirstName string `json:"referrerFirstName"`
	RefereeFirstName  string `json:"refereeFirstName"`
	DiscountCode      string `json:"discountCode"`
	AmountOffCents    int64  `json:"amountOffCents"`
}

// ReferralServiceDeps wires referral rewards.
type ReferralServiceDeps struct {
	Invitations repositories.InvitationRepository
	Customers   repositories.CustomerRepository
	Discounts   repositories.DiscountRepository
	Outbox      repositories.OutboxRepository
	UnitOfWork  repositories.UnitOfWork
	Gateway     payments.Gateway

	RewardCents int64
	// SignupBaseURL prefixes the signup link carried by invitation messages.
	SignupBaseURL string
	Clock         func() time.Time
	Logger        func(context.Context, string, map[string]any)
	CodeGenerator func(firstName string) (string, error)
	// VerificationCodeGenerator mints the invitee's verification code; defaults to a UUID.
	VerificationCodeGenerator func() (string, error)
	IDGenerator               func() string
}

type referralService struct {
	invitations repositories.InvitationRepository
	customers   repositories.CustomerRepository
	discounts   repositories.DiscountRepository
	outbox      repositories.OutboxRepository
	uow         repositories.UnitOfWork
	gateway     payments.Gateway

	rewardCents     int64
	signupBase      string
	now             func() time.Time
	logger          func(context.Context, string, map[string]any)
	newCode         func(string) (string, error)
	newVerification func() (string, error)
	newID           func() string
}

// NewReferralService constructs a ReferralService.
func NewReferralService(deps ReferralServiceDeps) (ReferralService, error) {
	switch {
	case deps.Invitations == nil:
		return nil, errors.New("referral service: invitation repository is required")
	case deps.Customers == nil:
		return nil, errors.New("referral service: customer repository is required")
	case deps.Discounts == nil:
		return nil, errors.New("referral service: discount repository is required")
	case deps.Outbox == nil:
		return nil, errors.New("referral service: outbox repository is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("referral service: unit of work is required")
	case deps.Gateway == nil:
		return nil, errors.New("referral service: payment gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	reward := deps.RewardCents
	if reward <= 0 {
		reward = defaultReferralRewardCents
	}
	newCode := deps.CodeGenerator
	if newCode == nil {
		newCode = referralCode
	}
	newVerification := deps.VerificationCodeGenerator
	if newVerification == nil {
		newVerification = func() (string, error) { return uuid.NewString(), nil }
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return "inv_" + strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &referralService{
		invitations: deps.Invitations,
		customers:   deps.Customers,
		discounts:   deps.Discounts,
		outbox:      deps.Outbox,
		uow:         deps.UnitOfWork,
		gateway:     deps.Gateway,
		rewardCents: reward,
		signupBase:  strings.TrimRight(strings.TrimSpace(deps.SignupBaseURL), "/"),
		now: func() time.Time {
			return clock().UTC()
		},
		logger:          logger,
		newCode:         newCode,
		newVerification: newVerification,
		newID:           newID,
	}, nil
}

// Invite sends an invitation from a verified customer to someone who has not signed up yet. The invitee
// gets a new verification code and a single-use welcome code redeemable only under it. The invitation,
// the code and the invitation email message are stored together; the email itself is best effort.
func (s *referralService) Invite(ctx context.Context, cmd InviteCommand) (InvitationSent, error) {
	email, err := normaliseEmail(cmd.Email)
	if err != nil {
		return InvitationSent{}, err
	}
	referrerID := strings.TrimSpace(cmd.ReferrerID)
	if referrerID == "" {
		return InvitationSent{}, fmt.Errorf("%w: customer id is required", ErrReferralNotFound)
	}
	referrer, err := s.customers.FindByID(ctx, referrerID)
	if err != nil {
		return InvitationSent{}, s.repoError(err)
	}
	if !referrer.Verified {
		return InvitationSent{}, fmt.Errorf("%w: customer %s is not verified", ErrReferralNotFound, referrer.ID)
	}
	if strings.EqualFold(strings.TrimSpace(referrer.Email), email) {
		return InvitationSent{}, fmt.Errorf("%w: customers cannot invite themselves", ErrReferralValidation)
	}
	if _, err := s.customers.FindByEmail(ctx, email); err == nil {
		return InvitationSent{}, fmt.Errorf("%w: %s is already a customer", ErrReferralConflict, email)
	} else if !repositories.IsNotFound(err) {
		return InvitationSent{}, s.repoError(err)
	}

	verification, err := s.newVerification()
	if err != nil {
		return InvitationSent{}, fmt.Errorf("referral: generate verification code: %w", err)
	}
	name, ref, err := s.mintReward(ctx, referrer)
	if err != nil {
		return InvitationSent{}, err
	}

	now := s.now()
	amount := s.rewardCents
	invitation := domain.Invitation{
		ID:                 s.newID(),
		ReferrerCustomerID: referrer.ID,
		Email:              email,
		VerificationCode:   verification,
		Status:             domain.InvitationStatusPending,
		CreatedAt:          now,
	}
	discount := domain.DiscountCode{
		Name:             name,
		GatewayRef:       ref,
		AmountOffCents:   &amount,
		EligibleIdentity: &verification,
		Active:           true,
		CreatedAt:        now,
	}
	sent := InvitationSentMessage{
		InvitationID:      invitation.ID,
		ReferrerID:        referrer.ID,
		ReferrerFirstName: referrer.FirstName,
		Email:             email,
		DiscountCode:      name,
		AmountOffCents:    amount,
	}
	if s.signupBase != "" {
		sent.SignupURL = s.signupBase + "/signup?id=" + verification
	}
	payload, err := json.Marshal(sent)
	if err != nil {
		return InvitationSent{}, fmt.Errorf("referral: encode message: %w", err)
	}
	msg := domain.OutboxMessage{
		ID:      uuid.NewString(),
		Topic:   domain.OutboxTopicInvitationSent,
		Key:     invitation.ID,
		Payload: payload,
		Attributes: map[string]string{
			"invitationId": invitation.ID,
			"referrerId":   referrer.ID,
		},
		Status:    domain.OutboxStatusPending,
		CreatedAt: now,
	}

	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.invitations.Insert(txCtx, invitation); err != nil {
			return err
		}
		if err := s.discounts.Insert(txCtx, discount); err != nil {
			return err
		}
		return s.outbox.Enqueue(txCtx, msg)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrInvitationExists) {
			// The minted promotion stays unused on the gateway.
			s.logger(ctx, "referral.invite_duplicate", map[string]any{
				"referrerId":   referrer.ID,
				"discountCode": name,
			})
			return InvitationSent{}, fmt.Errorf("%w: %s already has a pending invitation", ErrReferralConflict, email)
		}
		return InvitationSent{}, s.repoError(err)
	}
	s.logger(ctx, "referral.invited", map[string]any{
		"invitationId": invitation.ID,
		"referrerId":   referrer.ID,
		"discountCode": name,
	})
	return InvitationSent{Invitation: invitation, DiscountCode: discount}, nil
}

// CompleteForCustomer rewards whoever invited the customer. Customers without a pending invitation
// are ignored.
func (s *referralService) CompleteForCustomer(ctx context.Context, customer Customer) error {
	if strings.TrimSpace(customer.VerificationCode) == "" {
		return nil
	}
	invitation, err := s.invitations.FindPendingByVerificationCode(ctx, customer.VerificationCode)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil
		}
		return s.repoError(err)
	}
	referrer, err := s.customers.FindByID(ctx, invitation.ReferrerCustomerID)
	if err != nil {
		return s.repoError(err)
	}

	name, ref, err := s.mintReward(ctx, referrer)
	if err != nil {
		return err
	}

	now := s.now()
	amount := s.rewardCents
	identity := referrer.VerificationCode
	discount := domain.DiscountCode{
		Name:             name,
		GatewayRef:       ref,
		AmountOffCents:   &amount,
		EligibleIdentity: &identity,
		Active:           true,
		CreatedAt:        now,
	}
	payload, err := json.Marshal(ReferralCompletedMessage{
		InvitationID:      invitation.ID,
		ReferrerID:        referrer.ID,
		ReferrerEmail:     referrer.Email,
		ReferrerFirstName: referrer.FirstName,
		RefereeFirstName:  customer.FirstName,
		DiscountCode:      name,
		AmountOffCents:    amount,
	})
	if err != nil {
		return fmt.Errorf("referral: encode message: %w", err)
	}
	msg := domain.OutboxMessage{
		ID:      uuid.NewString(),
		Topic:   domain.OutboxTopicReferralCompleted,
		Key:     invitation.ID,
		Payload: payload,
		Attributes: map[string]string{
			"invitationId": invitation.ID,
			"referrerId":   referrer.ID,
		},
		Status:    domain.OutboxStatusPending,
		CreatedAt: now,
	}

	err = s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.invitations.MarkCompleted(txCtx, invitation.ID, now); err != nil {
			return err
		}
		if err := s.discounts.Insert(txCtx, discount); err != nil {
			return err
		}
		return s.outbox.Enqueue(txCtx, msg)
	})
	if err != nil {
		return s.repoError(err)
	}
	s.logger(ctx, "referral.completed", map[string]any{
		"invitationId": invitation.ID,
		"referrerId":   referrer.ID,
		"discountCode": name,
	})
	return nil
}

// mintReward creates the single-use promotion on the gateway, retrying with a fresh code when the
// generated name is already registered locally.
func (s *referralService) mintReward(ctx context.Context, referrer Customer) (string, string, error) {
	amount := s.rewardCents
	for attempt := 0; attempt < maxReferralCodeAttempts; attempt++ {
		name, err := s.newCode(referrer.FirstName)
		if err != nil {
			return "", "", fmt.Errorf("referral: generate code: %w", err)
		}
		if _, err := s.discounts.FindByName(ctx, name); err == nil {
			continue
		} else if !repositories.IsNotFound(err) {
			return "", "", s.repoError(err)
		}
		ref, err := s.gateway.CreatePromotionCode(ctx, payments.PromotionSpec{
			Code:           name,
			AmountOffCents: &amount,
			MaxRedemptions: 1,
		})
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrReferralGateway, err)
		}
		return name, ref, nil
	}
	return "", "", fmt.Errorf("%w: could not allocate a unique reward code", ErrReferralUnavailable)
}

// ListRewards returns the codes minted for the customer and the invitations still awaiting a first order.
func (s *referralService) ListRewards(ctx context.Context, customerID string) (Rewards, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Rewards{}, fmt.Errorf("%w: customer id is required", ErrReferralNotFound)
	}
	customer, err := s.customers.FindByID(ctx, customerID)
	if err != nil {
		return Rewards{}, s.repoError(err)
	}
	codes, err := s.discounts.ListEligibleTo(ctx, customer.VerificationCode)
	if err != nil {
		return Rewards{}, s.repoError(err)
	}
	invitations, err := s.invitations.ListByReferrer(ctx, customer.ID)
	if err != nil {
		return Rewards{}, s.repoError(err)
	}

	rewards := Rewards{
		Redeemable:  make([]DiscountCode, 0, len(codes)),
		Redeemed:    make([]DiscountCode, 0),
		Invitations: make([]Invitation, 0, len(invitations)),
	}
	for _, code := range codes {
		if code.Redemptions == 0 {
			rewards.Redeemable = append(rewards.Redeemable, code)
		} else {
			rewards.Redeemed = append(rewards.Redeemed, code)
		}
	}
	for _, invitation := range invitations {
		if invitation.Status == domain.InvitationStatusPending {
			rewards.Invitations = append(rewards.Invitations, invitation)
		}
	}
	return rewards, nil
}

func (s *referralService) repoError(err error) error {
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrReferralNotFound, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrReferralUnavailable, err)
	default:
		return err
	}
}

func normaliseEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: email is required", ErrReferralValidation)
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", fmt.Errorf("%w: invalid email %q", ErrReferralValidation, trimmed)
	}
	return strings.ToLower(addr.Address), nil
}

// referralCode builds FIRSTNAME0XXXX: the referrer's first name, a zero, and a random hex suffix.
func referralCode(firstName string) (string, error) {
	var b strings.Builder
	for _, r := range firstName {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	n, err := rand.Int(rand.Reader, big.NewInt(referralCodeSuffixRange))
	if err != nil {
		return "", err
	}
	return strings.ToUpper(fmt.Sprintf("%s0%x", b.String(), n.Int64())), nil
}
