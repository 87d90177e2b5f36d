package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/payments"
	"github.com/rasoibox/api/internal/repositories"
)

var (
	// ErrDiscountInvalidInput indicates a malformed discount definition or query.
	ErrDiscountInvalidInput = errors.New("discount: invalid input")
	// ErrDiscountNotFound indicates the code or customer does not exist.
	ErrDiscountNotFound = errors.New("discount: not found")
	// ErrDiscountConflict indicates a code with the same name already exists.
	ErrDiscountConflict = errors.New("discount: conflict")
	// ErrDiscountGateway indicates the payment gateway rejected the promotion.
	ErrDiscountGateway = errors.New("discount: payment gateway failure")
	// ErrDiscountUnavailable indicates the discount store is unavailable.
	ErrDiscountUnavailable = errors.New("discount: unavailable")
)

// Reasons reported by CheckValidity.
const (
	DiscountReasonUnknown    = "unknown"
	DiscountReasonInactive   = "inactive"
	DiscountReasonExpired    = "expired"
	DiscountReasonIneligible = "ineligible"
	DiscountReasonRedeemed   = "redeemed"
)

// DiscountServiceDeps wires the discount registry.
type DiscountServiceDeps struct {
	Discounts repositories.DiscountRepository
	Customers repositories.CustomerRepository
	Gateway   payments.Gateway
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

type discountService struct {
	discounts repositories.DiscountRepository
	customers repositories.CustomerRepository
	gateway   payments.Gateway
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewDiscountService constructs a DiscountService.
func NewDiscountService(deps DiscountServiceDeps) (DiscountService, error) {
	if deps.Discounts == nil {
		return nil, errors.New("discount service: discount repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("discount service: customer repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("discount service: payment gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &discountService{
		discounts: deps.Discounts,
		customers: deps.Customers,
		gateway:   deps.Gateway,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateDiscount mirrors the code to the gateway as a promotion code and registers it locally.
func (s *discountService) CreateDiscount(ctx context.Context, cmd CreateDiscountCommand) (DiscountCode, error) {
	now := s.now()
	code := domain.DiscountCode{
		Name:           strings.ToUpper(strings.TrimSpace(cmd.Name)),
		AmountOffCents: cmd.AmountOffCents,
		PercentOff:     cmd.PercentOff,
		ExpiresAt:      cmd.ExpiresAt,
		Active:         true,
		CreatedAt:      now,
	}
	if cmd.EligibleIdentity != nil {
		identity := strings.TrimSpace(*cmd.EligibleIdentity)
		if identity == "" {
			return DiscountCode{}, fmt.Errorf("%w: eligible identity must not be blank", ErrDiscountInvalidInput)
		}
		code.EligibleIdentity = &identity
	}
	if err := code.Validate(); err != nil {
		return DiscountCode{}, fmt.Errorf("%w: %v", ErrDiscountInvalidInput, err)
	}
	if code.ExpiresAt != nil {
		expires := code.ExpiresAt.UTC()
		if !expires.After(now) {
			return DiscountCode{}, fmt.Errorf("%w: expiry must be in the future", ErrDiscountInvalidInput)
		}
		code.ExpiresAt = &expires
	}
	if cmd.MaxRedemptions < 0 {
		return DiscountCode{}, fmt.Errorf("%w: max redemptions must not be negative", ErrDiscountInvalidInput)
	}

	if _, err := s.discounts.FindByName(ctx, code.Name); err == nil {
		return DiscountCode{}, fmt.Errorf("%w: discount %s already exists", ErrDiscountConflict, code.Name)
	} else if !repositories.IsNotFound(err) {
		return DiscountCode{}, s.repoError(err)
	}

	ref, err := s.gateway.CreatePromotionCode(ctx, payments.PromotionSpec{
		Code:           code.Name,
		AmountOffCents: code.AmountOffCents,
		PercentOff:     code.PercentOff,
		MaxRedemptions: cmd.MaxRedemptions,
	})
	if err != nil {
		s.logger(ctx, "discount.gateway_failed", map[string]any{"name": code.Name, "error": err.Error()})
		return DiscountCode{}, fmt.Errorf("%w: %v", ErrDiscountGateway, err)
	}
	code.GatewayRef = ref

	if err := s.discounts.Insert(ctx, code); err != nil {
		return DiscountCode{}, s.repoError(err)
	}
	s.logger(ctx, "discount.created", map[string]any{"name": code.Name, "gatewayRef": ref})
	return code, nil
}

// CheckValidity reports whether the customer could apply the code right now.
func (s *discountService) CheckValidity(ctx context.Context, query DiscountValidityQuery) (DiscountValidity, error) {
	name := strings.ToUpper(strings.TrimSpace(query.Name))
	if name == "" {
		return DiscountValidity{}, fmt.Errorf("%w: discount name is required", ErrDiscountInvalidInput)
	}
	identity := ""
	if customerID := strings.TrimSpace(query.CustomerID); customerID != "" {
		customer, err := s.customers.FindByID(ctx, customerID)
		if err != nil {
			return DiscountValidity{}, s.repoError(err)
		}
		identity = customer.VerificationCode
	}

	code, err := s.discounts.FindByName(ctx, name)
	if err != nil {
		if repositories.IsNotFound(err) {
			return DiscountValidity{Code: DiscountCode{Name: name}, Valid: false, Reason: DiscountReasonUnknown}, nil
		}
		return DiscountValidity{}, s.repoError(err)
	}

	result := DiscountValidity{Code: code, Valid: true}
	now := s.now()
	switch {
	case !code.Active:
		result.Valid, result.Reason = false, DiscountReasonInactive
	case code.ExpiresAt != nil && !now.Before(*code.ExpiresAt):
		result.Valid, result.Reason = false, DiscountReasonExpired
	case !code.RedeemableBy(identity, now):
		result.Valid, result.Reason = false, DiscountReasonIneligible
	case code.EligibleIdentity != nil && code.Redemptions > 0:
		result.Valid, result.Reason = false, DiscountReasonRedeemed
	}
	return result, nil
}

func (s *discountService) repoError(err error) error {
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrDiscountNotFound, err)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrDiscountConflict, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrDiscountUnavailable, err)
	default:
		return err
	}
}
