package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/rasoibox/api/internal/domain"
	pfirestore "github.com/rasoibox/api/internal/platform/firestore"
	"github.com/rasoibox/api/internal/repositories"
)

const discountCollection = "discountCodes"

// DiscountRepository stores discount codes keyed by name.
type DiscountRepository struct {
	base *pfirestore.BaseRepository[discountDocument]
}

var _ repositories.DiscountRepository = (*DiscountRepository)(nil)

func newDiscountRepository(provider *pfirestore.Provider) *DiscountRepository {
	return &DiscountRepository{base: pfirestore.NewBaseRepository[discountDocument](provider, discountCollection)}
}

type discountDocument struct {
	GatewayRef       string     `firestore:"gatewayRef"`
	Redemptions      int64      `firestore:"redemptions"`
	AmountOffCents   *int64     `firestore:"amountOffCents,omitempty"`
	PercentOff       *float64   `firestore:"percentOff,omitempty"`
	EligibleIdentity *string    `firestore:"eligibleIdentity,omitempty"`
	ExpiresAt        *time.Time `firestore:"expiresAt,omitempty"`
	Active           bool       `firestore:"active"`
	CreatedAt        time.Time  `firestore:"createdAt"`
}

func decodeDiscount(doc pfirestore.Document[discountDocument]) domain.DiscountCode {
	return domain.DiscountCode{
		Name:             doc.ID,
		GatewayRef:       doc.Data.GatewayRef,
		Redemptions:      doc.Data.Redemptions,
		AmountOffCents:   doc.Data.AmountOffCents,
		PercentOff:       doc.Data.PercentOff,
		EligibleIdentity: doc.Data.EligibleIdentity,
		ExpiresAt:        utcPtr(doc.Data.ExpiresAt),
		Active:           doc.Data.Active,
		CreatedAt:        doc.Data.CreatedAt.UTC(),
	}
}

func (r *DiscountRepository) Insert(ctx context.Context, code domain.DiscountCode) error {
	return r.base.Create(ctx, code.Name, discountDocument{
		GatewayRef:       code.GatewayRef,
		Redemptions:      code.Redemptions,
		AmountOffCents:   code.AmountOffCents,
		PercentOff:       code.PercentOff,
		EligibleIdentity: code.EligibleIdentity,
		ExpiresAt:        utcPtr(code.ExpiresAt),
		Active:           code.Active,
		CreatedAt:        code.CreatedAt.UTC(),
	})
}

func (r *DiscountRepository) FindByName(ctx context.Context, name string) (domain.DiscountCode, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(name))
	if err != nil {
		return domain.DiscountCode{}, err
	}
	return decodeDiscount(doc), nil
}

func (r *DiscountRepository) FindByNames(ctx context.Context, names []string) ([]domain.DiscountCode, error) {
	seen := make(map[string]struct{}, len(names))
	ids := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		ids = append(ids, name)
	}
	docs, err := r.base.GetAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	codes := make([]domain.DiscountCode, 0, len(docs))
	for _, doc := range docs {
		codes = append(codes, decodeDiscount(doc))
	}
	return codes, nil
}

func (r *DiscountRepository) ListEligibleTo(ctx context.Context, identity string) ([]domain.DiscountCode, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("eligibleIdentity", "==", identity)
	})
	if err != nil {
		return nil, err
	}
	codes := make([]domain.DiscountCode, 0, len(docs))
	for _, doc := range docs {
		codes = append(codes, decodeDiscount(doc))
	}
	return codes, nil
}

// AdjustRedemptions writes server side increments. Callers clamp negative deltas against the counters
// they read earlier in the transaction.
func (r *DiscountRepository) AdjustRedemptions(ctx context.Context, adjustments []repositories.RedemptionAdjustment) error {
	for _, adj := range adjustments {
		if adj.Delta == 0 {
			continue
		}
		err := r.base.Update(ctx, adj.Name, []firestore.Update{
			{Path: "redemptions", Value: firestore.Increment(adj.Delta)},
		})
		if err != nil {
			return fmt.Errorf("discounts.adjust %s: %w", adj.Name, err)
		}
	}
	return nil
}
