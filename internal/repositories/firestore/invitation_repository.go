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

const (
	invitationCollection       = "invitations"
	pendingInvitationEmailColl = "invitationPendingEmails"
)

// InvitationRepository stores referral invitations. A guard document keyed by the lower-cased email
// marks the single pending invitation per email.
type InvitationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[invitationDocument]
	pending  *pfirestore.BaseRepository[invitationGuardDocument]
}

var _ repositories.InvitationRepository = (*InvitationRepository)(nil)

func newInvitationRepository(provider *pfirestore.Provider) *InvitationRepository {
	return &InvitationRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[invitationDocument](provider, invitationCollection),
		pending:  pfirestore.NewBaseRepository[invitationGuardDocument](provider, pendingInvitationEmailColl),
	}
}

type invitationGuardDocument struct {
	InvitationID string    `firestore:"invitationId"`
	CreatedAt    time.Time `firestore:"createdAt"`
}

type invitationDocument struct {
	ReferrerCustomerID string     `firestore:"referrerCustomerId"`
	Email              string     `firestore:"email"`
	VerificationCode   string     `firestore:"verificationCode"`
	Status             string     `firestore:"status"`
	CreatedAt          time.Time  `firestore:"createdAt"`
	CompletedAt        *time.Time `firestore:"completedAt,omitempty"`
}

// Insert writes a pending invitation and its email guard. It reads the guard first, so callers joining
// an outer transaction must not have written yet.
func (r *InvitationRepository) Insert(ctx context.Context, inv domain.Invitation) error {
	key := pendingEmailKey(inv.Email)
	if key == "" || strings.TrimSpace(inv.ID) == "" {
		return fmt.Errorf("invitations.insert: id and email are required")
	}
	return runInTx(ctx, r.provider, func(ctx context.Context) error {
		if _, err := r.pending.Get(ctx, key); err == nil {
			return repositories.NewError("invitations.insert", repositories.ErrorKindConflict, repositories.ErrInvitationExists)
		} else if !repositories.IsNotFound(err) {
			return err
		}
		if err := r.base.Create(ctx, inv.ID, encodeInvitation(inv)); err != nil {
			return err
		}
		return r.pending.Create(ctx, key, invitationGuardDocument{InvitationID: inv.ID, CreatedAt: inv.CreatedAt.UTC()})
	})
}

// Save writes an invitation.
func (r *InvitationRepository) Save(ctx context.Context, inv domain.Invitation) error {
	return r.base.Set(ctx, inv.ID, encodeInvitation(inv))
}

func (r *InvitationRepository) FindPendingByVerificationCode(ctx context.Context, code string) (domain.Invitation, error) {
	code = strings.TrimSpace(code)
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("verificationCode", "==", code).
			Where("status", "==", string(domain.InvitationStatusPending)).
			Limit(1)
	})
	if err != nil {
		return domain.Invitation{}, err
	}
	if len(docs) == 0 {
		return domain.Invitation{}, repositories.NewError("invitations.find_pending", repositories.ErrorKindNotFound,
			fmt.Errorf("no pending invitation for %s", code))
	}
	return decodeInvitation(docs[0]), nil
}

func (r *InvitationRepository) ListByReferrer(ctx context.Context, referrerID string) ([]domain.Invitation, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("referrerCustomerId", "==", referrerID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Invitation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeInvitation(doc))
	}
	return out, nil
}

func (r *InvitationRepository) MarkCompleted(ctx context.Context, invitationID string, completedAt time.Time) error {
	return runInTx(ctx, r.provider, func(ctx context.Context) error {
		doc, err := r.base.Get(ctx, invitationID)
		if err != nil {
			return err
		}
		if doc.Data.Status != string(domain.InvitationStatusPending) {
			return repositories.NewError("invitations.complete", repositories.ErrorKindConflict,
				fmt.Errorf("invitation %s is %s", invitationID, doc.Data.Status))
		}
		if err := r.base.Update(ctx, invitationID, []firestore.Update{
			{Path: "status", Value: string(domain.InvitationStatusCompleted)},
			{Path: "completedAt", Value: completedAt.UTC()},
		}); err != nil {
			return err
		}
		if key := pendingEmailKey(doc.Data.Email); key != "" {
			return r.pending.Delete(ctx, key)
		}
		return nil
	})
}

func encodeInvitation(inv domain.Invitation) invitationDocument {
	return invitationDocument{
		ReferrerCustomerID: inv.ReferrerCustomerID,
		Email:              inv.Email,
		VerificationCode:   inv.VerificationCode,
		Status:             string(inv.Status),
		CreatedAt:          inv.CreatedAt.UTC(),
		CompletedAt:        utcPtr(inv.CompletedAt),
	}
}

// pendingEmailKey maps an email to a guard document ID; "/" cannot appear in IDs.
func pendingEmailKey(email string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(email)), "/", "%2F")
}

func decodeInvitation(doc pfirestore.Document[invitationDocument]) domain.Invitation {
	return domain.Invitation{
		ID:                 doc.ID,
		ReferrerCustomerID: doc.Data.ReferrerCustomerID,
		Email:              doc.Data.Email,
		VerificationCode:   doc.Data.VerificationCode,
		Status:             domain.InvitationStatus(doc.Data.Status),
		CreatedAt:          doc.Data.CreatedAt.UTC(),
		CompletedAt:        utcPtr(doc.Data.CompletedAt),
	}
}
