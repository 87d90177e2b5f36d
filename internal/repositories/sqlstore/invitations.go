package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

const invitationColumns = `id, referrer_customer_id, email, verification_code, status, created_at, completed_at`

// InvitationRepository stores referral invitations.
type InvitationRepository struct {
	store *Store
}

var _ repositories.InvitationRepository = (*InvitationRepository)(nil)

// Insert adds a pending invitation. The partial unique index on email rejects a second pending one.
func (r *InvitationRepository) Insert(ctx context.Context, inv domain.Invitation) error {
	_, err := r.store.exec(ctx, `INSERT INTO invitations (`+invitationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.ReferrerCustomerID, inv.Email, inv.VerificationCode, string(inv.Status),
		formatTime(inv.CreatedAt), formatNullTime(inv.CompletedAt))
	if err == nil {
		return nil
	}
	if hint, ok := uniqueViolation(err); ok {
		if strings.Contains(hint, "invitations_pending_email_key") || strings.Contains(hint, "invitations.email") {
			return repositories.NewError("invitations.insert", repositories.ErrorKindConflict, repositories.ErrInvitationExists)
		}
	}
	return mapError("invitations.insert", err)
}

// Save creates or replaces an invitation row.
func (r *InvitationRepository) Save(ctx context.Context, inv domain.Invitation) error {
	_, err := r.store.exec(ctx, `INSERT INTO invitations (`+invitationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at`,
		inv.ID, inv.ReferrerCustomerID, inv.Email, inv.VerificationCode, string(inv.Status),
		formatTime(inv.CreatedAt), formatNullTime(inv.CompletedAt))
	return mapError("invitations.save", err)
}

func (r *InvitationRepository) FindPendingByVerificationCode(ctx context.Context, code string) (domain.Invitation, error) {
	row := r.store.queryRow(ctx, `SELECT `+invitationColumns+` FROM invitations
		WHERE verification_code = ? AND status = ?
		ORDER BY created_at LIMIT 1`, strings.TrimSpace(code), string(domain.InvitationStatusPending))
	inv, err := scanInvitation(row)
	if err != nil {
		return domain.Invitation{}, mapError("invitations.find_pending", err)
	}
	return inv, nil
}

func (r *InvitationRepository) ListByReferrer(ctx context.Context, referrerID string) ([]domain.Invitation, error) {
	rows, err := r.store.query(ctx, `SELECT `+invitationColumns+` FROM invitations
		WHERE referrer_customer_id = ? ORDER BY created_at, id`, referrerID)
	if err != nil {
		return nil, mapError("invitations.list_by_referrer", err)
	}
	defer rows.Close()

	var out []domain.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, mapError("invitations.list_by_referrer", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("invitations.list_by_referrer", err)
	}
	return out, nil
}

func (r *InvitationRepository) MarkCompleted(ctx context.Context, invitationID string, completedAt time.Time) error {
	res, err := r.store.exec(ctx, `UPDATE invitations SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.InvitationStatusCompleted), formatTime(completedAt), invitationID, string(domain.InvitationStatusPending))
	if err != nil {
		return mapError("invitations.complete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("invitations.complete", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = r.store.queryRow(ctx, `SELECT 1 FROM invitations WHERE id = ?`, invitationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.NewError("invitations.complete", repositories.ErrorKindNotFound, fmt.Errorf("invitation %s not found", invitationID))
	}
	if err != nil {
		return mapError("invitations.complete", err)
	}
	return repositories.NewError("invitations.complete", repositories.ErrorKindConflict, fmt.Errorf("invitation %s is not pending", invitationID))
}

func scanInvitation(row scanner) (domain.Invitation, error) {
	var (
		inv         domain.Invitation
		status      string
		createdAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&inv.ID, &inv.ReferrerCustomerID, &inv.Email, &inv.VerificationCode, &status, &createdAt, &completedAt); err != nil {
		return domain.Invitation{}, err
	}
	inv.Status = domain.InvitationStatus(status)
	var err error
	if inv.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Invitation{}, err
	}
	if inv.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return domain.Invitation{}, err
	}
	return inv, nil
}
