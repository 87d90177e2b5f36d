package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

const outboxColumns = `id, topic, message_key, payload, attributes, status, attempts, last_error, created_at, dispatched_at`

// OutboxRepository queues messages written in the same transaction as the state change they describe.
type OutboxRepository struct {
	store *Store
}

var _ repositories.OutboxRepository = (*OutboxRepository)(nil)

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	attrs := msg.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encodedAttrs, err := encodeJSON(attrs)
	if err != nil {
		return err
	}
	status := msg.Status
	if status == "" {
		status = domain.OutboxStatusPending
	}
	_, err = r.store.exec(ctx, `INSERT INTO outbox_messages (`+outboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Topic, msg.Key, string(msg.Payload), encodedAttrs, string(status), msg.Attempts, msg.LastError,
		formatTime(msg.CreatedAt), formatNullTime(msg.DispatchedAt))
	return mapError("outbox.enqueue", err)
}

func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.store.query(ctx, `SELECT `+outboxColumns+` FROM outbox_messages
		WHERE status = ? ORDER BY created_at, id LIMIT ?`, string(domain.OutboxStatusPending), limit)
	if err != nil {
		return nil, mapError("outbox.list_pending", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var (
			msg                    domain.OutboxMessage
			payload, attrs, status string
			createdAt              string
			dispatchedAt           sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Key, &payload, &attrs, &status, &msg.Attempts, &msg.LastError,
			&createdAt, &dispatchedAt); err != nil {
			return nil, mapError("outbox.list_pending", err)
		}
		msg.Payload = []byte(payload)
		msg.Status = domain.OutboxStatus(status)
		if err := decodeJSON(attrs, &msg.Attributes); err != nil {
			return nil, err
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if msg.DispatchedAt, err = parseNullTime(dispatchedAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("outbox.list_pending", err)
	}
	return out, nil
}

func (r *OutboxRepository) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	res, err := r.store.exec(ctx, `UPDATE outbox_messages SET status = ?, dispatched_at = ?, last_error = ''
		WHERE id = ?`, string(domain.OutboxStatusDispatched), formatTime(at), id)
	if err != nil {
		return mapError("outbox.mark_dispatched", err)
	}
	return requireRow(res, "outbox.mark_dispatched", id)
}

func (r *OutboxRepository) MarkAttemptFailed(ctx context.Context, id string, reason string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	res, err := r.store.exec(ctx, `UPDATE outbox_messages SET
			attempts = attempts + 1,
			last_error = ?,
			status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END
		WHERE id = ?`, reason, maxAttempts, string(domain.OutboxStatusFailed), id)
	if err != nil {
		return mapError("outbox.mark_failed", err)
	}
	return requireRow(res, "outbox.mark_failed", id)
}

func requireRow(res sql.Result, op, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if affected == 0 {
		return repositories.NewError(op, repositories.ErrorKindNotFound, fmt.Errorf("%s not found", id))
	}
	return nil
}
