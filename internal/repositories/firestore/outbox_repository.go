package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/rasoibox/api/internal/domain"
	pfirestore "github.com/rasoibox/api/internal/platform/firestore"
	"github.com/rasoibox/api/internal/repositories"
)

const outboxCollection = "outbox"

// OutboxRepository queues messages in the outbox collection.
type OutboxRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[outboxDocument]
}

var _ repositories.OutboxRepository = (*OutboxRepository)(nil)

func newOutboxRepository(provider *pfirestore.Provider) *OutboxRepository {
	return &OutboxRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[outboxDocument](provider, outboxCollection),
	}
}

type outboxDocument struct {
	Topic        string            `firestore:"topic"`
	Key          string            `firestore:"key"`
	Payload      []byte            `firestore:"payload"`
	Attributes   map[string]string `firestore:"attributes"`
	Status       string            `firestore:"status"`
	Attempts     int               `firestore:"attempts"`
	LastError    string            `firestore:"lastError"`
	CreatedAt    time.Time         `firestore:"createdAt"`
	DispatchedAt *time.Time        `firestore:"dispatchedAt,omitempty"`
}

// Enqueue is a blind create so it may follow other writes in a transaction.
func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	status := msg.Status
	if status == "" {
		status = domain.OutboxStatusPending
	}
	return r.base.Create(ctx, msg.ID, outboxDocument{
		Topic:      msg.Topic,
		Key:        msg.Key,
		Payload:    msg.Payload,
		Attributes: msg.Attributes,
		Status:     string(status),
		Attempts:   msg.Attempts,
		LastError:  msg.LastError,
		CreatedAt:  msg.CreatedAt.UTC(),
	})
}

func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OutboxStatusPending)).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.OutboxMessage, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.OutboxMessage{
			ID:           doc.ID,
			Topic:        doc.Data.Topic,
			Key:          doc.Data.Key,
			Payload:      doc.Data.Payload,
			Attributes:   doc.Data.Attributes,
			Status:       domain.OutboxStatus(doc.Data.Status),
			Attempts:     doc.Data.Attempts,
			LastError:    doc.Data.LastError,
			CreatedAt:    doc.Data.CreatedAt.UTC(),
			DispatchedAt: utcPtr(doc.Data.DispatchedAt),
		})
	}
	return out, nil
}

func (r *OutboxRepository) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	return r.base.Update(ctx, id, []firestore.Update{
		{Path: "status", Value: string(domain.OutboxStatusDispatched)},
		{Path: "dispatchedAt", Value: at.UTC()},
		{Path: "lastError", Value: ""},
	})
}

func (r *OutboxRepository) MarkAttemptFailed(ctx context.Context, id string, reason string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return runInTx(ctx, r.provider, func(ctx context.Context) error {
		doc, err := r.base.Get(ctx, id)
		if err != nil {
			return err
		}
		attempts := doc.Data.Attempts + 1
		status := doc.Data.Status
		if attempts >= maxAttempts {
			status = string(domain.OutboxStatusFailed)
		}
		return r.base.Update(ctx, id, []firestore.Update{
			{Path: "attempts", Value: attempts},
			{Path: "lastError", Value: reason},
			{Path: "status", Value: status},
		})
	})
}
