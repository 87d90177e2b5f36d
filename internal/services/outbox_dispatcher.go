package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
	"github.com/rasoibox/api/internal/repositories"
)

const (
	defaultOutboxBatchSize   = 25
	defaultOutboxMaxAttempts = 5
)

// OutboxPublisher delivers outbox messages to the message bus and returns the bus message ID.
type OutboxPublisher interface {
	PublishOutbox(ctx context.Context, msg OutboxMessage) (string, error)
}

// ReceiptArchive stores rendered receipts and returns a link the mailer can embed or attach.
type ReceiptArchive interface {
	ArchiveReceipt(ctx context.Context, orderCode string, receipt RenderedReceipt) (string, error)
}

// OutboxDispatcherDeps wires the outbox relay.
type OutboxDispatcherDeps struct {
	Outbox    repositories.OutboxRepository
	Publisher OutboxPublisher
	Renderer  *ReceiptRenderer
	Archive   ReceiptArchive

	BatchSize   int
	MaxAttempts int
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// DispatchResult summarises one relay pass.
type DispatchResult struct {
	Scanned    int
	Dispatched int
	Failed     int
}

// OutboxDispatcher relays pending outbox messages. Delivery is at least once: a message published
// right before a crash is published again on the next pass.
type OutboxDispatcher struct {
	outbox      repositories.OutboxRepository
	publisher   OutboxPublisher
	renderer    *ReceiptRenderer
	archive     ReceiptArchive
	batchSize   int
	maxAttempts int
	now         func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewOutboxDispatcher validates dependencies and returns a dispatcher.
func NewOutboxDispatcher(deps OutboxDispatcherDeps) (*OutboxDispatcher, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox dispatcher: outbox repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("outbox dispatcher: publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultOutboxBatchSize
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultOutboxMaxAttempts
	}
	return &OutboxDispatcher{
		outbox:      deps.Outbox,
		publisher:   deps.Publisher,
		renderer:    deps.Renderer,
		archive:     deps.Archive,
		batchSize:   batch,
		maxAttempts: attempts,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// DispatchPending relays one batch of pending messages. Individual delivery failures are recorded on
// the message and do not fail the pass.
func (d *OutboxDispatcher) DispatchPending(ctx context.Context) (DispatchResult, error) {
	pending, err := d.outbox.ListPending(ctx, d.batchSize)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("outbox dispatcher: list pending: %w", err)
	}
	result := DispatchResult{Scanned: len(pending)}
	for _, msg := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		busID, err := d.deliver(ctx, msg)
		if err != nil {
			result.Failed++
			d.logger(ctx, "outbox.delivery_failed", map[string]any{
				"messageId": msg.ID,
				"topic":     msg.Topic,
				"attempt":   msg.Attempts + 1,
				"error":     err.Error(),
			})
			if markErr := d.outbox.MarkAttemptFailed(ctx, msg.ID, err.Error(), d.maxAttempts); markErr != nil {
				d.logger(ctx, "outbox.mark_failed_error", map[string]any{"messageId": msg.ID, "error": markErr.Error()})
			}
			continue
		}
		if err := d.outbox.MarkDispatched(ctx, msg.ID, d.now()); err != nil {
			d.logger(ctx, "outbox.mark_dispatched_error", map[string]any{"messageId": msg.ID, "error": err.Error()})
			continue
		}
		result.Dispatched++
		d.logger(ctx, "outbox.dispatched", map[string]any{
			"messageId": msg.ID,
			"topic":     msg.Topic,
			"busId":     busID,
		})
	}
	return result, nil
}

func (d *OutboxDispatcher) deliver(ctx context.Context, msg OutboxMessage) (string, error) {
	if msg.Topic == domain.OutboxTopicReceipt && d.renderer != nil {
		enriched, err := d.prepareReceipt(ctx, msg)
		if err != nil {
			return "", err
		}
		msg = enriched
	}
	return d.publisher.PublishOutbox(ctx, msg)
}

// prepareReceipt renders the receipt, archives it when an archive is configured and records the
// subject and archive link as message attributes.
func (d *OutboxDispatcher) prepareReceipt(ctx context.Context, msg OutboxMessage) (OutboxMessage, error) {
	var receipt ReceiptMessage
	if err := json.Unmarshal(msg.Payload, &receipt); err != nil {
		return msg, fmt.Errorf("decode receipt: %w", err)
	}
	rendered, err := d.renderer.Render(receipt)
	if err != nil {
		return msg, err
	}
	attrs := make(map[string]string, len(msg.Attributes)+2)
	maps.Copy(attrs, msg.Attributes)
	attrs["subject"] = rendered.Subject
	if d.archive != nil {
		link, err := d.archive.ArchiveReceipt(ctx, receipt.OrderCode, rendered)
		if err != nil {
			return msg, fmt.Errorf("archive receipt: %w", err)
		}
		attrs["receiptUrl"] = link
	}
	msg.Attributes = attrs
	return msg, nil
}

// Run relays pending messages every interval until ctx is canceled.
func (d *OutboxDispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger(ctx, "outbox.worker_started", map[string]any{"interval": interval.String()})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := d.DispatchPending(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger(ctx, "outbox.pass_failed", map[string]any{"error": err.Error()})
				continue
			}
			if result.Scanned > 0 {
				d.logger(ctx, "outbox.pass_completed", map[string]any{
					"scanned":    result.Scanned,
					"dispatched": result.Dispatched,
					"failed":     result.Failed,
				})
			}
		}
	}
}
