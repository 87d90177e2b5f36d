package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/rasoibox/api/internal/domain"
)

type recordingPublisher struct {
	published []OutboxMessage
	failTopic string
}

func (p *recordingPublisher) PublishOutbox(_ context.Context, msg OutboxMessage) (string, error) {
	if msg.Topic == p.failTopic {
		return "", errors.New("publish failed")
	}
	p.published = append(p.published, msg)
	return "bus-" + msg.ID, nil
}

type recordingArchive struct {
	orderCode string
	receipt   RenderedReceipt
}

func (a *recordingArchive) ArchiveReceipt(_ context.Context, orderCode string, receipt RenderedReceipt) (string, error) {
	a.orderCode = orderCode
	a.receipt = receipt
	return "https://storage.example.com/receipts/" + orderCode + ".html", nil
}

func enqueueReceipt(t *testing.T, f *checkoutFixture, id, code string) {
	t.Helper()
	payload, err := json.Marshal(ReceiptMessage{
		OrderID:       "ord_" + code,
		OrderCode:     code,
		CustomerID:    "cust_1",
		Email:         "asha@example.com",
		FirstName:     "Asha",
		Lines:         []ReceiptLine{{RecipeID: "chana", RecipeName: "Chana Masala", ServingSize: 4, PriceCents: 2500}},
		SubtotalCents: 2500,
		TotalCents:    2500,
		CompletedAt:   f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("marshal receipt: %v", err)
	}
	err = f.store.Outbox().Enqueue(context.Background(), domain.OutboxMessage{
		ID:         id,
		Topic:      domain.OutboxTopicReceipt,
		Key:        code,
		Payload:    payload,
		Attributes: map[string]string{"orderCode": code},
		Status:     domain.OutboxStatusPending,
		CreatedAt:  f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestOutboxDispatcherRelaysReceipts(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	enqueueReceipt(t, f, "msg_1", "30000001")
	renderer, err := NewReceiptRenderer(ReceiptRendererConfig{FrontendBaseURL: "https://rasoibox.example.com/"})
	if err != nil {
		t.Fatalf("NewReceiptRenderer: %v", err)
	}
	publisher := &recordingPublisher{}
	archive := &recordingArchive{}
	dispatcher, err := NewOutboxDispatcher(OutboxDispatcherDeps{
		Outbox:    f.store.Outbox(),
		Publisher: publisher,
		Renderer:  renderer,
		Archive:   archive,
		Clock:     f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewOutboxDispatcher: %v", err)
	}

	result, err := dispatcher.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if result.Scanned != 1 || result.Dispatched != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(publisher.published))
	}
	attrs := publisher.published[0].Attributes
	if attrs["orderCode"] != "30000001" || attrs["subject"] != "Your Rasoi Box order #30000001" {
		t.Fatalf("unexpected attributes %+v", attrs)
	}
	if !strings.HasSuffix(attrs["receiptUrl"], "30000001.html") {
		t.Fatalf("expected archive link, got %q", attrs["receiptUrl"])
	}
	if archive.orderCode != "30000001" || !strings.Contains(archive.receipt.HTML, "Chana Masala") {
		t.Fatalf("expected rendered receipt archived, got %+v", archive)
	}

	again, err := dispatcher.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("DispatchPending again: %v", err)
	}
	if again.Scanned != 0 {
		t.Fatalf("expected nothing left pending, got %+v", again)
	}
}

func TestOutboxDispatcherMarksFailures(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	enqueueReceipt(t, f, "msg_1", "30000001")
	publisher := &recordingPublisher{failTopic: domain.OutboxTopicReceipt}
	dispatcher, err := NewOutboxDispatcher(OutboxDispatcherDeps{
		Outbox:      f.store.Outbox(),
		Publisher:   publisher,
		MaxAttempts: 2,
		Clock:       f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewOutboxDispatcher: %v", err)
	}

	first, err := dispatcher.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	if first.Failed != 1 {
		t.Fatalf("expected failure recorded, got %+v", first)
	}
	pending, err := f.store.Outbox().ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Attempts != 1 || pending[0].LastError == "" {
		t.Fatalf("expected message retried later, got %+v", pending)
	}

	if _, err := dispatcher.DispatchPending(context.Background()); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	pending, err = f.store.Outbox().ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected message parked as failed after max attempts, got %+v", pending)
	}
}

func TestOutboxDispatcherRunStopsOnCancel(t *testing.T) {
	f := newCheckoutFixture(t, nil)
	enqueueReceipt(t, f, "msg_1", "30000001")
	publisher := &recordingPublisher{}
	dispatcher, err := NewOutboxDispatcher(OutboxDispatcherDeps{Outbox: f.store.Outbox(), Publisher: publisher})
	if err != nil {
		t.Fatalf("NewOutboxDispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		pending, err := f.store.Outbox().ListPending(context.Background(), 10)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("dispatcher did not relay message in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestNewOutboxDispatcherRequiresDependencies(t *testing.T) {
	if _, err := NewOutboxDispatcher(OutboxDispatcherDeps{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
