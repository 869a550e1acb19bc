package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap/zaptest"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/memstore"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
)

type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	failures int
}

func (p *recordingPublisher) Publish(_ context.Context, msg outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.topics = append(p.topics, msg.Topic)
	return nil
}

func enqueue(t *testing.T, store *memstore.Store, topics ...string) {
	t.Helper()
	w := outbox.NewWriter(store.Outbox())
	err := db.InTx(context.Background(), store, func(tx pgx.Tx) error {
		for _, topic := range topics {
			if err := w.Enqueue(context.Background(), tx, topic, "dispute-1", map[string]any{"n": 1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestRelayDeliversPendingMessages(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, outbox.TopicProposalCreated, outbox.TopicProposalAgreed)
	pub := &recordingPublisher{}
	relay := outbox.NewRelay(store, store.Outbox(), pub, zaptest.NewLogger(t))

	n, err := relay.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 2 || len(pub.topics) != 2 {
		t.Fatalf("expected 2 deliveries, got %d (%v)", n, pub.topics)
	}
	for _, m := range store.Outbox().Messages() {
		if m.Status != outbox.StatusProcessed || m.Attempts != 1 {
			t.Fatalf("expected processed message, got %+v", m)
		}
	}

	n, _ = relay.Flush(context.Background())
	if n != 0 {
		t.Fatalf("processed messages were delivered again")
	}
}

func TestRelayParksMessageAfterMaxAttempts(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, outbox.TopicEscalationIncreased)
	pub := &recordingPublisher{failures: 2}
	relay := outbox.NewRelay(store, store.Outbox(), pub, zaptest.NewLogger(t), outbox.WithMaxAttempts(2))

	for i := 0; i < 3; i++ {
		if _, err := relay.Flush(context.Background()); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	msgs := store.Outbox().Messages()
	if len(msgs) != 1 || msgs[0].Status != outbox.StatusDead || msgs[0].Attempts != 2 {
		t.Fatalf("expected one dead message after 2 attempts, got %+v", msgs)
	}
	if msgs[0].LastError == "" {
		t.Fatalf("expected last error to be kept")
	}
	if len(pub.topics) != 0 {
		t.Fatalf("dead message must not be delivered")
	}
}

func TestRolledBackStateChangeLeavesNoEvent(t *testing.T) {
	store := memstore.New()
	w := outbox.NewWriter(store.Outbox())
	boom := errors.New("boom")
	err := db.InTx(context.Background(), store, func(tx pgx.Tx) error {
		if err := w.Enqueue(context.Background(), tx, outbox.TopicProposalExecuted, "dispute-1", nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := len(store.Outbox().Messages()); n != 0 {
		t.Fatalf("expected no messages after rollback, got %d", n)
	}
}
