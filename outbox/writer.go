package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Writer enqueues domain events in the same transaction as the state change
// that produced them.
type Writer struct {
	repo        Repository
	idGenerator func() string
	now         func() time.Time
}

func NewWriter(repo Repository) *Writer {
	return &Writer{
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

func (w *Writer) WithIDGenerator(gen func() string) *Writer {
	w.idGenerator = gen
	return w
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	return w.repo.Insert(ctx, tx, Message{
		ID:        w.idGenerator(),
		Topic:     topic,
		Key:       key,
		Payload:   body,
		Status:    StatusPending,
		CreatedAt: w.now().UTC(),
	})
}
