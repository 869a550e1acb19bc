package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 10
)

// Relay drains pending outbox rows to a Publisher.
type Relay struct {
	pool        db.TxBeginner
	repo        Repository
	publisher   Publisher
	log         *zap.Logger
	batchSize   int
	maxAttempts int
	now         func() time.Time
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

func NewRelay(pool db.TxBeginner, repo Repository, publisher Publisher, log *zap.Logger, opts ...RelayOption) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{
		pool:        pool,
		repo:        repo,
		publisher:   publisher,
		log:         log,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flush publishes one batch and returns how many messages were delivered.
// A failed publish leaves the message pending until maxAttempts is reached,
// after which it is parked as dead.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	delivered := 0
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		msgs, err := r.repo.ClaimPending(ctx, tx, r.batchSize)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			now := r.now().UTC()
			if pubErr := r.publisher.Publish(ctx, msg); pubErr != nil {
				dead := msg.Attempts+1 >= r.maxAttempts
				r.log.Warn("outbox publish failed",
					zap.String("id", msg.ID),
					zap.String("topic", msg.Topic),
					zap.Int("attempt", msg.Attempts+1),
					zap.Bool("dead", dead),
					zap.Error(pubErr),
				)
				if err := r.repo.MarkFailed(ctx, tx, msg.ID, pubErr.Error(), now, dead); err != nil {
					return err
				}
				continue
			}
			if err := r.repo.MarkProcessed(ctx, tx, msg.ID, now); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: flush: %w", err)
	}
	return delivered, nil
}

// Run adapts Flush to a cron job.
func (r *Relay) Run(ctx context.Context) {
	n, err := r.Flush(ctx)
	if err != nil {
		r.log.Error("outbox relay", zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Debug("outbox relay delivered", zap.Int("count", n))
	}
}
