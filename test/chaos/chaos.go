package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
)

// TerminateRandomBackend kills a random backend connection of the test
// database every few seconds.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// FastClock runs factor times faster than the wall clock from start, so
// cooling-off periods measured in days elapse within a stress run.
func FastClock(start time.Time, factor int64) func() time.Time {
	origin := time.Now()
	return func() time.Time {
		return start.Add(time.Since(origin) * time.Duration(factor))
	}
}

// FlakyPayments is an idempotent escrow fake that fails a share of calls.
type FlakyPayments struct {
	TransientRate float64
	TerminalRate  float64

	mu       sync.Mutex
	rng      *rand.Rand
	receipts map[string]enforcement.Receipt
	calls    map[string]int
}

func NewFlakyPayments(seed int64, transientRate, terminalRate float64) *FlakyPayments {
	return &FlakyPayments{
		TransientRate: transientRate,
		TerminalRate:  terminalRate,
		rng:           rand.New(rand.NewSource(seed)),
		receipts:      make(map[string]enforcement.Receipt),
		calls:         make(map[string]int),
	}
}

func (p *FlakyPayments) Refund(ctx context.Context, contractID string, _ decimal.Decimal, key string) (enforcement.Receipt, error) {
	return p.move(ctx, "refund", contractID, key)
}

func (p *FlakyPayments) Release(ctx context.Context, contractID string, _ decimal.Decimal, key string) (enforcement.Receipt, error) {
	return p.move(ctx, "release", contractID, key)
}

func (p *FlakyPayments) Settle(ctx context.Context, contractID string, key string) (enforcement.Receipt, error) {
	return p.move(ctx, "settle", contractID, key)
}

func (p *FlakyPayments) move(ctx context.Context, step, contractID, key string) (enforcement.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return enforcement.Receipt{}, apperr.Transient(err, "payments: %s", step)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[key]++
	if r, ok := p.receipts[key]; ok {
		return r, nil
	}
	switch roll := p.rng.Float64(); {
	case roll < p.TerminalRate:
		return enforcement.Receipt{}, apperr.Terminal(errors.New("account frozen"), "payments: %s %s", step, contractID)
	case roll < p.TerminalRate+p.TransientRate:
		return enforcement.Receipt{}, apperr.Transient(errors.New("gateway timeout"), "payments: %s %s", step, contractID)
	}
	r := enforcement.Receipt{Reference: fmt.Sprintf("%s-%d", step, len(p.receipts)+1)}
	p.receipts[key] = r
	return r, nil
}

// Moves reports how many distinct idempotency keys moved money.
func (p *FlakyPayments) Moves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.receipts)
}

// Repeats reports calls beyond the first for keys that eventually moved money.
func (p *FlakyPayments) Repeats() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, c := range p.calls {
		if _, ok := p.receipts[key]; ok && c > 1 {
			n += c - 1
		}
	}
	return n
}
