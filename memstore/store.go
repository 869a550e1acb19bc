// Package memstore keeps every repository in process memory. Transactions
// hold per-key locks until commit or rollback, mirroring the row locks the
// Postgres repositories take with SELECT ... FOR UPDATE, and undo their
// writes on rollback. It backs dev mode and the unit tests.
//
// Reads outside a transaction see the latest write, committed or not.
package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

var errForeignTx = errors.New("memstore: transaction was not started by this store")

type Store struct {
	mu sync.Mutex

	disputes  map[string]dispute.Case
	evidence  []dispute.Evidence
	proposals map[string]resolution.Proposal
	counters  map[string]resolution.CounterProposal
	actions   []enforcement.Action
	entries   []audit.Entry
	events    []timeline.Event
	messages  []outbox.Message

	actionSeq int64
	entrySeq  int64
	eventSeq  int64

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func New() *Store {
	return &Store{
		disputes:  make(map[string]dispute.Case),
		proposals: make(map[string]resolution.Proposal),
		counters:  make(map[string]resolution.CounterProposal),
		locks:     make(map[string]chan struct{}),
	}
}

// Begin starts a transaction. It satisfies db.TxBeginner.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{store: s, held: make(map[string]struct{})}, nil
}

func (s *Store) lockChan(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// Disputes returns the dispute.Repository view of the store.
func (s *Store) Disputes() *Disputes { return &Disputes{s: s} }

// Resolutions returns the resolution.Repository view of the store.
func (s *Store) Resolutions() *Resolutions { return &Resolutions{s: s} }

// Ledger returns the enforcement.Repository view of the store.
func (s *Store) Ledger() *Ledger { return &Ledger{s: s} }

func (s *Store) Audit() *Audit { return &Audit{s: s} }

func (s *Store) Timeline() *Timeline { return &Timeline{s: s} }

func (s *Store) Outbox() *Outbox { return &Outbox{s: s} }

// write runs fn under the store mutex and records undo for rollback.
func (s *Store) write(tx *Tx, fn func() (undo func(), err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	undo, err := fn()
	if err != nil {
		return err
	}
	if undo != nil {
		tx.undo = append(tx.undo, undo)
	}
	return nil
}

func (s *Store) read(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func asTx(tx pgx.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok {
		return nil, errForeignTx
	}
	if t.closed {
		return nil, pgx.ErrTxClosed
	}
	return t, nil
}

// without drops the first element matching fn. Undo uses it instead of
// truncating because other transactions may have appended since.
func without[T any](items []T, fn func(T) bool) []T {
	for i, it := range items {
		if fn(it) {
			return append(items[:i:i], items[i+1:]...)
		}
	}
	return items
}
