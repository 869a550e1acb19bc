package memstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errNoSQL = errors.New("memstore: SQL statements are not supported")

// Tx is a memstore transaction. Only the memstore repositories understand
// it; the SQL methods of pgx.Tx return errors.
type Tx struct {
	store  *Store
	held   map[string]struct{}
	undo   []func()
	closed bool
}

// lock blocks until the tx owns key or ctx is done. Locks are re-entrant
// within one tx.
func (t *Tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.store.lockChan(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = struct{}{}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryLock is the SKIP LOCKED variant of lock.
func (t *Tx) tryLock(key string) bool {
	if _, ok := t.held[key]; ok {
		return true
	}
	ch := t.store.lockChan(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = struct{}{}
		return true
	default:
		return false
	}
}

func (t *Tx) release() {
	for key := range t.held {
		<-t.store.lockChan(key)
	}
	t.held = nil
	t.undo = nil
	t.closed = true
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memstore: nested transactions are not supported")
}

func (t *Tx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.release()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.release()
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errNoSQL
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("memstore: batches are not supported")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("memstore: large objects are not supported")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errNoSQL
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNoSQL
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNoSQL
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

type errRow struct{}

func (errRow) Scan(...any) error { return errNoSQL }
