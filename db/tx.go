package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres aborts one side of a lock cycle or a serialization failure; the
// caller may retry the command.
const (
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
)

// InTx runs fn inside a transaction and commits when fn returns nil.
// Row locks taken by fn are held until the commit or rollback. Deadlocks and
// serialization failures are reported as apperr.ErrConcurrencyConflict.
func InTx(ctx context.Context, pool TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("db: commit tx: %w", err))
	}
	return nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeDeadlockDetected || pgErr.Code == codeSerializationFailure) {
		return fmt.Errorf("%w: %w", apperr.ErrConcurrencyConflict, err)
	}
	return err
}
