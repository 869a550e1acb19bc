package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Logger appends audit entries inside the caller's transaction so the entry
// commits or rolls back together with the state change it describes.
type Logger struct {
	repo Repository
	now  func() time.Time
}

func NewLogger(repo Repository) *Logger {
	return &Logger{repo: repo, now: time.Now}
}

func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Append records action against disputeID. An empty actorID is stored as a
// null actor, meaning the engine acted on its own.
func (l *Logger) Append(ctx context.Context, tx pgx.Tx, disputeID, actorID string, action Action, meta Meta) error {
	if disputeID == "" {
		return fmt.Errorf("audit: missing dispute id")
	}
	if action == "" {
		return fmt.Errorf("audit: missing action")
	}

	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if _, err := l.repo.Insert(ctx, tx, Entry{
		DisputeID: disputeID,
		ActorID:   actor,
		Action:    action,
		Meta:      meta,
		CreatedAt: l.now().UTC(),
	}); err != nil {
		return err
	}
	return nil
}

// List returns the dispute's history in insertion order.
func (l *Logger) List(ctx context.Context, disputeID string) ([]Entry, error) {
	return l.repo.ListByDispute(ctx, disputeID)
}
