package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Recorder appends timeline events within the caller's transaction.
type Recorder struct {
	repo Repository
	now  func() time.Time
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, disputeID, resolutionID string, eventType EventType, actorID string, payload map[string]any) error {
	if disputeID == "" {
		return fmt.Errorf("timeline: missing dispute id")
	}
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	_, err := r.repo.Insert(ctx, tx, Event{
		DisputeID:    disputeID,
		ResolutionID: resolutionID,
		Type:         eventType,
		ActorID:      actor,
		Payload:      payload,
		CreatedAt:    r.now().UTC(),
	})
	return err
}

func (r *Recorder) List(ctx context.Context, disputeID string) ([]Event, error) {
	return r.repo.ListByDispute(ctx, disputeID)
}
