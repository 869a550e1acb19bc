package timeline

import "time"

// EventType names the user-facing timeline entries surfaced to both parties.
type EventType string

const (
	EventDisputeOpened      EventType = "dispute_opened"
	EventDisputeStatus      EventType = "dispute_status_changed"
	EventProposalCreated    EventType = "proposal_created"
	EventProposalAgreed     EventType = "proposal_agreed"
	EventProposalRejected   EventType = "proposal_rejected"
	EventProposalAppealed   EventType = "proposal_appealed"
	EventProposalSuperseded EventType = "proposal_superseded"
	EventProposalExecuting  EventType = "proposal_executing"
	EventProposalExecuted   EventType = "proposal_executed"
	EventExecutionFailed    EventType = "proposal_execution_failed"
	EventCounterSubmitted   EventType = "counter_submitted"
	EventCounterDecided     EventType = "counter_decided"
	EventEvidenceAdded      EventType = "evidence_added"
	EventDeadlineSet        EventType = "deadline_set"
	EventDeadlineWarning    EventType = "deadline_warning"
)

// Event mirrors the timeline_events table.
type Event struct {
	ID           int64
	DisputeID    string
	ResolutionID string
	Type         EventType
	ActorID      *string
	Payload      map[string]any
	CreatedAt    time.Time
}
