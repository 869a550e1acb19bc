package outbox

import "time"

// Domain event topics published to the notification bus.
const (
	TopicProposalCreated         = "proposal.created"
	TopicProposalAgreed          = "proposal.agreed"
	TopicProposalRejected        = "proposal.rejected"
	TopicProposalAppealed        = "proposal.appealed"
	TopicProposalSuperseded      = "proposal.superseded"
	TopicProposalExecuted        = "proposal.executed"
	TopicProposalExecutionFailed = "proposal.execution_failed"
	TopicCounterSubmitted        = "counter.submitted"
	TopicCounterAccepted         = "counter.accepted"
	TopicDisputeStatusChanged    = "dispute.status_changed"
	TopicEscalationIncreased     = "escalation.increased"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message mirrors the outbox table. Key is the dispute id so a partitioned
// bus keeps per-dispute ordering.
type Message struct {
	ID          string
	Topic       string
	Key         string
	Payload     []byte
	Status      Status
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	LastAttempt *time.Time
}
