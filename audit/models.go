package audit

import "time"

// Action is the dotted taxonomy recorded on every entry.
type Action string

const (
	ActionDisputeOpened       Action = "dispute.opened"
	ActionStatusChanged       Action = "status.changed"
	ActionOutcomeSet          Action = "outcome.set"
	ActionAgreementRecorded   Action = "agreement.recorded"
	ActionMessageSent         Action = "message.sent"
	ActionEvidenceUploaded    Action = "evidence.uploaded"
	ActionDeadlineSet         Action = "deadline.set"
	ActionDeadlineMet         Action = "deadline.met"
	ActionCounterSubmitted    Action = "counter.submitted"
	ActionCounterAccepted     Action = "counter.accepted"
	ActionCounterRejected     Action = "counter.rejected"
	ActionCounterWithdrawn    Action = "counter.withdrawn"
	ActionExecutionFailed     Action = "execution.failed"
	ActionEscalationIncreased Action = "escalation.increased"
	ActionAttentionFlagged    Action = "attention.flagged"
	ActionValidationFailed    Action = "validation.failed"
)

// Entry mirrors the audit_entries table. ID is assigned on insert and is the
// only ordering key for a dispute's history.
type Entry struct {
	ID        int64
	DisputeID string
	ActorID   *string
	Action    Action
	Meta      Meta
	CreatedAt time.Time
}

// System reports whether the entry was written by the engine itself.
func (e Entry) System() bool {
	return e.ActorID == nil
}
