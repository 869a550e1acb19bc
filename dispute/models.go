package dispute

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a dispute case.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Active reports whether proposals may still be issued against the case.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInProgress
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return -1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.rank() >= 0
}

// Case mirrors the disputes table.
type Case struct {
	ID               string
	JobRef           string
	ClientID         string
	ProfessionalID   string
	Title            string
	Description      string
	Status           Status
	Priority         Priority
	EscalationLevel  int
	ResponseDeadline *time.Time
	DeadlineSetAt    *time.Time
	LastResponseAt   *time.Time
	AmountDisputed   decimal.Decimal
	NeedsAttention   bool
	AttentionReason  string
	OpenedBy         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
	ClosedAt         *time.Time
}

// IsParty reports whether userID is the client or the professional.
func (c Case) IsParty(userID string) bool {
	return userID != "" && (userID == c.ClientID || userID == c.ProfessionalID)
}

// EvidenceRef is the reference an external file store hands back after upload.
type EvidenceRef struct {
	FileName     string
	FileURL      string
	FileType     string
	FileSize     int64
	EvidenceType string
	Description  string
}

// Evidence mirrors the dispute_evidence table.
type Evidence struct {
	ID         string
	DisputeID  string
	UploadedBy string
	EvidenceRef
	CreatedAt time.Time
}
