package resolution

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type is the kind of outcome a proposal imposes.
type Type string

const (
	TypeFullRefund        Type = "full_refund"
	TypePartialRefund     Type = "partial_refund"
	TypeRevisedWork       Type = "revised_work"
	TypeAdditionalPayment Type = "additional_payment"
	TypeCompromise        Type = "compromise"
	TypeCancellation      Type = "cancellation"
	TypeOther             Type = "other"
)

func (t Type) Valid() bool {
	switch t {
	case TypeFullRefund, TypePartialRefund, TypeRevisedWork, TypeAdditionalPayment,
		TypeCompromise, TypeCancellation, TypeOther:
		return true
	default:
		return false
	}
}

// RequiresAmount reports whether the outcome moves a sum that cannot be
// derived from the dispute itself. A full refund falls back to the disputed
// amount.
func (t Type) RequiresAmount() bool {
	switch t {
	case TypePartialRefund, TypeAdditionalPayment, TypeCompromise:
		return true
	default:
		return false
	}
}

// Status is the proposal lifecycle.
//
//	proposed -> agreed -> executing -> executed
//	proposed -> rejected
//	proposed|agreed -> superseded
//	agreed -> proposed (appeal)
//	executing -> execution_failed
type Status string

const (
	StatusProposed        Status = "proposed"
	StatusAgreed          Status = "agreed"
	StatusExecuting       Status = "executing"
	StatusExecuted        Status = "executed"
	StatusRejected        Status = "rejected"
	StatusSuperseded      Status = "superseded"
	StatusExecutionFailed Status = "execution_failed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusRejected, StatusSuperseded, StatusExecutionFailed:
		return true
	default:
		return false
	}
}

// Side identifies one of the two disputants.
type Side string

const (
	SideClient       Side = "client"
	SideProfessional Side = "professional"
)

func (s Side) Valid() bool {
	return s == SideClient || s == SideProfessional
}

func (s Side) Opposite() Side {
	if s == SideClient {
		return SideProfessional
	}
	return SideClient
}

// Origin records who authored the terms.
type Origin string

const (
	OriginMediator Origin = "mediator"
	OriginCounter  Origin = "counter"
)

// Terms are the negotiable part of a proposal. Counter-proposals carry the
// same shape.
type Terms struct {
	Type              Type                `json:"resolution_type"`
	FaultClient       int                 `json:"fault_percentage_client"`
	FaultProfessional int                 `json:"fault_percentage_professional"`
	Amount            decimal.NullDecimal `json:"amount"`
	Notes             string              `json:"notes,omitempty"`
}

// Proposal mirrors the resolution_proposals table.
type Proposal struct {
	ID                 string
	DisputeID          string
	Terms              Terms
	Reasoning          string
	ProposedBy         string
	Origin             Origin
	CounterProposalID  string
	ClientAgreed       bool
	ProfessionalAgreed bool
	AutoExecuteDate    time.Time
	AppealDeadline     time.Time
	Status             Status
	Version            int
	ExecutionAttempts  int
	NextAttemptAt      *time.Time
	FailureReason      string
	SupersededBy       string
	RejectedBy         string
	RejectionReason    string
	AgreedAt           *time.Time
	ExecutedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Agreed reports whether side has agreed.
func (p Proposal) Agreed(side Side) bool {
	if side == SideClient {
		return p.ClientAgreed
	}
	return p.ProfessionalAgreed
}

// CounterStatus is the lifecycle of a counter-proposal.
type CounterStatus string

const (
	CounterPending   CounterStatus = "pending"
	CounterAccepted  CounterStatus = "accepted"
	CounterRejected  CounterStatus = "rejected"
	CounterWithdrawn CounterStatus = "withdrawn"
)

// CounterProposal mirrors the counter_proposals table.
type CounterProposal struct {
	ID                    string
	ResolutionID          string
	DisputeID             string
	Side                  Side
	ProposedBy            string
	Terms                 Terms
	Note                  string
	Status                CounterStatus
	DecidedBy             string
	ResultingResolutionID string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
