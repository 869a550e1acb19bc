package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Meta is the typed payload stored in action_meta. Each variant names its
// own kind so the column can be decoded without consulting the action.
type Meta interface {
	MetaKind() string
}

type StatusChanged struct {
	Subject   string `json:"subject"`
	SubjectID string `json:"subject_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

type OutcomeSet struct {
	ResolutionID      string  `json:"resolution_id"`
	Outcome           string  `json:"outcome"`
	ResolutionType    string  `json:"resolution_type,omitempty"`
	FaultClient       int     `json:"fault_client"`
	FaultProfessional int     `json:"fault_professional"`
	Amount            *string `json:"amount,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	Supersedes        string  `json:"supersedes,omitempty"`
}

type Agreement struct {
	ResolutionID string `json:"resolution_id"`
	Side         string `json:"side"`
	BothAgreed   bool   `json:"both_agreed"`
}

type CounterChanged struct {
	CounterID    string `json:"counter_id"`
	ResolutionID string `json:"resolution_id"`
	Side         string `json:"side"`
	Status       string `json:"status"`
	Note         string `json:"note,omitempty"`
}

type EvidenceUploaded struct {
	EvidenceID   string `json:"evidence_id"`
	FileName     string `json:"file_name"`
	EvidenceType string `json:"evidence_type,omitempty"`
}

type MessageSent struct {
	MessageRef string `json:"message_ref"`
}

type ExecutionFailed struct {
	ResolutionID string `json:"resolution_id"`
	Attempt      int    `json:"attempt"`
	Error        string `json:"error"`
	Terminal     bool   `json:"terminal"`
}

type Escalation struct {
	From     int    `json:"from"`
	To       int    `json:"to"`
	Priority string `json:"priority"`
}

type DeadlineSet struct {
	Deadline time.Time `json:"deadline"`
}

type AttentionFlagged struct {
	Reason string `json:"reason"`
}

type ValidationFailed struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

type DisputeOpened struct {
	JobRef         string `json:"job_ref"`
	ClientID       string `json:"client_id"`
	ProfessionalID string `json:"professional_id"`
	AmountDisputed string `json:"amount_disputed"`
}

// Note carries free-form mediator text that has no structure of its own.
type Note struct {
	Text string `json:"text"`
}

func (StatusChanged) MetaKind() string    { return "status_changed" }
func (OutcomeSet) MetaKind() string       { return "outcome_set" }
func (Agreement) MetaKind() string        { return "agreement" }
func (CounterChanged) MetaKind() string   { return "counter_changed" }
func (EvidenceUploaded) MetaKind() string { return "evidence_uploaded" }
func (MessageSent) MetaKind() string      { return "message_sent" }
func (ExecutionFailed) MetaKind() string  { return "execution_failed" }
func (Escalation) MetaKind() string       { return "escalation" }
func (DeadlineSet) MetaKind() string      { return "deadline_set" }
func (AttentionFlagged) MetaKind() string { return "attention_flagged" }
func (ValidationFailed) MetaKind() string { return "validation_failed" }
func (DisputeOpened) MetaKind() string    { return "dispute_opened" }
func (Note) MetaKind() string             { return "note" }

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMeta renders m as {"kind": ..., "data": ...}.
func EncodeMeta(m Meta) ([]byte, error) {
	if m == nil {
		m = Note{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal meta: %w", err)
	}
	return json.Marshal(envelope{Kind: m.MetaKind(), Data: data})
}

// DecodeMeta is the inverse of EncodeMeta. Unknown kinds decode to a Note
// holding the raw payload so history written by newer code stays readable.
func DecodeMeta(raw []byte) (Meta, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("audit: unmarshal meta: %w", err)
	}

	var target Meta
	switch env.Kind {
	case "status_changed":
		target = &StatusChanged{}
	case "outcome_set":
		target = &OutcomeSet{}
	case "agreement":
		target = &Agreement{}
	case "counter_changed":
		target = &CounterChanged{}
	case "evidence_uploaded":
		target = &EvidenceUploaded{}
	case "message_sent":
		target = &MessageSent{}
	case "execution_failed":
		target = &ExecutionFailed{}
	case "escalation":
		target = &Escalation{}
	case "deadline_set":
		target = &DeadlineSet{}
	case "attention_flagged":
		target = &AttentionFlagged{}
	case "validation_failed":
		target = &ValidationFailed{}
	case "dispute_opened":
		target = &DisputeOpened{}
	case "note":
		target = &Note{}
	default:
		return Note{Text: string(env.Data)}, nil
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return nil, fmt.Errorf("audit: unmarshal %s meta: %w", env.Kind, err)
		}
	}
	return deref(target), nil
}

func deref(m Meta) Meta {
	switch v := m.(type) {
	case *StatusChanged:
		return *v
	case *OutcomeSet:
		return *v
	case *Agreement:
		return *v
	case *CounterChanged:
		return *v
	case *EvidenceUploaded:
		return *v
	case *MessageSent:
		return *v
	case *ExecutionFailed:
		return *v
	case *Escalation:
		return *v
	case *DeadlineSet:
		return *v
	case *AttentionFlagged:
		return *v
	case *ValidationFailed:
		return *v
	case *DisputeOpened:
		return *v
	case *Note:
		return *v
	}
	return m
}
