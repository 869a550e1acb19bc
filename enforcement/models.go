package enforcement

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind is the ledger vocabulary. Payment kinds double as completion
// markers for their step.
type ActionKind string

const (
	ActionExecuteBegin  ActionKind = "execute_begin"
	ActionExecuteEnd    ActionKind = "execute_end"
	ActionRefundIssued  ActionKind = "refund_issued"
	ActionFundsReleased ActionKind = "funds_released"
	ActionEscrowSettled ActionKind = "escrow_settled"
	ActionFailed        ActionKind = "failed"
)

// Details is the typed payload of an action. The variant is implied by the
// action kind.
type Details interface {
	isDetails()
}

type BeginDetails struct {
	Attempt int `json:"attempt"`
	Steps   int `json:"steps"`
}

type PaymentDetails struct {
	Step           string          `json:"step"`
	ContractID     string          `json:"contract_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reference      string          `json:"reference,omitempty"`
}

type EndDetails struct {
	Attempt int      `json:"attempt"`
	Steps   []string `json:"steps"`
}

type FailureDetails struct {
	Attempt   int    `json:"attempt"`
	Step      string `json:"step,omitempty"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (BeginDetails) isDetails()   {}
func (PaymentDetails) isDetails() {}
func (EndDetails) isDetails()     {}
func (FailureDetails) isDetails() {}

// Action mirrors the enforcement_actions table.
type Action struct {
	ID           string
	ResolutionID string
	DisputeID    string
	Kind         ActionKind
	Details      Details
	Seq          int64
	CreatedAt    time.Time
}

func encodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("enforcement: marshal details: %w", err)
	}
	return b, nil
}

func decodeDetails(kind ActionKind, raw []byte) (Details, error) {
	var (
		d   Details
		err error
	)
	switch kind {
	case ActionExecuteBegin:
		var v BeginDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case ActionExecuteEnd:
		var v EndDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case ActionRefundIssued, ActionFundsReleased, ActionEscrowSettled:
		var v PaymentDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case ActionFailed:
		var v FailureDetails
		err = json.Unmarshal(raw, &v)
		d = v
	default:
		return nil, fmt.Errorf("enforcement: unknown action kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("enforcement: unmarshal %s details: %w", kind, err)
	}
	return d, nil
}
