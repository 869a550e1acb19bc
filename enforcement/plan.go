package enforcement

import (
	"github.com/shopspring/decimal"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

// StepKind names a payment primitive.
type StepKind string

const (
	StepRefund  StepKind = "refund"
	StepRelease StepKind = "release"
	StepSettle  StepKind = "settle"
)

// Marker is the ledger action recorded once the step has gone through.
func (k StepKind) Marker() ActionKind {
	switch k {
	case StepRefund:
		return ActionRefundIssued
	case StepRelease:
		return ActionFundsReleased
	default:
		return ActionEscrowSettled
	}
}

// Step is one external call needed to enforce a resolution.
type Step struct {
	Kind   StepKind
	Amount decimal.Decimal
}

// Plan turns agreed terms into the ordered payment steps that enforce them.
// disputed is used when a full refund names no amount.
func Plan(terms resolution.Terms, disputed decimal.Decimal) ([]Step, error) {
	amount := terms.Amount.Decimal
	if terms.Type.RequiresAmount() && !terms.Amount.Valid {
		return nil, apperr.Validation("enforcement: %s requires an amount", terms.Type)
	}

	switch terms.Type {
	case resolution.TypeFullRefund:
		if !terms.Amount.Valid {
			amount = disputed
		}
		return []Step{{Kind: StepRefund, Amount: amount.Round(2)}, {Kind: StepSettle}}, nil
	case resolution.TypePartialRefund:
		return []Step{{Kind: StepRefund, Amount: amount.Round(2)}, {Kind: StepSettle}}, nil
	case resolution.TypeCompromise:
		refund, release := FaultSplit(amount, terms.FaultProfessional)
		steps := make([]Step, 0, 3)
		if refund.IsPositive() {
			steps = append(steps, Step{Kind: StepRefund, Amount: refund})
		}
		if release.IsPositive() {
			steps = append(steps, Step{Kind: StepRelease, Amount: release})
		}
		return append(steps, Step{Kind: StepSettle}), nil
	case resolution.TypeAdditionalPayment:
		return []Step{{Kind: StepRelease, Amount: amount.Round(2)}, {Kind: StepSettle}}, nil
	case resolution.TypeCancellation:
		return []Step{{Kind: StepSettle}}, nil
	case resolution.TypeRevisedWork, resolution.TypeOther:
		return nil, nil
	default:
		return nil, apperr.Validation("enforcement: unknown resolution type %q", terms.Type)
	}
}

// FaultSplit divides amount between the client refund, proportional to the
// professional's fault, and the release to the professional. The two parts
// always add back to amount rounded to cents.
func FaultSplit(amount decimal.Decimal, faultProfessional int) (refund, release decimal.Decimal) {
	total := amount.Round(2)
	refund = total.Mul(decimal.NewFromInt(int64(faultProfessional))).Div(decimal.NewFromInt(100)).Round(2)
	release = total.Sub(refund)
	return refund, release
}
