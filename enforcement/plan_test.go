package enforcement

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func amount(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func TestPlan(t *testing.T) {
	disputed := d("250.00")
	cases := []struct {
		name  string
		terms resolution.Terms
		want  []Step
	}{
		{
			name:  "full refund falls back to disputed amount",
			terms: resolution.Terms{Type: resolution.TypeFullRefund, FaultProfessional: 100},
			want:  []Step{{Kind: StepRefund, Amount: d("250.00")}, {Kind: StepSettle}},
		},
		{
			name:  "partial refund",
			terms: resolution.Terms{Type: resolution.TypePartialRefund, FaultClient: 50, FaultProfessional: 50, Amount: amount("80")},
			want:  []Step{{Kind: StepRefund, Amount: d("80")}, {Kind: StepSettle}},
		},
		{
			name:  "compromise splits by professional fault",
			terms: resolution.Terms{Type: resolution.TypeCompromise, FaultClient: 70, FaultProfessional: 30, Amount: amount("100.00")},
			want:  []Step{{Kind: StepRefund, Amount: d("30")}, {Kind: StepRelease, Amount: d("70")}, {Kind: StepSettle}},
		},
		{
			name:  "compromise with no professional fault releases everything",
			terms: resolution.Terms{Type: resolution.TypeCompromise, FaultClient: 100, Amount: amount("100")},
			want:  []Step{{Kind: StepRelease, Amount: d("100")}, {Kind: StepSettle}},
		},
		{
			name:  "additional payment",
			terms: resolution.Terms{Type: resolution.TypeAdditionalPayment, FaultClient: 100, Amount: amount("15.5")},
			want:  []Step{{Kind: StepRelease, Amount: d("15.50")}, {Kind: StepSettle}},
		},
		{
			name:  "cancellation only settles",
			terms: resolution.Terms{Type: resolution.TypeCancellation, FaultClient: 50, FaultProfessional: 50},
			want:  []Step{{Kind: StepSettle}},
		},
		{
			name:  "revised work moves nothing",
			terms: resolution.Terms{Type: resolution.TypeRevisedWork, FaultProfessional: 100},
			want:  nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Plan(tc.terms, disputed)
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d steps, got %+v", len(tc.want), got)
			}
			for i := range got {
				if got[i].Kind != tc.want[i].Kind || !got[i].Amount.Equal(tc.want[i].Amount) {
					t.Fatalf("step %d: expected %+v, got %+v", i, tc.want[i], got[i])
				}
			}
		})
	}
}

func TestPlanRequiresAmount(t *testing.T) {
	_, err := Plan(resolution.Terms{Type: resolution.TypeCompromise, FaultClient: 50, FaultProfessional: 50}, d("10"))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFaultSplitAddsUp(t *testing.T) {
	for _, tc := range []struct {
		amount string
		fault  int
	}{
		{"100.00", 30},
		{"99.99", 33},
		{"0.01", 50},
		{"1234.57", 67},
		{"10", 0},
		{"10", 100},
	} {
		refund, release := FaultSplit(d(tc.amount), tc.fault)
		if !refund.Add(release).Equal(d(tc.amount).Round(2)) {
			t.Errorf("FaultSplit(%s, %d) = %s + %s does not add up", tc.amount, tc.fault, refund, release)
		}
		if refund.IsNegative() || release.IsNegative() {
			t.Errorf("FaultSplit(%s, %d) produced a negative part", tc.amount, tc.fault)
		}
	}
}
