package resolution

import (
	"strings"
	"unicode/utf8"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
)

// ValidateTerms checks the fault split and amount rules shared by proposals
// and counter-proposals.
func ValidateTerms(t Terms) error {
	if !t.Type.Valid() {
		return apperr.Validation("resolution: unknown resolution type %q", t.Type)
	}
	if t.FaultClient < 0 || t.FaultClient > 100 || t.FaultProfessional < 0 || t.FaultProfessional > 100 {
		return apperr.Validation("resolution: fault percentages must be within 0..100")
	}
	if t.FaultClient+t.FaultProfessional != 100 {
		return apperr.Validation("resolution: fault percentages must sum to 100, got %d", t.FaultClient+t.FaultProfessional)
	}
	if t.Amount.Valid && t.Amount.Decimal.IsNegative() {
		return apperr.Validation("resolution: amount must not be negative")
	}
	if t.Type.RequiresAmount() && !t.Amount.Valid {
		return apperr.Validation("resolution: %s requires an amount", t.Type)
	}
	return nil
}

// ValidateReasoning enforces the minimum length of a mediator's written
// decision, counted in characters after trimming.
func ValidateReasoning(reasoning string, minLength int) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(reasoning)); n < minLength {
		return apperr.Validation("resolution: reasoning must be at least %d characters, got %d", minLength, n)
	}
	return nil
}
