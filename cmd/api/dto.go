package main

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

type termsPayload struct {
	Type              string              `json:"type"`
	FaultClient       int                 `json:"faultClient"`
	FaultProfessional int                 `json:"faultProfessional"`
	Amount            decimal.NullDecimal `json:"amount"`
	Notes             string              `json:"notes,omitempty"`
}

func (t termsPayload) terms() resolution.Terms {
	return resolution.Terms{
		Type:              resolution.Type(t.Type),
		FaultClient:       t.FaultClient,
		FaultProfessional: t.FaultProfessional,
		Amount:            t.Amount,
		Notes:             t.Notes,
	}
}

func termsFrom(t resolution.Terms) termsPayload {
	return termsPayload{
		Type:              string(t.Type),
		FaultClient:       t.FaultClient,
		FaultProfessional: t.FaultProfessional,
		Amount:            t.Amount,
		Notes:             t.Notes,
	}
}

type disputeResponse struct {
	ID               string          `json:"id"`
	JobRef           string          `json:"jobRef"`
	ClientID         string          `json:"clientId"`
	ProfessionalID   string          `json:"professionalId"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Status           string          `json:"status"`
	Priority         string          `json:"priority"`
	EscalationLevel  int             `json:"escalationLevel"`
	ResponseDeadline string          `json:"responseDeadline,omitempty"`
	LastResponseAt   string          `json:"lastResponseAt,omitempty"`
	AmountDisputed   decimal.Decimal `json:"amountDisputed"`
	NeedsAttention   bool            `json:"needsAttention"`
	AttentionReason  string          `json:"attentionReason,omitempty"`
	CreatedAt        string          `json:"createdAt"`
	UpdatedAt        string          `json:"updatedAt"`
	ResolvedAt       string          `json:"resolvedAt,omitempty"`
	ClosedAt         string          `json:"closedAt,omitempty"`
	Evidence         []evidenceDTO   `json:"evidence,omitempty"`
}

type evidenceDTO struct {
	ID           string `json:"id"`
	UploadedBy   string `json:"uploadedBy"`
	FileName     string `json:"fileName"`
	FileURL      string `json:"fileUrl"`
	FileType     string `json:"fileType,omitempty"`
	FileSize     int64  `json:"fileSize"`
	EvidenceType string `json:"evidenceType,omitempty"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

type proposalResponse struct {
	ID                 string       `json:"id"`
	DisputeID          string       `json:"disputeId"`
	Terms              termsPayload `json:"terms"`
	Reasoning          string       `json:"reasoning"`
	ProposedBy         string       `json:"proposedBy"`
	Origin             string       `json:"origin"`
	CounterProposalID  string       `json:"counterProposalId,omitempty"`
	ClientAgreed       bool         `json:"clientAgreed"`
	ProfessionalAgreed bool         `json:"professionalAgreed"`
	AutoExecuteDate    string       `json:"autoExecuteDate"`
	AppealDeadline     string       `json:"appealDeadline"`
	Status             string       `json:"status"`
	Version            int          `json:"version"`
	ExecutionAttempts  int          `json:"executionAttempts"`
	FailureReason      string       `json:"failureReason,omitempty"`
	SupersededBy       string       `json:"supersededBy,omitempty"`
	RejectedBy         string       `json:"rejectedBy,omitempty"`
	RejectionReason    string       `json:"rejectionReason,omitempty"`
	ExecutedAt         string       `json:"executedAt,omitempty"`
	CreatedAt          string       `json:"createdAt"`
}

type counterResponse struct {
	ID                    string       `json:"id"`
	ResolutionID          string       `json:"resolutionId"`
	Side                  string       `json:"side"`
	ProposedBy            string       `json:"proposedBy"`
	Terms                 termsPayload `json:"terms"`
	Note                  string       `json:"note,omitempty"`
	Status                string       `json:"status"`
	ResultingResolutionID string       `json:"resultingResolutionId,omitempty"`
	CreatedAt             string       `json:"createdAt"`
}

type timelineResponse struct {
	ID           int64          `json:"id"`
	Type         string         `json:"type"`
	ResolutionID string         `json:"resolutionId,omitempty"`
	ActorID      *string        `json:"actorId"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    string         `json:"createdAt"`
}

type auditResponse struct {
	ID        int64   `json:"id"`
	Action    string  `json:"action"`
	ActorID   *string `json:"actorId"`
	Meta      any     `json:"meta"`
	CreatedAt string  `json:"createdAt"`
}

type enforcementResponse struct {
	ID           string `json:"id"`
	ResolutionID string `json:"resolutionId"`
	Kind         string `json:"kind"`
	Details      any    `json:"details"`
	CreatedAt    string `json:"createdAt"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toDisputeResponse(c dispute.Case) disputeResponse {
	return disputeResponse{
		ID:               c.ID,
		JobRef:           c.JobRef,
		ClientID:         c.ClientID,
		ProfessionalID:   c.ProfessionalID,
		Title:            c.Title,
		Description:      c.Description,
		Status:           string(c.Status),
		Priority:         string(c.Priority),
		EscalationLevel:  c.EscalationLevel,
		ResponseDeadline: formatOptional(c.ResponseDeadline),
		LastResponseAt:   formatOptional(c.LastResponseAt),
		AmountDisputed:   c.AmountDisputed,
		NeedsAttention:   c.NeedsAttention,
		AttentionReason:  c.AttentionReason,
		CreatedAt:        formatTime(c.CreatedAt),
		UpdatedAt:        formatTime(c.UpdatedAt),
		ResolvedAt:       formatOptional(c.ResolvedAt),
		ClosedAt:         formatOptional(c.ClosedAt),
	}
}

func toDisputeView(v engine.DisputeView) disputeResponse {
	out := toDisputeResponse(v.Case)
	for _, e := range v.Evidence {
		out.Evidence = append(out.Evidence, toEvidenceDTO(e))
	}
	return out
}

func toEvidenceDTO(e dispute.Evidence) evidenceDTO {
	return evidenceDTO{
		ID:           e.ID,
		UploadedBy:   e.UploadedBy,
		FileName:     e.FileName,
		FileURL:      e.FileURL,
		FileType:     e.FileType,
		FileSize:     e.FileSize,
		EvidenceType: e.EvidenceType,
		Description:  e.Description,
		CreatedAt:    formatTime(e.CreatedAt),
	}
}

func toProposalResponse(p resolution.Proposal) proposalResponse {
	return proposalResponse{
		ID:                 p.ID,
		DisputeID:          p.DisputeID,
		Terms:              termsFrom(p.Terms),
		Reasoning:          p.Reasoning,
		ProposedBy:         p.ProposedBy,
		Origin:             string(p.Origin),
		CounterProposalID:  p.CounterProposalID,
		ClientAgreed:       p.ClientAgreed,
		ProfessionalAgreed: p.ProfessionalAgreed,
		AutoExecuteDate:    formatTime(p.AutoExecuteDate),
		AppealDeadline:     formatTime(p.AppealDeadline),
		Status:             string(p.Status),
		Version:            p.Version,
		ExecutionAttempts:  p.ExecutionAttempts,
		FailureReason:      p.FailureReason,
		SupersededBy:       p.SupersededBy,
		RejectedBy:         p.RejectedBy,
		RejectionReason:    p.RejectionReason,
		ExecutedAt:         formatOptional(p.ExecutedAt),
		CreatedAt:          formatTime(p.CreatedAt),
	}
}

func toCounterResponse(cp resolution.CounterProposal) counterResponse {
	return counterResponse{
		ID:                    cp.ID,
		ResolutionID:          cp.ResolutionID,
		Side:                  string(cp.Side),
		ProposedBy:            cp.ProposedBy,
		Terms:                 termsFrom(cp.Terms),
		Note:                  cp.Note,
		Status:                string(cp.Status),
		ResultingResolutionID: cp.ResultingResolutionID,
		CreatedAt:             formatTime(cp.CreatedAt),
	}
}

func toTimelineResponse(e timeline.Event) timelineResponse {
	return timelineResponse{
		ID:           e.ID,
		Type:         string(e.Type),
		ResolutionID: e.ResolutionID,
		ActorID:      e.ActorID,
		Payload:      e.Payload,
		CreatedAt:    formatTime(e.CreatedAt),
	}
}

func toAuditResponse(e audit.Entry) auditResponse {
	return auditResponse{
		ID:        e.ID,
		Action:    string(e.Action),
		ActorID:   e.ActorID,
		Meta:      e.Meta,
		CreatedAt: formatTime(e.CreatedAt),
	}
}

func toEnforcementResponse(a enforcement.Action) enforcementResponse {
	return enforcementResponse{
		ID:           a.ID,
		ResolutionID: a.ResolutionID,
		Kind:         string(a.Kind),
		Details:      a.Details,
		CreatedAt:    formatTime(a.CreatedAt),
	}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
