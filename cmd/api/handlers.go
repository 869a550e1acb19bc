package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

type openDisputeRequest struct {
	JobRef         string          `json:"jobRef"`
	ClientID       string          `json:"clientId"`
	ProfessionalID string          `json:"professionalId"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	AmountDisputed decimal.Decimal `json:"amountDisputed"`
	Priority       string          `json:"priority"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type deadlineRequest struct {
	Deadline time.Time `json:"deadline"`
}

type messageRequest struct {
	MessageRef string `json:"messageRef"`
}

type evidenceRequest struct {
	FileName     string `json:"fileName"`
	FileURL      string `json:"fileUrl"`
	FileType     string `json:"fileType"`
	FileSize     int64  `json:"fileSize"`
	EvidenceType string `json:"evidenceType"`
	Description  string `json:"description"`
}

type proposeRequest struct {
	Terms       termsPayload `json:"terms"`
	Reasoning   string       `json:"reasoning"`
	CoolOffDays int          `json:"coolOffDays"`
	AppealDays  int          `json:"appealDays"`
}

type agreeRequest struct {
	Side            string `json:"side"`
	ExpectedVersion int    `json:"expectedVersion"`
}

type rejectRequest struct {
	Reason          string `json:"reason"`
	ExpectedVersion int    `json:"expectedVersion"`
}

type appealRequest struct {
	Side   string `json:"side"`
	Reason string `json:"reason"`
}

type counterRequest struct {
	Side  string       `json:"side"`
	Terms termsPayload `json:"terms"`
	Note  string       `json:"note"`
}

type withdrawRequest struct {
	Side string `json:"side"`
}

// withPrincipal resolves the caller and decodes the optional body into dst.
// It writes the error response itself and reports whether to continue.
func withPrincipal(w http.ResponseWriter, r *http.Request, dst any) (auth.Principal, bool) {
	actor, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing principal")
		return auth.Principal{}, false
	}
	if dst != nil {
		if err := decodeJSON(r, dst); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return auth.Principal{}, false
		}
	}
	return actor, true
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	c, err := s.engine.Disputes.Open(r.Context(), actor, dispute.OpenParams{
		JobRef:         req.JobRef,
		ClientID:       req.ClientID,
		ProfessionalID: req.ProfessionalID,
		Title:          req.Title,
		Description:    req.Description,
		AmountDisputed: req.AmountDisputed,
		Priority:       dispute.Priority(req.Priority),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(c))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := withPrincipal(w, r, nil)
	if !ok {
		return
	}
	view, err := s.engine.GetDispute(r.Context(), actor, chi.URLParam(r, "disputeID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(view))
}

func (s *Server) handleDisputeStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	id := chi.URLParam(r, "disputeID")

	var (
		c   dispute.Case
		err error
	)
	switch dispute.Status(strings.TrimSpace(req.Status)) {
	case dispute.StatusInProgress:
		c, err = s.engine.Disputes.MarkInProgress(r.Context(), actor, id)
	case dispute.StatusResolved:
		c, err = s.engine.Disputes.MarkResolved(r.Context(), actor, id)
	case dispute.StatusClosed:
		c, err = s.engine.Disputes.Close(r.Context(), actor, id)
	default:
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be in_progress, resolved or closed")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(c))
}

func (s *Server) handleSetDeadline(w http.ResponseWriter, r *http.Request) {
	var req deadlineRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	c, err := s.engine.Disputes.SetResponseDeadline(r.Context(), actor, chi.URLParam(r, "disputeID"), req.Deadline)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(c))
}

func (s *Server) handleRecordMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	if err := s.engine.Disputes.RecordMessage(r.Context(), actor, chi.URLParam(r, "disputeID"), req.MessageRef); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttachEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	ev, err := s.engine.Disputes.AttachEvidence(r.Context(), actor, chi.URLParam(r, "disputeID"), dispute.EvidenceRef{
		FileName:     req.FileName,
		FileURL:      req.FileURL,
		FileType:     req.FileType,
		FileSize:     req.FileSize,
		EvidenceType: req.EvidenceType,
		Description:  req.Description,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEvidenceDTO(ev))
}

func (s *Server) handleListTimeline(w http.ResponseWriter, r *http.Request) {
	actor, ok := withPrincipal(w, r, nil)
	if !ok {
		return
	}
	events, err := s.engine.ListTimeline(r.Context(), actor, chi.URLParam(r, "disputeID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapSlice(events, toTimelineResponse)})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := withPrincipal(w, r, nil)
	if !ok {
		return
	}
	entries, err := s.engine.ListAudit(r.Context(), actor, chi.URLParam(r, "disputeID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapSlice(entries, toAuditResponse)})
}

func (s *Server) handleListEnforcement(w http.ResponseWriter, r *http.Request) {
	actor, ok := withPrincipal(w, r, nil)
	if !ok {
		return
	}
	actions, err := s.engine.ListEnforcementLog(r.Context(), actor, chi.URLParam(r, "disputeID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapSlice(actions, toEnforcementResponse)})
}

func (s *Server) handleListResolutions(w http.ResponseWriter, r *http.Request) {
	actor, ok := withPrincipal(w, r, nil)
	if !ok {
		return
	}
	proposals, err := s.engine.ListResolutions(r.Context(), actor, chi.URLParam(r, "disputeID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapSlice(proposals, toProposalResponse)})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	p, err := s.engine.Resolutions.Propose(r.Context(), actor, resolution.ProposeParams{
		DisputeID:   chi.URLParam(r, "disputeID"),
		Terms:       req.Terms.terms(),
		Reasoning:   req.Reasoning,
		CoolOffDays: req.CoolOffDays,
		AppealDays:  req.AppealDays,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalResponse(p))
}

func (s *Server) handleAgree(w http.ResponseWriter, r *http.Request) {
	var req agreeRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	p, err := s.engine.Resolutions.Agree(r.Context(), actor, resolution.AgreeParams{
		ResolutionID:    chi.URLParam(r, "resolutionID"),
		Side:            resolution.Side(req.Side),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalResponse(p))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	p, err := s.engine.Resolutions.Reject(r.Context(), actor, resolution.RejectParams{
		ResolutionID:    chi.URLParam(r, "resolutionID"),
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalResponse(p))
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	var req appealRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	p, err := s.engine.Resolutions.Appeal(r.Context(), actor, resolution.AppealParams{
		ResolutionID: chi.URLParam(r, "resolutionID"),
		Side:         resolution.Side(req.Side),
		Reason:       req.Reason,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalResponse(p))
}

func (s *Server) handleOverrideExecute(w http.ResponseWriter, r *http.Request) {
	actor, ok := withPrincipal(w, r, nil)
	if !ok {
		return
	}
	p, err := s.engine.Resolutions.AdminOverrideExecute(r.Context(), actor, chi.URLParam(r, "resolutionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toProposalResponse(p))
}

func (s *Server) handleListCounters(w http.ResponseWriter, r *http.Request) {
	actor, ok := withPrincipal(w, r, nil)
	if !ok {
		return
	}
	counters, err := s.engine.ListCounterProposals(r.Context(), actor, chi.URLParam(r, "resolutionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mapSlice(counters, toCounterResponse)})
}

func (s *Server) handleSubmitCounter(w http.ResponseWriter, r *http.Request) {
	var req counterRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	cp, err := s.engine.Counters.Submit(r.Context(), actor, resolution.SubmitParams{
		ResolutionID: chi.URLParam(r, "resolutionID"),
		Side:         resolution.Side(req.Side),
		Terms:        req.Terms.terms(),
		Note:         req.Note,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCounterResponse(cp))
}

func (s *Server) handleAcceptCounter(w http.ResponseWriter, r *http.Request) {
	actor, ok := withPrincipal(w, r, nil)
	if !ok {
		return
	}
	cp, p, err := s.engine.Counters.Accept(r.Context(), actor, chi.URLParam(r, "counterID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counter":    toCounterResponse(cp),
		"resolution": toProposalResponse(p),
	})
}

func (s *Server) handleRejectCounter(w http.ResponseWriter, r *http.Request) {
	actor, ok := withPrincipal(w, r, nil)
	if !ok {
		return
	}
	cp, err := s.engine.Counters.Reject(r.Context(), actor, chi.URLParam(r, "counterID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCounterResponse(cp))
}

func (s *Server) handleWithdrawCounter(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	actor, ok := withPrincipal(w, r, &req)
	if !ok {
		return
	}
	cp, err := s.engine.Counters.Withdraw(r.Context(), actor, chi.URLParam(r, "counterID"), resolution.Side(req.Side))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCounterResponse(cp))
}
