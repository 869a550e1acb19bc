package resolution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

// Config holds the proposal policy knobs.
type Config struct {
	CoolOffDays             int
	AppealDays              int
	MinReasoningLength      int
	AuditValidationFailures bool
}

func DefaultConfig() Config {
	return Config{
		CoolOffDays:        3,
		AppealDays:         7,
		MinReasoningLength: 50,
	}
}

// Service runs the proposal state machine. Every command locks the proposal
// row for the duration of its transaction, so commands on the same proposal
// apply one at a time in lock-acquisition order. Commands that also touch the
// dispute lock the dispute first.
type Service struct {
	pool        db.TxBeginner
	repo        Repository
	disputes    *dispute.Service
	audit       *audit.Logger
	timeline    *timeline.Recorder
	outbox      *outbox.Writer
	cfg         Config
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, disputes *dispute.Service, auditLog *audit.Logger, tl *timeline.Recorder, ob *outbox.Writer, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.CoolOffDays <= 0 {
		cfg.CoolOffDays = def.CoolOffDays
	}
	if cfg.AppealDays <= 0 {
		cfg.AppealDays = def.AppealDays
	}
	if cfg.MinReasoningLength <= 0 {
		cfg.MinReasoningLength = def.MinReasoningLength
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		disputes:    disputes,
		audit:       auditLog,
		timeline:    tl,
		outbox:      ob,
		cfg:         cfg,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type ProposeParams struct {
	DisputeID string
	Terms     Terms
	Reasoning string
	// CoolOffDays and AppealDays fall back to the configured defaults when
	// not positive.
	CoolOffDays int
	AppealDays  int
}

// draft is a proposal about to be inserted by proposeWithin.
type draft struct {
	terms       Terms
	reasoning   string
	proposedBy  string
	origin      Origin
	counterID   string
	coolOffDays int
	appealDays  int
}

// Propose issues a mediator proposal. Any live proposal on the dispute is
// superseded in the same transaction.
func (s *Service) Propose(ctx context.Context, actor auth.Principal, params ProposeParams) (Proposal, error) {
	if !actor.Staff() {
		return Proposal{}, apperr.Forbidden("resolution: propose requires a mediator")
	}
	if err := s.validateProposal(params); err != nil {
		s.auditValidationFailure(ctx, params.DisputeID, actor.ID, "propose", err)
		return Proposal{}, fmt.Errorf("resolution: propose: %w", err)
	}

	var out Proposal
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.disputes.LockForProposal(ctx, tx, params.DisputeID)
		if err != nil {
			return err
		}
		out, err = s.proposeWithin(ctx, tx, c, draft{
			terms:       params.Terms,
			reasoning:   params.Reasoning,
			proposedBy:  actor.ID,
			origin:      OriginMediator,
			coolOffDays: params.CoolOffDays,
			appealDays:  params.AppealDays,
		})
		return err
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("resolution: propose: %w", err)
	}
	return out, nil
}

func (s *Service) validateProposal(params ProposeParams) error {
	if params.DisputeID == "" {
		return apperr.Validation("resolution: dispute id is required")
	}
	if params.CoolOffDays < 0 || params.AppealDays < 0 {
		return apperr.Validation("resolution: cooling-off and appeal days must not be negative")
	}
	if err := ValidateTerms(params.Terms); err != nil {
		return err
	}
	return ValidateReasoning(params.Reasoning, s.cfg.MinReasoningLength)
}

// auditValidationFailure records a rejected command under its own action so
// it is never mistaken for an outcome. Failures to write it are ignored; the
// caller already has a validation error to report.
func (s *Service) auditValidationFailure(ctx context.Context, disputeID, actorID, command string, cause error) {
	if !s.cfg.AuditValidationFailures || disputeID == "" {
		return
	}
	_ = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return s.audit.Append(ctx, tx, disputeID, actorID, audit.ActionValidationFailed, audit.ValidationFailed{
			Command: command,
			Reason:  cause.Error(),
		})
	})
}

// proposeWithin supersedes the dispute's live proposals and inserts a new
// one. The dispute row must already be locked by tx.
func (s *Service) proposeWithin(ctx context.Context, tx pgx.Tx, c dispute.Case, d draft) (Proposal, error) {
	live, err := s.repo.LockLiveByDispute(ctx, tx, c.ID)
	if err != nil {
		return Proposal{}, err
	}
	for _, prior := range live {
		if prior.Status == StatusExecuting {
			return Proposal{}, apperr.InvalidTransition("resolution: %s is executing and cannot be superseded", prior.ID)
		}
	}

	now := s.now().UTC()
	coolOff := d.coolOffDays
	if coolOff <= 0 {
		coolOff = s.cfg.CoolOffDays
	}
	appeal := d.appealDays
	if appeal <= 0 {
		appeal = s.cfg.AppealDays
	}

	terms := d.terms
	if terms.Amount.Valid {
		terms.Amount.Decimal = terms.Amount.Decimal.Round(2)
	}
	p := Proposal{
		ID:                s.idGenerator(),
		DisputeID:         c.ID,
		Terms:             terms,
		Reasoning:         d.reasoning,
		ProposedBy:        d.proposedBy,
		Origin:            d.origin,
		CounterProposalID: d.counterID,
		AutoExecuteDate:   now.AddDate(0, 0, coolOff),
		AppealDeadline:    now.AddDate(0, 0, appeal),
		Status:            StatusProposed,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	supersedes := ""
	for _, prior := range live {
		if err := s.supersede(ctx, tx, prior, p.ID, d.proposedBy); err != nil {
			return Proposal{}, err
		}
		supersedes = prior.ID
	}

	if err := s.repo.Insert(ctx, tx, p); err != nil {
		return Proposal{}, err
	}

	var amount *string
	if p.Terms.Amount.Valid {
		str := p.Terms.Amount.Decimal.StringFixed(2)
		amount = &str
	}
	if err := s.audit.Append(ctx, tx, c.ID, d.proposedBy, audit.ActionOutcomeSet, audit.OutcomeSet{
		ResolutionID:      p.ID,
		Outcome:           string(StatusProposed),
		ResolutionType:    string(p.Terms.Type),
		FaultClient:       p.Terms.FaultClient,
		FaultProfessional: p.Terms.FaultProfessional,
		Amount:            amount,
		Supersedes:        supersedes,
	}); err != nil {
		return Proposal{}, err
	}
	if err := s.appendTimeline(ctx, tx, p, timeline.EventProposalCreated, d.proposedBy, map[string]any{
		"resolution_type":   string(p.Terms.Type),
		"auto_execute_date": p.AutoExecuteDate,
		"appeal_deadline":   p.AppealDeadline,
		"origin":            string(p.Origin),
	}); err != nil {
		return Proposal{}, err
	}
	if err := s.enqueue(ctx, tx, outbox.TopicProposalCreated, p, nil); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

func (s *Service) supersede(ctx context.Context, tx pgx.Tx, prior Proposal, replacementID, actorID string) error {
	from := prior.Status
	prior.Status = StatusSuperseded
	prior.SupersededBy = replacementID
	prior.Version++
	prior.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, tx, prior); err != nil {
		return err
	}
	if err := s.auditStatus(ctx, tx, prior, actorID, from, "superseded by "+replacementID); err != nil {
		return err
	}
	if err := s.appendTimeline(ctx, tx, prior, timeline.EventProposalSuperseded, actorID, map[string]any{
		"superseded_by": replacementID,
	}); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, outbox.TopicProposalSuperseded, prior, map[string]any{"superseded_by": replacementID})
}

type AgreeParams struct {
	ResolutionID string
	Side         Side
	// ExpectedVersion, when positive, must match the stored version.
	ExpectedVersion int
}

// Agree records one side's consent. Repeating it for a side that already
// agreed returns the proposal unchanged while it is still proposed or agreed. When both sides have agreed the
// proposal moves to agreed; the execution date set at proposal time stands.
func (s *Service) Agree(ctx context.Context, actor auth.Principal, params AgreeParams) (Proposal, error) {
	if !params.Side.Valid() {
		return Proposal{}, apperr.Validation("resolution: unknown side %q", params.Side)
	}

	var out Proposal
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.repo.GetForUpdate(ctx, tx, params.ResolutionID)
		if err != nil {
			return err
		}
		if err := s.authorizeSide(ctx, actor, p.DisputeID, params.Side); err != nil {
			return err
		}
		if p.Agreed(params.Side) && (p.Status == StatusProposed || p.Status == StatusAgreed) {
			out = p
			return nil
		}
		if err := checkVersion(p, params.ExpectedVersion); err != nil {
			return err
		}
		if p.Status != StatusProposed {
			return apperr.InvalidTransition("resolution: cannot agree to %s in status %s", p.ID, p.Status)
		}

		now := s.now().UTC()
		if params.Side == SideClient {
			p.ClientAgreed = true
		} else {
			p.ProfessionalAgreed = true
		}
		both := p.ClientAgreed && p.ProfessionalAgreed
		if both {
			p.Status = StatusAgreed
			p.AgreedAt = &now
		}
		p.Version++
		p.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, p); err != nil {
			return err
		}

		if err := s.audit.Append(ctx, tx, p.DisputeID, actor.ID, audit.ActionAgreementRecorded, audit.Agreement{
			ResolutionID: p.ID,
			Side:         string(params.Side),
			BothAgreed:   both,
		}); err != nil {
			return err
		}
		if both {
			if err := s.auditStatus(ctx, tx, p, actor.ID, StatusProposed, "both parties agreed"); err != nil {
				return err
			}
			if err := s.appendTimeline(ctx, tx, p, timeline.EventProposalAgreed, actor.ID, map[string]any{
				"auto_execute_date": p.AutoExecuteDate,
				"appeal_deadline":   p.AppealDeadline,
			}); err != nil {
				return err
			}
			if err := s.enqueue(ctx, tx, outbox.TopicProposalAgreed, p, nil); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("resolution: agree: %w", err)
	}
	return out, nil
}

type RejectParams struct {
	ResolutionID    string
	Reason          string
	ExpectedVersion int
}

// Reject is a terminal veto, available to either party or a mediator until
// execution starts.
func (s *Service) Reject(ctx context.Context, actor auth.Principal, params RejectParams) (Proposal, error) {
	var out Proposal
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.repo.GetForUpdate(ctx, tx, params.ResolutionID)
		if err != nil {
			return err
		}
		if !actor.Staff() {
			c, err := s.disputes.Get(ctx, p.DisputeID)
			if err != nil {
				return err
			}
			if !c.IsParty(actor.ID) {
				return apperr.Forbidden("resolution: %s may not reject %s", actor.ID, p.ID)
			}
		}
		if err := checkVersion(p, params.ExpectedVersion); err != nil {
			return err
		}
		if p.Status != StatusProposed && p.Status != StatusAgreed {
			return apperr.InvalidTransition("resolution: cannot reject %s in status %s", p.ID, p.Status)
		}

		out, err = s.rejectWithin(ctx, tx, p, actor.ID, params.Reason)
		return err
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("resolution: reject: %w", err)
	}
	return out, nil
}

func (s *Service) rejectWithin(ctx context.Context, tx pgx.Tx, p Proposal, actorID, reason string) (Proposal, error) {
	p.Status = StatusRejected
	p.RejectedBy = actorID
	p.RejectionReason = reason
	p.Version++
	p.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, tx, p); err != nil {
		return Proposal{}, err
	}
	if err := s.audit.Append(ctx, tx, p.DisputeID, actorID, audit.ActionOutcomeSet, audit.OutcomeSet{
		ResolutionID:      p.ID,
		Outcome:           string(StatusRejected),
		ResolutionType:    string(p.Terms.Type),
		FaultClient:       p.Terms.FaultClient,
		FaultProfessional: p.Terms.FaultProfessional,
		Reason:            reason,
	}); err != nil {
		return Proposal{}, err
	}
	if err := s.appendTimeline(ctx, tx, p, timeline.EventProposalRejected, actorID, map[string]any{
		"reason": reason,
	}); err != nil {
		return Proposal{}, err
	}
	if err := s.enqueue(ctx, tx, outbox.TopicProposalRejected, p, map[string]any{"reason": reason}); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// RetireLiveWithin rejects the dispute's proposed and agreed proposals on
// behalf of a mediator resolving the case by hand, so the scheduler never
// moves money on a settled case. A proposal already executing blocks the
// resolution. The dispute row must already be locked by tx.
func (s *Service) RetireLiveWithin(ctx context.Context, tx pgx.Tx, disputeID, actorID string) error {
	live, err := s.repo.LockLiveByDispute(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	for _, p := range live {
		if p.Status == StatusExecuting {
			return apperr.InvalidTransition("resolution: %s is executing; wait for it to finish", p.ID)
		}
	}
	for _, p := range live {
		if _, err := s.rejectWithin(ctx, tx, p, actorID, "dispute resolved by mediator"); err != nil {
			return err
		}
	}
	return nil
}

type AppealParams struct {
	ResolutionID string
	Side         Side
	Reason       string
}

// Appeal re-opens an agreed proposal for negotiation while the appeal window
// is open. Both agreements are cleared; the original dates are kept. It
// contends for the same row lock as the scheduler's claim, so whichever runs
// first decides the outcome.
func (s *Service) Appeal(ctx context.Context, actor auth.Principal, params AppealParams) (Proposal, error) {
	if !params.Side.Valid() {
		return Proposal{}, apperr.Validation("resolution: unknown side %q", params.Side)
	}

	var out Proposal
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.repo.GetForUpdate(ctx, tx, params.ResolutionID)
		if err != nil {
			return err
		}
		if err := s.authorizeSide(ctx, actor, p.DisputeID, params.Side); err != nil {
			return err
		}
		if p.Status != StatusAgreed {
			return apperr.InvalidTransition("resolution: cannot appeal %s in status %s", p.ID, p.Status)
		}
		now := s.now().UTC()
		if now.After(p.AppealDeadline) {
			return apperr.InvalidTransition("resolution: appeal window for %s closed at %s", p.ID, p.AppealDeadline.Format(time.RFC3339))
		}

		p.Status = StatusProposed
		p.ClientAgreed = false
		p.ProfessionalAgreed = false
		p.AgreedAt = nil
		p.Version++
		p.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, p); err != nil {
			return err
		}
		if err := s.auditStatus(ctx, tx, p, actor.ID, StatusAgreed, "appeal: "+params.Reason); err != nil {
			return err
		}
		if err := s.appendTimeline(ctx, tx, p, timeline.EventProposalAppealed, actor.ID, map[string]any{
			"side":   string(params.Side),
			"reason": params.Reason,
		}); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, outbox.TopicProposalAppealed, p, map[string]any{"side": string(params.Side)}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("resolution: appeal: %w", err)
	}
	return out, nil
}

// AdminOverrideExecute skips consensus and hands the proposal straight to
// the scheduler.
func (s *Service) AdminOverrideExecute(ctx context.Context, actor auth.Principal, resolutionID string) (Proposal, error) {
	if !actor.Has(auth.CapAdmin) {
		return Proposal{}, apperr.Forbidden("resolution: override requires the admin capability")
	}

	var out Proposal
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.repo.GetForUpdate(ctx, tx, resolutionID)
		if err != nil {
			return err
		}
		if p.Status != StatusProposed && p.Status != StatusAgreed {
			return apperr.InvalidTransition("resolution: cannot override %s in status %s", p.ID, p.Status)
		}
		from := p.Status
		now := s.now().UTC()
		p.Status = StatusExecuting
		p.NextAttemptAt = &now
		p.Version++
		p.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, p); err != nil {
			return err
		}
		if err := s.auditStatus(ctx, tx, p, actor.ID, from, "admin override"); err != nil {
			return err
		}
		if err := s.appendTimeline(ctx, tx, p, timeline.EventProposalExecuting, actor.ID, map[string]any{
			"override": true,
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("resolution: override: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (Proposal, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByDispute(ctx context.Context, disputeID string) ([]Proposal, error) {
	return s.repo.ListByDispute(ctx, disputeID)
}

func (s *Service) ListCounters(ctx context.Context, resolutionID string) ([]CounterProposal, error) {
	return s.repo.ListCounters(ctx, resolutionID)
}

func (s *Service) authorizeSide(ctx context.Context, actor auth.Principal, disputeID string, side Side) error {
	c, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	return authorizeSideOf(c, actor, side)
}

func authorizeSideOf(c dispute.Case, actor auth.Principal, side Side) error {
	want := c.ClientID
	if side == SideProfessional {
		want = c.ProfessionalID
	}
	if actor.ID == "" || actor.ID != want {
		return apperr.Forbidden("resolution: %q does not act for the %s", actor.ID, side)
	}
	return nil
}

func checkVersion(p Proposal, expected int) error {
	if expected > 0 && expected != p.Version {
		return apperr.ConcurrencyConflict("resolution: %s is at version %d, expected %d", p.ID, p.Version, expected)
	}
	return nil
}

func (s *Service) auditStatus(ctx context.Context, tx pgx.Tx, p Proposal, actorID string, from Status, reason string) error {
	return s.audit.Append(ctx, tx, p.DisputeID, actorID, audit.ActionStatusChanged, audit.StatusChanged{
		Subject:   "resolution",
		SubjectID: p.ID,
		From:      string(from),
		To:        string(p.Status),
		Reason:    reason,
	})
}

func (s *Service) appendTimeline(ctx context.Context, tx pgx.Tx, p Proposal, eventType timeline.EventType, actorID string, payload map[string]any) error {
	if s.timeline == nil {
		return nil
	}
	return s.timeline.Append(ctx, tx, p.DisputeID, p.ID, eventType, actorID, payload)
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, p Proposal, extra map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	payload := map[string]any{
		"resolution_id": p.ID,
		"dispute_id":    p.DisputeID,
		"status":        string(p.Status),
		"version":       p.Version,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return s.outbox.Enqueue(ctx, tx, topic, p.DisputeID, payload)
}
