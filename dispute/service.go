package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

// Service owns every write to a dispute case.
type Service struct {
	pool        db.TxBeginner
	repo        Repository
	audit       *audit.Logger
	timeline    *timeline.Recorder
	outbox      *outbox.Writer
	idGenerator func() string
	now         func() time.Time
	// beforeResolve runs inside a manual resolve, after the case lock.
	beforeResolve func(ctx context.Context, tx pgx.Tx, caseID, actorID string) error
}

func NewService(pool db.TxBeginner, repo Repository, auditLog *audit.Logger, tl *timeline.Recorder, ob *outbox.Writer) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		audit:       auditLog,
		timeline:    tl,
		outbox:      ob,
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

// WithResolveHook installs fn to settle outstanding proposals when a
// mediator resolves a case by hand.
func (s *Service) WithResolveHook(fn func(ctx context.Context, tx pgx.Tx, caseID, actorID string) error) *Service {
	s.beforeResolve = fn
	return s
}

type OpenParams struct {
	JobRef         string
	ClientID       string
	ProfessionalID string
	Title          string
	Description    string
	AmountDisputed decimal.Decimal
	Priority       Priority
}

// Open creates a case in status open. Staff may open any case; a party may
// open a case naming themselves.
func (s *Service) Open(ctx context.Context, actor auth.Principal, params OpenParams) (Case, error) {
	params.ClientID = strings.TrimSpace(params.ClientID)
	params.ProfessionalID = strings.TrimSpace(params.ProfessionalID)
	params.JobRef = strings.TrimSpace(params.JobRef)

	if params.ClientID == "" || params.ProfessionalID == "" {
		return Case{}, apperr.Validation("dispute: client and professional ids are required")
	}
	if params.ClientID == params.ProfessionalID {
		return Case{}, apperr.Validation("dispute: client and professional must differ")
	}
	if params.JobRef == "" {
		return Case{}, apperr.Validation("dispute: job reference is required")
	}
	if params.AmountDisputed.IsNegative() {
		return Case{}, apperr.Validation("dispute: amount disputed must not be negative")
	}
	if params.Priority == "" {
		params.Priority = PriorityMedium
	}
	if !params.Priority.Valid() {
		return Case{}, apperr.Validation("dispute: unknown priority %q", params.Priority)
	}
	if !actor.Staff() && actor.ID != params.ClientID && actor.ID != params.ProfessionalID {
		return Case{}, apperr.Forbidden("dispute: open requires a party or mediator")
	}

	now := s.now().UTC()
	c := Case{
		ID:              s.idGenerator(),
		JobRef:          params.JobRef,
		ClientID:        params.ClientID,
		ProfessionalID:  params.ProfessionalID,
		Title:           params.Title,
		Description:     params.Description,
		Status:          StatusOpen,
		Priority:        params.Priority,
		EscalationLevel: 1,
		AmountDisputed:  params.AmountDisputed.Round(2),
		OpenedBy:        actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.repo.Insert(ctx, tx, c); err != nil {
			return err
		}
		if err := s.audit.Append(ctx, tx, c.ID, actor.ID, audit.ActionDisputeOpened, audit.DisputeOpened{
			JobRef:         c.JobRef,
			ClientID:       c.ClientID,
			ProfessionalID: c.ProfessionalID,
			AmountDisputed: c.AmountDisputed.StringFixed(2),
		}); err != nil {
			return err
		}
		if err := s.appendTimeline(ctx, tx, c.ID, timeline.EventDisputeOpened, actor.ID, map[string]any{
			"title":    c.Title,
			"priority": string(c.Priority),
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, outbox.TopicDisputeStatusChanged, c.ID, map[string]any{
			"dispute_id": c.ID,
			"previous":   "",
			"next":       string(StatusOpen),
		})
	})
	if err != nil {
		return Case{}, fmt.Errorf("dispute: open: %w", err)
	}
	return c, nil
}

// MarkInProgress moves an open case under active mediation.
func (s *Service) MarkInProgress(ctx context.Context, actor auth.Principal, caseID string) (Case, error) {
	return s.transition(ctx, actor, caseID, StatusInProgress, StatusOpen)
}

// MarkResolved settles a case by hand. Outstanding proposals are rejected
// through the resolve hook.
func (s *Service) MarkResolved(ctx context.Context, actor auth.Principal, caseID string) (Case, error) {
	return s.transition(ctx, actor, caseID, StatusResolved, StatusOpen, StatusInProgress)
}

// Close is terminal. The row is kept for audit.
func (s *Service) Close(ctx context.Context, actor auth.Principal, caseID string) (Case, error) {
	return s.transition(ctx, actor, caseID, StatusClosed, StatusResolved)
}

func (s *Service) transition(ctx context.Context, actor auth.Principal, caseID string, next Status, from ...Status) (Case, error) {
	if !actor.Staff() {
		return Case{}, apperr.Forbidden("dispute: %s requires a mediator", next)
	}

	var out Case
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.repo.GetForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if !statusIn(c.Status, from) {
			return apperr.InvalidTransition("dispute: cannot move %s from %s to %s", c.ID, c.Status, next)
		}
		if next == StatusResolved && s.beforeResolve != nil {
			if err := s.beforeResolve(ctx, tx, c.ID, actor.ID); err != nil {
				return err
			}
		}
		out, err = s.applyStatus(ctx, tx, c, next, actor.ID, "")
		return err
	})
	if err != nil {
		return Case{}, fmt.Errorf("dispute: %s: %w", next, err)
	}
	return out, nil
}

func (s *Service) applyStatus(ctx context.Context, tx pgx.Tx, c Case, next Status, actorID, reason string) (Case, error) {
	prev := c.Status
	now := s.now().UTC()
	c.Status = next
	c.UpdatedAt = now
	switch next {
	case StatusResolved:
		c.ResolvedAt = &now
	case StatusClosed:
		c.ClosedAt = &now
	}
	if err := s.repo.Update(ctx, tx, c); err != nil {
		return Case{}, err
	}
	if err := s.audit.Append(ctx, tx, c.ID, actorID, audit.ActionStatusChanged, audit.StatusChanged{
		Subject:   "dispute",
		SubjectID: c.ID,
		From:      string(prev),
		To:        string(next),
		Reason:    reason,
	}); err != nil {
		return Case{}, err
	}
	if err := s.appendTimeline(ctx, tx, c.ID, timeline.EventDisputeStatus, actorID, map[string]any{
		"previous_status": string(prev),
		"next_status":     string(next),
	}); err != nil {
		return Case{}, err
	}
	if err := s.enqueue(ctx, tx, outbox.TopicDisputeStatusChanged, c.ID, map[string]any{
		"dispute_id": c.ID,
		"previous":   string(prev),
		"next":       string(next),
	}); err != nil {
		return Case{}, err
	}
	return c, nil
}

// SetResponseDeadline starts a response window the escalation clock watches.
func (s *Service) SetResponseDeadline(ctx context.Context, actor auth.Principal, caseID string, deadline time.Time) (Case, error) {
	if !actor.Staff() {
		return Case{}, apperr.Forbidden("dispute: setting deadlines requires a mediator")
	}
	now := s.now().UTC()
	if !deadline.After(now) {
		return Case{}, apperr.Validation("dispute: deadline must be in the future")
	}
	deadline = deadline.UTC()

	var out Case
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.repo.GetForUpdate(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if !c.Status.Active() {
			return apperr.InvalidTransition("dispute: %s is %s", c.ID, c.Status)
		}
		c.ResponseDeadline = &deadline
		c.DeadlineSetAt = &now
		c.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, c); err != nil {
			return err
		}
		if err := s.audit.Append(ctx, tx, c.ID, actor.ID, audit.ActionDeadlineSet, audit.DeadlineSet{Deadline: deadline}); err != nil {
			return err
		}
		if err := s.appendTimeline(ctx, tx, c.ID, timeline.EventDeadlineSet, actor.ID, map[string]any{
			"response_deadline": deadline,
		}); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Case{}, fmt.Errorf("dispute: set deadline: %w", err)
	}
	return out, nil
}

// RecordMessage notes that a message was exchanged on the case. Transport is
// external; only the reference is kept.
func (s *Service) RecordMessage(ctx context.Context, actor auth.Principal, caseID, messageRef string) error {
	if strings.TrimSpace(messageRef) == "" {
		return apperr.Validation("dispute: message reference is required")
	}
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.lockForActivity(ctx, tx, actor, caseID)
		if err != nil {
			return err
		}
		if err := s.touchResponse(ctx, tx, c, actor); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, c.ID, actor.ID, audit.ActionMessageSent, audit.MessageSent{MessageRef: messageRef})
	})
	if err != nil {
		return fmt.Errorf("dispute: record message: %w", err)
	}
	return nil
}

// AttachEvidence stores a reference to an already uploaded file.
func (s *Service) AttachEvidence(ctx context.Context, actor auth.Principal, caseID string, ref EvidenceRef) (Evidence, error) {
	if strings.TrimSpace(ref.FileName) == "" || strings.TrimSpace(ref.FileURL) == "" {
		return Evidence{}, apperr.Validation("dispute: evidence needs a file name and url")
	}
	if ref.FileSize < 0 {
		return Evidence{}, apperr.Validation("dispute: evidence file size must not be negative")
	}

	var out Evidence
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.lockForActivity(ctx, tx, actor, caseID)
		if err != nil {
			return err
		}
		ev := Evidence{
			ID:          s.idGenerator(),
			DisputeID:   c.ID,
			UploadedBy:  actor.ID,
			EvidenceRef: ref,
			CreatedAt:   s.now().UTC(),
		}
		if err := s.repo.InsertEvidence(ctx, tx, ev); err != nil {
			return err
		}
		if err := s.touchResponse(ctx, tx, c, actor); err != nil {
			return err
		}
		if err := s.audit.Append(ctx, tx, c.ID, actor.ID, audit.ActionEvidenceUploaded, audit.EvidenceUploaded{
			EvidenceID:   ev.ID,
			FileName:     ev.FileName,
			EvidenceType: ev.EvidenceType,
		}); err != nil {
			return err
		}
		if err := s.appendTimeline(ctx, tx, c.ID, timeline.EventEvidenceAdded, actor.ID, map[string]any{
			"evidence_id": ev.ID,
			"file_name":   ev.FileName,
		}); err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		return Evidence{}, fmt.Errorf("dispute: attach evidence: %w", err)
	}
	return out, nil
}

func (s *Service) lockForActivity(ctx context.Context, tx pgx.Tx, actor auth.Principal, caseID string) (Case, error) {
	c, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return Case{}, err
	}
	if !actor.Staff() && !c.IsParty(actor.ID) {
		return Case{}, apperr.Forbidden("dispute: %s is not a participant", actor.ID)
	}
	if c.Status == StatusClosed {
		return Case{}, apperr.InvalidTransition("dispute: %s is closed", c.ID)
	}
	return c, nil
}

// touchResponse records party activity, which satisfies an open response
// deadline. Staff activity does not.
func (s *Service) touchResponse(ctx context.Context, tx pgx.Tx, c Case, actor auth.Principal) error {
	if !c.IsParty(actor.ID) {
		return nil
	}
	now := s.now().UTC()
	c.LastResponseAt = &now
	c.UpdatedAt = now
	return s.repo.Update(ctx, tx, c)
}

func (s *Service) Get(ctx context.Context, id string) (Case, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	return s.repo.ListEvidence(ctx, disputeID)
}

// LockForProposal takes the case row lock inside tx and checks that
// proposals may be issued. Callers must take it before any proposal lock.
func (s *Service) LockForProposal(ctx context.Context, tx pgx.Tx, caseID string) (Case, error) {
	c, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return Case{}, err
	}
	if !c.Status.Active() {
		return Case{}, apperr.InvalidTransition("dispute: %s is %s", c.ID, c.Status)
	}
	return c, nil
}

// Lock takes the case row lock inside tx without a status check.
func (s *Service) Lock(ctx context.Context, tx pgx.Tx, caseID string) (Case, error) {
	return s.repo.GetForUpdate(ctx, tx, caseID)
}

// ResolveWithin marks a locked case resolved on behalf of the system. Cases
// already resolved or closed are left alone.
func (s *Service) ResolveWithin(ctx context.Context, tx pgx.Tx, c Case, reason string) (Case, error) {
	if !c.Status.Active() {
		return c, nil
	}
	return s.applyStatus(ctx, tx, c, StatusResolved, "", reason)
}

// FlagAttentionWithin raises the needs-attention flag on a locked case.
func (s *Service) FlagAttentionWithin(ctx context.Context, tx pgx.Tx, c Case, reason string) (Case, error) {
	now := s.now().UTC()
	c.NeedsAttention = true
	c.AttentionReason = reason
	c.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, c); err != nil {
		return Case{}, err
	}
	if err := s.audit.Append(ctx, tx, c.ID, "", audit.ActionAttentionFlagged, audit.AttentionFlagged{Reason: reason}); err != nil {
		return Case{}, err
	}
	return c, nil
}

func (s *Service) appendTimeline(ctx context.Context, tx pgx.Tx, disputeID string, eventType timeline.EventType, actorID string, payload map[string]any) error {
	if s.timeline == nil {
		return nil
	}
	return s.timeline.Append(ctx, tx, disputeID, "", eventType, actorID, payload)
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, topic, key, payload)
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
