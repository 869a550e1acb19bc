package enforcement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

// ProposalReader loads the proposal being enforced.
type ProposalReader interface {
	Get(ctx context.Context, id string) (resolution.Proposal, error)
}

// DisputeReader loads the dispute a proposal belongs to.
type DisputeReader interface {
	Get(ctx context.Context, id string) (dispute.Case, error)
}

const defaultCallTimeout = 20 * time.Second

// Executor moves money for a proposal through the payments collaborator. It
// never holds a proposal lock: the scheduler has already claimed the
// proposal, and the ledger makes repeated runs safe.
type Executor struct {
	pool        db.TxBeginner
	ledger      Repository
	proposals   ProposalReader
	disputes    DisputeReader
	payments    Payments
	callTimeout time.Duration
	idGenerator func() string
	now         func() time.Time
}

func NewExecutor(pool db.TxBeginner, ledger Repository, proposals ProposalReader, disputes DisputeReader, payments Payments) *Executor {
	return &Executor{
		pool:        pool,
		ledger:      ledger,
		proposals:   proposals,
		disputes:    disputes,
		payments:    payments,
		callTimeout: defaultCallTimeout,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (e *Executor) WithCallTimeout(d time.Duration) *Executor {
	if d > 0 {
		e.callTimeout = d
	}
	return e
}

func (e *Executor) WithIDGenerator(gen func() string) *Executor {
	e.idGenerator = gen
	return e
}

func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// IdempotencyKey is the key passed to the collaborator for one step.
func IdempotencyKey(resolutionID string, step StepKind) string {
	return resolutionID + ":" + string(step)
}

// Execute runs every payment step not yet recorded in the ledger and returns
// the actions it appended. Once execute_end exists it returns the ledger
// without calling out. Errors carry apperr.ErrTransient or
// apperr.ErrTerminal; unclassified collaborator errors count as transient.
func (e *Executor) Execute(ctx context.Context, resolutionID string) ([]Action, error) {
	history, err := e.ledger.ListByResolution(ctx, resolutionID)
	if err != nil {
		return nil, apperr.Transient(err, "enforcement: read ledger")
	}
	if hasKind(history, ActionExecuteEnd) {
		return history, nil
	}

	p, err := e.proposals.Get(ctx, resolutionID)
	if err != nil {
		return nil, classifyLoad(err, "proposal")
	}
	if p.Status != resolution.StatusExecuting {
		return nil, apperr.Terminal(apperr.InvalidTransition("resolution %s is %s", p.ID, p.Status), "enforcement: refusing to execute")
	}
	c, err := e.disputes.Get(ctx, p.DisputeID)
	if err != nil {
		return nil, classifyLoad(err, "dispute")
	}

	steps, err := Plan(p.Terms, c.AmountDisputed)
	if err != nil {
		return nil, apperr.Terminal(err, "enforcement: plan")
	}

	var appended []Action
	begin, err := e.append(ctx, p, ActionExecuteBegin, BeginDetails{Attempt: p.ExecutionAttempts, Steps: len(steps)})
	if err != nil {
		return nil, err
	}
	appended = append(appended, begin)

	for _, step := range steps {
		if hasStepMarker(history, step.Kind) {
			continue
		}
		key := IdempotencyKey(p.ID, step.Kind)
		receipt, err := e.call(ctx, c.JobRef, step, key)
		if err != nil {
			return appended, err
		}
		marker, err := e.append(ctx, p, step.Kind.Marker(), PaymentDetails{
			Step:           string(step.Kind),
			ContractID:     c.JobRef,
			Amount:         step.Amount,
			IdempotencyKey: key,
			Reference:      receipt.Reference,
		})
		if err != nil {
			return appended, err
		}
		appended = append(appended, marker)
	}
	return appended, nil
}

func (e *Executor) call(ctx context.Context, contractID string, step Step, key string) (Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	var (
		receipt Receipt
		err     error
	)
	switch step.Kind {
	case StepRefund:
		receipt, err = e.payments.Refund(callCtx, contractID, step.Amount, key)
	case StepRelease:
		receipt, err = e.payments.Release(callCtx, contractID, step.Amount, key)
	case StepSettle:
		receipt, err = e.payments.Settle(callCtx, contractID, key)
	default:
		return Receipt{}, apperr.Terminal(nil, "enforcement: unknown step %q", step.Kind)
	}
	if err != nil {
		if errors.Is(err, apperr.ErrTransient) || errors.Is(err, apperr.ErrTerminal) {
			return Receipt{}, err
		}
		return Receipt{}, apperr.Transient(err, "enforcement: %s", step.Kind)
	}
	return receipt, nil
}

func (e *Executor) append(ctx context.Context, p resolution.Proposal, kind ActionKind, details Details) (Action, error) {
	a := Action{
		ID:           e.idGenerator(),
		ResolutionID: p.ID,
		DisputeID:    p.DisputeID,
		Kind:         kind,
		Details:      details,
		CreatedAt:    e.now().UTC(),
	}
	err := db.InTx(ctx, e.pool, func(tx pgx.Tx) error {
		var err error
		a, err = e.ledger.Append(ctx, tx, a)
		return err
	})
	if err != nil {
		return Action{}, apperr.Transient(err, "enforcement: record %s", kind)
	}
	return a, nil
}

// NewEnd builds the execute_end action the scheduler appends when it commits
// a successful run.
func (e *Executor) NewEnd(p resolution.Proposal, performed []Action) Action {
	steps := make([]string, 0, len(performed))
	for _, a := range performed {
		if pd, ok := a.Details.(PaymentDetails); ok {
			steps = append(steps, pd.Step)
		}
	}
	return Action{
		ID:           e.idGenerator(),
		ResolutionID: p.ID,
		DisputeID:    p.DisputeID,
		Kind:         ActionExecuteEnd,
		Details:      EndDetails{Attempt: p.ExecutionAttempts, Steps: steps},
		CreatedAt:    e.now().UTC(),
	}
}

// NewFailure builds the failed action recorded alongside a failed attempt.
func (e *Executor) NewFailure(p resolution.Proposal, cause error) Action {
	return Action{
		ID:           e.idGenerator(),
		ResolutionID: p.ID,
		DisputeID:    p.DisputeID,
		Kind:         ActionFailed,
		Details: FailureDetails{
			Attempt:   p.ExecutionAttempts,
			Error:     cause.Error(),
			Retryable: !errors.Is(cause, apperr.ErrTerminal),
		},
		CreatedAt: e.now().UTC(),
	}
}

// Ledger exposes the underlying repository to callers committing actions in
// their own transaction.
func (e *Executor) Ledger() Repository {
	return e.ledger
}

func classifyLoad(err error, what string) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Terminal(err, "enforcement: load %s", what)
	}
	return apperr.Transient(err, "enforcement: load %s", what)
}

func hasKind(actions []Action, kind ActionKind) bool {
	for _, a := range actions {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func hasStepMarker(actions []Action, step StepKind) bool {
	marker := step.Marker()
	for _, a := range actions {
		if a.Kind != marker {
			continue
		}
		if pd, ok := a.Details.(PaymentDetails); ok && pd.Step == string(step) {
			return true
		}
	}
	return false
}

// Total sums the money moved by the given actions.
func Total(actions []Action) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range actions {
		if pd, ok := a.Details.(PaymentDetails); ok {
			sum = sum.Add(pd.Amount)
		}
	}
	return sum
}
