// Package scheduler drives agreed proposals through enforcement once their
// execution date arrives.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	ExecutionLease time.Duration
	BatchSize      int
	// TickLeaseTTL bounds how long one replica may hold the tick lease.
	TickLeaseTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseBackoff:    30 * time.Second,
		MaxBackoff:     30 * time.Minute,
		ExecutionLease: 5 * time.Minute,
		BatchSize:      100,
		TickLeaseTTL:   time.Minute,
	}
}

// Outcome is what happened to one candidate during a tick.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeRetry    Outcome = "retry"
	OutcomeFailed   Outcome = "failed"
	// OutcomeLost means another actor changed the proposal first: an
	// appeal, a reject, or a concurrent tick.
	OutcomeLost Outcome = "lost"
)

type TickResult struct {
	Skipped  bool
	Outcomes map[string]Outcome
}

// Count returns how many candidates ended with o.
func (r TickResult) Count(o Outcome) int {
	n := 0
	for _, got := range r.Outcomes {
		if got == o {
			n++
		}
	}
	return n
}

type Scheduler struct {
	pool      db.TxBeginner
	proposals *resolution.Service
	executor  *enforcement.Executor
	lease     TickLease
	metrics   *Metrics
	log       *zap.Logger
	cfg       Config
	now       func() time.Time
}

type Option func(*Scheduler)

func WithLease(l TickLease) Option {
	return func(s *Scheduler) { s.lease = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(pool db.TxBeginner, proposals *resolution.Service, executor *enforcement.Executor, log *zap.Logger, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ExecutionLease <= 0 {
		cfg.ExecutionLease = def.ExecutionLease
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.TickLeaseTTL <= 0 {
		cfg.TickLeaseTTL = def.TickLeaseTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		pool:      pool,
		proposals: proposals,
		executor:  executor,
		metrics:   NewMetrics(nil),
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick scans due proposals once and runs each to an outcome.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, s.cfg.TickLeaseTTL)
		if err != nil {
			return TickResult{}, err
		}
		if !ok {
			return TickResult{Skipped: true}, nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release tick lease", zap.Error(err))
			}
		}()
	}

	ids, err := s.proposals.ListDue(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("scheduler: list due: %w", err)
	}

	res := TickResult{Outcomes: make(map[string]Outcome, len(ids))}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome, err := s.RunOne(ctx, id)
		if err != nil {
			s.log.Warn("scheduler run failed", zap.String("resolution_id", id), zap.Error(err))
			continue
		}
		res.Outcomes[id] = outcome
	}
	return res, nil
}

// Run adapts Tick to a cron job.
func (s *Scheduler) Run(ctx context.Context) {
	res, err := s.Tick(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error("scheduler tick", zap.Error(err))
		}
		return
	}
	if res.Skipped {
		s.log.Debug("scheduler tick skipped, lease held elsewhere")
		return
	}
	if len(res.Outcomes) > 0 {
		s.log.Info("scheduler tick",
			zap.Int("executed", res.Count(OutcomeExecuted)),
			zap.Int("retry", res.Count(OutcomeRetry)),
			zap.Int("failed", res.Count(OutcomeFailed)),
			zap.Int("lost", res.Count(OutcomeLost)),
		)
	}
}

// RunOne claims one proposal, runs the executor without holding the row
// lock, then re-locks to commit the result.
func (s *Scheduler) RunOne(ctx context.Context, resolutionID string) (Outcome, error) {
	p, err := s.proposals.ClaimDue(ctx, resolutionID, s.cfg.ExecutionLease)
	if err != nil {
		if errors.Is(err, apperr.ErrConcurrencyConflict) {
			return OutcomeLost, nil
		}
		return "", err
	}
	s.metrics.Claims.Inc()

	performed, execErr := s.executor.Execute(ctx, p.ID)
	if execErr == nil {
		return s.commitSuccess(ctx, p, performed)
	}
	return s.commitFailure(ctx, p, execErr)
}

func (s *Scheduler) commitSuccess(ctx context.Context, p resolution.Proposal, performed []enforcement.Action) (Outcome, error) {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.proposals.MarkExecutedWithin(ctx, tx, p.DisputeID, p.ID, p.ExecutionAttempts); err != nil {
			return err
		}
		if alreadyEnded(performed) {
			// A previous run appended execute_end; the ledger stays as is.
			return nil
		}
		_, err := s.executor.Ledger().Append(ctx, tx, s.executor.NewEnd(p, performed))
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConcurrencyConflict) {
			s.metrics.Executions.WithLabelValues(string(OutcomeLost)).Inc()
			return OutcomeLost, nil
		}
		return "", fmt.Errorf("scheduler: commit success: %w", err)
	}
	s.metrics.Executions.WithLabelValues(string(OutcomeExecuted)).Inc()
	s.log.Info("resolution executed",
		zap.String("resolution_id", p.ID),
		zap.String("dispute_id", p.DisputeID),
		zap.Int("attempt", p.ExecutionAttempts),
	)
	return OutcomeExecuted, nil
}

func (s *Scheduler) commitFailure(ctx context.Context, p resolution.Proposal, execErr error) (Outcome, error) {
	terminal := errors.Is(execErr, apperr.ErrTerminal) || p.ExecutionAttempts >= s.cfg.MaxAttempts
	reason := execErr.Error()
	if terminal && !errors.Is(execErr, apperr.ErrTerminal) {
		reason = fmt.Sprintf("gave up after %d attempts: %s", p.ExecutionAttempts, reason)
	}
	retryAt := s.now().UTC().Add(Backoff(s.cfg.BaseBackoff, s.cfg.MaxBackoff, p.ExecutionAttempts))

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.proposals.RecordFailureWithin(ctx, tx, p.DisputeID, p.ID, resolution.FailureParams{
			Attempt:  p.ExecutionAttempts,
			Reason:   reason,
			Terminal: terminal,
			RetryAt:  retryAt,
		}); err != nil {
			return err
		}
		_, err := s.executor.Ledger().Append(ctx, tx, s.executor.NewFailure(p, execErr))
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConcurrencyConflict) {
			return OutcomeLost, nil
		}
		return "", fmt.Errorf("scheduler: commit failure: %w", err)
	}

	if terminal {
		s.metrics.Executions.WithLabelValues(string(OutcomeFailed)).Inc()
		s.log.Error("resolution execution failed, mediator attention required",
			zap.String("resolution_id", p.ID),
			zap.String("dispute_id", p.DisputeID),
			zap.Int("attempt", p.ExecutionAttempts),
			zap.Error(execErr),
		)
		return OutcomeFailed, nil
	}
	s.metrics.Executions.WithLabelValues(string(OutcomeRetry)).Inc()
	s.metrics.Retries.Inc()
	s.log.Warn("resolution execution will retry",
		zap.String("resolution_id", p.ID),
		zap.Int("attempt", p.ExecutionAttempts),
		zap.Time("retry_at", retryAt),
		zap.Error(execErr),
	)
	return OutcomeRetry, nil
}

func alreadyEnded(actions []enforcement.Action) bool {
	for _, a := range actions {
		if a.Kind == enforcement.ActionExecuteEnd {
			return true
		}
	}
	return false
}
