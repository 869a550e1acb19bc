// Package engine wires the dispute services together over one set of
// repositories and exposes the read side the UI consumes.
package engine

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/memstore"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/scheduler"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

// Stores is the persistence the engine runs on. Every repository must
// understand transactions started by Pool.
type Stores struct {
	Pool        db.TxBeginner
	Disputes    dispute.Repository
	Resolutions resolution.Repository
	Ledger      enforcement.Repository
	Audit       audit.Repository
	Timeline    timeline.Repository
	Outbox      outbox.Repository
}

func PostgresStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Pool:        pool,
		Disputes:    dispute.NewRepository(pool),
		Resolutions: resolution.NewRepository(pool),
		Ledger:      enforcement.NewRepository(pool),
		Audit:       audit.NewRepository(pool),
		Timeline:    timeline.NewRepository(pool),
		Outbox:      outbox.NewRepository(),
	}
}

func MemoryStores(s *memstore.Store) Stores {
	return Stores{
		Pool:        s,
		Disputes:    s.Disputes(),
		Resolutions: s.Resolutions(),
		Ledger:      s.Ledger(),
		Audit:       s.Audit(),
		Timeline:    s.Timeline(),
		Outbox:      s.Outbox(),
	}
}

type Config struct {
	Resolution     resolution.Config
	Scheduler      scheduler.Config
	ResponseWindow time.Duration
	ExecuteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Resolution:     resolution.DefaultConfig(),
		Scheduler:      scheduler.DefaultConfig(),
		ResponseWindow: 48 * time.Hour,
		ExecuteTimeout: 20 * time.Second,
	}
}

// Engine holds the command services and background workers.
type Engine struct {
	Disputes    *dispute.Service
	Resolutions *resolution.Service
	Counters    *resolution.CounterService
	Executor    *enforcement.Executor
	Scheduler   *scheduler.Scheduler
	Escalation  *dispute.EscalationClock

	stores Stores
}

type options struct {
	now       func() time.Time
	ids       func() string
	metrics   *scheduler.Metrics
	tickLease scheduler.TickLease
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(o *options) { o.ids = gen }
}

func WithMetrics(m *scheduler.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTickLease makes scheduler ticks exclusive across replicas.
func WithTickLease(l scheduler.TickLease) Option {
	return func(o *options) { o.tickLease = l }
}

func New(stores Stores, payments enforcement.Payments, log *zap.Logger, cfg Config, opts ...Option) *Engine {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = scheduler.NewMetrics(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}

	auditLog := audit.NewLogger(stores.Audit).WithClock(o.now)
	recorder := timeline.NewRecorder(stores.Timeline).WithClock(o.now)
	writer := outbox.NewWriter(stores.Outbox).WithClock(o.now)

	disputes := dispute.NewService(stores.Pool, stores.Disputes, auditLog, recorder, writer).WithClock(o.now)
	proposals := resolution.NewService(stores.Pool, stores.Resolutions, disputes, auditLog, recorder, writer, cfg.Resolution).WithClock(o.now)
	disputes.WithResolveHook(proposals.RetireLiveWithin)
	executor := enforcement.NewExecutor(stores.Pool, stores.Ledger, proposals, disputes, payments).
		WithCallTimeout(cfg.ExecuteTimeout).
		WithClock(o.now)
	if o.ids != nil {
		writer.WithIDGenerator(o.ids)
		disputes.WithIDGenerator(o.ids)
		proposals.WithIDGenerator(o.ids)
		executor.WithIDGenerator(o.ids)
	}

	schedOpts := []scheduler.Option{scheduler.WithMetrics(o.metrics), scheduler.WithClock(o.now)}
	if o.tickLease != nil {
		schedOpts = append(schedOpts, scheduler.WithLease(o.tickLease))
	}

	return &Engine{
		Disputes:    disputes,
		Resolutions: proposals,
		Counters:    resolution.NewCounterService(proposals),
		Executor:    executor,
		Scheduler:   scheduler.New(stores.Pool, proposals, executor, log.Named("scheduler"), cfg.Scheduler, schedOpts...),
		Escalation: dispute.NewEscalationClock(disputes, log.Named("escalation"),
			dispute.WithResponseWindow(cfg.ResponseWindow),
			dispute.WithEscalationCounter(o.metrics.Escalations),
		),
		stores: stores,
	}
}

// Relay builds an outbox relay over the engine's stores.
func (e *Engine) Relay(publisher outbox.Publisher, log *zap.Logger, opts ...outbox.RelayOption) *outbox.Relay {
	return outbox.NewRelay(e.stores.Pool, e.stores.Outbox, publisher, log, opts...)
}
