package engine_test

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine/enginetest"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys map[string][]string
}

func (p *recordingPublisher) Publish(_ context.Context, msg outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[msg.Key] = append(p.keys[msg.Key], msg.Topic)
	return nil
}

type pgFixture struct {
	ctx          context.Context
	engine       *engine.Engine
	clock        *enginetest.Clock
	payments     *enginetest.Payments
	client       auth.Principal
	professional auth.Principal
	exec         func(sql string, args ...any) error
}

// newPGFixture connects to DATABASE_URL and migrates it. Every fixture uses
// fresh party ids, so runs against a shared database do not interfere.
func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{MaxConns: 8})
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := enginetest.NewClock(time.Now().UTC().Truncate(time.Second))
	payments := enginetest.NewPayments()
	cfg := engine.DefaultConfig()
	eng := engine.New(engine.PostgresStores(pool), payments, zaptest.NewLogger(t), cfg, engine.WithClock(clock.Now))

	suffix := uuid.NewString()
	return &pgFixture{
		ctx:          ctx,
		engine:       eng,
		clock:        clock,
		payments:     payments,
		client:       auth.Principal{ID: "client-" + suffix, Capabilities: []auth.Capability{auth.CapClient}},
		professional: auth.Principal{ID: "pro-" + suffix, Capabilities: []auth.Capability{auth.CapProfessional}},
		exec: func(sql string, args ...any) error {
			_, err := pool.Exec(ctx, sql, args...)
			return err
		},
	}
}

func (f *pgFixture) open(t *testing.T) dispute.Case {
	t.Helper()
	c, err := f.engine.Disputes.Open(f.ctx, enginetest.Mediator, dispute.OpenParams{
		JobRef:         "contract-" + uuid.NewString(),
		ClientID:       f.client.ID,
		ProfessionalID: f.professional.ID,
		Title:          "Bathroom refit over budget",
		AmountDisputed: decimal.RequireFromString("250.00"),
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	return c
}

func (f *pgFixture) propose(t *testing.T, disputeID string) resolution.Proposal {
	t.Helper()
	p, err := f.engine.Resolutions.Propose(f.ctx, enginetest.Mediator, resolution.ProposeParams{
		DisputeID:   disputeID,
		Terms:       enginetest.Compromise("120.00"),
		Reasoning:   enginetest.LongReasoning,
		CoolOffDays: 1,
		AppealDays:  7,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return p
}

func TestResolutionLifecycle_Postgres(t *testing.T) {
	f := newPGFixture(t)
	c := f.open(t)
	p := f.propose(t, c.ID)

	if _, err := f.engine.Resolutions.Agree(f.ctx, f.client, resolution.AgreeParams{ResolutionID: p.ID, Side: resolution.SideClient, ExpectedVersion: p.Version}); err != nil {
		t.Fatalf("client agree: %v", err)
	}
	// The client's agreement bumped the version, so the professional's
	// snapshot is stale.
	if _, err := f.engine.Resolutions.Agree(f.ctx, f.professional, resolution.AgreeParams{ResolutionID: p.ID, Side: resolution.SideProfessional, ExpectedVersion: p.Version}); err == nil {
		t.Fatalf("expected a concurrency conflict for a stale version")
	}
	agreed, err := f.engine.Resolutions.Agree(f.ctx, f.professional, resolution.AgreeParams{ResolutionID: p.ID, Side: resolution.SideProfessional})
	if err != nil {
		t.Fatalf("professional agree: %v", err)
	}
	if agreed.Status != resolution.StatusAgreed {
		t.Fatalf("expected agreed, got %s", agreed.Status)
	}

	// Not due yet.
	if _, err := f.engine.Scheduler.Tick(f.ctx); err != nil {
		t.Fatalf("early tick: %v", err)
	}
	if got, _ := f.engine.Resolutions.Get(f.ctx, p.ID); got.Status != resolution.StatusAgreed {
		t.Fatalf("executed before the cooling-off period: %s", got.Status)
	}

	f.clock.Advance(25 * time.Hour)
	if _, err := f.engine.Scheduler.Tick(f.ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := f.engine.Scheduler.Tick(f.ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	got, err := f.engine.Resolutions.Get(f.ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != resolution.StatusExecuted || got.ExecutedAt == nil {
		t.Fatalf("expected executed, got %s", got.Status)
	}
	view, err := f.engine.GetDispute(f.ctx, f.client, c.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if view.Case.Status != dispute.StatusResolved {
		t.Fatalf("expected resolved dispute, got %s", view.Case.Status)
	}

	ledger, err := f.engine.ListEnforcementLog(f.ctx, enginetest.Mediator, c.ID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(f.payments.Moves()) == 0 {
		t.Fatalf("expected the executor to move money")
	}
	if n := enginetest.CountKind(ledger, enforcement.ActionExecuteEnd); n != 1 {
		t.Fatalf("expected one execute_end, got %d", n)
	}
	if ledger[0].Kind != enforcement.ActionExecuteBegin || ledger[len(ledger)-1].Kind != enforcement.ActionExecuteEnd {
		t.Fatalf("ledger not bracketed: first %s last %s", ledger[0].Kind, ledger[len(ledger)-1].Kind)
	}

	entries, err := f.engine.ListAudit(f.ctx, enginetest.Mediator, c.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected audit entries")
	}

	// The ledgers are append-only at the database level.
	if err := f.exec(`UPDATE audit_entries SET action = 'tampered' WHERE dispute_id = $1`, c.ID); err == nil {
		t.Fatalf("expected audit update to be refused")
	}
	if err := f.exec(`DELETE FROM disputes WHERE id = $1`, c.ID); err == nil {
		t.Fatalf("expected dispute delete to be refused")
	}
	err = f.exec(`INSERT INTO enforcement_actions (id, resolution_id, dispute_id, action) VALUES ($1, $2, $3, 'execute_end')`, uuid.NewString(), p.ID, c.ID)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		t.Fatalf("expected unique violation for a second execute_end, got %v", err)
	}

	pub := &recordingPublisher{keys: make(map[string][]string)}
	relay := f.engine.Relay(pub, zaptest.NewLogger(t), outbox.WithBatchSize(500))
	for i := 0; i < 20; i++ {
		n, err := relay.Flush(f.ctx)
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
		if n == 0 {
			break
		}
	}
	if !slices.Contains(pub.keys[c.ID], outbox.TopicProposalExecuted) {
		t.Fatalf("expected an executed event for the dispute, got %v", pub.keys[c.ID])
	}
}

func TestConcurrentProposals_Postgres(t *testing.T) {
	f := newPGFixture(t)
	c := f.open(t)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Resolutions.Propose(f.ctx, enginetest.Mediator, resolution.ProposeParams{
				DisputeID: c.ID,
				Terms:     enginetest.Compromise("50.00"),
				Reasoning: enginetest.LongReasoning,
			})
		}()
	}
	wg.Wait()

	proposals, err := f.engine.ListResolutions(f.ctx, enginetest.Mediator, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	live := 0
	for _, p := range proposals {
		if !p.Status.Terminal() {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live proposal, got %d of %d", live, len(proposals))
	}
}

func TestCounterSubmitRacesPropose_Postgres(t *testing.T) {
	f := newPGFixture(t)
	c := f.open(t)

	for round := 0; round < 10; round++ {
		parent := f.propose(t, c.ID)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		note := func(err error) {
			if err == nil {
				return
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := f.engine.Counters.Submit(f.ctx, f.professional, resolution.SubmitParams{
					ResolutionID: parent.ID,
					Side:         resolution.SideProfessional,
					Terms:        enginetest.Compromise("80.00"),
					Note:         "labour only",
				})
				note(err)
			}()
			go func() {
				defer wg.Done()
				_, err := f.engine.Resolutions.Propose(f.ctx, enginetest.Mediator, resolution.ProposeParams{
					DisputeID: c.ID,
					Terms:     enginetest.Compromise("90.00"),
					Reasoning: enginetest.LongReasoning,
				})
				note(err)
			}()
		}
		wg.Wait()

		for _, err := range errs {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "40P01" {
				t.Fatalf("round %d: deadlock between submit and propose: %v", round, err)
			}
			if !errors.Is(err, apperr.ErrInvalidTransition) && !errors.Is(err, apperr.ErrConcurrencyConflict) {
				t.Fatalf("round %d: unclassified error: %v", round, err)
			}
		}
	}
}

func TestAppealRacesScheduler_Postgres(t *testing.T) {
	f := newPGFixture(t)
	c := f.open(t)
	p := f.propose(t, c.ID)
	for _, side := range []resolution.Side{resolution.SideClient, resolution.SideProfessional} {
		actor := f.client
		if side == resolution.SideProfessional {
			actor = f.professional
		}
		if _, err := f.engine.Resolutions.Agree(f.ctx, actor, resolution.AgreeParams{ResolutionID: p.ID, Side: side}); err != nil {
			t.Fatalf("%s agree: %v", side, err)
		}
	}
	f.clock.Advance(25 * time.Hour)

	var (
		wg        sync.WaitGroup
		appealErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, appealErr = f.engine.Resolutions.Appeal(f.ctx, f.client, resolution.AppealParams{
			ResolutionID: p.ID,
			Side:         resolution.SideClient,
			Reason:       "grout cracked within a week",
		})
	}()
	go func() {
		defer wg.Done()
		if _, err := f.engine.Scheduler.Tick(f.ctx); err != nil {
			t.Errorf("tick: %v", err)
		}
	}()
	wg.Wait()

	got, err := f.engine.Resolutions.Get(f.ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ledger, err := f.engine.ListEnforcementLog(f.ctx, enginetest.Mediator, c.ID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	ends := enginetest.CountKind(ledger, enforcement.ActionExecuteEnd)
	if appealErr == nil {
		if got.Status != resolution.StatusProposed || ends != 0 {
			t.Fatalf("appeal won but proposal is %s with %d execute_end", got.Status, ends)
		}
		return
	}
	if got.Status != resolution.StatusExecuted || ends != 1 {
		t.Fatalf("scheduler won (%v) but proposal is %s with %d execute_end", appealErr, got.Status, ends)
	}
}
