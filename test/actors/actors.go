package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

var mediator = auth.Principal{ID: "stress-mediator", Capabilities: []auth.Capability{auth.CapMediator}}

var reasoning = strings.Repeat("The evidence supports splitting the cost of rework. ", 2)

type party struct {
	disputeID    string
	client       auth.Principal
	professional auth.Principal
}

func (p party) principal(side resolution.Side) auth.Principal {
	if side == resolution.SideClient {
		return p.client
	}
	return p.professional
}

// World is the shared state the actors contend over: a fixed set of
// disputes and the proposals issued against them.
type World struct {
	Engine *engine.Engine
	Now    func() time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	parties   []party
	proposals map[string]string // dispute id -> latest proposal id
	outcomes  map[string]int
}

func NewWorld(eng *engine.Engine, now func() time.Time, seed int64) *World {
	return &World{
		Engine:    eng,
		Now:       now,
		rng:       rand.New(rand.NewSource(seed)),
		proposals: make(map[string]string),
		outcomes:  make(map[string]int),
	}
}

// Seed opens n disputes between distinct parties, starts a short response
// window on each and issues one proposal.
func (w *World) Seed(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		p := party{
			client:       auth.Principal{ID: fmt.Sprintf("client-%d", i), Capabilities: []auth.Capability{auth.CapClient}},
			professional: auth.Principal{ID: fmt.Sprintf("pro-%d", i), Capabilities: []auth.Capability{auth.CapProfessional}},
		}
		c, err := w.Engine.Disputes.Open(ctx, mediator, dispute.OpenParams{
			JobRef:         fmt.Sprintf("contract-%d", i),
			ClientID:       p.client.ID,
			ProfessionalID: p.professional.ID,
			Title:          "stress dispute",
			AmountDisputed: decimal.NewFromInt(int64(100 + i)),
		})
		if err != nil {
			return fmt.Errorf("seed dispute %d: %w", i, err)
		}
		p.disputeID = c.ID
		w.parties = append(w.parties, p)
		if _, err := w.Engine.Disputes.SetResponseDeadline(ctx, mediator, c.ID, w.Now().Add(6*time.Hour)); err != nil {
			return fmt.Errorf("seed deadline %d: %w", i, err)
		}
		if err := w.propose(ctx, p); err != nil {
			return fmt.Errorf("seed proposal %d: %w", i, err)
		}
	}
	return nil
}

// Outcomes returns how often each error kind was observed, keyed by kind.
func (w *World) Outcomes() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.outcomes))
	for k, v := range w.outcomes {
		out[k] = v
	}
	return out
}

func (w *World) record(op string, err error) {
	key := op + ":ok"
	if err != nil {
		if kind := apperr.Kind(err); kind != nil {
			key = op + ":" + kind.Error()
		} else {
			key = op + ":other"
		}
	}
	w.mu.Lock()
	w.outcomes[key]++
	w.mu.Unlock()
}

func (w *World) pick() (party, string, resolution.Side) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.parties[w.rng.Intn(len(w.parties))]
	side := resolution.SideClient
	if w.rng.Intn(2) == 0 {
		side = resolution.SideProfessional
	}
	return p, w.proposals[p.disputeID], side
}

func (w *World) intn(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.Intn(n)
}

func (w *World) propose(ctx context.Context, p party) error {
	client := 10 * w.intn(11)
	prop, err := w.Engine.Resolutions.Propose(ctx, mediator, resolution.ProposeParams{
		DisputeID: p.disputeID,
		Terms: resolution.Terms{
			Type:              resolution.TypeCompromise,
			FaultClient:       client,
			FaultProfessional: 100 - client,
			Amount:            decimal.NewNullDecimal(decimal.NewFromInt(int64(40 + w.intn(60)))),
		},
		Reasoning:   reasoning,
		CoolOffDays: 1,
		AppealDays:  2,
	})
	w.record("propose", err)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.proposals[p.disputeID] = prop.ID
	w.mu.Unlock()
	return nil
}

// loop calls step until ctx ends or stop closes, sleeping a jittered pause
// between calls. Domain and connection errors are expected under contention
// and chaos; the oracles judge the outcome.
func loop(ctx context.Context, stop <-chan struct{}, minPause, jitter int, step func(context.Context)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step(ctx)
		time.Sleep(time.Duration(minPause+rand.Intn(jitter)) * time.Millisecond)
	}
}

// Proposer issues fresh mediator proposals, superseding whatever is live.
func Proposer(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 150, 150, func(ctx context.Context) {
		p, _, _ := w.pick()
		_ = w.propose(ctx, p)
	})
}

// Agreer records consent from a random side, half the time with the
// version it last observed.
func Agreer(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 10, 30, func(ctx context.Context) {
		p, resolutionID, side := w.pick()
		params := resolution.AgreeParams{ResolutionID: resolutionID, Side: side}
		if w.intn(2) == 0 {
			if seen, err := w.Engine.Resolutions.Get(ctx, resolutionID); err == nil {
				params.ExpectedVersion = seen.Version
			}
		}
		_, err := w.Engine.Resolutions.Agree(ctx, p.principal(side), params)
		w.record("agree", err)
	})
}

// Rejecter occasionally vetoes the live proposal.
func Rejecter(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 300, 400, func(ctx context.Context) {
		p, resolutionID, side := w.pick()
		_, err := w.Engine.Resolutions.Reject(ctx, p.principal(side), resolution.RejectParams{
			ResolutionID: resolutionID,
			Reason:       "terms unacceptable",
		})
		w.record("reject", err)
	})
}

// Appealer re-opens agreed proposals, racing the scheduler's claim.
func Appealer(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 40, 60, func(ctx context.Context) {
		p, resolutionID, side := w.pick()
		_, err := w.Engine.Resolutions.Appeal(ctx, p.principal(side), resolution.AppealParams{
			ResolutionID: resolutionID,
			Side:         side,
			Reason:       "new evidence",
		})
		w.record("appeal", err)
	})
}

// Counterer submits counter-proposals and has the other side accept some
// of them.
func Counterer(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 100, 200, func(ctx context.Context) {
		p, resolutionID, side := w.pick()
		cp, err := w.Engine.Counters.Submit(ctx, p.principal(side), resolution.SubmitParams{
			ResolutionID: resolutionID,
			Side:         side,
			Terms: resolution.Terms{
				Type:              resolution.TypePartialRefund,
				FaultClient:       50,
				FaultProfessional: 50,
				Amount:            decimal.NewNullDecimal(decimal.NewFromInt(50)),
			},
			Note: "meet halfway",
		})
		w.record("counter.submit", err)
		if err != nil || w.intn(3) != 0 {
			return
		}
		_, accepted, err := w.Engine.Counters.Accept(ctx, p.principal(side.Opposite()), cp.ID)
		w.record("counter.accept", err)
		if err == nil {
			w.mu.Lock()
			w.proposals[p.disputeID] = accepted.ID
			w.mu.Unlock()
		}
	})
}

// Ticker runs scheduler ticks back to back. Several tickers model replicas
// without a tick lease.
func Ticker(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 20, 40, func(ctx context.Context) {
		_, err := w.Engine.Scheduler.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.record("tick", err)
		}
	})
}

// Messenger records party messages, which count as responses for the
// escalation clock.
func Messenger(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 250, 250, func(ctx context.Context) {
		p, _, side := w.pick()
		err := w.Engine.Disputes.RecordMessage(ctx, p.principal(side), p.disputeID, fmt.Sprintf("msg-%d", w.intn(1_000_000)))
		w.record("message", err)
	})
}

// Escalator runs the escalation clock.
func Escalator(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 200, 200, func(ctx context.Context) {
		_, err := w.Engine.Escalation.Tick(ctx)
		w.record("escalation", err)
	})
}
