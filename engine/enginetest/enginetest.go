// Package enginetest builds an engine over memstore with a manual clock and
// a recording payments fake.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/memstore"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

var (
	Mediator     = auth.Principal{ID: "mediator-1", Capabilities: []auth.Capability{auth.CapMediator}}
	Admin        = auth.Principal{ID: "admin-1", Capabilities: []auth.Capability{auth.CapAdmin}}
	Client       = auth.Principal{ID: "client-1", Capabilities: []auth.Capability{auth.CapClient}}
	Professional = auth.Principal{ID: "pro-1", Capabilities: []auth.Capability{auth.CapProfessional}}
	Stranger     = auth.Principal{ID: "stranger-1", Capabilities: []auth.Capability{auth.CapClient}}
)

// Epoch is where every harness clock starts.
var Epoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// LongReasoning passes the default minimum reasoning length.
var LongReasoning = strings.Repeat("x", 60)

type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Call is one payments invocation seen by Payments.
type Call struct {
	Step       enforcement.StepKind
	ContractID string
	Amount     decimal.Decimal
	Key        string
}

// Payments records calls and deduplicates them by idempotency key the way
// the real collaborator does. Fail, when set, is consulted before each call.
type Payments struct {
	mu    sync.Mutex
	calls []Call
	seen  map[string]bool
	Fail  func(step enforcement.StepKind, attempt int) error
	tries map[enforcement.StepKind]int
}

func NewPayments() *Payments {
	return &Payments{seen: make(map[string]bool), tries: make(map[enforcement.StepKind]int)}
}

func (p *Payments) Refund(_ context.Context, contractID string, amount decimal.Decimal, key string) (enforcement.Receipt, error) {
	return p.record(Call{Step: enforcement.StepRefund, ContractID: contractID, Amount: amount, Key: key})
}

func (p *Payments) Release(_ context.Context, contractID string, amount decimal.Decimal, key string) (enforcement.Receipt, error) {
	return p.record(Call{Step: enforcement.StepRelease, ContractID: contractID, Amount: amount, Key: key})
}

func (p *Payments) Settle(_ context.Context, contractID string, key string) (enforcement.Receipt, error) {
	return p.record(Call{Step: enforcement.StepSettle, ContractID: contractID, Key: key})
}

func (p *Payments) record(c Call) (enforcement.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tries[c.Step]++
	if p.Fail != nil {
		if err := p.Fail(c.Step, p.tries[c.Step]); err != nil {
			return enforcement.Receipt{}, err
		}
	}
	if !p.seen[c.Key] {
		p.seen[c.Key] = true
		p.calls = append(p.calls, c)
	}
	return enforcement.Receipt{Reference: fmt.Sprintf("ref-%s", c.Key)}, nil
}

// Moves returns the distinct movements performed, one per idempotency key.
func (p *Payments) Moves() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Attempts returns how many times step was invoked, duplicates included.
func (p *Payments) Attempts(step enforcement.StepKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tries[step]
}

type Harness struct {
	T        testing.TB
	Ctx      context.Context
	Clock    *Clock
	Store    *memstore.Store
	Payments *Payments
	Engine   *engine.Engine
}

// New builds a harness. mutate, when given, adjusts the default config.
func New(t testing.TB, mutate ...func(*engine.Config)) *Harness {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Resolution.AuditValidationFailures = true
	for _, fn := range mutate {
		fn(&cfg)
	}
	clock := NewClock(Epoch)
	store := memstore.New()
	pay := NewPayments()
	eng := engine.New(engine.MemoryStores(store), pay, nil, cfg, engine.WithClock(clock.Now))
	return &Harness{
		T:        t,
		Ctx:      context.Background(),
		Clock:    clock,
		Store:    store,
		Payments: pay,
		Engine:   eng,
	}
}

// OpenDispute opens a case between Client and Professional over 100.00.
func (h *Harness) OpenDispute() dispute.Case {
	h.T.Helper()
	c, err := h.Engine.Disputes.Open(h.Ctx, Mediator, dispute.OpenParams{
		JobRef:         "contract-42",
		ClientID:       Client.ID,
		ProfessionalID: Professional.ID,
		Title:          "Tiling left unfinished",
		AmountDisputed: decimal.RequireFromString("100.00"),
	})
	if err != nil {
		h.T.Fatalf("open dispute: %v", err)
	}
	return c
}

// Compromise returns 70/30 compromise terms over amount.
func Compromise(amount string) resolution.Terms {
	return resolution.Terms{
		Type:              resolution.TypeCompromise,
		FaultClient:       70,
		FaultProfessional: 30,
		Amount:            decimal.NewNullDecimal(decimal.RequireFromString(amount)),
	}
}

// Propose issues terms on disputeID as Mediator with a one day cooling-off
// period and a seven day appeal window.
func (h *Harness) Propose(disputeID string, terms resolution.Terms) resolution.Proposal {
	h.T.Helper()
	p, err := h.Engine.Resolutions.Propose(h.Ctx, Mediator, resolution.ProposeParams{
		DisputeID:   disputeID,
		Terms:       terms,
		Reasoning:   LongReasoning,
		CoolOffDays: 1,
		AppealDays:  7,
	})
	if err != nil {
		h.T.Fatalf("propose: %v", err)
	}
	return p
}

// AgreeBoth records agreement from both parties.
func (h *Harness) AgreeBoth(resolutionID string) resolution.Proposal {
	h.T.Helper()
	if _, err := h.Engine.Resolutions.Agree(h.Ctx, Client, resolution.AgreeParams{ResolutionID: resolutionID, Side: resolution.SideClient}); err != nil {
		h.T.Fatalf("client agree: %v", err)
	}
	p, err := h.Engine.Resolutions.Agree(h.Ctx, Professional, resolution.AgreeParams{ResolutionID: resolutionID, Side: resolution.SideProfessional})
	if err != nil {
		h.T.Fatalf("professional agree: %v", err)
	}
	return p
}

// Proposal reloads a proposal.
func (h *Harness) Proposal(id string) resolution.Proposal {
	h.T.Helper()
	p, err := h.Engine.Resolutions.Get(h.Ctx, id)
	if err != nil {
		h.T.Fatalf("get proposal %s: %v", id, err)
	}
	return p
}

// Dispute reloads a case.
func (h *Harness) Dispute(id string) dispute.Case {
	h.T.Helper()
	c, err := h.Engine.Disputes.Get(h.Ctx, id)
	if err != nil {
		h.T.Fatalf("get dispute %s: %v", id, err)
	}
	return c
}

// Ledger lists the enforcement actions of a resolution.
func (h *Harness) Ledger(resolutionID string) []enforcement.Action {
	h.T.Helper()
	actions, err := h.Store.Ledger().ListByResolution(h.Ctx, resolutionID)
	if err != nil {
		h.T.Fatalf("ledger: %v", err)
	}
	return actions
}

// CountKind counts actions of kind.
func CountKind(actions []enforcement.Action, kind enforcement.ActionKind) int {
	n := 0
	for _, a := range actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
