package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

// Resolutions implements resolution.Repository, including the one live
// proposal per dispute constraint.
type Resolutions struct {
	s *Store
}

var _ resolution.Repository = (*Resolutions)(nil)

func proposalKey(id string) string { return "proposal:" + id }

func counterKey(id string) string { return "counter:" + id }

func live(s resolution.Status) bool {
	return s == resolution.StatusProposed || s == resolution.StatusAgreed || s == resolution.StatusExecuting
}

// checkProposal enforces the table constraints. Callers hold s.mu.
func (r *Resolutions) checkProposal(p resolution.Proposal) error {
	if p.Terms.FaultClient+p.Terms.FaultProfessional != 100 {
		return fmt.Errorf("resolution: fault split %d/%d violates check constraint", p.Terms.FaultClient, p.Terms.FaultProfessional)
	}
	if !live(p.Status) {
		return nil
	}
	for id, other := range r.s.proposals {
		if id != p.ID && other.DisputeID == p.DisputeID && live(other.Status) {
			return apperr.ConcurrencyConflict("resolution: dispute %s already has live proposal %s", p.DisputeID, id)
		}
	}
	return nil
}

func (r *Resolutions) Insert(ctx context.Context, tx pgx.Tx, p resolution.Proposal) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, proposalKey(p.ID)); err != nil {
		return err
	}
	return r.s.write(t, func() (func(), error) {
		if _, exists := r.s.proposals[p.ID]; exists {
			return nil, fmt.Errorf("resolution: insert: duplicate id %s", p.ID)
		}
		if err := r.checkProposal(p); err != nil {
			return nil, err
		}
		r.s.proposals[p.ID] = p
		return func() { delete(r.s.proposals, p.ID) }, nil
	})
}

func (r *Resolutions) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (resolution.Proposal, error) {
	t, err := asTx(tx)
	if err != nil {
		return resolution.Proposal{}, err
	}
	if err := t.lock(ctx, proposalKey(id)); err != nil {
		return resolution.Proposal{}, err
	}
	return r.Get(ctx, id)
}

func (r *Resolutions) Update(ctx context.Context, tx pgx.Tx, p resolution.Proposal) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, proposalKey(p.ID)); err != nil {
		return err
	}
	return r.s.write(t, func() (func(), error) {
		prev, ok := r.s.proposals[p.ID]
		if !ok {
			return nil, apperr.NotFound("resolution: %s not found", p.ID)
		}
		if err := r.checkProposal(p); err != nil {
			return nil, err
		}
		r.s.proposals[p.ID] = p
		return func() { r.s.proposals[p.ID] = prev }, nil
	})
}

func (r *Resolutions) Get(_ context.Context, id string) (resolution.Proposal, error) {
	var (
		p  resolution.Proposal
		ok bool
	)
	r.s.read(func() { p, ok = r.s.proposals[id] })
	if !ok {
		return resolution.Proposal{}, apperr.NotFound("resolution: %s not found", id)
	}
	return p, nil
}

func (r *Resolutions) LockLiveByDispute(ctx context.Context, tx pgx.Tx, disputeID string) ([]resolution.Proposal, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	candidates, err := r.ListByDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	out := make([]resolution.Proposal, 0, 1)
	for _, p := range candidates {
		if !live(p.Status) {
			continue
		}
		if err := t.lock(ctx, proposalKey(p.ID)); err != nil {
			return nil, err
		}
		// Re-read under the lock; the row may have moved on while we waited.
		p, err = r.Get(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if live(p.Status) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Resolutions) ListByDispute(_ context.Context, disputeID string) ([]resolution.Proposal, error) {
	out := make([]resolution.Proposal, 0, 4)
	r.s.read(func() {
		for _, p := range r.s.proposals {
			if p.DisputeID == disputeID {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Resolutions) ListDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	type due struct {
		id string
		at time.Time
	}
	var found []due
	r.s.read(func() {
		for _, p := range r.s.proposals {
			switch {
			case p.Status == resolution.StatusAgreed && !p.AutoExecuteDate.After(now):
				found = append(found, due{p.ID, p.AutoExecuteDate})
			case p.Status == resolution.StatusExecuting && p.NextAttemptAt != nil && !p.NextAttemptAt.After(now):
				found = append(found, due{p.ID, *p.NextAttemptAt})
			}
		}
	})
	sort.Slice(found, func(i, j int) bool {
		if !found[i].at.Equal(found[j].at) {
			return found[i].at.Before(found[j].at)
		}
		return found[i].id < found[j].id
	})
	ids := make([]string, 0, len(found))
	for _, d := range found {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, d.id)
	}
	return ids, nil
}

func (r *Resolutions) InsertCounter(ctx context.Context, tx pgx.Tx, c resolution.CounterProposal) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, counterKey(c.ID)); err != nil {
		return err
	}
	return r.s.write(t, func() (func(), error) {
		if _, exists := r.s.counters[c.ID]; exists {
			return nil, fmt.Errorf("resolution: insert counter: duplicate id %s", c.ID)
		}
		if _, ok := r.s.proposals[c.ResolutionID]; !ok {
			return nil, fmt.Errorf("resolution: insert counter: unknown proposal %s", c.ResolutionID)
		}
		r.s.counters[c.ID] = c
		return func() { delete(r.s.counters, c.ID) }, nil
	})
}

func (r *Resolutions) GetCounterForUpdate(ctx context.Context, tx pgx.Tx, id string) (resolution.CounterProposal, error) {
	t, err := asTx(tx)
	if err != nil {
		return resolution.CounterProposal{}, err
	}
	if err := t.lock(ctx, counterKey(id)); err != nil {
		return resolution.CounterProposal{}, err
	}
	return r.GetCounter(ctx, id)
}

func (r *Resolutions) UpdateCounter(ctx context.Context, tx pgx.Tx, c resolution.CounterProposal) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, counterKey(c.ID)); err != nil {
		return err
	}
	return r.s.write(t, func() (func(), error) {
		prev, ok := r.s.counters[c.ID]
		if !ok {
			return nil, apperr.NotFound("resolution: counter-proposal %s not found", c.ID)
		}
		r.s.counters[c.ID] = c
		return func() { r.s.counters[c.ID] = prev }, nil
	})
}

func (r *Resolutions) GetCounter(_ context.Context, id string) (resolution.CounterProposal, error) {
	var (
		c  resolution.CounterProposal
		ok bool
	)
	r.s.read(func() { c, ok = r.s.counters[id] })
	if !ok {
		return resolution.CounterProposal{}, apperr.NotFound("resolution: counter-proposal %s not found", id)
	}
	return c, nil
}

func (r *Resolutions) ListCounters(_ context.Context, resolutionID string) ([]resolution.CounterProposal, error) {
	out := make([]resolution.CounterProposal, 0, 4)
	r.s.read(func() {
		for _, c := range r.s.counters {
			if c.ResolutionID == resolutionID {
				out = append(out, c)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
