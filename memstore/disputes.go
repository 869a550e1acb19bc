package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
)

// Disputes implements dispute.Repository.
type Disputes struct {
	s *Store
}

var _ dispute.Repository = (*Disputes)(nil)

func disputeKey(id string) string { return "dispute:" + id }

func (r *Disputes) Insert(ctx context.Context, tx pgx.Tx, c dispute.Case) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, disputeKey(c.ID)); err != nil {
		return err
	}
	if c.ClientID == c.ProfessionalID {
		return fmt.Errorf("dispute: insert: client and professional must differ")
	}
	return r.s.write(t, func() (func(), error) {
		if _, exists := r.s.disputes[c.ID]; exists {
			return nil, fmt.Errorf("dispute: insert: duplicate id %s", c.ID)
		}
		r.s.disputes[c.ID] = c
		return func() { delete(r.s.disputes, c.ID) }, nil
	})
}

func (r *Disputes) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Case, error) {
	t, err := asTx(tx)
	if err != nil {
		return dispute.Case{}, err
	}
	if err := t.lock(ctx, disputeKey(id)); err != nil {
		return dispute.Case{}, err
	}
	return r.Get(ctx, id)
}

func (r *Disputes) Update(ctx context.Context, tx pgx.Tx, c dispute.Case) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, disputeKey(c.ID)); err != nil {
		return err
	}
	return r.s.write(t, func() (func(), error) {
		prev, ok := r.s.disputes[c.ID]
		if !ok {
			return nil, apperr.NotFound("dispute: %s not found", c.ID)
		}
		r.s.disputes[c.ID] = c
		return func() { r.s.disputes[c.ID] = prev }, nil
	})
}

func (r *Disputes) Get(_ context.Context, id string) (dispute.Case, error) {
	var (
		c  dispute.Case
		ok bool
	)
	r.s.read(func() { c, ok = r.s.disputes[id] })
	if !ok {
		return dispute.Case{}, apperr.NotFound("dispute: %s not found", id)
	}
	return c, nil
}

func (r *Disputes) ListEscalationCandidates(_ context.Context, now time.Time, limit int) ([]string, error) {
	var due []dispute.Case
	r.s.read(func() {
		for _, c := range r.s.disputes {
			if c.Status.Active() && c.ResponseDeadline != nil && !c.ResponseDeadline.After(now) {
				due = append(due, c)
			}
		}
	})
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ResponseDeadline.Equal(*due[j].ResponseDeadline) {
			return due[i].ResponseDeadline.Before(*due[j].ResponseDeadline)
		}
		return due[i].ID < due[j].ID
	})
	ids := make([]string, 0, len(due))
	for _, c := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (r *Disputes) InsertEvidence(_ context.Context, tx pgx.Tx, e dispute.Evidence) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	return r.s.write(t, func() (func(), error) {
		if _, ok := r.s.disputes[e.DisputeID]; !ok {
			return nil, fmt.Errorf("dispute: insert evidence: unknown dispute %s", e.DisputeID)
		}
		r.s.evidence = append(r.s.evidence, e)
		return func() {
			r.s.evidence = without(r.s.evidence, func(x dispute.Evidence) bool { return x.ID == e.ID })
		}, nil
	})
}

func (r *Disputes) ListEvidence(_ context.Context, disputeID string) ([]dispute.Evidence, error) {
	out := make([]dispute.Evidence, 0, 8)
	r.s.read(func() {
		for _, e := range r.s.evidence {
			if e.DisputeID == disputeID {
				out = append(out, e)
			}
		}
	})
	return out, nil
}
