package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

// Ledger implements enforcement.Repository. At most one execute_end is
// accepted per resolution.
type Ledger struct {
	s *Store
}

var _ enforcement.Repository = (*Ledger)(nil)

func (r *Ledger) Append(_ context.Context, tx pgx.Tx, a enforcement.Action) (enforcement.Action, error) {
	t, err := asTx(tx)
	if err != nil {
		return enforcement.Action{}, err
	}
	err = r.s.write(t, func() (func(), error) {
		if a.Kind == enforcement.ActionExecuteEnd {
			for _, existing := range r.s.actions {
				if existing.ResolutionID == a.ResolutionID && existing.Kind == enforcement.ActionExecuteEnd {
					return nil, apperr.ConcurrencyConflict("%v: %s", enforcement.ErrAlreadyExecuted, a.ResolutionID)
				}
			}
		}
		r.s.actionSeq++
		a.Seq = r.s.actionSeq
		r.s.actions = append(r.s.actions, a)
		id := a.ID
		return func() {
			r.s.actions = without(r.s.actions, func(x enforcement.Action) bool { return x.ID == id })
		}, nil
	})
	if err != nil {
		return enforcement.Action{}, err
	}
	return a, nil
}

func (r *Ledger) ListByResolution(_ context.Context, resolutionID string) ([]enforcement.Action, error) {
	return r.list(func(a enforcement.Action) bool { return a.ResolutionID == resolutionID }), nil
}

func (r *Ledger) ListByDispute(_ context.Context, disputeID string) ([]enforcement.Action, error) {
	return r.list(func(a enforcement.Action) bool { return a.DisputeID == disputeID }), nil
}

func (r *Ledger) list(match func(enforcement.Action) bool) []enforcement.Action {
	out := make([]enforcement.Action, 0, 8)
	r.s.read(func() {
		for _, a := range r.s.actions {
			if match(a) {
				out = append(out, a)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Audit implements audit.Repository.
type Audit struct {
	s *Store
}

var _ audit.Repository = (*Audit)(nil)

func (r *Audit) Insert(_ context.Context, tx pgx.Tx, entry audit.Entry) (audit.Entry, error) {
	t, err := asTx(tx)
	if err != nil {
		return audit.Entry{}, err
	}
	err = r.s.write(t, func() (func(), error) {
		r.s.entrySeq++
		entry.ID = r.s.entrySeq
		r.s.entries = append(r.s.entries, entry)
		id := entry.ID
		return func() {
			r.s.entries = without(r.s.entries, func(x audit.Entry) bool { return x.ID == id })
		}, nil
	})
	if err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func (r *Audit) ListByDispute(_ context.Context, disputeID string) ([]audit.Entry, error) {
	out := make([]audit.Entry, 0, 16)
	r.s.read(func() {
		for _, e := range r.s.entries {
			if e.DisputeID == disputeID {
				out = append(out, e)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Timeline implements timeline.Repository.
type Timeline struct {
	s *Store
}

var _ timeline.Repository = (*Timeline)(nil)

func (r *Timeline) Insert(_ context.Context, tx pgx.Tx, event timeline.Event) (timeline.Event, error) {
	t, err := asTx(tx)
	if err != nil {
		return timeline.Event{}, err
	}
	err = r.s.write(t, func() (func(), error) {
		r.s.eventSeq++
		event.ID = r.s.eventSeq
		r.s.events = append(r.s.events, event)
		id := event.ID
		return func() {
			r.s.events = without(r.s.events, func(x timeline.Event) bool { return x.ID == id })
		}, nil
	})
	if err != nil {
		return timeline.Event{}, err
	}
	return event, nil
}

func (r *Timeline) ListByDispute(_ context.Context, disputeID string) ([]timeline.Event, error) {
	out := make([]timeline.Event, 0, 16)
	r.s.read(func() {
		for _, e := range r.s.events {
			if e.DisputeID == disputeID {
				out = append(out, e)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Outbox implements outbox.Repository. ClaimPending skips messages locked
// by another transaction.
type Outbox struct {
	s *Store
}

var _ outbox.Repository = (*Outbox)(nil)

func outboxKey(id string) string { return "outbox:" + id }

func (r *Outbox) Insert(_ context.Context, tx pgx.Tx, msg outbox.Message) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if msg.Status == "" {
		msg.Status = outbox.StatusPending
	}
	return r.s.write(t, func() (func(), error) {
		r.s.messages = append(r.s.messages, msg)
		id := msg.ID
		return func() {
			r.s.messages = without(r.s.messages, func(x outbox.Message) bool { return x.ID == id })
		}, nil
	})
}

func (r *Outbox) ClaimPending(_ context.Context, tx pgx.Tx, limit int) ([]outbox.Message, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	var pending []outbox.Message
	r.s.read(func() {
		for _, m := range r.s.messages {
			if m.Status == outbox.StatusPending {
				pending = append(pending, m)
			}
		}
	})
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	out := make([]outbox.Message, 0, limit)
	for _, m := range pending {
		if len(out) == limit {
			break
		}
		if t.tryLock(outboxKey(m.ID)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Outbox) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	return r.update(ctx, tx, id, func(m *outbox.Message) {
		m.Status = outbox.StatusProcessed
		m.Attempts++
		m.LastAttempt = &at
	})
}

func (r *Outbox) MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string, at time.Time, dead bool) error {
	return r.update(ctx, tx, id, func(m *outbox.Message) {
		m.Status = outbox.StatusPending
		if dead {
			m.Status = outbox.StatusDead
		}
		m.Attempts++
		m.LastError = reason
		m.LastAttempt = &at
	})
}

func (r *Outbox) update(ctx context.Context, tx pgx.Tx, id string, fn func(*outbox.Message)) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, outboxKey(id)); err != nil {
		return err
	}
	return r.s.write(t, func() (func(), error) {
		for i := range r.s.messages {
			if r.s.messages[i].ID != id {
				continue
			}
			prev := r.s.messages[i]
			fn(&r.s.messages[i])
			return func() {
				for j := range r.s.messages {
					if r.s.messages[j].ID == id {
						r.s.messages[j] = prev
					}
				}
			}, nil
		}
		return nil, fmt.Errorf("outbox: message %s not found", id)
	})
}

// Messages returns a copy of every outbox message in insertion order.
func (r *Outbox) Messages() []outbox.Message {
	var out []outbox.Message
	r.s.read(func() { out = append(out, r.s.messages...) })
	return out
}
