// Package command correlates commands we send with the results partners post
// back, and receives commands partners send to us.
package command

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ocpihub.org/internal/ocpi"
)

// Pending is a command waiting for its asynchronous result.
type Pending struct {
	CorrelationID string           `json:"correlation_id"`
	Kind          ocpi.CommandType `json:"kind"`
	PartnerID     string           `json:"partner_id"`
	ResponseURL   string           `json:"response_url"`
	IssuedAt      time.Time        `json:"issued_at"`

	deadline atomic.Int64 // unix nanos
}

// Deadline is when the sweep resolves the command as TIMEOUT.
func (p *Pending) Deadline() time.Time { return time.Unix(0, p.deadline.Load()).UTC() }

// extend moves the deadline forward, never backward.
func (p *Pending) extend(to time.Time) {
	n := to.UnixNano()
	for {
		cur := p.deadline.Load()
		if n <= cur || p.deadline.CompareAndSwap(cur, n) {
			return
		}
	}
}

// View is a copy of a pending command for listings.
type View struct {
	CorrelationID string           `json:"correlation_id"`
	Kind          ocpi.CommandType `json:"kind"`
	PartnerID     string           `json:"partner_id"`
	IssuedAt      time.Time        `json:"issued_at"`
	Deadline      time.Time        `json:"deadline"`
}

// Table holds pending commands. A command leaves the table exactly once: the
// caller whose CompareAndDelete succeeds owns the resolution.
type Table struct {
	m sync.Map // correlation id -> *Pending
	n atomic.Int64
}

// Add stores p under its correlation id.
func (t *Table) Add(p *Pending, deadline time.Time) {
	p.deadline.Store(deadline.UnixNano())
	t.m.Store(p.CorrelationID, p)
	t.n.Add(1)
}

// Take removes the command if it targets partnerID with the given kind.
func (t *Table) Take(correlationID, partnerID string, kind ocpi.CommandType) (*Pending, bool) {
	v, ok := t.m.Load(correlationID)
	if !ok {
		return nil, false
	}
	p := v.(*Pending)
	if p.PartnerID != partnerID || (kind != "" && p.Kind != kind) {
		return nil, false
	}
	if !t.m.CompareAndDelete(correlationID, v) {
		return nil, false
	}
	t.n.Add(-1)
	return p, true
}

// Expired removes and returns every command whose deadline is not after now.
func (t *Table) Expired(now time.Time) []*Pending {
	var out []*Pending
	cutoff := now.UnixNano()
	t.m.Range(func(k, v any) bool {
		p := v.(*Pending)
		if p.deadline.Load() > cutoff {
			return true
		}
		if t.m.CompareAndDelete(k, v) {
			t.n.Add(-1)
			out = append(out, p)
		}
		return true
	})
	return out
}

// Len counts pending commands.
func (t *Table) Len() int { return int(t.n.Load()) }

// LenFor counts pending commands targeting partnerID.
func (t *Table) LenFor(partnerID string) int {
	n := 0
	t.m.Range(func(_, v any) bool {
		if v.(*Pending).PartnerID == partnerID {
			n++
		}
		return true
	})
	return n
}

// Snapshot lists pending commands, oldest first.
func (t *Table) Snapshot() []View {
	var out []View
	t.m.Range(func(_, v any) bool {
		p := v.(*Pending)
		out = append(out, View{
			CorrelationID: p.CorrelationID,
			Kind:          p.Kind,
			PartnerID:     p.PartnerID,
			IssuedAt:      p.IssuedAt,
			Deadline:      p.Deadline(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}
