package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/errs"
)

// Registry is the subset of *anchors.Registry the manager needs.
type Registry interface {
	AddObserver(obs anchors.Observer) func()
	Apply(origin string, muts []anchors.Mutation) (anchors.Result, error)
}

// writer identifies the last accepted write to an anchor id.
type writer struct {
	origin   string
	sequence uint64
}

// newer reports whether a beats b: higher sequence first, then origin id.
func (a writer) newer(b writer) bool {
	if a.sequence != b.sequence {
		return a.sequence > b.sequence
	}
	return a.origin > b.origin
}

type pendingChange struct {
	change Change
	order  uint64 // registry admission sequence
}

// Stats counts manager activity.
type Stats struct {
	Sequence    uint64
	Pending     int
	Encoded     uint64
	Applied     uint64
	Rejected    uint64
	Overwritten uint64 // changes dropped by last-writer-wins
	Origins     int
}

// Manager tracks local deltas and applies peer packets.
type Manager struct {
	origin string
	reg    Registry
	now    func() time.Time
	detach func()

	// mu guards sequencing and ownership. It is taken before the registry
	// lock by Decode, so the registry observer must never take it.
	mu       sync.Mutex
	sequence uint64
	lastSeen map[string]uint64
	owners   map[string]writer
	stats    Stats

	// pendingMu guards pending only and is a leaf lock.
	pendingMu sync.Mutex
	pending   map[string]pendingChange
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the packet timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager starts recording local changes of reg under originID.
func NewManager(originID string, reg Registry, opts ...Option) *Manager {
	m := &Manager{
		origin:   originID,
		reg:      reg,
		now:      time.Now,
		lastSeen: make(map[string]uint64),
		owners:   make(map[string]writer),
		pending:  make(map[string]pendingChange),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.detach = reg.AddObserver(m.observe)
	return m
}

// OriginID is the local origin.
func (m *Manager) OriginID() string { return m.origin }

// Close stops recording local changes.
func (m *Manager) Close() {
	if m.detach != nil {
		m.detach()
		m.detach = nil
	}
}

// observe runs under the registry lock, in admission order. Only local
// writes are recorded; a peer write supersedes any local change to the same
// id admitted before it and is never echoed back.
func (m *Manager) observe(ev anchors.Event) {
	if ev.Origin != "" {
		m.pendingMu.Lock()
		delete(m.pending, ev.Anchor.ID)
		m.pendingMu.Unlock()
		return
	}
	var c Change
	switch ev.Type {
	case anchors.EventAdded, anchors.EventUpdated:
		c = Change{Op: ChangeUpsert, ID: ev.Anchor.ID, Anchor: ev.Anchor}
	case anchors.EventRemoved:
		c = Change{Op: ChangeRemove, ID: ev.Anchor.ID}
	default:
		return
	}
	m.pendingMu.Lock()
	m.pending[c.ID] = pendingChange{change: c, order: ev.Sequence}
	m.pendingMu.Unlock()
}

// Encode drains the local changes recorded since the last successful
// encode into a packet with the next sequence. A packet is produced even
// when there are no changes.
func (m *Manager) Encode(ctx context.Context) (*Packet, error) {
	if err := errs.Checkpoint(ctx, "encode"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingMu.Lock()
	drained := make([]pendingChange, 0, len(m.pending))
	for _, pc := range m.pending {
		drained = append(drained, pc)
	}
	m.pending = make(map[string]pendingChange)
	m.pendingMu.Unlock()

	sort.Slice(drained, func(i, j int) bool { return drained[i].order < drained[j].order })
	m.sequence++
	p := &Packet{
		OriginID: m.origin,
		Sequence: m.sequence,
		SentAt:   m.now(),
		Changes:  make([]Change, len(drained)),
	}
	self := writer{origin: m.origin, sequence: m.sequence}
	for i, pc := range drained {
		p.Changes[i] = pc.change
		m.owners[pc.change.ID] = self
	}
	m.stats.Encoded++
	tracef("encoded packet %d with %d changes", p.Sequence, len(p.Changes))
	return p, nil
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrCollaborationRejected, fmt.Sprintf(format, args...))
}

// Decode applies a peer packet. Nil packets, duplicate or stale sequences,
// the local origin and empty origins are rejected with errs.ErrCollaborationRejected
// and change nothing. Changes that lose last-writer-wins against a newer
// write to the same id are skipped.
func (m *Manager) Decode(ctx context.Context, p *Packet) (anchors.Result, error) {
	if err := errs.Checkpoint(ctx, "decode"); err != nil {
		return anchors.Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case p == nil:
		m.stats.Rejected++
		return anchors.Result{}, rejected("nil packet")
	case p.OriginID == "":
		m.stats.Rejected++
		return anchors.Result{}, rejected("packet without origin")
	case p.OriginID == m.origin:
		m.stats.Rejected++
		return anchors.Result{}, rejected("packet %d from own origin %s", p.Sequence, p.OriginID)
	}
	if last, ok := m.lastSeen[p.OriginID]; ok && p.Sequence <= last {
		m.stats.Rejected++
		what := "stale"
		if p.Sequence == last {
			what = "duplicate"
		}
		return anchors.Result{}, rejected("%s packet %s/%d, last applied %d", what, p.OriginID, p.Sequence, last)
	}

	incoming := writer{origin: p.OriginID, sequence: p.Sequence}
	m.pendingMu.Lock()
	localNext := writer{origin: m.origin, sequence: m.sequence + 1}
	muts := make([]anchors.Mutation, 0, len(p.Changes))
	won := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		if c.ID == "" {
			continue
		}
		owner, owned := m.owners[c.ID]
		if _, local := m.pending[c.ID]; local {
			owner, owned = localNext, true
		}
		if owned && !incoming.newer(owner) {
			m.stats.Overwritten++
			continue
		}
		switch c.Op {
		case ChangeUpsert:
			a := c.Anchor
			a.ID = c.ID
			muts = append(muts, anchors.Mutation{Op: anchors.OpUpsert, Anchor: a, Verbatim: true})
		case ChangeRemove:
			muts = append(muts, anchors.RemoveOf(c.ID))
		default:
			continue
		}
		won = append(won, c.ID)
	}
	m.pendingMu.Unlock()

	res, err := m.reg.Apply(p.OriginID, muts)
	if err != nil {
		m.stats.Rejected++
		opsf("packet %s/%d failed to apply: %v", p.OriginID, p.Sequence, err)
		return anchors.Result{}, rejected("packet %s/%d: %v", p.OriginID, p.Sequence, err)
	}

	for _, id := range won {
		m.owners[id] = incoming
	}
	if _, known := m.lastSeen[p.OriginID]; !known {
		diagf("first packet from origin %s", p.OriginID)
	}
	m.lastSeen[p.OriginID] = p.Sequence
	m.stats.Applied++
	return res, nil
}

// Reset forgets pending deltas and id ownership after the registry has been
// reset. Per-origin sequence history is kept so replays stay rejected.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingMu.Lock()
	m.pending = make(map[string]pendingChange)
	m.pendingMu.Unlock()
	m.owners = make(map[string]writer)
}

// LastSeen returns the highest applied sequence per peer origin.
func (m *Manager) LastSeen() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.lastSeen))
	for k, v := range m.lastSeen {
		out[k] = v
	}
	return out
}

// Stats copies the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Sequence = m.sequence
	s.Origins = len(m.lastSeen)
	m.pendingMu.Lock()
	s.Pending = len(m.pending)
	m.pendingMu.Unlock()
	return s
}
