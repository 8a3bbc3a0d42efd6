package anchors

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidAnchor is returned for anchors whose payload does not
	// classify into a known kind.
	ErrInvalidAnchor = errors.New("invalid anchor")

	// ErrRetiredID is returned by Upsert for an id removed earlier in the
	// same epoch. Ids are never reused within an epoch.
	ErrRetiredID = errors.New("anchor id retired")

	// ErrStaleEpoch is returned to writers bound to an epoch that a reset
	// has since retired.
	ErrStaleEpoch = errors.New("registry epoch is stale")
)

// EventType is the anchor lifecycle transition.
type EventType uint8

const (
	EventAdded EventType = iota + 1
	EventUpdated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is published for every applied mutation, in admission order. Per
// id and epoch the sequence is Added, Updated*, Removed?.
type Event struct {
	Type     EventType
	Anchor   Anchor
	Epoch    uint64
	Sequence uint64 // registry-wide admission counter
	Origin   string // "" for local writers
}

// Observer receives events synchronously on the mutation path. It must not
// block and must not call back into the Registry.
type Observer func(Event)

// Op is a mutation verb.
type Op uint8

const (
	OpUpsert Op = iota + 1
	OpRemove
)

// Mutation is one element of an atomic batch.
type Mutation struct {
	Op     Op
	Anchor Anchor // OpUpsert
	ID     string // OpRemove

	// Verbatim keeps the supplied CreatedAt/UpdatedAt instead of stamping
	// them from the registry clock. Used for seeds and peer deltas.
	Verbatim bool
}

// UpsertOf builds an upsert mutation.
func UpsertOf(a Anchor) Mutation { return Mutation{Op: OpUpsert, Anchor: a} }

// RemoveOf builds a remove mutation.
func RemoveOf(id string) Mutation { return Mutation{Op: OpRemove, ID: id} }

// Result summarises an applied batch.
type Result struct {
	Applied int
	Skipped int // removes of unknown ids, upserts of retired ids
}

// Registry is the type-partitioned anchor store. All mutations are
// serialized by mu and published as a new immutable Snapshot; readers load
// the current snapshot without locking.
type Registry struct {
	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	index     map[string]Kind
	retired   map[string]struct{}
	observers map[int]Observer
	nextObs   int
	sequence  uint64
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry at epoch 1.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		index:     make(map[string]Kind),
		retired:   make(map[string]struct{}),
		observers: make(map[int]Observer),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(emptySnapshot(1, 0))
	return r
}

// AddObserver registers obs and returns a function that removes it.
func (r *Registry) AddObserver(obs Observer) func() {
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = obs
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// Snapshot returns the latest committed state.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Epoch returns the current reset generation.
func (r *Registry) Epoch() uint64 {
	return r.current.Load().epoch
}

// Upsert inserts or replaces a single anchor. An empty id is allocated.
func (r *Registry) Upsert(a Anchor) (Anchor, error) {
	if a.ID == "" {
		a.ID = NewID()
	}
	res, err := r.Apply("", []Mutation{UpsertOf(a)})
	if err != nil {
		return Anchor{}, err
	}
	if res.Applied == 0 {
		return Anchor{}, fmt.Errorf("%w: %s", ErrRetiredID, a.ID)
	}
	stored, _ := r.Snapshot().Get(a.ID)
	return stored, nil
}

// Remove deletes id. Unknown ids are a no-op and report false.
func (r *Registry) Remove(id string) bool {
	res, _ := r.Apply("", []Mutation{RemoveOf(id)})
	return res.Applied > 0
}

// Apply admits a batch atomically: either every mutation is validated and
// applied under one snapshot, or none is.
func (r *Registry) Apply(origin string, muts []Mutation) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(0, origin, muts)
}

// Clear empties all buckets and starts a new epoch. No per-anchor events
// are published; the new epoch is the reset signal.
func (r *Registry) Clear() uint64 {
	epoch, _ := r.Reset(nil)
	return epoch
}

// Reset starts a new epoch holding exactly seed. Seed anchors keep their
// ids and timestamps and are published as Added under the new epoch. Every
// other id the registry has held stays retired. An invalid seed leaves the
// registry untouched.
func (r *Registry) Reset(seed []Anchor) (uint64, error) {
	muts := make([]Mutation, len(seed))
	for i, a := range seed {
		muts[i] = Mutation{Op: OpUpsert, Anchor: a, Verbatim: true}
	}
	if err := validate(muts); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current.Load()
	for id := range r.index {
		r.retired[id] = struct{}{}
	}
	for _, a := range seed {
		delete(r.retired, a.ID)
	}
	r.index = make(map[string]Kind, len(seed))
	r.current.Store(emptySnapshot(cur.epoch+1, cur.version+1))
	if _, err := r.applyLocked(0, "", muts); err != nil {
		return 0, err
	}
	return cur.epoch + 1, nil
}

// Writer returns a handle whose batches are refused once the registry has
// moved past epoch. Trackers write through one so that work started before
// a reset cannot leak into the next epoch.
func (r *Registry) Writer(epoch uint64) *Writer {
	return &Writer{r: r, epoch: epoch}
}

// Writer is an epoch-bound mutation handle.
type Writer struct {
	r     *Registry
	epoch uint64
}

// Epoch is the generation the writer is bound to.
func (w *Writer) Epoch() uint64 { return w.epoch }

// Apply admits a batch if the registry is still at the writer's epoch.
func (w *Writer) Apply(origin string, muts []Mutation) (Result, error) {
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	return w.r.applyLocked(w.epoch, origin, muts)
}

func validate(muts []Mutation) error {
	for i := range muts {
		m := &muts[i]
		switch m.Op {
		case OpUpsert:
			if m.Anchor.ID == "" {
				return fmt.Errorf("%w: mutation %d has no id", ErrInvalidAnchor, i)
			}
			if _, ok := Classify(m.Anchor.Payload); !ok {
				return fmt.Errorf("%w: anchor %s has payload %T", ErrInvalidAnchor, m.Anchor.ID, m.Anchor.Payload)
			}
		case OpRemove:
		default:
			return fmt.Errorf("%w: mutation %d has op %d", ErrInvalidAnchor, i, m.Op)
		}
	}
	return nil
}

// applyLocked requires r.mu. An epoch of zero skips the epoch guard.
func (r *Registry) applyLocked(epoch uint64, origin string, muts []Mutation) (Result, error) {
	var res Result
	cur := r.current.Load()
	if epoch != 0 && epoch != cur.epoch {
		return res, fmt.Errorf("%w: writer epoch %d, registry epoch %d", ErrStaleEpoch, epoch, cur.epoch)
	}
	if err := validate(muts); err != nil {
		return res, err
	}
	if len(muts) == 0 {
		return res, nil
	}

	next := &Snapshot{epoch: cur.epoch, version: cur.version + 1, buckets: cur.buckets}
	var dirty [numKinds]bool
	bucket := func(k Kind) map[string]Anchor {
		if !dirty[k] {
			clone := make(map[string]Anchor, len(next.buckets[k])+1)
			for id, a := range next.buckets[k] {
				clone[id] = a
			}
			next.buckets[k] = clone
			dirty[k] = true
		}
		return next.buckets[k]
	}

	now := r.now()
	events := make([]Event, 0, len(muts))
	for _, m := range muts {
		switch m.Op {
		case OpUpsert:
			a := m.Anchor
			if _, gone := r.retired[a.ID]; gone {
				res.Skipped++
				continue
			}
			kind, _ := Classify(a.Payload)
			a.Kind = kind
			a.Payload = compact(a.Payload)
			a.Transform = a.Transform.Normalized()

			typ := EventAdded
			if oldKind, exists := r.index[a.ID]; exists {
				typ = EventUpdated
				old := next.buckets[oldKind][a.ID]
				if oldKind != kind {
					delete(bucket(oldKind), a.ID)
				}
				if !m.Verbatim || a.CreatedAt.IsZero() {
					a.CreatedAt = old.CreatedAt
				}
			} else if !m.Verbatim || a.CreatedAt.IsZero() {
				a.CreatedAt = now
			}
			if !m.Verbatim || a.UpdatedAt.IsZero() {
				a.UpdatedAt = now
			}

			bucket(kind)[a.ID] = a
			r.index[a.ID] = kind
			r.sequence++
			events = append(events, Event{Type: typ, Anchor: a, Epoch: next.epoch, Sequence: r.sequence, Origin: origin})
			res.Applied++

		case OpRemove:
			kind, exists := r.index[m.ID]
			if !exists {
				res.Skipped++
				continue
			}
			b := bucket(kind)
			old := b[m.ID]
			delete(b, m.ID)
			delete(r.index, m.ID)
			r.retired[m.ID] = struct{}{}
			r.sequence++
			events = append(events, Event{Type: EventRemoved, Anchor: old, Epoch: next.epoch, Sequence: r.sequence, Origin: origin})
			res.Applied++
		}
	}

	if res.Applied == 0 {
		return res, nil
	}
	r.current.Store(next)
	for _, ev := range events {
		for _, obs := range r.observers {
			obs(ev)
		}
	}
	return res, nil
}

// Snapshot is an immutable, point-in-time view of every bucket.
type Snapshot struct {
	epoch   uint64
	version uint64
	buckets [numKinds]map[string]Anchor
}

func emptySnapshot(epoch, version uint64) *Snapshot {
	s := &Snapshot{epoch: epoch, version: version}
	for k := range s.buckets {
		s.buckets[k] = map[string]Anchor{}
	}
	return s
}

// Epoch is the reset generation the snapshot belongs to.
func (s *Snapshot) Epoch() uint64 { return s.epoch }

// Version increases with every committed mutation batch and reset.
func (s *Snapshot) Version() uint64 { return s.version }

// Len is the number of live anchors.
func (s *Snapshot) Len() int {
	n := 0
	for _, b := range s.buckets {
		n += len(b)
	}
	return n
}

// LenKind is the number of live anchors of kind k.
func (s *Snapshot) LenKind(k Kind) int {
	if !k.Valid() {
		return 0
	}
	return len(s.buckets[k])
}

// Get looks up an anchor by id across all buckets.
func (s *Snapshot) Get(id string) (Anchor, bool) {
	for _, b := range s.buckets {
		if a, ok := b[id]; ok {
			return a, true
		}
	}
	return Anchor{}, false
}

// Bucket returns the anchors of kind k sorted by id.
func (s *Snapshot) Bucket(k Kind) []Anchor {
	if !k.Valid() {
		return nil
	}
	out := make([]Anchor, 0, len(s.buckets[k]))
	for _, a := range s.buckets[k] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every live anchor ordered by creation time, then id.
func (s *Snapshot) All() []Anchor {
	out := make([]Anchor, 0, s.Len())
	for _, b := range s.buckets {
		for _, a := range b {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
