// Package eventbus provides typed publish/subscribe topics.
//
// Publish never blocks: every subscriber owns a queue drained by its own
// goroutine into the subscriber's channel. Queue topics deliver every value
// in publish order; Latest topics keep only the newest undelivered value,
// for streams where subscribers may coalesce.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Mode selects the per-subscriber buffering policy.
type Mode int

const (
	// ModeQueue delivers every value, in order, at least once.
	ModeQueue Mode = iota
	// ModeLatest replaces an undelivered value with the newer one.
	ModeLatest
)

// Topic is a named stream of T.
type Topic[T any] struct {
	name string
	mode Mode

	mu     sync.RWMutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool

	published atomic.Uint64
}

// NewTopic creates a topic.
func NewTopic[T any](name string, mode Mode) *Topic[T] {
	return &Topic[T]{name: name, mode: mode, subs: make(map[uint64]*subscriber[T])}
}

// Name is the topic name.
func (t *Topic[T]) Name() string { return t.name }

// Published is the number of values published so far.
func (t *Topic[T]) Published() uint64 { return t.published.Load() }

// Subscribers is the current subscriber count.
func (t *Topic[T]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Subscribe registers a new subscriber. Subscribing to a closed topic
// returns a subscription whose channel is already closed.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	s := &subscriber[T]{
		out:    make(chan T),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		latest: t.mode == ModeLatest,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(s.out)
		return &Subscription[T]{C: s.out, cancel: func() {}}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = s
	t.mu.Unlock()

	go s.pump()

	var once sync.Once
	return &Subscription[T]{
		C: s.out,
		cancel: func() {
			once.Do(func() {
				t.mu.Lock()
				delete(t.subs, id)
				t.mu.Unlock()
				s.stop()
			})
		},
	}
}

// Publish hands v to every current subscriber without blocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	t.published.Add(1)
	for _, s := range t.subs {
		s.enqueue(v)
	}
}

// Close stops every subscriber. Values still queued are discarded and each
// subscriber channel is closed.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subs
	t.subs = map[uint64]*subscriber[T]{}
	t.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Subscription is a subscriber's handle. Receive from C; call Unsubscribe
// when done. C is closed after Unsubscribe or topic Close.
type Subscription[T any] struct {
	C      <-chan T
	cancel func()
}

// Unsubscribe detaches the subscriber. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() { s.cancel() }

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	latest bool

	out     chan T
	signal  chan struct{}
	done    chan struct{}
	stopped sync.Once
}

func (s *subscriber[T]) enqueue(v T) {
	s.mu.Lock()
	if s.latest {
		s.queue = append(s.queue[:0], v)
	} else {
		s.queue = append(s.queue, v)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() {
	s.stopped.Do(func() { close(s.done) })
}

func (s *subscriber[T]) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- v:
			case <-s.done:
				return
			}
		}
	}
}
