package frames

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

// Analyzer is a frame-driven tracker. Analyze runs on the tracker's own
// goroutine, one frame at a time.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, f *Frame) error
}

// Update is the per-frame session state the processor extracts inline.
type Update struct {
	Seq           uint64
	Timestamp     time.Time
	TrackingState TrackingState
	Reason        TrackingReason
	Camera        geom.Camera
	Light         LightEstimate

	// StateChanged is set when TrackingState or Reason differ from the
	// previous frame. The first frame always reports a change.
	StateChanged bool
	Previous     TrackingState
}

// Config tunes tracker dispatch.
type Config struct {
	// MailboxSize bounds each tracker's pending frames. When full the
	// oldest pending frame is evicted.
	MailboxSize int

	// MaxTrackerRate caps frames per second handed to each tracker.
	// Zero disables the limit.
	MaxTrackerRate float64
	TrackerBurst   int
}

// DefaultConfig keeps two frames per tracker and no rate limit.
func DefaultConfig() Config {
	return Config{MailboxSize: 2}
}

// Hooks observe dispatch outcomes. Any hook may be nil. Hooks run on the
// ingestion or tracker goroutine and must not block.
type Hooks struct {
	OnDrop     func(tracker string)
	OnThrottle func(tracker string)
	OnError    func(tracker string, err error)
}

// TrackerStats counts one tracker's dispatch outcomes.
type TrackerStats struct {
	Delivered uint64
	Dropped   uint64
	Throttled uint64
	Analyzed  uint64
	Failed    uint64
}

// Stats is a point-in-time copy of processor counters.
type Stats struct {
	Processed uint64
	Trackers  map[string]TrackerStats
}

// Processor extracts session fields from each frame and routes the frame to
// every running tracker through an independent bounded mailbox. Process
// never blocks on tracker work.
type Processor struct {
	cfg   Config
	hooks Hooks

	mu      sync.Mutex
	workers []*worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	latest    atomic.Pointer[Update]
	processed atomic.Uint64
}

// NewProcessor creates an idle processor.
func NewProcessor(cfg Config, hooks Hooks) *Processor {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultConfig().MailboxSize
	}
	if cfg.TrackerBurst <= 0 {
		cfg.TrackerBurst = 1
	}
	return &Processor{cfg: cfg, hooks: hooks}
}

// Start launches one worker per analyzer, replacing any running set.
func (p *Processor) Start(ctx context.Context, analyzers ...Analyzer) {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.workers = make([]*worker, 0, len(analyzers))
	for _, a := range analyzers {
		w := &worker{
			analyzer: a,
			mailbox:  make(chan *Frame, p.cfg.MailboxSize),
			hooks:    p.hooks,
		}
		if p.cfg.MaxTrackerRate > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(p.cfg.MaxTrackerRate), p.cfg.TrackerBurst)
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(wctx)
		}()
	}
	diagf("started %d trackers", len(analyzers))
}

// Stop cancels every worker and returns without waiting for in-flight
// analysis. Pending frames are discarded. An analyzer handed to a later
// Start may still be finishing a frame from the stopped worker.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	n := len(p.workers)
	p.workers = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	diagf("stopped %d trackers", n)
}

// Wait blocks until every stopped worker has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Running reports whether workers are active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Trackers lists the names of the running analyzers.
func (p *Processor) Trackers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.workers))
	for i, w := range p.workers {
		names[i] = w.analyzer.Name()
	}
	return names
}

// Process extracts the frame's tracking state, camera and light estimate,
// then offers the frame to each tracker. Frames must be processed from a
// single ingestion goroutine.
func (p *Processor) Process(f *Frame) Update {
	prev := p.latest.Load()
	u := Update{
		Seq:           f.Seq,
		Timestamp:     f.Timestamp,
		TrackingState: f.TrackingState,
		Reason:        f.Reason,
		Camera:        f.Camera,
	}
	if f.Camera.Transform.Orientation == (geom.Pose{}).Orientation {
		u.Camera.Transform.Orientation = geom.Identity().Orientation
	}
	if prev == nil {
		u.Light = EstimateLight(f, NeutralLight)
		u.StateChanged = true
		u.Previous = TrackingNotAvailable
	} else {
		u.Light = EstimateLight(f, prev.Light)
		u.Previous = prev.TrackingState
		u.StateChanged = prev.TrackingState != f.TrackingState || prev.Reason != f.Reason
	}
	p.latest.Store(&u)
	p.processed.Add(1)

	if u.StateChanged {
		diagf("tracking %s -> %s (%s) at frame %d", u.Previous, u.TrackingState, u.Reason, f.Seq)
	}

	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	for _, w := range workers {
		w.offer(f)
	}
	tracef("frame %d dispatched to %d trackers", f.Seq, len(workers))
	return u
}

// Latest returns the most recent Update.
func (p *Processor) Latest() (Update, bool) {
	u := p.latest.Load()
	if u == nil {
		return Update{}, false
	}
	return *u, true
}

// ResetLatest forgets the last frame so that the next one reports a
// tracking transition.
func (p *Processor) ResetLatest() {
	p.latest.Store(nil)
}

// Stats copies the processor counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	s := Stats{Processed: p.processed.Load(), Trackers: make(map[string]TrackerStats, len(workers))}
	for _, w := range workers {
		s.Trackers[w.analyzer.Name()] = w.stats()
	}
	return s
}

// Flush waits until every tracker has drained its mailbox.
func (p *Processor) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		workers := p.workers
		p.mu.Unlock()
		idle := true
		for _, w := range workers {
			if w.pending.Load() > 0 {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// EstimateLight returns the frame's own estimate when present, otherwise
// derives ambient intensity from the mean feature-point luminance and keeps
// prev's colour temperature. A frame with neither keeps prev.
func EstimateLight(f *Frame, prev LightEstimate) LightEstimate {
	if f.Light != nil {
		return *f.Light
	}
	if len(f.FeaturePoints) == 0 {
		return prev
	}
	lum := make([]float64, len(f.FeaturePoints))
	for i, fp := range f.FeaturePoints {
		lum[i] = min(max(fp.Luminance, 0), 1)
	}
	return LightEstimate{
		AmbientIntensity: 2000 * stat.Mean(lum, nil),
		ColorTemperature: prev.ColorTemperature,
	}
}

type worker struct {
	analyzer Analyzer
	mailbox  chan *Frame
	limiter  *rate.Limiter
	hooks    Hooks

	pending   atomic.Int64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	throttled atomic.Uint64
	analyzed  atomic.Uint64
	failed    atomic.Uint64
}

// offer enqueues f, evicting the oldest pending frame when full. Only the
// ingestion goroutine sends, so one eviction always makes room.
func (w *worker) offer(f *Frame) {
	name := w.analyzer.Name()
	if w.limiter != nil && !w.limiter.Allow() {
		w.throttled.Add(1)
		if w.hooks.OnThrottle != nil {
			w.hooks.OnThrottle(name)
		}
		return
	}
	w.pending.Add(1)
	for {
		select {
		case w.mailbox <- f:
			w.delivered.Add(1)
			return
		default:
		}
		select {
		case old := <-w.mailbox:
			w.pending.Add(-1)
			w.dropped.Add(1)
			tracef("%s dropped frame %d", name, old.Seq)
			if w.hooks.OnDrop != nil {
				w.hooks.OnDrop(name)
			}
		default:
		}
	}
}

func (w *worker) run(ctx context.Context) {
	name := w.analyzer.Name()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-w.mailbox:
			if ctx.Err() != nil {
				return
			}
			err := w.analyzer.Analyze(ctx, f)
			w.pending.Add(-1)
			if err != nil {
				w.failed.Add(1)
				if ctx.Err() != nil {
					return
				}
				opsf("%s failed on frame %d: %v", name, f.Seq, err)
				if w.hooks.OnError != nil {
					w.hooks.OnError(name, err)
				}
				continue
			}
			w.analyzed.Add(1)
		}
	}
}

func (w *worker) stats() TrackerStats {
	return TrackerStats{
		Delivered: w.delivered.Load(),
		Dropped:   w.dropped.Load(),
		Throttled: w.throttled.Load(),
		Analyzed:  w.analyzed.Load(),
		Failed:    w.failed.Load(),
	}
}
