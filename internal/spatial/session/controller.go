// Package session implements the Session Controller: it owns the lifecycle
// state machine and the anchor registry, drives the frame processor and the
// trackers, and mediates persistence, collaboration, subscriptions and
// queries.
//
// Control commands (Start, Pause, Stop, Reset, Interrupt, Reconfigure) are
// serialized by one lock and never wait on frame processing. Save, Load,
// Encode and Decode run outside that lock under an operation context that
// Stop and Reset cancel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/monitoring"
	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/collab"
	"github.com/banshee-data/spatial.session/internal/spatial/configsel"
	"github.com/banshee-data/spatial.session/internal/spatial/errs"
	"github.com/banshee-data/spatial.session/internal/spatial/eventbus"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
	"github.com/banshee-data/spatial.session/internal/spatial/persistence"
	"github.com/banshee-data/spatial.session/internal/spatial/query"
	"github.com/banshee-data/spatial.session/internal/spatial/trackers"
	"github.com/banshee-data/spatial.session/internal/timeutil"
)

// Options configures a Controller. Zero values select defaults.
type Options struct {
	// Request is resolved by the first Start.
	Request configsel.Request

	// Capabilities of the device. Nil means every capability.
	Capabilities *configsel.Capabilities

	Trackers  trackers.Config
	Processor frames.Config

	// OriginID identifies this session to peers. Empty allocates one.
	OriginID string

	// InitialMap seeds the registry on Reset.
	InitialMap *persistence.WorldMap

	Clock   timeutil.Clock
	Metrics *monitoring.Metrics
	Codec   persistence.Codec
}

// Status is a published copy of the session fields.
type Status struct {
	State         State
	Configured    bool
	Configuration configsel.Configuration
	Tracking      frames.TrackingState
	Reason        frames.TrackingReason
	Latest        frames.Update // last processed frame, if HasFrame
	HasFrame      bool
	Epoch         uint64
	Anchors       int
	OriginID      string
	RenderTarget  any
}

// Controller is one spatial-tracking session.
type Controller struct {
	clock      timeutil.Clock
	metrics    *monitoring.Metrics
	selector   *configsel.Selector
	trackerCfg trackers.Config

	registry *anchors.Registry
	proc     *frames.Processor
	persist  *persistence.Manager
	collab   *collab.Manager
	detach   func()

	tracking     *eventbus.Topic[frames.Update]
	anchorEvents *eventbus.Topic[anchors.Event]
	errorEvents  *eventbus.Topic[ErrorEvent]
	events       *eventbus.Topic[Event]

	base   context.Context
	cancel context.CancelFunc

	// ctl serializes control commands and guards set.
	ctl sync.Mutex
	set *trackers.Set

	// mu guards the fields below and is never held across a blocking call.
	mu           sync.RWMutex
	state        State
	req          configsel.Request
	cfg          configsel.Configuration
	configured   bool
	initialMap   *persistence.WorldMap
	renderTarget any
	opCtx        context.Context
	opCancel     context.CancelFunc
	closed       bool

	ingestMu sync.Mutex
	features atomic.Pointer[[]frames.FeaturePoint]
}

// New creates an Idle controller.
func New(opts Options) (*Controller, error) {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	caps := configsel.FullCapabilities()
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}
	origin := opts.OriginID
	if origin == "" {
		origin = "peer_" + uuid.NewString()
	}

	c := &Controller{
		clock:        clock,
		metrics:      metrics,
		selector:     configsel.NewSelector(caps),
		trackerCfg:   opts.Trackers,
		registry:     anchors.NewRegistry(anchors.WithClock(clock.Now)),
		tracking:     eventbus.NewTopic[frames.Update]("tracking", eventbus.ModeLatest),
		anchorEvents: eventbus.NewTopic[anchors.Event]("anchors", eventbus.ModeQueue),
		errorEvents:  eventbus.NewTopic[ErrorEvent]("errors", eventbus.ModeQueue),
		events:       eventbus.NewTopic[Event]("session", eventbus.ModeQueue),
		req:          opts.Request,
		initialMap:   opts.InitialMap,
	}
	c.base, c.cancel = context.WithCancel(context.Background())
	c.opCtx, c.opCancel = context.WithCancel(c.base)

	c.proc = frames.NewProcessor(opts.Processor, frames.Hooks{
		OnDrop: func(tracker string) {
			c.metrics.FramesDropped.WithLabelValues(tracker).Inc()
		},
		OnThrottle: func(tracker string) {
			c.metrics.FramesThrottled.WithLabelValues(tracker).Inc()
		},
		OnError: c.trackerFailed,
	})

	popts := []persistence.Option{persistence.WithClock(clock.Now)}
	if opts.Codec != nil {
		popts = append(popts, persistence.WithCodec(opts.Codec))
	}
	pm, err := persistence.NewManager(c, popts...)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("persistence: %w", err)
	}
	c.persist = pm

	c.detach = c.registry.AddObserver(c.observe)
	c.collab = collab.NewManager(origin, c.registry, collab.WithClock(clock.Now))
	if opts.InitialMap != nil {
		if _, err := c.registry.Reset(opts.InitialMap.Anchors); err != nil {
			c.Close()
			return nil, fmt.Errorf("initial map: %w: %w", errs.ErrCorruptSnapshot, err)
		}
		c.collab.Reset()
		c.syncAnchorGauge()
	}
	c.metrics.SetSessionState(StateIdle.String(), stateNames)
	return c, nil
}

// observe runs under the registry lock in admission order.
func (c *Controller) observe(ev anchors.Event) {
	c.anchorEvents.Publish(ev)
	c.metrics.AnchorEvents.WithLabelValues(ev.Type.String()).Inc()
	switch ev.Type {
	case anchors.EventAdded:
		c.metrics.AnchorsLive.WithLabelValues(ev.Anchor.Kind.String()).Inc()
	case anchors.EventRemoved:
		c.metrics.AnchorsLive.WithLabelValues(ev.Anchor.Kind.String()).Dec()
	}
}

func (c *Controller) syncAnchorGauge() {
	snap := c.registry.Snapshot()
	for _, k := range anchors.Kinds() {
		c.metrics.AnchorsLive.WithLabelValues(k.String()).Set(float64(snap.LenKind(k)))
	}
}

func (c *Controller) trackerFailed(tracker string, err error) {
	if errors.Is(err, anchors.ErrStaleEpoch) {
		tracef("%s wrote to a retired epoch: %v", tracker, err)
		return
	}
	c.metrics.TrackerErrors.WithLabelValues(tracker).Inc()
	c.report("track/"+tracker, err)
}

// report publishes err on the error stream.
func (c *Controller) report(op string, err error) {
	opsf("%s: %v", op, err)
	c.metrics.Failed(op)
	c.errorEvents.Publish(ErrorEvent{Op: op, Err: err, At: c.clock.Now()})
}

// fail reports err and returns it.
func (c *Controller) fail(op string, err error) error {
	c.report(op, err)
	return err
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Configuration returns the resolved configuration, if any.
func (c *Controller) Configuration() (configsel.Configuration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.configured
}

// OriginID identifies this session to peers.
func (c *Controller) OriginID() string { return c.collab.OriginID() }

// setState requires ctl.
func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	diagf("%s -> %s", from, to)
	c.metrics.SetSessionState(to.String(), stateNames)
	c.events.Publish(Event{
		Type:  EventStateChanged,
		From:  from,
		To:    to,
		Epoch: c.registry.Epoch(),
		At:    c.clock.Now(),
	})
}

// setConfiguration requires ctl.
func (c *Controller) setConfiguration(cfg configsel.Configuration) {
	c.mu.Lock()
	c.cfg = cfg
	c.configured = true
	state := c.state
	c.mu.Unlock()
	diagf("configured %s", cfg)
	c.events.Publish(Event{
		Type:          EventConfigured,
		From:          state,
		To:            state,
		Epoch:         c.registry.Epoch(),
		Configuration: cfg,
		At:            c.clock.Now(),
	})
}

// enterFailed requires ctl.
func (c *Controller) enterFailed(op string, err error) error {
	c.proc.Stop()
	c.mu.Lock()
	c.configured = false
	c.cfg = configsel.Configuration{}
	c.mu.Unlock()
	c.setState(StateFailed)
	return c.fail(op, err)
}

// runTrackers requires ctl. The tracker set is built on first use after a
// reset or reconfigure and bound to the epoch current at that point; Pause,
// Stop and Interrupt keep it so that resumed trackers still own the
// anchors they published.
func (c *Controller) runTrackers() {
	if c.set == nil {
		c.mu.RLock()
		cfg := c.cfg
		c.mu.RUnlock()
		c.set = trackers.NewSet(cfg, c.registry.Writer(c.registry.Epoch()), c.trackerCfg)
	}
	c.proc.Start(c.base, c.set.Analyzers()...)
}

// discardTrackers requires ctl. The discarded trackers' anchors are
// removed once any frame they are still analysing completes.
func (c *Controller) discardTrackers() {
	set := c.set
	c.set = nil
	if set == nil {
		return
	}
	go func() {
		if _, err := set.Retire(); err != nil && !errors.Is(err, anchors.ErrStaleEpoch) {
			opsf("retiring discarded trackers: %v", err)
		}
	}()
}

// cancelOps requires ctl. In-flight saves, loads, encodes and decodes fail
// with ErrOperationCancelled.
func (c *Controller) cancelOps() {
	c.mu.Lock()
	c.opCancel()
	c.opCtx, c.opCancel = context.WithCancel(c.base)
	c.mu.Unlock()
}

type generationKey struct{}

// opContext joins parent with the current operation generation. The
// generation itself rides along in the context so that steps taken under
// ctl can check it without waiting for the join to propagate.
func (c *Controller) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	c.mu.RLock()
	gen := c.opCtx
	c.mu.RUnlock()
	ctx, cancel := context.WithCancel(context.WithValue(parent, generationKey{}, gen))
	stop := context.AfterFunc(gen, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Start resolves the configuration if needed and runs the trackers. It is
// a no-op while Running. An unsupported configuration moves the session to
// Failed.
func (c *Controller) Start() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	from := c.State()
	to, err := Next(from, CmdStart)
	if err != nil {
		return c.fail("start", err)
	}
	if from == StateRunning {
		return nil
	}
	c.mu.RLock()
	configured, req := c.configured, c.req
	c.mu.RUnlock()
	if !configured {
		cfg, err := c.selector.Resolve(req)
		if err != nil {
			return c.enterFailed("start", err)
		}
		c.setConfiguration(cfg)
	}
	c.proc.ResetLatest()
	c.runTrackers()
	c.setState(to)
	return nil
}

// Pause stops the trackers and ignores frames until Start. Outside Running
// it reports ErrInvalidTransition and changes nothing.
func (c *Controller) Pause() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	to, err := Next(c.State(), CmdPause)
	if err != nil {
		return c.fail("pause", err)
	}
	c.proc.Stop()
	c.setState(to)
	return nil
}

// Stop cancels in-flight operations, stops the trackers and returns to
// Idle. Anchors are kept. Stop while Idle is a no-op.
func (c *Controller) Stop() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	from := c.State()
	to, err := Next(from, CmdStop)
	if err != nil {
		return c.fail("stop", err)
	}
	c.cancelOps()
	if from == StateIdle {
		return nil
	}
	c.proc.Stop()
	c.setState(to)
	return nil
}

// Interrupt records loss of the host sensor. Trackers stop until Start.
func (c *Controller) Interrupt() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	to, err := Next(c.State(), CmdInterrupt)
	if err != nil {
		return c.fail("interrupt", err)
	}
	c.proc.Stop()
	c.setState(to)
	return nil
}

// Reset cancels in-flight operations and reinitializes tracking. The
// registry starts a new epoch holding the initial map, if one was supplied
// or loaded, and nothing otherwise. Reset from Failed returns to Idle.
func (c *Controller) Reset() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.RLock()
	seed := c.initialMap
	c.mu.RUnlock()
	return c.resetLocked("reset", seed)
}

// SetInitialMap replaces the map later resets seed from. Nil clears it.
func (c *Controller) SetInitialMap(m *persistence.WorldMap) {
	c.mu.Lock()
	c.initialMap = m
	c.mu.Unlock()
}

// resetLocked requires ctl. An invalid seed leaves everything untouched.
func (c *Controller) resetLocked(op string, seed *persistence.WorldMap) error {
	from := c.State()
	to, _ := Next(from, CmdReset)

	var anchorsSeed []anchors.Anchor
	if seed != nil {
		anchorsSeed = seed.Anchors
	}
	epoch, err := c.registry.Reset(anchorsSeed)
	if err != nil {
		return c.fail(op, fmt.Errorf("%w: %w", errs.ErrCorruptSnapshot, err))
	}
	c.cancelOps()
	c.set = nil
	c.syncAnchorGauge()
	c.collab.Reset()
	c.proc.ResetLatest()
	c.features.Store(nil)
	if to == StateRunning {
		c.runTrackers()
	} else {
		c.proc.Stop()
	}
	diagf("%s: epoch %d with %d anchors", op, epoch, len(anchorsSeed))
	c.setState(to)
	c.events.Publish(Event{Type: EventReset, From: from, To: to, Epoch: epoch, At: c.clock.Now()})
	return nil
}

// Reconfigure resolves req and runs it. The current trackers are discarded
// along with the anchors they published; running sessions restart with
// trackers built for the new configuration. An unsupported request moves
// the session to Failed.
func (c *Controller) Reconfigure(req configsel.Request) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	if c.State() == StateFailed {
		return c.fail("reconfigure", fmt.Errorf("reconfigure: %w", errs.ErrSessionFailed))
	}
	c.mu.Lock()
	c.req = req
	c.mu.Unlock()
	cfg, err := c.selector.Resolve(req)
	if err != nil {
		return c.enterFailed("reconfigure", err)
	}
	c.setConfiguration(cfg)
	c.discardTrackers()
	if c.State() == StateRunning {
		c.runTrackers()
	}
	return nil
}

// Ingest hands a frame to the processor. Frames are ignored unless the
// session is Running. Ingest must be called from one goroutine at a time
// and never blocks on tracker work.
func (c *Controller) Ingest(f *frames.Frame) (frames.Update, bool) {
	if f == nil || c.State() != StateRunning {
		return frames.Update{}, false
	}
	c.ingestMu.Lock()
	u := c.proc.Process(f)
	c.ingestMu.Unlock()

	pts := f.FeaturePoints
	c.features.Store(&pts)
	c.metrics.FramesIngested.Inc()
	c.metrics.TrackingState.Set(float64(u.TrackingState))
	c.tracking.Publish(u)
	return u, true
}

// Flush waits until the trackers have drained every ingested frame.
func (c *Controller) Flush(ctx context.Context) error {
	return c.proc.Flush(ctx)
}

// Upsert adds or replaces a host-defined anchor.
func (c *Controller) Upsert(a anchors.Anchor) (anchors.Anchor, error) {
	return c.registry.Upsert(a)
}

// Remove deletes an anchor. Unknown ids report false.
func (c *Controller) Remove(id string) bool {
	return c.registry.Remove(id)
}

// PersistenceEnabled reports whether the resolved configuration enables
// persistence.
func (c *Controller) PersistenceEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configured && c.cfg.Persistence
}

// Snapshot returns the committed registry snapshot.
func (c *Controller) Snapshot() *anchors.Snapshot {
	return c.registry.Snapshot()
}

// ResetWithSeed resets onto m unless ctx is already done or a Stop or
// Reset has been admitted since the operation began. Load calls it once
// the blob has been validated.
func (c *Controller) ResetWithSeed(ctx context.Context, m *persistence.WorldMap) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	if err := errs.Checkpoint(ctx, "load"); err != nil {
		return err
	}
	if gen, ok := ctx.Value(generationKey{}).(context.Context); ok {
		if err := errs.Checkpoint(gen, "load"); err != nil {
			return err
		}
	}
	if err := c.resetLocked("load", m); err != nil {
		return err
	}
	c.mu.Lock()
	c.initialMap = m
	c.mu.Unlock()
	return nil
}

// Save serializes the committed registry. Stop and Reset cancel it.
func (c *Controller) Save(ctx context.Context) ([]byte, persistence.Metadata, error) {
	ctx, done := c.opContext(ctx)
	defer done()
	blob, md, err := c.persist.Save(ctx)
	if err != nil {
		return nil, persistence.Metadata{}, c.fail("save", err)
	}
	c.metrics.SnapshotsSaved.Inc()
	c.metrics.SnapshotBytes.Observe(float64(md.Size))
	return blob, md, nil
}

// Load validates blob and resets the session onto it. On any error,
// including cancellation by Stop or Reset, the registry is unchanged.
func (c *Controller) Load(ctx context.Context, blob []byte) (persistence.Metadata, error) {
	ctx, done := c.opContext(ctx)
	defer done()
	md, err := c.persist.Load(ctx, blob)
	if err != nil {
		return persistence.Metadata{}, c.fail("load", err)
	}
	c.metrics.SnapshotsLoaded.Inc()
	return md, nil
}

func (c *Controller) collaborationEnabled(op string) error {
	c.mu.RLock()
	ok := c.configured && c.cfg.Collaboration
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", op, errs.ErrCollaborationDisabled)
	}
	return nil
}

// Encode drains local anchor changes into the next collaboration packet.
func (c *Controller) Encode(ctx context.Context) (*collab.Packet, error) {
	if err := c.collaborationEnabled("encode"); err != nil {
		return nil, c.fail("encode", err)
	}
	ctx, done := c.opContext(ctx)
	defer done()
	p, err := c.collab.Encode(ctx)
	if err != nil {
		return nil, c.fail("encode", err)
	}
	c.metrics.PacketsEncoded.Inc()
	return p, nil
}

// Decode applies a peer packet. Duplicate and stale packets are rejected
// with ErrCollaborationRejected and reported on the error stream.
func (c *Controller) Decode(ctx context.Context, p *collab.Packet) (anchors.Result, error) {
	if err := c.collaborationEnabled("decode"); err != nil {
		return anchors.Result{}, c.fail("decode", err)
	}
	ctx, done := c.opContext(ctx)
	defer done()
	res, err := c.collab.Decode(ctx, p)
	if err != nil {
		if errors.Is(err, errs.ErrCollaborationRejected) {
			c.metrics.PacketsRejected.Inc()
		}
		return res, c.fail("decode", err)
	}
	c.metrics.PacketsApplied.Inc()
	return res, nil
}

// CollaborationStats reports collaboration counters.
func (c *Controller) CollaborationStats() collab.Stats {
	return c.collab.Stats()
}

func (c *Controller) scene() query.Scene {
	s := query.Scene{Snapshot: c.registry.Snapshot()}
	if pts := c.features.Load(); pts != nil {
		s.FeaturePoints = *pts
	}
	return s
}

// HitTest casts a ray through the normalized image point (x, y) of the
// latest camera.
func (c *Controller) HitTest(x, y float64, types query.ResultType) ([]query.Result, error) {
	u, ok := c.proc.Latest()
	if !ok {
		return nil, fmt.Errorf("%w: no camera frame yet", query.ErrInvalidRay)
	}
	return query.HitTest(c.scene(), u.Camera, x, y, types)
}

// Raycast intersects a world-space ray with the committed anchors.
func (c *Controller) Raycast(origin, direction r3.Vec, target query.Target, alignment query.Alignment) ([]query.Result, error) {
	return query.Raycast(c.scene(), origin, direction, target, alignment)
}

// SetRenderTarget stores an opaque rendering handle.
func (c *Controller) SetRenderTarget(handle any) {
	c.mu.Lock()
	c.renderTarget = handle
	c.mu.Unlock()
}

// Status returns a copy of the session fields.
func (c *Controller) Status() Status {
	c.mu.RLock()
	s := Status{
		State:         c.state,
		Configured:    c.configured,
		Configuration: c.cfg,
		RenderTarget:  c.renderTarget,
	}
	c.mu.RUnlock()
	snap := c.registry.Snapshot()
	s.Epoch = snap.Epoch()
	s.Anchors = snap.Len()
	s.OriginID = c.collab.OriginID()
	if u, ok := c.proc.Latest(); ok {
		s.Latest = u
		s.HasFrame = true
		s.Tracking = u.TrackingState
		s.Reason = u.Reason
	}
	return s
}

// SubscribeTracking delivers the latest tracking update; slow subscribers
// see only the newest.
func (c *Controller) SubscribeTracking() *eventbus.Subscription[frames.Update] {
	return c.tracking.Subscribe()
}

// SubscribeAnchors delivers every anchor lifecycle event in admission
// order.
func (c *Controller) SubscribeAnchors() *eventbus.Subscription[anchors.Event] {
	return c.anchorEvents.Subscribe()
}

// SubscribeErrors delivers every reported error.
func (c *Controller) SubscribeErrors() *eventbus.Subscription[ErrorEvent] {
	return c.errorEvents.Subscribe()
}

// SubscribeSession delivers lifecycle, configuration and reset events.
func (c *Controller) SubscribeSession() *eventbus.Subscription[Event] {
	return c.events.Subscribe()
}

// ProcessorStats copies the frame processor counters.
func (c *Controller) ProcessorStats() frames.Stats {
	return c.proc.Stats()
}

// Close stops the session and closes every subscription. It is safe to
// call more than once.
func (c *Controller) Close() {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelOps()
	c.proc.Stop()
	c.proc.Wait()
	c.cancel()
	c.collab.Close()
	if c.detach != nil {
		c.detach()
	}
	c.tracking.Close()
	c.anchorEvents.Close()
	c.errorEvents.Close()
	c.events.Close()
}
