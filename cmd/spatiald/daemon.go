package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/banshee-data/spatial.session/internal/config"
	"github.com/banshee-data/spatial.session/internal/httputil"
	"github.com/banshee-data/spatial.session/internal/monitoring"
	"github.com/banshee-data/spatial.session/internal/spatial/errs"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
	"github.com/banshee-data/spatial.session/internal/spatial/peer"
	"github.com/banshee-data/spatial.session/internal/spatial/persistence"
	"github.com/banshee-data/spatial.session/internal/spatial/persistence/mapstore"
	"github.com/banshee-data/spatial.session/internal/spatial/session"
	"github.com/banshee-data/spatial.session/internal/spatial/source"
	"github.com/banshee-data/spatial.session/internal/timeutil"
	"github.com/banshee-data/spatial.session/internal/version"
)

// daemon wires one session to its sensor, archive, metrics and peers.
type daemon struct {
	env    *config.Env
	tuning *config.TuningConfig
	clock  timeutil.Clock
	logger *zap.Logger

	registry *prometheus.Registry
	session  *session.Controller
	store    *mapstore.Store
	codec    *persistence.BlobCodec
	hub      *peer.Hub
}

func newDaemon(ctx context.Context, env *config.Env, tuning *config.TuningConfig, clock timeutil.Clock, logger *zap.Logger) (*daemon, error) {
	codec, err := persistence.NewBlobCodec()
	if err != nil {
		return nil, err
	}
	store, err := mapstore.Open(env.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open map archive: %w", err)
	}

	var initial *persistence.WorldMap
	if tuning.Request().Persistence {
		rec, blob, err := store.Latest(ctx, env.SessionID)
		switch {
		case errors.Is(err, mapstore.ErrNotFound):
		case err != nil:
			store.Close()
			return nil, err
		default:
			m, _, err := codec.Decode(ctx, blob)
			if err != nil {
				// A bad archive entry should not keep the daemon down.
				logger.Warn("ignoring unreadable world map", zap.Int64("map_id", rec.ID), zap.Error(err))
			} else {
				initial = m
				logger.Info("restoring world map",
					zap.Int64("map_id", rec.ID),
					zap.Int("anchors", rec.AnchorCount),
					zap.Time("captured_at", rec.CapturedAt))
			}
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctl, err := session.New(session.Options{
		Request:    tuning.Request(),
		Trackers:   tuning.TrackerConfig(),
		Processor:  tuning.ProcessorConfig(),
		OriginID:   env.OriginID,
		InitialMap: initial,
		Clock:      clock,
		Metrics:    monitoring.NewMetrics(reg),
		Codec:      codec,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &daemon{
		env:      env,
		tuning:   tuning,
		clock:    clock,
		logger:   logger,
		registry: reg,
		session:  ctl,
		store:    store,
		codec:    codec,
		hub:      peer.NewHub(),
	}, nil
}

// statusView is the JSON shape of GET /status.
type statusView struct {
	Version       string            `json:"version"`
	State         string            `json:"state"`
	Configured    bool              `json:"configured"`
	Configuration string            `json:"configuration,omitempty"`
	Tracking      string            `json:"tracking"`
	Reason        string            `json:"reason,omitempty"`
	Epoch         uint64            `json:"epoch"`
	Anchors       int               `json:"anchors"`
	OriginID      string            `json:"origin_id"`
	Peers         int               `json:"peers"`
	Frames        uint64            `json:"frames_processed"`
	Dropped       map[string]uint64 `json:"frames_dropped,omitempty"`
}

func (d *daemon) status() statusView {
	st := d.session.Status()
	v := statusView{
		Version:    version.Version,
		State:      st.State.String(),
		Configured: st.Configured,
		Tracking:   st.Tracking.String(),
		Epoch:      st.Epoch,
		Anchors:    st.Anchors,
		OriginID:   st.OriginID,
		Peers:      d.hub.Peers(),
	}
	if st.Configured {
		v.Configuration = st.Configuration.String()
	}
	if st.HasFrame && st.Reason != frames.ReasonNone {
		v.Reason = st.Reason.String()
	}
	stats := d.session.ProcessorStats()
	v.Frames = stats.Processed
	for name, ts := range stats.Trackers {
		if ts.Dropped > 0 {
			if v.Dropped == nil {
				v.Dropped = make(map[string]uint64)
			}
			v.Dropped[name] = ts.Dropped
		}
	}
	return v
}

func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.Handle("/collab", d.hub)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if httputil.RequireMethod(w, r, http.MethodGet) {
			httputil.WriteJSONOK(w, d.status())
		}
	})
	mux.HandleFunc("/save", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		rec, saved, err := d.save(r.Context(), "manual")
		switch {
		case errors.Is(err, errs.ErrPersistenceDisabled):
			httputil.Conflict(w, err.Error())
		case err != nil:
			httputil.InternalServerError(w, err.Error())
		case !saved:
			w.WriteHeader(http.StatusNoContent)
		default:
			httputil.WriteJSONOK(w, rec)
		}
	})
	return mux
}

// save archives the current world map and prunes old ones. saved is false
// when the session has nothing to save yet.
func (d *daemon) save(ctx context.Context, label string) (mapstore.Record, bool, error) {
	blob, meta, err := d.session.Save(ctx)
	if err != nil {
		return mapstore.Record{}, false, err
	}
	if meta.AnchorCount == 0 {
		return mapstore.Record{}, false, nil
	}
	rec, err := d.store.Put(ctx, d.env.SessionID, label, blob)
	if err != nil {
		return mapstore.Record{}, false, err
	}
	if keep := d.tuning.GetKeepMaps(); keep > 0 {
		if n, err := d.store.Prune(ctx, d.env.SessionID, keep); err != nil {
			d.logger.Warn("prune failed", zap.Error(err))
		} else if n > 0 {
			d.logger.Debug("pruned world maps", zap.Int64("removed", n))
		}
	}
	d.logger.Info("world map saved",
		zap.Int64("map_id", rec.ID),
		zap.Int("anchors", rec.AnchorCount),
		zap.Int("bytes", rec.Size))
	return rec, true, nil
}

func (d *daemon) saveLoop(ctx context.Context, interval time.Duration) {
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			_, _, err := d.save(ctx, "periodic")
			if errors.Is(err, errs.ErrPersistenceDisabled) {
				d.logger.Info("persistence disabled; stopping periodic saves")
				return
			}
			if err != nil && ctx.Err() == nil {
				d.logger.Warn("periodic save failed", zap.Error(err))
			}
		}
	}
}

func (d *daemon) logErrors(ctx context.Context) {
	sub := d.session.SubscribeErrors()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			d.logger.Warn("session error", zap.String("op", ev.Op), zap.Error(ev.Err))
		}
	}
}

func (d *daemon) logEvents(ctx context.Context) {
	sub := d.session.SubscribeSession()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			d.logger.Info("session event",
				zap.Stringer("type", ev.Type),
				zap.Stringer("from", ev.From),
				zap.Stringer("to", ev.To),
				zap.Uint64("epoch", ev.Epoch))
		}
	}
}

func (d *daemon) link(ctx context.Context) error {
	client, err := peer.Dial(ctx, d.env.HubURL)
	if err != nil {
		return err
	}
	defer client.Close()
	l := &peer.Link{
		Session:   d.session,
		Transport: client,
		Clock:     d.clock,
		Interval:  d.tuning.GetCollabInterval(),
	}
	d.logger.Info("linked to collaboration hub", zap.String("url", d.env.HubURL))
	return l.Run(ctx)
}

// run serves until ctx is done, then saves once more and shuts down.
func (d *daemon) run(ctx context.Context) error {
	if err := d.session.Start(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	srv := &http.Server{
		Addr:              d.env.Listen,
		Handler:           d.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fatal := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancel()
	}
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() {
		d.logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(fmt.Errorf("http: %w", err))
		}
	})
	goRun(func() {
		gen := source.NewSynthetic(d.clock, d.env.Seed)
		gen.FrameRate = d.tuning.GetFrameRate()
		gen.Hands = d.tuning.Request().HandTracking
		sink := func(f *frames.Frame) { d.session.Ingest(f) }
		if err := gen.Run(ctx, sink); err != nil && ctx.Err() == nil {
			fatal(fmt.Errorf("sensor: %w", err))
		}
	})
	goRun(func() { d.logErrors(ctx) })
	goRun(func() { d.logEvents(ctx) })
	if interval := d.tuning.GetSaveInterval(); interval > 0 {
		goRun(func() { d.saveLoop(ctx, interval) })
	}
	if d.env.HubURL != "" {
		goRun(func() {
			if err := d.link(ctx); err != nil && ctx.Err() == nil {
				// Losing the hub degrades to a solo session.
				d.logger.Warn("collaboration link closed", zap.Error(err))
			}
		})
	}

	<-ctx.Done()
	d.logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", zap.Error(err))
	}
	d.hub.Close()
	wg.Wait()

	if _, _, err := d.save(shutdownCtx, "shutdown"); err != nil && !errors.Is(err, errs.ErrPersistenceDisabled) {
		d.logger.Warn("final save failed", zap.Error(err))
	}
	return runErr
}

func (d *daemon) Close() error {
	d.session.Close()
	return d.store.Close()
}
