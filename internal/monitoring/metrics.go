package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the session's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	FramesIngested   prometheus.Counter
	FramesDropped    *prometheus.CounterVec // by tracker
	FramesThrottled  *prometheus.CounterVec // by tracker
	TrackerErrors    *prometheus.CounterVec // by tracker
	AnchorsLive      *prometheus.GaugeVec   // by kind
	AnchorEvents     *prometheus.CounterVec // by type
	SessionState     *prometheus.GaugeVec   // 1 for the current state
	TrackingState    prometheus.Gauge
	PacketsApplied   prometheus.Counter
	PacketsRejected  prometheus.Counter
	PacketsEncoded   prometheus.Counter
	SnapshotsSaved   prometheus.Counter
	SnapshotsLoaded  prometheus.Counter
	SnapshotBytes    prometheus.Histogram
	OperationsFailed *prometheus.CounterVec // by op
}

// NewMetrics registers the collectors on reg. Passing nil uses a private
// registry so several sessions can coexist in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		FramesIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "spatial_frames_ingested_total",
			Help: "Sensor frames accepted by the frame processor",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spatial_tracker_frames_dropped_total",
			Help: "Frames evicted from a tracker mailbox before analysis",
		}, []string{"tracker"}),
		FramesThrottled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spatial_tracker_frames_throttled_total",
			Help: "Frames skipped by a tracker rate limit",
		}, []string{"tracker"}),
		TrackerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spatial_tracker_errors_total",
			Help: "Tracker analysis failures",
		}, []string{"tracker"}),
		AnchorsLive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spatial_anchors_live",
			Help: "Anchors currently in the registry",
		}, []string{"kind"}),
		AnchorEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spatial_anchor_events_total",
			Help: "Anchor lifecycle events published",
		}, []string{"type"}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spatial_session_state",
			Help: "1 for the session's current lifecycle state",
		}, []string{"state"}),
		TrackingState: f.NewGauge(prometheus.GaugeOpts{
			Name: "spatial_tracking_state",
			Help: "0 not available, 1 limited, 2 normal",
		}),
		PacketsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "spatial_collab_packets_applied_total",
			Help: "Collaboration packets applied to the registry",
		}),
		PacketsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "spatial_collab_packets_rejected_total",
			Help: "Collaboration packets rejected as duplicate or stale",
		}),
		PacketsEncoded: f.NewCounter(prometheus.CounterOpts{
			Name: "spatial_collab_packets_encoded_total",
			Help: "Collaboration packets produced by encode",
		}),
		SnapshotsSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "spatial_snapshots_saved_total",
			Help: "World maps serialized",
		}),
		SnapshotsLoaded: f.NewCounter(prometheus.CounterOpts{
			Name: "spatial_snapshots_loaded_total",
			Help: "World maps loaded into the registry",
		}),
		SnapshotBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spatial_snapshot_bytes",
			Help:    "Encoded world map size",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}),
		OperationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spatial_operations_failed_total",
			Help: "Control, persistence and collaboration operations that returned an error",
		}, []string{"op"}),
	}
}

// SetSessionState marks state as current among all.
func (m *Metrics) SetSessionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// Failed counts a failed operation.
func (m *Metrics) Failed(op string) {
	if m == nil {
		return
	}
	m.OperationsFailed.WithLabelValues(op).Inc()
}
