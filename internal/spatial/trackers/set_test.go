package trackers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/configsel"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
)

func leftHandFrame(seq uint64) *frames.Frame {
	return &frames.Frame{
		Seq:    seq,
		Planes: []frames.PlaneObservation{plane("floor", 2)},
		Hands: []frames.HandObservation{{
			Chirality: anchors.ChiralityLeft,
			Joints:    map[string]r3.Vec{JointThumbTip: {}, JointIndexTip: {Y: 0.1}},
		}},
	}
}

func runFrames(t *testing.T, set *Set, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		for _, a := range set.Analyzers() {
			require.NoError(t, a.Analyze(context.Background(), leftHandFrame(seq)))
		}
	}
}

func TestSet_KeepsBindingsAcrossRestarts(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	cfg := configsel.Configuration{Mode: configsel.ModeWorld, PlaneDetection: true, HandTracking: true}
	set := NewSet(cfg, writerFor(reg), Config{EnvironmentProbes: true})

	runFrames(t, set, 1, 3)
	snap := reg.Snapshot()
	require.Len(t, snap.Bucket(anchors.KindHand), 1)
	require.Len(t, snap.Bucket(anchors.KindPlane), 1)
	require.Len(t, snap.Bucket(anchors.KindCustom), 1)
	hand := snap.Bucket(anchors.KindHand)[0].ID

	// A restarted processor is handed the same analyzers.
	runFrames(t, set, 4, 6)
	snap = reg.Snapshot()
	hands := snap.Bucket(anchors.KindHand)
	require.Len(t, hands, 1)
	assert.Equal(t, hand, hands[0].ID)
	assert.Len(t, snap.Bucket(anchors.KindPlane), 1)
	assert.Len(t, snap.Bucket(anchors.KindCustom), 1)
}

func TestSet_RetireRemovesPublishedAnchors(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	cfg := configsel.Configuration{Mode: configsel.ModeWorld, PlaneDetection: true, HandTracking: true}
	set := NewSet(cfg, writerFor(reg), Config{EnvironmentProbes: true})
	host, err := reg.Upsert(anchors.Anchor{Payload: anchors.CustomPayload{Name: "host"}})
	require.NoError(t, err)

	runFrames(t, set, 1, 2)
	require.Equal(t, 4, reg.Snapshot().Len())

	res, err := set.Retire()
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	snap := reg.Snapshot()
	require.Equal(t, 1, snap.Len())
	_, ok := snap.Get(host.ID)
	assert.True(t, ok, "host anchors are not the trackers' to retire")

	runFrames(t, set, 3, 4)
	assert.Equal(t, 1, reg.Snapshot().Len(), "retired trackers ignore frames")
}

func TestSet_RetireAfterResetIsFenced(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	set := NewSet(configsel.Configuration{Mode: configsel.ModeWorld, HandTracking: true}, writerFor(reg), Config{})
	runFrames(t, set, 1, 1)
	reg.Clear()

	_, err := set.Retire()
	assert.ErrorIs(t, err, anchors.ErrStaleEpoch)
}

func TestSet_CancelledWorkerSkipsFrame(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	set := NewSet(configsel.Configuration{Mode: configsel.ModeWorld, HandTracking: true}, writerFor(reg), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, a := range set.Analyzers() {
		assert.ErrorIs(t, a.Analyze(ctx, leftHandFrame(1)), context.Canceled)
	}
	assert.Zero(t, reg.Snapshot().Len())
}
