package trackers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/configsel"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

func newRegistry(t *testing.T) (*anchors.Registry, *[]anchors.Event) {
	t.Helper()
	reg := anchors.NewRegistry(anchors.WithClock(func() time.Time { return time.Unix(100, 0) }))
	var events []anchors.Event
	reg.AddObserver(func(ev anchors.Event) { events = append(events, ev) })
	return reg, &events
}

func writerFor(reg *anchors.Registry) *anchors.Writer {
	return reg.Writer(reg.Epoch())
}

func plane(key string, width float64) frames.PlaneObservation {
	return frames.PlaneObservation{
		Key:       key,
		Transform: geom.Translation(r3.Vec{Y: -1}),
		Width:     width,
		Length:    1,
	}
}

func TestLifecycle_ConfirmAndRetire(t *testing.T) {
	t.Parallel()
	l := newLifecycle("test", Config{HitsToConfirm: 2, MaxMisses: 2})
	a := anchors.Anchor{Payload: anchors.CustomPayload{Name: "x"}}

	assert.Empty(t, l.step(map[string]anchors.Anchor{"k": a}), "tentative tracks are not published")
	muts := l.step(map[string]anchors.Anchor{"k": a})
	require.Len(t, muts, 1)
	assert.Equal(t, anchors.OpUpsert, muts[0].Op)
	id := muts[0].Anchor.ID
	assert.NotEmpty(t, id)

	assert.Empty(t, l.step(nil), "first miss keeps the anchor")
	muts = l.step(nil)
	require.Len(t, muts, 1)
	assert.Equal(t, anchors.RemoveOf(id), muts[0])
	assert.Zero(t, l.live())

	l.step(map[string]anchors.Anchor{"k": a})
	muts = l.step(map[string]anchors.Anchor{"k": a})
	require.Len(t, muts, 1)
	assert.NotEqual(t, id, muts[0].Anchor.ID, "a retired key gets a fresh id")
}

func TestLifecycle_TentativeForgottenOnMiss(t *testing.T) {
	t.Parallel()
	l := newLifecycle("test", Config{HitsToConfirm: 3, MaxMisses: 5})
	a := anchors.Anchor{Payload: anchors.CustomPayload{Name: "x"}}
	l.step(map[string]anchors.Anchor{"k": a})
	assert.Empty(t, l.step(nil))
	assert.Zero(t, l.live())
}

func TestScene_PlanesLifecycle(t *testing.T) {
	t.Parallel()
	reg, events := newRegistry(t)
	s := NewScene(writerFor(reg), Config{MaxMisses: 2}, true, false)
	ctx := context.Background()

	require.NoError(t, s.Analyze(ctx, &frames.Frame{Seq: 1, Planes: []frames.PlaneObservation{plane("floor", 2)}}))
	require.NoError(t, s.Analyze(ctx, &frames.Frame{Seq: 2, Planes: []frames.PlaneObservation{plane("floor", 3)}}))
	snap := reg.Snapshot()
	require.Equal(t, 1, snap.LenKind(anchors.KindPlane))
	floor := snap.Bucket(anchors.KindPlane)[0]
	assert.Equal(t, 3.0, floor.Payload.(anchors.PlanePayload).Width)

	require.NoError(t, s.Analyze(ctx, &frames.Frame{Seq: 3}))
	require.NoError(t, s.Analyze(ctx, &frames.Frame{Seq: 4}))
	assert.Zero(t, reg.Snapshot().Len())

	var types []anchors.EventType
	for _, ev := range *events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []anchors.EventType{anchors.EventAdded, anchors.EventUpdated, anchors.EventRemoved}, types)
}

func TestScene_InvalidMeshSkipped(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	s := NewScene(writerFor(reg), Config{}, false, true)
	verts := []r3.Vec{{}, {X: 1}, {Z: 1}}

	err := s.Analyze(context.Background(), &frames.Frame{Meshes: []frames.MeshObservation{
		{Key: "good", Vertices: verts, Faces: []uint32{0, 1, 2}},
		{Key: "bad-index", Vertices: verts, Faces: []uint32{0, 1, 3}},
		{Key: "bad-count", Vertices: verts, Faces: []uint32{0, 1}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Snapshot().LenKind(anchors.KindMesh))
}

func TestImage_LimitAndTrackedFlag(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	tr := NewImage(writerFor(reg), Config{MaxTrackedImages: 2, MaxMisses: 3})
	ctx := context.Background()

	obs := []frames.ImageObservation{
		{ReferenceName: "poster-c", PhysicalWidth: 0.5},
		{ReferenceName: "poster-a", PhysicalWidth: 0.5},
		{ReferenceName: "poster-b", PhysicalWidth: 0.5},
	}
	require.NoError(t, tr.Analyze(ctx, &frames.Frame{Images: obs}))
	imgs := reg.Snapshot().Bucket(anchors.KindImage)
	require.Len(t, imgs, 2)
	names := map[string]bool{}
	for _, a := range imgs {
		p := a.Payload.(anchors.ImagePayload)
		names[p.ReferenceName] = true
		assert.True(t, p.Tracked)
	}
	assert.Equal(t, map[string]bool{"poster-a": true, "poster-b": true}, names)

	require.NoError(t, tr.Analyze(ctx, &frames.Frame{Images: obs[1:2]}))
	for _, a := range reg.Snapshot().Bucket(anchors.KindImage) {
		p := a.Payload.(anchors.ImagePayload)
		assert.Equal(t, p.ReferenceName == "poster-a", p.Tracked)
	}
}

func TestFace_ClampAndLimit(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	tr := NewFace(writerFor(reg), Config{MaxTrackedFaces: 1})

	require.NoError(t, tr.Analyze(context.Background(), &frames.Frame{Faces: []frames.FaceObservation{
		{Key: "b", BlendShapes: map[string]float64{"jawOpen": 1.4, "blink": -0.2}},
		{Key: "a", BlendShapes: map[string]float64{"jawOpen": 0.5}},
	}}))
	require.NoError(t, tr.Analyze(context.Background(), &frames.Frame{Faces: []frames.FaceObservation{
		{Key: "0", BlendShapes: map[string]float64{}},
		{Key: "a", BlendShapes: map[string]float64{"jawOpen": 1.4, "blink": -0.2}},
	}}))

	faces := reg.Snapshot().Bucket(anchors.KindFace)
	require.Len(t, faces, 1, "the tracked face keeps its slot")
	p := faces[0].Payload.(anchors.FacePayload)
	assert.Equal(t, map[string]float64{"jawOpen": 1, "blink": 0}, p.BlendShapes)
}

func TestBody_EstimateScale(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 1.0, EstimateScale(map[string]r3.Vec{
		JointHead: {Y: 1.8}, JointLeftFoot: {Y: 0}, JointRightFoot: {Y: 0.1},
	}), 1e-9)
	assert.InDelta(t, 0.5, EstimateScale(map[string]r3.Vec{
		JointHead: {Y: 1.0}, JointRightFoot: {Y: 0.1},
	}), 1e-9)
	assert.Equal(t, 1.0, EstimateScale(map[string]r3.Vec{JointHead: {Y: 1}}))
	assert.Equal(t, 1.0, EstimateScale(map[string]r3.Vec{JointHead: {Y: 0}, JointLeftFoot: {Y: 1}}))

	reg, _ := newRegistry(t)
	tr := NewBody(writerFor(reg), Config{})
	require.NoError(t, tr.Analyze(context.Background(), &frames.Frame{Bodies: []frames.BodyObservation{
		{Key: "person", Joints: map[string]r3.Vec{JointHead: {Y: 0.9}, JointLeftFoot: {}}},
	}}))
	bodies := reg.Snapshot().Bucket(anchors.KindBody)
	require.Len(t, bodies, 1)
	assert.InDelta(t, 0.5, bodies[0].Payload.(anchors.BodyPayload).EstimatedScale, 1e-9)
}

func TestHand_Pinch(t *testing.T) {
	t.Parallel()
	d, ok := Pinch(map[string]r3.Vec{JointThumbTip: {X: 0.01}, JointIndexTip: {}}, 0.02)
	assert.True(t, ok)
	assert.InDelta(t, 0.01, d, 1e-12)
	_, ok = Pinch(map[string]r3.Vec{JointThumbTip: {X: 0.05}, JointIndexTip: {}}, 0.02)
	assert.False(t, ok)
	d, ok = Pinch(map[string]r3.Vec{JointThumbTip: {}}, 0.02)
	assert.False(t, ok)
	assert.Equal(t, -1.0, d)

	reg, _ := newRegistry(t)
	tr := NewHand(writerFor(reg), Config{})
	require.NoError(t, tr.Analyze(context.Background(), &frames.Frame{Hands: []frames.HandObservation{
		{Chirality: anchors.ChiralityLeft, Joints: map[string]r3.Vec{JointThumbTip: {}, JointIndexTip: {Y: 0.001}}},
		{Chirality: anchors.ChiralityRight, Joints: map[string]r3.Vec{JointThumbTip: {}, JointIndexTip: {Y: 0.1}}},
		{Chirality: anchors.ChiralityRight, Joints: map[string]r3.Vec{JointThumbTip: {}}},
	}}))
	hands := reg.Snapshot().Bucket(anchors.KindHand)
	require.Len(t, hands, 2)
	pinching := map[anchors.Chirality]bool{}
	for _, h := range hands {
		p := h.Payload.(anchors.HandPayload)
		pinching[p.Chirality] = p.Pinching
	}
	assert.Equal(t, map[anchors.Chirality]bool{anchors.ChiralityLeft: true, anchors.ChiralityRight: false}, pinching)
}

func TestLight_SmoothingAndProbe(t *testing.T) {
	t.Parallel()
	reg, events := newRegistry(t)
	tr := NewLight(writerFor(reg), Config{LightSmoothing: 0.5, EnvironmentProbes: true})
	ctx := context.Background()

	require.NoError(t, tr.Analyze(ctx, &frames.Frame{Light: &frames.LightEstimate{AmbientIntensity: 1000, ColorTemperature: 6000}}))
	require.NoError(t, tr.Analyze(ctx, &frames.Frame{Light: &frames.LightEstimate{AmbientIntensity: 2000, ColorTemperature: 6000}}))
	est, _ := tr.Estimate()
	assert.InDelta(t, 1500, est.AmbientIntensity, 1e-9)

	require.NoError(t, tr.Analyze(ctx, &frames.Frame{Light: &frames.LightEstimate{AmbientIntensity: 1510, ColorTemperature: 6000}}))

	probes := reg.Snapshot().Bucket(anchors.KindCustom)
	require.Len(t, probes, 1)
	p := probes[0].Payload.(anchors.CustomPayload)
	assert.Equal(t, ProbeName, p.Name)
	assert.InDelta(t, 1500, p.Properties["ambientIntensity"], 1e-9)
	assert.Len(t, *events, 2, "small changes do not republish the probe")

	_, contrast := tr.Estimate()
	assert.Zero(t, contrast)
	require.NoError(t, tr.Analyze(ctx, &frames.Frame{FeaturePoints: []frames.FeaturePoint{{Luminance: 0.2}, {Luminance: 0.4}}}))
	_, contrast = tr.Estimate()
	assert.Greater(t, contrast, 0.0)
}

func TestBuild_SelectsTrackers(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	names := func(cfg configsel.Configuration) []string {
		var out []string
		for _, a := range Build(cfg, writerFor(reg), DefaultConfig()) {
			out = append(out, a.Name())
		}
		return out
	}

	assert.Equal(t, []string{"object", "scene", "hand", "light"}, names(configsel.Configuration{
		Mode: configsel.ModeWorld, PlaneDetection: true, HandTracking: true,
	}))
	assert.Equal(t, []string{"object", "image", "light"}, names(configsel.Configuration{
		Mode: configsel.ModeWorld, ImageTracking: true, MaxTrackedImages: 3,
	}))
	assert.Equal(t, []string{"face", "light"}, names(configsel.Configuration{
		Mode: configsel.ModeFace, FaceTracking: true, MaxTrackedFaces: 2,
	}))
	assert.Equal(t, []string{"body", "light"}, names(configsel.Configuration{
		Mode: configsel.ModeBody, BodyTracking: true,
	}))
}

func TestStaleWriterRefused(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	tr := NewObject(writerFor(reg), Config{})
	reg.Clear()

	err := tr.Analyze(context.Background(), &frames.Frame{Objects: []frames.ObjectObservation{{ReferenceName: "mug"}}})
	assert.ErrorIs(t, err, anchors.ErrStaleEpoch)
	assert.Zero(t, reg.Snapshot().Len())
}
