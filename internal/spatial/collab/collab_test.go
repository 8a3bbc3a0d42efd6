package collab

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/errs"
	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

var t0 = time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

func allPayloads() []anchors.Payload {
	return []anchors.Payload{
		anchors.PlanePayload{Alignment: anchors.AlignmentVertical, Center: r3.Vec{X: 1, Y: -2}, Width: 2, Length: 4, Classification: "wall"},
		anchors.ObjectPayload{ReferenceName: "lamp", Extent: r3.Vec{X: 0.2, Y: 0.5, Z: 0.2}},
		anchors.ImagePayload{ReferenceName: "poster", PhysicalWidth: 0.6, Tracked: true},
		anchors.FacePayload{BlendShapes: map[string]float64{"blink": 0.1, "jawOpen": 0.9}, LeftEye: r3.Vec{X: -0.03}, RightEye: r3.Vec{X: 0.03}, LookAt: r3.Vec{Z: -1}},
		anchors.BodyPayload{Joints: map[string]r3.Vec{"head": {Y: 1.7}, "left_foot": {X: -0.1}}, EstimatedScale: 0.95},
		anchors.HandPayload{Chirality: anchors.ChiralityRight, Joints: map[string]r3.Vec{"thumb_tip": {X: 0.01}}, Pinching: true, PinchDistance: 0.01},
		anchors.MeshPayload{Vertices: []r3.Vec{{}, {X: 1}, {Z: 1}, {X: 1, Z: 1}}, Faces: []uint32{0, 1, 2, 1, 3, 2}, Classification: "floor"},
		anchors.CustomPayload{Name: "note", Data: []byte("hello"), Properties: map[string]float64{"size": 2}},
		anchors.CustomPayload{},
	}
}

func TestWire_RoundTrip(t *testing.T) {
	t.Parallel()
	p := &Packet{OriginID: "peer-a", Sequence: 42, SentAt: t0}
	for i, payload := range allPayloads() {
		kind, _ := anchors.Classify(payload)
		p.Changes = append(p.Changes, Change{
			Op: ChangeUpsert,
			ID: anchors.NewID(),
			Anchor: anchors.Anchor{
				Kind:      kind,
				Payload:   payload,
				Transform: geom.Pose{Position: r3.Vec{X: float64(i), Y: -1}, Orientation: geom.AxisAngle(geom.UnitZ, 0.25)},
				CreatedAt: t0.Add(-time.Hour),
				UpdatedAt: t0.Add(time.Duration(i) * time.Millisecond),
			},
		})
		p.Changes[i].Anchor.ID = p.Changes[i].ID
	}
	p.Changes = append(p.Changes, Change{Op: ChangeRemove, ID: "anc_gone"})

	got, err := Unmarshal(Marshal(p))
	require.NoError(t, err)
	if diff := cmp.Diff(p, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWire_SkipsUnknownFields(t *testing.T) {
	t.Parallel()
	b := Marshal(&Packet{OriginID: "peer-a", Sequence: 7})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "from the future")
	b = protowire.AppendTag(b, 100, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 5)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", got.OriginID)
	assert.Equal(t, uint64(7), got.Sequence)
}

func TestWire_Malformed(t *testing.T) {
	t.Parallel()
	good := Marshal(&Packet{OriginID: "peer-a", Sequence: 1, Changes: []Change{{Op: ChangeRemove, ID: "x"}}})

	wrongType := protowire.AppendTag(nil, fPacketSequence, protowire.BytesType)
	wrongType = protowire.AppendString(wrongType, "1")

	noID := protowire.AppendTag(nil, fPacketChange, protowire.BytesType)
	noID = protowire.AppendBytes(noID, protowire.AppendVarint(protowire.AppendTag(nil, fChangeOp, protowire.VarintType), uint64(ChangeRemove)))

	for name, b := range map[string][]byte{
		"truncated":  good[:len(good)-1],
		"wrong type": wrongType,
		"change id":  noID,
		"bad tag":    {0xff},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(b)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

type peer struct {
	reg *anchors.Registry
	mgr *Manager
}

func newPeer(t *testing.T, origin string) *peer {
	t.Helper()
	reg := anchors.NewRegistry(anchors.WithClock(func() time.Time { return t0 }))
	mgr := NewManager(origin, reg, WithClock(func() time.Time { return t0 }))
	t.Cleanup(mgr.Close)
	return &peer{reg: reg, mgr: mgr}
}

func upsert(t *testing.T, reg *anchors.Registry, id, name string) anchors.Anchor {
	t.Helper()
	a, err := reg.Upsert(anchors.Anchor{ID: id, Payload: anchors.CustomPayload{Name: name}})
	require.NoError(t, err)
	return a
}

func name(t *testing.T, reg *anchors.Registry, id string) string {
	t.Helper()
	a, ok := reg.Snapshot().Get(id)
	require.True(t, ok, "anchor %s missing", id)
	return a.Payload.(anchors.CustomPayload).Name
}

func TestEncode_DrainsLocalDeltas(t *testing.T) {
	t.Parallel()
	a := newPeer(t, "a")
	ctx := context.Background()

	x := upsert(t, a.reg, "", "first")
	upsert(t, a.reg, x.ID, "second")
	y := upsert(t, a.reg, "", "other")
	a.reg.Remove(y.ID)

	p, err := a.mgr.Encode(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Sequence)
	assert.Equal(t, "a", p.OriginID)
	require.Len(t, p.Changes, 2, "changes coalesce per id")
	assert.Equal(t, ChangeUpsert, p.Changes[0].Op)
	assert.Equal(t, "second", p.Changes[0].Anchor.Payload.(anchors.CustomPayload).Name)
	assert.Equal(t, Change{Op: ChangeRemove, ID: y.ID}, p.Changes[1])

	p, err = a.mgr.Encode(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Sequence)
	assert.Empty(t, p.Changes)
}

func TestEncode_CancelledKeepsPending(t *testing.T) {
	t.Parallel()
	a := newPeer(t, "a")
	upsert(t, a.reg, "", "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.mgr.Encode(ctx)
	assert.ErrorIs(t, err, errs.ErrOperationCancelled)
	assert.Equal(t, 1, a.mgr.Stats().Pending)
	assert.Zero(t, a.mgr.Stats().Sequence)
}

func TestDecode_AppliesOnceAndDoesNotEcho(t *testing.T) {
	t.Parallel()
	a, b := newPeer(t, "a"), newPeer(t, "b")
	ctx := context.Background()
	x := upsert(t, a.reg, "", "shared")

	p, err := a.mgr.Encode(ctx)
	require.NoError(t, err)
	wire, err := Unmarshal(Marshal(p))
	require.NoError(t, err)

	res, err := b.mgr.Decode(ctx, wire)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	got, ok := b.reg.Snapshot().Get(x.ID)
	require.True(t, ok)
	assert.True(t, got.CreatedAt.Equal(x.CreatedAt))

	before := b.reg.Snapshot()
	_, err = b.mgr.Decode(ctx, wire)
	assert.ErrorIs(t, err, errs.ErrCollaborationRejected)
	assert.Same(t, before, b.reg.Snapshot(), "duplicate decode must not touch the registry")

	echo, err := b.mgr.Encode(ctx)
	require.NoError(t, err)
	assert.Empty(t, echo.Changes, "peer writes are not re-broadcast")
	assert.Equal(t, map[string]uint64{"a": 1}, b.mgr.LastSeen())
}

func TestDecode_RejectsStaleAndOwnOrigin(t *testing.T) {
	t.Parallel()
	b := newPeer(t, "b")
	ctx := context.Background()

	_, err := b.mgr.Decode(ctx, &Packet{OriginID: "a", Sequence: 3})
	require.NoError(t, err)
	_, err = b.mgr.Decode(ctx, &Packet{OriginID: "a", Sequence: 2})
	assert.ErrorIs(t, err, errs.ErrCollaborationRejected)
	_, err = b.mgr.Decode(ctx, &Packet{OriginID: "a", Sequence: 5})
	assert.NoError(t, err, "gaps are accepted")

	_, err = b.mgr.Decode(ctx, &Packet{OriginID: "b", Sequence: 9})
	assert.ErrorIs(t, err, errs.ErrCollaborationRejected)
	_, err = b.mgr.Decode(ctx, &Packet{Sequence: 9})
	assert.ErrorIs(t, err, errs.ErrCollaborationRejected)
	_, err = b.mgr.Decode(ctx, nil)
	assert.ErrorIs(t, err, errs.ErrCollaborationRejected)

	st := b.mgr.Stats()
	assert.Equal(t, uint64(2), st.Applied)
	assert.Equal(t, uint64(4), st.Rejected)
}

func customChange(id, n string) Change {
	return Change{Op: ChangeUpsert, ID: id, Anchor: anchors.Anchor{Payload: anchors.CustomPayload{Name: n}}}
}

func TestDecode_LastWriterWins(t *testing.T) {
	t.Parallel()
	d := newPeer(t, "d")
	ctx := context.Background()

	_, err := d.mgr.Decode(ctx, &Packet{OriginID: "b", Sequence: 5, Changes: []Change{customChange("anc_x", "from-b")}})
	require.NoError(t, err)
	res, err := d.mgr.Decode(ctx, &Packet{OriginID: "c", Sequence: 3, Changes: []Change{customChange("anc_x", "from-c")}})
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Equal(t, "from-b", name(t, d.reg, "anc_x"))

	_, err = d.mgr.Decode(ctx, &Packet{OriginID: "c", Sequence: 5, Changes: []Change{customChange("anc_x", "tie-c")}})
	require.NoError(t, err)
	assert.Equal(t, "tie-c", name(t, d.reg, "anc_x"), "equal sequences break ties on origin")

	_, err = d.mgr.Decode(ctx, &Packet{OriginID: "b", Sequence: 6, Changes: []Change{customChange("anc_x", "later-b")}})
	require.NoError(t, err)
	assert.Equal(t, "later-b", name(t, d.reg, "anc_x"))
	assert.Equal(t, uint64(1), d.mgr.Stats().Overwritten)
}

func TestDecode_LocalPendingCompetes(t *testing.T) {
	t.Parallel()
	a := newPeer(t, "a")
	ctx := context.Background()
	for range 4 {
		_, err := a.mgr.Encode(ctx)
		require.NoError(t, err)
	}
	x := upsert(t, a.reg, "", "local")

	_, err := a.mgr.Decode(ctx, &Packet{OriginID: "z", Sequence: 2, Changes: []Change{customChange(x.ID, "old-remote")}})
	require.NoError(t, err)
	assert.Equal(t, "local", name(t, a.reg, x.ID))

	_, err = a.mgr.Decode(ctx, &Packet{OriginID: "z", Sequence: 9, Changes: []Change{customChange(x.ID, "new-remote")}})
	require.NoError(t, err)
	assert.Equal(t, "new-remote", name(t, a.reg, x.ID))

	p, err := a.mgr.Encode(ctx)
	require.NoError(t, err)
	assert.Empty(t, p.Changes, "the local change was superseded")
}

func TestReset_ClearsPendingKeepsHistory(t *testing.T) {
	t.Parallel()
	a := newPeer(t, "a")
	ctx := context.Background()
	upsert(t, a.reg, "", "x")
	_, err := a.mgr.Decode(ctx, &Packet{OriginID: "b", Sequence: 1})
	require.NoError(t, err)

	a.mgr.Reset()
	assert.Zero(t, a.mgr.Stats().Pending)
	_, err = a.mgr.Decode(ctx, &Packet{OriginID: "b", Sequence: 1})
	assert.ErrorIs(t, err, errs.ErrCollaborationRejected)
}
