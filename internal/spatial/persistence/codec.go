package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/errs"
	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

// Magic tags every world-map blob.
const Magic = "SPWM"

// Version is the blob format written by this package.
const Version uint16 = 1

const (
	headerSize     = 28
	flagCompressed = 1 << 0
	maxPayload     = 256 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Codec converts world maps to and from blobs. Implementations must honour
// ctx between stages and report malformed input as errs.ErrCorruptSnapshot.
// Empty payload maps and slices decode as nil; the registry stores them
// that way, so a saved registry reloads unchanged.
type Codec interface {
	Encode(ctx context.Context, m *WorldMap) ([]byte, Metadata, error)
	Decode(ctx context.Context, blob []byte) (*WorldMap, Metadata, error)
}

// BlobCodec is the default gob + zstd Codec.
type BlobCodec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// CodecOption configures a BlobCodec.
type CodecOption func(*codecOptions)

type codecOptions struct {
	compress bool
	level    zstd.EncoderLevel
}

// WithoutCompression writes raw gob payloads.
func WithoutCompression() CodecOption {
	return func(o *codecOptions) { o.compress = false }
}

// WithCompressionLevel selects the zstd encoder level.
func WithCompressionLevel(l zstd.EncoderLevel) CodecOption {
	return func(o *codecOptions) { o.level = l }
}

// NewBlobCodec builds a codec. The zstd encoder and decoder are shared and
// safe for concurrent EncodeAll/DecodeAll.
func NewBlobCodec(opts ...CodecOption) (*BlobCodec, error) {
	o := codecOptions{compress: true, level: zstd.SpeedDefault}
	for _, opt := range opts {
		opt(&o)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(o.level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &BlobCodec{compress: o.compress, enc: enc, dec: dec}, nil
}

// wireAnchor is the gob form of an anchor. Exactly one payload pointer is
// set, matching Kind.
type wireAnchor struct {
	ID          string
	Kind        uint8
	Position    [3]float64
	Orientation [4]float64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Plane  *anchors.PlanePayload
	Object *anchors.ObjectPayload
	Image  *anchors.ImagePayload
	Face   *anchors.FacePayload
	Body   *anchors.BodyPayload
	Hand   *anchors.HandPayload
	Mesh   *anchors.MeshPayload
	Custom *anchors.CustomPayload
}

type wireMap struct {
	Anchors []wireAnchor
}

func toWire(a anchors.Anchor) wireAnchor {
	p, q := a.Transform.Position, a.Transform.Orientation
	w := wireAnchor{
		ID:          a.ID,
		Kind:        uint8(a.Kind),
		Position:    [3]float64{p.X, p.Y, p.Z},
		Orientation: [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
	switch p := a.Payload.(type) {
	case anchors.PlanePayload:
		w.Plane = &p
	case anchors.ObjectPayload:
		w.Object = &p
	case anchors.ImagePayload:
		w.Image = &p
	case anchors.FacePayload:
		w.Face = &p
	case anchors.BodyPayload:
		w.Body = &p
	case anchors.HandPayload:
		w.Hand = &p
	case anchors.MeshPayload:
		w.Mesh = &p
	case anchors.CustomPayload:
		w.Custom = &p
	}
	return w
}

func fromWire(w wireAnchor) (anchors.Anchor, error) {
	var payloads []anchors.Payload
	if w.Plane != nil {
		payloads = append(payloads, *w.Plane)
	}
	if w.Object != nil {
		payloads = append(payloads, *w.Object)
	}
	if w.Image != nil {
		payloads = append(payloads, *w.Image)
	}
	if w.Face != nil {
		payloads = append(payloads, *w.Face)
	}
	if w.Body != nil {
		payloads = append(payloads, *w.Body)
	}
	if w.Hand != nil {
		payloads = append(payloads, *w.Hand)
	}
	if w.Mesh != nil {
		payloads = append(payloads, *w.Mesh)
	}
	if w.Custom != nil {
		payloads = append(payloads, *w.Custom)
	}
	if len(payloads) == 0 {
		// gob may elide a pointer to an all-zero payload.
		if p, ok := zeroPayload(anchors.Kind(w.Kind)); ok {
			payloads = append(payloads, p)
		}
	}
	if len(payloads) != 1 {
		return anchors.Anchor{}, fmt.Errorf("anchor %s carries %d payloads", w.ID, len(payloads))
	}
	kind, _ := anchors.Classify(payloads[0])
	if uint8(kind) != w.Kind {
		return anchors.Anchor{}, fmt.Errorf("anchor %s kind %d does not match %s payload", w.ID, w.Kind, kind)
	}
	return anchors.Anchor{
		ID:      w.ID,
		Kind:    kind,
		Payload: payloads[0],
		Transform: geom.Pose{
			Position:    r3.Vec{X: w.Position[0], Y: w.Position[1], Z: w.Position[2]},
			Orientation: quat.Number{Real: w.Orientation[0], Imag: w.Orientation[1], Jmag: w.Orientation[2], Kmag: w.Orientation[3]},
		},
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}, nil
}

func zeroPayload(k anchors.Kind) (anchors.Payload, bool) {
	switch k {
	case anchors.KindPlane:
		return anchors.PlanePayload{}, true
	case anchors.KindObject:
		return anchors.ObjectPayload{}, true
	case anchors.KindImage:
		return anchors.ImagePayload{}, true
	case anchors.KindFace:
		return anchors.FacePayload{}, true
	case anchors.KindBody:
		return anchors.BodyPayload{}, true
	case anchors.KindHand:
		return anchors.HandPayload{}, true
	case anchors.KindMesh:
		return anchors.MeshPayload{}, true
	case anchors.KindCustom:
		return anchors.CustomPayload{}, true
	}
	return nil, false
}

// Encode serializes m into a blob.
func (c *BlobCodec) Encode(ctx context.Context, m *WorldMap) ([]byte, Metadata, error) {
	wm := wireMap{Anchors: make([]wireAnchor, len(m.Anchors))}
	for i, a := range m.Anchors {
		wm.Anchors[i] = toWire(a)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&wm); err != nil {
		return nil, Metadata{}, fmt.Errorf("encode world map: %w", err)
	}
	if err := errs.Checkpoint(ctx, "save"); err != nil {
		return nil, Metadata{}, err
	}

	payload := buf.Bytes()
	var flags uint16
	if c.compress {
		payload = c.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags |= flagCompressed
	}
	if len(payload) > maxPayload {
		return nil, Metadata{}, fmt.Errorf("world map payload of %d bytes exceeds %d", len(payload), maxPayload)
	}

	blob := make([]byte, headerSize, headerSize+len(payload))
	copy(blob[0:4], Magic)
	binary.BigEndian.PutUint16(blob[4:6], Version)
	binary.BigEndian.PutUint16(blob[6:8], flags)
	binary.BigEndian.PutUint32(blob[8:12], uint32(len(m.Anchors)))
	var captured int64
	if !m.CapturedAt.IsZero() {
		captured = m.CapturedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(blob[12:20], uint64(captured))
	binary.BigEndian.PutUint32(blob[20:24], uint32(len(payload)))
	binary.BigEndian.PutUint32(blob[24:28], crc32.Checksum(payload, castagnoli))
	blob = append(blob, payload...)

	md := Metadata{
		Version:     Version,
		AnchorCount: len(m.Anchors),
		CapturedAt:  m.CapturedAt,
		Compressed:  c.compress,
		Size:        len(blob),
	}
	return blob, md, nil
}

// Inspect validates and returns a blob's header without decoding the
// payload.
func Inspect(blob []byte) (Metadata, error) {
	md, _, err := parseHeader(blob)
	return md, err
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrCorruptSnapshot, fmt.Sprintf(format, args...))
}

func parseHeader(blob []byte) (Metadata, []byte, error) {
	if len(blob) < headerSize {
		return Metadata{}, nil, corrupt("blob of %d bytes is shorter than the header", len(blob))
	}
	if string(blob[0:4]) != Magic {
		return Metadata{}, nil, corrupt("bad magic %q", blob[0:4])
	}
	version := binary.BigEndian.Uint16(blob[4:6])
	if version != Version {
		return Metadata{}, nil, corrupt("unsupported version %d", version)
	}
	flags := binary.BigEndian.Uint16(blob[6:8])
	if flags&^flagCompressed != 0 {
		return Metadata{}, nil, corrupt("unknown flags %#x", flags)
	}
	count := binary.BigEndian.Uint32(blob[8:12])
	captured := int64(binary.BigEndian.Uint64(blob[12:20]))
	size := binary.BigEndian.Uint32(blob[20:24])
	sum := binary.BigEndian.Uint32(blob[24:28])
	payload := blob[headerSize:]
	if uint64(len(payload)) != uint64(size) {
		return Metadata{}, nil, corrupt("payload is %d bytes, header says %d", len(payload), size)
	}
	if crc32.Checksum(payload, castagnoli) != sum {
		return Metadata{}, nil, corrupt("payload checksum mismatch")
	}
	var capturedAt time.Time
	if captured != 0 {
		capturedAt = time.Unix(0, captured).UTC()
	}
	return Metadata{
		Version:     version,
		AnchorCount: int(count),
		CapturedAt:  capturedAt,
		Compressed:  flags&flagCompressed != 0,
		Size:        len(blob),
	}, payload, nil
}

// Decode parses and validates a blob.
func (c *BlobCodec) Decode(ctx context.Context, blob []byte) (*WorldMap, Metadata, error) {
	md, payload, err := parseHeader(blob)
	if err != nil {
		return nil, Metadata{}, err
	}
	if md.Compressed {
		payload, err = c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, Metadata{}, corrupt("decompress payload: %v", err)
		}
	}
	if err := errs.Checkpoint(ctx, "load"); err != nil {
		return nil, Metadata{}, err
	}

	var wm wireMap
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&wm); err != nil {
		return nil, Metadata{}, corrupt("decode payload: %v", err)
	}
	if len(wm.Anchors) != md.AnchorCount {
		return nil, Metadata{}, corrupt("payload holds %d anchors, header says %d", len(wm.Anchors), md.AnchorCount)
	}

	m := &WorldMap{Anchors: make([]anchors.Anchor, 0, len(wm.Anchors)), CapturedAt: md.CapturedAt}
	ids := make(map[string]struct{}, len(wm.Anchors))
	for _, w := range wm.Anchors {
		if w.ID == "" {
			return nil, Metadata{}, corrupt("anchor without id")
		}
		if _, dup := ids[w.ID]; dup {
			return nil, Metadata{}, corrupt("duplicate anchor id %s", w.ID)
		}
		ids[w.ID] = struct{}{}
		a, err := fromWire(w)
		if err != nil {
			return nil, Metadata{}, corrupt("%v", err)
		}
		m.Anchors = append(m.Anchors, a)
	}
	return m, md, nil
}
