package collab

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

// ErrMalformedPacket is returned by Unmarshal for bytes that do not parse
// as a packet.
var ErrMalformedPacket = errors.New("malformed collaboration packet")

// Field numbers. Unknown fields are skipped on decode.
const (
	fPacketOrigin   protowire.Number = 1
	fPacketSequence protowire.Number = 2
	fPacketChange   protowire.Number = 3
	fPacketSentAt   protowire.Number = 4

	fChangeOp        protowire.Number = 1
	fChangeID        protowire.Number = 2
	fChangeKind      protowire.Number = 3
	fChangePose      protowire.Number = 4
	fChangeCreatedAt protowire.Number = 5
	fChangeUpdatedAt protowire.Number = 6
	fChangePayload   protowire.Number = 7
)

// Marshal encodes p in protobuf wire format.
func Marshal(p *Packet) []byte {
	var b []byte
	b = appendString(b, fPacketOrigin, p.OriginID)
	b = appendVarint(b, fPacketSequence, p.Sequence)
	b = appendTime(b, fPacketSentAt, p.SentAt)
	for _, c := range p.Changes {
		b = appendMessage(b, fPacketChange, marshalChange(c))
	}
	return b
}

func marshalChange(c Change) []byte {
	var b []byte
	b = appendVarint(b, fChangeOp, uint64(c.Op))
	id := c.ID
	if id == "" {
		id = c.Anchor.ID
	}
	b = appendString(b, fChangeID, id)
	if c.Op != ChangeUpsert {
		return b
	}
	a := c.Anchor
	b = protowire.AppendTag(b, fChangeKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Kind))
	b = appendMessage(b, fChangePose, marshalPose(a.Transform))
	b = appendTime(b, fChangeCreatedAt, a.CreatedAt)
	b = appendTime(b, fChangeUpdatedAt, a.UpdatedAt)
	b = appendMessage(b, fChangePayload, marshalPayload(a.Payload))
	return b
}

func marshalPose(p geom.Pose) []byte {
	var b []byte
	b = appendDouble(b, 1, p.Position.X)
	b = appendDouble(b, 2, p.Position.Y)
	b = appendDouble(b, 3, p.Position.Z)
	b = appendDouble(b, 4, p.Orientation.Real)
	b = appendDouble(b, 5, p.Orientation.Imag)
	b = appendDouble(b, 6, p.Orientation.Jmag)
	b = appendDouble(b, 7, p.Orientation.Kmag)
	return b
}

func marshalVec(v r3.Vec) []byte {
	var b []byte
	b = appendDouble(b, 1, v.X)
	b = appendDouble(b, 2, v.Y)
	b = appendDouble(b, 3, v.Z)
	return b
}

func appendScalars(b []byte, num protowire.Number, m map[string]float64) []byte {
	for _, k := range sortedKeys(m) {
		var e []byte
		e = appendString(e, 1, k)
		e = appendDouble(e, 2, m[k])
		b = appendMessage(b, num, e)
	}
	return b
}

func appendJoints(b []byte, num protowire.Number, m map[string]r3.Vec) []byte {
	for _, k := range sortedKeys(m) {
		var e []byte
		e = appendString(e, 1, k)
		e = appendMessage(e, 2, marshalVec(m[k]))
		b = appendMessage(b, num, e)
	}
	return b
}

func marshalPayload(p anchors.Payload) []byte {
	var b []byte
	switch p := p.(type) {
	case anchors.PlanePayload:
		b = appendVarint(b, 1, uint64(p.Alignment))
		b = appendMessage(b, 2, marshalVec(p.Center))
		b = appendDouble(b, 3, p.Width)
		b = appendDouble(b, 4, p.Length)
		b = appendString(b, 5, p.Classification)
	case anchors.ObjectPayload:
		b = appendString(b, 1, p.ReferenceName)
		b = appendMessage(b, 2, marshalVec(p.Extent))
	case anchors.ImagePayload:
		b = appendString(b, 1, p.ReferenceName)
		b = appendDouble(b, 2, p.PhysicalWidth)
		b = appendVarint(b, 3, protowire.EncodeBool(p.Tracked))
	case anchors.FacePayload:
		b = appendScalars(b, 1, p.BlendShapes)
		b = appendMessage(b, 2, marshalVec(p.LeftEye))
		b = appendMessage(b, 3, marshalVec(p.RightEye))
		b = appendMessage(b, 4, marshalVec(p.LookAt))
	case anchors.BodyPayload:
		b = appendJoints(b, 1, p.Joints)
		b = appendDouble(b, 2, p.EstimatedScale)
	case anchors.HandPayload:
		b = appendVarint(b, 1, uint64(p.Chirality))
		b = appendJoints(b, 2, p.Joints)
		b = appendVarint(b, 3, protowire.EncodeBool(p.Pinching))
		b = appendDouble(b, 4, p.PinchDistance)
	case anchors.MeshPayload:
		for _, v := range p.Vertices {
			b = appendMessage(b, 1, marshalVec(v))
		}
		if len(p.Faces) > 0 {
			var packed []byte
			for _, f := range p.Faces {
				packed = protowire.AppendVarint(packed, uint64(f))
			}
			b = appendMessage(b, 2, packed)
		}
		b = appendString(b, 3, p.Classification)
	case anchors.CustomPayload:
		b = appendString(b, 1, p.Name)
		if len(p.Data) > 0 {
			b = appendMessage(b, 2, p.Data)
		}
		b = appendScalars(b, 3, p.Properties)
	}
	return b
}

// Unmarshal decodes a packet produced by Marshal.
func Unmarshal(b []byte) (*Packet, error) {
	p := &Packet{}
	err := walk(b, func(f field) error {
		switch f.num {
		case fPacketOrigin:
			return f.str(&p.OriginID)
		case fPacketSequence:
			return f.varint(&p.Sequence)
		case fPacketSentAt:
			return f.time(&p.SentAt)
		case fPacketChange:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			c, err := unmarshalChange(f.b)
			if err != nil {
				return err
			}
			p.Changes = append(p.Changes, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	return p, nil
}

func unmarshalChange(b []byte) (Change, error) {
	var (
		c          Change
		op, kind   uint64
		hasKind    bool
		payloadRaw []byte
		hasPayload bool
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case fChangeOp:
			return f.varint(&op)
		case fChangeID:
			return f.str(&c.ID)
		case fChangeKind:
			hasKind = true
			return f.varint(&kind)
		case fChangePose:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			pose, err := unmarshalPose(f.b)
			c.Anchor.Transform = pose
			return err
		case fChangeCreatedAt:
			return f.time(&c.Anchor.CreatedAt)
		case fChangeUpdatedAt:
			return f.time(&c.Anchor.UpdatedAt)
		case fChangePayload:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			payloadRaw, hasPayload = f.b, true
		}
		return nil
	})
	if err != nil {
		return Change{}, err
	}
	if c.ID == "" {
		return Change{}, errors.New("change without id")
	}
	c.Op = ChangeOp(op)
	switch c.Op {
	case ChangeRemove:
		return Change{Op: ChangeRemove, ID: c.ID}, nil
	case ChangeUpsert:
	default:
		return Change{}, fmt.Errorf("change %s has op %d", c.ID, op)
	}
	if !hasKind || !hasPayload {
		return Change{}, fmt.Errorf("upsert %s without kind or payload", c.ID)
	}
	payload, err := unmarshalPayload(anchors.Kind(kind), payloadRaw)
	if err != nil {
		return Change{}, fmt.Errorf("upsert %s: %w", c.ID, err)
	}
	c.Anchor.ID = c.ID
	c.Anchor.Kind = anchors.Kind(kind)
	c.Anchor.Payload = payload
	return c, nil
}

func unmarshalPose(b []byte) (geom.Pose, error) {
	var p geom.Pose
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.double(&p.Position.X)
		case 2:
			return f.double(&p.Position.Y)
		case 3:
			return f.double(&p.Position.Z)
		case 4:
			return f.double(&p.Orientation.Real)
		case 5:
			return f.double(&p.Orientation.Imag)
		case 6:
			return f.double(&p.Orientation.Jmag)
		case 7:
			return f.double(&p.Orientation.Kmag)
		}
		return nil
	})
	return p, err
}

func unmarshalVec(b []byte) (r3.Vec, error) {
	var v r3.Vec
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.double(&v.X)
		case 2:
			return f.double(&v.Y)
		case 3:
			return f.double(&v.Z)
		}
		return nil
	})
	return v, err
}

func (f field) vec(dst *r3.Vec) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	v, err := unmarshalVec(f.b)
	*dst = v
	return err
}

func (f field) scalar(dst map[string]float64) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	var k string
	var v float64
	err := walk(f.b, func(e field) error {
		switch e.num {
		case 1:
			return e.str(&k)
		case 2:
			return e.double(&v)
		}
		return nil
	})
	dst[k] = v
	return err
}

func (f field) joint(dst map[string]r3.Vec) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	var k string
	var v r3.Vec
	err := walk(f.b, func(e field) error {
		switch e.num {
		case 1:
			return e.str(&k)
		case 2:
			return e.vec(&v)
		}
		return nil
	})
	dst[k] = v
	return err
}

func unmarshalPayload(kind anchors.Kind, b []byte) (anchors.Payload, error) {
	switch kind {
	case anchors.KindPlane:
		var p anchors.PlanePayload
		err := walk(b, func(f field) error {
			switch f.num {
			case 1:
				var v uint64
				err := f.varint(&v)
				p.Alignment = anchors.PlaneAlignment(v)
				return err
			case 2:
				return f.vec(&p.Center)
			case 3:
				return f.double(&p.Width)
			case 4:
				return f.double(&p.Length)
			case 5:
				return f.str(&p.Classification)
			}
			return nil
		})
		return p, err
	case anchors.KindObject:
		var p anchors.ObjectPayload
		err := walk(b, func(f field) error {
			switch f.num {
			case 1:
				return f.str(&p.ReferenceName)
			case 2:
				return f.vec(&p.Extent)
			}
			return nil
		})
		return p, err
	case anchors.KindImage:
		var p anchors.ImagePayload
		err := walk(b, func(f field) error {
			switch f.num {
			case 1:
				return f.str(&p.ReferenceName)
			case 2:
				return f.double(&p.PhysicalWidth)
			case 3:
				return f.boolean(&p.Tracked)
			}
			return nil
		})
		return p, err
	case anchors.KindFace:
		p := anchors.FacePayload{BlendShapes: map[string]float64{}}
		err := walk(b, func(f field) error {
			switch f.num {
			case 1:
				return f.scalar(p.BlendShapes)
			case 2:
				return f.vec(&p.LeftEye)
			case 3:
				return f.vec(&p.RightEye)
			case 4:
				return f.vec(&p.LookAt)
			}
			return nil
		})
		return p, err
	case anchors.KindBody:
		p := anchors.BodyPayload{Joints: map[string]r3.Vec{}}
		err := walk(b, func(f field) error {
			switch f.num {
			case 1:
				return f.joint(p.Joints)
			case 2:
				return f.double(&p.EstimatedScale)
			}
			return nil
		})
		return p, err
	case anchors.KindHand:
		p := anchors.HandPayload{Joints: map[string]r3.Vec{}}
		err := walk(b, func(f field) error {
			switch f.num {
			case 1:
				var v uint64
				err := f.varint(&v)
				p.Chirality = anchors.Chirality(v)
				return err
			case 2:
				return f.joint(p.Joints)
			case 3:
				return f.boolean(&p.Pinching)
			case 4:
				return f.double(&p.PinchDistance)
			}
			return nil
		})
		return p, err
	case anchors.KindMesh:
		var p anchors.MeshPayload
		err := walk(b, func(f field) error {
			switch f.num {
			case 1:
				var v r3.Vec
				if err := f.vec(&v); err != nil {
					return err
				}
				p.Vertices = append(p.Vertices, v)
			case 2:
				if err := f.expect(protowire.BytesType); err != nil {
					return err
				}
				for rest := f.b; len(rest) > 0; {
					v, n := protowire.ConsumeVarint(rest)
					if n < 0 {
						return protowire.ParseError(n)
					}
					if v > math.MaxUint32 {
						return fmt.Errorf("face index %d overflows", v)
					}
					p.Faces = append(p.Faces, uint32(v))
					rest = rest[n:]
				}
			case 3:
				return f.str(&p.Classification)
			}
			return nil
		})
		return p, err
	case anchors.KindCustom:
		p := anchors.CustomPayload{Properties: map[string]float64{}}
		err := walk(b, func(f field) error {
			switch f.num {
			case 1:
				return f.str(&p.Name)
			case 2:
				if err := f.expect(protowire.BytesType); err != nil {
					return err
				}
				p.Data = append([]byte(nil), f.b...)
			case 3:
				return f.scalar(p.Properties)
			}
			return nil
		})
		return p, err
	}
	return nil, fmt.Errorf("unknown anchor kind %d", kind)
}

type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) expect(t protowire.Type) error {
	if f.typ != t {
		return fmt.Errorf("field %d has wire type %d, want %d", f.num, f.typ, t)
	}
	return nil
}

func (f field) varint(dst *uint64) error {
	if err := f.expect(protowire.VarintType); err != nil {
		return err
	}
	*dst = f.u
	return nil
}

func (f field) boolean(dst *bool) error {
	if err := f.expect(protowire.VarintType); err != nil {
		return err
	}
	*dst = protowire.DecodeBool(f.u)
	return nil
}

func (f field) double(dst *float64) error {
	if err := f.expect(protowire.Fixed64Type); err != nil {
		return err
	}
	*dst = math.Float64frombits(f.u)
	return nil
}

func (f field) str(dst *string) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	*dst = string(f.b)
	return nil
}

func (f field) time(dst *time.Time) error {
	if err := f.expect(protowire.VarintType); err != nil {
		return err
	}
	*dst = time.Unix(0, protowire.DecodeZigZag(f.u)).UTC()
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 && !math.Signbit(v) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// appendTime writes t as zig-zag unix nanoseconds. The zero time is omitted.
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
