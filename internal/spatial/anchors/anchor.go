package anchors

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

// Kind is the anchor variant tag.
type Kind uint8

const (
	KindPlane Kind = iota
	KindObject
	KindImage
	KindFace
	KindBody
	KindHand
	KindMesh
	KindCustom

	numKinds
)

var kindNames = [numKinds]string{
	KindPlane:  "plane",
	KindObject: "object",
	KindImage:  "image",
	KindFace:   "face",
	KindBody:   "body",
	KindHand:   "hand",
	KindMesh:   "mesh",
	KindCustom: "custom",
}

// Kinds lists every anchor kind in tag order.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k < numKinds }

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown anchor kind %q", s)
}

// IDPrefix prefixes every registry-allocated anchor id.
const IDPrefix = "anc_"

// NewID allocates a fresh anchor id.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

// Anchor is a tracked spatial reference. Payload must be one of the payload
// types in this package; Kind is derived from it on upsert. Payloads are
// handed over to the registry and must not be mutated afterwards.
type Anchor struct {
	ID        string
	Kind      Kind
	Payload   Payload
	Transform geom.Pose
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payload is the sealed set of kind-specific anchor data.
type Payload interface {
	payloadKind() Kind
}

// PlaneAlignment classifies a detected plane.
type PlaneAlignment uint8

const (
	AlignmentHorizontal PlaneAlignment = iota
	AlignmentVertical
)

func (a PlaneAlignment) String() string {
	if a == AlignmentVertical {
		return "vertical"
	}
	return "horizontal"
}

// PlanePayload describes a detected plane. Center is in anchor-local
// coordinates; the plane spans local X (Width) and Z (Length) with +Y normal.
type PlanePayload struct {
	Alignment      PlaneAlignment
	Center         r3.Vec
	Width          float64
	Length         float64
	Classification string
}

// ObjectPayload is a recognised reference object.
type ObjectPayload struct {
	ReferenceName string
	Extent        r3.Vec
}

// ImagePayload is a tracked reference image.
type ImagePayload struct {
	ReferenceName string
	PhysicalWidth float64
	Tracked       bool
}

// FacePayload carries blend-shape coefficients in [0,1] and eye positions in
// anchor-local coordinates.
type FacePayload struct {
	BlendShapes map[string]float64
	LeftEye     r3.Vec
	RightEye    r3.Vec
	LookAt      r3.Vec
}

// BodyPayload carries skeleton joints in anchor-local coordinates.
type BodyPayload struct {
	Joints         map[string]r3.Vec
	EstimatedScale float64
}

// Chirality tells left from right hands.
type Chirality uint8

const (
	ChiralityLeft Chirality = iota
	ChiralityRight
)

func (c Chirality) String() string {
	if c == ChiralityRight {
		return "right"
	}
	return "left"
}

// HandPayload carries hand joints in anchor-local coordinates.
type HandPayload struct {
	Chirality     Chirality
	Joints        map[string]r3.Vec
	Pinching      bool
	PinchDistance float64
}

// MeshPayload is one reconstructed scene-mesh chunk. Faces index Vertices in
// triples.
type MeshPayload struct {
	Vertices       []r3.Vec
	Faces          []uint32
	Classification string
}

// CustomPayload is application- or host-defined anchor data.
type CustomPayload struct {
	Name       string
	Data       []byte
	Properties map[string]float64
}

func (PlanePayload) payloadKind() Kind  { return KindPlane }
func (ObjectPayload) payloadKind() Kind { return KindObject }
func (ImagePayload) payloadKind() Kind  { return KindImage }
func (FacePayload) payloadKind() Kind   { return KindFace }
func (BodyPayload) payloadKind() Kind   { return KindBody }
func (HandPayload) payloadKind() Kind   { return KindHand }
func (MeshPayload) payloadKind() Kind   { return KindMesh }
func (CustomPayload) payloadKind() Kind { return KindCustom }

// compact drops empty payload collections. Blob and wire codecs do not
// tell an empty map or slice from nil, so stored anchors keep only nil.
func compact(p Payload) Payload {
	switch v := p.(type) {
	case FacePayload:
		if len(v.BlendShapes) == 0 {
			v.BlendShapes = nil
		}
		return v
	case BodyPayload:
		if len(v.Joints) == 0 {
			v.Joints = nil
		}
		return v
	case HandPayload:
		if len(v.Joints) == 0 {
			v.Joints = nil
		}
		return v
	case MeshPayload:
		if len(v.Vertices) == 0 {
			v.Vertices = nil
		}
		if len(v.Faces) == 0 {
			v.Faces = nil
		}
		return v
	case CustomPayload:
		if len(v.Data) == 0 {
			v.Data = nil
		}
		if len(v.Properties) == 0 {
			v.Properties = nil
		}
		return v
	}
	return p
}

// Classify maps a payload to its bucket. The switch is exhaustive over the
// sealed Payload set; a nil payload does not classify.
func Classify(p Payload) (Kind, bool) {
	switch p.(type) {
	case PlanePayload:
		return KindPlane, true
	case ObjectPayload:
		return KindObject, true
	case ImagePayload:
		return KindImage, true
	case FacePayload:
		return KindFace, true
	case BodyPayload:
		return KindBody, true
	case HandPayload:
		return KindHand, true
	case MeshPayload:
		return KindMesh, true
	case CustomPayload:
		return KindCustom, true
	default:
		return 0, false
	}
}

// Radius is the bounding radius used when an anchor is treated as a solid
// by ray queries. Planes and empty meshes report zero.
func Radius(a Anchor) float64 {
	switch p := a.Payload.(type) {
	case ObjectPayload:
		return max(p.Extent.X, p.Extent.Y, p.Extent.Z) / 2
	case ImagePayload:
		return p.PhysicalWidth / 2
	case FacePayload:
		return 0.12
	case BodyPayload:
		return 0.5 * max(p.EstimatedScale, 1)
	case HandPayload:
		return 0.1
	case MeshPayload:
		var r float64
		for _, v := range p.Vertices {
			r = max(r, r3.Norm(v))
		}
		return r
	case CustomPayload:
		return 0.05
	default:
		return 0
	}
}
