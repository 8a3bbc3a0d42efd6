// Package query answers hit-test and raycast questions against a committed
// anchor snapshot. Queries never mutate the registry; results come back
// nearest-first with the anchor id breaking distance ties.
package query

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

// ErrInvalidRay is returned when the query ray has no usable direction or
// the image point lies outside [0,1]x[0,1].
var ErrInvalidRay = errors.New("invalid query ray")

// ResultType selects the geometry a hit test considers.
type ResultType uint8

const (
	ExistingPlaneUsingExtent ResultType = 1 << iota
	ExistingPlane
	Mesh
	Anchor
	FeaturePoint

	ResultAll = ExistingPlaneUsingExtent | Mesh | Anchor | FeaturePoint
)

var resultTypeNames = []struct {
	t    ResultType
	name string
}{
	{ExistingPlaneUsingExtent, "existing-plane-extent"},
	{ExistingPlane, "existing-plane"},
	{Mesh, "mesh"},
	{Anchor, "anchor"},
	{FeaturePoint, "feature-point"},
}

func (t ResultType) String() string {
	if t == 0 {
		return "none"
	}
	var parts []string
	for _, n := range resultTypeNames {
		if t&n.t != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Target selects what a raycast may land on.
type Target uint8

const (
	TargetExistingPlaneGeometry Target = iota
	TargetExistingPlaneInfinite
	TargetAny
)

func (t Target) String() string {
	switch t {
	case TargetExistingPlaneGeometry:
		return "existing-plane-geometry"
	case TargetExistingPlaneInfinite:
		return "existing-plane-infinite"
	case TargetAny:
		return "any"
	default:
		return fmt.Sprintf("target(%d)", uint8(t))
	}
}

// Alignment filters plane hits for raycasts.
type Alignment uint8

const (
	AlignAny Alignment = iota
	AlignHorizontal
	AlignVertical
)

func (a Alignment) String() string {
	switch a {
	case AlignHorizontal:
		return "horizontal"
	case AlignVertical:
		return "vertical"
	default:
		return "any"
	}
}

func (a Alignment) accepts(p anchors.PlaneAlignment) bool {
	switch a {
	case AlignHorizontal:
		return p == anchors.AlignmentHorizontal
	case AlignVertical:
		return p == anchors.AlignmentVertical
	default:
		return true
	}
}

// Result is one intersection. AnchorID and Kind are empty for feature-point
// hits.
type Result struct {
	AnchorID string
	Kind     anchors.Kind
	Type     ResultType
	Distance float64
	Position r3.Vec
	Normal   r3.Vec
}

// DefaultFeatureTolerance is the perpendicular distance, in metres, within
// which a feature point counts as hit.
const DefaultFeatureTolerance = 0.02

// Scene is the read-only input to a query.
type Scene struct {
	Snapshot      *anchors.Snapshot
	FeaturePoints []frames.FeaturePoint

	// FeatureTolerance overrides DefaultFeatureTolerance when positive.
	FeatureTolerance float64
}

// HitTest casts a ray from camera through the normalized image point (x, y)
// and intersects it with the geometry selected by types.
func HitTest(s Scene, camera geom.Camera, x, y float64, types ResultType) ([]Result, error) {
	if x < 0 || x > 1 || y < 0 || y > 1 || math.IsNaN(x) || math.IsNaN(y) {
		return nil, fmt.Errorf("%w: image point (%g, %g)", ErrInvalidRay, x, y)
	}
	ray, ok := camera.Ray(x, y)
	if !ok {
		return nil, fmt.Errorf("%w: camera cannot project (%g, %g)", ErrInvalidRay, x, y)
	}
	return Intersect(s, ray, types, AlignAny), nil
}

// Raycast intersects the ray from origin along direction with the geometry
// chosen by target. Plane hits are filtered by alignment.
func Raycast(s Scene, origin, direction r3.Vec, target Target, alignment Alignment) ([]Result, error) {
	ray, ok := geom.NewRay(origin, direction)
	if !ok {
		return nil, fmt.Errorf("%w: direction %v", ErrInvalidRay, direction)
	}
	var types ResultType
	switch target {
	case TargetExistingPlaneGeometry:
		types = ExistingPlaneUsingExtent
	case TargetExistingPlaneInfinite:
		types = ExistingPlane
	case TargetAny:
		types = ResultAll
	default:
		return nil, fmt.Errorf("unknown raycast target %v", target)
	}
	return Intersect(s, ray, types, alignment), nil
}

// Intersect runs ray against the scene. It is the shared core of HitTest and
// Raycast.
func Intersect(s Scene, ray geom.Ray, types ResultType, alignment Alignment) []Result {
	var out []Result
	if s.Snapshot != nil {
		for _, a := range s.Snapshot.All() {
			switch p := a.Payload.(type) {
			case anchors.PlanePayload:
				if types&(ExistingPlane|ExistingPlaneUsingExtent) == 0 || !alignment.accepts(p.Alignment) {
					continue
				}
				if r, ok := hitPlane(ray, a, p, types); ok {
					out = append(out, r)
				}
			case anchors.MeshPayload:
				if types&Mesh == 0 {
					continue
				}
				if r, ok := hitMesh(ray, a, p); ok {
					out = append(out, r)
				}
			default:
				if types&Anchor == 0 {
					continue
				}
				if r, ok := hitSolid(ray, a); ok {
					out = append(out, r)
				}
			}
		}
	}
	if types&FeaturePoint != 0 {
		tol := s.FeatureTolerance
		if tol <= 0 {
			tol = DefaultFeatureTolerance
		}
		for _, fp := range s.FeaturePoints {
			if r, ok := hitPoint(ray, fp.Position, tol); ok {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].AnchorID < out[j].AnchorID
	})
	return out
}

// hitPlane prefers the extent-bounded hit when both plane types are asked
// for.
func hitPlane(ray geom.Ray, a anchors.Anchor, p anchors.PlanePayload, types ResultType) (Result, bool) {
	normal := a.Transform.Rotate(geom.UnitY)
	point := a.Transform.Apply(p.Center)
	t, ok := ray.IntersectPlane(point, normal)
	if !ok {
		return Result{}, false
	}
	hit := ray.At(t)
	res := Result{
		AnchorID: a.ID,
		Kind:     anchors.KindPlane,
		Distance: t,
		Position: hit,
		Normal:   normal,
	}
	local := r3.Sub(a.Transform.Inverse(hit), p.Center)
	inside := math.Abs(local.X) <= p.Width/2 && math.Abs(local.Z) <= p.Length/2
	switch {
	case inside && types&ExistingPlaneUsingExtent != 0:
		res.Type = ExistingPlaneUsingExtent
	case types&ExistingPlane != 0:
		res.Type = ExistingPlane
	default:
		return Result{}, false
	}
	return res, true
}

func hitMesh(ray geom.Ray, a anchors.Anchor, p anchors.MeshPayload) (Result, bool) {
	best := math.Inf(1)
	var normal r3.Vec
	for i := 0; i+2 < len(p.Faces); i += 3 {
		ia, ib, ic := int(p.Faces[i]), int(p.Faces[i+1]), int(p.Faces[i+2])
		if ia >= len(p.Vertices) || ib >= len(p.Vertices) || ic >= len(p.Vertices) {
			continue
		}
		va := a.Transform.Apply(p.Vertices[ia])
		vb := a.Transform.Apply(p.Vertices[ib])
		vc := a.Transform.Apply(p.Vertices[ic])
		t, ok := ray.IntersectTriangle(va, vb, vc)
		if !ok || t >= best {
			continue
		}
		best = t
		normal = r3.Unit(r3.Cross(r3.Sub(vb, va), r3.Sub(vc, va)))
	}
	if math.IsInf(best, 1) {
		return Result{}, false
	}
	if r3.Dot(normal, ray.Direction) > 0 {
		normal = r3.Scale(-1, normal)
	}
	return Result{
		AnchorID: a.ID,
		Kind:     anchors.KindMesh,
		Type:     Mesh,
		Distance: best,
		Position: ray.At(best),
		Normal:   normal,
	}, true
}

func hitSolid(ray geom.Ray, a anchors.Anchor) (Result, bool) {
	radius := anchors.Radius(a)
	if radius <= 0 {
		return Result{}, false
	}
	t, ok := ray.IntersectSphere(a.Transform.Position, radius)
	if !ok {
		return Result{}, false
	}
	hit := ray.At(t)
	normal := r3.Sub(hit, a.Transform.Position)
	if n := r3.Norm(normal); n > 0 {
		normal = r3.Scale(1/n, normal)
	}
	return Result{
		AnchorID: a.ID,
		Kind:     a.Kind,
		Type:     Anchor,
		Distance: t,
		Position: hit,
		Normal:   normal,
	}, true
}

func hitPoint(ray geom.Ray, p r3.Vec, tol float64) (Result, bool) {
	t := r3.Dot(r3.Sub(p, ray.Origin), ray.Direction)
	if t < 0 {
		return Result{}, false
	}
	if geom.Distance(ray.At(t), p) > tol {
		return Result{}, false
	}
	return Result{
		Type:     FeaturePoint,
		Distance: t,
		Position: p,
		Normal:   r3.Scale(-1, ray.Direction),
	}, true
}
