package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const parallelEpsilon = 1e-9

// Ray is a half-line with a unit direction.
type Ray struct {
	Origin    r3.Vec
	Direction r3.Vec
}

// NewRay normalizes direction. It returns false for a zero direction.
func NewRay(origin, direction r3.Vec) (Ray, bool) {
	n := r3.Norm(direction)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Ray{}, false
	}
	return Ray{Origin: origin, Direction: r3.Scale(1/n, direction)}, true
}

// At returns the point at distance t along the ray.
func (r Ray) At(t float64) r3.Vec {
	return r3.Add(r.Origin, r3.Scale(t, r.Direction))
}

// IntersectPlane returns the distance to the plane through point with the
// given normal. Hits behind the origin or parallel rays report false.
func (r Ray) IntersectPlane(point, normal r3.Vec) (float64, bool) {
	denom := r3.Dot(normal, r.Direction)
	if math.Abs(denom) < parallelEpsilon {
		return 0, false
	}
	t := r3.Dot(r3.Sub(point, r.Origin), normal) / denom
	if t < 0 {
		return 0, false
	}
	return t, true
}

// IntersectSphere returns the distance to the first intersection with the
// sphere, or false when the ray misses it or the sphere is behind the origin.
func (r Ray) IntersectSphere(center r3.Vec, radius float64) (float64, bool) {
	if radius <= 0 {
		return 0, false
	}
	oc := r3.Sub(r.Origin, center)
	b := r3.Dot(oc, r.Direction)
	c := r3.Dot(oc, oc) - radius*radius
	disc := b*b - c
	if disc < 0 {
		return 0, false
	}
	sq := math.Sqrt(disc)
	t := -b - sq
	if t < 0 {
		t = -b + sq
	}
	if t < 0 {
		return 0, false
	}
	return t, true
}

// IntersectTriangle returns the distance to triangle (a, b, c) using the
// Möller-Trumbore test. Both faces count as hits.
func (r Ray) IntersectTriangle(a, b, c r3.Vec) (float64, bool) {
	e1 := r3.Sub(b, a)
	e2 := r3.Sub(c, a)
	p := r3.Cross(r.Direction, e2)
	det := r3.Dot(e1, p)
	if math.Abs(det) < parallelEpsilon {
		return 0, false
	}
	inv := 1 / det
	s := r3.Sub(r.Origin, a)
	u := r3.Dot(s, p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := r3.Cross(s, e1)
	v := r3.Dot(r.Direction, q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	t := r3.Dot(e2, q) * inv
	if t < 0 {
		return 0, false
	}
	return t, true
}
