package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

const tol = 1e-9

func assertVec(t *testing.T, want, got r3.Vec) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, tol, "X")
	assert.InDelta(t, want.Y, got.Y, tol, "Y")
	assert.InDelta(t, want.Z, got.Z, tol, "Z")
}

func TestPoseRotateAndInverse(t *testing.T) {
	t.Parallel()

	p := Pose{
		Position:    r3.Vec{X: 1, Y: 2, Z: 3},
		Orientation: AxisAngle(UnitY, math.Pi/2),
	}

	// +X rotated 90° about +Y lands on -Z.
	assertVec(t, r3.Vec{Z: -1}, p.Rotate(UnitX))

	local := r3.Vec{X: 0.5, Y: -1, Z: 2}
	world := p.Apply(local)
	assertVec(t, local, p.Inverse(world))
}

func TestPoseNormalized(t *testing.T) {
	t.Parallel()

	var zero Pose
	assert.Equal(t, 1.0, zero.Normalized().Orientation.Real)

	p := Pose{Orientation: AxisAngle(UnitZ, 0.3)}
	p.Orientation.Real *= 4
	p.Orientation.Kmag *= 4
	n := p.Normalized()
	assertVec(t, Pose{Orientation: AxisAngle(UnitZ, 0.3)}.Rotate(UnitX), n.Rotate(UnitX))
}

func TestPoseMatrix(t *testing.T) {
	t.Parallel()

	m := Translation(r3.Vec{X: 4, Y: 5, Z: 6}).Matrix()
	assert.Equal(t, [16]float64{1, 0, 0, 4, 0, 1, 0, 5, 0, 0, 1, 6, 0, 0, 0, 1}, m)
}

func TestRayIntersections(t *testing.T) {
	t.Parallel()

	r, ok := NewRay(r3.Vec{Y: 2}, r3.Vec{Y: -3})
	require.True(t, ok)

	d, ok := r.IntersectPlane(r3.Vec{}, UnitY)
	require.True(t, ok)
	assert.InDelta(t, 2.0, d, tol)

	_, ok = r.IntersectPlane(r3.Vec{Y: 5}, UnitY)
	assert.False(t, ok, "plane behind origin")

	d, ok = r.IntersectSphere(r3.Vec{}, 0.5)
	require.True(t, ok)
	assert.InDelta(t, 1.5, d, tol)

	_, ok = r.IntersectSphere(r3.Vec{X: 3}, 0.5)
	assert.False(t, ok)

	_, ok = NewRay(r3.Vec{}, r3.Vec{})
	assert.False(t, ok)
}

func TestCameraRayCentre(t *testing.T) {
	t.Parallel()

	cam := Camera{Transform: Identity(), FieldOfView: math.Pi / 3, AspectRatio: 0.5}
	r, ok := cam.Ray(0.5, 0.5)
	require.True(t, ok)
	assertVec(t, r3.Vec{Z: -1}, r.Direction)

	_, ok = Camera{Transform: Identity()}.Ray(0.5, 0.5)
	assert.False(t, ok, "zero field of view")
}

func TestRayIntersectTriangle(t *testing.T) {
	r, ok := NewRay(r3.Vec{X: 0.25, Y: 1, Z: 0.25}, r3.Vec{Y: -1})
	if !ok {
		t.Fatal("NewRay rejected a valid direction")
	}
	a, b, c := r3.Vec{}, r3.Vec{X: 1}, r3.Vec{Z: 1}
	d, hit := r.IntersectTriangle(a, b, c)
	if !hit || math.Abs(d-1) > 1e-12 {
		t.Fatalf("IntersectTriangle = %v, %v; want 1, true", d, hit)
	}
	if _, hit := r.IntersectTriangle(r3.Vec{X: 2}, r3.Vec{X: 3}, r3.Vec{X: 2, Z: 1}); hit {
		t.Error("ray outside the triangle reported a hit")
	}
}
