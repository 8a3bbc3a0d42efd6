package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Axes of the world frame.
var (
	UnitX = r3.Vec{X: 1}
	UnitY = r3.Vec{Y: 1}
	UnitZ = r3.Vec{Z: 1}
)

// Pose is a rigid transform (local -> world).
type Pose struct {
	Position    r3.Vec
	Orientation quat.Number
}

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{Orientation: quat.Number{Real: 1}}
}

// Translation returns a pose with no rotation.
func Translation(v r3.Vec) Pose {
	return Pose{Position: v, Orientation: quat.Number{Real: 1}}
}

// AxisAngle returns the unit quaternion rotating by angle radians about axis.
func AxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	axis = r3.Scale(1/n, axis)
	s, c := math.Sincos(angle / 2)
	return quat.Number{Real: c, Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// Normalized returns p with a unit orientation. A zero quaternion is treated
// as the identity rotation; an orientation already within 1e-12 of unit
// length is returned unchanged so that normalizing is idempotent.
func (p Pose) Normalized() Pose {
	n := quat.Abs(p.Orientation)
	if n == 0 {
		p.Orientation = quat.Number{Real: 1}
		return p
	}
	if math.Abs(n-1) < 1e-12 {
		return p
	}
	p.Orientation = quat.Scale(1/n, p.Orientation)
	return p
}

// Rotate rotates v by the pose orientation.
func (p Pose) Rotate(v r3.Vec) r3.Vec {
	q := p.Orientation
	r := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Unrotate applies the inverse orientation to v.
func (p Pose) Unrotate(v r3.Vec) r3.Vec {
	return Pose{Orientation: quat.Conj(p.Orientation)}.Rotate(v)
}

// Apply maps a local point into world coordinates.
func (p Pose) Apply(v r3.Vec) r3.Vec {
	return r3.Add(p.Rotate(v), p.Position)
}

// Inverse maps a world point into the pose's local coordinates.
func (p Pose) Inverse(v r3.Vec) r3.Vec {
	return p.Unrotate(r3.Sub(v, p.Position))
}

// Forward is the pose's -Z axis in world coordinates.
func (p Pose) Forward() r3.Vec {
	return p.Rotate(r3.Vec{Z: -1})
}

// Up is the pose's +Y axis in world coordinates.
func (p Pose) Up() r3.Vec {
	return p.Rotate(UnitY)
}

// Matrix returns the pose as a 4x4 row-major homogeneous transform.
func (p Pose) Matrix() [16]float64 {
	x := p.Rotate(UnitX)
	y := p.Rotate(UnitY)
	z := p.Rotate(UnitZ)
	return [16]float64{
		x.X, y.X, z.X, p.Position.X,
		x.Y, y.Y, z.Y, p.Position.Y,
		x.Z, y.Z, z.Z, p.Position.Z,
		0, 0, 0, 1,
	}
}

// Distance is the Euclidean distance between two points.
func Distance(a, b r3.Vec) float64 {
	return r3.Norm(r3.Sub(a, b))
}

// Camera is the sensor's viewpoint for a frame.
type Camera struct {
	Transform   Pose
	FieldOfView float64 // vertical, radians
	AspectRatio float64 // width / height
}

// Ray builds the world-space ray through a normalized image point, where
// (0,0) is the top-left corner and (1,1) the bottom-right.
func (c Camera) Ray(x, y float64) (Ray, bool) {
	fov := c.FieldOfView
	if fov <= 0 || fov >= math.Pi {
		return Ray{}, false
	}
	aspect := c.AspectRatio
	if aspect <= 0 {
		aspect = 1
	}
	tanHalf := math.Tan(fov / 2)
	local := r3.Vec{
		X: (2*x - 1) * tanHalf * aspect,
		Y: (1 - 2*y) * tanHalf,
		Z: -1,
	}
	return NewRay(c.Transform.Position, c.Transform.Rotate(local))
}
