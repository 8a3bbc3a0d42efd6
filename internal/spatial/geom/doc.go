// Package geom holds the rigid-transform and ray primitives shared by the
// session, the trackers and the query interface.
//
// Poses are position + unit quaternion in a right-handed, Y-up world frame
// with the camera looking down -Z. Vectors are gonum r3.Vec values.
package geom
