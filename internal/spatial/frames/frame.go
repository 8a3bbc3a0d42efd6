// Package frames defines the per-tick sensor frame and the Frame Processor
// that fans each frame out to the enabled trackers.
package frames

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

// TrackingState is the quality of world tracking for a frame.
type TrackingState uint8

const (
	TrackingNotAvailable TrackingState = iota
	TrackingLimited
	TrackingNormal
)

func (s TrackingState) String() string {
	switch s {
	case TrackingNotAvailable:
		return "not-available"
	case TrackingLimited:
		return "limited"
	case TrackingNormal:
		return "normal"
	default:
		return fmt.Sprintf("tracking(%d)", int(s))
	}
}

// TrackingReason qualifies a Limited state.
type TrackingReason uint8

const (
	ReasonNone TrackingReason = iota
	ReasonInitializing
	ReasonExcessiveMotion
	ReasonInsufficientFeatures
	ReasonRelocalizing
)

func (r TrackingReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInitializing:
		return "initializing"
	case ReasonExcessiveMotion:
		return "excessive-motion"
	case ReasonInsufficientFeatures:
		return "insufficient-features"
	case ReasonRelocalizing:
		return "relocalizing"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// LightEstimate is the scene lighting for a frame. AmbientIntensity is in
// lumens with 1000 as neutral; ColorTemperature is in kelvin.
type LightEstimate struct {
	AmbientIntensity float64
	ColorTemperature float64
}

// NeutralLight is reported before any estimate is available.
var NeutralLight = LightEstimate{AmbientIntensity: 1000, ColorTemperature: 6500}

// FeaturePoint is a sparse world-space point with its sampled luminance in
// [0,1].
type FeaturePoint struct {
	Position  r3.Vec
	Luminance float64
}

// PlaneObservation is a detected plane keyed by the sensor's own id.
type PlaneObservation struct {
	Key            string
	Transform      geom.Pose
	Alignment      anchors.PlaneAlignment
	Center         r3.Vec
	Width, Length  float64
	Classification string
}

// MeshObservation is one reconstructed mesh chunk.
type MeshObservation struct {
	Key            string
	Transform      geom.Pose
	Vertices       []r3.Vec
	Faces          []uint32
	Classification string
}

// ImageObservation is a sighting of a reference image.
type ImageObservation struct {
	ReferenceName string
	Transform     geom.Pose
	PhysicalWidth float64
}

// ObjectObservation is a sighting of a reference object.
type ObjectObservation struct {
	ReferenceName string
	Transform     geom.Pose
	Extent        r3.Vec
}

// FaceObservation is a detected face with raw blend-shape coefficients.
type FaceObservation struct {
	Key         string
	Transform   geom.Pose
	BlendShapes map[string]float64
	LeftEye     r3.Vec
	RightEye    r3.Vec
	LookAt      r3.Vec
}

// BodyObservation is a detected skeleton in anchor-local coordinates.
type BodyObservation struct {
	Key       string
	Transform geom.Pose
	Joints    map[string]r3.Vec
}

// HandObservation is a detected hand in anchor-local coordinates.
type HandObservation struct {
	Chirality anchors.Chirality
	Transform geom.Pose
	Joints    map[string]r3.Vec
}

// Frame is one sensor tick. Frames are shared read-only between the
// processor and every tracker.
type Frame struct {
	Seq           uint64
	Timestamp     time.Time
	TrackingState TrackingState
	Reason        TrackingReason
	Camera        geom.Camera
	Light         *LightEstimate // nil when the sensor has no estimate
	FeaturePoints []FeaturePoint

	Planes  []PlaneObservation
	Meshes  []MeshObservation
	Images  []ImageObservation
	Objects []ObjectObservation
	Faces   []FaceObservation
	Bodies  []BodyObservation
	Hands   []HandObservation
}
