// Package source provides a synthetic sensor source for demos and tests.
package source

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
	"github.com/banshee-data/spatial.session/internal/spatial/geom"
	"github.com/banshee-data/spatial.session/internal/spatial/trackers"
	"github.com/banshee-data/spatial.session/internal/timeutil"
)

// Synthetic generates frames of a camera orbiting a room with a floor, a
// wall and an optional hand in view.
type Synthetic struct {
	seq   atomic.Uint64
	clock timeutil.Clock
	start time.Time

	// Configuration
	FrameRate      float64 // frames per second
	OrbitRadius    float64 // metres
	OrbitSpeed     float64 // radians per second
	EyeHeight      float64 // metres above the floor
	FeaturePoints  int     // per frame
	WarmupFrames   int     // frames reported as Limited/initializing
	Hands          bool
	ReferenceImage string // empty disables the image sighting

	rng *rand.Rand
}

// NewSynthetic creates a generator driven by clock. A zero seed uses the
// clock's current time.
func NewSynthetic(clock timeutil.Clock, seed int64) *Synthetic {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}
	return &Synthetic{
		clock:         clock,
		start:         clock.Now(),
		FrameRate:     30,
		OrbitRadius:   2,
		OrbitSpeed:    0.25,
		EyeHeight:     1.5,
		FeaturePoints: 64,
		WarmupFrames:  5,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// NextFrame builds the next frame at the clock's current time.
func (g *Synthetic) NextFrame() *frames.Frame {
	seq := g.seq.Add(1)
	now := g.clock.Now()
	elapsed := now.Sub(g.start).Seconds()

	f := &frames.Frame{
		Seq:           seq,
		Timestamp:     now,
		TrackingState: frames.TrackingNormal,
		Camera:        g.camera(elapsed),
		FeaturePoints: g.featurePoints(),
		Planes: []frames.PlaneObservation{
			{
				Key:            "floor",
				Transform:      geom.Identity(),
				Alignment:      anchors.AlignmentHorizontal,
				Width:          4,
				Length:         4,
				Classification: "floor",
			},
			{
				Key: "wall",
				Transform: geom.Pose{
					Position:    r3.Vec{Y: 1.25, Z: -2},
					Orientation: geom.AxisAngle(r3.Vec{X: 1}, math.Pi/2),
				},
				Alignment:      anchors.AlignmentVertical,
				Width:          4,
				Length:         2.5,
				Classification: "wall",
			},
		},
	}
	if int(seq) <= g.WarmupFrames {
		f.TrackingState = frames.TrackingLimited
		f.Reason = frames.ReasonInitializing
	}
	if g.Hands {
		f.Hands = []frames.HandObservation{g.hand(elapsed)}
	}
	if g.ReferenceImage != "" {
		f.Images = []frames.ImageObservation{{
			ReferenceName: g.ReferenceImage,
			Transform:     geom.Translation(r3.Vec{Y: 1.2, Z: -1.99}),
			PhysicalWidth: 0.3,
		}}
	}
	return f
}

// camera orbits the origin at eye height, looking at the room centre.
func (g *Synthetic) camera(elapsed float64) geom.Camera {
	angle := elapsed * g.OrbitSpeed
	pos := r3.Vec{
		X: g.OrbitRadius * math.Sin(angle),
		Y: g.EyeHeight,
		Z: g.OrbitRadius * math.Cos(angle),
	}
	// Yaw so that -Z points back at the Y axis.
	return geom.Camera{
		Transform: geom.Pose{
			Position:    pos,
			Orientation: geom.AxisAngle(geom.UnitY, angle),
		},
		FieldOfView: math.Pi / 3,
		AspectRatio: 16.0 / 9.0,
	}
}

func (g *Synthetic) featurePoints() []frames.FeaturePoint {
	pts := make([]frames.FeaturePoint, g.FeaturePoints)
	for i := range pts {
		if g.rng.Float64() < 0.7 {
			pts[i].Position = r3.Vec{X: g.rng.Float64()*4 - 2, Z: g.rng.Float64()*4 - 2}
		} else {
			pts[i].Position = r3.Vec{X: g.rng.Float64()*4 - 2, Y: g.rng.Float64() * 2.5, Z: -2}
		}
		pts[i].Luminance = 0.4 + g.rng.Float64()*0.2
	}
	return pts
}

// hand opens and closes a pinch once per second.
func (g *Synthetic) hand(elapsed float64) frames.HandObservation {
	gap := 0.01 + 0.04*(0.5+0.5*math.Sin(2*math.Pi*elapsed))
	return frames.HandObservation{
		Chirality: anchors.ChiralityRight,
		Transform: geom.Translation(r3.Vec{X: 0.2, Y: 1.2, Z: -0.4}),
		Joints: map[string]r3.Vec{
			trackers.JointThumbTip: {},
			trackers.JointIndexTip: {X: gap},
		},
	}
}

// Run emits a frame to sink on every tick until ctx is done.
func (g *Synthetic) Run(ctx context.Context, sink func(*frames.Frame)) error {
	if g.FrameRate <= 0 {
		return fmt.Errorf("synthetic source: frame rate %g must be positive", g.FrameRate)
	}
	period := time.Duration(float64(time.Second) / g.FrameRate)
	ticker := g.clock.NewTicker(period)
	defer ticker.Stop()
	diagf("synthetic source at %.1f fps", g.FrameRate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			sink(g.NextFrame())
		}
	}
}
