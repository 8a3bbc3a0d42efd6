package trackers

import (
	"context"
	"maps"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
)

// Skeleton joint names read by the body tracker.
const (
	JointHead      = "head"
	JointLeftFoot  = "left_foot"
	JointRightFoot = "right_foot"
)

// referenceHeight is the standing height, in metres, of a unit-scale body.
const referenceHeight = 1.8

// Body tracks skeletons and estimates their scale from standing height.
type Body struct {
	w    Writer
	life *lifecycle
}

// NewBody creates a body tracker.
func NewBody(w Writer, cfg Config) *Body {
	return &Body{w: w, life: newLifecycle("body", cfg.withDefaults())}
}

func (t *Body) Name() string { return "body" }

func (t *Body) owned() []string { return t.life.ids() }

func (t *Body) Analyze(ctx context.Context, f *frames.Frame) error {
	seen := make(map[string]anchors.Anchor, len(f.Bodies))
	for _, o := range f.Bodies {
		if o.Key == "" || len(o.Joints) == 0 {
			continue
		}
		seen[o.Key] = anchors.Anchor{
			Transform: o.Transform,
			Payload: anchors.BodyPayload{
				Joints:         maps.Clone(o.Joints),
				EstimatedScale: EstimateScale(o.Joints),
			},
		}
	}
	return commit(t.w, t.Name(), t.life.step(seen))
}

// EstimateScale is the head-to-lowest-foot height over the reference
// height. Skeletons missing those joints report 1.
func EstimateScale(joints map[string]r3.Vec) float64 {
	head, ok := joints[JointHead]
	if !ok {
		return 1
	}
	left, lok := joints[JointLeftFoot]
	right, rok := joints[JointRightFoot]
	var floor float64
	switch {
	case lok && rok:
		floor = min(left.Y, right.Y)
	case lok:
		floor = left.Y
	case rok:
		floor = right.Y
	default:
		return 1
	}
	h := head.Y - floor
	if h <= 0 {
		return 1
	}
	return h / referenceHeight
}
