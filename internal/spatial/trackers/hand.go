package trackers

import (
	"context"
	"maps"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
)

// Hand joint names read by the pinch detector.
const (
	JointThumbTip = "thumb_tip"
	JointIndexTip = "index_tip"
)

// Hand tracks at most one left and one right hand and detects pinches.
type Hand struct {
	w         Writer
	threshold float64
	life      *lifecycle
}

// NewHand creates a hand tracker.
func NewHand(w Writer, cfg Config) *Hand {
	cfg = cfg.withDefaults()
	return &Hand{w: w, threshold: cfg.PinchThreshold, life: newLifecycle("hand", cfg)}
}

func (t *Hand) Name() string { return "hand" }

func (t *Hand) owned() []string { return t.life.ids() }

func (t *Hand) Analyze(ctx context.Context, f *frames.Frame) error {
	seen := make(map[string]anchors.Anchor, 2)
	for _, o := range f.Hands {
		key := o.Chirality.String()
		if _, dup := seen[key]; dup || len(o.Joints) == 0 {
			continue
		}
		dist, pinching := Pinch(o.Joints, t.threshold)
		seen[key] = anchors.Anchor{
			Transform: o.Transform,
			Payload: anchors.HandPayload{
				Chirality:     o.Chirality,
				Joints:        maps.Clone(o.Joints),
				Pinching:      pinching,
				PinchDistance: dist,
			},
		}
	}
	return commit(t.w, t.Name(), t.life.step(seen))
}

// Pinch reports the thumb-to-index tip distance and whether it is under
// threshold. A hand without both tips never pinches and reports -1.
func Pinch(joints map[string]r3.Vec, threshold float64) (float64, bool) {
	thumb, ok := joints[JointThumbTip]
	if !ok {
		return -1, false
	}
	index, ok := joints[JointIndexTip]
	if !ok {
		return -1, false
	}
	d := r3.Norm(r3.Sub(thumb, index))
	return d, d < threshold
}
