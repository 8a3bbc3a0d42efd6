package trackers

import (
	"context"
	"sort"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
)

// Face tracks up to MaxTrackedFaces faces. Blend-shape coefficients are
// clamped to [0,1].
type Face struct {
	w     Writer
	limit int
	life  *lifecycle
}

// NewFace creates a face tracker.
func NewFace(w Writer, cfg Config) *Face {
	cfg = cfg.withDefaults()
	return &Face{w: w, limit: cfg.MaxTrackedFaces, life: newLifecycle("face", cfg)}
}

func (t *Face) Name() string { return "face" }

func (t *Face) owned() []string { return t.life.ids() }

func (t *Face) Analyze(ctx context.Context, f *frames.Frame) error {
	obs := make([]frames.FaceObservation, 0, len(f.Faces))
	for _, o := range f.Faces {
		if o.Key != "" {
			obs = append(obs, o)
		}
	}
	// Faces already tracked keep their slot ahead of new ones.
	sort.SliceStable(obs, func(i, j int) bool {
		_, ti := t.life.id(obs[i].Key)
		_, tj := t.life.id(obs[j].Key)
		if ti != tj {
			return ti
		}
		return obs[i].Key < obs[j].Key
	})

	seen := make(map[string]anchors.Anchor, t.limit)
	for _, o := range obs {
		if len(seen) == t.limit {
			break
		}
		shapes := make(map[string]float64, len(o.BlendShapes))
		for name, v := range o.BlendShapes {
			shapes[name] = min(max(v, 0), 1)
		}
		seen[o.Key] = anchors.Anchor{
			Transform: o.Transform,
			Payload: anchors.FacePayload{
				BlendShapes: shapes,
				LeftEye:     o.LeftEye,
				RightEye:    o.RightEye,
				LookAt:      o.LookAt,
			},
		}
	}
	return commit(t.w, t.Name(), t.life.step(seen))
}
