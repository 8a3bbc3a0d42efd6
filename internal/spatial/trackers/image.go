package trackers

import (
	"context"
	"sort"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
)

// Image tracks reference images, at most MaxTrackedImages per frame. An
// image that drops out of view is restated with Tracked false before it is
// retired.
type Image struct {
	w     Writer
	limit int
	life  *lifecycle
}

// NewImage creates an image tracker.
func NewImage(w Writer, cfg Config) *Image {
	cfg = cfg.withDefaults()
	life := newLifecycle("image", cfg)
	life.onMiss = func(a anchors.Anchor) (anchors.Anchor, bool) {
		p, ok := a.Payload.(anchors.ImagePayload)
		if !ok || !p.Tracked {
			return a, false
		}
		p.Tracked = false
		a.Payload = p
		return a, true
	}
	return &Image{w: w, limit: cfg.MaxTrackedImages, life: life}
}

func (t *Image) Name() string { return "image" }

func (t *Image) owned() []string { return t.life.ids() }

func (t *Image) Analyze(ctx context.Context, f *frames.Frame) error {
	obs := append([]frames.ImageObservation(nil), f.Images...)
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].ReferenceName < obs[j].ReferenceName })

	seen := make(map[string]anchors.Anchor, len(obs))
	for _, o := range obs {
		if o.ReferenceName == "" || o.PhysicalWidth <= 0 {
			continue
		}
		if _, dup := seen[o.ReferenceName]; dup {
			continue
		}
		if len(seen) == t.limit {
			break
		}
		seen[o.ReferenceName] = anchors.Anchor{
			Transform: o.Transform,
			Payload: anchors.ImagePayload{
				ReferenceName: o.ReferenceName,
				PhysicalWidth: o.PhysicalWidth,
				Tracked:       true,
			},
		}
	}
	return commit(t.w, t.Name(), t.life.step(seen))
}
