package trackers

import (
	"context"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
)

// Object tracks recognised reference objects by name.
type Object struct {
	w    Writer
	life *lifecycle
}

// NewObject creates an object tracker.
func NewObject(w Writer, cfg Config) *Object {
	return &Object{w: w, life: newLifecycle("object", cfg.withDefaults())}
}

func (t *Object) Name() string { return "object" }

func (t *Object) owned() []string { return t.life.ids() }

func (t *Object) Analyze(ctx context.Context, f *frames.Frame) error {
	seen := make(map[string]anchors.Anchor, len(f.Objects))
	for _, o := range f.Objects {
		if o.ReferenceName == "" {
			continue
		}
		seen[o.ReferenceName] = anchors.Anchor{
			Transform: o.Transform,
			Payload:   anchors.ObjectPayload{ReferenceName: o.ReferenceName, Extent: o.Extent},
		}
	}
	return commit(t.w, t.Name(), t.life.step(seen))
}
