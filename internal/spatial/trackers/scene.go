package trackers

import (
	"context"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
)

// Scene tracks detected planes and reconstructed mesh chunks.
type Scene struct {
	w           Writer
	planes      *lifecycle
	meshes      *lifecycle
	detect      bool
	reconstruct bool
}

// NewScene creates a scene tracker. detectPlanes and reconstruct select
// which observation sets are read.
func NewScene(w Writer, cfg Config, detectPlanes, reconstruct bool) *Scene {
	cfg = cfg.withDefaults()
	return &Scene{
		w:           w,
		planes:      newLifecycle("scene/planes", cfg),
		meshes:      newLifecycle("scene/meshes", cfg),
		detect:      detectPlanes,
		reconstruct: reconstruct,
	}
}

func (s *Scene) Name() string { return "scene" }

func (s *Scene) owned() []string {
	return append(s.planes.ids(), s.meshes.ids()...)
}

func (s *Scene) Analyze(ctx context.Context, f *frames.Frame) error {
	var muts []anchors.Mutation
	if s.detect {
		seen := make(map[string]anchors.Anchor, len(f.Planes))
		for _, p := range f.Planes {
			if p.Key == "" || p.Width < 0 || p.Length < 0 {
				continue
			}
			seen[p.Key] = anchors.Anchor{
				Transform: p.Transform,
				Payload: anchors.PlanePayload{
					Alignment:      p.Alignment,
					Center:         p.Center,
					Width:          p.Width,
					Length:         p.Length,
					Classification: p.Classification,
				},
			}
		}
		muts = append(muts, s.planes.step(seen)...)
	}
	if s.reconstruct {
		seen := make(map[string]anchors.Anchor, len(f.Meshes))
		for _, m := range f.Meshes {
			if m.Key == "" {
				continue
			}
			if !validMesh(m.Vertices, m.Faces) {
				opsf("frame %d: mesh %s has %d face indices over %d vertices, skipped", f.Seq, m.Key, len(m.Faces), len(m.Vertices))
				continue
			}
			seen[m.Key] = anchors.Anchor{
				Transform: m.Transform,
				Payload: anchors.MeshPayload{
					Vertices:       m.Vertices,
					Faces:          m.Faces,
					Classification: m.Classification,
				},
			}
		}
		muts = append(muts, s.meshes.step(seen)...)
	}
	return commit(s.w, s.Name(), muts)
}

// validMesh checks that faces are whole triangles over existing vertices.
func validMesh[V any](vertices []V, faces []uint32) bool {
	if len(faces)%3 != 0 {
		return false
	}
	for _, idx := range faces {
		if int(idx) >= len(vertices) {
			return false
		}
	}
	return true
}
