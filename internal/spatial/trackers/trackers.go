package trackers

import (
	"fmt"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/configsel"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
)

// Writer is the registry handle trackers write through. *anchors.Writer
// satisfies it and refuses batches once a reset has moved the registry on.
type Writer interface {
	Apply(origin string, muts []anchors.Mutation) (anchors.Result, error)
}

// Config tunes tracker lifecycles and derived values.
type Config struct {
	HitsToConfirm int
	MaxMisses     int

	// PinchThreshold is the thumb-to-index distance in metres below which
	// a hand is pinching.
	PinchThreshold float64

	// LightSmoothing is the EMA weight given to each new light sample.
	LightSmoothing float64

	// EnvironmentProbes publishes the light estimate as a custom anchor.
	EnvironmentProbes bool

	MaxTrackedImages int
	MaxTrackedFaces  int
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		HitsToConfirm:    1,
		MaxMisses:        3,
		PinchThreshold:   0.02,
		LightSmoothing:   0.3,
		MaxTrackedImages: 1,
		MaxTrackedFaces:  1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HitsToConfirm <= 0 {
		c.HitsToConfirm = d.HitsToConfirm
	}
	if c.MaxMisses <= 0 {
		c.MaxMisses = d.MaxMisses
	}
	if c.PinchThreshold <= 0 {
		c.PinchThreshold = d.PinchThreshold
	}
	if c.LightSmoothing <= 0 || c.LightSmoothing > 1 {
		c.LightSmoothing = d.LightSmoothing
	}
	if c.MaxTrackedImages <= 0 {
		c.MaxTrackedImages = d.MaxTrackedImages
	}
	if c.MaxTrackedFaces <= 0 {
		c.MaxTrackedFaces = d.MaxTrackedFaces
	}
	return c
}

// Build returns the trackers a resolved configuration enables. Limits in
// cfg override those in tc. The light tracker is always present.
func Build(cfg configsel.Configuration, w Writer, tc Config) []frames.Analyzer {
	if cfg.MaxTrackedImages > 0 {
		tc.MaxTrackedImages = cfg.MaxTrackedImages
	}
	if cfg.MaxTrackedFaces > 0 {
		tc.MaxTrackedFaces = cfg.MaxTrackedFaces
	}
	tc.EnvironmentProbes = tc.EnvironmentProbes || cfg.EnvironmentTexturing
	tc = tc.withDefaults()

	var out []frames.Analyzer
	if cfg.Mode == configsel.ModeWorld {
		out = append(out, NewObject(w, tc))
		if cfg.PlaneDetection || cfg.SceneReconstruction {
			out = append(out, NewScene(w, tc, cfg.PlaneDetection, cfg.SceneReconstruction))
		}
	}
	if cfg.ImageTracking {
		out = append(out, NewImage(w, tc))
	}
	if cfg.FaceTracking {
		out = append(out, NewFace(w, tc))
	}
	if cfg.BodyTracking {
		out = append(out, NewBody(w, tc))
	}
	if cfg.HandTracking {
		out = append(out, NewHand(w, tc))
	}
	out = append(out, NewLight(w, tc))
	return out
}

// commit writes a frame's batch. Empty batches are skipped. A frame that
// has stepped its lifecycle is written even after its worker is stopped,
// so that the registry matches what the tracker believes it published;
// the writer's epoch refuses it once a reset has moved on.
func commit(w Writer, tracker string, muts []anchors.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	if _, err := w.Apply("", muts); err != nil {
		return fmt.Errorf("%s tracker: %w", tracker, err)
	}
	return nil
}
