package trackers

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

// ProbeName names the environment-probe custom anchor.
const ProbeName = "environment-probe"

// Light smooths the per-frame light estimate and, when probes are enabled,
// publishes it as a custom anchor at the camera.
type Light struct {
	w      Writer
	alpha  float64
	probes bool

	mu       sync.Mutex
	estimate frames.LightEstimate
	contrast float64
	samples  int

	probeID   string
	published frames.LightEstimate
}

// NewLight creates a light tracker.
func NewLight(w Writer, cfg Config) *Light {
	cfg = cfg.withDefaults()
	return &Light{w: w, alpha: cfg.LightSmoothing, probes: cfg.EnvironmentProbes, estimate: frames.NeutralLight}
}

func (t *Light) Name() string { return "light" }

func (t *Light) owned() []string {
	if t.probeID == "" {
		return nil
	}
	return []string{t.probeID}
}

// Estimate returns the smoothed estimate and the luminance spread of the
// last frame's feature points.
func (t *Light) Estimate() (frames.LightEstimate, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.estimate, t.contrast
}

func (t *Light) Analyze(ctx context.Context, f *frames.Frame) error {
	t.mu.Lock()
	raw := frames.EstimateLight(f, t.estimate)
	if t.samples == 0 {
		t.estimate = raw
	} else {
		t.estimate.AmbientIntensity += t.alpha * (raw.AmbientIntensity - t.estimate.AmbientIntensity)
		t.estimate.ColorTemperature += t.alpha * (raw.ColorTemperature - t.estimate.ColorTemperature)
	}
	t.samples++
	if len(f.FeaturePoints) > 1 {
		lum := make([]float64, len(f.FeaturePoints))
		for i, fp := range f.FeaturePoints {
			lum[i] = fp.Luminance
		}
		t.contrast = stat.StdDev(lum, nil)
	}
	est, contrast := t.estimate, t.contrast
	t.mu.Unlock()

	if !t.probes || !t.probeChanged(est) {
		return nil
	}
	if t.probeID == "" {
		t.probeID = anchors.NewID()
	}
	probe := anchors.Anchor{
		ID:        t.probeID,
		Transform: geom.Translation(f.Camera.Transform.Position),
		Payload: anchors.CustomPayload{
			Name: ProbeName,
			Properties: map[string]float64{
				"ambientIntensity": est.AmbientIntensity,
				"colorTemperature": est.ColorTemperature,
				"contrast":         contrast,
			},
		},
	}
	if err := commit(t.w, t.Name(), []anchors.Mutation{anchors.UpsertOf(probe)}); err != nil {
		return err
	}
	t.published = est
	return nil
}

// probeChanged gates probe updates to 5% intensity or 50K temperature
// moves so that a steady scene does not emit an update every frame.
func (t *Light) probeChanged(est frames.LightEstimate) bool {
	if t.probeID == "" {
		return true
	}
	p := t.published
	if math.Abs(est.AmbientIntensity-p.AmbientIntensity) >= 0.05*math.Max(p.AmbientIntensity, 1) {
		return true
	}
	return math.Abs(est.ColorTemperature-p.ColorTemperature) >= 50
}
