package configsel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/spatial.session/internal/spatial/errs"
)

func TestResolve_PlaneDetectionWithOcclusion(t *testing.T) {
	t.Parallel()
	sel := NewSelector(FullCapabilities())

	cfg, err := sel.Resolve(Request{Experience: ExperiencePlaneDetection, Occlusion: true})
	require.NoError(t, err)
	assert.Equal(t, ModeWorld, cfg.Mode)
	assert.True(t, cfg.PlaneDetection)
	assert.True(t, cfg.Occlusion)
	assert.False(t, cfg.FaceTracking)
	assert.False(t, cfg.BodyTracking)
	assert.True(t, cfg.LightEstimation)
}

func TestResolve_FaceAndBodyRejected(t *testing.T) {
	t.Parallel()
	sel := NewSelector(FullCapabilities())

	_, err := sel.Resolve(Request{FaceTracking: true, BodyTracking: true})
	assert.ErrorIs(t, err, errs.ErrConfigurationUnsupported)

	_, err = sel.Resolve(Request{Experience: ExperienceGeoTracking, FaceTracking: true})
	assert.ErrorIs(t, err, errs.ErrConfigurationUnsupported)
}

func TestResolve_ExclusiveRejectsOptionalFlags(t *testing.T) {
	t.Parallel()
	sel := NewSelector(FullCapabilities())

	tests := []struct {
		name string
		req  Request
	}{
		{"plane detection with face", Request{Experience: ExperiencePlaneDetection, FaceTracking: true}},
		{"face with occlusion", Request{Experience: ExperienceFaceTracking, Occlusion: true}},
		{"body with collaboration", Request{Experience: ExperienceBodyTracking, Collaboration: true}},
		{"geo with scene reconstruction", Request{Experience: ExperienceGeoTracking, SceneReconstruction: true}},
		{"body with faces", Request{Experience: ExperienceBodyTracking, MaxTrackedFaces: 1}},
		{"face with images", Request{Experience: ExperienceFaceTracking, MaxTrackedImages: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sel.Resolve(tt.req)
			assert.ErrorIs(t, err, errs.ErrConfigurationUnsupported)
		})
	}
}

func TestResolve_FaceMode(t *testing.T) {
	t.Parallel()
	sel := NewSelector(FullCapabilities())

	cfg, err := sel.Resolve(Request{FaceTracking: true})
	require.NoError(t, err)
	assert.Equal(t, ModeFace, cfg.Mode)
	assert.Equal(t, 1, cfg.MaxTrackedFaces)

	_, err = sel.Resolve(Request{Experience: ExperienceFaceTracking, MaxTrackedFaces: 4})
	assert.ErrorIs(t, err, errs.ErrConfigurationUnsupported)
}

func TestResolve_WorldComposesFlags(t *testing.T) {
	t.Parallel()
	sel := NewSelector(FullCapabilities())

	cfg, err := sel.Resolve(Request{
		Occlusion:            true,
		SceneReconstruction:  true,
		EnvironmentTexturing: true,
		Collaboration:        true,
		HandTracking:         true,
		MaxTrackedImages:     4,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeWorld, cfg.Mode)
	assert.True(t, cfg.Occlusion && cfg.SceneReconstruction && cfg.EnvironmentTexturing && cfg.Collaboration && cfg.HandTracking)
	assert.True(t, cfg.ImageTracking)
	assert.Equal(t, 4, cfg.MaxTrackedImages)
	assert.Contains(t, cfg.String(), "mesh")
}

func TestResolve_MissingDeviceCapability(t *testing.T) {
	t.Parallel()
	caps := FullCapabilities()
	caps.SceneReconstruction = false
	caps.BodyTracking = false
	sel := NewSelector(caps)

	_, err := sel.Resolve(Request{SceneReconstruction: true})
	assert.ErrorIs(t, err, errs.ErrConfigurationUnsupported)
	_, err = sel.Resolve(Request{Experience: ExperienceBodyTracking})
	assert.ErrorIs(t, err, errs.ErrConfigurationUnsupported)

	_, err = NewSelector(Capabilities{}).Resolve(Request{})
	assert.ErrorIs(t, err, errs.ErrConfigurationUnsupported)
}

func TestParseExperienceType(t *testing.T) {
	t.Parallel()
	for e := ExperienceWorldTracking; e <= ExperienceGeoTracking; e++ {
		got, err := ParseExperienceType(e.String())
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
	_, err := ParseExperienceType("holodeck")
	assert.Error(t, err)
}
