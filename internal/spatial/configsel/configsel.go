// Package configsel resolves a requested experience plus capability flags
// into one concrete tracking configuration.
//
// Exclusive experiences (face, body, geo) select a single-purpose mode and
// reject every optional flag that mode cannot honour. World tracking
// composes its optional capabilities additively. Anything the device cannot
// run is rejected with errs.ErrConfigurationUnsupported at resolution time.
package configsel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/spatial.session/internal/spatial/errs"
)

// ExperienceType is the requested experience.
type ExperienceType int

const (
	ExperienceWorldTracking ExperienceType = iota
	ExperiencePlaneDetection
	ExperienceImageTracking
	ExperienceFaceTracking
	ExperienceBodyTracking
	ExperienceGeoTracking
)

var experienceNames = map[ExperienceType]string{
	ExperienceWorldTracking:  "world",
	ExperiencePlaneDetection: "plane-detection",
	ExperienceImageTracking:  "image-tracking",
	ExperienceFaceTracking:   "face",
	ExperienceBodyTracking:   "body",
	ExperienceGeoTracking:    "geo",
}

func (e ExperienceType) String() string {
	if s, ok := experienceNames[e]; ok {
		return s
	}
	return fmt.Sprintf("experience(%d)", int(e))
}

// ParseExperienceType is the inverse of ExperienceType.String.
func ParseExperienceType(s string) (ExperienceType, error) {
	for e, name := range experienceNames {
		if strings.EqualFold(s, name) {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown experience type %q", s)
}

// Exclusive reports whether the experience runs in a single-purpose mode.
func (e ExperienceType) Exclusive() bool {
	return e == ExperienceFaceTracking || e == ExperienceBodyTracking || e == ExperienceGeoTracking
}

// Mode is the concrete tracking configuration family.
type Mode int

const (
	ModeWorld Mode = iota
	ModeFace
	ModeBody
	ModeGeo
)

func (m Mode) String() string {
	switch m {
	case ModeWorld:
		return "world"
	case ModeFace:
		return "face"
	case ModeBody:
		return "body"
	case ModeGeo:
		return "geo"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Request is what the host asks for.
type Request struct {
	Experience           ExperienceType
	Occlusion            bool
	Collaboration        bool
	Persistence          bool
	HandTracking         bool
	FaceTracking         bool
	BodyTracking         bool
	SceneReconstruction  bool
	EnvironmentTexturing bool
	MaxTrackedImages     int
	MaxTrackedFaces      int
}

// Capabilities describes what the device can run.
type Capabilities struct {
	WorldTracking        bool
	FaceTracking         bool
	BodyTracking         bool
	GeoTracking          bool
	PlaneDetection       bool
	ImageTracking        bool
	Occlusion            bool
	SceneReconstruction  bool
	EnvironmentTexturing bool
	HandTracking         bool
	Collaboration        bool
	Persistence          bool
	MaxTrackedImages     int
	MaxTrackedFaces      int
}

// FullCapabilities describes a device that supports everything.
func FullCapabilities() Capabilities {
	return Capabilities{
		WorldTracking:        true,
		FaceTracking:         true,
		BodyTracking:         true,
		GeoTracking:          true,
		PlaneDetection:       true,
		ImageTracking:        true,
		Occlusion:            true,
		SceneReconstruction:  true,
		EnvironmentTexturing: true,
		HandTracking:         true,
		Collaboration:        true,
		Persistence:          true,
		MaxTrackedImages:     100,
		MaxTrackedFaces:      3,
	}
}

// Configuration is the resolved, runnable configuration.
type Configuration struct {
	Mode                 Mode
	Experience           ExperienceType
	PlaneDetection       bool
	ImageTracking        bool
	Occlusion            bool
	Collaboration        bool
	Persistence          bool
	HandTracking         bool
	FaceTracking         bool
	BodyTracking         bool
	SceneReconstruction  bool
	EnvironmentTexturing bool
	LightEstimation      bool
	MaxTrackedImages     int
	MaxTrackedFaces      int
}

func (c Configuration) String() string {
	var flags []string
	add := func(on bool, name string) {
		if on {
			flags = append(flags, name)
		}
	}
	add(c.PlaneDetection, "planes")
	add(c.ImageTracking, fmt.Sprintf("images<=%d", c.MaxTrackedImages))
	add(c.Occlusion, "occlusion")
	add(c.Collaboration, "collaboration")
	add(c.Persistence, "persistence")
	add(c.HandTracking, "hands")
	add(c.FaceTracking, fmt.Sprintf("faces<=%d", c.MaxTrackedFaces))
	add(c.BodyTracking, "body")
	add(c.SceneReconstruction, "mesh")
	add(c.EnvironmentTexturing, "env-texturing")
	return fmt.Sprintf("%s[%s]", c.Mode, strings.Join(flags, ","))
}

// Selector resolves requests against a fixed capability set.
type Selector struct {
	caps Capabilities
}

// NewSelector creates a Selector for caps.
func NewSelector(caps Capabilities) *Selector {
	return &Selector{caps: caps}
}

// Capabilities returns the device capability set.
func (s *Selector) Capabilities() Capabilities { return s.caps }

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrConfigurationUnsupported, fmt.Sprintf(format, args...))
}

// Resolve maps req to one configuration or rejects it.
func (s *Selector) Resolve(req Request) (Configuration, error) {
	if req.MaxTrackedImages < 0 || req.MaxTrackedFaces < 0 {
		return Configuration{}, unsupported("negative tracking limits")
	}

	modes := exclusiveModes(req)
	switch len(modes) {
	case 0:
		return s.resolveWorld(req)
	case 1:
		return s.resolveExclusive(req, modes[0])
	default:
		names := make([]string, len(modes))
		for i, m := range modes {
			names[i] = m.String()
		}
		return Configuration{}, unsupported("exclusive modes %s cannot be combined", strings.Join(names, " and "))
	}
}

func exclusiveModes(req Request) []Mode {
	set := map[Mode]bool{}
	switch req.Experience {
	case ExperienceFaceTracking:
		set[ModeFace] = true
	case ExperienceBodyTracking:
		set[ModeBody] = true
	case ExperienceGeoTracking:
		set[ModeGeo] = true
	}
	if req.FaceTracking {
		set[ModeFace] = true
	}
	if req.BodyTracking {
		set[ModeBody] = true
	}
	out := make([]Mode, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// optionalFlags lists the world-only flags set on req.
func optionalFlags(req Request) []string {
	var out []string
	if req.Occlusion {
		out = append(out, "occlusion")
	}
	if req.Collaboration {
		out = append(out, "collaboration")
	}
	if req.Persistence {
		out = append(out, "persistence")
	}
	if req.HandTracking {
		out = append(out, "handTracking")
	}
	if req.SceneReconstruction {
		out = append(out, "sceneReconstruction")
	}
	if req.EnvironmentTexturing {
		out = append(out, "environmentTexturing")
	}
	if req.MaxTrackedImages > 0 {
		out = append(out, "maxTrackedImages")
	}
	return out
}

func (s *Selector) resolveExclusive(req Request, mode Mode) (Configuration, error) {
	switch req.Experience {
	case ExperiencePlaneDetection, ExperienceImageTracking:
		return Configuration{}, unsupported("%s cannot combine with %s mode", req.Experience, mode)
	}
	if flags := optionalFlags(req); len(flags) > 0 {
		return Configuration{}, unsupported("%s mode does not support %s", mode, strings.Join(flags, ", "))
	}

	cfg := Configuration{Mode: mode, Experience: req.Experience, LightEstimation: true}
	switch mode {
	case ModeFace:
		if !s.caps.FaceTracking {
			return Configuration{}, unsupported("device has no face tracking")
		}
		faces := req.MaxTrackedFaces
		if faces == 0 {
			faces = 1
		}
		if faces > s.caps.MaxTrackedFaces {
			return Configuration{}, unsupported("maxTrackedFaces %d exceeds device limit %d", faces, s.caps.MaxTrackedFaces)
		}
		cfg.FaceTracking = true
		cfg.MaxTrackedFaces = faces
		cfg.Experience = ExperienceFaceTracking
	case ModeBody:
		if req.MaxTrackedFaces > 0 {
			return Configuration{}, unsupported("body mode does not support maxTrackedFaces")
		}
		if !s.caps.BodyTracking {
			return Configuration{}, unsupported("device has no body tracking")
		}
		cfg.BodyTracking = true
		cfg.Experience = ExperienceBodyTracking
	case ModeGeo:
		if req.MaxTrackedFaces > 0 {
			return Configuration{}, unsupported("geo mode does not support maxTrackedFaces")
		}
		if !s.caps.GeoTracking {
			return Configuration{}, unsupported("device has no geo tracking")
		}
		cfg.Experience = ExperienceGeoTracking
	}
	return cfg, nil
}

func (s *Selector) resolveWorld(req Request) (Configuration, error) {
	if !s.caps.WorldTracking {
		return Configuration{}, unsupported("device has no world tracking")
	}
	if req.MaxTrackedFaces > 0 {
		return Configuration{}, unsupported("maxTrackedFaces requires face mode")
	}

	cfg := Configuration{
		Mode:                 ModeWorld,
		Experience:           req.Experience,
		PlaneDetection:       req.Experience == ExperiencePlaneDetection,
		ImageTracking:        req.Experience == ExperienceImageTracking || req.MaxTrackedImages > 0,
		Occlusion:            req.Occlusion,
		Collaboration:        req.Collaboration,
		Persistence:          req.Persistence,
		HandTracking:         req.HandTracking,
		SceneReconstruction:  req.SceneReconstruction,
		EnvironmentTexturing: req.EnvironmentTexturing,
		LightEstimation:      true,
		MaxTrackedImages:     req.MaxTrackedImages,
	}
	if cfg.ImageTracking && cfg.MaxTrackedImages == 0 {
		cfg.MaxTrackedImages = 1
	}

	checks := []struct {
		want, have bool
		name       string
	}{
		{cfg.PlaneDetection, s.caps.PlaneDetection, "plane detection"},
		{cfg.ImageTracking, s.caps.ImageTracking, "image tracking"},
		{cfg.Occlusion, s.caps.Occlusion, "occlusion"},
		{cfg.Collaboration, s.caps.Collaboration, "collaboration"},
		{cfg.Persistence, s.caps.Persistence, "persistence"},
		{cfg.HandTracking, s.caps.HandTracking, "hand tracking"},
		{cfg.SceneReconstruction, s.caps.SceneReconstruction, "scene reconstruction"},
		{cfg.EnvironmentTexturing, s.caps.EnvironmentTexturing, "environment texturing"},
	}
	for _, c := range checks {
		if c.want && !c.have {
			return Configuration{}, unsupported("device has no %s", c.name)
		}
	}
	if cfg.MaxTrackedImages > s.caps.MaxTrackedImages {
		return Configuration{}, unsupported("maxTrackedImages %d exceeds device limit %d", cfg.MaxTrackedImages, s.caps.MaxTrackedImages)
	}
	return cfg, nil
}
