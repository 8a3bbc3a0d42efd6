package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/spatial.session/internal/spatial/configsel"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
	"github.com/banshee-data/spatial.session/internal/spatial/trackers"
)

// DefaultConfigPath is the path to the canonical session defaults file.
const DefaultConfigPath = "config/session.defaults.json"

// TuningConfig is the session tuning file. Every field is optional; the
// Get* accessors supply defaults for omitted ones.
type TuningConfig struct {
	// Requested configuration
	Experience           *string `json:"experience,omitempty"` // world, plane-detection, image-tracking, face, body, geo
	Occlusion            *bool   `json:"occlusion,omitempty"`
	Collaboration        *bool   `json:"collaboration,omitempty"`
	Persistence          *bool   `json:"persistence,omitempty"`
	HandTracking         *bool   `json:"hand_tracking,omitempty"`
	FaceTracking         *bool   `json:"face_tracking,omitempty"`
	BodyTracking         *bool   `json:"body_tracking,omitempty"`
	SceneReconstruction  *bool   `json:"scene_reconstruction,omitempty"`
	EnvironmentTexturing *bool   `json:"environment_texturing,omitempty"`
	MaxTrackedImages     *int    `json:"max_tracked_images,omitempty"`
	MaxTrackedFaces      *int    `json:"max_tracked_faces,omitempty"`

	// Tracker params
	HitsToConfirm     *int     `json:"hits_to_confirm,omitempty"`
	MaxMisses         *int     `json:"max_misses,omitempty"`
	PinchThreshold    *float64 `json:"pinch_threshold,omitempty"`
	LightSmoothing    *float64 `json:"light_smoothing,omitempty"`
	EnvironmentProbes *bool    `json:"environment_probes,omitempty"`

	// Frame processor params
	MailboxSize    *int     `json:"mailbox_size,omitempty"`
	MaxTrackerRate *float64 `json:"max_tracker_rate,omitempty"` // frames per second, 0 = unlimited
	TrackerBurst   *int     `json:"tracker_burst,omitempty"`

	// Daemon params
	FrameRate      *float64 `json:"frame_rate,omitempty"`
	SaveInterval   *string  `json:"save_interval,omitempty"`   // duration string like "30s", "0s" disables
	CollabInterval *string  `json:"collab_interval,omitempty"` // duration string like "100ms"
	KeepMaps       *int     `json:"keep_maps,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field set to its
// default.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		Experience:           ptrString(configsel.ExperienceWorldTracking.String()),
		Occlusion:            ptrBool(false),
		Collaboration:        ptrBool(false),
		Persistence:          ptrBool(false),
		HandTracking:         ptrBool(false),
		FaceTracking:         ptrBool(false),
		BodyTracking:         ptrBool(false),
		SceneReconstruction:  ptrBool(false),
		EnvironmentTexturing: ptrBool(false),
		MaxTrackedImages:     ptrInt(0),
		MaxTrackedFaces:      ptrInt(0),
		HitsToConfirm:        ptrInt(1),
		MaxMisses:            ptrInt(3),
		PinchThreshold:       ptrFloat64(0.02),
		LightSmoothing:       ptrFloat64(0.3),
		EnvironmentProbes:    ptrBool(false),
		MailboxSize:          ptrInt(2),
		MaxTrackerRate:       ptrFloat64(0),
		TrackerBurst:         ptrInt(1),
		FrameRate:            ptrFloat64(30),
		SaveInterval:         ptrString("30s"),
		CollabInterval:       ptrString("100ms"),
		KeepMaps:             ptrInt(10),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file keep their defaults, so partial
// configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/spatial/session/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.Experience != nil {
		if _, err := configsel.ParseExperienceType(*c.Experience); err != nil {
			return err
		}
	}
	for name, v := range map[string]*int{
		"max_tracked_images": c.MaxTrackedImages,
		"max_tracked_faces":  c.MaxTrackedFaces,
		"keep_maps":          c.KeepMaps,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}
	for name, v := range map[string]*int{
		"hits_to_confirm": c.HitsToConfirm,
		"max_misses":      c.MaxMisses,
		"mailbox_size":    c.MailboxSize,
		"tracker_burst":   c.TrackerBurst,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}
	if c.PinchThreshold != nil && *c.PinchThreshold <= 0 {
		return fmt.Errorf("pinch_threshold must be positive, got %f", *c.PinchThreshold)
	}
	if c.LightSmoothing != nil && (*c.LightSmoothing <= 0 || *c.LightSmoothing > 1) {
		return fmt.Errorf("light_smoothing must be in (0, 1], got %f", *c.LightSmoothing)
	}
	if c.MaxTrackerRate != nil && *c.MaxTrackerRate < 0 {
		return fmt.Errorf("max_tracker_rate must be non-negative, got %f", *c.MaxTrackerRate)
	}
	if c.FrameRate != nil && *c.FrameRate <= 0 {
		return fmt.Errorf("frame_rate must be positive, got %f", *c.FrameRate)
	}
	if c.SaveInterval != nil && *c.SaveInterval != "" {
		if _, err := time.ParseDuration(*c.SaveInterval); err != nil {
			return fmt.Errorf("invalid save_interval '%s': %w", *c.SaveInterval, err)
		}
	}
	if c.CollabInterval != nil && *c.CollabInterval != "" {
		d, err := time.ParseDuration(*c.CollabInterval)
		if err != nil {
			return fmt.Errorf("invalid collab_interval '%s': %w", *c.CollabInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("collab_interval must be positive, got %s", d)
		}
	}
	return nil
}

func getBool(p *bool) bool { return p != nil && *p }

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetExperience returns the requested experience type or world tracking.
func (c *TuningConfig) GetExperience() configsel.ExperienceType {
	if c.Experience == nil {
		return configsel.ExperienceWorldTracking
	}
	e, err := configsel.ParseExperienceType(*c.Experience)
	if err != nil {
		return configsel.ExperienceWorldTracking
	}
	return e
}

// Request builds the configuration request the file describes.
func (c *TuningConfig) Request() configsel.Request {
	return configsel.Request{
		Experience:           c.GetExperience(),
		Occlusion:            getBool(c.Occlusion),
		Collaboration:        getBool(c.Collaboration),
		Persistence:          getBool(c.Persistence),
		HandTracking:         getBool(c.HandTracking),
		FaceTracking:         getBool(c.FaceTracking),
		BodyTracking:         getBool(c.BodyTracking),
		SceneReconstruction:  getBool(c.SceneReconstruction),
		EnvironmentTexturing: getBool(c.EnvironmentTexturing),
		MaxTrackedImages:     getInt(c.MaxTrackedImages, 0),
		MaxTrackedFaces:      getInt(c.MaxTrackedFaces, 0),
	}
}

// TrackerConfig returns the tracker lifecycle settings.
func (c *TuningConfig) TrackerConfig() trackers.Config {
	d := trackers.DefaultConfig()
	return trackers.Config{
		HitsToConfirm:     getInt(c.HitsToConfirm, d.HitsToConfirm),
		MaxMisses:         getInt(c.MaxMisses, d.MaxMisses),
		PinchThreshold:    getFloat(c.PinchThreshold, d.PinchThreshold),
		LightSmoothing:    getFloat(c.LightSmoothing, d.LightSmoothing),
		EnvironmentProbes: getBool(c.EnvironmentProbes),
		MaxTrackedImages:  getInt(c.MaxTrackedImages, d.MaxTrackedImages),
		MaxTrackedFaces:   getInt(c.MaxTrackedFaces, d.MaxTrackedFaces),
	}
}

// ProcessorConfig returns the frame dispatch settings.
func (c *TuningConfig) ProcessorConfig() frames.Config {
	return frames.Config{
		MailboxSize:    getInt(c.MailboxSize, frames.DefaultConfig().MailboxSize),
		MaxTrackerRate: getFloat(c.MaxTrackerRate, 0),
		TrackerBurst:   getInt(c.TrackerBurst, 1),
	}
}

// GetFrameRate returns the synthetic source rate in frames per second.
func (c *TuningConfig) GetFrameRate() float64 {
	return getFloat(c.FrameRate, 30)
}

// GetSaveInterval returns the periodic world-map save interval. Zero
// disables periodic saves.
func (c *TuningConfig) GetSaveInterval() time.Duration {
	return getDuration(c.SaveInterval, 30*time.Second)
}

// GetCollabInterval returns the collaboration encode interval.
func (c *TuningConfig) GetCollabInterval() time.Duration {
	return getDuration(c.CollabInterval, 100*time.Millisecond)
}

// GetKeepMaps returns how many saved maps to keep per session.
func (c *TuningConfig) GetKeepMaps() int {
	return getInt(c.KeepMaps, 10)
}
