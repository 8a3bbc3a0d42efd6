package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"github.com/banshee-data/spatial.session/internal/monitoring"
)

// EnvPrefix namespaces every daemon environment variable.
const EnvPrefix = "spatial"

// Env holds the daemon's process settings, read from SPATIAL_* variables.
// Tuning that changes session behaviour lives in the JSON tuning file.
type Env struct {
	Listen     string `envconfig:"LISTEN" default:":8080"`
	DBPath     string `envconfig:"DB_PATH" default:"spatial.db"`
	ConfigPath string `envconfig:"CONFIG" default:"config/session.defaults.json"`
	OriginID   string `envconfig:"ORIGIN_ID"`
	HubURL     string `envconfig:"HUB_URL"`
	SessionID  string `envconfig:"SESSION_ID" default:"default"`
	Seed       int64  `envconfig:"SEED" default:"1"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// LoadEnv reads the environment.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	return &env, nil
}

// DefaultEnv returns the settings used when no variables are set.
func DefaultEnv() *Env {
	return &Env{
		Listen:     ":8080",
		DBPath:     "spatial.db",
		ConfigPath: DefaultConfigPath,
		SessionID:  "default",
		Seed:       1,
		LogLevel:   "info",
	}
}

// LogConfig maps the logging variables onto the monitoring logger.
func (e *Env) LogConfig() monitoring.LogConfig {
	cfg := monitoring.DefaultLogConfig()
	cfg.Level = e.LogLevel
	cfg.Development = e.LogDev
	return cfg
}
