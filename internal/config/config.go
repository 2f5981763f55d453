// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/licensemap/licensemap/internal/classify"
	"github.com/licensemap/licensemap/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Geocode  GeocodeConfig  `yaml:"geocode" mapstructure:"geocode"`
	Classify ClassifyConfig `yaml:"classify" mapstructure:"classify"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// GeocodeConfig tunes the hybrid geocoding router.
type GeocodeConfig struct {
	MapboxToken     string  `yaml:"mapbox_token" mapstructure:"mapbox_token"`
	Workers         int     `yaml:"workers" mapstructure:"workers"`
	FastLaneLimit   int     `yaml:"fast_lane_limit" mapstructure:"fast_lane_limit"`
	CensusRPS       float64 `yaml:"census_rps" mapstructure:"census_rps"`
	MapboxRPS       float64 `yaml:"mapbox_rps" mapstructure:"mapbox_rps"`
	RetryAttempts   int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBaseMillis int     `yaml:"retry_base_millis" mapstructure:"retry_base_millis"`
}

// RetryPolicy builds the resilience policy from the config values.
func (g GeocodeConfig) RetryPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	if g.RetryAttempts > 0 {
		p.MaxAttempts = g.RetryAttempts
	}
	if g.RetryBaseMillis > 0 {
		p.BaseDelay = time.Duration(g.RetryBaseMillis) * time.Millisecond
	}
	return p
}

// ClassifyConfig externalizes the classification heuristics.
type ClassifyConfig struct {
	CommercialKeywords []string `yaml:"commercial_keywords" mapstructure:"commercial_keywords"`
	ResidentialMarkers []string `yaml:"residential_markers" mapstructure:"residential_markers"`
	DensityThreshold   int      `yaml:"density_threshold" mapstructure:"density_threshold"`
}

// Policy converts the config section into a classify.Policy, falling
// back to defaults for unset lists.
func (c ClassifyConfig) Policy() classify.Policy {
	p := classify.DefaultPolicy()
	if len(c.CommercialKeywords) > 0 {
		p.CommercialKeywords = c.CommercialKeywords
	}
	if len(c.ResidentialMarkers) > 0 {
		p.ResidentialMarkers = c.ResidentialMarkers
	}
	if c.DensityThreshold > 0 {
		p.DensityThreshold = c.DensityThreshold
	}
	return p
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LICENSEMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "licensemap.db")
	v.SetDefault("geocode.workers", 4)
	v.SetDefault("geocode.fast_lane_limit", 3000)
	v.SetDefault("geocode.census_rps", 2)
	v.SetDefault("geocode.mapbox_rps", 10)
	v.SetDefault("geocode.retry_attempts", 3)
	v.SetDefault("geocode.retry_base_millis", 500)
	v.SetDefault("classify.density_threshold", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
