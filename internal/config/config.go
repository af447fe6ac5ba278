// Package config loads the intake service configuration from config.yaml
// and the INTAKE_* environment, with production defaults baked in.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cardmint/intake/internal/decision"
	"github.com/cardmint/intake/internal/monitoring"
	"github.com/cardmint/intake/internal/pipeline"
	"github.com/cardmint/intake/internal/router"
	"github.com/cardmint/intake/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store" mapstructure:"store"`
	Vision     VisionConfig      `yaml:"vision" mapstructure:"vision"`
	Verifier   VerifierConfig    `yaml:"verifier" mapstructure:"verifier"`
	Router     router.Config     `yaml:"router" mapstructure:"router"`
	Resolver   ResolverConfig    `yaml:"resolver" mapstructure:"resolver"`
	Decision   decision.Config   `yaml:"decision" mapstructure:"decision"`
	Pipeline   pipeline.Config   `yaml:"pipeline" mapstructure:"pipeline"`
	Catalog    CatalogConfig     `yaml:"catalog" mapstructure:"catalog"`
	Monitoring monitoring.Config `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig      `yaml:"server" mapstructure:"server"`
	Log        LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// BackendConfig identifies one inference backend.
type BackendConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	ModelVersion string `yaml:"model_version" mapstructure:"model_version"`
}

// VisionConfig holds the two inference lanes.
type VisionConfig struct {
	Primary  BackendConfig `yaml:"primary" mapstructure:"primary"`
	Fallback BackendConfig `yaml:"fallback" mapstructure:"fallback"`
}

// VerifierConfig configures the optional secondary verifier.
type VerifierConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string        `yaml:"api_key" mapstructure:"api_key"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// ResolverConfig tunes the catalog matching cascade.
type ResolverConfig struct {
	FuzzyMargin   float64 `yaml:"fuzzy_margin" mapstructure:"fuzzy_margin"`
	FuzzyMinScore float64 `yaml:"fuzzy_min_score" mapstructure:"fuzzy_min_score"`
	MaxCandidates int     `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// CatalogConfig locates the canonical catalog sources.
type CatalogConfig struct {
	Path         string `yaml:"path" mapstructure:"path"`
	SynonymsPath string `yaml:"synonyms_path" mapstructure:"synonyms_path"`
	Version      string `yaml:"version" mapstructure:"version"`
}

// ServerConfig configures the HTTP intake server.
type ServerConfig struct {
	Port             int           `yaml:"port" mapstructure:"port"`
	KeepWarmInterval time.Duration `yaml:"keep_warm_interval" mapstructure:"keep_warm_interval"`
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

	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "intake.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.keep_warm_interval", "30s")

	v.SetDefault("vision.primary.model_version", "pcis-v2")
	v.SetDefault("vision.fallback.model_version", "smolvlm-q4")
	v.SetDefault("verifier.enabled", false)
	v.SetDefault("verifier.sweep_interval", "1m")

	v.SetDefault("router.primary.timeout", "10s")
	v.SetDefault("router.primary.rate_limit", 2.0)
	v.SetDefault("router.primary.burst", 2)
	v.SetDefault("router.fallback.timeout", "30s")
	v.SetDefault("router.fallback.rate_limit", 1.0)
	v.SetDefault("router.fallback.burst", 1)

	v.SetDefault("resolver.fuzzy_margin", 0.15)
	v.SetDefault("resolver.fuzzy_min_score", 0.5)
	v.SetDefault("resolver.max_candidates", 10)

	v.SetDefault("decision.thresholds.common", 0.92)
	v.SetDefault("decision.thresholds.rare", 0.95)
	v.SetDefault("decision.thresholds.holo", 0.98)
	v.SetDefault("decision.thresholds.vintage", 0.99)
	v.SetDefault("decision.thresholds.high_value", 1.01)
	v.SetDefault("decision.tier_adjustments.exact_triplet", 1.0)
	v.SetDefault("decision.tier_adjustments.name_and_number", 0.9)
	v.SetDefault("decision.tier_adjustments.name_only", 0.75)
	v.SetDefault("decision.tier_adjustments.no_match", 0.5)
	v.SetDefault("decision.verification_margin", 0.05)
	v.SetDefault("decision.fallback_penalty", 0.05)
	v.SetDefault("decision.max_auto_approvals_per_hour", 200)
	v.SetDefault("decision.rate_window", "1h")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.poll_interval", "2s")
	v.SetDefault("pipeline.verify_timeout", "30s")

	v.SetDefault("catalog.version", "catalog-local")

	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("monitoring.flag_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_settled", 20)
	v.SetDefault("monitoring.backlog_threshold", 50)

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
