// Package config defines the sync engine's configuration record (spec.md
// §6) and loads it with koanf the way the teacher's util.InitConfig loads
// chain configuration: a TOML file as the base, environment variables as
// overrides.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// Config is the engine's tunable parameter set, named in spec.md §6.
type Config struct {
	ServerBaseURLs []string `koanf:"server_base_urls"`
	AuthHeader     string   `koanf:"auth_header"`
	DBPath         string   `koanf:"db_path"`

	BatchSize           int           `koanf:"batch_size"`
	PullPageLimit       int           `koanf:"pull_page_limit"`
	MaxPagesPerSync     int           `koanf:"max_pages_per_sync"`
	CircuitThreshold    int           `koanf:"circuit_threshold"`
	BaseBackoff         time.Duration `koanf:"-"`
	MaxBackoff          time.Duration `koanf:"-"`
	MutationMaxAttempts int           `koanf:"mutation_max_attempts"`
	SyncTotalDeadline   time.Duration `koanf:"-"`
	HealthTTL           time.Duration `koanf:"-"`

	BaseBackoffMS       int64 `koanf:"base_backoff_ms"`
	MaxBackoffMS        int64 `koanf:"max_backoff_ms"`
	SyncTotalDeadlineMS int64 `koanf:"sync_total_deadline_ms"`
	HealthTTLMS         int64 `koanf:"health_ttl_ms"`

	LogLevel string `koanf:"log_level"`
}

// Default returns the spec.md §6 defaults.
func Default() Config {
	c := Config{
		DBPath:              "daylog-sync.db",
		BatchSize:           50,
		PullPageLimit:       500,
		MaxPagesPerSync:     20,
		CircuitThreshold:    3,
		BaseBackoffMS:       10_000,
		MaxBackoffMS:        300_000,
		MutationMaxAttempts: 5,
		SyncTotalDeadlineMS: 120_000,
		HealthTTLMS:         30_000,
		LogLevel:            "info",
	}
	c.resolveDurations()
	return c
}

func (c *Config) resolveDurations() {
	c.BaseBackoff = time.Duration(c.BaseBackoffMS) * time.Millisecond
	c.MaxBackoff = time.Duration(c.MaxBackoffMS) * time.Millisecond
	c.SyncTotalDeadline = time.Duration(c.SyncTotalDeadlineMS) * time.Millisecond
	c.HealthTTL = time.Duration(c.HealthTTLMS) * time.Millisecond
}

// Load reads configPath (TOML) over the defaults, then lets environment
// variables override it — mirroring the teacher's InitConfig, generalized
// from a chain.toml file to the sync engine's own settings.
func Load(logger *zerolog.Logger, configPath string) (Config, error) {
	cfg := Default()

	ko := koanf.New(".")
	if err := ko.Load(confmap.Provider(defaultsMap(cfg), "."), nil); err != nil {
		return cfg, err
	}

	if configPath != "" {
		if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
			logger.Warn().Err(err).Str("path", configPath).Msg("no config file loaded, using defaults")
		}
	}

	if err := ko.Load(env.Provider("DAYLOG_SYNC_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "DAYLOG_SYNC_"))
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment overrides")
	}

	if err := ko.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	cfg.resolveDurations()
	return cfg, nil
}

// defaultsMap seeds koanf with cfg's current field values so the file/env
// providers loaded afterward only need to override what they actually set.
func defaultsMap(cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"server_base_urls":       cfg.ServerBaseURLs,
		"auth_header":            cfg.AuthHeader,
		"db_path":                cfg.DBPath,
		"batch_size":             cfg.BatchSize,
		"pull_page_limit":        cfg.PullPageLimit,
		"max_pages_per_sync":     cfg.MaxPagesPerSync,
		"circuit_threshold":      cfg.CircuitThreshold,
		"base_backoff_ms":        cfg.BaseBackoffMS,
		"max_backoff_ms":         cfg.MaxBackoffMS,
		"mutation_max_attempts":  cfg.MutationMaxAttempts,
		"sync_total_deadline_ms": cfg.SyncTotalDeadlineMS,
		"health_ttl_ms":          cfg.HealthTTLMS,
		"log_level":              cfg.LogLevel,
	}
}

// UpdateLogLevel applies cfg.LogLevel to the global zerolog level, exactly
// as the teacher's UpdateLogLevel does for chain.toml's logging.level.
func UpdateLogLevel(cfg Config, logger *zerolog.Logger) {
	var level zerolog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().Str("configured_level", cfg.LogLevel).Msg("unknown log level, defaulting to info")
	}
	zerolog.SetGlobalLevel(level)
}
