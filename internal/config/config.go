package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Fetch  FetchConfig  `yaml:"fetch" mapstructure:"fetch"`
	Roster RosterConfig `yaml:"roster" mapstructure:"roster"`
	Match  MatchConfig  `yaml:"match" mapstructure:"match"`
	Embed  EmbedConfig  `yaml:"embed" mapstructure:"embed"`
	Run    RunConfig    `yaml:"run" mapstructure:"run"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"` // sqlite only
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// FetchConfig configures archive downloads.
type FetchConfig struct {
	ManifestPath  string `yaml:"manifest_path" mapstructure:"manifest_path"`
	CacheDir      string `yaml:"cache_dir" mapstructure:"cache_dir"`
	Parallel      int    `yaml:"parallel" mapstructure:"parallel"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RetryAttempts int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// RosterConfig locates the reference roster. Table takes precedence over
// Path when the postgres store driver is active.
type RosterConfig struct {
	Path  string `yaml:"path" mapstructure:"path"`
	Table string `yaml:"table" mapstructure:"table"`
}

// MatchConfig tunes candidate scoring and acceptance.
type MatchConfig struct {
	// Scorer is "lexical" or "embedding".
	Scorer          string  `yaml:"scorer" mapstructure:"scorer"`
	AcceptThreshold float64 `yaml:"accept_threshold" mapstructure:"accept_threshold"`
	PrefilterFloor  float64 `yaml:"prefilter_floor" mapstructure:"prefilter_floor"`
	MaxCandidates   int     `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// EmbedConfig points at the embedding sidecar, used when match.scorer is
// "embedding".
type EmbedConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Dimension   int    `yaml:"dimension" mapstructure:"dimension"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RunConfig tunes the worker pool and failure containment.
type RunConfig struct {
	Workers           int `yaml:"workers" mapstructure:"workers"`
	QueueSize         int `yaml:"queue_size" mapstructure:"queue_size"`
	FailureCeiling    int `yaml:"failure_ceiling" mapstructure:"failure_ceiling"`
	ShutdownGraceSecs int `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`
}

// ServerConfig configures the read-only API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AWARDLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "awardlink.db")
	v.SetDefault("fetch.manifest_path", "manifest.yaml")
	v.SetDefault("fetch.cache_dir", "data/cache")
	v.SetDefault("fetch.parallel", 3)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.retry_attempts", 3)
	v.SetDefault("roster.path", "data/roster.csv")
	v.SetDefault("match.scorer", "lexical")
	v.SetDefault("match.accept_threshold", 0.78)
	v.SetDefault("match.prefilter_floor", 0.30)
	v.SetDefault("match.max_candidates", 5)
	v.SetDefault("embed.base_url", "http://localhost:8001")
	v.SetDefault("embed.dimension", 384)
	v.SetDefault("embed.timeout_secs", 60)
	v.SetDefault("run.workers", 4)
	v.SetDefault("run.queue_size", 64)
	v.SetDefault("run.failure_ceiling", 5)
	v.SetDefault("run.shutdown_grace_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
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
