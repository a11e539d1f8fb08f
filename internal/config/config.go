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
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Staging     StagingConfig     `yaml:"staging" mapstructure:"staging"`
	Import      ImportConfig      `yaml:"import" mapstructure:"import"`
	PostProcess PostProcessConfig `yaml:"postprocess" mapstructure:"postprocess"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Jobs        JobsConfig        `yaml:"jobs" mapstructure:"jobs"`
	USPS        USPSConfig        `yaml:"usps" mapstructure:"usps"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	RunLog      RunLogConfig      `yaml:"runlog" mapstructure:"runlog"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the canonical database backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// StagingConfig maps each feed source to its staging database. Sources
// without a URL are skipped during sync.
type StagingConfig struct {
	Sources map[string]string `yaml:"sources" mapstructure:"sources"`
}

// ImportConfig configures the stream digest phase.
type ImportConfig struct {
	BatchSize              int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConcurrentCompanies int `yaml:"max_concurrent_companies" mapstructure:"max_concurrent_companies"`
}

// PostProcessConfig configures the address post-processing phase.
type PostProcessConfig struct {
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	RecordLimit int `yaml:"record_limit" mapstructure:"record_limit"`
}

// MetricsConfig configures the customer metrics phase.
type MetricsConfig struct {
	BatchSize       int `yaml:"batch_size" mapstructure:"batch_size"`
	SkipAboveStaged int `yaml:"skip_above_staged" mapstructure:"skip_above_staged"`
}

// JobsConfig configures the per-company job ledger.
type JobsConfig struct {
	MaxActive    int `yaml:"max_active" mapstructure:"max_active"`
	RequeueSecs  int `yaml:"requeue_secs" mapstructure:"requeue_secs"`
	StaleMinutes int `yaml:"stale_minutes" mapstructure:"stale_minutes"`
}

// USPSConfig holds USPS address verification API credentials.
type USPSConfig struct {
	ClientID     string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string  `yaml:"client_secret" mapstructure:"client_secret"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// ServerConfig configures the webhook trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// RunLogConfig configures the local sync history database.
type RunLogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
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
	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("import.batch_size", 1000)
	v.SetDefault("import.max_concurrent_companies", 4)
	v.SetDefault("postprocess.batch_size", 2000)
	v.SetDefault("postprocess.record_limit", 10000)
	v.SetDefault("metrics.batch_size", 1000)
	v.SetDefault("metrics.skip_above_staged", 10000)
	v.SetDefault("jobs.max_active", 2)
	v.SetDefault("jobs.requeue_secs", 60)
	v.SetDefault("jobs.stale_minutes", 120)
	v.SetDefault("usps.base_url", "https://apis.usps.com")
	v.SetDefault("usps.rate_per_sec", 10.0)
	v.SetDefault("runlog.path", "reconcile.db")

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

// Validate checks that the configuration can support the given run mode.
// Modes: "sync" (full pipeline against the canonical store), "verify"
// (post-processing with USPS verification), "serve" (webhook trigger
// server).
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "sync":
		check(c.Store.DatabaseURL != "", "store.database_url is required")
		check(len(c.Staging.Sources) > 0, "staging.sources must name at least one source")
		check(c.Import.BatchSize > 0, "import.batch_size must be > 0")
		check(c.Import.MaxConcurrentCompanies >= 1 && c.Import.MaxConcurrentCompanies <= 50,
			"import.max_concurrent_companies must be between 1 and 50")
		check(c.PostProcess.BatchSize > 0, "postprocess.batch_size must be > 0")
		check(c.Metrics.BatchSize > 0, "metrics.batch_size must be > 0")
		check(c.Jobs.MaxActive > 0, "jobs.max_active must be > 0")
	case "verify":
		check(c.Store.DatabaseURL != "", "store.database_url is required")
		check(c.USPS.ClientID != "", "usps.client_id is required")
		check(c.USPS.ClientSecret != "", "usps.client_secret is required")
		check(c.USPS.RatePerSec > 0, "usps.rate_per_sec must be > 0")
	case "serve":
		check(c.Store.DatabaseURL != "", "store.database_url is required")
		check(c.Server.Port > 0, "server.port must be > 0")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
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
