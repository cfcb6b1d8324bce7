package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Address    AddressConfig    `yaml:"address" mapstructure:"address"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Paths      PathsConfig      `yaml:"paths" mapstructure:"paths"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// CacheConfig selects where resolved geocodes are persisted.
type CacheConfig struct {
	// Backend is "store" (geocode_cache table) or "file" (JSON file).
	Backend string `yaml:"backend" mapstructure:"backend"`
	File    string `yaml:"file" mapstructure:"file"`
}

// GeocodeConfig configures the provider chain.
type GeocodeConfig struct {
	Order         []string        `yaml:"order" mapstructure:"order"`
	TimeoutSecs   int             `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	WorkersPerJob int             `yaml:"workers_per_job" mapstructure:"workers_per_job"`
	Retry         RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit       CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	AWS           AWSConfig       `yaml:"aws" mapstructure:"aws"`
	Google        GoogleConfig    `yaml:"google" mapstructure:"google"`
	Census        ProviderConfig  `yaml:"census" mapstructure:"census"`
	Tiger         TigerConfig     `yaml:"tiger" mapstructure:"tiger"`
	Photon        ProviderConfig  `yaml:"photon" mapstructure:"photon"`
	Nominatim     NominatimConfig `yaml:"nominatim" mapstructure:"nominatim"`
	Zip           ZipConfig       `yaml:"zip" mapstructure:"zip"`
}

// ProviderConfig holds the settings every HTTP provider shares.
type ProviderConfig struct {
	Enabled bool    `yaml:"enabled" mapstructure:"enabled"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// GoogleConfig configures the Google Geocoding API provider.
type GoogleConfig struct {
	ProviderConfig `yaml:",inline" mapstructure:",squash"`
	Key            string `yaml:"key" mapstructure:"key"`
}

// AWSConfig configures the Amazon Location Service provider. Credentials
// come from the standard AWS chain (environment, shared config, role).
type AWSConfig struct {
	ProviderConfig `yaml:",inline" mapstructure:",squash"`
	PlaceIndex     string `yaml:"place_index" mapstructure:"place_index"`
	Region         string `yaml:"region" mapstructure:"region"`
}

// NominatimConfig configures the OpenStreetMap Nominatim provider.
type NominatimConfig struct {
	ProviderConfig `yaml:",inline" mapstructure:",squash"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	MinIntervalMs  int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
}

// TigerConfig configures the PostGIS TIGER geocoder (postgres store only).
type TigerConfig struct {
	Enabled   bool `yaml:"enabled" mapstructure:"enabled"`
	MaxRating int  `yaml:"max_rating" mapstructure:"max_rating"`
}

// ZipConfig configures the ZIP centroid fallback.
type ZipConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Shapefile string `yaml:"shapefile" mapstructure:"shapefile"`
	Table     string `yaml:"table" mapstructure:"table"`
}

// RetryConfig configures per-provider retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-provider circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AddressConfig configures address normalization.
type AddressConfig struct {
	CountyTable string `yaml:"county_table" mapstructure:"county_table"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	PollIntervalSecs  int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	Recovery          string `yaml:"recovery" mapstructure:"recovery"`
}

// PathsConfig locates uploads, staged output, and published datasets.
type PathsConfig struct {
	UploadDir string `yaml:"upload_dir" mapstructure:"upload_dir"`
	DataDir   string `yaml:"data_dir" mapstructure:"data_dir"`
	PublicDir string `yaml:"public_dir" mapstructure:"public_dir"`
}

// OutputConfig configures generated datasets.
type OutputConfig struct {
	// H3Resolution adds an h3_cell property to each feature; 0 disables it.
	H3Resolution    int      `yaml:"h3_resolution" mapstructure:"h3_resolution"`
	RequiredColumns []string `yaml:"required_columns" mapstructure:"required_columns"`
}

// MonitoringConfig configures the health checks run alongside
// `run --watch`.
type MonitoringConfig struct {
	Enabled                     bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL                  string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs           int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours         int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	JobFailureRateThreshold     float64 `yaml:"job_failure_rate_threshold" mapstructure:"job_failure_rate_threshold"`
	GeocodeFailureRateThreshold float64 `yaml:"geocode_failure_rate_threshold" mapstructure:"geocode_failure_rate_threshold"`
	QueueStallMins              int     `yaml:"queue_stall_mins" mapstructure:"queue_stall_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	// .env is optional; variables already set in the environment win.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VOTERMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "votermap.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("cache.backend", "store")
	v.SetDefault("cache.file", "data/geocoding_cache.json")
	v.SetDefault("geocode.order", []string{"aws", "google", "census", "tiger", "photon", "nominatim"})
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.workers_per_job", 8)
	v.SetDefault("geocode.retry.max_attempts", 3)
	v.SetDefault("geocode.retry.initial_backoff_ms", 2000)
	v.SetDefault("geocode.retry.max_backoff_ms", 8000)
	v.SetDefault("geocode.retry.multiplier", 2.0)
	v.SetDefault("geocode.retry.jitter_fraction", 0.25)
	v.SetDefault("geocode.circuit.failure_threshold", 5)
	v.SetDefault("geocode.circuit.reset_timeout_secs", 60)
	v.SetDefault("geocode.aws.enabled", true)
	v.SetDefault("geocode.aws.base_url", "")
	v.SetDefault("geocode.aws.rps", 50)
	v.SetDefault("geocode.aws.place_index", "")
	v.SetDefault("geocode.aws.region", "us-east-1")
	v.SetDefault("geocode.google.enabled", true)
	v.SetDefault("geocode.google.base_url", "https://maps.googleapis.com/maps/api/geocode/json")
	v.SetDefault("geocode.google.rps", 40)
	v.SetDefault("geocode.google.key", "")
	v.SetDefault("geocode.census.enabled", true)
	v.SetDefault("geocode.census.base_url", "https://geocoding.geo.census.gov/geocoder/locations/onelineaddress")
	v.SetDefault("geocode.census.rps", 10)
	v.SetDefault("geocode.tiger.enabled", false)
	v.SetDefault("geocode.tiger.max_rating", 20)
	v.SetDefault("geocode.photon.enabled", true)
	v.SetDefault("geocode.photon.base_url", "https://photon.komoot.io/api/")
	v.SetDefault("geocode.photon.rps", 5)
	v.SetDefault("geocode.nominatim.enabled", true)
	v.SetDefault("geocode.nominatim.base_url", "https://nominatim.openstreetmap.org/search")
	v.SetDefault("geocode.nominatim.user_agent", "votermap/1.0 (voter roll geocoder)")
	v.SetDefault("geocode.nominatim.min_interval_ms", 1000)
	v.SetDefault("geocode.zip.enabled", true)
	v.SetDefault("geocode.zip.shapefile", "")
	v.SetDefault("geocode.zip.table", "")
	v.SetDefault("address.county_table", "")
	v.SetDefault("scheduler.max_concurrent_jobs", 3)
	v.SetDefault("scheduler.poll_interval_secs", 2)
	v.SetDefault("scheduler.recovery", "requeue")
	v.SetDefault("paths.upload_dir", "uploads")
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.public_dir", "public/data")
	v.SetDefault("output.h3_resolution", 9)
	v.SetDefault("output.required_columns", []string{"ADDRESS", "PRECINCT", "BALLOT STYLE"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.job_failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.geocode_failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.queue_stall_mins", 30)
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

// Validate checks settings that have no safe fallback.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	switch c.Cache.Backend {
	case "store":
	case "file":
		if c.Cache.File == "" {
			return eris.New("config: cache.file is required for the file backend")
		}
	default:
		return eris.Errorf("config: unsupported cache backend %q", c.Cache.Backend)
	}
	switch c.Scheduler.Recovery {
	case "requeue", "fail":
	default:
		return eris.Errorf("config: unsupported scheduler.recovery %q", c.Scheduler.Recovery)
	}
	if c.Scheduler.MaxConcurrentJobs < 1 {
		return eris.New("config: scheduler.max_concurrent_jobs must be at least 1")
	}
	if c.Geocode.Tiger.Enabled && c.Store.Driver != "postgres" {
		return eris.New("config: geocode.tiger requires the postgres store")
	}
	if c.Geocode.Nominatim.Enabled && c.Geocode.Nominatim.UserAgent == "" {
		return eris.New("config: geocode.nominatim.user_agent is required")
	}
	if c.Monitoring.Enabled && c.Monitoring.CheckIntervalSecs < 1 {
		return eris.New("config: monitoring.check_interval_secs must be at least 1")
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
