// Package config loads and validates the immutable engine configuration.
//
// Precedence: built-in defaults, then the YAML config file, then PLUME_*
// environment overrides. The resulting CoreConfig is constructed once at
// startup and threaded into every component constructor; nothing reads
// configuration from a hidden location after that.
package config

import (
	"time"
)

// Defaults for the engine. Every tunable has a default so a config file is
// only required for deployment-specific values (database URL, media root,
// credentials references).
const (
	DefaultDBPoolSize           = 10
	DefaultMinPublishInterval   = 14400 // seconds (4h)
	DefaultDailyMinTasks        = 5
	DefaultDailyMaxTasks        = 6
	DefaultPlanningHorizonHours = 72
	DefaultSchedulerTick        = 60 // seconds
	DefaultWorkerCount          = 3
	DefaultWorkerBatchSize      = 5
	DefaultWorkerCheckInterval  = 30  // seconds
	DefaultTaskTimeout          = 300 // seconds
	DefaultMaxRetries           = 3
	DefaultBackoffBase          = 60   // seconds
	DefaultBackoffMax           = 3600 // seconds
	DefaultLeaseTTL             = 600  // seconds
	DefaultRatePerMinute        = 15
	DefaultRateBurst            = 5
	DefaultRatePerDay           = 50
	DefaultCharLimit            = 280
	DefaultScanInterval         = 900 // seconds
	DefaultServerHost           = "127.0.0.1"
	DefaultServerPort           = 8080
	DefaultTimezone             = "UTC"
)

// DBConfig targets the task store.
type DBConfig struct {
	URL      string `yaml:"url" json:"url"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// MediaConfig anchors media path resolution.
type MediaConfig struct {
	Root string `yaml:"root" json:"root"`
}

// ScannerConfig controls source discovery.
type ScannerConfig struct {
	MediaExtensions   []string `yaml:"media_extensions" json:"media_extensions"`
	MetadataExtension string   `yaml:"metadata_extension" json:"metadata_extension"`
	ScanIntervalS     int      `yaml:"scan_interval_s" json:"scan_interval_s"`
}

// SchedulerConfig holds the cadence rules applied by the placement planner.
type SchedulerConfig struct {
	MinPublishIntervalS  int   `yaml:"min_publish_interval_s" json:"min_publish_interval_s"`
	OptimalHours         []int `yaml:"optimal_hours" json:"optimal_hours"`
	BlackoutHours        []int `yaml:"blackout_hours" json:"blackout_hours"`
	DailyMinTasks        int   `yaml:"daily_min_tasks" json:"daily_min_tasks"`
	DailyMaxTasks        int   `yaml:"daily_max_tasks" json:"daily_max_tasks"`
	PlanningHorizonHours int   `yaml:"planning_horizon_hours" json:"planning_horizon_hours"`
	TickIntervalS        int   `yaml:"tick_interval_s" json:"tick_interval_s"`
}

// WorkersConfig shapes the execution pool.
type WorkersConfig struct {
	Count          int `yaml:"count" json:"count"`
	BatchSize      int `yaml:"batch_size" json:"batch_size"`
	CheckIntervalS int `yaml:"check_interval_s" json:"check_interval_s"`
	TaskTimeoutS   int `yaml:"task_timeout_s" json:"task_timeout_s"`
	MaxRetries     int `yaml:"max_retries" json:"max_retries"`
	BackoffBaseS   int `yaml:"backoff_base_s" json:"backoff_base_s"`
	BackoffMaxS    int `yaml:"backoff_max_s" json:"backoff_max_s"`
	LeaseTTLS      int `yaml:"lease_ttl_s" json:"lease_ttl_s"`
}

// RateConfig parameterizes the governor buckets.
type RateConfig struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
	PerDay    int `yaml:"per_day" json:"per_day"`
}

// GeneratorConfig selects the caption generator adapter. CredentialsRef names
// an environment variable; the plaintext secret never appears in the file.
type GeneratorConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Provider       string `yaml:"provider" json:"provider"`
	BaseURL        string `yaml:"base_url" json:"base_url"`
	Model          string `yaml:"model" json:"model"`
	Language       string `yaml:"language" json:"language"`
	StyleHints     string `yaml:"style_hints" json:"style_hints"`
	CredentialsRef string `yaml:"credentials_ref" json:"credentials_ref"`
}

// PublisherConfig selects the publishing adapter.
type PublisherConfig struct {
	Provider       string `yaml:"provider" json:"provider"`
	BaseURL        string `yaml:"base_url" json:"base_url"`
	CredentialsRef string `yaml:"credentials_ref" json:"credentials_ref"`
	CharLimit      int    `yaml:"char_limit" json:"char_limit"`
}

// ServerConfig shapes the HTTP control surface.
type ServerConfig struct {
	Host           string   `yaml:"host" json:"host"`
	Port           int      `yaml:"port" json:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	MetricsEnabled bool     `yaml:"metrics_enabled" json:"metrics_enabled"`
}

// CoreConfig is the single immutable configuration object for the engine.
type CoreConfig struct {
	DB        DBConfig        `yaml:"db" json:"db"`
	Media     MediaConfig     `yaml:"media" json:"media"`
	Scanner   ScannerConfig   `yaml:"scanner" json:"scanner"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Workers   WorkersConfig   `yaml:"workers" json:"workers"`
	Rate      RateConfig      `yaml:"rate" json:"rate"`
	Generator GeneratorConfig `yaml:"generator" json:"generator"`
	Publisher PublisherConfig `yaml:"publisher" json:"publisher"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Timezone  string          `yaml:"timezone" json:"timezone"`

	location *time.Location
}

// Location returns the configured timezone. Load validates it, so this never
// falls back silently outside tests.
func (c *CoreConfig) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MinPublishInterval returns the per-project spacing as a duration.
func (c *CoreConfig) MinPublishInterval() time.Duration {
	return time.Duration(c.Scheduler.MinPublishIntervalS) * time.Second
}

// LeaseTTL returns the claim lease duration.
func (c *CoreConfig) LeaseTTL() time.Duration {
	return time.Duration(c.Workers.LeaseTTLS) * time.Second
}

// TaskTimeout returns the per-execution wall-clock budget.
func (c *CoreConfig) TaskTimeout() time.Duration {
	return time.Duration(c.Workers.TaskTimeoutS) * time.Second
}

// HourSet converts a configured hour list into a membership set.
func HourSet(hours []int) map[int]bool {
	set := make(map[int]bool, len(hours))
	for _, h := range hours {
		set[h] = true
	}
	return set
}
