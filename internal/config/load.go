package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvLookup abstracts os.LookupEnv for tests.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads from the process environment.
func DefaultEnvLookup(key string) (string, bool) { return os.LookupEnv(key) }

type loadOptions struct {
	configPath string
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
}

// Option customises a Load call.
type Option func(*loadOptions)

// WithConfigPath points Load at an explicit config file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithEnvLookup overrides environment access (tests).
func WithEnvLookup(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithFileReader overrides file access (tests).
func WithFileReader(read func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = read }
}

// Default returns a CoreConfig populated with built-in defaults only.
func Default() CoreConfig {
	return CoreConfig{
		DB:    DBConfig{PoolSize: DefaultDBPoolSize},
		Media: MediaConfig{},
		Scanner: ScannerConfig{
			MediaExtensions:   []string{".mp4", ".mov", ".jpg", ".jpeg", ".png", ".gif"},
			MetadataExtension: ".json",
			ScanIntervalS:     DefaultScanInterval,
		},
		Scheduler: SchedulerConfig{
			MinPublishIntervalS:  DefaultMinPublishInterval,
			OptimalHours:         []int{9, 12, 15, 18, 21},
			BlackoutHours:        []int{0, 1, 2, 3, 4, 5, 6},
			DailyMinTasks:        DefaultDailyMinTasks,
			DailyMaxTasks:        DefaultDailyMaxTasks,
			PlanningHorizonHours: DefaultPlanningHorizonHours,
			TickIntervalS:        DefaultSchedulerTick,
		},
		Workers: WorkersConfig{
			Count:          DefaultWorkerCount,
			BatchSize:      DefaultWorkerBatchSize,
			CheckIntervalS: DefaultWorkerCheckInterval,
			TaskTimeoutS:   DefaultTaskTimeout,
			MaxRetries:     DefaultMaxRetries,
			BackoffBaseS:   DefaultBackoffBase,
			BackoffMaxS:    DefaultBackoffMax,
			LeaseTTLS:      DefaultLeaseTTL,
		},
		Rate: RateConfig{
			PerMinute: DefaultRatePerMinute,
			Burst:     DefaultRateBurst,
			PerDay:    DefaultRatePerDay,
		},
		Generator: GeneratorConfig{
			Enabled:  true,
			Provider: "openai",
			BaseURL:  "https://api.openai.com/v1",
			Model:    "gpt-4o-mini",
			Language: "en",
		},
		Publisher: PublisherConfig{
			Provider:  "twitter",
			CharLimit: DefaultCharLimit,
		},
		Server: ServerConfig{
			Host:           DefaultServerHost,
			Port:           DefaultServerPort,
			MetricsEnabled: true,
		},
		Timezone: DefaultTimezone,
	}
}

// Load builds the CoreConfig from defaults, the YAML config file and
// environment overrides, then validates it. Config errors are fatal at
// startup by contract.
func Load(opts ...Option) (CoreConfig, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()

	if err := applyFile(&cfg, options); err != nil {
		return CoreConfig{}, err
	}
	applyEnv(&cfg, options.envLookup)

	if err := Validate(&cfg); err != nil {
		return CoreConfig{}, err
	}
	return cfg, nil
}

func applyFile(cfg *CoreConfig, options loadOptions) error {
	path := options.configPath
	if path == "" {
		if fromEnv, ok := options.envLookup("PLUME_CONFIG"); ok && strings.TrimSpace(fromEnv) != "" {
			path = fromEnv
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil
			}
			path = filepath.Join(home, ".plume", "config.yaml")
		}
	}

	data, err := options.readFile(path)
	if err != nil {
		if os.IsNotExist(err) && options.configPath == "" {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays PLUME_* environment variables onto the config. Only
// deployment-level knobs are exposed this way; cadence tuning lives in the
// file.
func applyEnv(cfg *CoreConfig, lookup EnvLookup) {
	setString := func(key string, target *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	setInt := func(key string, target *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*target = n
			}
		}
	}

	setString("PLUME_DB_URL", &cfg.DB.URL)
	setInt("PLUME_DB_POOL_SIZE", &cfg.DB.PoolSize)
	setString("PLUME_MEDIA_ROOT", &cfg.Media.Root)
	setString("PLUME_TIMEZONE", &cfg.Timezone)
	setString("PLUME_SERVER_HOST", &cfg.Server.Host)
	setInt("PLUME_SERVER_PORT", &cfg.Server.Port)
	setInt("PLUME_WORKERS_COUNT", &cfg.Workers.Count)
	setInt("PLUME_RATE_PER_MINUTE", &cfg.Rate.PerMinute)
	setInt("PLUME_RATE_BURST", &cfg.Rate.Burst)
	setInt("PLUME_RATE_PER_DAY", &cfg.Rate.PerDay)
	setString("PLUME_GENERATOR_CREDENTIALS_REF", &cfg.Generator.CredentialsRef)
	setString("PLUME_PUBLISHER_CREDENTIALS_REF", &cfg.Publisher.CredentialsRef)
}

// Validate enforces startup-fatal configuration invariants.
func Validate(cfg *CoreConfig) error {
	if cfg.DB.PoolSize <= 0 {
		return fmt.Errorf("config: db.pool_size must be positive, got %d", cfg.DB.PoolSize)
	}
	if cfg.Workers.Count <= 0 {
		return fmt.Errorf("config: workers.count must be positive, got %d", cfg.Workers.Count)
	}
	if cfg.Workers.BatchSize <= 0 {
		return fmt.Errorf("config: workers.batch_size must be positive, got %d", cfg.Workers.BatchSize)
	}
	if cfg.Workers.MaxRetries < 0 {
		return fmt.Errorf("config: workers.max_retries must be non-negative, got %d", cfg.Workers.MaxRetries)
	}
	if cfg.Scheduler.DailyMaxTasks < cfg.Scheduler.DailyMinTasks {
		return fmt.Errorf("config: scheduler.daily_max_tasks (%d) below daily_min_tasks (%d)",
			cfg.Scheduler.DailyMaxTasks, cfg.Scheduler.DailyMinTasks)
	}
	if cfg.Scheduler.MinPublishIntervalS < 0 {
		return fmt.Errorf("config: scheduler.min_publish_interval_s must be non-negative")
	}
	for _, h := range cfg.Scheduler.OptimalHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("config: scheduler.optimal_hours entry %d out of range", h)
		}
	}
	for _, h := range cfg.Scheduler.BlackoutHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("config: scheduler.blackout_hours entry %d out of range", h)
		}
	}
	blackout := HourSet(cfg.Scheduler.BlackoutHours)
	usable := false
	for h := 0; h < 24; h++ {
		if !blackout[h] {
			usable = true
			break
		}
	}
	if !usable {
		return fmt.Errorf("config: scheduler.blackout_hours covers the whole day")
	}
	if cfg.Rate.PerMinute <= 0 || cfg.Rate.Burst <= 0 || cfg.Rate.PerDay <= 0 {
		return fmt.Errorf("config: rate.per_minute, rate.burst and rate.per_day must be positive")
	}
	if cfg.Publisher.CharLimit <= 0 {
		return fmt.Errorf("config: publisher.char_limit must be positive, got %d", cfg.Publisher.CharLimit)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", cfg.Timezone, err)
	}
	cfg.location = loc
	return nil
}

// ResolveCredential resolves a credentials_ref (an environment variable name)
// into its secret value. An empty ref resolves to an empty secret.
func ResolveCredential(ref string, lookup EnvLookup) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", nil
	}
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	value, ok := lookup(ref)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("config: credential env var %s is not set", ref)
	}
	return value, nil
}
