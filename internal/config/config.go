// The application's root configuration: target application access, engine
// tuning, browser and session behavior, persistence and diagnostics.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/H4tholdir/archibaldblackant-sub014/internal/pacing"
)

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger      LoggerConfig               `mapstructure:"logger"`
	Postgres    PostgresConfig             `mapstructure:"postgres"`
	Target      TargetConfig               `mapstructure:"target"`
	Engine      EngineConfig               `mapstructure:"engine"`
	Browser     BrowserConfig              `mapstructure:"browser"`
	Sessions    SessionsConfig             `mapstructure:"sessions"`
	Diagnostics DiagnosticsConfig          `mapstructure:"diagnostics"`
	Catalog     CatalogConfig              `mapstructure:"catalog"`
	Credentials map[string]CredentialEntry `mapstructure:"credentials"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// PostgresConfig holds settings for the report database connection. An empty
// URL disables durable reports (jobs still run, reports only live in memory).
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// TargetConfig describes the business application under automation.
type TargetConfig struct {
	// BaseURL is the root of the target application, e.g.
	// "https://erp.example.com".
	BaseURL string `mapstructure:"base_url"`
	// ProfileFile optionally overrides the embedded UI profile (YAML) that
	// maps semantic form labels to the target's screens.
	ProfileFile string `mapstructure:"profile_file"`
}

// EngineConfig holds settings for job execution and the priority lock.
type EngineConfig struct {
	// QueueSize is the capacity of the job queue's ring buffer. Submission
	// beyond it spills to an overflow list rather than rejecting.
	QueueSize int `mapstructure:"queue_size"`
	// WorkerConcurrency is the number of write workers. The default of 1
	// guarantees strict submission-order execution.
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	ResolveTimeout    time.Duration `mapstructure:"resolve_timeout"`
	// LockGrace is how long a write job waits for background work to park at
	// a checkpoint before it is terminated forcibly.
	LockGrace time.Duration `mapstructure:"lock_grace"`
	// CheckpointInterval caps how long background work may run between two
	// checkpoints.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	Sync               SyncConfig    `mapstructure:"sync"`
}

// SyncConfig schedules the background catalog read job.
type SyncConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// UserID is the dedicated operator identity the sync job runs as, so it
	// never shares a cookie jar with a human operator.
	UserID string `mapstructure:"user_id"`
}

// ViewportConfig fixes the browser window size so the target renders its
// desktop layout.
type ViewportConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// BrowserConfig holds settings for the headless browser.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors"`
	ExecPath        string         `mapstructure:"exec_path"`
	Args            []string       `mapstructure:"args"`
	Viewport        ViewportConfig `mapstructure:"viewport"`
	Pacing          pacing.Config  `mapstructure:"pacing"`
}

// SessionsConfig controls persisted cookie records and pool eviction.
type SessionsConfig struct {
	// Dir is where cookie records live; "~" expands to the home directory.
	Dir string `mapstructure:"dir"`
	// CookieTTL bounds how long a persisted record may seed new sessions.
	CookieTTL time.Duration `mapstructure:"cookie_ttl"`
	// IdleTTL evicts warm sessions that have not run a job recently.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// DiagnosticsConfig controls failure artifact capture.
type DiagnosticsConfig struct {
	Dir string `mapstructure:"dir"`
}

// CatalogConfig controls where the background sync caches article snapshots.
type CatalogConfig struct {
	Dir string `mapstructure:"dir"`
}

// CredentialEntry is one operator's login material, keyed by operator id in
// Config.Credentials.
type CredentialEntry struct {
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	DisplayName string `mapstructure:"display_name"`
}

// SetDefaults registers the default value of every tunable on the given viper
// instance. Called before the config file and environment are merged in.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "archibald")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("engine.queue_size", 64)
	v.SetDefault("engine.worker_concurrency", 1)
	v.SetDefault("engine.job_timeout", 10*time.Minute)
	v.SetDefault("engine.step_timeout", 45*time.Second)
	v.SetDefault("engine.resolve_timeout", 12*time.Second)
	v.SetDefault("engine.lock_grace", 8*time.Second)
	v.SetDefault("engine.checkpoint_interval", 3*time.Second)
	v.SetDefault("engine.sync.enabled", false)
	v.SetDefault("engine.sync.interval", 30*time.Minute)
	v.SetDefault("engine.sync.user_id", "catalog-sync")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport.width", 1600)
	v.SetDefault("browser.viewport.height", 1000)
	v.SetDefault("browser.pacing.enabled", true)
	v.SetDefault("browser.pacing.key_hold_mean_ms", 55)
	v.SetDefault("browser.pacing.inter_key_mean_ms", 110)
	v.SetDefault("browser.pacing.click_hold_min_ms", 40)
	v.SetDefault("browser.pacing.click_hold_max_ms", 140)
	v.SetDefault("browser.pacing.settle_min_ms", 150)
	v.SetDefault("browser.pacing.settle_max_ms", 450)

	v.SetDefault("sessions.dir", "~/.archibald/sessions")
	v.SetDefault("sessions.cookie_ttl", 10*time.Hour)
	v.SetDefault("sessions.idle_ttl", 45*time.Minute)

	v.SetDefault("diagnostics.dir", "~/.archibald/diagnostics")

	v.SetDefault("catalog.dir", "~/.archibald/catalog")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url is required")
	}
	if c.Engine.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be at least 1, got %d", c.Engine.QueueSize)
	}
	if c.Engine.WorkerConcurrency < 1 {
		return fmt.Errorf("engine.worker_concurrency must be at least 1, got %d", c.Engine.WorkerConcurrency)
	}
	if c.Engine.LockGrace <= 0 {
		return fmt.Errorf("engine.lock_grace must be positive, got %s", c.Engine.LockGrace)
	}
	if c.Engine.CheckpointInterval <= 0 {
		return fmt.Errorf("engine.checkpoint_interval must be positive, got %s", c.Engine.CheckpointInterval)
	}
	if c.Engine.CheckpointInterval >= c.Engine.LockGrace {
		return fmt.Errorf("engine.checkpoint_interval (%s) must be shorter than engine.lock_grace (%s)",
			c.Engine.CheckpointInterval, c.Engine.LockGrace)
	}
	if c.Engine.ResolveTimeout <= 0 || c.Engine.StepTimeout <= 0 || c.Engine.JobTimeout <= 0 {
		return fmt.Errorf("engine timeouts must all be positive")
	}
	// Layering: resolution fits inside a step, a step inside the job budget.
	if c.Engine.ResolveTimeout >= c.Engine.StepTimeout {
		return fmt.Errorf("engine.resolve_timeout (%s) must be shorter than engine.step_timeout (%s)",
			c.Engine.ResolveTimeout, c.Engine.StepTimeout)
	}
	if c.Engine.StepTimeout >= c.Engine.JobTimeout {
		return fmt.Errorf("engine.step_timeout (%s) must be shorter than engine.job_timeout (%s)",
			c.Engine.StepTimeout, c.Engine.JobTimeout)
	}
	if c.Engine.Sync.Enabled && c.Engine.Sync.UserID == "" {
		return fmt.Errorf("engine.sync.user_id is required when sync is enabled")
	}
	for id, cred := range c.Credentials {
		if cred.Username == "" {
			return fmt.Errorf("credentials.%s.username is required", id)
		}
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			loadErr = fmt.Errorf("invalid configuration: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
