// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/adintel/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// Database backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// DatabaseConfig selects and tunes the job store.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects where raw provider payloads are archived.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem archive.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for job notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProviderConfig configures the scraping provider client.
type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Token       string        `mapstructure:"token"`
	ActorID     string        `mapstructure:"actor_id"`
	CallbackURL string        `mapstructure:"callback_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// WebhookConfig configures callback authentication.
type WebhookConfig struct {
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signature_header"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
}

// AnalysisConfig configures the AI backend and media limits.
type AnalysisConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	TextModel           string        `mapstructure:"text_model"`
	VisionModel         string        `mapstructure:"vision_model"`
	VideoModel          string        `mapstructure:"video_model"`
	MediaCapBytes       int64         `mapstructure:"media_cap_bytes"`
	Timeout             time.Duration `mapstructure:"timeout"`
	TrustedVideoPattern string        `mapstructure:"trusted_video_pattern"`
}

// QuotaConfig sets plan allowances.
type QuotaConfig struct {
	FreeRequestCap    int    `mapstructure:"free_request_cap"`
	ProMonthly        int    `mapstructure:"pro_monthly"`
	EnterpriseMonthly int    `mapstructure:"enterprise_monthly"`
	UpgradeURL        string `mapstructure:"upgrade_url"`
}

// WorkerConfig sizes the task pool.
type WorkerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// ReconcileConfig schedules the stale-job sweep.
type ReconcileConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	RunningTimeout time.Duration `mapstructure:"running_timeout"`
	QueuedTimeout  time.Duration `mapstructure:"queued_timeout"`
}

// RateLimitConfig throttles admissions per tenant.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ADINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sqlite_path", "adintel.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "payloads")
	v.SetDefault("storage.local.base_dir", "data/payloads")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("provider.base_url", "https://api.apify.com/v2")
	v.SetDefault("provider.token", "")
	v.SetDefault("provider.actor_id", "curious_coder~facebook-ads-library-scraper")
	v.SetDefault("provider.callback_url", "")
	v.SetDefault("provider.timeout", "30s")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "X-Signature")
	v.SetDefault("webhook.max_body_bytes", 10<<20)
	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.text_model", "gemini-2.5-flash")
	v.SetDefault("analysis.vision_model", "gemini-2.5-flash")
	v.SetDefault("analysis.video_model", "gemini-2.5-flash")
	v.SetDefault("analysis.media_cap_bytes", 14<<20)
	v.SetDefault("analysis.timeout", "2m")
	v.SetDefault("analysis.trusted_video_pattern", "")
	v.SetDefault("quota.free_request_cap", 10)
	v.SetDefault("quota.pro_monthly", 500)
	v.SetDefault("quota.enterprise_monthly", 2000)
	v.SetDefault("quota.upgrade_url", "")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 256)
	v.SetDefault("worker.task_timeout", "5m")
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.running_timeout", "30m")
	v.SetDefault("reconcile.queued_timeout", "5m")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 1)
	v.SetDefault("ratelimit.burst", 5)
}

// Validate enforces required values and reasonable limits. A missing
// collaborator fails here, at boot, rather than on the first request.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, fmt.Errorf("auth.api_key must be set when auth is enabled"))
	}
	if c.Provider.Token == "" {
		errs = append(errs, fmt.Errorf("provider.token is required"))
	}
	if c.Provider.ActorID == "" {
		errs = append(errs, fmt.Errorf("provider.actor_id is required"))
	}
	if c.Provider.CallbackURL == "" {
		errs = append(errs, fmt.Errorf("provider.callback_url is required"))
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, fmt.Errorf("webhook.secret is required"))
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("webhook.max_body_bytes must be > 0"))
	}
	if c.Analysis.APIKey == "" {
		errs = append(errs, fmt.Errorf("analysis.api_key is required"))
	}
	switch c.Database.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for the postgres backend"))
		}
	case BackendSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("database.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.backend %q is not supported", c.Database.Backend))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, fmt.Errorf("storage.local.base_dir is required for the local backend"))
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be > 0"))
	}
	if c.Worker.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("worker.queue_depth must be > 0"))
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.interval must be > 0 when reconcile is enabled"))
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit.rps must be > 0 when rate limiting is enabled"))
	}
	return errors.Join(errs...)
}
