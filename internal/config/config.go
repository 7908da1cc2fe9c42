package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Log       LogConfig      `yaml:"log"`
	Database  DatabaseConfig `yaml:"database"`
	Redis     RedisConfig    `yaml:"redis"`
	Transport string         `yaml:"transport"` // "ses" or "smtp"
	SES       SESConfig      `yaml:"ses"`
	SMTP      SMTPConfig     `yaml:"smtp"`
	OVH       OVHConfig      `yaml:"ovh"`
	CRM       CRMConfig      `yaml:"crm"`
	Archive   ArchiveConfig  `yaml:"archive"`
	Feeds     FeedsConfig    `yaml:"feeds"`
	Engine    EngineConfig   `yaml:"engine"`
}

// ServerConfig holds operator API settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	APIKey         string   `yaml:"api_key"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether addresses are masked. Defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// DatabaseConfig holds the Postgres connection.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig holds the Redis connection used for locks and the CRM cache.
// An empty Addr disables Redis; locks then fall back to Postgres advisory
// locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds Amazon SES credentials.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SMTPConfig holds relay settings.
type SMTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	DialTimeoutSeconds int    `yaml:"dial_timeout_seconds"`
}

// DialTimeout returns the dial timeout as a duration.
func (c SMTPConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// OVHConfig holds OVHcloud API credentials for mailbox management.
type OVHConfig struct {
	Endpoint          string `yaml:"endpoint"`
	ApplicationKey    string `yaml:"application_key"`
	ApplicationSecret string `yaml:"application_secret"`
	ConsumerKey       string `yaml:"consumer_key"`
	MailboxSizeBytes  int64  `yaml:"mailbox_size_bytes"`
	MaxRetries        int    `yaml:"max_retries"`
}

// CRMConfig holds the Azure Table CRM source and its Redis cache.
type CRMConfig struct {
	ConnectionString string `yaml:"connection_string"`
	TableName        string `yaml:"table_name"`
	PartitionKey     string `yaml:"partition_key"`
	StatusField      string `yaml:"status_field"`
	ReasonField      string `yaml:"reason_field"`
	CacheTTLMinutes  int    `yaml:"cache_ttl_minutes"`
	StaleTTLHours    int    `yaml:"stale_ttl_hours"`
}

// Enabled reports whether a CRM source is configured.
func (c CRMConfig) Enabled() bool { return c.ConnectionString != "" }

// CacheTTL returns the fresh-cache TTL.
func (c CRMConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// StaleTTL returns how long a stale copy may be served on CRM errors.
func (c CRMConfig) StaleTTL() time.Duration {
	return time.Duration(c.StaleTTLHours) * time.Hour
}

// ArchiveConfig selects the deprovision audit backend. An empty Backend
// disables it.
type ArchiveConfig struct {
	Backend string `yaml:"backend"` // "", "s3" or "dynamodb"
	Region  string `yaml:"region"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Table   string `yaml:"table"`
	TTLDays int    `yaml:"ttl_days"`
}

// FeedSource is one RSS/Atom feed of job offers.
type FeedSource struct {
	URL     string `yaml:"url"`
	Country string `yaml:"country"`
}

// FeedsConfig holds offer ingestion settings.
type FeedsConfig struct {
	Sources        []FeedSource `yaml:"sources"`
	TimeoutSeconds int          `yaml:"timeout_seconds"`
}

// Timeout returns the per-feed fetch timeout.
func (c FeedsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EngineConfig holds the tunables of the throttling and lifecycle services.
type EngineConfig struct {
	Timezone  string          `yaml:"timezone"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Matching  MatchingConfig  `yaml:"matching"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// Location resolves Timezone, defaulting to UTC.
func (c EngineConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// DispatchConfig bounds delivery attempts.
type DispatchConfig struct {
	MaxAttempts            int `yaml:"max_attempts"`
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
	BaseBackoffSeconds     int `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds      int `yaml:"max_backoff_seconds"`
	ReservationTimeoutMins int `yaml:"reservation_timeout_minutes"`
}

// ProviderTimeout returns the per-call provider timeout.
func (c DispatchConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// BaseBackoff returns the first retry delay bound.
func (c DispatchConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffSeconds) * time.Second
}

// MaxBackoff returns the retry delay ceiling.
func (c DispatchConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// ReservationTimeout returns how long a reserved send may stay unresolved.
func (c DispatchConfig) ReservationTimeout() time.Duration {
	return time.Duration(c.ReservationTimeoutMins) * time.Minute
}

// JobsConfig tunes the send-job executor.
type JobsConfig struct {
	StaleTimeoutMinutes  int `yaml:"stale_timeout_minutes"`
	HeartbeatSeconds     int `yaml:"heartbeat_seconds"`
	MaxConcurrent        int `yaml:"max_concurrent"`
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
}

// StaleTimeout returns the heartbeat age after which a running job is failed.
func (c JobsConfig) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutMinutes) * time.Minute
}

// Heartbeat returns the executor heartbeat interval.
func (c JobsConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// MatchingConfig tunes offer selection.
type MatchingConfig struct {
	PageSize int `yaml:"page_size"`
}

// LifecycleConfig holds mailbox eligibility thresholds.
type LifecycleConfig struct {
	InactivityHours        int      `yaml:"inactivity_hours"`
	BounceWindowHours      int      `yaml:"bounce_window_hours"`
	BounceThreshold        int      `yaml:"bounce_threshold"`
	GraceHours             int      `yaml:"grace_hours"`
	ClosedStatuses         []string `yaml:"closed_statuses"`
	CloseReasons           []string `yaml:"close_reasons"`
	ProviderTimeoutSeconds int      `yaml:"provider_timeout_seconds"`
	LockTTLMinutes         int      `yaml:"lock_ttl_minutes"`
}

// Inactivity returns the inactivity window.
func (c LifecycleConfig) Inactivity() time.Duration {
	return time.Duration(c.InactivityHours) * time.Hour
}

// BounceWindow returns the bounce counting window.
func (c LifecycleConfig) BounceWindow() time.Duration {
	return time.Duration(c.BounceWindowHours) * time.Hour
}

// Grace returns the deletion grace period.
func (c LifecycleConfig) Grace() time.Duration {
	return time.Duration(c.GraceHours) * time.Hour
}

// ProviderTimeout returns the per-call mailbox provider timeout.
func (c LifecycleConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// LockTTL returns the distributed lock TTL.
func (c LifecycleConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMinutes) * time.Minute
}

// WorkerConfig holds periodic task intervals, in seconds.
type WorkerConfig struct {
	JobTickSeconds   int `yaml:"job_tick_seconds"`
	QuotaSeconds     int `yaml:"quota_seconds"`
	LifecycleSeconds int `yaml:"lifecycle_seconds"`
	ReconcileSeconds int `yaml:"reconcile_seconds"`
	RecoverySeconds  int `yaml:"recovery_seconds"`
	FeedsSeconds     int `yaml:"feeds_seconds"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// JobTick returns the job scheduling interval.
func (c WorkerConfig) JobTick() time.Duration { return seconds(c.JobTickSeconds) }

// Quota returns the quota recompute polling interval.
func (c WorkerConfig) Quota() time.Duration { return seconds(c.QuotaSeconds) }

// Lifecycle returns the sweep interval.
func (c WorkerConfig) Lifecycle() time.Duration { return seconds(c.LifecycleSeconds) }

// Reconcile returns the reconciliation interval.
func (c WorkerConfig) Reconcile() time.Duration { return seconds(c.ReconcileSeconds) }

// Recovery returns the stale job and reservation recovery interval.
func (c WorkerConfig) Recovery() time.Duration { return seconds(c.RecoverySeconds) }

// Feeds returns the offer ingestion interval.
func (c WorkerConfig) Feeds() time.Duration { return seconds(c.FeedsSeconds) }

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Transport == "" {
		cfg.Transport = "ses"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.DialTimeoutSeconds == 0 {
		cfg.SMTP.DialTimeoutSeconds = 30
	}
	if cfg.OVH.Endpoint == "" {
		cfg.OVH.Endpoint = "ovh-eu"
	}
	if cfg.OVH.MaxRetries == 0 {
		cfg.OVH.MaxRetries = 3
	}
	if cfg.CRM.TableName == "" {
		cfg.CRM.TableName = "clients"
	}
	if cfg.CRM.CacheTTLMinutes == 0 {
		cfg.CRM.CacheTTLMinutes = 15
	}
	if cfg.CRM.StaleTTLHours == 0 {
		cfg.CRM.StaleTTLHours = 24
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "deprovisions"
	}
	if cfg.Feeds.TimeoutSeconds == 0 {
		cfg.Feeds.TimeoutSeconds = 30
	}

	d := &cfg.Engine.Dispatch
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 3
	}
	if d.ProviderTimeoutSeconds == 0 {
		d.ProviderTimeoutSeconds = 30
	}
	if d.BaseBackoffSeconds == 0 {
		d.BaseBackoffSeconds = 2
	}
	if d.MaxBackoffSeconds == 0 {
		d.MaxBackoffSeconds = 30
	}
	if d.ReservationTimeoutMins == 0 {
		d.ReservationTimeoutMins = 30
	}

	j := &cfg.Engine.Jobs
	if j.StaleTimeoutMinutes == 0 {
		j.StaleTimeoutMinutes = 120
	}
	if j.HeartbeatSeconds == 0 {
		j.HeartbeatSeconds = 60
	}
	if j.MaxConcurrent == 0 {
		j.MaxConcurrent = 8
	}
	if j.MaxConsecutiveErrors == 0 {
		j.MaxConsecutiveErrors = 5
	}

	if cfg.Engine.Matching.PageSize == 0 {
		cfg.Engine.Matching.PageSize = 200
	}

	l := &cfg.Engine.Lifecycle
	if l.InactivityHours == 0 {
		l.InactivityHours = 72
	}
	if l.BounceWindowHours == 0 {
		l.BounceWindowHours = 168
	}
	if l.BounceThreshold == 0 {
		l.BounceThreshold = 5
	}
	if l.GraceHours == 0 {
		l.GraceHours = 48
	}
	if len(l.ClosedStatuses) == 0 {
		l.ClosedStatuses = []string{"closed", "cerrado"}
	}
	if len(l.CloseReasons) == 0 {
		l.CloseReasons = []string{"Contratad@", "Baja", "Impago"}
	}
	if l.ProviderTimeoutSeconds == 0 {
		l.ProviderTimeoutSeconds = 30
	}
	if l.LockTTLMinutes == 0 {
		l.LockTTLMinutes = 30
	}

	w := &cfg.Engine.Worker
	if w.JobTickSeconds == 0 {
		w.JobTickSeconds = 60
	}
	if w.QuotaSeconds == 0 {
		w.QuotaSeconds = 300
	}
	if w.LifecycleSeconds == 0 {
		w.LifecycleSeconds = 3600
	}
	if w.ReconcileSeconds == 0 {
		w.ReconcileSeconds = 6 * 3600
	}
	if w.RecoverySeconds == 0 {
		w.RecoverySeconds = 120
	}
	if w.FeedsSeconds == 0 {
		w.FeedsSeconds = 1800
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str(&cfg.Server.APIKey, "OFFERMAIL_API_KEY")
	str(&cfg.Log.Level, "LOG_LEVEL")
	str(&cfg.Database.URL, "DATABASE_URL")
	str(&cfg.Redis.Addr, "REDIS_ADDR")
	str(&cfg.Redis.Password, "REDIS_PASSWORD")
	str(&cfg.Transport, "OFFERMAIL_TRANSPORT")
	str(&cfg.SES.AccessKey, "AWS_SES_ACCESS_KEY")
	str(&cfg.SES.SecretKey, "AWS_SES_SECRET_KEY")
	str(&cfg.SES.Region, "AWS_SES_REGION")
	str(&cfg.SMTP.Host, "SMTP_HOST")
	str(&cfg.SMTP.Username, "SMTP_USERNAME")
	str(&cfg.SMTP.Password, "SMTP_PASSWORD")
	str(&cfg.OVH.ApplicationKey, "OVH_APPLICATION_KEY")
	str(&cfg.OVH.ApplicationSecret, "OVH_APPLICATION_SECRET")
	str(&cfg.OVH.ConsumerKey, "OVH_CONSUMER_KEY")
	str(&cfg.CRM.ConnectionString, "AZURE_STORAGE_CONNECTION_STRING")
	str(&cfg.Archive.Bucket, "ARCHIVE_S3_BUCKET")
	str(&cfg.Archive.Table, "ARCHIVE_DYNAMODB_TABLE")
	str(&cfg.Engine.Timezone, "OFFERMAIL_TIMEZONE")

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}
}

// Validate checks the settings the commands cannot run without.
func (cfg *Config) Validate() error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("config: database.url is required")
	}
	switch cfg.Transport {
	case "ses":
	case "smtp":
		if cfg.SMTP.Host == "" {
			return fmt.Errorf("config: smtp.host is required for the smtp transport")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", cfg.Transport)
	}
	if _, err := cfg.Engine.Location(); err != nil {
		return fmt.Errorf("config: engine.timezone: %w", err)
	}
	return nil
}
