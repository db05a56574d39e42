// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Auth       AuthConfig              `mapstructure:"auth"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	DB         DBConfig                `mapstructure:"db"`
	Sources    map[string]SourceConfig `mapstructure:"sources"`
	Completion CompletionConfig        `mapstructure:"completion"`
	Analysis   AnalysisConfig          `mapstructure:"analysis"`
	Crisis     CrisisConfig            `mapstructure:"crisis"`
	Queue      QueueConfig             `mapstructure:"queue"`
	Schedule   ScheduleConfig          `mapstructure:"schedule"`
	Push       PushConfig              `mapstructure:"push"`
	Email      EmailConfig             `mapstructure:"email"`
	Archive    ArchiveConfig           `mapstructure:"archive"`
	Timezone   string                  `mapstructure:"timezone"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// SourceConfig describes one external news provider.
type SourceConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Kind       string   `mapstructure:"kind"`
	APIKey     string   `mapstructure:"api_key"`
	BaseURL    string   `mapstructure:"base_url"`
	DailyLimit int      `mapstructure:"daily_limit"`
	PageSize   int      `mapstructure:"page_size"`
	Query      string   `mapstructure:"query"`
	Country    string   `mapstructure:"country"`
	Language   string   `mapstructure:"language"`
	Feeds      []string `mapstructure:"feeds"`
	RPS        float64  `mapstructure:"rps"`
}

// CompletionConfig configures the text-completion service.
type CompletionConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	MaxRetries      int    `mapstructure:"max_retries"`
	BaseDelayMs     int    `mapstructure:"base_delay_ms"`
	MaxContentChars int    `mapstructure:"max_content_chars"`
}

// AnalysisConfig controls batch analysis pacing.
type AnalysisConfig struct {
	BatchSize        int `mapstructure:"batch_size"`
	InterCallDelayMs int `mapstructure:"inter_call_delay_ms"`
}

// CrisisConfig controls crisis detection windows.
type CrisisConfig struct {
	LookbackHours    int `mapstructure:"lookback_hours"`
	DedupWindowHours int `mapstructure:"dedup_window_hours"`
	TitlePrefixLen   int `mapstructure:"title_prefix_len"`
}

// QueueConfig controls the task queue and its worker pool.
type QueueConfig struct {
	LeaseSeconds      int `mapstructure:"lease_seconds"`
	RetentionDays     int `mapstructure:"retention_days"`
	Workers           int `mapstructure:"workers"`
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`
	DefaultMaxRetries int `mapstructure:"default_max_retries"`
}

// ScheduleConfig sets the periodic trigger cadence. Zero disables a trigger.
type ScheduleConfig struct {
	IngestInterval    time.Duration `mapstructure:"ingest_interval"`
	AnalysisInterval  time.Duration `mapstructure:"analysis_interval"`
	CrisisInterval    time.Duration `mapstructure:"crisis_interval"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

// PushConfig selects the realtime delivery backend.
type PushConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// ArchiveConfig selects where raw ingestion batches are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// knownSources get defaults so that env overrides such as
// CRISIS_SOURCES_NEWSAPI_API_KEY resolve without a config file.
var knownSources = map[string]SourceConfig{
	"newsapi": {
		Kind:       "newsapi",
		BaseURL:    "https://newsapi.org",
		DailyLimit: 100,
		PageSize:   50,
		Country:    "us",
		RPS:        1,
	},
	"gnews": {
		Kind:       "gnews",
		BaseURL:    "https://gnews.io",
		DailyLimit: 100,
		PageSize:   10,
		Language:   "en",
		RPS:        1,
	},
	"guardian": {
		Kind:       "guardian",
		BaseURL:    "https://content.guardianapis.com",
		DailyLimit: 500,
		PageSize:   50,
		Country:    "GB",
		RPS:        1,
	},
	"rss": {
		Kind:       "rss",
		DailyLimit: 1000,
		RPS:        2,
	},
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRISIS")
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
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for name, src := range cfg.Sources {
		if src.Kind == "" {
			src.Kind = name
			cfg.Sources[name] = src
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)
	for name, src := range knownSources {
		prefix := "sources." + name + "."
		v.SetDefault(prefix+"enabled", false)
		v.SetDefault(prefix+"kind", src.Kind)
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"base_url", src.BaseURL)
		v.SetDefault(prefix+"daily_limit", src.DailyLimit)
		v.SetDefault(prefix+"page_size", src.PageSize)
		v.SetDefault(prefix+"country", src.Country)
		v.SetDefault(prefix+"language", src.Language)
		v.SetDefault(prefix+"rps", src.RPS)
	}
	v.SetDefault("completion.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("completion.model", "gpt-4o-mini")
	v.SetDefault("completion.timeout_seconds", 60)
	v.SetDefault("completion.max_retries", 3)
	v.SetDefault("completion.base_delay_ms", 1000)
	v.SetDefault("completion.max_content_chars", 3000)
	v.SetDefault("analysis.batch_size", 20)
	v.SetDefault("analysis.inter_call_delay_ms", 1000)
	v.SetDefault("crisis.lookback_hours", 24)
	v.SetDefault("crisis.dedup_window_hours", 48)
	v.SetDefault("crisis.title_prefix_len", 40)
	v.SetDefault("queue.lease_seconds", 300)
	v.SetDefault("queue.retention_days", 7)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("schedule.ingest_interval", "3h")
	v.SetDefault("schedule.analysis_interval", "30m")
	v.SetDefault("schedule.crisis_interval", "30m")
	v.SetDefault("schedule.retention_interval", "24h")
	v.SetDefault("push.backend", "memory")
	v.SetDefault("push.topic", "crisis-alerts")
	v.SetDefault("email.smtp_port", 587)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "ingest")
	v.SetDefault("timezone", "Local")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Completion.TimeoutSeconds <= 0 {
		return fmt.Errorf("completion.timeout_seconds must be > 0")
	}
	if c.Completion.MaxRetries < 0 {
		return fmt.Errorf("completion.max_retries must be >= 0")
	}
	if c.Crisis.TitlePrefixLen <= 0 {
		return fmt.Errorf("crisis.title_prefix_len must be > 0")
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("queue.lease_seconds must be > 0")
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must be >= 0")
	}
	for name, src := range c.Sources {
		if !src.Enabled {
			continue
		}
		if src.DailyLimit <= 0 {
			return fmt.Errorf("sources.%s.daily_limit must be > 0", name)
		}
		if src.Kind == "rss" && len(src.Feeds) == 0 {
			return fmt.Errorf("sources.%s.feeds must list at least one feed", name)
		}
	}
	switch c.Push.Backend {
	case "memory":
	case "pubsub":
		if c.Push.ProjectID == "" || c.Push.Topic == "" {
			return fmt.Errorf("push.project_id and push.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("unknown push.backend %q", c.Push.Backend)
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for local archive")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if c.Email.Enabled && (c.Email.SMTPHost == "" || c.Email.From == "") {
		return fmt.Errorf("email.smtp_host and email.from are required when email is enabled")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured time zone used for quota day boundaries.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// CompletionTimeout converts the per-request timeout into a duration.
func (c Config) CompletionTimeout() time.Duration {
	return time.Duration(c.Completion.TimeoutSeconds) * time.Second
}

// LeaseTimeout returns how long a claimed task stays locked.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// Retention returns how long finished tasks are kept.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Queue.RetentionDays) * 24 * time.Hour
}

// EnabledSources returns the names of enabled sources in sorted order.
func (c Config) EnabledSources() []string {
	names := make([]string, 0, len(c.Sources))
	for name, src := range c.Sources {
		if src.Enabled {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
