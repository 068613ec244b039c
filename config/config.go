package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the outreach service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Goals      GoalsConfig      `mapstructure:"goals"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Safeguards SafeguardsConfig `mapstructure:"safeguards"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	Messaging  MessagingConfig  `mapstructure:"messaging"`
	Matcher    MatcherConfig    `mapstructure:"matcher"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	// Driver selects the state backend: "postgres" or "memory".
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

func (s StorageConfig) Validate() error {
	switch s.Driver {
	case "memory":
	case "postgres":
		if err := s.Postgres.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", s.Driver)
	}
	if s.Redis.Enabled() {
		return s.Redis.Validate()
	}
	return nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint was configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// QueueConfig controls retry, lease and deduplication behaviour of the task queue.
type QueueConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	DedupBucket   time.Duration `mapstructure:"dedup_bucket"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	AlertStream   string        `mapstructure:"alert_stream"`
}

// Normalize applies defaults for unset queue values.
func (q QueueConfig) Normalize() QueueConfig {
	if q.MaxRetries < 0 {
		q.MaxRetries = 0
	}
	if q.BackoffBase <= 0 {
		q.BackoffBase = 30 * time.Second
	}
	if q.BackoffMax <= 0 {
		q.BackoffMax = time.Hour
	}
	if q.BackoffMax < q.BackoffBase {
		q.BackoffMax = q.BackoffBase
	}
	if q.LeaseDuration <= 0 {
		q.LeaseDuration = 2 * time.Minute
	}
	if q.DedupBucket <= 0 {
		q.DedupBucket = time.Hour
	}
	if q.PollInterval <= 0 {
		q.PollInterval = 2 * time.Second
	}
	if strings.TrimSpace(q.AlertStream) == "" {
		q.AlertStream = "outreach:alerts"
	}
	return q
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count            int           `mapstructure:"count"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
}

func (w WorkersConfig) Normalize() WorkersConfig {
	if w.Count <= 0 {
		w.Count = 4
	}
	if w.ExecutionTimeout <= 0 {
		w.ExecutionTimeout = 45 * time.Second
	}
	return w
}

// HeartbeatConfig tunes the time-driven scanner.
type HeartbeatConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	CheckinOverdue     time.Duration `mapstructure:"checkin_overdue"`
	CheckinUrgent      time.Duration `mapstructure:"checkin_urgent"`
	CheckinCritical    time.Duration `mapstructure:"checkin_critical"`
	DeadlineWarning    time.Duration `mapstructure:"deadline_warning"`
	InactiveAfter      time.Duration `mapstructure:"inactive_after"`
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
}

func (h HeartbeatConfig) Normalize() HeartbeatConfig {
	const day = 24 * time.Hour
	if h.Interval <= 0 {
		h.Interval = time.Minute
	}
	if h.CheckinOverdue <= 0 {
		h.CheckinOverdue = 7 * day
	}
	if h.CheckinUrgent <= 0 {
		h.CheckinUrgent = 14 * day
	}
	if h.CheckinCritical <= 0 {
		h.CheckinCritical = 21 * day
	}
	if h.DeadlineWarning <= 0 {
		h.DeadlineWarning = 3 * day
	}
	if h.InactiveAfter <= 0 {
		h.InactiveAfter = 14 * day
	}
	if h.EvaluationInterval <= 0 {
		h.EvaluationInterval = 15 * time.Minute
	}
	if h.BatchSize <= 0 {
		h.BatchSize = 500
	}
	return h
}

func (h HeartbeatConfig) Validate() error {
	if !(h.CheckinOverdue < h.CheckinUrgent && h.CheckinUrgent < h.CheckinCritical) {
		return fmt.Errorf("heartbeat check-in thresholds must satisfy overdue < urgent < critical")
	}
	return nil
}

// GoalsConfig tunes the internal goal engine cadence.
type GoalsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	AbandonAfter time.Duration `mapstructure:"abandon_after"`
	BatchSize    int           `mapstructure:"batch_size"`
}

func (g GoalsConfig) Normalize() GoalsConfig {
	if g.Interval <= 0 {
		g.Interval = 15 * time.Minute
	}
	if g.StaleAfter <= 0 {
		g.StaleAfter = 7 * 24 * time.Hour
	}
	if g.AbandonAfter <= 0 {
		g.AbandonAfter = 60 * 24 * time.Hour
	}
	if g.BatchSize <= 0 {
		g.BatchSize = 200
	}
	return g
}

func (g GoalsConfig) Validate() error {
	if g.AbandonAfter <= g.StaleAfter {
		return fmt.Errorf("goals.abandon_after must be greater than goals.stale_after")
	}
	return nil
}

// GuardConfig holds the action-level policy thresholds.
type GuardConfig struct {
	RateLimits        map[string]int `mapstructure:"rate_limits"`
	RateWindow        time.Duration  `mapstructure:"rate_window"`
	DuplicateLookback time.Duration  `mapstructure:"duplicate_lookback"`
	MaxContentLength  int            `mapstructure:"max_content_length"`
	BannedPhrases     []string       `mapstructure:"banned_phrases"`
	PolicyFile        string         `mapstructure:"policy_file"`
}

// DefaultRateLimits are the per-class hourly limits applied when a class is not configured.
var DefaultRateLimits = map[string]int{
	"followup_schedule": 10,
	"message_send":      50,
	"goal_update":       20,
	"note_capture":      30,
	"profile_update":    10,
}

func (g GuardConfig) Normalize() GuardConfig {
	limits := make(map[string]int, len(DefaultRateLimits))
	for class, n := range DefaultRateLimits {
		limits[class] = n
	}
	for class, n := range g.RateLimits {
		class = strings.ToLower(strings.TrimSpace(class))
		if class == "" {
			continue
		}
		limits[class] = n
	}
	g.RateLimits = limits
	if g.RateWindow <= 0 {
		g.RateWindow = time.Hour
	}
	if g.DuplicateLookback <= 0 {
		g.DuplicateLookback = 24 * time.Hour
	}
	if g.MaxContentLength <= 0 {
		g.MaxContentLength = 2000
	}
	var phrases []string
	for _, p := range g.BannedPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	g.BannedPhrases = phrases
	return g
}

func (g GuardConfig) Validate() error {
	for class, n := range g.RateLimits {
		if n < 0 {
			return fmt.Errorf("guard.rate_limits.%s cannot be negative", class)
		}
	}
	return nil
}

// SafeguardsConfig holds the proactive-message protections.
type SafeguardsConfig struct {
	MinHoursBetweenProactive int `mapstructure:"min_hours_between_proactive"`
	MaxIgnoredInRow          int `mapstructure:"max_ignored_in_row"`
	IgnoredPauseDays         int `mapstructure:"ignored_pause_days"`
	MinTrustScore            int `mapstructure:"min_trust_score"`
	ComplaintPauseDays       int `mapstructure:"complaint_pause_days"`
}

func (s SafeguardsConfig) Normalize() SafeguardsConfig {
	if s.MinHoursBetweenProactive <= 0 {
		s.MinHoursBetweenProactive = 48
	}
	if s.MaxIgnoredInRow <= 0 {
		s.MaxIgnoredInRow = 3
	}
	if s.IgnoredPauseDays <= 0 {
		s.IgnoredPauseDays = 7
	}
	if s.MinTrustScore < 0 {
		s.MinTrustScore = 0
	}
	if s.ComplaintPauseDays <= 0 {
		s.ComplaintPauseDays = 30
	}
	return s
}

// LLMConfig points at an OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// Enabled reports whether message personalization can call the model.
func (l LLMConfig) Enabled() bool { return strings.TrimSpace(l.APIKey) != "" }

// SearchConfig contains web search settings
type SearchConfig struct {
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// MessagingConfig configures the outbound channel webhook.
type MessagingConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// MatcherConfig points at the partner and session catalogue used by the
// match_partner and match_session tools.
type MatcherConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
	MaxResults  int    `mapstructure:"max_results"`
}

func (m MatcherConfig) Normalize() MatcherConfig {
	if m.MaxResults <= 0 {
		m.MaxResults = 3
	}
	return m
}

// leaseMargin is the slack required between a job's execution budget and its lease.
const leaseMargin = 15 * time.Second

// Validate checks cross-section constraints after normalization.
func (c Config) Validate() error {
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return err
	}
	if err := c.Goals.Validate(); err != nil {
		return err
	}
	if err := c.Guard.Validate(); err != nil {
		return err
	}
	if c.Queue.LeaseDuration <= c.Workers.ExecutionTimeout+leaseMargin {
		return fmt.Errorf("queue.lease_duration (%s) must exceed workers.execution_timeout (%s) by at least %s",
			c.Queue.LeaseDuration, c.Workers.ExecutionTimeout, leaseMargin)
	}
	if finest := c.finestCadence(); c.Heartbeat.Interval >= finest {
		return fmt.Errorf("heartbeat.interval (%s) must be shorter than the finest cadence (%s)", c.Heartbeat.Interval, finest)
	}
	return nil
}

func (c Config) finestCadence() time.Duration {
	finest := c.Queue.DedupBucket
	for _, d := range []time.Duration{c.Heartbeat.CheckinOverdue, c.Heartbeat.DeadlineWarning, c.Heartbeat.InactiveAfter} {
		if d < finest {
			finest = d
		}
	}
	return finest
}

// Normalize fills defaults on every section.
func (c Config) Normalize() Config {
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "postgres"
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Queue = c.Queue.Normalize()
	c.Workers = c.Workers.Normalize()
	c.Heartbeat = c.Heartbeat.Normalize()
	c.Goals = c.Goals.Normalize()
	c.Guard = c.Guard.Normalize()
	c.Safeguards = c.Safeguards.Normalize()
	c.Matcher = c.Matcher.Normalize()
	return c
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("storage.driver", "postgres")
	viper.SetDefault("queue.max_retries", 3)
	viper.SetDefault("queue.backoff_base", "30s")
	viper.SetDefault("queue.backoff_max", "1h")
	viper.SetDefault("queue.lease_duration", "2m")
	viper.SetDefault("queue.dedup_bucket", "1h")
	viper.SetDefault("queue.poll_interval", "2s")
	viper.SetDefault("workers.count", 4)
	viper.SetDefault("workers.execution_timeout", "45s")
	viper.SetDefault("heartbeat.interval", "1m")
	viper.SetDefault("goals.enabled", true)
	viper.SetDefault("goals.interval", "15m")
	viper.SetDefault("safeguards.min_trust_score", 20)
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.timeout", "20s")
	viper.SetDefault("llm.requests_per_second", 2)
	viper.SetDefault("search.max_results", 5)
	viper.SetDefault("search.timeout", "10s")
	viper.SetDefault("messaging.timeout", "10s")
	viper.SetDefault("messaging.requests_per_second", 10)
	viper.SetDefault("matcher.max_results", 3)

	if path == "" {
		viper.AddConfigPath("./config") // path to look for the config file in
		viper.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("OUTREACH")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (OUTREACH_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config = config.Normalize()
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &config
}
