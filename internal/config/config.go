// Package config loads the server configuration from defaults, an optional
// YAML file, a .env file and MURMUR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"tangled.org/arabica.social/murmur/internal/discussion"
	"tangled.org/arabica.social/murmur/internal/email"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/notify"
	"tangled.org/arabica.social/murmur/internal/realtime"
	"tangled.org/arabica.social/murmur/internal/rules"
	"tangled.org/arabica.social/murmur/internal/thread"
	"tangled.org/arabica.social/murmur/internal/trust"
)

// EnvPrefix prefixes every environment override, e.g. MURMUR_SERVER_ADDR
const EnvPrefix = "MURMUR"

// Storage backends
const (
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the complete server configuration
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Thread     thread.Config     `mapstructure:"thread"`
	Trust      trust.Config      `mapstructure:"trust"`
	Rules      rules.Config      `mapstructure:"rules"`
	Realtime   RealtimeConfig    `mapstructure:"realtime"`
	Notify     NotifyConfig      `mapstructure:"notify"`
	Moderation ModerationConfig  `mapstructure:"moderation"`
	Discussion discussion.Config `mapstructure:"discussion"`
}

// ServerConfig covers the HTTP listener and its middleware
type ServerConfig struct {
	Addr            string          `mapstructure:"addr"`
	PublicURL       string          `mapstructure:"public_url"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	MetricsInterval time.Duration   `mapstructure:"metrics_interval"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	Tracing         TracingConfig   `mapstructure:"tracing"`
}

// RateLimitConfig holds per-minute request budgets
type RateLimitConfig struct {
	Writes int `mapstructure:"writes"`
	Reads  int `mapstructure:"reads"`
	Global int `mapstructure:"global"`
}

// TracingConfig enables the OTLP exporter
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// StorageConfig selects the comment store and the notification inbox files
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BoltPath  string `mapstructure:"bolt_path"`
	DSN       string `mapstructure:"dsn"`
	InboxPath string `mapstructure:"inbox_path"`
	Debug     bool   `mapstructure:"debug"`
}

// RealtimeConfig tunes the gateway and its websocket transport
type RealtimeConfig struct {
	TypingTTL      time.Duration `mapstructure:"typing_ttl"`
	BacklogSize    int           `mapstructure:"backlog_size"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// NotifyConfig tunes the notification router and its delivery channels
type NotifyConfig struct {
	QueueSize       int                     `mapstructure:"queue_size"`
	Workers         int                     `mapstructure:"workers"`
	DeliveryTimeout time.Duration           `mapstructure:"delivery_timeout"`
	PushURLs        []string                `mapstructure:"push_urls"`
	PushTypes       []string                `mapstructure:"push_types"`
	SMTP            SMTPConfig              `mapstructure:"smtp"`
	Directory       []notify.DirectoryEntry `mapstructure:"directory"`
}

// SMTPConfig configures email delivery. An empty host disables it.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Pass     string `mapstructure:"pass"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

// ModerationConfig points at the moderator roles file
type ModerationConfig struct {
	RolesFile string `mapstructure:"roles_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.metrics_interval", 30*time.Second)
	v.SetDefault("server.rate_limit.writes", 30)
	v.SetDefault("server.rate_limit.reads", 300)
	v.SetDefault("server.rate_limit.global", 600)
	v.SetDefault("server.tracing.enabled", false)
	v.SetDefault("server.tracing.endpoint", "")

	v.SetDefault("storage.backend", BackendBolt)
	v.SetDefault("storage.bolt_path", "murmur.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.inbox_path", "murmur-inbox.db")
	v.SetDefault("storage.debug", false)

	tc := thread.DefaultConfig()
	v.SetDefault("thread.max_depth", tc.MaxDepth)
	v.SetDefault("thread.max_content_length", tc.MaxContentLength)
	v.SetDefault("thread.flatten_deep_replies", tc.FlattenDeepReplies)

	tr := trust.DefaultConfig()
	v.SetDefault("trust.neutral", tr.Neutral)
	v.SetDefault("trust.approved_delta", tr.ApprovedDelta)
	v.SetDefault("trust.rejected_delta", tr.RejectedDelta)
	v.SetDefault("trust.reported_delta", tr.ReportedDelta)
	v.SetDefault("trust.spam_delta", tr.SpamDelta)
	v.SetDefault("trust.inactivity_window", tr.InactivityWindow)
	v.SetDefault("trust.half_life", tr.HalfLife)
	v.SetDefault("trust.history_window", tr.HistoryWindow)

	rc := rules.DefaultConfig()
	v.SetDefault("rules.high_trust", rc.HighTrust)
	v.SetDefault("rules.low_trust", rc.LowTrust)
	v.SetDefault("rules.auto_reject_low_trust", rc.AutoRejectLowTrust)
	v.SetDefault("rules.condition_budget", rc.ConditionBudget)
	v.SetDefault("rules.evaluation_budget", rc.EvaluationBudget)
	v.SetDefault("rules.sensitive_words", rc.SensitiveWords)
	v.SetDefault("rules.regex_cache_size", rc.RegexCacheSize)
	v.SetDefault("rules.rules_file", rc.RulesFile)

	gw := realtime.DefaultConfig()
	tp := realtime.DefaultTransportConfig()
	v.SetDefault("realtime.typing_ttl", gw.TypingTTL)
	v.SetDefault("realtime.backlog_size", gw.BacklogSize)
	v.SetDefault("realtime.backoff_base", gw.Backoff.Base)
	v.SetDefault("realtime.backoff_max", gw.Backoff.Max)
	v.SetDefault("realtime.max_attempts", gw.Backoff.MaxAttempts)
	v.SetDefault("realtime.write_timeout", tp.WriteTimeout)
	v.SetDefault("realtime.pong_timeout", tp.PongTimeout)
	v.SetDefault("realtime.ping_interval", tp.PingInterval)
	v.SetDefault("realtime.send_buffer", tp.SendBuffer)
	v.SetDefault("realtime.max_message_size", tp.MaxMessageSize)
	v.SetDefault("realtime.allowed_origins", []string{})

	nc := notify.DefaultConfig()
	v.SetDefault("notify.queue_size", nc.QueueSize)
	v.SetDefault("notify.workers", nc.Workers)
	v.SetDefault("notify.delivery_timeout", nc.DeliveryTimeout)
	v.SetDefault("notify.push_urls", []string{})
	v.SetDefault("notify.push_types", []string{string(models.NotificationCommentReported)})
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.user", "")
	v.SetDefault("notify.smtp.pass", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.smtp.from_name", "Murmur")

	v.SetDefault("moderation.roles_file", "")

	dc := discussion.DefaultConfig()
	v.SetDefault("discussion.report_threshold", dc.ReportThreshold)
	v.SetDefault("discussion.broadcast_stats", dc.BroadcastStats)
}

// Load reads the configuration. An empty path searches the working
// directory and /etc/murmur for murmur.yaml; a missing file there is not an
// error, but a missing explicit path is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("config: failed to read .env file")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("murmur")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/murmur")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.Info().Str("file", used).Msg("config: loaded config file")
	}
	return &cfg, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &models.ConfigError{Field: "server.addr", Message: "is required"}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return &models.ConfigError{Field: "server.shutdown_timeout", Message: "must be positive"}
	}
	if c.Server.MetricsInterval <= 0 {
		return &models.ConfigError{Field: "server.metrics_interval", Message: "must be positive"}
	}
	rl := c.Server.RateLimit
	if rl.Writes < 1 || rl.Reads < 1 || rl.Global < 1 {
		return &models.ConfigError{Field: "server.rate_limit", Message: "limits must be at least 1 per minute"}
	}

	switch c.Storage.Backend {
	case BackendBolt:
		if c.Storage.BoltPath == "" {
			return &models.ConfigError{Field: "storage.bolt_path", Message: "is required for the bolt backend"}
		}
	case BackendSQLite, BackendPostgres:
		if c.Storage.DSN == "" {
			return &models.ConfigError{Field: "storage.dsn", Message: "is required for the " + c.Storage.Backend + " backend"}
		}
	default:
		return &models.ConfigError{Field: "storage.backend", Message: fmt.Sprintf("unknown backend %q", c.Storage.Backend)}
	}
	if c.Storage.InboxPath == "" {
		return &models.ConfigError{Field: "storage.inbox_path", Message: "is required"}
	}

	if err := c.Thread.Validate(); err != nil {
		return err
	}
	if err := c.Trust.Validate(); err != nil {
		return err
	}
	if err := c.Rules.Validate(); err != nil {
		return err
	}
	if err := c.GatewayConfig().Validate(); err != nil {
		return err
	}
	if c.Realtime.SendBuffer < 1 {
		return &models.ConfigError{Field: "realtime.send_buffer", Message: "must be at least 1"}
	}
	if err := c.RouterConfig().Validate(); err != nil {
		return err
	}
	for _, t := range c.Notify.PushTypes {
		if !models.NotificationType(t).Valid() {
			return &models.ConfigError{Field: "notify.push_types", Message: fmt.Sprintf("unknown notification type %q", t)}
		}
	}
	return c.Discussion.Validate()
}

// GatewayConfig returns the realtime gateway settings
func (c *Config) GatewayConfig() realtime.Config {
	return realtime.Config{
		TypingTTL:   c.Realtime.TypingTTL,
		BacklogSize: c.Realtime.BacklogSize,
		Backoff: realtime.Backoff{
			Base:        c.Realtime.BackoffBase,
			Max:         c.Realtime.BackoffMax,
			MaxAttempts: c.Realtime.MaxAttempts,
		},
	}
}

// TransportConfig returns the websocket transport settings
func (c *Config) TransportConfig() realtime.TransportConfig {
	return realtime.TransportConfig{
		WriteTimeout:   c.Realtime.WriteTimeout,
		PongTimeout:    c.Realtime.PongTimeout,
		PingInterval:   c.Realtime.PingInterval,
		SendBuffer:     c.Realtime.SendBuffer,
		MaxMessageSize: c.Realtime.MaxMessageSize,
		AllowedOrigins: c.Realtime.AllowedOrigins,
	}
}

// RouterConfig returns the notification router settings
func (c *Config) RouterConfig() notify.Config {
	return notify.Config{
		QueueSize:       c.Notify.QueueSize,
		Workers:         c.Notify.Workers,
		DeliveryTimeout: c.Notify.DeliveryTimeout,
	}
}

// EmailConfig returns the SMTP sender settings
func (c *Config) EmailConfig() email.Config {
	s := c.Notify.SMTP
	return email.Config{Host: s.Host, Port: s.Port, User: s.User, Pass: s.Pass, From: s.From, FromName: s.FromName}
}

// PushTypes returns the notification types sent to push channels
func (c *Config) PushTypes() []models.NotificationType {
	out := make([]models.NotificationType, 0, len(c.Notify.PushTypes))
	for _, t := range c.Notify.PushTypes {
		out = append(out, models.NotificationType(t))
	}
	return out
}
