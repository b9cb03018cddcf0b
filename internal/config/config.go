package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Business BusinessConfig `mapstructure:"business"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Notification string `mapstructure:"notification"`
	Alert        string `mapstructure:"alert"`
}

type GatewayConfig struct {
	Provider    string          `mapstructure:"provider"`
	BaseURL     string          `mapstructure:"base_url"`
	SecretKey   string          `mapstructure:"secret_key"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	MaxAttempts int             `mapstructure:"max_attempts"`
	Backoff     []time.Duration `mapstructure:"backoff"`
}

// Delay is the pause after failed attempt n (1-based). Attempts past the end
// of Backoff reuse its last entry.
func (g GatewayConfig) Delay(attempt int) time.Duration {
	if len(g.Backoff) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(g.Backoff) {
		return g.Backoff[len(g.Backoff)-1]
	}
	return g.Backoff[attempt-1]
}

// Budget is the worst case a single verify call can take.
func (g GatewayConfig) Budget() time.Duration {
	total := time.Duration(g.MaxAttempts) * g.Timeout
	for attempt := 1; attempt < g.MaxAttempts; attempt++ {
		total += g.Delay(attempt)
	}
	return total
}

type WebhookConfig struct {
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signature_header"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.From != ""
}

type BusinessConfig struct {
	RecentTopupsLimit int           `mapstructure:"recent_topups_limit"`
	OutboxMaxRetry    int           `mapstructure:"outbox_max_retry"`
	PendingSweepAfter time.Duration `mapstructure:"pending_sweep_after"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ReplayInterval    time.Duration `mapstructure:"replay_interval"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	NotifyQueueSize   int           `mapstructure:"notify_queue_size"`
	NotifyWorkers     int           `mapstructure:"notify_workers"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var (
	ErrMissingWebhookSecret = errors.New("webhook.secret is required")
	ErrInvalidMaxAttempts   = errors.New("gateway.max_attempts must be at least 1")
	ErrUnknownDriver        = errors.New("database.driver must be mysql or postgres")
)

// envOnlyKeys have no default, so viper would not see them in the
// environment unless they are bound explicitly.
var envOnlyKeys = []string{
	"database.host", "database.port", "database.user", "database.password", "database.name",
	"redis.host", "redis.port", "redis.password", "redis.db",
	"kafka.brokers",
	"gateway.secret_key",
	"webhook.secret",
	"smtp.host", "smtp.username", "smtp.password", "smtp.from",
	"server.request_timeout",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("kafka.topic.notification", "giftpocket.notification")
	v.SetDefault("kafka.topic.alert", "giftpocket.alert")

	v.SetDefault("gateway.provider", "flutterwave")
	v.SetDefault("gateway.base_url", "https://api.flutterwave.com/v3")
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.max_attempts", 3)
	v.SetDefault("gateway.backoff", []string{"1s", "5s", "15s"})

	v.SetDefault("webhook.signature_header", "X-Webhook-Signature")

	v.SetDefault("smtp.port", 587)

	v.SetDefault("business.recent_topups_limit", 10)
	v.SetDefault("business.outbox_max_retry", 5)
	v.SetDefault("business.pending_sweep_after", 15*time.Minute)
	v.SetDefault("business.sweep_interval", time.Minute)
	v.SetDefault("business.replay_interval", 30*time.Second)
	v.SetDefault("business.lock_ttl", 2*time.Minute)
	v.SetDefault("business.notify_queue_size", 1024)
	v.SetDefault("business.notify_workers", 2)

	v.SetDefault("log.level", "info")
}

// LoadConfig reads the YAML file at configPath. Values from a .env file, when
// present, are loaded into the environment first, and GIFTPOCKET_* variables
// override the file.
func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("giftpocket")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = cfg.Gateway.Budget() + 5*time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Webhook.Secret == "" {
		return ErrMissingWebhookSecret
	}
	if c.Gateway.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Database.Driver)
	}
	return nil
}
