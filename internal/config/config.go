package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs at start-up
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`

	Auth      AuthConfig      `yaml:"auth"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	PriceFeed PriceFeedConfig `yaml:"price_feed"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Log       LogConfig       `yaml:"log"`

	// BookBroadcastInterval is how often the order book is pushed to websocket clients
	BookBroadcastInterval time.Duration `yaml:"book_broadcast_interval"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type WebhookConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type PriceFeedConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"base_url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration that runs a self-contained in-memory exchange
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Auth: AuthConfig{
			JWTSecret: "my-secret-key",
			TokenTTL:  24 * time.Hour,
		},
		Webhook: WebhookConfig{
			Workers:   4,
			QueueSize: 1024,
			Timeout:   5 * time.Second,
		},
		PriceFeed: PriceFeedConfig{
			Enabled:  true,
			Interval: time.Minute,
			Timeout:  5 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "exchange.fills",
		},
		Log: LogConfig{
			Level: "info",
		},
		BookBroadcastInterval: time.Second,
	}
}

// Load reads path over the defaults, or only the defaults when path is
// empty, and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("EXCHANGE_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		c.DatabaseURL = v
	}
	if v, ok := lookup("EXCHANGE_JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("EXCHANGE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("EXCHANGE_KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("EXCHANGE_KAFKA_TOPIC"); ok {
		c.Kafka.Topic = v
	}
	if v, ok := lookup("EXCHANGE_PRICE_FEED_URL"); ok {
		c.PriceFeed.BaseURL = v
	}
	if v, ok := lookup("EXCHANGE_PRICE_FEED_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EXCHANGE_PRICE_FEED_ENABLED: %w", err)
		}
		c.PriceFeed.Enabled = enabled
	}
	if v, ok := lookup("EXCHANGE_WEBHOOK_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EXCHANGE_WEBHOOK_WORKERS: %w", err)
		}
		c.Webhook.Workers = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects values the server cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must be set"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret must be set"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Webhook.Workers <= 0 {
		errs = append(errs, errors.New("webhook.workers must be positive"))
	}
	if c.Webhook.QueueSize < 0 {
		errs = append(errs, errors.New("webhook.queue_size must not be negative"))
	}
	if c.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("webhook.timeout must be positive"))
	}
	if c.PriceFeed.Enabled && c.PriceFeed.Interval <= 0 {
		errs = append(errs, errors.New("price_feed.interval must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic must be set when brokers are"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.BookBroadcastInterval <= 0 {
		errs = append(errs, errors.New("book_broadcast_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
