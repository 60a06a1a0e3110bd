package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow   TickflowConfig   `yaml:"tickflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Feed       FeedConfig       `yaml:"feed"`
	Pairs      []PairConfig     `yaml:"pairs"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Hub        HubConfig        `yaml:"hub"`
	Storage    StorageConfig    `yaml:"storage"`
	Retention  RetentionConfig  `yaml:"retention"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Region            string `yaml:"region"`
	Namespace         string `yaml:"namespace"`
	ReportInterval    time.Duration `yaml:"report_interval"`
}

type ChannelsConfig struct {
	TickBuffer int `yaml:"tick_buffer"`
}

type FeedConfig struct {
	URL                  string        `yaml:"url"`
	Token                string        `yaml:"token"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	SubscribeRatePerSec  int           `yaml:"subscribe_rate_per_sec"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
}

// PairConfig binds an internal pair symbol to its upstream feed symbol.
type PairConfig struct {
	Symbol      string `yaml:"symbol"`
	DisplayName string `yaml:"display_name"`
	FeedSymbol  string `yaml:"feed_symbol"`
	Active      bool   `yaml:"active"`
}

type ProcessorConfig struct {
	Workers int `yaml:"workers"`
}

type AggregatorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	StartupDelay time.Duration `yaml:"startup_delay"`
}

type HubConfig struct {
	Addr          string `yaml:"addr"`
	Path          string `yaml:"path"`
	HistorySize   int    `yaml:"history_size"`
	SessionBuffer int    `yaml:"session_buffer"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
}

type RetentionConfig struct {
	Interval      time.Duration `yaml:"interval"`
	TickDays      int           `yaml:"tick_days"`
	AggregateDays int           `yaml:"aggregate_days"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} placeholders in the raw YAML with environment
// variable values before unmarshalling. Unset variables expand to the empty
// string so validation can catch them.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	applyDefaults(&config)
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available
	if v := os.Getenv("FEED_TOKEN"); v != "" {
		config.Feed.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		config.Storage.Postgres.Password = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"
	cfg.Metrics.ReportInterval = 30 * time.Second
	cfg.Channels.TickBuffer = 1024
	cfg.Feed.MaxReconnectAttempts = 10
	cfg.Feed.SubscribeRatePerSec = 10
	cfg.Feed.ReadTimeout = 60 * time.Second
	cfg.Processor.Workers = 4
	cfg.Aggregator.Interval = time.Hour
	cfg.Aggregator.StartupDelay = 10 * time.Second
	cfg.Hub.Addr = ":8080"
	cfg.Hub.Path = "/ws"
	cfg.Hub.HistorySize = 50
	cfg.Hub.SessionBuffer = 64
	cfg.Storage.Postgres.Port = 5432
	cfg.Storage.Postgres.SSLMode = "disable"
	cfg.Retention.Interval = 24 * time.Hour
	cfg.Retention.TickDays = 7
	cfg.Retention.AggregateDays = 30
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}

	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}

	if cfg.Feed.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("feed.max_reconnect_attempts must be greater than 0")
	}

	if cfg.Channels.TickBuffer <= 0 {
		return fmt.Errorf("channels.tick_buffer must be greater than 0")
	}

	if cfg.Processor.Workers <= 0 {
		return fmt.Errorf("processor.workers must be greater than 0")
	}

	if cfg.Aggregator.Interval <= 0 {
		return fmt.Errorf("aggregator.interval must be greater than 0")
	}

	if len(cfg.Pairs) == 0 {
		return fmt.Errorf("at least one pair must be configured")
	}

	seen := make(map[string]struct{}, len(cfg.Pairs))
	feedSeen := make(map[string]struct{}, len(cfg.Pairs))
	for i, pair := range cfg.Pairs {
		if pair.Symbol == "" || pair.FeedSymbol == "" {
			return fmt.Errorf("pairs[%d]: symbol and feed_symbol are required", i)
		}
		if _, dup := seen[pair.Symbol]; dup {
			return fmt.Errorf("pairs[%d]: duplicate symbol %q", i, pair.Symbol)
		}
		if _, dup := feedSeen[pair.FeedSymbol]; dup {
			return fmt.Errorf("pairs[%d]: duplicate feed_symbol %q", i, pair.FeedSymbol)
		}
		seen[pair.Symbol] = struct{}{}
		feedSeen[pair.FeedSymbol] = struct{}{}
	}

	if cfg.Retention.TickDays <= 0 || cfg.Retention.AggregateDays <= 0 {
		return fmt.Errorf("retention windows must be greater than 0")
	}

	if cfg.Storage.Postgres.Host != "" && cfg.Storage.Postgres.DBName == "" {
		return fmt.Errorf("storage.postgres.dbname is required")
	}

	if IsProductionLike(AppEnvironment()) {
		if cfg.Storage.Postgres.Password == "" {
			return fmt.Errorf("storage.postgres.password is required in %s", AppEnvironment())
		}
	}

	if cfg.Storage.S3.Enabled && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
	}

	return nil
}

// DSN builds the Postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}
