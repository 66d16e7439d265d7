// Package config loads and validates hnsnap configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/hnsnap/internal/hn"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Export    ExportConfig    `mapstructure:"export"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Neo4j     Neo4jConfig     `mapstructure:"neo4j"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// APIConfig points the fetcher at the Hacker News API.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Version        string        `mapstructure:"version"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// CrawlerConfig governs the worker pool and run bounds.
type CrawlerConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	Timeout       time.Duration `mapstructure:"timeout"`
	DrainGrace    time.Duration `mapstructure:"drain_grace"`
	Lists         []string      `mapstructure:"lists"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the status and metrics HTTP server.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	LogEnabled  bool          `mapstructure:"log_enabled"`
	BufferSize  int           `mapstructure:"buffer_size"`
	BatchEvents int           `mapstructure:"batch_events"`
	BatchWait   time.Duration `mapstructure:"batch_wait"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

// ExportConfig bounds the post-run exporters.
type ExportConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Prefix  string        `mapstructure:"prefix"`
}

// StorageConfig selects the snapshot blob backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the Postgres record table.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the completion notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig configures the record stream.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Neo4jConfig configures the graph writer.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// RedisConfig configures the run status store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// TelemetryConfig controls OpenTelemetry tracing. Spans go to Google Cloud
// Trace when ProjectID is set.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional file and HNSNAP_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HNSNAP")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://hacker-news.firebaseio.com")
	v.SetDefault("api.version", "v0")
	v.SetDefault("api.user_agent", "hnsnap/0.1")
	v.SetDefault("api.request_timeout", 10*time.Second)
	v.SetDefault("api.rate_per_second", 0)
	v.SetDefault("api.burst", 1)
	v.SetDefault("crawler.workers", 64)
	v.SetDefault("crawler.queue_capacity", 2000)
	v.SetDefault("crawler.timeout", 60*time.Second)
	v.SetDefault("crawler.drain_grace", 10*time.Second)
	v.SetDefault("crawler.lists", []string{"top", "new", "ask", "show", "job"})
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch_events", 256)
	v.SetDefault("progress.batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 2*time.Second)
	v.SetDefault("export.timeout", 2*time.Minute)
	v.SetDefault("export.prefix", "snapshots")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("database.table", "hn_records")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("kafka.topic", "hn-records")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("redis.key_prefix", "hnsnap:run:")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "hnsnap")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url must be set")
	}
	if c.API.RequestTimeout <= 0 {
		return errors.New("api.request_timeout must be > 0")
	}
	if c.API.RatePerSecond < 0 {
		return errors.New("api.rate_per_second must be >= 0")
	}
	if c.Crawler.Workers <= 0 {
		return errors.New("crawler.workers must be > 0")
	}
	if c.Crawler.QueueCapacity <= 0 {
		return errors.New("crawler.queue_capacity must be > 0")
	}
	if c.Crawler.Timeout < 0 || c.Crawler.DrainGrace < 0 {
		return errors.New("crawler.timeout and crawler.drain_grace must be >= 0")
	}
	if _, err := c.Crawler.FrontierLists(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic must be set when brokers are configured")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// FrontierLists parses the configured list names.
func (c CrawlerConfig) FrontierLists() ([]hn.List, error) {
	if len(c.Lists) == 0 {
		return nil, errors.New("crawler.lists must name at least one list")
	}
	out := make([]hn.List, 0, len(c.Lists))
	for _, name := range c.Lists {
		list, err := hn.ParseList(name)
		if err != nil {
			return nil, fmt.Errorf("crawler.lists: %w", err)
		}
		out = append(out, list)
	}
	return out, nil
}
