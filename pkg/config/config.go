// Package config loads and validates the context analyzer configuration from
// YAML files with environment-variable overrides. An optional .env file is
// applied to the process environment before the overrides are read.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// AnalyzerConfig controls where the corpora index, its buckets and the
// search-index mirror live on disk, and which directions are supported.
type AnalyzerConfig struct {
	DataDir      string   `yaml:"dataDir"`
	IndexFile    string   `yaml:"indexFile"`
	BucketsDir   string   `yaml:"bucketsDir"`
	MirrorDir    string   `yaml:"mirrorDir"`
	SyncOnAppend bool     `yaml:"syncOnAppend"`
	Languages    []string `yaml:"languages"`
}

// IndexPath returns the snapshot file path, resolved against DataDir when
// relative.
func (a AnalyzerConfig) IndexPath() string {
	return a.resolve(a.IndexFile)
}

func (a AnalyzerConfig) BucketsPath() string {
	return a.resolve(a.BucketsDir)
}

func (a AnalyzerConfig) MirrorPath() string {
	return a.resolve(a.MirrorDir)
}

func (a AnalyzerConfig) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.DataDir, p)
}

// KafkaConfig holds broker, topic and batching settings for the replicated
// translation-unit stream.
type KafkaConfig struct {
	Brokers    []string      `yaml:"brokers"`
	Topic      string        `yaml:"topic"`
	Partitions []int         `yaml:"partitions"`
	BatchSize  int           `yaml:"batchSize"`
	BatchWait  time.Duration `yaml:"batchWait"`
}

// RedisConfig holds the connection used to publish ingestion progress.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// PostgresConfig holds PostgreSQL connection parameters for import jobs.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics and health server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies a .env file from the
// working directory when one exists, and then environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the analyzer cannot start without.
func (c *Config) Validate() error {
	if c.Analyzer.DataDir == "" {
		return fmt.Errorf("analyzer.dataDir must be set")
	}
	if c.Analyzer.IndexFile == "" || c.Analyzer.BucketsDir == "" || c.Analyzer.MirrorDir == "" {
		return fmt.Errorf("analyzer.indexFile, analyzer.bucketsDir and analyzer.mirrorDir must be set")
	}
	if len(c.Analyzer.Languages) == 0 {
		return fmt.Errorf("analyzer.languages must list at least one direction")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic must be set")
	}
	if c.Kafka.BatchSize <= 0 {
		return fmt.Errorf("kafka.batchSize must be positive, got %d", c.Kafka.BatchSize)
	}
	for _, p := range c.Kafka.Partitions {
		if p < 0 || p > 0xFFFF {
			return fmt.Errorf("kafka partition %d does not fit a channel id", p)
		}
	}
	return nil
}

// defaultConfig returns a Config with defaults suited to local development.
func defaultConfig() *Config {
	return &Config{
		Analyzer: AnalyzerConfig{
			DataDir:    "data",
			IndexFile:  "corpora.idx",
			BucketsDir: "buckets",
			MirrorDir:  "mirror",
			Languages:  []string{"en:it", "it:en"},
		},
		Kafka: KafkaConfig{
			Brokers:   []string{"localhost:9092"},
			Topic:     "translation-units",
			BatchSize: 500,
			BatchWait: 2 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "context-analyzer",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "contextanalyzer",
			User:            "contextanalyzer",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads CA_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CA_DATA_DIR"); v != "" {
		cfg.Analyzer.DataDir = v
	}
	if v := os.Getenv("CA_LANGUAGES"); v != "" {
		cfg.Analyzer.Languages = strings.Split(v, ",")
	}
	if v := os.Getenv("CA_SYNC_ON_APPEND"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Analyzer.SyncOnAppend = b
		}
	}
	if v := os.Getenv("CA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CA_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("CA_KAFKA_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Kafka.BatchSize = n
		}
	}
	if v := os.Getenv("CA_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("CA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CA_POSTGRES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = b
		}
	}
	if v := os.Getenv("CA_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("CA_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("CA_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("CA_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("CA_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CA_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CA_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CA_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
