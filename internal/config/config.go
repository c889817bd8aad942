package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CollectorConfig is the root configuration for a collector instance.
type CollectorConfig struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Feed          FeedConfig          `yaml:"feed"`
	Database      DBConfig            `yaml:"database"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Writer        WriterConfig        `yaml:"writer"`
	Partitions    PartitionsConfig    `yaml:"partitions"`
	Reconstruct   ReconstructConfig   `yaml:"reconstruct"`
	Health        HealthConfig        `yaml:"health"`
}

// InstanceConfig identifies this collector.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig holds upstream feed connection settings.
type FeedConfig struct {
	URL                string        `yaml:"url"`
	APIKey             string        `yaml:"api_key"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	SubscribeTimeout   time.Duration `yaml:"subscribe_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MessageBufferSize  int           `yaml:"message_buffer_size"`
}

// DBConfig holds the Postgres connection for partitioned time-series storage.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SubscriptionsConfig holds subscription manager settings.
type SubscriptionsConfig struct {
	Ceiling           int     `yaml:"ceiling"`
	BatchSize         int     `yaml:"batch_size"`
	CommandsPerSecond float64 `yaml:"commands_per_second"`
}

// WriterConfig holds storage writer settings.
type WriterConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	HighWater        int           `yaml:"high_water"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// PartitionsConfig holds partition manager settings.
type PartitionsConfig struct {
	DaysAhead int `yaml:"days_ahead"`
}

// ReconstructConfig holds reconstruction service settings.
type ReconstructConfig struct {
	StrictIntegrity bool        `yaml:"strict_integrity"`
	Cache           CacheConfig `yaml:"cache"`
}

// CacheConfig holds the optional Redis hot cache for reconstructions.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file and expands ${VAR} environment variables.
func Load(path string) (*CollectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg CollectorConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*CollectorConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
