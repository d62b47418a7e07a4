package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	mu sync.Mutex `yaml:"-"`

	Namespace string `yaml:"namespace"`
	DeviceID  string `yaml:"device_id"`

	Database  DatabaseConfig  `yaml:"database"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Backend   BackendConfig   `yaml:"backend"`
	Messaging MessagingConfig `yaml:"messaging"`
	Lease     LeaseConfig     `yaml:"lease"`
	Web       WebConfig       `yaml:"web"`
}

// DatabaseConfig selects the local storage engine.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig defines the on-device database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig defines a Postgres connection for kiosk installs with a local server.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// OutboxConfig controls the drain loop, retry backoff and retention.
type OutboxConfig struct {
	DrainInterval    time.Duration `yaml:"drain_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	RetentionMinutes int           `yaml:"retention_minutes"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	MaxRetries       int           `yaml:"max_retries"`
}

// BackendConfig defines the central inventory backend.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the sync transport.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// MessagingConfig defines how confirmations leave the device.
type MessagingConfig struct {
	Transport         string        `yaml:"transport"` // "http", "mqtt" or "kafka"
	MQTT              MQTTConfig    `yaml:"mqtt"`
	Kafka             KafkaConfig   `yaml:"kafka"`
	ConfirmTopic      string        `yaml:"confirm_topic"`
	DispatchTopic     string        `yaml:"dispatch_topic"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	ClientID       string        `yaml:"client_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

// LeaseConfig selects the single-writer drain lease. An empty backend disables it.
type LeaseConfig struct {
	Backend string        `yaml:"backend"` // "", "store" or "redis"
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig defines the Redis used for a shared lease.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WebConfig defines the local API server.
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Namespace: "dc-1",
		DeviceID:  "handheld-1",
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "pickedge.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "pickedge",
				User:     "pickedge",
				SSLMode:  "disable",
			},
		},
		Outbox: OutboxConfig{
			DrainInterval:    5 * time.Second,
			CleanupInterval:  10 * time.Minute,
			RetentionMinutes: 24 * 60,
			BackoffBase:      2 * time.Second,
			BackoffMax:       5 * time.Minute,
			MaxRetries:       10,
		},
		Backend: BackendConfig{
			URL:     "http://localhost:8080/api",
			Timeout: 10 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Messaging: MessagingConfig{
			Transport:         "http",
			ConfirmTopic:      "pickedge/confirmations",
			DispatchTopic:     "pickedge/dispatch",
			HeartbeatInterval: 60 * time.Second,
			MQTT: MQTTConfig{
				Broker:         "localhost",
				Port:           1883,
				ConnectTimeout: 10 * time.Second,
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
			},
		},
		Lease: LeaseConfig{
			TTL: 30 * time.Second,
			Redis: RedisConfig{
				Address: "localhost:6379",
			},
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
	}
}

// Load reads a YAML config file. If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// StationID returns the address this device uses on the wire.
func (c *Config) StationID() string {
	return c.Namespace + "." + c.DeviceID
}

// ClientID returns the MQTT client ID, derived from the station ID when unset.
func (c *Config) ClientID() string {
	if c.Messaging.MQTT.ClientID != "" {
		return c.Messaging.MQTT.ClientID
	}
	return "pickedge-" + c.StationID()
}

// KafkaGroupID returns the consumer group, unique per device so each gets every dispatch.
func (c *Config) KafkaGroupID() string {
	if c.Messaging.Kafka.GroupID != "" {
		return c.Messaging.Kafka.GroupID
	}
	return "pickedge-" + c.StationID()
}
