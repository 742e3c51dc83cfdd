package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Stats    StatsConfig    `yaml:"stats"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Registry RegistryConfig `yaml:"registry"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents REST and websocket configuration
type APIConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// WSSendBuffer is the per-client event queue; a client that falls this
	// far behind is disconnected
	WSSendBuffer int `yaml:"ws_send_buffer"`
}

// DatabaseConfig represents database configuration. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	Migrate      bool   `yaml:"migrate"`
}

// MQTTConfig represents the broker connection
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// Encoding is the frame encoding on the wire: hex or binary
	Encoding string `yaml:"encoding"`
}

// NATSConfig represents NATS configuration. An empty URL disables NATS.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
}

// JWTConfig represents JWT configuration. An empty secret leaves the
// control routes open.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IngestConfig sizes the ingestion workers
type IngestConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// StatsConfig configures missed-message detection and counter persistence
type StatsConfig struct {
	Shards        int                      `yaml:"shards"`
	GraceRatio    float64                  `yaml:"grace_ratio"`
	Intervals     map[string]time.Duration `yaml:"intervals"`
	SweepInterval time.Duration            `yaml:"sweep_interval"`
	FlushInterval time.Duration            `yaml:"flush_interval"`
}

// DispatchConfig configures downlink publishing
type DispatchConfig struct {
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// RegistryConfig configures the session registry
type RegistryConfig struct {
	Shards          int           `yaml:"shards"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applying defaults and env overrides
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{Name: "gateway-server", Version: "dev"},
		API: APIConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
			RequestTimeout: 60 * time.Second,
			WSSendBuffer:   256,
		},
		Database: DatabaseConfig{MaxOpenConns: 25, MaxIdleConns: 5, Migrate: true},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "gateway-server",
			TopicPrefix:    "device",
			QoS:            1,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			Encoding:       "hex",
		},
		NATS: NATSConfig{
			ClientID:          "gateway-server",
			MaxReconnects:     -1,
			ReconnectInterval: 2 * time.Second,
			SubjectPrefix:     "gateway",
		},
		JWT: JWTConfig{Issuer: "gateway-server"},
		Log: LogConfig{Level: "info", Format: "console"},
		Ingest: IngestConfig{
			Workers:        8,
			QueueSize:      256,
			PersistTimeout: 5 * time.Second,
			StatusInterval: time.Second,
		},
		Stats: StatsConfig{
			Shards:        32,
			GraceRatio:    0.5,
			SweepInterval: 10 * time.Second,
			FlushInterval: 30 * time.Second,
		},
		Dispatch: DispatchConfig{PublishTimeout: 5 * time.Second},
		Registry: RegistryConfig{
			Shards:          32,
			SessionTTL:      10 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// Validate checks the values the services cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS))
	}
	if c.MQTT.Encoding != "hex" && c.MQTT.Encoding != "binary" {
		errs = append(errs, fmt.Errorf("mqtt.encoding %q is not hex or binary", c.MQTT.Encoding))
	}
	if c.Ingest.Workers <= 0 || c.Ingest.QueueSize <= 0 {
		errs = append(errs, errors.New("ingest.workers and ingest.queue_size must be positive"))
	}
	if c.Stats.GraceRatio < 0 {
		errs = append(errs, errors.New("stats.grace_ratio must not be negative"))
	}
	for cmd, iv := range c.Stats.Intervals {
		if iv <= 0 {
			errs = append(errs, fmt.Errorf("stats.intervals.%s must be positive", cmd))
		}
	}
	if c.Stats.SweepInterval <= 0 || c.Stats.FlushInterval <= 0 {
		errs = append(errs, errors.New("stats.sweep_interval and stats.flush_interval must be positive"))
	}
	if c.Dispatch.PublishTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.publish_timeout must be positive"))
	}
	if c.Registry.SessionTTL <= 0 || c.Registry.CleanupInterval <= 0 {
		errs = append(errs, errors.New("registry.session_ttl and registry.cleanup_interval must be positive"))
	}

	return errors.Join(errs...)
}

// Addr returns the REST listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	store := "memory"
	if c.Database.DSN != "" {
		store = "postgres"
	}
	log.Info().
		Str("name", c.Server.Name).
		Str("version", c.Server.Version).
		Str("api", c.Addr()).
		Str("mqtt", c.MQTT.Broker).
		Str("topicPrefix", c.MQTT.TopicPrefix).
		Str("encoding", c.MQTT.Encoding).
		Str("store", store).
		Bool("nats", c.NATS.URL != "").
		Bool("auth", c.JWT.Secret != "").
		Int("workers", c.Ingest.Workers).
		Msg("configuration loaded")
}
