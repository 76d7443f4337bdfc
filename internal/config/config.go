// Package config loads the sitepresence configuration from YAML or TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	User      UserConfig      `yaml:"user" toml:"user"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Tracking  TrackingConfig  `yaml:"tracking" toml:"tracking"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	MQTT      MQTTConfig      `yaml:"mqtt" toml:"mqtt"`
	Sites     SitesConfig     `yaml:"sites" toml:"sites"`
	Source    SourceConfig    `yaml:"source" toml:"source"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify"`
	Snapshot  SnapshotConfig  `yaml:"snapshot" toml:"snapshot"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	API       APIConfig       `yaml:"api" toml:"api"`
}

type UserConfig struct {
	ID string `yaml:"id" toml:"id"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug|info|warn|error
	Format string `yaml:"format" toml:"format"` // text|json
}

type TrackingConfig struct {
	MinUpdateInterval time.Duration `yaml:"min_update_interval" toml:"min_update_interval"`
	MaxAccuracy       float64       `yaml:"max_accuracy" toml:"max_accuracy"`
	HysteresisBuffer  float64       `yaml:"hysteresis_buffer" toml:"hysteresis_buffer"`
	DwellTime         time.Duration `yaml:"dwell_time" toml:"dwell_time"`
	ObservationWindow time.Duration `yaml:"observation_window" toml:"observation_window"`
	PollInterval      time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	MaxFixAge         time.Duration `yaml:"max_fix_age" toml:"max_fix_age"`
}

type QueueConfig struct {
	SyncInterval    time.Duration `yaml:"sync_interval" toml:"sync_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
	Retention       time.Duration `yaml:"retention" toml:"retention"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // sqlite|journal
	Path    string `yaml:"path" toml:"path"`
}

type TransportConfig struct {
	Kind       string        `yaml:"kind" toml:"kind"` // http|grpc|mqtt
	BaseURL    string        `yaml:"base_url" toml:"base_url"`
	Token      string        `yaml:"token" toml:"token"`
	GRPCAddr   string        `yaml:"grpc_addr" toml:"grpc_addr"`
	MQTTTopic  string        `yaml:"mqtt_topic" toml:"mqtt_topic"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
	Attempts   int           `yaml:"attempts" toml:"attempts"`
	RetryDelay time.Duration `yaml:"retry_delay" toml:"retry_delay"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker" toml:"broker"`
	ClientID string `yaml:"client_id" toml:"client_id"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

type SitesConfig struct {
	File  string `yaml:"file" toml:"file"`
	Watch bool   `yaml:"watch" toml:"watch"`
}

type SourceConfig struct {
	PositionTopic string `yaml:"position_topic" toml:"position_topic"`
	RegionTopic   string `yaml:"region_topic" toml:"region_topic"`
}

type NotifyConfig struct {
	Kind    string `yaml:"kind" toml:"kind"` // log|dbus|none
	AppName string `yaml:"app_name" toml:"app_name"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path" toml:"path"`
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Port    int  `yaml:"port" toml:"port"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")

	setDuration(&c.Tracking.MinUpdateInterval, 20*time.Second)
	setFloat(&c.Tracking.MaxAccuracy, 100)
	setFloat(&c.Tracking.HysteresisBuffer, 20)
	setDuration(&c.Tracking.DwellTime, 90*time.Second)
	setDuration(&c.Tracking.ObservationWindow, 30*time.Second)
	setDuration(&c.Tracking.PollInterval, 25*time.Second)
	setDuration(&c.Tracking.MaxFixAge, 2*time.Minute)

	setDuration(&c.Queue.SyncInterval, time.Minute)
	setDuration(&c.Queue.CleanupInterval, 24*time.Hour)
	setDuration(&c.Queue.Retention, 30*24*time.Hour)

	setString(&c.Storage.Backend, "sqlite")
	setString(&c.Storage.Path, "data/queue.db")

	setString(&c.Transport.Kind, "http")
	setString(&c.Transport.MQTTTopic, "sitepresence/{user_id}/events")
	setDuration(&c.Transport.Timeout, 30*time.Second)
	if c.Transport.Attempts == 0 {
		c.Transport.Attempts = 2
	}
	setDuration(&c.Transport.RetryDelay, 2*time.Second)

	setString(&c.MQTT.ClientID, "sitepresence")

	setString(&c.Sites.File, "configs/sites.yaml")

	setString(&c.Notify.Kind, "log")
	setString(&c.Notify.AppName, "sitepresence")

	setString(&c.Snapshot.Path, "data/state.json")
	setDuration(&c.Snapshot.Interval, time.Minute)

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	setString(&c.API.Addr, "127.0.0.1:8088")
}

// Validate checks values the agent cannot run without.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.User.ID) == "" {
		errs = append(errs, errors.New("user.id is required"))
	}
	switch c.Storage.Backend {
	case "sqlite", "journal":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be sqlite or journal, got %q", c.Storage.Backend))
	}
	switch c.Transport.Kind {
	case "http":
		if c.Transport.BaseURL == "" {
			errs = append(errs, errors.New("transport.base_url is required for http transport"))
		}
	case "grpc":
		if c.Transport.GRPCAddr == "" {
			errs = append(errs, errors.New("transport.grpc_addr is required for grpc transport"))
		}
	case "mqtt":
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required for mqtt transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be http, grpc or mqtt, got %q", c.Transport.Kind))
	}
	if (c.Source.PositionTopic != "" || c.Source.RegionTopic != "") && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when source topics are set"))
	}
	if c.Transport.Attempts < 1 {
		errs = append(errs, errors.New("transport.attempts must be at least 1"))
	}
	switch c.Notify.Kind {
	case "log", "dbus", "none":
	default:
		errs = append(errs, fmt.Errorf("notify.kind must be log, dbus or none, got %q", c.Notify.Kind))
	}
	if c.Tracking.MaxAccuracy <= 0 {
		errs = append(errs, errors.New("tracking.max_accuracy must be positive"))
	}
	if c.Tracking.HysteresisBuffer < 0 {
		errs = append(errs, errors.New("tracking.hysteresis_buffer must not be negative"))
	}

	return errors.Join(errs...)
}

// Load reads path, decoding TOML for a .toml extension and YAML otherwise,
// then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setDuration(p *time.Duration, v time.Duration) {
	if *p == 0 {
		*p = v
	}
}

func setFloat(p *float64, v float64) {
	if *p == 0 {
		*p = v
	}
}
