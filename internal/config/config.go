// Package config loads mqbox settings from an optional YAML file overlaid by
// MQBOX_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/SWAI-Ltd/mqbox/internal/discovery"
	"github.com/SWAI-Ltd/mqbox/internal/registry"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MQBOX_"

const (
	RegistryNATS = "nats"
	RegistryMDNS = "mdns"
)

// Config is the top-level mqbox configuration.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Broker   BrokerConfig   `yaml:"broker"`
	Log      LogConfig      `yaml:"log"`
}

// RegistryConfig selects and configures the name registry.
type RegistryConfig struct {
	Kind string     `yaml:"kind" env:"REGISTRY_KIND"`
	NATS NATSConfig `yaml:"nats"`
	MDNS MDNSConfig `yaml:"mdns"`
}

// NATSConfig holds the JetStream KeyValue registry settings.
type NATSConfig struct {
	URL            string        `yaml:"url" env:"NATS_URL"`
	Bucket         string        `yaml:"bucket" env:"NATS_BUCKET"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"NATS_CONNECT_TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries" env:"NATS_MAX_RETRIES"`
	// TTL frees the name of a broker that exited without unbinding.
	TTL            time.Duration `yaml:"ttl" env:"NATS_TTL"`
}

// MDNSConfig holds the local network registry settings.
type MDNSConfig struct {
	BrowseTimeout time.Duration `yaml:"browse_timeout" env:"MDNS_BROWSE_TIMEOUT"`
}

// BrokerConfig holds the settings of `mq broker`.
type BrokerConfig struct {
	Listen              string        `yaml:"listen" env:"BROKER_LISTEN"`
	Advertise           string        `yaml:"advertise" env:"BROKER_ADVERTISE"`
	DeliveryTimeout     time.Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`
	NotifyTimeout       time.Duration `yaml:"notify_timeout" env:"NOTIFY_TIMEOUT"`
	LeaseDuration       time.Duration `yaml:"lease_duration" env:"LEASE_DURATION"`
	MaxObserverFailures int           `yaml:"max_observer_failures" env:"MAX_OBSERVER_FAILURES"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Load reads the YAML file at path, applies environment overrides and
// returns a validated Config. An empty path skips the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies environment overrides and returns a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Registry.Kind == "" {
		c.Registry.Kind = RegistryNATS
	}
	if c.Registry.NATS.URL == "" {
		c.Registry.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Registry.NATS.ConnectTimeout == 0 {
		c.Registry.NATS.ConnectTimeout = 5 * time.Second
	}
	if c.Registry.NATS.TTL == 0 {
		c.Registry.NATS.TTL = 30 * time.Second
	}
	if c.Registry.MDNS.BrowseTimeout == 0 {
		c.Registry.MDNS.BrowseTimeout = discovery.DefaultBrowseTimeout
	}
	if c.Broker.Listen == "" {
		c.Broker.Listen = ":0"
	}
	if c.Broker.DeliveryTimeout == 0 {
		c.Broker.DeliveryTimeout = 2 * time.Second
	}
	if c.Broker.NotifyTimeout == 0 {
		c.Broker.NotifyTimeout = 2 * time.Second
	}
	if c.Broker.LeaseDuration == 0 {
		c.Broker.LeaseDuration = 30 * time.Second
	}
	if c.Broker.MaxObserverFailures == 0 {
		c.Broker.MaxObserverFailures = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all fields are consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Registry.Kind {
	case RegistryNATS, RegistryMDNS:
	default:
		errs = append(errs, fmt.Sprintf("registry.kind %q must be nats or mdns", c.Registry.Kind))
	}
	if c.Registry.NATS.TTL < time.Second {
		errs = append(errs, "registry.nats.ttl must be at least 1s")
	}
	if c.Broker.DeliveryTimeout < 0 {
		errs = append(errs, "broker.delivery_timeout must not be negative")
	}
	if c.Broker.NotifyTimeout < 0 {
		errs = append(errs, "broker.notify_timeout must not be negative")
	}
	if c.Broker.LeaseDuration < time.Second {
		errs = append(errs, "broker.lease_duration must be at least 1s")
	}
	if c.Broker.MaxObserverFailures < 1 {
		errs = append(errs, "broker.max_observer_failures must be at least 1")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err.Error())
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// Logger builds the slog logger described by c, writing to w.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Open connects to the configured registry backend.
func (c RegistryConfig) Open(logger *slog.Logger) (registry.Registry, error) {
	switch c.Kind {
	case RegistryMDNS:
		return discovery.NewRegistry(discovery.Config{BrowseTimeout: c.MDNS.BrowseTimeout, Logger: logger})
	case RegistryNATS:
		return registry.NewNATS(&registry.NATSConfig{
			URL:            c.NATS.URL,
			Bucket:         c.NATS.Bucket,
			ConnectTimeout: c.NATS.ConnectTimeout,
			MaxRetries:     c.NATS.MaxRetries,
			TTL:            c.NATS.TTL,
		})
	default:
		return nil, fmt.Errorf("config: unknown registry kind %q", c.Kind)
	}
}
