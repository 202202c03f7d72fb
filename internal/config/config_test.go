package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/mqbox/internal/discovery"
)

const fullYAML = `
registry:
  kind: mdns
  nats:
    url: nats://10.0.0.5:4222
    bucket: brokers
    connect_timeout: 3s
    ttl: 15s
  mdns:
    browse_timeout: 500ms
broker:
  listen: ":4000"
  advertise: 10.0.0.7:4000
  delivery_timeout: 1s
  notify_timeout: 750ms
  lease_duration: 10s
  max_observer_failures: 5
log:
  level: debug
  format: json
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)

	assert.Equal(t, RegistryMDNS, cfg.Registry.Kind)
	assert.Equal(t, "nats://10.0.0.5:4222", cfg.Registry.NATS.URL)
	assert.Equal(t, "brokers", cfg.Registry.NATS.Bucket)
	assert.Equal(t, 3*time.Second, cfg.Registry.NATS.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Registry.NATS.TTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Registry.MDNS.BrowseTimeout)
	assert.Equal(t, BrokerConfig{
		Listen:              ":4000",
		Advertise:           "10.0.0.7:4000",
		DeliveryTimeout:     time.Second,
		NotifyTimeout:       750 * time.Millisecond,
		LeaseDuration:       10 * time.Second,
		MaxObserverFailures: 5,
	}, cfg.Broker)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, RegistryNATS, cfg.Registry.Kind)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Registry.NATS.URL)
	assert.Equal(t, 30*time.Second, cfg.Registry.NATS.TTL)
	assert.Equal(t, discovery.DefaultBrowseTimeout, cfg.Registry.MDNS.BrowseTimeout)
	assert.Equal(t, ":0", cfg.Broker.Listen)
	assert.Equal(t, 2*time.Second, cfg.Broker.DeliveryTimeout)
	assert.Equal(t, 30*time.Second, cfg.Broker.LeaseDuration)
	assert.Equal(t, 3, cfg.Broker.MaxObserverFailures)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("MQBOX_REGISTRY_KIND", "mdns")
	t.Setenv("MQBOX_NATS_URL", "nats://env:4222")
	t.Setenv("MQBOX_LEASE_DURATION", "45s")
	t.Setenv("MQBOX_LOG_LEVEL", "warn")

	cfg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)
	assert.Equal(t, RegistryMDNS, cfg.Registry.Kind)
	assert.Equal(t, "nats://env:4222", cfg.Registry.NATS.URL)
	assert.Equal(t, 45*time.Second, cfg.Broker.LeaseDuration)
	assert.Equal(t, "warn", cfg.Log.Level)
	// untouched by the environment
	assert.Equal(t, "brokers", cfg.Registry.NATS.Bucket)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"registry kind", "registry: {kind: zookeeper}", "registry.kind"},
		{"lease", "broker: {lease_duration: 10ms}", "lease_duration"},
		{"nats ttl", "registry: {nats: {ttl: 100ms}}", "registry.nats.ttl"},
		{"failures", "broker: {max_observer_failures: -1}", "max_observer_failures"},
		{"log level", "log: {level: loud}", "log.level"},
		{"log format", "log: {format: xml}", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Parse([]byte("registry: [unclosed"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":4000", cfg.Broker.Listen)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, ":0", cfg.Broker.Listen)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.Logger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Level: "debug", Format: "json"}.Logger(&buf).Debug("shown", "k", 1)
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestOpenRegistryErrors(t *testing.T) {
	_, err := RegistryConfig{Kind: "etcd"}.Open(nil)
	assert.Error(t, err)

	// nats with nothing listening fails after its retries
	_, err = RegistryConfig{Kind: RegistryNATS, NATS: NATSConfig{
		URL:            "nats://127.0.0.1:1",
		ConnectTimeout: 50 * time.Millisecond,
		MaxRetries:     1,
	}}.Open(nil)
	assert.Error(t, err)
}
