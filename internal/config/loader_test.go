package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
	return dir
}

func TestLoader_Load(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	dir := writeConfig(t, `
api:
  port: 9090
  allowed_origins:
    - http://homey.local
store:
  path: state/timers.db
mqtt:
  broker: tcp://broker.local:1883
  topic_root: home/thenmore
`)

	cfg, err := NewLoader(dir, logger).Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, []string{"http://homey.local"}, cfg.API.AllowedOrigins)
	assert.Equal(t, filepath.Join(dir, "state/timers.db"), cfg.Store.Path)
	assert.Equal(t, "timers", cfg.Store.Key, "key keeps its default")
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.Broker)
	assert.Equal(t, "thenmore", cfg.MQTT.ClientID, "client id keeps its default")
	assert.Equal(t, "home/thenmore", cfg.MQTT.TopicRoot)
}

func TestLoader_MissingFile(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	configDir := t.TempDir() // Empty directory

	cfg, err := NewLoader(configDir, logger).Load()
	require.NoError(t, err)
	assert.Equal(t, Default().API, cfg.API)
	assert.Equal(t, filepath.Join(configDir, "data", "thenmore.db"), cfg.Store.Path)
	assert.Equal(t, "timers", cfg.Store.Key)
	assert.Empty(t, cfg.MQTT.Broker, "mqtt is off by default")
}

func TestLoader_InvalidYAML(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	dir := writeConfig(t, "api: [not, a, map")

	_, err := NewLoader(dir, logger).Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		"HA_URL":    "ws://homeassistant.local:8123/api/websocket",
		"HA_TOKEN":  "secret",
		"READ_ONLY": "true",
	}

	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, env["HA_URL"], cfg.HAURL)
	assert.Equal(t, "secret", cfg.HAToken)
	assert.True(t, cfg.ReadOnly)
	assert.NoError(t, cfg.Validate())
}

func TestDebugEnabled(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"0", false},
		{"false", false},
		{"1", true},
		{"true", true},
		{"YES", true},
	}

	for _, tt := range tests {
		got := DebugEnabled(func(k string) string {
			if k == "DEBUG" {
				return tt.value
			}
			return ""
		})
		assert.Equal(t, tt.want, got, "DEBUG=%q", tt.value)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"complete", func(c *Config) {}, true},
		{"missing url", func(c *Config) { c.HAURL = "" }, false},
		{"missing token", func(c *Config) { c.HAToken = "" }, false},
		{"bad port", func(c *Config) { c.API.Port = 70000 }, false},
		{"no store path", func(c *Config) { c.Store.Path = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.HAURL = "ws://ha"
			cfg.HAToken = "token"
			tt.mutate(cfg)

			if tt.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
