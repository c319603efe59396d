package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the config directory
const FileName = "thenmore.yaml"

// APIConfig configures the HTTP API
type APIConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig configures timer persistence
type StoreConfig struct {
	Path string `yaml:"path"`
	Key  string `yaml:"key"`
}

// MQTTConfig configures the optional MQTT event mirror. Disabled when Broker is empty.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	TopicRoot string `yaml:"topic_root"`
}

// Config is the complete runtime configuration
type Config struct {
	API   APIConfig   `yaml:"api"`
	Store StoreConfig `yaml:"store"`
	MQTT  MQTTConfig  `yaml:"mqtt"`

	// Set from the environment
	HAURL    string `yaml:"-"`
	HAToken  string `yaml:"-"`
	ReadOnly bool   `yaml:"-"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		API: APIConfig{
			Port:           8081,
			AllowedOrigins: []string{"http://localhost", "https://localhost"},
		},
		Store: StoreConfig{
			Path: "data/thenmore.db",
			Key:  "timers",
		},
		MQTT: MQTTConfig{
			ClientID:  "thenmore",
			TopicRoot: "thenmore",
		},
	}
}

// Loader reads the configuration file from a directory
type Loader struct {
	configDir string
	logger    *zap.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// Load reads thenmore.yaml. A missing file yields the defaults; fields left
// out of the file keep their default values.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	path := filepath.Join(l.configDir, FileName)
	l.logger.Debug("Loading config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("No config file found, using defaults", zap.String("path", path))
		l.resolvePaths(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	l.resolvePaths(cfg)
	if cfg.Store.Key == "" {
		cfg.Store.Key = "timers"
	}

	l.logger.Info("Config loaded",
		zap.String("path", path),
		zap.Int("api_port", cfg.API.Port),
		zap.Bool("mqtt", cfg.MQTT.Broker != ""))
	return cfg, nil
}

// resolvePaths makes a relative store path relative to the config directory
func (l *Loader) resolvePaths(cfg *Config) {
	if cfg.Store.Path != "" && !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(l.configDir, cfg.Store.Path)
	}
}

// ApplyEnv copies HA_URL, HA_TOKEN and READ_ONLY into cfg
func (c *Config) ApplyEnv(getenv func(string) string) {
	c.HAURL = getenv("HA_URL")
	c.HAToken = getenv("HA_TOKEN")
	c.ReadOnly = isTrue(getenv("READ_ONLY"))
}

// DebugEnabled reports whether DEBUG asks for development logging. It is read
// before the config file because the loader itself logs.
func DebugEnabled(getenv func(string) string) bool {
	return isTrue(getenv("DEBUG"))
}

// Validate checks the settings required to run the daemon
func (c *Config) Validate() error {
	if c.HAURL == "" || c.HAToken == "" {
		return fmt.Errorf("HA_URL and HA_TOKEN environment variables must be set")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path must be set")
	}
	return nil
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
