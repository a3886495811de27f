package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"OpenCGM-Host/internal/auth"
	"OpenCGM-Host/pkg/logger"
)

// Config describes everything the host daemon loads at startup.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Plugins   PluginsConfig   `json:"plugins"`
	Storage   StorageConfig   `json:"storage"`
	Sync      SyncConfig      `json:"sync"`
	Collector CollectorConfig `json:"collector"`
	Alerting  AlertingConfig  `json:"alerting"`
	Auth      auth.Config     `json:"auth"`
	Logging   logger.Config   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig controls the descriptor API listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// PluginsConfig locates sideloaded packages and the registry configuration.
type PluginsConfig struct {
	Dir string `json:"dir"`
	// RegistryConfig is the YAML file with activation preferences and
	// per-plugin policies.
	RegistryConfig string `json:"registry_config"`
	Watch          bool   `json:"watch"`
	// LuaCallTimeoutMS bounds each call into a script plugin.
	LuaCallTimeoutMS int `json:"lua_call_timeout_ms"`
}

// LuaCallTimeout returns the script call bound as a duration.
func (p PluginsConfig) LuaCallTimeout() time.Duration {
	return time.Duration(p.LuaCallTimeoutMS) * time.Millisecond
}

// StorageConfig selects the settings and credential backends.
type StorageConfig struct {
	Settings    SettingsStoreConfig   `json:"settings"`
	Credentials CredentialStoreConfig `json:"credentials"`
}

// SettingsStoreConfig selects the per-plugin settings backend.
type SettingsStoreConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig describes a Redis connection.
type RedisConfig struct {
	Address   string `json:"address"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// CredentialStoreConfig selects the credential vault backend.
type CredentialStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	// KeyFile holds the hex encoded AES-256 key sealing stored secrets.
	KeyFile string `json:"key_file"`
}

// SyncConfig selects the source of safety limit updates.
type SyncConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	Redis    RedisConfig    `json:"redis"`
	Channel  string         `json:"channel"`
	// StaticFile is read once by the static driver.
	StaticFile string `json:"static_file"`
}

// RabbitMQConfig describes the queue settings payloads arrive on.
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Exchange string `json:"exchange"`
	Prefetch int    `json:"prefetch"`
}

// CollectorConfig tunes the background polling workers.
type CollectorConfig struct {
	IntervalSeconds int     `json:"interval_seconds"`
	Workers         int     `json:"workers"`
	RatePerSecond   float64 `json:"rate_per_second"`
	Burst           int     `json:"burst"`
	MaxAttempts     int     `json:"max_attempts"`
	QueueSize       int     `json:"queue_size"`
}

// Interval returns the polling interval.
func (c CollectorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// AlertingConfig selects where poll failure alerts go. Alerts always reach
// the audit log.
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig holds general runtime parameters.
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load parses the JSON configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults fills in fields the user left empty.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Plugins.Dir = resolve(baseDir, c.Plugins.Dir, "plugins")
	if c.Plugins.RegistryConfig != "" && !filepath.IsAbs(c.Plugins.RegistryConfig) {
		c.Plugins.RegistryConfig = filepath.Join(baseDir, c.Plugins.RegistryConfig)
	}
	if c.Plugins.LuaCallTimeoutMS <= 0 {
		c.Plugins.LuaCallTimeoutMS = 5000
	}

	if c.Storage.Settings.Driver == "" {
		c.Storage.Settings.Driver = "memory"
	}
	if c.Storage.Settings.Redis.KeyPrefix == "" {
		c.Storage.Settings.Redis.KeyPrefix = "cgmhost:settings:"
	}
	if c.Storage.Credentials.Driver == "" {
		c.Storage.Credentials.Driver = "memory"
	}
	if c.Storage.Credentials.KeyFile != "" && !filepath.IsAbs(c.Storage.Credentials.KeyFile) {
		c.Storage.Credentials.KeyFile = filepath.Join(baseDir, c.Storage.Credentials.KeyFile)
	}

	if c.Sync.Driver == "" {
		c.Sync.Driver = "static"
	}
	if c.Sync.RabbitMQ.Queue == "" {
		c.Sync.RabbitMQ.Queue = "cgmhost.settings"
	}
	if c.Sync.RabbitMQ.Prefetch <= 0 {
		c.Sync.RabbitMQ.Prefetch = 1
	}
	if c.Sync.Channel == "" {
		c.Sync.Channel = "cgmhost:settings"
	}
	if c.Sync.StaticFile != "" && !filepath.IsAbs(c.Sync.StaticFile) {
		c.Sync.StaticFile = filepath.Join(baseDir, c.Sync.StaticFile)
	}

	if c.Collector.IntervalSeconds <= 0 {
		c.Collector.IntervalSeconds = 300
	}
	if c.Collector.Workers <= 0 {
		c.Collector.Workers = 2
	}
	if c.Collector.RatePerSecond <= 0 {
		c.Collector.RatePerSecond = 1
	}
	if c.Collector.Burst <= 0 {
		c.Collector.Burst = 2
	}
	if c.Collector.MaxAttempts <= 0 {
		c.Collector.MaxAttempts = 3
	}
	if c.Collector.QueueSize <= 0 {
		c.Collector.QueueSize = 32
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return filepath.Join(baseDir, fallback)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
