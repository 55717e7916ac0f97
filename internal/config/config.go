package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Spool        SpoolConfig        `yaml:"spool"`
	Pool         PoolConfig         `yaml:"pool"`
	Reaper       ReaperConfig       `yaml:"reaper"`
	Quota        QuotaConfig        `yaml:"quota"`
	Transport    TransportConfig    `yaml:"transport"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Destinations DestinationsConfig `yaml:"destinations"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Secrets      SecretsConfig      `yaml:"secrets"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SpoolConfig struct {
	ScratchDir string `yaml:"scratch_dir"`
	Debug      bool   `yaml:"debug"`
}

type PoolConfig struct {
	MinWorkers  int           `yaml:"min_workers"`
	MaxWorkers  int           `yaml:"max_workers"`
	QueueSize   int           `yaml:"queue_size"`
	SubmitWait  time.Duration `yaml:"submit_wait"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type ReaperConfig struct {
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type QuotaConfig struct {
	ExceptionGroup string   `yaml:"exception_group"`
	Groups         []string `yaml:"groups"`
}

type TransportConfig struct {
	Binary     string        `yaml:"binary"`
	Protocol   string        `yaml:"protocol"`
	DummyDelay time.Duration `yaml:"dummy_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ClassifierConfig struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`
}

type DestinationsConfig struct {
	HealthCheckInterval time.Duration       `yaml:"health_check_interval"`
	ConnectionTimeout   time.Duration       `yaml:"connection_timeout"`
	Port                int                 `yaml:"port"`
	Static              []StaticDestination `yaml:"static"`
}

// StaticDestination is upserted into the store on startup.
type StaticDestination struct {
	Name     string `yaml:"name"`
	Queue    string `yaml:"queue"`
	Path     string `yaml:"path"`
	Domain   string `yaml:"domain"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type WebhooksConfig struct {
	Endpoints  []WebhookEndpoint `yaml:"endpoints"`
	RetryCount int               `yaml:"retry_count"`
	RetryDelay time.Duration     `yaml:"retry_delay"`
	Timeout    time.Duration     `yaml:"timeout"`
	Workers    int               `yaml:"workers"`
	QueueSize  int               `yaml:"queue_size"`
}

type WebhookEndpoint struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type SecretsConfig struct {
	// Key is a hex encoded 32 byte key sealing destination passwords.
	Key string `yaml:"key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "./data/printd.db",
		},
		Spool: SpoolConfig{
			ScratchDir: "/tmp/printd",
		},
		Pool: PoolConfig{
			MinWorkers:  5,
			MaxWorkers:  30,
			QueueSize:   300,
			SubmitWait:  30 * time.Second,
			IdleTimeout: 10 * time.Minute,
		},
		Reaper: ReaperConfig{
			Schedule: "@every 1m",
			MaxAge:   30 * time.Minute,
		},
		Quota: QuotaConfig{
			ExceptionGroup: "520-NUS Users",
		},
		Transport: TransportConfig{
			Binary:     "smbclient",
			Protocol:   "SMB3",
			DummyDelay: time.Second,
			Timeout:    5 * time.Minute,
		},
		Classifier: ClassifierConfig{
			Binary:  "gs",
			Timeout: 2 * time.Minute,
		},
		Destinations: DestinationsConfig{
			HealthCheckInterval: 30 * time.Second,
			ConnectionTimeout:   5 * time.Second,
			Port:                445,
		},
		Webhooks: WebhooksConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
			Workers:    2,
			QueueSize:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at configPath over the defaults. A missing file
// is not an error. Environment overrides are applied last.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

// loadDotEnv exports the variables of a .env file in the working directory.
// Variables already present in the environment are left alone.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}
}

func (c *Config) applyEnv() {
	loadDotEnv()

	if v := os.Getenv("PRINTD_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("PRINTD_SCRATCH_DIR"); v != "" {
		c.Spool.ScratchDir = v
	}

	if v := os.Getenv("PRINTD_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			c.Spool.Debug = debug
		}
	}

	if v := os.Getenv("PRINTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("PRINTD_SECRET_KEY"); v != "" {
		c.Secrets.Key = v
	}
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Spool.ScratchDir == "" {
		return fmt.Errorf("scratch dir is required")
	}

	if c.Pool.MinWorkers < 1 {
		return fmt.Errorf("min workers must be at least 1")
	}

	if c.Pool.MaxWorkers < c.Pool.MinWorkers {
		return fmt.Errorf("max workers (%d) must not be less than min workers (%d)", c.Pool.MaxWorkers, c.Pool.MinWorkers)
	}

	if c.Pool.QueueSize < 0 {
		return fmt.Errorf("queue size must be non-negative")
	}

	if c.Pool.SubmitWait < 0 {
		return fmt.Errorf("submit wait must be non-negative")
	}

	if c.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}

	if c.Reaper.Schedule == "" {
		return fmt.Errorf("reaper schedule is required")
	}

	if c.Reaper.MaxAge <= 0 {
		return fmt.Errorf("reaper max age must be positive")
	}

	if c.Transport.Timeout < 0 || c.Transport.DummyDelay < 0 {
		return fmt.Errorf("transport durations must be non-negative")
	}

	if c.Classifier.Timeout < 0 {
		return fmt.Errorf("classifier timeout must be non-negative")
	}

	if c.Destinations.HealthCheckInterval < 0 {
		return fmt.Errorf("health check interval must be non-negative")
	}

	if c.Destinations.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	if c.Destinations.Port < 1 || c.Destinations.Port > 65535 {
		return fmt.Errorf("destination port must be between 1 and 65535, got %d", c.Destinations.Port)
	}

	seen := make(map[string]bool)
	for i, d := range c.Destinations.Static {
		if d.Name == "" {
			return fmt.Errorf("destinations.static[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("destinations.static[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: url is required", i)
		}
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	if c.Webhooks.Workers < 1 {
		return fmt.Errorf("webhook workers must be at least 1")
	}

	if c.Secrets.Key != "" && len(c.Secrets.Key) != 64 {
		return fmt.Errorf("secret key must be 64 hex characters")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
