package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Events      EventsConfig      `yaml:"events"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Health      HealthConfig      `yaml:"health"`
	Experiments ExperimentsConfig `yaml:"experiments"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	AdminToken  string `yaml:"admin_token"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type EventsConfig struct {
	URL string `yaml:"url"`
}

type DirectoryConfig struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	CacheTTLMs int    `yaml:"cache_ttl_ms"`
}

type DispatchConfig struct {
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
	MaxRetries       int `yaml:"max_retries"`
}

type HealthConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CoolDownMs       int `yaml:"cool_down_ms"`
}

type ExperimentsConfig struct {
	AutoComplete bool `yaml:"auto_complete"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Dispatch.DefaultTimeoutMs) * time.Millisecond
}

func (c *Config) DirectoryCacheTTL() time.Duration {
	return time.Duration(c.Directory.CacheTTLMs) * time.Millisecond
}

func (c *Config) BreakerCoolDown() time.Duration {
	return time.Duration(c.Health.CoolDownMs) * time.Millisecond
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8700,
			MetricsPort: 8701,
		},
		Events: EventsConfig{
			URL: "nats://localhost:4222",
		},
		Directory: DirectoryConfig{
			URL:        "http://localhost:8083",
			CacheTTLMs: 15000,
		},
		Dispatch: DispatchConfig{
			DefaultTimeoutMs: 30000,
			MaxRetries:       2,
		},
		Health: HealthConfig{
			FailureThreshold: 5,
			CoolDownMs:       30000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SWITCHYARD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("SWITCHYARD_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = n
		}
	}
	if v := os.Getenv("SWITCHYARD_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("SWITCHYARD_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SWITCHYARD_EVENTS_URL"); v != "" {
		cfg.Events.URL = v
	}
	if v := os.Getenv("SWITCHYARD_DIRECTORY_URL"); v != "" {
		cfg.Directory.URL = v
	}
	if v := os.Getenv("SWITCHYARD_DIRECTORY_TOKEN"); v != "" {
		cfg.Directory.Token = v
	}
	if v := os.Getenv("SWITCHYARD_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.DefaultTimeoutMs = n
		}
	}
	if v := os.Getenv("SWITCHYARD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxRetries = n
		}
	}
	if v := os.Getenv("SWITCHYARD_EXPERIMENTS_AUTO_COMPLETE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Experiments.AutoComplete = b
		}
	}
	if v := os.Getenv("SWITCHYARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
