package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no path is given.
const EnvConfigPath = "LEASTWATCHED_CONFIG"

type Config struct {
	Server   ServerConfig     `yaml:"server"`
	Database DatabaseConfig   `yaml:"database"`
	Logging  LoggingConfig    `yaml:"logging"`
	Pipeline PipelineConfig   `yaml:"pipeline"`
	Folders  FoldersConfig    `yaml:"folders"`
	Sonarr   []InstanceConfig `yaml:"sonarr"`
	Radarr   []InstanceConfig `yaml:"radarr"`
	Emby     []InstanceConfig `yaml:"emby"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	Metrics      bool          `yaml:"metrics"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	// File, when set, receives a rotated JSON copy of every log line.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type PipelineConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	BatchDelay    time.Duration `yaml:"batch_delay"`
	ScoreWorkers  int           `yaml:"score_workers"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	RetryAttempts uint          `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	ItemLimit     int           `yaml:"item_limit"`
	// LockTTL is how long a run lock survives without a heartbeat before
	// another process may take it over.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// Schedule is a cron spec for automatic runs; empty disables them.
	Schedule       string        `yaml:"schedule"`
	ProgressMaxAge time.Duration `yaml:"progress_max_age"`
	EventRetention int           `yaml:"event_retention"`
}

type FoldersConfig struct {
	// Paths are the monitored folders for the folder-space factor. When
	// empty, the root folders reported by Sonarr and Radarr are used.
	Paths    []string      `yaml:"paths"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// InstanceConfig is one Sonarr, Radarr or Emby server.
type InstanceConfig struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
	UserID  string `yaml:"user_id"`
	Enabled *bool  `yaml:"enabled"`
}

// IsEnabled treats an omitted enabled flag as true.
func (i InstanceConfig) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8095,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Metrics:      true,
		},
		Database: DatabaseConfig{
			Path: "data/leastwatched.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Pretty:     true,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Pipeline: PipelineConfig{
			BatchSize:      50,
			BatchDelay:     0,
			ScoreWorkers:   4,
			FetchTimeout:   2 * time.Minute,
			RetryAttempts:  3,
			RetryDelay:     time.Second,
			LockTTL:        2 * time.Minute,
			ProgressMaxAge: 24 * time.Hour,
			EventRetention: 10000,
		},
		Folders: FoldersConfig{
			CacheTTL: time.Minute,
		},
	}
}

// Path resolves the config file location: the explicit path, then
// LEASTWATCHED_CONFIG.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(EnvConfigPath)
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Pipeline.BatchSize <= 0 {
		errs = append(errs, errors.New("pipeline.batch_size must be positive"))
	}
	if c.Pipeline.ScoreWorkers <= 0 {
		errs = append(errs, errors.New("pipeline.score_workers must be positive"))
	}
	if c.Pipeline.BatchDelay < 0 {
		errs = append(errs, errors.New("pipeline.batch_delay must not be negative"))
	}
	if c.Pipeline.ItemLimit < 0 {
		errs = append(errs, errors.New("pipeline.item_limit must not be negative"))
	}
	if c.Pipeline.LockTTL <= 0 {
		errs = append(errs, errors.New("pipeline.lock_ttl must be positive"))
	}

	for _, group := range []struct {
		key       string
		instances []InstanceConfig
	}{
		{"sonarr", c.Sonarr},
		{"radarr", c.Radarr},
		{"emby", c.Emby},
	} {
		seen := make(map[string]bool)
		for i, inst := range group.instances {
			name := strings.TrimSpace(inst.Name)
			if name == "" {
				errs = append(errs, fmt.Errorf("%s[%d].name is required", group.key, i))
				continue
			}
			if seen[name] {
				errs = append(errs, fmt.Errorf("%s[%d]: duplicate name %q", group.key, i, name))
			}
			seen[name] = true
		}
	}

	return errors.Join(errs...)
}

// Address is the listen address of the HTTP server.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
