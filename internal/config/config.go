// Package config loads clawsched configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Name          string `yaml:"name"`
	DataDir       string `yaml:"data_dir"`
	GroupsDir     string `yaml:"groups_dir"`
	SocketDir     string `yaml:"socket_dir"`
	MainFolder    string `yaml:"main_folder"`
	MaxConcurrent int64  `yaml:"max_concurrent"`
	// SendRatePerSec caps outbound chat messages per second.
	SendRatePerSec float64 `yaml:"send_rate_per_sec"`
}

// SchedulerConfig holds the polling loop settings.
type SchedulerConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:           "Andy",
			DataDir:        "data",
			GroupsDir:      "groups",
			SocketDir:      "/var/run/clawsched",
			MainFolder:     "main",
			MaxConcurrent:  5,
			SendRatePerSec: 1,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMS: 60000,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.App.Name = getEnv("CLAWSCHED_NAME", cfg.App.Name)
	cfg.App.DataDir = getEnv("CLAWSCHED_DATA_DIR", cfg.App.DataDir)
	cfg.App.GroupsDir = getEnv("CLAWSCHED_GROUPS_DIR", cfg.App.GroupsDir)
	cfg.App.SocketDir = getEnv("CLAWSCHED_SOCKET_DIR", cfg.App.SocketDir)
	cfg.App.MainFolder = getEnv("CLAWSCHED_MAIN_FOLDER", cfg.App.MainFolder)
	cfg.App.MaxConcurrent = int64(getEnvInt("CLAWSCHED_MAX_CONCURRENT", int(cfg.App.MaxConcurrent)))
	cfg.Scheduler.PollIntervalMS = getEnvInt("CLAWSCHED_SCHEDULER_INTERVAL_MS", cfg.Scheduler.PollIntervalMS)

	if cfg.App.MaxConcurrent <= 0 {
		cfg.App.MaxConcurrent = 5
	}
	if cfg.Scheduler.PollIntervalMS <= 0 {
		cfg.Scheduler.PollIntervalMS = 60000
	}
	return cfg, nil
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.App.DataDir, "clawsched.db")
}

// GroupsSnapshotPath returns where the registered-groups snapshot is
// published for sandboxed workspaces to read.
func (c *Config) GroupsSnapshotPath() string {
	return filepath.Join(c.App.GroupsDir, "registered-groups.json")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
