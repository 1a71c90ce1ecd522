package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/nos/nosmigrate.yaml"

type Config struct {
	Bind     string
	StateDir string
	LogLevel zerolog.Level

	// AgentSocket routes pool mutations through nos-agent when set.
	AgentSocket string

	PollInterval       time.Duration
	MaintenanceSeconds int

	MetricsEnabled bool

	ScrubSchedule string
	SmartSchedule string
	ScrubPools    []string
}

type fileConfig struct {
	HTTP struct {
		Bind string `yaml:"bind"`
	} `yaml:"http"`
	StateDir string `yaml:"stateDir"`
	Logging  struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Agent struct {
		Socket string `yaml:"socket"`
	} `yaml:"agent"`
	Migration struct {
		PollInterval       string `yaml:"pollInterval"`
		MaintenanceSeconds int    `yaml:"maintenanceSeconds"`
	} `yaml:"migration"`
	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Jobs struct {
		Scrub      string   `yaml:"scrub"`
		SmartScan  string   `yaml:"smartScan"`
		ScrubPools []string `yaml:"scrubPools"`
	} `yaml:"jobs"`
}

func Defaults() Config {
	return Config{
		Bind:               "127.0.0.1:9010",
		StateDir:           "/var/lib/nos",
		LogLevel:           zerolog.InfoLevel,
		PollInterval:       10 * time.Second,
		MaintenanceSeconds: 300,
		MetricsEnabled:     true,
		ScrubSchedule:      "0 0 3 1 * *",
		SmartSchedule:      "0 0 3 * * 0",
	}
}

// FromEnv loads the file named by NOS_CONFIG (or DefaultPath) with env overrides.
func FromEnv() Config {
	p := os.Getenv("NOS_CONFIG")
	if p == "" {
		p = DefaultPath
	}
	return Load(p)
}

// Load reads the YAML file at path and then applies NOS_* environment
// overrides. A missing file leaves defaults in place; an unreadable or
// malformed one is logged and ignored.
func Load(path string) Config {
	cfg, err := LoadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("config file ignored, using defaults")
	}
	return cfg
}

// LoadFile is Load for a file the operator named explicitly: any read or
// parse error is returned together with the defaults-plus-env config.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err == nil {
		var fc fileConfig
		if err = yaml.Unmarshal(b, &fc); err == nil {
			applyFile(&cfg, fc)
		} else {
			err = fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, err
}

func applyFile(cfg *Config, fc fileConfig) {
	if s := strings.TrimSpace(fc.HTTP.Bind); s != "" {
		cfg.Bind = s
	}
	if s := strings.TrimSpace(fc.StateDir); s != "" {
		cfg.StateDir = filepath.Clean(s)
	}
	if l, err := zerolog.ParseLevel(fc.Logging.Level); err == nil && fc.Logging.Level != "" {
		cfg.LogLevel = l
	}
	cfg.AgentSocket = strings.TrimSpace(fc.Agent.Socket)
	if d, err := time.ParseDuration(fc.Migration.PollInterval); err == nil && d > 0 {
		cfg.PollInterval = d
	}
	if fc.Migration.MaintenanceSeconds > 0 {
		cfg.MaintenanceSeconds = fc.Migration.MaintenanceSeconds
	}
	if fc.Metrics.Enabled != nil {
		cfg.MetricsEnabled = *fc.Metrics.Enabled
	}
	if s := strings.TrimSpace(fc.Jobs.Scrub); s != "" {
		cfg.ScrubSchedule = s
	}
	if s := strings.TrimSpace(fc.Jobs.SmartScan); s != "" {
		cfg.SmartSchedule = s
	}
	if len(fc.Jobs.ScrubPools) > 0 {
		cfg.ScrubPools = fc.Jobs.ScrubPools
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NOS_HTTP_BIND"); v != "" {
		cfg.Bind = v
	}
	if v := os.Getenv("NOS_STATE_DIR"); v != "" {
		cfg.StateDir = filepath.Clean(v)
	}
	if v := os.Getenv("NOS_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	if v, ok := os.LookupEnv("NOS_AGENT_SOCKET"); ok {
		cfg.AgentSocket = strings.TrimSpace(v)
	}
	if v := os.Getenv("NOS_MIGRATION_POLL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("NOS_MAINTENANCE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaintenanceSeconds = n
		}
	}
	if v := os.Getenv("NOS_METRICS"); v != "" {
		cfg.MetricsEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("NOS_JOBS_SCRUB"); v != "" {
		cfg.ScrubSchedule = v
	}
	if v := os.Getenv("NOS_JOBS_SMART"); v != "" {
		cfg.SmartSchedule = v
	}
}

// MaintenanceDuration is the bounded window length requested while resilvering.
func (c Config) MaintenanceDuration() time.Duration {
	return time.Duration(c.MaintenanceSeconds) * time.Second
}

func (c Config) MigrationsDir() string { return filepath.Join(c.StateDir, "migrations") }
func (c Config) HistoryPath() string   { return filepath.Join(c.StateDir, "migrations", "history.db") }
func (c Config) MaintenancePath() string {
	return filepath.Join(c.StateDir, "maintenance.json")
}
func (c Config) TxDir() string    { return filepath.Join(c.StateDir, "migrations", "tx") }
func (c Config) LocksDir() string { return filepath.Join(c.StateDir, "locks") }
