// Package config loads the server's YAML configuration with defaults and
// PACKHOWL_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Listen          string  `yaml:"listen"`
		MaxUsers        int     `yaml:"max_users"`
		WhitelistPath   string  `yaml:"whitelist_path"`
		CertFile        string  `yaml:"cert_file"`
		KeyFile         string  `yaml:"key_file"`
		CAFile          string  `yaml:"ca_file"`
		AcceptPerSecond float64 `yaml:"accept_per_second"`
		AcceptBurst     int     `yaml:"accept_burst"`
	} `yaml:"server"`

	Admin struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"admin"`

	Access struct {
		BlockDuration time.Duration `yaml:"block_duration"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"access"`

	Relay struct {
		SendBuffer   int           `yaml:"send_buffer"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		WatcherTick  time.Duration `yaml:"watcher_tick"`
		TXDecay      time.Duration `yaml:"tx_decay"`
	} `yaml:"relay"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns configuration with sane defaults. Certificate
// paths default to the per-user data directory the provisioning tooling
// populates.
func DefaultConfig() *Config {
	cfg := &Config{}

	dataDir := defaultDataDir()
	cfg.Server.Listen = ":50443"
	cfg.Server.MaxUsers = 15
	cfg.Server.WhitelistPath = filepath.Join(dataDir, "cn_whitelist.txt")
	cfg.Server.CertFile = filepath.Join(dataDir, "certs", "server.pem")
	cfg.Server.KeyFile = filepath.Join(dataDir, "certs", "server.key")
	cfg.Server.CAFile = filepath.Join(dataDir, "certs", "ca.pem")
	cfg.Server.AcceptPerSecond = 20
	cfg.Server.AcceptBurst = 10

	cfg.Admin.Enabled = true
	cfg.Admin.Listen = ":8080"

	cfg.Access.BlockDuration = 5 * time.Minute
	cfg.Access.SweepInterval = 60 * time.Second

	cfg.Relay.SendBuffer = 256
	cfg.Relay.WriteTimeout = 5 * time.Second
	cfg.Relay.WatcherTick = 300 * time.Millisecond
	cfg.Relay.TXDecay = 300 * time.Millisecond

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".packhowl"
	}
	return filepath.Join(home, ".packhowl")
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is not an error: defaults apply.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Server.MaxUsers <= 0 {
		return fmt.Errorf("server.max_users must be > 0")
	}
	if c.Server.WhitelistPath == "" {
		return fmt.Errorf("server.whitelist_path must not be empty")
	}
	if c.Server.AcceptPerSecond < 0 {
		return fmt.Errorf("server.accept_per_second must be >= 0")
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		return fmt.Errorf("admin.listen must not be empty when admin.enabled=true")
	}
	if c.Access.BlockDuration <= 0 {
		return fmt.Errorf("access.block_duration must be > 0")
	}
	if c.Access.SweepInterval <= 0 {
		return fmt.Errorf("access.sweep_interval must be > 0")
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be > 0")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.WatcherTick <= 0 {
		return fmt.Errorf("relay.watcher_tick must be > 0")
	}
	if c.Relay.TXDecay <= 0 {
		return fmt.Errorf("relay.tx_decay must be > 0")
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("PACKHOWL_LISTEN"); addr != "" {
		c.Server.Listen = addr
	}
	if addr := os.Getenv("PACKHOWL_ADMIN_LISTEN"); addr != "" {
		c.Admin.Listen = addr
	}
	if path := os.Getenv("PACKHOWL_WHITELIST"); path != "" {
		c.Server.WhitelistPath = path
	}
	if level := os.Getenv("PACKHOWL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// BuildLogger constructs the zap logger described by the logging section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if c.Logging.Format == "console" {
		zapCfg.Encoding = "console"
	}
	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", c.Logging.Level, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
