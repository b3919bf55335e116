// Package config loads the agent configuration.
//
// Config file locations (priority order):
//  1. $AGENT_CONFIG
//  2. ./agent.yaml
//  3. /etc/agent-go/agent.yaml
//
// Environment variables API_BASE_URL, LOG_LEVEL, HTTP_ADDR and DATA_DIR override
// the corresponding file values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"invsync/agent-go/internal/discovery"
	"invsync/agent-go/internal/uploadqueue"
)

const (
	EnvConfigPath  = "AGENT_CONFIG"
	ConfigFileName = "agent.yaml"
	SystemPath     = "/etc/agent-go/agent.yaml"
)

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	DataDir   string          `yaml:"data_dir"`
	HTTP      HTTPConfig      `yaml:"http"`
	Backend   BackendConfig   `yaml:"backend"`
	Queue     QueueConfig     `yaml:"queue"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Diff      DiffConfig      `yaml:"diff"`
	Inventory InventoryConfig `yaml:"inventory"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type HTTPConfig struct {
	// Addr is the local status listener; empty disables it.
	Addr string `yaml:"addr"`
}

type BackendConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Timeout      Duration `yaml:"timeout"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

type QueueConfig struct {
	Backend                string `yaml:"backend"`
	Path                   string `yaml:"path"`
	MaxRecords             int    `yaml:"max_records"`
	QueueDiscoveryFailures bool   `yaml:"queue_discovery_failures"`
}

type MonitorConfig struct {
	Interval    Duration `yaml:"interval"`
	BatchSize   int      `yaml:"batch_size"`
	UploadDelay Duration `yaml:"upload_delay"`
	Retention   Duration `yaml:"retention"`
	MaxAttempts int      `yaml:"max_attempts"`
}

type DiffConfig struct {
	BaselinePath   string   `yaml:"baseline_path"`
	ChangesDir     string   `yaml:"changes_dir"`
	AuditRetention Duration `yaml:"audit_retention"`
}

type InventoryConfig struct {
	// Interval of the local-inventory cycle. Defaults to one hour; a negative
	// value such as "-1s" disables the cycle.
	Interval Duration `yaml:"interval"`
	Location string   `yaml:"location"`
	DMIDir   string   `yaml:"dmi_dir"`
}

type DiscoveryConfig struct {
	// Interval of the discovery cycle; zero disables it.
	Interval Duration `yaml:"interval"`
	// Ranges are CIDRs or single addresses; empty means all local ranges.
	Ranges         []string   `yaml:"ranges"`
	Preset         string     `yaml:"preset"`
	PortMode       string     `yaml:"port_mode"`
	HostTimeout    Duration   `yaml:"host_timeout"`
	PortTimeout    Duration   `yaml:"port_timeout"`
	Workers        int        `yaml:"workers"`
	MaxTargets     int        `yaml:"max_targets"`
	ARPTablePath   string     `yaml:"arp_table_path"`
	NameResolution bool       `yaml:"name_resolution"`
	DNSServer      string     `yaml:"dns_server"`
	MDNS           bool       `yaml:"mdns"`
	SNMP           SNMPConfig `yaml:"snmp"`
}

type SNMPConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Community string   `yaml:"community"`
	Version   string   `yaml:"version"`
	Port      uint16   `yaml:"port"`
	Timeout   Duration `yaml:"timeout"`
	Retries   int      `yaml:"retries"`
}

// Load finds and loads the config file, falling back to defaults when none exists.
// It returns the path that was read, or "" for defaults.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		cfg := &Config{}
		cfg.applyEnv()
		cfg.applyDefaults()
		return cfg, "", cfg.Validate()
	}
	cfg, err := LoadFromPath(path)
	return cfg, path, err
}

func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" && fileExists(path) {
		return path
	}
	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}
	if fileExists(SystemPath) {
		return SystemPath
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (c *Config) applyEnv() {
	c.Backend.BaseURL = envOr("API_BASE_URL", c.Backend.BaseURL)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.HTTP.Addr = envOr("HTTP_ADDR", c.HTTP.Addr)
	c.DataDir = envOr("DATA_DIR", c.DataDir)
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// applyDefaults fills what the file left empty. Component-level defaults (worker
// counts, timeouts) stay with the components and only paths are derived here.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/agent-go"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = uploadqueue.BackendFile
	}
	if c.Queue.Path == "" {
		name := "pending_uploads.json"
		if c.Queue.Backend == uploadqueue.BackendSQLite {
			name = "pending_uploads.db"
		}
		c.Queue.Path = filepath.Join(c.DataDir, name)
	}
	if c.Diff.BaselinePath == "" {
		c.Diff.BaselinePath = filepath.Join(c.DataDir, "baseline.json")
	}
	if c.Inventory.Interval == 0 {
		c.Inventory.Interval = Duration(time.Hour)
	}
	c.Discovery.Preset = discovery.CanonicalizeScanPreset(c.Discovery.Preset)
	if c.Discovery.PortMode == "" {
		c.Discovery.PortMode = string(discovery.PortModeNone)
	}
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q must be an http(s) URL", c.Backend.BaseURL))
	}

	switch c.Queue.Backend {
	case uploadqueue.BackendFile, uploadqueue.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q must be %q or %q", c.Queue.Backend, uploadqueue.BackendFile, uploadqueue.BackendSQLite))
	}
	if c.Queue.MaxRecords < 0 {
		errs = append(errs, errors.New("queue.max_records must not be negative"))
	}
	if _, err := discovery.ParsePortMode(c.Discovery.PortMode); err != nil {
		errs = append(errs, fmt.Errorf("discovery.port_mode: %w", err))
	}
	for _, r := range c.Discovery.Ranges {
		if _, err := discovery.ParseRange(r); err != nil {
			errs = append(errs, fmt.Errorf("discovery.ranges: %w", err))
		}
	}
	if c.Discovery.Interval < 0 {
		errs = append(errs, errors.New("discovery.interval must not be negative"))
	}

	return errors.Join(errs...)
}

// Duration wraps time.Duration for YAML values such as "30s" or "168h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
