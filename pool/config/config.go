package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MCP_POOL_POOL_MAX_INSTANCES.
const EnvPrefix = "MCP_POOL"

// Config represents the complete pool configuration
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Ports     PortsConfig     `mapstructure:"ports"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	State     StateConfig     `mapstructure:"state"`
}

// PoolConfig bounds the number of live workers
type PoolConfig struct {
	MaxInstances int `mapstructure:"max_instances"`
}

// PortsConfig controls port allocation
type PortsConfig struct {
	// Base is the first port of the range
	Base int `mapstructure:"base"`
	// Range is the width; ports are taken from [Base, Base+Range]
	Range int `mapstructure:"range"`
	// MaxAttempts is how many candidates are probed before giving up
	MaxAttempts int `mapstructure:"max_attempts"`
	// Host is the interface bound while probing
	Host string `mapstructure:"host"`
}

// WorkerConfig describes how workers are launched and reached
type WorkerConfig struct {
	// Command is the argv template; "{port}" is replaced by the allocated port
	Command       []string `mapstructure:"command"`
	IsolationFlag string   `mapstructure:"isolation_flag"`
	Env           []string `mapstructure:"env"`
	Dir           string   `mapstructure:"dir"`
	Host          string   `mapstructure:"host"`
	SSEPath       string   `mapstructure:"sse_path"`
}

// ReadinessConfig controls the startup health poll
type ReadinessConfig struct {
	Path         string        `mapstructure:"path"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ReaperConfig controls idle reaping
type ReaperConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// Schedule is a cron spec such as "@every 60s"
	Schedule string `mapstructure:"schedule"`
}

// CatalogConfig points at the forwarded tool catalog
type CatalogConfig struct {
	// File is a YAML catalog; empty uses the built-in browser catalog
	File string `mapstructure:"file"`
}

// LogConfig controls diagnostics
type LogConfig struct {
	// Debug enables verbose JSON logging appended to File
	Debug bool   `mapstructure:"debug"`
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// HTTPConfig controls the streamable HTTP mode
type HTTPConfig struct {
	Addr        string `mapstructure:"addr"`
	MCPPath     string `mapstructure:"mcp_path"`
	Ngrok       bool   `mapstructure:"ngrok"`
	NgrokDomain string `mapstructure:"ngrok_domain"`
}

// TracingConfig controls span export
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

// StateConfig controls the pool state files used for orphan cleanup
type StateConfig struct {
	Dir          string `mapstructure:"dir"`
	PruneOrphans bool   `mapstructure:"prune_orphans"`
}

// Default returns a Config with all default values
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxInstances: 10,
		},
		Ports: PortsConfig{
			Base:        8931,
			Range:       100,
			MaxAttempts: 100,
			Host:        "127.0.0.1",
		},
		Worker: WorkerConfig{
			Command:       []string{"npx", "@playwright/mcp@latest", "--port", "{port}"},
			IsolationFlag: "--isolated",
			Env:           []string{},
			Host:          "localhost",
			SSEPath:       "/sse",
		},
		Readiness: ReadinessConfig{
			Path:         "/health",
			InitialDelay: 3 * time.Second,
			Interval:     time.Second,
			MaxInterval:  time.Second,
			Timeout:      45 * time.Second,
		},
		Reaper: ReaperConfig{
			IdleTimeout: 30 * time.Minute,
			Schedule:    "@every 60s",
		},
		Log: LogConfig{
			File:  filepath.Join(os.TempDir(), "mcp-pool-debug.log"),
			Level: "warn",
		},
		HTTP: HTTPConfig{
			Addr:    ":8080",
			MCPPath: "/mcp",
		},
		Tracing: TracingConfig{
			File: filepath.Join(os.TempDir(), "mcp-pool-traces.jsonl"),
		},
		State: StateConfig{
			Dir:          filepath.Join(os.TempDir(), "mcp-pool", "state"),
			PruneOrphans: true,
		},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("pool.max_instances", defaults.Pool.MaxInstances)

	v.SetDefault("ports.base", defaults.Ports.Base)
	v.SetDefault("ports.range", defaults.Ports.Range)
	v.SetDefault("ports.max_attempts", defaults.Ports.MaxAttempts)
	v.SetDefault("ports.host", defaults.Ports.Host)

	v.SetDefault("worker.command", defaults.Worker.Command)
	v.SetDefault("worker.isolation_flag", defaults.Worker.IsolationFlag)
	v.SetDefault("worker.env", defaults.Worker.Env)
	v.SetDefault("worker.dir", defaults.Worker.Dir)
	v.SetDefault("worker.host", defaults.Worker.Host)
	v.SetDefault("worker.sse_path", defaults.Worker.SSEPath)

	v.SetDefault("readiness.path", defaults.Readiness.Path)
	v.SetDefault("readiness.initial_delay", defaults.Readiness.InitialDelay)
	v.SetDefault("readiness.interval", defaults.Readiness.Interval)
	v.SetDefault("readiness.max_interval", defaults.Readiness.MaxInterval)
	v.SetDefault("readiness.timeout", defaults.Readiness.Timeout)

	v.SetDefault("reaper.idle_timeout", defaults.Reaper.IdleTimeout)
	v.SetDefault("reaper.schedule", defaults.Reaper.Schedule)

	v.SetDefault("catalog.file", defaults.Catalog.File)

	v.SetDefault("log.debug", defaults.Log.Debug)
	v.SetDefault("log.file", defaults.Log.File)
	v.SetDefault("log.level", defaults.Log.Level)

	v.SetDefault("http.addr", defaults.HTTP.Addr)
	v.SetDefault("http.mcp_path", defaults.HTTP.MCPPath)
	v.SetDefault("http.ngrok", defaults.HTTP.Ngrok)
	v.SetDefault("http.ngrok_domain", defaults.HTTP.NgrokDomain)

	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.file", defaults.Tracing.File)

	v.SetDefault("state.dir", defaults.State.Dir)
	v.SetDefault("state.prune_orphans", defaults.State.PruneOrphans)
}

// New returns a viper instance with defaults, config file search paths and
// environment overrides registered. An empty configFile searches for
// mcp-pool.yaml in the working directory and ConfigDir.
func New(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mcp-pool")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The short switch predates the sectioned names.
	_ = v.BindEnv("log.debug", EnvPrefix+"_DEBUG", EnvPrefix+"_LOG_DEBUG")

	return v
}

// Load reads configFile (optional), environment overrides and defaults into
// a validated Config
func Load(configFile string) (*Config, error) {
	v := New(configFile)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration held by v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mcp-pool")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcp-pool"
	}
	return filepath.Join(home, ".config", "mcp-pool")
}
