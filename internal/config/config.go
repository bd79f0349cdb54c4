// Package config provides configuration for the fixstream server. Values
// come from built-in defaults, an optional YAML file, and FIXSTREAM_*
// environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig holds logging configuration
type LogConfig struct {
	// Level is one of debug, info, error
	Level string

	// Format is "console" or "json"
	Format string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	// Host is the listen address; empty means all interfaces
	Host string

	// Port is the HTTP server port
	Port int

	// SSEHeartbeat is the interval between heartbeat frames on event streams
	SSEHeartbeat time.Duration

	// ShutdownTimeout is the drain window for graceful shutdown
	ShutdownTimeout time.Duration

	// CreateRatePerSec throttles run creation across all callers
	CreateRatePerSec float64

	// CreateBurst is the burst size of the creation throttle
	CreateBurst int
}

// GitConfig holds git and hosting-platform configuration
type GitConfig struct {
	// Token is the write credential injected into remote URLs and used for
	// platform API calls. Required for the fork fallback.
	Token string

	// Host is the expected repository hosting domain
	Host string

	// APIBaseURL is the hosting platform REST API base
	APIBaseURL string

	// UserName and UserEmail form the committer identity
	UserName  string
	UserEmail string

	// CloneTimeout bounds the clone operation
	CloneTimeout time.Duration

	// CloneDepth limits clone history; 0 means a full clone. Fork pushes
	// from shallow clones are rejected by the platform, so the default
	// stays 0.
	CloneDepth int

	// CommandTimeout bounds every other git invocation
	CommandTimeout time.Duration

	// ForkRemote is the name given to the fallback remote
	ForkRemote string

	// ForkSettleWait is the fixed pause after fork creation before pushing
	ForkSettleWait time.Duration
}

// AgentConfig holds external agent process configuration
type AgentConfig struct {
	// Command is the agent argv prefix; "--config <path>" is appended
	Command []string

	// MaxIterations caps the agent's repair loop
	MaxIterations int

	// MaxRunDuration bounds one run end to end; the agent process is
	// killed when it elapses
	MaxRunDuration time.Duration

	// SandboxImage and SandboxTimeout are passed through to the agent's
	// analysis sandbox
	SandboxImage   string
	SandboxTimeout time.Duration
}

// RegistryConfig holds run registry and retention configuration
type RegistryConfig struct {
	// ObserverBuffer is the per-observer event queue size; an observer
	// that falls this far behind is disconnected
	ObserverBuffer int

	// Retention is how long terminal runs stay queryable
	Retention time.Duration

	// SweepInterval is how often the eviction sweep executes
	SweepInterval time.Duration
}

// Config holds all configuration for the fixstream server
type Config struct {
	// WorkDir is the parent directory for per-run workspaces
	WorkDir string

	Log      LogConfig
	Server   ServerConfig
	Git      GitConfig
	Agent    AgentConfig
	Registry RegistryConfig
}

// New creates a Config from defaults and environment variables.
func New() (*Config, error) {
	return Load("")
}

// Load creates a Config from defaults, the YAML file at path when non-empty,
// and environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		WorkDir: filepath.Join(os.TempDir(), "fixstream"),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Host:             "",
			Port:             8080,
			SSEHeartbeat:     15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			CreateRatePerSec: 5,
			CreateBurst:      10,
		},
		Git: GitConfig{
			Host:           "github.com",
			APIBaseURL:     "https://api.github.com",
			UserName:       "fixstream-bot",
			UserEmail:      "fixstream-bot@users.noreply.github.com",
			CloneTimeout:   300 * time.Second,
			CloneDepth:     0,
			CommandTimeout: 60 * time.Second,
			ForkRemote:     "fork",
			ForkSettleWait: 3 * time.Second,
		},
		Agent: AgentConfig{
			Command:        []string{"python3", "agent.py"},
			MaxIterations:  5,
			MaxRunDuration: 30 * time.Minute,
			SandboxImage:   "fixstream-sandbox:latest",
			SandboxTimeout: 120 * time.Second,
		},
		Registry: RegistryConfig{
			ObserverBuffer: 64,
			Retention:      time.Hour,
			SweepInterval:  10 * time.Minute,
		},
	}
}

// fileConfig mirrors Config for YAML decoding. Durations are strings in
// time.ParseDuration form; zero values leave the default untouched.
type fileConfig struct {
	WorkDir string `yaml:"work_dir"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Server struct {
		Host             string  `yaml:"host"`
		Port             int     `yaml:"port"`
		SSEHeartbeat     string  `yaml:"sse_heartbeat"`
		ShutdownTimeout  string  `yaml:"shutdown_timeout"`
		CreateRatePerSec float64 `yaml:"create_rate_per_sec"`
		CreateBurst      int     `yaml:"create_burst"`
	} `yaml:"server"`

	Git struct {
		Token          string `yaml:"token"`
		Host           string `yaml:"host"`
		APIBaseURL     string `yaml:"api_base_url"`
		UserName       string `yaml:"user_name"`
		UserEmail      string `yaml:"user_email"`
		CloneTimeout   string `yaml:"clone_timeout"`
		CloneDepth     int    `yaml:"clone_depth"`
		CommandTimeout string `yaml:"command_timeout"`
		ForkRemote     string `yaml:"fork_remote"`
		ForkSettleWait string `yaml:"fork_settle_wait"`
	} `yaml:"git"`

	Agent struct {
		Command        []string `yaml:"command"`
		MaxIterations  int      `yaml:"max_iterations"`
		MaxRunDuration string   `yaml:"max_run_duration"`
		SandboxImage   string   `yaml:"sandbox_image"`
		SandboxTimeout string   `yaml:"sandbox_timeout"`
	} `yaml:"agent"`

	Registry struct {
		ObserverBuffer int    `yaml:"observer_buffer"`
		Retention      string `yaml:"retention"`
		SweepInterval  string `yaml:"sweep_interval"`
	} `yaml:"registry"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.WorkDir, fc.WorkDir)
	setString(&c.Log.Level, fc.Log.Level)
	setString(&c.Log.Format, fc.Log.Format)

	setString(&c.Server.Host, fc.Server.Host)
	setInt(&c.Server.Port, fc.Server.Port)
	if err := setDuration(&c.Server.SSEHeartbeat, fc.Server.SSEHeartbeat, "server.sse_heartbeat"); err != nil {
		return err
	}
	if err := setDuration(&c.Server.ShutdownTimeout, fc.Server.ShutdownTimeout, "server.shutdown_timeout"); err != nil {
		return err
	}
	if fc.Server.CreateRatePerSec > 0 {
		c.Server.CreateRatePerSec = fc.Server.CreateRatePerSec
	}
	setInt(&c.Server.CreateBurst, fc.Server.CreateBurst)

	setString(&c.Git.Token, fc.Git.Token)
	setString(&c.Git.Host, fc.Git.Host)
	setString(&c.Git.APIBaseURL, fc.Git.APIBaseURL)
	setString(&c.Git.UserName, fc.Git.UserName)
	setString(&c.Git.UserEmail, fc.Git.UserEmail)
	if err := setDuration(&c.Git.CloneTimeout, fc.Git.CloneTimeout, "git.clone_timeout"); err != nil {
		return err
	}
	setInt(&c.Git.CloneDepth, fc.Git.CloneDepth)
	if err := setDuration(&c.Git.CommandTimeout, fc.Git.CommandTimeout, "git.command_timeout"); err != nil {
		return err
	}
	setString(&c.Git.ForkRemote, fc.Git.ForkRemote)
	if err := setDuration(&c.Git.ForkSettleWait, fc.Git.ForkSettleWait, "git.fork_settle_wait"); err != nil {
		return err
	}

	if len(fc.Agent.Command) > 0 {
		c.Agent.Command = fc.Agent.Command
	}
	setInt(&c.Agent.MaxIterations, fc.Agent.MaxIterations)
	if err := setDuration(&c.Agent.MaxRunDuration, fc.Agent.MaxRunDuration, "agent.max_run_duration"); err != nil {
		return err
	}
	setString(&c.Agent.SandboxImage, fc.Agent.SandboxImage)
	if err := setDuration(&c.Agent.SandboxTimeout, fc.Agent.SandboxTimeout, "agent.sandbox_timeout"); err != nil {
		return err
	}

	setInt(&c.Registry.ObserverBuffer, fc.Registry.ObserverBuffer)
	if err := setDuration(&c.Registry.Retention, fc.Registry.Retention, "registry.retention"); err != nil {
		return err
	}
	if err := setDuration(&c.Registry.SweepInterval, fc.Registry.SweepInterval, "registry.sweep_interval"); err != nil {
		return err
	}

	return nil
}

func (c *Config) applyEnv() error {
	var err error

	if workDir := os.Getenv("FIXSTREAM_WORKDIR"); workDir != "" {
		if !filepath.IsAbs(workDir) {
			return fmt.Errorf("FIXSTREAM_WORKDIR must be an absolute path, got: %s", workDir)
		}
		c.WorkDir = workDir
	}

	if level := os.Getenv("FIXSTREAM_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("FIXSTREAM_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if host, ok := os.LookupEnv("FIXSTREAM_HTTP_HOST"); ok {
		c.Server.Host = host
	}
	if portStr := os.Getenv("FIXSTREAM_HTTP_PORT"); portStr != "" {
		port, perr := parsePort(portStr)
		if perr != nil {
			return fmt.Errorf("FIXSTREAM_HTTP_PORT %s", perr)
		}
		c.Server.Port = port
	}
	if c.Server.SSEHeartbeat, err = parseDurationEnv("FIXSTREAM_SSE_HEARTBEAT", c.Server.SSEHeartbeat); err != nil {
		return err
	}
	if c.Server.ShutdownTimeout, err = parseDurationEnv("FIXSTREAM_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout); err != nil {
		return err
	}
	if c.Server.CreateRatePerSec, err = parseFloatEnv("FIXSTREAM_CREATE_RATE", c.Server.CreateRatePerSec); err != nil {
		return err
	}
	if c.Server.CreateBurst, err = parseIntEnv("FIXSTREAM_CREATE_BURST", c.Server.CreateBurst); err != nil {
		return err
	}

	if token := os.Getenv("FIXSTREAM_GIT_TOKEN"); token != "" {
		c.Git.Token = token
	}
	if host := os.Getenv("FIXSTREAM_GIT_HOST"); host != "" {
		c.Git.Host = host
	}
	if apiBase := os.Getenv("FIXSTREAM_GITHUB_API_URL"); apiBase != "" {
		c.Git.APIBaseURL = apiBase
	}
	if name := os.Getenv("FIXSTREAM_GIT_USER_NAME"); name != "" {
		c.Git.UserName = name
	}
	if email := os.Getenv("FIXSTREAM_GIT_USER_EMAIL"); email != "" {
		c.Git.UserEmail = email
	}
	if c.Git.CloneTimeout, err = parseDurationEnv("FIXSTREAM_GIT_CLONE_TIMEOUT", c.Git.CloneTimeout); err != nil {
		return err
	}
	if c.Git.CloneDepth, err = parseIntEnv("FIXSTREAM_GIT_CLONE_DEPTH", c.Git.CloneDepth); err != nil {
		return err
	}
	if c.Git.CommandTimeout, err = parseDurationEnv("FIXSTREAM_GIT_COMMAND_TIMEOUT", c.Git.CommandTimeout); err != nil {
		return err
	}
	if remote := os.Getenv("FIXSTREAM_FORK_REMOTE"); remote != "" {
		c.Git.ForkRemote = remote
	}
	if c.Git.ForkSettleWait, err = parseDurationEnv("FIXSTREAM_FORK_SETTLE_WAIT", c.Git.ForkSettleWait); err != nil {
		return err
	}

	if command := os.Getenv("FIXSTREAM_AGENT_COMMAND"); command != "" {
		c.Agent.Command = strings.Fields(command)
	}
	if c.Agent.MaxIterations, err = parseIntEnv("FIXSTREAM_MAX_ITERATIONS", c.Agent.MaxIterations); err != nil {
		return err
	}
	if c.Agent.MaxRunDuration, err = parseDurationEnv("FIXSTREAM_MAX_RUN_DURATION", c.Agent.MaxRunDuration); err != nil {
		return err
	}
	if image := os.Getenv("FIXSTREAM_SANDBOX_IMAGE"); image != "" {
		c.Agent.SandboxImage = image
	}
	if c.Agent.SandboxTimeout, err = parseDurationEnv("FIXSTREAM_SANDBOX_TIMEOUT", c.Agent.SandboxTimeout); err != nil {
		return err
	}

	if c.Registry.ObserverBuffer, err = parseIntEnv("FIXSTREAM_OBSERVER_BUFFER", c.Registry.ObserverBuffer); err != nil {
		return err
	}
	if c.Registry.Retention, err = parseDurationEnv("FIXSTREAM_RETENTION", c.Registry.Retention); err != nil {
		return err
	}
	if c.Registry.SweepInterval, err = parseDurationEnv("FIXSTREAM_SWEEP_INTERVAL", c.Registry.SweepInterval); err != nil {
		return err
	}

	return nil
}

func (c *Config) validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work dir cannot be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	if c.Server.SSEHeartbeat <= 0 {
		return fmt.Errorf("sse heartbeat must be positive, got: %v", c.Server.SSEHeartbeat)
	}
	if c.Server.CreateRatePerSec <= 0 {
		return fmt.Errorf("create rate must be positive, got: %v", c.Server.CreateRatePerSec)
	}
	if c.Server.CreateBurst < 1 {
		return fmt.Errorf("create burst must be at least 1, got: %d", c.Server.CreateBurst)
	}
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("agent command cannot be empty")
	}
	if c.Agent.MaxIterations < 1 || c.Agent.MaxIterations > 20 {
		return fmt.Errorf("agent max iterations must be between 1 and 20, got: %d", c.Agent.MaxIterations)
	}
	if c.Agent.MaxRunDuration <= 0 {
		return fmt.Errorf("max run duration must be positive, got: %v", c.Agent.MaxRunDuration)
	}
	if c.Git.CloneTimeout <= 0 {
		return fmt.Errorf("git clone timeout must be positive, got: %v", c.Git.CloneTimeout)
	}
	if c.Git.CloneDepth < 0 {
		return fmt.Errorf("git clone depth cannot be negative, got: %d", c.Git.CloneDepth)
	}
	if c.Git.ForkRemote == "" || c.Git.ForkRemote == "origin" {
		return fmt.Errorf("fork remote must be a non-empty name other than origin, got: %q", c.Git.ForkRemote)
	}
	if c.Registry.ObserverBuffer < 1 {
		return fmt.Errorf("observer buffer must be at least 1, got: %d", c.Registry.ObserverBuffer)
	}
	if c.Registry.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got: %v", c.Registry.Retention)
	}
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got: %v", c.Registry.SweepInterval)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

// parseDurationEnv parses a duration environment variable in
// time.ParseDuration form ("30s", "10m") with a default value
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// parseFloatEnv parses a float environment variable with a default value
func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

// parsePort parses and validates a port number string
func parsePort(portStr string) (int, error) {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port number: %s", portStr)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("must be between 1 and 65535, got: %d", port)
	}
	return port, nil
}
