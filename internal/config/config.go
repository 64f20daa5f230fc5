// ABOUTME: Configuration loading and parsing for lab-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete lab-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Registry     RegistryConfig     `yaml:"registry"`
	Adapters     AdaptersConfig     `yaml:"adapters"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Bus          BusConfig          `yaml:"bus"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RegistryConfig holds agent registry limits
type RegistryConfig struct {
	MaxAgents int `yaml:"max_agents"`
}

// AdaptersConfig holds backend HTTP client timing configuration
type AdaptersConfig struct {
	RequestTimeout time.Duration `yaml:"-"`
	HealthTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
	HealthTimeoutRaw  string `yaml:"health_timeout"`
}

// HeartbeatConfig holds the liveness sweep configuration
type HeartbeatConfig struct {
	Interval   time.Duration `yaml:"-"`
	StaleAfter time.Duration `yaml:"-"`

	// MissThreshold is the number of consecutive failed checks before an
	// agent is marked unreachable
	MissThreshold int `yaml:"miss_threshold"`

	// Raw string values for YAML unmarshaling
	IntervalRaw   string `yaml:"interval"`
	StaleAfterRaw string `yaml:"stale_after"`
}

// OrchestratorConfig holds task scheduling and retry configuration
type OrchestratorConfig struct {
	QueueDepth  int `yaml:"queue_depth"`
	MaxAttempts int `yaml:"max_attempts"`

	StageTimeout  time.Duration `yaml:"-"`
	RetryInitial  time.Duration `yaml:"-"`
	RetryMaxDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	StageTimeoutRaw  string `yaml:"stage_timeout"`
	RetryInitialRaw  string `yaml:"retry_initial"`
	RetryMaxDelayRaw string `yaml:"retry_max_delay"`
}

// BusConfig holds message bus tuning
type BusConfig struct {
	QueueDepth      int `yaml:"queue_depth"`
	ResumeCacheSize int `yaml:"resume_cache_size"`

	ResumeTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ResumeTTLRaw string `yaml:"resume_ttl"`
}

// WorkflowConfig holds batch experiment configuration
type WorkflowConfig struct {
	MaxWorkers int    `yaml:"max_workers"`
	ResultsDir string `yaml:"results_dir"`
	ProbeFile  string `yaml:"probe_file"` // optional override for the built-in battery
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config with every tunable set to its default value.
// Callers that load from a file get the same defaults for fields the file omits.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8080"},
		Database: DatabaseConfig{Path: "lab-gateway.db"},
		Registry: RegistryConfig{MaxAgents: 50},
		Adapters: AdaptersConfig{
			RequestTimeout: 30 * time.Second,
			HealthTimeout:  5 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:      10 * time.Second,
			MissThreshold: 3,
			StaleAfter:    90 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			QueueDepth:    32,
			MaxAttempts:   3,
			StageTimeout:  2 * time.Minute,
			RetryInitial:  500 * time.Millisecond,
			RetryMaxDelay: 10 * time.Second,
		},
		Bus: BusConfig{
			QueueDepth:      64,
			ResumeCacheSize: 512,
			ResumeTTL:       10 * time.Minute,
		},
		Workflow: WorkflowConfig{
			MaxWorkers: 10,
			ResultsDir: "results",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields the file omits keep their Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Registry.MaxAgents < 1 {
		return fmt.Errorf("registry.max_agents must be at least 1, got %d", c.Registry.MaxAgents)
	}

	if c.Heartbeat.MissThreshold < 1 {
		return fmt.Errorf("heartbeat.miss_threshold must be at least 1, got %d", c.Heartbeat.MissThreshold)
	}

	if c.Orchestrator.QueueDepth < 1 {
		return fmt.Errorf("orchestrator.queue_depth must be at least 1, got %d", c.Orchestrator.QueueDepth)
	}

	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1, got %d", c.Orchestrator.MaxAttempts)
	}

	if c.Bus.QueueDepth < 1 {
		return fmt.Errorf("bus.queue_depth must be at least 1, got %d", c.Bus.QueueDepth)
	}

	if c.Workflow.MaxWorkers < 1 {
		return fmt.Errorf("workflow.max_workers must be at least 1, got %d", c.Workflow.MaxWorkers)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	parse := func(raw, name string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", name, raw, err)
		}
		*dst = d
		return nil
	}

	if err := parse(cfg.Adapters.RequestTimeoutRaw, "adapters.request_timeout", &cfg.Adapters.RequestTimeout); err != nil {
		return err
	}
	if err := parse(cfg.Adapters.HealthTimeoutRaw, "adapters.health_timeout", &cfg.Adapters.HealthTimeout); err != nil {
		return err
	}
	if err := parse(cfg.Heartbeat.IntervalRaw, "heartbeat.interval", &cfg.Heartbeat.Interval); err != nil {
		return err
	}
	if err := parse(cfg.Heartbeat.StaleAfterRaw, "heartbeat.stale_after", &cfg.Heartbeat.StaleAfter); err != nil {
		return err
	}
	if err := parse(cfg.Orchestrator.StageTimeoutRaw, "orchestrator.stage_timeout", &cfg.Orchestrator.StageTimeout); err != nil {
		return err
	}
	if err := parse(cfg.Orchestrator.RetryInitialRaw, "orchestrator.retry_initial", &cfg.Orchestrator.RetryInitial); err != nil {
		return err
	}
	if err := parse(cfg.Orchestrator.RetryMaxDelayRaw, "orchestrator.retry_max_delay", &cfg.Orchestrator.RetryMaxDelay); err != nil {
		return err
	}
	if err := parse(cfg.Bus.ResumeTTLRaw, "bus.resume_ttl", &cfg.Bus.ResumeTTL); err != nil {
		return err
	}

	return nil
}
