// ABOUTME: Configuration loading and parsing for coven-video
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-video/internal/auth"
	"github.com/2389/coven-video/internal/embed"
	"github.com/2389/coven-video/internal/launcher"
	"github.com/2389/coven-video/internal/provider"
)

// Config represents the complete coven-video configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Backend   BackendConfig   `yaml:"backend" toml:"backend"`
	Provider  ProviderConfig  `yaml:"provider" toml:"provider"`
	Embed     EmbedConfig     `yaml:"embed" toml:"embed"`
	Launcher  LauncherConfig  `yaml:"launcher" toml:"launcher"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// AllowedOrigins lists browser origins allowed to open the websocket.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve with tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverREST   = "rest"
)

// DatabaseConfig selects where conversation records live
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"` // sqlite only
}

// BackendConfig holds the hosted identity/database backend settings
type BackendConfig struct {
	URL        string `yaml:"url" toml:"url"`
	AnonKey    string `yaml:"anon_key" toml:"anon_key"`
	ServiceKey string `yaml:"service_key" toml:"service_key"`
	JWTSecret  string `yaml:"jwt_secret" toml:"jwt_secret"`
	// JWTAudience is required in user tokens when set.
	JWTAudience string `yaml:"jwt_audience" toml:"jwt_audience"`
}

// ProviderConfig holds the video provider credentials and session defaults.
// Missing values are reported per request, not at startup.
type ProviderConfig struct {
	BaseURL          string `yaml:"base_url" toml:"base_url"`
	APIKey           string `yaml:"api_key" toml:"api_key"`
	ReplicaID        string `yaml:"replica_id" toml:"replica_id"`
	PersonaID        string `yaml:"persona_id" toml:"persona_id"`
	ConversationName string `yaml:"conversation_name" toml:"conversation_name"`
	CallbackURL      string `yaml:"callback_url" toml:"callback_url"`
	EnableRecording  bool   `yaml:"enable_recording" toml:"enable_recording"`

	Timeout                time.Duration `yaml:"-" toml:"-"`
	MaxCallDuration        time.Duration `yaml:"-" toml:"-"`
	ParticipantLeftTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw                string `yaml:"timeout" toml:"timeout"`
	MaxCallDurationRaw        string `yaml:"max_call_duration" toml:"max_call_duration"`
	ParticipantLeftTimeoutRaw string `yaml:"participant_left_timeout" toml:"participant_left_timeout"`
}

// EmbedConfig holds the embedded-session controller settings
type EmbedConfig struct {
	TrustedOrigins   []string `yaml:"trusted_origins" toml:"trusted_origins"`
	EndOnWindowClose bool     `yaml:"end_on_window_close" toml:"end_on_window_close"`

	BlockTimeout       time.Duration `yaml:"-" toml:"-"`
	EscalationDelay    time.Duration `yaml:"-" toml:"-"`
	ProgressInterval   time.Duration `yaml:"-" toml:"-"`
	WindowPollInterval time.Duration `yaml:"-" toml:"-"`
	WindowPollCap      time.Duration `yaml:"-" toml:"-"`

	BlockTimeoutRaw       string `yaml:"block_timeout" toml:"block_timeout"`
	EscalationDelayRaw    string `yaml:"escalation_delay" toml:"escalation_delay"`
	ProgressIntervalRaw   string `yaml:"progress_interval" toml:"progress_interval"`
	WindowPollIntervalRaw string `yaml:"window_poll_interval" toml:"window_poll_interval"`
	WindowPollCapRaw      string `yaml:"window_poll_cap" toml:"window_poll_cap"`
}

// LauncherConfig holds session orchestration settings
type LauncherConfig struct {
	// CompensateOrphans ends a remote session whose record could not be
	// saved. Defaults to true.
	CompensateOrphans *bool `yaml:"compensate_orphans" toml:"compensate_orphans"`
	// StartRate is the sustained session starts per minute allowed per user.
	StartRate  float64 `yaml:"start_rate" toml:"start_rate"`
	StartBurst int     `yaml:"start_burst" toml:"start_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// File, when set, also writes JSON logs to this path.
	File string `yaml:"file" toml:"file"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// CompensateOrphansEnabled reports the effective orphan-compensation setting.
func (l LauncherConfig) CompensateOrphansEnabled() bool {
	return l.CompensateOrphans == nil || *l.CompensateOrphans
}

// ProviderClientConfig returns the settings for the provider client.
func (c *Config) ProviderClientConfig() provider.Config {
	return provider.Config{
		BaseURL:                c.Provider.BaseURL,
		APIKey:                 c.Provider.APIKey,
		ReplicaID:              c.Provider.ReplicaID,
		PersonaID:              c.Provider.PersonaID,
		ConversationName:       c.Provider.ConversationName,
		CallbackURL:            c.Provider.CallbackURL,
		Timeout:                c.Provider.Timeout,
		MaxCallDuration:        c.Provider.MaxCallDuration,
		ParticipantLeftTimeout: c.Provider.ParticipantLeftTimeout,
		EnableRecording:        c.Provider.EnableRecording,
	}
}

// EmbedControllerConfig returns the controller settings. Unset values are
// filled with the controller's own defaults.
func (c *Config) EmbedControllerConfig() embed.Config {
	return embed.Config{
		TrustedOrigins:     c.Embed.TrustedOrigins,
		BlockTimeout:       c.Embed.BlockTimeout,
		EscalationDelay:    c.Embed.EscalationDelay,
		ProgressInterval:   c.Embed.ProgressInterval,
		WindowPollInterval: c.Embed.WindowPollInterval,
		WindowPollCap:      c.Embed.WindowPollCap,
		EndOnWindowClose:   c.Embed.EndOnWindowClose,
	}
}

// SessionLauncherConfig returns the launcher settings.
func (c *Config) SessionLauncherConfig() launcher.Config {
	return launcher.Config{
		CompensateOrphans: c.Launcher.CompensateOrphansEnabled(),
		Embed:             c.EmbedControllerConfig(),
	}
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "localhost:8090"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://tavusapi.com/v2"
	}
	if c.Launcher.StartRate == 0 {
		c.Launcher.StartRate = 6
	}
	if c.Launcher.StartBurst == 0 {
		c.Launcher.StartBurst = 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the settings without which the server cannot start.
// Provider settings are deliberately absent: they fail individual requests.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Backend.JWTSecret == "" {
		return fmt.Errorf("backend.jwt_secret is required")
	}
	if len(c.Backend.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("backend.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverREST:
		if c.Backend.URL == "" {
			return fmt.Errorf("backend.url is required for the rest driver")
		}
		if c.Backend.AnonKey == "" {
			return fmt.Errorf("backend.anon_key is required for the rest driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, rest", c.Database.Driver)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Launcher.StartRate < 0 || c.Launcher.StartBurst < 0 {
		return fmt.Errorf("launcher.start_rate and launcher.start_burst must not be negative")
	}

	if len(c.Embed.TrustedOrigins) > 0 {
		if _, err := embed.NewOriginMatcher(c.Embed.TrustedOrigins); err != nil {
			return fmt.Errorf("embed.trusted_origins: %w", err)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"provider.timeout", cfg.Provider.TimeoutRaw, &cfg.Provider.Timeout},
		{"provider.max_call_duration", cfg.Provider.MaxCallDurationRaw, &cfg.Provider.MaxCallDuration},
		{"provider.participant_left_timeout", cfg.Provider.ParticipantLeftTimeoutRaw, &cfg.Provider.ParticipantLeftTimeout},
		{"embed.block_timeout", cfg.Embed.BlockTimeoutRaw, &cfg.Embed.BlockTimeout},
		{"embed.escalation_delay", cfg.Embed.EscalationDelayRaw, &cfg.Embed.EscalationDelay},
		{"embed.progress_interval", cfg.Embed.ProgressIntervalRaw, &cfg.Embed.ProgressInterval},
		{"embed.window_poll_interval", cfg.Embed.WindowPollIntervalRaw, &cfg.Embed.WindowPollInterval},
		{"embed.window_poll_cap", cfg.Embed.WindowPollCapRaw, &cfg.Embed.WindowPollCap},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
