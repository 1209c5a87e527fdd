package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

const (
	projectConfigName = ".quadscale.json"
	envPrefix         = "QUADSCALE_"
)

// Config holds the runtime configuration for quadscale.
// It can be populated from config files, QUADSCALE_* environment variables
// and CLI flags.
type Config struct {
	// Comment field for user documentation (ignored by the application)
	Comment string `json:"comment,omitempty"`

	// Channel state
	Profile           string `json:"profile,omitempty" env:"PROFILE"`                       // YAML profile path or built-in printer key
	StateDB           string `json:"state_db,omitempty" env:"STATE_DB"`                     // SQLite path; empty = in-memory
	TelemetryCapacity int    `json:"telemetry_capacity,omitempty" env:"TELEMETRY_CAPACITY"` // Telemetry ring buffer size
	StatusHistory     int    `json:"status_history,omitempty" env:"STATUS_HISTORY"`         // Status lines kept
	FlushOnDrain      bool   `json:"flush_on_drain,omitempty" env:"FLUSH_ON_DRAIN"`         // Emit a "drained" flush when the queue empties

	// File-load request source
	WatchDir string `json:"watch_dir,omitempty" env:"WATCH_DIR"`

	// MCP transport configuration
	Transport      string   `json:"transport,omitempty" env:"TRANSPORT"`                                  // "stdio" (default) or "http"
	HTTPHost       string   `json:"http_host,omitempty" env:"HTTP_HOST"`                                  // HTTP server bind address
	HTTPPort       int      `json:"http_port,omitempty" env:"HTTP_PORT"`                                  // HTTP server port
	AllowedOrigins []string `json:"allowed_origins,omitempty" env:"ALLOWED_ORIGINS" envSeparator:","` // Allowed Origin headers (glob)
	Stateless      bool     `json:"stateless,omitempty" env:"STATELESS"`                                  // Run HTTP transport in stateless mode

	// Web UI configuration
	WebUIPort int    `json:"webui_port,omitempty" env:"WEBUI_PORT"` // 0 = use same port as HTTP (default)
	WebUIHost string `json:"webui_host,omitempty" env:"WEBUI_HOST"` // default: 127.0.0.1

	// OTLP export of telemetry events
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" env:"OTLP_ENDPOINT"` // empty = no export

	// Logging configuration
	Verbose bool `json:"verbose,omitempty" env:"VERBOSE"`
}

// DefaultConfig returns a Config with sensible default values:
// - built-in P700-P900 channel set, state in memory
// - 200 telemetry events, 50 status lines
// - stdio transport (or http on port 4390)
func DefaultConfig() *Config {
	return &Config{
		TelemetryCapacity: 200,
		StatusHistory:     50,
		FlushOnDrain:      false,
		Transport:         "stdio",
		HTTPHost:          "127.0.0.1",
		HTTPPort:          4390,
		AllowedOrigins:    []string{"http://localhost:*", "http://127.0.0.1:*"},
		Stateless:         false,
		WebUIPort:         0,
		WebUIHost:         "127.0.0.1",
		Verbose:           false,
	}
}

// LoadConfigFromFile loads configuration from a JSON file at the given path.
// It returns an error if the file cannot be read or parsed.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &config, nil
}

// LoadConfigFromEnv reads QUADSCALE_* variables. Unset variables leave
// zero values, which MergeConfigs ignores.
func LoadConfigFromEnv() (*Config, error) {
	var config Config
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &config, nil
}

// FindProjectConfig searches for a .quadscale.json config file.
// It starts in the current directory and walks up looking for the file,
// stopping when it finds a .git directory (project root) or reaches root.
func FindProjectConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, projectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		// Stop at the repo root even if no config was found.
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", os.ErrNotExist
}

// GlobalConfigPath returns the path to the global config file.
// This is ~/.config/quadscale/config.json
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "quadscale", "config.json")
}

// MergeConfigs merges two configs with the overlay taking precedence.
// Fields in overlay override corresponding fields in base.
// Returns a new Config with the merged values.
func MergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if overlay == nil {
		return base
	}

	merged := *base

	// Channel state
	if overlay.Profile != "" {
		merged.Profile = overlay.Profile
	}
	if overlay.StateDB != "" {
		merged.StateDB = overlay.StateDB
	}
	if overlay.TelemetryCapacity > 0 {
		merged.TelemetryCapacity = overlay.TelemetryCapacity
	}
	if overlay.StatusHistory > 0 {
		merged.StatusHistory = overlay.StatusHistory
	}
	if overlay.FlushOnDrain {
		merged.FlushOnDrain = overlay.FlushOnDrain
	}
	if overlay.WatchDir != "" {
		merged.WatchDir = overlay.WatchDir
	}

	// HTTP transport settings
	if overlay.Transport != "" {
		merged.Transport = overlay.Transport
	}
	if overlay.HTTPHost != "" {
		merged.HTTPHost = overlay.HTTPHost
	}
	if overlay.HTTPPort > 0 {
		merged.HTTPPort = overlay.HTTPPort
	}
	if len(overlay.AllowedOrigins) > 0 {
		merged.AllowedOrigins = overlay.AllowedOrigins
	}
	if overlay.Stateless {
		merged.Stateless = overlay.Stateless
	}

	// Web UI settings
	if overlay.WebUIPort > 0 {
		merged.WebUIPort = overlay.WebUIPort
	}
	if overlay.WebUIHost != "" {
		merged.WebUIHost = overlay.WebUIHost
	}

	if overlay.OTLPEndpoint != "" {
		merged.OTLPEndpoint = overlay.OTLPEndpoint
	}
	if overlay.Verbose {
		merged.Verbose = overlay.Verbose
	}

	return &merged
}

// LoadEffectiveConfig loads the effective configuration by merging:
// 1. Built-in defaults
// 2. Global config file (if exists)
// 3. Project config file (if exists), or the explicit configPath
// 4. QUADSCALE_* environment variables
// Later sources override earlier ones. CLI flags are applied by the caller.
func LoadEffectiveConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Global config is optional; errors are ignored.
	if globalPath := GlobalConfigPath(); globalPath != "" {
		if globalCfg, err := LoadConfigFromFile(globalPath); err == nil {
			config = MergeConfigs(config, globalCfg)
		}
	}

	if configPath == "" {
		if projectPath, err := FindProjectConfig(); err == nil {
			projectCfg, err := LoadConfigFromFile(projectPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load project config: %w", err)
			}
			config = MergeConfigs(config, projectCfg)
		}
	} else {
		explicitCfg, err := LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = MergeConfigs(config, explicitCfg)
	}

	envCfg, err := LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return MergeConfigs(config, envCfg), nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Transport {
	case "", "stdio", "http":
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", c.Transport)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.WebUIPort < 0 || c.WebUIPort > 65535 {
		return fmt.Errorf("invalid webui_port %d", c.WebUIPort)
	}
	if c.TelemetryCapacity < 0 {
		return fmt.Errorf("invalid telemetry_capacity %d", c.TelemetryCapacity)
	}
	return nil
}
