package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/channels"
)

const mcpServerName = "quadscale"

// DoctorCommand returns the CLI command definition for the 'doctor' subcommand.
// This command runs diagnostic checks to verify quadscale is properly configured.
func DoctorCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Diagnose common setup and configuration issues",
		Description: `Run checks to verify quadscale is properly configured.

This command checks:
  - Binary location and permissions
  - Effective configuration (files, QUADSCALE_* environment)
  - Printer profile, watch directory and state database
  - OTLP exporter endpoint reachability
  - MCP configuration file entry

Exit codes:
  0 - All critical checks passed
  1 - One or more issues found`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a JSON config file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := LoadEffectiveConfig(cmd.String("config"))
			if err == nil {
				err = cfg.Validate()
			}
			return runDoctorWithUtils(version, cfg, err, &realFsUtils{})
		},
	}
}

type checkResult struct {
	Name       string
	Status     string // "pass", "warn", "fail"
	Message    string
	Suggestion string
	IsCritical bool
}

type fsUtils interface {
	Executable() (string, error)
	Stat(name string) (os.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	UserHomeDir() (string, error)
	Getwd() (string, error)
	DialTimeout(network, address string, timeout time.Duration) (net.Conn, error)
}

type realFsUtils struct{}

func (r *realFsUtils) Executable() (string, error)           { return os.Executable() }
func (r *realFsUtils) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (r *realFsUtils) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }
func (r *realFsUtils) UserHomeDir() (string, error)          { return os.UserHomeDir() }
func (r *realFsUtils) Getwd() (string, error)                { return os.Getwd() }
func (r *realFsUtils) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// runDoctorWithUtils runs every check. cfgErr is the error from loading
// the effective config; cfg may be nil when it is set.
func runDoctorWithUtils(version string, cfg *Config, cfgErr error, utils fsUtils) error {
	fmt.Printf("🔍 quadscale doctor v%s\n\n", version)

	results := []checkResult{
		checkBinaryLocation(utils),
		checkBinaryExecutable(utils),
		checkConfig(cfg, cfgErr),
	}
	if cfgErr == nil {
		results = append(results,
			checkProfile(utils, cfg),
			checkWatchDir(utils, cfg),
			checkStateDB(utils, cfg),
			checkExporter(utils, cfg),
		)
	}
	results = append(results, checkMCPConfig(utils))

	for _, result := range results {
		printCheckResult(result)
	}

	fmt.Println()
	summary := summarizeResults(results)
	printSummary(summary)

	if summary.FailCount > 0 {
		return fmt.Errorf("found %d issues that need attention", summary.FailCount)
	}

	return nil
}

func printCheckResult(result checkResult) {
	var icon string
	switch result.Status {
	case "pass":
		icon = "✓"
	case "warn":
		icon = "⚠"
	case "fail":
		icon = "✗"
	}

	fmt.Printf("%s %s\n", icon, result.Message)

	if result.Suggestion != "" {
		fmt.Printf("  %s\n", result.Suggestion)
	}
}

type resultSummary struct {
	PassCount int
	WarnCount int
	FailCount int
}

func summarizeResults(results []checkResult) resultSummary {
	var summary resultSummary
	for _, r := range results {
		switch r.Status {
		case "pass":
			summary.PassCount++
		case "warn":
			summary.WarnCount++
		case "fail":
			summary.FailCount++
		}
	}
	return summary
}

func printSummary(summary resultSummary) {
	if summary.FailCount > 0 {
		fmt.Printf("❌ Found %d issue(s) that need attention\n", summary.FailCount)
		if summary.WarnCount > 0 {
			fmt.Printf("⚠️  %d warning(s)\n", summary.WarnCount)
		}
	} else if summary.WarnCount > 0 {
		fmt.Printf("✅ All critical checks passed!\n")
		fmt.Printf("⚠️  %d optional warning(s)\n", summary.WarnCount)
		fmt.Printf("💡 Run 'quadscale serve --verbose' to start the server\n")
	} else {
		fmt.Printf("✅ All checks passed!\n")
		fmt.Printf("💡 Run 'quadscale serve --verbose' to start the server\n")
	}
}

func checkBinaryLocation(utils fsUtils) checkResult {
	executable, err := utils.Executable()
	if err != nil {
		return checkResult{
			Name:       "binary_location",
			Status:     "fail",
			Message:    "Could not determine binary location",
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	absPath, err := filepath.Abs(executable)
	if err != nil {
		absPath = executable
	}

	return checkResult{
		Name:    "binary_location",
		Status:  "pass",
		Message: fmt.Sprintf("Binary location: %s", absPath),
	}
}

func checkBinaryExecutable(utils fsUtils) checkResult {
	executable, err := utils.Executable()
	if err != nil {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Could not check if binary is executable",
			IsCritical: true,
		}
	}

	info, err := utils.Stat(executable)
	if err != nil || info == nil {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Could not stat binary",
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	if info.Mode()&0111 == 0 {
		return checkResult{
			Name:       "binary_executable",
			Status:     "fail",
			Message:    "Binary is not executable",
			Suggestion: fmt.Sprintf("Run: chmod +x %s", executable),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "binary_executable",
		Status:  "pass",
		Message: "Binary is executable",
	}
}

func checkConfig(cfg *Config, cfgErr error) checkResult {
	if cfgErr != nil {
		return checkResult{
			Name:       "config",
			Status:     "fail",
			Message:    "Configuration is invalid",
			Suggestion: fmt.Sprintf("Error: %v", cfgErr),
			IsCritical: true,
		}
	}
	return checkResult{
		Name:    "config",
		Status:  "pass",
		Message: fmt.Sprintf("Configuration loaded (transport %s, telemetry capacity %d)", cfg.Transport, cfg.TelemetryCapacity),
	}
}

func checkProfile(utils fsUtils, cfg *Config) checkResult {
	key := cfg.Profile
	if key == "" {
		key = channels.DefaultPrinter
	}

	var profile *channels.Profile
	var err error
	if _, builtin := channels.BuiltinPrinters[key]; builtin {
		profile, err = channels.BuiltinProfile(key)
	} else {
		var data []byte
		data, err = utils.ReadFile(key)
		if err == nil {
			profile, err = channels.ParseProfile(data)
		}
	}
	if err != nil {
		return checkResult{
			Name:       "profile",
			Status:     "fail",
			Message:    fmt.Sprintf("Could not load profile %s", key),
			Suggestion: fmt.Sprintf("Error: %v\n  Use a built-in printer key or a YAML file with a channels list", err),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "profile",
		Status:  "pass",
		Message: fmt.Sprintf("Profile: %s (%d channels)", profile.Name, len(profile.Channels)),
	}
}

func checkWatchDir(utils fsUtils, cfg *Config) checkResult {
	if cfg.WatchDir == "" {
		return checkResult{
			Name:    "watch_dir",
			Status:  "pass",
			Message: "Watch directory: not configured",
		}
	}

	info, err := utils.Stat(cfg.WatchDir)
	if err != nil || info == nil || !info.IsDir() {
		return checkResult{
			Name:       "watch_dir",
			Status:     "fail",
			Message:    fmt.Sprintf("Watch directory %s is not a directory", cfg.WatchDir),
			Suggestion: fmt.Sprintf("Run: mkdir -p %s", cfg.WatchDir),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "watch_dir",
		Status:  "pass",
		Message: fmt.Sprintf("Watch directory: %s", cfg.WatchDir),
	}
}

func checkStateDB(utils fsUtils, cfg *Config) checkResult {
	if cfg.StateDB == "" || cfg.StateDB == ":memory:" {
		return checkResult{
			Name:    "state_db",
			Status:  "pass",
			Message: "Channel state: in-memory",
		}
	}

	if _, err := utils.Stat(cfg.StateDB); err == nil {
		return checkResult{
			Name:    "state_db",
			Status:  "pass",
			Message: fmt.Sprintf("Channel state: %s (will resume)", cfg.StateDB),
		}
	}

	dir := filepath.Dir(cfg.StateDB)
	if info, err := utils.Stat(dir); err != nil || info == nil || !info.IsDir() {
		return checkResult{
			Name:       "state_db",
			Status:     "fail",
			Message:    fmt.Sprintf("State DB directory %s does not exist", dir),
			Suggestion: fmt.Sprintf("Run: mkdir -p %s", dir),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "state_db",
		Status:  "pass",
		Message: fmt.Sprintf("Channel state: %s (will be created)", cfg.StateDB),
	}
}

func checkExporter(utils fsUtils, cfg *Config) checkResult {
	if cfg.OTLPEndpoint == "" {
		return checkResult{
			Name:    "otlp_endpoint",
			Status:  "pass",
			Message: "OTLP export: disabled",
		}
	}

	if _, _, err := net.SplitHostPort(cfg.OTLPEndpoint); err != nil {
		return checkResult{
			Name:       "otlp_endpoint",
			Status:     "fail",
			Message:    fmt.Sprintf("OTLP endpoint %q is not host:port", cfg.OTLPEndpoint),
			Suggestion: "Example: 127.0.0.1:4317",
			IsCritical: true,
		}
	}

	conn, err := utils.DialTimeout("tcp", cfg.OTLPEndpoint, 2*time.Second)
	if err != nil {
		return checkResult{
			Name:       "otlp_endpoint",
			Status:     "warn",
			Message:    fmt.Sprintf("OTLP endpoint %s is not reachable", cfg.OTLPEndpoint),
			Suggestion: "Exports will be retried; start the collector before serving",
		}
	}
	conn.Close()

	return checkResult{
		Name:    "otlp_endpoint",
		Status:  "pass",
		Message: fmt.Sprintf("OTLP endpoint reachable: %s", cfg.OTLPEndpoint),
	}
}

func checkMCPConfig(utils fsUtils) checkResult {
	configPath := getMCPConfigPath(utils)
	allPaths := getMCPConfigPaths(utils)

	if _, err := utils.Stat(configPath); err != nil {
		executable, _ := utils.Executable()
		absPath, _ := filepath.Abs(executable)

		var locations strings.Builder
		for _, p := range allPaths {
			fmt.Fprintf(&locations, "  - %s\n", p)
		}

		suggestion := fmt.Sprintf(`MCP config not found. Checked:
%s
  Example config:
  {
    "mcpServers": {
      "%s": {
        "command": "%s",
        "args": ["serve"]
      }
    }
  }`, locations.String(), mcpServerName, absPath)

		return checkResult{
			Name:       "mcp_config",
			Status:     "warn",
			Message:    "MCP config not found",
			Suggestion: suggestion,
		}
	}

	data, err := utils.ReadFile(configPath)
	if err != nil {
		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "Could not read MCP config",
			Suggestion: fmt.Sprintf("Error reading %s: %v", configPath, err),
			IsCritical: true,
		}
	}

	var config struct {
		MCPServers map[string]struct {
			Command string `json:"command"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return checkResult{
			Name:       "mcp_config",
			Status:     "fail",
			Message:    "MCP config is not valid JSON",
			Suggestion: fmt.Sprintf("Error parsing %s: %v", configPath, err),
			IsCritical: true,
		}
	}

	entry, ok := config.MCPServers[mcpServerName]
	if !ok {
		return checkResult{
			Name:       "mcp_config",
			Status:     "warn",
			Message:    fmt.Sprintf("MCP config found: %s", configPath),
			Suggestion: fmt.Sprintf("Config does not contain a '%s' server entry", mcpServerName),
		}
	}

	executable, _ := utils.Executable()
	absExecutable, _ := filepath.Abs(executable)
	if entry.Command != "" && entry.Command != absExecutable {
		return checkResult{
			Name:    "mcp_config",
			Status:  "warn",
			Message: fmt.Sprintf("MCP config found: %s", configPath),
			Suggestion: fmt.Sprintf("Config path (%s) differs from current binary (%s)",
				entry.Command, absExecutable),
		}
	}

	return checkResult{
		Name:    "mcp_config",
		Status:  "pass",
		Message: fmt.Sprintf("MCP config found: %s", configPath),
	}
}

// getMCPConfigPaths returns possible MCP config file paths, project-level
// first.
func getMCPConfigPaths(utils fsUtils) []string {
	homeDir, err := utils.UserHomeDir()
	if err != nil {
		return nil
	}

	cwd, _ := utils.Getwd()

	var paths []string
	if cwd != "" {
		paths = append(paths, filepath.Join(cwd, ".mcp.json"))
	}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths = append(paths, filepath.Join(appData, "Claude", "claude_desktop_config.json"))
	case "darwin":
		paths = append(paths, filepath.Join(homeDir, "Library", "Application Support", "Claude", "claude_desktop_config.json"))
	default:
		paths = append(paths, filepath.Join(homeDir, ".config", "Claude", "claude_desktop_config.json"))
	}

	return paths
}

// getMCPConfigPath returns the first existing MCP config file path
func getMCPConfigPath(utils fsUtils) string {
	paths := getMCPConfigPaths(utils)
	for _, path := range paths {
		if _, err := utils.Stat(path); err == nil {
			return path
		}
	}
	if len(paths) > 0 {
		return paths[0]
	}
	return ""
}
