package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/logging"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/session"
)

// sessionFlags are shared by every command that builds a session.
func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a JSON config file (default: .quadscale.json in the project)",
		},
		&cli.StringFlag{
			Name:  "profile",
			Usage: "Printer profile: built-in key (P400, P700P900, x900) or YAML path",
		},
		&cli.StringFlag{
			Name:  "state-db",
			Usage: "SQLite file for channel state (default: in-memory)",
		},
		&cli.IntFlag{
			Name:  "telemetry-capacity",
			Usage: "Number of telemetry events to buffer",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
	}
}

// loadConfig resolves the effective config and applies explicitly set
// flags on top. Flags win over every other layer.
func loadConfig(cmd *cli.Command) (*Config, error) {
	cfg, err := LoadEffectiveConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	set := func(name string, apply func()) {
		if cmd.IsSet(name) {
			apply()
		}
	}
	set("profile", func() { cfg.Profile = cmd.String("profile") })
	set("state-db", func() { cfg.StateDB = cmd.String("state-db") })
	set("telemetry-capacity", func() { cfg.TelemetryCapacity = cmd.Int("telemetry-capacity") })
	set("status-history", func() { cfg.StatusHistory = cmd.Int("status-history") })
	set("flush-on-drain", func() { cfg.FlushOnDrain = cmd.Bool("flush-on-drain") })
	set("watch-dir", func() { cfg.WatchDir = cmd.String("watch-dir") })
	set("transport", func() { cfg.Transport = cmd.String("transport") })
	set("http-host", func() { cfg.HTTPHost = cmd.String("http-host") })
	set("http-port", func() { cfg.HTTPPort = cmd.Int("http-port") })
	set("stateless", func() { cfg.Stateless = cmd.Bool("stateless") })
	set("webui-host", func() { cfg.WebUIHost = cmd.String("webui-host") })
	set("webui-port", func() { cfg.WebUIPort = cmd.Int("webui-port") })
	set("otlp-endpoint", func() { cfg.OTLPEndpoint = cmd.String("otlp-endpoint") })
	set("verbose", func() { cfg.Verbose = cmd.Bool("verbose") })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSession builds the logger and session for cfg.
func openSession(ctx context.Context, cfg *Config) (*session.Session, *zap.SugaredLogger, error) {
	log, err := logging.New(cfg.Verbose)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	sess, err := session.New(ctx, session.Config{
		Profile:           cfg.Profile,
		StateDB:           cfg.StateDB,
		TelemetryCapacity: cfg.TelemetryCapacity,
		StatusHistory:     cfg.StatusHistory,
		FlushOnDrain:      cfg.FlushOnDrain,
		Logger:            log,
	})
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	return sess, log, nil
}
