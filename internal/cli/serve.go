package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/logging"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/mcpserver"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/otlpexport"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/webui"
)

// ServeCommand returns the CLI command definition for the 'serve' subcommand.
// This command starts the scaling coordinator with its MCP server, and
// optionally the web UI, a request directory watcher and an OTLP exporter.
func ServeCommand() *cli.Command {
	flags := append(sessionFlags(),
		&cli.IntFlag{
			Name:  "status-history",
			Usage: "Number of status lines to keep",
		},
		&cli.BoolFlag{
			Name:  "flush-on-drain",
			Usage: "Record a flush event each time the queue drains",
		},
		&cli.StringFlag{
			Name:  "watch-dir",
			Usage: "Directory of *.jsonl scale requests to tail",
		},
		&cli.StringFlag{
			Name:  "transport",
			Usage: "MCP transport: stdio or http",
		},
		&cli.StringFlag{
			Name:  "http-host",
			Usage: "HTTP transport bind address",
		},
		&cli.IntFlag{
			Name:  "http-port",
			Usage: "HTTP transport port",
		},
		&cli.BoolFlag{
			Name:  "stateless",
			Usage: "Run the HTTP transport without MCP sessions",
		},
		&cli.StringFlag{
			Name:  "webui-host",
			Usage: "Web UI bind address",
		},
		&cli.IntFlag{
			Name:  "webui-port",
			Usage: "Web UI port (0 serves it on the HTTP transport port)",
		},
		&cli.StringFlag{
			Name:  "otlp-endpoint",
			Usage: "Export telemetry as OTLP logs to this gRPC endpoint",
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Start the scaling coordinator and MCP server",
		Description: `Starts the scaling coordinator for a printer profile and exposes it
over MCP (stdio by default, or streamable HTTP at /mcp). With the http
transport the web UI is served at /ui/ on the same port.`,
		Flags:  flags,
		Action: runServe,
	}
}

// runServe is the action handler for the serve command.
// It wires together all components: session, MCP server, web UI, watcher
// and exporter, and runs them until a signal or stdin EOF.
func runServe(cliCtx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cliCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, log, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Verbose {
		log.Infow("🔧 configuration",
			"profile", sess.Profile().Name,
			"state_db", cfg.StateDB,
			"telemetry_capacity", cfg.TelemetryCapacity,
			"transport", cfg.Transport,
			"watch_dir", cfg.WatchDir,
			"otlp_endpoint", cfg.OTLPEndpoint,
		)
	}

	mcpServer, err := mcpserver.NewServer(sess, mcpserver.ServerOptions{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if cfg.WatchDir != "" {
		if err := mcpServer.AddFileSource(ctx, cfg.WatchDir); err != nil {
			return err
		}
		log.Infof("📂 watching %s for scale requests", cfg.WatchDir)
	}

	g, gctx := errgroup.WithContext(ctx)
	// Stdin EOF ends the process just like a signal.
	gctx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpexport.New(otlpexport.Config{
			Endpoint: cfg.OTLPEndpoint,
			Version:  mcpserver.Version,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		defer exp.Close()
		log.Infof("📤 exporting telemetry to %s", cfg.OTLPEndpoint)
		g.Go(func() error { return exp.Run(gctx, sess.Recorder()) })
	}

	ui := webui.New(sess, webui.WithLogger(log))

	switch cfg.Transport {
	case "http":
		mux := http.NewServeMux()
		mux.Handle("/mcp", originGuard(cfg.AllowedOrigins, mcp.NewStreamableHTTPHandler(
			func(*http.Request) *mcp.Server { return mcpServer.MCPServer() },
			&mcp.StreamableHTTPOptions{Stateless: cfg.Stateless},
		)))
		if cfg.WebUIPort == 0 {
			ui.RegisterRoutes(mux)
		}
		addr := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
		g.Go(func() error {
			defer mcpServer.Shutdown()
			return serveHTTP(gctx, addr, logging.Middleware(log)(mux), log)
		})
		log.Infof("🎯 MCP server ready on http://%s/mcp", addr)
		if cfg.WebUIPort == 0 {
			log.Infof("🌐 web UI on http://%s/ui/", addr)
		}
	default:
		g.Go(func() error {
			defer cancelRun()
			if err := mcpServer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		})
		log.Info("🎯 MCP server ready on stdio")
	}

	if cfg.WebUIPort > 0 {
		addr := net.JoinHostPort(cfg.WebUIHost, strconv.Itoa(cfg.WebUIPort))
		g.Go(func() error { return ui.ListenAndServe(gctx, addr) })
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("📡 received signal, shutting down")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(err, sess.Close(closeCtx))
}

// serveHTTP runs an HTTP server until ctx is done.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, log *zap.SugaredLogger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Debugw("shutting down HTTP server", "addr", addr)
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// originGuard rejects browser requests whose Origin matches none of the
// allowed glob patterns. Requests without an Origin header pass.
func originGuard(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || originAllowed(origin, allowed) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "origin not allowed", http.StatusForbidden)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, pattern := range allowed {
		if ok, _ := path.Match(pattern, origin); ok {
			return true
		}
	}
	return false
}
