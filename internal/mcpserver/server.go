package mcpserver

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/filereader"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/session"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// Server wraps the MCP server around a scaling session.
// It exposes the coordinator, telemetry buffer and sync audit as tools and
// resources.
type Server struct {
	mcpServer *mcp.Server
	session   *session.Session
	log       *zap.SugaredLogger

	// File sources - directories being watched for JSONL scale requests
	fileSourcesMu sync.RWMutex
	fileSources   map[string]*filereader.FileSource
}

// ServerOptions configures the MCP server.
type ServerOptions struct {
	Logger *zap.SugaredLogger
}

// NewServer creates a new MCP server bound to sess.
func NewServer(sess *session.Session, opts ...ServerOptions) (*Server, error) {
	if sess == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}

	var log *zap.SugaredLogger
	if len(opts) > 0 {
		log = opts[0].Logger
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &Server{
		session:     sess,
		log:         log,
		fileSources: make(map[string]*filereader.FileSource),
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "quadscale",
		Title:   "quadGEN Scaling Coordinator",
		Version: Version,
	}, &mcp.ServerOptions{
		Instructions: `Serialized ink-channel scaling with a bounded telemetry trail and a canonical/legacy sync audit.

Workflow: get_channels -> scale -> get_telemetry / get_scaling_audit -> validate_scaling_sync.

Tools: scale (queue a percent), flush_queue (drop pending), get_telemetry/clear_telemetry (lifecycle events),
get_scaling_audit/reset_scaling_audit/validate_scaling_sync (drift detection), get_coordinator_stats.
Resources: quadscale://channels, quadscale://telemetry, quadscale://audit, quadscale://status, quadscale://file-sources.`,
		SubscribeHandler:   func(_ context.Context, _ *mcp.SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(_ context.Context, _ *mcp.UnsubscribeRequest) error { return nil },
	})

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	s.registerResources()

	return s, nil
}

// Run starts the MCP server on stdio transport.
// This method blocks until the context is cancelled or EOF is received on stdin.
func (s *Server) Run(ctx context.Context) error {
	transport := &mcp.StdioTransport{}
	err := s.mcpServer.Run(ctx, transport)

	s.stopAllFileSources()

	return err
}

// MCPServer returns the underlying mcp.Server for use with alternative transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Shutdown performs cleanup when using non-stdio transports.
// For stdio transport, this cleanup is handled by Run() automatically.
func (s *Server) Shutdown() {
	s.stopAllFileSources()
}

// AddFileSource starts watching a directory of JSONL scale requests.
// Returns an error if the directory is already being watched.
func (s *Server) AddFileSource(ctx context.Context, directory string) error {
	s.fileSourcesMu.Lock()
	defer s.fileSourcesMu.Unlock()

	if _, exists := s.fileSources[directory]; exists {
		return fmt.Errorf("directory %s is already being watched", directory)
	}

	fs, err := filereader.New(filereader.Config{
		Directory: directory,
		Logger:    s.log,
	}, s.session.Coordinator())
	if err != nil {
		return fmt.Errorf("failed to create file source: %w", err)
	}

	if err := fs.Start(ctx); err != nil {
		fs.Stop()
		return fmt.Errorf("failed to start file source: %w", err)
	}

	s.fileSources[directory] = fs
	return nil
}

// RemoveFileSource stops and removes a file source.
// The source is removed from the map under the lock, then stopped
// outside the lock so fs.Stop cannot block other operations.
func (s *Server) RemoveFileSource(directory string) error {
	s.fileSourcesMu.Lock()
	fs, exists := s.fileSources[directory]
	if !exists {
		s.fileSourcesMu.Unlock()
		return fmt.Errorf("directory %s is not being watched", directory)
	}
	delete(s.fileSources, directory)
	s.fileSourcesMu.Unlock()

	fs.Stop()
	return nil
}

// ListFileSources returns all watched directories, sorted.
func (s *Server) ListFileSources() []string {
	s.fileSourcesMu.RLock()
	defer s.fileSourcesMu.RUnlock()

	dirs := make([]string, 0, len(s.fileSources))
	for dir := range s.fileSources {
		dirs = append(dirs, dir)
	}
	slices.Sort(dirs)
	return dirs
}

// FileSourceStats returns stats for all file sources.
func (s *Server) FileSourceStats() []filereader.Stats {
	s.fileSourcesMu.RLock()
	defer s.fileSourcesMu.RUnlock()

	stats := make([]filereader.Stats, 0, len(s.fileSources))
	for _, fs := range s.fileSources {
		stats = append(stats, fs.Stats())
	}
	slices.SortFunc(stats, func(a, b filereader.Stats) int {
		return cmp.Compare(a.Directory, b.Directory)
	})
	return stats
}

// stopAllFileSources stops all file sources (called on shutdown).
// Sources are collected and the map cleared under the lock, then
// stopped outside the lock.
func (s *Server) stopAllFileSources() {
	s.fileSourcesMu.Lock()
	sources := make([]*filereader.FileSource, 0, len(s.fileSources))
	for _, fs := range s.fileSources {
		sources = append(sources, fs)
	}
	clear(s.fileSources)
	s.fileSourcesMu.Unlock()

	for _, fs := range sources {
		fs.Stop()
	}
}
