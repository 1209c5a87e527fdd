package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sess, err := session.New(context.Background(), session.Config{Profile: "P400"})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close(context.Background()) })

	srv, err := NewServer(sess)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestServerCreation(t *testing.T) {
	srv := newTestServer(t)
	assert.NotNil(t, srv.MCPServer())
	assert.Empty(t, srv.ListFileSources())
}

func TestServerCreationNilSession(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
}

// TestToolsOverInMemoryTransport exercises tool registration end to end
// through a real client session.
func TestToolsOverInMemoryTransport(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"scale", "flush_queue", "get_telemetry", "clear_telemetry",
		"get_scaling_audit", "reset_scaling_audit", "validate_scaling_sync",
		"get_channels", "get_coordinator_stats", "add_file_source", "remove_file_source",
	}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "scale",
		Arguments: map[string]any{"percent": 82, "source": "test-source"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	out, ok := res.StructuredContent.(map[string]any)
	require.True(t, ok, "structured content: %T", res.StructuredContent)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(6), out["processed"])

	resources, err := cs.ListResources(ctx, &mcp.ListResourcesParams{})
	require.NoError(t, err)
	assert.Len(t, resources.Resources, 5)
}

func TestFileSourceManagement(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "req.jsonl"), []byte(`{"percent": 70}`+"\n"), 0o644))

	require.NoError(t, srv.AddFileSource(ctx, dir))
	assert.Error(t, srv.AddFileSource(ctx, dir), "duplicate directory")
	assert.Equal(t, []string{dir}, srv.ListFileSources())

	stats := srv.FileSourceStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Submitted)

	require.Eventually(t, func() bool {
		return srv.session.Coordinator().Stats().Succeeded == 1
	}, 2*time.Second, 10*time.Millisecond)
	snap, err := srv.session.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 70.0, snap.GlobalPercent)

	require.NoError(t, srv.RemoveFileSource(dir))
	assert.Error(t, srv.RemoveFileSource(dir))
	assert.Empty(t, srv.ListFileSources())

	assert.Error(t, srv.AddFileSource(ctx, filepath.Join(dir, "missing")))
}
