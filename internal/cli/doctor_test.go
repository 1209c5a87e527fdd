package cli

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFsUtils struct {
	executable    string
	executableErr error
	statMap       map[string]os.FileInfo
	statErr       error
	readFileMap   map[string][]byte
	readFileErr   error
	homeDir       string
	homeDirErr    error
	cwd           string
	cwdErr        error
	dialErr       error
}

func (m *mockFsUtils) Executable() (string, error) { return m.executable, m.executableErr }
func (m *mockFsUtils) Stat(name string) (os.FileInfo, error) {
	if info, ok := m.statMap[name]; ok {
		return info, nil
	}
	return nil, m.statErr
}
func (m *mockFsUtils) ReadFile(name string) ([]byte, error) {
	if content, ok := m.readFileMap[name]; ok {
		return content, nil
	}
	return nil, m.readFileErr
}
func (m *mockFsUtils) UserHomeDir() (string, error) { return m.homeDir, m.homeDirErr }
func (m *mockFsUtils) Getwd() (string, error)       { return m.cwd, m.cwdErr }
func (m *mockFsUtils) DialTimeout(_, _ string, _ time.Duration) (net.Conn, error) {
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

// captureStdout runs fn with os.Stdout redirected and returns what it printed.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outC <- buf.String()
	}()

	fn()
	w.Close()
	return <-outC
}

func TestDoctorCommand(t *testing.T) {
	// No MCP config, default profile, nothing optional configured.
	mockUtils1 := &mockFsUtils{
		executable: "/usr/local/bin/quadscale",
		homeDir:    "/home/testuser",
		cwd:        "/home/testuser/project",
		statMap: map[string]os.FileInfo{
			"/usr/local/bin/quadscale": &mockFileInfo{mode: 0755},
		},
		statErr: os.ErrNotExist,
	}

	var err error
	out := captureStdout(t, func() {
		err = runDoctorWithUtils("test-version", DefaultConfig(), nil, mockUtils1)
	})

	assert.NoError(t, err)
	assert.Contains(t, out, "✓ Profile: Epson P700-P900 (10 channels)")
	assert.Contains(t, out, "✓ Channel state: in-memory")
	assert.Contains(t, out, "✓ OTLP export: disabled")
	assert.Contains(t, out, "⚠ MCP config not found")
	assert.Contains(t, out, "✅ All critical checks passed!")

	// Project .mcp.json with a matching entry, YAML profile, state DB and
	// reachable exporter.
	project := "/home/testuser/project"
	mcpConfig := []byte(`{
		"mcpServers": {
			"quadscale": {
				"command": "/usr/local/bin/quadscale",
				"args": ["serve"]
			}
		}
	}`)
	profile := []byte("name: Studio\nchannels:\n  - name: K\n  - name: C\n    percent: 50\n")

	cfg := DefaultConfig()
	cfg.Profile = filepath.Join(project, "studio.yaml")
	cfg.StateDB = filepath.Join(project, "state", "channels.db")
	cfg.WatchDir = filepath.Join(project, "requests")
	cfg.OTLPEndpoint = "127.0.0.1:4317"

	mockUtils2 := &mockFsUtils{
		executable: "/usr/local/bin/quadscale",
		homeDir:    "/home/testuser",
		cwd:        project,
		statMap: map[string]os.FileInfo{
			filepath.Join(project, ".mcp.json"): &mockFileInfo{mode: 0644},
			filepath.Join(project, "state"):     &mockFileInfo{mode: os.ModeDir | 0755, isDir: true},
			filepath.Join(project, "requests"):  &mockFileInfo{mode: os.ModeDir | 0755, isDir: true},
			"/usr/local/bin/quadscale":          &mockFileInfo{mode: 0755},
		},
		statErr: os.ErrNotExist,
		readFileMap: map[string][]byte{
			filepath.Join(project, ".mcp.json"):   mcpConfig,
			filepath.Join(project, "studio.yaml"): profile,
		},
	}

	out = captureStdout(t, func() {
		err = runDoctorWithUtils("test-version", cfg, nil, mockUtils2)
	})

	assert.NoError(t, err)
	assert.Contains(t, out, "✓ Profile: Studio (2 channels)")
	assert.Contains(t, out, "(will be created)")
	assert.Contains(t, out, "✓ Watch directory: ")
	assert.Contains(t, out, "✓ OTLP endpoint reachable: 127.0.0.1:4317")
	assert.Contains(t, out, "✓ MCP config found: ")
	assert.Contains(t, out, "✅ All checks passed!")
}

func TestDoctorReportsFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profile = "missing.yaml"
	cfg.WatchDir = "/nope"
	cfg.OTLPEndpoint = "127.0.0.1:4317"

	utils := &mockFsUtils{
		executable: "/usr/local/bin/quadscale",
		homeDir:    "/home/testuser",
		cwd:        "/home/testuser/project",
		statMap: map[string]os.FileInfo{
			"/usr/local/bin/quadscale": &mockFileInfo{mode: 0644},
		},
		statErr:     os.ErrNotExist,
		readFileErr: os.ErrNotExist,
		dialErr:     errors.New("connection refused"),
	}

	var err error
	out := captureStdout(t, func() {
		err = runDoctorWithUtils("test-version", cfg, nil, utils)
	})

	assert.Error(t, err)
	assert.Contains(t, out, "✗ Binary is not executable")
	assert.Contains(t, out, "✗ Could not load profile missing.yaml")
	assert.Contains(t, out, "✗ Watch directory /nope is not a directory")
	assert.Contains(t, out, "⚠ OTLP endpoint 127.0.0.1:4317 is not reachable")
	assert.Contains(t, out, "❌ Found 3 issue(s) that need attention")
}

func TestDoctorInvalidConfig(t *testing.T) {
	utils := &mockFsUtils{
		executable: "/usr/local/bin/quadscale",
		statMap: map[string]os.FileInfo{
			"/usr/local/bin/quadscale": &mockFileInfo{mode: 0755},
		},
		statErr: os.ErrNotExist,
	}

	var err error
	out := captureStdout(t, func() {
		err = runDoctorWithUtils("test-version", nil, errors.New(`unknown transport "grpc"`), utils)
	})

	assert.Error(t, err)
	assert.Contains(t, out, "✗ Configuration is invalid")
	assert.NotContains(t, out, "Profile:")
}

// mockFileInfo implements os.FileInfo for testing purposes
type mockFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
	sys     any
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return m.sys }
