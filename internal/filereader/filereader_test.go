package filereader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/scaling"
)

type submission struct {
	percent  float64
	source   string
	metadata map[string]any
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submission
}

func (f *fakeSubmitter) Submit(percent float64, source string, opts scaling.Options) (*scaling.Ticket, error) {
	if source == "reject" {
		return nil, &scaling.MalformedOperationError{Field: "source", Value: source}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, submission{percent: percent, source: source, metadata: opts.Metadata})
	return nil, nil
}

func (f *fakeSubmitter) snapshot() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.calls...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, &fakeSubmitter{})
	assert.Error(t, err)

	_, err = New(Config{Directory: t.TempDir()}, nil)
	assert.Error(t, err)

	_, err = New(Config{Directory: filepath.Join(t.TempDir(), "missing")}, &fakeSubmitter{})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "")
	_, err = New(Config{Directory: file}, &fakeSubmitter{})
	assert.Error(t, err)
}

func TestInitialLoadSubmitsRequests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "curve.jsonl"),
		`{"percent": 82, "metadata": {"row": 3}}`+"\n"+
			`not json`+"\n"+
			`{"source": "no-percent"}`+"\n"+
			`{"percent": 60, "source": "file:curve.quad"}`+"\n"+
			`{"percent": 10, "source": "reject"}`+"\n"+
			"\n"+
			`{"percent": 40}`) // no trailing newline: not yet complete
	writeFile(t, filepath.Join(dir, "ignored.txt"), `{"percent": 1}`+"\n")

	sub := &fakeSubmitter{}
	fs, err := New(Config{Directory: dir}, sub)
	require.NoError(t, err)
	require.NoError(t, fs.Start(context.Background()))
	defer fs.Stop()

	calls := sub.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, 82.0, calls[0].percent)
	assert.Equal(t, "file-load:curve.jsonl", calls[0].source)
	assert.Equal(t, float64(3), calls[0].metadata["row"])
	assert.Equal(t, "file:curve.quad", calls[1].source)

	st := fs.Stats()
	assert.Equal(t, 2, st.Submitted)
	assert.Equal(t, 3, st.Skipped)
	assert.Equal(t, 1, st.FilesTracked)
	assert.Equal(t, dir, fs.Directory())
}

func TestWatchPicksUpAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requests.jsonl")
	writeFile(t, path, `{"percent": 90}`+"\n"+`{"percent": 45`)

	sub := &fakeSubmitter{}
	fs, err := New(Config{Directory: dir}, sub)
	require.NoError(t, err)
	require.NoError(t, fs.Start(context.Background()))
	defer fs.Stop()

	require.Len(t, sub.snapshot(), 1)

	appendFile(t, path, "}\n"+`{"percent": 30}`+"\n")

	require.Eventually(t, func() bool { return len(sub.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	calls := sub.snapshot()
	assert.Equal(t, 45.0, calls[1].percent)
	assert.Equal(t, 30.0, calls[2].percent)

	other := filepath.Join(dir, "late.jsonl")
	writeFile(t, other, `{"percent": 70}`+"\n")
	require.Eventually(t, func() bool { return len(sub.snapshot()) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "file-load:late.jsonl", sub.snapshot()[3].source)
}
