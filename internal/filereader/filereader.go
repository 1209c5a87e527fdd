// Package filereader turns JSONL files of scale requests into coordinator
// submissions. Every *.jsonl file in the watched directory is tailed; each
// complete line is one request:
//
//	{"percent": 82, "source": "file:curve.quad", "metadata": {"row": 3}}
//
// A line without a source is attributed to "file-load:<file name>".
package filereader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/scaling"
)

const (
	jsonlExt = ".jsonl"
	// maxLine bounds one request line.
	maxLine = 1 * 1024 * 1024
)

// Submitter accepts scale requests. *scaling.Coordinator implements it.
type Submitter interface {
	Submit(percent float64, source string, opts scaling.Options) (*scaling.Ticket, error)
}

// Request is one decoded line.
type Request struct {
	Percent  *float64       `json:"percent"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Config holds configuration for a FileSource.
type Config struct {
	Directory string
	Logger    *zap.SugaredLogger
}

// FileSource watches a directory of request files.
type FileSource struct {
	directory string
	submitter Submitter
	log       *zap.SugaredLogger

	watcher *fsnotify.Watcher

	// Track read positions so only new lines are submitted.
	mu          sync.Mutex
	fileOffsets map[string]int64
	submitted   int
	skipped     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a FileSource for an existing directory.
func New(cfg Config, submitter Submitter) (*FileSource, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}

	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("cannot access directory %s: %w", cfg.Directory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Directory)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &FileSource{
		directory:   cfg.Directory,
		submitter:   submitter,
		log:         log,
		watcher:     watcher,
		fileOffsets: make(map[string]int64),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start submits requests already present, then keeps watching in the
// background until Stop.
func (fs *FileSource) Start(ctx context.Context) error {
	fs.log.Infof("📁 watching %s for scale requests", fs.directory)

	if err := fs.watcher.Add(fs.directory); err != nil {
		return fmt.Errorf("watch %s: %w", fs.directory, err)
	}

	files, err := fs.findJSONLFiles()
	if err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}
	for _, file := range files {
		if _, err := fs.processFile(ctx, file); err != nil {
			fs.log.Warnf("⚠️  error loading %s: %v", file, err)
		}
	}

	fs.wg.Add(1)
	go fs.watchLoop()
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (fs *FileSource) Stop() {
	fs.cancel()
	fs.watcher.Close()
	fs.wg.Wait()
}

// Directory returns the watched directory.
func (fs *FileSource) Directory() string {
	return fs.directory
}

// findJSONLFiles returns request files sorted by modification time, oldest
// first, so requests are submitted in the order they were written.
func (fs *FileSource) findJSONLFiles() ([]string, error) {
	entries, err := os.ReadDir(fs.directory)
	if err != nil {
		return nil, err
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), jsonlExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(fs.directory, entry.Name()), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	result := make([]string, len(files))
	for i, f := range files {
		result[i] = f.path
	}
	return result, nil
}

// processFile submits every complete line after the last known offset. A
// trailing line without a newline is left for the next pass. Returns the
// number of requests submitted.
func (fs *FileSource) processFile(ctx context.Context, path string) (int, error) {
	fs.mu.Lock()
	offset := fs.fileOffsets[path]
	fs.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil && info.Size() < offset {
		// Truncated or replaced: start over.
		offset = 0
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			offset = 0
		}
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			fs.setOffset(path, offset)
			return count, err
		}

		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fs.setOffset(path, offset)
			return count, fmt.Errorf("reading %s: %w", path, err)
		}
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if len(line) > maxLine {
			fs.skip(path, fmt.Errorf("line exceeds %d bytes", maxLine))
			continue
		}
		if err := fs.submitLine(path, line); err != nil {
			fs.skip(path, err)
			continue
		}
		count++
	}

	fs.setOffset(path, offset)
	if count > 0 {
		fs.log.Debugf("📁 submitted %d scale requests from %s", count, filepath.Base(path))
	}
	return count, nil
}

func (fs *FileSource) submitLine(path string, line []byte) error {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	if req.Percent == nil {
		return errors.New("request has no percent")
	}
	source := req.Source
	if source == "" {
		source = "file-load:" + filepath.Base(path)
	}
	if _, err := fs.submitter.Submit(*req.Percent, source, scaling.Options{Metadata: req.Metadata}); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.submitted++
	fs.mu.Unlock()
	return nil
}

func (fs *FileSource) skip(path string, err error) {
	fs.mu.Lock()
	fs.skipped++
	fs.mu.Unlock()
	fs.log.Warnf("⚠️  skipping request in %s: %v", filepath.Base(path), err)
}

func (fs *FileSource) setOffset(path string, offset int64) {
	fs.mu.Lock()
	fs.fileOffsets[path] = offset
	fs.mu.Unlock()
}

// watchLoop runs the file watcher event loop.
func (fs *FileSource) watchLoop() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.ctx.Done():
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, jsonlExt) {
				continue
			}
			if _, err := fs.processFile(fs.ctx, event.Name); err != nil && !errors.Is(err, context.Canceled) {
				fs.log.Warnf("⚠️  error reading %s: %v", event.Name, err)
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.log.Warnf("⚠️  watcher error: %v", err)
		}
	}
}

// Stats describes the file source.
type Stats struct {
	Directory    string `json:"directory"`
	FilesTracked int    `json:"files_tracked"`
	Submitted    int    `json:"submitted"`
	Skipped      int    `json:"skipped"`
}

// Stats returns current statistics.
func (fs *FileSource) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return Stats{
		Directory:    fs.directory,
		FilesTracked: len(fs.fileOffsets),
		Submitted:    fs.submitted,
		Skipped:      fs.skipped,
	}
}
