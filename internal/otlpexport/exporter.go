// Package otlpexport ships coordinator telemetry to an OTLP collector as
// log records over gRPC.
package otlpexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

const (
	DefaultServiceName   = "quadscale"
	DefaultBatchSize     = 64
	DefaultFlushInterval = 2 * time.Second
	exportTimeout        = 5 * time.Second
)

// Config holds exporter settings. Endpoint or Dump must be set.
type Config struct {
	// Endpoint is a collector gRPC address, e.g. "127.0.0.1:4317".
	Endpoint    string
	ServiceName string
	Version     string
	BatchSize   int
	Interval    time.Duration
	// Dump, if set, receives every export request as one protojson line.
	Dump   io.Writer
	Logger *zap.SugaredLogger
}

// Exporter forwards new events from a recorder.
type Exporter struct {
	cfg    Config
	conn   *grpc.ClientConn
	client collectorlogs.LogsServiceClient
	log    *zap.SugaredLogger

	mu       sync.Mutex
	exported uint64
	failures uint64
	lastErr  error
	dumpMu   sync.Mutex
}

// New creates an exporter. The gRPC connection is established lazily by
// the client on first export.
func New(cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" && cfg.Dump == nil {
		return nil, errors.New("otlp exporter needs an endpoint or a dump writer")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFlushInterval
	}
	e := &Exporter{cfg: cfg, log: cfg.Logger}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}

	if cfg.Endpoint != "" {
		conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP client for %s: %w", cfg.Endpoint, err)
		}
		e.conn = conn
		e.client = collectorlogs.NewLogsServiceClient(conn)
	}
	return e, nil
}

// Export sends events as one request per batch.
func (e *Exporter) Export(ctx context.Context, events []telemetry.Event, sessionID string) error {
	for start := 0; start < len(events); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(events))
		req := &collectorlogs.ExportLogsServiceRequest{
			ResourceLogs: []*logspb.ResourceLogs{
				ResourceLogs(events[start:end], e.cfg.ServiceName, sessionID, e.cfg.Version),
			},
		}
		if err := e.send(ctx, req); err != nil {
			e.mu.Lock()
			e.failures++
			e.lastErr = err
			e.mu.Unlock()
			return err
		}
		e.mu.Lock()
		e.exported += uint64(end - start)
		e.mu.Unlock()
	}
	return nil
}

func (e *Exporter) send(ctx context.Context, req *collectorlogs.ExportLogsServiceRequest) error {
	if e.cfg.Dump != nil {
		line, err := protojson.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal export request: %w", err)
		}
		e.dumpMu.Lock()
		_, err = e.cfg.Dump.Write(append(line, '\n'))
		e.dumpMu.Unlock()
		if err != nil {
			return fmt.Errorf("write export dump: %w", err)
		}
	}
	if e.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()
	resp, err := e.client.Export(ctx, req)
	if err != nil {
		return fmt.Errorf("export to %s: %w", e.cfg.Endpoint, err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedLogRecords() > 0 {
		e.log.Warnw("collector rejected log records", "rejected", ps.GetRejectedLogRecords(), "message", ps.GetErrorMessage())
	}
	return nil
}

// Run exports events recorded after it starts until ctx is done, then
// makes a final export of anything still pending.
func (e *Exporter) Run(ctx context.Context, rec *telemetry.Recorder) error {
	notify, unsubscribe := rec.Notify()
	defer unsubscribe()

	var lastSeq uint64
	if last, ok := rec.Last(); ok {
		lastSeq = last.Seq
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		events := rec.Since(lastSeq)
		if len(events) == 0 {
			return
		}
		if err := e.Export(ctx, events, rec.SessionID()); err != nil {
			e.log.Warnw("otlp export failed", "events", len(events), "error", err)
			return
		}
		lastSeq = events[len(events)-1].Seq
	}

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), exportTimeout)
			flush(final)
			cancel()
			return nil
		case <-notify:
			if last, ok := rec.Last(); ok && last.Seq-lastSeq >= uint64(e.cfg.BatchSize) {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Stats reports export counters.
func (e *Exporter) Stats() (exported, failures uint64, lastErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exported, e.failures, e.lastErr
}

// Close releases the gRPC connection.
func (e *Exporter) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}
