package otlpexport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

func attrs(kvs []*commonpb.KeyValue) map[string]any {
	out := map[string]any{}
	for _, kv := range kvs {
		switch v := kv.Value.Value.(type) {
		case *commonpb.AnyValue_StringValue:
			out[kv.Key] = v.StringValue
		case *commonpb.AnyValue_IntValue:
			out[kv.Key] = v.IntValue
		case *commonpb.AnyValue_DoubleValue:
			out[kv.Key] = v.DoubleValue
		}
	}
	return out
}

func sampleEvents() []telemetry.Event {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	op := &telemetry.OperationSnapshot{
		ID: "scale-1", Percent: 82, Source: "test-source",
		Metadata: map[string]any{"trigger": "x", "count": 2},
	}
	return []telemetry.Event{
		{Seq: 1, Phase: telemetry.PhaseEnqueue, Operation: op, Timestamp: now},
		{Seq: 2, Phase: telemetry.PhaseSuccess, Operation: op, Metrics: &telemetry.Metrics{Processed: 3}, Timestamp: now},
		{Seq: 3, Phase: telemetry.PhaseFlush, Operations: []telemetry.OperationSnapshot{}, Error: &telemetry.EventError{Reason: "manual"}, Timestamp: now},
	}
}

func TestLogRecordConversion(t *testing.T) {
	events := sampleEvents()

	rec := LogRecord(events[1])
	assert.Equal(t, "success", rec.Body.GetStringValue())
	assert.Equal(t, logspb.SeverityNumber_SEVERITY_NUMBER_INFO, rec.SeverityNumber)
	assert.Equal(t, uint64(events[1].Timestamp.UnixNano()), rec.TimeUnixNano)

	a := attrs(rec.Attributes)
	assert.Equal(t, "scale-1", a["quadscale.operation.id"])
	assert.Equal(t, 82.0, a["quadscale.operation.percent"])
	assert.Equal(t, "test-source", a["quadscale.operation.source"])
	assert.Equal(t, "x", a["quadscale.metadata.trigger"])
	assert.Equal(t, "2", a["quadscale.metadata.count"])
	assert.Equal(t, int64(3), a["quadscale.metrics.processed"])

	flush := attrs(LogRecord(events[2]).Attributes)
	assert.Equal(t, "manual", flush["quadscale.error.reason"])
	assert.Equal(t, int64(0), flush["quadscale.flushed"])
	assert.NotContains(t, flush, "quadscale.operation.id")

	fail := LogRecord(telemetry.Event{Phase: telemetry.PhaseFail, Error: &telemetry.EventError{Message: "nope", Reason: "no_effect"}})
	assert.Equal(t, "WARN", fail.SeverityText)
	assert.Equal(t, "nope", attrs(fail.Attributes)["quadscale.error.message"])
}

func TestExportToCollector(t *testing.T) {
	collector := startCollector(t)

	exp, err := New(Config{Endpoint: collector.Endpoint(), BatchSize: 2, Version: "test"})
	require.NoError(t, err)
	defer exp.Close()

	require.NoError(t, exp.Export(context.Background(), sampleEvents(), "session-1"))

	assert.Equal(t, 2, collector.requestCount())
	records := collector.records()
	require.Len(t, records, 3)
	assert.Equal(t, "enqueue", records[0].Body.GetStringValue())
	assert.Equal(t, "flush", records[2].Body.GetStringValue())

	collector.mu.Lock()
	res := attrs(collector.requests[0].ResourceLogs[0].Resource.Attributes)
	collector.mu.Unlock()
	assert.Equal(t, DefaultServiceName, res["service.name"])
	assert.Equal(t, "session-1", res["quadscale.session.id"])

	exported, failures, lastErr := exp.Stats()
	assert.Equal(t, uint64(3), exported)
	assert.Zero(t, failures)
	assert.NoError(t, lastErr)
}

func TestExportFailureIsCounted(t *testing.T) {
	collector := startCollector(t)
	collector.err = errors.New("collector down")

	exp, err := New(Config{Endpoint: collector.Endpoint()})
	require.NoError(t, err)
	defer exp.Close()

	err = exp.Export(context.Background(), sampleEvents(), "s")
	require.Error(t, err)

	_, failures, lastErr := exp.Stats()
	assert.Equal(t, uint64(1), failures)
	assert.Error(t, lastErr)
}

func TestDumpWritesProtoJSONLines(t *testing.T) {
	var buf bytes.Buffer
	exp, err := New(Config{Dump: &buf, BatchSize: 2})
	require.NoError(t, err)

	require.NoError(t, exp.Export(context.Background(), sampleEvents(), "s"))

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		var req collectorlogs.ExportLogsServiceRequest
		require.NoError(t, protojson.Unmarshal(scanner.Bytes(), &req))
		require.Len(t, req.ResourceLogs, 1)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestNewRequiresDestination(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRunExportsNewEvents(t *testing.T) {
	collector := startCollector(t)
	rec := telemetry.NewRecorder(50)
	rec.Record(telemetry.Event{Phase: telemetry.PhaseEnqueue})

	exp, err := New(Config{Endpoint: collector.Endpoint(), Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer exp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exp.Run(ctx, rec) }()

	// Wait for Run to subscribe before recording.
	require.Eventually(t, func() bool {
		rec.Record(telemetry.Event{Phase: telemetry.PhaseStart})
		return len(collector.records()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for _, r := range collector.records() {
		assert.NotEqual(t, "enqueue", r.Body.GetStringValue(), "events before Run are not exported")
	}
}
