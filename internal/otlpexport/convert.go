package otlpexport

import (
	"encoding/json"
	"fmt"
	"sort"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

// ScopeName identifies the instrumentation scope of exported records.
const ScopeName = "quadscale/scaling-coordinator"

// LogRecord converts one telemetry event. The body is the phase; operation
// fields, error, and metrics become attributes.
func LogRecord(e telemetry.Event) *logspb.LogRecord {
	ts := uint64(e.Timestamp.UnixNano())
	sevNum, sevText := severity(e.Phase)
	rec := &logspb.LogRecord{
		TimeUnixNano:         ts,
		ObservedTimeUnixNano: ts,
		SeverityNumber:       sevNum,
		SeverityText:         sevText,
		Body:                 stringValue(string(e.Phase)),
		Attributes: []*commonpb.KeyValue{
			intAttr("quadscale.seq", int64(e.Seq)),
			stringAttr("quadscale.phase", string(e.Phase)),
		},
	}

	if op := e.Operation; op != nil {
		rec.Attributes = append(rec.Attributes,
			stringAttr("quadscale.operation.id", op.ID),
			doubleAttr("quadscale.operation.percent", op.Percent),
			stringAttr("quadscale.operation.source", op.Source),
		)
		if op.DurationMs > 0 {
			rec.Attributes = append(rec.Attributes, doubleAttr("quadscale.operation.duration_ms", op.DurationMs))
		}
		if op.AppliedPercent > 0 {
			rec.Attributes = append(rec.Attributes, doubleAttr("quadscale.operation.applied_percent", op.AppliedPercent))
		}
		keys := make([]string, 0, len(op.Metadata))
		for k := range op.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rec.Attributes = append(rec.Attributes, stringAttr("quadscale.metadata."+k, metadataString(op.Metadata[k])))
		}
	}
	if e.Operations != nil {
		rec.Attributes = append(rec.Attributes, intAttr("quadscale.flushed", int64(len(e.Operations))))
	}
	if e.Error != nil {
		if e.Error.Message != "" {
			rec.Attributes = append(rec.Attributes, stringAttr("quadscale.error.message", e.Error.Message))
		}
		if e.Error.Reason != "" {
			rec.Attributes = append(rec.Attributes, stringAttr("quadscale.error.reason", e.Error.Reason))
		}
	}
	if e.Metrics != nil {
		rec.Attributes = append(rec.Attributes,
			intAttr("quadscale.metrics.processed", int64(e.Metrics.Processed)),
			intAttr("quadscale.metrics.queue_length", int64(e.Metrics.QueueLength)),
		)
	}
	return rec
}

// ResourceLogs wraps converted events in a single resource and scope.
func ResourceLogs(events []telemetry.Event, serviceName, sessionID, version string) *logspb.ResourceLogs {
	records := make([]*logspb.LogRecord, len(events))
	for i, e := range events {
		records[i] = LogRecord(e)
	}
	return &logspb.ResourceLogs{
		Resource: &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{
				stringAttr("service.name", serviceName),
				stringAttr("service.version", version),
				stringAttr("quadscale.session.id", sessionID),
			},
		},
		ScopeLogs: []*logspb.ScopeLogs{{
			Scope:      &commonpb.InstrumentationScope{Name: ScopeName, Version: version},
			LogRecords: records,
		}},
	}
}

func severity(p telemetry.Phase) (logspb.SeverityNumber, string) {
	switch p {
	case telemetry.PhaseFail:
		return logspb.SeverityNumber_SEVERITY_NUMBER_WARN, "WARN"
	case telemetry.PhaseEnqueue, telemetry.PhaseStart:
		return logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG, "DEBUG"
	default:
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "INFO"
	}
}

func metadataString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

func stringValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func stringAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: stringValue(v)}
}

func intAttr(k string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}}
}

func doubleAttr(k string, v float64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v}}}
}
