package telemetry

import (
	"maps"
	"slices"
	"time"
)

// Phase is one coordinator lifecycle transition.
type Phase string

const (
	PhaseEnqueue Phase = "enqueue"
	PhaseStart   Phase = "start"
	PhaseSuccess Phase = "success"
	PhaseFail    Phase = "fail"
	PhaseFlush   Phase = "flush"
)

// Phases lists every known phase in lifecycle order.
var Phases = []Phase{PhaseEnqueue, PhaseStart, PhaseSuccess, PhaseFail, PhaseFlush}

// OperationSnapshot captures the fields of a scale operation at the moment
// an event was recorded.
type OperationSnapshot struct {
	ID             string         `json:"id"`
	Percent        float64        `json:"percent"`
	Source         string         `json:"source"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueuedAt,omitzero"`
	StartedAt      time.Time      `json:"startedAt,omitzero"`
	CompletedAt    time.Time      `json:"completedAt,omitzero"`
	DurationMs     float64        `json:"durationMs,omitempty"`
	AppliedPercent float64        `json:"appliedPercent,omitempty"`
}

// EventError is attached to fail and flush events.
type EventError struct {
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Metrics is attached to success events.
type Metrics struct {
	Processed   int `json:"processed"`
	QueueLength int `json:"queueLength"`
}

// Event is one recorded lifecycle transition. Events handed out by the
// Recorder are deep copies; changing them does not affect the buffer.
type Event struct {
	Seq        uint64              `json:"seq"`
	Phase      Phase               `json:"phase"`
	Operation  *OperationSnapshot  `json:"operation,omitempty"`
	Operations []OperationSnapshot `json:"operations,omitempty"`
	Error      *EventError         `json:"error,omitempty"`
	Metrics    *Metrics            `json:"metrics,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	if e.Operation != nil {
		op := e.Operation.clone()
		out.Operation = &op
	}
	if e.Operations != nil {
		out.Operations = make([]OperationSnapshot, len(e.Operations))
		for i, op := range e.Operations {
			out.Operations[i] = op.clone()
		}
	}
	if e.Error != nil {
		ee := *e.Error
		out.Error = &ee
	}
	if e.Metrics != nil {
		m := *e.Metrics
		out.Metrics = &m
	}
	return out
}

func (o OperationSnapshot) clone() OperationSnapshot {
	out := o
	out.Metadata = cloneValue(o.Metadata)
	return out
}

// cloneValue copies the JSON-shaped containers that metadata is built from.
// Other values are shared as-is.
func cloneValue[T any](v T) T {
	switch x := any(v).(type) {
	case map[string]any:
		if x == nil {
			return v
		}
		m := maps.Clone(x)
		for k, inner := range m {
			m[k] = cloneValue(inner)
		}
		return any(m).(T)
	case []any:
		if x == nil {
			return v
		}
		s := slices.Clone(x)
		for i, inner := range s {
			s[i] = cloneValue(inner)
		}
		return any(s).(T)
	default:
		return v
	}
}
