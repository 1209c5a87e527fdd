package scaling

import (
	"context"
	"time"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

// Options carries optional per-request data.
type Options struct {
	// Metadata is passed through to telemetry untouched.
	Metadata map[string]any
}

// Result is the outcome of one scale operation.
type Result struct {
	ID             string        `json:"id"`
	Success        bool          `json:"success"`
	Processed      int           `json:"processed"`
	Changed        []string      `json:"changed,omitempty"`
	AppliedPercent float64       `json:"appliedPercent,omitempty"`
	Duration       time.Duration `json:"duration"`
	Message        string        `json:"message,omitempty"`
	Error          string        `json:"error,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// operation is owned by the coordinator from Submit until it is terminal.
type operation struct {
	id         string
	percent    float64
	source     string
	metadata   map[string]any
	enqueuedAt time.Time
	startedAt  time.Time
	completed  time.Time
	applied    float64

	done   chan struct{}
	result Result
	err    error
}

func (op *operation) snapshot() *telemetry.OperationSnapshot {
	snap := &telemetry.OperationSnapshot{
		ID:             op.id,
		Percent:        op.percent,
		Source:         op.source,
		Metadata:       op.metadata,
		EnqueuedAt:     op.enqueuedAt,
		StartedAt:      op.startedAt,
		CompletedAt:    op.completed,
		AppliedPercent: op.applied,
	}
	if !op.completed.IsZero() && !op.startedAt.IsZero() {
		snap.DurationMs = durationMs(op.completed.Sub(op.startedAt))
	}
	return snap
}

func (op *operation) finish(res Result, err error) {
	op.result = res
	op.err = err
	close(op.done)
}

// Ticket tracks one submitted operation.
type Ticket struct {
	op *operation
}

// ID returns the operation identifier.
func (t *Ticket) ID() string { return t.op.id }

// Done is closed when the operation reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} { return t.op.done }

// Wait blocks until the operation completes or ctx is done. Cancelling ctx
// stops the wait only; the operation itself keeps its place in the queue.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.op.done:
		return t.op.result, t.op.err
	case <-ctx.Done():
		return Result{ID: t.op.id}, ctx.Err()
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
