package scaling

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNoEffect is reported when a scale request touched no channel.
	ErrNoEffect = errors.New("scale had no effect")
	// ErrMalformedOperation rejects a request before it is enqueued.
	ErrMalformedOperation = errors.New("malformed scale operation")
	// ErrQueueFlushed is returned to operations removed by Flush.
	ErrQueueFlushed = errors.New("scaling coordinator queue flushed")
	// ErrCoordinatorClosed rejects submissions after Close.
	ErrCoordinatorClosed = errors.New("scaling coordinator closed")
)

// Fail reason codes carried in fail events.
const (
	ReasonNoEffect       = "no_effect"
	ReasonMutationFailed = "mutation_failed"
)

// Flush reasons used by the coordinator itself.
const (
	FlushManual   = "manual"
	FlushDrained  = "drained"
	FlushShutdown = "shutdown"
)

// MalformedOperationError names the invalid input.
type MalformedOperationError struct {
	Field string
	Value any
}

func (e *MalformedOperationError) Error() string {
	return fmt.Sprintf("malformed scale operation: invalid %s %v", e.Field, e.Value)
}

func (e *MalformedOperationError) Unwrap() error { return ErrMalformedOperation }

// NoEffectError reports a scale that left every channel unchanged.
type NoEffectError struct {
	Percent float64
	Detail  string
}

func (e *NoEffectError) Error() string {
	msg := "scale to " + strconv.FormatFloat(e.Percent, 'f', -1, 64) + "% had no effect"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *NoEffectError) Is(target error) bool { return target == ErrNoEffect }

// FlushedError is returned to each pending operation removed by a flush.
type FlushedError struct {
	Reason string
}

func (e *FlushedError) Error() string {
	return fmt.Sprintf("Scaling coordinator queue flushed (%s)", e.Reason)
}

func (e *FlushedError) Is(target error) bool { return target == ErrQueueFlushed }

func failReason(err error) string {
	if errors.Is(err, ErrNoEffect) {
		return ReasonNoEffect
	}
	return ReasonMutationFailed
}
