// Package scaling serializes "scale all ink channels" requests.
//
// # Ordering
//
// Requests are drained strictly first in, first out by a single goroutine
// that exists only while the queue is non-empty. Telemetry events are
// recorded under the queue lock, so the buffer order matches the order in
// which lifecycle phases happen: every operation's enqueue precedes its
// start, and operation N+1 starts only after operation N is terminal.
//
// # Mutation
//
// One operation at a time reads the canonical store, computes deltas,
// applies them as a single batch, writes the changed channels through to
// the legacy mirror and asks the auditor to validate sync. A failure is
// reported on that operation's fail event and ticket; the queue keeps
// draining.
package scaling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/channels"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

// MirrorWriter receives the channels changed by each successful mutation.
type MirrorWriter interface {
	Sync(ctx context.Context, states []channels.ChannelState) error
}

// Validator checks canonical/legacy sync after each mutation.
type Validator interface {
	Validate(ctx context.Context, opts audit.ValidateOptions) error
}

// Config wires a Coordinator to its collaborators. Store and Recorder are
// required.
type Config struct {
	Store    channels.Canonical
	Mirror   MirrorWriter
	Auditor  Validator
	Recorder *telemetry.Recorder
	// Deltas defaults to channels.ProportionalDeltas.
	Deltas channels.DeltaFunc
	// FlushOnDrain records a flush event with reason "drained" whenever
	// the queue empties after running at least one operation.
	FlushOnDrain bool
	Logger       *zap.SugaredLogger
	Now          func() time.Time
}

// Stats are cumulative coordinator counters.
type Stats struct {
	Enqueued       int     `json:"enqueued"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Flushed        int     `json:"flushed"`
	MaxQueueLength int     `json:"maxQueueLength"`
	LastDurationMs float64 `json:"lastDurationMs"`
	LastError      string  `json:"lastError,omitempty"`
	LastResult     *Result `json:"lastResult,omitempty"`
	QueueLength    int     `json:"queueLength"`
	Processing     bool    `json:"processing"`
	Active         string  `json:"active,omitempty"`
	Closed         bool    `json:"closed"`
}

// Coordinator is the single-flight scale executor.
type Coordinator struct {
	store    channels.Canonical
	mirror   MirrorWriter
	auditor  Validator
	recorder *telemetry.Recorder
	deltas   channels.DeltaFunc
	log      *zap.SugaredLogger
	now      func() time.Time

	// ctx is used for store calls; an operation that has started is never
	// cancelled.
	ctx context.Context

	mu           sync.Mutex
	queue        []*operation
	processing   bool
	closed       bool
	flushOnDrain bool
	active       *operation
	stats        Stats

	// mutateMu is held for the whole read-plan-apply-sync-audit sequence
	// and by ValidateSync, so no two mutations of canonical state overlap.
	mutateMu sync.Mutex
	wg       sync.WaitGroup
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("scaling coordinator requires a canonical store")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("scaling coordinator requires a telemetry recorder")
	}
	c := &Coordinator{
		store:        cfg.Store,
		mirror:       cfg.Mirror,
		auditor:      cfg.Auditor,
		recorder:     cfg.Recorder,
		deltas:       cfg.Deltas,
		log:          cfg.Logger,
		now:          cfg.Now,
		flushOnDrain: cfg.FlushOnDrain,
		ctx:          context.Background(),
	}
	if c.deltas == nil {
		c.deltas = channels.ProportionalDeltas
	}
	if c.log == nil {
		c.log = zap.NewNop().Sugar()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Submit validates and enqueues a scale request and returns without
// waiting for it to run. The enqueue event is recorded before Submit
// returns. Invalid input is rejected with a *MalformedOperationError and
// leaves no telemetry.
func (c *Coordinator) Submit(percent float64, source string, opts Options) (*Ticket, error) {
	if math.IsNaN(percent) || math.IsInf(percent, 0) {
		return nil, &MalformedOperationError{Field: "percent", Value: percent}
	}
	if strings.TrimSpace(source) == "" {
		return nil, &MalformedOperationError{Field: "source", Value: fmt.Sprintf("%q", source)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	op := &operation{
		id:         c.recorder.NextOperationID(),
		percent:    percent,
		source:     source,
		metadata:   opts.Metadata,
		enqueuedAt: c.now(),
		done:       make(chan struct{}),
	}
	c.queue = append(c.queue, op)
	c.stats.Enqueued++
	c.stats.MaxQueueLength = max(c.stats.MaxQueueLength, len(c.queue))

	c.recorder.Record(telemetry.Event{
		Phase:     telemetry.PhaseEnqueue,
		Operation: op.snapshot(),
	})

	if !c.processing {
		c.processing = true
		c.wg.Add(1)
		go c.drain()
	}
	return &Ticket{op: op}, nil
}

// Scale submits a request and waits for that operation (not the whole
// queue) to finish.
func (c *Coordinator) Scale(ctx context.Context, percent float64, source string, opts Options) (Result, error) {
	ticket, err := c.Submit(percent, source, opts)
	if err != nil {
		return Result{}, err
	}
	return ticket.Wait(ctx)
}

func (c *Coordinator) drain() {
	defer c.wg.Done()

	ran := false
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.processing = false
			if ran && c.flushOnDrain {
				c.recordFlushLocked(FlushDrained, nil)
			}
			c.mu.Unlock()
			return
		}
		op := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		op.startedAt = c.now()
		c.active = op
		c.recorder.Record(telemetry.Event{
			Phase:     telemetry.PhaseStart,
			Operation: op.snapshot(),
		})
		c.mu.Unlock()

		res, err := c.run(op)
		ran = true

		c.mu.Lock()
		op.completed = c.now()
		res.ID = op.id
		res.Duration = op.completed.Sub(op.startedAt)
		c.active = nil
		c.stats.LastDurationMs = durationMs(res.Duration)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			res.Reason = failReason(err)
			c.stats.Failed++
			c.stats.LastError = res.Error
			c.recorder.Record(telemetry.Event{
				Phase:     telemetry.PhaseFail,
				Operation: op.snapshot(),
				Error:     &telemetry.EventError{Message: res.Error, Reason: res.Reason},
			})
			c.log.Debugw("scale operation failed", "id", op.id, "source", op.source, "percent", op.percent, "error", err)
		} else {
			res.Success = true
			op.applied = res.AppliedPercent
			c.stats.Succeeded++
			c.recorder.Record(telemetry.Event{
				Phase:     telemetry.PhaseSuccess,
				Operation: op.snapshot(),
				Metrics:   &telemetry.Metrics{Processed: res.Processed, QueueLength: len(c.queue)},
			})
		}
		last := res
		c.stats.LastResult = &last
		c.mu.Unlock()

		op.finish(res, err)
	}
}

// run performs one mutation. It holds mutateMu for its whole duration.
func (c *Coordinator) run(op *operation) (Result, error) {
	c.mutateMu.Lock()
	defer c.mutateMu.Unlock()

	ctx := c.ctx
	before, err := c.store.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read canonical state: %w", err)
	}

	plan, err := c.deltas(op.percent, before)
	if err != nil {
		return Result{}, err
	}
	if len(plan.Updates) == 0 {
		return Result{AppliedPercent: plan.AppliedPercent}, &NoEffectError{Percent: op.percent, Detail: plan.Unchanged}
	}

	changed, err := c.store.Apply(ctx, channels.Batch{
		GlobalPercent: plan.AppliedPercent,
		Updates:       plan.Updates,
		Baselines:     plan.Baselines,
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply scale: %w", err)
	}
	if len(changed) == 0 {
		return Result{AppliedPercent: plan.AppliedPercent}, &NoEffectError{Percent: op.percent, Detail: "no channel value changed"}
	}

	if err := c.syncMirror(ctx, changed); err != nil {
		c.rollback(ctx, before)
		return Result{}, err
	}

	if c.auditor != nil {
		if err := c.auditor.Validate(ctx, audit.ValidateOptions{Reason: op.source}); err != nil {
			c.log.Warnw("scaling state validation failed", "id", op.id, "error", err)
		}
	}

	return Result{
		Processed:      len(changed),
		Changed:        changed,
		AppliedPercent: plan.AppliedPercent,
		Message:        scaledMessage(len(changed), plan.AppliedPercent),
	}, nil
}

func (c *Coordinator) syncMirror(ctx context.Context, changed []string) error {
	if c.mirror == nil {
		return nil
	}
	after, err := c.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read canonical state after apply: %w", err)
	}
	states := make([]channels.ChannelState, 0, len(changed))
	for _, name := range changed {
		if st, ok := after.Channel(name); ok {
			states = append(states, st)
		}
	}
	if err := c.mirror.Sync(ctx, states); err != nil {
		return fmt.Errorf("sync legacy mirror: %w", err)
	}
	return nil
}

// rollback restores canonical state captured before a failed mutation.
func (c *Coordinator) rollback(ctx context.Context, before channels.Snapshot) {
	updates := make([]channels.Update, 0, len(before.Channels))
	for _, ch := range before.Channels {
		updates = append(updates, channels.Update{Channel: ch.Name, End: ch.End, Source: ch.Source})
	}
	if _, err := c.store.Apply(ctx, channels.Batch{
		GlobalPercent: before.GlobalPercent,
		Updates:       updates,
		Baselines:     before.Baselines,
	}); err != nil {
		c.log.Errorw("scaling rollback failed", "error", err)
	}
}

// Flush rejects every pending operation with a *FlushedError and records
// one flush event carrying reason and the removed operations. The active
// operation, if any, is not interrupted. An empty reason means "manual".
func (c *Coordinator) Flush(reason string) int {
	if reason == "" {
		reason = FlushManual
	}
	c.mu.Lock()
	flushed := c.queue
	c.queue = nil
	c.recordFlushLocked(reason, flushed)
	c.mu.Unlock()

	err := &FlushedError{Reason: reason}
	for _, op := range flushed {
		op.finish(Result{ID: op.id, Error: err.Error(), Reason: reason}, err)
	}
	return len(flushed)
}

func (c *Coordinator) recordFlushLocked(reason string, flushed []*operation) {
	snaps := make([]telemetry.OperationSnapshot, 0, len(flushed))
	for _, op := range flushed {
		snaps = append(snaps, *op.snapshot())
	}
	c.stats.Flushed += len(flushed)
	c.stats.MaxQueueLength = 0
	c.recorder.Record(telemetry.Event{
		Phase:      telemetry.PhaseFlush,
		Operations: snaps,
		Error:      &telemetry.EventError{Reason: reason},
	})
}

// ValidateSync runs the auditor outside any scale operation, serialized
// with mutations.
func (c *Coordinator) ValidateSync(ctx context.Context, reason string, throwOnMismatch bool) error {
	if c.auditor == nil {
		return nil
	}
	c.mutateMu.Lock()
	defer c.mutateMu.Unlock()
	return c.auditor.Validate(ctx, audit.ValidateOptions{Reason: reason, ThrowOnMismatch: throwOnMismatch})
}

// Stats returns a copy of the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats
	if st.LastResult != nil {
		last := *st.LastResult
		st.LastResult = &last
	}
	st.QueueLength = len(c.queue)
	st.Processing = c.processing
	st.Closed = c.closed
	if c.active != nil {
		st.Active = c.active.id
	}
	return st
}

// Close rejects later submissions, flushes pending operations with reason
// "shutdown" and waits for the active one to finish or ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := len(c.queue)
	c.mu.Unlock()

	if pending > 0 {
		c.Flush(FlushShutdown)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active scale operation: %w", ctx.Err())
	}
}

func scaledMessage(n int, applied float64) string {
	plural := "s"
	if n == 1 {
		plural = ""
	}
	return fmt.Sprintf("Scaled %d channel%s by %s%%", n, plural, formatPercent(applied))
}

func formatPercent(p float64) string {
	s := fmt.Sprintf("%.2f", p)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
