package telemetry

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCapacity is the number of events retained before the oldest is
// evicted.
const DefaultCapacity = 200

// Recorder is the bounded coordinator event log. It is safe for concurrent
// use. One Recorder is created per session and injected wherever events
// are produced or read.
type Recorder struct {
	buf       *RingBuffer[Event]
	log       *zap.SugaredLogger
	sessionID string
	now       func() time.Time

	// dispatchMu serializes append + subscriber fan-out so subscribers
	// observe events in record order.
	dispatchMu sync.Mutex
	seq        uint64
	opSeq      atomic.Uint64

	subMu       sync.RWMutex
	subscribers map[uint64]func(Event)
	notifiers   map[uint64]chan struct{}
	nextSubID   uint64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used to report subscriber panics.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder creates a recorder holding at most capacity events. A
// non-positive capacity selects DefaultCapacity.
func NewRecorder(capacity int, opts ...Option) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Recorder{
		buf:         NewRingBuffer[Event](capacity),
		log:         zap.NewNop().Sugar(),
		sessionID:   uuid.NewString(),
		now:         time.Now,
		subscribers: make(map[uint64]func(Event)),
		notifiers:   make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends an event and returns the stored copy. It never fails:
// events with missing fields are kept as given. A zero timestamp is filled
// with the capture time.
//
// Subscribers run synchronously before Record returns and must not call
// Record themselves.
func (r *Recorder) Record(e Event) Event {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	stored := e.Clone()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = r.now()
	}
	r.seq++
	stored.Seq = r.seq
	r.buf.Add(stored)

	r.dispatch(stored)
	return stored.Clone()
}

func (r *Recorder) dispatch(e Event) {
	r.subMu.RLock()
	ids := make([]uint64, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, r.subscribers[id])
	}
	for _, ch := range r.notifiers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.subMu.RUnlock()

	for _, fn := range fns {
		r.safeCall(fn, e)
	}
}

func (r *Recorder) safeCall(fn func(Event), e Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorw("telemetry subscriber panicked", "phase", e.Phase, "seq", e.Seq, "panic", p)
		}
	}()
	fn(e.Clone())
}

// Snapshot returns the buffered events oldest to newest. The result is a
// deep copy.
func (r *Recorder) Snapshot() []Event {
	events := r.buf.GetAll()
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

// Recent returns up to n of the newest events, oldest first.
func (r *Recorder) Recent(n int) []Event {
	events := r.buf.GetRecent(n)
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

// Since returns buffered events with a sequence number greater than seq.
func (r *Recorder) Since(seq uint64) []Event {
	var out []Event
	for _, e := range r.buf.GetAll() {
		if e.Seq > seq {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Last returns the newest buffered event.
func (r *Recorder) Last() (Event, bool) {
	e, ok := r.buf.Last()
	if !ok {
		return Event{}, false
	}
	return e.Clone(), true
}

// Len returns the number of buffered events.
func (r *Recorder) Len() int { return r.buf.Size() }

// Clear empties the buffer. Sequence numbers and totals keep counting.
func (r *Recorder) Clear() {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.buf.Clear()
}

// Subscribe registers fn to be called with every event recorded after this
// call. The returned function removes the subscription.
func (r *Recorder) Subscribe(fn func(Event)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subscribers, id)
	}
}

// Notify returns a channel that receives a signal whenever new events are
// recorded. Signals coalesce: a slow reader sees one pending signal, not
// one per event. Call the returned function to unsubscribe.
func (r *Recorder) Notify() (<-chan struct{}, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	ch := make(chan struct{}, 1)
	r.notifiers[id] = ch

	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.notifiers, id)
	}
}

// NextOperationID returns a new identifier of the form scale-<n>.
func (r *Recorder) NextOperationID() string {
	return fmt.Sprintf("scale-%d", r.opSeq.Add(1))
}

// SessionID identifies this recorder instance.
func (r *Recorder) SessionID() string { return r.sessionID }

// Stats summarizes the buffer.
type Stats struct {
	SessionID string        `json:"sessionId"`
	Buffered  int           `json:"buffered"`
	Capacity  int           `json:"capacity"`
	Total     uint64        `json:"total"`
	ByPhase   map[Phase]int `json:"byPhase"`
	Oldest    *time.Time    `json:"oldest,omitempty"`
	Newest    *time.Time    `json:"newest,omitempty"`
}

// Stats counts buffered events by phase.
func (r *Recorder) Stats() Stats {
	events := r.buf.GetAll()
	st := Stats{
		SessionID: r.sessionID,
		Buffered:  len(events),
		Capacity:  r.buf.Capacity(),
		Total:     r.buf.Total(),
		ByPhase:   make(map[Phase]int, len(Phases)),
	}
	for _, e := range events {
		st.ByPhase[e.Phase]++
	}
	if len(events) > 0 {
		oldest := events[0].Timestamp
		newest := events[len(events)-1].Timestamp
		st.Oldest = &oldest
		st.Newest = &newest
	}
	return st
}
