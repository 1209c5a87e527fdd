// Package status turns coordinator telemetry into user-visible status
// lines. Only flush events produce a line; every other phase is
// diagnostic.
package status

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

// Sink shows a status message. Calls are fire-and-forget.
type Sink interface {
	ShowStatus(message string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(message string)

func (f SinkFunc) ShowStatus(message string) { f(message) }

// Message returns the status line for e, or false if e produces none.
func Message(e telemetry.Event) (string, bool) {
	if e.Phase != telemetry.PhaseFlush {
		return "", false
	}
	if e.Error == nil || e.Error.Reason == "" {
		return "Scaling queue flushed", true
	}
	return fmt.Sprintf("Scaling queue flushed (%s)", e.Error.Reason), true
}

// Projection feeds flush events from a recorder into a sink.
type Projection struct {
	sink        Sink
	unsubscribe func()
	once        sync.Once
}

// Attach subscribes a projection to rec. The sink runs synchronously on
// the recording goroutine and must not record telemetry itself.
func Attach(rec *telemetry.Recorder, sink Sink) *Projection {
	p := &Projection{sink: sink}
	p.unsubscribe = rec.Subscribe(p.handle)
	return p
}

func (p *Projection) handle(e telemetry.Event) {
	if msg, ok := Message(e); ok {
		p.sink.ShowStatus(msg)
	}
}

// Detach stops the projection. It is safe to call more than once.
func (p *Projection) Detach() {
	p.once.Do(p.unsubscribe)
}

// LogSink writes status lines to a logger.
type LogSink struct {
	Log *zap.SugaredLogger
}

func (s LogSink) ShowStatus(message string) {
	if s.Log != nil {
		s.Log.Infow("📣 "+message, "kind", "status")
	}
}

// Multi fans one message out to several sinks in order.
type Multi []Sink

func (m Multi) ShowStatus(message string) {
	for _, s := range m {
		if s != nil {
			s.ShowStatus(message)
		}
	}
}

// Line is one shown status message.
type Line struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// History keeps the most recent status lines.
type History struct {
	buf *telemetry.RingBuffer[Line]
	now func() time.Time
}

// DefaultHistorySize is used when NewHistory is given a non-positive size.
const DefaultHistorySize = 50

// NewHistory creates a history holding up to size lines.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: telemetry.NewRingBuffer[Line](size), now: time.Now}
}

func (h *History) ShowStatus(message string) {
	h.buf.Add(Line{Message: message, At: h.now()})
}

// Lines returns the retained lines, oldest first.
func (h *History) Lines() []Line { return h.buf.GetAll() }

// Latest returns the most recent line.
func (h *History) Latest() (Line, bool) { return h.buf.Last() }

// Clear drops every retained line.
func (h *History) Clear() { h.buf.Clear() }
