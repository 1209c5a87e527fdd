package webui

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/channels"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/logging"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/scaling"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/session"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/status"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

//go:embed static/index.html
var staticFiles embed.FS

const (
	// DefaultUpdateRate caps WebSocket pushes per connection.
	DefaultUpdateRate = 10
	wsBackfill        = 50
	wsKeepalive       = 15 * time.Second
	wsWriteTimeout    = 5 * time.Second
	maxRequestBody    = 64 * 1024
)

// Server serves the embedded web UI, a JSON API and WebSocket updates.
type Server struct {
	session    *session.Session
	log        *zap.SugaredLogger
	updateRate rate.Limit
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = logging.OrNop(log) }
}

// WithUpdateRate caps WebSocket updates per second per connection.
func WithUpdateRate(perSecond float64) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.updateRate = rate.Limit(perSecond)
		}
	}
}

// New creates a new web UI server.
func New(sess *session.Session, opts ...Option) *Server {
	s := &Server{session: sess, log: logging.Nop(), updateRate: DefaultUpdateRate}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes attaches web UI routes to an existing ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ui/", s.handleUI)
	mux.HandleFunc("GET /ui", s.handleUIRedirect)
	mux.HandleFunc("GET /api/telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/scale", s.handleScale)
	mux.HandleFunc("POST /api/flush", s.handleFlush)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return logging.Middleware(s.log)(mux)
}

// ListenAndServe starts a standalone HTTP server for the web UI.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Infof("🌐 web UI on http://%s/ui/", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleUIRedirect redirects /ui to /ui/ for consistent routing.
func (s *Server) handleUIRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/ui/", http.StatusMovedPermanently)
}

// handleUI serves the embedded index.html.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "UI not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// telemetryResponse is the JSON shape for /api/telemetry.
type telemetryResponse struct {
	Events []telemetry.Event `json:"events"`
	Stats  telemetry.Stats   `json:"stats"`
}

// handleTelemetry returns buffered events, optionally after ?since=<seq>
// and limited to the last ?limit=<n>.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec := s.session.Recorder()

	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}
	events := rec.Since(since)
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && len(events) > n {
			events = events[len(events)-n:]
		}
	}
	if events == nil {
		events = []telemetry.Event{}
	}
	s.writeJSON(w, telemetryResponse{Events: events, Stats: rec.Stats()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.session.Auditor().Snapshot())
}

// channelsResponse is the JSON shape for /api/channels.
type channelsResponse struct {
	channels.Snapshot
	Legacy map[string]map[string]string `json:"legacy"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	snap, err := s.session.Channels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := channelsResponse{Snapshot: snap, Legacy: make(map[string]map[string]string)}
	mirror := s.session.Mirror()
	for _, name := range mirror.Channels() {
		if ds, ok := mirror.Dataset(name); ok {
			resp.Legacy[name] = ds
		}
	}
	s.writeJSON(w, resp)
}

// statusResponse is the JSON shape for /api/status.
type statusResponse struct {
	Coordinator scaling.Stats `json:"coordinator"`
	Lines       []status.Line `json:"lines"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lines := s.session.StatusHistory().Lines()
	if lines == nil {
		lines = []status.Line{}
	}
	s.writeJSON(w, statusResponse{
		Coordinator: s.session.Coordinator().Stats(),
		Lines:       lines,
	})
}

// scaleRequest is the body of POST /api/scale.
type scaleRequest struct {
	Percent  *float64       `json:"percent"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata"`
	Async    bool           `json:"async"`
}

type scaleResponse struct {
	ID     string          `json:"id"`
	Queued bool            `json:"queued"`
	Result *scaling.Result `json:"result,omitempty"`
}

// handleScale queues a scale request. Unless async is set it waits for
// the result; a failed operation still answers 200 with success=false.
func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Percent == nil {
		http.Error(w, "percent is required", http.StatusBadRequest)
		return
	}
	source := req.Source
	if source == "" {
		source = "webui"
	}

	ticket, err := s.session.Coordinator().Submit(*req.Percent, source, scaling.Options{Metadata: req.Metadata})
	switch {
	case errors.Is(err, scaling.ErrMalformedOperation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, scaling.ErrCoordinatorClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := scaleResponse{ID: ticket.ID(), Queued: true}
	if req.Async {
		s.writeJSONStatus(w, http.StatusAccepted, resp)
		return
	}
	res, _ := ticket.Wait(r.Context())
	resp.Result = &res
	s.writeJSON(w, resp)
}

type flushRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	n := s.session.Coordinator().Flush(req.Reason)
	s.writeJSON(w, map[string]int{"flushed": n})
}

// wsControl is the client-sent control message on the WebSocket.
type wsControl struct {
	Paused bool   `json:"paused"`
	Phase  string `json:"phase"`
}

// wsUpdate is the server-sent update message on the WebSocket.
type wsUpdate struct {
	Seq         uint64            `json:"seq"`
	Events      []telemetry.Event `json:"events,omitempty"`
	Coordinator scaling.Stats     `json:"coordinator"`
	Audit       wsAudit           `json:"audit"`
	Status      *status.Line      `json:"status,omitempty"`
}

type wsAudit struct {
	TotalChecks   int `json:"totalChecks"`
	MismatchCount int `json:"mismatchCount"`
}

// handleWebSocket upgrades to WebSocket and streams new telemetry events.
// Bursts of events are coalesced and pushes are rate limited per
// connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for localhost dev
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	rec := s.session.Recorder()

	notifyCh, unsubscribe := rec.Notify()
	defer unsubscribe()

	// Back up to include recent history on connect.
	var lastSeq uint64
	if recent := rec.Recent(wsBackfill); len(recent) > 0 {
		lastSeq = recent[0].Seq - 1
	}

	var control wsControl
	controlCh := make(chan wsControl, 4)
	go func() {
		defer close(controlCh)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var c wsControl
			if json.Unmarshal(data, &c) == nil {
				select {
				case controlCh <- c:
				default:
				}
			}
		}
	}()

	limiter := rate.NewLimiter(s.updateRate, 1)
	s.sendWSUpdate(ctx, conn, &lastSeq, control)

	keepalive := time.NewTicker(wsKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return

		case c, ok := <-controlCh:
			if !ok {
				return
			}
			control = c

		case <-notifyCh:
			if control.Paused {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			s.sendWSUpdate(ctx, conn, &lastSeq, control)

		case <-keepalive.C:
			if control.Paused {
				continue
			}
			s.sendWSUpdate(ctx, conn, &lastSeq, control)
		}
	}
}

// sendWSUpdate sends every event after lastSeq plus current counters.
func (s *Server) sendWSUpdate(ctx context.Context, conn *websocket.Conn, lastSeq *uint64, control wsControl) {
	rec := s.session.Recorder()
	events := rec.Since(*lastSeq)
	if len(events) > 0 {
		*lastSeq = events[len(events)-1].Seq
	}
	if control.Phase != "" {
		filtered := events[:0]
		for _, e := range events {
			if string(e.Phase) == control.Phase {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	update := wsUpdate{
		Seq:         *lastSeq,
		Events:      events,
		Coordinator: s.session.Coordinator().Stats(),
		Audit:       auditSummary(s.session.Auditor().Snapshot()),
	}
	if line, ok := s.session.StatusHistory().Latest(); ok {
		update.Status = &line
	}

	data, err := json.Marshal(update)
	if err != nil {
		s.log.Warnw("webui: failed to marshal update", "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	// A closed connection is handled by the main loop.
	_ = conn.Write(writeCtx, websocket.MessageText, data)
}

func auditSummary(snap audit.Snapshot) wsAudit {
	return wsAudit{TotalChecks: snap.TotalChecks, MismatchCount: snap.MismatchCount}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	s.writeJSONStatus(w, http.StatusOK, v)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("webui: failed to write JSON", "error", err)
	}
}
