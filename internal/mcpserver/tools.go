package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/filereader"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/scaling"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════
// SCALING COORDINATOR TOOLS
//
//  1. scale                 - queue "scale all channels to X%" and (optionally) wait
//  2. flush_queue           - reject every pending operation, emit a flush event
//  3. get_telemetry         - lifecycle events from the bounded buffer
//  4. clear_telemetry       - empty the buffer
//  5. get_scaling_audit     - per-reason validation counters
//  6. reset_scaling_audit   - zero the counters
//  7. validate_scaling_sync - compare canonical state with the legacy mirror now
//  8. get_channels          - canonical channel state plus the mirrored dataset
//  9. get_coordinator_stats - queue counters and buffer health
// 10. add_file_source       - watch a directory of JSONL scale requests
// 11. remove_file_source    - stop watching it
//
// Agents think: "scale to 82%, then check nothing drifted" - scale, then
// validate_scaling_sync, then get_telemetry if anything looks off.
// ═══════════════════════════════════════════════════════════════════════════

const defaultToolSource = "mcp"

// Tool 1: scale

type ScaleInput struct {
	Percent  float64        `json:"percent" jsonschema:"Target overall ink percent (positive, capped at 1000)"`
	Source   string         `json:"source,omitempty" jsonschema:"Origin tag for telemetry attribution (default: mcp)"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Opaque key/value data passed through to telemetry"`
	Async    bool           `json:"async,omitempty" jsonschema:"Return after enqueueing instead of waiting for the result"`
}

type ScaleOutput struct {
	OperationID    string   `json:"operation_id,omitempty" jsonschema:"Coordinator operation ID (scale-N)"`
	Queued         bool     `json:"queued" jsonschema:"True when the operation was accepted into the queue"`
	Success        bool     `json:"success" jsonschema:"True when the operation completed and changed state"`
	Processed      int      `json:"processed" jsonschema:"Number of channels mutated"`
	Changed        []string `json:"changed,omitempty" jsonschema:"Names of mutated channels"`
	AppliedPercent float64  `json:"applied_percent,omitempty" jsonschema:"Percent actually applied after ink-limit capping"`
	DurationMs     float64  `json:"duration_ms,omitempty" jsonschema:"Run time of the mutation in milliseconds"`
	Reason         string   `json:"reason,omitempty" jsonschema:"Failure reason code (no_effect, mutation_failed, flushed)"`
	Message        string   `json:"message,omitempty" jsonschema:"Result or error message"`
}

func (s *Server) handleScale(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ScaleInput,
) (*mcp.CallToolResult, ScaleOutput, error) {
	source := input.Source
	if source == "" {
		source = defaultToolSource
	}

	ticket, err := s.session.Coordinator().Submit(input.Percent, source, scaling.Options{Metadata: input.Metadata})
	if err != nil {
		return &mcp.CallToolResult{}, ScaleOutput{Message: err.Error()}, nil
	}
	if input.Async {
		return &mcp.CallToolResult{}, ScaleOutput{
			OperationID: ticket.ID(),
			Queued:      true,
			Message:     fmt.Sprintf("queued %s", ticket.ID()),
		}, nil
	}

	res, err := ticket.Wait(ctx)
	out := ScaleOutput{
		OperationID:    ticket.ID(),
		Queued:         true,
		Success:        res.Success,
		Processed:      res.Processed,
		Changed:        res.Changed,
		AppliedPercent: res.AppliedPercent,
		DurationMs:     float64(res.Duration.Microseconds()) / 1000,
		Reason:         res.Reason,
		Message:        res.Message,
	}
	if err != nil {
		if errors.Is(err, scaling.ErrQueueFlushed) {
			out.Reason = "flushed"
		}
		out.Message = err.Error()
	}
	return &mcp.CallToolResult{}, out, nil
}

// Tool 2: flush_queue

type FlushQueueInput struct {
	Reason string `json:"reason,omitempty" jsonschema:"Reason recorded on the flush event (default: manual)"`
}

type FlushQueueOutput struct {
	Flushed int    `json:"flushed" jsonschema:"Number of pending operations rejected"`
	Message string `json:"message" jsonschema:"Summary"`
}

func (s *Server) handleFlushQueue(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input FlushQueueInput,
) (*mcp.CallToolResult, FlushQueueOutput, error) {
	n := s.session.Coordinator().Flush(input.Reason)
	return &mcp.CallToolResult{}, FlushQueueOutput{
		Flushed: n,
		Message: fmt.Sprintf("flushed %d pending operation(s)", n),
	}, nil
}

// Tool 3: get_telemetry

type GetTelemetryInput struct {
	Limit    int    `json:"limit,omitempty" jsonschema:"Return only the most recent N matching events (0 = all)"`
	SinceSeq uint64 `json:"since_seq,omitempty" jsonschema:"Only events with a sequence number greater than this"`
	Phase    string `json:"phase,omitempty" jsonschema:"Filter by phase: enqueue, start, success, fail, flush"`
}

type GetTelemetryOutput struct {
	Events []EventSummary  `json:"events" jsonschema:"Events, oldest first"`
	Stats  TelemetryStatus `json:"stats" jsonschema:"Buffer health"`
}

func (s *Server) handleGetTelemetry(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetTelemetryInput,
) (*mcp.CallToolResult, GetTelemetryOutput, error) {
	rec := s.session.Recorder()
	events := rec.Since(input.SinceSeq)

	if input.Phase != "" {
		filtered := events[:0]
		for _, e := range events {
			if string(e.Phase) == input.Phase {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if input.Limit > 0 && len(events) > input.Limit {
		events = events[len(events)-input.Limit:]
	}

	out := GetTelemetryOutput{
		Events: make([]EventSummary, 0, len(events)),
		Stats:  telemetryStatus(rec.Stats()),
	}
	for _, e := range events {
		out.Events = append(out.Events, eventToSummary(e))
	}
	return &mcp.CallToolResult{}, out, nil
}

// Tool 4: clear_telemetry

type ClearTelemetryInput struct{}

type ClearTelemetryOutput struct {
	Cleared int    `json:"cleared" jsonschema:"Number of events removed"`
	Message string `json:"message" jsonschema:"Summary"`
}

func (s *Server) handleClearTelemetry(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ClearTelemetryInput,
) (*mcp.CallToolResult, ClearTelemetryOutput, error) {
	rec := s.session.Recorder()
	n := rec.Len()
	rec.Clear()
	return &mcp.CallToolResult{}, ClearTelemetryOutput{
		Cleared: n,
		Message: fmt.Sprintf("cleared %d telemetry event(s)", n),
	}, nil
}

// Tool 5: get_scaling_audit

type GetScalingAuditInput struct{}

type AuditOutput struct {
	ReasonCounts    map[string]int `json:"reason_counts" jsonschema:"Validation calls per reason"`
	TotalChecks     int            `json:"total_checks" jsonschema:"Validation calls since last reset"`
	MismatchCount   int            `json:"mismatch_count" jsonschema:"Validations that found drift"`
	LastCheckReason string         `json:"last_check_reason,omitempty" jsonschema:"Reason of the most recent validation"`
	LastCheckAt     uint64         `json:"last_check_unix_nano,omitempty" jsonschema:"Time of the most recent validation (Unix nanoseconds)"`
	LastMismatch    []string       `json:"last_mismatch,omitempty" jsonschema:"Divergences found by the most recent mismatch"`
	LastResetReason string         `json:"last_reset_reason,omitempty" jsonschema:"Reason given to the last reset"`
}

func (s *Server) handleGetScalingAudit(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetScalingAuditInput,
) (*mcp.CallToolResult, AuditOutput, error) {
	return &mcp.CallToolResult{}, auditToOutput(s.session.Auditor().Snapshot()), nil
}

// Tool 6: reset_scaling_audit

type ResetScalingAuditInput struct {
	Reason string `json:"reason,omitempty" jsonschema:"Reason recorded for traceability"`
}

type ResetScalingAuditOutput struct {
	Success bool   `json:"success" jsonschema:"Always true"`
	Message string `json:"message" jsonschema:"Summary"`
}

func (s *Server) handleResetScalingAudit(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ResetScalingAuditInput,
) (*mcp.CallToolResult, ResetScalingAuditOutput, error) {
	s.session.Auditor().Reset(input.Reason)
	return &mcp.CallToolResult{}, ResetScalingAuditOutput{
		Success: true,
		Message: "audit counters reset",
	}, nil
}

// Tool 7: validate_scaling_sync

type ValidateScalingSyncInput struct {
	Reason          string `json:"reason,omitempty" jsonschema:"Reason counted for this check (default: mcp)"`
	ThrowOnMismatch bool   `json:"throw_on_mismatch,omitempty" jsonschema:"Report drift as a tool error instead of a result"`
}

type ValidateScalingSyncOutput struct {
	InSync      bool     `json:"in_sync" jsonschema:"True when canonical state and legacy mirror agree"`
	Divergences []string `json:"divergences,omitempty" jsonschema:"channel.field canonical/legacy pairs that differ"`
	Message     string   `json:"message" jsonschema:"Summary"`
}

func (s *Server) handleValidateScalingSync(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ValidateScalingSyncInput,
) (*mcp.CallToolResult, ValidateScalingSyncOutput, error) {
	reason := input.Reason
	if reason == "" {
		reason = defaultToolSource
	}

	// Always ask for the error so drift can be reported either way.
	err := s.session.Coordinator().ValidateSync(ctx, reason, true)
	var mismatch *audit.StateSyncMismatch
	switch {
	case err == nil:
		return &mcp.CallToolResult{}, ValidateScalingSyncOutput{InSync: true, Message: "canonical state and legacy mirror agree"}, nil
	case errors.As(err, &mismatch):
		if input.ThrowOnMismatch {
			return nil, ValidateScalingSyncOutput{}, err
		}
		out := ValidateScalingSyncOutput{
			Message: fmt.Sprintf("%d divergence(s) on %v", len(mismatch.Divergences), mismatch.Channels()),
		}
		for _, d := range mismatch.Divergences {
			out.Divergences = append(out.Divergences, d.String())
		}
		return &mcp.CallToolResult{}, out, nil
	default:
		return nil, ValidateScalingSyncOutput{}, fmt.Errorf("validate sync: %w", err)
	}
}

// Tool 8: get_channels

type GetChannelsInput struct{}

type GetChannelsOutput struct {
	GlobalPercent float64          `json:"global_percent" jsonschema:"Current overall scale percent"`
	Channels      []ChannelSummary `json:"channels" jsonschema:"Channels in profile order"`
	Baselines     map[string]int   `json:"baselines,omitempty" jsonschema:"Cached per-channel end values at 100%"`
}

func (s *Server) handleGetChannels(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetChannelsInput,
) (*mcp.CallToolResult, GetChannelsOutput, error) {
	snap, err := s.session.Channels(ctx)
	if err != nil {
		return nil, GetChannelsOutput{}, fmt.Errorf("read channels: %w", err)
	}
	out := GetChannelsOutput{
		GlobalPercent: snap.GlobalPercent,
		Channels:      make([]ChannelSummary, 0, len(snap.Channels)),
		Baselines:     snap.Baselines,
	}
	mirror := s.session.Mirror()
	for _, ch := range snap.Channels {
		sum := ChannelSummary{
			Name:    ch.Name,
			Percent: ch.Percent,
			End:     ch.End,
			Source:  string(ch.Source),
		}
		if ds, ok := mirror.Dataset(ch.Name); ok {
			sum.Legacy = ds
		}
		out.Channels = append(out.Channels, sum)
	}
	return &mcp.CallToolResult{}, out, nil
}

// Tool 9: get_coordinator_stats

type GetCoordinatorStatsInput struct{}

type GetCoordinatorStatsOutput struct {
	Enqueued       int             `json:"enqueued" jsonschema:"Operations accepted"`
	Succeeded      int             `json:"succeeded" jsonschema:"Operations that completed successfully"`
	Failed         int             `json:"failed" jsonschema:"Operations that failed"`
	Flushed        int             `json:"flushed" jsonschema:"Pending operations rejected by flushes"`
	MaxQueueLength int             `json:"max_queue_length" jsonschema:"Longest queue since the last flush"`
	QueueLength    int             `json:"queue_length" jsonschema:"Operations waiting now"`
	Processing     bool            `json:"processing" jsonschema:"True while the queue is draining"`
	Active         string          `json:"active,omitempty" jsonschema:"ID of the running operation"`
	LastDurationMs float64         `json:"last_duration_ms" jsonschema:"Duration of the last finished operation"`
	LastError      string          `json:"last_error,omitempty" jsonschema:"Error of the last failed operation"`
	Telemetry      TelemetryStatus `json:"telemetry" jsonschema:"Buffer health"`
	FileSources    []string        `json:"file_sources,omitempty" jsonschema:"Watched request directories"`
}

func (s *Server) handleGetCoordinatorStats(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetCoordinatorStatsInput,
) (*mcp.CallToolResult, GetCoordinatorStatsOutput, error) {
	st := s.session.Coordinator().Stats()
	return &mcp.CallToolResult{}, GetCoordinatorStatsOutput{
		Enqueued:       st.Enqueued,
		Succeeded:      st.Succeeded,
		Failed:         st.Failed,
		Flushed:        st.Flushed,
		MaxQueueLength: st.MaxQueueLength,
		QueueLength:    st.QueueLength,
		Processing:     st.Processing,
		Active:         st.Active,
		LastDurationMs: st.LastDurationMs,
		LastError:      st.LastError,
		Telemetry:      telemetryStatus(s.session.Recorder().Stats()),
		FileSources:    s.ListFileSources(),
	}, nil
}

// Tool 10: add_file_source

type AddFileSourceInput struct {
	Directory string `json:"directory" jsonschema:"Directory containing *.jsonl scale request files"`
}

type FileSourceOutput struct {
	Success     bool               `json:"success" jsonschema:"Whether the operation succeeded"`
	Message     string             `json:"message,omitempty" jsonschema:"Additional information or error message"`
	FileSources []filereader.Stats `json:"file_sources" jsonschema:"All watched directories"`
}

func (s *Server) handleAddFileSource(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input AddFileSourceInput,
) (*mcp.CallToolResult, FileSourceOutput, error) {
	if input.Directory == "" {
		return &mcp.CallToolResult{}, FileSourceOutput{
			Message:     "directory is required",
			FileSources: s.FileSourceStats(),
		}, nil
	}
	// Sources outlive the tool call; only the initial scan uses ctx.
	if err := s.AddFileSource(ctx, input.Directory); err != nil {
		return &mcp.CallToolResult{}, FileSourceOutput{
			Message:     err.Error(),
			FileSources: s.FileSourceStats(),
		}, nil
	}
	return &mcp.CallToolResult{}, FileSourceOutput{
		Success:     true,
		Message:     fmt.Sprintf("watching %s", input.Directory),
		FileSources: s.FileSourceStats(),
	}, nil
}

// Tool 11: remove_file_source

type RemoveFileSourceInput struct {
	Directory string `json:"directory" jsonschema:"Directory to stop watching"`
}

func (s *Server) handleRemoveFileSource(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input RemoveFileSourceInput,
) (*mcp.CallToolResult, FileSourceOutput, error) {
	if err := s.RemoveFileSource(input.Directory); err != nil {
		return &mcp.CallToolResult{}, FileSourceOutput{
			Message:     err.Error(),
			FileSources: s.FileSourceStats(),
		}, nil
	}
	return &mcp.CallToolResult{}, FileSourceOutput{
		Success:     true,
		Message:     fmt.Sprintf("stopped watching %s", input.Directory),
		FileSources: s.FileSourceStats(),
	}, nil
}

// Register all tools

func (s *Server) registerTools() error {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "scale",
		Description: "Scale every active ink channel to a target overall percent (e.g. 82 for 82%). Requests are queued and run one at a time in arrival order, so concurrent callers never interleave. Waits for the result unless async is set. A request that would change nothing (already maxed or at minimum) fails with reason no_effect.",
	}, s.handleScale)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "flush_queue",
		Description: "Reject every pending scale request without touching the one currently running. Records a single flush telemetry event and a status line 'Scaling queue flushed (reason)'.",
	}, s.handleFlushQueue)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_telemetry",
		Description: "Read coordinator lifecycle events (enqueue, start, success, fail, flush) from the bounded buffer, oldest first. Use since_seq to poll for new events and phase to filter. The buffer keeps the most recent events only.",
	}, s.handleGetTelemetry)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clear_telemetry",
		Description: "Empty the telemetry buffer. Sequence numbers keep increasing, so since_seq polling still works afterwards.",
	}, s.handleClearTelemetry)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_scaling_audit",
		Description: "Sync audit counters: how many times each code path (reason) asked to validate canonical state against the legacy mirror, plus mismatch totals and the last divergence list. Use to find which paths force re-validation most.",
	}, s.handleGetScalingAudit)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "reset_scaling_audit",
		Description: "Zero the sync audit counters. The reason is kept for traceability.",
	}, s.handleResetScalingAudit)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "validate_scaling_sync",
		Description: "Compare canonical channel state with the legacy mirror right now, serialized with running scale operations. Counts toward the audit under the given reason and reports every divergent channel/field.",
	}, s.handleValidateScalingSync)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_channels",
		Description: "Current canonical channel state (end value 0-65535, percent, source tag) with the legacy dataset attributes mirrored for each channel, the overall scale percent, and cached scale baselines.",
	}, s.handleGetChannels)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_coordinator_stats",
		Description: "Queue health: enqueued/succeeded/failed/flushed counters, current queue length, active operation, last duration and error, telemetry buffer usage and watched request directories.",
	}, s.handleGetCoordinatorStats)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "add_file_source",
		Description: "Watch a directory for *.jsonl files of scale requests. Each complete line like {\"percent\": 82, \"source\": \"file:curve.quad\"} is queued; existing lines are loaded first, appended lines are picked up live.",
	}, s.handleAddFileSource)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "remove_file_source",
		Description: "Stop watching a request directory. Requests already queued are not affected.",
	}, s.handleRemoveFileSource)

	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// OUTPUT TYPES - Simplified views of coordinator data
// ═══════════════════════════════════════════════════════════════════════════

type EventSummary struct {
	Seq            uint64         `json:"seq" jsonschema:"Recorder sequence number"`
	Phase          string         `json:"phase" jsonschema:"Lifecycle phase"`
	OperationID    string         `json:"operation_id,omitempty" jsonschema:"Operation ID"`
	Percent        float64        `json:"percent,omitempty" jsonschema:"Requested percent"`
	Source         string         `json:"source,omitempty" jsonschema:"Request origin tag"`
	Metadata       map[string]any `json:"metadata,omitempty" jsonschema:"Request metadata"`
	DurationMs     float64        `json:"duration_ms,omitempty" jsonschema:"Mutation duration (success/fail)"`
	AppliedPercent float64        `json:"applied_percent,omitempty" jsonschema:"Percent applied after capping"`
	Flushed        []string       `json:"flushed,omitempty" jsonschema:"Operation IDs rejected by a flush"`
	ErrorMessage   string         `json:"error_message,omitempty" jsonschema:"Failure message"`
	ErrorReason    string         `json:"error_reason,omitempty" jsonschema:"Failure or flush reason code"`
	Processed      *int           `json:"processed,omitempty" jsonschema:"Channels mutated (success only)"`
	Timestamp      uint64         `json:"timestamp_unix_nano" jsonschema:"Capture time (Unix nanoseconds)"`
}

type TelemetryStatus struct {
	SessionID string         `json:"session_id" jsonschema:"Recorder session ID"`
	Buffered  int            `json:"buffered" jsonschema:"Events currently held"`
	Capacity  int            `json:"capacity" jsonschema:"Maximum events held"`
	Total     uint64         `json:"total" jsonschema:"Events recorded since start, including evicted"`
	ByPhase   map[string]int `json:"by_phase" jsonschema:"Buffered events per phase"`
}

type ChannelSummary struct {
	Name    string            `json:"name" jsonschema:"Channel name (K, C, LK, ...)"`
	Percent float64           `json:"percent" jsonschema:"Ink limit percent"`
	End     int               `json:"end" jsonschema:"End value 0-65535"`
	Source  string            `json:"source" jsonschema:"Provenance: default, solver or manual"`
	Legacy  map[string]string `json:"legacy,omitempty" jsonschema:"Mirrored dataset attributes"`
}

// Conversion functions

func eventToSummary(e telemetry.Event) EventSummary {
	sum := EventSummary{
		Seq:       e.Seq,
		Phase:     string(e.Phase),
		Timestamp: uint64(e.Timestamp.UnixNano()),
	}
	if op := e.Operation; op != nil {
		sum.OperationID = op.ID
		sum.Percent = op.Percent
		sum.Source = op.Source
		sum.Metadata = op.Metadata
		sum.DurationMs = op.DurationMs
		sum.AppliedPercent = op.AppliedPercent
	}
	if e.Phase == telemetry.PhaseFlush {
		sum.Flushed = make([]string, 0, len(e.Operations))
		for _, op := range e.Operations {
			sum.Flushed = append(sum.Flushed, op.ID)
		}
	}
	if e.Error != nil {
		sum.ErrorMessage = e.Error.Message
		sum.ErrorReason = e.Error.Reason
	}
	if e.Metrics != nil {
		processed := e.Metrics.Processed
		sum.Processed = &processed
	}
	return sum
}

func telemetryStatus(st telemetry.Stats) TelemetryStatus {
	byPhase := make(map[string]int, len(st.ByPhase))
	for phase, n := range st.ByPhase {
		byPhase[string(phase)] = n
	}
	return TelemetryStatus{
		SessionID: st.SessionID,
		Buffered:  st.Buffered,
		Capacity:  st.Capacity,
		Total:     st.Total,
		ByPhase:   byPhase,
	}
}

func auditToOutput(snap audit.Snapshot) AuditOutput {
	out := AuditOutput{
		ReasonCounts:    snap.ReasonCounts,
		TotalChecks:     snap.TotalChecks,
		MismatchCount:   snap.MismatchCount,
		LastCheckReason: snap.LastCheckReason,
		LastResetReason: snap.LastResetReason,
	}
	if out.ReasonCounts == nil {
		out.ReasonCounts = map[string]int{}
	}
	if !snap.LastCheckAt.IsZero() {
		out.LastCheckAt = uint64(snap.LastCheckAt.UnixNano())
	}
	for _, d := range snap.LastMismatch {
		out.LastMismatch = append(out.LastMismatch, d.String())
	}
	return out
}
