package mcpserver

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/channels"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

// recentEventLimit bounds the telemetry resource listing.
const recentEventLimit = 20

// registerResources registers all MCP resources and resource templates.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "quadscale://channels",
		Name:        "channels",
		Description: "Canonical channel state with legacy mirror values side by side.",
		MIMEType:    "text/plain",
	}, s.handleChannelsResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "quadscale://telemetry",
		Name:        "telemetry",
		Description: "Telemetry buffer usage, phase counts and the most recent lifecycle events.",
		MIMEType:    "text/plain",
	}, s.handleTelemetryResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "quadscale://audit",
		Name:        "audit",
		Description: "Sync audit counters per reason and the last divergence.",
		MIMEType:    "text/plain",
	}, s.handleAuditResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "quadscale://status",
		Name:        "status",
		Description: "Recent user-visible status lines derived from telemetry.",
		MIMEType:    "text/plain",
	}, s.handleStatusResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "quadscale://file-sources",
		Name:        "file-sources",
		Description: "Directories being watched for JSONL scale requests.",
		MIMEType:    "text/plain",
	}, s.handleFileSourcesResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "quadscale://channels/{name}",
		Name:        "channel-detail",
		Description: "One channel: canonical value, mirrored dataset and scale baseline.",
		MIMEType:    "text/plain",
	}, s.handleChannelDetailResource)
}

// ─── Static resource handlers ───────────────────────────────────────────

func (s *Server) handleChannelsResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	snap, err := s.session.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("read channels: %w", err)
	}
	mirror := s.session.Mirror()

	var b strings.Builder
	fmt.Fprintf(&b, "Channels (%s)\n", s.session.Profile().Name)
	b.WriteString("════════\n")
	fmt.Fprintf(&b, "  Global scale: %s%%\n\n", channels.FormatPercent(snap.GlobalPercent))
	b.WriteString("  Name   End      Percent   Source    Legacy end  Legacy %\n")
	b.WriteString("  ────   ──────   ───────   ───────   ──────────  ────────\n")
	for _, ch := range snap.Channels {
		legacyEnd, legacyPct := "─", "─"
		if ds, ok := mirror.Dataset(ch.Name); ok {
			legacyEnd = ds[channels.AttrEnd]
			legacyPct = ds[channels.AttrPercent]
		}
		fmt.Fprintf(&b, "  %-5s  %-7d  %-8s  %-8s  %-10s  %s\n",
			ch.Name, ch.End, channels.FormatPercent(ch.Percent), ch.Source, legacyEnd, legacyPct)
	}

	if len(snap.Baselines) > 0 {
		b.WriteString("\n  Baselines:\n")
		for _, name := range slices.Sorted(maps.Keys(snap.Baselines)) {
			fmt.Fprintf(&b, "    %-5s %d\n", name, snap.Baselines[name])
		}
	}

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleTelemetryResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	rec := s.session.Recorder()
	st := rec.Stats()

	var b strings.Builder
	b.WriteString("Telemetry Buffer\n")
	b.WriteString("════════════════\n")
	fmt.Fprintf(&b, "  Session:   %s\n", st.SessionID)
	fmt.Fprintf(&b, "  Buffered:  %s / %s (%s)\n", fmtNum(st.Buffered), fmtNum(st.Capacity), fmtPct(st.Buffered, st.Capacity))
	fmt.Fprintf(&b, "  Recorded:  %s total\n", humanize.Comma(int64(st.Total)))

	b.WriteString("\n  Phases:\n")
	for _, phase := range telemetry.Phases {
		fmt.Fprintf(&b, "    %-8s %s\n", phase, fmtNum(st.ByPhase[phase]))
	}

	events := rec.Recent(recentEventLimit)
	if len(events) > 0 {
		fmt.Fprintf(&b, "\n  Recent (%d):\n", len(events))
		for _, e := range events {
			b.WriteString("    " + eventLine(e) + "\n")
		}
	}

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleAuditResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	snap := s.session.Auditor().Snapshot()

	var b strings.Builder
	b.WriteString("Scaling Sync Audit\n")
	b.WriteString("══════════════════\n")
	fmt.Fprintf(&b, "  Checks:      %s\n", fmtNum(snap.TotalChecks))
	fmt.Fprintf(&b, "  Mismatches:  %s\n", fmtNum(snap.MismatchCount))
	if snap.LastCheckReason != "" {
		fmt.Fprintf(&b, "  Last check:  %s (%s)\n", snap.LastCheckReason, humanize.Time(snap.LastCheckAt))
	}
	if snap.LastResetReason != "" {
		fmt.Fprintf(&b, "  Last reset:  %s\n", snap.LastResetReason)
	}

	if len(snap.ReasonCounts) > 0 {
		b.WriteString("\n  Reasons:\n")
		reasons := slices.Sorted(maps.Keys(snap.ReasonCounts))
		// Hot paths first.
		slices.SortStableFunc(reasons, func(x, y string) int {
			return snap.ReasonCounts[y] - snap.ReasonCounts[x]
		})
		for _, r := range reasons {
			fmt.Fprintf(&b, "    %-24s %s\n", r, fmtNum(snap.ReasonCounts[r]))
		}
	}

	if len(snap.LastMismatch) > 0 {
		b.WriteString("\n  Last mismatch:\n")
		for _, d := range snap.LastMismatch {
			fmt.Fprintf(&b, "    • %s\n", d)
		}
	}

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleStatusResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	lines := s.session.StatusHistory().Lines()

	var b strings.Builder
	b.WriteString("Status\n")
	b.WriteString("══════\n")
	if len(lines) == 0 {
		b.WriteString("  (no status messages)\n")
	}
	for _, l := range lines {
		fmt.Fprintf(&b, "  %s  %s\n", l.At.Format("15:04:05.000"), l.Message)
	}

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleFileSourcesResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	stats := s.FileSourceStats()

	var b strings.Builder
	b.WriteString("File Sources\n")
	b.WriteString("════════════\n")
	if len(stats) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, st := range stats {
		fmt.Fprintf(&b, "  %s\n", st.Directory)
		fmt.Fprintf(&b, "    files: %d  submitted: %s  skipped: %s\n",
			st.FilesTracked, fmtNum(st.Submitted), fmtNum(st.Skipped))
	}

	return textResult(req.Params.URI, b.String()), nil
}

// ─── Resource template handlers ─────────────────────────────────────────

func (s *Server) handleChannelDetailResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	name, err := extractURIParam(req.Params.URI, "quadscale://channels/")
	if err != nil {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}

	snap, err := s.session.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("read channels: %w", err)
	}
	ch, ok := snap.Channel(name)
	if !ok {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Channel: %s\n", ch.Name)
	b.WriteString(strings.Repeat("═", len(ch.Name)+9) + "\n")
	fmt.Fprintf(&b, "  End:      %d\n", ch.End)
	fmt.Fprintf(&b, "  Percent:  %s%%\n", channels.FormatPercent(ch.Percent))
	fmt.Fprintf(&b, "  Source:   %s\n", ch.Source)
	if base, ok := snap.Baselines[ch.Name]; ok {
		fmt.Fprintf(&b, "  Baseline: %d\n", base)
	}

	if ds, ok := s.session.Mirror().Dataset(ch.Name); ok {
		b.WriteString("\n  Legacy dataset:\n")
		for _, attr := range slices.Sorted(maps.Keys(ds)) {
			fmt.Fprintf(&b, "    %-13s %s\n", attr, ds[attr])
		}
	} else {
		b.WriteString("\n  Legacy dataset: missing\n")
	}

	return textResult(req.Params.URI, b.String()), nil
}

// ─── Helpers ────────────────────────────────────────────────────────────

// extractURIParam extracts the parameter value from a URI by stripping the prefix
// and URL-decoding the remainder.
func extractURIParam(uri, prefix string) (string, error) {
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("invalid URI: %s", uri)
	}
	param := strings.TrimPrefix(uri, prefix)
	if param == "" {
		return "", fmt.Errorf("empty parameter in URI: %s", uri)
	}
	decoded, err := url.PathUnescape(param)
	if err != nil {
		return "", fmt.Errorf("invalid encoding in URI: %w", err)
	}
	return decoded, nil
}

// textResult wraps a string in a ReadResourceResult.
func textResult(uri, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:  uri,
			Text: text,
		}},
	}
}

// eventLine renders one event as "#seq phase id percent% source ...".
func eventLine(e telemetry.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%-4d %s %-7s", e.Seq, e.Timestamp.Format(time.TimeOnly), e.Phase)
	if op := e.Operation; op != nil {
		fmt.Fprintf(&b, " %s %s%% %s", op.ID, channels.FormatPercent(op.Percent), op.Source)
		if op.DurationMs > 0 {
			fmt.Fprintf(&b, " %.1fms", op.DurationMs)
		}
	}
	if e.Phase == telemetry.PhaseFlush {
		fmt.Fprintf(&b, " flushed=%d", len(e.Operations))
	}
	if e.Metrics != nil {
		fmt.Fprintf(&b, " processed=%d", e.Metrics.Processed)
	}
	if e.Error != nil {
		if e.Error.Reason != "" {
			fmt.Fprintf(&b, " reason=%s", e.Error.Reason)
		}
		if e.Error.Message != "" {
			fmt.Fprintf(&b, " %q", e.Error.Message)
		}
	}
	return b.String()
}

// fmtNum formats an integer with comma separators (e.g. 10,000).
func fmtNum(n int) string {
	return humanize.Comma(int64(n))
}

// fmtPct formats a percentage like "62%" or "100%".
func fmtPct(count, capacity int) string {
	if capacity == 0 {
		return "─"
	}
	pct := float64(count) / float64(capacity) * 100
	return fmt.Sprintf("%.0f%%", pct)
}
