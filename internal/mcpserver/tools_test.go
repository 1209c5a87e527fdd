package mcpserver

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/channels"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/scaling"
)

func TestScaleTool(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, out, err := srv.handleScale(ctx, nil, ScaleInput{Percent: 50, Source: "test-source", Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.True(t, out.Queued)
	assert.Equal(t, 6, out.Processed)
	assert.Equal(t, 50.0, out.AppliedPercent)
	assert.Equal(t, "Scaled 6 channels by 50%", out.Message)

	// Same percent again changes nothing.
	_, out, err = srv.handleScale(ctx, nil, ScaleInput{Percent: 50})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "no_effect", out.Reason)

	_, out, err = srv.handleScale(ctx, nil, ScaleInput{Percent: math.NaN()})
	require.NoError(t, err)
	assert.False(t, out.Queued)
	assert.NotEmpty(t, out.Message)

	_, tel, err := srv.handleGetTelemetry(ctx, nil, GetTelemetryInput{})
	require.NoError(t, err)
	phases := make([]string, len(tel.Events))
	for i, e := range tel.Events {
		phases[i] = e.Phase
	}
	assert.Equal(t, []string{"enqueue", "start", "success", "enqueue", "start", "fail"}, phases)
	assert.Equal(t, "v", tel.Events[0].Metadata["k"])
	assert.Equal(t, "mcp", tel.Events[3].Source)
	require.NotNil(t, tel.Events[2].Processed)
	assert.Equal(t, 6, *tel.Events[2].Processed)
	assert.Equal(t, "no_effect", tel.Events[5].ErrorReason)
	assert.Equal(t, 6, tel.Stats.Buffered)
	assert.Equal(t, 2, tel.Stats.ByPhase["enqueue"])
}

func TestScaleToolAsync(t *testing.T) {
	srv := newTestServer(t)
	_, out, err := srv.handleScale(context.Background(), nil, ScaleInput{Percent: 80, Async: true})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.False(t, out.Success)
	assert.Regexp(t, `^scale-\d+$`, out.OperationID)
}

func TestGetTelemetryFilters(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	for _, p := range []float64{90, 80, 70} {
		_, err := srv.session.Coordinator().Scale(ctx, p, "ui", scaling.Options{})
		require.NoError(t, err)
	}

	_, out, err := srv.handleGetTelemetry(ctx, nil, GetTelemetryInput{Phase: "success"})
	require.NoError(t, err)
	assert.Len(t, out.Events, 3)

	_, out, err = srv.handleGetTelemetry(ctx, nil, GetTelemetryInput{Limit: 2})
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "success", out.Events[1].Phase)
	assert.Equal(t, 70.0, out.Events[1].Percent)

	last := out.Events[1].Seq
	_, out, err = srv.handleGetTelemetry(ctx, nil, GetTelemetryInput{SinceSeq: last})
	require.NoError(t, err)
	assert.Empty(t, out.Events)

	_, cleared, err := srv.handleClearTelemetry(ctx, nil, ClearTelemetryInput{})
	require.NoError(t, err)
	assert.Equal(t, 9, cleared.Cleared)
	assert.Zero(t, srv.session.Recorder().Len())
}

func TestFlushQueueTool(t *testing.T) {
	srv := newTestServer(t)
	_, out, err := srv.handleFlushQueue(context.Background(), nil, FlushQueueInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Flushed)

	latest, ok := srv.session.StatusHistory().Latest()
	require.True(t, ok)
	assert.Equal(t, "Scaling queue flushed (manual)", latest.Message)
}

func TestAuditTools(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, err := srv.session.Coordinator().Scale(ctx, 75, "slider", scaling.Options{})
	require.NoError(t, err)

	_, v, err := srv.handleValidateScalingSync(ctx, nil, ValidateScalingSyncInput{Reason: "manual-check"})
	require.NoError(t, err)
	assert.True(t, v.InSync)

	// Drift the legacy mirror.
	srv.session.Mirror().Set("K", channels.AttrEnd, "1")
	_, v, err = srv.handleValidateScalingSync(ctx, nil, ValidateScalingSyncInput{Reason: "manual-check"})
	require.NoError(t, err)
	assert.False(t, v.InSync)
	require.Len(t, v.Divergences, 1)
	assert.Contains(t, v.Divergences[0], "K.end")

	_, _, err = srv.handleValidateScalingSync(ctx, nil, ValidateScalingSyncInput{ThrowOnMismatch: true})
	assert.Error(t, err)

	_, a, err := srv.handleGetScalingAudit(ctx, nil, GetScalingAuditInput{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"slider": 1, "manual-check": 2, "mcp": 1}, a.ReasonCounts)
	assert.Equal(t, 4, a.TotalChecks)
	assert.Equal(t, 2, a.MismatchCount)
	assert.NotZero(t, a.LastCheckAt)
	assert.NotEmpty(t, a.LastMismatch)

	_, r, err := srv.handleResetScalingAudit(ctx, nil, ResetScalingAuditInput{Reason: "test"})
	require.NoError(t, err)
	assert.True(t, r.Success)

	_, a, err = srv.handleGetScalingAudit(ctx, nil, GetScalingAuditInput{})
	require.NoError(t, err)
	assert.Empty(t, a.ReasonCounts)
	assert.Equal(t, "test", a.LastResetReason)
}

func TestGetChannelsAndStats(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.session.Coordinator().Scale(ctx, 50, "ui", scaling.Options{})
	require.NoError(t, err)

	_, ch, err := srv.handleGetChannels(ctx, nil, GetChannelsInput{})
	require.NoError(t, err)
	assert.Equal(t, 50.0, ch.GlobalPercent)
	require.Len(t, ch.Channels, 6)
	assert.Equal(t, "K", ch.Channels[0].Name)
	assert.Equal(t, 32768, ch.Channels[0].End)
	assert.Equal(t, "32768", ch.Channels[0].Legacy[channels.AttrEnd])
	assert.Equal(t, 65535, ch.Baselines["K"])

	_, st, err := srv.handleGetCoordinatorStats(ctx, nil, GetCoordinatorStatsInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Enqueued)
	assert.Equal(t, 1, st.Succeeded)
	assert.Zero(t, st.QueueLength)
	assert.Equal(t, 3, st.Telemetry.Buffered)
	assert.Equal(t, 200, st.Telemetry.Capacity)
}

func TestFileSourceTools(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, out, err := srv.handleAddFileSource(ctx, nil, AddFileSourceInput{})
	require.NoError(t, err)
	assert.False(t, out.Success)

	dir := t.TempDir()
	_, out, err = srv.handleAddFileSource(ctx, nil, AddFileSourceInput{Directory: dir})
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.Len(t, out.FileSources, 1)

	_, out, err = srv.handleRemoveFileSource(ctx, nil, RemoveFileSourceInput{Directory: dir})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Empty(t, out.FileSources)

	_, out, err = srv.handleRemoveFileSource(ctx, nil, RemoveFileSourceInput{Directory: dir})
	require.NoError(t, err)
	assert.False(t, out.Success)
}
