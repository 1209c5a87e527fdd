package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/logging"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/otlpexport"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

func TestComputeStats(t *testing.T) {
	empty := computeStats(nil)
	assert.Zero(t, empty.Count)
	assert.Nil(t, empty.Min)
	assert.Nil(t, empty.P95)

	values := make([]float64, 0, 20)
	for i := 20; i >= 1; i-- {
		values = append(values, float64(i))
	}
	st := computeStats(values)
	assert.Equal(t, 20, st.Count)
	assert.Equal(t, 1.0, *st.Min)
	assert.Equal(t, 20.0, *st.Max)
	assert.Equal(t, 10.5, *st.Avg)
	assert.Equal(t, 19.0, *st.P95)
	// Input order is untouched.
	assert.Equal(t, 20.0, values[0])
}

func TestPickPercentDeterministic(t *testing.T) {
	a, b := newStressRNG("seed-1"), newStressRNG("seed-1")
	other := newStressRNG("seed-2")

	same, diff := true, false
	for range 50 {
		x, y, z := pickPercent(a, 5, 95), pickPercent(b, 5, 95), pickPercent(other, 5, 95)
		assert.GreaterOrEqual(t, x, 5.0)
		assert.LessOrEqual(t, x, 95.0)
		same = same && x == y
		diff = diff || x != z
	}
	assert.True(t, same, "same seed gives the same sequence")
	assert.True(t, diff, "different seeds diverge")
}

func TestSummarizeTelemetry(t *testing.T) {
	events := []telemetry.Event{
		{Phase: telemetry.PhaseEnqueue},
		{Phase: telemetry.PhaseStart},
		{Phase: telemetry.PhaseSuccess, Operation: &telemetry.OperationSnapshot{DurationMs: 2}, Metrics: &telemetry.Metrics{Processed: 6, QueueLength: 3}},
		{Phase: telemetry.PhaseEnqueue},
		{Phase: telemetry.PhaseStart},
		{Phase: telemetry.PhaseFail, Operation: &telemetry.OperationSnapshot{DurationMs: 4}, Error: &telemetry.EventError{Reason: "no_effect"}},
		{Phase: telemetry.PhaseFlush, Error: &telemetry.EventError{Reason: "manual"}},
	}

	sum := summarizeTelemetry(events)
	assert.Equal(t, 2, sum.Counts[telemetry.PhaseEnqueue])
	assert.Equal(t, 1, sum.Counts[telemetry.PhaseFlush])
	assert.Equal(t, 3, sum.MaxQueue)
	assert.Equal(t, map[string]int{"no_effect": 1}, sum.FailReasons)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, 2, sum.DurationStats.Count)
	assert.Equal(t, 3.0, *sum.DurationStats.Avg)
}

func TestSummarizeReasonCounts(t *testing.T) {
	results := []stressIteration{
		{AuditSnapshot: audit.Snapshot{ReasonCounts: map[string]int{"a": 1}}},
		{AuditSnapshot: audit.Snapshot{ReasonCounts: map[string]int{"a": 2, "b": 1}}},
	}
	final := audit.Snapshot{ReasonCounts: map[string]int{"a": 2, "b": 3}}

	counts := summarizeReasonCounts(results, final)
	assert.Equal(t, map[string]int{"a": 2, "b": 3}, counts)
	assert.Equal(t, []string{"b", "a"}, sortedReasons(counts))
}

func TestRunStress(t *testing.T) {
	sess := newTestSession(t)

	var dump bytes.Buffer
	exp, err := otlpexport.New(otlpexport.Config{Dump: &dump})
	require.NoError(t, err)
	defer exp.Close()

	opts := StressOptions{
		Iterations:  3,
		Sequence:    4,
		MinPercent:  10,
		MaxPercent:  90,
		Seed:        "fixed",
		Concurrency: 2,
		OutputDir:   t.TempDir(),
	}
	report, err := runStress(context.Background(), sess, opts, exp, logging.Nop())
	require.NoError(t, err)

	require.Len(t, report.Results, 3)
	assert.Equal(t, "Epson P400", report.Profile)
	counts := report.AggregateTelemetry.Counts
	assert.Equal(t, 12, counts[telemetry.PhaseEnqueue])
	assert.Equal(t, 12, counts[telemetry.PhaseStart])
	assert.Equal(t, 12, counts[telemetry.PhaseSuccess]+counts[telemetry.PhaseFail])
	assert.Equal(t, 12, report.AggregateDurations.Count)
	assert.Equal(t, 12, report.FinalCoordinator.Enqueued)
	assert.Zero(t, report.FinalAudit.MismatchCount)
	// Every iteration ends with a sync check; successes add more.
	assert.GreaterOrEqual(t, report.ReasonCountsSummary[stressSource], 3)

	for _, it := range report.Results {
		assert.Len(t, it.Telemetry, 12, "telemetry is cleared between iterations")
		for _, op := range it.Operations {
			assert.NotEmpty(t, op.ID)
			assert.GreaterOrEqual(t, op.Percent, 10.0)
			assert.LessOrEqual(t, op.Percent, 90.0)
		}
	}

	lines := strings.Split(strings.TrimSpace(dump.String()), "\n")
	assert.Len(t, lines, 3, "one export request per iteration")
	assert.Contains(t, lines[0], "resourceLogs")

	// The same seed replays the same percents.
	again, err := runStress(context.Background(), newTestSession(t), opts, nil, logging.Nop())
	require.NoError(t, err)
	for i := range report.Results {
		for j, op := range report.Results[i].Operations {
			assert.Equal(t, op.Percent, again.Results[i].Operations[j].Percent)
		}
	}

	path, err := writeStressReport(report)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "aggregateDurations")
	assert.Contains(t, decoded, "reasonCountsSummary")
	assert.Contains(t, path, "scaling-state-ab-")
}
