package cli

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/mcpserver"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/otlpexport"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/scaling"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/session"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

const stressSource = "stress"

// StressOptions controls one stress run.
type StressOptions struct {
	Iterations  int     `json:"iterations"`
	Sequence    int     `json:"sequence"`
	MinPercent  int     `json:"minPercent"`
	MaxPercent  int     `json:"maxPercent"`
	Seed        string  `json:"seed"`
	Concurrency int     `json:"concurrency"`
	Rate        float64 `json:"rate,omitempty"`
	OutputDir   string  `json:"outputDir"`
}

// normalize clamps options into a runnable range.
func (o *StressOptions) normalize() {
	o.Iterations = max(o.Iterations, 1)
	o.Sequence = max(o.Sequence, 1)
	o.Concurrency = max(o.Concurrency, 1)
	o.MinPercent = max(o.MinPercent, 1)
	if o.MaxPercent <= o.MinPercent {
		o.MaxPercent = o.MinPercent + 1
	}
	if o.Seed == "" {
		o.Seed = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
}

// DurationStats summarizes operation durations in milliseconds. Fields are
// nil when there were no samples.
type DurationStats struct {
	Count int      `json:"count"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Avg   *float64 `json:"avg"`
	P95   *float64 `json:"p95"`
}

// TelemetrySummary aggregates a slice of telemetry events.
type TelemetrySummary struct {
	Counts        map[telemetry.Phase]int `json:"counts"`
	DurationStats DurationStats           `json:"durationStats"`
	MaxQueue      int                     `json:"maxQueueLength"`
	Errors        []telemetry.EventError  `json:"errors,omitempty"`
	FailReasons   map[string]int          `json:"failReasons,omitempty"`
}

// stressOperation is one submitted scale in a stress iteration.
type stressOperation struct {
	Index      int     `json:"index"`
	Percent    float64 `json:"percent"`
	ID         string  `json:"id,omitempty"`
	Success    bool    `json:"success"`
	Reason     string  `json:"reason,omitempty"`
	DurationMs float64 `json:"durationMs"`
	Error      string  `json:"error,omitempty"`
}

type stressIteration struct {
	Iteration        int               `json:"iteration"`
	Operations       []stressOperation `json:"operations"`
	TelemetrySummary TelemetrySummary  `json:"telemetrySummary"`
	Telemetry        []telemetry.Event `json:"telemetry"`
	AuditSnapshot    audit.Snapshot    `json:"auditSnapshot"`
	Coordinator      scaling.Stats     `json:"coordinator"`
	GlobalPercent    float64           `json:"globalPercent"`
}

// StressReport is the artifact written at the end of a run.
type StressReport struct {
	CapturedAt          time.Time         `json:"capturedAt"`
	Options             StressOptions     `json:"options"`
	Profile             string            `json:"profile"`
	InitialAudit        audit.Snapshot    `json:"initialAudit"`
	Results             []stressIteration `json:"results"`
	AggregateDurations  DurationStats     `json:"aggregateDurations"`
	AggregateTelemetry  TelemetrySummary  `json:"aggregateTelemetry"`
	ReasonCountsSummary map[string]int    `json:"reasonCountsSummary"`
	FinalAudit          audit.Snapshot    `json:"finalAudit"`
	FinalCoordinator    scaling.Stats     `json:"finalCoordinator"`
}

// StressCommand returns the 'stress' subcommand.
func StressCommand() *cli.Command {
	return &cli.Command{
		Name:  "stress",
		Usage: "Run seeded random scale sequences and capture metrics",
		Description: `Runs N iterations of a seeded random percent sequence through the
coordinator. Each iteration clears telemetry, submits the sequence, validates
sync and records a telemetry summary. The full report is written as JSON to
the output directory. The same seed always produces the same percents.`,
		Flags: append(sessionFlags(),
			&cli.IntFlag{Name: "iterations", Usage: "Number of iterations", Value: 5},
			&cli.IntFlag{Name: "sequence", Usage: "Scale operations per iteration", Value: 10},
			&cli.IntFlag{Name: "min", Usage: "Minimum percent", Value: 1},
			&cli.IntFlag{Name: "max", Usage: "Maximum percent", Value: 100},
			&cli.StringFlag{Name: "seed", Usage: "RNG seed (default: current time)"},
			&cli.IntFlag{Name: "concurrency", Usage: "Concurrent submitters", Value: 1},
			&cli.FloatFlag{Name: "rate", Usage: "Submissions per second (0 = unlimited)"},
			&cli.StringFlag{Name: "output", Usage: "Artifact directory", Value: "artifacts/scaling-state-ab"},
			&cli.StringFlag{Name: "otlp-jsonl", Usage: "Also write every event batch as OTLP protojson lines to this file"},
			&cli.StringFlag{Name: "otlp-endpoint", Usage: "Also export events to this OTLP gRPC endpoint"},
		),
		Action: runStressCommand,
	}
}

func runStressCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	opts := StressOptions{
		Iterations:  cmd.Int("iterations"),
		Sequence:    cmd.Int("sequence"),
		MinPercent:  cmd.Int("min"),
		MaxPercent:  cmd.Int("max"),
		Seed:        cmd.String("seed"),
		Concurrency: cmd.Int("concurrency"),
		Rate:        cmd.Float("rate"),
		OutputDir:   cmd.String("output"),
	}

	sess, log, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			log.Warnw("session close failed", "error", err)
		}
	}()

	var exp *otlpexport.Exporter
	if path, endpoint := cmd.String("otlp-jsonl"), cfg.OTLPEndpoint; path != "" || endpoint != "" {
		var dump io.Writer
		if path != "" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", path, err)
			}
			defer f.Close()
			dump = f
		}
		exp, err = otlpexport.New(otlpexport.Config{
			Endpoint: endpoint,
			Version:  mcpserver.Version,
			Dump:     dump,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		defer exp.Close()
	}

	report, err := runStress(ctx, sess, opts, exp, log)
	if err != nil {
		return err
	}
	path, err := writeStressReport(report)
	if err != nil {
		return err
	}

	fmt.Printf("📦 stress metrics captured → %s\n", path)
	fmt.Printf("   %d iterations × %d ops, seed %s\n", report.Options.Iterations, report.Options.Sequence, report.Options.Seed)
	for _, phase := range telemetry.Phases {
		fmt.Printf("   %-8s %d\n", phase, report.AggregateTelemetry.Counts[phase])
	}
	if d := report.AggregateDurations; d.Count > 0 {
		fmt.Printf("   duration ms: min %.2f avg %.2f p95 %.2f max %.2f\n", *d.Min, *d.Avg, *d.P95, *d.Max)
	}
	for _, reason := range sortedReasons(report.ReasonCountsSummary) {
		fmt.Printf("   audit %-12s %d\n", reason, report.ReasonCountsSummary[reason])
	}
	return nil
}

// newStressRNG derives a deterministic generator from a seed string.
func newStressRNG(seed string) *rand.Rand {
	return rand.New(rand.NewChaCha8(sha256.Sum256([]byte(seed))))
}

// pickPercent returns an integer percent in [lo, hi].
func pickPercent(rng *rand.Rand, lo, hi int) float64 {
	return float64(lo + rng.IntN(hi-lo+1))
}

// runStress drives the coordinator. exp may be nil.
func runStress(ctx context.Context, sess *session.Session, opts StressOptions, exp *otlpexport.Exporter, log *zap.SugaredLogger) (*StressReport, error) {
	opts.normalize()
	rng := newStressRNG(opts.Seed)

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	report := &StressReport{
		Options:      opts,
		Profile:      sess.Profile().Name,
		InitialAudit: sess.Auditor().Snapshot(),
	}

	var allEvents []telemetry.Event
	var allOps []stressOperation

	for iter := range opts.Iterations {
		sess.Recorder().Clear()

		percents := make([]float64, opts.Sequence)
		for i := range percents {
			percents[i] = pickPercent(rng, opts.MinPercent, opts.MaxPercent)
		}

		ops := make([]stressOperation, len(percents))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for i, p := range percents {
			g.Go(func() error {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				res, err := sess.Coordinator().Scale(gctx, p, stressSource, scaling.Options{
					Metadata: map[string]any{"iteration": iter, "index": i},
				})
				ops[i] = stressOperation{
					Index:      i,
					Percent:    p,
					ID:         res.ID,
					Success:    res.Success,
					Reason:     res.Reason,
					DurationMs: float64(res.Duration) / float64(time.Millisecond),
				}
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					ops[i].Error = err.Error()
					log.Debugw("stress operation failed", "iteration", iter, "index", i, "percent", p, "error", err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Mismatches are counted by the auditor; they do not stop the run.
		if err := sess.Coordinator().ValidateSync(ctx, stressSource, false); err != nil {
			return nil, err
		}

		events := sess.Recorder().Snapshot()
		if exp != nil {
			if err := exp.Export(ctx, events, sess.Recorder().SessionID()); err != nil {
				log.Warnw("otlp export failed", "iteration", iter, "error", err)
			}
		}

		snap, err := sess.Channels(ctx)
		if err != nil {
			return nil, err
		}
		report.Results = append(report.Results, stressIteration{
			Iteration:        iter,
			Operations:       ops,
			TelemetrySummary: summarizeTelemetry(events),
			Telemetry:        events,
			AuditSnapshot:    sess.Auditor().Snapshot(),
			Coordinator:      sess.Coordinator().Stats(),
			GlobalPercent:    snap.GlobalPercent,
		})
		allEvents = append(allEvents, events...)
		allOps = append(allOps, ops...)
	}

	report.AggregateDurations = summarizeOperationDurations(allOps)
	report.AggregateTelemetry = summarizeTelemetry(allEvents)
	report.FinalAudit = sess.Auditor().Snapshot()
	report.FinalCoordinator = sess.Coordinator().Stats()
	report.ReasonCountsSummary = summarizeReasonCounts(report.Results, report.FinalAudit)
	report.CapturedAt = time.Now()
	return report, nil
}

// computeStats returns min/max/avg and the nearest-rank 95th percentile.
func computeStats(values []float64) DurationStats {
	if len(values) == 0 {
		return DurationStats{}
	}
	sorted := slices.Sorted(slices.Values(values))
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	idx := min(len(sorted)-1, int(math.Ceil(float64(len(sorted))*0.95))-1)
	lo, hi, avg, p95 := sorted[0], sorted[len(sorted)-1], sum/float64(len(sorted)), sorted[idx]
	return DurationStats{Count: len(sorted), Min: &lo, Max: &hi, Avg: &avg, P95: &p95}
}

// summarizeTelemetry counts phases and collects durations of terminal
// events.
func summarizeTelemetry(events []telemetry.Event) TelemetrySummary {
	sum := TelemetrySummary{
		Counts:      make(map[telemetry.Phase]int, len(telemetry.Phases)),
		FailReasons: make(map[string]int),
	}
	var durations []float64
	for _, e := range events {
		sum.Counts[e.Phase]++
		if e.Metrics != nil {
			sum.MaxQueue = max(sum.MaxQueue, e.Metrics.QueueLength)
		}
		switch e.Phase {
		case telemetry.PhaseSuccess, telemetry.PhaseFail:
			if e.Operation != nil && e.Operation.DurationMs > 0 {
				durations = append(durations, e.Operation.DurationMs)
			}
		}
		if e.Phase == telemetry.PhaseFail && e.Error != nil {
			sum.Errors = append(sum.Errors, *e.Error)
			sum.FailReasons[e.Error.Reason]++
		}
	}
	sum.DurationStats = computeStats(durations)
	return sum
}

func summarizeOperationDurations(ops []stressOperation) DurationStats {
	values := make([]float64, 0, len(ops))
	for _, op := range ops {
		if op.ID != "" {
			values = append(values, op.DurationMs)
		}
	}
	return computeStats(values)
}

// summarizeReasonCounts takes, for every reason, the highest count seen in
// any iteration snapshot or the final audit. Counters only grow until a
// reset, so this is the total across the run.
func summarizeReasonCounts(results []stressIteration, final audit.Snapshot) map[string]int {
	out := make(map[string]int)
	accumulate := func(counts map[string]int) {
		for reason, n := range counts {
			out[reason] = max(out[reason], n)
		}
	}
	for _, r := range results {
		accumulate(r.AuditSnapshot.ReasonCounts)
	}
	accumulate(final.ReasonCounts)
	return out
}

// sortedReasons orders reason keys by count, highest first.
func sortedReasons(counts map[string]int) []string {
	return slices.SortedFunc(maps.Keys(counts), func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
}

// writeStressReport writes the report under its output directory and
// returns the artifact path.
func writeStressReport(report *StressReport) (string, error) {
	dir, err := filepath.Abs(report.Options.OutputDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(report.CapturedAt.UTC().Format(time.RFC3339Nano))
	path := filepath.Join(dir, "scaling-state-ab-"+stamp+".json")

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
