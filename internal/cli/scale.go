package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/channels"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/scaling"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/session"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

// ScaleCommand returns the 'scale' subcommand: run percents through the
// coordinator once and print what happened.
func ScaleCommand() *cli.Command {
	return &cli.Command{
		Name:      "scale",
		Usage:     "Apply one or more scale percents and print telemetry as JSON",
		ArgsUsage: "PERCENT [PERCENT...]",
		Flags: append(sessionFlags(),
			&cli.StringFlag{
				Name:  "source",
				Usage: "Source recorded on each operation and audit check",
				Value: "cli",
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return errors.New("at least one percent is required")
			}
			percents := make([]float64, 0, cmd.Args().Len())
			for _, arg := range cmd.Args().Slice() {
				p, err := strconv.ParseFloat(arg, 64)
				if err != nil {
					return fmt.Errorf("invalid percent %q: %w", arg, err)
				}
				percents = append(percents, p)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sess, log, err := openSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			runErr := runScale(ctx, sess, percents, cmd.String("source"), os.Stdout)
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return errors.Join(runErr, sess.Close(closeCtx))
		},
	}
}

// scaleReport is the JSON document printed by the scale command.
type scaleReport struct {
	Results   []scaleOutcome    `json:"results"`
	Telemetry []telemetry.Event `json:"telemetry"`
	Audit     audit.Snapshot    `json:"audit"`
	InSync    bool              `json:"inSync"`
	Channels  channels.Snapshot `json:"channels"`
}

type scaleOutcome struct {
	Percent float64        `json:"percent"`
	Result  scaling.Result `json:"result"`
	Error   string         `json:"error,omitempty"`
}

// runScale applies each percent in order. Operation failures are reported
// in the output, not returned.
func runScale(ctx context.Context, sess *session.Session, percents []float64, source string, w io.Writer) error {
	report := scaleReport{Results: make([]scaleOutcome, 0, len(percents))}

	for _, p := range percents {
		res, err := sess.Coordinator().Scale(ctx, p, source, scaling.Options{})
		outcome := scaleOutcome{Percent: p, Result: res}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			outcome.Error = err.Error()
		}
		report.Results = append(report.Results, outcome)
	}

	if err := sess.Coordinator().ValidateSync(ctx, source, true); err != nil {
		if !errors.Is(err, audit.ErrStateSyncMismatch) {
			return err
		}
	} else {
		report.InSync = true
	}
	report.Telemetry = sess.Recorder().Snapshot()
	report.Audit = sess.Auditor().Snapshot()

	snap, err := sess.Channels(ctx)
	if err != nil {
		return err
	}
	report.Channels = snap

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
