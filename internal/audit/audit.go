// Package audit compares the canonical channel store against the legacy
// mirror and counts which callers asked for the comparison.
package audit

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UnspecifiedReason is counted when Validate is called without a reason.
const UnspecifiedReason = "unspecified"

// ChannelRecord is the comparable form of one channel. Values are the
// strings the legacy dataset stores, so both sides are compared as text.
type ChannelRecord struct {
	Percent string `json:"percent"`
	End     string `json:"end"`
	Source  string `json:"source"`
}

// CanonicalReader exposes the canonical state for comparison.
type CanonicalReader interface {
	CanonicalRecords(ctx context.Context) (map[string]ChannelRecord, error)
}

// LegacyReader exposes the legacy mirror for comparison.
type LegacyReader interface {
	LegacyRecords(ctx context.Context) (map[string]ChannelRecord, error)
}

// ValidateOptions controls a single Validate call.
type ValidateOptions struct {
	Reason          string
	ThrowOnMismatch bool
}

// Snapshot is a point-in-time copy of the audit counters.
type Snapshot struct {
	ReasonCounts    map[string]int `json:"reasonCounts"`
	TotalChecks     int            `json:"totalChecks"`
	MismatchCount   int            `json:"mismatchCount"`
	LastCheckReason string         `json:"lastCheckReason,omitempty"`
	LastCheckAt     time.Time      `json:"lastCheckAt,omitzero"`
	LastMismatch    []Divergence   `json:"lastMismatch,omitempty"`
	LastResetReason string         `json:"lastResetReason,omitempty"`
}

// Auditor validates canonical/legacy sync and keeps per-reason counters.
// Counters live until Reset; they never decay.
type Auditor struct {
	sync.RWMutex
	canonical CanonicalReader
	legacy    LegacyReader
	log       *zap.SugaredLogger
	now       func() time.Time

	reasonCounts    map[string]int
	totalChecks     int
	mismatchCount   int
	lastCheckReason string
	lastCheckAt     time.Time
	lastMismatch    []Divergence
	lastResetReason string
}

// New creates an auditor over the two readers.
func New(canonical CanonicalReader, legacy LegacyReader, log *zap.SugaredLogger) *Auditor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Auditor{
		canonical:    canonical,
		legacy:       legacy,
		log:          log,
		now:          time.Now,
		reasonCounts: make(map[string]int),
	}
}

// Validate counts the call under opts.Reason and compares both sides
// channel by channel on percent, end, and source.
//
// A mismatch is always recorded in the snapshot and logged. It is
// returned as a *StateSyncMismatch only when opts.ThrowOnMismatch is set.
// Read failures follow the same rule.
func (a *Auditor) Validate(ctx context.Context, opts ValidateOptions) error {
	reason := opts.Reason
	if reason == "" {
		reason = UnspecifiedReason
	}

	a.Lock()
	a.reasonCounts[reason]++
	a.totalChecks++
	a.lastCheckReason = reason
	a.lastCheckAt = a.now()
	a.Unlock()

	divergences, err := a.compare(ctx)
	if err != nil {
		a.log.Warnw("scaling state audit could not read state", "reason", reason, "error", err)
		if opts.ThrowOnMismatch {
			return fmt.Errorf("audit %q: %w", reason, err)
		}
		return nil
	}
	if len(divergences) == 0 {
		return nil
	}

	a.Lock()
	a.mismatchCount++
	a.lastMismatch = slices.Clone(divergences)
	a.Unlock()

	mismatch := &StateSyncMismatch{Reason: reason, Divergences: divergences}
	if opts.ThrowOnMismatch {
		return mismatch
	}
	a.log.Warnw("scaling state mismatch",
		"reason", reason,
		"channels", mismatch.Channels(),
		"divergences", divergenceStrings(divergences),
	)
	return nil
}

func (a *Auditor) compare(ctx context.Context) ([]Divergence, error) {
	if a.canonical == nil || a.legacy == nil {
		return nil, nil
	}
	canonical, err := a.canonical.CanonicalRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("read canonical state: %w", err)
	}
	legacy, err := a.legacy.LegacyRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("read legacy mirror: %w", err)
	}
	return Compare(canonical, legacy), nil
}

// Compare returns the divergences between two record sets, sorted by
// channel name.
func Compare(canonical, legacy map[string]ChannelRecord) []Divergence {
	names := slices.Collect(maps.Keys(canonical))
	for name := range legacy {
		if _, ok := canonical[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	var out []Divergence
	for _, name := range names {
		c, inCanonical := canonical[name]
		l, inLegacy := legacy[name]
		switch {
		case !inLegacy:
			out = append(out, Divergence{Channel: name, Field: "channel", Canonical: "present"})
			continue
		case !inCanonical:
			out = append(out, Divergence{Channel: name, Field: "channel", Legacy: "present"})
			continue
		}
		if c.Percent != l.Percent {
			out = append(out, Divergence{Channel: name, Field: "percent", Canonical: c.Percent, Legacy: l.Percent})
		}
		if c.End != l.End {
			out = append(out, Divergence{Channel: name, Field: "end", Canonical: c.End, Legacy: l.End})
		}
		if c.Source != l.Source {
			out = append(out, Divergence{Channel: name, Field: "source", Canonical: c.Source, Legacy: l.Source})
		}
	}
	return out
}

// Snapshot returns a copy of the counters. It has no side effects.
func (a *Auditor) Snapshot() Snapshot {
	a.RLock()
	defer a.RUnlock()

	return Snapshot{
		ReasonCounts:    maps.Clone(a.reasonCounts),
		TotalChecks:     a.totalChecks,
		MismatchCount:   a.mismatchCount,
		LastCheckReason: a.lastCheckReason,
		LastCheckAt:     a.lastCheckAt,
		LastMismatch:    slices.Clone(a.lastMismatch),
		LastResetReason: a.lastResetReason,
	}
}

// Reset clears every counter. The reason is kept for tracing only and is
// not counted.
func (a *Auditor) Reset(reason string) {
	a.Lock()
	defer a.Unlock()

	a.reasonCounts = make(map[string]int)
	a.totalChecks = 0
	a.mismatchCount = 0
	a.lastCheckReason = ""
	a.lastCheckAt = time.Time{}
	a.lastMismatch = nil
	a.lastResetReason = reason
	a.log.Debugw("scaling state audit reset", "reason", reason)
}

func divergenceStrings(ds []Divergence) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}
