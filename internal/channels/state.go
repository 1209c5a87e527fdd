// Package channels holds per-channel ink limit state: the canonical store
// the scaling coordinator mutates, the legacy string mirror the audit
// compares against, the default delta planner, and printer profiles.
package channels

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
)

const (
	// MaxEnd is the largest end value a channel can hold.
	MaxEnd = 65535
	// MaxScalePercent caps any requested overall scale.
	MaxScalePercent = 1000.0
	// DefaultGlobalPercent is the overall scale of an unscaled channel set.
	DefaultGlobalPercent = 100.0
)

// Source records where a channel's current value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceSolver  Source = "solver"
	SourceManual  Source = "manual"
)

// Valid reports whether s is a known source tag.
func (s Source) Valid() bool {
	switch s {
	case SourceDefault, SourceSolver, SourceManual:
		return true
	}
	return false
}

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrInvalidSource  = errors.New("invalid channel source")
)

// ChannelState is one ink channel. Percent is always derived from End.
type ChannelState struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
	End     int     `json:"end"`
	Source  Source  `json:"source"`
}

// NewChannelState builds a state with End clamped and Percent derived.
func NewChannelState(name string, end int, source Source) ChannelState {
	end = ClampEnd(end)
	if source == "" {
		source = SourceDefault
	}
	return ChannelState{Name: name, End: end, Percent: PercentFromEnd(end), Source: source}
}

// Record converts the state into the string form the audit compares.
func (s ChannelState) Record() audit.ChannelRecord {
	return audit.ChannelRecord{
		Percent: FormatPercent(s.Percent),
		End:     strconv.Itoa(s.End),
		Source:  string(s.Source),
	}
}

// ClampEnd limits an end value to 0..MaxEnd.
func ClampEnd(end int) int {
	return min(MaxEnd, max(0, end))
}

// PercentFromEnd converts an end value to its percent of MaxEnd.
func PercentFromEnd(end int) float64 {
	return float64(end) / MaxEnd * 100
}

// EndFromPercent converts a percent to the nearest clamped end value.
func EndFromPercent(percent float64) int {
	if math.IsNaN(percent) || math.IsInf(percent, 0) {
		return 0
	}
	return ClampEnd(int(math.Round(MaxEnd * percent / 100)))
}

// FormatPercent renders a percent with one decimal, the precision shown
// in channel inputs.
func FormatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64)
}

// Snapshot is a consistent read of the canonical store.
type Snapshot struct {
	GlobalPercent float64        `json:"globalPercent"`
	Channels      []ChannelState `json:"channels"`
	Baselines     map[string]int `json:"baselines,omitempty"`
}

// Channel looks up a channel by name.
func (s Snapshot) Channel(name string) (ChannelState, bool) {
	for _, ch := range s.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelState{}, false
}

// Records returns the audit form of every channel.
func (s Snapshot) Records() map[string]audit.ChannelRecord {
	out := make(map[string]audit.ChannelRecord, len(s.Channels))
	for _, ch := range s.Channels {
		out[ch.Name] = ch.Record()
	}
	return out
}

// Update sets a channel's end value. An empty Source leaves the tag as is.
type Update struct {
	Channel string `json:"channel"`
	End     int    `json:"end"`
	Source  Source `json:"source,omitempty"`
}

// Batch is applied atomically. Baselines replaces the stored baselines;
// nil clears them. A zero GlobalPercent leaves the current value.
type Batch struct {
	GlobalPercent float64
	Updates       []Update
	Baselines     map[string]int
}

// Canonical is the source-of-truth channel store.
type Canonical interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	// Apply writes the batch atomically and returns the names of channels
	// whose end or source actually changed, in channel order.
	Apply(ctx context.Context, batch Batch) ([]string, error)
	// Load replaces every channel, resets the global percent to 100 and
	// clears baselines.
	Load(ctx context.Context, states []ChannelState) error
}

func validateUpdate(u Update, known func(string) bool) error {
	if !known(u.Channel) {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, u.Channel)
	}
	if u.Source != "" && !u.Source.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSource, u.Source)
	}
	return nil
}

func validateStates(states []ChannelState) error {
	seen := make(map[string]bool, len(states))
	for _, st := range states {
		if st.Name == "" {
			return errors.New("channel name is required")
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate channel %q", st.Name)
		}
		seen[st.Name] = true
		if st.Source != "" && !st.Source.Valid() {
			return fmt.Errorf("channel %q: %w: %q", st.Name, ErrInvalidSource, st.Source)
		}
	}
	return nil
}

// changedNames lists, in the order of before, the channels whose state in
// after differs.
func changedNames(before []ChannelState, after map[string]ChannelState) []string {
	changed := make([]string, 0, len(before))
	for _, ch := range before {
		if after[ch.Name] != ch {
			changed = append(changed, ch.Name)
		}
	}
	return changed
}
