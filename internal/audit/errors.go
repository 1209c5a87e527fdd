package audit

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStateSyncMismatch matches any *StateSyncMismatch via errors.Is.
var ErrStateSyncMismatch = errors.New("scaling state out of sync")

// Divergence is one field that differs between the canonical store and
// the legacy mirror. A channel missing on one side is reported with
// Field "channel" and an empty value for the missing side.
type Divergence struct {
	Channel   string `json:"channel"`
	Field     string `json:"field"`
	Canonical string `json:"canonical"`
	Legacy    string `json:"legacy"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("%s.%s canonical=%q legacy=%q", d.Channel, d.Field, d.Canonical, d.Legacy)
}

// StateSyncMismatch is returned by Validate when ThrowOnMismatch is set and
// the two representations disagree.
type StateSyncMismatch struct {
	Reason      string
	Divergences []Divergence
}

func (e *StateSyncMismatch) Error() string {
	parts := make([]string, len(e.Divergences))
	for i, d := range e.Divergences {
		parts[i] = d.String()
	}
	return fmt.Sprintf("scaling state out of sync (reason %q): %s", e.Reason, strings.Join(parts, "; "))
}

func (e *StateSyncMismatch) Is(target error) bool {
	return target == ErrStateSyncMismatch
}

// Channels returns the distinct divergent channel names in report order.
func (e *StateSyncMismatch) Channels() []string {
	seen := make(map[string]bool, len(e.Divergences))
	var out []string
	for _, d := range e.Divergences {
		if !seen[d.Channel] {
			seen[d.Channel] = true
			out = append(out, d.Channel)
		}
	}
	return out
}
