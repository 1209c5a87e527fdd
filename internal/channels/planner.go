package channels

import (
	"fmt"
	"math"
)

// Plan is the outcome of a delta computation.
type Plan struct {
	// AppliedPercent is the overall scale actually realized, after capping.
	AppliedPercent float64
	// Updates lists only channels whose end value changes.
	Updates []Update
	// Baselines to store with the batch; nil clears them.
	Baselines map[string]int
	// Unchanged explains an empty Updates list.
	Unchanged string
}

// DeltaFunc computes the channel updates that realize percent against the
// current state. It must be deterministic and must not mutate current.
type DeltaFunc func(percent float64, current Snapshot) (Plan, error)

const (
	scaleEpsilon   = 1e-6
	factorEpsilon  = 1e-6
	minScaleFactor = 0.0001
)

// ProportionalDeltas scales every active channel from its baseline, the
// end value it had at 100%. Baselines are derived from the current end and
// global percent the first time a channel is scaled and reused afterwards,
// so repeated scaling does not compound rounding.
//
// The applied percent is capped at MaxScalePercent and at the largest
// percent that keeps every channel within MaxEnd. Channels at end 0 are
// skipped. Returning to 100% clears the baselines.
func ProportionalDeltas(percent float64, current Snapshot) (Plan, error) {
	if math.IsNaN(percent) || math.IsInf(percent, 0) || percent <= 0 {
		return Plan{}, fmt.Errorf("invalid scale %v: enter a positive percent value", percent)
	}

	requested := min(MaxScalePercent, percent)
	previous := current.GlobalPercent
	if previous <= 0 {
		previous = DefaultGlobalPercent
	}
	prevFactor := max(minScaleFactor, previous/100)

	baselines := make(map[string]int, len(current.Channels))
	maxAllowed := MaxScalePercent
	for _, ch := range current.Channels {
		end := ClampEnd(ch.End)
		if end <= 0 {
			continue
		}

		var base int
		if cached, ok := current.Baselines[ch.Name]; ok {
			base = ClampEnd(cached)
			if prevFactor > 1+factorEpsilon && end >= MaxEnd && base > end {
				base = end
			}
		} else {
			computed := ClampEnd(int(math.Round(float64(end) / prevFactor)))
			if prevFactor > 1+factorEpsilon && end >= MaxEnd && computed < end {
				computed = end
			}
			base = computed
		}
		baselines[ch.Name] = base

		if base > 0 {
			maxAllowed = min(maxAllowed, math.Floor(MaxEnd/float64(base)*100))
		}
	}

	applied := min(requested, maxAllowed)
	factor := max(minScaleFactor, applied/100)

	plan := Plan{AppliedPercent: applied}
	for _, ch := range current.Channels {
		base, ok := baselines[ch.Name]
		if !ok || base <= 0 {
			continue
		}
		next := ClampEnd(int(math.Round(float64(base) * factor)))
		if next != ClampEnd(ch.End) {
			plan.Updates = append(plan.Updates, Update{Channel: ch.Name, End: next})
		}
	}

	if len(plan.Updates) == 0 {
		plan.AppliedPercent = previous
		if requested > previous {
			plan.Unchanged = "already maxed at current ink limits"
		} else {
			plan.Unchanged = "already at minimum for active channels"
		}
		if len(baselines) == 0 {
			plan.Unchanged = "no active channels"
		}
		plan.Baselines = current.Baselines
		return plan, nil
	}

	if math.Abs(applied-100) >= scaleEpsilon {
		plan.Baselines = baselines
	}
	return plan, nil
}
