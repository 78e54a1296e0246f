package schedule

import (
	"sort"
	"time"

	"taskpilot/internal/model"
)

// relaxedDeadline is the slack beyond which low-priority work is deliberately
// pushed toward the back of the candidate list.
const relaxedDeadline = 5 * 24 * time.Hour

// SelectSlot picks one candidate using the priority heuristic. The caller
// must pass at least one candidate (an empty list is its cue to enter
// conflict resolution instead).
//
//   - high: earliest-starting candidate.
//   - low with more than 5 days of slack: the candidate at the 70th
//     percentile position of the start-sorted list, reducing congestion
//     near "now".
//   - everything else: the candidate whose start is closest to the point one
//     third of the way between now and the deadline; ties go to the earlier
//     candidate.
func SelectSlot(candidates []Slot, p model.Priority, deadline, now time.Time) Slot {
	sorted := make([]Slot, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	if p == model.PriorityHigh {
		return sorted[0]
	}

	if p == model.PriorityLow && deadline.Sub(now) > relaxedDeadline {
		idx := (len(sorted) - 1) * 70 / 100
		return sorted[idx]
	}

	target := now.Add(deadline.Sub(now) / 3)
	best := sorted[0]
	bestDist := absDuration(best.Start.Sub(target))
	for _, c := range sorted[1:] {
		if d := absDuration(c.Start.Sub(target)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
