// Package velocity provides rolling-window transaction velocity calculation.
package velocity

import (
	"slices"
	"time"
)

// MaxInWindow returns the largest number of timestamps that fall inside any
// half-open window [t, t+window). The input slice is not modified.
func MaxInWindow(ts []time.Time, window time.Duration) int {
	if len(ts) == 0 {
		return 0
	}
	sorted := slices.Clone(ts)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })
	return MaxInSortedWindow(sorted, window)
}

// MaxInSortedWindow is MaxInWindow for timestamps already in ascending order.
func MaxInSortedWindow(ts []time.Time, window time.Duration) int {
	best := 0
	lo := 0
	for hi := range ts {
		for lo < hi && ts[hi].Sub(ts[lo]) >= window {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	return best
}

// MaxPerBucket returns the largest number of timestamps sharing one
// wall-clock bucket, e.g. the same calendar hour when bucket is time.Hour.
func MaxPerBucket(ts []time.Time, bucket time.Duration) int {
	counts := make(map[time.Time]int, len(ts))
	best := 0
	for _, t := range ts {
		k := t.UTC().Truncate(bucket)
		counts[k]++
		if counts[k] > best {
			best = counts[k]
		}
	}
	return best
}

// Event is one timestamped interaction with a counterparty.
type Event struct {
	At           time.Time
	Counterparty int
}

// Span is a contiguous range [Start, End) of a sorted event slice.
type Span struct {
	Start    int
	End      int
	Distinct int
}

// BestDistinctWindow slides a half-open window of the given width over
// events sorted by time and returns the span containing the most distinct
// counterparties among the spans accepted by accept (every span when accept
// is nil). Ties resolve to the earliest span. A zero Span means no span was
// accepted.
//
// Only the widest span ending at each event is offered to accept, so accept
// must hold for a span whenever it holds for one of its sub-spans.
func BestDistinctWindow(events []Event, window time.Duration, accept func(Span) bool) Span {
	var best Span
	seen := make(map[int]int)
	lo := 0
	for hi, ev := range events {
		seen[ev.Counterparty]++
		for lo < hi && ev.At.Sub(events[lo].At) >= window {
			old := events[lo].Counterparty
			seen[old]--
			if seen[old] == 0 {
				delete(seen, old)
			}
			lo++
		}
		if len(seen) <= best.Distinct {
			continue
		}
		span := Span{Start: lo, End: hi + 1, Distinct: len(seen)}
		if accept == nil || accept(span) {
			best = span
		}
	}
	return best
}
