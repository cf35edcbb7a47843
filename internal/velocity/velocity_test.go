package velocity

import (
	"testing"
	"time"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func at(minutes ...int) []time.Time {
	out := make([]time.Time, len(minutes))
	for i, m := range minutes {
		out[i] = base.Add(time.Duration(m) * time.Minute)
	}
	return out
}

func TestMaxInWindow(t *testing.T) {
	tests := []struct {
		name string
		ts   []time.Time
		want int
	}{
		{"Empty", nil, 0},
		{"Single", at(0), 1},
		{"AllInsideHour", at(0, 10, 20, 59), 4},
		{"ExactlyOneHourApartIsTwoWindows", at(0, 60), 1},
		{"BurstInMiddle", at(0, 200, 201, 202, 203, 500), 4},
		{"Unsorted", at(203, 0, 201, 500, 200, 202), 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaxInWindow(tt.ts, time.Hour); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}

	t.Run("ZeroWidthWindow", func(t *testing.T) {
		if got := MaxInWindow(at(0, 0, 5, 10), 0); got != 1 {
			t.Errorf("expected 1, got %d", got)
		}
	})
}

func TestMaxInWindowDoesNotReorderInput(t *testing.T) {
	ts := at(30, 0, 10)
	MaxInWindow(ts, time.Hour)
	if !ts[0].Equal(base.Add(30 * time.Minute)) {
		t.Error("input slice was modified")
	}
}

func TestMaxPerBucket(t *testing.T) {
	// 10:50 and 11:05 are 15 minutes apart but in different clock hours
	ts := at(50, 65, 70, 80)
	if got := MaxPerBucket(ts, time.Hour); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
	if got := MaxPerBucket(nil, time.Hour); got != 0 {
		t.Errorf("expected 0 for empty input, got %d", got)
	}
}

func TestBestDistinctWindow(t *testing.T) {
	t.Run("RepeatedCounterpartyCountsOnce", func(t *testing.T) {
		events := []Event{
			{At: base, Counterparty: 1},
			{At: base.Add(time.Minute), Counterparty: 1},
			{At: base.Add(2 * time.Minute), Counterparty: 2},
		}
		span := BestDistinctWindow(events, time.Hour, nil)
		if span.Distinct != 2 {
			t.Errorf("expected 2 distinct, got %d", span.Distinct)
		}
		if span.Start != 0 || span.End != 3 {
			t.Errorf("expected span [0,3), got [%d,%d)", span.Start, span.End)
		}
	})

	t.Run("WindowSlides", func(t *testing.T) {
		events := []Event{
			{At: base, Counterparty: 1},
			{At: base.Add(30 * time.Hour), Counterparty: 2},
			{At: base.Add(31 * time.Hour), Counterparty: 3},
			{At: base.Add(32 * time.Hour), Counterparty: 4},
		}
		span := BestDistinctWindow(events, 24*time.Hour, nil)
		if span.Distinct != 3 {
			t.Errorf("expected 3 distinct, got %d", span.Distinct)
		}
		if span.Start != 1 || span.End != 4 {
			t.Errorf("expected span [1,4), got [%d,%d)", span.Start, span.End)
		}
	})

	t.Run("TieKeepsEarliest", func(t *testing.T) {
		events := []Event{
			{At: base, Counterparty: 1},
			{At: base.Add(2 * time.Hour), Counterparty: 2},
		}
		span := BestDistinctWindow(events, time.Hour, nil)
		if span.Start != 0 || span.Distinct != 1 {
			t.Errorf("expected earliest span, got %+v", span)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if span := BestDistinctWindow(nil, time.Hour, nil); span.Distinct != 0 {
			t.Errorf("expected zero span, got %+v", span)
		}
	})

	t.Run("AcceptSkipsRejectedSpans", func(t *testing.T) {
		// four counterparties early, three later; only spans starting at
		// index 4 or later are accepted
		events := []Event{
			{At: base, Counterparty: 1},
			{At: base.Add(time.Minute), Counterparty: 2},
			{At: base.Add(2 * time.Minute), Counterparty: 3},
			{At: base.Add(3 * time.Minute), Counterparty: 4},
			{At: base.Add(48 * time.Hour), Counterparty: 5},
			{At: base.Add(48*time.Hour + time.Minute), Counterparty: 6},
			{At: base.Add(48*time.Hour + 2*time.Minute), Counterparty: 7},
		}
		span := BestDistinctWindow(events, time.Hour, func(s Span) bool { return s.Start >= 4 })
		if span.Start != 4 || span.End != 7 || span.Distinct != 3 {
			t.Errorf("expected span [4,7) with 3 distinct, got %+v", span)
		}
	})

	t.Run("NothingAccepted", func(t *testing.T) {
		events := []Event{{At: base, Counterparty: 1}, {At: base.Add(time.Minute), Counterparty: 2}}
		span := BestDistinctWindow(events, time.Hour, func(Span) bool { return false })
		if span != (Span{}) {
			t.Errorf("expected zero span, got %+v", span)
		}
	})

	t.Run("ZeroWidthWindow", func(t *testing.T) {
		events := []Event{
			{At: base, Counterparty: 1},
			{At: base, Counterparty: 2},
			{At: base.Add(time.Minute), Counterparty: 3},
		}
		span := BestDistinctWindow(events, 0, nil)
		if span.Distinct != 1 || span.End-span.Start != 1 {
			t.Errorf("expected single-event span, got %+v", span)
		}
	})
}
