package detect

import (
	"context"
	"slices"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/velocity"
	"github.com/shopspring/decimal"
)

// SmurfingDetector finds fan-in and fan-out hubs: accounts that trade
// with many distinct counterparties inside one time window.
type SmurfingDetector struct {
	cfg domain.SmurfingConfig
}

// NewSmurfingDetector creates a smurfing detector. A non-positive window
// falls back to 24h.
func NewSmurfingDetector(cfg domain.SmurfingConfig) *SmurfingDetector {
	if cfg.MinCounterparties < 1 {
		cfg.MinCounterparties = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &SmurfingDetector{cfg: cfg}
}

// Name implements Detector.
func (d *SmurfingDetector) Name() string { return "smurfing" }

// Detect implements Detector. An account may yield both a fan-in and a
// fan-out ring.
func (d *SmurfingDetector) Detect(ctx context.Context, g *graph.Graph) Findings {
	var f Findings
	for _, hub := range g.Sorted() {
		if ctx.Err() != nil {
			f.Truncated = true
			break
		}
		acct := g.Account(hub)
		if r, ok := d.scan(g, hub, acct.In, domain.PatternFanIn); ok {
			f.Rings = append(f.Rings, r)
		}
		if r, ok := d.scan(g, hub, acct.Out, domain.PatternFanOut); ok {
			f.Rings = append(f.Rings, r)
		}
	}
	return f
}

// scan looks for the window with the most distinct counterparties among
// the hub's edges on one side, considering only windows that reach both the
// counterparty and the amount thresholds.
func (d *SmurfingDetector) scan(g *graph.Graph, hub int, side []int, pattern domain.Pattern) (domain.Ring, bool) {
	if len(side) < d.cfg.MinCounterparties {
		return domain.Ring{}, false
	}

	edges := make([]int, 0, len(side))
	for _, e := range side {
		if g.Edge(e).From != g.Edge(e).To {
			edges = append(edges, e)
		}
	}
	slices.SortStableFunc(edges, func(a, b int) int {
		return g.Edge(a).Timestamp.Compare(g.Edge(b).Timestamp)
	})

	counterparty := func(e int) int {
		if pattern == domain.PatternFanIn {
			return g.Edge(e).From
		}
		return g.Edge(e).To
	}

	events := make([]velocity.Event, len(edges))
	prefix := make([]decimal.Decimal, len(edges)+1)
	prefix[0] = decimal.Zero
	for i, e := range edges {
		events[i] = velocity.Event{At: g.Edge(e).Timestamp, Counterparty: counterparty(e)}
		prefix[i+1] = prefix[i].Add(g.Edge(e).Amount)
	}

	span := velocity.BestDistinctWindow(events, d.cfg.Window, func(s velocity.Span) bool {
		return s.Distinct >= d.cfg.MinCounterparties &&
			prefix[s.End].Sub(prefix[s.Start]).GreaterThanOrEqual(d.cfg.MinTotalAmount)
	})
	if span.Distinct == 0 {
		return domain.Ring{}, false
	}

	window := edges[span.Start:span.End]
	seen := make(map[int]struct{}, span.Distinct)
	spokes := make([]int, 0, span.Distinct)
	for _, e := range window {
		c := counterparty(e)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		spokes = append(spokes, c)
	}
	slices.SortFunc(spokes, func(a, b int) int {
		return g.Account(a).Rank - g.Account(b).Rank
	})

	members := append([]int{hub}, spokes...)
	return pathRing(g, pattern, members, window), true
}
