package detect

import (
	"context"
	"strings"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/shopspring/decimal"
)

// LayeringDetector finds pass-through chains: paths of distinct accounts
// where each hop forwards roughly what it received, minus a small skim,
// no earlier than it received it.
type LayeringDetector struct {
	cfg  domain.LayeringConfig
	skim decimal.Decimal
	rise decimal.Decimal
}

// NewLayeringDetector creates a layering detector.
func NewLayeringDetector(cfg domain.LayeringConfig) *LayeringDetector {
	if cfg.MinHops < 1 {
		cfg.MinHops = 3
	}
	if cfg.MaxHops < cfg.MinHops {
		cfg.MaxHops = cfg.MinHops
	}
	return &LayeringDetector{
		cfg:  cfg,
		skim: decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.SkimTolerance)),
		rise: decimal.NewFromInt(1).Add(decimal.NewFromFloat(cfg.RiseTolerance)),
	}
}

// Name implements Detector.
func (d *LayeringDetector) Name() string { return "layering" }

type chainFrame struct {
	node     int
	via      int // edge that reached node, -1 at the start
	next     int
	extended bool
}

type chain struct {
	nodes []int
	edges []int
	key   string
}

// Detect implements Detector. Only maximal chains are reported: a chain
// that is a contiguous piece of a longer reported chain is dropped.
func (d *LayeringDetector) Detect(ctx context.Context, g *graph.Graph) Findings {
	var f Findings
	var candidates []chain
	onPath := make([]bool, g.NumAccounts())

	for _, start := range g.Sorted() {
		if ctx.Err() != nil {
			f.Truncated = true
			break
		}
		found, truncated := d.fromStart(g, start, onPath)
		candidates = append(candidates, found...)
		f.Truncated = f.Truncated || truncated
	}

	covered := make(map[string]struct{})
	for _, c := range candidates {
		for _, sub := range d.subKeys(g, c.nodes) {
			covered[sub] = struct{}{}
		}
	}

	emitted := make(map[string]struct{})
	for _, c := range candidates {
		if _, ok := covered[c.key]; ok {
			continue
		}
		if _, ok := emitted[c.key]; ok {
			continue
		}
		emitted[c.key] = struct{}{}
		f.Rings = append(f.Rings, pathRing(g, domain.PatternLayered, c.nodes, c.edges))
	}
	return f
}

func (d *LayeringDetector) fromStart(g *graph.Graph, start int, onPath []bool) ([]chain, bool) {
	var found []chain
	examined := 0
	truncated := false

	stack := []chainFrame{{node: start, via: -1}}
	onPath[start] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		hops := len(stack) - 1
		out := g.Account(top.node).Out

		if hops == d.cfg.MaxHops || top.next >= len(out) {
			if hops >= d.cfg.MinHops && (!top.extended || hops == d.cfg.MaxHops) {
				found = append(found, d.capture(g, stack))
			}
			onPath[top.node] = false
			stack = stack[:len(stack)-1]
			continue
		}

		e := out[top.next]
		top.next++

		if !d.validHop(g, top.via, e, onPath) {
			continue
		}

		examined++
		if d.cfg.MaxPathsPerStart > 0 && examined > d.cfg.MaxPathsPerStart {
			truncated = true
			break
		}

		top.extended = true
		to := g.Edge(e).To
		onPath[to] = true
		stack = append(stack, chainFrame{node: to, via: e})
	}

	for _, fr := range stack {
		onPath[fr.node] = false
	}
	return found, truncated
}

func (d *LayeringDetector) validHop(g *graph.Graph, via, e int, onPath []bool) bool {
	edge := g.Edge(e)
	if edge.From == edge.To || onPath[edge.To] {
		return false
	}
	if edge.Amount.LessThan(d.cfg.MinHopAmount) {
		return false
	}
	if via < 0 {
		return true
	}

	prev := g.Edge(via)
	if edge.Timestamp.Before(prev.Timestamp) {
		return false
	}
	lo := prev.Amount.Mul(d.skim)
	hi := prev.Amount.Mul(d.rise)
	return edge.Amount.GreaterThanOrEqual(lo) && edge.Amount.LessThanOrEqual(hi)
}

func (d *LayeringDetector) capture(g *graph.Graph, stack []chainFrame) chain {
	c := chain{
		nodes: make([]int, len(stack)),
		edges: make([]int, 0, len(stack)-1),
	}
	for i, fr := range stack {
		c.nodes[i] = fr.node
		if fr.via >= 0 {
			c.edges = append(c.edges, fr.via)
		}
	}
	c.key = pathKey(g, c.nodes)
	return c
}

// subKeys returns the keys of every proper contiguous sub-path that is
// still long enough to be reported on its own.
func (d *LayeringDetector) subKeys(g *graph.Graph, nodes []int) []string {
	var keys []string
	minNodes := d.cfg.MinHops + 1
	for lo := 0; lo < len(nodes); lo++ {
		for hi := lo + minNodes; hi <= len(nodes); hi++ {
			if lo == 0 && hi == len(nodes) {
				continue
			}
			keys = append(keys, pathKey(g, nodes[lo:hi]))
		}
	}
	return keys
}

func pathKey(g *graph.Graph, nodes []int) string {
	var b strings.Builder
	for i, n := range nodes {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(g.ID(n))
	}
	return b.String()
}
