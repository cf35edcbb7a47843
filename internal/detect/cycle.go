package detect

import (
	"context"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
)

// CycleDetector enumerates simple directed cycles of bounded length.
type CycleDetector struct {
	cfg domain.CycleConfig
}

// NewCycleDetector creates a cycle detector.
func NewCycleDetector(cfg domain.CycleConfig) *CycleDetector {
	if cfg.MinLength < 2 {
		cfg.MinLength = 3
	}
	if cfg.MaxLength < cfg.MinLength {
		cfg.MaxLength = cfg.MinLength
	}
	return &CycleDetector{cfg: cfg}
}

// Name implements Detector.
func (d *CycleDetector) Name() string { return "cycle" }

type cycleFrame struct {
	node int
	next int
}

// Detect implements Detector. A cycle is reported only from its
// lowest-ranked member, which fixes the rotation and guarantees each
// directed cycle is emitted once.
func (d *CycleDetector) Detect(ctx context.Context, g *graph.Graph) Findings {
	var f Findings
	onPath := make([]bool, g.NumAccounts())
	stack := make([]cycleFrame, 0, d.cfg.MaxLength)

	for _, start := range g.Sorted() {
		if ctx.Err() != nil {
			f.Truncated = true
			break
		}
		rings, truncated := d.fromStart(g, start, onPath, stack[:0])
		f.Rings = append(f.Rings, rings...)
		f.Truncated = f.Truncated || truncated
	}
	return f
}

func (d *CycleDetector) fromStart(g *graph.Graph, start int, onPath []bool, stack []cycleFrame) ([]domain.Ring, bool) {
	var rings []domain.Ring
	minRank := g.Account(start).Rank
	examined := 0
	truncated := false

	onPath[start] = true
	stack = append(stack, cycleFrame{node: start})

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		links := g.Account(top.node).Links
		if top.next >= len(links) {
			onPath[top.node] = false
			stack = stack[:len(stack)-1]
			continue
		}

		link := &links[top.next]
		top.next++

		if link.Amount.LessThan(d.cfg.MinHopAmount) {
			continue
		}

		if link.To == start {
			if len(stack) >= d.cfg.MinLength {
				rings = append(rings, d.record(g, stack))
				if d.cfg.MaxCyclesPerStart > 0 && len(rings) >= d.cfg.MaxCyclesPerStart {
					truncated = true
					break
				}
			}
			continue
		}

		if len(stack) >= d.cfg.MaxLength || onPath[link.To] || g.Account(link.To).Rank <= minRank {
			continue
		}

		examined++
		if d.cfg.MaxPathsPerStart > 0 && examined > d.cfg.MaxPathsPerStart {
			truncated = true
			break
		}

		onPath[link.To] = true
		stack = append(stack, cycleFrame{node: link.To})
	}

	for _, fr := range stack {
		onPath[fr.node] = false
	}
	return rings, truncated
}

// record builds the ring for the cycle closed by the current stack. Every
// parallel edge on each consecutive pair contributes to the totals.
func (d *CycleDetector) record(g *graph.Graph, stack []cycleFrame) domain.Ring {
	members := make([]int, len(stack))
	for i, fr := range stack {
		members[i] = fr.node
	}

	var edges []int
	for i, from := range members {
		to := members[(i+1)%len(members)]
		if link, ok := g.LinkTo(from, to); ok {
			edges = append(edges, link.Edges...)
		}
	}

	return pathRing(g, domain.PatternCycle, members, edges)
}
