// Package detect implements the ring pattern detectors.
//
// Every detector reads an immutable graph and returns its own findings, so
// detectors can run concurrently without coordination. Findings are not
// deduplicated or ordered across detectors; assembly does that.
package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ringwatch-detect")

// Findings are the candidate rings produced by one detector.
type Findings struct {
	Rings []domain.Ring

	// Truncated is set when a search cap or cancellation cut the search
	// short. The rings found up to that point are still valid.
	Truncated bool
}

// Detector searches a graph for one family of patterns.
type Detector interface {
	Name() string
	Detect(ctx context.Context, g *graph.Graph) Findings
}

// Defaults returns the cycle, smurfing and layering detectors configured
// from cfg, in report order.
func Defaults(cfg domain.DetectionConfig) []Detector {
	return []Detector{
		NewCycleDetector(cfg.Cycle),
		NewSmurfingDetector(cfg.Smurfing),
		NewLayeringDetector(cfg.Layering),
	}
}

// Run executes the detectors concurrently against g and concatenates their
// findings in detector order. It returns ctx.Err() if the context was
// cancelled before all detectors finished.
func Run(ctx context.Context, g *graph.Graph, detectors []Detector) (Findings, error) {
	results := make([]Findings, len(detectors))
	var wg sync.WaitGroup

	for i, d := range detectors {
		wg.Add(1)
		go func(idx int, d Detector) {
			defer wg.Done()

			start := time.Now()
			spanCtx, span := tracer.Start(ctx, "detect."+d.Name(),
				trace.WithAttributes(attribute.Int("graph.accounts", g.NumAccounts())),
			)
			defer span.End()

			f := d.Detect(spanCtx, g)
			results[idx] = f

			span.SetAttributes(
				attribute.Int("rings", len(f.Rings)),
				attribute.Bool("truncated", f.Truncated),
			)
			slog.Debug("detector finished",
				"detector", d.Name(),
				"rings", len(f.Rings),
				"truncated", f.Truncated,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}(i, d)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Findings{}, err
	}

	var all Findings
	for _, f := range results {
		all.Rings = append(all.Rings, f.Rings...)
		all.Truncated = all.Truncated || f.Truncated
	}
	return all, nil
}

// pathRing builds a ring from an ordered member list and the edges that
// connect them.
func pathRing(g *graph.Graph, pattern domain.Pattern, members []int, edges []int) domain.Ring {
	r := domain.Ring{
		Pattern:          pattern,
		Members:          make([]string, len(members)),
		TransactionCount: len(edges),
	}
	for i, m := range members {
		r.Members[i] = g.ID(m)
	}
	for i, e := range edges {
		edge := g.Edge(e)
		r.TotalAmount = r.TotalAmount.Add(edge.Amount)
		if i == 0 || edge.Timestamp.Before(r.FirstSeen) {
			r.FirstSeen = edge.Timestamp
		}
		if i == 0 || edge.Timestamp.After(r.LastSeen) {
			r.LastSeen = edge.Timestamp
		}
	}
	return r
}
