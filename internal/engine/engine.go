// Package engine runs the complete detection pipeline: graph build,
// merchant gate, detectors, ring scoring, assembly and account scoring.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/ringwatch/internal/assembler"
	"github.com/opensource-finance/ringwatch/internal/detect"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/ml"
	"github.com/opensource-finance/ringwatch/internal/rules"
	"github.com/opensource-finance/ringwatch/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ringwatch-engine")

// Engine is stateless across calls and safe for concurrent use.
type Engine struct {
	cfg       domain.DetectionConfig
	gate      *rules.MerchantGate
	detectors []detect.Detector
	rings     *scoring.RingScorer
	accounts  *scoring.AccountScorer
	model     *ml.Model
}

// Option configures an Engine.
type Option func(*Engine)

// WithModel enables ML blending with the given model. A nil model keeps
// rule-only scoring.
func WithModel(m *ml.Model) Option {
	return func(e *Engine) { e.model = m }
}

// WithDetectors replaces the default detectors.
func WithDetectors(d ...detect.Detector) Option {
	return func(e *Engine) { e.detectors = d }
}

// New creates an engine. It fails only if the merchant expression does not
// compile.
func New(cfg domain.DetectionConfig, opts ...Option) (*Engine, error) {
	gate, err := rules.NewMerchantGate(cfg.Merchant.Expression, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create merchant gate: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		gate:      gate,
		detectors: detect.Defaults(cfg),
		rings:     scoring.NewRingScorer(cfg.RingRisk),
		accounts:  scoring.NewAccountScorer(cfg.Suspicion),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ModelActive reports whether ML blending is enabled.
func (e *Engine) ModelActive() bool {
	return e.model != nil
}

// Config returns the detection configuration.
func (e *Engine) Config() domain.DetectionConfig {
	return e.cfg
}

// Analyze runs the pipeline over txs. The only error is context
// cancellation; degenerate input yields an empty result.
func (e *Engine) Analyze(ctx context.Context, txs []domain.Transaction) (*domain.Result, *graph.Graph, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.analyze")
	defer span.End()
	span.SetAttributes(attribute.Int("transactions", len(txs)))

	g := graph.Build(txs, e.cfg.VelocityWindow)

	merchants, err := e.gate.Classify(ctx, g)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	findings, err := detect.Run(ctx, g, e.detectors)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	e.rings.ScoreAll(findings.Rings)
	rings := assembler.Dedup(findings.Rings)
	assembler.SortRings(rings)

	var prob domain.ProbabilityFunc
	if e.model != nil {
		prob = e.model.ProbabilityFunc(ml.Extract(g, rings))
	}

	scores := e.accounts.Score(g, rings, prob)
	assembler.SortScores(scores)

	res := assembler.Assemble(rings, scores, assembler.Input{
		TotalAccounts:     g.NumAccounts(),
		TotalTransactions: g.NumEdges(),
		MLModelActive:     e.model != nil,
		Truncated:         findings.Truncated,
	})

	span.SetAttributes(
		attribute.Int("accounts", g.NumAccounts()),
		attribute.Int("rings", len(rings)),
		attribute.Int("suspicious_accounts", len(scores)),
		attribute.Bool("truncated", findings.Truncated),
	)
	slog.Info("analysis complete",
		"transactions", len(txs),
		"accounts", g.NumAccounts(),
		"merchants", merchants,
		"rings", len(rings),
		"suspicious_accounts", len(scores),
		"truncated", findings.Truncated,
		"ml_active", e.model != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return res, g, nil
}
