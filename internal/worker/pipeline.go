// Package worker runs analyses end to end: persistence, detection, report
// caching, graph export and event publication. The API calls the pipeline
// directly in synchronous mode; the Worker drives it from the event bus in
// asynchronous mode.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/ringwatch/internal/assembler"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/engine"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/graphstore"
	"github.com/opensource-finance/ringwatch/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ringwatch-worker")

// ErrAsyncUnavailable is returned by Submit when no bus or repository is
// configured.
var ErrAsyncUnavailable = errors.New("async analysis requires an event bus and a repository")

// AnalysisRequest is published on TopicAnalysisRequested.
type AnalysisRequest struct {
	AnalysisID string `json:"analysis_id"`
}

// AnalysisCompleted is published on TopicAnalysisCompleted.
type AnalysisCompleted struct {
	AnalysisID      string `json:"analysis_id"`
	Status          string `json:"status"`
	RingCount       int    `json:"ring_count"`
	SuspiciousCount int    `json:"suspicious_count"`
	ProcessingMs    int64  `json:"processing_ms"`
	Error           string `json:"error,omitempty"`
}

// RingAlert is published on TopicRingAlert for every ring at or above the
// alert threshold.
type RingAlert struct {
	AnalysisID string               `json:"analysis_id"`
	Ring       assembler.ReportRing `json:"ring"`
}

// Outcome is the result of one pipeline call.
type Outcome struct {
	AnalysisID string

	// Report is the serialized report. Nil while an async analysis is pending.
	Report []byte

	// Result and Graph are nil when the report came from the cache.
	Result *domain.Result
	Graph  *graph.Graph

	Cached  bool
	Pending bool
}

// Pipeline wires the engine to the infrastructure. Every collaborator but
// the engine is optional.
type Pipeline struct {
	engine    *engine.Engine
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	exporter  *graphstore.Exporter
	metrics   *metrics.Metrics
	reportTTL time.Duration
	alertRisk float64
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRepository persists analyses.
func WithRepository(r domain.Repository) Option { return func(p *Pipeline) { p.repo = r } }

// WithCache caches reports by input digest for ttl.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(p *Pipeline) {
		p.cache = c
		p.reportTTL = ttl
	}
}

// WithBus publishes completions and ring alerts, and enables Submit.
func WithBus(b domain.EventBus) Option { return func(p *Pipeline) { p.bus = b } }

// WithExporter exports every completed analysis to a graph store.
func WithExporter(e *graphstore.Exporter) Option { return func(p *Pipeline) { p.exporter = e } }

// WithMetrics records analysis metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithAlertRisk sets the ring risk that triggers an alert.
func WithAlertRisk(risk float64) Option { return func(p *Pipeline) { p.alertRisk = risk } }

// NewPipeline creates a pipeline around an engine.
func NewPipeline(e *engine.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:    e,
		reportTTL: 30 * time.Minute,
		alertRisk: 0.8,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Engine returns the detection engine.
func (p *Pipeline) Engine() *engine.Engine {
	return p.engine
}

// Digest identifies an input batch. Identical batches analyzed by an
// engine in the same model state share a digest.
func (p *Pipeline) Digest(txs []domain.Transaction) string {
	h := sha256.New()
	fmt.Fprintf(h, "v1|model=%t\n", p.engine.ModelActive())
	for _, tx := range txs {
		h.Write([]byte(tx.ID))
		h.Write([]byte{0})
		h.Write([]byte(tx.Sender))
		h.Write([]byte{0})
		h.Write([]byte(tx.Receiver))
		h.Write([]byte{0})
		h.Write([]byte(tx.Amount.String()))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(tx.Timestamp.UnixNano(), 10)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Analyze runs a batch synchronously. A cached report for the same digest
// is returned without running detection.
func (p *Pipeline) Analyze(ctx context.Context, source string, txs []domain.Transaction) (*Outcome, error) {
	digest := p.Digest(txs)
	if out := p.lookup(ctx, digest); out != nil {
		return out, nil
	}

	a, err := p.create(ctx, digest, txs)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, source, a, txs)
}

// Submit stores a batch as a pending analysis and queues it on the bus.
func (p *Pipeline) Submit(ctx context.Context, txs []domain.Transaction) (*Outcome, error) {
	if p.bus == nil || p.repo == nil {
		return nil, ErrAsyncUnavailable
	}

	digest := p.Digest(txs)
	if out := p.lookup(ctx, digest); out != nil {
		return out, nil
	}

	a, err := p.create(ctx, digest, txs)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(AnalysisRequest{AnalysisID: a.ID})
	if err := p.bus.Publish(ctx, domain.TopicAnalysisRequested, payload); err != nil {
		p.fail(ctx, a, err)
		return nil, fmt.Errorf("queue analysis %s: %w", a.ID, err)
	}

	slog.Info("analysis queued",
		"analysis_id", a.ID,
		"transactions", len(txs),
	)
	return &Outcome{AnalysisID: a.ID, Pending: true}, nil
}

// Process runs a stored pending analysis.
func (p *Pipeline) Process(ctx context.Context, source, analysisID string) (*Outcome, error) {
	if p.repo == nil {
		return nil, ErrAsyncUnavailable
	}

	a, err := p.repo.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, fmt.Errorf("load analysis %s: %w", analysisID, err)
	}
	if a.Status != domain.AnalysisPending {
		slog.Warn("skipping analysis that is not pending",
			"analysis_id", analysisID,
			"status", a.Status,
		)
		return &Outcome{AnalysisID: a.ID, Report: a.Report}, nil
	}

	txs, err := p.repo.ListTransactions(ctx, analysisID)
	if err != nil {
		p.fail(ctx, a, err)
		return nil, fmt.Errorf("load transactions of %s: %w", analysisID, err)
	}
	return p.run(ctx, source, a, txs)
}

func (p *Pipeline) lookup(ctx context.Context, digest string) *Outcome {
	if p.cache == nil {
		return nil
	}

	cached, err := p.cache.GetReport(ctx, digest)
	if err != nil {
		slog.Warn("report cache lookup failed", "digest", digest, "error", err)
	}
	if p.metrics != nil {
		p.metrics.RecordCacheLookup(cached != nil)
	}
	if cached == nil {
		return nil
	}
	return &Outcome{AnalysisID: cached.AnalysisID, Report: cached.Report, Cached: true}
}

func (p *Pipeline) create(ctx context.Context, digest string, txs []domain.Transaction) (*domain.Analysis, error) {
	a := &domain.Analysis{
		ID:               uuid.NewString(),
		InputDigest:      digest,
		Status:           domain.AnalysisPending,
		TransactionCount: len(txs),
		CreatedAt:        p.now().UTC(),
	}
	if p.repo == nil {
		return a, nil
	}

	if err := p.repo.SaveAnalysis(ctx, a); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	if err := p.repo.SaveTransactions(ctx, a.ID, txs); err != nil {
		p.fail(ctx, a, err)
		return nil, fmt.Errorf("save transactions: %w", err)
	}
	return a, nil
}

func (p *Pipeline) run(ctx context.Context, source string, a *domain.Analysis, txs []domain.Transaction) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("analysis.id", a.ID),
		attribute.String("analysis.source", source),
		attribute.Int("analysis.transactions", len(txs)),
	)

	start := p.now()
	res, g, err := p.engine.Analyze(ctx, txs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, a, err)
		if p.metrics != nil {
			p.metrics.RecordAnalysisFailure(source)
		}
		return nil, fmt.Errorf("analysis %s: %w", a.ID, err)
	}
	elapsed := p.now().Sub(start)

	report, err := assembler.BuildReport(res, a.ID).Marshal()
	if err != nil {
		p.fail(ctx, a, err)
		return nil, fmt.Errorf("encode report %s: %w", a.ID, err)
	}

	completed := p.now().UTC()
	a.Status = domain.AnalysisCompleted
	a.RingCount = len(res.Rings)
	a.SuspiciousCount = len(res.Scores)
	a.Report = report
	a.ProcessingMs = elapsed.Milliseconds()
	a.CompletedAt = &completed

	if p.repo != nil {
		if err := p.repo.SaveRings(ctx, a.ID, res.Rings); err != nil {
			p.fail(ctx, a, err)
			return nil, fmt.Errorf("save rings of %s: %w", a.ID, err)
		}
		if err := p.repo.UpdateAnalysis(ctx, a); err != nil {
			return nil, fmt.Errorf("update analysis %s: %w", a.ID, err)
		}
	}

	if p.cache != nil {
		entry := &domain.CachedReport{AnalysisID: a.ID, Report: report}
		if err := p.cache.SetReport(ctx, a.InputDigest, entry, p.reportTTL); err != nil {
			slog.Warn("failed to cache report", "analysis_id", a.ID, "error", err)
		}
	}

	if p.metrics != nil {
		p.metrics.RecordAnalysis(source, res, elapsed)
	}

	if p.exporter != nil {
		err := p.exporter.Export(ctx, a.ID, g, res)
		if err != nil {
			slog.Error("graph export failed", "analysis_id", a.ID, "error", err)
		}
		if p.metrics != nil {
			p.metrics.RecordGraphExport(err)
		}
	}

	p.publish(ctx, a, res)

	return &Outcome{AnalysisID: a.ID, Report: report, Result: res, Graph: g}, nil
}

func (p *Pipeline) publish(ctx context.Context, a *domain.Analysis, res *domain.Result) {
	if p.bus == nil {
		return
	}

	done, _ := json.Marshal(AnalysisCompleted{
		AnalysisID:      a.ID,
		Status:          a.Status,
		RingCount:       a.RingCount,
		SuspiciousCount: a.SuspiciousCount,
		ProcessingMs:    a.ProcessingMs,
		Error:           a.Error,
	})
	if err := p.bus.Publish(ctx, domain.TopicAnalysisCompleted, done); err != nil {
		slog.Error("failed to publish completion", "analysis_id", a.ID, "error", err)
	}

	if res == nil {
		return
	}
	for _, r := range res.Rings {
		if r.RiskScore < p.alertRisk {
			continue
		}
		alert, _ := json.Marshal(RingAlert{AnalysisID: a.ID, Ring: assembler.ToReportRing(r)})
		if err := p.bus.Publish(ctx, domain.TopicRingAlert, alert); err != nil {
			slog.Error("failed to publish ring alert",
				"analysis_id", a.ID,
				"ring_id", r.ID,
				"error", err,
			)
		}
	}
}

// fail marks an analysis failed. Persistence errors are logged since the
// caller already holds the primary error.
func (p *Pipeline) fail(ctx context.Context, a *domain.Analysis, cause error) {
	completed := p.now().UTC()
	a.Status = domain.AnalysisFailed
	a.Error = cause.Error()
	a.CompletedAt = &completed

	slog.Error("analysis failed", "analysis_id", a.ID, "error", cause)

	if p.repo != nil {
		// the request context may be the one that was cancelled
		if err := p.repo.UpdateAnalysis(context.WithoutCancel(ctx), a); err != nil {
			slog.Error("failed to mark analysis failed", "analysis_id", a.ID, "error", err)
		}
	}
	p.publish(context.WithoutCancel(ctx), a, nil)
}
