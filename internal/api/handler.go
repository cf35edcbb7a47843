package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/graphstore"
	"github.com/opensource-finance/ringwatch/internal/ingest"
	"github.com/opensource-finance/ringwatch/internal/metrics"
	"github.com/opensource-finance/ringwatch/internal/sample"
	"github.com/opensource-finance/ringwatch/internal/worker"
)

// multipartMemory is the part of a multipart upload held in memory before
// spilling to disk.
const multipartMemory = 8 << 20

// Deps are the collaborators the API serves from. Only Pipeline is
// required; endpoints backed by a missing dependency answer 503.
type Deps struct {
	Pipeline   *worker.Pipeline
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *metrics.Metrics
	Version    string

	// Graph answers account ring lookups the repository has no rows for.
	Graph *graphstore.Exporter

	// Worker is reported in /health when analyses run in the background.
	Worker *worker.Worker

	// Async queues analyses on the bus and answers 202 instead of
	// running them in the request.
	Async bool
}

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline  *worker.Pipeline
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	graph     *graphstore.Exporter
	worker    *worker.Worker
	validator *ingest.Validator
	version   string
	async     bool
	maxUpload int64
	rejected  func(int)
}

// NewHandler creates a new API handler.
func NewHandler(cfg domain.ServerConfig, deps Deps) *Handler {
	h := &Handler{
		pipeline:  deps.Pipeline,
		repo:      deps.Repository,
		cache:     deps.Cache,
		bus:       deps.Bus,
		graph:     deps.Graph,
		worker:    deps.Worker,
		validator: ingest.NewValidator(cfg.MaxRows),
		version:   deps.Version,
		async:     deps.Async,
		maxUpload: cfg.MaxUploadBytes,
		rejected:  func(int) {},
	}
	if deps.Metrics != nil {
		h.rejected = deps.Metrics.RecordRejectedRows
	}
	return h
}

// AnalyzeResponse is the response for the analysis endpoints.
type AnalyzeResponse struct {
	AnalysisID   string            `json:"analysis_id"`
	Status       string            `json:"status"`
	Cached       bool              `json:"cached"`
	TotalRows    int               `json:"total_rows"`
	AcceptedRows int               `json:"accepted_rows"`
	Errors       []ingest.RowError `json:"errors,omitempty"`
	Report       json.RawMessage   `json:"report,omitempty"`
	Metadata     ResponseMetadata  `json:"metadata"`
}

// ResponseMetadata carries request bookkeeping.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// ValidationResponse is the response for POST /validate/csv.
type ValidationResponse struct {
	Success           bool                 `json:"success"`
	Message           string               `json:"message"`
	TotalRows         int                  `json:"total_rows"`
	ValidTransactions []domain.Transaction `json:"valid_transactions"`
	Errors            []ingest.RowError    `json:"errors"`
}

// Analyze handles POST /analyze with a JSON body.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.limitBody(w, r)

	var req domain.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := h.validator.Request(&req); err != nil {
		writeError(w, ingestStatus(err), err.Error())
		return
	}

	h.run(w, r, "api", h.validator.Records(req.Transactions), start)
}

// AnalyzeCSV handles POST /analyze/csv with a multipart "file" field or a
// raw text/csv body.
func (h *Handler) AnalyzeCSV(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, ok := h.readCSV(w, r)
	if !ok {
		return
	}
	h.run(w, r, "csv", res, start)
}

// ValidateCSV handles POST /validate/csv. It reports per-row problems
// without running detection.
func (h *Handler) ValidateCSV(w http.ResponseWriter, r *http.Request) {
	res, ok := h.readCSV(w, r)
	if !ok {
		return
	}
	h.rejected(len(res.Errors))

	msg := fmt.Sprintf("Successfully processed %d transactions", len(res.Transactions))
	if len(res.Errors) > 0 {
		msg += fmt.Sprintf(" with %d errors", len(res.Errors))
	}
	writeJSON(w, http.StatusOK, ValidationResponse{
		Success:           len(res.Errors) == 0,
		Message:           msg,
		TotalRows:         res.TotalRows,
		ValidTransactions: nonNil(res.Transactions),
		Errors:            nonNil(res.Errors),
	})
}

// SampleAnalysis handles GET /sample/analysis by analyzing the built-in
// synthetic dataset.
func (h *Handler) SampleAnalysis(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	txs := sample.Default().Transactions

	out, err := h.pipeline.Analyze(r.Context(), "sample", txs)
	if err != nil {
		h.pipelineError(w, err)
		return
	}
	h.writeOutcome(w, r, http.StatusOK, out, ingest.Result{TotalRows: len(txs), Transactions: txs}, start)
}

// SampleCSV handles GET /sample, serving the synthetic dataset in the
// upload format.
func (h *Handler) SampleCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="sample_transactions.csv"`)
	if err := ingest.WriteCSV(w, sample.Default().Transactions); err != nil {
		slog.Error("failed to write sample csv", "error", err)
	}
}

// SampleFormat handles GET /sample/format.
func (h *Handler) SampleFormat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sample_format": map[string]any{
			"headers":     ingest.Columns,
			"example_row": ingest.ExampleRow,
		},
	})
}

// ListAnalyses handles GET /analyses.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.repo.ListAnalyses(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list analyses", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": nonNil(list),
		"count":    len(list),
	})
}

// GetAnalysis handles GET /analyses/{id}.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	id := chi.URLParam(r, "id")

	a, err := h.repo.GetAnalysis(r.Context(), id)
	if err != nil {
		h.lookupError(w, "analysis", id, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetAnalysisGraph handles GET /analyses/{id}/graph. The graph is rebuilt
// from the stored input.
func (h *Handler) GetAnalysisGraph(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.repo.GetAnalysis(ctx, id); err != nil {
		h.lookupError(w, "analysis", id, err)
		return
	}
	txs, err := h.repo.ListTransactions(ctx, id)
	if err != nil {
		slog.Error("failed to load transactions", "analysis_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load transactions")
		return
	}

	g := graph.Build(txs, h.pipeline.Engine().Config().VelocityWindow)
	writeJSON(w, http.StatusOK, g.Projection())
}

// GetAccountRings handles GET /accounts/{id}/rings. Stored rings come from
// the repository; when it has none the exported graph is consulted.
func (h *Handler) GetAccountRings(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil && h.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	id := chi.URLParam(r, "id")

	if h.repo != nil {
		rings, err := h.repo.ListRingsByAccount(r.Context(), id)
		if err != nil {
			slog.Error("failed to list rings for account", "account_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list rings")
			return
		}
		if len(rings) > 0 || h.graph == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"account_id": id,
				"source":     "repository",
				"rings":      nonNil(rings),
				"count":      len(rings),
			})
			return
		}
	}

	exported, err := h.graph.RingsForAccount(r.Context(), id)
	if err != nil {
		slog.Error("failed to read exported rings", "account_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "failed to read graph store")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"source":     "graph",
		"rings":      exported,
		"count":      len(exported),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":       "healthy",
		"version":      h.version,
		"model_active": h.pipeline.Engine().ModelActive(),
		"async":        h.async,
	}
	if h.worker != nil {
		body["worker"] = h.worker.GetStats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready returns whether the server's backing services are reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			slog.Warn("readiness check failed", "component", name, "error", err)
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(ctx) })
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, source string, res ingest.Result, start time.Time) {
	h.rejected(len(res.Errors))
	if len(res.Transactions) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "no valid transactions",
			"total_rows": res.TotalRows,
			"errors":     nonNil(res.Errors),
		})
		return
	}

	ctx := r.Context()
	if h.async {
		out, err := h.pipeline.Submit(ctx, res.Transactions)
		if err != nil {
			h.pipelineError(w, err)
			return
		}
		status := http.StatusAccepted
		if !out.Pending {
			status = http.StatusOK
		}
		h.writeOutcome(w, r, status, out, res, start)
		return
	}

	out, err := h.pipeline.Analyze(ctx, source, res.Transactions)
	if err != nil {
		h.pipelineError(w, err)
		return
	}
	h.writeOutcome(w, r, http.StatusOK, out, res, start)
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, status int, out *worker.Outcome, res ingest.Result, start time.Time) {
	resp := AnalyzeResponse{
		AnalysisID:   out.AnalysisID,
		Status:       domain.AnalysisCompleted,
		Cached:       out.Cached,
		TotalRows:    res.TotalRows,
		AcceptedRows: len(res.Transactions),
		Errors:       res.Errors,
		Report:       out.Report,
	}
	if out.Pending {
		resp.Status = domain.AnalysisPending
	}
	resp.Metadata.TraceID = GetTraceID(r.Context())
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	w.Header().Set("X-Analysis-ID", out.AnalysisID)
	writeJSON(w, status, resp)
}

// readCSV parses an upload, writing the error response itself when it
// fails.
func (h *Handler) readCSV(w http.ResponseWriter, r *http.Request) (ingest.Result, bool) {
	h.limitBody(w, r)

	body := io.Reader(r.Body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			if tooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
				return ingest.Result{}, false
			}
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return ingest.Result{}, false
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
			return ingest.Result{}, false
		}
		defer file.Close()
		if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
			writeError(w, http.StatusBadRequest, "file must be a CSV")
			return ingest.Result{}, false
		}
		body = file
	}

	res, err := h.validator.CSV(body)
	if err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return ingest.Result{}, false
		}
		writeError(w, ingestStatus(err), err.Error())
		return ingest.Result{}, false
	}
	return res, true
}

func (h *Handler) limitBody(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return false
	}
	return true
}

func (h *Handler) lookupError(w http.ResponseWriter, kind, id string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	slog.Error("failed to get "+kind, "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to get "+kind)
}

func (h *Handler) pipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worker.ErrAsyncUnavailable):
		writeError(w, http.StatusServiceUnavailable, "async analysis not available")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("analysis failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analysis failed")
	}
}

func ingestStatus(err error) int {
	if errors.Is(err, ingest.ErrTooManyRows) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// nonNil keeps empty lists as [] rather than null in responses.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
