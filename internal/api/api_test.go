package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/ringwatch/internal/assembler"
	"github.com/opensource-finance/ringwatch/internal/bus"
	"github.com/opensource-finance/ringwatch/internal/cache"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/engine"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/graphstore"
	"github.com/opensource-finance/ringwatch/internal/metrics"
	"github.com/opensource-finance/ringwatch/internal/repository"
	"github.com/opensource-finance/ringwatch/internal/worker"
)

const triangleCSV = `transaction_id,sender_id,receiver_id,amount,timestamp
t1,A,B,100,2025-06-01T09:00:00Z
t2,B,C,100,2025-06-01T09:10:00Z
t3,C,A,100,2025-06-01T09:20:00Z
`

type testEnv struct {
	server  *Server
	repo    domain.Repository
	metrics *metrics.Metrics
	bus     *bus.ChannelBus
}

func defaultServerConfig() domain.ServerConfig {
	cfg := domain.DefaultConfig().Server
	cfg.RateLimit = 0
	return cfg
}

// newTestEnv builds a server over a temp SQLite file and in-memory cache.
func newTestEnv(t *testing.T, cfg domain.ServerConfig, async bool, opts ...func(*Deps)) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	e, err := engine.New(domain.DefaultDetectionConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	env := &testEnv{
		repo:    repo,
		metrics: metrics.New(),
		bus:     bus.NewChannelBus(16),
	}
	c := cache.NewLRUCache(64)
	pipeline := worker.NewPipeline(e,
		worker.WithRepository(repo),
		worker.WithCache(c, time.Hour),
		worker.WithBus(env.bus),
		worker.WithMetrics(env.metrics),
	)

	t.Cleanup(func() {
		env.bus.Close()
		repo.Close()
	})
	deps := Deps{
		Pipeline:   pipeline,
		Repository: repo,
		Cache:      c,
		Bus:        env.bus,
		Metrics:    env.metrics,
		Version:    "test-v1",
		Async:      async,
	}
	if async {
		w := worker.NewWorker(env.bus, pipeline)
		if err := w.Start(); err != nil {
			t.Fatalf("failed to start worker: %v", err)
		}
		t.Cleanup(func() { w.Stop() })
		deps.Worker = w
	}
	for _, opt := range opts {
		opt(&deps)
	}

	env.server = NewServer(cfg, deps)
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)
	return rr
}

func triangleJSON() []byte {
	body, _ := json.Marshal(map[string]any{
		"transactions": []map[string]any{
			{"transaction_id": "t1", "sender_id": "A", "receiver_id": "B", "amount": 100, "timestamp": "2025-06-01T09:00:00Z"},
			{"transaction_id": "t2", "sender_id": "B", "receiver_id": "C", "amount": "100.00", "timestamp": "2025-06-01 09:10:00"},
			{"transaction_id": "t3", "sender_id": "C", "receiver_id": "A", "amount": 100, "timestamp": "2025-06-01T09:20:00Z"},
		},
	})
	return body
}

func postJSON(path string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeAnalyze(t *testing.T, rr *httptest.ResponseRecorder) (AnalyzeResponse, assembler.Report) {
	t.Helper()
	var resp AnalyzeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	var report assembler.Report
	if len(resp.Report) > 0 {
		if err := json.Unmarshal(resp.Report, &report); err != nil {
			t.Fatalf("failed to parse report: %v", err)
		}
	}
	return resp, report
}

func TestAnalyzeEndpoint(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig(), false)

	var firstID string
	t.Run("Triangle", func(t *testing.T) {
		rr := env.do(postJSON("/analyze", triangleJSON()))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp, report := decodeAnalyze(t, rr)
		if resp.AnalysisID == "" || rr.Header().Get("X-Analysis-ID") != resp.AnalysisID {
			t.Errorf("expected analysis id in body and header, got %q / %q", resp.AnalysisID, rr.Header().Get("X-Analysis-ID"))
		}
		if resp.Status != domain.AnalysisCompleted || resp.Cached || resp.AcceptedRows != 3 {
			t.Errorf("unexpected response %+v", resp)
		}
		if len(report.FraudRings) != 1 || report.FraudRings[0].Pattern != "cycle" {
			t.Errorf("expected one cycle ring, got %+v", report.FraudRings)
		}
		if len(report.SuspiciousAccounts) != 3 {
			t.Errorf("expected 3 suspicious accounts, got %d", len(report.SuspiciousAccounts))
		}
		if resp.Metadata.Version != "test-v1" || resp.Metadata.TraceID == "" {
			t.Errorf("unexpected metadata %+v", resp.Metadata)
		}
		firstID = resp.AnalysisID
	})

	t.Run("CachedRepeat", func(t *testing.T) {
		rr := env.do(postJSON("/analyze", triangleJSON()))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp, _ := decodeAnalyze(t, rr)
		if !resp.Cached || resp.AnalysisID != firstID {
			t.Errorf("expected cached response for %s, got %+v", firstID, resp)
		}
	})

	t.Run("RowErrorsReported", func(t *testing.T) {
		body := []byte(`{"transactions":[
			{"transaction_id":"x1","sender_id":"P","receiver_id":"Q","amount":50,"timestamp":"2025-06-01T09:00:00Z"},
			{"transaction_id":"x2","sender_id":"","receiver_id":"Q","amount":50,"timestamp":"2025-06-01T09:00:00Z"},
			{"transaction_id":"x3","sender_id":"P","receiver_id":"Q","amount":0,"timestamp":"2025-06-01T09:00:00Z"}
		]}`)
		rr := env.do(postJSON("/analyze", body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp, report := decodeAnalyze(t, rr)
		if resp.TotalRows != 3 || resp.AcceptedRows != 1 || len(resp.Errors) != 2 {
			t.Fatalf("unexpected row accounting %+v", resp)
		}
		if resp.Errors[0].Row != 2 || resp.Errors[1].Row != 3 {
			t.Errorf("unexpected error rows %+v", resp.Errors)
		}
		if len(report.FraudRings) != 0 {
			t.Errorf("expected no rings, got %+v", report.FraudRings)
		}
	})

	t.Run("NoValidRows", func(t *testing.T) {
		body := []byte(`{"transactions":[{"transaction_id":"x1","sender_id":"P","receiver_id":"Q","amount":-5,"timestamp":"yesterday"}]}`)
		rr := env.do(postJSON("/analyze", body))
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("EmptyTransactions", func(t *testing.T) {
		rr := env.do(postJSON("/analyze", []byte(`{"transactions":[]}`)))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(postJSON("/analyze", []byte("not-json")))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["error"] == "" {
			t.Errorf("expected JSON error body, got %s", rr.Body.String())
		}
	})
}

func TestAnalyzeCSV(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig(), false)

	t.Run("RawBody", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze/csv", strings.NewReader(triangleCSV))
		req.Header.Set("Content-Type", "text/csv")
		rr := env.do(req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		_, report := decodeAnalyze(t, rr)
		if len(report.FraudRings) != 1 {
			t.Errorf("expected one ring, got %+v", report.FraudRings)
		}
	})

	t.Run("Multipart", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, _ := mw.CreateFormFile("file", "ledger.csv")
		part.Write([]byte(strings.Replace(triangleCSV, "t1,", "m1,", 1)))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/analyze/csv", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rr := env.do(req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp, _ := decodeAnalyze(t, rr)
		if resp.AcceptedRows != 3 {
			t.Errorf("expected 3 accepted rows, got %d", resp.AcceptedRows)
		}
	})

	t.Run("NotCSVFile", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, _ := mw.CreateFormFile("file", "ledger.xlsx")
		part.Write([]byte(triangleCSV))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/analyze/csv", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if rr := env.do(req); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingColumns", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze/csv", strings.NewReader("transaction_id,sender_id\nt1,A\n"))
		rr := env.do(req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "receiver_id") {
			t.Errorf("expected missing column named, got %s", rr.Body.String())
		}
	})

	t.Run("Empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze/csv", strings.NewReader(""))
		if rr := env.do(req); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestUploadLimits(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.MaxUploadBytes = 64
	env := newTestEnv(t, cfg, false)

	t.Run("BodyTooLarge", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze/csv", strings.NewReader(triangleCSV))
		if rr := env.do(req); rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("TooManyRows", func(t *testing.T) {
		cfg := defaultServerConfig()
		cfg.MaxRows = 2
		env := newTestEnv(t, cfg, false)
		if rr := env.do(postJSON("/analyze", triangleJSON())); rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestValidateCSV(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig(), false)

	body := triangleCSV + "t4,D,,10,2025-06-01T10:00:00Z\nt5,D,E,abc,2025-06-01T10:00:00Z\n"
	req := httptest.NewRequest(http.MethodPost, "/validate/csv", strings.NewReader(body))
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ValidationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Success || resp.TotalRows != 5 || len(resp.ValidTransactions) != 3 || len(resp.Errors) != 2 {
		t.Fatalf("unexpected validation %+v", resp)
	}
	if resp.Errors[1].Field != "amount" || resp.Errors[1].Row != 5 {
		t.Errorf("unexpected amount error %+v", resp.Errors[1])
	}
	if resp.Message != "Successfully processed 3 transactions with 2 errors" {
		t.Errorf("unexpected message %q", resp.Message)
	}

	list, _ := env.repo.ListAnalyses(context.Background(), 10)
	if len(list) != 0 {
		t.Errorf("validation must not store analyses, got %d", len(list))
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "ringwatch_rejected_rows_total 2") {
		t.Error("expected rejected rows to be counted")
	}
}

func TestStoredAnalyses(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig(), false)

	rr := env.do(postJSON("/analyze", triangleJSON()))
	if rr.Code != http.StatusOK {
		t.Fatalf("analyze failed: %d %s", rr.Code, rr.Body.String())
	}
	resp, _ := decodeAnalyze(t, rr)
	id := resp.AnalysisID

	t.Run("Get", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/analyses/"+id, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var a domain.Analysis
		if err := json.Unmarshal(rr.Body.Bytes(), &a); err != nil {
			t.Fatalf("failed to parse analysis: %v", err)
		}
		if a.ID != id || a.Status != domain.AnalysisCompleted || a.RingCount != 1 || len(a.Report) == 0 {
			t.Errorf("unexpected analysis %+v", a)
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/analyses?limit=5", nil))
		var body struct {
			Analyses []domain.Analysis `json:"analyses"`
			Count    int               `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse list: %v", err)
		}
		if body.Count != 1 || len(body.Analyses) != 1 || body.Analyses[0].ID != id {
			t.Errorf("unexpected list %+v", body)
		}
	})

	t.Run("Graph", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/analyses/"+id+"/graph", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var p graph.Projection
		if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
			t.Fatalf("failed to parse projection: %v", err)
		}
		if p.Stats.NodesCount != 3 || p.Stats.EdgesCount != 3 || p.Stats.TotalAmount != 300 {
			t.Errorf("unexpected projection stats %+v", p.Stats)
		}
	})

	t.Run("AccountRings", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/accounts/B/rings", nil))
		var body struct {
			Rings []domain.AccountRing `json:"rings"`
			Count int                  `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse rings: %v", err)
		}
		if body.Count != 1 || len(body.Rings) != 1 || body.Rings[0].AnalysisID != id || body.Rings[0].Ring.ID != "RING_001" {
			t.Errorf("unexpected account rings %+v", body)
		}

		rr = env.do(httptest.NewRequest(http.MethodGet, "/accounts/nobody/rings", nil))
		if !strings.Contains(rr.Body.String(), `"rings":[]`) {
			t.Errorf("expected empty ring list, got %s", rr.Body.String())
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		for _, path := range []string{"/analyses/missing", "/analyses/missing/graph"} {
			if rr := env.do(httptest.NewRequest(http.MethodGet, path, nil)); rr.Code != http.StatusNotFound {
				t.Errorf("%s: expected status 404, got %d", path, rr.Code)
			}
		}
	})
}

func TestAsyncAnalyze(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig(), true)

	rr := env.do(postJSON("/analyze", triangleJSON()))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	resp, _ := decodeAnalyze(t, rr)
	if resp.Status != domain.AnalysisPending || len(resp.Report) != 0 {
		t.Errorf("expected pending response without report, got %+v", resp)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		a, err := env.repo.GetAnalysis(context.Background(), resp.AnalysisID)
		if err == nil && a.Status == domain.AnalysisCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("analysis %s not completed in time (last: %+v, %v)", resp.AnalysisID, a, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the worker counts the run once its handler returns
	for {
		var health struct {
			Worker worker.Stats `json:"worker"`
		}
		rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
			t.Fatalf("failed to parse health: %v", err)
		}
		if health.Worker.Processed == 1 {
			if health.Worker.SubscriptionCount != 1 || health.Worker.Failed != 0 {
				t.Errorf("unexpected worker stats %+v", health.Worker)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker stats not updated in time: %+v", health.Worker)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.RateLimit = 2
	cfg.RateWindow = time.Minute
	env := newTestEnv(t, cfg, false)

	codes := make([]int, 3)
	for i := range codes {
		req := postJSON("/analyze", []byte("not-json"))
		req.RemoteAddr = "203.0.113.7:5000"
		codes[i] = env.do(req).Code
	}
	if codes[0] != http.StatusBadRequest || codes[1] != http.StatusBadRequest || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}

	// other clients have their own window
	req := postJSON("/analyze", []byte("not-json"))
	req.RemoteAddr = "198.51.100.1:5000"
	if rr := env.do(req); rr.Code != http.StatusBadRequest {
		t.Errorf("expected other client to pass, got %d", rr.Code)
	}

	// reads are not limited
	req = httptest.NewRequest(http.MethodGet, "/sample/format", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	if rr := env.do(req); rr.Code != http.StatusOK {
		t.Errorf("expected unlimited read, got %d", rr.Code)
	}

	t.Run("ForwardedHeadersIgnored", func(t *testing.T) {
		limited := 0
		for i := 0; i < 10; i++ {
			req := postJSON("/analyze", []byte("not-json"))
			req.RemoteAddr = "192.0.2.50:6000"
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
			req.Header.Set("X-Real-IP", fmt.Sprintf("10.0.1.%d", i))
			if env.do(req).Code == http.StatusTooManyRequests {
				limited++
			}
		}
		if limited != 8 {
			t.Errorf("expected 8 limited requests from one peer, got %d", limited)
		}
	})

	t.Run("TrustedProxyHeaders", func(t *testing.T) {
		cfg := cfg
		cfg.TrustProxyHeaders = true
		proxied := newTestEnv(t, cfg, false)

		for i := 0; i < 4; i++ {
			req := postJSON("/analyze", []byte("not-json"))
			req.RemoteAddr = "192.0.2.60:6000"
			req.Header.Set("X-Real-IP", fmt.Sprintf("10.0.2.%d", i))
			if rr := proxied.do(req); rr.Code != http.StatusBadRequest {
				t.Errorf("request %d: expected distinct clients behind proxy, got %d", i, rr.Code)
			}
		}
	})
}

func TestSampleEndpoints(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig(), false)

	t.Run("Format", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/sample/format", nil))
		if !strings.Contains(rr.Body.String(), `"headers":["transaction_id","sender_id","receiver_id","amount","timestamp"]`) {
			t.Errorf("unexpected format body %s", rr.Body.String())
		}
	})

	t.Run("CSV", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/sample", nil))
		if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "text/csv" {
			t.Fatalf("unexpected response %d %q", rr.Code, rr.Header().Get("Content-Type"))
		}
		lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
		if lines[0] != "transaction_id,sender_id,receiver_id,amount,timestamp" {
			t.Errorf("unexpected header %q", lines[0])
		}
		if len(lines) < 2 {
			t.Error("expected sample rows")
		}
	})

	t.Run("Analysis", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping full sample analysis in short mode")
		}
		rr := env.do(httptest.NewRequest(http.MethodGet, "/sample/analysis", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		_, report := decodeAnalyze(t, rr)
		if report.Summary.FraudRingsDetected == 0 {
			t.Error("expected planted rings to be detected")
		}
	})
}

func TestProbes(t *testing.T) {
	env := newTestEnv(t, defaultServerConfig(), false)

	t.Run("Health", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse health: %v", err)
		}
		if body["status"] != "healthy" || body["version"] != "test-v1" || body["model_active"] != false {
			t.Errorf("unexpected health %v", body)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var body struct {
			Ready  bool              `json:"ready"`
			Checks map[string]string `json:"checks"`
		}
		json.Unmarshal(rr.Body.Bytes(), &body)
		if !body.Ready || body.Checks["repository"] != "ok" || body.Checks["cache"] != "ok" || body.Checks["bus"] != "ok" {
			t.Errorf("unexpected readiness %+v", body)
		}
	})

	t.Run("NotReadyAfterBusClose", func(t *testing.T) {
		env := newTestEnv(t, defaultServerConfig(), false)
		env.bus.Close()
		rr := env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `ringwatch_http_requests_total{method="GET",route="/health",status_code="200"}`) {
			t.Error("expected request counter for /health")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
		req.Header.Set("Origin", "https://investigator.example")
		rr := env.do(req)
		if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://investigator.example" {
			t.Errorf("unexpected preflight response %d %v", rr.Code, rr.Header())
		}
	})
}

func TestWithoutRepository(t *testing.T) {
	e, err := engine.New(domain.DefaultDetectionConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	server := NewServer(defaultServerConfig(), Deps{Pipeline: worker.NewPipeline(e), Version: "test-v1"})

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, postJSON("/analyze", triangleJSON()))
	if rr.Code != http.StatusOK {
		t.Errorf("expected analysis without storage, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/analyses", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
}

func TestAccountRingsFromGraphStore(t *testing.T) {
	exported := func() *graphstore.MemoryClient {
		client := graphstore.NewMemoryClient()
		client.PushReadResult(graphstore.Result{Records: []graphstore.Record{
			{"ring_id": "RING_002", "analysis_id": "an-9", "pattern": "fan_in", "risk_score": 0.7},
		}})
		return client
	}
	type ringsBody struct {
		Source string `json:"source"`
		Count  int    `json:"count"`
	}
	decode := func(t *testing.T, rr *httptest.ResponseRecorder) ringsBody {
		t.Helper()
		var body ringsBody
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse rings: %v (%s)", err, rr.Body.String())
		}
		return body
	}

	t.Run("FallsBackWhenNothingStored", func(t *testing.T) {
		client := exported()
		env := newTestEnv(t, defaultServerConfig(), false, func(d *Deps) {
			d.Graph = graphstore.NewExporter(client, 0)
		})

		body := decode(t, env.do(httptest.NewRequest(http.MethodGet, "/accounts/X/rings", nil)))
		if body.Source != "graph" || body.Count != 1 {
			t.Errorf("expected 1 ring from the graph store, got %+v", body)
		}
		if reads := client.Reads(); len(reads) != 1 || reads[0].Params["accountId"] != "X" {
			t.Errorf("unexpected graph reads %+v", reads)
		}
	})

	t.Run("RepositoryFirst", func(t *testing.T) {
		client := exported()
		env := newTestEnv(t, defaultServerConfig(), false, func(d *Deps) {
			d.Graph = graphstore.NewExporter(client, 0)
		})
		if rr := env.do(postJSON("/analyze", triangleJSON())); rr.Code != http.StatusOK {
			t.Fatalf("analyze failed: %d %s", rr.Code, rr.Body.String())
		}

		body := decode(t, env.do(httptest.NewRequest(http.MethodGet, "/accounts/B/rings", nil)))
		if body.Source != "repository" || body.Count != 1 {
			t.Errorf("expected 1 stored ring, got %+v", body)
		}
		if reads := client.Reads(); len(reads) != 0 {
			t.Errorf("expected no graph reads, got %d", len(reads))
		}
	})

	t.Run("GraphOnly", func(t *testing.T) {
		env := newTestEnv(t, defaultServerConfig(), false, func(d *Deps) {
			d.Repository = nil
			d.Graph = graphstore.NewExporter(exported(), 0)
		})
		body := decode(t, env.do(httptest.NewRequest(http.MethodGet, "/accounts/X/rings", nil)))
		if body.Source != "graph" || body.Count != 1 {
			t.Errorf("expected graph-only lookup, got %+v", body)
		}
	})

	t.Run("GraphUnavailable", func(t *testing.T) {
		env := newTestEnv(t, defaultServerConfig(), false, func(d *Deps) {
			d.Graph = graphstore.NewExporter(graphstore.NewMemoryClient().WithError(errors.New("down")), 0)
		})
		if rr := env.do(httptest.NewRequest(http.MethodGet, "/accounts/X/rings", nil)); rr.Code != http.StatusBadGateway {
			t.Errorf("expected status 502, got %d", rr.Code)
		}
	})
}
