package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAnalysis(t *testing.T) {
	m := New()
	res := &domain.Result{
		Rings: []domain.Ring{
			{Pattern: domain.PatternCycle},
			{Pattern: domain.PatternCycle},
			{Pattern: domain.PatternFanIn},
		},
		Scores: []domain.SuspicionScore{
			{RiskLevel: domain.RiskHigh},
			{RiskLevel: domain.RiskLow},
		},
		Summary: domain.Summary{TotalTransactions: 40, Truncated: true},
	}

	m.RecordAnalysis("api", res, 250*time.Millisecond)
	m.RecordAnalysisFailure("worker")

	if got := testutil.ToFloat64(m.ringsTotal.WithLabelValues("cycle")); got != 2 {
		t.Errorf("expected 2 cycle rings, got %v", got)
	}
	if got := testutil.ToFloat64(m.transactionsTotal); got != 40 {
		t.Errorf("expected 40 transactions, got %v", got)
	}
	if got := testutil.ToFloat64(m.analysisTruncated); got != 1 {
		t.Errorf("expected 1 truncated run, got %v", got)
	}
	if got := testutil.ToFloat64(m.analysesTotal.WithLabelValues("worker", "failed")); got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.suspiciousAccounts.WithLabelValues("HIGH")); got != 1 {
		t.Errorf("expected 1 HIGH account, got %v", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// two instances must not collide on registration
	a, b := New(), New()
	a.RecordCacheLookup(true)
	b.RecordCacheLookup(false)
	b.RecordGraphExport(errors.New("down"))

	if got := testutil.ToFloat64(a.cacheLookupsTotal.WithLabelValues("hit")); got != 1 {
		t.Errorf("expected 1 hit on a, got %v", got)
	}
	if got := testutil.ToFloat64(b.cacheLookupsTotal.WithLabelValues("hit")); got != 0 {
		t.Errorf("expected 0 hits on b, got %v", got)
	}
	if got := testutil.ToFloat64(b.graphExportsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 export error on b, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordHTTPRequest(http.MethodPost, "/analyze", http.StatusOK, 10*time.Millisecond)
	m.RecordRateLimited()
	m.RecordRejectedRows(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`ringwatch_http_requests_total{method="POST",route="/analyze",status_code="200"} 1`,
		"ringwatch_rate_limited_total 1",
		"ringwatch_rejected_rows_total 3",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}
