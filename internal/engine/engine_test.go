package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/ml"
	"github.com/opensource-finance/ringwatch/internal/sample"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func tx(id, from, to string, amount int64, offset time.Duration) domain.Transaction {
	return domain.Transaction{
		ID:        id,
		Sender:    from,
		Receiver:  to,
		Amount:    decimal.NewFromInt(amount),
		Timestamp: t0.Add(offset),
	}
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(domain.DefaultDetectionConfig(), opts...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func TestAnalyzeTriangle(t *testing.T) {
	e := newEngine(t)
	res, g, err := e.Analyze(context.Background(), []domain.Transaction{
		tx("t1", "A", "B", 100, 0),
		tx("t2", "B", "C", 100, 10*time.Minute),
		tx("t3", "C", "A", 100, 20*time.Minute),
	})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if g.NumAccounts() != 3 {
		t.Errorf("expected 3 accounts, got %d", g.NumAccounts())
	}

	if len(res.Rings) != 1 {
		t.Fatalf("expected exactly one ring, got %+v", res.Rings)
	}
	r := res.Rings[0]
	if r.ID != "RING_001" || r.Pattern != domain.PatternCycle || !slices.Equal(r.Members, []string{"A", "B", "C"}) {
		t.Errorf("unexpected ring %+v", r)
	}
	if !r.TotalAmount.Equal(decimal.NewFromInt(300)) || r.TransactionCount != 3 {
		t.Errorf("unexpected ring totals %+v", r)
	}

	if len(res.Scores) != 3 {
		t.Fatalf("expected 3 scored accounts, got %d", len(res.Scores))
	}
	for _, s := range res.Scores {
		if !slices.Equal(s.InvolvedRings, []string{"RING_001"}) {
			t.Errorf("expected %s in RING_001, got %v", s.AccountID, s.InvolvedRings)
		}
		if s.SuspicionScore != int(r.RiskScore*100+0.5) {
			t.Errorf("expected score from ring risk %v, got %d", r.RiskScore, s.SuspicionScore)
		}
	}
	if res.Summary.RingsDetected != 1 || res.Summary.TotalTransactions != 3 || res.Summary.MLModelActive {
		t.Errorf("unexpected summary %+v", res.Summary)
	}
}

func TestAnalyzeFanIn(t *testing.T) {
	var txs []domain.Transaction
	for i := 1; i <= 6; i++ {
		txs = append(txs, tx(fmt.Sprintf("t%d", i), fmt.Sprintf("S%d", i), "H", 500, time.Duration(i)*time.Hour))
	}

	res, _, err := newEngine(t).Analyze(context.Background(), txs)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(res.Rings) != 1 || res.Rings[0].Pattern != domain.PatternFanIn || len(res.Rings[0].Members) != 7 {
		t.Fatalf("expected a single 7-member fan-in ring, got %+v", res.Rings)
	}

	few, _, err := newEngine(t).Analyze(context.Background(), txs[:3])
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(few.Rings) != 0 || len(few.Scores) != 0 {
		t.Errorf("expected no findings for 3 senders, got %+v", few)
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	res, _, err := newEngine(t).Analyze(context.Background(), nil)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(res.Rings) != 0 || len(res.Scores) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
	if res.Summary.TotalAccounts != 0 || res.Summary.RingsDetected != 0 || res.Summary.Truncated {
		t.Errorf("expected zero summary, got %+v", res.Summary)
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	cfg := sample.DefaultConfig()
	cfg.Accounts = 300
	cfg.Transactions = 3000
	cfg.Cycles = 10
	cfg.SmurfingGroups = 10
	cfg.LayeredChains = 10
	ds := sample.Generate(cfg)

	e := newEngine(t)
	first, _, err := e.Analyze(context.Background(), ds.Transactions)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	second, _, err := e.Analyze(context.Background(), ds.Transactions)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if !bytes.Equal(a, b) {
		t.Fatal("expected byte-identical results for identical input")
	}

	found := map[domain.Pattern]bool{}
	for _, r := range first.Rings {
		found[r.Pattern] = true
		if r.RiskScore < 0 || r.RiskScore > 1 {
			t.Errorf("ring %s risk %v out of bounds", r.ID, r.RiskScore)
		}
	}
	for _, p := range []domain.Pattern{domain.PatternCycle, domain.PatternFanIn, domain.PatternFanOut, domain.PatternLayered} {
		if !found[p] {
			t.Errorf("expected planted %s rings to be found", p)
		}
	}
	for _, s := range first.Scores {
		if s.SuspicionScore < 0 || s.SuspicionScore > 100 {
			t.Errorf("account %s score %d out of bounds", s.AccountID, s.SuspicionScore)
		}
	}
}

func TestAnalyzeDenseGraphBounded(t *testing.T) {
	var txs []domain.Transaction
	const n = 14
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				txs = append(txs, tx(fmt.Sprintf("t%d-%d", i, j), fmt.Sprintf("N%02d", i), fmt.Sprintf("N%02d", j), 1000, time.Duration(i*n+j)*time.Minute))
			}
		}
	}

	cfg := domain.DefaultDetectionConfig()
	cfg.Cycle.MaxCyclesPerStart = 50
	cfg.Cycle.MaxPathsPerStart = 2000
	cfg.Layering.MaxPathsPerStart = 2000
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	res, _, err := e.Analyze(context.Background(), txs)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if !res.Summary.Truncated {
		t.Error("expected truncation on a complete graph")
	}
	for _, s := range res.Scores {
		if s.SuspicionScore < 0 || s.SuspicionScore > 100 {
			t.Fatalf("account %s score %d out of bounds", s.AccountID, s.SuspicionScore)
		}
	}
}

func TestAnalyzeWithModel(t *testing.T) {
	names := ml.FeatureNames
	model := &ml.Model{
		Features: names,
		Mean:     make([]float64, len(names)),
		Scale:    make([]float64, len(names)),
		Weights:  make([]float64, len(names)),
	}

	e := newEngine(t, WithModel(model))
	if !e.ModelActive() {
		t.Fatal("expected model active")
	}

	res, _, err := e.Analyze(context.Background(), []domain.Transaction{
		tx("t1", "A", "B", 100, 0),
		tx("t2", "B", "C", 100, 10*time.Minute),
		tx("t3", "C", "A", 100, 20*time.Minute),
	})
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if !res.Summary.MLModelActive {
		t.Error("expected summary to report active model")
	}
	for _, s := range res.Scores {
		if s.MLProbability == nil || *s.MLProbability != 0.5 {
			t.Fatalf("expected probability 0.5, got %+v", s)
		}
		want := int(0.6*float64(s.RuleScore) + 20 + 0.5)
		if s.SuspicionScore != want {
			t.Errorf("expected blended score %d, got %d", want, s.SuspicionScore)
		}
	}
}

func TestNewRejectsBadMerchantExpression(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.Merchant.Expression = "tx_count >"
	if _, err := New(cfg); err == nil {
		t.Error("expected compile error")
	}
}

func TestAnalyzeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := newEngine(t).Analyze(ctx, []domain.Transaction{tx("t1", "A", "B", 100, 0)}); err == nil {
		t.Error("expected context error")
	}
}
