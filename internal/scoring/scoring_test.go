package scoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func ring(p domain.Pattern, members int, total int64, span time.Duration) domain.Ring {
	r := domain.Ring{
		Pattern:     p,
		TotalAmount: decimal.NewFromInt(total),
		FirstSeen:   t0,
		LastSeen:    t0.Add(span),
	}
	for i := 0; i < members; i++ {
		r.Members = append(r.Members, fmt.Sprintf("M%d", i))
	}
	return r
}

func TestRingScore(t *testing.T) {
	s := NewRingScorer(domain.DefaultDetectionConfig().RingRisk)

	tests := []struct {
		name string
		ring domain.Ring
		want float64
	}{
		{"FanInBaseOnly", ring(domain.PatternFanIn, 5, 0, 72*time.Hour), 0.40},
		{"CycleSaturates", ring(domain.PatternCycle, 3, 1000000, 0), 1.0},
		{"LayeredMemberPenalty", ring(domain.PatternLayered, 10, 0, 100*time.Hour), 0.45},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Score(tt.ring); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRingScoreOrdering(t *testing.T) {
	s := NewRingScorer(domain.DefaultDetectionConfig().RingRisk)

	cycle := s.Score(ring(domain.PatternCycle, 3, 5000, time.Hour))
	fan := s.Score(ring(domain.PatternFanIn, 3, 5000, time.Hour))
	if cycle <= fan {
		t.Errorf("expected cycle (%v) to outrank fan-in (%v)", cycle, fan)
	}

	fast := s.Score(ring(domain.PatternCycle, 3, 5000, time.Hour))
	slow := s.Score(ring(domain.PatternCycle, 3, 5000, 48*time.Hour))
	if fast <= slow {
		t.Errorf("expected tight span (%v) to outrank loose span (%v)", fast, slow)
	}

	small := s.Score(ring(domain.PatternLayered, 4, 500, 48*time.Hour))
	large := s.Score(ring(domain.PatternLayered, 4, 50000, 48*time.Hour))
	if large <= small {
		t.Errorf("expected larger amount (%v) to outrank smaller (%v)", large, small)
	}
}

func TestRingScoreBounds(t *testing.T) {
	s := NewRingScorer(domain.DefaultDetectionConfig().RingRisk)
	for _, p := range domain.Patterns {
		for _, members := range []int{3, 15, 200} {
			for _, total := range []int64{0, 1, 1 << 40} {
				got := s.Score(ring(p, members, total, 0))
				if got < 0 || got > 1 {
					t.Fatalf("%s members=%d total=%d: score %v out of [0,1]", p, members, total, got)
				}
			}
		}
	}
}

func TestRuleScore(t *testing.T) {
	s := NewAccountScorer(domain.DefaultDetectionConfig().Suspicion)

	tests := []struct {
		name     string
		risk     float64
		velocity int
		merchant bool
		want     int
	}{
		{"RingOnly", 0.873, 1, false, 87},
		{"ModerateVelocity", 0, 7, false, 10},
		{"HighVelocity", 0, 11, false, 20},
		{"ThresholdNotExceeded", 0, 5, false, 0},
		{"ClampedHigh", 1.0, 30, false, 100},
		{"MerchantPenalty", 1.0, 1, true, 50},
		{"ClampedLow", 0.2, 1, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.RuleScore(tt.risk, tt.velocity, tt.merchant); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestBlend(t *testing.T) {
	s := NewAccountScorer(domain.DefaultDetectionConfig().Suspicion)

	if got := s.Blend(100, 0); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
	if got := s.Blend(50, 1); got != 70 {
		t.Errorf("expected 70, got %d", got)
	}
	if got := s.Blend(100, 7); got != 100 {
		t.Errorf("expected out-of-range probability clamped, got %d", got)
	}
}

func TestAccountScoreCandidates(t *testing.T) {
	var txs []domain.Transaction
	// V sends 7 transfers within the hour
	for i := 0; i < 7; i++ {
		txs = append(txs, domain.Transaction{
			ID:        fmt.Sprintf("v%d", i),
			Sender:    "V",
			Receiver:  fmt.Sprintf("R%d", i),
			Amount:    decimal.NewFromInt(50),
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	txs = append(txs,
		domain.Transaction{ID: "q1", Sender: "Q1", Receiver: "Q2", Amount: decimal.NewFromInt(10), Timestamp: t0},
	)
	g := graph.Build(txs, time.Hour)

	rings := []domain.Ring{
		{ID: "RING_002", Pattern: domain.PatternCycle, Members: []string{"R1", "R2", "R3"}, RiskScore: 0.7},
		{ID: "RING_001", Pattern: domain.PatternLayered, Members: []string{"R1", "R4", "R5", "R6"}, RiskScore: 0.9},
	}

	scores := NewAccountScorer(domain.DefaultDetectionConfig().Suspicion).Score(g, rings, nil)

	byID := make(map[string]domain.SuspicionScore)
	for _, sc := range scores {
		byID[sc.AccountID] = sc
	}

	if _, ok := byID["Q1"]; ok {
		t.Error("accounts without signal must not be scored")
	}
	if len(scores) != 7 {
		t.Fatalf("expected 7 scored accounts (V plus 6 ring members), got %d", len(scores))
	}

	v := byID["V"]
	if v.RuleScore != 10 || v.RiskLevel != domain.RiskLow || len(v.InvolvedRings) != 0 {
		t.Errorf("unexpected score for V: %+v", v)
	}

	r1 := byID["R1"]
	if r1.SuspicionScore != 90 || r1.RiskLevel != domain.RiskHigh {
		t.Errorf("expected R1 scored from its riskiest ring, got %+v", r1)
	}
	if len(r1.InvolvedRings) != 2 || r1.InvolvedRings[0] != "RING_001" || r1.InvolvedRings[1] != "RING_002" {
		t.Errorf("expected sorted involved rings, got %v", r1.InvolvedRings)
	}
	if r1.MLProbability != nil {
		t.Error("expected no ML probability without a model")
	}
}

func TestAccountScoreWithProbability(t *testing.T) {
	g := graph.Build([]domain.Transaction{
		{ID: "t1", Sender: "A", Receiver: "B", Amount: decimal.NewFromInt(100), Timestamp: t0},
	}, time.Hour)
	rings := []domain.Ring{{ID: "RING_001", Pattern: domain.PatternCycle, Members: []string{"A", "B"}, RiskScore: 1.0}}

	prob := func(id string) (float64, bool) {
		if id == "A" {
			return 0.25, true
		}
		return 0, false
	}

	scores := NewAccountScorer(domain.DefaultDetectionConfig().Suspicion).Score(g, rings, prob)
	if len(scores) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(scores))
	}

	a, b := scores[0], scores[1]
	if a.MLProbability == nil || *a.MLProbability != 0.25 {
		t.Fatalf("expected probability on A, got %+v", a)
	}
	if a.RuleScore != 100 || a.SuspicionScore != 70 || a.RiskLevel != domain.RiskMedium {
		t.Errorf("unexpected blended score for A: %+v", a)
	}
	if b.MLProbability != nil || b.SuspicionScore != 100 {
		t.Errorf("expected rule-only score for B, got %+v", b)
	}
}

func TestMerchantProfileStaysBelowHigh(t *testing.T) {
	// 200 inbound transfers from 150 senders spread over 100 days
	var txs []domain.Transaction
	for i := 0; i < 200; i++ {
		txs = append(txs, domain.Transaction{
			ID:        fmt.Sprintf("m%d", i),
			Sender:    fmt.Sprintf("C%03d", i%150),
			Receiver:  "SHOP",
			Amount:    decimal.NewFromInt(80),
			Timestamp: t0.Add(time.Duration(i/2)*24*time.Hour + time.Duration(i%2)*time.Hour),
		})
	}
	g := graph.Build(txs, time.Hour)
	shop, _ := g.Lookup("SHOP")
	g.SetMerchant(shop, true)

	s := NewAccountScorer(domain.DefaultDetectionConfig().Suspicion)

	if scores := s.Score(g, nil, nil); len(scores) != 0 {
		t.Fatalf("expected no scored accounts without rings, got %+v", scores)
	}

	// Even inside the riskiest possible ring the merchant stays below HIGH.
	rings := []domain.Ring{{ID: "RING_001", Pattern: domain.PatternFanIn, Members: []string{"SHOP", "C000"}, RiskScore: 1.0}}
	for _, sc := range s.Score(g, rings, nil) {
		if sc.AccountID != "SHOP" {
			continue
		}
		if !sc.IsMerchant || sc.SuspicionScore >= 80 {
			t.Errorf("expected merchant suppressed below HIGH, got %+v", sc)
		}
		return
	}
	t.Fatal("SHOP was not scored")
}
