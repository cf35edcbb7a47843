// Package scoring turns detected rings and account statistics into
// bounded, explainable risk numbers.
package scoring

import (
	"math"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// RingScorer assigns a risk score in [0,1] to a ring.
type RingScorer struct {
	cfg domain.RingRiskConfig
}

// NewRingScorer creates a ring scorer.
func NewRingScorer(cfg domain.RingRiskConfig) *RingScorer {
	if cfg.AmountScale <= 0 {
		cfg.AmountScale = 100000
	}
	return &RingScorer{cfg: cfg}
}

// Score returns the ring's risk:
//
//	clamp(base[pattern] + amount + velocity - member penalty, 0, 1)
//
// rounded to 4 decimals.
func (s *RingScorer) Score(r domain.Ring) float64 {
	base := s.cfg.Base[r.Pattern]

	total := r.TotalAmount.InexactFloat64()
	amount := 0.0
	if total > 0 {
		amount = s.cfg.AmountWeight * clamp01(math.Log10(1+total)/math.Log10(1+s.cfg.AmountScale))
	}

	velocity := 0.0
	if s.cfg.VelocitySpan > 0 {
		ratio := float64(r.Span()) / float64(s.cfg.VelocitySpan)
		velocity = s.cfg.VelocityWeight * (1 - clamp01(ratio))
	}

	penalty := 0.0
	if extra := len(r.Members) - s.cfg.FreeMembers; extra > 0 {
		penalty = s.cfg.MemberPenalty * float64(extra)
	}

	return round4(clamp01(base + amount + velocity - penalty))
}

// ScoreAll sets RiskScore on every ring in place.
func (s *RingScorer) ScoreAll(rings []domain.Ring) {
	for i := range rings {
		rings[i].RiskScore = s.Score(rings[i])
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
