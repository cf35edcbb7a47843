package scoring

import (
	"math"
	"sort"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
)

// AccountScorer combines ring membership, velocity, the merchant gate and
// an optional model probability into a 0-100 suspicion score.
//
// The merchant penalty is a heuristic. An account that imitates merchant
// volume is discounted too, so it is a known source of false negatives.
type AccountScorer struct {
	cfg domain.SuspicionConfig
}

// NewAccountScorer creates an account scorer.
func NewAccountScorer(cfg domain.SuspicionConfig) *AccountScorer {
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.6
	}
	return &AccountScorer{cfg: cfg}
}

// Score returns a suspicion score for every account that belongs to at
// least one ring or whose velocity exceeds the threshold. Rings must
// already carry their IDs and risk scores. prob may be nil.
// Scores are returned in ascending account ID order.
func (s *AccountScorer) Score(g *graph.Graph, rings []domain.Ring, prob domain.ProbabilityFunc) []domain.SuspicionScore {
	maxRisk := make(map[string]float64)
	involved := make(map[string][]string)
	for _, r := range rings {
		for _, m := range r.Members {
			if cur, ok := maxRisk[m]; !ok || r.RiskScore > cur {
				maxRisk[m] = r.RiskScore
			}
			involved[m] = append(involved[m], r.ID)
		}
	}

	var scores []domain.SuspicionScore
	for _, i := range g.Sorted() {
		acct := g.Account(i)
		risk, inRing := maxRisk[acct.ID]
		if !inRing && acct.Stats.Velocity <= s.cfg.VelocityThreshold {
			continue
		}

		rule := s.RuleScore(risk, acct.Stats.Velocity, acct.Stats.Merchant)

		score := domain.SuspicionScore{
			AccountID:      acct.ID,
			RuleScore:      rule,
			SuspicionScore: rule,
			InvolvedRings:  uniqueSorted(involved[acct.ID]),
			IsMerchant:     acct.Stats.Merchant,
			Velocity:       acct.Stats.Velocity,
		}
		if prob != nil {
			if p, ok := prob(acct.ID); ok {
				p = clamp01(p)
				score.MLProbability = &p
				score.SuspicionScore = s.Blend(rule, p)
			}
		}
		score.RiskLevel = domain.LevelFor(score.SuspicionScore)
		scores = append(scores, score)
	}
	return scores
}

// RuleScore computes the rule-based score from the highest ring risk the
// account is involved in, its velocity and its merchant flag.
func (s *AccountScorer) RuleScore(maxRingRisk float64, velocity int, merchant bool) int {
	v := 100*clamp01(maxRingRisk) + float64(s.velocityBonus(velocity))
	if merchant {
		v -= float64(s.cfg.MerchantPenalty)
	}
	return clampScore(math.Round(v))
}

// Blend mixes a rule score with a model probability using the configured
// alpha.
func (s *AccountScorer) Blend(rule int, p float64) int {
	v := s.cfg.Alpha*float64(rule) + (1-s.cfg.Alpha)*100*clamp01(p)
	return clampScore(math.Round(v))
}

func (s *AccountScorer) velocityBonus(velocity int) int {
	switch {
	case velocity > s.cfg.VelocityHighThreshold:
		return s.cfg.VelocityHighBonus
	case velocity > s.cfg.VelocityThreshold:
		return s.cfg.VelocityBonus
	default:
		return 0
	}
}

func clampScore(v float64) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v)
}

func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
