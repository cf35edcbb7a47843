// Package assembler deduplicates, orders and packages detection results.
// Every function here is pure: the same input always yields the same
// output.
package assembler

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// Dedup merges rings that share a pattern and member set, keeping the one
// with the higher risk score. Ties keep the ring whose member order sorts
// first. The survivors keep the order of their first appearance.
func Dedup(rings []domain.Ring) []domain.Ring {
	best := make(map[string]int, len(rings))
	out := make([]domain.Ring, 0, len(rings))

	for _, r := range rings {
		key := r.Key()
		idx, ok := best[key]
		if !ok {
			best[key] = len(out)
			out = append(out, r)
			continue
		}
		cur := out[idx]
		if r.RiskScore > cur.RiskScore ||
			(r.RiskScore == cur.RiskScore && strings.Join(r.Members, ",") < strings.Join(cur.Members, ",")) {
			out[idx] = r
		}
	}
	return out
}

// SortRings orders rings by descending risk, then pattern, then members,
// and assigns sequential IDs RING_001, RING_002, ...
func SortRings(rings []domain.Ring) {
	slices.SortStableFunc(rings, func(a, b domain.Ring) int {
		if c := cmp.Compare(b.RiskScore, a.RiskScore); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Pattern, b.Pattern); c != 0 {
			return c
		}
		return slices.Compare(a.Members, b.Members)
	})
	for i := range rings {
		rings[i].ID = RingID(i + 1)
	}
}

// RingID formats the n-th ring identifier.
func RingID(n int) string {
	return fmt.Sprintf("RING_%03d", n)
}

// SortScores orders scores by descending suspicion, then account ID.
func SortScores(scores []domain.SuspicionScore) {
	slices.SortStableFunc(scores, func(a, b domain.SuspicionScore) int {
		if c := cmp.Compare(b.SuspicionScore, a.SuspicionScore); c != 0 {
			return c
		}
		return cmp.Compare(a.AccountID, b.AccountID)
	})
}

// Input is everything Assemble needs besides the rings and scores.
type Input struct {
	TotalAccounts     int
	TotalTransactions int
	MLModelActive     bool
	Truncated         bool
}

// Assemble packages already sorted rings and scores into a Result.
func Assemble(rings []domain.Ring, scores []domain.SuspicionScore, in Input) *domain.Result {
	if rings == nil {
		rings = []domain.Ring{}
	}
	if scores == nil {
		scores = []domain.SuspicionScore{}
	}

	merchants := make(map[string]bool, len(scores))
	for _, s := range scores {
		merchants[s.AccountID] = s.IsMerchant
	}

	return &domain.Result{
		Rings:            rings,
		Scores:           scores,
		MerchantAccounts: merchants,
		Summary:          Summarize(rings, scores, in),
	}
}

// Summarize computes run aggregates. Empty input yields zero counts.
func Summarize(rings []domain.Ring, scores []domain.SuspicionScore, in Input) domain.Summary {
	s := domain.Summary{
		TotalAccounts:      in.TotalAccounts,
		TotalTransactions:  in.TotalTransactions,
		RingsDetected:      len(rings),
		SuspiciousAccounts: len(scores),
		RingsBySize:        make(map[int]int),
		RingsByPattern:     make(map[domain.Pattern]int),
		TotalRingAmount:    decimal.Zero,
		MLModelActive:      in.MLModelActive,
		Truncated:          in.Truncated,
	}

	risk := 0.0
	for _, r := range rings {
		s.RingsBySize[len(r.Members)]++
		s.RingsByPattern[r.Pattern]++
		s.TotalRingAmount = s.TotalRingAmount.Add(r.TotalAmount)
		risk += r.RiskScore
	}
	if len(rings) > 0 {
		s.AverageRingRisk = round4(risk / float64(len(rings)))
	}
	return s
}
