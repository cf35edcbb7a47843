package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pattern identifies the laundering topology a ring matches.
type Pattern string

const (
	// PatternCycle is a closed loop of 3-5 accounts.
	PatternCycle Pattern = "cycle"

	// PatternFanIn is many distinct senders converging on one account in a short window.
	PatternFanIn Pattern = "fan_in"

	// PatternFanOut is one account dispersing to many distinct receivers in a short window.
	PatternFanOut Pattern = "fan_out"

	// PatternLayered is a pass-through chain with slowly shrinking amounts.
	PatternLayered Pattern = "layered"
)

// Patterns lists every pattern in report order.
var Patterns = []Pattern{PatternCycle, PatternFanIn, PatternFanOut, PatternLayered}

// Ring is a cluster of accounts exhibiting one suspicious pattern.
// Members are ordered: traversal order for cycles, source to sink for
// layered chains, hub first for fan structures.
type Ring struct {
	ID               string          `json:"ring_id"`
	Pattern          Pattern         `json:"pattern"`
	Members          []string        `json:"members"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TransactionCount int             `json:"transaction_count"`
	RiskScore        float64         `json:"risk_score"`
	FirstSeen        time.Time       `json:"first_seen"`
	LastSeen         time.Time       `json:"last_seen"`
}

// Key identifies a ring by pattern and member set, ignoring member order.
// Two rings with the same key are duplicates.
func (r *Ring) Key() string {
	members := append([]string(nil), r.Members...)
	sort.Strings(members)
	return string(r.Pattern) + "|" + strings.Join(members, ",")
}

// Span returns the time between the first and last transaction in the ring.
func (r *Ring) Span() time.Duration {
	return r.LastSeen.Sub(r.FirstSeen)
}

// RiskLevel is a coarse triage bucket derived from a suspicion score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// LevelFor maps a 0-100 suspicion score to a risk level.
func LevelFor(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskHigh
	case score >= 50:
		return RiskMedium
	default:
		return RiskLow
	}
}

// SuspicionScore is the per-account triage result.
type SuspicionScore struct {
	AccountID      string    `json:"account_id"`
	RuleScore      int       `json:"rule_score"`
	MLProbability  *float64  `json:"ml_probability,omitempty"`
	SuspicionScore int       `json:"suspicion_score"`
	RiskLevel      RiskLevel `json:"risk_level"`
	InvolvedRings  []string  `json:"involved_rings"`
	IsMerchant     bool      `json:"is_merchant"`
	Velocity       int       `json:"velocity"`
}

// ProbabilityFunc returns the model probability for an account, or false
// when no probability is available for it.
type ProbabilityFunc func(accountID string) (float64, bool)

// Summary aggregates a detection run.
type Summary struct {
	TotalAccounts      int             `json:"total_accounts"`
	TotalTransactions  int             `json:"total_transactions"`
	RingsDetected      int             `json:"fraud_rings_detected"`
	SuspiciousAccounts int             `json:"suspicious_accounts_count"`
	RingsBySize        map[int]int     `json:"rings_by_size"`
	RingsByPattern     map[Pattern]int `json:"rings_by_pattern"`
	TotalRingAmount    decimal.Decimal `json:"total_ring_amount"`
	AverageRingRisk    float64         `json:"average_ring_risk"`
	MLModelActive      bool            `json:"ml_model_active"`
	Truncated          bool            `json:"results_may_be_incomplete"`
}

// Result is the complete output of one detection run.
type Result struct {
	Rings            []Ring           `json:"fraud_rings"`
	Scores           []SuspicionScore `json:"suspicious_accounts"`
	MerchantAccounts map[string]bool  `json:"merchant_accounts"`
	Summary          Summary          `json:"summary"`
}
