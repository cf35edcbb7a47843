package assembler

import (
	"encoding/json"
	"math"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// Report is the external JSON document for one detection run. Ring risk is
// converted from [0,1] to an integer 0-100 here.
type Report struct {
	AnalysisID         string          `json:"analysis_id,omitempty"`
	Summary            ReportSummary   `json:"summary"`
	FraudRings         []ReportRing    `json:"fraud_rings"`
	SuspiciousAccounts []ReportAccount `json:"suspicious_accounts"`
	MerchantAccounts   map[string]bool `json:"merchant_accounts"`
}

// ReportSummary is the summary block of a report.
type ReportSummary struct {
	TotalAccounts          int            `json:"total_accounts"`
	TotalTransactions      int            `json:"total_transactions"`
	FraudRingsDetected     int            `json:"fraud_rings_detected"`
	SuspiciousAccounts     int            `json:"suspicious_accounts_count"`
	RingsBySize            map[int]int    `json:"rings_by_size"`
	RingsByPattern         map[string]int `json:"rings_by_pattern"`
	TotalRingAmount        float64        `json:"total_ring_amount"`
	AverageRingRisk        float64        `json:"average_ring_risk"`
	MLModelActive          bool           `json:"ml_model_active"`
	ResultsMayBeIncomplete bool           `json:"results_may_be_incomplete"`
}

// ReportRing is one ring in a report.
type ReportRing struct {
	RingID           string   `json:"ring_id"`
	Pattern          string   `json:"pattern"`
	Members          []string `json:"members"`
	TotalAmount      float64  `json:"total_amount"`
	TransactionCount int      `json:"transaction_count"`
	RiskScore        int      `json:"risk_score"`
	FirstSeen        string   `json:"first_seen"`
	LastSeen         string   `json:"last_seen"`
}

// ReportAccount is one scored account in a report. RuleScore and
// MLProbability are only present when a model was active.
type ReportAccount struct {
	AccountID      string   `json:"account_id"`
	SuspicionScore int      `json:"suspicion_score"`
	RiskLevel      string   `json:"risk_level"`
	InvolvedRings  []string `json:"involved_rings"`
	IsMerchant     bool     `json:"is_merchant"`
	Velocity       int      `json:"velocity"`
	RuleScore      *int     `json:"rule_score,omitempty"`
	MLProbability  *float64 `json:"ml_probability,omitempty"`
}

// BuildReport converts a result into its report form. The output depends
// only on its arguments.
func BuildReport(res *domain.Result, analysisID string) *Report {
	sum := res.Summary
	r := &Report{
		AnalysisID: analysisID,
		Summary: ReportSummary{
			TotalAccounts:          sum.TotalAccounts,
			TotalTransactions:      sum.TotalTransactions,
			FraudRingsDetected:     sum.RingsDetected,
			SuspiciousAccounts:     sum.SuspiciousAccounts,
			RingsBySize:            make(map[int]int, len(sum.RingsBySize)),
			RingsByPattern:         make(map[string]int, len(sum.RingsByPattern)),
			TotalRingAmount:        sum.TotalRingAmount.Round(2).InexactFloat64(),
			AverageRingRisk:        math.Round(sum.AverageRingRisk*10000) / 100,
			MLModelActive:          sum.MLModelActive,
			ResultsMayBeIncomplete: sum.Truncated,
		},
		FraudRings:         make([]ReportRing, 0, len(res.Rings)),
		SuspiciousAccounts: make([]ReportAccount, 0, len(res.Scores)),
		MerchantAccounts:   res.MerchantAccounts,
	}
	if r.MerchantAccounts == nil {
		r.MerchantAccounts = map[string]bool{}
	}
	for size, n := range sum.RingsBySize {
		r.Summary.RingsBySize[size] = n
	}
	for p, n := range sum.RingsByPattern {
		r.Summary.RingsByPattern[string(p)] = n
	}

	for _, ring := range res.Rings {
		r.FraudRings = append(r.FraudRings, ToReportRing(ring))
	}

	for _, s := range res.Scores {
		acct := ReportAccount{
			AccountID:      s.AccountID,
			SuspicionScore: s.SuspicionScore,
			RiskLevel:      string(s.RiskLevel),
			InvolvedRings:  s.InvolvedRings,
			IsMerchant:     s.IsMerchant,
			Velocity:       s.Velocity,
		}
		if acct.InvolvedRings == nil {
			acct.InvolvedRings = []string{}
		}
		if sum.MLModelActive {
			rule := s.RuleScore
			p := 0.0
			if s.MLProbability != nil {
				p = *s.MLProbability
			}
			acct.RuleScore = &rule
			acct.MLProbability = &p
		}
		r.SuspiciousAccounts = append(r.SuspiciousAccounts, acct)
	}

	return r
}

// ToReportRing converts one ring into its report form.
func ToReportRing(ring domain.Ring) ReportRing {
	return ReportRing{
		RingID:           ring.ID,
		Pattern:          string(ring.Pattern),
		Members:          ring.Members,
		TotalAmount:      ring.TotalAmount.Round(2).InexactFloat64(),
		TransactionCount: ring.TransactionCount,
		RiskScore:        RiskPercent(ring.RiskScore),
		FirstSeen:        ring.FirstSeen.UTC().Format(time.RFC3339),
		LastSeen:         ring.LastSeen.UTC().Format(time.RFC3339),
	}
}

// RiskPercent converts a [0,1] ring risk into an integer 0-100.
func RiskPercent(risk float64) int {
	v := math.Round(risk * 100)
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(v)
	}
}

// Marshal encodes the report. Map keys are emitted in sorted order, so the
// output is byte-stable for a given report.
func (r *Report) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
