// Package ml provides the optional account classifier: per-account feature
// extraction, rule-derived training labels and a logistic model whose
// probability is blended into the suspicion score.
package ml

import (
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/velocity"
	"github.com/shopspring/decimal"
)

// Label thresholds.
const (
	LayeringDepthThreshold = 3
	RingSizeThreshold      = 3
	MerchantTxThreshold    = 200
)

// FeatureNames lists the model inputs in vector order.
var FeatureNames = []string{
	"total_transactions",
	"total_amount_sent",
	"avg_transaction_amount",
	"unique_receivers",
	"unique_senders",
	"max_transactions_per_hour",
	"smurfing_flag",
	"layering_depth",
	"cycle_count",
	"ring_size",
	"merchant_flag",
}

// Features is one account's feature row. Label is only meaningful in a
// training dataset.
type Features struct {
	AccountID              string  `json:"account_id"`
	TotalTransactions      int     `json:"total_transactions"`
	TotalAmountSent        float64 `json:"total_amount_sent"`
	AvgTransactionAmount   float64 `json:"avg_transaction_amount"`
	UniqueReceivers        int     `json:"unique_receivers"`
	UniqueSenders          int     `json:"unique_senders"`
	MaxTransactionsPerHour int     `json:"max_transactions_per_hour"`
	SmurfingFlag           int     `json:"smurfing_flag"`
	LayeringDepth          int     `json:"layering_depth"`
	CycleCount             int     `json:"cycle_count"`
	RingSize               int     `json:"ring_size"`
	MerchantFlag           int     `json:"merchant_flag"`
	Label                  int     `json:"label"`
}

// Vector returns the features in FeatureNames order.
func (f *Features) Vector() []float64 {
	return []float64{
		float64(f.TotalTransactions),
		f.TotalAmountSent,
		f.AvgTransactionAmount,
		float64(f.UniqueReceivers),
		float64(f.UniqueSenders),
		float64(f.MaxTransactionsPerHour),
		float64(f.SmurfingFlag),
		float64(f.LayeringDepth),
		float64(f.CycleCount),
		float64(f.RingSize),
		float64(f.MerchantFlag),
	}
}

// Suspicious reports the rule-derived training label.
func (f *Features) Suspicious() bool {
	return f.SmurfingFlag == 1 ||
		f.CycleCount > 0 ||
		f.LayeringDepth >= LayeringDepthThreshold ||
		f.RingSize >= RingSizeThreshold
}

type ringInfo struct {
	smurfing      bool
	layeringDepth int
	cycles        int
	largest       int
}

// Extract computes one feature row per account, in ascending ID order.
// rings are the detected rings for the same graph.
func Extract(g *graph.Graph, rings []domain.Ring) []Features {
	info := make(map[string]*ringInfo)
	for _, r := range rings {
		for _, m := range r.Members {
			ri := info[m]
			if ri == nil {
				ri = &ringInfo{}
				info[m] = ri
			}
			switch r.Pattern {
			case domain.PatternFanIn, domain.PatternFanOut:
				ri.smurfing = true
			case domain.PatternCycle:
				ri.cycles++
			case domain.PatternLayered:
				ri.layeringDepth = max(ri.layeringDepth, len(r.Members)-1)
			}
			ri.largest = max(ri.largest, len(r.Members))
		}
	}

	rows := make([]Features, 0, g.NumAccounts())
	for _, i := range g.Sorted() {
		acct := g.Account(i)
		s := acct.Stats

		sent := make([]time.Time, len(acct.Out))
		for k, e := range acct.Out {
			sent[k] = g.Edge(e).Timestamp
		}

		f := Features{
			AccountID:              acct.ID,
			TotalTransactions:      s.OutDegree + s.InDegree,
			TotalAmountSent:        s.TotalOut.Round(2).InexactFloat64(),
			UniqueReceivers:        s.UniqueReceivers,
			UniqueSenders:          s.UniqueSenders,
			MaxTransactionsPerHour: velocity.MaxPerBucket(sent, time.Hour),
		}
		if s.OutDegree > 0 {
			f.AvgTransactionAmount = s.TotalOut.Div(decimal.NewFromInt(int64(s.OutDegree))).Round(2).InexactFloat64()
		}
		if f.TotalTransactions > MerchantTxThreshold {
			f.MerchantFlag = 1
		}
		if ri := info[acct.ID]; ri != nil {
			if ri.smurfing {
				f.SmurfingFlag = 1
			}
			f.LayeringDepth = ri.layeringDepth
			f.CycleCount = ri.cycles
			f.RingSize = ri.largest
		}
		rows = append(rows, f)
	}
	return rows
}

// Dataset extracts features and attaches the rule-derived label to each row.
func Dataset(g *graph.Graph, rings []domain.Ring) []Features {
	rows := Extract(g, rings)
	for i := range rows {
		if rows[i].Suspicious() {
			rows[i].Label = 1
		}
	}
	return rows
}
