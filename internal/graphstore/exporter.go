package graphstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
)

const defaultBatchSize = 500

const upsertAccountsCypher = `
UNWIND $rows AS row
MERGE (a:Account {id: row.id})
SET a.tx_count = row.tx_count,
    a.total_in = row.total_in,
    a.total_out = row.total_out,
    a.velocity = row.velocity,
    a.is_merchant = row.is_merchant,
    a.suspicion_score = row.suspicion_score,
    a.risk_level = row.risk_level,
    a.last_analysis = $analysisId`

const upsertTransfersCypher = `
UNWIND $rows AS row
MATCH (s:Account {id: row.sender})
MATCH (r:Account {id: row.receiver})
MERGE (s)-[t:TRANSFERRED {tx_id: row.tx_id, analysis_id: $analysisId}]->(r)
SET t.amount = row.amount,
    t.timestamp = datetime(row.timestamp)`

const upsertRingsCypher = `
UNWIND $rows AS row
MERGE (g:Ring {id: row.id, analysis_id: $analysisId})
SET g.pattern = row.pattern,
    g.risk_score = row.risk_score,
    g.total_amount = row.total_amount,
    g.transaction_count = row.transaction_count
WITH g, row
UNWIND range(0, size(row.members) - 1) AS pos
MATCH (a:Account {id: row.members[pos]})
MERGE (a)-[m:MEMBER_OF]->(g)
SET m.position = pos`

const ringsForAccountCypher = `
MATCH (a:Account {id: $accountId})-[:MEMBER_OF]->(g:Ring)
RETURN g.id AS ring_id, g.analysis_id AS analysis_id, g.pattern AS pattern, g.risk_score AS risk_score
ORDER BY g.risk_score DESC, g.analysis_id, g.id`

// AccountRing is one ring membership read back from the store.
type AccountRing struct {
	AnalysisID string  `json:"analysis_id"`
	RingID     string  `json:"ring_id"`
	Pattern    string  `json:"pattern"`
	RiskScore  float64 `json:"risk_score"`
}

// Exporter writes analyses to a graph store in fixed-size batches.
type Exporter struct {
	client    Client
	batchSize int
}

// NewExporter creates an exporter. batchSize <= 0 uses the default.
func NewExporter(client Client, batchSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Exporter{client: client, batchSize: batchSize}
}

// Export upserts every account, every transfer and every ring of one
// analysis. Accounts are written first so transfers and memberships can
// match them.
func (e *Exporter) Export(ctx context.Context, analysisID string, g *graph.Graph, res *domain.Result) error {
	if analysisID == "" {
		return errors.New("analysis id is required")
	}

	scores := make(map[string]domain.SuspicionScore, len(res.Scores))
	for _, s := range res.Scores {
		scores[s.AccountID] = s
	}

	accounts := make([]map[string]any, 0, g.NumAccounts())
	for _, i := range g.Sorted() {
		acc := g.Account(i)
		row := map[string]any{
			"id":              acc.ID,
			"tx_count":        acc.Stats.TxCount,
			"total_in":        acc.Stats.TotalIn.InexactFloat64(),
			"total_out":       acc.Stats.TotalOut.InexactFloat64(),
			"velocity":        acc.Stats.Velocity,
			"is_merchant":     acc.Stats.Merchant,
			"suspicion_score": 0,
			"risk_level":      string(domain.RiskLow),
		}
		if s, ok := scores[acc.ID]; ok {
			row["suspicion_score"] = s.SuspicionScore
			row["risk_level"] = string(s.RiskLevel)
		}
		accounts = append(accounts, row)
	}
	if err := e.write(ctx, "accounts", upsertAccountsCypher, analysisID, accounts); err != nil {
		return err
	}

	transfers := make([]map[string]any, 0, g.NumEdges())
	for i := range g.NumEdges() {
		edge := g.Edge(i)
		transfers = append(transfers, map[string]any{
			"tx_id":     edge.TxID,
			"sender":    g.ID(edge.From),
			"receiver":  g.ID(edge.To),
			"amount":    edge.Amount.InexactFloat64(),
			"timestamp": edge.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	if err := e.write(ctx, "transfers", upsertTransfersCypher, analysisID, transfers); err != nil {
		return err
	}

	rings := make([]map[string]any, 0, len(res.Rings))
	for _, r := range res.Rings {
		rings = append(rings, map[string]any{
			"id":                r.ID,
			"pattern":           string(r.Pattern),
			"risk_score":        r.RiskScore,
			"total_amount":      r.TotalAmount.InexactFloat64(),
			"transaction_count": r.TransactionCount,
			"members":           r.Members,
		})
	}
	return e.write(ctx, "rings", upsertRingsCypher, analysisID, rings)
}

func (e *Exporter) write(ctx context.Context, what, cypher, analysisID string, rows []map[string]any) error {
	for start := 0; start < len(rows); start += e.batchSize {
		end := min(start+e.batchSize, len(rows))
		params := map[string]any{
			"analysisId": analysisID,
			"rows":       rows[start:end],
		}
		if _, err := e.client.ExecuteWrite(ctx, cypher, params); err != nil {
			return fmt.Errorf("export %s for %s: %w", what, analysisID, err)
		}
	}
	return nil
}

// RingsForAccount returns every exported ring the account belongs to,
// across all analyses.
func (e *Exporter) RingsForAccount(ctx context.Context, accountID string) ([]AccountRing, error) {
	res, err := e.client.ExecuteRead(ctx, ringsForAccountCypher, map[string]any{"accountId": accountID})
	if err != nil {
		return nil, fmt.Errorf("rings for account %s: %w", accountID, err)
	}

	out := make([]AccountRing, 0, len(res.Records))
	for _, rec := range res.Records {
		ring := AccountRing{}
		ring.RingID, _ = rec["ring_id"].(string)
		ring.AnalysisID, _ = rec["analysis_id"].(string)
		ring.Pattern, _ = rec["pattern"].(string)
		ring.RiskScore, _ = rec["risk_score"].(float64)
		out = append(out, ring)
	}
	return out, nil
}

// Ping checks connectivity.
func (e *Exporter) Ping(ctx context.Context) error {
	return e.client.VerifyConnectivity(ctx)
}

// Close releases the client.
func (e *Exporter) Close(ctx context.Context) error {
	return e.client.Close(ctx)
}
