package repository

// Schema statements are valid for both SQLite and PostgreSQL. Amounts are
// stored as decimal text so they round-trip exactly.

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    input_digest TEXT NOT NULL,
    status TEXT NOT NULL,
    transaction_count INTEGER NOT NULL DEFAULT 0,
    ring_count INTEGER NOT NULL DEFAULT 0,
    suspicious_count INTEGER NOT NULL DEFAULT 0,
    report TEXT,
    error TEXT,
    processing_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_analyses_digest ON analyses(input_digest);
CREATE INDEX IF NOT EXISTS idx_analyses_created ON analyses(created_at);
`

const schemaAnalysisTransactions = `
CREATE TABLE IF NOT EXISTS analysis_transactions (
    analysis_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    tx_id TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (analysis_id, position)
);

CREATE INDEX IF NOT EXISTS idx_analysis_transactions_sender ON analysis_transactions(sender_id);
CREATE INDEX IF NOT EXISTS idx_analysis_transactions_receiver ON analysis_transactions(receiver_id);
`

const schemaRings = `
CREATE TABLE IF NOT EXISTS rings (
    analysis_id TEXT NOT NULL,
    ring_id TEXT NOT NULL,
    pattern TEXT NOT NULL,
    members TEXT NOT NULL,
    total_amount TEXT NOT NULL,
    transaction_count INTEGER NOT NULL,
    risk_score REAL NOT NULL,
    first_seen TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL,
    PRIMARY KEY (analysis_id, ring_id)
);

CREATE INDEX IF NOT EXISTS idx_rings_pattern ON rings(pattern);
`

const schemaRingMembers = `
CREATE TABLE IF NOT EXISTS ring_members (
    analysis_id TEXT NOT NULL,
    ring_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (analysis_id, ring_id, position)
);

CREATE INDEX IF NOT EXISTS idx_ring_members_account ON ring_members(account_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAnalyses,
		schemaAnalysisTransactions,
		schemaRings,
		schemaRingMembers,
	}
}
