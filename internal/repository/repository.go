// Package repository persists analyses, their input transactions and the
// rings they found.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != ":memory:" {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAnalysis inserts a new analysis record.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, a *domain.Analysis) error {
	if a.ID == "" {
		return fmt.Errorf("%w: analysis id is required", domain.ErrInvalidInput)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO analyses (
			id, input_digest, status, transaction_count, ring_count, suspicious_count,
			report, error, processing_ms, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.InputDigest, a.Status,
		a.TransactionCount, a.RingCount, a.SuspiciousCount,
		nullString(string(a.Report)), nullString(a.Error), a.ProcessingMs,
		a.CreatedAt.UTC(), nullTime(a.CompletedAt),
	)
	return err
}

// UpdateAnalysis overwrites the mutable fields of an existing analysis.
func (r *SQLRepository) UpdateAnalysis(ctx context.Context, a *domain.Analysis) error {
	query := `
		UPDATE analyses
		SET status = ?, transaction_count = ?, ring_count = ?, suspicious_count = ?,
			report = ?, error = ?, processing_ms = ?, completed_at = ?
		WHERE id = ?
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query),
		a.Status, a.TransactionCount, a.RingCount, a.SuspiciousCount,
		nullString(string(a.Report)), nullString(a.Error), a.ProcessingMs,
		nullTime(a.CompletedAt), a.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const analysisColumns = `id, input_digest, status, transaction_count, ring_count, suspicious_count,
			report, error, processing_ms, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*domain.Analysis, error) {
	var a domain.Analysis
	var report, errMsg sql.NullString
	var completed sql.NullTime

	if err := row.Scan(
		&a.ID, &a.InputDigest, &a.Status,
		&a.TransactionCount, &a.RingCount, &a.SuspiciousCount,
		&report, &errMsg, &a.ProcessingMs,
		&a.CreatedAt, &completed,
	); err != nil {
		return nil, err
	}

	if report.Valid && report.String != "" {
		a.Report = json.RawMessage(report.String)
	}
	a.Error = errMsg.String
	a.CreatedAt = a.CreatedAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		a.CompletedAt = &t
	}
	return &a, nil
}

// GetAnalysis retrieves an analysis by ID.
func (r *SQLRepository) GetAnalysis(ctx context.Context, id string) (*domain.Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE id = ?`

	a, err := scanAnalysis(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAnalyses returns the most recent analyses, newest first, without
// their reports.
func (r *SQLRepository) ListAnalyses(ctx context.Context, limit int) ([]*domain.Analysis, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + analysisColumns + ` FROM analyses ORDER BY created_at DESC, id LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		a.Report = nil
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveTransactions stores the input of an analysis in order. Duplicate
// transaction IDs are kept, since each row is a distinct edge.
func (r *SQLRepository) SaveTransactions(ctx context.Context, analysisID string, txs []domain.Transaction) error {
	query := `
		INSERT INTO analysis_transactions (
			analysis_id, position, tx_id, sender_id, receiver_id, amount, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	return r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, r.rebind(query))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, t := range txs {
			if _, err := stmt.ExecContext(ctx,
				analysisID, i, t.ID, t.Sender, t.Receiver,
				t.Amount.String(), t.Timestamp.UTC(),
			); err != nil {
				return fmt.Errorf("insert transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// ListTransactions returns the stored input of an analysis in its
// original order.
func (r *SQLRepository) ListTransactions(ctx context.Context, analysisID string) ([]domain.Transaction, error) {
	query := `
		SELECT tx_id, sender_id, receiver_id, amount, timestamp
		FROM analysis_transactions
		WHERE analysis_id = ?
		ORDER BY position
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.Sender, &t.Receiver, &t.Amount, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Timestamp = t.Timestamp.UTC()
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// SaveRings stores the rings of an analysis and indexes their members.
func (r *SQLRepository) SaveRings(ctx context.Context, analysisID string, rings []domain.Ring) error {
	ringQuery := `
		INSERT INTO rings (
			analysis_id, ring_id, pattern, members, total_amount,
			transaction_count, risk_score, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	memberQuery := `
		INSERT INTO ring_members (analysis_id, ring_id, account_id, position)
		VALUES (?, ?, ?, ?)
	`
	return r.inTx(ctx, func(tx *sql.Tx) error {
		ringStmt, err := tx.PrepareContext(ctx, r.rebind(ringQuery))
		if err != nil {
			return err
		}
		defer ringStmt.Close()

		memberStmt, err := tx.PrepareContext(ctx, r.rebind(memberQuery))
		if err != nil {
			return err
		}
		defer memberStmt.Close()

		for _, ring := range rings {
			members, err := json.Marshal(ring.Members)
			if err != nil {
				return err
			}
			if _, err := ringStmt.ExecContext(ctx,
				analysisID, ring.ID, string(ring.Pattern), string(members),
				ring.TotalAmount.String(), ring.TransactionCount, ring.RiskScore,
				ring.FirstSeen.UTC(), ring.LastSeen.UTC(),
			); err != nil {
				return fmt.Errorf("insert ring %s: %w", ring.ID, err)
			}
			for pos, account := range ring.Members {
				if _, err := memberStmt.ExecContext(ctx, analysisID, ring.ID, account, pos); err != nil {
					return fmt.Errorf("insert member %s of ring %s: %w", account, ring.ID, err)
				}
			}
		}
		return nil
	})
}

const ringColumns = `r.ring_id, r.pattern, r.members, r.total_amount,
			r.transaction_count, r.risk_score, r.first_seen, r.last_seen`

func scanRing(row rowScanner, extra ...any) (domain.Ring, error) {
	var ring domain.Ring
	var pattern, members string

	dest := append([]any{
		&ring.ID, &pattern, &members, &ring.TotalAmount,
		&ring.TransactionCount, &ring.RiskScore, &ring.FirstSeen, &ring.LastSeen,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return ring, err
	}

	ring.Pattern = domain.Pattern(pattern)
	if err := json.Unmarshal([]byte(members), &ring.Members); err != nil {
		return ring, fmt.Errorf("failed to parse members of ring %s: %w", ring.ID, err)
	}
	ring.FirstSeen = ring.FirstSeen.UTC()
	ring.LastSeen = ring.LastSeen.UTC()
	return ring, nil
}

// ListRings returns the rings of an analysis in report order.
func (r *SQLRepository) ListRings(ctx context.Context, analysisID string) ([]domain.Ring, error) {
	query := `SELECT ` + ringColumns + ` FROM rings r WHERE r.analysis_id = ? ORDER BY r.ring_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rings []domain.Ring
	for rows.Next() {
		ring, err := scanRing(rows)
		if err != nil {
			return nil, err
		}
		rings = append(rings, ring)
	}
	return rings, rows.Err()
}

// ListRingsByAccount returns every stored ring containing the account,
// newest analysis first.
func (r *SQLRepository) ListRingsByAccount(ctx context.Context, accountID string) ([]domain.AccountRing, error) {
	query := `
		SELECT ` + ringColumns + `, a.id, a.created_at
		FROM ring_members m
		JOIN rings r ON r.analysis_id = m.analysis_id AND r.ring_id = m.ring_id
		JOIN analyses a ON a.id = m.analysis_id
		WHERE m.account_id = ?
		ORDER BY a.created_at DESC, a.id, r.ring_id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AccountRing
	for rows.Next() {
		var ar domain.AccountRing
		ring, err := scanRing(rows, &ar.AnalysisID, &ar.CreatedAt)
		if err != nil {
			return nil, err
		}
		ar.Ring = ring
		ar.CreatedAt = ar.CreatedAt.UTC()
		out = append(out, ar)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
