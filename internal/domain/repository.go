// Package domain defines the core types, configuration and interfaces for ringwatch.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a stored record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// Repository defines the interface for analysis persistence.
type Repository interface {
	// Analysis operations
	SaveAnalysis(ctx context.Context, a *Analysis) error
	UpdateAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, id string) (*Analysis, error)
	ListAnalyses(ctx context.Context, limit int) ([]*Analysis, error)

	// Transactions belonging to an analysis
	SaveTransactions(ctx context.Context, analysisID string, txs []Transaction) error
	ListTransactions(ctx context.Context, analysisID string) ([]Transaction, error)

	// Rings detected by an analysis
	SaveRings(ctx context.Context, analysisID string, rings []Ring) error
	ListRings(ctx context.Context, analysisID string) ([]Ring, error)
	ListRingsByAccount(ctx context.Context, accountID string) ([]AccountRing, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Analysis status values.
const (
	AnalysisPending   = "pending"
	AnalysisCompleted = "completed"
	AnalysisFailed    = "failed"
)

// Analysis is the persisted record of one detection run.
type Analysis struct {
	ID               string          `json:"id"`
	InputDigest      string          `json:"inputDigest"`
	Status           string          `json:"status"`
	TransactionCount int             `json:"transactionCount"`
	RingCount        int             `json:"ringCount"`
	SuspiciousCount  int             `json:"suspiciousCount"`
	Report           json.RawMessage `json:"report,omitempty"`
	Error            string          `json:"error,omitempty"`
	ProcessingMs     int64           `json:"processingMs"`
	CreatedAt        time.Time       `json:"createdAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// AccountRing links an account to a ring found in a stored analysis.
type AccountRing struct {
	AnalysisID string    `json:"analysisId"`
	Ring       Ring      `json:"ring"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
