package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single validated point-to-point transfer.
// Records are created once at ingestion and never mutated.
type Transaction struct {
	ID        string          `json:"transaction_id"`
	Sender    string          `json:"sender_id"`
	Receiver  string          `json:"receiver_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsSelfTransfer reports whether the sender and receiver are the same account.
func (t *Transaction) IsSelfTransfer() bool {
	return t.Sender == t.Receiver
}

// TransactionRecord is the unvalidated wire form of a transaction, as it
// arrives in API request bodies and CSV uploads.
type TransactionRecord struct {
	ID        string          `json:"transaction_id" validate:"required,max=128"`
	Sender    string          `json:"sender_id" validate:"required,max=128"`
	Receiver  string          `json:"receiver_id" validate:"required,max=128"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Timestamp string          `json:"timestamp" validate:"required"`
}

// AnalyzeRequest is the API request payload for a batch analysis.
type AnalyzeRequest struct {
	Transactions []TransactionRecord `json:"transactions" validate:"required,dive"`
}
