// Package ingest validates raw transaction records from API bodies and CSV
// uploads. Invalid rows are rejected individually and reported; they
// never reach the detection engine.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// Columns are the required CSV columns, in canonical order.
var Columns = []string{"transaction_id", "sender_id", "receiver_id", "amount", "timestamp"}

// ExampleRow is a well-formed upload row.
var ExampleRow = map[string]string{
	"transaction_id": "TXN001",
	"sender_id":      "USER123",
	"receiver_id":    "USER456",
	"amount":         "100.50",
	"timestamp":      "2024-02-19T14:30:00Z",
}

var (
	// ErrEmpty is returned for an upload with no header row.
	ErrEmpty = errors.New("csv file is empty")

	// ErrMissingColumns is returned when a required column is absent.
	ErrMissingColumns = errors.New("missing required columns")

	// ErrTooManyRows is returned when an upload exceeds the row limit.
	ErrTooManyRows = errors.New("too many rows")
)

// RowError describes one rejected row. Row numbers start at 1 for the
// first data row.
type RowError struct {
	Row   int               `json:"row"`
	Field string            `json:"field,omitempty"`
	Value string            `json:"value,omitempty"`
	Error string            `json:"error"`
	Data  map[string]string `json:"data,omitempty"`
}

// Result is the outcome of validating a batch.
type Result struct {
	TotalRows    int
	Transactions []domain.Transaction
	Errors       []RowError
}

// Validator validates transaction records.
type Validator struct {
	validate *validator.Validate
	maxRows  int
}

// NewValidator creates a validator. maxRows <= 0 disables the row limit.
func NewValidator(maxRows int) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// numeric tags such as gt=0 compare the decimal's float value
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})

	return &Validator{validate: v, maxRows: maxRows}
}

// Request validates the envelope of an API request, without the rows.
func (v *Validator) Request(req *domain.AnalyzeRequest) error {
	if len(req.Transactions) == 0 {
		return fmt.Errorf("%w: transactions are required", domain.ErrInvalidInput)
	}
	if v.maxRows > 0 && len(req.Transactions) > v.maxRows {
		return fmt.Errorf("%w: %d rows exceeds limit of %d", ErrTooManyRows, len(req.Transactions), v.maxRows)
	}
	return nil
}

// Records validates API records one by one.
func (v *Validator) Records(records []domain.TransactionRecord) Result {
	res := Result{TotalRows: len(records)}
	for i := range records {
		tx, rowErr := v.record(&records[i])
		if rowErr != nil {
			rowErr.Row = i + 1
			res.Errors = append(res.Errors, *rowErr)
			continue
		}
		res.Transactions = append(res.Transactions, tx)
	}
	return res
}

// CSV reads and validates an upload. The header row must contain every
// column in Columns, in any order; extra columns are ignored.
func (v *Validator) CSV(r io.Reader) (Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, ErrEmpty
	}
	if err != nil {
		return Result{}, fmt.Errorf("csv parsing error: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	var missing []string
	for _, c := range Columns {
		if _, ok := index[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	var res Result
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		res.TotalRows++
		if v.maxRows > 0 && res.TotalRows > v.maxRows {
			return Result{}, fmt.Errorf("%w: limit is %d", ErrTooManyRows, v.maxRows)
		}
		if err != nil {
			// malformed rows are reported; reader failures end the upload
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return Result{}, fmt.Errorf("read csv: %w", err)
			}
			res.Errors = append(res.Errors, RowError{Row: res.TotalRows, Error: err.Error()})
			continue
		}

		data := make(map[string]string, len(Columns))
		for _, c := range Columns {
			if i := index[c]; i < len(row) {
				data[c] = strings.TrimSpace(row[i])
			}
		}

		amount, err := decimal.NewFromString(data["amount"])
		if err != nil {
			res.Errors = append(res.Errors, RowError{
				Row:   res.TotalRows,
				Field: "amount",
				Value: data["amount"],
				Error: fmt.Sprintf("invalid amount format: %q", data["amount"]),
				Data:  data,
			})
			continue
		}

		rec := domain.TransactionRecord{
			ID:        data["transaction_id"],
			Sender:    data["sender_id"],
			Receiver:  data["receiver_id"],
			Amount:    amount,
			Timestamp: data["timestamp"],
		}
		tx, rowErr := v.record(&rec)
		if rowErr != nil {
			rowErr.Row = res.TotalRows
			rowErr.Data = data
			res.Errors = append(res.Errors, *rowErr)
			continue
		}
		res.Transactions = append(res.Transactions, tx)
	}

	return res, nil
}

func (v *Validator) record(rec *domain.TransactionRecord) (domain.Transaction, *RowError) {
	rec.ID = strings.TrimSpace(rec.ID)
	rec.Sender = strings.TrimSpace(rec.Sender)
	rec.Receiver = strings.TrimSpace(rec.Receiver)
	rec.Timestamp = strings.TrimSpace(rec.Timestamp)

	if err := v.validate.Struct(rec); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return domain.Transaction{}, &RowError{
				Field: fe.Field(),
				Value: fmt.Sprint(fe.Value()),
				Error: describe(fe),
			}
		}
		return domain.Transaction{}, &RowError{Error: err.Error()}
	}

	ts, err := ParseTimestamp(rec.Timestamp)
	if err != nil {
		return domain.Transaction{}, &RowError{
			Field: "timestamp",
			Value: rec.Timestamp,
			Error: err.Error(),
		}
	}

	return domain.Transaction{
		ID:        rec.ID,
		Sender:    rec.Sender,
		Receiver:  rec.Receiver,
		Amount:    rec.Amount,
		Timestamp: ts,
	}, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gt":
		return fe.Field() + " must be positive"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
}

// ParseTimestamp accepts RFC 3339 and the common spreadsheet layouts.
// Values without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp format: %q", s)
}

// WriteCSV writes transactions in the canonical upload format.
func WriteCSV(w io.Writer, txs []domain.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, tx := range txs {
		if err := cw.Write([]string{
			tx.ID,
			tx.Sender,
			tx.Receiver,
			tx.Amount.StringFixed(2),
			tx.Timestamp.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
