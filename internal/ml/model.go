package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"slices"
	"sync"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// ErrModelUnavailable is returned when no usable model artifact exists.
// Callers fall back to rule-only scoring.
var ErrModelUnavailable = errors.New("ml model unavailable")

// Model is a standardized logistic regression over FeatureNames.
type Model struct {
	Features []string  `json:"features"`
	Mean     []float64 `json:"mean"`
	Scale    []float64 `json:"scale"`
	Weights  []float64 `json:"weights"`
	Bias     float64   `json:"bias"`
}

// Validate checks that the model matches the feature layout.
func (m *Model) Validate() error {
	if !slices.Equal(m.Features, FeatureNames) {
		return fmt.Errorf("model features %v do not match %v", m.Features, FeatureNames)
	}
	n := len(FeatureNames)
	if len(m.Mean) != n || len(m.Scale) != n || len(m.Weights) != n {
		return fmt.Errorf("model vectors must have %d entries", n)
	}
	return nil
}

// Load reads a model artifact from path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, path)
		}
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return &m, nil
}

// Save writes the model artifact to path.
func (m *Model) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

var loaders sync.Map // path -> func() (*Model, error)

// Default returns the process-wide model for path, loading it at most once.
// A failed load is also remembered.
func Default(path string) (*Model, error) {
	load, _ := loaders.LoadOrStore(path, sync.OnceValues(func() (*Model, error) {
		return Load(path)
	}))
	return load.(func() (*Model, error))()
}

// Predict returns the probability that the feature vector is suspicious.
func (m *Model) Predict(x []float64) float64 {
	z := m.Bias
	for i, v := range x {
		z += m.Weights[i] * m.standardize(i, v)
	}
	return sigmoid(z)
}

func (m *Model) standardize(i int, v float64) float64 {
	scale := m.Scale[i]
	if scale == 0 {
		scale = 1
	}
	return (v - m.Mean[i]) / scale
}

// ProbabilityFunc scores every row and returns a lookup by account ID.
// Probabilities are rounded to 6 decimals.
func (m *Model) ProbabilityFunc(rows []Features) domain.ProbabilityFunc {
	probs := make(map[string]float64, len(rows))
	for i := range rows {
		p := m.Predict(rows[i].Vector())
		probs[rows[i].AccountID] = math.Round(p*1e6) / 1e6
	}
	return func(accountID string) (float64, bool) {
		p, ok := probs[accountID]
		return p, ok
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
