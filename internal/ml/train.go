package ml

import (
	"errors"
	"math"
)

// TrainOptions configures Fit.
type TrainOptions struct {
	Epochs       int
	LearningRate float64
	L2           float64
}

// DefaultTrainOptions returns the options used by the benchmark tool.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		Epochs:       500,
		LearningRate: 0.5,
		L2:           0.001,
	}
}

// Fit trains a logistic model on labelled rows with full-batch gradient
// descent. Features are standardized with the population mean and
// deviation. Training is deterministic for a given row order.
func Fit(rows []Features, opts TrainOptions) (*Model, error) {
	if len(rows) == 0 {
		return nil, errors.New("no training rows")
	}
	if opts.Epochs <= 0 {
		opts.Epochs = DefaultTrainOptions().Epochs
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = DefaultTrainOptions().LearningRate
	}

	n := len(FeatureNames)
	xs := make([][]float64, len(rows))
	ys := make([]float64, len(rows))
	for i := range rows {
		xs[i] = rows[i].Vector()
		ys[i] = float64(rows[i].Label)
	}

	m := &Model{
		Features: append([]string(nil), FeatureNames...),
		Mean:     make([]float64, n),
		Scale:    make([]float64, n),
		Weights:  make([]float64, n),
	}

	count := float64(len(rows))
	for _, x := range xs {
		for j, v := range x {
			m.Mean[j] += v / count
		}
	}
	for _, x := range xs {
		for j, v := range x {
			d := v - m.Mean[j]
			m.Scale[j] += d * d / count
		}
	}
	for j := range m.Scale {
		m.Scale[j] = math.Sqrt(m.Scale[j])
		if m.Scale[j] == 0 {
			m.Scale[j] = 1
		}
	}

	z := make([][]float64, len(xs))
	for i, x := range xs {
		z[i] = make([]float64, n)
		for j, v := range x {
			z[i][j] = m.standardize(j, v)
		}
	}

	grad := make([]float64, n)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		clear(grad)
		gradBias := 0.0
		for i, x := range z {
			lin := m.Bias
			for j, v := range x {
				lin += m.Weights[j] * v
			}
			diff := sigmoid(lin) - ys[i]
			for j, v := range x {
				grad[j] += diff * v
			}
			gradBias += diff
		}
		for j := range m.Weights {
			m.Weights[j] -= opts.LearningRate * (grad[j]/count + opts.L2*m.Weights[j])
		}
		m.Bias -= opts.LearningRate * gradBias / count
	}

	return m, nil
}

// Accuracy returns the share of rows whose thresholded prediction matches
// the label.
func (m *Model) Accuracy(rows []Features) float64 {
	if len(rows) == 0 {
		return 0
	}
	correct := 0
	for i := range rows {
		predicted := 0
		if m.Predict(rows[i].Vector()) >= 0.5 {
			predicted = 1
		}
		if predicted == rows[i].Label {
			correct++
		}
	}
	return float64(correct) / float64(len(rows))
}
