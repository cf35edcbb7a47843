// Benchmark tool for measuring ringwatch detection on synthetic ledgers.
//
// Usage:
//
//	go run ./cmd/benchmark -transactions 10000 -runs 3
//	go run ./cmd/benchmark -dataset features.csv -train models/ring_model.json
//	go run ./cmd/benchmark -csv /path/to/ledger.csv
//
// This tool:
//  1. Generates a seeded ledger with planted cycles, fan-in groups and
//     layered chains (or reads a CSV upload)
//  2. Runs the detection engine in-process and times each run
//  3. Compares flagged accounts with the planted labels
//  4. Optionally exports the per-account feature dataset and trains the
//     logistic model used for the score blend
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/engine"
	"github.com/opensource-finance/ringwatch/internal/graph"
	"github.com/opensource-finance/ringwatch/internal/ingest"
	"github.com/opensource-finance/ringwatch/internal/ml"
	"github.com/opensource-finance/ringwatch/internal/sample"
)

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int // Planted account flagged
	FalsePositives int // Clean account flagged
	TrueNegatives  int // Clean account not flagged
	FalseNegatives int // Planted account missed

	Runs      []time.Duration
	Rings     int
	Truncated bool
}

func main() {
	seed := flag.Uint64("seed", 42, "Generator seed")
	accounts := flag.Int("accounts", 1000, "Generated accounts")
	transactions := flag.Int("transactions", 10000, "Generated transactions")
	csvPath := flag.String("csv", "", "Analyze a CSV upload instead of a generated ledger")
	runs := flag.Int("runs", 3, "Timed detection runs")
	minRisk := flag.String("min-risk", string(domain.RiskMedium), "Lowest risk level counted as flagged (LOW, MEDIUM, HIGH)")
	modelPath := flag.String("model", "", "Blend scores with a trained model artifact")
	datasetPath := flag.String("dataset", "", "Write the labelled feature dataset to this CSV path")
	trainPath := flag.String("train", "", "Train a model on the feature dataset and save it to this path")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              RINGWATCH BENCHMARK - Ring Detection             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	var (
		txs     []domain.Transaction
		planted map[string]sample.Planted
	)
	if *csvPath != "" {
		fmt.Printf("\nReading %s...\n", *csvPath)
		var err error
		txs, err = readCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg := sample.DefaultConfig()
		cfg.Seed = *seed
		cfg.Accounts = *accounts
		cfg.Transactions = *transactions
		fmt.Printf("\nSeed:         %d\n", cfg.Seed)
		fmt.Printf("Accounts:     %d\n", cfg.Accounts)
		fmt.Printf("Transactions: %d\n", cfg.Transactions)

		ds := sample.Generate(cfg)
		txs, planted = ds.Transactions, ds.Planted
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(txs))

	var opts []engine.Option
	if *modelPath != "" {
		model, err := ml.Load(*modelPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to load model: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, engine.WithModel(model))
		fmt.Printf("✓ Model loaded from %s\n", *modelPath)
	}

	eng, err := engine.New(domain.DefaultDetectionConfig(), opts...)
	if err != nil {
		fmt.Printf("ERROR: Failed to create engine: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nRunning %d detection passes...\n", *runs)
	metrics := &Metrics{}
	var (
		res *domain.Result
		g   *graph.Graph
	)
	for range max(*runs, 1) {
		start := time.Now()
		res, g, err = eng.Analyze(context.Background(), txs)
		if err != nil {
			fmt.Printf("ERROR: Analysis failed: %v\n", err)
			os.Exit(1)
		}
		metrics.Runs = append(metrics.Runs, time.Since(start))
	}
	metrics.Rings = len(res.Rings)
	metrics.Truncated = res.Summary.Truncated

	if planted != nil {
		score(metrics, g, res, planted, domain.RiskLevel(*minRisk))
	}
	printResults(metrics, res, len(txs), planted != nil)

	if *datasetPath == "" && *trainPath == "" {
		return
	}

	rows := ml.Dataset(g, res.Rings)
	positives := 0
	for _, r := range rows {
		positives += r.Label
	}
	fmt.Printf("\nFeature dataset: %d rows, %d labelled suspicious\n", len(rows), positives)

	if *datasetPath != "" {
		if err := writeDataset(*datasetPath, rows); err != nil {
			fmt.Printf("ERROR: Failed to write dataset: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Dataset written to %s\n", *datasetPath)
	}

	if *trainPath != "" {
		model, err := ml.Fit(rows, ml.DefaultTrainOptions())
		if err != nil {
			fmt.Printf("ERROR: Training failed: %v\n", err)
			os.Exit(1)
		}
		if err := model.Save(*trainPath); err != nil {
			fmt.Printf("ERROR: Failed to save model: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Model saved to %s (training accuracy %.4f)\n", *trainPath, model.Accuracy(rows))
	}
}

func readCSV(path string) ([]domain.Transaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	res, err := ingest.NewValidator(0).CSV(file)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		fmt.Printf("  - Skipped %d invalid rows (first: row %d, %s)\n", len(res.Errors), res.Errors[0].Row, res.Errors[0].Error)
	}
	return res.Transactions, nil
}

// score fills the confusion matrix. Every account seen in the ledger is
// either planted or clean; it is flagged when scored at minRisk or above.
func score(m *Metrics, g *graph.Graph, res *domain.Result, planted map[string]sample.Planted, minRisk domain.RiskLevel) {
	levels := []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh}
	threshold := slices.Index(levels, minRisk)
	if threshold < 0 {
		threshold = 1
	}

	flagged := make(map[string]bool, len(res.Scores))
	for _, s := range res.Scores {
		if slices.Index(levels, s.RiskLevel) >= threshold {
			flagged[s.AccountID] = true
		}
	}

	seen := make(map[string]bool)
	for i := range g.NumAccounts() {
		seen[g.ID(i)] = true
	}
	for id := range planted {
		seen[id] = true
	}

	for id := range seen {
		actual := planted[id].Fraud()
		predicted := flagged[id]
		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
		case !predicted && !actual:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}
	}
}

func writeDataset(path string, rows []ml.Features) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := append([]string{"account_id"}, ml.FeatureNames...)
	if err := w.Write(append(header, "label")); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{r.AccountID}
		for _, v := range r.Vector() {
			record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
		}
		record = append(record, strconv.Itoa(r.Label))
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return file.Close()
}

func printResults(m *Metrics, res *domain.Result, txCount int, labelled bool) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nDETECTION OUTPUT\n")
	fmt.Printf("   Accounts:         %d\n", res.Summary.TotalAccounts)
	fmt.Printf("   Rings:            %d\n", m.Rings)
	for _, p := range []domain.Pattern{domain.PatternCycle, domain.PatternFanIn, domain.PatternFanOut, domain.PatternLayered} {
		fmt.Printf("     %-14s  %d\n", p, res.Summary.RingsByPattern[p])
	}
	fmt.Printf("   Suspicious:       %d\n", len(res.Scores))
	fmt.Printf("   Truncated:        %v\n", m.Truncated)

	if labelled {
		fmt.Printf("\nCONFUSION MATRIX\n")
		fmt.Println("                       Predicted")
		fmt.Println("                  FLAGGED      CLEAN")
		fmt.Println("              ┌──────────┬──────────┐")
		fmt.Printf("   Actual  P  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
		fmt.Println("              ├──────────┼──────────┤")
		fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
		fmt.Println("              └──────────┴──────────┘")

		precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
		recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
		f1 := float64(0)
		if precision+recall > 0 {
			f1 = 2 * (precision * recall) / (precision + recall)
		}
		total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives

		fmt.Printf("\nDETECTION METRICS\n")
		fmt.Printf("   Precision:  %.4f  (of flagged accounts, how many were planted)\n", precision)
		fmt.Printf("   Recall:     %.4f  (of planted accounts, how many were flagged)\n", recall)
		fmt.Printf("   F1-Score:   %.4f\n", f1)
		fmt.Printf("   Accuracy:   %.4f\n", ratio(m.TruePositives+m.TrueNegatives, total))
	}

	fmt.Printf("\nPERFORMANCE\n")
	var total time.Duration
	for _, d := range m.Runs {
		total += d
	}
	avg := total / time.Duration(len(m.Runs))
	fmt.Printf("   Runs:             %d\n", len(m.Runs))
	fmt.Printf("   Avg Duration:     %v\n", avg.Round(time.Millisecond))
	fmt.Printf("   Fastest:          %v\n", slices.Min(m.Runs).Round(time.Millisecond))
	if avg > 0 {
		fmt.Printf("   Throughput:       %.0f tx/sec\n", float64(txCount)/avg.Seconds())
	}
	fmt.Println()
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
