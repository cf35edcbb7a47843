// Package rules provides the CEL-Go based merchant gate.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
)

// MerchantGate decides whether an account's aggregate profile looks like a
// legitimate high-volume merchant. The expression is a CEL boolean over the
// account's statistics.
type MerchantGate struct {
	expression string
	program    cel.Program
	maxWorkers int
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx_count", cel.IntType),
		cel.Variable("in_degree", cel.IntType),
		cel.Variable("out_degree", cel.IntType),
		cel.Variable("unique_senders", cel.IntType),
		cel.Variable("unique_receivers", cel.IntType),
		cel.Variable("total_in", cel.DoubleType),
		cel.Variable("total_out", cel.DoubleType),
		cel.Variable("avg_inbound_amount", cel.DoubleType),
		cel.Variable("velocity", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// NewMerchantGate compiles expr. An empty expression selects
// domain.DefaultMerchantExpression.
func NewMerchantGate(expr string, maxWorkers int) (*MerchantGate, error) {
	if expr == "" {
		expr = domain.DefaultMerchantExpression
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile merchant expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("merchant expression must return bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create merchant program: %w", err)
	}

	return &MerchantGate{
		expression: expr,
		program:    program,
		maxWorkers: maxWorkers,
	}, nil
}

// Expression returns the compiled expression source.
func (m *MerchantGate) Expression() string {
	return m.expression
}

// Evaluate runs the expression against one account's statistics.
func (m *MerchantGate) Evaluate(s graph.Stats) (bool, error) {
	out, _, err := m.program.Eval(activation(s))
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	v, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("merchant expression returned %s", out.Type().TypeName())
	}
	return bool(v), nil
}

// Classify evaluates every account in g and records the result with
// SetMerchant. Accounts whose evaluation fails are treated as non-merchants.
// It returns the number of merchant accounts.
func (m *MerchantGate) Classify(ctx context.Context, g *graph.Graph) (int, error) {
	n := g.NumAccounts()
	if n == 0 {
		return 0, nil
	}

	chunk := (n + m.maxWorkers - 1) / m.maxWorkers
	counts := make([]int, m.maxWorkers)
	var wg sync.WaitGroup

	for w := 0; w < m.maxWorkers; w++ {
		lo := w * chunk
		if lo >= n {
			break
		}
		hi := min(lo+chunk, n)

		wg.Add(1)
		go func(worker, lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				if ctx.Err() != nil {
					return
				}
				merchant, err := m.Evaluate(g.Account(i).Stats)
				if err != nil {
					slog.Warn("merchant gate evaluation failed", "account_id", g.ID(i), "error", err)
				}
				// each worker owns a disjoint index range
				g.SetMerchant(i, merchant)
				if merchant {
					counts[worker]++
				}
			}
		}(w, lo, hi)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	return total, nil
}

func activation(s graph.Stats) map[string]any {
	return map[string]any{
		"tx_count":           int64(s.TxCount),
		"in_degree":          int64(s.InDegree),
		"out_degree":         int64(s.OutDegree),
		"unique_senders":     int64(s.UniqueSenders),
		"unique_receivers":   int64(s.UniqueReceivers),
		"total_in":           s.TotalIn.InexactFloat64(),
		"total_out":          s.TotalOut.InexactFloat64(),
		"avg_inbound_amount": s.AvgInbound().InexactFloat64(),
		"velocity":           int64(s.Velocity),
	}
}
