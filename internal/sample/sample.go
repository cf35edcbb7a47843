// Package sample generates a seeded synthetic ledger with planted
// laundering rings, for demos, benchmarks and training data.
package sample

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// Config controls the generator.
type Config struct {
	Seed           uint64
	Accounts       int
	Transactions   int
	Cycles         int
	SmurfingGroups int
	LayeredChains  int
	Days           int
	BaseTime       time.Time
}

// DefaultConfig returns the demo dataset settings.
func DefaultConfig() Config {
	return Config{
		Seed:           42,
		Accounts:       1000,
		Transactions:   10000,
		Cycles:         50,
		SmurfingGroups: 50,
		LayeredChains:  50,
		Days:           30,
		BaseTime:       time.Date(2026, 2, 19, 0, 0, 0, 0, time.UTC),
	}
}

// Planted records which planted structures an account was placed in.
type Planted struct {
	Cycle    bool `json:"in_cycle"`
	Smurfing bool `json:"in_smurfing"`
	Layering bool `json:"in_layering"`
}

// Fraud reports whether the account was planted in any structure.
func (p Planted) Fraud() bool {
	return p.Cycle || p.Smurfing || p.Layering
}

// Dataset is a generated ledger sorted by timestamp.
type Dataset struct {
	Transactions []domain.Transaction
	Planted      map[string]Planted
}

type generator struct {
	cfg      Config
	ids      *rand.ChaCha8
	rng      *rand.Rand
	accounts []string
	planted  map[string]Planted
	txs      []domain.Transaction
}

// Generate builds a dataset. The same config always yields the same
// dataset.
func Generate(cfg Config) *Dataset {
	if cfg.Accounts < 16 {
		cfg.Accounts = 16
	}
	if cfg.Days <= 0 {
		cfg.Days = 30
	}

	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], cfg.Seed)
	rng := rand.New(rand.NewChaCha8(seed))
	seed[31] = 1

	g := &generator{
		cfg:     cfg,
		ids:     rand.NewChaCha8(seed),
		rng:     rng,
		planted: make(map[string]Planted),
	}
	for i := 1; i <= cfg.Accounts; i++ {
		g.accounts = append(g.accounts, fmt.Sprintf("A%04d", i))
	}

	g.cycles()
	g.smurfing()
	g.layering()
	g.normal(cfg.Transactions - len(g.txs))

	slices.SortStableFunc(g.txs, func(a, b domain.Transaction) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	return &Dataset{Transactions: g.txs, Planted: g.planted}
}

var defaultOnce = sync.OnceValue(func() *Dataset { return Generate(DefaultConfig()) })

// Default returns the process-wide demo dataset, generated once.
func Default() *Dataset {
	return defaultOnce()
}

func (g *generator) cycles() {
	for range g.cfg.Cycles {
		n := g.intn(3, 5)
		members := g.pick(n)
		base := g.uniform(500, 10000)
		at := g.timestamp()
		stamps := g.close(at, n, 3)
		for i := 0; i < n; i++ {
			g.add(members[i], members[(i+1)%n], base*g.uniform(0.95, 1.05), stamps[i])
			g.mark(members[i], func(p *Planted) { p.Cycle = true })
		}
	}
}

func (g *generator) smurfing() {
	for range g.cfg.SmurfingGroups {
		// fan-in
		n := g.intn(10, 15)
		group := g.pick(n + 1)
		base := g.uniform(200, 3000)
		stamps := g.close(g.timestamp(), n, 12)
		for i, sender := range group[1:] {
			g.add(sender, group[0], base*g.uniform(0.90, 1.10), stamps[i])
		}
		for _, a := range group {
			g.mark(a, func(p *Planted) { p.Smurfing = true })
		}

		// fan-out
		n = g.intn(10, 15)
		group = g.pick(n + 1)
		base = g.uniform(200, 3000)
		stamps = g.close(g.timestamp(), n, 12)
		for i, receiver := range group[1:] {
			g.add(group[0], receiver, base*g.uniform(0.90, 1.10), stamps[i])
		}
		for _, a := range group {
			g.mark(a, func(p *Planted) { p.Smurfing = true })
		}
	}
}

func (g *generator) layering() {
	for range g.cfg.LayeredChains {
		n := g.intn(4, 6)
		chain := g.pick(n)
		amount := g.uniform(1000, 15000)
		at := g.timestamp()
		ts := at
		for i := 0; i < n-1; i++ {
			// each hop skims a little and moves on a few hours later
			amount *= g.uniform(0.92, 0.98)
			g.add(chain[i], chain[i+1], amount, ts)
			ts = ts.Add(time.Duration(g.uniform(1, 6) * float64(time.Hour)))
		}
		for _, a := range chain {
			g.mark(a, func(p *Planted) { p.Layering = true })
		}

		// small unrelated traffic on the intermediates
		for _, node := range chain[1 : n-1] {
			for range g.intn(1, 2) {
				other := g.accounts[g.rng.IntN(len(g.accounts))]
				for other == node {
					other = g.accounts[g.rng.IntN(len(g.accounts))]
				}
				small := g.uniform(50, 500)
				noiseAt := at.Add(time.Duration(g.uniform(0, 24) * float64(time.Hour)))
				if g.rng.IntN(2) == 0 {
					g.add(other, node, small, noiseAt)
				} else {
					g.add(node, other, small, noiseAt)
				}
			}
		}
	}
}

func (g *generator) normal(count int) {
	for range max(count, 0) {
		pair := g.pick(2)
		g.add(pair[0], pair[1], g.uniform(100, 50000), g.timestamp())
	}
}

func (g *generator) add(from, to string, amount float64, ts time.Time) {
	g.txs = append(g.txs, domain.Transaction{
		ID:        g.txID(),
		Sender:    from,
		Receiver:  to,
		Amount:    decimal.NewFromFloat(amount).Round(2),
		Timestamp: ts,
	})
}

func (g *generator) mark(account string, set func(*Planted)) {
	p := g.planted[account]
	set(&p)
	g.planted[account] = p
}

func (g *generator) txID() string {
	id, err := uuid.NewRandomFromReader(g.ids)
	if err != nil {
		// ChaCha8 reads never fail
		panic(err)
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return "TXN-" + strings.ToUpper(hex[:12])
}

// pick returns n distinct accounts.
func (g *generator) pick(n int) []string {
	out := make([]string, 0, n)
	for len(out) < n {
		a := g.accounts[g.rng.IntN(len(g.accounts))]
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func (g *generator) intn(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo+1)
}

func (g *generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func (g *generator) timestamp() time.Time {
	offset := time.Duration(g.rng.IntN(g.cfg.Days))*24*time.Hour +
		time.Duration(g.rng.IntN(24))*time.Hour +
		time.Duration(g.rng.IntN(60))*time.Minute +
		time.Duration(g.rng.IntN(60))*time.Second
	return g.cfg.BaseTime.Add(-offset)
}

// close returns n timestamps within maxHours of base.
func (g *generator) close(base time.Time, n int, maxHours float64) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		h := g.uniform(-maxHours, maxHours)
		out[i] = base.Add(time.Duration(h*float64(time.Hour)) + time.Duration(g.rng.IntN(60))*time.Minute)
	}
	return out
}
