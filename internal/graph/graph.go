// Package graph builds the directed transaction multigraph that the
// detectors search.
//
// Accounts live in an arena indexed by int. Every transaction becomes one
// edge in a single edge slice, and adjacency lists hold edge indices, so the
// graph owns all of its storage and can be shared read-only across
// goroutines once built.
package graph

import (
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/velocity"
	"github.com/shopspring/decimal"
)

// Edge is one transaction between two accounts.
type Edge struct {
	TxID      string
	From      int
	To        int
	Amount    decimal.Decimal
	Timestamp time.Time
}

// Link groups the parallel edges from one account to a distinct successor.
type Link struct {
	To     int
	Edges  []int
	Amount decimal.Decimal
}

// Stats are the per-account aggregates recomputed on every build.
type Stats struct {
	InDegree        int
	OutDegree       int
	TotalIn         decimal.Decimal
	TotalOut        decimal.Decimal
	TxCount         int
	UniqueSenders   int
	UniqueReceivers int
	Velocity        int
	FirstSeen       time.Time
	LastSeen        time.Time
	Merchant        bool
}

// AvgInbound returns the mean inbound transfer amount.
func (s Stats) AvgInbound() decimal.Decimal {
	if s.InDegree == 0 {
		return decimal.Zero
	}
	return s.TotalIn.Div(decimal.NewFromInt(int64(s.InDegree)))
}

// Account is a node of the graph.
type Account struct {
	ID string

	// Rank is the account's position in ascending ID order.
	Rank int

	Out []int
	In  []int

	// Links are the distinct non-self successors, in ascending rank order.
	Links []Link

	Stats Stats
}

// Graph is the transaction multigraph for one detection run.
type Graph struct {
	accounts    []Account
	edges       []Edge
	index       map[string]int
	sorted      []int
	totalAmount decimal.Decimal
}

// Build constructs a graph from validated transactions. Duplicate
// transaction IDs each produce their own edge. Self-transfers become
// self-loop edges that count toward degree and velocity but never appear
// in Links.
func Build(txs []domain.Transaction, velocityWindow time.Duration) *Graph {
	if velocityWindow <= 0 {
		velocityWindow = time.Hour
	}

	g := &Graph{
		edges:       make([]Edge, 0, len(txs)),
		index:       make(map[string]int),
		totalAmount: decimal.Zero,
	}

	for _, tx := range txs {
		from := g.intern(tx.Sender)
		to := g.intern(tx.Receiver)

		idx := len(g.edges)
		g.edges = append(g.edges, Edge{
			TxID:      tx.ID,
			From:      from,
			To:        to,
			Amount:    tx.Amount,
			Timestamp: tx.Timestamp,
		})
		g.accounts[from].Out = append(g.accounts[from].Out, idx)
		g.accounts[to].In = append(g.accounts[to].In, idx)
		g.totalAmount = g.totalAmount.Add(tx.Amount)
	}

	g.sorted = make([]int, len(g.accounts))
	for i := range g.sorted {
		g.sorted[i] = i
	}
	slices.SortFunc(g.sorted, func(a, b int) int {
		return strings.Compare(g.accounts[a].ID, g.accounts[b].ID)
	})
	for rank, i := range g.sorted {
		g.accounts[i].Rank = rank
	}

	for i := range g.accounts {
		g.buildLinks(i)
		g.computeStats(i, velocityWindow)
	}

	return g
}

func (g *Graph) intern(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.accounts)
	g.accounts = append(g.accounts, Account{ID: id})
	g.index[id] = i
	return i
}

func (g *Graph) buildLinks(i int) {
	acct := &g.accounts[i]
	pos := make(map[int]int)
	for _, e := range acct.Out {
		to := g.edges[e].To
		if to == i {
			continue
		}
		p, ok := pos[to]
		if !ok {
			p = len(acct.Links)
			pos[to] = p
			acct.Links = append(acct.Links, Link{To: to, Amount: decimal.Zero})
		}
		acct.Links[p].Edges = append(acct.Links[p].Edges, e)
		acct.Links[p].Amount = acct.Links[p].Amount.Add(g.edges[e].Amount)
	}
	slices.SortFunc(acct.Links, func(a, b Link) int {
		return g.accounts[a.To].Rank - g.accounts[b.To].Rank
	})
}

func (g *Graph) computeStats(i int, window time.Duration) {
	acct := &g.accounts[i]
	s := Stats{
		InDegree:  len(acct.In),
		OutDegree: len(acct.Out),
		TotalIn:   decimal.Zero,
		TotalOut:  decimal.Zero,
	}

	senders := make(map[int]struct{})
	receivers := make(map[int]struct{})
	touched := make([]time.Time, 0, len(acct.In)+len(acct.Out))

	for _, e := range acct.Out {
		edge := g.edges[e]
		s.TotalOut = s.TotalOut.Add(edge.Amount)
		if edge.To != i {
			receivers[edge.To] = struct{}{}
		}
		touched = append(touched, edge.Timestamp)
	}
	for _, e := range acct.In {
		edge := g.edges[e]
		s.TotalIn = s.TotalIn.Add(edge.Amount)
		if edge.From == i {
			// self-loop already counted once from the out side
			continue
		}
		senders[edge.From] = struct{}{}
		touched = append(touched, edge.Timestamp)
	}

	s.UniqueSenders = len(senders)
	s.UniqueReceivers = len(receivers)
	s.TxCount = len(touched)
	s.Velocity = velocity.MaxInWindow(touched, window)
	for j, ts := range touched {
		if j == 0 || ts.Before(s.FirstSeen) {
			s.FirstSeen = ts
		}
		if j == 0 || ts.After(s.LastSeen) {
			s.LastSeen = ts
		}
	}

	acct.Stats = s
}

// NumAccounts returns the number of distinct accounts.
func (g *Graph) NumAccounts() int { return len(g.accounts) }

// NumEdges returns the number of edges, one per transaction.
func (g *Graph) NumEdges() int { return len(g.edges) }

// TotalAmount returns the summed amount of every edge.
func (g *Graph) TotalAmount() decimal.Decimal { return g.totalAmount }

// Account returns the account at index i. Callers must not modify it.
func (g *Graph) Account(i int) *Account { return &g.accounts[i] }

// Edge returns the edge at index i. Callers must not modify it.
func (g *Graph) Edge(i int) *Edge { return &g.edges[i] }

// Lookup returns the index of the account with the given ID.
func (g *Graph) Lookup(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// ID returns the account ID at index i.
func (g *Graph) ID(i int) string { return g.accounts[i].ID }

// Sorted returns account indices in ascending ID order.
func (g *Graph) Sorted() []int { return g.sorted }

// SetMerchant records the merchant classification for an account. It must
// only be called before the graph is shared with detectors.
func (g *Graph) SetMerchant(i int, merchant bool) {
	g.accounts[i].Stats.Merchant = merchant
}

// LinkTo returns the collapsed link from one account to another.
func (g *Graph) LinkTo(from, to int) (*Link, bool) {
	links := g.accounts[from].Links
	rank := g.accounts[to].Rank
	k, found := slices.BinarySearchFunc(links, rank, func(l Link, r int) int {
		return g.accounts[l.To].Rank - r
	})
	if !found {
		return nil, false
	}
	return &links[k], true
}
