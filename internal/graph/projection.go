package graph

import "time"

// Projection is the visualization view of a graph.
type Projection struct {
	Nodes []Node          `json:"nodes"`
	Edges []ProjectedEdge `json:"edges"`
	Stats ProjectionStats `json:"stats"`
}

// Node is one account in the projection.
type Node struct {
	ID string `json:"id"`
}

// ProjectedEdge is one transaction in the projection.
type ProjectedEdge struct {
	ID        string  `json:"id"`
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	Amount    float64 `json:"amount"`
	Timestamp string  `json:"timestamp"`
}

// ProjectionStats summarizes the projected graph.
type ProjectionStats struct {
	NodesCount     int     `json:"nodes_count"`
	EdgesCount     int     `json:"edges_count"`
	TotalAmount    float64 `json:"total_amount"`
	UniqueAccounts int     `json:"unique_accounts"`
}

// Projection returns nodes in ascending ID order and edges in insertion
// order. The result depends only on the graph.
func (g *Graph) Projection() *Projection {
	p := &Projection{
		Nodes: make([]Node, 0, len(g.accounts)),
		Edges: make([]ProjectedEdge, 0, len(g.edges)),
		Stats: ProjectionStats{
			NodesCount:     len(g.accounts),
			EdgesCount:     len(g.edges),
			TotalAmount:    g.totalAmount.InexactFloat64(),
			UniqueAccounts: len(g.index),
		},
	}

	for _, i := range g.sorted {
		p.Nodes = append(p.Nodes, Node{ID: g.accounts[i].ID})
	}
	for _, e := range g.edges {
		p.Edges = append(p.Edges, ProjectedEdge{
			ID:        e.TxID,
			Source:    g.accounts[e.From].ID,
			Target:    g.accounts[e.To].ID,
			Amount:    e.Amount.InexactFloat64(),
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		})
	}

	return p
}
