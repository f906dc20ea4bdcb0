// Package graph clusters raw domains and repositories into initiatives.
//
// Nodes live in an arena indexed by stable ID. Edges point from a child to
// its parent candidate and are frozen once Build returns. Sinks (nodes with
// no parent) define clusters; every other node joins its closest sink.
package graph

import (
	"sort"
)

// Kind tells domains and repositories apart.
type Kind string

const (
	KindDomain     Kind = "domain"
	KindRepository Kind = "repository"
)

// Node is one raw item.
type Node struct {
	ID   string
	Kind Kind
}

// DomainInput carries the fields of a raw domain used for matching.
type DomainInput struct {
	ID                    string
	Name                  string
	ProbableRepositoryURL string
	// ParentID is the explicit "similar-to" relation. Empty for none.
	ParentID string
}

// RepositoryInput carries the fields of a raw repository used for matching.
type RepositoryInput struct {
	ID                    string
	Homepage              string
	ProbableWebsiteDomain string
	ParentID              string
}

const (
	similarWeight = 1.0
	signalScore   = 2.0
)

// Graph is an immutable weighted directed graph over raw items.
type Graph struct {
	nodes []Node
	index map[string]int
	edges map[int]map[int]float64
}

// Build constructs the similarity graph. Explicit similar-to relations get
// weight 1. A repository gets an edge to a domain when its homepage equals
// the domain's probable repository URL or when the domain name equals its
// probable website domain; each matching signal adds 2 to the score and the
// edge weight is 1/score. Relations to items absent from the input are
// ignored.
func Build(domains []DomainInput, repositories []RepositoryInput) *Graph {
	g := &Graph{
		index: make(map[string]int, len(domains)+len(repositories)),
		edges: make(map[int]map[int]float64),
	}
	for _, d := range domains {
		g.add(Node{ID: d.ID, Kind: KindDomain})
	}
	for _, r := range repositories {
		g.add(Node{ID: r.ID, Kind: KindRepository})
	}

	for _, d := range domains {
		if d.ParentID != "" && d.ParentID != d.ID {
			g.link(d.ID, d.ParentID, similarWeight)
		}
	}
	for _, r := range repositories {
		if r.ParentID != "" && r.ParentID != r.ID {
			g.link(r.ID, r.ParentID, similarWeight)
		}
	}

	for _, d := range domains {
		for _, r := range repositories {
			score := 0.0
			if d.ProbableRepositoryURL != "" && d.ProbableRepositoryURL == r.Homepage {
				score += signalScore
			}
			if d.Name != "" && d.Name == r.ProbableWebsiteDomain {
				score += signalScore
			}
			if score > 0 {
				g.link(r.ID, d.ID, 1/score)
			}
		}
	}
	return g
}

func (g *Graph) add(n Node) {
	if _, ok := g.index[n.ID]; ok {
		return
	}
	g.index[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, n)
}

func (g *Graph) link(from, to string, weight float64) {
	f, ok := g.index[from]
	if !ok {
		return
	}
	t, ok := g.index[to]
	if !ok {
		return
	}
	out := g.edges[f]
	if out == nil {
		out = make(map[int]float64)
		g.edges[f] = out
	}
	out[t] = weight
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// Weight returns the weight of the edge from→to.
func (g *Graph) Weight(from, to string) (float64, bool) {
	f, ok := g.index[from]
	if !ok {
		return 0, false
	}
	t, ok := g.index[to]
	if !ok {
		return 0, false
	}
	w, ok := g.edges[f][t]
	return w, ok
}

// Sinks returns the IDs of nodes without outgoing edges, sorted.
func (g *Graph) Sinks() []string {
	var out []string
	for i, n := range g.nodes {
		if len(g.edges[i]) == 0 {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (g *Graph) isSink(i int) bool { return len(g.edges[i]) == 0 }
