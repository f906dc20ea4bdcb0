package graph

import (
	"container/heap"
	"math"
	"sort"
)

// tieEpsilon absorbs float noise when comparing path lengths such as
// 1/2+1/2 against 1.
const tieEpsilon = 1e-9

// Cluster is one computed initiative map.
type Cluster struct {
	MainID   string
	MainKind Kind
	// Members lists every node of the cluster, main first then by ID.
	Members []Node
}

// Resolve assigns every node to its closest sink. Equidistant sinks resolve
// to the lexicographically smallest sink ID. A node that reaches no sink
// (only possible through a cycle of similar-to relations) forms its own
// singleton cluster. Clusters are returned sorted by MainID.
func Resolve(g *Graph) []Cluster {
	byMain := make(map[int]*Cluster)
	for i, n := range g.nodes {
		if g.isSink(i) {
			byMain[i] = &Cluster{MainID: n.ID, MainKind: n.Kind, Members: []Node{n}}
		}
	}

	for i, n := range g.nodes {
		if g.isSink(i) {
			continue
		}
		sink, ok := g.closestSink(i)
		if !ok {
			byMain[i] = &Cluster{MainID: n.ID, MainKind: n.Kind, Members: []Node{n}}
			continue
		}
		c := byMain[sink]
		c.Members = append(c.Members, n)
	}

	out := make([]Cluster, 0, len(byMain))
	for _, c := range byMain {
		main := c.Members[0]
		rest := c.Members[1:]
		sort.Slice(rest, func(a, b int) bool { return rest[a].ID < rest[b].ID })
		c.Members = append([]Node{main}, rest...)
		out = append(out, *c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].MainID < out[b].MainID })
	return out
}

// closestSink runs Dijkstra from src over outgoing edges. Settled nodes are
// never expanded twice, so cycles terminate.
func (g *Graph) closestSink(src int) (int, bool) {
	dist := map[int]float64{src: 0}
	settled := make(map[int]bool)
	pq := &queue{{node: src, dist: 0}}

	best, bestDist := -1, math.Inf(1)
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(item)
		if settled[cur.node] {
			continue
		}
		if cur.dist > bestDist+tieEpsilon {
			break
		}
		settled[cur.node] = true

		if cur.node != src && g.isSink(cur.node) {
			if best < 0 || cur.dist < bestDist-tieEpsilon ||
				(math.Abs(cur.dist-bestDist) <= tieEpsilon && g.nodes[cur.node].ID < g.nodes[best].ID) {
				best, bestDist = cur.node, math.Min(cur.dist, bestDist)
			}
			continue
		}

		for next, w := range g.edges[cur.node] {
			if settled[next] {
				continue
			}
			nd := cur.dist + w
			if d, ok := dist[next]; !ok || nd < d {
				dist[next] = nd
				heap.Push(pq, item{node: next, dist: nd})
			}
		}
	}
	return best, best >= 0
}

type item struct {
	node int
	dist float64
}

type queue []item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any) { *q = append(*q, x.(item)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
