// ABOUTME: Synthetic heap graphs and brute-force reference traversals for tests
// ABOUTME: Shared by the marker and paths packages

// Package testgraph builds small graphs with known answers.
package testgraph

import (
	"math/rand/v2"

	"github.com/prateek/heapreach/graph"
)

// Build creates a graph of n objects of type "Object" with the given edges
// and roots. Edges are anonymous references.
func Build(n int, edges [][2]graph.ObjID, roots ...graph.ObjID) *graph.MemGraph {
	ptrs := make([][]graph.ObjID, n)
	for _, e := range edges {
		ptrs[e[0]] = append(ptrs[e[0]], e[1])
	}
	g := graph.NewMemGraph()
	for i := 0; i < n; i++ {
		g.AddObject(&graph.Object{ID: graph.ObjID(i), Type: "Object", Size: 16, Ptrs: ptrs[i]})
	}
	g.SetRoots(graph.Roots{IDs: roots})
	return g
}

// Diamond is 0→1, 0→2, 1→3, 2→3, 3→4 plus an isolated node 5. Edges are
// named: 1 and 2 reach 3 through "next", 3 reaches 4 through "value".
func Diamond() *graph.MemGraph {
	g := graph.NewMemGraph()
	g.AddObject(&graph.Object{ID: 0, Type: "Root", Refs: []graph.Ref{{Field: "left", To: 1}, {Field: "right", To: 2}}})
	g.AddObject(&graph.Object{ID: 1, Type: "Node", Refs: []graph.Ref{{Field: "next", To: 3}}})
	g.AddObject(&graph.Object{ID: 2, Type: "Node", Refs: []graph.Ref{{Field: "next", To: 3}}})
	g.AddObject(&graph.Object{ID: 3, Type: "Node", Refs: []graph.Ref{{Field: "value", To: 4}}})
	g.AddObject(&graph.Object{ID: 4, Type: "Leaf"})
	g.AddObject(&graph.Object{ID: 5, Type: "Leaf"})
	g.SetRoots(graph.Roots{IDs: []graph.ObjID{0}})
	return g
}

// Random builds a graph with n objects, about degree outbound edges per
// object, and roots random roots. The same seed always yields the same graph.
func Random(seed uint64, n, degree, roots int) *graph.MemGraph {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var edges [][2]graph.ObjID
	for from := 0; from < n; from++ {
		k := rng.IntN(2*degree + 1)
		for j := 0; j < k; j++ {
			edges = append(edges, [2]graph.ObjID{graph.ObjID(from), graph.ObjID(rng.IntN(n))})
		}
	}
	rs := make([]graph.ObjID, roots)
	for i := range rs {
		rs[i] = graph.ObjID(rng.IntN(n))
	}
	return Build(n, edges, rs...)
}

// Chain builds 0→1→…→n-1 rooted at 0, deep enough to break recursive walks
func Chain(n int) *graph.MemGraph {
	edges := make([][2]graph.ObjID, 0, n)
	for i := 0; i+1 < n; i++ {
		edges = append(edges, [2]graph.ObjID{graph.ObjID(i), graph.ObjID(i + 1)})
	}
	return Build(n, edges, 0)
}

// Distances runs a plain BFS from the roots over idx, skipping edges for
// which skip returns true (skip may be nil). Unreached ids get -1.
func Distances(idx graph.AdjacencyIndex, roots []graph.ObjID, skip func(from, to graph.ObjID) bool) []int {
	dist := make([]int, idx.Size())
	for i := range dist {
		dist[i] = -1
	}
	var queue []graph.ObjID
	for _, r := range roots {
		if dist[r] == -1 {
			dist[r] = 0
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range idx.Get(cur) {
			if dist[next] != -1 || (skip != nil && skip(cur, next)) {
				continue
			}
			dist[next] = dist[cur] + 1
			queue = append(queue, next)
		}
	}
	return dist
}

// Reachable reports reachability from roots, derived from Distances
func Reachable(idx graph.AdjacencyIndex, roots []graph.ObjID) []bool {
	dist := Distances(idx, roots, nil)
	out := make([]bool, len(dist))
	for i, d := range dist {
		out[i] = d >= 0
	}
	return out
}
