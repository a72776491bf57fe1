// Package graphindex is the typed directed adjacency index (C6): given a
// noun ID, find the verbs connecting it to neighbors, filtered by kind and
// direction, with bounded breadth-first traversal.
package graphindex

import (
	"sync"

	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/types"
)

// Edge is one directed, typed relationship instance.
type Edge struct {
	ID     string
	Kind   types.VerbKind
	From   string
	To     string
	Weight float64
}

// Index holds outgoing and incoming adjacency, each keyed first by node ID
// then by verb kind, mirroring how traversal queries are actually shaped:
// "neighbors of X of kind Y in direction Z".
type Index struct {
	mu sync.RWMutex

	outgoing map[string]map[types.VerbKind][]Edge
	incoming map[string]map[types.VerbKind][]Edge
	edges    map[string]Edge
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		outgoing: make(map[string]map[types.VerbKind][]Edge),
		incoming: make(map[string]map[types.VerbKind][]Edge),
		edges:    make(map[string]Edge),
	}
}

// Insert adds an edge to both the outgoing and incoming adjacency maps.
func (x *Index) Insert(e Edge) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.edges[e.ID] = e

	fromKinds, ok := x.outgoing[e.From]
	if !ok {
		fromKinds = make(map[types.VerbKind][]Edge)
		x.outgoing[e.From] = fromKinds
	}
	fromKinds[e.Kind] = append(fromKinds[e.Kind], e)

	toKinds, ok := x.incoming[e.To]
	if !ok {
		toKinds = make(map[types.VerbKind][]Edge)
		x.incoming[e.To] = toKinds
	}
	toKinds[e.Kind] = append(toKinds[e.Kind], e)
}

// UpdateWeight replaces the weight of an existing edge in place, leaving its
// ID and adjacency position untouched.
func (x *Index) UpdateWeight(id string, weight float64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.edges[id]
	if !ok {
		return
	}
	e.Weight = weight
	x.edges[id] = e

	if kinds, ok := x.outgoing[e.From]; ok {
		replaceWeight(kinds[e.Kind], id, weight)
	}
	if kinds, ok := x.incoming[e.To]; ok {
		replaceWeight(kinds[e.Kind], id, weight)
	}
}

func replaceWeight(edges []Edge, id string, weight float64) {
	for i := range edges {
		if edges[i].ID == id {
			edges[i].Weight = weight
			return
		}
	}
}

// Remove deletes an edge given its ID, if present.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.edges[id]
	if !ok {
		return
	}
	delete(x.edges, id)

	if kinds, ok := x.outgoing[e.From]; ok {
		kinds[e.Kind] = removeEdge(kinds[e.Kind], id)
		if len(kinds[e.Kind]) == 0 {
			delete(kinds, e.Kind)
		}
	}
	if kinds, ok := x.incoming[e.To]; ok {
		kinds[e.Kind] = removeEdge(kinds[e.Kind], id)
		if len(kinds[e.Kind]) == 0 {
			delete(kinds, e.Kind)
		}
	}
}

func removeEdge(edges []Edge, id string) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// FindEdge returns the edge from "from" to "to" of the given kind, if one
// exists, so callers can enforce (from, kind, to) uniqueness.
func (x *Index) FindEdge(from string, kind types.VerbKind, to string) (Edge, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for _, e := range x.outgoing[from][kind] {
		if e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// Direction selects which adjacency map Neighbors consults.
type Direction = types.Direction

// Neighbors returns the direct edges touching id, optionally filtered by
// kind (empty string means any kind) and direction.
func (x *Index) Neighbors(id string, kind types.VerbKind, dir types.Direction) []Edge {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.neighborsLocked(id, kind, dir)
}

func (x *Index) neighborsLocked(id string, kind types.VerbKind, dir types.Direction) []Edge {
	var results []Edge
	if dir == types.DirectionOut || dir == types.DirectionBoth {
		results = append(results, x.collect(x.outgoing, id, kind)...)
	}
	if dir == types.DirectionIn || dir == types.DirectionBoth {
		results = append(results, x.collect(x.incoming, id, kind)...)
	}
	return results
}

func (x *Index) collect(adj map[string]map[types.VerbKind][]Edge, id string, kind types.VerbKind) []Edge {
	kinds, ok := adj[id]
	if !ok {
		return nil
	}
	if kind != "" {
		return append([]Edge(nil), kinds[kind]...)
	}
	var out []Edge
	for _, edges := range kinds {
		out = append(out, edges...)
	}
	return out
}

// Traverse runs a bounded breadth-first search starting at id, following
// edges of kind (any kind if empty) in direction dir, up to maxDepth hops,
// returning the set of reached node IDs (not including the start node).
func (x *Index) Traverse(id string, kind types.VerbKind, dir types.Direction, maxDepth int) ([]string, error) {
	if maxDepth < 0 {
		return nil, errs.New(errs.InvalidArgument, "graphindex.Traverse", "maxDepth must be >= 0")
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	visited := map[string]bool{id: true}
	order := make([]string, 0)
	frontier := []string{id}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, e := range x.neighborsLocked(cur, kind, dir) {
				other := otherEnd(e, cur)
				if visited[other] {
					continue
				}
				visited[other] = true
				order = append(order, other)
				next = append(next, other)
			}
		}
		frontier = next
	}

	return order, nil
}

func otherEnd(e Edge, from string) string {
	if e.From == from {
		return e.To
	}
	return e.From
}

// Rebuild clears in-memory state; callers repopulate via Insert per the
// shared rebuild contract (§4.8).
func (x *Index) Rebuild() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.outgoing = make(map[string]map[types.VerbKind][]Edge)
	x.incoming = make(map[string]map[types.VerbKind][]Edge)
	x.edges = make(map[string]Edge)
	log.WithComponent("graphindex").Debug().Msg("index cleared for rebuild")
}

// EdgeCount reports the number of indexed edges, used by Stats.
func (x *Index) EdgeCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return len(x.edges)
}
