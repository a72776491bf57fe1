// Package hnsw implements a hierarchical navigable small world approximate
// nearest-neighbor index (C7) over unit-normalized vectors.
package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/log"
	"github.com/cuemby/vgraph/pkg/metrics"
	"github.com/cuemby/vgraph/pkg/types"
)

// Metric is a distance function over equal-length vectors.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricManhattan Metric = "manhattan"
)

// Params holds the tunable HNSW construction/search knobs.
type Params struct {
	M              int
	M0             int
	EfConstruction int
	EfSearch       int
	Metric         Metric
}

// DefaultParams returns the spec's default parameter set.
func DefaultParams() Params {
	return Params{M: 16, M0: 32, EfConstruction: 200, EfSearch: 64, Metric: MetricCosine}
}

type node struct {
	id      string
	vector  []float32
	level   int
	deleted bool
	// neighbors[level] is the neighbor-ID list at that level.
	neighbors [][]string
}

// Index is the HNSWIndex.
type Index struct {
	mu sync.RWMutex

	params Params
	rng    types.Rng

	nodes      map[string]*node
	entryPoint string
	topLevel   int

	tombstones int
}

type defaultRng struct{}

func (defaultRng) Float64() float64 { return rand.Float64() }

// New returns an empty Index. A nil rng defaults to math/rand.
func New(params Params, rng types.Rng) *Index {
	if params.M <= 0 {
		params = DefaultParams()
	}
	if rng == nil {
		rng = defaultRng{}
	}
	return &Index{
		params:   params,
		rng:      rng,
		nodes:    make(map[string]*node),
		topLevel: -1,
	}
}

func (x *Index) assignLevel() int {
	r := x.rng.Float64()
	if r <= 0 {
		r = 1e-12
	}
	l := int(math.Floor(-math.Log(r) * (1 / math.Log(float64(x.params.M)))))
	return l
}

// Insert adds id/vector to the graph, per the standard HNSW construction
// algorithm: descend greedily to the assigned level, then at each level
// from there down to 0 search efConstruction candidates and link up to M
// (M0 at level 0) heuristically-selected neighbors.
func (x *Index) Insert(id string, vector []float32) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HNSWInsertDuration)

	x.mu.Lock()
	defer x.mu.Unlock()

	if len(vector) == 0 {
		return errs.New(errs.InvalidArgument, "hnsw.Insert", "vector must be non-empty")
	}

	level := x.assignLevel()
	n := &node{id: id, vector: vector, level: level, neighbors: make([][]string, level+1)}
	x.nodes[id] = n

	if x.entryPoint == "" {
		x.entryPoint = id
		x.topLevel = level
		return nil
	}

	cur := x.entryPoint
	for lvl := x.topLevel; lvl > level; lvl-- {
		cur = x.greedyClosest(cur, vector, lvl)
	}

	for lvl := min(level, x.topLevel); lvl >= 0; lvl-- {
		candidates := x.searchLayer(vector, cur, x.params.EfConstruction, lvl)
		m := x.params.M
		if lvl == 0 {
			m = x.params.M0
		}
		selected := x.selectHeuristic(vector, candidates, m)
		for _, c := range selected {
			x.link(id, c.id, lvl)
			x.link(c.id, id, lvl)
		}
		if len(selected) > 0 {
			cur = selected[0].id
		}
	}

	if level > x.topLevel {
		x.topLevel = level
		x.entryPoint = id
	}
	return nil
}

func (x *Index) link(a, b string, level int) {
	na := x.nodes[a]
	if level >= len(na.neighbors) {
		return
	}
	for _, existing := range na.neighbors[level] {
		if existing == b {
			return
		}
	}
	na.neighbors[level] = append(na.neighbors[level], b)

	m := x.params.M
	if level == 0 {
		m = x.params.M0
	}
	if len(na.neighbors[level]) > m {
		cands := make([]scored, 0, len(na.neighbors[level]))
		for _, nb := range na.neighbors[level] {
			if other, ok := x.nodes[nb]; ok {
				cands = append(cands, scored{id: nb, dist: x.distance(na.vector, other.vector)})
			}
		}
		trimmed := x.selectHeuristic(na.vector, cands, m)
		ids := make([]string, len(trimmed))
		for i, c := range trimmed {
			ids[i] = c.id
		}
		na.neighbors[level] = ids
	}
}

type scored struct {
	id   string
	dist float64
}

// greedyClosest performs single-neighbor expansion at level, returning the
// closest node to vector reachable from start.
func (x *Index) greedyClosest(start string, vector []float32, level int) string {
	best := start
	bestDist := x.distance(x.nodes[start].vector, vector)
	improved := true
	for improved {
		improved = false
		n := x.nodes[best]
		if level >= len(n.neighbors) {
			break
		}
		for _, nb := range n.neighbors[level] {
			if on, ok := x.nodes[nb]; ok {
				d := x.distance(on.vector, vector)
				if d < bestDist {
					bestDist = d
					best = nb
					improved = true
				}
			}
		}
	}
	return best
}

// searchLayer runs a bounded best-first search at level, returning up to ef
// candidates sorted by ascending distance, excluding soft-deleted nodes.
func (x *Index) searchLayer(vector []float32, entry string, ef int, level int) []scored {
	visited := map[string]bool{entry: true}
	entryNode := x.nodes[entry]
	candidates := []scored{{id: entry, dist: x.distance(entryNode.vector, vector)}}
	result := []scored{}
	if !entryNode.deleted {
		result = append(result, candidates[0])
	}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		if len(result) >= ef {
			worst := worstOf(result)
			if c.dist > worst {
				break
			}
		}

		n := x.nodes[c.id]
		if level >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			on, ok := x.nodes[nb]
			if !ok {
				continue
			}
			d := x.distance(on.vector, vector)
			candidates = append(candidates, scored{id: nb, dist: d})
			if !on.deleted {
				result = append(result, scored{id: nb, dist: d})
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].dist != result[j].dist {
			return result[i].dist < result[j].dist
		}
		return result[i].id < result[j].id
	})
	if len(result) > ef {
		result = result[:ef]
	}
	return result
}

func worstOf(scored []scored) float64 {
	w := 0.0
	for _, s := range scored {
		if s.dist > w {
			w = s.dist
		}
	}
	return w
}

// selectHeuristic picks up to m neighbors from candidates favoring
// diversity over pure closeness, tie-breaking by ID ascending so
// construction is deterministic given identical inputs.
func (x *Index) selectHeuristic(vector []float32, candidates []scored, m int) []scored {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].id < candidates[j].id
	})

	var selected []scored
	for _, c := range candidates {
		if len(selected) >= m {
			break
		}
		if x.nodes[c.id].deleted {
			continue
		}
		diverse := true
		for _, s := range selected {
			if x.distance(x.nodes[c.id].vector, x.nodes[s.id].vector) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c)
		}
	}
	// Backfill with closest remaining if the diversity filter left room.
	if len(selected) < m {
		for _, c := range candidates {
			if len(selected) >= m {
				break
			}
			if x.nodes[c.id].deleted || contains(selected, c.id) {
				continue
			}
			selected = append(selected, c)
		}
	}
	return selected
}

func contains(s []scored, id string) bool {
	for _, e := range s {
		if e.id == id {
			return true
		}
	}
	return false
}

// Search returns the top k nearest neighbors to vector.
func (x *Index) Search(vector []float32, k int, efSearch int) ([]Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HNSWSearchDuration)

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.entryPoint == "" {
		return nil, nil
	}
	if efSearch <= 0 {
		efSearch = x.params.EfSearch
	}
	ef := efSearch
	if k > ef {
		ef = k
	}

	cur := x.entryPoint
	for lvl := x.topLevel; lvl >= 1; lvl-- {
		cur = x.greedyClosest(cur, vector, lvl)
	}

	candidates := x.searchLayer(vector, cur, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{ID: c.id, Distance: c.dist, Score: scoreFor(x.params.Metric, c.dist)}
	}
	return results, nil
}

// Result is one ranked hit.
type Result struct {
	ID       string
	Distance float64
	Score    float64
}

func scoreFor(metric Metric, distance float64) float64 {
	if metric == MetricCosine {
		return 1 - distance
	}
	return -distance
}

// Delete soft-deletes id: it is excluded from search results, but its edges
// and level-array entry remain until Compact runs.
func (x *Index) Delete(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n, ok := x.nodes[id]
	if !ok || n.deleted {
		return
	}
	n.deleted = true
	x.tombstones++
	metrics.HNSWTombstonesTotal.Set(float64(x.tombstones))
}

// Compact strips soft-deleted nodes from every surviving node's neighbor
// lists, then drops them from the graph entirely. Surviving nodes that lose
// neighbors this way are not re-linked to replacement neighbors.
func (x *Index) Compact() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CompactionDuration)
	metrics.CompactionsTotal.Inc()

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, n := range x.nodes {
		if n.deleted {
			continue
		}
		for lvl := range n.neighbors {
			filtered := n.neighbors[lvl][:0]
			for _, nb := range n.neighbors[lvl] {
				if other, ok := x.nodes[nb]; ok && !other.deleted {
					filtered = append(filtered, nb)
				}
			}
			n.neighbors[lvl] = filtered
		}
	}

	for id, n := range x.nodes {
		if n.deleted {
			delete(x.nodes, id)
			x.tombstones--
		}
	}
	if x.entryPoint != "" {
		if n, ok := x.nodes[x.entryPoint]; !ok || n.deleted {
			x.reassignEntryPoint()
		}
	}
	metrics.HNSWTombstonesTotal.Set(float64(x.tombstones))
	log.WithComponent("hnsw").Debug().Int("remaining_tombstones", x.tombstones).Msg("compaction complete")
}

func (x *Index) reassignEntryPoint() {
	x.entryPoint = ""
	x.topLevel = -1
	for id, n := range x.nodes {
		if n.level > x.topLevel {
			x.topLevel = n.level
			x.entryPoint = id
		}
	}
}

func (x *Index) distance(a, b []float32) float64 {
	switch x.params.Metric {
	case MetricEuclidean:
		return euclidean(a, b)
	case MetricManhattan:
		return manhattan(a, b)
	default:
		return cosineDistance(a, b)
	}
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func manhattan(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}

// Rebuild clears in-memory state; callers repopulate via Insert per the
// shared rebuild contract (§4.8): ascending ID within shard, ascending
// shard, so two rebuilds of the same data converge on the same graph.
func (x *Index) Rebuild() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nodes = make(map[string]*node)
	x.entryPoint = ""
	x.topLevel = -1
	x.tombstones = 0
	metrics.HNSWTombstonesTotal.Set(0)
}

// Len reports the number of live (non-tombstoned) nodes.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, nd := range x.nodes {
		if !nd.deleted {
			n++
		}
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Tombstones reports the number of soft-deleted nodes awaiting compaction.
func (x *Index) Tombstones() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.tombstones
}
