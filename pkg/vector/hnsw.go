// Package vector provides the persistent HNSW index over the storage engine.
package vector

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/helixgraph/helixdb/pkg/storage"
)

// Config contains the HNSW build and search parameters.
type Config struct {
	M              int     // max neighbors per node per layer
	EfConstruction int     // candidate list size during construction
	EfSearch       int     // candidate list size during search
	ML             float64 // level multiplier = 1/ln(M)
	Dims           int     // fixed dimension; 0 adopts the first insert
}

// NewConfig clamps parameters into their supported ranges and derives the
// level multiplier.
func NewConfig(m, efConstruction, efSearch int) Config {
	if m == 0 {
		m = 16
	}
	m = clamp(m, 5, 48)
	if efConstruction == 0 {
		efConstruction = 128
	}
	efConstruction = clamp(efConstruction, 40, 512)
	if efSearch == 0 {
		efSearch = 128
	}
	efSearch = clamp(efSearch, 10, 512)
	return Config{
		M:              m,
		EfConstruction: efConstruction,
		EfSearch:       efSearch,
		ML:             1.0 / math.Log(float64(m)),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// mMax returns the neighbor cap at a level (doubled at the base layer).
func (c Config) mMax(level int) int {
	if level == 0 {
		return 2 * c.M
	}
	return c.M
}

// DistanceFunc measures dissimilarity between two vectors.
type DistanceFunc func(a, b []float64) float64

// L2 is the default metric: Euclidean distance over f64 components.
func L2(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Cosine distance, available behind the DistanceFunc seam but not surfaced
// in the query language.
func Cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// cacheSize bounds the hot vector-data cache used on the search path.
const cacheSize = 8192

// Index is the layered proximity graph. All state is persistent; the struct
// itself only carries configuration and the data cache.
type Index struct {
	engine   *storage.Engine
	cfg      Config
	dist     DistanceFunc
	rng      *rand.Rand
	dataCache *lru.Cache[storage.ID, []float64]
}

// NewIndex builds an index over the engine.
func NewIndex(engine *storage.Engine, cfg Config) *Index {
	if cfg.M == 0 {
		cfg = NewConfig(0, 0, 0)
	}
	cache, _ := lru.New[storage.ID, []float64](cacheSize)
	return &Index{
		engine:   engine,
		cfg:      cfg,
		dist:     L2,
		rng:      rand.New(rand.NewSource(rand.Int63())),
		dataCache: cache,
	}
}

// WithDistance swaps the metric. Must be called before any insert.
func (ix *Index) WithDistance(fn DistanceFunc) *Index {
	ix.dist = fn
	return ix
}

// Filter rejects candidates during search. Returning false drops the vector.
type Filter func(*storage.Vector) bool

// randomLevel samples the insertion level geometrically.
func (ix *Index) randomLevel() int {
	return int(math.Floor(-math.Log(ix.rng.Float64()) * ix.cfg.ML))
}

// Insert adds a vector with its payload, wiring it into the proximity graph
// at levels 0..level.
func (ix *Index) Insert(t *storage.Txn, version uint8, label string, data []float64, props storage.Properties) (*storage.Vector, error) {
	if ix.cfg.Dims == 0 {
		ix.cfg.Dims = len(data)
	}
	if len(data) != ix.cfg.Dims {
		return nil, fmt.Errorf("%w: want %d, got %d", storage.ErrDimensionMismatch, ix.cfg.Dims, len(data))
	}
	if props == nil {
		props = storage.Properties{}
	}

	level := ix.randomLevel()
	v := &storage.Vector{
		ID:         storage.NewID(),
		Label:      label,
		Version:    version,
		Level:      uint8(level),
		Data:       data,
		Properties: props,
	}
	if err := ix.engine.PutVector(t, v); err != nil {
		return nil, err
	}

	epID, epLevel, ok, err := ix.engine.HNSWEntryPoint(t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return v, ix.engine.SetHNSWEntryPoint(t, v.ID, v.Level)
	}

	// Greedy descent through the levels above the insertion level.
	ep := epID
	for l := int(epLevel); l > level; l-- {
		ep, err = ix.greedyStep(t, data, ep, uint8(l))
		if err != nil {
			return nil, err
		}
	}

	// Beam search and bidirectional wiring from min(top, level) down to 0.
	top := min(int(epLevel), level)
	entries := []candidate{{id: ep}}
	for l := top; l >= 0; l-- {
		found, err := ix.searchLevel(t, data, entries, ix.cfg.EfConstruction, uint8(l), nil)
		if err != nil {
			return nil, err
		}
		selected := ix.selectNeighbors(t, data, found, ix.cfg.M)

		neighbors := make([]storage.HNSWNeighbor, 0, len(selected))
		for _, c := range selected {
			neighbors = append(neighbors, storage.HNSWNeighbor{ID: c.id, Level: uint8(l)})
		}
		if err := ix.engine.SetHNSWNeighbors(t, v.ID, uint8(l), neighbors); err != nil {
			return nil, err
		}

		// Merge the reverse edge into each selected neighbor's list,
		// trimming to the level's cap.
		for _, c := range selected {
			if err := ix.linkBack(t, c.id, v.ID, uint8(l)); err != nil {
				return nil, err
			}
		}
		entries = found
	}

	if level > int(epLevel) {
		if err := ix.engine.SetHNSWEntryPoint(t, v.ID, v.Level); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (ix *Index) linkBack(t *storage.Txn, from, to storage.ID, level uint8) error {
	list, err := ix.engine.HNSWNeighborsAt(t, from, level)
	if err != nil {
		return err
	}
	for _, n := range list {
		if n.ID == to {
			return nil
		}
	}
	list = append(list, storage.HNSWNeighbor{ID: to, Level: level})
	maxLen := ix.cfg.mMax(int(level))
	if len(list) > maxLen {
		base, err := ix.vectorData(t, from)
		if err != nil {
			return err
		}
		cands := make([]candidate, 0, len(list))
		for _, n := range list {
			d, err := ix.vectorData(t, n.ID)
			if err != nil {
				return err
			}
			cands = append(cands, candidate{id: n.ID, dist: ix.dist(base, d)})
		}
		selected := trimClosest(cands, maxLen)
		list = list[:0]
		for _, c := range selected {
			list = append(list, storage.HNSWNeighbor{ID: c.id, Level: level})
		}
	}
	return ix.engine.SetHNSWNeighbors(t, from, level, list)
}

// vectorData loads the raw components of a vector, cached. Data is immutable
// after insert, so the cache never goes stale.
func (ix *Index) vectorData(t *storage.Txn, id storage.ID) ([]float64, error) {
	if data, ok := ix.dataCache.Get(id); ok {
		return data, nil
	}
	v, err := ix.engine.GetVector(t, id)
	if err != nil {
		return nil, err
	}
	ix.dataCache.Add(id, v.Data)
	return v.Data, nil
}

type candidate struct {
	id   storage.ID
	dist float64
}

// greedyStep follows the single best neighbor until no improvement, ef=1.
func (ix *Index) greedyStep(t *storage.Txn, query []float64, entry storage.ID, level uint8) (storage.ID, error) {
	cur := entry
	data, err := ix.vectorData(t, cur)
	if err != nil {
		return storage.NilID, err
	}
	curDist := ix.dist(query, data)
	for {
		improved := false
		neighbors, err := ix.engine.HNSWNeighborsAt(t, cur, level)
		if err != nil {
			return storage.NilID, err
		}
		for _, n := range neighbors {
			nd, err := ix.vectorData(t, n.ID)
			if err != nil {
				return storage.NilID, err
			}
			if d := ix.dist(query, nd); d < curDist {
				cur, curDist = n.ID, d
				improved = true
			}
		}
		if !improved {
			return cur, nil
		}
	}
}

// searchLevel is the beam walk: a candidate min-heap and a bounded result
// max-heap seeded from the entries; expansion stops when the closest
// candidate is farther than the worst accepted result.
func (ix *Index) searchLevel(t *storage.Txn, query []float64, entries []candidate, ef int, level uint8, filter Filter) ([]candidate, error) {
	visited := make(map[storage.ID]bool)
	candidates := &distHeap{}
	results := &distHeap{max: true}

	for _, e := range entries {
		if visited[e.id] {
			continue
		}
		visited[e.id] = true
		data, err := ix.vectorData(t, e.id)
		if err != nil {
			return nil, err
		}
		d := ix.dist(query, data)
		heap.Push(candidates, candidate{id: e.id, dist: d})
		if filter == nil || ix.passes(t, e.id, filter) {
			heap.Push(results, candidate{id: e.id, dist: d})
		}
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && closest.dist > results.items[0].dist {
			break
		}
		neighbors, err := ix.engine.HNSWNeighborsAt(t, closest.id, level)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if visited[n.ID] {
				continue
			}
			visited[n.ID] = true
			data, err := ix.vectorData(t, n.ID)
			if err != nil {
				return nil, err
			}
			d := ix.dist(query, data)
			if results.Len() < ef || d < results.items[0].dist {
				heap.Push(candidates, candidate{id: n.ID, dist: d})
				if filter == nil || ix.passes(t, n.ID, filter) {
					heap.Push(results, candidate{id: n.ID, dist: d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out, nil
}

func (ix *Index) passes(t *storage.Txn, id storage.ID, filter Filter) bool {
	v, err := ix.engine.GetVector(t, id)
	if err != nil {
		return false
	}
	return filter(v)
}

// selectNeighbors keeps the closest m candidates, extended by also weighing
// the candidates' own neighborhoods so that clusters stay connected.
func (ix *Index) selectNeighbors(t *storage.Txn, query []float64, cands []candidate, m int) []candidate {
	if len(cands) <= m {
		return cands
	}
	sorted := append([]candidate{}, cands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].dist < sorted[j].dist })

	selected := make([]candidate, 0, m)
	for _, c := range sorted {
		if len(selected) >= m {
			break
		}
		keep := true
		cd, err := ix.vectorData(t, c.id)
		if err != nil {
			continue
		}
		for _, s := range selected {
			sd, err := ix.vectorData(t, s.id)
			if err != nil {
				continue
			}
			// A candidate closer to an already-selected neighbor than to the
			// query adds no coverage.
			if ix.dist(cd, sd) < c.dist {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		}
	}
	// Heuristic may under-fill; pad with the nearest remaining.
	for _, c := range sorted {
		if len(selected) >= m {
			break
		}
		dup := false
		for _, s := range selected {
			if s.id == c.id {
				dup = true
				break
			}
		}
		if !dup {
			selected = append(selected, c)
		}
	}
	return selected
}

func trimClosest(cands []candidate, m int) []candidate {
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > m {
		cands = cands[:m]
	}
	return cands
}

// SearchOptions tunes one query.
type SearchOptions struct {
	K       int
	Ef      int    // 0 uses the configured EfSearch
	Label   string // restrict results to one vector label
	Filter  Filter // caller predicate, applied at level 0
	Trickle bool   // apply the filter during the upper-level descent too
}

// Search runs k-NN over the graph. Tombstoned vectors steer the walk but are
// filtered from results; results carry their distance to the query.
func (ix *Index) Search(t *storage.Txn, query []float64, opts SearchOptions) ([]*storage.Vector, error) {
	if ix.cfg.Dims != 0 && len(query) != ix.cfg.Dims {
		return nil, fmt.Errorf("%w: want %d, got %d", storage.ErrDimensionMismatch, ix.cfg.Dims, len(query))
	}
	epID, epLevel, ok, err := ix.engine.HNSWEntryPoint(t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrEntryPointNotFound
	}
	ef := opts.Ef
	if ef == 0 {
		ef = ix.cfg.EfSearch
	}
	if ef < opts.K {
		ef = opts.K
	}

	var trickleFilter Filter
	if opts.Trickle {
		trickleFilter = opts.Filter
	}

	ep := epID
	for l := int(epLevel); l >= 1; l-- {
		if trickleFilter != nil {
			found, err := ix.searchLevel(t, query, []candidate{{id: ep}}, 1, uint8(l), trickleFilter)
			if err != nil {
				return nil, err
			}
			if len(found) > 0 {
				ep = found[0].id
				continue
			}
		}
		ep, err = ix.greedyStep(t, query, ep, uint8(l))
		if err != nil {
			return nil, err
		}
	}

	found, err := ix.searchLevel(t, query, []candidate{{id: ep}}, ef, 0, opts.Filter)
	if err != nil {
		return nil, err
	}

	out := make([]*storage.Vector, 0, opts.K)
	for _, c := range found {
		if len(out) >= opts.K {
			break
		}
		v, err := ix.engine.GetVector(t, c.id)
		if err != nil {
			if errors.Is(err, storage.ErrVectorNotFound) {
				continue
			}
			return nil, err
		}
		if v.Deleted {
			continue
		}
		if opts.Label != "" && v.Label != opts.Label {
			continue
		}
		if opts.Filter != nil && !opts.Filter(v) {
			continue
		}
		v.Distance = c.dist
		out = append(out, v)
	}
	return out, nil
}

// SoftDelete tombstones a vector. Its HNSW edges stay in place to preserve
// graph connectivity; search filters it from results.
func (ix *Index) SoftDelete(t *storage.Txn, id storage.ID) error {
	v, err := ix.engine.GetVector(t, id)
	if err != nil {
		return err
	}
	if v.Deleted {
		return fmt.Errorf("%w: %s", storage.ErrVectorDeleted, id)
	}
	v.Deleted = true
	return ix.engine.RewriteVector(t, v)
}

// distHeap orders candidates by distance; max flips it into a max-heap.
type distHeap struct {
	items []candidate
	max   bool
}

func (h *distHeap) Len() int { return len(h.items) }
func (h *distHeap) Less(i, j int) bool {
	if h.max {
		return h.items[i].dist > h.items[j].dist
	}
	return h.items[i].dist < h.items[j].dist
}
func (h *distHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *distHeap) Push(x any)    { h.items = append(h.items, x.(candidate)) }
func (h *distHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
