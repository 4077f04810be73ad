package vector

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/helixgraph/helixdb/pkg/storage"
)

// listKey addresses one neighbor list.
type listKey struct {
	id    storage.ID
	level uint8
}

// mergeOp is one recorded mutation against a neighbor list. At commit the
// ops replay against the then-current on-disk list, so concurrent writers
// that touched the same list between staging and commit are merged rather
// than overwritten.
type mergeOp struct {
	add   bool
	entry storage.HNSWNeighbor
}

// Batch stages vector inserts in memory and commits them in one write
// transaction. Building a large index through batches avoids holding a
// single write transaction open for the whole build.
type Batch struct {
	ix   *Index
	snap *storage.Txn

	vectors []*storage.Vector
	data    map[storage.ID][]float64
	lists   map[listKey][]storage.HNSWNeighbor
	ops     map[listKey][]mergeOp

	entryID    storage.ID
	entryLevel uint8
	entrySet   bool
}

// NewBatch opens a staging batch over a read snapshot of the index.
func (ix *Index) NewBatch() (*Batch, error) {
	b := &Batch{
		ix:    ix,
		snap:  ix.engine.BeginRead(),
		data:  make(map[storage.ID][]float64),
		lists: make(map[listKey][]storage.HNSWNeighbor),
		ops:   make(map[listKey][]mergeOp),
	}
	id, level, ok, err := ix.engine.HNSWEntryPoint(b.snap)
	if err != nil {
		b.snap.Discard()
		return nil, err
	}
	if ok {
		b.entryID, b.entryLevel, b.entrySet = id, level, true
	}
	return b, nil
}

// Discard releases the batch without committing.
func (b *Batch) Discard() { b.snap.Discard() }

func (b *Batch) neighborsAt(id storage.ID, level uint8) ([]storage.HNSWNeighbor, error) {
	key := listKey{id: id, level: level}
	if list, ok := b.lists[key]; ok {
		return list, nil
	}
	return b.ix.engine.HNSWNeighborsAt(b.snap, id, level)
}

func (b *Batch) dataOf(id storage.ID) ([]float64, error) {
	if d, ok := b.data[id]; ok {
		return d, nil
	}
	return b.ix.vectorData(b.snap, id)
}

func (b *Batch) setList(id storage.ID, level uint8, list []storage.HNSWNeighbor, ops []mergeOp) {
	key := listKey{id: id, level: level}
	b.lists[key] = list
	b.ops[key] = append(b.ops[key], ops...)
}

// Insert stages one vector. The proximity walk runs against the merged view
// of the snapshot plus previously staged inserts.
func (b *Batch) Insert(version uint8, label string, data []float64, props storage.Properties) (*storage.Vector, error) {
	if b.ix.cfg.Dims == 0 {
		b.ix.cfg.Dims = len(data)
	}
	if len(data) != b.ix.cfg.Dims {
		return nil, fmt.Errorf("%w: want %d, got %d", storage.ErrDimensionMismatch, b.ix.cfg.Dims, len(data))
	}
	if props == nil {
		props = storage.Properties{}
	}
	level := b.ix.randomLevel()
	v := &storage.Vector{
		ID:         storage.NewID(),
		Label:      label,
		Version:    version,
		Level:      uint8(level),
		Data:       data,
		Properties: props,
	}
	b.vectors = append(b.vectors, v)
	b.data[v.ID] = data

	if !b.entrySet {
		b.entryID, b.entryLevel, b.entrySet = v.ID, v.Level, true
		return v, nil
	}

	ep := b.entryID
	var err error
	for l := int(b.entryLevel); l > level; l-- {
		ep, err = b.greedyStep(data, ep, uint8(l))
		if err != nil {
			return nil, err
		}
	}

	top := min(int(b.entryLevel), level)
	entries := []candidate{{id: ep}}
	for l := top; l >= 0; l-- {
		found, err := b.searchLevel(data, entries, b.ix.cfg.EfConstruction, uint8(l))
		if err != nil {
			return nil, err
		}
		selected := b.selectNeighbors(data, found, b.ix.cfg.M)

		own := make([]storage.HNSWNeighbor, 0, len(selected))
		ownOps := make([]mergeOp, 0, len(selected))
		for _, c := range selected {
			n := storage.HNSWNeighbor{ID: c.id, Level: uint8(l)}
			own = append(own, n)
			ownOps = append(ownOps, mergeOp{add: true, entry: n})
		}
		b.setList(v.ID, uint8(l), own, ownOps)

		for _, c := range selected {
			if err := b.linkBack(c.id, v.ID, uint8(l)); err != nil {
				return nil, err
			}
		}
		entries = found
	}

	if level > int(b.entryLevel) {
		b.entryID, b.entryLevel = v.ID, v.Level
	}
	return v, nil
}

func (b *Batch) linkBack(from, to storage.ID, level uint8) error {
	list, err := b.neighborsAt(from, level)
	if err != nil {
		return err
	}
	for _, n := range list {
		if n.ID == to {
			return nil
		}
	}
	merged := append(append([]storage.HNSWNeighbor{}, list...), storage.HNSWNeighbor{ID: to, Level: level})
	ops := []mergeOp{{add: true, entry: storage.HNSWNeighbor{ID: to, Level: level}}}

	maxLen := b.ix.cfg.mMax(int(level))
	if len(merged) > maxLen {
		base, err := b.dataOf(from)
		if err != nil {
			return err
		}
		cands := make([]candidate, 0, len(merged))
		for _, n := range merged {
			d, err := b.dataOf(n.ID)
			if err != nil {
				return err
			}
			cands = append(cands, candidate{id: n.ID, dist: b.ix.dist(base, d)})
		}
		kept := trimClosest(cands, maxLen)
		keptSet := make(map[storage.ID]bool, len(kept))
		trimmed := make([]storage.HNSWNeighbor, 0, len(kept))
		for _, c := range kept {
			keptSet[c.id] = true
			trimmed = append(trimmed, storage.HNSWNeighbor{ID: c.id, Level: level})
		}
		for _, n := range merged {
			if !keptSet[n.ID] {
				ops = append(ops, mergeOp{add: false, entry: n})
			}
		}
		merged = trimmed
	}
	b.setList(from, level, merged, ops)
	return nil
}

func (b *Batch) greedyStep(query []float64, entry storage.ID, level uint8) (storage.ID, error) {
	cur := entry
	data, err := b.dataOf(cur)
	if err != nil {
		return storage.NilID, err
	}
	curDist := b.ix.dist(query, data)
	for {
		improved := false
		neighbors, err := b.neighborsAt(cur, level)
		if err != nil {
			return storage.NilID, err
		}
		for _, n := range neighbors {
			nd, err := b.dataOf(n.ID)
			if err != nil {
				return storage.NilID, err
			}
			if d := b.ix.dist(query, nd); d < curDist {
				cur, curDist = n.ID, d
				improved = true
			}
		}
		if !improved {
			return cur, nil
		}
	}
}

func (b *Batch) searchLevel(query []float64, entries []candidate, ef int, level uint8) ([]candidate, error) {
	visited := make(map[storage.ID]bool)
	candidates := &distHeap{}
	results := &distHeap{max: true}

	for _, e := range entries {
		if visited[e.id] {
			continue
		}
		visited[e.id] = true
		data, err := b.dataOf(e.id)
		if err != nil {
			return nil, err
		}
		d := b.ix.dist(query, data)
		heap.Push(candidates, candidate{id: e.id, dist: d})
		heap.Push(results, candidate{id: e.id, dist: d})
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && closest.dist > results.items[0].dist {
			break
		}
		neighbors, err := b.neighborsAt(closest.id, level)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if visited[n.ID] {
				continue
			}
			visited[n.ID] = true
			data, err := b.dataOf(n.ID)
			if err != nil {
				return nil, err
			}
			d := b.ix.dist(query, data)
			if results.Len() < ef || d < results.items[0].dist {
				heap.Push(candidates, candidate{id: n.ID, dist: d})
				heap.Push(results, candidate{id: n.ID, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
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

func (b *Batch) selectNeighbors(query []float64, cands []candidate, m int) []candidate {
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
		cd, err := b.dataOf(c.id)
		if err != nil {
			continue
		}
		for _, s := range selected {
			sd, err := b.dataOf(s.id)
			if err != nil {
				continue
			}
			if b.ix.dist(cd, sd) < c.dist {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		}
	}
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

// Commit applies the batch atomically. Each touched neighbor list is re-read
// from the store and the recorded ops replay against it, so lists modified
// by other committed writers since the snapshot merge instead of being
// clobbered.
func (b *Batch) Commit() error {
	defer b.snap.Discard()

	txn := b.ix.engine.BeginWrite()
	defer txn.Discard()

	for _, v := range b.vectors {
		if err := b.ix.engine.PutVector(txn, v); err != nil {
			return err
		}
	}

	for key, ops := range b.ops {
		current, err := b.ix.engine.HNSWNeighborsAt(txn, key.id, key.level)
		if err != nil {
			return err
		}
		merged := applyMergeOps(current, ops)
		maxLen := b.ix.cfg.mMax(int(key.level))
		if len(merged) > maxLen {
			base, err := b.dataOf(key.id)
			if err != nil {
				return err
			}
			cands := make([]candidate, 0, len(merged))
			for _, n := range merged {
				d, derr := b.dataOf(n.ID)
				if derr != nil {
					return derr
				}
				cands = append(cands, candidate{id: n.ID, dist: b.ix.dist(base, d)})
			}
			kept := trimClosest(cands, maxLen)
			merged = merged[:0]
			for _, c := range kept {
				merged = append(merged, storage.HNSWNeighbor{ID: c.id, Level: key.level})
			}
		}
		if err := b.ix.engine.SetHNSWNeighbors(txn, key.id, key.level, merged); err != nil {
			return err
		}
	}

	if b.entrySet {
		id, level, ok, err := b.ix.engine.HNSWEntryPoint(txn)
		if err != nil {
			return err
		}
		if !ok || b.entryLevel >= level || id == b.entryID {
			if err := b.ix.engine.SetHNSWEntryPoint(txn, b.entryID, b.entryLevel); err != nil {
				return err
			}
		}
	}
	return txn.Commit()
}

func applyMergeOps(current []storage.HNSWNeighbor, ops []mergeOp) []storage.HNSWNeighbor {
	present := make(map[storage.ID]int, len(current))
	out := append([]storage.HNSWNeighbor{}, current...)
	for i, n := range out {
		present[n.ID] = i
	}
	for _, op := range ops {
		if op.add {
			if _, ok := present[op.entry.ID]; !ok {
				present[op.entry.ID] = len(out)
				out = append(out, op.entry)
			}
		} else if idx, ok := present[op.entry.ID]; ok {
			out = append(out[:idx], out[idx+1:]...)
			delete(present, op.entry.ID)
			for j := idx; j < len(out); j++ {
				present[out[j].ID] = j
			}
		}
	}
	return out
}
