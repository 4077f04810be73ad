package vector

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixgraph/helixdb/pkg/storage"
)

func newTestIndex(t *testing.T) (*storage.Engine, *Index) {
	t.Helper()
	engine, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine, NewIndex(engine, NewConfig(16, 64, 64))
}

func randomVectors(n, dims int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, n)
	for i := range out {
		v := make([]float64, dims)
		for j := range v {
			v[j] = rng.NormFloat64()
		}
		out[i] = v
	}
	return out
}

func TestConfigClamps(t *testing.T) {
	cfg := NewConfig(1, 10000, 1)
	assert.Equal(t, 5, cfg.M)
	assert.Equal(t, 512, cfg.EfConstruction)
	assert.Equal(t, 10, cfg.EfSearch)

	cfg = NewConfig(0, 0, 0)
	assert.Equal(t, 16, cfg.M)
	assert.Equal(t, 128, cfg.EfConstruction)
	assert.InDelta(t, 0.36, cfg.ML, 0.01)
}

func TestSearchEmptyIndex(t *testing.T) {
	engine, ix := newTestIndex(t)
	txn := engine.BeginRead()
	defer txn.Discard()
	_, err := ix.Search(txn, []float64{1, 2}, SearchOptions{K: 5})
	assert.ErrorIs(t, err, storage.ErrEntryPointNotFound)
}

func TestSingleElement(t *testing.T) {
	engine, ix := newTestIndex(t)

	txn := engine.BeginWrite()
	v, err := ix.Insert(txn, 1, "Doc", []float64{1, 0, 0}, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	got, err := ix.Search(read, []float64{1, 0, 0}, SearchOptions{K: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, v.ID, got[0].ID)

	// Filter rejecting the only element yields empty, not an error.
	got, err = ix.Search(read, []float64{1, 0, 0}, SearchOptions{
		K:      10,
		Filter: func(*storage.Vector) bool { return false },
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDimensionMismatch(t *testing.T) {
	engine, ix := newTestIndex(t)
	txn := engine.BeginWrite()
	defer txn.Discard()
	_, err := ix.Insert(txn, 1, "Doc", []float64{1, 2, 3}, nil)
	require.NoError(t, err)
	_, err = ix.Insert(txn, 1, "Doc", []float64{1, 2}, nil)
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
	_, err = ix.Search(txn, []float64{1}, SearchOptions{K: 1})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestExactMatchRankedFirst(t *testing.T) {
	engine, ix := newTestIndex(t)
	vecs := randomVectors(200, 16, 42)

	txn := engine.BeginWrite()
	var ids []storage.ID
	for _, data := range vecs {
		v, err := ix.Insert(txn, 1, "Doc", data, nil)
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	got, err := ix.Search(read, vecs[42], SearchOptions{K: 10})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, ids[42], got[0].ID, "query equal to vector 42 must rank it first")
	assert.Equal(t, float64(0), got[0].Distance)
	assert.LessOrEqual(t, len(got), 10)
}

func TestRecallAgainstBruteForce(t *testing.T) {
	engine, ix := newTestIndex(t)
	vecs := randomVectors(500, 8, 7)

	txn := engine.BeginWrite()
	ids := make([]storage.ID, len(vecs))
	for i, data := range vecs {
		v, err := ix.Insert(txn, 1, "Doc", data, nil)
		require.NoError(t, err)
		ids[i] = v.ID
	}
	require.NoError(t, txn.Commit())

	queries := randomVectors(20, 8, 99)
	read := engine.BeginRead()
	defer read.Discard()

	var hits, total int
	for _, q := range queries {
		got, err := ix.Search(read, q, SearchOptions{K: 10})
		require.NoError(t, err)

		exact := bruteForceTopK(vecs, ids, q, 10)
		gotSet := make(map[storage.ID]bool)
		for _, v := range got {
			gotSet[v.ID] = true
		}
		for _, id := range exact {
			total++
			if gotSet[id] {
				hits++
			}
		}
	}
	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.8, "recall@10 = %.3f", recall)
}

func bruteForceTopK(vecs [][]float64, ids []storage.ID, q []float64, k int) []storage.ID {
	type pair struct {
		id   storage.ID
		dist float64
	}
	pairs := make([]pair, len(vecs))
	for i := range vecs {
		pairs[i] = pair{id: ids[i], dist: L2(q, vecs[i])}
	}
	for i := 0; i < k && i < len(pairs); i++ {
		minIdx := i
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[minIdx].dist {
				minIdx = j
			}
		}
		pairs[i], pairs[minIdx] = pairs[minIdx], pairs[i]
	}
	out := make([]storage.ID, 0, k)
	for i := 0; i < k && i < len(pairs); i++ {
		out = append(out, pairs[i].id)
	}
	return out
}

func TestFilteredSearch(t *testing.T) {
	engine, ix := newTestIndex(t)
	vecs := randomVectors(120, 8, 3)

	txn := engine.BeginWrite()
	for i, data := range vecs {
		cat := "blue"
		if i%3 == 0 {
			cat = "red"
		}
		_, err := ix.Insert(txn, 1, "Doc", data, storage.Properties{"category": storage.Str(cat)})
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	got, err := ix.Search(read, vecs[0], SearchOptions{
		K: 10,
		Filter: func(v *storage.Vector) bool {
			return v.Properties["category"].Str == "red"
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, v := range got {
		assert.Equal(t, "red", v.Properties["category"].Str)
	}
}

func TestTrickleFilterSearch(t *testing.T) {
	engine, ix := newTestIndex(t)
	vecs := randomVectors(60, 8, 11)

	txn := engine.BeginWrite()
	for i, data := range vecs {
		_, err := ix.Insert(txn, 1, "Doc", data, storage.Properties{"even": storage.BoolValue(i%2 == 0)})
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	got, err := ix.Search(read, vecs[1], SearchOptions{
		K:       5,
		Trickle: true,
		Filter:  func(v *storage.Vector) bool { return v.Properties["even"].Bool },
	})
	require.NoError(t, err)
	for _, v := range got {
		assert.True(t, v.Properties["even"].Bool)
	}
}

func TestSoftDelete(t *testing.T) {
	engine, ix := newTestIndex(t)
	vecs := randomVectors(50, 8, 5)

	txn := engine.BeginWrite()
	ids := make([]storage.ID, len(vecs))
	for i, data := range vecs {
		v, err := ix.Insert(txn, 1, "Doc", data, nil)
		require.NoError(t, err)
		ids[i] = v.ID
	}
	require.NoError(t, txn.Commit())

	txn = engine.BeginWrite()
	require.NoError(t, ix.SoftDelete(txn, ids[7]))
	require.NoError(t, txn.Commit())

	// Double delete is an error the caller can recover from.
	txn = engine.BeginWrite()
	err := ix.SoftDelete(txn, ids[7])
	assert.ErrorIs(t, err, storage.ErrVectorDeleted)
	txn.Discard()

	read := engine.BeginRead()
	defer read.Discard()
	got, err := ix.Search(read, vecs[7], SearchOptions{K: 10})
	require.NoError(t, err)
	for _, v := range got {
		assert.NotEqual(t, ids[7], v.ID, "tombstoned vector must not surface")
	}

	// The tombstone stays reachable in the graph: its payload still exists.
	v, err := engine.GetVector(read, ids[7])
	require.NoError(t, err)
	assert.True(t, v.Deleted)
}

func TestLabelFilter(t *testing.T) {
	engine, ix := newTestIndex(t)
	vecs := randomVectors(40, 8, 21)

	txn := engine.BeginWrite()
	for i, data := range vecs {
		label := "Doc"
		if i%2 == 1 {
			label = "Image"
		}
		_, err := ix.Insert(txn, 1, label, data, nil)
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	got, err := ix.Search(read, vecs[0], SearchOptions{K: 10, Label: "Doc"})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, v := range got {
		assert.Equal(t, "Doc", v.Label)
	}
}

func TestBatchCommit(t *testing.T) {
	engine, ix := newTestIndex(t)
	vecs := randomVectors(100, 8, 31)

	batch, err := ix.NewBatch()
	require.NoError(t, err)
	ids := make([]storage.ID, len(vecs))
	for i, data := range vecs {
		v, err := batch.Insert(1, "Doc", data, nil)
		require.NoError(t, err)
		ids[i] = v.ID
	}
	require.NoError(t, batch.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	got, err := ix.Search(read, vecs[17], SearchOptions{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, ids[17], got[0].ID)

	count, err := engine.VectorCount(read)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), count)
}

func TestBatchMergesWithExisting(t *testing.T) {
	engine, ix := newTestIndex(t)
	vecs := randomVectors(60, 8, 41)

	// First half through direct inserts.
	txn := engine.BeginWrite()
	for _, data := range vecs[:30] {
		_, err := ix.Insert(txn, 1, "Doc", data, nil)
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	// Second half staged.
	batch, err := ix.NewBatch()
	require.NoError(t, err)
	for _, data := range vecs[30:] {
		_, err := batch.Insert(1, "Doc", data, nil)
		require.NoError(t, err)
	}
	require.NoError(t, batch.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	for _, probe := range []int{5, 45} {
		got, err := ix.Search(read, vecs[probe], SearchOptions{K: 3})
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, float64(0), got[0].Distance, "probe %d should find itself", probe)
	}
}

func TestApplyMergeOps(t *testing.T) {
	a := storage.HNSWNeighbor{ID: storage.NewID(), Level: 0}
	b := storage.HNSWNeighbor{ID: storage.NewID(), Level: 0}
	c := storage.HNSWNeighbor{ID: storage.NewID(), Level: 0}

	current := []storage.HNSWNeighbor{a, b}
	merged := applyMergeOps(current, []mergeOp{
		{add: true, entry: c},
		{add: false, entry: a},
		{add: true, entry: b}, // already present, no duplicate
	})
	assert.Equal(t, []storage.HNSWNeighbor{b, c}, merged)
}
