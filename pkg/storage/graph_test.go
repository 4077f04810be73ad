package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestAddAndGetNode(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.BeginWrite()
	n, err := engine.AddNode(txn, 1, "User", Properties{"name": Str("Alice")})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	got, err := engine.GetNode(read, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "User", got.Label)
	assert.Equal(t, "Alice", got.Properties["name"].Str)

	count, err := engine.NodeCount(read)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestGetNodeNotFound(t *testing.T) {
	engine := newTestEngine(t)
	txn := engine.BeginRead()
	defer txn.Discard()
	_, err := engine.GetNode(txn, NewID())
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestEdgeAdjacencyBothSides(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.BeginWrite()
	a, _ := engine.AddNode(txn, 1, "User", nil)
	b, _ := engine.AddNode(txn, 1, "User", nil)
	e, err := engine.AddEdge(txn, 1, "KNOWS", a.ID, b.ID, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()

	out := engine.OutEdges(read, a.ID, "KNOWS")
	entry, ok := out.Next()
	require.True(t, ok)
	assert.Equal(t, e.ID, entry.EdgeID)
	assert.Equal(t, b.ID, entry.Other)
	_, ok = out.Next()
	assert.False(t, ok)
	out.Close()

	in := engine.InEdges(read, b.ID, "KNOWS")
	entry, ok = in.Next()
	require.True(t, ok)
	assert.Equal(t, e.ID, entry.EdgeID)
	assert.Equal(t, a.ID, entry.Other)
	in.Close()

	got, err := engine.GetEdge(read, e.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.From)
	assert.Equal(t, b.ID, got.To)
	assert.Equal(t, "KNOWS", got.Label)
}

func TestDropNodeClearsEverything(t *testing.T) {
	engine := newTestEngine(t)
	engine.CreateSecondaryIndex("email")

	txn := engine.BeginWrite()
	a, _ := engine.AddNode(txn, 1, "User", Properties{"email": Str("a@x")})
	b, _ := engine.AddNode(txn, 1, "User", Properties{"email": Str("b@x")})
	c, _ := engine.AddNode(txn, 1, "User", Properties{"email": Str("c@x")})
	engine.AddEdge(txn, 1, "KNOWS", a.ID, b.ID, nil)
	engine.AddEdge(txn, 1, "KNOWS", b.ID, c.ID, nil)
	require.NoError(t, txn.Commit())

	txn = engine.BeginWrite()
	require.NoError(t, engine.DropNode(txn, b.ID))
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()

	_, err := engine.GetNode(read, b.ID)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	out := engine.OutEdges(read, a.ID, "KNOWS")
	_, ok := out.Next()
	assert.False(t, ok, "a's outgoing adjacency should be empty")
	out.Close()

	in := engine.InEdges(read, c.ID, "KNOWS")
	_, ok = in.Next()
	assert.False(t, ok, "c's incoming adjacency should be empty")
	in.Close()

	edges, err := engine.EdgeCount(read)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), edges)

	iter, err := engine.NodesByIndex(read, "email", Str("b@x"))
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)
	assert.Empty(t, nodes)

	// Survivors untouched.
	labelled, err := engine.NodesOfLabel(read, "User").Collect()
	require.NoError(t, err)
	assert.Len(t, labelled, 2)
}

func TestDropNodeSelfLoop(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.BeginWrite()
	u, _ := engine.AddNode(txn, 1, "User", nil)
	_, err := engine.AddEdge(txn, 1, "KNOWS", u.ID, u.ID, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	out := engine.OutEdges(read, u.ID, "KNOWS")
	entry, ok := out.Next()
	require.True(t, ok)
	assert.Equal(t, u.ID, entry.Other)
	out.Close()
	read.Discard()

	txn = engine.BeginWrite()
	require.NoError(t, engine.DropNode(txn, u.ID))
	require.NoError(t, txn.Commit())

	read = engine.BeginRead()
	defer read.Discard()
	edges, _ := engine.EdgeCount(read)
	assert.Equal(t, uint64(0), edges)
	nodes, _ := engine.NodeCount(read)
	assert.Equal(t, uint64(0), nodes)
}

func TestNeighbors(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.BeginWrite()
	a, _ := engine.AddNode(txn, 1, "User", nil)
	b, _ := engine.AddNode(txn, 1, "User", nil)
	c, _ := engine.AddNode(txn, 1, "User", nil)
	engine.AddEdge(txn, 1, "KNOWS", a.ID, b.ID, nil)
	engine.AddEdge(txn, 1, "KNOWS", a.ID, c.ID, nil)
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	out, err := engine.Neighbors(read, a.ID, "KNOWS", false)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	in, err := engine.Neighbors(read, b.ID, "KNOWS", true)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, a.ID, in[0].ID)
}

func TestDropEdge(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.BeginWrite()
	a, _ := engine.AddNode(txn, 1, "User", nil)
	b, _ := engine.AddNode(txn, 1, "User", nil)
	e, _ := engine.AddEdge(txn, 1, "KNOWS", a.ID, b.ID, nil)
	require.NoError(t, txn.Commit())

	txn = engine.BeginWrite()
	require.NoError(t, engine.DropEdge(txn, e.ID))
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	_, err := engine.GetEdge(read, e.ID)
	assert.ErrorIs(t, err, ErrEdgeNotFound)
	out := engine.OutEdges(read, a.ID, "KNOWS")
	_, ok := out.Next()
	assert.False(t, ok)
	out.Close()
}

func TestUpdateNodeIdempotent(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.BeginWrite()
	n, _ := engine.AddNode(txn, 1, "User", Properties{"name": Str("Alice")})
	require.NoError(t, txn.Commit())

	apply := func() {
		txn := engine.BeginWrite()
		_, err := engine.UpdateNode(txn, n.ID, Properties{"name": Str("Bob")})
		require.NoError(t, err)
		require.NoError(t, txn.Commit())
	}
	apply()
	read := engine.BeginRead()
	first, err := engine.GetNode(read, n.ID)
	require.NoError(t, err)
	read.Discard()

	apply()
	read = engine.BeginRead()
	second, err := engine.GetNode(read, n.ID)
	require.NoError(t, err)
	read.Discard()

	assert.Equal(t, EncodeNode(first), EncodeNode(second))
}

func TestUpdateMissingNodeFails(t *testing.T) {
	engine := newTestEngine(t)
	txn := engine.BeginWrite()
	defer txn.Discard()
	_, err := engine.UpdateNode(txn, NewID(), Properties{"x": I64(1)})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestSecondaryIndexLookup(t *testing.T) {
	engine := newTestEngine(t)
	engine.CreateSecondaryIndex("email")

	txn := engine.BeginWrite()
	engine.AddNode(txn, 1, "User", Properties{"email": Str("a@x")})
	b, _ := engine.AddNode(txn, 1, "User", Properties{"email": Str("b@x")})
	engine.AddNode(txn, 1, "User", Properties{"email": Str("c@x")})
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	iter, err := engine.NodesByIndex(read, "email", Str("b@x"))
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, b.ID, nodes[0].ID)
}

func TestSecondaryIndexFollowsUpdates(t *testing.T) {
	engine := newTestEngine(t)
	engine.CreateSecondaryIndex("email")

	txn := engine.BeginWrite()
	n, _ := engine.AddNode(txn, 1, "User", Properties{"email": Str("old@x")})
	require.NoError(t, txn.Commit())

	txn = engine.BeginWrite()
	_, err := engine.UpdateNode(txn, n.ID, Properties{"email": Str("new@x")})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	iter, err := engine.NodesByIndex(read, "email", Str("old@x"))
	require.NoError(t, err)
	old, err := iter.Collect()
	require.NoError(t, err)
	assert.Empty(t, old)

	iter, err = engine.NodesByIndex(read, "email", Str("new@x"))
	require.NoError(t, err)
	fresh, err := iter.Collect()
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestSecondaryIndexNullableSkipsEntry(t *testing.T) {
	engine := newTestEngine(t)
	engine.CreateSecondaryIndex("email")

	txn := engine.BeginWrite()
	engine.AddNode(txn, 1, "User", Properties{"name": Str("no-email")})
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	iter, err := engine.NodesByIndexRange(read, "email", Str(""), Str("\xff"))
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestNodesByIndexRange(t *testing.T) {
	engine := newTestEngine(t)
	engine.CreateSecondaryIndex("age")

	txn := engine.BeginWrite()
	for _, age := range []int32{10, 20, 30, 40} {
		engine.AddNode(txn, 1, "User", Properties{"age": I32(age)})
	}
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	iter, err := engine.NodesByIndexRange(read, "age", I32(15), I32(35))
	require.NoError(t, err)
	nodes, err := iter.Collect()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	ages := []int64{nodes[0].Properties["age"].Int, nodes[1].Properties["age"].Int}
	assert.ElementsMatch(t, []int64{20, 30}, ages)
}

func TestNodesOfLabelEmptyGraph(t *testing.T) {
	engine := newTestEngine(t)
	read := engine.BeginRead()
	defer read.Discard()
	nodes, err := engine.NodesOfLabel(read, "Ghost").Collect()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestUpsertNodeByMatchField(t *testing.T) {
	engine := newTestEngine(t)
	engine.CreateSecondaryIndex("email")

	txn := engine.BeginWrite()
	first, err := engine.UpsertNode(txn, 1, "User", "email", Properties{
		"email": Str("a@x"), "name": Str("v1"),
	})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn = engine.BeginWrite()
	second, err := engine.UpsertNode(txn, 1, "User", "email", Properties{
		"email": Str("a@x"), "name": Str("v2"),
	})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.Equal(t, first.ID, second.ID)

	read := engine.BeginRead()
	defer read.Discard()
	got, err := engine.GetNode(read, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Properties["name"].Str)
	count, _ := engine.NodeCount(read)
	assert.Equal(t, uint64(1), count)
}

func TestUpsertEdgeRequiresEndpoints(t *testing.T) {
	engine := newTestEngine(t)
	txn := engine.BeginWrite()
	defer txn.Discard()
	_, err := engine.UpsertEdge(txn, 1, "KNOWS", NilID, NewID(), nil)
	assert.ErrorIs(t, err, ErrMissingEndpoint)
}

func TestUpsertEdgeCreatesThenUpdates(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.BeginWrite()
	a, _ := engine.AddNode(txn, 1, "User", nil)
	b, _ := engine.AddNode(txn, 1, "User", nil)
	e1, err := engine.UpsertEdge(txn, 1, "KNOWS", a.ID, b.ID, Properties{"w": I64(1)})
	require.NoError(t, err)
	e2, err := engine.UpsertEdge(txn, 1, "KNOWS", a.ID, b.ID, Properties{"w": I64(2)})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.Equal(t, e1.ID, e2.ID)
	read := engine.BeginRead()
	defer read.Discard()
	got, _ := engine.GetEdge(read, e1.ID)
	assert.Equal(t, int64(2), got.Properties["w"].Int)
	count, _ := engine.EdgeCount(read)
	assert.Equal(t, uint64(1), count)
}

func TestReadYourWrites(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.BeginWrite()
	n, _ := engine.AddNode(txn, 1, "User", Properties{"name": Str("Alice")})
	got, err := engine.GetNode(txn, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Properties["name"].Str)
	txn.Discard()

	// Aborted transaction leaves nothing behind.
	read := engine.BeginRead()
	defer read.Discard()
	_, err = engine.GetNode(read, n.ID)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestSnapshotIsolation(t *testing.T) {
	engine := newTestEngine(t)

	read := engine.BeginRead()
	defer read.Discard()

	txn := engine.BeginWrite()
	n, _ := engine.AddNode(txn, 1, "User", nil)
	require.NoError(t, txn.Commit())

	// Snapshot opened before the commit must not see the node.
	_, err := engine.GetNode(read, n.ID)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestScanNodesAndEdges(t *testing.T) {
	engine := newTestEngine(t)

	txn := engine.BeginWrite()
	a, _ := engine.AddNode(txn, 1, "User", nil)
	b, _ := engine.AddNode(txn, 1, "User", nil)
	engine.AddEdge(txn, 1, "KNOWS", a.ID, b.ID, nil)
	require.NoError(t, txn.Commit())

	read := engine.BeginRead()
	defer read.Discard()
	var nodes, edges int
	require.NoError(t, engine.ScanNodes(read, func(*Node) error { nodes++; return nil }))
	require.NoError(t, engine.ScanEdges(read, func(*Edge) error { edges++; return nil }))
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, edges)
}

func TestWriteOnReadTxnFails(t *testing.T) {
	engine := newTestEngine(t)
	read := engine.BeginRead()
	defer read.Discard()
	_, err := engine.AddNode(read, 1, "User", nil)
	assert.ErrorIs(t, err, ErrReadOnlyTxn)
}
