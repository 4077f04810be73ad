package hql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixgraph/helixdb/pkg/storage"
)

func analyzeSource(t *testing.T, source string) (*Compiled, Diagnostics) {
	t.Helper()
	parsed, err := Parse(source)
	require.NoError(t, err)
	return Analyze(parsed, 1)
}

func codes(ds Diagnostics) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Code
	}
	return out
}

func TestAnalyzeCleanQuery(t *testing.T) {
	compiled, diags := analyzeSource(t, testSchema+`
QUERY Friends(userID: ID) =>
    friends <- N<User>(userID)::Out<Knows>
    RETURN friends::{name, age}
`)
	require.Empty(t, diags)
	require.Len(t, compiled.Queries, 1)
	q := compiled.Queries[0]
	assert.Equal(t, "Friends", q.Name)
	require.Len(t, q.Params, 1)
	assert.Equal(t, storage.KindID, q.Params[0].Type.Kind)
}

func TestSchemaBuild(t *testing.T) {
	compiled, diags := analyzeSource(t, testSchema)
	require.Empty(t, diags)
	sch := compiled.Schema
	require.Contains(t, sch.Nodes, "User")
	assert.True(t, sch.Nodes["User"].Field("email").Indexed)
	assert.Equal(t, "User", sch.Edges["Knows"].From)
	require.Contains(t, sch.Vectors, "Doc")
	assert.Equal(t, []string{"email"}, sch.IndexedFields())
}

func TestUndeclaredLabels(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad() =>
    a <- N<Ghost>
    b <- N<User>::Out<Phantom>
    c <- SearchV<Shadow>([1.0], 5)
    RETURN a, b, c
`)
	assert.Contains(t, codes(diags), E101)
	assert.Contains(t, codes(diags), E102)
	assert.Contains(t, codes(diags), E103)
}

func TestUnknownFieldAndTypeMismatch(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad(userID: ID) =>
    u <- AddN<User>({name: "x", email: "e", age: "not a number", hat: 3})
    RETURN u
`)
	assert.Contains(t, codes(diags), E201, "unknown field hat")
	assert.Contains(t, codes(diags), E205, "age given a string")
}

func TestMissingRequiredField(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad() =>
    u <- AddN<User>({name: "x", email: "e"})
    RETURN u
`)
	assert.Contains(t, codes(diags), E305, "age is required")
}

func TestProjectionUnknownField(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad(userID: ID) =>
    u <- N<User>(userID)
    RETURN u::{name, shoeSize}
`)
	assert.Contains(t, codes(diags), E202)
}

func TestReservedFieldsShortCircuit(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Ok(userID: ID) =>
    u <- N<User>(userID)
    e <- E<Knows>
    RETURN u::{id, label}, e::{from_node, to_node}
`)
	assert.Empty(t, diags)
}

func TestNonIndexedLookup(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad() =>
    u <- N<User>({name: "Alice"})
    RETURN u
`)
	require.Contains(t, codes(diags), E208)
	for _, d := range diags {
		if d.Code == E208 {
			assert.NotEmpty(t, d.Hint)
		}
	}
}

func TestUnboundIdentifier(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad() =>
    RETURN mystery
`)
	assert.Contains(t, codes(diags), E301)
}

func TestMissingEdgeEndpoints(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad(a: ID) =>
    e <- AddE<Knows>({since: "2024-01-01"})::From(a)
    RETURN e
`)
	assert.Contains(t, codes(diags), E602)
}

func TestBadDateLiteral(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad(a: ID, b: ID) =>
    e <- AddE<Knows>({since: "next tuesday"})::From(a)::To(b)
    RETURN e
`)
	assert.Contains(t, codes(diags), E501)
}

func TestRangeBoundsMustBeIntegers(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad() =>
    u <- N<User>::RANGE(0.5, 2.5)
    RETURN u
`)
	assert.Contains(t, codes(diags), E611)
}

func TestWhereMustBeBoolean(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad() =>
    u <- N<User>::WHERE(_::{name})
    RETURN u
`)
	assert.Contains(t, codes(diags), E614)
}

func TestExcludePosition(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad(userID: ID) =>
    u <- N<User>(userID)::!{bio}::Out<Knows>
    RETURN u
`)
	assert.Contains(t, codes(diags), E613)

	_, diags = analyzeSource(t, testSchema+`
QUERY Ok(userID: ID) =>
    u <- N<User>(userID)
    RETURN u::!{bio}
`)
	assert.Empty(t, diags)
}

func TestStepOnWrongType(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad() =>
    x <- E<Knows>::Out<Knows>
    RETURN x
`)
	assert.Contains(t, codes(diags), E621)
}

func TestAnonymousOutsideFilter(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad() =>
    x <- _::{name}
    RETURN x
`)
	assert.Contains(t, codes(diags), E655)
}

func TestClosureShadowing(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad(x: ID) =>
    u <- N<User>(x)
    RETURN u::|x|{ name: x::{name} }
`)
	assert.Contains(t, codes(diags), E659)
}

func TestAllErrorsReportedInOnePass(t *testing.T) {
	_, diags := analyzeSource(t, testSchema+`
QUERY Bad() =>
    a <- N<Ghost>
    b <- N<User>::WHERE(_::{name})
    RETURN a, b, mystery
`)
	assert.GreaterOrEqual(t, len(diags), 3, "diagnostics: %v", diags)
}

func TestEdgeTypeInference(t *testing.T) {
	compiled, diags := analyzeSource(t, testSchema+`
QUERY Typed(userID: ID) =>
    posts <- N<User>(userID)::OutE<Wrote>::ToN
    RETURN posts
`)
	require.Empty(t, diags)
	q := compiled.Queries[0]
	ret := q.Returns[0]
	typ := q.ExprTypes[ret]
	assert.Equal(t, VNodes, typ.Kind)
	assert.Equal(t, "Post", typ.Label, "ToN follows the edge declaration")
}

func TestReuseTracking(t *testing.T) {
	compiled, diags := analyzeSource(t, testSchema+`
QUERY Reuse(userID: ID) =>
    u <- N<User>(userID)
    a <- u::Out<Knows>
    b <- u::In<Knows>
    RETURN a, b
`)
	require.Empty(t, diags)
	assert.True(t, compiled.Queries[0].Reused["u"])
	assert.False(t, compiled.Queries[0].Reused["a"])
}

func TestTraversalKinds(t *testing.T) {
	compiled, diags := analyzeSource(t, testSchema+`
QUERY Kinds(userID: ID, newName: String) =>
    updated <- N<User>(userID)::UPDATE({name: newName})
    fresh <- AddN<User>({name: "n", email: "e", age: 1})
    RETURN updated, fresh
`)
	require.Empty(t, diags)
	q := compiled.Queries[0]
	kinds := map[TraversalKind]bool{}
	for _, k := range q.TraversalKinds {
		kinds[k] = true
	}
	assert.True(t, kinds[TraversalUpdate])
}

func TestMigrationAnalysis(t *testing.T) {
	compiled, diags := analyzeSource(t, testSchema+`
MIGRATION 1 => 2 {
    N::User {
        age => DEFAULT(0),
        bio => DROP,
    }
}
`)
	require.Empty(t, diags)
	require.Len(t, compiled.Migrations, 1)
	m := compiled.Migrations[0]
	assert.Equal(t, uint8(1), m.FromVersion)
	require.Len(t, m.Items[0].Ops, 2)
}

func TestEmbedHoisting(t *testing.T) {
	compiled, diags := analyzeSource(t, testSchema+`
QUERY Semantic(q: String) =>
    docs <- SearchV<Doc>(Embed(q), 5)
    RETURN docs
`)
	require.Empty(t, diags)
	assert.Len(t, compiled.Queries[0].Embeds, 1)
}
