package hql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
N::User {
    INDEX email: String,
    name: String,
    age: I32,
    bio: String?
}

N::Post {
    title: String,
    content: String
}

E::Knows {
    From: User,
    To: User,
    Properties: {
        since: Date
    }
}

E::Wrote {
    From: User,
    To: Post
}

V::Doc {
    category: String
}
`

func TestParseSchema(t *testing.T) {
	src, err := Parse(testSchema)
	require.NoError(t, err)

	require.Len(t, src.Nodes, 2)
	user := src.Nodes[0]
	assert.Equal(t, "User", user.Name)
	require.Len(t, user.Fields, 4)
	assert.True(t, user.Fields[0].Indexed)
	assert.Equal(t, "email", user.Fields[0].Name)
	assert.Equal(t, "String", user.Fields[0].Type.Name)
	assert.True(t, user.Fields[3].Nullable)

	require.Len(t, src.Edges, 2)
	knows := src.Edges[0]
	assert.Equal(t, "Knows", knows.Name)
	assert.Equal(t, "User", knows.From)
	assert.Equal(t, "User", knows.To)
	require.Len(t, knows.Fields, 1)
	assert.Equal(t, "Date", knows.Fields[0].Type.Name)

	require.Len(t, src.Vectors, 1)
	assert.Equal(t, "Doc", src.Vectors[0].Name)
}

func TestParseDefaultAttribute(t *testing.T) {
	src, err := Parse(`
N::User {
    name: String,
    @default(0) age: I32
}
`)
	require.NoError(t, err)
	f := src.Nodes[0].Fields[1]
	require.NotNil(t, f.Default)
	assert.Equal(t, ExprLit, f.Default.Kind)
	assert.Equal(t, int64(0), f.Default.Lit.Int)
}

func TestParseArrayAndObjectTypes(t *testing.T) {
	src, err := Parse(`
N::Thing {
    tags: [String],
    meta: {score: F64, flag: Boolean}
}
`)
	require.NoError(t, err)
	fields := src.Nodes[0].Fields
	assert.Equal(t, "String", fields[0].Type.Elem.Name)
	assert.Equal(t, "F64", fields[1].Type.Fields["score"].Name)
}

func TestParseMigration(t *testing.T) {
	src, err := Parse(`
MIGRATION 1 => 2 {
    N::User {
        age => DEFAULT(0),
        mail => RENAME(email),
        legacy => DROP,
        count => CAST(I64),
    }
}
`)
	require.NoError(t, err)
	require.Len(t, src.Migrations, 1)
	m := src.Migrations[0]
	assert.Equal(t, 1, m.FromVersion)
	assert.Equal(t, 2, m.ToVersion)
	require.Len(t, m.Items, 1)
	require.Len(t, m.Items[0].Ops, 4)
	assert.Equal(t, "DEFAULT", m.Items[0].Ops[0].Kind)
	assert.Equal(t, "email", m.Items[0].Ops[1].NewName)
}

func TestParseQueryBasics(t *testing.T) {
	src, err := Parse(testSchema + `
QUERY GetUser(userID: ID) =>
    user <- N<User>(userID)
    RETURN user
`)
	require.NoError(t, err)
	require.Len(t, src.Queries, 1)
	q := src.Queries[0]
	assert.Equal(t, "GetUser", q.Name)
	require.Len(t, q.Params, 1)
	assert.Equal(t, "ID", q.Params[0].Type.Name)
	require.Len(t, q.Statements, 1)
	assert.Equal(t, StmtAssignment, q.Statements[0].Kind)
	require.Len(t, q.Returns, 1)

	tr := q.Statements[0].Expr.Traversal
	assert.Equal(t, StartNodes, tr.Source.Kind)
	assert.Equal(t, "User", tr.Source.Label)
	require.Len(t, tr.Source.IDs, 1)
}

func TestParseTraversalSteps(t *testing.T) {
	src, err := Parse(testSchema + `
QUERY Friends(userID: ID) =>
    friends <- N<User>(userID)::Out<Knows>::WHERE(_::{age}::GT(25))::ORDER_BY(_::{name}, ASC)::RANGE(0, 10)
    total <- N<User>::COUNT
    RETURN friends::{name, age}, total
`)
	require.NoError(t, err)
	q := src.Queries[0]
	tr := q.Statements[0].Expr.Traversal
	require.Len(t, tr.Steps, 4)
	assert.Equal(t, StepOut, tr.Steps[0].Kind)
	assert.Equal(t, "Knows", tr.Steps[0].Label)
	assert.Equal(t, StepWhere, tr.Steps[1].Kind)
	assert.Equal(t, StepOrderBy, tr.Steps[2].Kind)
	assert.Equal(t, StepRange, tr.Steps[3].Kind)

	where := tr.Steps[1].Where
	require.Equal(t, ExprTraversal, where.Kind)
	assert.Equal(t, StartAnon, where.Traversal.Source.Kind)
	require.Len(t, where.Traversal.Steps, 2)
	assert.Equal(t, StepProject, where.Traversal.Steps[0].Kind)
	assert.Equal(t, StepBoolOp, where.Traversal.Steps[1].Kind)
	assert.Equal(t, "GT", where.Traversal.Steps[1].BoolOp)

	ret := q.Returns[0]
	require.Equal(t, ExprTraversal, ret.Kind)
	assert.Equal(t, StepProject, ret.Traversal.Steps[0].Kind)
	require.Len(t, ret.Traversal.Steps[0].Fields, 2)
}

func TestParseMutations(t *testing.T) {
	src, err := Parse(testSchema + `
QUERY CreateUser(name: String, age: I32) =>
    user <- AddN<User>({name: name, age: age, email: name})
    RETURN user

QUERY Follow(a: ID, b: ID) =>
    e <- AddE<Knows>({since: "2024-01-01"})::From(a)::To(b)
    RETURN e

QUERY AddDoc(vec: [F64]) =>
    doc <- AddV<Doc>(vec, {category: "red"})
    RETURN doc

QUERY Rename(userID: ID, newName: String) =>
    updated <- N<User>(userID)::UPDATE({name: newName})
    RETURN updated

QUERY Remove(userID: ID) =>
    DROP N<User>(userID)
    RETURN "ok"
`)
	require.NoError(t, err)
	require.Len(t, src.Queries, 5)

	create := src.Queries[0].Statements[0].Expr
	require.Equal(t, ExprAddNode, create.Kind)
	assert.Len(t, create.Add.Props, 3)

	follow := src.Queries[1].Statements[0].Expr
	require.Equal(t, ExprAddEdge, follow.Kind)
	require.NotNil(t, follow.Add.From)
	require.NotNil(t, follow.Add.To)

	addv := src.Queries[2].Statements[0].Expr
	require.Equal(t, ExprAddVector, addv.Kind)
	require.NotNil(t, addv.Add.Data)

	update := src.Queries[3].Statements[0].Expr.Traversal
	assert.Equal(t, StepUpdate, update.Steps[0].Kind)

	drop := src.Queries[4].Statements[0]
	assert.Equal(t, StmtDrop, drop.Kind)
}

func TestParseSearchAndBoolGrammar(t *testing.T) {
	src, err := Parse(testSchema + `
QUERY Hybrid(q: String, vec: [F64]) =>
    docs <- SearchV<Doc>(vec, 10, _::{category}::EQ("red"))
    posts <- SearchBM25<Post>(q, 5)
    checked <- N<User>::WHERE(AND(_::{age}::GT(18), OR(_::{name}::EQ("a"), EXISTS(_::Out<Knows>))))
    RETURN docs, posts, checked
`)
	require.NoError(t, err)
	q := src.Queries[0]

	sv := q.Statements[0].Expr
	require.Equal(t, ExprSearchV, sv.Kind)
	assert.Equal(t, "Doc", sv.SearchV.Label)
	require.NotNil(t, sv.SearchV.Filter)

	bm := q.Statements[1].Expr
	require.Equal(t, ExprBM25, bm.Kind)

	where := q.Statements[2].Expr.Traversal.Steps[0].Where
	require.Equal(t, ExprAnd, where.Kind)
	require.Len(t, where.Args, 2)
	assert.Equal(t, ExprOr, where.Args[1].Kind)
	assert.Equal(t, ExprExists, where.Args[1].Args[1].Kind)
}

func TestParseClosureAndExclude(t *testing.T) {
	src, err := Parse(testSchema + `
QUERY Shaped(userID: ID) =>
    u <- N<User>(userID)
    RETURN u::!{bio}, u::|x|{ name: x::{name}, friends: x::Out<Knows>::COUNT }
`)
	require.NoError(t, err)
	q := src.Queries[0]
	require.Len(t, q.Returns, 2)

	excl := q.Returns[0].Traversal.Steps[0]
	assert.Equal(t, StepExclude, excl.Kind)
	assert.Equal(t, []string{"bio"}, excl.Exclude)

	cl := q.Returns[1].Traversal.Steps[0]
	require.Equal(t, StepClosure, cl.Kind)
	assert.Equal(t, "x", cl.Closure.Param)
	require.Len(t, cl.Closure.Fields, 2)
	assert.NotNil(t, cl.Closure.Fields[1].Nested)
}

func TestParseForLoopAndUpsert(t *testing.T) {
	src, err := Parse(testSchema + `
QUERY Bulk(names: [String]) =>
    FOR n IN names {
        AddN<User>({name: n, age: 0, email: n})
    }
    merged <- N<User>({email: "a@x"})::UpsertN({name: "merged"})
    RETURN merged
`)
	require.NoError(t, err)
	q := src.Queries[0]
	require.Equal(t, StmtForLoop, q.Statements[0].Kind)
	assert.Equal(t, "n", q.Statements[0].Loop.Var)
	require.Len(t, q.Statements[0].Loop.Body, 1)

	up := q.Statements[1].Expr.Traversal
	assert.Equal(t, StepUpsert, up.Steps[0].Kind)
	assert.Equal(t, byte('N'), up.Steps[0].Entity)
	require.Len(t, up.Source.Index, 1)
}

func TestParseRerankAndShortestPath(t *testing.T) {
	src, err := Parse(testSchema + `
QUERY Ranked(vec: [F64], a: ID, b: ID) =>
    docs <- SearchV<Doc>(vec, 20)::RERANK_RRF(60)::RERANK_MMR(0.5)
    path <- N<User>(a)::ShortestPath<Knows>(b)
    RETURN docs, path
`)
	require.NoError(t, err)
	q := src.Queries[0]
	steps := q.Statements[0].Expr.Traversal.Steps
	assert.Equal(t, StepRerankRRF, steps[0].Kind)
	assert.Equal(t, StepRerankMMR, steps[1].Kind)

	sp := q.Statements[1].Expr.Traversal.Steps[0]
	assert.Equal(t, StepShortestPath, sp.Kind)
	assert.Equal(t, "Knows", sp.Label)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		`N::User {`,
		`QUERY NoReturn() => x <- N<User>`,
		`QUERY Bad() => RETURN N<User>::Frobnicate`,
		`N::User { name String }`,
	}
	for _, src := range cases {
		_, err := Parse(testSchema + src)
		assert.Error(t, err, "source: %s", src)
	}
}

func TestParseComments(t *testing.T) {
	src, err := Parse(`
// a user
N::User {
    name: String // display name
}
`)
	require.NoError(t, err)
	require.Len(t, src.Nodes, 1)
}

func TestSpansAttached(t *testing.T) {
	src, err := Parse(testSchema + `
QUERY S(id: ID) =>
    u <- N<User>(id)
    RETURN u
`)
	require.NoError(t, err)
	q := src.Queries[0]
	assert.Greater(t, q.Span.Line, 1)
	assert.Greater(t, q.Statements[0].Span.Line, q.Span.Line)
}
