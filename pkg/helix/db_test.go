package helix

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSource = `
N::User {
    INDEX email: String,
    name: String,
    @default(0) age: I32
}

N::Post {
    title: String,
    content: String
}

E::Knows {
    From: User,
    To: User
}

V::Doc {
    category: String
}

QUERY CreateUser(name: String, email: String, age: I32) =>
    user <- AddN<User>({name: name, email: email, age: age})
    RETURN user

QUERY CreatePost(title: String, content: String) =>
    post <- AddN<Post>({title: title, content: content})
    RETURN post

QUERY GetUser(userID: ID) =>
    user <- N<User>(userID)
    RETURN user

QUERY UserByEmail(email: String) =>
    user <- N<User>({email: email})
    RETURN user::{id}

QUERY Follow(a: ID, b: ID) =>
    e <- AddE<Knows>()::From(a)::To(b)
    RETURN e

QUERY OutCount(userID: ID) =>
    n <- N<User>(userID)::Out<Knows>::COUNT
    RETURN n

QUERY InCount(userID: ID) =>
    n <- N<User>(userID)::In<Knows>::COUNT
    RETURN n

QUERY EdgeCount() =>
    n <- E<Knows>::COUNT
    RETURN n

QUERY RemoveUser(userID: ID) =>
    DROP N<User>(userID)
    RETURN "ok"

QUERY Adults() =>
    users <- N<User>::WHERE(_::{age}::GTE(18))::ORDER_BY(_::{name}, ASC)
    RETURN users::{name}

QUERY Rename(userID: ID, newName: String) =>
    updated <- N<User>(userID)::UPDATE({name: newName})
    RETURN updated

QUERY AddDoc(vec: [F64], category: String) =>
    doc <- AddV<Doc>(vec, {category: category})
    RETURN doc

QUERY FindDocs(vec: [F64], k: I64) =>
    docs <- SearchV<Doc>(vec, k)
    RETURN docs::{id}

QUERY FindRedDocs(vec: [F64], k: I64) =>
    docs <- SearchV<Doc>(vec, k, _::{category}::EQ("red"))
    RETURN docs::{category}

QUERY SearchPosts(q: String, k: I64) =>
    posts <- SearchBM25<Post>(q, k)
    RETURN posts::{title}
`

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{InMemory: true, Source: testSource})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func run(t *testing.T, db *DB, name string, params map[string]any) any {
	t.Helper()
	body, err := json.Marshal(params)
	require.NoError(t, err)
	raw, err := db.ExecuteJSON(name, body)
	require.NoError(t, err)
	var out any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func createUser(t *testing.T, db *DB, name, email string, age int) string {
	t.Helper()
	out := run(t, db, "CreateUser", map[string]any{"name": name, "email": email, "age": age})
	obj := out.(map[string]any)
	return obj["id"].(string)
}

func TestCreateAndGetUser(t *testing.T) {
	db := openTestDB(t)
	id := createUser(t, db, "Alice", "a@x", 30)

	out := run(t, db, "GetUser", map[string]any{"userID": id}).(map[string]any)
	assert.Equal(t, "Alice", out["name"])
	assert.Equal(t, float64(30), out["age"])
	assert.Equal(t, "User", out["label"])
	assert.Equal(t, id, out["id"])
}

func TestIndexedLookupReturnsExactlyOne(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, "A", "a@x", 1)
	bID := createUser(t, db, "B", "b@x", 2)
	createUser(t, db, "C", "c@x", 3)

	out := run(t, db, "UserByEmail", map[string]any{"email": "b@x"}).([]any)
	require.Len(t, out, 1)
	assert.Equal(t, bID, out[0])
}

func TestDropNodeTransitivelyClearsAdjacency(t *testing.T) {
	db := openTestDB(t)
	a := createUser(t, db, "A", "a@x", 1)
	b := createUser(t, db, "B", "b@x", 2)
	c := createUser(t, db, "C", "c@x", 3)

	run(t, db, "Follow", map[string]any{"a": a, "b": b})
	run(t, db, "Follow", map[string]any{"a": b, "b": c})

	run(t, db, "RemoveUser", map[string]any{"userID": b})

	assert.Equal(t, float64(0), run(t, db, "OutCount", map[string]any{"userID": a}))
	assert.Equal(t, float64(0), run(t, db, "InCount", map[string]any{"userID": c}))
	assert.Equal(t, float64(0), run(t, db, "EdgeCount", map[string]any{}))
}

func TestWhereOrderProjection(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, "Carol", "c@x", 40)
	createUser(t, db, "Alice", "a@x", 30)
	createUser(t, db, "Kid", "k@x", 10)

	out := run(t, db, "Adults", map[string]any{}).([]any)
	require.Len(t, out, 2)
	assert.Equal(t, "Alice", out[0])
	assert.Equal(t, "Carol", out[1])
}

func TestUpdateIsVisible(t *testing.T) {
	db := openTestDB(t)
	id := createUser(t, db, "Old", "o@x", 50)

	run(t, db, "Rename", map[string]any{"userID": id, "newName": "New"})
	out := run(t, db, "GetUser", map[string]any{"userID": id}).(map[string]any)
	assert.Equal(t, "New", out["name"])
}

func TestVectorInsertAndSearch(t *testing.T) {
	db := openTestDB(t)
	rng := rand.New(rand.NewSource(42))

	var ids []string
	var vecs [][]float64
	for i := 0; i < 200; i++ {
		vec := make([]float64, 16)
		vecAny := make([]any, 16)
		for j := range vec {
			vec[j] = rng.NormFloat64()
			vecAny[j] = vec[j]
		}
		vecs = append(vecs, vec)
		out := run(t, db, "AddDoc", map[string]any{"vec": vecAny, "category": "blue"}).(map[string]any)
		ids = append(ids, out["id"].(string))
	}

	query := make([]any, 16)
	for j, f := range vecs[42] {
		query[j] = f
	}
	out := run(t, db, "FindDocs", map[string]any{"vec": query, "k": 10}).([]any)
	require.NotEmpty(t, out)
	assert.Equal(t, ids[42], out[0], "query equal to the 42nd vector ranks it first")
	assert.LessOrEqual(t, len(out), 10)
}

func TestFilteredVectorSearch(t *testing.T) {
	db := openTestDB(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 90; i++ {
		vecAny := make([]any, 8)
		for j := range vecAny {
			vecAny[j] = rng.NormFloat64()
		}
		cat := "blue"
		if i%3 == 0 {
			cat = "red"
		}
		run(t, db, "AddDoc", map[string]any{"vec": vecAny, "category": cat})
	}

	query := make([]any, 8)
	for j := range query {
		query[j] = 0.0
	}
	out := run(t, db, "FindRedDocs", map[string]any{"vec": query, "k": 10}).([]any)
	require.NotEmpty(t, out)
	for _, cat := range out {
		assert.Equal(t, "red", cat)
	}
}

func TestBM25Scoring(t *testing.T) {
	db := openTestDB(t)
	run(t, db, "CreatePost", map[string]any{"title": "long", "content": "the quick brown fox"})
	run(t, db, "CreatePost", map[string]any{"title": "dog", "content": "brown dog"})
	run(t, db, "CreatePost", map[string]any{"title": "short", "content": "fox jumps"})

	out := run(t, db, "SearchPosts", map[string]any{"q": "fox", "k": 3}).([]any)
	require.Len(t, out, 2, "only fox documents match")
	assert.Equal(t, "short", out[0], "shorter fox document ranks first")
	assert.Equal(t, "long", out[1])
}

func TestMigrationV1ToV2(t *testing.T) {
	dir := t.TempDir()

	v1 := `
N::User {
    name: String
}

QUERY CreateUser(name: String) =>
    user <- AddN<User>({name: name})
    RETURN user
`
	db, err := Open(Options{DataDir: dir, Source: v1, SchemaVersion: 1})
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		body, _ := json.Marshal(map[string]any{"name": name})
		_, err := db.ExecuteJSON("CreateUser", body)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	v2 := `
N::User {
    name: String,
    @default(0) age: I32
}

MIGRATION 1 => 2 {
    N::User {
        age => DEFAULT(0),
    }
}

QUERY Ages() =>
    ages <- N<User>::{age}
    RETURN ages
`
	db, err = Open(Options{DataDir: dir, Source: v2, SchemaVersion: 2})
	require.NoError(t, err)
	defer db.Close()

	raw, err := db.ExecuteJSON("Ages", nil)
	require.NoError(t, err)
	var ages []any
	require.NoError(t, json.Unmarshal(raw, &ages))
	assert.Equal(t, []any{float64(0), float64(0), float64(0)}, ages)
}

func TestMissingParameter(t *testing.T) {
	db := openTestDB(t)
	_, err := db.ExecuteJSON("GetUser", []byte(`{}`))
	assert.Error(t, err)
}

func TestUnknownQuery(t *testing.T) {
	db := openTestDB(t)
	_, err := db.ExecuteJSON("Nope", nil)
	assert.Error(t, err)
}

func TestAnalyzerErrorsSurfaceOnOpen(t *testing.T) {
	_, err := Open(Options{InMemory: true, Source: `
N::User { name: String }
QUERY Bad() =>
    x <- N<Ghost>
    RETURN x
`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E101")
}

func TestQueryMetadata(t *testing.T) {
	db := openTestDB(t)
	meta, ok := db.Meta("CreateUser")
	require.True(t, ok)
	assert.True(t, meta.Mutating)

	meta, ok = db.Meta("GetUser")
	require.True(t, ok)
	assert.False(t, meta.Mutating)

	assert.Contains(t, db.Queries(), "Adults")
}

func TestGetMissingUserReturnsNull(t *testing.T) {
	db := openTestDB(t)
	// Unknown ids yield an empty result, not an error.
	raw, err := db.ExecuteJSON("GetUser", []byte(`{"userID": "00000000-0000-0000-0000-000000000000"}`))
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}
