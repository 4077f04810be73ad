package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixgraph/helixdb/pkg/helix"
)

const testSource = `
N::User {
    INDEX email: String,
    name: String
}

QUERY CreateUser(name: String, email: String) =>
    user <- AddN<User>({name: name, email: email})
    RETURN user

QUERY UserByEmail(email: String) =>
    user <- N<User>({email: email})
    RETURN user::{name}
`

func newTestServer(t *testing.T) (*Server, *helix.DB) {
	t.Helper()
	db, err := helix.Open(helix.Options{InMemory: true, Source: testSource})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, ":0", nil), db
}

func post(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestQueryEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := post(t, s, "/CreateUser", map[string]any{"name": "Alice", "email": "a@x"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Alice", created["name"])

	rec = post(t, s, "/UserByEmail", map[string]any{"email": "a@x"})
	require.Equal(t, http.StatusOK, rec.Code)
	var names []any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Equal(t, []any{"Alice"}, names)
}

func TestUnknownQueryIs404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := post(t, s, "/DoesNotExist", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingParameterIs400(t *testing.T) {
	s, _ := newTestServer(t)
	rec := post(t, s, "/CreateUser", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodesByLabelBuiltin(t *testing.T) {
	s, _ := newTestServer(t)
	post(t, s, "/CreateUser", map[string]any{"name": "A", "email": "a@x"})
	post(t, s, "/CreateUser", map[string]any{"name": "B", "email": "b@x"})

	rec := post(t, s, "/nodes_by_label", map[string]any{"label": "User"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Nodes []map[string]any `json:"nodes"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Nodes, 2)
	assert.Equal(t, 2, out.Count)

	rec = post(t, s, "/nodes_by_label?limit=1", map[string]any{"label": "User"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Nodes, 1)
	assert.Equal(t, 1, out.Count)

	rec = post(t, s, "/nodes_by_label?limit=-3", map[string]any{"label": "User"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, s, "/nodes_by_label", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
