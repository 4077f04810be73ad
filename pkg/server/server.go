// Package server is the thin HTTP gateway over a HelixDB database: each
// compiled query is exposed as POST /<query_name> with a JSON body of
// parameters and a JSON response shaped by the query's RETURN clause.
//
// The gateway is a collaborator of the core, not part of it: it owns no
// storage semantics, only the wire mapping and the error-to-status policy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/helixgraph/helixdb/pkg/helix"
	"github.com/helixgraph/helixdb/pkg/storage"
)

// Request is the internal gateway request form.
type Request struct {
	Name    string
	ReqType string
	Body    []byte
	InFmt   string
	OutFmt  string
}

// Response is the internal gateway response form.
type Response struct {
	Body []byte
	Fmt  string
}

// Server serves a database's compiled queries plus the built-in endpoints.
type Server struct {
	db   *helix.DB
	log  *slog.Logger
	http *http.Server
	ln   net.Listener
}

// New builds a gateway over an open database.
func New(db *helix.DB, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{db: db, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /nodes_by_label", s.handleNodesByLabel)
	mux.HandleFunc("POST /{query}", s.handleQuery)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening. Non-blocking; pair with Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway stopped", "error", err)
		}
	}()
	s.log.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.http.Addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the gateway down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("query")
	if _, ok := s.db.Meta(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown query %q", name))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	resp, err := s.db.ExecuteJSON(name, body)
	if err != nil {
		status, msg := statusFor(err)
		s.log.Warn("query failed", "query", name, "error", err)
		writeError(w, status, msg)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}

// handleNodesByLabel is the built-in endpoint: nodes of one label, capped by
// an optional ?limit query parameter, returned as {nodes, count}.
func (s *Server) handleNodesByLabel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Label == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"label\": \"...\"}")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	engine := s.db.Engine()
	txn := engine.BeginRead()
	defer txn.Discard()

	iter := engine.NodesOfLabel(txn, req.Label)
	defer iter.Close()
	nodes := make([]map[string]any, 0)
	for n, ok := iter.Next(); ok; n, ok = iter.Next() {
		obj := map[string]any{
			"id":    n.ID.String(),
			"label": n.Label,
		}
		for k, v := range n.Properties {
			obj[k] = v
		}
		nodes = append(nodes, obj)
		if limit > 0 && len(nodes) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// statusFor maps error kinds to HTTP status categories: bad-request for
// client errors, not-found for missing entities, internal for storage.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNodeNotFound),
		errors.Is(err, storage.ErrEdgeNotFound),
		errors.Is(err, storage.ErrVectorNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, storage.ErrDimensionMismatch),
		errors.Is(err, storage.ErrMissingEndpoint),
		errors.Is(err, storage.ErrInvalidID),
		strings.Contains(err.Error(), "missing parameter"),
		strings.Contains(err.Error(), "unknown query"):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrVectorDeleted),
		errors.Is(err, storage.ErrEntryPointNotFound):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
