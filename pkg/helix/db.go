// Package helix is the embedded database facade: it owns the storage
// engine, the schema registry, the vector and fulltext indices, and the
// compiled queries, and executes queries against all of them through one
// transaction per call.
package helix

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/helixgraph/helixdb/pkg/bm25"
	"github.com/helixgraph/helixdb/pkg/hql"
	"github.com/helixgraph/helixdb/pkg/schema"
	"github.com/helixgraph/helixdb/pkg/storage"
	"github.com/helixgraph/helixdb/pkg/traversal"
	"github.com/helixgraph/helixdb/pkg/vector"
)

// Options configures an open database.
type Options struct {
	// DataDir is the on-disk location. Empty with InMemory runs ephemeral.
	DataDir  string
	InMemory bool

	// Source is the HQL source: schema declarations, migrations, queries.
	Source string

	// SchemaVersion tags records written by this binary. Defaults to 1.
	SchemaVersion uint8

	// HNSW parameters. Zero values take the engine defaults.
	M              int
	EfConstruction int
	EfSearch       int

	// Embedder resolves Embed(...) calls. Optional.
	Embedder func(text string) ([]float64, error)

	Logger *slog.Logger
}

// DB is one open HelixDB database.
type DB struct {
	engine   *storage.Engine
	registry *schema.Registry
	vectors  *vector.Index
	fulltext *bm25.Index
	log      *slog.Logger
	embedder func(string) ([]float64, error)

	mu      sync.RWMutex
	queries map[string]*hql.CompiledQuery
}

// Open opens the database: storage first, then schema compilation, index
// registration, and the migration pass when the persisted version lags.
func Open(opts Options) (*DB, error) {
	if opts.SchemaVersion == 0 {
		opts.SchemaVersion = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine, err := storage.Open(storage.Options{
		DataDir:  opts.DataDir,
		InMemory: opts.InMemory,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	result, err := hql.NewCompiler().Compile(opts.Source, opts.SchemaVersion)
	if err != nil {
		engine.Close()
		return nil, err
	}

	registry := schema.NewRegistry(result.Compiled.Schema)
	for _, m := range result.Compiled.Migrations {
		if err := registry.AddMigration(m); err != nil {
			engine.Close()
			return nil, err
		}
		if registry.At(m.FromVersion) == nil {
			registry.Register(schema.NewSchema(m.FromVersion))
		}
	}

	for _, field := range result.Compiled.Schema.IndexedFields() {
		engine.CreateSecondaryIndex(field)
	}

	db := &DB{
		engine:   engine,
		registry: registry,
		vectors:  vector.NewIndex(engine, vector.NewConfig(opts.M, opts.EfConstruction, opts.EfSearch)),
		fulltext: bm25.NewIndex(engine),
		log:      logger,
		embedder: opts.Embedder,
		queries:  make(map[string]*hql.CompiledQuery),
	}
	for _, q := range result.Queries {
		db.queries[q.Name] = q
	}

	if err := db.bootstrapVersion(opts.SchemaVersion); err != nil {
		engine.Close()
		return nil, err
	}
	if err := schema.NewRunner(engine, registry, logger).Run(); err != nil {
		engine.Close()
		return nil, err
	}
	return db, nil
}

// bootstrapVersion stamps a fresh store with the current schema version.
func (db *DB) bootstrapVersion(current uint8) error {
	read := db.engine.BeginRead()
	persisted, err := db.engine.SchemaVersion(read)
	nodes, nerr := db.engine.NodeCount(read)
	read.Discard()
	if err != nil {
		return err
	}
	if nerr != nil {
		return nerr
	}
	if persisted == 0 && nodes == 0 {
		txn := db.engine.BeginWrite()
		defer txn.Discard()
		if err := db.engine.SetSchemaVersion(txn, current); err != nil {
			return err
		}
		return txn.Commit()
	}
	return nil
}

// Close closes the underlying engine.
func (db *DB) Close() error { return db.engine.Close() }

// Engine exposes the storage engine for tooling.
func (db *DB) Engine() *storage.Engine { return db.engine }

// Vectors exposes the HNSW index.
func (db *DB) Vectors() *vector.Index { return db.vectors }

// Fulltext exposes the BM25 index.
func (db *DB) Fulltext() *bm25.Index { return db.fulltext }

// Registry exposes the schema registry.
func (db *DB) Registry() *schema.Registry { return db.registry }

// Queries lists the names of every compiled query.
func (db *DB) Queries() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.queries))
	for name := range db.queries {
		out = append(out, name)
	}
	return out
}

// QueryMeta describes a compiled query for the gateway layer.
type QueryMeta struct {
	Name     string
	Mutating bool
}

// Meta returns gateway metadata for one query.
func (db *DB) Meta(name string) (QueryMeta, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	q, ok := db.queries[name]
	if !ok {
		return QueryMeta{}, false
	}
	return QueryMeta{Name: q.Name, Mutating: q.Mutating}, true
}

// Execute runs a compiled query with JSON-decoded parameters. A read query
// runs on a snapshot; a mutating query runs in one write transaction that
// commits only if every statement succeeds.
func (db *DB) Execute(name string, params map[string]any) (any, error) {
	db.mu.RLock()
	q, ok := db.queries[name]
	db.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown query %q", name)
	}

	converted, err := db.convertParams(q, params)
	if err != nil {
		return nil, err
	}

	var txn *storage.Txn
	if q.Mutating {
		txn = db.engine.BeginWrite()
	} else {
		txn = db.engine.BeginRead()
	}
	defer txn.Discard()

	ctx := &traversal.Ctx{
		Engine:   db.engine,
		Txn:      txn,
		Registry: db.registry,
		Vectors:  db.vectors,
		Fulltext: db.fulltext,
		Params:   converted,
		Vars:     make(map[string][]traversal.Value),
		Embedder: db.embedder,
	}
	result, err := q.Run(ctx)
	if err != nil {
		return nil, err
	}
	if q.Mutating {
		if err := txn.Commit(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ExecuteJSON runs a query against a JSON request body and renders a JSON
// response, the gateway wire format.
func (db *DB) ExecuteJSON(name string, body []byte) ([]byte, error) {
	params := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, fmt.Errorf("request body: %w", err)
		}
	}
	result, err := db.Execute(name, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (db *DB) convertParams(q *hql.CompiledQuery, params map[string]any) (map[string]storage.Value, error) {
	out := make(map[string]storage.Value, len(q.Params))
	for _, p := range q.Params {
		raw, ok := params[p.Name]
		if !ok {
			return nil, fmt.Errorf("missing parameter %q", p.Name)
		}
		v, err := storage.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		coerced, err := p.Type.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		out[p.Name] = coerced
	}
	return out, nil
}
