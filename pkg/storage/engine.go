package storage

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Engine is the ordered key/value storage engine backing the graph, vector,
// and fulltext stores. It wraps BadgerDB: MVCC read transactions are
// snapshots, write transactions serialize through Badger's commit path.
//
// Example:
//
//	engine, err := storage.Open(storage.Options{DataDir: "./data/helix"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	txn := engine.BeginWrite()
//	defer txn.Discard()
//	node, _ := engine.AddNode(txn, 1, "User", storage.Properties{"name": storage.Str("Alice")})
//	txn.Commit()
type Engine struct {
	db  *badger.DB
	log *slog.Logger

	// mu guards the secondary-index registry. Dynamic index creation is
	// valid on this engine flavor; a column-family engine must declare
	// indices at open.
	mu      sync.RWMutex
	indexes map[string]bool

	closed bool
}

// Options configures the storage engine.
type Options struct {
	// DataDir is the directory for Badger's data files. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs Badger without touching disk. Used by tests.
	InMemory bool

	// SyncWrites forces fsync after each commit.
	SyncWrites bool

	// Logger receives engine and Badger log output. Defaults to slog.Default.
	Logger *slog.Logger
}

// Open opens (creating if needed) the storage engine at the configured path.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.
		WithLogger(badgerSlog{logger}).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Engine{
		db:      db,
		log:     logger,
		indexes: make(map[string]bool),
	}, nil
}

// OpenInMemory opens an in-memory engine for tests.
func OpenInMemory() (*Engine, error) {
	return Open(Options{InMemory: true})
}

// Close flushes and closes the underlying store. Open transactions must be
// finished first.
func (e *Engine) Close() error {
	if e.closed {
		return ErrStorageClosed
	}
	e.closed = true
	return e.db.Close()
}

// CreateSecondaryIndex registers a secondary index on a property field.
// Existing records are not backfilled here; the migration runner does that.
func (e *Engine) CreateSecondaryIndex(field string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexes[field] = true
}

// HasSecondaryIndex reports whether a field is indexed.
func (e *Engine) HasSecondaryIndex(field string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.indexes[field]
}

func (e *Engine) indexedFields() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.indexes))
	for f := range e.indexes {
		out = append(out, f)
	}
	return out
}

// Txn is one storage transaction: either a snapshot read or an exclusive
// write. Iterators opened on a transaction see only its snapshot.
type Txn struct {
	engine *Engine
	btxn   *badger.Txn
	update bool
	done   bool
}

// BeginRead opens a snapshot read transaction.
func (e *Engine) BeginRead() *Txn {
	return &Txn{engine: e, btxn: e.db.NewTransaction(false)}
}

// BeginWrite opens a write transaction.
func (e *Engine) BeginWrite() *Txn {
	return &Txn{engine: e, btxn: e.db.NewTransaction(true), update: true}
}

// Commit commits a write transaction. On a read transaction it is equivalent
// to Discard.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if !t.update {
		t.btxn.Discard()
		return nil
	}
	if err := t.btxn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Discard aborts the transaction, losing uncommitted mutations. Safe to call
// after Commit.
func (t *Txn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.btxn.Discard()
}

// get returns a copy of the value at key, or (nil, badger.ErrKeyNotFound).
func (t *Txn) get(key []byte) ([]byte, error) {
	item, err := t.btxn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *Txn) set(key, val []byte) error {
	if !t.update {
		return ErrReadOnlyTxn
	}
	return t.btxn.Set(key, val)
}

func (t *Txn) delete(key []byte) error {
	if !t.update {
		return ErrReadOnlyTxn
	}
	return t.btxn.Delete(key)
}

// iterator opens a prefix-bounded badger iterator on the transaction.
func (t *Txn) iterator(prefix []byte) *badger.Iterator {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = true
	opts.PrefetchSize = 64
	it := t.btxn.NewIterator(opts)
	it.Seek(prefix)
	return it
}

// Get reads a raw key through the codec surface. ok is false when absent.
func (t *Txn) Get(key []byte) (val []byte, ok bool, err error) {
	v, err := t.get(key)
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set writes a raw key.
func (t *Txn) Set(key, val []byte) error { return t.set(key, val) }

// Delete removes a raw key.
func (t *Txn) Delete(key []byte) error { return t.delete(key) }

// Scan walks every key under prefix in lexicographic order.
func (t *Txn) Scan(prefix []byte, fn func(key, val []byte) error) error {
	it := t.iterator(prefix)
	defer it.Close()
	for ; it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

// BM25Stats reads the fulltext corpus statistics.
func (e *Engine) BM25Stats(t *Txn) (docCount, totalLen uint64, err error) {
	val, err := t.get(PackMetaKey(metaBM25Stats))
	if err == badger.ErrKeyNotFound {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if len(val) != 16 {
		return 0, 0, fmt.Errorf("%w: bm25 stats length %d", ErrInvariantViolation, len(val))
	}
	return binary.BigEndian.Uint64(val), binary.BigEndian.Uint64(val[8:]), nil
}

// SetBM25Stats writes the fulltext corpus statistics.
func (e *Engine) SetBM25Stats(t *Txn, docCount, totalLen uint64) error {
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val, docCount)
	binary.BigEndian.PutUint64(val[8:], totalLen)
	return t.set(PackMetaKey(metaBM25Stats), val)
}

// Metadata helpers.

// SchemaVersion reads the persisted schema version tag (0 when unset).
func (e *Engine) SchemaVersion(t *Txn) (uint8, error) {
	val, err := t.get(PackMetaKey(metaSchemaVersion))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 1 {
		return 0, fmt.Errorf("%w: schema version tag length %d", ErrInvariantViolation, len(val))
	}
	return val[0], nil
}

// SetSchemaVersion writes the persisted schema version tag.
func (e *Engine) SetSchemaVersion(t *Txn, v uint8) error {
	return t.set(PackMetaKey(metaSchemaVersion), []byte{v})
}

func (t *Txn) counter(name []byte) (uint64, error) {
	val, err := t.get(PackMetaKey(name))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("%w: counter length %d", ErrInvariantViolation, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (t *Txn) bumpCounter(name []byte, delta int64) error {
	cur, err := t.counter(name)
	if err != nil {
		return err
	}
	next := uint64(int64(cur) + delta)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], next)
	return t.set(PackMetaKey(name), b[:])
}

// HNSWEntryPoint reads the index entry point: the distinguished top-level
// vector every search descends from. ok is false on an empty index.
func (e *Engine) HNSWEntryPoint(t *Txn) (id ID, level uint8, ok bool, err error) {
	val, err := t.get(PackMetaKey(metaHNSWEntry))
	if err == badger.ErrKeyNotFound {
		return NilID, 0, false, nil
	}
	if err != nil {
		return NilID, 0, false, err
	}
	if len(val) != 17 {
		return NilID, 0, false, fmt.Errorf("%w: entry point length %d", ErrInvariantViolation, len(val))
	}
	copy(id[:], val[:16])
	return id, val[16], true, nil
}

// SetHNSWEntryPoint writes the index entry point.
func (e *Engine) SetHNSWEntryPoint(t *Txn, id ID, level uint8) error {
	val := make([]byte, 17)
	copy(val, id[:])
	val[16] = level
	return t.set(PackMetaKey(metaHNSWEntry), val)
}

// PutVector writes a new vector payload record and bumps the vector count.
func (e *Engine) PutVector(t *Txn, v *Vector) error {
	if err := t.set(PackVectorKey(v.ID), EncodeVector(v)); err != nil {
		return err
	}
	return t.bumpCounter(metaVectorCount, 1)
}

// HNSWNeighborsAt reads the stored neighbor list of a vector at one level.
func (e *Engine) HNSWNeighborsAt(t *Txn, id ID, level uint8) ([]HNSWNeighbor, error) {
	val, err := t.get(PackHNSWEdgeKey(id, level))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return UnpackHNSWNeighbors(val)
}

// SetHNSWNeighbors replaces the stored neighbor list of a vector at one level.
func (e *Engine) SetHNSWNeighbors(t *Txn, id ID, level uint8, neighbors []HNSWNeighbor) error {
	return t.set(PackHNSWEdgeKey(id, level), PackHNSWNeighbors(neighbors))
}

// NodeCount returns the live node count.
func (e *Engine) NodeCount(t *Txn) (uint64, error) { return t.counter(metaNodeCount) }

// EdgeCount returns the live edge count.
func (e *Engine) EdgeCount(t *Txn) (uint64, error) { return t.counter(metaEdgeCount) }

// VectorCount returns the live vector count (tombstoned vectors included).
func (e *Engine) VectorCount(t *Txn) (uint64, error) { return t.counter(metaVectorCount) }

// badgerSlog forwards Badger's internal logging into slog.
type badgerSlog struct{ l *slog.Logger }

func (b badgerSlog) Errorf(f string, args ...any)   { b.l.Error(fmt.Sprintf(f, args...)) }
func (b badgerSlog) Warningf(f string, args ...any) { b.l.Warn(fmt.Sprintf(f, args...)) }
func (b badgerSlog) Infof(f string, args ...any)    { b.l.Debug(fmt.Sprintf(f, args...)) }
func (b badgerSlog) Debugf(f string, args ...any)   { b.l.Debug(fmt.Sprintf(f, args...)) }
