package schema

import (
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/helixgraph/helixdb/pkg/storage"
)

// DefaultMigrationBatch bounds how many records one write transaction
// rewrites. Each batch commits independently, so memory stays bounded on
// large stores.
const DefaultMigrationBatch = 1000

// Runner rewrites every persisted record to the current schema version.
type Runner struct {
	engine    *storage.Engine
	registry  *Registry
	log       *slog.Logger
	batchSize int
}

// NewRunner builds a migration runner.
func NewRunner(engine *storage.Engine, registry *Registry, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{engine: engine, registry: registry, log: log, batchSize: DefaultMigrationBatch}
}

// Run migrates the store to the registry's current version. Re-running at
// the current version is a no-op. Records in the node, edge, and vector
// families rewrite concurrently; their key ranges are disjoint, so the write
// transactions never conflict.
func (r *Runner) Run() error {
	read := r.engine.BeginRead()
	persisted, err := r.engine.SchemaVersion(read)
	read.Discard()
	if err != nil {
		return err
	}
	current := r.registry.CurrentVersion()
	if persisted >= current {
		return nil
	}
	if !r.registry.HasChain(persisted) {
		return fmt.Errorf("no migration chain from schema version %d to %d", persisted, current)
	}

	r.log.Info("migrating store", "from", persisted, "to", current)

	var g errgroup.Group
	g.Go(r.migrateNodes)
	g.Go(r.migrateEdges)
	g.Go(r.migrateVectors)
	if err := g.Wait(); err != nil {
		return err
	}

	txn := r.engine.BeginWrite()
	defer txn.Discard()
	if err := r.engine.SetSchemaVersion(txn, current); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	r.log.Info("migration complete", "version", current)
	return nil
}

func (r *Runner) migrateNodes() error {
	current := r.registry.CurrentVersion()
	var ids []storage.ID

	read := r.engine.BeginRead()
	err := r.engine.ScanNodes(read, func(n *storage.Node) error {
		if n.Version < current {
			ids = append(ids, n.ID)
		}
		return nil
	})
	read.Discard()
	if err != nil {
		return err
	}

	for start := 0; start < len(ids); start += r.batchSize {
		end := min(start+r.batchSize, len(ids))
		txn := r.engine.BeginWrite()
		for _, id := range ids[start:end] {
			n, err := r.engine.GetNode(txn, id)
			if err != nil {
				txn.Discard()
				return err
			}
			old := &storage.Node{ID: n.ID, Label: n.Label, Version: n.Version, Properties: n.Properties.Clone()}
			upgraded, err := r.registry.UpgradeNodeLatest(n)
			if err != nil {
				txn.Discard()
				return err
			}
			if err := r.engine.RewriteNode(txn, old, upgraded); err != nil {
				txn.Discard()
				return err
			}
		}
		if err := txn.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) migrateEdges() error {
	current := r.registry.CurrentVersion()
	var ids []storage.ID

	read := r.engine.BeginRead()
	err := r.engine.ScanEdges(read, func(e *storage.Edge) error {
		if e.Version < current {
			ids = append(ids, e.ID)
		}
		return nil
	})
	read.Discard()
	if err != nil {
		return err
	}

	for start := 0; start < len(ids); start += r.batchSize {
		end := min(start+r.batchSize, len(ids))
		txn := r.engine.BeginWrite()
		for _, id := range ids[start:end] {
			e, err := r.engine.GetEdge(txn, id)
			if err != nil {
				txn.Discard()
				return err
			}
			upgraded, err := r.registry.UpgradeEdgeLatest(e)
			if err != nil {
				txn.Discard()
				return err
			}
			if err := r.engine.RewriteEdge(txn, upgraded); err != nil {
				txn.Discard()
				return err
			}
		}
		if err := txn.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) migrateVectors() error {
	current := r.registry.CurrentVersion()
	var ids []storage.ID

	read := r.engine.BeginRead()
	err := r.engine.ScanVectors(read, func(v *storage.Vector) error {
		if v.Version < current {
			ids = append(ids, v.ID)
		}
		return nil
	})
	read.Discard()
	if err != nil {
		return err
	}

	for start := 0; start < len(ids); start += r.batchSize {
		end := min(start+r.batchSize, len(ids))
		txn := r.engine.BeginWrite()
		for _, id := range ids[start:end] {
			v, err := r.engine.GetVector(txn, id)
			if err != nil {
				txn.Discard()
				return err
			}
			upgraded, err := r.registry.UpgradeVectorLatest(v)
			if err != nil {
				txn.Discard()
				return err
			}
			if err := r.engine.RewriteVector(txn, upgraded); err != nil {
				txn.Discard()
				return err
			}
		}
		if err := txn.Commit(); err != nil {
			return err
		}
	}
	return nil
}
