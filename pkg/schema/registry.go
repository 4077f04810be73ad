package schema

import (
	"fmt"

	"github.com/helixgraph/helixdb/pkg/storage"
)

// EntityKind names the record family a migration item applies to.
type EntityKind int

const (
	EntityNode EntityKind = iota
	EntityEdge
	EntityVector
)

func (k EntityKind) String() string {
	switch k {
	case EntityNode:
		return "node"
	case EntityEdge:
		return "edge"
	case EntityVector:
		return "vector"
	}
	return "unknown"
}

// FieldOpKind names the per-field mapping of a migration.
type FieldOpKind int

const (
	OpDrop FieldOpKind = iota
	OpRename
	OpDefault
	OpCast
)

// FieldOp is one per-field upgrade rule.
type FieldOp struct {
	Kind    FieldOpKind
	Field   string
	NewName string        // OpRename
	Default storage.Value // OpDefault
	CastTo  Type          // OpCast
}

// ItemMigration is the rule set for one entity label within a migration.
type ItemMigration struct {
	Entity EntityKind
	Label  string
	Ops    []FieldOp
}

// Migration upgrades records from one schema version to the next.
type Migration struct {
	FromVersion uint8
	ToVersion   uint8
	Items       []ItemMigration
}

// Registry retains every historical schema and the migrations between them.
// The read path upgrades below-current records in memory; the migration
// runner rewrites them durably.
type Registry struct {
	schemas    map[uint8]*Schema
	current    uint8
	migrations []*Migration
}

// NewRegistry creates a registry seeded with the current schema.
func NewRegistry(current *Schema) *Registry {
	r := &Registry{schemas: make(map[uint8]*Schema)}
	r.schemas[current.Version] = current
	r.current = current.Version
	return r
}

// Register adds a historical or newer schema. The highest version becomes
// current.
func (r *Registry) Register(s *Schema) {
	r.schemas[s.Version] = s
	if s.Version > r.current {
		r.current = s.Version
	}
}

// AddMigration registers an upgrade step. Steps must be contiguous.
func (r *Registry) AddMigration(m *Migration) error {
	if m.ToVersion != m.FromVersion+1 {
		return fmt.Errorf("migration must step one version, got %d -> %d", m.FromVersion, m.ToVersion)
	}
	r.migrations = append(r.migrations, m)
	return nil
}

// Current returns the current schema.
func (r *Registry) Current() *Schema { return r.schemas[r.current] }

// CurrentVersion returns the current schema version.
func (r *Registry) CurrentVersion() uint8 { return r.current }

// At returns the schema at a version, nil if unknown.
func (r *Registry) At(version uint8) *Schema { return r.schemas[version] }

func (r *Registry) migrationFrom(version uint8) *Migration {
	for _, m := range r.migrations {
		if m.FromVersion == version {
			return m
		}
	}
	return nil
}

// HasChain reports whether a contiguous upgrader chain exists from the given
// version up to current.
func (r *Registry) HasChain(from uint8) bool {
	for v := from; v < r.current; v++ {
		if r.migrationFrom(v) == nil {
			return false
		}
	}
	return true
}

func applyOps(props storage.Properties, ops []FieldOp) (storage.Properties, error) {
	for _, op := range ops {
		switch op.Kind {
		case OpDrop:
			delete(props, op.Field)
		case OpRename:
			if v, ok := props[op.Field]; ok {
				props[op.NewName] = v
				delete(props, op.Field)
			}
		case OpDefault:
			if _, ok := props[op.Field]; !ok {
				props[op.Field] = op.Default
			}
		case OpCast:
			if v, ok := props[op.Field]; ok {
				c, err := op.CastTo.Coerce(v)
				if err != nil {
					return nil, fmt.Errorf("cast %s: %w", op.Field, err)
				}
				props[op.Field] = c
			}
		}
	}
	return props, nil
}

func (r *Registry) upgradeProps(kind EntityKind, label string, version uint8, props storage.Properties) (storage.Properties, error) {
	for v := version; v < r.current; v++ {
		m := r.migrationFrom(v)
		if m == nil {
			return nil, fmt.Errorf("no migration from schema version %d", v)
		}
		for _, item := range m.Items {
			if item.Entity != kind || item.Label != label {
				continue
			}
			var err error
			props, err = applyOps(props, item.Ops)
			if err != nil {
				return nil, err
			}
		}
	}
	return props, nil
}

// UpgradeNodeLatest applies all upgraders from the node's persisted version
// up to current. Durable bytes are untouched; the upgraded record lives in
// memory only.
func (r *Registry) UpgradeNodeLatest(n *storage.Node) (*storage.Node, error) {
	if n.Version >= r.current {
		return n, nil
	}
	props, err := r.upgradeProps(EntityNode, n.Label, n.Version, n.Properties)
	if err != nil {
		return nil, err
	}
	n.Properties = props
	n.Version = r.current
	return n, nil
}

// UpgradeEdgeLatest applies all upgraders from the edge's persisted version
// up to current.
func (r *Registry) UpgradeEdgeLatest(e *storage.Edge) (*storage.Edge, error) {
	if e.Version >= r.current {
		return e, nil
	}
	props, err := r.upgradeProps(EntityEdge, e.Label, e.Version, e.Properties)
	if err != nil {
		return nil, err
	}
	e.Properties = props
	e.Version = r.current
	return e, nil
}

// UpgradeVectorLatest applies all upgraders from the vector's persisted
// version up to current.
func (r *Registry) UpgradeVectorLatest(v *storage.Vector) (*storage.Vector, error) {
	if v.Version >= r.current {
		return v, nil
	}
	props, err := r.upgradeProps(EntityVector, v.Label, v.Version, v.Properties)
	if err != nil {
		return nil, err
	}
	v.Properties = props
	v.Version = r.current
	return v, nil
}
