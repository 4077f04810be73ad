// Package traversal is the runtime the code generator lowers queries into:
// a polymorphic traversal value, step combinators over the storage engine,
// and the return-shape projection.
package traversal

import (
	"fmt"

	"github.com/helixgraph/helixdb/pkg/bm25"
	"github.com/helixgraph/helixdb/pkg/schema"
	"github.com/helixgraph/helixdb/pkg/storage"
	"github.com/helixgraph/helixdb/pkg/vector"
)

// Kind tags a runtime traversal value.
type Kind int

const (
	KindEmpty Kind = iota
	KindNode
	KindEdge
	KindVector
	KindCount
	KindScalar
	KindPath
)

// Value is the tagged variant a traversal step consumes and produces.
// Exactly one payload field is set for a given Kind; step code switches
// exhaustively.
type Value struct {
	Kind   Kind
	Node   *storage.Node
	Edge   *storage.Edge
	Vector *storage.Vector
	Count  int64
	Scalar storage.Value
	Path   []*storage.Node
}

// NodeValue wraps a node record.
func NodeValue(n *storage.Node) Value { return Value{Kind: KindNode, Node: n} }

// EdgeValue wraps an edge record.
func EdgeValue(e *storage.Edge) Value { return Value{Kind: KindEdge, Edge: e} }

// VectorValue wraps a vector record.
func VectorValue(v *storage.Vector) Value { return Value{Kind: KindVector, Vector: v} }

// CountValue wraps a count.
func CountValue(n int64) Value { return Value{Kind: KindCount, Count: n} }

// ScalarValue wraps a property value.
func ScalarValue(v storage.Value) Value { return Value{Kind: KindScalar, Scalar: v} }

// PathValue wraps an ordered node path.
func PathValue(nodes []*storage.Node) Value { return Value{Kind: KindPath, Path: nodes} }

// Property resolves a field on the value, reserved names included.
func (v Value) Property(name string) (storage.Value, bool) {
	switch v.Kind {
	case KindNode:
		return v.Node.Property(name)
	case KindEdge:
		return v.Edge.Property(name)
	case KindVector:
		return v.Vector.Property(name)
	}
	return storage.Value{}, false
}

// ID returns the entity id when the value carries one.
func (v Value) ID() (storage.ID, bool) {
	switch v.Kind {
	case KindNode:
		return v.Node.ID, true
	case KindEdge:
		return v.Edge.ID, true
	case KindVector:
		return v.Vector.ID, true
	}
	return storage.NilID, false
}

// Truthy interprets the value as a predicate result.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindScalar:
		return v.Scalar.Kind == storage.KindBool && v.Scalar.Bool
	case KindCount:
		return v.Count > 0
	case KindEmpty:
		return false
	}
	return true
}

// Ctx carries one query execution: the open transaction, the index handles,
// parameters, and bound variables. The property maps decoded during the
// query live until the transaction ends; the projection layer copies what
// escapes.
type Ctx struct {
	Engine   *storage.Engine
	Txn      *storage.Txn
	Registry *schema.Registry
	Vectors  *vector.Index
	Fulltext *bm25.Index

	Params map[string]storage.Value
	Vars   map[string][]Value

	// Embedder is the external embedding collaborator. Hoisted embeddings
	// are resolved through it once per query before the pipeline runs.
	Embedder func(text string) ([]float64, error)
	Hoisted  map[string][]float64
}

// ResolveNode reads and upgrades a node.
func (c *Ctx) ResolveNode(id storage.ID) (*storage.Node, error) {
	n, err := c.Engine.GetNode(c.Txn, id)
	if err != nil {
		return nil, err
	}
	if c.Registry != nil {
		return c.Registry.UpgradeNodeLatest(n)
	}
	return n, nil
}

// ResolveEdge reads and upgrades an edge.
func (c *Ctx) ResolveEdge(id storage.ID) (*storage.Edge, error) {
	e, err := c.Engine.GetEdge(c.Txn, id)
	if err != nil {
		return nil, err
	}
	if c.Registry != nil {
		return c.Registry.UpgradeEdgeLatest(e)
	}
	return e, nil
}

// Embed resolves an embedding, preferring the query-level hoisted constants.
func (c *Ctx) Embed(text string) ([]float64, error) {
	if vec, ok := c.Hoisted[text]; ok {
		return vec, nil
	}
	if c.Embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	return c.Embedder(text)
}

// Source produces the initial values of a pipeline.
type Source func(*Ctx) ([]Value, error)

// Step transforms a batch of traversal values.
type Step func(*Ctx, []Value) ([]Value, error)

// Pipeline is one lowered traversal: a source and a step chain. Mutating
// pipelines require the context transaction to be a write transaction; the
// facade asserts this before running.
type Pipeline struct {
	Source   Source
	Steps    []Step
	Mutating bool
}

// Run executes the pipeline.
func (p *Pipeline) Run(ctx *Ctx) ([]Value, error) {
	vals, err := p.Source(ctx)
	if err != nil {
		return nil, err
	}
	for _, step := range p.Steps {
		vals, err = step(ctx, vals)
		if err != nil {
			return nil, err
		}
	}
	return vals, nil
}
