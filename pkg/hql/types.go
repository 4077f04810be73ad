package hql

import (
	"fmt"

	"github.com/helixgraph/helixdb/pkg/schema"
	"github.com/helixgraph/helixdb/pkg/storage"
)

// VKind is the traversal-value type lattice.
type VKind int

const (
	VUnknown VKind = iota
	VNode
	VNodes
	VEdge
	VEdges
	VVector
	VVectors
	VScalar
	VBoolean
	VCount
	VArray
	VObject
	VAggregate
	VPath
	VEmpty
)

// VType is the inferred type of a traversal value or expression.
type VType struct {
	Kind    VKind
	Label   string      // entity label, when known
	Scalar  schema.Type // VScalar element type
	Elem    *VType      // VArray element
	IsCount bool        // VAggregate produced by COUNT aggregation
	GroupBy bool        // VAggregate produced by GROUP_BY
}

func (t VType) String() string {
	lbl := func(base string) string {
		if t.Label != "" {
			return fmt.Sprintf("%s<%s>", base, t.Label)
		}
		return base
	}
	switch t.Kind {
	case VNode:
		return lbl("Node")
	case VNodes:
		return lbl("Nodes")
	case VEdge:
		return lbl("Edge")
	case VEdges:
		return lbl("Edges")
	case VVector:
		return lbl("Vector")
	case VVectors:
		return lbl("Vectors")
	case VScalar:
		return "Scalar(" + t.Scalar.String() + ")"
	case VBoolean:
		return "Boolean"
	case VCount:
		return "Count"
	case VArray:
		if t.Elem != nil {
			return "Array(" + t.Elem.String() + ")"
		}
		return "Array"
	case VObject:
		return "Object"
	case VAggregate:
		return "Aggregate"
	case VPath:
		return "Path"
	case VEmpty:
		return "Empty"
	}
	return "Unknown"
}

// intoSingle collapses collection types to their element type.
func (t VType) intoSingle() VType {
	switch t.Kind {
	case VNodes:
		return VType{Kind: VNode, Label: t.Label}
	case VEdges:
		return VType{Kind: VEdge, Label: t.Label}
	case VVectors:
		return VType{Kind: VVector, Label: t.Label}
	case VArray:
		if t.Elem != nil {
			return *t.Elem
		}
		return VType{Kind: VUnknown}
	}
	return t
}

// isPlural reports whether the type is a collection.
func (t VType) isPlural() bool {
	switch t.Kind {
	case VNodes, VEdges, VVectors, VArray:
		return true
	}
	return false
}

// isEntity reports whether the type carries entity records.
func (t VType) isEntity() bool {
	switch t.Kind {
	case VNode, VNodes, VEdge, VEdges, VVector, VVectors:
		return true
	}
	return false
}

func scalarOf(k storage.Kind) VType {
	return VType{Kind: VScalar, Scalar: schema.Scalar(k)}
}

// reservedFieldType resolves the reserved property names that short-circuit
// the schema lookup.
func reservedFieldType(t VType, name string) (schema.Type, bool) {
	switch name {
	case storage.PropID:
		return schema.Scalar(storage.KindID), true
	case storage.PropLabel:
		return schema.Scalar(storage.KindString), true
	case storage.PropVersion:
		return schema.Scalar(storage.KindI8), true
	}
	switch t.Kind {
	case VEdge, VEdges:
		if name == storage.PropFromNode || name == storage.PropToNode {
			return schema.Scalar(storage.KindID), true
		}
	case VVector, VVectors:
		switch name {
		case storage.PropDeleted:
			return schema.Scalar(storage.KindBool), true
		case storage.PropLevel:
			return schema.Scalar(storage.KindU64), true
		case storage.PropDistance, storage.PropScore:
			return schema.Scalar(storage.KindF64), true
		case storage.PropData:
			return schema.ArrayOf(schema.Scalar(storage.KindF64)), true
		}
	}
	return schema.Type{}, false
}

// TraversalKind picks the transaction type and collection strategy for a
// lowered traversal.
type TraversalKind int

const (
	TraversalRef TraversalKind = iota
	TraversalFromSingle
	TraversalFromIter
	TraversalMut
	TraversalUpdate
	TraversalUpsertN
	TraversalUpsertE
	TraversalUpsertV
)

// IsMutating reports whether the traversal needs a write transaction.
func (k TraversalKind) IsMutating() bool { return k >= TraversalMut }

// CollectKind tags how a traversal's results materialize.
type CollectKind int

const (
	CollectNone CollectKind = iota
	CollectToVec
	CollectToObj
	CollectToValue
	CollectTry
)

// typeFromTypeExpr maps a declared type to its schema type.
func typeFromTypeExpr(te *TypeExpr) (schema.Type, error) {
	if te == nil {
		return schema.Type{}, fmt.Errorf("missing type")
	}
	if te.Elem != nil {
		elem, err := typeFromTypeExpr(te.Elem)
		if err != nil {
			return schema.Type{}, err
		}
		return schema.ArrayOf(elem), nil
	}
	if te.Fields != nil {
		fields := make(map[string]schema.Type, len(te.Fields))
		for name, ft := range te.Fields {
			t, err := typeFromTypeExpr(ft)
			if err != nil {
				return schema.Type{}, err
			}
			fields[name] = t
		}
		return schema.ObjectOf(fields), nil
	}
	kind, ok := scalarKinds[te.Name]
	if !ok {
		return schema.Type{}, fmt.Errorf("unknown type %q", te.Name)
	}
	return schema.Scalar(kind), nil
}

var scalarKinds = map[string]storage.Kind{
	"String":  storage.KindString,
	"F32":     storage.KindF32,
	"F64":     storage.KindF64,
	"I8":      storage.KindI8,
	"I16":     storage.KindI16,
	"I32":     storage.KindI32,
	"I64":     storage.KindI64,
	"U8":      storage.KindU8,
	"U16":     storage.KindU16,
	"U32":     storage.KindU32,
	"U64":     storage.KindU64,
	"U128":    storage.KindU128,
	"I128":    storage.KindI128,
	"Boolean": storage.KindBool,
	"ID":      storage.KindID,
	"Date":    storage.KindDate,
}
