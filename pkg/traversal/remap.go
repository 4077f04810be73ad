package traversal

import (
	"github.com/helixgraph/helixdb/pkg/storage"
)

// ProjField is one projected output field: a plain property lookup or an
// injected computation (rename, nested traversal).
type ProjField struct {
	Name    string
	Compute func(*Ctx, Value) (storage.Value, error) // nil = property lookup
}

// Project produces one object per entity holding the chosen fields.
// A single plain field collapses to its scalar value.
func Project(fields []ProjField) Step {
	single := len(fields) == 1 && fields[0].Compute == nil
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		var out []Value
		for _, v := range in {
			if single {
				pv, _ := v.Property(fields[0].Name)
				out = append(out, ScalarValue(pv))
				continue
			}
			obj := storage.Properties{}
			for _, f := range fields {
				if f.Compute != nil {
					cv, err := f.Compute(ctx, v)
					if err != nil {
						return nil, err
					}
					obj[f.Name] = cv
					continue
				}
				pv, _ := v.Property(f.Name)
				obj[f.Name] = pv
			}
			out = append(out, ScalarValue(storage.Object(obj)))
		}
		return out, nil
	}
}

// Exclude renders entities as objects with the named keys dropped.
func Exclude(names []string) Step {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	return func(_ *Ctx, in []Value) ([]Value, error) {
		var out []Value
		for _, v := range in {
			obj, ok := entityObject(v)
			if !ok {
				out = append(out, v)
				continue
			}
			for name := range obj {
				if drop[name] {
					delete(obj, name)
				}
			}
			out = append(out, ScalarValue(storage.Object(obj)))
		}
		return out, nil
	}
}

// Collect tags how a pipeline's results materialize into the response.
type Collect int

const (
	CollectNone Collect = iota
	CollectVec
	CollectObj
	CollectValue
	CollectTry
)

// entityObject flattens an entity into its JSON-facing property map,
// reserved properties filled from the record header before user rules run.
// Property values are deep-copied out of the transaction arena here, exactly
// once.
func entityObject(v Value) (storage.Properties, bool) {
	switch v.Kind {
	case KindNode:
		obj := v.Node.Properties.Clone()
		obj[storage.PropID] = storage.IDValue(v.Node.ID)
		obj[storage.PropLabel] = storage.Str(v.Node.Label)
		return obj, true
	case KindEdge:
		obj := v.Edge.Properties.Clone()
		obj[storage.PropID] = storage.IDValue(v.Edge.ID)
		obj[storage.PropLabel] = storage.Str(v.Edge.Label)
		obj[storage.PropFromNode] = storage.IDValue(v.Edge.From)
		obj[storage.PropToNode] = storage.IDValue(v.Edge.To)
		return obj, true
	case KindVector:
		obj := v.Vector.Properties.Clone()
		obj[storage.PropID] = storage.IDValue(v.Vector.ID)
		obj[storage.PropLabel] = storage.Str(v.Vector.Label)
		obj[storage.PropScore] = storage.F64(v.Vector.Distance)
		data := make([]storage.Value, len(v.Vector.Data))
		for i, f := range v.Vector.Data {
			data[i] = storage.F64(f)
		}
		obj[storage.PropData] = storage.Array(data)
		return obj, true
	}
	return nil, false
}

// ToScalar folds a result batch into one property value: entities flatten
// to objects, collections to arrays. Injected return fields use this.
func ToScalar(vals []Value) storage.Value {
	conv := func(v Value) storage.Value {
		switch v.Kind {
		case KindNode, KindEdge, KindVector:
			obj, _ := entityObject(v)
			return storage.Object(obj)
		case KindScalar:
			return v.Scalar
		case KindCount:
			return storage.I64(v.Count)
		case KindPath:
			arr := make([]storage.Value, len(v.Path))
			for i, n := range v.Path {
				obj, _ := entityObject(NodeValue(n))
				arr[i] = storage.Object(obj)
			}
			return storage.Array(arr)
		}
		return storage.Empty()
	}
	switch len(vals) {
	case 0:
		return storage.Empty()
	case 1:
		return conv(vals[0])
	}
	arr := make([]storage.Value, len(vals))
	for i, v := range vals {
		arr[i] = conv(v)
	}
	return storage.Array(arr)
}

// renderValue converts one traversal value to its JSON-shaped form. The
// output never leaks internal tags.
func renderValue(v Value) any {
	switch v.Kind {
	case KindNode, KindEdge, KindVector:
		obj, _ := entityObject(v)
		return storage.Object(obj)
	case KindCount:
		return v.Count
	case KindScalar:
		return v.Scalar
	case KindPath:
		out := make([]any, len(v.Path))
		for i, n := range v.Path {
			out[i] = renderValue(NodeValue(n))
		}
		return out
	case KindEmpty:
		return nil
	}
	return nil
}

// Render materializes a pipeline's result batch per its collection tag.
func Render(vals []Value, collect Collect) any {
	switch collect {
	case CollectVec:
		out := make([]any, len(vals))
		for i, v := range vals {
			out[i] = renderValue(v)
		}
		return out
	case CollectObj, CollectValue, CollectTry:
		if len(vals) == 0 {
			return nil
		}
		return renderValue(vals[0])
	case CollectNone:
		return nil
	}
	// Default shape follows cardinality.
	if len(vals) == 1 {
		return renderValue(vals[0])
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = renderValue(v)
	}
	return out
}
