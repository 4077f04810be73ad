// Package schema holds the declared shape of a HelixDB database: node, edge,
// and vector declarations, the version history, and the per-version upgrade
// rules the migration runner and the read path both consume.
package schema

import (
	"fmt"
	"time"

	"github.com/helixgraph/helixdb/pkg/storage"
)

// Type is a declared field type. Scalar kinds reuse the storage tags; arrays
// and objects nest.
type Type struct {
	Kind   storage.Kind
	Elem   *Type           // KindArray
	Fields map[string]Type // KindObject
}

// Scalar builds a scalar type.
func Scalar(k storage.Kind) Type { return Type{Kind: k} }

// ArrayOf builds an array type.
func ArrayOf(elem Type) Type { return Type{Kind: storage.KindArray, Elem: &elem} }

// ObjectOf builds a nested object type.
func ObjectOf(fields map[string]Type) Type {
	return Type{Kind: storage.KindObject, Fields: fields}
}

func (t Type) String() string {
	switch t.Kind {
	case storage.KindArray:
		if t.Elem != nil {
			return "[" + t.Elem.String() + "]"
		}
		return "[?]"
	case storage.KindObject:
		return "Object"
	}
	return t.Kind.String()
}

// Matches reports whether a runtime value satisfies the declared type.
// Numeric values match any numeric declaration (widening happens at encode).
func (t Type) Matches(v storage.Value) bool {
	if v.Kind == storage.KindEmpty {
		return true // nullability is checked separately
	}
	switch t.Kind {
	case storage.KindArray:
		if v.Kind != storage.KindArray {
			return false
		}
		if t.Elem == nil {
			return true
		}
		for _, e := range v.Arr {
			if !t.Elem.Matches(e) {
				return false
			}
		}
		return true
	case storage.KindObject:
		if v.Kind != storage.KindObject {
			return false
		}
		for name, ft := range t.Fields {
			fv, ok := v.Obj[name]
			if !ok {
				return false
			}
			if !ft.Matches(fv) {
				return false
			}
		}
		return true
	case storage.KindDate:
		// Dates arrive as normalized Date values or parseable strings.
		if v.Kind == storage.KindDate {
			return true
		}
		if v.Kind == storage.KindString {
			_, err := storage.ParseDate(v.Str)
			return err == nil
		}
		return false
	case storage.KindID:
		return v.Kind == storage.KindID ||
			(v.Kind == storage.KindString && isParseableID(v.Str))
	}
	if t.Kind.IsNumeric() {
		return v.Kind.IsNumeric()
	}
	return t.Kind == v.Kind
}

func isParseableID(s string) bool {
	_, err := storage.ParseID(s)
	return err == nil
}

// Coerce narrows a runtime value to the declared type's canonical tag,
// parsing date strings and id strings along the way.
func (t Type) Coerce(v storage.Value) (storage.Value, error) {
	if v.Kind == storage.KindEmpty {
		return v, nil
	}
	switch t.Kind {
	case storage.KindDate:
		if v.Kind == storage.KindString {
			ts, err := storage.ParseDate(v.Str)
			if err != nil {
				return storage.Value{}, err
			}
			return storage.Date(ts), nil
		}
		if v.Kind == storage.KindDate {
			return v, nil
		}
		if f, ok := v.AsF64(); ok {
			return storage.Date(time.Unix(int64(f), 0)), nil
		}
	case storage.KindID:
		if v.Kind == storage.KindString {
			id, err := storage.ParseID(v.Str)
			if err != nil {
				return storage.Value{}, err
			}
			return storage.IDValue(id), nil
		}
		return v, nil
	case storage.KindArray:
		if v.Kind == storage.KindArray && t.Elem != nil {
			out := make([]storage.Value, len(v.Arr))
			for i, e := range v.Arr {
				c, err := t.Elem.Coerce(e)
				if err != nil {
					return storage.Value{}, err
				}
				out[i] = c
			}
			return storage.Array(out), nil
		}
		return v, nil
	}
	if t.Kind.IsNumeric() && v.Kind.IsNumeric() {
		return coerceNumeric(t.Kind, v)
	}
	if !t.Matches(v) {
		return storage.Value{}, fmt.Errorf("%w: %s value for %s field", storage.ErrDecode, v.Kind, t)
	}
	return v, nil
}

func coerceNumeric(k storage.Kind, v storage.Value) (storage.Value, error) {
	if v.Kind == k {
		return v, nil
	}
	f, _ := v.AsF64()
	switch k {
	case storage.KindI8:
		return storage.I8(int8(f)), nil
	case storage.KindI16:
		return storage.I16(int16(f)), nil
	case storage.KindI32:
		return storage.I32(int32(f)), nil
	case storage.KindI64:
		if i, ok := v.AsI64(); ok {
			return storage.I64(i), nil
		}
		return storage.I64(int64(f)), nil
	case storage.KindU8:
		return storage.U8(uint8(f)), nil
	case storage.KindU16:
		return storage.U16(uint16(f)), nil
	case storage.KindU32:
		return storage.U32(uint32(f)), nil
	case storage.KindU64:
		return storage.U64(uint64(f)), nil
	case storage.KindF32:
		return storage.F32(float32(f)), nil
	case storage.KindF64:
		return storage.F64(f), nil
	case storage.KindI128:
		if i, ok := v.AsI64(); ok {
			return storage.I128(i), nil
		}
		return storage.I128(int64(f)), nil
	case storage.KindU128:
		if v.Kind.IsUnsignedInt() && v.Kind != storage.KindU128 {
			return storage.U128(v.Uint), nil
		}
		if i, ok := v.AsI64(); ok && i >= 0 {
			return storage.U128(uint64(i)), nil
		}
		return storage.U128(uint64(f)), nil
	}
	return v, nil
}

// Field is one declared property field.
type Field struct {
	Name     string
	Type     Type
	Indexed  bool
	Nullable bool
	Default  *storage.Value
}

// NodeDecl declares a node label.
type NodeDecl struct {
	Name   string
	Fields []Field
}

// EdgeDecl declares an edge label with its endpoint node labels.
type EdgeDecl struct {
	Name   string
	From   string
	To     string
	Fields []Field
}

// VectorDecl declares a vector label with its metadata fields.
type VectorDecl struct {
	Name   string
	Fields []Field
}

// Field looks up a declared field by name.
func (d *NodeDecl) Field(name string) *Field   { return findField(d.Fields, name) }
func (d *EdgeDecl) Field(name string) *Field   { return findField(d.Fields, name) }
func (d *VectorDecl) Field(name string) *Field { return findField(d.Fields, name) }

func findField(fields []Field, name string) *Field {
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i]
		}
	}
	return nil
}

// Schema is one versioned declaration set.
type Schema struct {
	Version uint8
	Nodes   map[string]*NodeDecl
	Edges   map[string]*EdgeDecl
	Vectors map[string]*VectorDecl
}

// NewSchema builds an empty schema at a version.
func NewSchema(version uint8) *Schema {
	return &Schema{
		Version: version,
		Nodes:   make(map[string]*NodeDecl),
		Edges:   make(map[string]*EdgeDecl),
		Vectors: make(map[string]*VectorDecl),
	}
}

// IndexedFields lists every field name declared with an index.
func (s *Schema) IndexedFields() []string {
	var out []string
	for _, n := range s.Nodes {
		for _, f := range n.Fields {
			if f.Indexed {
				out = append(out, f.Name)
			}
		}
	}
	return out
}

