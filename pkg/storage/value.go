package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Kind tags a Value with its wire type.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindI8
	KindI16
	KindI32
	KindI64
	KindI128
	KindU8
	KindU16
	KindU32
	KindU64
	KindU128
	KindF32
	KindF64
	KindBool
	KindString
	KindDate
	KindArray
	KindObject
	KindID
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "Empty"
	case KindI8:
		return "I8"
	case KindI16:
		return "I16"
	case KindI32:
		return "I32"
	case KindI64:
		return "I64"
	case KindI128:
		return "I128"
	case KindU8:
		return "U8"
	case KindU16:
		return "U16"
	case KindU32:
		return "U32"
	case KindU64:
		return "U64"
	case KindU128:
		return "U128"
	case KindF32:
		return "F32"
	case KindF64:
		return "F64"
	case KindBool:
		return "Boolean"
	case KindString:
		return "String"
	case KindDate:
		return "Date"
	case KindArray:
		return "Array"
	case KindObject:
		return "Object"
	case KindID:
		return "ID"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsSignedInt reports whether the kind is in the signed integer family.
func (k Kind) IsSignedInt() bool { return k >= KindI8 && k <= KindI128 }

// IsUnsignedInt reports whether the kind is in the unsigned integer family.
func (k Kind) IsUnsignedInt() bool { return k >= KindU8 && k <= KindU128 }

// IsInt reports whether the kind is any integer.
func (k Kind) IsInt() bool { return k.IsSignedInt() || k.IsUnsignedInt() }

// IsFloat reports whether the kind is a float.
func (k Kind) IsFloat() bool { return k == KindF32 || k == KindF64 }

// IsNumeric reports whether the kind participates in numeric widening.
func (k Kind) IsNumeric() bool { return k.IsInt() || k.IsFloat() }

// Value is the tagged property value. It is a closed sum: exactly one of the
// payload fields is meaningful for a given Kind.
type Value struct {
	Kind  Kind
	Int   int64    // I8..I64
	Uint  uint64   // U8..U64
	Wide  [16]byte // I128/U128, big-endian
	Float float64  // F32/F64
	Bool  bool
	Str   string
	Time  time.Time // Date, normalized to UTC seconds
	Arr   []Value
	Obj   map[string]Value
	ID    ID
}

// Properties is a typed property map keyed by field name.
type Properties map[string]Value

// Constructors.

func Empty() Value             { return Value{Kind: KindEmpty} }
func I8(v int8) Value          { return Value{Kind: KindI8, Int: int64(v)} }
func I16(v int16) Value        { return Value{Kind: KindI16, Int: int64(v)} }
func I32(v int32) Value        { return Value{Kind: KindI32, Int: int64(v)} }
func I64(v int64) Value        { return Value{Kind: KindI64, Int: v} }
func I128(v int64) Value {
	out := Value{Kind: KindI128}
	if v < 0 {
		for i := 0; i < 8; i++ {
			out.Wide[i] = 0xff
		}
	}
	binary.BigEndian.PutUint64(out.Wide[8:], uint64(v))
	return out
}
func U8(v uint8) Value         { return Value{Kind: KindU8, Uint: uint64(v)} }
func U16(v uint16) Value       { return Value{Kind: KindU16, Uint: uint64(v)} }
func U32(v uint32) Value       { return Value{Kind: KindU32, Uint: uint64(v)} }
func U64(v uint64) Value       { return Value{Kind: KindU64, Uint: v} }
func U128(v uint64) Value {
	out := Value{Kind: KindU128}
	binary.BigEndian.PutUint64(out.Wide[8:], v)
	return out
}
func F32(v float32) Value      { return Value{Kind: KindF32, Float: float64(v)} }
func F64(v float64) Value      { return Value{Kind: KindF64, Float: v} }
func BoolValue(v bool) Value   { return Value{Kind: KindBool, Bool: v} }
func Str(v string) Value       { return Value{Kind: KindString, Str: v} }
func Date(t time.Time) Value   { return Value{Kind: KindDate, Time: t.UTC().Truncate(time.Second)} }
func Array(v []Value) Value    { return Value{Kind: KindArray, Arr: v} }
func Object(v Properties) Value {
	return Value{Kind: KindObject, Obj: v}
}
func IDValue(id ID) Value { return Value{Kind: KindID, ID: id} }

// ParseDate normalizes the accepted date forms (RFC3339, ISO date, Unix
// seconds) to the canonical form.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Truncate(time.Second), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	var unix int64
	if _, err := fmt.Sscanf(s, "%d", &unix); err == nil && fmt.Sprintf("%d", unix) == strings.TrimSpace(s) {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: unparseable date %q", ErrDecode, s)
}

// AsF64 widens any numeric value to f64.
func (v Value) AsF64() (float64, bool) {
	switch {
	case v.Kind.IsSignedInt():
		if v.Kind == KindI128 {
			return float64(int64(binary.BigEndian.Uint64(v.Wide[8:]))), true
		}
		return float64(v.Int), true
	case v.Kind.IsUnsignedInt():
		if v.Kind == KindU128 {
			return float64(binary.BigEndian.Uint64(v.Wide[8:])), true
		}
		return float64(v.Uint), true
	case v.Kind.IsFloat():
		return v.Float, true
	}
	return 0, false
}

// AsI64 narrows any integer value to i64 when it fits.
func (v Value) AsI64() (int64, bool) {
	switch {
	case v.Kind.IsSignedInt() && v.Kind != KindI128:
		return v.Int, true
	case v.Kind.IsUnsignedInt() && v.Kind != KindU128:
		if v.Uint <= math.MaxInt64 {
			return int64(v.Uint), true
		}
	}
	return 0, false
}

// Compare orders two values. Ordering is defined only within compatible tag
// families: integers widen to a common type, floats compare as f64, strings
// by codepoint. Everything else is equality-only through Equal.
func Compare(a, b Value) (int, error) {
	switch {
	case a.Kind.IsNumeric() && b.Kind.IsNumeric():
		af, _ := a.AsF64()
		bf, _ := b.AsF64()
		// Integer/integer pairs compare exactly when both fit in i64.
		if a.Kind.IsInt() && b.Kind.IsInt() {
			if ai, ok := a.AsI64(); ok {
				if bi, ok2 := b.AsI64(); ok2 {
					switch {
					case ai < bi:
						return -1, nil
					case ai > bi:
						return 1, nil
					}
					return 0, nil
				}
			}
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	case a.Kind == KindString && b.Kind == KindString:
		return strings.Compare(a.Str, b.Str), nil
	case a.Kind == KindDate && b.Kind == KindDate:
		switch {
		case a.Time.Before(b.Time):
			return -1, nil
		case a.Time.After(b.Time):
			return 1, nil
		}
		return 0, nil
	case a.Kind == KindBool && b.Kind == KindBool:
		switch {
		case !a.Bool && b.Bool:
			return -1, nil
		case a.Bool && !b.Bool:
			return 1, nil
		}
		return 0, nil
	case a.Kind == KindID && b.Kind == KindID:
		for i := range a.ID {
			if a.ID[i] != b.ID[i] {
				if a.ID[i] < b.ID[i] {
					return -1, nil
				}
				return 1, nil
			}
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: cannot order %s against %s", ErrDecode, a.Kind, b.Kind)
}

// Equal reports deep equality across compatible tags.
func Equal(a, b Value) bool {
	if a.Kind == KindArray && b.Kind == KindArray {
		if len(a.Arr) != len(b.Arr) {
			return false
		}
		for i := range a.Arr {
			if !Equal(a.Arr[i], b.Arr[i]) {
				return false
			}
		}
		return true
	}
	if a.Kind == KindObject && b.Kind == KindObject {
		if len(a.Obj) != len(b.Obj) {
			return false
		}
		for k, av := range a.Obj {
			bv, ok := b.Obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	if a.Kind == KindEmpty || b.Kind == KindEmpty {
		return a.Kind == b.Kind
	}
	c, err := Compare(a, b)
	return err == nil && c == 0
}

// Encode appends the tagged binary form of v to dst.
func (v Value) Encode(dst []byte) []byte {
	dst = append(dst, byte(v.Kind))
	switch v.Kind {
	case KindEmpty:
	case KindI8:
		dst = append(dst, byte(int8(v.Int)))
	case KindI16:
		dst = binary.BigEndian.AppendUint16(dst, uint16(int16(v.Int)))
	case KindI32:
		dst = binary.BigEndian.AppendUint32(dst, uint32(int32(v.Int)))
	case KindI64:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.Int))
	case KindI128, KindU128:
		dst = append(dst, v.Wide[:]...)
	case KindU8:
		dst = append(dst, byte(v.Uint))
	case KindU16:
		dst = binary.BigEndian.AppendUint16(dst, uint16(v.Uint))
	case KindU32:
		dst = binary.BigEndian.AppendUint32(dst, uint32(v.Uint))
	case KindU64:
		dst = binary.BigEndian.AppendUint64(dst, v.Uint)
	case KindF32:
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(v.Float)))
	case KindF64:
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float))
	case KindBool:
		if v.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindString:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Str)))
		dst = append(dst, v.Str...)
	case KindDate:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.Time.Unix()))
	case KindArray:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Arr)))
		for _, e := range v.Arr {
			dst = e.Encode(dst)
		}
	case KindObject:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Obj)))
		for _, name := range sortedKeys(v.Obj) {
			dst = binary.BigEndian.AppendUint16(dst, uint16(len(name)))
			dst = append(dst, name...)
			dst = v.Obj[name].Encode(dst)
		}
	case KindID:
		dst = append(dst, v.ID[:]...)
	}
	return dst
}

func sortedKeys(m Properties) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DecodeValue reads one tagged value from buf, returning the value and the
// number of bytes consumed. Every length is validated.
func DecodeValue(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty value buffer", ErrDecode)
	}
	k := Kind(buf[0])
	body := buf[1:]
	need := func(n int) error {
		if len(body) < n {
			return fmt.Errorf("%w: %s wants %d bytes, have %d", ErrDecode, k, n, len(body))
		}
		return nil
	}
	switch k {
	case KindEmpty:
		return Empty(), 1, nil
	case KindI8:
		if err := need(1); err != nil {
			return Value{}, 0, err
		}
		return I8(int8(body[0])), 2, nil
	case KindI16:
		if err := need(2); err != nil {
			return Value{}, 0, err
		}
		return I16(int16(binary.BigEndian.Uint16(body))), 3, nil
	case KindI32:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		return I32(int32(binary.BigEndian.Uint32(body))), 5, nil
	case KindI64:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		return I64(int64(binary.BigEndian.Uint64(body))), 9, nil
	case KindI128, KindU128:
		if err := need(16); err != nil {
			return Value{}, 0, err
		}
		v := Value{Kind: k}
		copy(v.Wide[:], body[:16])
		return v, 17, nil
	case KindU8:
		if err := need(1); err != nil {
			return Value{}, 0, err
		}
		return U8(body[0]), 2, nil
	case KindU16:
		if err := need(2); err != nil {
			return Value{}, 0, err
		}
		return U16(binary.BigEndian.Uint16(body)), 3, nil
	case KindU32:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		return U32(binary.BigEndian.Uint32(body)), 5, nil
	case KindU64:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		return U64(binary.BigEndian.Uint64(body)), 9, nil
	case KindF32:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		return F32(math.Float32frombits(binary.BigEndian.Uint32(body))), 5, nil
	case KindF64:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		return F64(math.Float64frombits(binary.BigEndian.Uint64(body))), 9, nil
	case KindBool:
		if err := need(1); err != nil {
			return Value{}, 0, err
		}
		return BoolValue(body[0] != 0), 2, nil
	case KindString:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		n := int(binary.BigEndian.Uint32(body))
		if err := need(4 + n); err != nil {
			return Value{}, 0, err
		}
		return Str(string(body[4 : 4+n])), 5 + n, nil
	case KindDate:
		if err := need(8); err != nil {
			return Value{}, 0, err
		}
		return Date(time.Unix(int64(binary.BigEndian.Uint64(body)), 0)), 9, nil
	case KindArray:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		n := int(binary.BigEndian.Uint32(body))
		used := 5
		arr := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			e, m, err := DecodeValue(buf[used:])
			if err != nil {
				return Value{}, 0, err
			}
			arr = append(arr, e)
			used += m
		}
		return Array(arr), used, nil
	case KindObject:
		if err := need(4); err != nil {
			return Value{}, 0, err
		}
		n := int(binary.BigEndian.Uint32(body))
		used := 5
		obj := make(Properties, n)
		for i := 0; i < n; i++ {
			if len(buf) < used+2 {
				return Value{}, 0, fmt.Errorf("%w: truncated object key", ErrDecode)
			}
			kl := int(binary.BigEndian.Uint16(buf[used:]))
			used += 2
			if len(buf) < used+kl {
				return Value{}, 0, fmt.Errorf("%w: truncated object key", ErrDecode)
			}
			name := string(buf[used : used+kl])
			used += kl
			e, m, err := DecodeValue(buf[used:])
			if err != nil {
				return Value{}, 0, err
			}
			obj[name] = e
			used += m
		}
		return Object(obj), used, nil
	case KindID:
		if err := need(16); err != nil {
			return Value{}, 0, err
		}
		id, err := IDFromBytes(body[:16])
		if err != nil {
			return Value{}, 0, err
		}
		return IDValue(id), 17, nil
	}
	return Value{}, 0, fmt.Errorf("%w: unknown value tag 0x%02x", ErrDecode, buf[0])
}

// EncodeProperties encodes a property map as a length-prefixed sequence of
// (name, tagged value) pairs in stable (sorted) name order.
func EncodeProperties(p Properties) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(p)))
	for _, name := range sortedKeys(p) {
		out = binary.BigEndian.AppendUint16(out, uint16(len(name)))
		out = append(out, name...)
		out = p[name].Encode(out)
	}
	return out
}

// DecodeProperties decodes a property map, returning bytes consumed.
func DecodeProperties(buf []byte) (Properties, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("%w: truncated property map", ErrDecode)
	}
	n := int(binary.BigEndian.Uint32(buf))
	used := 4
	props := make(Properties, n)
	for i := 0; i < n; i++ {
		if len(buf) < used+2 {
			return nil, 0, fmt.Errorf("%w: truncated property name", ErrDecode)
		}
		kl := int(binary.BigEndian.Uint16(buf[used:]))
		used += 2
		if len(buf) < used+kl {
			return nil, 0, fmt.Errorf("%w: truncated property name", ErrDecode)
		}
		name := string(buf[used : used+kl])
		used += kl
		v, m, err := DecodeValue(buf[used:])
		if err != nil {
			return nil, 0, err
		}
		props[name] = v
		used += m
	}
	return props, used, nil
}

// EncodeOrdered produces the order-preserving form used inside secondary
// index keys: lexicographic byte order matches Compare order within the
// field's declared type.
func EncodeOrdered(v Value) ([]byte, error) {
	switch {
	case v.Kind.IsSignedInt():
		i, ok := v.AsI64()
		if !ok {
			return nil, fmt.Errorf("%w: 128-bit values are not indexable", ErrDecode)
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(i)^(1<<63))
		return b[:], nil
	case v.Kind.IsUnsignedInt():
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.Uint)
		return b[:], nil
	case v.Kind.IsFloat():
		bits := math.Float64bits(v.Float)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		return b[:], nil
	case v.Kind == KindString:
		// Trailing NUL keeps a value from ordering after its own extensions.
		return append([]byte(v.Str), 0x00), nil
	case v.Kind == KindBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case v.Kind == KindDate:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Time.Unix())^(1<<63))
		return b[:], nil
	case v.Kind == KindID:
		return v.ID[:], nil
	}
	return nil, fmt.Errorf("%w: %s is not indexable", ErrDecode, v.Kind)
}

// MarshalJSON renders the value as plain JSON with no internal tags.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindEmpty:
		return []byte("null"), nil
	case KindI8, KindI16, KindI32, KindI64:
		return json.Marshal(v.Int)
	case KindU8, KindU16, KindU32, KindU64:
		return json.Marshal(v.Uint)
	case KindI128, KindU128:
		return json.Marshal(binary.BigEndian.Uint64(v.Wide[8:]))
	case KindF32, KindF64:
		return json.Marshal(v.Float)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindString:
		return json.Marshal(v.Str)
	case KindDate:
		return json.Marshal(v.Time.Format(time.RFC3339))
	case KindArray:
		if v.Arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Arr)
	case KindObject:
		if v.Obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Obj)
	case KindID:
		return json.Marshal(v.ID.String())
	}
	return nil, fmt.Errorf("%w: unknown value tag %d", ErrDecode, v.Kind)
}

// FromAny converts a decoded JSON value into a tagged Value. Numbers become
// F64 (JSON's native form); the analyzer narrows them against declared types.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Empty(), nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return F64(t), nil
	case int:
		return I64(int64(t)), nil
	case int64:
		return I64(t), nil
	case string:
		return Str(t), nil
	case []any:
		arr := make([]Value, 0, len(t))
		for _, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, v)
		}
		return Array(arr), nil
	case map[string]any:
		obj := make(Properties, len(t))
		for k, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Object(obj), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported go value %T", ErrDecode, x)
}

// Clone deep-copies a property map. Return-value projection copies property
// strings out of the transaction arena exactly once, through this.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	switch v.Kind {
	case KindArray:
		arr := make([]Value, len(v.Arr))
		for i, e := range v.Arr {
			arr[i] = e.clone()
		}
		v.Arr = arr
	case KindObject:
		v.Obj = Properties(v.Obj).Clone()
	case KindString:
		v.Str = strings.Clone(v.Str)
	}
	return v
}
