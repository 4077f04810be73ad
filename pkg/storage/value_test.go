package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertiesRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		props Properties
	}{
		{"empty", Properties{}},
		{"scalars", Properties{
			"age":      I32(30),
			"height":   F64(1.72),
			"name":     Str("Alice"),
			"verified": BoolValue(true),
			"count":    U64(42),
		}},
		{"negative ints", Properties{"delta": I64(-1234567)}},
		{"date", Properties{"since": Date(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))}},
		{"array", Properties{"tags": Array([]Value{Str("a"), Str("b")})}},
		{"nested", Properties{"meta": Object(Properties{"k": I8(-5), "v": F32(2.5)})}},
		{"id", Properties{"ref": IDValue(NewID())}},
		{"null", Properties{"gone": Empty()}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := EncodeProperties(tc.props)
			got, used, err := DecodeProperties(buf)
			require.NoError(t, err)
			assert.Equal(t, len(buf), used)
			require.Len(t, got, len(tc.props))
			for k, v := range tc.props {
				assert.True(t, Equal(v, got[k]), "field %s: %v != %v", k, v, got[k])
			}
		})
	}
}

func TestWideIntegerConstructors(t *testing.T) {
	neg := I128(-5)
	f, ok := neg.AsF64()
	require.True(t, ok)
	assert.Equal(t, float64(-5), f)
	for i := 0; i < 8; i++ {
		assert.Equal(t, byte(0xff), neg.Wide[i], "negative values sign-extend")
	}

	pos := I128(123456789)
	f, _ = pos.AsF64()
	assert.Equal(t, float64(123456789), f)
	assert.Equal(t, byte(0), pos.Wide[0])

	wide := U128(1 << 50)
	f, ok = wide.AsF64()
	require.True(t, ok)
	assert.Equal(t, float64(1<<50), f)

	// Wide values survive the binary codec.
	props := Properties{"big": U128(987654321), "sig": I128(-987654321)}
	buf := EncodeProperties(props)
	got, _, err := DecodeProperties(buf)
	require.NoError(t, err)
	assert.True(t, Equal(props["big"], got["big"]))
	assert.True(t, Equal(props["sig"], got["sig"]))
}

func TestDecodeValueRejectsTruncation(t *testing.T) {
	full := Str("hello").Encode(nil)
	for i := 1; i < len(full); i++ {
		_, _, err := DecodeValue(full[:i])
		assert.ErrorIs(t, err, ErrDecode, "prefix length %d", i)
	}
}

func TestDecodeValueRejectsUnknownTag(t *testing.T) {
	_, _, err := DecodeValue([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestCompareWidening(t *testing.T) {
	lt := func(a, b Value) {
		c, err := Compare(a, b)
		require.NoError(t, err)
		assert.Equal(t, -1, c)
	}
	eq := func(a, b Value) {
		c, err := Compare(a, b)
		require.NoError(t, err)
		assert.Equal(t, 0, c)
	}

	eq(I8(5), I64(5))
	eq(U8(5), I32(5))
	eq(F32(2.5), F64(2.5))
	lt(I16(-3), U8(0))
	lt(I64(41), F64(41.5))
	lt(Str("a"), Str("b"))
	lt(BoolValue(false), BoolValue(true))

	_, err := Compare(Str("x"), I64(1))
	assert.Error(t, err)
}

func TestEncodeOrderedPreservesOrder(t *testing.T) {
	pairs := []struct {
		lo, hi Value
	}{
		{I64(-10), I64(-1)},
		{I64(-1), I64(0)},
		{I64(0), I64(1)},
		{U64(3), U64(400)},
		{F64(-2.5), F64(-1.0)},
		{F64(-0.5), F64(0.25)},
		{F64(1.5), F64(100.0)},
		{Str("abc"), Str("abd")},
		{Str("ab"), Str("abc")},
		{Date(time.Unix(100, 0)), Date(time.Unix(200, 0))},
	}
	for _, p := range pairs {
		lo, err := EncodeOrdered(p.lo)
		require.NoError(t, err)
		hi, err := EncodeOrdered(p.hi)
		require.NoError(t, err)
		assert.Less(t, string(lo), string(hi), "%v < %v", p.lo, p.hi)
	}
}

func TestParseDateForms(t *testing.T) {
	rfc, err := ParseDate("2024-03-01T12:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), rfc)

	iso, err := ParseDate("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), iso)

	unix, err := ParseDate("1709295000")
	require.NoError(t, err)
	assert.Equal(t, int64(1709295000), unix.Unix())

	_, err = ParseDate("next tuesday")
	assert.Error(t, err)
}

func TestValueJSON(t *testing.T) {
	id := NewID()
	props := Properties{
		"n":    I32(-7),
		"f":    F64(0.5),
		"s":    Str("x"),
		"b":    BoolValue(true),
		"when": Date(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
		"ref":  IDValue(id),
		"arr":  Array([]Value{I64(1), I64(2)}),
		"none": Empty(),
	}
	raw, err := json.Marshal(Object(props))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(-7), decoded["n"])
	assert.Equal(t, "x", decoded["s"])
	assert.Equal(t, true, decoded["b"])
	assert.Equal(t, "2024-01-02T03:04:05Z", decoded["when"])
	assert.Equal(t, id.String(), decoded["ref"])
	assert.Equal(t, []any{float64(1), float64(2)}, decoded["arr"])
	assert.Nil(t, decoded["none"])
}

func TestCloneCopiesDeep(t *testing.T) {
	orig := Properties{
		"tags": Array([]Value{Str("a")}),
		"obj":  Object(Properties{"k": Str("v")}),
	}
	cl := orig.Clone()
	cl["tags"].Arr[0] = Str("mutated")
	assert.Equal(t, "a", orig["tags"].Arr[0].Str)
}

func TestNodeRecordRoundTrip(t *testing.T) {
	n := &Node{
		ID:      NewID(),
		Label:   "User",
		Version: 3,
		Properties: Properties{
			"name": Str("Alice"),
			"age":  I32(30),
		},
	}
	got, err := DecodeNode(n.ID, EncodeNode(n))
	require.NoError(t, err)
	assert.Equal(t, n.Label, got.Label)
	assert.Equal(t, n.Version, got.Version)
	assert.True(t, Equal(n.Properties["name"], got.Properties["name"]))
}

func TestEdgeRecordRoundTrip(t *testing.T) {
	e := &Edge{
		ID:         NewID(),
		Label:      "KNOWS",
		Version:    1,
		From:       NewID(),
		To:         NewID(),
		Properties: Properties{"since": Str("2020")},
	}
	got, err := DecodeEdge(e.ID, EncodeEdge(e))
	require.NoError(t, err)
	assert.Equal(t, e.From, got.From)
	assert.Equal(t, e.To, got.To)
	assert.Equal(t, e.Label, got.Label)
}

func TestVectorRecordRoundTrip(t *testing.T) {
	v := &Vector{
		ID:         NewID(),
		Label:      "Doc",
		Version:    1,
		Level:      4,
		Deleted:    true,
		Data:       []float64{0.1, -0.2, 0.3},
		Properties: Properties{"category": Str("red")},
	}
	got, err := DecodeVector(v.ID, EncodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v.Level, got.Level)
	assert.True(t, got.Deleted)
	assert.Equal(t, v.Data, got.Data)
	assert.Equal(t, "red", got.Properties["category"].Str)
}

func TestReservedPropertySynthesis(t *testing.T) {
	n := &Node{ID: NewID(), Label: "User", Version: 2, Properties: Properties{}}
	v, ok := n.Property(PropID)
	require.True(t, ok)
	assert.Equal(t, n.ID, v.ID)
	v, _ = n.Property(PropLabel)
	assert.Equal(t, "User", v.Str)

	e := &Edge{ID: NewID(), From: NewID(), To: NewID(), Label: "KNOWS"}
	v, _ = e.Property(PropFromNode)
	assert.Equal(t, e.From, v.ID)
	v, _ = e.Property(PropToNode)
	assert.Equal(t, e.To, v.ID)

	vec := &Vector{ID: NewID(), Label: "Doc", Level: 2, Deleted: false, Data: []float64{1, 2}}
	v, _ = vec.Property(PropLevel)
	assert.Equal(t, uint64(2), v.Uint)
	v, _ = vec.Property(PropData)
	assert.Len(t, v.Arr, 2)
}
