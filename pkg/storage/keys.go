// Package storage provides the persistent storage engine for HelixDB.
//
// The engine stores a labeled property graph, vector payloads, HNSW adjacency
// lists, BM25 postings, and secondary indices in a single BadgerDB keyspace.
// All keys are fixed-layout, big-endian packed so that lexicographic order on
// raw bytes matches the range-scan order the traversal layer needs.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Key prefixes. Single bytes keep adjacency keys at fixed width and make
// prefix scans cheap.
const (
	prefixNode      = byte('n') // n + id(16) -> node record
	prefixEdge      = byte('e') // e + id(16) -> edge record
	prefixOutEdge   = byte('o') // o + from(16) + labelHash(4) + edge(16) -> to(16)
	prefixInEdge    = byte('i') // i + to(16) + labelHash(4) + edge(16) -> from(16)
	prefixLabel     = byte('l') // l + labelHash(4) + id(16) -> nil
	prefixSecondary = byte('s') // s + name + 0x00 + value + id(16) -> nil
	prefixVector    = byte('v') // v + id(16) -> vector record
	prefixHNSWEdge  = byte('h') // h + source(16) + level(1) -> neighbor entries
	prefixBM25Post  = byte('b') // b + term + 0x00 + doc(16) -> tf(4)
	prefixBM25Len   = byte('d') // d + doc(16) -> length(4)
	prefixMeta      = byte('m') // m + name -> metadata value
)

// Metadata key names.
var (
	metaSchemaVersion = []byte("schema_version")
	metaHNSWEntry     = []byte("hnsw_entry_point")
	metaBM25Stats     = []byte("bm25_stats")
	metaNodeCount     = []byte("node_count")
	metaEdgeCount     = []byte("edge_count")
	metaVectorCount   = []byte("vector_count")
)

// ID is the 128-bit identifier shared by nodes, edges, and vectors.
// IDs are UUIDv6 so that freshly minted identifiers sort roughly by time.
type ID [16]byte

// NilID is the zero identifier. It never names a stored record.
var NilID ID

// NewID mints a new time-ordered identifier.
func NewID() ID {
	u, err := uuid.NewV6()
	if err != nil {
		// NewV6 only fails if the entropy source does, which is unrecoverable.
		panic(fmt.Sprintf("storage: uuid generation failed: %v", err))
	}
	return ID(u)
}

// ParseID parses the canonical UUID string form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilID, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return ID(u), nil
}

// IDFromBytes copies a 16-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return NilID, fmt.Errorf("%w: id must be 16 bytes, got %d", ErrInvalidID, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// String returns the canonical UUID form.
func (id ID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether the identifier is the zero value.
func (id ID) IsNil() bool { return id == NilID }

// LabelHash digests a label to the fixed 4-byte tag used in adjacency keys.
// The full label is stored inside each record; NodesOfLabel re-checks it to
// tolerate collisions, while adjacency scans match on the hash alone.
func LabelHash(label string) [4]byte {
	var h [4]byte
	binary.BigEndian.PutUint32(h[:], uint32(xxhash.Sum64String(label)))
	return h
}

// PackNodeKey packs the node record key.
func PackNodeKey(id ID) []byte {
	k := make([]byte, 17)
	k[0] = prefixNode
	copy(k[1:], id[:])
	return k
}

// UnpackNodeKey extracts the node id from a packed node key.
func UnpackNodeKey(key []byte) (ID, error) {
	if len(key) != 17 || key[0] != prefixNode {
		return NilID, fmt.Errorf("%w: node key length %d", ErrInvariantViolation, len(key))
	}
	return IDFromBytes(key[1:])
}

// PackEdgeKey packs the edge record key.
func PackEdgeKey(id ID) []byte {
	k := make([]byte, 17)
	k[0] = prefixEdge
	copy(k[1:], id[:])
	return k
}

// UnpackEdgeKey extracts the edge id from a packed edge key.
func UnpackEdgeKey(key []byte) (ID, error) {
	if len(key) != 17 || key[0] != prefixEdge {
		return NilID, fmt.Errorf("%w: edge key length %d", ErrInvariantViolation, len(key))
	}
	return IDFromBytes(key[1:])
}

// PackVectorKey packs the vector payload key.
func PackVectorKey(id ID) []byte {
	k := make([]byte, 17)
	k[0] = prefixVector
	copy(k[1:], id[:])
	return k
}

// UnpackVectorKey extracts the vector id from a packed vector key.
func UnpackVectorKey(key []byte) (ID, error) {
	if len(key) != 17 || key[0] != prefixVector {
		return NilID, fmt.Errorf("%w: vector key length %d", ErrInvariantViolation, len(key))
	}
	return IDFromBytes(key[1:])
}

// PackOutEdgeKey packs the fully-composite outgoing adjacency key.
// Layout: prefix + from(16) + labelHash(4) + edgeID(16). The value holds the
// destination node id. "All edges out of u with label L" is a prefix scan on
// the first 21 bytes.
func PackOutEdgeKey(from ID, labelHash [4]byte, edgeID ID) []byte {
	k := make([]byte, 37)
	k[0] = prefixOutEdge
	copy(k[1:17], from[:])
	copy(k[17:21], labelHash[:])
	copy(k[21:37], edgeID[:])
	return k
}

// PackOutEdgePrefix packs the scan prefix for outgoing adjacency under one label.
func PackOutEdgePrefix(from ID, labelHash [4]byte) []byte {
	k := make([]byte, 21)
	k[0] = prefixOutEdge
	copy(k[1:17], from[:])
	copy(k[17:21], labelHash[:])
	return k
}

// PackOutEdgeNodePrefix packs the scan prefix for all outgoing adjacency of a node.
func PackOutEdgeNodePrefix(from ID) []byte {
	k := make([]byte, 17)
	k[0] = prefixOutEdge
	copy(k[1:], from[:])
	return k
}

// PackInEdgeKey packs the incoming adjacency key, symmetric to PackOutEdgeKey.
func PackInEdgeKey(to ID, labelHash [4]byte, edgeID ID) []byte {
	k := PackOutEdgeKey(to, labelHash, edgeID)
	k[0] = prefixInEdge
	return k
}

// PackInEdgePrefix packs the scan prefix for incoming adjacency under one label.
func PackInEdgePrefix(to ID, labelHash [4]byte) []byte {
	k := PackOutEdgePrefix(to, labelHash)
	k[0] = prefixInEdge
	return k
}

// PackInEdgeNodePrefix packs the scan prefix for all incoming adjacency of a node.
func PackInEdgeNodePrefix(to ID) []byte {
	k := PackOutEdgeNodePrefix(to)
	k[0] = prefixInEdge
	return k
}

// UnpackAdjKey splits a composite adjacency key (either direction) back into
// its node id, label hash, and edge id.
func UnpackAdjKey(key []byte) (node ID, labelHash [4]byte, edgeID ID, err error) {
	if len(key) != 37 || (key[0] != prefixOutEdge && key[0] != prefixInEdge) {
		err = fmt.Errorf("%w: adjacency key length %d", ErrInvariantViolation, len(key))
		return
	}
	copy(node[:], key[1:17])
	copy(labelHash[:], key[17:21])
	copy(edgeID[:], key[21:37])
	return
}

// PackAdjValue packs the adjacency value: the opposite endpoint of the edge.
func PackAdjValue(other ID) []byte {
	v := make([]byte, 16)
	copy(v, other[:])
	return v
}

// UnpackAdjValue extracts the opposite endpoint from an adjacency value.
func UnpackAdjValue(val []byte) (ID, error) {
	if len(val) != 16 {
		return NilID, fmt.Errorf("%w: adjacency value length %d", ErrInvariantViolation, len(val))
	}
	return IDFromBytes(val)
}

// PackAdjEntry packs the dup-sort flavored adjacency entry (edgeID + endpoint)
// for grouping several entries under one key. The Badger engine stores one
// adjacency key per edge and does not use it.
func PackAdjEntry(edgeID, other ID) []byte {
	e := make([]byte, 32)
	copy(e[:16], edgeID[:])
	copy(e[16:], other[:])
	return e
}

// UnpackAdjEntry splits a 32-byte dup-sort adjacency entry.
func UnpackAdjEntry(entry []byte) (edgeID, other ID, err error) {
	if len(entry) != 32 {
		err = fmt.Errorf("%w: adjacency entry length %d", ErrInvariantViolation, len(entry))
		return
	}
	copy(edgeID[:], entry[:16])
	copy(other[:], entry[16:])
	return
}

// PackLabelKey packs the label index key: all nodes carrying a label resolve
// in one prefix scan over labelHash.
func PackLabelKey(labelHash [4]byte, id ID) []byte {
	k := make([]byte, 21)
	k[0] = prefixLabel
	copy(k[1:5], labelHash[:])
	copy(k[5:21], id[:])
	return k
}

// PackLabelPrefix packs the scan prefix for a label.
func PackLabelPrefix(labelHash [4]byte) []byte {
	k := make([]byte, 5)
	k[0] = prefixLabel
	copy(k[1:5], labelHash[:])
	return k
}

// UnpackLabelKey extracts the node id from a label index key.
func UnpackLabelKey(key []byte) (ID, error) {
	if len(key) != 21 || key[0] != prefixLabel {
		return NilID, fmt.Errorf("%w: label key length %d", ErrInvariantViolation, len(key))
	}
	return IDFromBytes(key[5:])
}

// PackSecondaryKey packs a secondary index entry. The serialized field value
// is order-preserving (see EncodeOrdered) so range scans by value work; the
// trailing node id keeps entries unique and in insertion order for equal
// values.
func PackSecondaryKey(index string, orderedValue []byte, id ID) []byte {
	k := make([]byte, 0, 1+len(index)+1+len(orderedValue)+16)
	k = append(k, prefixSecondary)
	k = append(k, index...)
	k = append(k, 0x00)
	k = append(k, orderedValue...)
	k = append(k, id[:]...)
	return k
}

// PackSecondaryPrefix packs the scan prefix for an exact secondary lookup.
func PackSecondaryPrefix(index string, orderedValue []byte) []byte {
	k := make([]byte, 0, 1+len(index)+1+len(orderedValue))
	k = append(k, prefixSecondary)
	k = append(k, index...)
	k = append(k, 0x00)
	k = append(k, orderedValue...)
	return k
}

// UnpackSecondaryKey extracts the node id from a secondary index key.
func UnpackSecondaryKey(key []byte) (ID, error) {
	if len(key) < 1+1+16 || key[0] != prefixSecondary {
		return NilID, fmt.Errorf("%w: secondary key length %d", ErrInvariantViolation, len(key))
	}
	return IDFromBytes(key[len(key)-16:])
}

// PackHNSWEdgeKey packs the neighbor-list key for one vector at one level.
func PackHNSWEdgeKey(source ID, level uint8) []byte {
	k := make([]byte, 18)
	k[0] = prefixHNSWEdge
	copy(k[1:17], source[:])
	k[17] = level
	return k
}

// UnpackHNSWEdgeKey splits an HNSW edge key into source id and level.
func UnpackHNSWEdgeKey(key []byte) (ID, uint8, error) {
	if len(key) != 18 || key[0] != prefixHNSWEdge {
		return NilID, 0, fmt.Errorf("%w: hnsw edge key length %d", ErrInvariantViolation, len(key))
	}
	id, err := IDFromBytes(key[1:17])
	return id, key[17], err
}

// hnswNeighborSize is the packed width of one neighbor entry: id(16) + level(1).
const hnswNeighborSize = 17

// HNSWNeighbor is one entry in a packed neighbor list.
type HNSWNeighbor struct {
	ID    ID
	Level uint8
}

// PackHNSWNeighbors packs a neighbor list into its stored form.
func PackHNSWNeighbors(neighbors []HNSWNeighbor) []byte {
	out := make([]byte, 0, len(neighbors)*hnswNeighborSize)
	for _, n := range neighbors {
		out = append(out, n.ID[:]...)
		out = append(out, n.Level)
	}
	return out
}

// UnpackHNSWNeighbors decodes a packed neighbor list, validating length.
func UnpackHNSWNeighbors(val []byte) ([]HNSWNeighbor, error) {
	if len(val)%hnswNeighborSize != 0 {
		return nil, fmt.Errorf("%w: hnsw neighbor list length %d", ErrInvariantViolation, len(val))
	}
	out := make([]HNSWNeighbor, 0, len(val)/hnswNeighborSize)
	for off := 0; off < len(val); off += hnswNeighborSize {
		var n HNSWNeighbor
		copy(n.ID[:], val[off:off+16])
		n.Level = val[off+16]
		out = append(out, n)
	}
	return out, nil
}

// PackBM25PostingKey packs a posting key: term + 0x00 + doc(16) -> tf.
func PackBM25PostingKey(term string, doc ID) []byte {
	k := make([]byte, 0, 1+len(term)+1+16)
	k = append(k, prefixBM25Post)
	k = append(k, term...)
	k = append(k, 0x00)
	k = append(k, doc[:]...)
	return k
}

// PackBM25TermPrefix packs the scan prefix for all postings of a term.
func PackBM25TermPrefix(term string) []byte {
	k := make([]byte, 0, 1+len(term)+1)
	k = append(k, prefixBM25Post)
	k = append(k, term...)
	k = append(k, 0x00)
	return k
}

// UnpackBM25PostingKey extracts the document id from a posting key.
func UnpackBM25PostingKey(key []byte) (ID, error) {
	if len(key) < 1+1+16 || key[0] != prefixBM25Post {
		return NilID, fmt.Errorf("%w: bm25 posting key length %d", ErrInvariantViolation, len(key))
	}
	return IDFromBytes(key[len(key)-16:])
}

// PackBM25LenKey packs the document-length key.
func PackBM25LenKey(doc ID) []byte {
	k := make([]byte, 17)
	k[0] = prefixBM25Len
	copy(k[1:], doc[:])
	return k
}

// PackMetaKey packs a metadata key under the reserved metadata prefix.
func PackMetaKey(name []byte) []byte {
	k := make([]byte, 0, 1+len(name))
	k = append(k, prefixMeta)
	k = append(k, name...)
	return k
}
