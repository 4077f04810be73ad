package storage

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"
)

// AdjEntry is one adjacency record: the edge and the opposite endpoint.
type AdjEntry struct {
	EdgeID ID
	Other  ID
}

// AdjIter lazily walks one side of a node's adjacency under a single label.
type AdjIter struct {
	txn    *Txn
	it     *badger.Iterator
	prefix []byte
	err    error
	closed bool
}

// Next yields the next adjacency entry.
func (a *AdjIter) Next() (AdjEntry, bool) {
	if a.err != nil || a.closed || !a.it.ValidForPrefix(a.prefix) {
		return AdjEntry{}, false
	}
	item := a.it.Item()
	_, _, edgeID, err := UnpackAdjKey(item.KeyCopy(nil))
	if err != nil {
		a.err = err
		return AdjEntry{}, false
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		a.err = err
		return AdjEntry{}, false
	}
	other, err := UnpackAdjValue(val)
	if err != nil {
		a.err = err
		return AdjEntry{}, false
	}
	a.it.Next()
	return AdjEntry{EdgeID: edgeID, Other: other}, true
}

// Err returns the first error hit during iteration.
func (a *AdjIter) Err() error { return a.err }

// Close releases the underlying iterator. Required before the transaction ends.
func (a *AdjIter) Close() {
	if !a.closed {
		a.closed = true
		a.it.Close()
	}
}

// OutEdges scans the outgoing adjacency of node under edgeLabel.
func (e *Engine) OutEdges(t *Txn, node ID, edgeLabel string) *AdjIter {
	prefix := PackOutEdgePrefix(node, LabelHash(edgeLabel))
	return &AdjIter{txn: t, it: t.iterator(prefix), prefix: prefix}
}

// InEdges scans the incoming adjacency of node under edgeLabel.
func (e *Engine) InEdges(t *Txn, node ID, edgeLabel string) *AdjIter {
	prefix := PackInEdgePrefix(node, LabelHash(edgeLabel))
	return &AdjIter{txn: t, it: t.iterator(prefix), prefix: prefix}
}

// NodeIter lazily resolves node records from an id-producing scan.
type NodeIter struct {
	engine *Engine
	txn    *Txn
	it     *badger.Iterator
	prefix []byte
	until  []byte // exclusive upper bound for range scans, nil otherwise
	label  string // re-checked against records when set (hash collisions)
	idAt   func(key []byte) (ID, error)
	err    error
	closed bool
}

// Next yields the next node.
func (n *NodeIter) Next() (*Node, bool) {
	for {
		if n.err != nil || n.closed || !n.it.ValidForPrefix(n.prefix) {
			return nil, false
		}
		key := n.it.Item().KeyCopy(nil)
		if n.until != nil && bytes.Compare(key, n.until) >= 0 {
			return nil, false
		}
		id, err := n.idAt(key)
		if err != nil {
			n.err = err
			return nil, false
		}
		n.it.Next()
		node, err := n.engine.GetNode(n.txn, id)
		if err != nil {
			n.err = err
			return nil, false
		}
		if n.label != "" && node.Label != n.label {
			continue
		}
		return node, true
	}
}

// Collect drains the cursor into a slice, closing it.
func (n *NodeIter) Collect() ([]*Node, error) {
	defer n.Close()
	var out []*Node
	for node, ok := n.Next(); ok; node, ok = n.Next() {
		out = append(out, node)
	}
	return out, n.Err()
}

// Err returns the first error hit during iteration.
func (n *NodeIter) Err() error { return n.err }

// Close releases the underlying iterator.
func (n *NodeIter) Close() {
	if !n.closed {
		n.closed = true
		n.it.Close()
	}
}

// NodesOfLabel scans the label index, resolving nodes on demand. The full
// label is re-checked on each record because the index keys only a 4-byte
// hash.
func (e *Engine) NodesOfLabel(t *Txn, label string) *NodeIter {
	prefix := PackLabelPrefix(LabelHash(label))
	return &NodeIter{
		engine: e,
		txn:    t,
		it:     t.iterator(prefix),
		prefix: prefix,
		label:  label,
		idAt:   UnpackLabelKey,
	}
}

// NodesByIndex scans the secondary index for nodes whose field equals value.
// Entries come back in insertion (id) order for equal values.
func (e *Engine) NodesByIndex(t *Txn, field string, value Value) (*NodeIter, error) {
	ordered, err := EncodeOrdered(value)
	if err != nil {
		return nil, err
	}
	prefix := PackSecondaryPrefix(field, ordered)
	return &NodeIter{
		engine: e,
		txn:    t,
		it:     t.iterator(prefix),
		prefix: prefix,
		idAt:   UnpackSecondaryKey,
	}, nil
}

// NodesByIndexRange scans the secondary index over [lo, hi).
func (e *Engine) NodesByIndexRange(t *Txn, field string, lo, hi Value) (*NodeIter, error) {
	loOrdered, err := EncodeOrdered(lo)
	if err != nil {
		return nil, err
	}
	hiOrdered, err := EncodeOrdered(hi)
	if err != nil {
		return nil, err
	}
	fieldPrefix := PackSecondaryPrefix(field, nil)
	start := PackSecondaryPrefix(field, loOrdered)
	until := PackSecondaryPrefix(field, hiOrdered)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = fieldPrefix
	it := t.btxn.NewIterator(opts)
	it.Seek(start)
	return &NodeIter{
		engine: e,
		txn:    t,
		it:     it,
		prefix: fieldPrefix,
		until:  until,
		idAt:   UnpackSecondaryKey,
	}, nil
}

// Neighbors resolves only the far-side nodes of an adjacency scan.
func (e *Engine) Neighbors(t *Txn, node ID, edgeLabel string, incoming bool) ([]*Node, error) {
	var iter *AdjIter
	if incoming {
		iter = e.InEdges(t, node, edgeLabel)
	} else {
		iter = e.OutEdges(t, node, edgeLabel)
	}
	defer iter.Close()
	var out []*Node
	for entry, ok := iter.Next(); ok; entry, ok = iter.Next() {
		n, err := e.GetNode(t, entry.Other)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, iter.Err()
}

// ScanNodes streams every node record in id order. Used by the migration
// runner and the fulltext bootstrap.
func (e *Engine) ScanNodes(t *Txn, fn func(*Node) error) error {
	prefix := []byte{prefixNode}
	it := t.iterator(prefix)
	defer it.Close()
	for ; it.ValidForPrefix(prefix); it.Next() {
		id, err := UnpackNodeKey(it.Item().KeyCopy(nil))
		if err != nil {
			return err
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		n, err := DecodeNode(id, val)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// ScanEdges streams every edge record in id order.
func (e *Engine) ScanEdges(t *Txn, fn func(*Edge) error) error {
	prefix := []byte{prefixEdge}
	it := t.iterator(prefix)
	defer it.Close()
	for ; it.ValidForPrefix(prefix); it.Next() {
		id, err := UnpackEdgeKey(it.Item().KeyCopy(nil))
		if err != nil {
			return err
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		ed, err := DecodeEdge(id, val)
		if err != nil {
			return err
		}
		if err := fn(ed); err != nil {
			return err
		}
	}
	return nil
}

// ScanVectors streams every vector payload in id order.
func (e *Engine) ScanVectors(t *Txn, fn func(*Vector) error) error {
	prefix := []byte{prefixVector}
	it := t.iterator(prefix)
	defer it.Close()
	for ; it.ValidForPrefix(prefix); it.Next() {
		id, err := UnpackVectorKey(it.Item().KeyCopy(nil))
		if err != nil {
			return err
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		v, err := DecodeVector(id, val)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}
