package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// GetNode reads one node by id.
func (e *Engine) GetNode(t *Txn, id ID) (*Node, error) {
	val, err := t.get(PackNodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return DecodeNode(id, val)
}

// GetEdge reads one edge by id.
func (e *Engine) GetEdge(t *Txn, id ID) (*Edge, error) {
	val, err := t.get(PackEdgeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return DecodeEdge(id, val)
}

// GetVector reads one vector payload by id.
func (e *Engine) GetVector(t *Txn, id ID) (*Vector, error) {
	val, err := t.get(PackVectorKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrVectorNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return DecodeVector(id, val)
}

// AddNode creates a node with a fresh id, writing the record, the label
// index entry, and one secondary-index entry per indexed field present.
func (e *Engine) AddNode(t *Txn, version uint8, label string, props Properties) (*Node, error) {
	return e.AddNodeWithID(t, NewID(), version, label, props)
}

// AddNodeWithID creates a node under a caller-chosen id.
func (e *Engine) AddNodeWithID(t *Txn, id ID, version uint8, label string, props Properties) (*Node, error) {
	if props == nil {
		props = Properties{}
	}
	n := &Node{ID: id, Label: label, Version: version, Properties: props}
	if err := t.set(PackNodeKey(id), EncodeNode(n)); err != nil {
		return nil, err
	}
	if err := t.set(PackLabelKey(LabelHash(label), id), nil); err != nil {
		return nil, err
	}
	if err := e.writeSecondaryEntries(t, n); err != nil {
		return nil, err
	}
	if err := t.bumpCounter(metaNodeCount, 1); err != nil {
		return nil, err
	}
	return n, nil
}

func (e *Engine) writeSecondaryEntries(t *Txn, n *Node) error {
	for _, field := range e.indexedFields() {
		v, ok := n.Properties[field]
		if !ok || v.Kind == KindEmpty {
			continue // nullable fields without a value contribute no entry
		}
		ordered, err := EncodeOrdered(v)
		if err != nil {
			return err
		}
		if err := t.set(PackSecondaryKey(field, ordered, n.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deleteSecondaryEntries(t *Txn, n *Node) error {
	for _, field := range e.indexedFields() {
		v, ok := n.Properties[field]
		if !ok || v.Kind == KindEmpty {
			continue
		}
		ordered, err := EncodeOrdered(v)
		if err != nil {
			return err
		}
		if err := t.delete(PackSecondaryKey(field, ordered, n.ID)); err != nil {
			return err
		}
	}
	return nil
}

// AddEdge creates a directed edge and both adjacency entries.
func (e *Engine) AddEdge(t *Txn, version uint8, label string, from, to ID, props Properties) (*Edge, error) {
	return e.AddEdgeWithID(t, NewID(), version, label, from, to, props)
}

// AddEdgeWithID creates an edge under a caller-chosen id.
func (e *Engine) AddEdgeWithID(t *Txn, id ID, version uint8, label string, from, to ID, props Properties) (*Edge, error) {
	if props == nil {
		props = Properties{}
	}
	ed := &Edge{ID: id, Label: label, Version: version, From: from, To: to, Properties: props}
	lh := LabelHash(label)
	if err := t.set(PackEdgeKey(id), EncodeEdge(ed)); err != nil {
		return nil, err
	}
	if err := t.set(PackOutEdgeKey(from, lh, id), PackAdjValue(to)); err != nil {
		return nil, err
	}
	if err := t.set(PackInEdgeKey(to, lh, id), PackAdjValue(from)); err != nil {
		return nil, err
	}
	if err := t.bumpCounter(metaEdgeCount, 1); err != nil {
		return nil, err
	}
	return ed, nil
}

// UpdateNode applies a property patch to an existing node. Fails with
// ErrNodeNotFound when the record does not exist. Secondary-index entries for
// changed indexed fields are rewritten.
func (e *Engine) UpdateNode(t *Txn, id ID, patch Properties) (*Node, error) {
	n, err := e.GetNode(t, id)
	if err != nil {
		return nil, err
	}
	for _, field := range e.indexedFields() {
		nv, changed := patch[field]
		if !changed {
			continue
		}
		if old, ok := n.Properties[field]; ok && old.Kind != KindEmpty {
			ordered, err := EncodeOrdered(old)
			if err != nil {
				return nil, err
			}
			if err := t.delete(PackSecondaryKey(field, ordered, id)); err != nil {
				return nil, err
			}
		}
		if nv.Kind != KindEmpty {
			ordered, err := EncodeOrdered(nv)
			if err != nil {
				return nil, err
			}
			if err := t.set(PackSecondaryKey(field, ordered, id), nil); err != nil {
				return nil, err
			}
		}
	}
	for k, v := range patch {
		if v.Kind == KindEmpty {
			delete(n.Properties, k)
			continue
		}
		n.Properties[k] = v
	}
	if err := t.set(PackNodeKey(id), EncodeNode(n)); err != nil {
		return nil, err
	}
	return n, nil
}

// RewriteNode re-encodes a node record in place, refreshing its
// secondary-index entries. The migration runner uses this to persist
// upgraded records.
func (e *Engine) RewriteNode(t *Txn, old, upgraded *Node) error {
	if err := e.deleteSecondaryEntries(t, old); err != nil {
		return err
	}
	if err := t.set(PackNodeKey(upgraded.ID), EncodeNode(upgraded)); err != nil {
		return err
	}
	return e.writeSecondaryEntries(t, upgraded)
}

// RewriteEdge re-encodes an edge record in place.
func (e *Engine) RewriteEdge(t *Txn, upgraded *Edge) error {
	return t.set(PackEdgeKey(upgraded.ID), EncodeEdge(upgraded))
}

// RewriteVector re-encodes a vector record in place.
func (e *Engine) RewriteVector(t *Txn, upgraded *Vector) error {
	return t.set(PackVectorKey(upgraded.ID), EncodeVector(upgraded))
}

// UpdateEdge applies a property patch to an existing edge.
func (e *Engine) UpdateEdge(t *Txn, id ID, patch Properties) (*Edge, error) {
	ed, err := e.GetEdge(t, id)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		if v.Kind == KindEmpty {
			delete(ed.Properties, k)
			continue
		}
		ed.Properties[k] = v
	}
	if err := t.set(PackEdgeKey(id), EncodeEdge(ed)); err != nil {
		return nil, err
	}
	return ed, nil
}

// UpsertNode updates the node matched by matchField (or by primary id when
// matchField is empty and props carries an id), creating it when no match
// exists.
func (e *Engine) UpsertNode(t *Txn, version uint8, label, matchField string, props Properties) (*Node, error) {
	if matchField == "" {
		// Match by primary id.
		if idv, ok := props[PropID]; ok && idv.Kind == KindID {
			patch := props.Clone()
			delete(patch, PropID)
			n, err := e.UpdateNode(t, idv.ID, patch)
			if err == nil {
				return n, nil
			}
			if !errors.Is(err, ErrNodeNotFound) {
				return nil, err
			}
			return e.AddNodeWithID(t, idv.ID, version, label, patch)
		}
		return e.AddNode(t, version, label, props)
	}
	mv, ok := props[matchField]
	if !ok {
		return nil, fmt.Errorf("%w: upsert match field %q absent", ErrInvalidID, matchField)
	}
	iter, err := e.NodesByIndex(t, matchField, mv)
	if err != nil {
		return nil, err
	}
	// The iterator must close before any write lands on the transaction.
	var match ID
	found := false
	if existing, ok := iter.Next(); ok && existing.Label == label {
		match = existing.ID
		found = true
	}
	err = iter.Err()
	iter.Close()
	if err != nil {
		return nil, err
	}
	if found {
		return e.UpdateNode(t, match, props)
	}
	return e.AddNode(t, version, label, props)
}

// UpsertEdge updates the edge with the given label between from and to,
// creating it when absent. Both endpoints must be resolved.
func (e *Engine) UpsertEdge(t *Txn, version uint8, label string, from, to ID, props Properties) (*Edge, error) {
	if from.IsNil() || to.IsNil() {
		return nil, ErrMissingEndpoint
	}
	iter := e.OutEdges(t, from, label)
	var match ID
	found := false
	for entry, ok := iter.Next(); ok; entry, ok = iter.Next() {
		if entry.Other == to {
			match = entry.EdgeID
			found = true
			break
		}
	}
	err := iter.Err()
	iter.Close()
	if err != nil {
		return nil, err
	}
	if found {
		return e.UpdateEdge(t, match, props)
	}
	return e.AddEdge(t, version, label, from, to, props)
}

// DropEdge removes an edge record and both adjacency entries.
func (e *Engine) DropEdge(t *Txn, id ID) error {
	ed, err := e.GetEdge(t, id)
	if err != nil {
		return err
	}
	lh := LabelHash(ed.Label)
	if err := t.delete(PackEdgeKey(id)); err != nil {
		return err
	}
	if err := t.delete(PackOutEdgeKey(ed.From, lh, id)); err != nil {
		return err
	}
	if err := t.delete(PackInEdgeKey(ed.To, lh, id)); err != nil {
		return err
	}
	return t.bumpCounter(metaEdgeCount, -1)
}

// adjTriple is one collected incident-adjacency record during drop.
type adjTriple struct {
	edgeID    ID
	other     ID
	labelHash [4]byte
}

// DropNode deletes a node, every incident edge in both directions, all
// adjacency entries on both sides, and the node's secondary-index entries.
// Every step runs inside the caller's write transaction; failure at any step
// leaves the transaction abortable with nothing applied.
func (e *Engine) DropNode(t *Txn, id ID) error {
	n, err := e.GetNode(t, id)
	if err != nil {
		return err
	}

	collect := func(prefix []byte) ([]adjTriple, error) {
		var out []adjTriple
		it := t.iterator(prefix)
		defer it.Close()
		for ; it.ValidForPrefix(prefix); it.Next() {
			_, lh, edgeID, err := UnpackAdjKey(it.Item().KeyCopy(nil))
			if err != nil {
				return nil, err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return nil, err
			}
			other, err := UnpackAdjValue(val)
			if err != nil {
				return nil, err
			}
			out = append(out, adjTriple{edgeID: edgeID, other: other, labelHash: lh})
		}
		return out, nil
	}

	outgoing, err := collect(PackOutEdgeNodePrefix(id))
	if err != nil {
		return err
	}
	incoming, err := collect(PackInEdgeNodePrefix(id))
	if err != nil {
		return err
	}

	dropped := make(map[ID]bool)
	for _, tr := range append(append([]adjTriple{}, outgoing...), incoming...) {
		if dropped[tr.edgeID] {
			continue // self-loops appear on both sides
		}
		dropped[tr.edgeID] = true
		if err := t.delete(PackEdgeKey(tr.edgeID)); err != nil {
			return err
		}
		if err := t.bumpCounter(metaEdgeCount, -1); err != nil {
			return err
		}
	}
	for _, tr := range outgoing {
		if err := t.delete(PackOutEdgeKey(id, tr.labelHash, tr.edgeID)); err != nil {
			return err
		}
		// Opposite side: the other node's incoming entry points back here.
		if err := t.delete(PackInEdgeKey(tr.other, tr.labelHash, tr.edgeID)); err != nil {
			return err
		}
	}
	for _, tr := range incoming {
		if err := t.delete(PackInEdgeKey(id, tr.labelHash, tr.edgeID)); err != nil {
			return err
		}
		if err := t.delete(PackOutEdgeKey(tr.other, tr.labelHash, tr.edgeID)); err != nil {
			return err
		}
	}
	if err := e.deleteSecondaryEntries(t, n); err != nil {
		return err
	}
	if err := t.delete(PackLabelKey(LabelHash(n.Label), id)); err != nil {
		return err
	}
	if err := t.delete(PackNodeKey(id)); err != nil {
		return err
	}
	return t.bumpCounter(metaNodeCount, -1)
}
