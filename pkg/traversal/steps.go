package traversal

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/helixgraph/helixdb/pkg/storage"
	"github.com/helixgraph/helixdb/pkg/vector"
)

// NodesOfLabel sources every node carrying a label.
func NodesOfLabel(label string) Source {
	return func(ctx *Ctx) ([]Value, error) {
		iter := ctx.Engine.NodesOfLabel(ctx.Txn, label)
		nodes, err := iter.Collect()
		if err != nil {
			return nil, err
		}
		out := make([]Value, 0, len(nodes))
		for _, n := range nodes {
			if ctx.Registry != nil {
				if n, err = ctx.Registry.UpgradeNodeLatest(n); err != nil {
					return nil, err
				}
			}
			out = append(out, NodeValue(n))
		}
		return out, nil
	}
}

// NodesByID sources nodes by explicit ids. Missing ids yield no element
// rather than an error, so existence checks stay expressible.
func NodesByID(label string, ids func(*Ctx) ([]storage.ID, error)) Source {
	return func(ctx *Ctx) ([]Value, error) {
		resolved, err := ids(ctx)
		if err != nil {
			return nil, err
		}
		var out []Value
		for _, id := range resolved {
			n, err := ctx.ResolveNode(id)
			if err != nil {
				if errors.Is(err, storage.ErrNodeNotFound) {
					continue
				}
				return nil, err
			}
			if label != "" && n.Label != label {
				continue
			}
			out = append(out, NodeValue(n))
		}
		return out, nil
	}
}

// NodesByIndex sources nodes through a secondary-index lookup.
func NodesByIndex(label, field string, value func(*Ctx) (storage.Value, error)) Source {
	return func(ctx *Ctx) ([]Value, error) {
		v, err := value(ctx)
		if err != nil {
			return nil, err
		}
		iter, err := ctx.Engine.NodesByIndex(ctx.Txn, field, v)
		if err != nil {
			return nil, err
		}
		nodes, err := iter.Collect()
		if err != nil {
			return nil, err
		}
		var out []Value
		for _, n := range nodes {
			if label != "" && n.Label != label {
				continue
			}
			if ctx.Registry != nil {
				if n, err = ctx.Registry.UpgradeNodeLatest(n); err != nil {
					return nil, err
				}
			}
			out = append(out, NodeValue(n))
		}
		return out, nil
	}
}

// EdgesOfLabel sources every edge carrying a label.
func EdgesOfLabel(label string) Source {
	return func(ctx *Ctx) ([]Value, error) {
		var out []Value
		err := ctx.Engine.ScanEdges(ctx.Txn, func(e *storage.Edge) error {
			if e.Label != label {
				return nil
			}
			var err error
			if ctx.Registry != nil {
				if e, err = ctx.Registry.UpgradeEdgeLatest(e); err != nil {
					return err
				}
			}
			out = append(out, EdgeValue(e))
			return nil
		})
		return out, err
	}
}

// VectorsOfLabel sources every live vector carrying a label.
func VectorsOfLabel(label string) Source {
	return func(ctx *Ctx) ([]Value, error) {
		var out []Value
		err := ctx.Engine.ScanVectors(ctx.Txn, func(v *storage.Vector) error {
			if v.Label != label || v.Deleted {
				return nil
			}
			out = append(out, VectorValue(v))
			return nil
		})
		return out, err
	}
}

// Out navigates to neighbor nodes over outgoing edges.
func Out(edgeLabel string) Step { return adjacencyStep(edgeLabel, false, true) }

// In navigates to neighbor nodes over incoming edges.
func In(edgeLabel string) Step { return adjacencyStep(edgeLabel, true, true) }

// OutE yields the outgoing edges themselves.
func OutE(edgeLabel string) Step { return adjacencyStep(edgeLabel, false, false) }

// InE yields the incoming edges themselves.
func InE(edgeLabel string) Step { return adjacencyStep(edgeLabel, true, false) }

func adjacencyStep(edgeLabel string, incoming, toNodes bool) Step {
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		var out []Value
		for _, v := range in {
			if v.Kind != KindNode {
				continue
			}
			var iter *storage.AdjIter
			if incoming {
				iter = ctx.Engine.InEdges(ctx.Txn, v.Node.ID, edgeLabel)
			} else {
				iter = ctx.Engine.OutEdges(ctx.Txn, v.Node.ID, edgeLabel)
			}
			for entry, ok := iter.Next(); ok; entry, ok = iter.Next() {
				if toNodes {
					n, err := ctx.ResolveNode(entry.Other)
					if err != nil {
						iter.Close()
						return nil, err
					}
					out = append(out, NodeValue(n))
				} else {
					e, err := ctx.ResolveEdge(entry.EdgeID)
					if err != nil {
						iter.Close()
						return nil, err
					}
					out = append(out, EdgeValue(e))
				}
			}
			err := iter.Err()
			iter.Close()
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}

// ToN resolves each edge's destination node.
func ToN() Step { return endpointStep(true) }

// FromN resolves each edge's source node.
func FromN() Step { return endpointStep(false) }

func endpointStep(to bool) Step {
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		var out []Value
		for _, v := range in {
			if v.Kind != KindEdge {
				continue
			}
			id := v.Edge.From
			if to {
				id = v.Edge.To
			}
			n, err := ctx.ResolveNode(id)
			if err != nil {
				return nil, err
			}
			out = append(out, NodeValue(n))
		}
		return out, nil
	}
}

// Where keeps elements the predicate accepts.
func Where(pred func(*Ctx, Value) (bool, error)) Step {
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		out := in[:0]
		for _, v := range in {
			ok, err := pred(ctx, v)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, v)
			}
		}
		return out, nil
	}
}

// Count collapses the batch to a single count value.
func Count() Step {
	return func(_ *Ctx, in []Value) ([]Value, error) {
		return []Value{CountValue(int64(len(in)))}, nil
	}
}

// First keeps only the first element.
func First() Step {
	return func(_ *Ctx, in []Value) ([]Value, error) {
		if len(in) == 0 {
			return nil, nil
		}
		return in[:1], nil
	}
}

// IDs projects entities to their identifier scalars.
func IDs() Step {
	return func(_ *Ctx, in []Value) ([]Value, error) {
		var out []Value
		for _, v := range in {
			if id, ok := v.ID(); ok {
				out = append(out, ScalarValue(storage.IDValue(id)))
			}
		}
		return out, nil
	}
}

// Range keeps the half-open slice [lo, hi). lo >= hi yields empty.
func Range(bounds func(*Ctx) (lo, hi int64, err error)) Step {
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		lo, hi, err := bounds(ctx)
		if err != nil {
			return nil, err
		}
		if lo < 0 {
			lo = 0
		}
		if hi > int64(len(in)) {
			hi = int64(len(in))
		}
		if lo >= hi {
			return nil, nil
		}
		return in[lo:hi], nil
	}
}

// OrderBy sorts by a per-element key. Elements whose key is missing sort
// last; equal keys keep their relative order.
func OrderBy(key func(*Ctx, Value) (storage.Value, error), desc bool) Step {
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		type keyed struct {
			v   Value
			key storage.Value
			ok  bool
		}
		items := make([]keyed, len(in))
		for i, v := range in {
			k, err := key(ctx, v)
			if err != nil {
				items[i] = keyed{v: v}
				continue
			}
			items[i] = keyed{v: v, key: k, ok: k.Kind != storage.KindEmpty}
		}
		sort.SliceStable(items, func(i, j int) bool {
			if !items[i].ok || !items[j].ok {
				return items[i].ok
			}
			c, err := storage.Compare(items[i].key, items[j].key)
			if err != nil {
				return false
			}
			if desc {
				return c > 0
			}
			return c < 0
		})
		out := make([]Value, len(items))
		for i, it := range items {
			out[i] = it.v
		}
		return out, nil
	}
}

// GroupBy buckets entities by field values, producing one object per group
// with the group keys and, when counting, a "count" field.
func GroupBy(fields []string, counting bool) Step {
	return func(_ *Ctx, in []Value) ([]Value, error) {
		type group struct {
			keys  storage.Properties
			count int64
		}
		order := []string{}
		groups := map[string]*group{}
		for _, v := range in {
			keys := storage.Properties{}
			sig := ""
			for _, f := range fields {
				pv, _ := v.Property(f)
				keys[f] = pv
				raw := pv.Encode(nil)
				sig += string(raw)
			}
			g, ok := groups[sig]
			if !ok {
				g = &group{keys: keys}
				groups[sig] = g
				order = append(order, sig)
			}
			g.count++
		}
		out := make([]Value, 0, len(order))
		for _, sig := range order {
			g := groups[sig]
			obj := g.keys
			if counting {
				obj["count"] = storage.I64(g.count)
			}
			out = append(out, ScalarValue(storage.Object(obj)))
		}
		return out, nil
	}
}

// Update applies a property patch to every incoming entity, in place.
func Update(patch func(*Ctx, Value) (storage.Properties, error)) Step {
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		out := make([]Value, 0, len(in))
		for _, v := range in {
			props, err := patch(ctx, v)
			if err != nil {
				return nil, err
			}
			switch v.Kind {
			case KindNode:
				n, err := ctx.Engine.UpdateNode(ctx.Txn, v.Node.ID, props)
				if err != nil {
					return nil, err
				}
				out = append(out, NodeValue(n))
			case KindEdge:
				e, err := ctx.Engine.UpdateEdge(ctx.Txn, v.Edge.ID, props)
				if err != nil {
					return nil, err
				}
				out = append(out, EdgeValue(e))
			case KindVector:
				v.Vector.Properties = mergeProps(v.Vector.Properties, props)
				if err := ctx.Engine.RewriteVector(ctx.Txn, v.Vector); err != nil {
					return nil, err
				}
				out = append(out, v)
			default:
				return nil, fmt.Errorf("UPDATE on non-entity traversal value")
			}
		}
		return out, nil
	}
}

func mergeProps(dst, patch storage.Properties) storage.Properties {
	if dst == nil {
		dst = storage.Properties{}
	}
	for k, v := range patch {
		if v.Kind == storage.KindEmpty {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
	return dst
}

// Drop destroys every incoming entity through the engine's drop protocols.
func Drop() Step {
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		for _, v := range in {
			switch v.Kind {
			case KindNode:
				if err := ctx.Engine.DropNode(ctx.Txn, v.Node.ID); err != nil {
					return nil, err
				}
			case KindEdge:
				if err := ctx.Engine.DropEdge(ctx.Txn, v.Edge.ID); err != nil {
					return nil, err
				}
			case KindVector:
				if err := ctx.Vectors.SoftDelete(ctx.Txn, v.Vector.ID); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	}
}

// ShortestPath finds the shortest directed path to the target via BFS over
// one edge label, producing a Path value (empty batch when unreachable).
func ShortestPath(edgeLabel string, target func(*Ctx) (storage.ID, error)) Step {
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		to, err := target(ctx)
		if err != nil {
			return nil, err
		}
		var out []Value
		for _, v := range in {
			if v.Kind != KindNode {
				continue
			}
			path, err := bfsPath(ctx, v.Node.ID, to, edgeLabel)
			if err != nil {
				return nil, err
			}
			if path != nil {
				out = append(out, PathValue(path))
			}
		}
		return out, nil
	}
}

func bfsPath(ctx *Ctx, from, to storage.ID, edgeLabel string) ([]*storage.Node, error) {
	if from == to {
		n, err := ctx.ResolveNode(from)
		if err != nil {
			return nil, err
		}
		return []*storage.Node{n}, nil
	}
	parent := map[storage.ID]storage.ID{from: from}
	queue := []storage.ID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		iter := ctx.Engine.OutEdges(ctx.Txn, cur, edgeLabel)
		for entry, ok := iter.Next(); ok; entry, ok = iter.Next() {
			if _, seen := parent[entry.Other]; seen {
				continue
			}
			parent[entry.Other] = cur
			if entry.Other == to {
				iter.Close()
				return materializePath(ctx, parent, from, to)
			}
			queue = append(queue, entry.Other)
		}
		err := iter.Err()
		iter.Close()
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func materializePath(ctx *Ctx, parent map[storage.ID]storage.ID, from, to storage.ID) ([]*storage.Node, error) {
	var ids []storage.ID
	for cur := to; ; cur = parent[cur] {
		ids = append(ids, cur)
		if cur == from {
			break
		}
	}
	nodes := make([]*storage.Node, len(ids))
	for i, id := range ids {
		n, err := ctx.ResolveNode(id)
		if err != nil {
			return nil, err
		}
		nodes[len(ids)-1-i] = n
	}
	return nodes, nil
}

// RerankRRF fuses the current ordering with reciprocal-rank scores.
// Incoming order is treated as one ranking; per-element distance (vectors)
// or score provides the second.
func RerankRRF(k func(*Ctx) (float64, error)) Step {
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		kv := 60.0
		if k != nil {
			v, err := k(ctx)
			if err != nil {
				return nil, err
			}
			if v > 0 {
				kv = v
			}
		}
		type ranked struct {
			v     Value
			score float64
		}
		byDistance := append([]Value{}, in...)
		sort.SliceStable(byDistance, func(i, j int) bool {
			return rerankDistance(byDistance[i]) < rerankDistance(byDistance[j])
		})
		distRank := make(map[*storage.Vector]int)
		scores := make([]ranked, len(in))
		for rank, v := range byDistance {
			if v.Kind == KindVector {
				distRank[v.Vector] = rank
			}
		}
		for i, v := range in {
			score := 1.0 / (kv + float64(i+1))
			if v.Kind == KindVector {
				score += 1.0 / (kv + float64(distRank[v.Vector]+1))
			}
			scores[i] = ranked{v: v, score: score}
		}
		sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
		out := make([]Value, len(scores))
		for i, r := range scores {
			out[i] = r.v
		}
		return out, nil
	}
}

func rerankDistance(v Value) float64 {
	if v.Kind == KindVector {
		return v.Vector.Distance
	}
	return math.MaxFloat64
}

// RerankMMR re-orders vectors by maximal marginal relevance: relevance to
// the query balanced against similarity to already-picked results.
func RerankMMR(lambda func(*Ctx) (float64, error), dist vector.DistanceFunc) Step {
	if dist == nil {
		dist = vector.L2
	}
	return func(ctx *Ctx, in []Value) ([]Value, error) {
		lam := 0.5
		if lambda != nil {
			v, err := lambda(ctx)
			if err != nil {
				return nil, err
			}
			lam = v
		}
		var pool []Value
		for _, v := range in {
			if v.Kind == KindVector {
				pool = append(pool, v)
			}
		}
		if len(pool) == 0 {
			return in, nil
		}
		var out []Value
		picked := []*storage.Vector{}
		remaining := append([]Value{}, pool...)
		for len(remaining) > 0 {
			bestIdx, bestScore := 0, math.Inf(-1)
			for i, v := range remaining {
				rel := -v.Vector.Distance
				div := 0.0
				for _, p := range picked {
					if s := -dist(v.Vector.Data, p.Data); s > div {
						div = s
					}
				}
				score := lam*rel - (1-lam)*div
				if score > bestScore {
					bestIdx, bestScore = i, score
				}
			}
			chosen := remaining[bestIdx]
			out = append(out, chosen)
			picked = append(picked, chosen.Vector)
			remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
		}
		return out, nil
	}
}
