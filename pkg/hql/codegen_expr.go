package hql

import (
	"errors"
	"fmt"

	"github.com/helixgraph/helixdb/pkg/schema"
	"github.com/helixgraph/helixdb/pkg/storage"
	"github.com/helixgraph/helixdb/pkg/traversal"
	"github.com/helixgraph/helixdb/pkg/vector"
)

// compileExpr lowers one expression into its evaluator.
func (g *generator) compileExpr(e *Expr) (evalFn, error) {
	switch e.Kind {
	case ExprLit:
		v := literalValue(e.Lit)
		return func(*traversal.Ctx, []traversal.Value) ([]traversal.Value, error) {
			return []traversal.Value{traversal.ScalarValue(v)}, nil
		}, nil

	case ExprIdent:
		name := e.Ident
		return func(ctx *traversal.Ctx, _ []traversal.Value) ([]traversal.Value, error) {
			if vals, ok := ctx.Vars[name]; ok {
				return vals, nil
			}
			if p, ok := ctx.Params[name]; ok {
				return []traversal.Value{traversal.ScalarValue(p)}, nil
			}
			return nil, fmt.Errorf("unbound identifier %q", name)
		}, nil

	case ExprTraversal:
		return g.compileTraversal(e.Traversal)

	case ExprAnd, ExprOr:
		var args []evalFn
		for _, a := range e.Args {
			fn, err := g.compileExpr(a)
			if err != nil {
				return nil, err
			}
			args = append(args, fn)
		}
		isAnd := e.Kind == ExprAnd
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			for _, fn := range args {
				vals, err := fn(ctx, anon)
				if err != nil {
					return nil, err
				}
				truthy := len(vals) > 0 && vals[0].Truthy()
				if isAnd && !truthy {
					return boolBatch(false), nil
				}
				if !isAnd && truthy {
					return boolBatch(true), nil
				}
			}
			return boolBatch(isAnd), nil
		}, nil

	case ExprNot:
		inner, err := g.compileExpr(e.Args[0])
		if err != nil {
			return nil, err
		}
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			vals, err := inner(ctx, anon)
			if err != nil {
				return nil, err
			}
			return boolBatch(!(len(vals) > 0 && vals[0].Truthy())), nil
		}, nil

	case ExprExists:
		inner, err := g.compileExpr(e.Args[0])
		if err != nil {
			return nil, err
		}
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			vals, err := inner(ctx, anon)
			if err != nil {
				if errors.Is(err, storage.ErrNodeNotFound) ||
					errors.Is(err, storage.ErrEdgeNotFound) ||
					errors.Is(err, storage.ErrVectorNotFound) {
					return boolBatch(false), nil
				}
				return nil, err
			}
			return boolBatch(len(vals) > 0), nil
		}, nil

	case ExprAddNode, ExprAddEdge, ExprAddVector:
		return g.compileAdd(e.Add)

	case ExprSearchV:
		return g.compileSearchV(e.SearchV)

	case ExprBM25:
		return g.compileBM25(e.BM25)

	case ExprMath:
		var args []func(*traversal.Ctx) (float64, error)
		for _, a := range e.Math.Args {
			fn, err := g.floatArg(a)
			if err != nil {
				return nil, err
			}
			args = append(args, fn)
		}
		name := e.Math.Name
		return func(ctx *traversal.Ctx, _ []traversal.Value) ([]traversal.Value, error) {
			vals := make([]float64, len(args))
			for i, fn := range args {
				v, err := fn(ctx)
				if err != nil {
					return nil, err
				}
				vals[i] = v
			}
			return []traversal.Value{traversal.ScalarValue(storage.F64(mathEval(name, vals)))}, nil
		}, nil

	case ExprArray:
		var elems []func(*traversal.Ctx, []traversal.Value) (storage.Value, error)
		for _, el := range e.Args {
			fn, err := g.scalarArg(el)
			if err != nil {
				return nil, err
			}
			elems = append(elems, fn)
		}
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			arr := make([]storage.Value, len(elems))
			for i, fn := range elems {
				v, err := fn(ctx, anon)
				if err != nil {
					return nil, err
				}
				arr[i] = v
			}
			return []traversal.Value{traversal.ScalarValue(storage.Array(arr))}, nil
		}, nil

	case ExprObject:
		type field struct {
			name string
			eval func(*traversal.Ctx, []traversal.Value) (storage.Value, error)
		}
		var fields []field
		for _, f := range e.Object {
			fn, err := g.scalarArg(f.Value)
			if err != nil {
				return nil, err
			}
			fields = append(fields, field{name: f.Name, eval: fn})
		}
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			obj := storage.Properties{}
			for _, f := range fields {
				v, err := f.eval(ctx, anon)
				if err != nil {
					return nil, err
				}
				obj[f.name] = v
			}
			return []traversal.Value{traversal.ScalarValue(storage.Object(obj))}, nil
		}, nil

	case ExprEmbed:
		vecArg, err := g.vectorArg(e)
		if err != nil {
			return nil, err
		}
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			data, err := vecArg(ctx, anon)
			if err != nil {
				return nil, err
			}
			arr := make([]storage.Value, len(data))
			for i, f := range data {
				arr[i] = storage.F64(f)
			}
			return []traversal.Value{traversal.ScalarValue(storage.Array(arr))}, nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported expression at %s", e.Span)
}

func boolBatch(b bool) []traversal.Value {
	return []traversal.Value{traversal.ScalarValue(storage.BoolValue(b))}
}

func (g *generator) compileAdd(add *AddExpr) (evalFn, error) {
	switch add.Entity {
	case 'N':
		props, err := g.compileProps(add.Props, g.nodeFields(add.Label))
		if err != nil {
			return nil, err
		}
		label := add.Label
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			p, err := props(ctx, anon)
			if err != nil {
				return nil, err
			}
			n, err := ctx.Engine.AddNode(ctx.Txn, g.schemaVersion(), label, p)
			if err != nil {
				return nil, err
			}
			if err := g.indexNodeText(ctx, n); err != nil {
				return nil, err
			}
			return []traversal.Value{traversal.NodeValue(n)}, nil
		}, nil

	case 'E':
		props, err := g.compileProps(add.Props, g.edgeFields(add.Label))
		if err != nil {
			return nil, err
		}
		if add.From == nil || add.To == nil {
			return nil, fmt.Errorf("AddE<%s> requires From and To endpoints", add.Label)
		}
		fromArg, err := g.idArg(add.From)
		if err != nil {
			return nil, err
		}
		toArg, err := g.idArg(add.To)
		if err != nil {
			return nil, err
		}
		label := add.Label
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			from, err := fromArg(ctx, anon)
			if err != nil {
				return nil, err
			}
			to, err := toArg(ctx, anon)
			if err != nil {
				return nil, err
			}
			p, err := props(ctx, anon)
			if err != nil {
				return nil, err
			}
			e, err := ctx.Engine.AddEdge(ctx.Txn, g.schemaVersion(), label, from, to, p)
			if err != nil {
				return nil, err
			}
			return []traversal.Value{traversal.EdgeValue(e)}, nil
		}, nil

	case 'V':
		props, err := g.compileProps(add.Props, g.vectorFields(add.Label))
		if err != nil {
			return nil, err
		}
		dataArg, err := g.vectorArg(add.Data)
		if err != nil {
			return nil, err
		}
		label := add.Label
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			data, err := dataArg(ctx, anon)
			if err != nil {
				return nil, err
			}
			p, err := props(ctx, anon)
			if err != nil {
				return nil, err
			}
			v, err := ctx.Vectors.Insert(ctx.Txn, g.schemaVersion(), label, data, p)
			if err != nil {
				return nil, err
			}
			return []traversal.Value{traversal.VectorValue(v)}, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown mutation entity %q", add.Entity)
}

// indexNodeText feeds a new node's text field into the fulltext index when
// the schema declares one named "text" or "content".
func (g *generator) indexNodeText(ctx *traversal.Ctx, n *storage.Node) error {
	if ctx.Fulltext == nil {
		return nil
	}
	for _, field := range []string{"text", "content"} {
		if v, ok := n.Properties[field]; ok && v.Kind == storage.KindString {
			return ctx.Fulltext.Insert(ctx.Txn, n.ID, v.Str)
		}
	}
	return nil
}

func (g *generator) schemaVersion() uint8 { return g.sch.Version }

func (g *generator) nodeFields(label string) []schema.Field {
	if d := g.sch.Nodes[label]; d != nil {
		return d.Fields
	}
	return nil
}

func (g *generator) edgeFields(label string) []schema.Field {
	if d := g.sch.Edges[label]; d != nil {
		return d.Fields
	}
	return nil
}

func (g *generator) vectorFields(label string) []schema.Field {
	if d := g.sch.Vectors[label]; d != nil {
		return d.Fields
	}
	return nil
}

func (g *generator) compileSearchV(sv *SearchVExpr) (evalFn, error) {
	dataArg, err := g.vectorArg(sv.Data)
	if err != nil {
		return nil, err
	}
	kArg, err := g.intArg(sv.K)
	if err != nil {
		return nil, err
	}
	var filterEval evalFn
	if sv.Filter != nil {
		filterEval, err = g.compileExpr(sv.Filter)
		if err != nil {
			return nil, err
		}
	}
	label := sv.Label
	return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
		query, err := dataArg(ctx, anon)
		if err != nil {
			return nil, err
		}
		k, err := kArg(ctx)
		if err != nil {
			return nil, err
		}
		var filter vector.Filter
		var filterErr error
		if filterEval != nil {
			filter = func(v *storage.Vector) bool {
				vals, err := filterEval(ctx, []traversal.Value{traversal.VectorValue(v)})
				if err != nil {
					filterErr = err
					return false
				}
				return len(vals) > 0 && vals[0].Truthy()
			}
		}
		results, err := ctx.Vectors.Search(ctx.Txn, query, vector.SearchOptions{
			K:      int(k),
			Label:  label,
			Filter: filter,
		})
		if err != nil {
			return nil, err
		}
		if filterErr != nil {
			return nil, filterErr
		}
		out := make([]traversal.Value, 0, len(results))
		for _, v := range results {
			out = append(out, traversal.VectorValue(v))
		}
		return out, nil
	}, nil
}

func (g *generator) compileBM25(bm *BM25Expr) (evalFn, error) {
	queryArg, err := g.scalarArg(bm.Query)
	if err != nil {
		return nil, err
	}
	kArg, err := g.intArg(bm.K)
	if err != nil {
		return nil, err
	}
	label := bm.Label
	return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
		q, err := queryArg(ctx, anon)
		if err != nil {
			return nil, err
		}
		k, err := kArg(ctx)
		if err != nil {
			return nil, err
		}
		results, err := ctx.Fulltext.Search(ctx.Txn, q.Str, int(k))
		if err != nil {
			return nil, err
		}
		var out []traversal.Value
		for _, r := range results {
			n, err := ctx.ResolveNode(r.ID)
			if err != nil {
				if errors.Is(err, storage.ErrNodeNotFound) {
					continue
				}
				return nil, err
			}
			if label != "" && n.Label != label {
				continue
			}
			out = append(out, traversal.NodeValue(n))
		}
		return out, nil
	}, nil
}
