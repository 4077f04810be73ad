package hql

import (
	"fmt"

	"github.com/helixgraph/helixdb/pkg/storage"
	"github.com/helixgraph/helixdb/pkg/traversal"
	"github.com/helixgraph/helixdb/pkg/vector"
)

// compileTraversal lowers a traversal chain into a pipeline evaluator. Each
// step corresponds directly to a storage primitive; the source decides
// between reference and materializing strategies based on the analyzer's
// reuse hints.
func (g *generator) compileTraversal(tr *Traversal) (evalFn, error) {
	source, err := g.compileSource(tr.Source)
	if err != nil {
		return nil, err
	}
	var steps []traversal.Step
	for _, st := range tr.Steps {
		step, err := g.compileStep(st, tr.Source.Label)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
		vals, err := source(ctx, anon)
		if err != nil {
			return nil, err
		}
		for _, step := range steps {
			vals, err = step(ctx, vals)
			if err != nil {
				return nil, err
			}
		}
		return vals, nil
	}, nil
}

func (g *generator) compileSource(src *StartStep) (evalFn, error) {
	switch src.Kind {
	case StartNodes:
		if len(src.Index) > 0 {
			f := src.Index[0]
			valueArg, err := g.scalarArg(f.Value)
			if err != nil {
				return nil, err
			}
			source := traversal.NodesByIndex(src.Label, f.Name, func(ctx *traversal.Ctx) (storage.Value, error) {
				return valueArg(ctx, nil)
			})
			return func(ctx *traversal.Ctx, _ []traversal.Value) ([]traversal.Value, error) {
				return source(ctx)
			}, nil
		}
		if len(src.IDs) > 0 {
			var idArgs []func(*traversal.Ctx, []traversal.Value) (storage.ID, error)
			for _, idExpr := range src.IDs {
				arg, err := g.idArg(idExpr)
				if err != nil {
					return nil, err
				}
				idArgs = append(idArgs, arg)
			}
			source := traversal.NodesByID(src.Label, func(ctx *traversal.Ctx) ([]storage.ID, error) {
				out := make([]storage.ID, 0, len(idArgs))
				for _, arg := range idArgs {
					id, err := arg(ctx, nil)
					if err != nil {
						return nil, err
					}
					out = append(out, id)
				}
				return out, nil
			})
			return func(ctx *traversal.Ctx, _ []traversal.Value) ([]traversal.Value, error) {
				return source(ctx)
			}, nil
		}
		source := traversal.NodesOfLabel(src.Label)
		return func(ctx *traversal.Ctx, _ []traversal.Value) ([]traversal.Value, error) {
			return source(ctx)
		}, nil

	case StartEdges:
		source := traversal.EdgesOfLabel(src.Label)
		return func(ctx *traversal.Ctx, _ []traversal.Value) ([]traversal.Value, error) {
			return source(ctx)
		}, nil

	case StartVectors:
		source := traversal.VectorsOfLabel(src.Label)
		return func(ctx *traversal.Ctx, _ []traversal.Value) ([]traversal.Value, error) {
			return source(ctx)
		}, nil

	case StartIdent:
		name := src.Ident
		// Reused variables are copied so the traversal borrows rather than
		// consuming the binding.
		reused := g.gq.Reused[name]
		return func(ctx *traversal.Ctx, _ []traversal.Value) ([]traversal.Value, error) {
			vals, ok := ctx.Vars[name]
			if !ok {
				if p, pok := ctx.Params[name]; pok {
					return []traversal.Value{traversal.ScalarValue(p)}, nil
				}
				return nil, fmt.Errorf("unbound identifier %q", name)
			}
			if reused {
				out := make([]traversal.Value, len(vals))
				copy(out, vals)
				return out, nil
			}
			return vals, nil
		}, nil

	case StartAnon:
		return func(_ *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error) {
			return anon, nil
		}, nil

	case StartSearchV:
		return g.compileSearchV(src.SearchV)

	case StartBM25:
		return g.compileBM25(src.BM25)

	case StartAdd:
		return g.compileAdd(src.Add)
	}
	return nil, fmt.Errorf("unsupported traversal source")
}

func (g *generator) compileStep(st *Step, sourceLabel string) (traversal.Step, error) {
	switch st.Kind {
	case StepOut:
		return traversal.Out(st.Label), nil
	case StepIn:
		return traversal.In(st.Label), nil
	case StepOutE:
		return traversal.OutE(st.Label), nil
	case StepInE:
		return traversal.InE(st.Label), nil
	case StepToN:
		return traversal.ToN(), nil
	case StepFromN:
		return traversal.FromN(), nil
	case StepCount:
		return traversal.Count(), nil
	case StepFirst:
		return traversal.First(), nil
	case StepID:
		return traversal.IDs(), nil

	case StepWhere:
		cond, err := g.compileExpr(st.Where)
		if err != nil {
			return nil, err
		}
		return traversal.Where(func(ctx *traversal.Ctx, v traversal.Value) (bool, error) {
			vals, err := cond(ctx, []traversal.Value{v})
			if err != nil {
				return false, err
			}
			return len(vals) > 0 && vals[0].Truthy(), nil
		}), nil

	case StepProject:
		fields, err := g.compileProjFields(st.Fields)
		if err != nil {
			return nil, err
		}
		return traversal.Project(fields), nil

	case StepExclude:
		return traversal.Exclude(st.Exclude), nil

	case StepRange:
		loArg, err := g.intArg(st.Lo)
		if err != nil {
			return nil, err
		}
		hiArg, err := g.intArg(st.Hi)
		if err != nil {
			return nil, err
		}
		return traversal.Range(func(ctx *traversal.Ctx) (int64, int64, error) {
			lo, err := loArg(ctx)
			if err != nil {
				return 0, 0, err
			}
			hi, err := hiArg(ctx)
			if err != nil {
				return 0, 0, err
			}
			return lo, hi, nil
		}), nil

	case StepOrderBy:
		key, err := g.compileExpr(st.OrderBy)
		if err != nil {
			return nil, err
		}
		return traversal.OrderBy(func(ctx *traversal.Ctx, v traversal.Value) (storage.Value, error) {
			vals, err := key(ctx, []traversal.Value{v})
			if err != nil {
				return storage.Empty(), err
			}
			return scalarOfBatch(vals)
		}, st.Desc), nil

	case StepGroupBy, StepAggregateBy:
		names := make([]string, len(st.Fields))
		for i, f := range st.Fields {
			names[i] = f.Name
		}
		return traversal.GroupBy(names, st.Kind == StepAggregateBy), nil

	case StepBoolOp:
		arg, err := g.scalarArg(st.BoolArg)
		if err != nil {
			return nil, err
		}
		op := st.BoolOp
		return func(ctx *traversal.Ctx, in []traversal.Value) ([]traversal.Value, error) {
			right, err := arg(ctx, nil)
			if err != nil {
				return nil, err
			}
			if len(in) == 0 {
				return boolBatch(false), nil
			}
			for _, v := range in {
				left, err := scalarOfBatch([]traversal.Value{v})
				if err != nil {
					return nil, err
				}
				ok, err := compareOp(op, left, right)
				if err != nil {
					return nil, err
				}
				if !ok {
					return boolBatch(false), nil
				}
			}
			return boolBatch(true), nil
		}, nil

	case StepUpdate:
		patch, err := g.compilePatch(st.Update)
		if err != nil {
			return nil, err
		}
		return traversal.Update(patch), nil

	case StepUpsert:
		return g.compileUpsert(st, sourceLabel)

	case StepRerankRRF:
		var kArg func(*traversal.Ctx) (float64, error)
		if st.KArg != nil {
			var err error
			kArg, err = g.floatArg(st.KArg)
			if err != nil {
				return nil, err
			}
		}
		return traversal.RerankRRF(kArg), nil

	case StepRerankMMR:
		lambdaArg, err := g.floatArg(st.Lambda)
		if err != nil {
			return nil, err
		}
		return traversal.RerankMMR(lambdaArg, vector.L2), nil

	case StepShortestPath:
		toArg, err := g.idArg(st.SPTo)
		if err != nil {
			return nil, err
		}
		return traversal.ShortestPath(st.Label, func(ctx *traversal.Ctx) (storage.ID, error) {
			return toArg(ctx, nil)
		}), nil

	case StepClosure:
		return g.compileClosure(st.Closure)
	}
	return nil, fmt.Errorf("unsupported traversal step")
}

func (g *generator) compileProjFields(fields []*ProjectField) ([]traversal.ProjField, error) {
	var out []traversal.ProjField
	for _, f := range fields {
		pf := traversal.ProjField{Name: f.Name}
		if f.Nested != nil {
			nested, err := g.compileExpr(f.Nested)
			if err != nil {
				return nil, err
			}
			pf.Compute = func(ctx *traversal.Ctx, v traversal.Value) (storage.Value, error) {
				vals, err := nested(ctx, []traversal.Value{v})
				if err != nil {
					return storage.Empty(), err
				}
				return traversal.ToScalar(vals), nil
			}
		}
		out = append(out, pf)
	}
	return out, nil
}

func (g *generator) compilePatch(fields []*ObjectField) (func(*traversal.Ctx, traversal.Value) (storage.Properties, error), error) {
	type entry struct {
		name string
		eval func(*traversal.Ctx, []traversal.Value) (storage.Value, error)
	}
	var entries []entry
	for _, f := range fields {
		arg, err := g.scalarArg(f.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{name: f.Name, eval: arg})
	}
	return func(ctx *traversal.Ctx, v traversal.Value) (storage.Properties, error) {
		out := storage.Properties{}
		for _, en := range entries {
			val, err := en.eval(ctx, []traversal.Value{v})
			if err != nil {
				return nil, err
			}
			out[en.name] = val
		}
		return out, nil
	}, nil
}

func (g *generator) compileClosure(cl *Closure) (traversal.Step, error) {
	fields, err := g.compileProjFields(cl.Fields)
	if err != nil {
		return nil, err
	}
	param := cl.Param
	inner := traversal.Project(fields)
	return func(ctx *traversal.Ctx, in []traversal.Value) ([]traversal.Value, error) {
		var out []traversal.Value
		for _, v := range in {
			ctx.Vars[param] = []traversal.Value{v}
			projected, err := inner(ctx, []traversal.Value{v})
			if err != nil {
				delete(ctx.Vars, param)
				return nil, err
			}
			out = append(out, projected...)
		}
		delete(ctx.Vars, param)
		return out, nil
	}, nil
}

// compileUpsert lowers UpsertN/E/V: update each incoming entity, creating
// when the traversal matched nothing.
func (g *generator) compileUpsert(st *Step, sourceLabel string) (traversal.Step, error) {
	patch, err := g.compilePatch(st.Update)
	if err != nil {
		return nil, err
	}
	entity := st.Entity
	version := g.schemaVersion()
	update := traversal.Update(patch)
	return func(ctx *traversal.Ctx, in []traversal.Value) ([]traversal.Value, error) {
		if len(in) > 0 {
			return update(ctx, in)
		}
		props, err := patch(ctx, traversal.Value{Kind: traversal.KindEmpty})
		if err != nil {
			return nil, err
		}
		switch entity {
		case 'N':
			n, err := ctx.Engine.UpsertNode(ctx.Txn, version, sourceLabel, "", props)
			if err != nil {
				return nil, err
			}
			return []traversal.Value{traversal.NodeValue(n)}, nil
		case 'E':
			return nil, storage.ErrMissingEndpoint
		case 'V':
			return nil, fmt.Errorf("UpsertV with no matched vector requires data")
		}
		return nil, fmt.Errorf("unknown upsert entity")
	}, nil
}
