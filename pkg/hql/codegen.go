package hql

import (
	"fmt"
	"math"
	"strings"

	"github.com/helixgraph/helixdb/pkg/schema"
	"github.com/helixgraph/helixdb/pkg/storage"
	"github.com/helixgraph/helixdb/pkg/traversal"
)

// CompiledQuery is one query lowered into an executable pipeline. The facade
// opens the transaction (write when Mutating), seeds the context, and calls
// Run.
type CompiledQuery struct {
	Name     string
	Params   []QueryParam
	Mutating bool
	run      func(*traversal.Ctx) (any, error)
}

// Run executes the compiled query against an open context.
func (q *CompiledQuery) Run(ctx *traversal.Ctx) (any, error) {
	if ctx.Vars == nil {
		ctx.Vars = make(map[string][]traversal.Value)
	}
	return q.run(ctx)
}

// evalFn evaluates one expression. anon carries the outer traversal's
// element for anonymous continuations.
type evalFn func(ctx *traversal.Ctx, anon []traversal.Value) ([]traversal.Value, error)

// generator lowers one analyzed query.
type generator struct {
	sch *schema.Schema
	gq  *GeneratedQuery
}

// Generate lowers every analyzed query into its executable form.
func Generate(c *Compiled) ([]*CompiledQuery, error) {
	var out []*CompiledQuery
	for _, gq := range c.Queries {
		g := &generator{sch: c.Schema, gq: gq}
		cq, err := g.generate()
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", gq.Name, err)
		}
		out = append(out, cq)
	}
	return out, nil
}

func (g *generator) generate() (*CompiledQuery, error) {
	var runStmts []func(*traversal.Ctx) error
	var compileStatement func(stmt *Statement) (func(*traversal.Ctx) error, error)
	compileStatement = func(stmt *Statement) (func(*traversal.Ctx) error, error) {
		switch stmt.Kind {
		case StmtAssignment:
			eval, err := g.compileExpr(stmt.Expr)
			if err != nil {
				return nil, err
			}
			name := stmt.Name
			return func(ctx *traversal.Ctx) error {
				vals, err := eval(ctx, nil)
				if err != nil {
					return err
				}
				ctx.Vars[name] = vals
				return nil
			}, nil
		case StmtDrop:
			eval, err := g.compileExpr(stmt.Expr)
			if err != nil {
				return nil, err
			}
			drop := traversal.Drop()
			return func(ctx *traversal.Ctx) error {
				vals, err := eval(ctx, nil)
				if err != nil {
					return err
				}
				_, err = drop(ctx, vals)
				return err
			}, nil
		case StmtForLoop:
			collEval, err := g.compileExpr(stmt.Loop.In)
			if err != nil {
				return nil, err
			}
			var body []func(*traversal.Ctx) error
			for _, inner := range stmt.Loop.Body {
				fn, err := compileStatement(inner)
				if err != nil {
					return nil, err
				}
				body = append(body, fn)
			}
			loopVar := stmt.Loop.Var
			return func(ctx *traversal.Ctx) error {
				coll, err := collEval(ctx, nil)
				if err != nil {
					return err
				}
				for _, el := range coll {
					ctx.Vars[loopVar] = []traversal.Value{el}
					for _, fn := range body {
						if err := fn(ctx); err != nil {
							return err
						}
					}
				}
				delete(ctx.Vars, loopVar)
				return nil
			}, nil
		default:
			eval, err := g.compileExpr(stmt.Expr)
			if err != nil {
				return nil, err
			}
			return func(ctx *traversal.Ctx) error {
				_, err := eval(ctx, nil)
				return err
			}, nil
		}
	}

	for _, stmt := range g.gq.Decl.Statements {
		fn, err := compileStatement(stmt)
		if err != nil {
			return nil, err
		}
		runStmts = append(runStmts, fn)
	}

	type compiledReturn struct {
		name    string
		eval    evalFn
		collect traversal.Collect
	}
	var rets []compiledReturn
	for i, ret := range g.gq.Returns {
		eval, err := g.compileExpr(ret)
		if err != nil {
			return nil, err
		}
		rets = append(rets, compiledReturn{
			name:    returnName(ret, i),
			eval:    eval,
			collect: collectOf(g.gq.Collects[ret]),
		})
	}

	// Hoisted embeddings resolve once per query, before any statement runs.
	var embedTexts []evalFn
	for _, em := range g.gq.Embeds {
		arg, err := g.compileExpr(em.Args[0])
		if err != nil {
			return nil, err
		}
		embedTexts = append(embedTexts, arg)
	}

	cq := &CompiledQuery{
		Name:     g.gq.Name,
		Params:   g.gq.Params,
		Mutating: g.isMutating(),
	}
	single := len(rets) == 1
	cq.run = func(ctx *traversal.Ctx) (any, error) {
		if len(embedTexts) > 0 && ctx.Hoisted == nil {
			ctx.Hoisted = make(map[string][]float64)
		}
		for _, textEval := range embedTexts {
			vals, err := textEval(ctx, nil)
			if err != nil {
				return nil, err
			}
			text := scalarString(vals)
			if _, done := ctx.Hoisted[text]; done {
				continue
			}
			vec, err := ctx.Embed(text)
			if err != nil {
				return nil, err
			}
			ctx.Hoisted[text] = vec
		}
		for _, fn := range runStmts {
			if err := fn(ctx); err != nil {
				return nil, err
			}
		}
		if single {
			vals, err := rets[0].eval(ctx, nil)
			if err != nil {
				return nil, err
			}
			return traversal.Render(vals, rets[0].collect), nil
		}
		out := make(map[string]any, len(rets))
		for _, r := range rets {
			vals, err := r.eval(ctx, nil)
			if err != nil {
				return nil, err
			}
			out[r.name] = traversal.Render(vals, r.collect)
		}
		return out, nil
	}
	return cq, nil
}

func returnName(e *Expr, i int) string {
	switch e.Kind {
	case ExprIdent:
		return e.Ident
	case ExprTraversal:
		if e.Traversal.Source.Kind == StartIdent {
			return e.Traversal.Source.Ident
		}
	}
	return fmt.Sprintf("result_%d", i)
}

func collectOf(k CollectKind) traversal.Collect {
	switch k {
	case CollectToVec:
		return traversal.CollectVec
	case CollectToObj:
		return traversal.CollectObj
	case CollectToValue:
		return traversal.CollectValue
	case CollectTry:
		return traversal.CollectTry
	}
	return traversal.CollectNone
}

// isMutating reports whether any statement or return needs a write
// transaction. The outermost traversal kind bubbles up from the analyzer.
func (g *generator) isMutating() bool {
	for _, k := range g.gq.TraversalKinds {
		if k.IsMutating() {
			return true
		}
	}
	for _, stmt := range g.gq.Decl.Statements {
		if stmtMutates(stmt) {
			return true
		}
	}
	for _, ret := range g.gq.Returns {
		if exprMutates(ret) {
			return true
		}
	}
	return false
}

func stmtMutates(stmt *Statement) bool {
	switch stmt.Kind {
	case StmtDrop:
		return true
	case StmtForLoop:
		for _, inner := range stmt.Loop.Body {
			if stmtMutates(inner) {
				return true
			}
		}
		return exprMutates(stmt.Loop.In)
	default:
		return exprMutates(stmt.Expr)
	}
}

func exprMutates(e *Expr) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case ExprAddNode, ExprAddEdge, ExprAddVector:
		return true
	case ExprTraversal:
		if e.Traversal.Source.Kind == StartAdd {
			return true
		}
		for _, s := range e.Traversal.Steps {
			if s.Kind == StepUpdate || s.Kind == StepUpsert {
				return true
			}
		}
	}
	return false
}

func scalarString(vals []traversal.Value) string {
	if len(vals) == 1 && vals[0].Kind == traversal.KindScalar {
		return vals[0].Scalar.Str
	}
	return ""
}

// scalarOfBatch narrows a batch to its single scalar value.
func scalarOfBatch(vals []traversal.Value) (storage.Value, error) {
	if len(vals) == 0 {
		return storage.Empty(), nil
	}
	v := vals[0]
	switch v.Kind {
	case traversal.KindScalar:
		return v.Scalar, nil
	case traversal.KindCount:
		return storage.I64(v.Count), nil
	case traversal.KindNode:
		return storage.IDValue(v.Node.ID), nil
	case traversal.KindVector:
		return storage.IDValue(v.Vector.ID), nil
	}
	return storage.Empty(), fmt.Errorf("expected a scalar value")
}

func (g *generator) scalarArg(e *Expr) (func(*traversal.Ctx, []traversal.Value) (storage.Value, error), error) {
	eval, err := g.compileExpr(e)
	if err != nil {
		return nil, err
	}
	return func(ctx *traversal.Ctx, anon []traversal.Value) (storage.Value, error) {
		vals, err := eval(ctx, anon)
		if err != nil {
			return storage.Value{}, err
		}
		return scalarOfBatch(vals)
	}, nil
}

func (g *generator) intArg(e *Expr) (func(*traversal.Ctx) (int64, error), error) {
	arg, err := g.scalarArg(e)
	if err != nil {
		return nil, err
	}
	return func(ctx *traversal.Ctx) (int64, error) {
		v, err := arg(ctx, nil)
		if err != nil {
			return 0, err
		}
		if i, ok := v.AsI64(); ok {
			return i, nil
		}
		if f, ok := v.AsF64(); ok {
			return int64(f), nil
		}
		return 0, fmt.Errorf("expected an integer")
	}, nil
}

func (g *generator) floatArg(e *Expr) (func(*traversal.Ctx) (float64, error), error) {
	arg, err := g.scalarArg(e)
	if err != nil {
		return nil, err
	}
	return func(ctx *traversal.Ctx) (float64, error) {
		v, err := arg(ctx, nil)
		if err != nil {
			return 0, err
		}
		if f, ok := v.AsF64(); ok {
			return f, nil
		}
		return 0, fmt.Errorf("expected a number")
	}, nil
}

// vectorArg evaluates an expression into raw vector components.
func (g *generator) vectorArg(e *Expr) (func(*traversal.Ctx, []traversal.Value) ([]float64, error), error) {
	if e.Kind == ExprEmbed {
		textArg, err := g.scalarArg(e.Args[0])
		if err != nil {
			return nil, err
		}
		return func(ctx *traversal.Ctx, anon []traversal.Value) ([]float64, error) {
			text, err := textArg(ctx, anon)
			if err != nil {
				return nil, err
			}
			return ctx.Embed(text.Str)
		}, nil
	}
	arg, err := g.scalarArg(e)
	if err != nil {
		return nil, err
	}
	return func(ctx *traversal.Ctx, anon []traversal.Value) ([]float64, error) {
		v, err := arg(ctx, anon)
		if err != nil {
			return nil, err
		}
		if v.Kind != storage.KindArray {
			return nil, fmt.Errorf("expected a vector, got %s", v.Kind)
		}
		out := make([]float64, len(v.Arr))
		for i, el := range v.Arr {
			f, ok := el.AsF64()
			if !ok {
				return nil, fmt.Errorf("vector component %d is not numeric", i)
			}
			out[i] = f
		}
		return out, nil
	}, nil
}

// idArg evaluates an expression into a node id: an ID scalar, an id string,
// or an entity value.
func (g *generator) idArg(e *Expr) (func(*traversal.Ctx, []traversal.Value) (storage.ID, error), error) {
	eval, err := g.compileExpr(e)
	if err != nil {
		return nil, err
	}
	return func(ctx *traversal.Ctx, anon []traversal.Value) (storage.ID, error) {
		vals, err := eval(ctx, anon)
		if err != nil {
			return storage.NilID, err
		}
		if len(vals) == 0 {
			return storage.NilID, fmt.Errorf("expression produced no value")
		}
		return valueID(vals[0])
	}, nil
}

func valueID(v traversal.Value) (storage.ID, error) {
	if id, ok := v.ID(); ok {
		return id, nil
	}
	if v.Kind == traversal.KindScalar {
		switch v.Scalar.Kind {
		case storage.KindID:
			return v.Scalar.ID, nil
		case storage.KindString:
			return storage.ParseID(v.Scalar.Str)
		}
	}
	return storage.NilID, fmt.Errorf("value is not an id")
}

// compileProps compiles a mutation property object against declared fields,
// coercing literals and applying declared defaults.
func (g *generator) compileProps(props []*ObjectField, fields []schema.Field) (func(*traversal.Ctx, []traversal.Value) (storage.Properties, error), error) {
	type entry struct {
		name string
		eval func(*traversal.Ctx, []traversal.Value) (storage.Value, error)
		typ  *schema.Type
	}
	var entries []entry
	for _, p := range props {
		arg, err := g.scalarArg(p.Value)
		if err != nil {
			return nil, err
		}
		var ft *schema.Type
		if f := findDeclared(fields, p.Name); f != nil {
			ft = &f.Type
		}
		entries = append(entries, entry{name: p.Name, eval: arg, typ: ft})
	}
	defaults := storage.Properties{}
	for i := range fields {
		if fields[i].Default != nil {
			defaults[fields[i].Name] = *fields[i].Default
		}
	}
	return func(ctx *traversal.Ctx, anon []traversal.Value) (storage.Properties, error) {
		out := defaults.Clone()
		if out == nil {
			out = storage.Properties{}
		}
		for _, en := range entries {
			v, err := en.eval(ctx, anon)
			if err != nil {
				return nil, err
			}
			if en.typ != nil {
				if v, err = en.typ.Coerce(v); err != nil {
					return nil, err
				}
			}
			out[en.name] = v
		}
		return out, nil
	}, nil
}

func mathEval(name string, args []float64) float64 {
	switch name {
	case "abs":
		return math.Abs(args[0])
	case "ceil":
		return math.Ceil(args[0])
	case "floor":
		return math.Floor(args[0])
	case "sqrt":
		return math.Sqrt(args[0])
	case "pow":
		return math.Pow(args[0], args[1])
	case "min":
		return math.Min(args[0], args[1])
	case "max":
		return math.Max(args[0], args[1])
	}
	return math.NaN()
}

// compareOp applies one boolean terminator to a scalar.
func compareOp(op string, left, right storage.Value) (bool, error) {
	switch op {
	case "EQ":
		return storage.Equal(left, right), nil
	case "NEQ":
		return !storage.Equal(left, right), nil
	case "CONTAINS":
		if left.Kind == storage.KindString && right.Kind == storage.KindString {
			return strings.Contains(left.Str, right.Str), nil
		}
		if left.Kind == storage.KindArray {
			for _, el := range left.Arr {
				if storage.Equal(el, right) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("CONTAINS on %s", left.Kind)
	case "IS_IN":
		if right.Kind != storage.KindArray {
			return false, fmt.Errorf("IS_IN against %s", right.Kind)
		}
		for _, el := range right.Arr {
			if storage.Equal(left, el) {
				return true, nil
			}
		}
		return false, nil
	}
	c, err := storage.Compare(left, right)
	if err != nil {
		return false, err
	}
	switch op {
	case "GT":
		return c > 0, nil
	case "GTE":
		return c >= 0, nil
	case "LT":
		return c < 0, nil
	case "LTE":
		return c <= 0, nil
	}
	return false, fmt.Errorf("unknown comparison %q", op)
}
