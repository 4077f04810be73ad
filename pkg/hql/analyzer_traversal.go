package hql

import (
	"github.com/helixgraph/helixdb/pkg/schema"
	"github.com/helixgraph/helixdb/pkg/storage"
)

// checkTraversal types a traversal chain and records its traversal kind.
func (a *analyzer) checkTraversal(tr *Traversal, anon VType) VType {
	kind := TraversalRef
	cur := a.checkSource(tr.Source, anon, &kind)

	for i, step := range tr.Steps {
		cur = a.checkStep(tr, step, cur, i == len(tr.Steps)-1, &kind)
	}

	if _, tagged := a.query.TraversalKinds[tr]; !tagged {
		a.query.TraversalKinds[tr] = kind
	}
	return cur
}

func (a *analyzer) checkSource(src *StartStep, anon VType, kind *TraversalKind) VType {
	switch src.Kind {
	case StartNodes:
		decl, ok := a.sch.Nodes[src.Label]
		if !ok {
			a.diags.add(E101, src.Span, "node label %q is not declared", src.Label)
			return VType{Kind: VNodes, Label: src.Label}
		}
		if len(src.Index) > 0 {
			for _, f := range src.Index {
				df := decl.Field(f.Name)
				if df == nil {
					a.diags.add(E201, f.Span, "unknown field %q on %s", f.Name, src.Label)
					continue
				}
				if !df.Indexed {
					a.diags.addHint(E208, f.Span, "declare the field with INDEX", "lookup field %q on %s is not indexed", f.Name, src.Label)
				}
				vt := a.inferExpr(f.Value, VType{Kind: VEmpty})
				a.checkValueAgainst(vt, df.Type, f.Value)
			}
			return VType{Kind: VNodes, Label: src.Label}
		}
		if len(src.IDs) > 0 {
			for _, id := range src.IDs {
				it := a.inferExpr(id, VType{Kind: VEmpty})
				if it.Kind == VScalar && it.Scalar.Kind != storage.KindID && it.Scalar.Kind != storage.KindString {
					a.diags.add(E205, id.Span, "node lookup id is %s, not ID", it)
				}
			}
			if len(src.IDs) == 1 {
				return VType{Kind: VNode, Label: src.Label}
			}
		}
		return VType{Kind: VNodes, Label: src.Label}

	case StartEdges:
		if _, ok := a.sch.Edges[src.Label]; !ok {
			a.diags.add(E102, src.Span, "edge label %q is not declared", src.Label)
		}
		if len(src.IDs) == 1 {
			a.inferExpr(src.IDs[0], VType{Kind: VEmpty})
			return VType{Kind: VEdge, Label: src.Label}
		}
		return VType{Kind: VEdges, Label: src.Label}

	case StartVectors:
		if _, ok := a.sch.Vectors[src.Label]; !ok {
			a.diags.add(E103, src.Span, "vector label %q is not declared", src.Label)
		}
		if len(src.IDs) == 1 {
			a.inferExpr(src.IDs[0], VType{Kind: VEmpty})
			return VType{Kind: VVector, Label: src.Label}
		}
		return VType{Kind: VVectors, Label: src.Label}

	case StartIdent:
		info, ok := a.scope[src.Ident]
		if !ok {
			a.diags.add(E301, src.Span, "reference to unbound identifier %q", src.Ident)
			return VType{Kind: VUnknown}
		}
		info.refs++
		if info.typ.isPlural() {
			*kind = TraversalFromIter
		} else {
			*kind = TraversalFromSingle
		}
		return info.typ

	case StartAnon:
		if anon.Kind == VEmpty || anon.Kind == VUnknown {
			a.diags.add(E655, src.Span, "anonymous traversal is only valid inside a filter or closure")
			return VType{Kind: VUnknown}
		}
		return anon.intoSingle()

	case StartSearchV:
		return a.checkSearchV(src.SearchV)

	case StartBM25:
		return a.checkBM25(src.BM25)

	case StartAdd:
		*kind = TraversalMut
		return a.checkAdd(src.Add, src.Span)
	}
	return VType{Kind: VUnknown}
}

func (a *analyzer) checkStep(tr *Traversal, step *Step, cur VType, isTail bool, kind *TraversalKind) VType {
	switch step.Kind {
	case StepOut, StepIn:
		if cur.Kind != VNode && cur.Kind != VNodes && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "graph navigation requires nodes, got %s", cur)
			return VType{Kind: VUnknown}
		}
		decl, ok := a.sch.Edges[step.Label]
		if !ok {
			a.diags.add(E102, step.Span, "edge label %q is not declared", step.Label)
			return VType{Kind: VNodes}
		}
		if step.Kind == StepOut {
			return VType{Kind: VNodes, Label: decl.To}
		}
		return VType{Kind: VNodes, Label: decl.From}

	case StepOutE, StepInE:
		if cur.Kind != VNode && cur.Kind != VNodes && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "graph navigation requires nodes, got %s", cur)
			return VType{Kind: VUnknown}
		}
		if _, ok := a.sch.Edges[step.Label]; !ok {
			a.diags.add(E102, step.Span, "edge label %q is not declared", step.Label)
		}
		return VType{Kind: VEdges, Label: step.Label}

	case StepToN, StepFromN:
		if cur.Kind != VEdge && cur.Kind != VEdges && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "endpoint step requires edges, got %s", cur)
			return VType{Kind: VUnknown}
		}
		decl := a.sch.Edges[cur.Label]
		label := ""
		if decl != nil {
			if step.Kind == StepToN {
				label = decl.To
			} else {
				label = decl.From
			}
		}
		if cur.Kind == VEdge {
			return VType{Kind: VNode, Label: label}
		}
		return VType{Kind: VNodes, Label: label}

	case StepShortestPath:
		if cur.Kind != VNode && cur.Kind != VNodes && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "shortest path requires a node source, got %s", cur)
		}
		if _, ok := a.sch.Edges[step.Label]; !ok {
			a.diags.add(E102, step.Span, "edge label %q is not declared", step.Label)
		}
		tt := a.inferExpr(step.SPTo, VType{Kind: VEmpty})
		a.checkEndpoint(tt, step.SPTo.Span)
		return VType{Kind: VPath}

	case StepWhere:
		ct := a.inferExpr(step.Where, cur)
		if ct.Kind != VBoolean && ct.Kind != VUnknown {
			a.diags.add(E614, step.Where.Span, "WHERE condition is %s, not Boolean", ct)
		}
		return cur

	case StepProject:
		if !cur.isEntity() && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "projection requires an entity, got %s", cur)
			return VType{Kind: VUnknown}
		}
		var single schema.Type
		for _, f := range step.Fields {
			if f.Nested != nil {
				a.inferExpr(f.Nested, cur)
				continue
			}
			ft, ok := a.fieldTypeOn(cur, f.Name)
			if !ok {
				a.diags.add(E202, f.Span, "field %q is not declared on %s", f.Name, cur)
				continue
			}
			single = ft
		}
		if len(step.Fields) == 1 && step.Fields[0].Nested == nil {
			out := VType{Kind: VScalar, Scalar: single}
			if cur.isPlural() {
				elem := out
				return VType{Kind: VArray, Elem: &elem}
			}
			return out
		}
		if cur.isPlural() {
			elem := VType{Kind: VObject}
			return VType{Kind: VArray, Elem: &elem}
		}
		return VType{Kind: VObject}

	case StepExclude:
		if !cur.isEntity() && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "exclusion requires an entity, got %s", cur)
		}
		if !isTail && !a.excludeFollowedByShape(tr, step) {
			a.diags.add(E613, step.Span, "exclusion must be at the tail or before a projection or closure")
		}
		for _, name := range step.Exclude {
			if _, ok := a.fieldTypeOn(cur, name); !ok {
				a.diags.add(E202, step.Span, "field %q is not declared on %s", name, cur)
			}
		}
		return cur

	case StepCount:
		return VType{Kind: VCount}

	case StepRange:
		for _, bound := range []*Expr{step.Lo, step.Hi} {
			bt := a.inferExpr(bound, VType{Kind: VEmpty})
			if bt.Kind == VScalar && !bt.Scalar.Kind.IsInt() {
				a.diags.add(E611, bound.Span, "range bound is %s, not an integer", bt)
			}
		}
		return cur

	case StepOrderBy:
		ot := a.inferExpr(step.OrderBy, cur)
		switch ot.Kind {
		case VScalar, VArray, VUnknown:
		default:
			a.diags.add(E612, step.OrderBy.Span, "order-by target is %s, not an orderable traversal", ot)
		}
		return cur

	case StepGroupBy, StepAggregateBy:
		if cur.Kind != VNodes && cur.Kind != VEdges && cur.Kind != VVectors && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "aggregation requires a collection, got %s", cur)
		}
		for _, f := range step.Fields {
			if _, ok := a.fieldTypeOn(cur, f.Name); !ok {
				a.diags.add(E202, f.Span, "field %q is not declared on %s", f.Name, cur)
			}
		}
		return VType{Kind: VAggregate, IsCount: step.Kind == StepAggregateBy, GroupBy: step.Kind == StepGroupBy}

	case StepBoolOp:
		at := a.inferExpr(step.BoolArg, VType{Kind: VEmpty})
		if cur.Kind == VScalar || (cur.Kind == VArray && cur.Elem != nil && cur.Elem.Kind == VScalar) {
			base := cur
			if cur.Kind == VArray {
				base = *cur.Elem
			}
			if at.Kind == VScalar && step.BoolOp != "IS_IN" && step.BoolOp != "CONTAINS" {
				if base.Scalar.Kind.IsNumeric() != at.Scalar.Kind.IsNumeric() ||
					(!base.Scalar.Kind.IsNumeric() && base.Scalar.Kind != at.Scalar.Kind &&
						!(base.Scalar.Kind == storage.KindID && at.Scalar.Kind == storage.KindString) &&
						!(base.Scalar.Kind == storage.KindDate && at.Scalar.Kind == storage.KindString)) {
					a.diags.add(E205, step.BoolArg.Span, "comparison between %s and %s", base.Scalar, at.Scalar)
				}
			}
			if step.BoolOp == "IS_IN" && at.Kind != VArray && at.Kind != VUnknown {
				a.diags.add(E205, step.BoolArg.Span, "IS_IN requires an array, got %s", at)
			}
		} else if cur.Kind == VCount {
			if at.Kind == VScalar && !at.Scalar.Kind.IsNumeric() {
				a.diags.add(E205, step.BoolArg.Span, "count comparison against %s", at)
			}
		} else if cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "boolean terminator requires a scalar tail, got %s", cur)
		}
		return VType{Kind: VBoolean}

	case StepUpdate:
		if !cur.isEntity() && cur.Kind != VUnknown {
			a.diags.add(E304, step.Span, "UPDATE requires an entity subject, got %s", cur)
			return cur
		}
		a.checkMutationFields(step.Update, cur)
		*kind = TraversalUpdate
		return cur

	case StepUpsert:
		switch step.Entity {
		case 'N':
			if cur.Kind != VNode && cur.Kind != VNodes && cur.Kind != VUnknown {
				a.diags.add(E621, step.Span, "UpsertN requires nodes, got %s", cur)
			}
			*kind = TraversalUpsertN
		case 'E':
			if cur.Kind != VEdge && cur.Kind != VEdges && cur.Kind != VUnknown {
				a.diags.add(E621, step.Span, "UpsertE requires edges, got %s", cur)
			}
			*kind = TraversalUpsertE
		case 'V':
			if cur.Kind != VVector && cur.Kind != VVectors && cur.Kind != VUnknown {
				a.diags.add(E621, step.Span, "UpsertV requires vectors, got %s", cur)
			}
			*kind = TraversalUpsertV
		}
		a.checkMutationFields(step.Update, cur)
		return cur

	case StepRerankRRF:
		if !cur.isPlural() && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "RERANK_RRF requires a collection, got %s", cur)
		}
		if step.KArg != nil {
			kt := a.inferExpr(step.KArg, VType{Kind: VEmpty})
			if kt.Kind == VScalar && !kt.Scalar.Kind.IsNumeric() {
				a.diags.add(E205, step.KArg.Span, "RERANK_RRF k is %s, not numeric", kt)
			}
		}
		return cur

	case StepRerankMMR:
		if cur.Kind != VVectors && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "RERANK_MMR requires vectors, got %s", cur)
		}
		lt := a.inferExpr(step.Lambda, VType{Kind: VEmpty})
		if lt.Kind == VScalar && !lt.Scalar.Kind.IsNumeric() {
			a.diags.add(E205, step.Lambda.Span, "RERANK_MMR lambda is %s, not numeric", lt)
		}
		return cur

	case StepFirst:
		return cur.intoSingle()

	case StepID:
		if !cur.isEntity() && cur.Kind != VUnknown {
			a.diags.add(E621, step.Span, "ID requires an entity, got %s", cur)
		}
		idType := scalarOf(storage.KindID)
		if cur.isPlural() {
			return VType{Kind: VArray, Elem: &idType}
		}
		return idType

	case StepClosure:
		if _, exists := a.scope[step.Closure.Param]; exists {
			a.diags.add(E659, step.Span, "closure parameter %q shadows an existing variable", step.Closure.Param)
		}
		elem := cur.intoSingle()
		a.scope[step.Closure.Param] = &varInfo{typ: elem}
		for _, f := range step.Closure.Fields {
			if f.Nested != nil {
				a.inferExpr(f.Nested, elem)
			} else if _, ok := a.fieldTypeOn(elem, f.Name); !ok {
				a.diags.add(E202, f.Span, "field %q is not declared on %s", f.Name, elem)
			}
		}
		delete(a.scope, step.Closure.Param)
		if cur.isPlural() {
			obj := VType{Kind: VObject}
			return VType{Kind: VArray, Elem: &obj}
		}
		return VType{Kind: VObject}
	}
	return VType{Kind: VUnknown}
}

// excludeFollowedByShape allows ::!{...} immediately before a projection or
// closure.
func (a *analyzer) excludeFollowedByShape(tr *Traversal, step *Step) bool {
	for i, s := range tr.Steps {
		if s == step && i+1 < len(tr.Steps) {
			next := tr.Steps[i+1].Kind
			return next == StepProject || next == StepClosure
		}
	}
	return false
}

func (a *analyzer) checkMutationFields(fields []*ObjectField, cur VType) {
	decl := a.declaredFields(cur)
	for _, f := range fields {
		df := findDeclared(decl, f.Name)
		if df == nil && !isReservedFor(cur, f.Name) {
			if decl != nil {
				a.diags.add(E201, f.Span, "unknown field %q on %s", f.Name, cur)
			}
			a.inferExpr(f.Value, VType{Kind: VEmpty})
			continue
		}
		vt := a.inferExpr(f.Value, VType{Kind: VEmpty})
		if df != nil {
			a.checkValueAgainst(vt, df.Type, f.Value)
		}
	}
}

func isReservedFor(t VType, name string) bool {
	switch t.Kind {
	case VEdge, VEdges:
		return storage.IsReservedEdgeProp(name)
	case VVector, VVectors:
		return storage.IsReservedVectorProp(name)
	default:
		return storage.IsReservedNodeProp(name)
	}
}

func (a *analyzer) declaredFields(t VType) []schema.Field {
	switch t.Kind {
	case VNode, VNodes:
		if d := a.sch.Nodes[t.Label]; d != nil {
			return d.Fields
		}
	case VEdge, VEdges:
		if d := a.sch.Edges[t.Label]; d != nil {
			return d.Fields
		}
	case VVector, VVectors:
		if d := a.sch.Vectors[t.Label]; d != nil {
			return d.Fields
		}
	}
	return nil
}

// fieldTypeOn resolves a field against reserved names first, then the schema.
func (a *analyzer) fieldTypeOn(t VType, name string) (schema.Type, bool) {
	if rt, ok := reservedFieldType(t, name); ok {
		return rt, true
	}
	for _, f := range a.declaredFields(t) {
		if f.Name == name {
			return f.Type, true
		}
	}
	// Unknown label: stay permissive, the label error was already recorded.
	if t.Label == "" || t.Kind == VUnknown {
		return schema.Type{}, true
	}
	return schema.Type{}, false
}
