package hql

import (
	"github.com/helixgraph/helixdb/pkg/schema"
	"github.com/helixgraph/helixdb/pkg/storage"
)

// QueryParam is one analyzed query parameter.
type QueryParam struct {
	Name string
	Type schema.Type
}

// GeneratedQuery is the typed IR of one query: the original statements plus
// the annotations the code generator consumes.
type GeneratedQuery struct {
	Name    string
	Decl    *QueryDecl
	Params  []QueryParam
	Returns []*Expr

	ExprTypes      map[*Expr]VType
	TraversalKinds map[*Traversal]TraversalKind
	Collects       map[*Expr]CollectKind
	Reused         map[string]bool
	Embeds         []*Expr // Embed(x) expressions hoisted to query level
}

// Compiled is the analyzer output for one source file.
type Compiled struct {
	Schema     *schema.Schema
	Migrations []*schema.Migration
	Queries    []*GeneratedQuery
}

// Analyze type-checks a parsed source against its own schema declarations
// and produces the typed IR. Every rule violation is collected; analysis
// continues past errors so the user sees them all in one pass.
func Analyze(src *Source, version uint8) (*Compiled, Diagnostics) {
	a := &analyzer{}
	sch := a.buildSchema(src, version)
	migrations := a.buildMigrations(src, sch)

	out := &Compiled{Schema: sch, Migrations: migrations}
	for _, q := range src.Queries {
		out.Queries = append(out.Queries, a.analyzeQuery(q))
	}
	if a.diags.HasErrors() {
		return out, a.diags
	}
	return out, nil
}

type varInfo struct {
	typ  VType
	refs int
}

type analyzer struct {
	sch   *schema.Schema
	diags Diagnostics

	// per-query state
	scope map[string]*varInfo
	query *GeneratedQuery
}

// buildSchema converts declarations into the schema model, validating types
// and defaults.
func (a *analyzer) buildSchema(src *Source, version uint8) *schema.Schema {
	sch := schema.NewSchema(version)
	for _, d := range src.Nodes {
		decl := &schema.NodeDecl{Name: d.Name}
		decl.Fields = a.buildFields(d.Fields)
		sch.Nodes[d.Name] = decl
	}
	for _, d := range src.Edges {
		decl := &schema.EdgeDecl{Name: d.Name, From: d.From, To: d.To}
		decl.Fields = a.buildFields(d.Fields)
		if _, ok := sch.Nodes[d.From]; !ok {
			a.diags.add(E101, d.Span, "edge %s: from-node type %q is not declared", d.Name, d.From)
		}
		if _, ok := sch.Nodes[d.To]; !ok {
			a.diags.add(E101, d.Span, "edge %s: to-node type %q is not declared", d.Name, d.To)
		}
		sch.Edges[d.Name] = decl
	}
	for _, d := range src.Vectors {
		decl := &schema.VectorDecl{Name: d.Name}
		decl.Fields = a.buildFields(d.Fields)
		sch.Vectors[d.Name] = decl
	}
	a.sch = sch
	return sch
}

func (a *analyzer) buildFields(decls []*FieldDecl) []schema.Field {
	var out []schema.Field
	for _, fd := range decls {
		typ, err := typeFromTypeExpr(fd.Type)
		if err != nil {
			a.diags.add(E205, fd.Span, "field %s: %v", fd.Name, err)
			continue
		}
		f := schema.Field{Name: fd.Name, Type: typ, Indexed: fd.Indexed, Nullable: fd.Nullable}
		if fd.Default != nil {
			v, ok := a.constValue(fd.Default, typ)
			if !ok {
				a.diags.add(E206, fd.Default.Span, "field %s: default must be a literal", fd.Name)
			} else {
				f.Default = &v
			}
		}
		out = append(out, f)
	}
	return out
}

// constValue evaluates a literal expression against a declared type.
func (a *analyzer) constValue(e *Expr, typ schema.Type) (storage.Value, bool) {
	switch e.Kind {
	case ExprLit:
		v := literalValue(e.Lit)
		if typ.Kind == storage.KindDate && v.Kind == storage.KindString {
			if _, err := storage.ParseDate(v.Str); err != nil {
				a.diags.add(E501, e.Span, "string %q is not a parseable date", v.Str)
				return storage.Value{}, false
			}
		}
		if !typ.Matches(v) {
			a.diags.add(E205, e.Span, "literal %s does not match declared type %s", v.Kind, typ)
			return storage.Value{}, false
		}
		coerced, err := typ.Coerce(v)
		if err != nil {
			a.diags.add(E205, e.Span, "literal: %v", err)
			return storage.Value{}, false
		}
		return coerced, true
	case ExprArray:
		arr := make([]storage.Value, 0, len(e.Args))
		elemType := schema.Scalar(storage.KindF64)
		if typ.Kind == storage.KindArray && typ.Elem != nil {
			elemType = *typ.Elem
		}
		for _, el := range e.Args {
			v, ok := a.constValue(el, elemType)
			if !ok {
				return storage.Value{}, false
			}
			arr = append(arr, v)
		}
		return storage.Array(arr), true
	}
	return storage.Value{}, false
}

func literalValue(l *Literal) storage.Value {
	switch {
	case l.IsInt:
		return storage.I64(l.Int)
	case l.IsFloat:
		return storage.F64(l.Float)
	case l.IsStr:
		return storage.Str(l.Str)
	case l.IsBool:
		return storage.BoolValue(l.Bool)
	}
	return storage.Empty()
}

// buildMigrations converts migration declarations into registry entries.
func (a *analyzer) buildMigrations(src *Source, sch *schema.Schema) []*schema.Migration {
	var out []*schema.Migration
	for _, d := range src.Migrations {
		m := &schema.Migration{FromVersion: uint8(d.FromVersion), ToVersion: uint8(d.ToVersion)}
		for _, item := range d.Items {
			entity := schema.EntityNode
			switch item.Entity {
			case 'E':
				entity = schema.EntityEdge
			case 'V':
				entity = schema.EntityVector
			}
			im := schema.ItemMigration{Entity: entity, Label: item.Label}
			for _, op := range item.Ops {
				switch op.Kind {
				case "DROP":
					im.Ops = append(im.Ops, schema.FieldOp{Kind: schema.OpDrop, Field: op.Field})
				case "RENAME":
					im.Ops = append(im.Ops, schema.FieldOp{Kind: schema.OpRename, Field: op.Field, NewName: op.NewName})
				case "DEFAULT":
					typ := schema.Scalar(storage.KindF64)
					if decl := a.declaredFieldType(entity, item.Label, op.Field); decl != nil {
						typ = *decl
					}
					v, ok := a.constValue(op.Arg, typ)
					if !ok {
						continue
					}
					im.Ops = append(im.Ops, schema.FieldOp{Kind: schema.OpDefault, Field: op.Field, Default: v})
				case "CAST":
					typ, err := typeFromTypeExpr(op.TypeArg)
					if err != nil {
						a.diags.add(E205, op.Span, "cast: %v", err)
						continue
					}
					im.Ops = append(im.Ops, schema.FieldOp{Kind: schema.OpCast, Field: op.Field, CastTo: typ})
				}
			}
			m.Items = append(m.Items, im)
		}
		out = append(out, m)
	}
	return out
}

func (a *analyzer) declaredFieldType(entity schema.EntityKind, label, field string) *schema.Type {
	var f *schema.Field
	switch entity {
	case schema.EntityNode:
		if d := a.sch.Nodes[label]; d != nil {
			f = d.Field(field)
		}
	case schema.EntityEdge:
		if d := a.sch.Edges[label]; d != nil {
			f = d.Field(field)
		}
	case schema.EntityVector:
		if d := a.sch.Vectors[label]; d != nil {
			f = d.Field(field)
		}
	}
	if f == nil {
		return nil
	}
	return &f.Type
}

func (a *analyzer) analyzeQuery(q *QueryDecl) *GeneratedQuery {
	gq := &GeneratedQuery{
		Name:           q.Name,
		Decl:           q,
		Returns:        q.Returns,
		ExprTypes:      make(map[*Expr]VType),
		TraversalKinds: make(map[*Traversal]TraversalKind),
		Collects:       make(map[*Expr]CollectKind),
		Reused:         make(map[string]bool),
	}
	a.query = gq
	a.scope = make(map[string]*varInfo)

	for _, p := range q.Params {
		typ, err := typeFromTypeExpr(p.Type)
		if err != nil {
			a.diags.add(E205, p.Span, "parameter %s: %v", p.Name, err)
			typ = schema.Scalar(storage.KindString)
		}
		gq.Params = append(gq.Params, QueryParam{Name: p.Name, Type: typ})
		a.scope[p.Name] = &varInfo{typ: paramVType(typ)}
	}

	for _, stmt := range q.Statements {
		a.analyzeStatement(stmt)
	}
	for _, ret := range q.Returns {
		t := a.inferExpr(ret, VType{Kind: VEmpty})
		gq.Collects[ret] = collectFor(t)
	}

	for name, info := range a.scope {
		if info.refs > 1 {
			gq.Reused[name] = true
		}
	}
	return gq
}

func paramVType(t schema.Type) VType {
	if t.Kind == storage.KindArray && t.Elem != nil {
		elem := paramVType(*t.Elem)
		return VType{Kind: VArray, Elem: &elem}
	}
	return VType{Kind: VScalar, Scalar: t}
}

func collectFor(t VType) CollectKind {
	switch t.Kind {
	case VNodes, VEdges, VVectors, VArray:
		return CollectToVec
	case VNode, VEdge, VVector:
		return CollectTry
	case VObject, VAggregate:
		return CollectToObj
	case VEmpty:
		return CollectNone
	}
	return CollectToValue
}

func (a *analyzer) analyzeStatement(stmt *Statement) {
	switch stmt.Kind {
	case StmtAssignment:
		t := a.inferExpr(stmt.Expr, VType{Kind: VEmpty})
		a.scope[stmt.Name] = &varInfo{typ: t}
	case StmtDrop:
		t := a.inferExpr(stmt.Expr, VType{Kind: VEmpty})
		if !t.isEntity() {
			a.diags.add(E655, stmt.Span, "DROP target must be a node, edge, or vector traversal, got %s", t)
		}
		if stmt.Expr.Kind == ExprTraversal {
			a.query.TraversalKinds[stmt.Expr.Traversal] = TraversalMut
		}
	case StmtForLoop:
		coll := a.inferExpr(stmt.Loop.In, VType{Kind: VEmpty})
		if !coll.isPlural() {
			a.diags.add(E655, stmt.Loop.Span, "FOR requires a collection, got %s", coll)
		}
		if _, exists := a.scope[stmt.Loop.Var]; exists {
			a.diags.add(E659, stmt.Loop.Span, "loop variable %q shadows an existing variable", stmt.Loop.Var)
		}
		a.scope[stmt.Loop.Var] = &varInfo{typ: coll.intoSingle()}
		for _, inner := range stmt.Loop.Body {
			a.analyzeStatement(inner)
		}
		delete(a.scope, stmt.Loop.Var)
	case StmtExpr:
		a.inferExpr(stmt.Expr, VType{Kind: VEmpty})
	}
}

// inferExpr types an expression. anon is the traversal type an anonymous
// source (_) continues from; VEmpty outside filter contexts.
func (a *analyzer) inferExpr(e *Expr, anon VType) VType {
	t := a.inferExprInner(e, anon)
	a.query.ExprTypes[e] = t
	return t
}

func (a *analyzer) inferExprInner(e *Expr, anon VType) VType {
	switch e.Kind {
	case ExprLit:
		v := literalValue(e.Lit)
		return scalarOf(v.Kind)

	case ExprIdent:
		info, ok := a.scope[e.Ident]
		if !ok {
			a.diags.add(E301, e.Span, "reference to unbound identifier %q", e.Ident)
			return VType{Kind: VUnknown}
		}
		info.refs++
		return info.typ

	case ExprTraversal:
		return a.checkTraversal(e.Traversal, anon)

	case ExprAnd, ExprOr:
		for _, arg := range e.Args {
			at := a.inferExpr(arg, anon)
			if at.Kind != VBoolean && at.Kind != VUnknown {
				a.diags.add(E614, arg.Span, "boolean combinator operand is %s, not Boolean", at)
			}
		}
		return VType{Kind: VBoolean}

	case ExprNot:
		at := a.inferExpr(e.Args[0], anon)
		if at.Kind != VBoolean && at.Kind != VUnknown {
			a.diags.add(E614, e.Args[0].Span, "negation operand is %s, not Boolean", at)
		}
		return VType{Kind: VBoolean}

	case ExprExists:
		at := a.inferExpr(e.Args[0], anon)
		if !at.isEntity() && at.Kind != VUnknown {
			a.diags.add(E655, e.Args[0].Span, "EXISTS requires a traversal, got %s", at)
		}
		return VType{Kind: VBoolean}

	case ExprAddNode, ExprAddEdge, ExprAddVector:
		return a.checkAdd(e.Add, e.Span)

	case ExprSearchV:
		return a.checkSearchV(e.SearchV)

	case ExprBM25:
		return a.checkBM25(e.BM25)

	case ExprMath:
		for _, arg := range e.Math.Args {
			at := a.inferExpr(arg, anon)
			if at.Kind == VScalar && !at.Scalar.Kind.IsNumeric() {
				a.diags.add(E205, arg.Span, "%s argument is %s, not numeric", e.Math.Name, at)
			}
		}
		return scalarOf(storage.KindF64)

	case ExprArray:
		var elem VType
		for i, el := range e.Args {
			et := a.inferExpr(el, anon)
			if i == 0 {
				elem = et
			}
		}
		return VType{Kind: VArray, Elem: &elem}

	case ExprObject:
		for _, f := range e.Object {
			a.inferExpr(f.Value, anon)
		}
		return VType{Kind: VObject}

	case ExprEmbed:
		at := a.inferExpr(e.Args[0], anon)
		if at.Kind == VScalar && at.Scalar.Kind != storage.KindString {
			a.diags.add(E205, e.Args[0].Span, "Embed argument is %s, not String", at)
		}
		a.query.Embeds = append(a.query.Embeds, e)
		elem := scalarOf(storage.KindF64)
		return VType{Kind: VArray, Elem: &elem}
	}
	return VType{Kind: VUnknown}
}

func (a *analyzer) checkSearchV(sv *SearchVExpr) VType {
	if _, ok := a.sch.Vectors[sv.Label]; !ok {
		a.diags.add(E103, sv.Span, "vector label %q is not declared", sv.Label)
	}
	dt := a.inferExpr(sv.Data, VType{Kind: VEmpty})
	if dt.Kind != VArray && dt.Kind != VUnknown {
		a.diags.add(E205, sv.Data.Span, "SearchV query vector is %s, not [F64]", dt)
	}
	kt := a.inferExpr(sv.K, VType{Kind: VEmpty})
	if kt.Kind == VScalar && !kt.Scalar.Kind.IsInt() {
		a.diags.add(E611, sv.K.Span, "SearchV k is %s, not an integer", kt)
	}
	if sv.Filter != nil {
		ft := a.inferExpr(sv.Filter, VType{Kind: VVector, Label: sv.Label})
		if ft.Kind != VBoolean && ft.Kind != VUnknown {
			a.diags.add(E614, sv.Filter.Span, "SearchV pre-filter is %s, not Boolean", ft)
		}
	}
	return VType{Kind: VVectors, Label: sv.Label}
}

func (a *analyzer) checkBM25(bm *BM25Expr) VType {
	if _, ok := a.sch.Nodes[bm.Label]; !ok {
		a.diags.add(E101, bm.Span, "node label %q is not declared", bm.Label)
	}
	qt := a.inferExpr(bm.Query, VType{Kind: VEmpty})
	if qt.Kind == VScalar && qt.Scalar.Kind != storage.KindString {
		a.diags.add(E205, bm.Query.Span, "SearchBM25 query is %s, not String", qt)
	}
	kt := a.inferExpr(bm.K, VType{Kind: VEmpty})
	if kt.Kind == VScalar && !kt.Scalar.Kind.IsInt() {
		a.diags.add(E611, bm.K.Span, "SearchBM25 k is %s, not an integer", kt)
	}
	return VType{Kind: VNodes, Label: bm.Label}
}

func (a *analyzer) checkAdd(add *AddExpr, span Span) VType {
	switch add.Entity {
	case 'N':
		decl, ok := a.sch.Nodes[add.Label]
		if !ok {
			a.diags.add(E101, span, "node label %q is not declared", add.Label)
			return VType{Kind: VNode, Label: add.Label}
		}
		a.checkProps(add.Props, decl.Fields, add.Label)
		return VType{Kind: VNode, Label: add.Label}
	case 'E':
		decl, ok := a.sch.Edges[add.Label]
		if !ok {
			a.diags.add(E102, span, "edge label %q is not declared", add.Label)
		} else {
			a.checkProps(add.Props, decl.Fields, add.Label)
		}
		if add.From == nil {
			a.diags.addHint(E602, span, "add ::From(node)", "AddE<%s> is missing its From endpoint", add.Label)
		} else {
			ft := a.inferExpr(add.From, VType{Kind: VEmpty})
			a.checkEndpoint(ft, add.From.Span)
		}
		if add.To == nil {
			a.diags.addHint(E602, span, "add ::To(node)", "AddE<%s> is missing its To endpoint", add.Label)
		} else {
			tt := a.inferExpr(add.To, VType{Kind: VEmpty})
			a.checkEndpoint(tt, add.To.Span)
		}
		return VType{Kind: VEdge, Label: add.Label}
	case 'V':
		decl, ok := a.sch.Vectors[add.Label]
		if !ok {
			a.diags.add(E103, span, "vector label %q is not declared", add.Label)
		} else {
			a.checkProps(add.Props, decl.Fields, add.Label)
		}
		if add.Data == nil {
			a.diags.add(E305, span, "AddV<%s> is missing its vector data", add.Label)
		} else {
			dt := a.inferExpr(add.Data, VType{Kind: VEmpty})
			if dt.Kind != VArray && dt.Kind != VUnknown {
				a.diags.add(E205, add.Data.Span, "AddV data is %s, not [F64]", dt)
			}
		}
		return VType{Kind: VVector, Label: add.Label}
	}
	return VType{Kind: VUnknown}
}

func (a *analyzer) checkEndpoint(t VType, span Span) {
	switch t.Kind {
	case VNode, VUnknown:
	case VScalar:
		if t.Scalar.Kind != storage.KindID && t.Scalar.Kind != storage.KindString {
			a.diags.add(E205, span, "edge endpoint is %s, not a node or id", t)
		}
	default:
		a.diags.add(E205, span, "edge endpoint is %s, not a node or id", t)
	}
}

// checkProps validates a mutation's property object against declared fields.
func (a *analyzer) checkProps(props []*ObjectField, fields []schema.Field, label string) {
	for _, p := range props {
		f := findDeclared(fields, p.Name)
		if f == nil {
			a.diags.add(E201, p.Span, "unknown field %q on %s", p.Name, label)
			continue
		}
		vt := a.inferExpr(p.Value, VType{Kind: VEmpty})
		a.checkValueAgainst(vt, f.Type, p.Value)
	}
	// Required (non-nullable, no default) fields must be present.
	for i := range fields {
		f := &fields[i]
		if f.Nullable || f.Default != nil {
			continue
		}
		found := false
		for _, p := range props {
			if p.Name == f.Name {
				found = true
				break
			}
		}
		if !found {
			a.diags.add(E305, spanOfProps(props), "missing required field %q on %s", f.Name, label)
		}
	}
}

func spanOfProps(props []*ObjectField) Span {
	if len(props) > 0 {
		return props[0].Span
	}
	return Span{}
}

func findDeclared(fields []schema.Field, name string) *schema.Field {
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i]
		}
	}
	return nil
}

func (a *analyzer) checkValueAgainst(vt VType, declared schema.Type, e *Expr) {
	switch vt.Kind {
	case VUnknown, VNode, VEdge, VVector:
		// Entity values in mutations are unsupported expressions.
		if vt.isEntity() {
			a.diags.add(E206, e.Span, "unsupported expression in mutation value")
		}
		return
	case VScalar:
		if declared.Kind == storage.KindDate && vt.Scalar.Kind == storage.KindString {
			if e.Kind == ExprLit && e.Lit.IsStr {
				if _, err := storage.ParseDate(e.Lit.Str); err != nil {
					a.diags.add(E501, e.Span, "string %q is not a parseable date", e.Lit.Str)
				}
			}
			return
		}
		if declared.Kind == storage.KindID && vt.Scalar.Kind == storage.KindString {
			return
		}
		if !declared.Matches(probeValue(vt.Scalar.Kind)) {
			a.diags.add(E205, e.Span, "value type %s does not match declared type %s", vt.Scalar, declared)
		}
	case VArray:
		if declared.Kind != storage.KindArray {
			a.diags.add(E205, e.Span, "array value for non-array field of type %s", declared)
		}
	case VObject:
		if declared.Kind != storage.KindObject {
			a.diags.add(E205, e.Span, "object value for non-object field of type %s", declared)
		}
	case VBoolean:
		if declared.Kind != storage.KindBool {
			a.diags.add(E205, e.Span, "boolean value for field of type %s", declared)
		}
	default:
		a.diags.add(E206, e.Span, "unsupported expression in mutation value")
	}
}

// probeValue builds a representative value of a kind for Matches checks.
func probeValue(k storage.Kind) storage.Value {
	return storage.Value{Kind: k}
}
