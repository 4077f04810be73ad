package hql

import (
	"fmt"
	"strconv"
)

// mathFunctions are the built-in arithmetic calls allowed in expressions.
var mathFunctions = map[string]int{
	"abs":   1,
	"ceil":  1,
	"floor": 1,
	"sqrt":  1,
	"pow":   2,
	"min":   2,
	"max":   2,
}

// Parse converts HQL source into an AST with source spans. The parser stops
// at the first syntax error; semantic errors accumulate in the analyzer.
func Parse(src string) (*Source, error) {
	toks, err := newLexer(src).tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.parseSource()
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) peek() token {
	if p.pos+1 < len(p.toks) {
		return p.toks[p.pos+1]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) at(kind tokenKind) bool { return p.cur().kind == kind }

func (p *parser) atIdent(text string) bool {
	return p.cur().kind == tokIdent && p.cur().text == text
}

func (p *parser) expect(kind tokenKind) (token, error) {
	if !p.at(kind) {
		return token{}, p.errf("expected %s, found %q", kind, p.cur().text)
	}
	return p.advance(), nil
}

func (p *parser) expectIdent() (token, error) {
	if !p.at(tokIdent) {
		return token{}, p.errf("expected identifier, found %q", p.cur().text)
	}
	return p.advance(), nil
}

func (p *parser) errf(format string, args ...any) error {
	span := p.cur().span
	return fmt.Errorf("%s: %s", span, fmt.Sprintf(format, args...))
}

func (p *parser) parseSource() (*Source, error) {
	src := &Source{}
	for !p.at(tokEOF) {
		switch {
		case p.atIdent("N") && p.peek().kind == tokDColon:
			d, err := p.parseNodeSchema()
			if err != nil {
				return nil, err
			}
			src.Nodes = append(src.Nodes, d)
		case p.atIdent("E") && p.peek().kind == tokDColon:
			d, err := p.parseEdgeSchema()
			if err != nil {
				return nil, err
			}
			src.Edges = append(src.Edges, d)
		case p.atIdent("V") && p.peek().kind == tokDColon:
			d, err := p.parseVectorSchema()
			if err != nil {
				return nil, err
			}
			src.Vectors = append(src.Vectors, d)
		case p.atIdent("MIGRATION"):
			d, err := p.parseMigration()
			if err != nil {
				return nil, err
			}
			src.Migrations = append(src.Migrations, d)
		case p.atIdent("QUERY"):
			d, err := p.parseQuery()
			if err != nil {
				return nil, err
			}
			src.Queries = append(src.Queries, d)
		default:
			return nil, p.errf("expected declaration, found %q", p.cur().text)
		}
	}
	return src, nil
}

func (p *parser) parseNodeSchema() (*NodeSchemaDecl, error) {
	start := p.advance().span // N
	p.advance()               // ::
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	fields, err := p.parseFieldBlock()
	if err != nil {
		return nil, err
	}
	return &NodeSchemaDecl{Name: name.text, Fields: fields, Span: start}, nil
}

func (p *parser) parseEdgeSchema() (*EdgeSchemaDecl, error) {
	start := p.advance().span // E
	p.advance()               // ::
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLBrace); err != nil {
		return nil, err
	}
	decl := &EdgeSchemaDecl{Name: name.text, Span: start}
	for !p.at(tokRBrace) {
		key, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon); err != nil {
			return nil, err
		}
		switch key.text {
		case "From":
			id, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			decl.From = id.text
		case "To":
			id, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			decl.To = id.text
		case "Properties":
			fields, err := p.parseFieldBlock()
			if err != nil {
				return nil, err
			}
			decl.Fields = fields
		default:
			return nil, p.errf("unexpected edge schema key %q", key.text)
		}
		if p.at(tokComma) {
			p.advance()
		}
	}
	p.advance() // }
	return decl, nil
}

func (p *parser) parseVectorSchema() (*VectorSchemaDecl, error) {
	start := p.advance().span // V
	p.advance()               // ::
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	fields, err := p.parseFieldBlock()
	if err != nil {
		return nil, err
	}
	return &VectorSchemaDecl{Name: name.text, Fields: fields, Span: start}, nil
}

func (p *parser) parseFieldBlock() ([]*FieldDecl, error) {
	if _, err := p.expect(tokLBrace); err != nil {
		return nil, err
	}
	var fields []*FieldDecl
	for !p.at(tokRBrace) {
		f, err := p.parseFieldDecl()
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
		if p.at(tokComma) {
			p.advance()
		}
	}
	p.advance() // }
	return fields, nil
}

func (p *parser) parseFieldDecl() (*FieldDecl, error) {
	f := &FieldDecl{Span: p.cur().span}
	if p.at(tokAt) {
		p.advance()
		kw, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if kw.text != "default" {
			return nil, p.errf("unknown field attribute @%s", kw.text)
		}
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		def, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		f.Default = def
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
	}
	if p.atIdent("INDEX") {
		f.Indexed = true
		p.advance()
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	f.Name = name.text
	if _, err := p.expect(tokColon); err != nil {
		return nil, err
	}
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	f.Type = typ
	if p.at(tokQuestion) {
		f.Nullable = true
		p.advance()
	}
	return f, nil
}

func (p *parser) parseType() (*TypeExpr, error) {
	span := p.cur().span
	switch {
	case p.at(tokLBracket):
		p.advance()
		elem, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBracket); err != nil {
			return nil, err
		}
		return &TypeExpr{Elem: elem, Span: span}, nil
	case p.at(tokLBrace):
		p.advance()
		fields := make(map[string]*TypeExpr)
		for !p.at(tokRBrace) {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokColon); err != nil {
				return nil, err
			}
			ft, err := p.parseType()
			if err != nil {
				return nil, err
			}
			fields[name.text] = ft
			if p.at(tokComma) {
				p.advance()
			}
		}
		p.advance()
		return &TypeExpr{Fields: fields, Span: span}, nil
	case p.at(tokIdent):
		name := p.advance()
		return &TypeExpr{Name: name.text, Span: span}, nil
	}
	return nil, p.errf("expected type, found %q", p.cur().text)
}

func (p *parser) parseMigration() (*MigrationDecl, error) {
	start := p.advance().span // MIGRATION
	from, err := p.parseIntLit()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokArrow); err != nil {
		return nil, err
	}
	to, err := p.parseIntLit()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLBrace); err != nil {
		return nil, err
	}
	decl := &MigrationDecl{FromVersion: from, ToVersion: to, Span: start}
	for !p.at(tokRBrace) {
		item, err := p.parseMigrationItem()
		if err != nil {
			return nil, err
		}
		decl.Items = append(decl.Items, item)
	}
	p.advance()
	return decl, nil
}

func (p *parser) parseIntLit() (int, error) {
	t, err := p.expect(tokInt)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(t.text)
	if err != nil {
		return 0, p.errf("bad integer %q", t.text)
	}
	return n, nil
}

func (p *parser) parseMigrationItem() (*MigrationItem, error) {
	span := p.cur().span
	kind, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if kind.text != "N" && kind.text != "E" && kind.text != "V" {
		return nil, p.errf("migration item must start with N::, E::, or V::")
	}
	if _, err := p.expect(tokDColon); err != nil {
		return nil, err
	}
	label, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLBrace); err != nil {
		return nil, err
	}
	item := &MigrationItem{Entity: kind.text[0], Label: label.text, Span: span}
	for !p.at(tokRBrace) {
		op, err := p.parseMigrationOp()
		if err != nil {
			return nil, err
		}
		item.Ops = append(item.Ops, op)
		if p.at(tokComma) {
			p.advance()
		}
	}
	p.advance()
	return item, nil
}

func (p *parser) parseMigrationOp() (*MigrationOp, error) {
	span := p.cur().span
	field, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokArrow); err != nil {
		return nil, err
	}
	kw, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	op := &MigrationOp{Field: field.text, Kind: kw.text, Span: span}
	switch kw.text {
	case "DROP":
	case "RENAME":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		op.NewName = name.text
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
	case "DEFAULT":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		op.Arg = arg
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
	case "CAST":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		op.TypeArg = typ
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
	default:
		return nil, p.errf("unknown migration mapping %q", kw.text)
	}
	return op, nil
}

func (p *parser) parseQuery() (*QueryDecl, error) {
	start := p.advance().span // QUERY
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	q := &QueryDecl{Name: name.text, Span: start}
	for !p.at(tokRParen) {
		pspan := p.cur().span
		pname, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon); err != nil {
			return nil, err
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		q.Params = append(q.Params, &ParamDecl{Name: pname.text, Type: typ, Span: pspan})
		if p.at(tokComma) {
			p.advance()
		}
	}
	p.advance() // )
	if _, err := p.expect(tokArrow); err != nil {
		return nil, err
	}

	for !p.atIdent("RETURN") {
		if p.at(tokEOF) {
			return nil, p.errf("query %s has no RETURN", q.Name)
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		q.Statements = append(q.Statements, stmt)
	}
	p.advance() // RETURN
	for {
		ret, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		q.Returns = append(q.Returns, ret)
		if p.at(tokComma) {
			p.advance()
			continue
		}
		break
	}
	return q, nil
}

func (p *parser) parseStatement() (*Statement, error) {
	span := p.cur().span
	switch {
	case p.atIdent("DROP"):
		p.advance()
		target, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtDrop, Expr: target, Span: span}, nil
	case p.atIdent("FOR"):
		p.advance()
		v, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if !p.atIdent("IN") {
			return nil, p.errf("expected IN after loop variable")
		}
		p.advance()
		coll, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokLBrace); err != nil {
			return nil, err
		}
		loop := &ForLoop{Var: v.text, In: coll, Span: span}
		for !p.at(tokRBrace) {
			stmt, err := p.parseStatement()
			if err != nil {
				return nil, err
			}
			loop.Body = append(loop.Body, stmt)
		}
		p.advance()
		return &Statement{Kind: StmtForLoop, Loop: loop, Span: span}, nil
	case p.at(tokIdent) && p.peek().kind == tokAssign:
		name := p.advance()
		p.advance() // <-
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtAssignment, Name: name.text, Expr: value, Span: span}, nil
	default:
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtExpr, Expr: value, Span: span}, nil
	}
}

func (p *parser) parseExpr() (*Expr, error) {
	span := p.cur().span
	switch {
	case p.at(tokBang):
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprNot, Args: []*Expr{inner}, Span: span}, nil

	case p.at(tokString):
		t := p.advance()
		return &Expr{Kind: ExprLit, Lit: &Literal{IsStr: true, Str: t.text}, Span: t.span}, nil

	case p.at(tokInt):
		t := p.advance()
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, p.errf("bad integer %q", t.text)
		}
		return &Expr{Kind: ExprLit, Lit: &Literal{IsInt: true, Int: n}, Span: t.span}, nil

	case p.at(tokFloat):
		t := p.advance()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errf("bad float %q", t.text)
		}
		return &Expr{Kind: ExprLit, Lit: &Literal{IsFloat: true, Float: f}, Span: t.span}, nil

	case p.at(tokLBracket):
		p.advance()
		arr := &Expr{Kind: ExprArray, Span: span}
		for !p.at(tokRBracket) {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			arr.Args = append(arr.Args, e)
			if p.at(tokComma) {
				p.advance()
			}
		}
		p.advance()
		return arr, nil

	case p.at(tokLBrace):
		fields, err := p.parseObjectFields()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprObject, Object: fields, Span: span}, nil

	case p.at(tokUnderscore):
		return p.parseTraversalExpr()

	case p.at(tokIdent):
		return p.parseIdentExpr()
	}
	return nil, p.errf("expected expression, found %q", p.cur().text)
}

func (p *parser) parseObjectFields() ([]*ObjectField, error) {
	if _, err := p.expect(tokLBrace); err != nil {
		return nil, err
	}
	var fields []*ObjectField
	for !p.at(tokRBrace) {
		span := p.cur().span
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon); err != nil {
			return nil, err
		}
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		fields = append(fields, &ObjectField{Name: name.text, Value: value, Span: span})
		if p.at(tokComma) {
			p.advance()
		}
	}
	p.advance()
	return fields, nil
}

// parseIdentExpr dispatches identifiers: keywords, sources, math calls, or
// plain references.
func (p *parser) parseIdentExpr() (*Expr, error) {
	span := p.cur().span
	name := p.cur().text

	switch name {
	case "true", "false":
		p.advance()
		return &Expr{Kind: ExprLit, Lit: &Literal{IsBool: true, Bool: name == "true"}, Span: span}, nil

	case "AND", "OR":
		p.advance()
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		kind := ExprAnd
		if name == "OR" {
			kind = ExprOr
		}
		e := &Expr{Kind: kind, Span: span}
		for !p.at(tokRParen) {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			e.Args = append(e.Args, arg)
			if p.at(tokComma) {
				p.advance()
			}
		}
		p.advance()
		return e, nil

	case "EXISTS":
		p.advance()
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprExists, Args: []*Expr{arg}, Span: span}, nil

	case "Embed":
		p.advance()
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprEmbed, Args: []*Expr{arg}, Span: span}, nil

	case "AddN", "AddV":
		return p.parseAddExpr()

	case "AddE":
		return p.parseAddEdgeExpr()

	case "SearchV":
		sv, err := p.parseSearchV()
		if err != nil {
			return nil, err
		}
		expr := &Expr{Kind: ExprSearchV, SearchV: sv, Span: span}
		// A vector search can continue as a traversal source.
		if p.at(tokDColon) {
			tr := &Traversal{Source: &StartStep{Kind: StartSearchV, SearchV: sv, Span: span}, Span: span}
			if err := p.parseSteps(tr); err != nil {
				return nil, err
			}
			return &Expr{Kind: ExprTraversal, Traversal: tr, Span: span}, nil
		}
		return expr, nil

	case "SearchBM25":
		bm, err := p.parseBM25()
		if err != nil {
			return nil, err
		}
		if p.at(tokDColon) {
			tr := &Traversal{Source: &StartStep{Kind: StartBM25, BM25: bm, Span: span}, Span: span}
			if err := p.parseSteps(tr); err != nil {
				return nil, err
			}
			return &Expr{Kind: ExprTraversal, Traversal: tr, Span: span}, nil
		}
		return &Expr{Kind: ExprBM25, BM25: bm, Span: span}, nil

	case "N", "E", "V":
		if p.peek().kind == tokLAngle {
			return p.parseTraversalExpr()
		}
	}

	if arity, ok := mathFunctions[name]; ok && p.peek().kind == tokLParen {
		p.advance()
		p.advance() // (
		call := &MathCall{Name: name, Span: span}
		for !p.at(tokRParen) {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			if p.at(tokComma) {
				p.advance()
			}
		}
		p.advance()
		if len(call.Args) != arity {
			return nil, fmt.Errorf("%s: %s takes %d arguments, got %d", span, name, arity, len(call.Args))
		}
		return &Expr{Kind: ExprMath, Math: call, Span: span}, nil
	}

	// Identifier, possibly continuing as a traversal.
	if p.peek().kind == tokDColon {
		return p.parseTraversalExpr()
	}
	p.advance()
	return &Expr{Kind: ExprIdent, Ident: name, Span: span}, nil
}

func (p *parser) parseSearchV() (*SearchVExpr, error) {
	span := p.advance().span // SearchV
	label, err := p.parseAngleLabel()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	sv := &SearchVExpr{Label: label, Span: span}
	sv.Data, err = p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokComma); err != nil {
		return nil, err
	}
	sv.K, err = p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.at(tokComma) {
		p.advance()
		sv.Filter, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return sv, nil
}

func (p *parser) parseBM25() (*BM25Expr, error) {
	span := p.advance().span // SearchBM25
	label, err := p.parseAngleLabel()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	bm := &BM25Expr{Label: label, Span: span}
	bm.Query, err = p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokComma); err != nil {
		return nil, err
	}
	bm.K, err = p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return bm, nil
}

func (p *parser) parseAngleLabel() (string, error) {
	if _, err := p.expect(tokLAngle); err != nil {
		return "", err
	}
	label, err := p.expectIdent()
	if err != nil {
		return "", err
	}
	if _, err := p.expect(tokRAngle); err != nil {
		return "", err
	}
	return label.text, nil
}

func (p *parser) parseAddExpr() (*Expr, error) {
	span := p.cur().span
	kw := p.advance().text // AddN or AddV
	label, err := p.parseAngleLabel()
	if err != nil {
		return nil, err
	}
	add := &AddExpr{Label: label, Span: span}
	kind := ExprAddNode
	add.Entity = 'N'
	if kw == "AddV" {
		kind = ExprAddVector
		add.Entity = 'V'
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	if add.Entity == 'V' {
		add.Data, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.at(tokComma) {
			p.advance()
			add.Props, err = p.parseObjectFields()
			if err != nil {
				return nil, err
			}
		}
	} else if !p.at(tokRParen) {
		add.Props, err = p.parseObjectFields()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	expr := &Expr{Kind: kind, Add: add, Span: span}
	if p.at(tokDColon) {
		tr := &Traversal{Source: &StartStep{Kind: StartAdd, Add: add, Span: span}, Span: span}
		if err := p.parseSteps(tr); err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprTraversal, Traversal: tr, Span: span}, nil
	}
	return expr, nil
}

func (p *parser) parseAddEdgeExpr() (*Expr, error) {
	span := p.advance().span // AddE
	label, err := p.parseAngleLabel()
	if err != nil {
		return nil, err
	}
	add := &AddExpr{Entity: 'E', Label: label, Span: span}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	if p.at(tokLBrace) {
		add.Props, err = p.parseObjectFields()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	// ::From(expr)::To(expr) endpoint steps attach to the mutation itself.
	for p.at(tokDColon) && (p.peek().kind == tokIdent && (p.peek().text == "From" || p.peek().text == "To")) {
		p.advance() // ::
		side := p.advance().text
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		if side == "From" {
			add.From = arg
		} else {
			add.To = arg
		}
	}
	expr := &Expr{Kind: ExprAddEdge, Add: add, Span: span}
	if p.at(tokDColon) {
		tr := &Traversal{Source: &StartStep{Kind: StartAdd, Add: add, Span: span}, Span: span}
		if err := p.parseSteps(tr); err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprTraversal, Traversal: tr, Span: span}, nil
	}
	return expr, nil
}

// parseTraversalExpr parses a traversal from its source step.
func (p *parser) parseTraversalExpr() (*Expr, error) {
	span := p.cur().span
	tr := &Traversal{Span: span}

	switch {
	case p.at(tokUnderscore):
		p.advance()
		tr.Source = &StartStep{Kind: StartAnon, Span: span}
	case p.atIdent("N") || p.atIdent("E") || p.atIdent("V"):
		kindText := p.advance().text
		label, err := p.parseAngleLabel()
		if err != nil {
			return nil, err
		}
		src := &StartStep{Label: label, Span: span}
		switch kindText {
		case "N":
			src.Kind = StartNodes
		case "E":
			src.Kind = StartEdges
		case "V":
			src.Kind = StartVectors
		}
		// Optional source arguments: ids or an index lookup object.
		if p.at(tokLParen) {
			p.advance()
			if p.at(tokLBrace) {
				fields, err := p.parseObjectFields()
				if err != nil {
					return nil, err
				}
				src.Index = fields
			} else {
				for !p.at(tokRParen) {
					id, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					src.IDs = append(src.IDs, id)
					if p.at(tokComma) {
						p.advance()
					}
				}
			}
			if _, err := p.expect(tokRParen); err != nil {
				return nil, err
			}
		}
		tr.Source = src
	case p.at(tokIdent):
		name := p.advance()
		tr.Source = &StartStep{Kind: StartIdent, Ident: name.text, Span: name.span}
	default:
		return nil, p.errf("expected traversal source, found %q", p.cur().text)
	}

	if err := p.parseSteps(tr); err != nil {
		return nil, err
	}
	return &Expr{Kind: ExprTraversal, Traversal: tr, Span: span}, nil
}

func (p *parser) parseSteps(tr *Traversal) error {
	for p.at(tokDColon) {
		p.advance()
		step, err := p.parseStep()
		if err != nil {
			return err
		}
		tr.Steps = append(tr.Steps, step)
	}
	return nil
}

var boolOps = map[string]bool{
	"EQ": true, "NEQ": true, "GT": true, "GTE": true,
	"LT": true, "LTE": true, "CONTAINS": true, "IS_IN": true,
}

func (p *parser) parseStep() (*Step, error) {
	span := p.cur().span

	// ::{field, ...} projection
	if p.at(tokLBrace) {
		fields, err := p.parseProjectFields()
		if err != nil {
			return nil, err
		}
		return &Step{Kind: StepProject, Fields: fields, Span: span}, nil
	}
	// ::!{field, ...} exclusion
	if p.at(tokBang) {
		p.advance()
		if _, err := p.expect(tokLBrace); err != nil {
			return nil, err
		}
		step := &Step{Kind: StepExclude, Span: span}
		for !p.at(tokRBrace) {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			step.Exclude = append(step.Exclude, name.text)
			if p.at(tokComma) {
				p.advance()
			}
		}
		p.advance()
		return step, nil
	}
	// ::|x| { ... } closure
	if p.at(tokPipe) {
		p.advance()
		param, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokPipe); err != nil {
			return nil, err
		}
		fields, err := p.parseProjectFields()
		if err != nil {
			return nil, err
		}
		return &Step{Kind: StepClosure, Closure: &Closure{Param: param.text, Fields: fields, Span: span}, Span: span}, nil
	}

	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	switch name.text {
	case "Out", "In", "OutE", "InE", "ShortestPath":
		label, err := p.parseAngleLabel()
		if err != nil {
			return nil, err
		}
		step := &Step{Span: span, Label: label}
		switch name.text {
		case "Out":
			step.Kind = StepOut
		case "In":
			step.Kind = StepIn
		case "OutE":
			step.Kind = StepOutE
		case "InE":
			step.Kind = StepInE
		case "ShortestPath":
			step.Kind = StepShortestPath
			if _, err := p.expect(tokLParen); err != nil {
				return nil, err
			}
			step.SPTo, err = p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen); err != nil {
				return nil, err
			}
		}
		return step, nil

	case "ToN":
		return &Step{Kind: StepToN, Span: span}, nil
	case "FromN":
		return &Step{Kind: StepFromN, Span: span}, nil
	case "COUNT":
		return &Step{Kind: StepCount, Span: span}, nil
	case "FIRST":
		return &Step{Kind: StepFirst, Span: span}, nil
	case "ID":
		return &Step{Kind: StepID, Span: span}, nil

	case "WHERE":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &Step{Kind: StepWhere, Where: cond, Span: span}, nil

	case "RANGE":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		lo, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokComma); err != nil {
			return nil, err
		}
		hi, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &Step{Kind: StepRange, Lo: lo, Hi: hi, Span: span}, nil

	case "ORDER_BY":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		target, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		step := &Step{Kind: StepOrderBy, OrderBy: target, Span: span}
		if p.at(tokComma) {
			p.advance()
			dir, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			switch dir.text {
			case "ASC":
			case "DESC":
				step.Desc = true
			default:
				return nil, p.errf("expected ASC or DESC, found %q", dir.text)
			}
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return step, nil

	case "GROUP_BY", "AGGREGATE_BY":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		kind := StepGroupBy
		if name.text == "AGGREGATE_BY" {
			kind = StepAggregateBy
		}
		step := &Step{Kind: kind, Span: span}
		for !p.at(tokRParen) {
			f, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			step.Fields = append(step.Fields, &ProjectField{Name: f.text, Span: f.span})
			if p.at(tokComma) {
				p.advance()
			}
		}
		p.advance()
		return step, nil

	case "UpsertN", "UpsertE", "UpsertV":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		fields, err := p.parseObjectFields()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &Step{Kind: StepUpsert, Entity: name.text[len(name.text)-1], Update: fields, Span: span}, nil

	case "UPDATE":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		fields, err := p.parseObjectFields()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &Step{Kind: StepUpdate, Update: fields, Span: span}, nil

	case "RERANK_RRF":
		step := &Step{Kind: StepRerankRRF, Span: span}
		if p.at(tokLParen) {
			p.advance()
			if !p.at(tokRParen) {
				step.KArg, err = p.parseExpr()
				if err != nil {
					return nil, err
				}
			}
			if _, err := p.expect(tokRParen); err != nil {
				return nil, err
			}
		}
		return step, nil

	case "RERANK_MMR":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		step := &Step{Kind: StepRerankMMR, Span: span}
		step.Lambda, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return step, nil
	}

	if boolOps[name.text] {
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &Step{Kind: StepBoolOp, BoolOp: name.text, BoolArg: arg, Span: span}, nil
	}

	return nil, fmt.Errorf("%s: unknown traversal step %q", span, name.text)
}

func (p *parser) parseProjectFields() ([]*ProjectField, error) {
	if _, err := p.expect(tokLBrace); err != nil {
		return nil, err
	}
	var fields []*ProjectField
	for !p.at(tokRBrace) {
		span := p.cur().span
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		f := &ProjectField{Name: name.text, Span: span}
		if p.at(tokColon) {
			p.advance()
			f.Nested, err = p.parseExpr()
			if err != nil {
				return nil, err
			}
		}
		fields = append(fields, f)
		if p.at(tokComma) {
			p.advance()
		}
	}
	p.advance()
	return fields, nil
}
