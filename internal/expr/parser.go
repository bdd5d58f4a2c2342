package expr

import (
	"fmt"
	"strconv"
)

// node is an element of a parsed expression tree.
type node interface{}

type literalNode struct{ value any }

type listNode struct{ items []node }

// pathNode is a reference into the execution document: a root name followed
// by field and index steps.
type pathNode struct {
	root  string
	steps []pathStep
}

type pathStep struct {
	key   string
	index node
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

type callNode struct {
	name string
	args []node
}

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 64

type parser struct {
	toks  []token
	pos   int
	depth int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s at %d", tok, tok.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, got %s at %d", what, t, t.pos)
	}
	return t, nil
}

// isOp reports whether the next token is one of the given operators. Word
// operators (and, or, not, in) arrive as identifiers.
func (p *parser) isOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp && t.kind != tokIdent {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("||", "or"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("&&", "and"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("==", "!=")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("<", "<=", ">", ">=", "in")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("+", "-")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.isOp("!", "-", "not"); ok {
		p.next()
		p.depth++
		defer func() { p.depth-- }()
		if p.depth > maxDepth {
			return nil, fmt.Errorf("expression nested too deeply")
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if op == "not" {
			op = "!"
		}
		return unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		return nil, fmt.Errorf("expression nested too deeply")
	}

	t := p.next()
	switch t.kind {
	case tokNumber:
		return literalNode{value: t.num}, nil
	case tokString:
		return literalNode{value: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBracket:
		return p.parseList()
	case tokIdent:
		switch t.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null", "nil", "undefined":
			return literalNode{value: nil}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		return p.parsePath(t.text)
	default:
		return nil, fmt.Errorf("unexpected %s at %d", t, t.pos)
	}
}

func (p *parser) parseList() (node, error) {
	var items []node
	if p.peek().kind == tokRBracket {
		p.next()
		return listNode{items: items}, nil
	}
	for {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		t := p.next()
		if t.kind == tokRBracket {
			return listNode{items: items}, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected ',' or ']', got %s at %d", t, t.pos)
		}
	}
}

func (p *parser) parseCall(name string) (node, error) {
	if _, ok := functions[name]; !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	p.next() // (
	var args []node
	if p.peek().kind == tokRParen {
		p.next()
		return callNode{name: name, args: args}, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		t := p.next()
		if t.kind == tokRParen {
			return callNode{name: name, args: args}, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected ',' or ')', got %s at %d", t, t.pos)
		}
	}
}

func (p *parser) parsePath(root string) (node, error) {
	path := pathNode{root: root}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t := p.next()
			switch t.kind {
			case tokIdent:
				path.steps = append(path.steps, pathStep{key: t.text})
			case tokNumber:
				path.steps = append(path.steps, pathStep{key: strconv.FormatFloat(t.num, 'f', -1, 64)})
			default:
				return nil, fmt.Errorf("expected field name after '.', got %s at %d", t, t.pos)
			}
		case tokLBracket:
			p.next()
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			path.steps = append(path.steps, pathStep{index: idx})
		default:
			return path, nil
		}
	}
}
