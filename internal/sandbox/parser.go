package sandbox

import (
	"strconv"
	"strings"
)

// funcArity is the closed set of callable functions. Anything else is a
// rejection at parse time.
var funcArity = map[string]int{
	"sqrt": 1,
	"log":  1,
	"exp":  1,
	"sin":  1,
	"cos":  1,
	"abs":  1,
	"min":  2,
	"max":  2,
}

type node interface{}

type numberNode struct {
	value float64
}

type varNode struct {
	name string
}

type unaryNode struct {
	operand node
}

type binaryNode struct {
	op          byte
	left, right node
}

type callNode struct {
	fn   string
	args []node
}

type parser struct {
	tokens []token
	pos    int
}

// parse builds the AST for expr, rejecting anything outside the grammar.
func parse(expr string) (node, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, rejectf("unexpected token %q at position %d", p.peek().text, p.peek().pos)
	}
	return root, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokenOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text[0], left: left, right: right}
	}
}

func (p *parser) parseProduct() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokenOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text[0], left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokenOp && t.text == "-" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{operand: operand}, nil
	}
	return p.parsePower()
}

// parsePower handles ^ with right associativity: 2^3^2 == 2^(3^2).
func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokenOp || t.text != "^" {
		return base, nil
	}
	p.next()
	exponent, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return binaryNode{op: '^', left: base, right: exponent}, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokenNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, rejectf("malformed number %q at position %d", t.text, t.pos)
		}
		return numberNode{value: v}, nil
	case tokenIdent:
		name := strings.ToLower(t.text)
		if p.peek().kind == tokenParen && p.peek().text == "(" {
			return p.parseCall(name, t.pos)
		}
		return varNode{name: t.text}, nil
	case tokenParen:
		if t.text != "(" {
			return nil, rejectf("unexpected %q at position %d", t.text, t.pos)
		}
		inner, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if err := p.expectParen(")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokenEOF:
		return nil, rejectf("unexpected end of expression")
	default:
		return nil, rejectf("unexpected token %q at position %d", t.text, t.pos)
	}
}

func (p *parser) parseCall(fn string, pos int) (node, error) {
	arity, ok := funcArity[fn]
	if !ok {
		return nil, rejectf("unknown function %q at position %d", fn, pos)
	}
	p.next() // consume "("
	var args []node
	if !(p.peek().kind == tokenParen && p.peek().text == ")") {
		for {
			arg, err := p.parseSum()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokenComma {
				break
			}
			p.next()
		}
	}
	if err := p.expectParen(")"); err != nil {
		return nil, err
	}
	if len(args) != arity {
		return nil, rejectf("%s expects %d argument(s), got %d", fn, arity, len(args))
	}
	return callNode{fn: fn, args: args}, nil
}

func (p *parser) expectParen(text string) error {
	t := p.next()
	if t.kind != tokenParen || t.text != text {
		return rejectf("expected %q at position %d", text, t.pos)
	}
	return nil
}

// freeVars collects every identifier referenced by the tree.
func freeVars(n node, into map[string]struct{}) {
	switch v := n.(type) {
	case varNode:
		into[v.name] = struct{}{}
	case unaryNode:
		freeVars(v.operand, into)
	case binaryNode:
		freeVars(v.left, into)
		freeVars(v.right, into)
	case callNode:
		for _, a := range v.args {
			freeVars(a, into)
		}
	}
}
