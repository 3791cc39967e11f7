package fhirpath

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirtable/internal/platform/document"
)

type nodeKind int

const (
	ndLiteral  nodeKind = iota // string, number, boolean
	ndPath                     // identifier (field name or resource type)
	ndThis                     // $this
	ndDot                      // a.b
	ndIndex                    // a[n]
	ndFunction                 // a.fn(args...) or fn(args...) on the focus
	ndCompare                  // a op b
	ndAnd                      // a and b
	ndOr                       // a or b
)

type astNode struct {
	kind     nodeKind
	name     string         // identifier, function name or operator
	literal  *document.Node // ndLiteral
	index    int            // ndIndex
	receiver *astNode       // ndFunction; nil means the current focus
	children []*astNode     // operands / arguments
}

// funcArity lists the supported functions with their accepted argument
// counts. Anything else is rejected at compile time.
var funcArity = map[string][2]int{
	"where":  {1, 1},
	"exists": {0, 1},
	"empty":  {0, 0},
	"first":  {0, 0},
	"last":   {0, 0},
	"count":  {0, 0},
	"not":    {0, 0},
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, p.errorf(t, "expected %s", kind)
	}
	return t, nil
}

func (p *parser) errorf(t token, format string, args ...any) *ParseError {
	msg := fmt.Sprintf(format, args...)
	if t.kind == tkEOF {
		msg += " but reached end of expression"
	} else {
		msg += fmt.Sprintf(" but got %q", t.value)
	}
	return &ParseError{Pos: t.pos, Msg: msg}
}

func parse(expr string) (*astNode, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	ast, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected token %q", tok.value)}
	}
	return ast, nil
}

// Operator precedence (lowest to highest):
//
//	or              (1)
//	and             (2)
//	= != < > <= >=  (3)
//	. [] ()         (postfix)
func (p *parser) parseExpression(minPrec int) (*astNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind := infixInfo(tok)
		if prec < 0 || prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &astNode{kind: kind, name: tok.value, children: []*astNode{left, right}}
	}
	return left, nil
}

func infixInfo(tok token) (int, nodeKind) {
	switch tok.kind {
	case tkIdent:
		switch tok.value {
		case "or":
			return 1, ndOr
		case "and":
			return 2, ndAnd
		}
	case tkEq, tkNe, tkLt, tkGt, tkLe, tkGe:
		return 3, ndCompare
	}
	return -1, 0
}

func (p *parser) parsePostfix() (*astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		switch tok.kind {
		case tkDot:
			p.advance()
			ident, err := p.expect(tkIdent)
			if err != nil {
				return nil, err
			}
			if p.peek().kind == tkLParen {
				fn, err := p.parseCall(ident, node)
				if err != nil {
					return nil, err
				}
				node = fn
				continue
			}
			right := &astNode{kind: ndPath, name: ident.value}
			node = &astNode{kind: ndDot, children: []*astNode{node, right}}
		case tkLBrack:
			p.advance()
			idxTok, err := p.expect(tkNumber)
			if err != nil {
				return nil, err
			}
			idx, err := strconv.Atoi(idxTok.value)
			if err != nil || idx < 0 {
				return nil, &ParseError{Pos: idxTok.pos, Msg: fmt.Sprintf("invalid index %q", idxTok.value)}
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			node = &astNode{kind: ndIndex, index: idx, children: []*astNode{node}}
		default:
			return node, nil
		}
	}
}

func (p *parser) parseCall(ident token, receiver *astNode) (*astNode, error) {
	arity, ok := funcArity[ident.value]
	if !ok {
		return nil, &ParseError{Pos: ident.pos, Msg: fmt.Sprintf("unsupported function %q", ident.value)}
	}
	p.advance() // '('
	args, err := p.parseArgList()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tkRParen); err != nil {
		return nil, err
	}
	if len(args) < arity[0] || len(args) > arity[1] {
		return nil, &ParseError{
			Pos: ident.pos,
			Msg: fmt.Sprintf("function %q takes %s, got %d", ident.value, arityText(arity), len(args)),
		}
	}
	return &astNode{kind: ndFunction, name: ident.value, receiver: receiver, children: args}, nil
}

func arityText(a [2]int) string {
	if a[0] == a[1] {
		if a[0] == 1 {
			return "1 argument"
		}
		return fmt.Sprintf("%d arguments", a[0])
	}
	return fmt.Sprintf("%d to %d arguments", a[0], a[1])
}

func (p *parser) parsePrimary() (*astNode, error) {
	tok := p.peek()

	switch tok.kind {
	case tkLParen:
		p.advance()
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		p.advance()
		return &astNode{kind: ndLiteral, literal: document.NewString(tok.value)}, nil

	case tkNumber:
		p.advance()
		d, err := decimal.NewFromString(tok.value)
		if err != nil {
			return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("invalid number %q", tok.value)}
		}
		return &astNode{kind: ndLiteral, literal: document.NewNumber(d)}, nil

	case tkIdent:
		p.advance()
		switch tok.value {
		case "true":
			return &astNode{kind: ndLiteral, literal: document.NewBool(true)}, nil
		case "false":
			return &astNode{kind: ndLiteral, literal: document.NewBool(false)}, nil
		case "$this":
			return &astNode{kind: ndThis}, nil
		case "and", "or":
			return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected operator %q", tok.value)}
		}
		if tok.value[0] == '$' {
			return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unsupported variable %q", tok.value)}
		}
		if p.peek().kind == tkLParen {
			return p.parseCall(tok, nil)
		}
		return &astNode{kind: ndPath, name: tok.value}, nil

	case tkEOF:
		return nil, &ParseError{Pos: tok.pos, Msg: "unexpected end of expression"}

	default:
		return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected token %q", tok.value)}
	}
}

func (p *parser) parseArgList() ([]*astNode, error) {
	var args []*astNode
	if p.peek().kind == tkRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	return args, nil
}
