package dsl

import (
	"strconv"
	"strings"
	"unicode"

	"backplay/internal/feed"
)

// 表达式文法（比较条件的单侧）：
//
//	expr   = term { ("+"|"-") term }
//	term   = factor { ("*"|"/") factor }
//	factor = number | ref | "(" expr ")"
//	ref    = ident [ "." ident ] [ "@" role ] [ "[" offset "]" ]
//
// 例: "ema_fast - ema_slow"、"(high + low) / 2"、"swing.high_level@mid[1]"。

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp     // + - * /
	tokLParen
	tokRParen
	tokDot
	tokAt
	tokLBracket
	tokRBracket
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type exprParser struct {
	src  string
	toks []token
	pos  int
}

// parseSide 把单侧表达式文本解析为未校验的节点树。
// 标识符存在性与类型检查由编译器在解析后统一完成。
func parseSide(src string) (*Node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{src: src, toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, configErrorf("表达式 %q 在 %q 处有多余内容", src, p.peek().text)
	}
	return node, nil
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '.':
			// 数字内的小数点在数字分支处理；这里只能是字段访问
			toks = append(toks, token{kind: tokDot, text: ".", pos: i})
			i++
		case c == '@':
			toks = append(toks, token{kind: tokAt, text: "@", pos: i})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c >= '0' && c <= '9':
			j := i
			seenDot := false
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || (src[j] == '.' && !seenDot)) {
				if src[j] == '.' {
					seenDot = true
				}
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], pos: i})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		default:
			return nil, configErrorf("表达式 %q 第 %d 列存在非法字符 %q", src, i+1, string(c))
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func (p *exprParser) peek() token { return p.toks[p.pos] }
func (p *exprParser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *exprParser) parseExpr() (*Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindArith, ArithOp: t.text[0], Left: left, Right: right}
	}
}

func (p *exprParser) parseTerm() (*Node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindArith, ArithOp: t.text[0], Left: left, Right: right}
	}
}

func (p *exprParser) parseFactor() (*Node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, configErrorf("表达式 %q: 数字 %q 非法", p.src, t.text)
		}
		return &Node{Kind: KindScalar, Scalar: f}, nil
	case tokOp:
		// 一元负号
		if t.text == "-" {
			p.next()
			inner, err := p.parseFactor()
			if err != nil {
				return nil, err
			}
			if inner.Kind == KindScalar {
				inner.Scalar = -inner.Scalar
				return inner, nil
			}
			return &Node{Kind: KindArith, ArithOp: '-', Left: &Node{Kind: KindScalar}, Right: inner}, nil
		}
		return nil, configErrorf("表达式 %q: %q 不能作为操作数开头", p.src, t.text)
	case tokLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, configErrorf("表达式 %q: 括号未闭合", p.src)
		}
		p.next()
		return inner, nil
	case tokIdent:
		return p.parseRef()
	default:
		return nil, configErrorf("表达式 %q: 第 %d 列缺少操作数", p.src, t.pos+1)
	}
}

func (p *exprParser) parseRef() (*Node, error) {
	id := p.next().text
	ref := FeatureRef{ID: id, Role: feed.RoleExec}
	if p.peek().kind == tokDot {
		p.next()
		f := p.peek()
		if f.kind != tokIdent {
			return nil, configErrorf("表达式 %q: %s. 之后需要字段名", p.src, id)
		}
		p.next()
		ref.Field = f.text
	}
	if p.peek().kind == tokAt {
		p.next()
		r := p.peek()
		if r.kind != tokIdent {
			return nil, configErrorf("表达式 %q: %s@ 之后需要周期角色", p.src, id)
		}
		p.next()
		role, err := feed.ParseRole(r.text)
		if err != nil {
			return nil, configErrorf("表达式 %q: %v", p.src, err)
		}
		ref.Role = role
	}
	if p.peek().kind == tokLBracket {
		p.next()
		n := p.peek()
		if n.kind != tokNumber || strings.Contains(n.text, ".") {
			return nil, configErrorf("表达式 %q: %s[...] 偏移必须是非负整数", p.src, id)
		}
		p.next()
		off, err := strconv.Atoi(n.text)
		if err != nil || off < 0 {
			return nil, configErrorf("表达式 %q: %s[...] 偏移必须是非负整数", p.src, id)
		}
		ref.Offset = off
		if p.peek().kind != tokRBracket {
			return nil, configErrorf("表达式 %q: 偏移缺少 ]", p.src)
		}
		p.next()
	}
	return &Node{Kind: KindFeature, Ref: ref}, nil
}
