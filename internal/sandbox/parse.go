package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Exec scripts are a statement list around expr expressions:
//
//	e.f = expr         e["f"] = expr         f = expr (same as e.f)
//	e.f += expr        (also -= *= /=)
//	e.f = ()           deletes the field
//	let x = expr       declares a script local
//	if cond { ... } else if cond { ... } else { ... }
//	expr               evaluated for its side effects (track_*, emit, print)
//
// Statements are separated by ';' or newlines outside brackets and strings.

type stmtKind uint8

const (
	stmtExpr stmtKind = iota
	stmtAssign
	stmtLet
	stmtIf
)

// rawStmt is a parsed statement before compilation. Offsets index the script.
type rawStmt struct {
	kind stmtKind
	pos  int

	// expression source and its offset (RHS, condition or bare expression)
	src    string
	srcOff int

	target  target
	op      byte // 0 or one of + - * /
	deleted bool

	then []rawStmt
	els  []rawStmt
}

// target is an assignment destination: a path below the event, or a local.
type target struct {
	local string
	path  []string
	text  string
}

var (
	identRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	letRe        = regexp.MustCompile(`^let\s+([A-Za-z_][A-Za-z0-9_]*)\s*=`)
	bracketKeyRe = regexp.MustCompile(`^\[\s*("(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*')\s*\]`)
)

var reservedNames = map[string]bool{"e": true, "meta": true, "window": true, "metrics": true, "span": true}

type parser struct {
	src    string
	locals map[string]bool
}

func parseScript(src string) ([]rawStmt, error) {
	p := &parser{src: src, locals: make(map[string]bool)}
	stmts, end, err := p.block(0, false)
	if err != nil {
		return nil, err
	}
	if end != len(src) {
		return nil, p.errorf(end, "unexpected '}'")
	}
	return stmts, nil
}

// block parses statements from i until EOF or, when nested, the closing brace.
// It returns the offset of the closing brace (or len(src)).
func (p *parser) block(i int, nested bool) ([]rawStmt, int, error) {
	var out []rawStmt
	for {
		i = p.skipSeparators(i)
		if i >= len(p.src) {
			if nested {
				return nil, i, p.errorf(i, "missing '}'")
			}
			return out, i, nil
		}
		if p.src[i] == '}' {
			if !nested {
				return nil, i, p.errorf(i, "unexpected '}'")
			}
			return out, i, nil
		}

		var (
			st  rawStmt
			err error
		)
		if p.keywordAt(i, "if") {
			st, i, err = p.ifStmt(i)
		} else {
			st, i, err = p.simpleStmt(i, nested)
		}
		if err != nil {
			return nil, i, err
		}
		out = append(out, st)
	}
}

func (p *parser) skipSeparators(i int) int {
	for i < len(p.src) {
		switch p.src[i] {
		case ' ', '\t', '\r', '\n', ';':
			i++
		case '/':
			if i+1 < len(p.src) && p.src[i+1] == '/' {
				for i < len(p.src) && p.src[i] != '\n' {
					i++
				}
				continue
			}
			return i
		default:
			return i
		}
	}
	return i
}

func (p *parser) keywordAt(i int, kw string) bool {
	if !strings.HasPrefix(p.src[i:], kw) {
		return false
	}
	j := i + len(kw)
	return j < len(p.src) && (p.src[j] == ' ' || p.src[j] == '\t' || p.src[j] == '(' || p.src[j] == '\n')
}

func (p *parser) ifStmt(i int) (rawStmt, int, error) {
	st := rawStmt{kind: stmtIf, pos: i}
	condStart := i + len("if")
	brace, err := p.scan(condStart, func(c byte, depth int) bool { return c == '{' && depth == 0 })
	if err != nil {
		return st, i, err
	}
	if brace >= len(p.src) {
		return st, i, p.errorf(i, "if statement needs a '{' block")
	}
	st.src, st.srcOff = trimmed(p.src, condStart, brace)
	if st.src == "" {
		return st, i, p.errorf(i, "if statement needs a condition")
	}

	st.then, i, err = p.block(brace+1, true)
	if err != nil {
		return st, i, err
	}
	i++ // '}'

	j := p.skipSpaces(i)
	if !p.keywordAt(j, "else") && !strings.HasPrefix(p.src[j:], "else{") {
		return st, i, nil
	}
	j = p.skipSpaces(j + len("else"))
	switch {
	case p.keywordAt(j, "if"):
		var nestedIf rawStmt
		nestedIf, i, err = p.ifStmt(j)
		if err != nil {
			return st, i, err
		}
		st.els = []rawStmt{nestedIf}
	case j < len(p.src) && p.src[j] == '{':
		st.els, i, err = p.block(j+1, true)
		if err != nil {
			return st, i, err
		}
		i++
	default:
		return st, j, p.errorf(j, "else needs a '{' block or if")
	}
	return st, i, nil
}

func (p *parser) skipSpaces(i int) int {
	for i < len(p.src) && (p.src[i] == ' ' || p.src[i] == '\t' || p.src[i] == '\r' || p.src[i] == '\n') {
		i++
	}
	return i
}

func (p *parser) simpleStmt(i int, nested bool) (rawStmt, int, error) {
	end, err := p.scan(i, func(c byte, depth int) bool {
		return depth == 0 && (c == ';' || c == '\n' || (nested && c == '}'))
	})
	if err != nil {
		return rawStmt{}, i, err
	}
	text, off := trimmed(p.src, i, end)
	st, err := p.classify(text, off)
	return st, end, err
}

// classify turns one statement's text into a let, assignment or expression.
func (p *parser) classify(text string, off int) (rawStmt, error) {
	if m := letRe.FindStringSubmatchIndex(text); m != nil {
		name := text[m[2]:m[3]]
		if reservedNames[name] {
			return rawStmt{}, p.errorf(off, "cannot declare %q: name is reserved", name)
		}
		p.locals[name] = true
		src, srcOff := trimmed(text, m[1], len(text))
		if src == "" {
			return rawStmt{}, p.errorf(off, "let %s needs a value", name)
		}
		return rawStmt{kind: stmtLet, pos: off, target: target{local: name, text: name}, src: src, srcOff: off + srcOff}, nil
	}

	eq, op := assignOperator(text)
	if eq < 0 {
		return rawStmt{kind: stmtExpr, pos: off, src: text, srcOff: off}, nil
	}

	lhsEnd := eq
	if op != 0 {
		lhsEnd--
	}
	lhs := strings.TrimSpace(text[:lhsEnd])
	tgt, err := p.parseTarget(lhs, off)
	if err != nil {
		return rawStmt{}, err
	}
	rhs, rhsOff := trimmed(text, eq+1, len(text))
	if rhs == "" {
		return rawStmt{}, p.errorf(off, "assignment to %s needs a value", lhs)
	}
	st := rawStmt{kind: stmtAssign, pos: off, target: tgt, op: op, src: rhs, srcOff: off + rhsOff}
	if rhs == "()" {
		if op != 0 {
			return rawStmt{}, p.errorf(off, "cannot combine %c= with ()", op)
		}
		st.deleted = true
	}
	return st, nil
}

// assignOperator finds a top-level '=' that is an assignment, not part of a
// comparison or arrow. It returns -1 when text is not an assignment.
func assignOperator(text string) (int, byte) {
	depth := 0
	var quote byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '=':
			if depth != 0 {
				continue
			}
			next := byte(0)
			if i+1 < len(text) {
				next = text[i+1]
			}
			if next == '=' || next == '>' {
				i++
				continue
			}
			var prev byte
			if i > 0 {
				prev = text[i-1]
			}
			switch prev {
			case '!', '<', '>', '=':
				continue
			case '+', '-', '*', '/':
				return i, prev
			}
			return i, 0
		}
	}
	return -1, 0
}

// parseTarget accepts e.a.b, e["a"]["b"], a local declared with let, or a
// bare identifier meaning e.<ident>.
func (p *parser) parseTarget(lhs string, off int) (target, error) {
	if identRe.MatchString(lhs) {
		if reservedNames[lhs] {
			return target{}, p.errorf(off, "cannot assign to %q", lhs)
		}
		if p.locals[lhs] {
			return target{local: lhs, text: lhs}, nil
		}
		return target{path: []string{lhs}, text: "e." + lhs}, nil
	}

	rest, ok := strings.CutPrefix(lhs, "e")
	if !ok {
		return target{}, p.errorf(off, "invalid assignment target %q", lhs)
	}
	var path []string
	for rest != "" {
		switch {
		case rest[0] == '.':
			j := 1
			for j < len(rest) && (rest[j] == '_' || isAlnum(rest[j])) {
				j++
			}
			name := rest[1:j]
			if !identRe.MatchString(name) {
				return target{}, p.errorf(off, "invalid assignment target %q", lhs)
			}
			path = append(path, name)
			rest = rest[j:]
		case rest[0] == '[':
			m := bracketKeyRe.FindStringSubmatchIndex(rest)
			if m == nil {
				return target{}, p.errorf(off, "invalid assignment target %q: index must be a string literal", lhs)
			}
			key, err := unquote(rest[m[2]:m[3]])
			if err != nil {
				return target{}, p.errorf(off, "invalid assignment target %q: %v", lhs, err)
			}
			path = append(path, key)
			rest = rest[m[1]:]
		default:
			return target{}, p.errorf(off, "invalid assignment target %q", lhs)
		}
	}
	if len(path) == 0 {
		return target{}, p.errorf(off, "cannot assign to %q", lhs)
	}
	return target{path: path, text: lhs}, nil
}

func unquote(s string) (string, error) {
	if s[0] == '\'' {
		s = `"` + strings.ReplaceAll(strings.ReplaceAll(s[1:len(s)-1], `"`, `\"`), `\'`, `'`) + `"`
	}
	return strconv.Unquote(s)
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// scan advances from i until stop reports true for a byte outside strings,
// returning its offset (len(src) when never stopped). Depth counts open
// brackets of all kinds.
func (p *parser) scan(i int, stop func(c byte, depth int) bool) (int, error) {
	depth := 0
	var quote byte
	quoteAt := 0
	for ; i < len(p.src); i++ {
		c := p.src[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		if stop(c, depth) {
			return i, nil
		}
		switch c {
		case '"', '\'', '`':
			quote, quoteAt = c, i
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return i, p.errorf(i, "unbalanced %q", c)
			}
		}
	}
	if quote != 0 {
		return i, p.errorf(quoteAt, "unterminated string")
	}
	return i, nil
}

func trimmed(s string, from, to int) (string, int) {
	seg := s[from:to]
	lead := len(seg) - len(strings.TrimLeft(seg, " \t\r\n"))
	return strings.TrimSpace(seg), from + lead
}

// parseError is a statement-level syntax error with its offset.
type parseError struct {
	off int
	msg string
}

func (e *parseError) Error() string { return e.msg }

func (p *parser) errorf(off int, format string, args ...any) error {
	return &parseError{off: off, msg: fmt.Sprintf(format, args...)}
}
