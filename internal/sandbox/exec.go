package sandbox

import (
	"errors"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
)

// stmt is a compiled statement.
type stmt struct {
	kind    stmtKind
	pos     int
	prog    *vm.Program
	progOff int
	target  target
	deleted bool
	then    []stmt
	els     []stmt
}

// Exec is a compiled statement script.
type Exec struct {
	rt    *Runtime
	src   *source
	body  []stmt
	refs  []string
	calls []string
}

// Result is the outcome of a successful Exec run.
type Result struct {
	Event *v1.Event
	Effects
}

// fieldRefs collects the event fields a script reads (e.f and e["f"]).
type fieldRefs struct {
	seen map[string]struct{}
}

func (v *fieldRefs) Visit(node *ast.Node) {
	m, ok := (*node).(*ast.MemberNode)
	if !ok {
		return
	}
	id, ok := m.Node.(*ast.IdentifierNode)
	if !ok || id.Value != "e" {
		return
	}
	if s, ok := m.Property.(*ast.StringNode); ok {
		v.seen[s.Value] = struct{}{}
	}
}

func (v *fieldRefs) names() []string {
	out := make([]string, 0, len(v.seen))
	for name := range v.seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CompileExec compiles an Exec stage script. Bare names read and write
// fields of e.
func (r *Runtime) CompileExec(script string) (*Exec, error) {
	return r.compileStatements(script, true)
}

func (r *Runtime) compileStatements(script string, bare bool) (*Exec, error) {
	src := newSource(script)
	raw, err := parseScript(script)
	if err != nil {
		return nil, src.locate(err, 0)
	}
	if len(raw) == 0 {
		return nil, &ScriptError{Class: Hard, Message: "script is empty"}
	}

	refs := &fieldRefs{seen: make(map[string]struct{})}
	calls := &calledNames{}
	opts := []expr.Option{
		expr.Env(scriptEnv()),
		expr.AllowUndefinedVariables(),
		expr.Patch(calls),
	}
	if bare {
		locals := make(map[string]bool)
		collectLocals(raw, locals)
		opts = append(opts, expr.Patch(&bareFields{calls: calls, locals: locals}))
	}
	opts = append(opts, expr.Patch(refs))
	opts = append(opts, r.allFunctions()...)

	x := &Exec{rt: r, src: src}
	if x.body, err = x.compileBlock(raw, opts, refs); err != nil {
		return nil, err
	}
	x.refs = refs.names()
	x.calls = calls.sorted()
	return x, nil
}

func collectLocals(raw []rawStmt, into map[string]bool) {
	for _, rs := range raw {
		if rs.target.local != "" {
			into[rs.target.local] = true
		}
		collectLocals(rs.then, into)
		collectLocals(rs.els, into)
	}
}

func (x *Exec) compileBlock(raw []rawStmt, opts []expr.Option, refs *fieldRefs) ([]stmt, error) {
	out := make([]stmt, 0, len(raw))
	for _, rs := range raw {
		st := stmt{kind: rs.kind, pos: rs.pos, target: rs.target, deleted: rs.deleted, progOff: rs.srcOff}

		if !rs.deleted {
			code := rs.src
			if rs.op != 0 {
				// Compound assignment reads the target, so it is evaluated as
				// "<target> op (<rhs>)" and positioned at the statement.
				code = fmt.Sprintf("%s %c (%s)", rs.target.text, rs.op, rs.src)
				st.progOff = rs.pos
			}
			prog, err := expr.Compile(code, opts...)
			if err != nil {
				return nil, x.src.locate(err, st.progOff)
			}
			st.prog = prog
		}

		var err error
		if st.then, err = x.compileBlock(rs.then, opts, refs); err != nil {
			return nil, err
		}
		if st.els, err = x.compileBlock(rs.els, opts, refs); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Refs returns the event fields the script reads, sorted.
func (x *Exec) Refs() []string { return x.refs }

// Calls returns the distinct functions the script calls, sorted.
func (x *Exec) Calls() []string { return x.calls }

// Run evaluates the script against a copy of in.Event. On failure the input
// event is untouched, no effects are returned and the error is a
// *ScriptError classified Soft or Hard.
func (x *Exec) Run(in *Input) (*Result, error) {
	sc := x.rt.enter(in.Tracker)
	defer x.rt.leave()

	native := in.Event.Fields.ToNative()
	env := map[string]any{
		"e":      native,
		"meta":   metaNative(in),
		"window": windowNative(in.Window),
	}
	if err := x.runBlock(x.body, env); err != nil {
		se := x.asScriptError(err)
		classify(se, x.refs, in.Event.Fields)
		return nil, se
	}

	fields, err := v1.FieldsFromNative(native, in.Event.Fields)
	if err != nil {
		return nil, &ScriptError{Class: Hard, Message: err.Error(), Err: err}
	}
	out := v1.EventFrom(fields)
	v1.Promote(out)
	if out.Timestamp == nil {
		out.Timestamp = in.Event.Timestamp
	}
	return &Result{Event: out, Effects: sc.effects}, nil
}

// stmtError carries the failing statement's fragment offset up the block.
type stmtError struct {
	off int
	err error
}

func (e *stmtError) Error() string { return e.err.Error() }
func (e *stmtError) Unwrap() error { return e.err }

func (x *Exec) asScriptError(err error) *ScriptError {
	var serr *stmtError
	if errors.As(err, &serr) {
		return x.src.locate(serr.err, serr.off)
	}
	return x.src.locate(err, 0)
}

func (x *Exec) runBlock(body []stmt, env map[string]any) error {
	for i := range body {
		if err := x.runStmt(&body[i], env); err != nil {
			return err
		}
	}
	return nil
}

func (x *Exec) runStmt(st *stmt, env map[string]any) error {
	var val any
	if st.prog != nil {
		var err error
		if val, err = expr.Run(st.prog, env); err != nil {
			return &stmtError{off: st.progOff, err: err}
		}
	}

	switch st.kind {
	case stmtExpr:
		return nil
	case stmtLet:
		env[st.target.local] = val
		return nil
	case stmtIf:
		cond, ok := val.(bool)
		if !ok {
			return &stmtError{off: st.progOff, err: fmt.Errorf("if condition must be a boolean, got %s", typeName(val))}
		}
		if cond {
			return x.runBlock(st.then, env)
		}
		return x.runBlock(st.els, env)
	case stmtAssign:
		if st.target.local != "" {
			env[st.target.local] = val
			return nil
		}
		if err := assign(env, st.target, val, st.deleted); err != nil {
			return &stmtError{off: st.pos, err: err}
		}
	}
	return nil
}

// assign writes val at target's path below e, creating nothing but the last
// key. Deleting a missing path is a no-op.
func assign(env map[string]any, t target, val any, del bool) error {
	m, ok := env["e"].(map[string]any)
	if !ok {
		return fmt.Errorf("cannot assign to %s: no event in scope", t.text)
	}
	for i, key := range t.path[:len(t.path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			if del && m[key] == nil {
				return nil
			}
			return fmt.Errorf("cannot assign to %s: %s is %s, not a map", t.text, pathText(t.path[:i+1]), typeName(m[key]))
		}
		m = next
	}
	last := t.path[len(t.path)-1]
	if del {
		delete(m, last)
		return nil
	}
	m[last] = val
	return nil
}

func pathText(path []string) string {
	s := "e"
	for _, p := range path {
		s += "." + p
	}
	return s
}
