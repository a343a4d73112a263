package sandbox

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/span"
)

// Filter is a compiled boolean expression.
type Filter struct {
	rt    *Runtime
	src   *source
	prog  *vm.Program
	calls []string
}

// Calls returns the distinct functions the filter calls, sorted.
func (f *Filter) Calls() []string { return f.calls }

// calledNames collects the names of functions called by identifier and of
// variables declared with an expression-level let.
type calledNames struct {
	names    []string
	declared []string
}

func (v *calledNames) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			v.names = append(v.names, id.Value)
		}
	case *ast.VariableDeclaratorNode:
		v.declared = append(v.declared, n.Name)
	}
}

func (v *calledNames) has(name string) bool {
	return slices.Contains(v.names, name) || slices.Contains(v.declared, name)
}

// sorted returns the distinct called names.
func (v *calledNames) sorted() []string {
	out := slices.Clone(v.names)
	slices.Sort(out)
	return slices.Compact(out)
}

// bareFields rewrites a bare identifier read into a field read on e, so
// that "status >= 400" reads what "status = 400" writes. Reserved bindings,
// script locals and called or declared names are left alone. It must run
// after calls has walked the same tree.
type bareFields struct {
	calls  *calledNames
	locals map[string]bool
}

func (v *bareFields) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok {
		return
	}
	name := id.Value
	if reservedNames[name] || v.locals[name] || strings.HasPrefix(name, "$") || v.calls.has(name) {
		return
	}
	ast.Patch(node, &ast.MemberNode{
		Node:     &ast.IdentifierNode{Value: "e"},
		Property: &ast.StringNode{Value: name},
	})
}

func sideEffecting(name string) bool {
	return strings.HasPrefix(name, "track_") || name == "emit" || name == "print"
}

// CompileFilter compiles a Filter stage expression. Only read-only functions
// are available.
func (r *Runtime) CompileFilter(code string) (*Filter, error) {
	src := newSource(code)
	calls := &calledNames{}
	opts := append([]expr.Option{
		expr.Env(scriptEnv()),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
		expr.Patch(calls),
		expr.Patch(&bareFields{calls: calls}),
	}, r.readOnlyFunctions()...)
	prog, err := expr.Compile(code, opts...)
	if err != nil {
		return nil, src.locate(err, 0)
	}
	for _, name := range calls.names {
		if sideEffecting(name) {
			return nil, &ScriptError{Class: Hard, Message: fmt.Sprintf("%s is not available in filters", name), Line: 1, Column: 1, Snippet: src.snippet(1)}
		}
	}
	return &Filter{rt: r, src: src, prog: prog, calls: calls.sorted()}, nil
}

// Keep evaluates the filter. A comparison against a missing field is false
// without an error; any evaluation error is returned and the caller drops
// the event just the same.
func (f *Filter) Keep(in *Input) (bool, error) {
	f.rt.enter(in.Tracker)
	defer f.rt.leave()

	out, err := expr.Run(f.prog, map[string]any{
		"e":      in.Event.Fields.ToNative(),
		"meta":   metaNative(in),
		"window": windowNative(in.Window),
	})
	if err != nil {
		return false, f.src.locate(err, 0)
	}
	keep, ok := out.(bool)
	if !ok {
		return false, &ScriptError{Class: Hard, Message: fmt.Sprintf("filter must return a boolean, got %s", typeName(out))}
	}
	return keep, nil
}

// Map is a compiled pure expression producing a replacement event.
type Map struct {
	src  *source
	prog *vm.Program
	refs []string
}

// CompileMap compiles a Map stage expression. The only binding is e and bare
// names read fields of e; no functions with side effects exist.
func (r *Runtime) CompileMap(code string) (*Map, error) {
	src := newSource(code)
	refs := &fieldRefs{seen: make(map[string]struct{})}
	calls := &calledNames{}
	prog, err := expr.Compile(code,
		expr.Env(map[string]any{"e": map[string]any{}}),
		expr.Patch(calls),
		expr.Patch(&bareFields{calls: calls}),
		expr.Patch(refs),
	)
	if err != nil {
		return nil, src.locate(err, 0)
	}
	return &Map{src: src, prog: prog, refs: refs.names()}, nil
}

// Apply evaluates the expression against e and returns the replacement.
// The input event is never modified.
func (m *Map) Apply(e *v1.Event) (*v1.Event, error) {
	out, err := expr.Run(m.prog, map[string]any{"e": e.Fields.ToNative()})
	if err != nil {
		se := m.src.locate(err, 0)
		classify(se, m.refs, e.Fields)
		return nil, se
	}
	native, ok := out.(map[string]any)
	if !ok {
		return nil, &ScriptError{Class: Hard, Message: fmt.Sprintf("map must return a map, got %s", typeName(out)), Line: 1, Column: 1, Snippet: m.src.snippet(1)}
	}
	fields, err := v1.FieldsFromNative(native, e.Fields)
	if err != nil {
		return nil, &ScriptError{Class: Hard, Message: err.Error(), Err: err}
	}
	ev := v1.EventFrom(fields)
	v1.Promote(ev)
	return ev, nil
}

// Hook is a statement script run outside the per-event path: before the
// first event, after the last, or when a span closes. It sees metrics and,
// for span hooks, span.
type Hook struct {
	x *Exec
}

// CompileHook compiles a begin, end or span-close script.
func (r *Runtime) CompileHook(script string) (*Hook, error) {
	x, err := r.compileStatements(script, false)
	if err != nil {
		return nil, err
	}
	return &Hook{x: x}, nil
}

// Run evaluates the hook. closed is nil for begin and end hooks.
func (h *Hook) Run(t Tracker, closed *span.Closed) (*Effects, error) {
	sc := h.x.rt.enter(t)
	defer h.x.rt.leave()

	env := map[string]any{"metrics": map[string]any{}}
	if t != nil {
		env["metrics"] = nativeMetrics(t.Values())
	}
	if closed != nil {
		env["span"] = SpanBinding(closed)
	}
	if err := h.x.runBlock(h.x.body, env); err != nil {
		return nil, h.x.asScriptError(err)
	}
	return &sc.effects, nil
}

// SpanBinding is the script view of a closing span.
func SpanBinding(c *span.Closed) map[string]any {
	events := make([]any, len(c.Events))
	for i, rec := range c.Events {
		events[i] = rec.Event.ToNative()
	}
	b := map[string]any{
		"id":     c.ID,
		"size":   c.Size,
		"late":   c.Late,
		"events": events,
		"start":  nil,
		"end":    nil,
	}
	if c.Metrics != nil {
		b["metrics"] = nativeMetrics(c.Metrics.Values())
	} else {
		b["metrics"] = map[string]any{}
	}
	if !c.Start.IsZero() {
		b["start"] = c.Start.Format(time.RFC3339)
		b["end"] = c.End.Format(time.RFC3339)
	}
	return b
}
