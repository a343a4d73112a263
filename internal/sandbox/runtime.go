// Package sandbox hosts user scripts for Filter, Exec and Map stages and for
// the begin, end and span-close hooks. Expressions are compiled and run with
// expr-lang/expr; Exec adds a small statement layer on top.
//
// A Runtime and everything compiled from it belong to one goroutine. Parallel
// workers each compile their own.
package sandbox

import (
	"github.com/expr-lang/expr"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/tracking"
)

// Tracker is the read side of the tracking state a script can observe.
// *tracking.State and *tracking.SyncState both satisfy it.
type Tracker interface {
	Preview(key string, pending []tracking.Op) any
	Check(op tracking.Op, pending []tracking.Op) error
	Values() map[string]any
}

// Input is everything one stage invocation can see.
type Input struct {
	Event *v1.Event
	Meta  v1.Meta
	Seq   uint64
	// Window is most-recent-first and excludes the current event.
	Window  []*v1.Event
	Tracker Tracker
}

// Effects are the side effects of a successful evaluation. They are buffered
// during the run and handed back only on success.
type Effects struct {
	Ops     []tracking.Op
	Emitted []*v1.Event
	Printed []string
}

// scope is the per-evaluation state the registered functions write to.
type scope struct {
	tracker Tracker
	effects Effects
}

// Runtime owns the function set bound into compiled programs.
type Runtime struct {
	cur *scope
}

// New returns a runtime with no evaluation in progress.
func New() *Runtime {
	return &Runtime{}
}

func (r *Runtime) enter(t Tracker) *scope {
	r.cur = &scope{tracker: t}
	return r.cur
}

func (r *Runtime) leave() { r.cur = nil }

// Function sets by stage kind. Filters and Map never change tracking state.
func (r *Runtime) readOnlyFunctions() []expr.Option {
	return []expr.Option{
		expr.Function("metric", r.metric),
		expr.Function("window_values", windowValues),
		expr.Function("window_numbers", windowNumbers),
		expr.Function("percentile", percentileOf),
	}
}

func (r *Runtime) allFunctions() []expr.Option {
	opts := r.readOnlyFunctions()
	for _, kind := range []string{
		tracking.OpCount, tracking.OpSum, tracking.OpMin, tracking.OpMax, tracking.OpAvg,
		tracking.OpUnique, tracking.OpBucket, tracking.OpTop, tracking.OpBottom, tracking.OpPercentile,
	} {
		opts = append(opts, expr.Function("track_"+kind, r.track(kind)))
	}
	return append(opts,
		expr.Function("emit", r.emit),
		expr.Function("print", r.print),
	)
}

// scriptEnv is the compile-time shape of every binding a script may see.
func scriptEnv() map[string]any {
	return map[string]any{
		"e":       map[string]any{},
		"meta":    map[string]any{},
		"window":  []any{},
		"metrics": map[string]any{},
		"span":    map[string]any{},
	}
}

func metaNative(in *Input) map[string]any {
	return map[string]any{
		"line_num": in.Meta.LineNum,
		"raw":      in.Meta.Raw,
		"filename": in.Meta.Filename,
		"seq":      int(in.Seq),
	}
}

func windowNative(w []*v1.Event) []any {
	out := make([]any, len(w))
	for i, e := range w {
		out[i] = e.ToNative()
	}
	return out
}
