package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/tracking"
	"github.com/aevon-lab/sieve/internal/sandbox"
)

func record(line int, kv ...any) *v1.Record {
	e := v1.NewEvent(len(kv) / 2)
	for i := 0; i < len(kv); i += 2 {
		v, err := v1.FromNative(kv[i+1])
		if err != nil {
			panic(err)
		}
		e.Set(kv[i].(string), v)
	}
	return &v1.Record{Seq: uint64(line - 1), Event: e, Meta: v1.Meta{LineNum: line}}
}

func build(t *testing.T, tracker Tracker, strict bool, defs ...Def) *Pipeline {
	t.Helper()
	p, err := Build(defs, tracker, WithStrict(strict))
	require.NoError(t, err)
	return p
}

func TestPipeline_StatusFilterAndExec(t *testing.T) {
	p := build(t, tracking.NewState(), false,
		Def{Kind: KindFilter, Source: "e.status >= 400"},
		Def{Kind: KindExec, Source: "is_error = true"},
	)

	var kept []*v1.Record
	var stats Stats
	for i, status := range []int{200, 500, 404} {
		rec := record(i+1, "status", status)
		out, err := p.Run(context.Background(), rec, nil)
		require.NoError(t, err)
		stats.Observe(out)
		if !out.Dropped {
			kept = append(kept, out.Record)
		}
	}

	require.Len(t, kept, 2)
	assert.Equal(t, 500, v1.ToNative(kept[0].Event.Get("status")))
	assert.Equal(t, 404, v1.ToNative(kept[1].Event.Get("status")))
	for _, rec := range kept {
		assert.Equal(t, true, v1.ToNative(rec.Event.Get("is_error")))
	}
	assert.Equal(t, Stats{Accepted: 2, Filtered: 1}, stats)
}

func TestPipeline_SoftWarningKeepsEvent(t *testing.T) {
	p := build(t, tracking.NewState(), false,
		Def{Kind: KindExec, Source: "e.b = e.nonexistent + 1"},
		Def{Kind: KindExec, Source: "e.after = true"},
	)

	rec := record(3, "a", 1)
	before := rec.Event.Clone()
	out, err := p.Run(context.Background(), rec, nil)
	require.NoError(t, err)

	require.False(t, out.Dropped)
	assert.Equal(t, 1, out.Warnings)
	assert.Equal(t, 0, out.Errors)
	require.Len(t, out.Failures, 1)

	f := out.Failures[0]
	assert.Equal(t, sandbox.Soft, f.Class)
	assert.Equal(t, KindExec, f.Stage)
	assert.Equal(t, 1, f.StageIndex)
	assert.Equal(t, 3, f.LineNum)
	assert.Equal(t, 1, f.Line)

	// The failed stage left no trace; the next stage still ran.
	assert.Equal(t, []string{"a", "after"}, out.Record.Event.Keys())
	before.Set("after", v1.Bool(true))
	assert.True(t, out.Record.Event.Equal(before))
}

func TestPipeline_StrictAbortReportsOneFailure(t *testing.T) {
	p := build(t, tracking.NewState(), true,
		Def{Kind: KindExec, Source: "e.b = e.nonexistent + 1"},
		Def{Kind: KindExec, Source: "e.c = e.alsomissing * 2"},
	)

	out, err := p.Run(context.Background(), record(7, "a", 1), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStrictAbort))

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "exec stage 1", fatal.Stage)
	assert.Equal(t, 7, fatal.LineNum)
	assert.Contains(t, fatal.Error(), "^")

	require.Len(t, out.Failures, 1)
	assert.Equal(t, 1, out.Warnings)
}

func TestPipeline_HardErrorCounted(t *testing.T) {
	p := build(t, tracking.NewState(), false,
		Def{Kind: KindExec, Source: `e.x = e.name + 1`},
	)
	out, err := p.Run(context.Background(), record(1, "name", "abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Errors)
	assert.Equal(t, sandbox.Hard, out.Failures[0].Class)
	assert.False(t, out.Record.Event.Has("x"))
}

func TestPipeline_TrackingCommitsPerStage(t *testing.T) {
	st := tracking.NewState()
	p := build(t, st, false,
		Def{Kind: KindExec, Source: `track_count("seen")`},
		Def{Kind: KindExec, Source: `track_sum("bytes", e.size); e.bad = e.size + "x" + e.gone`},
		Def{Kind: KindExec, Source: `e.seen = metric("seen")`},
		Def{Kind: KindFilter, Source: `e.size > 100`},
	)

	out, err := p.Run(context.Background(), record(1, "size", 512), nil)
	require.NoError(t, err)
	assert.False(t, out.Dropped)
	assert.Equal(t, []tracking.Op{{Kind: tracking.OpCount, Key: "seen"}}, out.Ops)
	assert.Equal(t, 1, v1.ToNative(out.Record.Event.Get("seen")))
	assert.Equal(t, int64(1), st.Value("seen"))
	assert.Nil(t, st.Value("bytes"), "rolled back stage commits no ops")

	out, err = p.Run(context.Background(), record(2, "size", 50), nil)
	require.NoError(t, err)
	assert.True(t, out.Dropped)
	assert.Equal(t, int64(2), st.Value("seen"), "ops before a dropping filter stay committed")
}

func TestPipeline_MapReplacesEvent(t *testing.T) {
	p := build(t, tracking.NewState(), false,
		Def{Kind: KindMap, Source: `{"code": e.status}`},
		Def{Kind: KindFilter, Source: `e.code == 500`},
	)

	out, err := p.Run(context.Background(), record(1, "status", 500, "path", "/"), nil)
	require.NoError(t, err)
	require.False(t, out.Dropped)
	assert.Equal(t, []string{"code"}, out.Record.Event.Keys())
}

func TestPipeline_FilterErrorDropsSilently(t *testing.T) {
	p := build(t, tracking.NewState(), false,
		Def{Kind: KindFilter, Source: `e.missing + 1 > 0`},
	)
	out, err := p.Run(context.Background(), record(1, "a", 1), nil)
	require.NoError(t, err)
	assert.True(t, out.Dropped)
	assert.Empty(t, out.Failures)
}

func TestPipeline_WindowVisible(t *testing.T) {
	p := build(t, tracking.NewState(), false,
		Def{Kind: KindExec, Source: `e.prev = window_values(window, "n")`},
	)
	win := []*v1.Event{record(2, "n", 2).Event, record(1, "n", 1).Event}
	out, err := p.Run(context.Background(), record(3, "n", 3), win)
	require.NoError(t, err)
	assert.Equal(t, []any{2, 1}, v1.ToNative(out.Record.Event.Get("prev")))
}

func TestInvocation_Transitions(t *testing.T) {
	inv := &Invocation{}
	require.Error(t, inv.advance(Committed), "pending cannot commit directly")
	require.NoError(t, inv.advance(Evaluated))
	require.NoError(t, inv.advance(RolledBack))
	require.True(t, inv.State().Terminal())
	require.Error(t, inv.advance(Committed))
}

func TestCompile_NamesFailingStage(t *testing.T) {
	_, err := Compile(sandbox.New(), []Def{
		{Kind: KindFilter, Source: "e.a > 1"},
		{Kind: KindExec, Source: "e.a = (1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec stage 2")
}

func TestStats_Merge(t *testing.T) {
	a := Stats{Accepted: 1, Filtered: 2, Warnings: 3, Errors: 4, ParseFailures: 5, Emitted: 6, Late: 7}
	b := a
	a.Merge(b)
	assert.Equal(t, Stats{Accepted: 2, Filtered: 4, Warnings: 6, Errors: 8, ParseFailures: 10, Emitted: 12, Late: 14}, a)
	assert.Equal(t, uint64(6), a.Processed())
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
begin: print("start")
stages:
  - filter: e.status >= 400
  - exec: |
      is_error = true
      track_count("errors")
  - map: '{"status": e.status, "is_error": e.is_error}'
span_close: print(span.id)
end: print(metrics.errors)
`), 0o644))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	require.Len(t, def.Stages, 3)
	assert.Equal(t, KindFilter, def.Stages[0].Kind)
	assert.Equal(t, KindExec, def.Stages[1].Kind)
	assert.Equal(t, KindMap, def.Stages[2].Kind)
	assert.Len(t, def.Fingerprint, 64)

	_, err = Compile(sandbox.New(), def.Stages)
	require.NoError(t, err)
	hooks, err := CompileHooks(sandbox.New(), def.Begin, def.End, def.SpanClose)
	require.NoError(t, err)
	assert.NotNil(t, hooks.Begin)
	assert.NotNil(t, hooks.End)
	assert.NotNil(t, hooks.SpanClose)
}

func TestParseDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "two kinds in one entry", doc: "stages:\n  - filter: a\n    exec: b\n"},
		{name: "no kind", doc: "stages:\n  - {}\n"},
		{name: "empty script", doc: "stages:\n  - exec: ''\n"},
		{name: "not yaml", doc: "stages: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tc.doc))
			require.Error(t, err)
		})
	}
}
