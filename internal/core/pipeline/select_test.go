package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/tracking"
	"github.com/aevon-lab/sieve/internal/sandbox"
)

func leveled(line int, level string, kv ...any) *v1.Record {
	rec := record(line, kv...)
	rec.Event.Level = level
	return rec
}

func TestSelection_Levels(t *testing.T) {
	p, err := Build(nil, tracking.NewState(), WithSelection(Selection{
		Levels:        []string{"ERROR", "warn"},
		ExcludeLevels: []string{"warn"},
	}))
	require.NoError(t, err)

	tests := []struct {
		level string
		kept  bool
	}{
		{level: "error", kept: true},
		{level: "Error", kept: true},
		{level: "warn", kept: false},
		{level: "info", kept: false},
		{level: "", kept: false},
	}
	for _, tc := range tests {
		out, err := p.Run(context.Background(), leveled(1, tc.level, "a", 1), nil)
		require.NoError(t, err)
		assert.Equal(t, !tc.kept, out.Dropped, "level %q", tc.level)
	}

	exclude, err := Build(nil, tracking.NewState(), WithSelection(Selection{ExcludeLevels: []string{"debug"}}))
	require.NoError(t, err)
	out, err := exclude.Run(context.Background(), leveled(1, "", "a", 1), nil)
	require.NoError(t, err)
	assert.False(t, out.Dropped, "exclusion alone keeps events without a level")
}

func TestSelection_TimeRangeRunsBeforeStages(t *testing.T) {
	since := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)
	until := since.Add(time.Hour)
	st := tracking.NewState()
	p, err := Build([]Def{{Kind: KindExec, Source: `track_count("seen")`}}, st,
		WithSelection(Selection{Since: &since, Until: &until}))
	require.NoError(t, err)
	require.Len(t, p.Stages(), 2)

	for i, ts := range []*time.Time{&since, &until, ptr(since.Add(-time.Second)), ptr(until.Add(time.Second)), nil} {
		rec := record(i+1, "n", i)
		rec.Event.Timestamp = ts
		out, err := p.Run(context.Background(), rec, nil)
		require.NoError(t, err)
		assert.Equal(t, i >= 2, out.Dropped, "record %d", i)
	}
	assert.Equal(t, int64(2), st.Value("seen"), "dropped records never reach the scripts")
}

func TestSelection_KeysRunAfterStages(t *testing.T) {
	p, err := Build([]Def{{Kind: KindExec, Source: `e.code = e.status`}}, tracking.NewState(),
		WithSelection(Selection{Keys: []string{"code", "path", "absent"}, ExcludeKeys: []string{"path"}}))
	require.NoError(t, err)

	rec := leveled(1, "error", "status", 500, "path", "/", "level", "error")
	out, err := p.Run(context.Background(), rec, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"code"}, out.Record.Event.Keys())
	assert.Equal(t, "error", out.Record.Event.Level, "promoted slots survive")

	drop, err := Build(nil, tracking.NewState(), WithSelection(Selection{ExcludeKeys: []string{"path"}}))
	require.NoError(t, err)
	in := record(1, "status", 500, "path", "/")
	out, err = drop.Run(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"status"}, out.Record.Event.Keys())
}

func TestParseTimeBound(t *testing.T) {
	now := time.Date(2026, 2, 11, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "now", want: now},
		{in: "today", want: time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{in: "1h", want: now.Add(-time.Hour)},
		{in: "-30m", want: now.Add(-30 * time.Minute)},
		{in: "+2h", want: now.Add(2 * time.Hour)},
		{in: "2026-02-10", want: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)},
		{in: "2026-02-10T08:00:00Z", want: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)},
		{in: "yesterday-ish", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTimeBound(tc.in, now)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "got %s", got)
		})
	}
}

func TestReadsMetrics(t *testing.T) {
	stages, err := Compile(sandbox.New(), []Def{{Kind: KindExec, Source: `track_count("n")`}, {Kind: KindFilter, Source: `e.a > 1`}})
	require.NoError(t, err)
	assert.False(t, ReadsMetrics(stages))

	stages, err = Compile(sandbox.New(), []Def{{Kind: KindExec, Source: `e.running = metric("n")`}})
	require.NoError(t, err)
	assert.True(t, ReadsMetrics(stages))
}

func ptr(t time.Time) *time.Time { return &t }
