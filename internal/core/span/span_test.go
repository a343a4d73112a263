package span

import (
	"context"
	"errors"
	"testing"
	"time"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/tracking"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    Spec
		wantErr bool
	}{
		{in: "count:5", want: Spec{Mode: ModeCount, Count: 5}},
		{in: "12", want: Spec{Mode: ModeCount, Count: 12}},
		{in: "30s", want: Spec{Mode: ModeTime, Duration: 30 * time.Second}},
		{in: "5m", want: Spec{Mode: ModeTime, Duration: 5 * time.Minute}},
		{in: "2d", want: Spec{Mode: ModeTime, Duration: 48 * time.Hour}},
		{in: "count:0", wantErr: true},
		{in: "count:x", wantErr: true},
		{in: "0", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "0d", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSpec(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestBucketFor(t *testing.T) {
	ts := time.Date(2026, 2, 11, 10, 35, 42, 0, time.UTC)
	require.Equal(t, time.Date(2026, 2, 11, 10, 35, 0, 0, time.UTC), BucketFor(ts, time.Minute))
	require.Equal(t, time.Date(2026, 2, 11, 10, 35, 0, 0, time.UTC), BucketFor(ts, 5*time.Minute))

	edge := time.Date(2026, 2, 11, 10, 34, 59, 0, time.UTC)
	require.Equal(t, time.Date(2026, 2, 11, 10, 30, 0, 0, time.UTC), BucketFor(edge, 5*time.Minute))
	require.Equal(t, time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC), BucketFor(edge, time.Hour))

	// Before the epoch, alignment rounds down.
	pre := time.UnixMilli(-1500).UTC()
	require.Equal(t, time.UnixMilli(-2000).UTC(), BucketFor(pre, time.Second))
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "2h", FormatDuration(2*time.Hour))
	require.Equal(t, "90m", FormatDuration(90*time.Minute))
	require.Equal(t, "45s", FormatDuration(45*time.Second))
	require.Equal(t, "1500ms", FormatDuration(1500*time.Millisecond))
}

type recordingHook struct {
	closed []Closed
	err    error
}

func (h *recordingHook) OnClose(_ context.Context, c *Closed) error {
	cp := *c
	cp.Events = append([]v1.Record(nil), c.Events...)
	h.closed = append(h.closed, cp)
	return h.err
}

func record(seq uint64, ts *time.Time) *v1.Record {
	e := v1.NewEvent(1)
	e.Set("seq", v1.Int(int64(seq)))
	e.Timestamp = ts
	return &v1.Record{Seq: seq, Event: e, Meta: v1.Meta{LineNum: int(seq) + 1}}
}

func at(min, sec int) *time.Time {
	t := time.Date(2026, 2, 11, 10, min, sec, 0, time.UTC)
	return &t
}

func TestAggregator_CountPartitioning(t *testing.T) {
	for _, k := range []int{1, 3, 4, 10} {
		hook := &recordingHook{}
		agg := New(Spec{Mode: ModeCount, Count: k}, hook)

		const total = 10
		for i := uint64(0); i < total; i++ {
			rec := record(i, nil)
			require.NoError(t, agg.Observe(context.Background(), rec, []tracking.Op{{Kind: tracking.OpCount, Key: "n"}}))
			require.Equal(t, v1.SpanOnTime, rec.Span.Status)
		}
		require.NoError(t, agg.Finish(context.Background()))

		seen := 0
		for i, c := range hook.closed {
			if i < len(hook.closed)-1 {
				require.Equal(t, k, c.Size, "k=%d span %s", k, c.ID)
			}
			require.LessOrEqual(t, c.Size, k)
			require.Equal(t, int64(c.Size), c.Metrics.Value("n"))
			for _, m := range c.Events {
				require.Equal(t, uint64(seen), m.Seq, "membership follows arrival order")
				seen++
			}
		}
		require.Equal(t, total, seen)
		require.Equal(t, "#0", hook.closed[0].ID)
		require.Equal(t, len(hook.closed), agg.Stats().Closed)
		require.Nil(t, agg.Current())
	}
}

func TestAggregator_TimeSpansAndLateRouting(t *testing.T) {
	hook := &recordingHook{}
	agg := New(Spec{Mode: ModeTime, Duration: time.Minute}, hook)
	ctx := context.Background()

	recs := []*v1.Record{
		record(0, at(0, 5)),
		record(1, at(0, 50)),
		record(2, at(1, 10)), // closes 10:00
		record(3, at(0, 59)), // late, routed to 10:01
		record(4, at(3, 0)),  // closes 10:01, skips empty 10:02
	}
	for _, r := range recs {
		require.NoError(t, agg.Observe(ctx, r, nil))
	}
	require.NoError(t, agg.Finish(ctx))

	require.Len(t, hook.closed, 3)
	require.Equal(t, "2026-02-11T10:00:00Z/1m", hook.closed[0].ID)
	require.Equal(t, 2, hook.closed[0].Size)
	require.Equal(t, "2026-02-11T10:01:00Z/1m", hook.closed[1].ID)
	require.Equal(t, 2, hook.closed[1].Size)
	require.Equal(t, 1, hook.closed[1].Late)
	require.Equal(t, *at(1, 0), hook.closed[1].Start)
	require.Equal(t, *at(2, 0), hook.closed[1].End)
	require.Equal(t, "2026-02-11T10:03:00Z/1m", hook.closed[2].ID)

	require.Equal(t, v1.SpanLate, recs[3].Span.Status)
	require.Equal(t, "2026-02-11T10:01:00Z/1m", recs[3].Span.ID)
	require.Equal(t, uint64(1), agg.Stats().Late)

	// Closed spans are never reopened and starts increase strictly.
	for i := 1; i < len(hook.closed); i++ {
		require.True(t, hook.closed[i].Start.After(hook.closed[i-1].Start))
	}
}

func TestAggregator_DropLatePolicy(t *testing.T) {
	hook := &recordingHook{}
	agg := New(Spec{Mode: ModeTime, Duration: time.Minute}, hook, WithLatePolicy(DropLate{}))
	ctx := context.Background()

	require.NoError(t, agg.Observe(ctx, record(0, at(1, 0)), nil))
	late := record(1, at(0, 30))
	require.NoError(t, agg.Observe(ctx, late, nil))
	require.NoError(t, agg.Finish(ctx))

	require.Equal(t, v1.SpanLate, late.Span.Status)
	require.Empty(t, late.Span.ID)
	require.Len(t, hook.closed, 1)
	require.Equal(t, 1, hook.closed[0].Size)
}

func TestAggregator_MissingTimestamp(t *testing.T) {
	ctx := context.Background()

	agg := New(Spec{Mode: ModeTime, Duration: time.Minute}, nil)
	rec := record(0, nil)
	require.NoError(t, agg.Observe(ctx, rec, nil))
	require.Equal(t, v1.SpanUnassigned, rec.Span.Status)
	require.Equal(t, uint64(1), agg.Stats().Unassigned)

	strict := New(Spec{Mode: ModeTime, Duration: time.Minute}, nil, WithStrict(true))
	err := strict.Observe(ctx, record(0, nil), nil)
	require.ErrorIs(t, err, ErrMissingTimestamp)
}

func TestAggregator_HookErrorStillCloses(t *testing.T) {
	boom := errors.New("boom")
	hook := &recordingHook{err: boom}
	agg := New(Spec{Mode: ModeCount, Count: 1}, hook)

	err := agg.Observe(context.Background(), record(0, nil), nil)
	require.ErrorIs(t, err, boom)
	require.Nil(t, agg.Current())
	require.Len(t, agg.History(), 1)

	require.NoError(t, agg.Finish(context.Background()))
	require.Len(t, hook.closed, 1, "hook runs once per span")
}

func TestSpan_StateLifecycle(t *testing.T) {
	agg := New(Spec{Mode: ModeCount, Count: 2}, nil)
	ctx := context.Background()

	require.NoError(t, agg.Observe(ctx, record(0, nil), nil))
	open := agg.Current()
	require.NotNil(t, open)
	require.Equal(t, StateOpen, open.State())
	require.Equal(t, "open", open.State().String())

	require.NoError(t, agg.Observe(ctx, record(1, nil), nil))
	require.NoError(t, agg.Observe(ctx, record(2, nil), nil))
	require.Equal(t, StateClosed, open.State())
	require.Equal(t, "closed", open.State().String())
	require.Equal(t, "closing", StateClosing.String())

	require.Len(t, agg.History(), 1)
	require.Equal(t, 2, agg.History()[0].Size)
}
