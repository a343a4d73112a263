package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/pipeline"
	"github.com/aevon-lab/sieve/internal/core/span"
	"github.com/aevon-lab/sieve/internal/core/tracking"
	"github.com/aevon-lab/sieve/internal/core/window"
	"github.com/aevon-lab/sieve/internal/ingest"
	"github.com/aevon-lab/sieve/internal/sandbox"
)

// errTakeReached ends a run early once the take limit is met. Run treats it
// as a normal end of input.
var errTakeReached = errors.New("take limit reached")

// coordinator owns everything that needs arrival order: the window, the
// span aggregator, the output sink and the hooks. Only the goroutine driving
// the run calls into it; the stats ticker reads stats under mu.
type coordinator struct {
	strict bool
	// applyOps commits each delivered record's ops to tracker. Parallel
	// workers track into private arenas, so the global state is built only
	// from records that were actually delivered.
	applyOps bool
	take     int
	written  int

	sink    Sink
	tracker *tracking.SyncState
	window  *window.Buffer[*v1.Event]
	spans   *span.Aggregator
	hooks   *pipeline.Hooks

	mu    sync.Mutex
	stats pipeline.Stats
}

func newCoordinator(opts Options, sink Sink) (*coordinator, error) {
	hooks, err := pipeline.CompileHooks(sandbox.New(), opts.Begin, opts.End, opts.SpanClose)
	if err != nil {
		return nil, err
	}
	c := &coordinator{
		strict:  opts.Strict,
		take:    opts.Take,
		sink:    sink,
		tracker: tracking.NewSyncState(nil),
		window:  window.New[*v1.Event](opts.Window),
		hooks:   hooks,
	}
	if opts.Span != nil {
		var late span.LatePolicy = span.RouteToOpen{}
		if opts.DropLate {
			late = span.DropLate{}
		}
		var hook span.CloseHook
		if hooks.SpanClose != nil {
			hook = span.CloseHookFunc(c.onSpanClose)
		}
		c.spans = span.New(*opts.Span, hook, span.WithLatePolicy(late), span.WithStrict(opts.Strict))
	}
	return c, nil
}

// deliver applies one processed record: counters, print lines, window,
// output, emitted events and finally span assignment, so a span closed by
// this record writes its hook output after everything the record produced.
func (c *coordinator) deliver(ctx context.Context, out *pipeline.Outcome) error {
	logFailures(out)
	if err := c.commitOps(out); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Observe(out)
	c.mu.Unlock()

	for _, line := range out.Printed {
		if err := c.sink.Print(line); err != nil {
			return outputError(err)
		}
	}

	rec := out.Record
	if !out.Dropped {
		c.window.Push(rec.Event)
		if err := c.sink.Write(rec); err != nil {
			return outputError(err)
		}
		c.written++
	}
	for _, ev := range out.Emitted {
		if err := c.sink.Write(&v1.Record{Seq: rec.Seq, Event: ev, Meta: rec.Meta}); err != nil {
			return outputError(err)
		}
	}

	if !out.Dropped && c.spans != nil {
		if err := c.spans.Observe(ctx, rec, out.Ops); err != nil {
			return c.hookFailed("span", rec.Meta.LineNum, err)
		}
	}
	if c.take > 0 && c.written >= c.take {
		return errTakeReached
	}
	return nil
}

func (c *coordinator) commitOps(out *pipeline.Outcome) error {
	if !c.applyOps || len(out.Ops) == 0 {
		return nil
	}
	if err := c.tracker.ApplyAll(out.Ops); err != nil {
		return &pipeline.FatalError{Stage: "tracking", LineNum: out.Record.Meta.LineNum, Err: err}
	}
	return nil
}

// abort tallies the failure that stopped the run. The record itself is not
// delivered; ops its earlier stages committed still count.
func (c *coordinator) abort(out *pipeline.Outcome) {
	if out == nil {
		return
	}
	logFailures(out)
	if err := c.commitOps(out); err != nil {
		slog.Warn("[Engine] Dropping ops of the aborted record", "error", err)
	}
	c.mu.Lock()
	c.stats.Warnings += uint64(out.Warnings)
	c.stats.Errors += uint64(out.Errors)
	c.mu.Unlock()
}

func (c *coordinator) parseFailed(ch ingest.Chunk, err error) {
	c.mu.Lock()
	c.stats.ParseFailures++
	c.mu.Unlock()
	slog.Debug("[Engine] Skipping unparseable record",
		"file", ch.Filename,
		"line", ch.LineNum,
		"error", err,
	)
}

func (c *coordinator) addParseFailures(n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.stats.ParseFailures += uint64(n)
	c.mu.Unlock()
}

func (c *coordinator) onSpanClose(ctx context.Context, closed *span.Closed) error {
	eff, err := c.hooks.SpanClose.Run(c.tracker, closed)
	if err != nil {
		return err
	}
	return c.applyEffects(eff, v1.Meta{})
}

// runHook runs a begin or end script against the global tracker.
func (c *coordinator) runHook(_ context.Context, name string, h *sandbox.Hook) error {
	if h == nil {
		return nil
	}
	eff, err := h.Run(c.tracker, nil)
	if err == nil {
		err = c.applyEffects(eff, v1.Meta{})
	}
	if err != nil {
		return c.hookFailed(name, 0, err)
	}
	return nil
}

func (c *coordinator) applyEffects(eff *sandbox.Effects, meta v1.Meta) error {
	if err := c.tracker.ApplyAll(eff.Ops); err != nil {
		return err
	}
	for _, line := range eff.Printed {
		if err := c.sink.Print(line); err != nil {
			return outputError(err)
		}
	}
	for _, ev := range eff.Emitted {
		if err := c.sink.Write(&v1.Record{Event: ev, Meta: meta}); err != nil {
			return outputError(err)
		}
	}
	c.mu.Lock()
	c.stats.Emitted += uint64(len(eff.Emitted))
	c.mu.Unlock()
	return nil
}

// hookFailed escalates in strict mode and otherwise counts and logs.
func (c *coordinator) hookFailed(name string, lineNum int, err error) error {
	var fatal *pipeline.FatalError
	if errors.As(err, &fatal) {
		return fatal
	}
	if c.strict {
		return &pipeline.FatalError{Stage: name, LineNum: lineNum, Err: err}
	}
	c.mu.Lock()
	c.stats.Errors++
	c.mu.Unlock()
	slog.Warn("[Engine] Script failed", "script", name, "line", lineNum, "error", err)
	return nil
}

// finish closes the trailing span.
func (c *coordinator) finish(ctx context.Context) error {
	if c.spans == nil {
		return nil
	}
	if err := c.spans.Finish(ctx); err != nil {
		return c.hookFailed("span_close", 0, err)
	}
	return nil
}

func (c *coordinator) snapshotStats() pipeline.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *coordinator) summary(runID uuid.UUID, mode Mode, d time.Duration) *Summary {
	s := &Summary{
		RunID:    runID,
		Mode:     mode,
		Stats:    c.snapshotStats(),
		Metrics:  c.tracker.Snapshot(),
		Window:   c.window.Snapshot(),
		Duration: d,
	}
	if c.spans != nil {
		s.Spans = c.spans.History()
		s.SpanStats = c.spans.Stats()
		s.Stats.Late = s.SpanStats.Late
	}
	return s
}

// reportEvery logs a stats snapshot on every tick until the returned stop
// function is called or ctx ends.
func (c *coordinator) reportEvery(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := c.snapshotStats()
				slog.Info("[Engine] Stats",
					"accepted", st.Accepted,
					"filtered", st.Filtered,
					"warnings", st.Warnings,
					"errors", st.Errors,
					"parse_failures", st.ParseFailures,
					"metrics", c.tracker.Values(),
				)
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func logFailures(out *pipeline.Outcome) {
	for _, f := range out.Failures {
		attrs := []any{"error", f.Err}
		for k, v := range f.Details() {
			attrs = append(attrs, k, v)
		}
		if p := f.Pointer(); p != "" {
			attrs = append(attrs, "at", p)
		}
		slog.Debug("[Pipeline] Stage "+f.Class.String(), attrs...)
	}
}

func outputError(err error) error {
	return &pipeline.FatalError{Stage: "output", Err: fmt.Errorf("writing output: %w", err)}
}
