// Package engine schedules the stage pipeline over an input stream in one of
// three modes and assembles the end-of-run summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/pipeline"
	"github.com/aevon-lab/sieve/internal/ingest"
	"github.com/aevon-lab/sieve/internal/sandbox"
)

// Source supplies one logical record per call and io.EOF at the end.
// *ingest.Source satisfies it.
type Source interface {
	Next() (ingest.Chunk, error)
}

// Sink receives output in the order the engine emits it. *output.Writer
// satisfies it.
type Sink interface {
	Write(rec *v1.Record) error
	Print(line string) error
}

// Engine runs one configured pipeline. A single Engine can Run more than
// once; runs share nothing.
type Engine struct {
	opts   Options
	parser ingest.Parser
	sink   Sink
}

// New validates opts and compiles every script once so that configuration
// errors surface before any input is read.
func New(opts Options, parser ingest.Parser, sink Sink) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	rt := sandbox.New()
	stages, err := pipeline.Compile(rt, opts.Stages)
	if err != nil {
		return nil, err
	}
	if _, err := pipeline.CompileHooks(rt, opts.Begin, opts.End, opts.SpanClose); err != nil {
		return nil, err
	}
	n := opts.normalized()
	n.readsMetrics = pipeline.ReadsMetrics(stages)
	return &Engine{opts: n, parser: parser, sink: sink}, nil
}

// Run processes src to the end, until ctx is cancelled or until the first
// fatal error. The summary is returned in every case; on failure it covers
// what was processed before the run stopped.
func (e *Engine) Run(ctx context.Context, src Source) (*Summary, error) {
	start := time.Now()
	runID := uuid.New()
	mode := e.opts.EffectiveMode()

	c, err := newCoordinator(e.opts, e.sink)
	if err != nil {
		return nil, err
	}

	slog.Info("[Engine] Starting run",
		"run_id", runID,
		"mode", mode,
		"stages", len(e.opts.Stages),
		"window", e.opts.Window,
		"strict", e.opts.Strict,
	)

	stop := c.reportEvery(ctx, e.opts.StatsInterval)
	runErr := c.runHook(ctx, "begin", c.hooks.Begin)
	if runErr == nil {
		switch mode {
		case Sequential:
			runErr = e.runSequential(ctx, c, src)
		default:
			runErr = e.runParallel(ctx, c, src, mode == ParallelOrdered)
		}
	}
	stop()

	if errors.Is(runErr, errTakeReached) {
		slog.Debug("[Engine] Take limit reached", "take", e.opts.Take)
		runErr = nil
	}
	if runErr == nil {
		runErr = c.finish(ctx)
	}
	if runErr == nil {
		runErr = c.runHook(ctx, "end", c.hooks.End)
	}

	sum := c.summary(runID, mode, time.Since(start))
	switch {
	case runErr == nil:
		slog.Info("[Engine] Run complete",
			"run_id", runID,
			"accepted", sum.Stats.Accepted,
			"filtered", sum.Stats.Filtered,
			"warnings", sum.Stats.Warnings,
			"errors", sum.Stats.Errors,
			"parse_failures", sum.Stats.ParseFailures,
			"duration", sum.Duration,
		)
	case errors.Is(runErr, context.Canceled):
		slog.Warn("[Engine] Run interrupted", "run_id", runID, "processed", sum.Stats.Processed())
	}
	return sum, runErr
}

func (e *Engine) runSequential(ctx context.Context, c *coordinator, src Source) error {
	pl, err := e.buildPipeline(c.tracker)
	if err != nil {
		return err
	}

	var seq uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ingest.ErrLineTooLong) {
			seq++
			c.parseFailed(chunk, err)
			continue
		}
		if err != nil {
			return &pipeline.FatalError{Err: fmt.Errorf("reading input: %w", err)}
		}

		rec, err := parse(e.parser, chunk, seq)
		seq++
		if err != nil {
			c.parseFailed(chunk, err)
			continue
		}

		out, err := pl.Run(ctx, rec, c.window.Snapshot())
		if err != nil {
			c.abort(out)
			return err
		}
		if err := c.deliver(ctx, out); err != nil {
			return err
		}
	}
}

func (e *Engine) buildPipeline(t pipeline.Tracker) (*pipeline.Pipeline, error) {
	return pipeline.Build(e.opts.Stages, t,
		pipeline.WithStrict(e.opts.Strict),
		pipeline.WithSelection(e.opts.Selection),
	)
}

func parse(p ingest.Parser, ch ingest.Chunk, seq uint64) (*v1.Record, error) {
	ev, err := p.Parse(ch.Text)
	if err != nil {
		return nil, err
	}
	return &v1.Record{
		Seq:   seq,
		Event: ev,
		Meta:  v1.Meta{LineNum: ch.LineNum, Raw: ch.Text, Filename: ch.Filename},
	}, nil
}
