package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aevon-lab/sieve/internal/core/pipeline"
	"github.com/aevon-lab/sieve/internal/core/tracking"
	"github.com/aevon-lab/sieve/internal/ingest"
)

// batch is a run of consecutive input chunks. id orders batches; seq is the
// record sequence number of the first chunk.
type batch struct {
	id     uint64
	seq    uint64
	chunks []batchChunk
}

// result is a processed batch. A fatal result's last outcome is the failing
// record.
type result struct {
	id            uint64
	outcomes      []*pipeline.Outcome
	parseFailures int
	fatal         error
}

// runParallel fans batches out to workers that each own a compiled pipeline
// and a private tracking arena. Results come back to this goroutine, which
// delivers them either in batch order (ordered) or as they complete, and
// commits each delivered record's ops to the global tracker.
//
// A strict-mode failure halts the run: the reader stops and workers skip
// every batch after the failing one, while batches ahead of it are still
// processed and delivered.
func (e *Engine) runParallel(ctx context.Context, c *coordinator, src Source, ordered bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.applyOps = true

	n := e.opts.Threads
	pipes := make([]*pipeline.Pipeline, n)
	for i := range n {
		pl, err := e.buildPipeline(tracking.NewState())
		if err != nil {
			return err
		}
		pipes[i] = pl
	}

	batches := make(chan batch, e.opts.ChannelBuffer)
	results := make(chan result, e.opts.ChannelBuffer)

	g, gctx := errgroup.WithContext(ctx)
	hctx, stopReader := context.WithCancel(gctx)
	defer stopReader()
	h := &halter{stop: stopReader}

	g.Go(func() error {
		defer close(batches)
		err := e.read(hctx, src, batches)
		if errors.Is(err, context.Canceled) && gctx.Err() == nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer close(results)
		var workers errgroup.Group
		for i := range n {
			pl := pipes[i]
			workers.Go(func() error { return e.work(gctx, h, pl, batches, results) })
		}
		return workers.Wait()
	})

	slog.Debug("[Engine] Workers started",
		"workers", n,
		"batch_size", e.opts.BatchSize,
		"batch_timeout", e.opts.BatchTimeout,
		"ordered", ordered,
	)

	consumeErr := c.consume(gctx, results, ordered)
	if consumeErr != nil {
		cancel()
	}
	for range results {
	}
	waitErr := g.Wait()

	if consumeErr != nil {
		return consumeErr
	}
	return waitErr
}

// read groups chunks into batches. A batch is sent when it is full or
// BatchTimeout after its first chunk arrived. It stops at the end of input,
// on a read error or when ctx ends.
func (e *Engine) read(ctx context.Context, src Source, out chan<- batch) error {
	chunks := pump(ctx, src)

	var id, seq uint64
	b := batch{}
	timer := time.NewTimer(e.opts.BatchTimeout)
	timer.Stop()
	defer timer.Stop()

	send := func() error {
		timer.Stop()
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
		id++
		b = batch{id: id, seq: seq}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if len(b.chunks) > 0 {
				if err := send(); err != nil {
					return err
				}
			}
		case r, ok := <-chunks:
			if !ok || errors.Is(r.err, io.EOF) {
				if len(b.chunks) > 0 {
					return send()
				}
				return nil
			}
			if r.err != nil && !errors.Is(r.err, ingest.ErrLineTooLong) {
				return &pipeline.FatalError{Err: fmt.Errorf("reading input: %w", r.err)}
			}
			r.chunk.err = r.err
			b.chunks = append(b.chunks, r.chunk)
			seq++
			if len(b.chunks) == 1 {
				timer.Reset(e.opts.BatchTimeout)
			}
			if len(b.chunks) >= e.opts.BatchSize {
				if err := send(); err != nil {
					return err
				}
			}
		}
	}
}

// pumped is one Source.Next result.
type pumped struct {
	chunk batchChunk
	err   error
}

// batchChunk is an input chunk together with the read error that marked it
// unusable, if any.
type batchChunk struct {
	ingest.Chunk
	err error
}

// pump moves Source.Next results onto a channel so the batcher can wait on
// its timer too. It ends after the first terminal result or once ctx is
// done; a Next call already blocked returns when the source is closed.
func pump(ctx context.Context, src Source) <-chan pumped {
	ch := make(chan pumped)
	go func() {
		defer close(ch)
		for {
			c, err := src.Next()
			select {
			case ch <- pumped{chunk: batchChunk{Chunk: c}, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, ingest.ErrLineTooLong) {
				return
			}
		}
	}()
	return ch
}

// halter records the lowest batch id that failed fatally. Batches after it
// are skipped; batches before it still run so the ordered buffer can reach
// the failing one.
type halter struct {
	mark atomic.Uint64 // failing batch id + 1; 0 while running
	stop context.CancelFunc
}

func (h *halter) halt(id uint64) {
	for {
		cur := h.mark.Load()
		if cur != 0 && cur <= id+1 {
			break
		}
		if h.mark.CompareAndSwap(cur, id+1) {
			break
		}
	}
	h.stop()
}

func (h *halter) skips(id uint64) bool {
	m := h.mark.Load()
	return m != 0 && id >= m
}

// work processes batches until the input is exhausted or ctx ends. A batch is
// abandoned between records once ctx is done. A fatal record ends the batch
// and halts the run.
func (e *Engine) work(ctx context.Context, h *halter, pl *pipeline.Pipeline, in <-chan batch, out chan<- result) error {
	for b := range in {
		if h.skips(b.id) {
			continue
		}

		res := result{id: b.id}
		for i, ch := range b.chunks {
			if ctx.Err() != nil {
				return nil
			}
			if ch.err != nil {
				res.parseFailures++
				slog.Debug("[Engine] Skipping unreadable record", "file", ch.Filename, "line", ch.LineNum, "error", ch.err)
				continue
			}
			rec, err := parse(e.parser, ch.Chunk, b.seq+uint64(i))
			if err != nil {
				res.parseFailures++
				slog.Debug("[Engine] Skipping unparseable record", "file", ch.Filename, "line", ch.LineNum, "error", err)
				continue
			}
			o, err := pl.Run(ctx, rec, nil)
			res.outcomes = append(res.outcomes, o)
			if err != nil {
				res.fatal = err
				break
			}
		}

		select {
		case out <- res:
		case <-ctx.Done():
			return nil
		}
		if res.fatal != nil {
			h.halt(b.id)
		}
	}
	return nil
}

// consume applies results. In ordered mode a reorder buffer holds results
// until every earlier batch has been applied.
func (c *coordinator) consume(ctx context.Context, results <-chan result, ordered bool) error {
	pending := make(map[uint64]result)
	var next uint64
	for res := range results {
		if !ordered {
			if err := c.apply(ctx, res); err != nil {
				return err
			}
			continue
		}
		pending[res.id] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := c.apply(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *coordinator) apply(ctx context.Context, res result) error {
	c.addParseFailures(res.parseFailures)
	for i, out := range res.outcomes {
		if res.fatal != nil && i == len(res.outcomes)-1 {
			c.abort(out)
			return res.fatal
		}
		if err := c.deliver(ctx, out); err != nil {
			return err
		}
	}
	return res.fatal
}
