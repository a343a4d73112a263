package engine

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/aevon-lab/sieve/internal/core/pipeline"
	"github.com/aevon-lab/sieve/internal/core/span"
)

const (
	defaultBatchSize    = 1000
	defaultBatchTimeout = 200 * time.Millisecond
)

// Mode selects how stages are scheduled.
type Mode uint8

const (
	Sequential Mode = iota
	ParallelOrdered
	ParallelUnordered
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case ParallelOrdered:
		return "parallel-ordered"
	case ParallelUnordered:
		return "parallel-unordered"
	default:
		return "unknown"
	}
}

// Options is the immutable configuration of one run.
type Options struct {
	Stages    []pipeline.Def
	Begin     string
	End       string
	SpanClose string

	Mode Mode
	// Threads is the worker count in parallel modes; 0 means one per CPU.
	Threads int
	// BatchSize is the number of records per batch handed to a worker.
	BatchSize int
	// ChannelBuffer bounds the batch and result channels; 0 means 2*Threads.
	ChannelBuffer int
	// BatchTimeout flushes a partial batch this long after its first record
	// arrived, so slow input still reaches the workers.
	BatchTimeout time.Duration

	// Window is the number of recent accepted events visible to stages.
	Window int
	// Span partitions accepted events; nil disables spans.
	Span     *span.Spec
	DropLate bool

	// Selection adds the built-in level, time and field selection stages.
	Selection pipeline.Selection
	// Take stops the run after this many records were written; 0 means no
	// limit.
	Take int

	Strict bool
	// StatsInterval logs a progress snapshot this often; 0 disables it.
	StatsInterval time.Duration

	// readsMetrics is set by New when a stage calls metric().
	readsMetrics bool
}

func (o Options) normalized() Options {
	n := o
	if n.Threads <= 0 {
		n.Threads = runtime.NumCPU()
	}
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.ChannelBuffer <= 0 {
		n.ChannelBuffer = 2 * n.Threads
	}
	if n.BatchTimeout <= 0 {
		n.BatchTimeout = defaultBatchTimeout
	}
	return n
}

// Validate rejects option combinations that cannot run.
func (o Options) Validate() error {
	if o.Window < 0 {
		return fmt.Errorf("window must be >= 0, got %d", o.Window)
	}
	if o.Threads < 0 {
		return fmt.Errorf("threads must be >= 0, got %d", o.Threads)
	}
	if o.BatchSize < 0 {
		return fmt.Errorf("batch size must be >= 0, got %d", o.BatchSize)
	}
	if o.BatchTimeout < 0 {
		return fmt.Errorf("batch timeout must be >= 0, got %s", o.BatchTimeout)
	}
	if o.Take < 0 {
		return fmt.Errorf("take must be >= 0, got %d", o.Take)
	}
	if s, u := o.Selection.Since, o.Selection.Until; s != nil && u != nil && u.Before(*s) {
		return fmt.Errorf("until (%s) is before since (%s)", u.Format(time.RFC3339), s.Format(time.RFC3339))
	}
	if o.Span != nil {
		switch o.Span.Mode {
		case span.ModeCount:
			if o.Span.Count <= 0 {
				return fmt.Errorf("count span must be > 0, got %d", o.Span.Count)
			}
		case span.ModeTime:
			if o.Span.Duration < time.Millisecond {
				return fmt.Errorf("time span must be at least 1ms, got %s", o.Span.Duration)
			}
		default:
			return fmt.Errorf("span mode is not set")
		}
	}
	if o.SpanClose != "" && o.Span == nil {
		return fmt.Errorf("a span close script needs a span")
	}
	if o.StatsInterval < 0 {
		return fmt.Errorf("stats interval must be >= 0")
	}
	return nil
}

// EffectiveMode resolves the requested mode against features that need a
// single temporal order. A window or a metric() read needs every earlier
// event's result before the next runs, so either forces Sequential; spans
// are applied on the coordinator and only need arrival order, so they force
// Ordered.
func (o Options) EffectiveMode() Mode {
	mode := o.Mode
	if mode != Sequential && o.Window > 0 {
		slog.Info("[Engine] Window requires cross-event visibility, running sequentially",
			"requested", mode, "window", o.Window)
		return Sequential
	}
	if mode != Sequential && o.readsMetrics {
		slog.Info("[Engine] metric() requires cross-event visibility, running sequentially",
			"requested", mode)
		return Sequential
	}
	if mode == ParallelUnordered && o.Span != nil {
		slog.Info("[Engine] Spans require arrival order, switching to ordered output",
			"requested", mode, "span", o.Span.String())
		return ParallelOrdered
	}
	return mode
}
