package pipeline

import (
	"context"
	"errors"
	"fmt"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/tracking"
	"github.com/aevon-lab/sieve/internal/sandbox"
)

// Tracker is the tracking state a pipeline reads through scripts and commits
// ops into. *tracking.State (a worker arena) and *tracking.SyncState (the
// shared sequential tracker) both satisfy it.
type Tracker interface {
	sandbox.Tracker
	ApplyAll(ops []tracking.Op) error
}

// Outcome reports what the stages did to one record.
type Outcome struct {
	Record  *v1.Record
	Dropped bool
	// Ops are the tracking ops committed while processing the record, in
	// order. They are already applied to the pipeline's tracker.
	Ops      []tracking.Op
	Emitted  []*v1.Event
	Printed  []string
	Warnings int
	Errors   int
	Failures []*StageError
}

// Pipeline applies compiled stages to records. It is not safe for concurrent
// use; parallel workers build one each.
type Pipeline struct {
	stages  []Stage
	tracker Tracker
	strict  bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStrict escalates the first stage failure to a FatalError.
func WithStrict(strict bool) Option {
	return func(p *Pipeline) { p.strict = strict }
}

// New builds a pipeline over already compiled stages.
func New(stages []Stage, t Tracker, opts ...Option) *Pipeline {
	p := &Pipeline{stages: stages, tracker: t}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build compiles defs with a fresh script runtime and returns the pipeline.
func Build(defs []Def, t Tracker, opts ...Option) (*Pipeline, error) {
	stages, err := Compile(sandbox.New(), defs)
	if err != nil {
		return nil, err
	}
	return New(stages, t, opts...), nil
}

// Stages returns the compiled stages in declaration order.
func (p *Pipeline) Stages() []Stage { return p.stages }

// Run passes rec through every stage. rec.Event is replaced by committed
// stages. window is most-recent-first and never includes rec.
//
// In resilient mode failed stages are tallied and the next stage sees the
// unmodified event. In strict mode the first failure is returned as a
// *FatalError together with an Outcome holding exactly that failure.
func (p *Pipeline) Run(ctx context.Context, rec *v1.Record, window []*v1.Event) (*Outcome, error) {
	out := &Outcome{Record: rec}
	for _, st := range p.stages {
		inv := &Invocation{Record: rec, Window: window, Tracker: p.tracker}
		err := st.Apply(ctx, inv)

		switch inv.State() {
		case Dropped:
			out.Dropped = true
			return out, nil
		case Committed:
			eff := inv.Effects()
			if len(eff.Ops) > 0 {
				if err := p.tracker.ApplyAll(eff.Ops); err != nil {
					return out, &FatalError{Stage: fmt.Sprintf("%s stage %d", st.Kind(), st.Index()), LineNum: rec.Meta.LineNum, Err: err}
				}
				out.Ops = append(out.Ops, eff.Ops...)
			}
			out.Emitted = append(out.Emitted, eff.Emitted...)
			out.Printed = append(out.Printed, eff.Printed...)
		case RolledBack:
			var se *StageError
			if !errors.As(err, &se) {
				return out, err
			}
			out.Failures = append(out.Failures, se)
			if se.Soft() {
				out.Warnings++
			} else {
				out.Errors++
			}
			if p.strict {
				return out, Escalate(se)
			}
		default:
			if err == nil {
				err = fmt.Errorf("%s stage %d ended in state %s", st.Kind(), st.Index(), inv.State())
			}
			return out, err
		}
	}
	return out, nil
}
