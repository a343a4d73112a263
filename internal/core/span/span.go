// Package span partitions the record stream into bounded groups, by member
// count or by event-time interval, and runs a closing hook once per group.
//
// An Aggregator is not safe for concurrent use. It lives on the coordinating
// goroutine and must see records in their final output order.
package span

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/tracking"
)

// ErrMissingTimestamp is returned in strict mode for a time span when a record
// carries no parsable timestamp.
var ErrMissingTimestamp = errors.New("event missing required timestamp for span")

// State is the lifecycle position of a span.
type State uint8

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Span is the currently open partition.
type Span struct {
	ID string
	// Start and End are zero for count spans.
	Start time.Time
	End   time.Time

	Members []v1.Record
	// Metrics holds only the tracking ops committed by members.
	Metrics *tracking.State

	state State
	late  int
}

// State returns the lifecycle state.
func (s *Span) State() State { return s.state }

// Closed is the view handed to the closing hook and kept for the summary.
type Closed struct {
	ID    string
	Start time.Time
	End   time.Time
	Size  int
	Late  int
	// Events and Metrics are released after the hook returns.
	Events  []v1.Record
	Metrics *tracking.State
}

// CloseHook runs exactly once per span, after its boundary is reached.
type CloseHook interface {
	OnClose(ctx context.Context, c *Closed) error
}

// CloseHookFunc adapts a function to CloseHook.
type CloseHookFunc func(ctx context.Context, c *Closed) error

func (f CloseHookFunc) OnClose(ctx context.Context, c *Closed) error { return f(ctx, c) }

// LatePolicy decides what happens to a record whose interval precedes the
// open span. A Closed span is never reopened regardless of policy.
type LatePolicy interface {
	// Admit reports whether rec joins the open span as a Late member.
	Admit(open *Span, rec *v1.Record) bool
}

// RouteToOpen admits late records into the open span. It is the default.
type RouteToOpen struct{}

func (RouteToOpen) Admit(*Span, *v1.Record) bool { return true }

// DropLate tags late records but keeps them out of every span.
type DropLate struct{}

func (DropLate) Admit(*Span, *v1.Record) bool { return false }

// Stats counts assignment outcomes.
type Stats struct {
	Closed     int
	Late       uint64
	Unassigned uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLatePolicy replaces RouteToOpen.
func WithLatePolicy(p LatePolicy) Option {
	return func(a *Aggregator) { a.late = p }
}

// WithStrict makes a missing timestamp in time mode a fatal error.
func WithStrict(strict bool) Option {
	return func(a *Aggregator) { a.strict = strict }
}

// Aggregator assigns records to spans.
type Aggregator struct {
	spec   Spec
	hook   CloseHook
	late   LatePolicy
	strict bool

	open      *Span
	nextIndex int
	history   []Closed
	stats     Stats
}

// New returns an aggregator for spec. hook may be nil.
func New(spec Spec, hook CloseHook, opts ...Option) *Aggregator {
	a := &Aggregator{spec: spec, hook: hook, late: RouteToOpen{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Spec returns the partitioning spec.
func (a *Aggregator) Spec() Spec { return a.spec }

// Current returns the open span, or nil.
func (a *Aggregator) Current() *Span { return a.open }

// Stats returns assignment counters.
func (a *Aggregator) Stats() Stats { return a.stats }

// History returns the closed spans in closing order, without members.
func (a *Aggregator) History() []Closed {
	out := make([]Closed, len(a.history))
	copy(out, a.history)
	return out
}

// Observe assigns rec to a span, tags rec.Span and replays ops into the
// span's tracker. Closing a span runs the hook before Observe returns; a hook
// error is returned after the span is already Closed.
func (a *Aggregator) Observe(ctx context.Context, rec *v1.Record, ops []tracking.Op) error {
	switch a.spec.Mode {
	case ModeCount:
		return a.observeCount(ctx, rec, ops)
	case ModeTime:
		return a.observeTime(ctx, rec, ops)
	}
	return fmt.Errorf("span mode %q is not configured", a.spec.Mode)
}

func (a *Aggregator) observeCount(ctx context.Context, rec *v1.Record, ops []tracking.Op) error {
	if a.open == nil {
		a.open = a.newSpan("#" + strconv.Itoa(a.nextIndex))
		a.nextIndex++
	}
	if err := a.admit(rec, ops, v1.SpanOnTime); err != nil {
		return err
	}
	if len(a.open.Members) >= a.spec.Count {
		return a.closeOpen(ctx)
	}
	return nil
}

func (a *Aggregator) observeTime(ctx context.Context, rec *v1.Record, ops []tracking.Op) error {
	ts := rec.Event.Timestamp
	if ts == nil {
		if a.strict {
			return fmt.Errorf("line %d: %w", rec.Meta.LineNum, ErrMissingTimestamp)
		}
		rec.Span = v1.SpanTag{Status: v1.SpanUnassigned}
		a.stats.Unassigned++
		return nil
	}

	start := BucketFor(*ts, a.spec.Duration)
	var closeErr error
	if a.open != nil {
		switch {
		case start.Before(a.open.Start):
			a.stats.Late++
			if !a.late.Admit(a.open, rec) {
				rec.Span = v1.SpanTag{Status: v1.SpanLate}
				return nil
			}
			a.open.late++
			return a.admit(rec, ops, v1.SpanLate)
		case start.After(a.open.Start):
			// A failing hook still leaves the old span Closed; the record
			// opens the next one either way.
			closeErr = a.closeOpen(ctx)
		}
	}
	if a.open == nil {
		a.openTime(start)
	}
	if err := a.admit(rec, ops, v1.SpanOnTime); err != nil {
		return errors.Join(closeErr, err)
	}
	return closeErr
}

func (a *Aggregator) openTime(start time.Time) {
	id := start.Format(time.RFC3339) + "/" + FormatDuration(a.spec.Duration)
	a.open = a.newSpan(id)
	a.open.Start = start
	a.open.End = start.Add(a.spec.Duration)
}

func (a *Aggregator) newSpan(id string) *Span {
	return &Span{ID: id, Metrics: tracking.NewState(), state: StateOpen}
}

func (a *Aggregator) admit(rec *v1.Record, ops []tracking.Op, status v1.SpanStatus) error {
	rec.Span = v1.SpanTag{ID: a.open.ID, Status: status}
	a.open.Members = append(a.open.Members, *rec)
	if err := a.open.Metrics.ApplyAll(ops); err != nil {
		return fmt.Errorf("span %s: %w", a.open.ID, err)
	}
	return nil
}

// Finish closes the trailing span, if any.
func (a *Aggregator) Finish(ctx context.Context) error {
	if a.open == nil {
		return nil
	}
	return a.closeOpen(ctx)
}

func (a *Aggregator) closeOpen(ctx context.Context) error {
	s := a.open
	a.open = nil
	s.state = StateClosing

	c := &Closed{
		ID:      s.ID,
		Start:   s.Start,
		End:     s.End,
		Size:    len(s.Members),
		Late:    s.late,
		Events:  s.Members,
		Metrics: s.Metrics,
	}

	var err error
	if a.hook != nil {
		if herr := a.hook.OnClose(ctx, c); herr != nil {
			err = fmt.Errorf("span %s close hook: %w", s.ID, herr)
		}
	}

	s.state = StateClosed
	s.Members = nil
	a.stats.Closed++
	c.Events = nil
	a.history = append(a.history, *c)
	return err
}
