// Package pipeline runs the declared Filter, Exec and Map stages over one
// record at a time and reports what happened.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/sandbox"
)

// Kind tags the stage variant.
type Kind uint8

const (
	KindFilter Kind = iota + 1
	KindExec
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindFilter:
		return "filter"
	case KindExec:
		return "exec"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// ParseKind maps a stage name from the command line or a pipeline file.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "filter":
		return KindFilter, nil
	case "exec":
		return KindExec, nil
	case "map":
		return KindMap, nil
	}
	return 0, fmt.Errorf("unknown stage kind %q (must be filter, exec or map)", s)
}

// StageState is where one stage invocation is in its lifecycle.
type StageState uint8

const (
	Pending StageState = iota
	Evaluated
	Committed
	RolledBack
	Dropped
)

func (s StageState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Evaluated:
		return "evaluated"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s StageState) Terminal() bool {
	return s == Committed || s == RolledBack || s == Dropped
}

var transitions = map[StageState][]StageState{
	Pending:   {Evaluated},
	Evaluated: {Committed, RolledBack, Dropped},
}

var errIllegalTransition = errors.New("illegal stage transition")

// Invocation is the explicit context of one stage applied to one record.
// Stages read Window and Tracker and replace Record.Event on commit; they
// never apply tracking ops themselves.
type Invocation struct {
	Record  *v1.Record
	Window  []*v1.Event
	Tracker sandbox.Tracker

	state   StageState
	effects sandbox.Effects
}

// State returns the current lifecycle state.
func (inv *Invocation) State() StageState { return inv.state }

// Effects returns what a committed Exec stage produced.
func (inv *Invocation) Effects() sandbox.Effects { return inv.effects }

func (inv *Invocation) advance(to StageState) error {
	for _, next := range transitions[inv.state] {
		if next == to {
			inv.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errIllegalTransition, inv.state, to)
}

func (inv *Invocation) input() *sandbox.Input {
	return &sandbox.Input{
		Event:   inv.Record.Event,
		Meta:    inv.Record.Meta,
		Seq:     inv.Record.Seq,
		Window:  inv.Window,
		Tracker: inv.Tracker,
	}
}

// Stage is one step. The set of implementations is closed: the scripted
// Filter, Exec and Map, and the built-in LevelFilter, TimeRange and
// KeySelect.
type Stage interface {
	Kind() Kind
	// Index is the 1-based position in declaration order, 0 for built-ins.
	Index() int
	// Apply evaluates the stage and leaves inv in a terminal state. A
	// RolledBack invocation returns a *StageError.
	Apply(ctx context.Context, inv *Invocation) error

	sealed()
}

// Filter drops records for which its expression is not true. Errors are
// indistinguishable from false.
type Filter struct {
	index int
	f     *sandbox.Filter
}

func (s *Filter) Kind() Kind { return KindFilter }
func (s *Filter) Index() int { return s.index }
func (s *Filter) sealed()    {}

func (s *Filter) Apply(_ context.Context, inv *Invocation) error {
	keep, _ := s.f.Keep(inv.input())
	if err := inv.advance(Evaluated); err != nil {
		return err
	}
	if !keep {
		return inv.advance(Dropped)
	}
	return inv.advance(Committed)
}

// Exec runs a statement script against a copy of the event.
type Exec struct {
	index int
	x     *sandbox.Exec
}

func (s *Exec) Kind() Kind { return KindExec }
func (s *Exec) Index() int { return s.index }
func (s *Exec) sealed()    {}

func (s *Exec) Apply(_ context.Context, inv *Invocation) error {
	res, err := s.x.Run(inv.input())
	if aerr := inv.advance(Evaluated); aerr != nil {
		return aerr
	}
	if err != nil {
		if aerr := inv.advance(RolledBack); aerr != nil {
			return aerr
		}
		return newStageError(KindExec, s.index, inv.Record, err)
	}
	inv.Record.Event = res.Event
	inv.effects = res.Effects
	return inv.advance(Committed)
}

// Map replaces the event with the result of a pure expression.
type Map struct {
	index int
	m     *sandbox.Map
}

func (s *Map) Kind() Kind { return KindMap }
func (s *Map) Index() int { return s.index }
func (s *Map) sealed()    {}

func (s *Map) Apply(_ context.Context, inv *Invocation) error {
	ev, err := s.m.Apply(inv.Record.Event)
	if aerr := inv.advance(Evaluated); aerr != nil {
		return aerr
	}
	if err != nil {
		if aerr := inv.advance(RolledBack); aerr != nil {
			return aerr
		}
		return newStageError(KindMap, s.index, inv.Record, err)
	}
	if ev.Timestamp == nil {
		ev.Timestamp = inv.Record.Event.Timestamp
	}
	inv.Record.Event = ev
	return inv.advance(Committed)
}

// ReadsMetrics reports whether any stage reads tracked values with metric().
// Such reads see every earlier record only when one tracker is shared.
func ReadsMetrics(stages []Stage) bool {
	for _, st := range stages {
		var calls []string
		switch s := st.(type) {
		case *Filter:
			calls = s.f.Calls()
		case *Exec:
			calls = s.x.Calls()
		}
		if slices.Contains(calls, "metric") {
			return true
		}
	}
	return false
}

// Def declares one stage.
type Def struct {
	Kind   Kind
	Source string
}

func (d Def) String() string { return d.Kind.String() + ": " + d.Source }

// Compile compiles defs in order against rt. Errors name the stage.
func Compile(rt *sandbox.Runtime, defs []Def) ([]Stage, error) {
	stages := make([]Stage, 0, len(defs))
	for i, d := range defs {
		index := i + 1
		var (
			st  Stage
			err error
		)
		switch d.Kind {
		case KindFilter:
			var f *sandbox.Filter
			if f, err = rt.CompileFilter(d.Source); err == nil {
				st = &Filter{index: index, f: f}
			}
		case KindExec:
			var x *sandbox.Exec
			if x, err = rt.CompileExec(d.Source); err == nil {
				st = &Exec{index: index, x: x}
			}
		case KindMap:
			var m *sandbox.Map
			if m, err = rt.CompileMap(d.Source); err == nil {
				st = &Map{index: index, m: m}
			}
		default:
			return nil, fmt.Errorf("stage %d: unknown kind %d", index, d.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("compiling %s stage %d: %w", d.Kind, index, err)
		}
		stages = append(stages, st)
	}
	return stages, nil
}
