package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
)

// Selection configures the built-in stages that need no script. Level and
// time-range filters run ahead of the declared stages; field selection runs
// after them. The zero value selects everything.
type Selection struct {
	Levels        []string
	ExcludeLevels []string
	// Since and Until bound the promoted timestamp, both inclusive.
	Since *time.Time
	Until *time.Time

	Keys        []string
	ExcludeKeys []string
}

// WithSelection wraps the declared stages with the built-in stages sel asks
// for.
func WithSelection(sel Selection) Option {
	return func(p *Pipeline) {
		var stages []Stage
		if len(sel.Levels) > 0 || len(sel.ExcludeLevels) > 0 {
			stages = append(stages, NewLevelFilter(sel.Levels, sel.ExcludeLevels))
		}
		if sel.Since != nil || sel.Until != nil {
			stages = append(stages, &TimeRange{Since: sel.Since, Until: sel.Until})
		}
		stages = append(stages, p.stages...)
		if len(sel.Keys) > 0 || len(sel.ExcludeKeys) > 0 {
			stages = append(stages, &KeySelect{Keys: sel.Keys, Exclude: sel.ExcludeKeys})
		}
		p.stages = stages
	}
}

// LevelFilter keeps records by their promoted level, compared without case.
// With an include list, records without a level are dropped.
type LevelFilter struct {
	include map[string]bool
	exclude map[string]bool
}

func NewLevelFilter(include, exclude []string) *LevelFilter {
	return &LevelFilter{include: levelSet(include), exclude: levelSet(exclude)}
}

func levelSet(levels []string) map[string]bool {
	set := make(map[string]bool, len(levels))
	for _, l := range levels {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			set[l] = true
		}
	}
	return set
}

func (s *LevelFilter) Kind() Kind { return KindFilter }
func (s *LevelFilter) Index() int { return 0 }
func (s *LevelFilter) sealed()    {}

func (s *LevelFilter) Apply(_ context.Context, inv *Invocation) error {
	if err := inv.advance(Evaluated); err != nil {
		return err
	}
	level := strings.ToLower(inv.Record.Event.Level)
	if (len(s.include) > 0 && !s.include[level]) || s.exclude[level] {
		return inv.advance(Dropped)
	}
	return inv.advance(Committed)
}

// TimeRange keeps records whose promoted timestamp lies within the bounds.
// Records without a timestamp are dropped.
type TimeRange struct {
	Since *time.Time
	Until *time.Time
}

func (s *TimeRange) Kind() Kind { return KindFilter }
func (s *TimeRange) Index() int { return 0 }
func (s *TimeRange) sealed()    {}

func (s *TimeRange) Apply(_ context.Context, inv *Invocation) error {
	if err := inv.advance(Evaluated); err != nil {
		return err
	}
	ts := inv.Record.Event.Timestamp
	if ts == nil || (s.Since != nil && ts.Before(*s.Since)) || (s.Until != nil && ts.After(*s.Until)) {
		return inv.advance(Dropped)
	}
	return inv.advance(Committed)
}

// KeySelect narrows the event to Keys, in that order, and then removes
// Exclude. An empty Keys keeps every field.
type KeySelect struct {
	Keys    []string
	Exclude []string
}

func (s *KeySelect) Kind() Kind { return KindMap }
func (s *KeySelect) Index() int { return 0 }
func (s *KeySelect) sealed()    {}

func (s *KeySelect) Apply(_ context.Context, inv *Invocation) error {
	if err := inv.advance(Evaluated); err != nil {
		return err
	}
	in := inv.Record.Event
	var out *v1.Event
	if len(s.Keys) > 0 {
		out = v1.NewEvent(len(s.Keys))
		for _, k := range s.Keys {
			if in.Has(k) {
				out.Set(k, in.Get(k))
			}
		}
		out.Timestamp, out.Level, out.Message = in.Timestamp, in.Level, in.Message
	} else {
		out = in.Clone()
	}
	for _, k := range s.Exclude {
		out.Delete(k)
	}
	inv.Record.Event = out
	return inv.advance(Committed)
}

// ParseTimeBound reads a --since or --until value: an absolute timestamp, a
// date, "now", or a duration relative to now ("1h" and "-1h" are in the
// past, "+1h" in the future).
func ParseTimeBound(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return time.Time{}, fmt.Errorf("empty time bound")
	case "now":
		return now, nil
	case "today":
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	if ts, err := time.Parse("2006-01-02", s); err == nil {
		return ts, nil
	}
	sign, rest := 1, s
	switch s[0] {
	case '+':
		sign, rest = -1, s[1:]
	case '-':
		rest = s[1:]
	}
	if d, err := time.ParseDuration(rest); err == nil {
		return now.Add(-time.Duration(sign) * d), nil
	}
	if ts, ok := v1.ParseTimestamp(v1.String(s)); ok {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want a timestamp, a date, now, or a duration like 1h)", s)
}
