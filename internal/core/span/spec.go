package span

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode selects how the stream is partitioned.
type Mode uint8

const (
	// ModeCount closes a span after a fixed number of members.
	ModeCount Mode = iota + 1
	// ModeTime closes a span when an event timestamp crosses the next
	// interval edge. Intervals are aligned to the Unix epoch.
	ModeTime
)

func (m Mode) String() string {
	switch m {
	case ModeCount:
		return "count"
	case ModeTime:
		return "time"
	default:
		return "none"
	}
}

// Spec is a parsed and validated span specification.
type Spec struct {
	Mode     Mode
	Count    int
	Duration time.Duration
}

// String renders the spec the way ParseSpec accepts it.
func (s Spec) String() string {
	switch s.Mode {
	case ModeCount:
		return "count:" + strconv.Itoa(s.Count)
	case ModeTime:
		return FormatDuration(s.Duration)
	}
	return ""
}

// ParseSpec accepts "count:K", a bare positive integer K, or a duration
// ("30s", "5m", "1h", "2d").
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Spec{}, fmt.Errorf("span must not be empty")
	}

	raw, isCount := strings.CutPrefix(s, "count:")
	if !isCount && strings.TrimLeft(s, "0123456789") == "" {
		raw, isCount = s, true
	}
	if isCount {
		k, err := strconv.Atoi(raw)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid span count %q: %w", raw, err)
		}
		if k <= 0 {
			return Spec{}, fmt.Errorf("span count must be positive, got %d", k)
		}
		return Spec{Mode: ModeCount, Count: k}, nil
	}

	d, err := ParseWindowSize(s)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Mode: ModeTime, Duration: d}, nil
}

// ParseWindowSize parses a span duration.
// Supports Go duration syntax (e.g., "10s", "1m", "1h") plus "Xd" for days.
func ParseWindowSize(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("span duration must not be empty")
	}

	// time.ParseDuration has no day unit.
	if days, ok := strings.CutSuffix(s, "d"); ok && len(days) > 0 {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid span duration %q: %w", s, err)
		}
		if n <= 0 {
			return 0, fmt.Errorf("span duration must be positive, got %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid span duration %q: %w", s, err)
	}
	if d < time.Millisecond {
		return 0, fmt.Errorf("span duration must be at least 1ms, got %q", s)
	}
	return d, nil
}

// BucketFor returns the start of the epoch-aligned interval containing t.
// Timestamps before 1970 round down, not toward zero.
// Example: BucketFor(10:35:42, 1*time.Minute) → 10:35:00
func BucketFor(t time.Time, size time.Duration) time.Time {
	ms := t.UnixMilli()
	step := size.Milliseconds()
	start := ms / step * step
	if ms%step < 0 {
		start -= step
	}
	return time.UnixMilli(start).UTC()
}

// FormatDuration renders d in the largest whole unit of h, m, s or ms.
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	switch {
	case ms%3_600_000 == 0:
		return strconv.FormatInt(ms/3_600_000, 10) + "h"
	case ms%60_000 == 0:
		return strconv.FormatInt(ms/60_000, 10) + "m"
	case ms%1_000 == 0:
		return strconv.FormatInt(ms/1_000, 10) + "s"
	}
	return strconv.FormatInt(ms, 10) + "ms"
}
