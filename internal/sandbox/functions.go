package sandbox

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/tracking"
)

var errNoScope = errors.New("function called outside of a script evaluation")

// track returns the track_<kind> function. Calls with a nil value are
// silently ignored, as are all tracking calls on a missing field.
func (r *Runtime) track(kind string) func(params ...any) (any, error) {
	name := "track_" + kind
	return func(params ...any) (any, error) {
		sc := r.cur
		if sc == nil {
			return nil, errNoScope
		}

		op := tracking.Op{Kind: kind}
		var err error
		switch kind {
		case tracking.OpCount:
			if len(params) != 1 {
				return nil, fmt.Errorf("%s expects 1 argument (key), got %d", name, len(params))
			}
		case tracking.OpTop, tracking.OpBottom:
			if len(params) != 3 && len(params) != 4 {
				return nil, fmt.Errorf("%s expects 3 or 4 arguments (key, item, n[, weight]), got %d", name, len(params))
			}
			if op.N, err = toInt(params[2]); err != nil {
				return nil, fmt.Errorf("%s: n: %w", name, err)
			}
			if len(params) == 4 {
				if params[3] == nil {
					return nil, nil
				}
				op.Weight = params[3]
			}
			op.Value = params[1]
		default:
			if len(params) != 2 {
				return nil, fmt.Errorf("%s expects 2 arguments (key, value), got %d", name, len(params))
			}
			op.Value = params[1]
		}

		key, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s: key must be a string, got %s", name, typeName(params[0]))
		}
		op.Key = key
		if op.Value == nil && kind != tracking.OpCount {
			return nil, nil
		}
		if sc.tracker != nil {
			if err := sc.tracker.Check(op, sc.effects.Ops); err != nil {
				return nil, err
			}
		}
		sc.effects.Ops = append(sc.effects.Ops, op)
		return nil, nil
	}
}

// metric reads a tracked value including this evaluation's pending calls.
func (r *Runtime) metric(params ...any) (any, error) {
	sc := r.cur
	if sc == nil {
		return nil, errNoScope
	}
	if len(params) != 1 {
		return nil, fmt.Errorf("metric expects 1 argument (key), got %d", len(params))
	}
	key, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("metric: key must be a string, got %s", typeName(params[0]))
	}
	if sc.tracker == nil {
		return nil, nil
	}
	return nativeMetric(sc.tracker.Preview(key, sc.effects.Ops)), nil
}

// emit queues an additional output event built from a map.
func (r *Runtime) emit(params ...any) (any, error) {
	sc := r.cur
	if sc == nil {
		return nil, errNoScope
	}
	if len(params) != 1 {
		return nil, fmt.Errorf("emit expects 1 argument (map), got %d", len(params))
	}
	m, ok := params[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("emit: argument must be a map, got %s", typeName(params[0]))
	}
	fields, err := v1.FieldsFromNative(m, nil)
	if err != nil {
		return nil, fmt.Errorf("emit: %w", err)
	}
	ev := v1.EventFrom(fields)
	v1.Promote(ev)
	sc.effects.Emitted = append(sc.effects.Emitted, ev)
	return nil, nil
}

// print queues a line for the output stream.
func (r *Runtime) print(params ...any) (any, error) {
	sc := r.cur
	if sc == nil {
		return nil, errNoScope
	}
	parts := make([]string, len(params))
	for i, p := range params {
		if s, ok := p.(string); ok {
			parts[i] = s
			continue
		}
		v, err := v1.FromNative(p)
		if err != nil {
			parts[i] = fmt.Sprint(p)
			continue
		}
		parts[i] = v.String()
	}
	sc.effects.Printed = append(sc.effects.Printed, strings.Join(parts, " "))
	return nil, nil
}

// windowValues returns field f of every window event that has it,
// most recent first.
func windowValues(params ...any) (any, error) {
	events, field, err := windowArgs("window_values", params)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(events))
	for _, ev := range events {
		if v, ok := ev[field]; ok && v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// windowNumbers is windowValues restricted to numeric values, as floats.
func windowNumbers(params ...any) (any, error) {
	events, field, err := windowArgs("window_numbers", params)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(events))
	for _, ev := range events {
		if f, ok := toFloat(ev[field]); ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func windowArgs(name string, params []any) ([]map[string]any, string, error) {
	if len(params) != 2 {
		return nil, "", fmt.Errorf("%s expects 2 arguments (window, field), got %d", name, len(params))
	}
	field, ok := params[1].(string)
	if !ok {
		return nil, "", fmt.Errorf("%s: field must be a string, got %s", name, typeName(params[1]))
	}
	list, ok := params[0].([]any)
	if !ok {
		if params[0] == nil {
			return nil, field, nil
		}
		return nil, "", fmt.Errorf("%s: window must be an array, got %s", name, typeName(params[0]))
	}
	events := make([]map[string]any, 0, len(list))
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			events = append(events, m)
		}
	}
	return events, field, nil
}

// percentileOf returns the p-th percentile (0-100) of the numbers in arr,
// interpolating linearly between closest ranks.
func percentileOf(params ...any) (any, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("percentile expects 2 arguments (array, p), got %d", len(params))
	}
	list, ok := params[0].([]any)
	if !ok {
		return nil, fmt.Errorf("percentile: first argument must be an array, got %s", typeName(params[0]))
	}
	p, ok := toFloat(params[1])
	if !ok || p < 0 || p > 100 {
		return nil, fmt.Errorf("percentile: p must be a number between 0 and 100, got %v", params[1])
	}

	nums := make([]float64, 0, len(list))
	for _, el := range list {
		if f, ok := toFloat(el); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return nil, nil
	}
	sort.Float64s(nums)

	rank := p / 100 * float64(len(nums)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return nums[lo] + (nums[hi]-nums[lo])*frac, nil
}

// nativeMetric converts exported tracker values into script-friendly values.
func nativeMetric(v any) any {
	switch val := v.(type) {
	case int64:
		return int(val)
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case map[string]int64:
		out := make(map[string]any, len(val))
		for k, n := range val {
			out[k] = int(n)
		}
		return out
	case []tracking.Ranked:
		out := make([]any, len(val))
		for i, r := range val {
			out[i] = map[string]any{"item": r.Item, "score": nativeMetric(r.Score)}
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = nativeMetric(x)
		}
		return out
	}
	return v
}

func nativeMetrics(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = nativeMetric(v)
	}
	return out
}

func toFloat(x any) (float64, bool) {
	switch v := x.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}

func toInt(x any) (int, error) {
	switch v := x.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("expected an integer, got %s", typeName(x))
}

func typeName(x any) string {
	if x == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", x)
}
