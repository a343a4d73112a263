package tracking

import (
	"fmt"
	"sort"
	"sync"
)

// State maps metric keys to accumulators. Accumulators are created lazily on
// first use and never removed; a key keeps the kind it was created with.
// A State is not safe for concurrent use; see SyncState.
type State struct {
	accs map[string]Accumulator
}

// NewState returns an empty tracker.
func NewState() *State {
	return &State{accs: make(map[string]Accumulator)}
}

// Apply folds one op into the accumulator for op.Key.
// A nil value is a silent no-op for every operator except count, which
// ignores its value.
func (s *State) Apply(op Op) error {
	if op.Key == "" {
		return fmt.Errorf("track_%s: metric key must not be empty", op.Kind)
	}
	if op.Value == nil && op.Kind != OpCount {
		return nil
	}
	acc, ok := s.accs[op.Key]
	if !ok {
		var err error
		if acc, err = New(op.Kind); err != nil {
			return err
		}
	} else if acc.Kind() != op.Kind {
		return fmt.Errorf("metric %q is tracked as %s, cannot apply %s", op.Key, acc.Kind(), op.Kind)
	}
	if err := acc.Update(op); err != nil {
		return fmt.Errorf("track_%s(%q): %w", op.Kind, op.Key, err)
	}
	// Stored only after a successful first update so a failing op leaves no trace.
	s.accs[op.Key] = acc
	return nil
}

// ApplyAll applies ops in order and stops at the first error.
func (s *State) ApplyAll(ops []Op) error {
	for _, op := range ops {
		if err := s.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// Merge folds other into s. Merge order does not affect the result.
func (s *State) Merge(other *State) error {
	if other == nil {
		return nil
	}
	for _, key := range other.Keys() {
		src := other.accs[key]
		dst, ok := s.accs[key]
		if !ok {
			s.accs[key] = src.Clone()
			continue
		}
		if err := dst.Merge(src); err != nil {
			return fmt.Errorf("merge metric %q: %w", key, err)
		}
	}
	return nil
}

// Clone returns an independent deep copy.
func (s *State) Clone() *State {
	out := NewState()
	for k, acc := range s.accs {
		out.accs[k] = acc.Clone()
	}
	return out
}

// Get returns the accumulator for key.
func (s *State) Get(key string) (Accumulator, bool) {
	acc, ok := s.accs[key]
	return acc, ok
}

// Value returns the exported value for key, or nil when the key is unknown.
func (s *State) Value(key string) any {
	if acc, ok := s.accs[key]; ok {
		return acc.Value()
	}
	return nil
}

// Preview returns the value key would have after applying pending on top of
// the current state. s itself is not modified.
func (s *State) Preview(key string, pending []Op) any {
	var acc Accumulator
	if cur, ok := s.accs[key]; ok {
		acc = cur.Clone()
	}
	for _, op := range pending {
		if op.Key != key || (op.Value == nil && op.Kind != OpCount) {
			continue
		}
		if acc == nil {
			var err error
			if acc, err = New(op.Kind); err != nil {
				return nil
			}
		}
		if acc.Kind() != op.Kind {
			continue
		}
		_ = acc.Update(op)
	}
	if acc == nil {
		return nil
	}
	return acc.Value()
}

// KindOf returns the operator key is tracked with.
func (s *State) KindOf(key string) (string, bool) {
	if acc, ok := s.accs[key]; ok {
		return acc.Kind(), true
	}
	return "", false
}

// Check reports the error Apply would return for op once pending has been
// applied, without changing anything.
func (s *State) Check(op Op, pending []Op) error {
	if op.Key == "" {
		return fmt.Errorf("track_%s: metric key must not be empty", op.Kind)
	}
	kind, ok := s.KindOf(op.Key)
	if !ok {
		for _, p := range pending {
			if p.Key == op.Key {
				kind, ok = p.Kind, true
				break
			}
		}
	}
	if ok && kind != op.Kind {
		return fmt.Errorf("metric %q is tracked as %s, cannot apply %s", op.Key, kind, op.Kind)
	}
	if op.Value == nil && op.Kind != OpCount {
		return nil
	}
	acc, err := New(op.Kind)
	if err != nil {
		return err
	}
	if err := acc.Update(op); err != nil {
		return fmt.Errorf("track_%s(%q): %w", op.Kind, op.Key, err)
	}
	return nil
}

// Len returns the number of tracked keys.
func (s *State) Len() int { return len(s.accs) }

// Keys returns the tracked keys sorted.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.accs))
	for k := range s.accs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot exports every metric in key order.
func (s *State) Snapshot() []Entry {
	keys := s.Keys()
	out := make([]Entry, len(keys))
	for i, k := range keys {
		acc := s.accs[k]
		out[i] = Entry{Key: k, Kind: acc.Kind(), Value: acc.Value()}
	}
	return out
}

// Values exports every metric as a key -> value map.
func (s *State) Values() map[string]any {
	out := make(map[string]any, len(s.accs))
	for k, acc := range s.accs {
		out[k] = acc.Value()
	}
	return out
}

// SyncState guards a State with a mutex. It is the single shared tracker of a
// sequential run, read concurrently by the snapshot ticker.
type SyncState struct {
	mu    sync.RWMutex
	state *State
}

// NewSyncState wraps st; a nil st starts empty.
func NewSyncState(st *State) *SyncState {
	if st == nil {
		st = NewState()
	}
	return &SyncState{state: st}
}

// ApplyAll applies ops atomically with respect to other SyncState calls.
// Ops before the failing one stay applied.
func (s *SyncState) ApplyAll(ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ApplyAll(ops)
}

// Merge folds other into the guarded state.
func (s *SyncState) Merge(other *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Merge(other)
}

// Preview is State.Preview under the read lock.
func (s *SyncState) Preview(key string, pending []Op) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Preview(key, pending)
}

// KindOf is State.KindOf under the read lock.
func (s *SyncState) KindOf(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.KindOf(key)
}

// Check is State.Check under the read lock.
func (s *SyncState) Check(op Op, pending []Op) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Check(op, pending)
}

// Values is State.Values under the read lock.
func (s *SyncState) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Values()
}

// Snapshot returns a deep copy of the guarded state.
func (s *SyncState) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}
