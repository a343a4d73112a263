package tracking

import (
	"container/heap"
	"fmt"

	"github.com/shopspring/decimal"
)

const defaultRankN = 10

// rankedAcc keeps an exact score per item and selects the N best at export
// with a bounded heap. Scores are never truncated before export, so an item
// outside one worker's top N can still win after a merge.
type rankedAcc struct {
	kind   string
	n      int
	scores map[string]decimal.Decimal
}

func newRankedAcc(kind string) *rankedAcc {
	return &rankedAcc{kind: kind, scores: make(map[string]decimal.Decimal)}
}

func (a *rankedAcc) Kind() string { return a.kind }

func (a *rankedAcc) Update(op Op) error {
	item, err := keyOf(op.Value)
	if err != nil {
		return err
	}
	if op.N < 0 {
		return fmt.Errorf("%s size must not be negative, got %d", a.kind, op.N)
	}
	if op.N > a.n {
		a.n = op.N
	}

	w := decimal.NewFromInt(1)
	if op.Weight != nil {
		if w, err = ToDecimal(op.Weight); err != nil {
			return fmt.Errorf("%s weight: %w", a.kind, err)
		}
	}
	a.scores[item] = a.scores[item].Add(w)
	return nil
}

func (a *rankedAcc) Merge(other Accumulator) error {
	o, ok := other.(*rankedAcc)
	if !ok || o.kind != a.kind {
		return mismatch(a.kind, other)
	}
	if o.n > a.n {
		a.n = o.n
	}
	for item, s := range o.scores {
		a.scores[item] = a.scores[item].Add(s)
	}
	return nil
}

// Value exports up to N items, best first. Ties are broken by item name so
// the result does not depend on map iteration order.
func (a *rankedAcc) Value() any {
	n := a.n
	if n == 0 {
		n = defaultRankN
	}

	h := &rankHeap{bottom: a.kind == OpBottom}
	for item, s := range a.scores {
		heap.Push(h, rankEntry{item: item, score: s})
		if h.Len() > n {
			heap.Pop(h)
		}
	}

	out := make([]Ranked, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		e := heap.Pop(h).(rankEntry)
		out[i] = Ranked{Item: e.item, Score: exportDecimal(e.score)}
	}
	return out
}

func (a *rankedAcc) Clone() Accumulator {
	c := newRankedAcc(a.kind)
	c.n = a.n
	for item, s := range a.scores {
		c.scores[item] = s
	}
	return c
}

type rankEntry struct {
	item  string
	score decimal.Decimal
}

// rankHeap keeps the worst retained entry at the root so it can be evicted.
type rankHeap struct {
	bottom  bool
	entries []rankEntry
}

// better reports whether x ranks ahead of y.
func (h *rankHeap) better(x, y rankEntry) bool {
	if c := x.score.Cmp(y.score); c != 0 {
		if h.bottom {
			return c < 0
		}
		return c > 0
	}
	return x.item < y.item
}

func (h *rankHeap) Len() int           { return len(h.entries) }
func (h *rankHeap) Less(i, j int) bool { return h.better(h.entries[j], h.entries[i]) }
func (h *rankHeap) Swap(i, j int)      { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *rankHeap) Push(x any)         { h.entries = append(h.entries, x.(rankEntry)) }

func (h *rankHeap) Pop() any {
	old := h.entries
	e := old[len(old)-1]
	h.entries = old[:len(old)-1]
	return e
}
