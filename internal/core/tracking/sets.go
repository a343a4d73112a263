package tracking

import (
	"fmt"
	"sort"
)

// keyOf renders a tracked value as a set/bucket key.
func keyOf(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool, int, int32, int64, uint, uint64, float32, float64:
		return fmt.Sprint(val), nil
	case nil:
		return "", fmt.Errorf("cannot track null value")
	}
	return "", fmt.Errorf("cannot use value of type %T as a tracking key", v)
}

// uniqueAcc keeps the exact set of distinct values. Memory is bounded by
// cardinality, not by event count.
type uniqueAcc struct {
	seen map[string]struct{}
}

func newUniqueAcc() *uniqueAcc {
	return &uniqueAcc{seen: make(map[string]struct{})}
}

func (a *uniqueAcc) Kind() string { return OpUnique }

func (a *uniqueAcc) Update(op Op) error {
	k, err := keyOf(op.Value)
	if err != nil {
		return err
	}
	a.seen[k] = struct{}{}
	return nil
}

func (a *uniqueAcc) Merge(other Accumulator) error {
	o, ok := other.(*uniqueAcc)
	if !ok {
		return mismatch(OpUnique, other)
	}
	for k := range o.seen {
		a.seen[k] = struct{}{}
	}
	return nil
}

// Value exports the distinct values sorted.
func (a *uniqueAcc) Value() any {
	out := make([]string, 0, len(a.seen))
	for k := range a.seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *uniqueAcc) Clone() Accumulator {
	c := newUniqueAcc()
	for k := range a.seen {
		c.seen[k] = struct{}{}
	}
	return c
}

// bucketAcc counts occurrences per value.
type bucketAcc struct {
	counts map[string]int64
}

func newBucketAcc() *bucketAcc {
	return &bucketAcc{counts: make(map[string]int64)}
}

func (a *bucketAcc) Kind() string { return OpBucket }

func (a *bucketAcc) Update(op Op) error {
	k, err := keyOf(op.Value)
	if err != nil {
		return err
	}
	a.counts[k]++
	return nil
}

func (a *bucketAcc) Merge(other Accumulator) error {
	o, ok := other.(*bucketAcc)
	if !ok {
		return mismatch(OpBucket, other)
	}
	for k, n := range o.counts {
		a.counts[k] += n
	}
	return nil
}

// Value exports a copy of the counts. Encoders sort map keys, so the
// exported document is stable.
func (a *bucketAcc) Value() any {
	out := make(map[string]int64, len(a.counts))
	for k, n := range a.counts {
		out[k] = n
	}
	return out
}

func (a *bucketAcc) Clone() Accumulator {
	c := newBucketAcc()
	for k, n := range a.counts {
		c.counts[k] = n
	}
	return c
}
