package tracking

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Accumulator is a named running statistic.
//
// Merge must be associative and commutative: partial accumulators built
// independently (one per worker, one per span) combine into the same result
// regardless of merge order or batching. Numeric variants use exact decimal
// arithmetic for that reason.
type Accumulator interface {
	// Kind returns the operator name this accumulator serves.
	Kind() string

	// Update folds one tracking call into the accumulator.
	Update(op Op) error

	// Merge folds another accumulator of the same kind into this one.
	Merge(other Accumulator) error

	// Value returns the exported form (plain Go values, stable ordering).
	Value() any

	// Clone returns an independent copy.
	Clone() Accumulator
}

// Operators is the registry of all supported tracking operators.
// To add a new operator: implement Accumulator and add a constructor here.
var Operators = map[string]func() Accumulator{
	OpCount:      func() Accumulator { return &countAcc{} },
	OpSum:        func() Accumulator { return &sumAcc{} },
	OpMin:        func() Accumulator { return &extremeAcc{kind: OpMin} },
	OpMax:        func() Accumulator { return &extremeAcc{kind: OpMax} },
	OpAvg:        func() Accumulator { return &avgAcc{} },
	OpUnique:     func() Accumulator { return newUniqueAcc() },
	OpBucket:     func() Accumulator { return newBucketAcc() },
	OpTop:        func() Accumulator { return newRankedAcc(OpTop) },
	OpBottom:     func() Accumulator { return newRankedAcc(OpBottom) },
	OpPercentile: func() Accumulator { return newPercentileAcc() },
}

// ValidOperator reports whether op is a registered tracking operator.
func ValidOperator(op string) bool {
	_, ok := Operators[op]
	return ok
}

// New returns a fresh accumulator for op.
func New(op string) (Accumulator, error) {
	ctor, ok := Operators[op]
	if !ok {
		return nil, fmt.Errorf("unsupported tracking operator %q", op)
	}
	return ctor(), nil
}

func mismatch(want string, got Accumulator) error {
	return fmt.Errorf("cannot merge %s accumulator into %s", got.Kind(), want)
}

// countAcc increments by 1 per call. The value is ignored.
type countAcc struct {
	n int64
}

func (a *countAcc) Kind() string { return OpCount }

func (a *countAcc) Update(Op) error {
	a.n++
	return nil
}

func (a *countAcc) Merge(other Accumulator) error {
	o, ok := other.(*countAcc)
	if !ok {
		return mismatch(OpCount, other)
	}
	a.n += o.n
	return nil
}

func (a *countAcc) Value() any         { return a.n }
func (a *countAcc) Clone() Accumulator { c := *a; return &c }

// sumAcc accumulates the exact sum of values.
type sumAcc struct {
	sum decimal.Decimal
}

func (a *sumAcc) Kind() string { return OpSum }

func (a *sumAcc) Update(op Op) error {
	d, err := ToDecimal(op.Value)
	if err != nil {
		return err
	}
	a.sum = a.sum.Add(d)
	return nil
}

func (a *sumAcc) Merge(other Accumulator) error {
	o, ok := other.(*sumAcc)
	if !ok {
		return mismatch(OpSum, other)
	}
	a.sum = a.sum.Add(o.sum)
	return nil
}

func (a *sumAcc) Value() any         { return exportDecimal(a.sum) }
func (a *sumAcc) Clone() Accumulator { c := *a; return &c }

// extremeAcc tracks the minimum or maximum value seen.
type extremeAcc struct {
	kind string
	set  bool
	v    decimal.Decimal
}

func (a *extremeAcc) Kind() string { return a.kind }

func (a *extremeAcc) Update(op Op) error {
	d, err := ToDecimal(op.Value)
	if err != nil {
		return err
	}
	a.offer(d)
	return nil
}

func (a *extremeAcc) offer(d decimal.Decimal) {
	switch {
	case !a.set:
		a.v, a.set = d, true
	case a.kind == OpMin && d.LessThan(a.v):
		a.v = d
	case a.kind == OpMax && d.GreaterThan(a.v):
		a.v = d
	}
}

func (a *extremeAcc) Merge(other Accumulator) error {
	o, ok := other.(*extremeAcc)
	if !ok || o.kind != a.kind {
		return mismatch(a.kind, other)
	}
	if o.set {
		a.offer(o.v)
	}
	return nil
}

func (a *extremeAcc) Value() any {
	if !a.set {
		return nil
	}
	return exportDecimal(a.v)
}

func (a *extremeAcc) Clone() Accumulator { c := *a; return &c }

// avgAcc keeps sum and count; the average is derived on export so partial
// averages merge exactly.
type avgAcc struct {
	sum decimal.Decimal
	n   int64
}

func (a *avgAcc) Kind() string { return OpAvg }

func (a *avgAcc) Update(op Op) error {
	d, err := ToDecimal(op.Value)
	if err != nil {
		return err
	}
	a.sum = a.sum.Add(d)
	a.n++
	return nil
}

func (a *avgAcc) Merge(other Accumulator) error {
	o, ok := other.(*avgAcc)
	if !ok {
		return mismatch(OpAvg, other)
	}
	a.sum = a.sum.Add(o.sum)
	a.n += o.n
	return nil
}

func (a *avgAcc) Value() any {
	if a.n == 0 {
		return nil
	}
	return a.sum.Div(decimal.NewFromInt(a.n)).InexactFloat64()
}

func (a *avgAcc) Clone() Accumulator { c := *a; return &c }
