package tracking

import (
	"fmt"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Relative accuracy of percentile estimates.
const sketchAccuracy = 0.01

// Quantiles reported for a percentile metric.
var exportedQuantiles = []struct {
	name string
	q    float64
}{
	{"p50", 0.50},
	{"p90", 0.90},
	{"p95", 0.95},
	{"p99", 0.99},
}

// percentileAcc estimates quantiles with a DDSketch. Sketches merge
// losslessly, so worker-local estimators combine into the same sketch a single
// accumulator would have built.
type percentileAcc struct {
	sketch *ddsketch.DDSketch
}

func newPercentileAcc() *percentileAcc {
	s, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		// Only reachable with an invalid accuracy constant.
		panic(err)
	}
	return &percentileAcc{sketch: s}
}

func (a *percentileAcc) Kind() string { return OpPercentile }

func (a *percentileAcc) Update(op Op) error {
	d, err := ToDecimal(op.Value)
	if err != nil {
		return err
	}
	if err := a.sketch.Add(d.InexactFloat64()); err != nil {
		return fmt.Errorf("percentile: %w", err)
	}
	return nil
}

func (a *percentileAcc) Merge(other Accumulator) error {
	o, ok := other.(*percentileAcc)
	if !ok {
		return mismatch(OpPercentile, other)
	}
	return a.sketch.MergeWith(o.sketch)
}

// Value exports the observation count and the standard quantiles.
func (a *percentileAcc) Value() any {
	out := map[string]any{"count": int64(a.sketch.GetCount())}
	if a.sketch.IsEmpty() {
		return out
	}
	for _, eq := range exportedQuantiles {
		v, err := a.sketch.GetValueAtQuantile(eq.q)
		if err != nil {
			continue
		}
		out[eq.name] = v
	}
	return out
}

// Quantile returns the estimate at q in [0, 1].
func (a *percentileAcc) Quantile(q float64) (float64, error) {
	return a.sketch.GetValueAtQuantile(q)
}

func (a *percentileAcc) Clone() Accumulator {
	return &percentileAcc{sketch: a.sketch.Copy()}
}
