package tracking

// Supported tracking operators. Each maps to one Accumulator variant.
const (
	OpCount      = "count"
	OpSum        = "sum"
	OpMin        = "min"
	OpMax        = "max"
	OpAvg        = "avg"
	OpUnique     = "unique"
	OpBucket     = "bucket"
	OpTop        = "top"
	OpBottom     = "bottom"
	OpPercentile = "percentile"
)

// Op is one tracking call made by a script: apply Value to the metric Key
// using operator Kind. Ops are plain values so a worker can log the ops an
// event committed and replay them elsewhere (e.g. into a span's tracker).
type Op struct {
	Kind  string
	Key   string
	Value any

	// Weight scores Value for top/bottom; nil counts one per call.
	Weight any
	// N bounds the ranked list exported by top/bottom.
	N int
}

// Entry is one exported metric.
type Entry struct {
	Key   string `json:"key"`
	Kind  string `json:"kind"`
	Value any    `json:"value"`
}

// Ranked is one exported element of a top/bottom list.
type Ranked struct {
	Item  string `json:"item"`
	Score any    `json:"score"`
}
