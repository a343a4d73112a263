package report

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aevon-lab/sieve/internal/engine"
)

const namespace = "sieve"

// Registry builds a dedicated registry holding the run counters and every
// numeric tracked metric. Non-numeric metrics (sets, buckets, rankings) are
// left out.
func Registry(sum *engine.Summary) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()

	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Records by outcome.",
	}, []string{"outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_failures_total",
		Help:      "Stage failures by class.",
	}, []string{"class"})
	emitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emitted_total",
		Help:      "Events emitted by scripts.",
	})
	spans := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spans_closed_total",
		Help:      "Closed spans.",
	})
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of the run.",
	})
	metrics := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "metric_value",
		Help:      "Final value of a tracked metric.",
	}, []string{"key", "kind"})

	for _, c := range []prometheus.Collector{records, failures, emitted, spans, duration, metrics} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}

	st := sum.Stats
	records.WithLabelValues("accepted").Add(float64(st.Accepted))
	records.WithLabelValues("filtered").Add(float64(st.Filtered))
	records.WithLabelValues("parse_failure").Add(float64(st.ParseFailures))
	records.WithLabelValues("late").Add(float64(st.Late))
	failures.WithLabelValues("warning").Add(float64(st.Warnings))
	failures.WithLabelValues("error").Add(float64(st.Errors))
	emitted.Add(float64(st.Emitted))
	spans.Add(float64(sum.SpanStats.Closed))
	duration.Set(sum.Duration.Seconds())

	if sum.Metrics != nil {
		for _, e := range sum.Metrics.Snapshot() {
			if f, ok := numeric(e.Value); ok {
				metrics.WithLabelValues(e.Key, e.Kind).Set(f)
			}
		}
	}
	return reg, nil
}

// WritePromFile writes the registry for sum in the text exposition format,
// as read by the node exporter textfile collector.
func WritePromFile(path string, sum *engine.Summary) error {
	reg, err := Registry(sum)
	if err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("writing prometheus textfile: %w", err)
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
