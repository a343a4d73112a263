// Package report renders the end-of-run summary: terminal tables, a JSON
// document, a metrics file and a Prometheus textfile.
package report

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"

	"github.com/aevon-lab/sieve/internal/core/tracking"
	"github.com/aevon-lab/sieve/internal/engine"
)

var (
	muted = lipgloss.Color("#666666")

	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	footStyle   = lipgloss.NewStyle().Foreground(muted)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// WriteStats writes the run counters table.
func WriteStats(w io.Writer, sum *engine.Summary) error {
	st := sum.Stats
	t := newTable("COUNTER", "VALUE")
	for _, row := range []struct {
		name string
		n    uint64
	}{
		{"processed", st.Processed()},
		{"accepted", st.Accepted},
		{"filtered", st.Filtered},
		{"warnings", st.Warnings},
		{"errors", st.Errors},
		{"parse failures", st.ParseFailures},
		{"emitted", st.Emitted},
		{"late", st.Late},
	} {
		t.Row(row.name, strconv.FormatUint(row.n, 10))
	}

	foot := fmt.Sprintf("run %s · %s · %s", sum.RunID, sum.Mode, sum.Duration.Round(time.Millisecond))
	_, err := fmt.Fprintf(w, "%s\n%s\n%s\n", titleStyle.Render("Stats"), t.Render(), footStyle.Render(foot))
	return err
}

// WriteMetrics writes the tracked metrics table. An empty state writes nothing.
func WriteMetrics(w io.Writer, sum *engine.Summary) error {
	if sum.Metrics == nil || sum.Metrics.Len() == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w, titleStyle.Render("Metrics")); err != nil {
		return err
	}
	return tracking.Table(w, sum.Metrics)
}

// WriteSpans writes one row per closed span. No spans writes nothing.
func WriteSpans(w io.Writer, sum *engine.Summary) error {
	if len(sum.Spans) == 0 {
		return nil
	}
	t := newTable("SPAN", "SIZE", "LATE", "METRICS")
	for _, s := range sum.Spans {
		metrics := "-"
		if s.Metrics != nil && s.Metrics.Len() > 0 {
			metrics = tracking.FormatValue(s.Metrics.Values())
		}
		t.Row(s.ID, strconv.Itoa(s.Size), strconv.Itoa(s.Late), metrics)
	}
	_, err := fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render("Spans"), t.Render())
	return err
}

// Document is the machine-readable summary.
type Document struct {
	RunID      string         `json:"run_id"`
	Mode       string         `json:"mode"`
	DurationMS int64          `json:"duration_ms"`
	Stats      any            `json:"stats"`
	Metrics    map[string]any `json:"metrics"`
	Spans      []SpanDoc      `json:"spans,omitempty"`
}

// SpanDoc describes one closed span. Start and End are unset for count spans.
type SpanDoc struct {
	ID      string         `json:"id"`
	Start   *time.Time     `json:"start,omitempty"`
	End     *time.Time     `json:"end,omitempty"`
	Size    int            `json:"size"`
	Late    int            `json:"late"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// NewDocument converts sum.
func NewDocument(sum *engine.Summary) *Document {
	doc := &Document{
		RunID:      sum.RunID.String(),
		Mode:       sum.Mode.String(),
		DurationMS: sum.Duration.Milliseconds(),
		Stats:      sum.Stats,
		Metrics:    map[string]any{},
	}
	if sum.Metrics != nil {
		doc.Metrics = sum.Metrics.Values()
	}
	for _, s := range sum.Spans {
		sd := SpanDoc{ID: s.ID, Size: s.Size, Late: s.Late}
		if !s.Start.IsZero() {
			start, end := s.Start, s.End
			sd.Start, sd.End = &start, &end
		}
		if s.Metrics != nil && s.Metrics.Len() > 0 {
			sd.Metrics = s.Metrics.Values()
		}
		doc.Spans = append(doc.Spans, sd)
	}
	return doc
}

// WriteJSON writes the summary document as indented JSON.
func WriteJSON(w io.Writer, sum *engine.Summary) error {
	data, err := json.MarshalIndent(NewDocument(sum), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// WriteMetricsFile writes the final tracked metrics as a JSON object to path.
func WriteMetricsFile(path string, sum *engine.Summary) error {
	state := sum.Metrics
	if state == nil {
		state = tracking.NewState()
	}
	data, err := tracking.JSON(state)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing metrics file: %w", err)
	}
	return nil
}
