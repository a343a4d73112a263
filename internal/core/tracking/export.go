package tracking

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Table writes the metrics as a key/kind/value table in key order.
// It reads s only.
func Table(w io.Writer, s *State) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("METRIC", "KIND", "VALUE").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, e := range s.Snapshot() {
		t.Row(e.Key, e.Kind, FormatValue(e.Value))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

// JSON encodes the metrics as a key -> value object. Keys come out sorted.
func JSON(s *State) ([]byte, error) {
	return json.Marshal(s.Values())
}

// FormatValue renders an exported metric value on one line.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case []string:
		return strings.Join(val, ", ")
	case []Ranked:
		parts := make([]string, len(val))
		for i, r := range val {
			parts[i] = fmt.Sprintf("%s=%v", r.Item, r.Score)
		}
		return strings.Join(parts, ", ")
	case map[string]int64:
		return formatMap(len(val), func(yield func(string, any)) {
			for k, n := range val {
				yield(k, n)
			}
		})
	case map[string]any:
		return formatMap(len(val), func(yield func(string, any)) {
			for k, x := range val {
				yield(k, x)
			}
		})
	case float64:
		return fmt.Sprintf("%.4g", val)
	}
	return fmt.Sprint(v)
}

func formatMap(n int, each func(yield func(string, any))) string {
	parts := make([]string, 0, n)
	each(func(k string, v any) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	})
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
