package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/expr-lang/expr/file"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
)

// Class separates failures caused by a missing field from everything else.
type Class uint8

const (
	// Hard is any evaluation failure not attributable to a missing field.
	Hard Class = iota
	// Soft is an operation that received the value of a field the event does
	// not have (nil in the evaluator).
	Soft
)

func (c Class) String() string {
	if c == Soft {
		return "warning"
	}
	return "error"
}

// minSimilarity is the threshold for "did you mean" suggestions.
const (
	minSimilarity  = 0.6
	maxSuggestions = 3
)

// ScriptError is an evaluation or compile failure with a 1-based position in
// the script source.
type ScriptError struct {
	Class       Class
	Message     string
	Line        int
	Column      int
	Snippet     string
	Missing     []string
	Suggestions []string
	Err         error
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Line > 0 {
		fmt.Fprintf(&b, " (%d:%d)", e.Line, e.Column)
	}
	if len(e.Suggestions) > 0 {
		fmt.Fprintf(&b, "; did you mean %s?", strings.Join(quoteAll(e.Suggestions), ", "))
	}
	return b.String()
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Pointer renders the failing source line with a caret under the column.
func (e *ScriptError) Pointer() string {
	if e.Snippet == "" || e.Column < 1 {
		return ""
	}
	return e.Snippet + "\n" + strings.Repeat(" ", e.Column-1) + "^"
}

// Details returns the error as a flat map for structured logging.
func (e *ScriptError) Details() map[string]any {
	d := map[string]any{
		"class":   e.Class.String(),
		"message": e.Message,
	}
	if e.Line > 0 {
		d["line"] = e.Line
		d["column"] = e.Column
	}
	if len(e.Missing) > 0 {
		d["missing_fields"] = e.Missing
	}
	if len(e.Suggestions) > 0 {
		d["suggestions"] = e.Suggestions
	}
	return d
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

// source maps fragment positions back to the whole script.
type source struct {
	text  string
	lines []string
}

func newSource(text string) *source {
	return &source{text: text, lines: strings.Split(text, "\n")}
}

// position converts a byte offset into a 1-based line and column.
func (s *source) position(off int) (int, int) {
	if off > len(s.text) {
		off = len(s.text)
	}
	line := 1 + strings.Count(s.text[:off], "\n")
	col := off - (strings.LastIndex(s.text[:off], "\n") + 1) + 1
	return line, col
}

func (s *source) snippet(line int) string {
	if line < 1 || line > len(s.lines) {
		return ""
	}
	return strings.TrimRight(s.lines[line-1], "\r")
}

// locate builds a ScriptError for err raised by the fragment starting at off.
// Evaluator errors carry their own fragment-relative position.
func (s *source) locate(err error, off int) *ScriptError {
	se := &ScriptError{Class: Hard, Message: err.Error(), Err: err}

	var perr *parseError
	var ferr *file.Error
	switch {
	case errors.As(err, &perr):
		se.Line, se.Column = s.position(perr.off)
	case errors.As(err, &ferr):
		se.Message = ferr.Message
		line, col := s.position(off)
		if ferr.Line > 1 {
			line += ferr.Line - 1
			col = ferr.Column + 1
		} else {
			col += ferr.Column
		}
		se.Line, se.Column = line, col
	default:
		se.Line, se.Column = s.position(off)
	}
	se.Snippet = s.snippet(se.Line)
	return se
}

// classify marks se Soft when the failure involved a nil operand and the
// script reads event fields the event lacks, and attaches suggestions.
func classify(se *ScriptError, refs []string, fields *v1.Fields) {
	if !strings.Contains(se.Message, "<nil>") {
		return
	}
	var missing []string
	for _, name := range refs {
		if !fields.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return
	}
	se.Class = Soft
	se.Missing = missing
	se.Suggestions = suggest(missing, fields.Keys())
}

// suggest returns up to maxSuggestions available names close to any missing
// name, best match first.
func suggest(missing, available []string) []string {
	type candidate struct {
		name  string
		score float64
	}
	best := make(map[string]float64)
	for _, m := range missing {
		for _, a := range available {
			if s := similarity(m, a); s > minSimilarity && s > best[a] {
				best[a] = s
			}
		}
	}
	cands := make([]candidate, 0, len(best))
	for name, score := range best {
		cands = append(cands, candidate{name, score})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].name < cands[j].name
	})
	if len(cands) > maxSuggestions {
		cands = cands[:maxSuggestions]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}

func similarity(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
