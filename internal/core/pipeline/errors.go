package pipeline

import (
	"errors"
	"fmt"
	"strings"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/sandbox"
)

// ErrStrictAbort matches a FatalError raised because strict mode escalated a
// stage failure.
var ErrStrictAbort = errors.New("strict mode abort")

// StageError is a rolled-back Exec or Map stage.
type StageError struct {
	Class      sandbox.Class
	Stage      Kind
	StageIndex int
	// LineNum is the input line of the record being processed.
	LineNum     int
	Line        int
	Column      int
	Snippet     string
	Suggestions []string
	Err         error
}

func newStageError(kind Kind, index int, rec *v1.Record, err error) *StageError {
	se := &StageError{
		Class:      sandbox.Hard,
		Stage:      kind,
		StageIndex: index,
		LineNum:    rec.Meta.LineNum,
		Err:        err,
	}
	var serr *sandbox.ScriptError
	if errors.As(err, &serr) {
		se.Class = serr.Class
		se.Line = serr.Line
		se.Column = serr.Column
		se.Snippet = serr.Snippet
		se.Suggestions = serr.Suggestions
	}
	return se
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %d: %v", e.Stage, e.StageIndex, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Soft reports whether the failure was caused by a missing field.
func (e *StageError) Soft() bool { return e.Class == sandbox.Soft }

// Pointer renders the failing script line with a caret under the column.
func (e *StageError) Pointer() string {
	if e.Snippet == "" || e.Column < 1 {
		return ""
	}
	return e.Snippet + "\n" + strings.Repeat(" ", e.Column-1) + "^"
}

// Details returns the structured fields of the failure for logging.
func (e *StageError) Details() map[string]any {
	d := map[string]any{
		"class":       e.Class.String(),
		"stage":       e.Stage.String(),
		"stage_index": e.StageIndex,
	}
	if e.LineNum > 0 {
		d["input_line"] = e.LineNum
	}
	if e.Line > 0 {
		d["line"] = e.Line
		d["column"] = e.Column
	}
	if len(e.Suggestions) > 0 {
		d["suggestions"] = e.Suggestions
	}
	return d
}

// FatalError aborts the run.
type FatalError struct {
	// Stage names the failing stage, e.g. "exec stage 2"; empty for I/O
	// failures.
	Stage   string
	LineNum int
	Err     error
	strict  bool
}

func (e *FatalError) Error() string {
	var b strings.Builder
	b.WriteString("fatal")
	if e.Stage != "" {
		b.WriteString(": " + e.Stage)
	}
	if e.LineNum > 0 {
		fmt.Fprintf(&b, " at input line %d", e.LineNum)
	}
	var se *StageError
	if errors.As(e.Err, &se) {
		b.WriteString(": " + se.Err.Error())
		if p := se.Pointer(); p != "" {
			b.WriteString("\n" + p)
		}
		return b.String()
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *FatalError) Unwrap() error { return e.Err }

// Is matches ErrStrictAbort for strict mode escalations.
func (e *FatalError) Is(target error) bool {
	return e.strict && target == ErrStrictAbort
}

// Escalate wraps a stage failure as a strict mode FatalError.
func Escalate(se *StageError) *FatalError {
	return &FatalError{
		Stage:   fmt.Sprintf("%s stage %d", se.Stage, se.StageIndex),
		LineNum: se.LineNum,
		Err:     se,
		strict:  true,
	}
}
