package v1

import (
	"time"
)

// Event is the atomic unit of the system: one structured log record.
// Fields keep insertion order. Timestamp, Level and Message are promoted slots
// filled by Promote; the underlying fields stay visible as ordinary fields.
type Event struct {
	*Fields

	// Timestamp is the parsed event time, nil when no timestamp field was recognized.
	Timestamp *time.Time

	// Level and Message mirror the recognized level/message fields ("" when absent).
	Level   string
	Message string
}

// NewEvent returns an empty event with room for n fields.
func NewEvent(n int) *Event {
	return &Event{Fields: NewFields(n)}
}

// EventFrom wraps an existing container. The container is not copied.
func EventFrom(f *Fields) *Event {
	if f == nil {
		f = NewFields(0)
	}
	return &Event{Fields: f}
}

// Clone returns a deep copy of the event including promoted slots.
func (e *Event) Clone() *Event {
	out := &Event{
		Fields:  e.Fields.Clone(),
		Level:   e.Level,
		Message: e.Message,
	}
	if e.Timestamp != nil {
		ts := *e.Timestamp
		out.Timestamp = &ts
	}
	return out
}

// Equal reports field-for-field equality (order included). Promoted slots are
// derived data and are not compared.
func (e *Event) Equal(o *Event) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.Fields.Equal(o.Fields)
}

// Meta is per-event provenance. It is immutable after creation.
type Meta struct {
	// LineNum is the 1-based source line of the first line of the record.
	LineNum int
	// Raw is the original record text.
	Raw string
	// Filename identifies the originating input ("" for stdin).
	Filename string
}

// SpanStatus records how an event was assigned to a span.
type SpanStatus uint8

const (
	SpanUnassigned SpanStatus = iota
	SpanOnTime
	SpanLate
)

func (s SpanStatus) String() string {
	switch s {
	case SpanOnTime:
		return "on_time"
	case SpanLate:
		return "late"
	default:
		return "unassigned"
	}
}

// SpanTag is attached to a record once the span aggregator has seen it.
type SpanTag struct {
	ID     string
	Status SpanStatus
}

// Record is what flows through the orchestrator: an event, its provenance and
// its arrival sequence number.
type Record struct {
	// Seq is the 0-based arrival order assigned by the reader.
	Seq   uint64
	Event *Event
	Meta  Meta
	Span  SpanTag
}
