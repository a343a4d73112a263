// Package output renders events for the output stream.
package output

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/go-logfmt/logfmt"
	"github.com/goccy/go-json"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
)

// Formatter renders one event. Formatters never modify the event.
type Formatter interface {
	Format(ev *v1.Event) ([]byte, error)
}

// Formats lists the formatter names NewFormatter accepts.
var Formats = []string{"default", "logfmt", "json"}

// NewFormatter returns the formatter for name.
func NewFormatter(name string) (Formatter, error) {
	switch name {
	case "default", "logfmt", "":
		return KeyValue{}, nil
	case "json", "jsonl":
		return JSON{}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (must be one of %s)", name, strings.Join(Formats, ", "))
}

// JSON writes one object per event with keys in field order.
type JSON struct{}

func (JSON) Format(ev *v1.Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSONFields(&buf, ev.Fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSONFields(buf *bytes.Buffer, f *v1.Fields) error {
	buf.WriteByte('{')
	var err error
	i := 0
	f.Range(func(name string, v v1.Value) bool {
		if i > 0 {
			buf.WriteByte(',')
		}
		i++
		var key []byte
		if key, err = json.Marshal(name); err != nil {
			return false
		}
		buf.Write(key)
		buf.WriteByte(':')
		err = writeJSONValue(buf, v)
		return err == nil
	})
	if err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONValue(buf *bytes.Buffer, v v1.Value) error {
	switch v.Kind() {
	case v1.KindMap:
		m, _ := v.Map()
		return writeJSONFields(buf, m)
	case v1.KindArray:
		items, _ := v.Array()
		buf.WriteByte('[')
		for i, el := range items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}
	b, err := json.Marshal(v1.ToNative(v))
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// KeyValue writes logfmt-style key=value pairs in field order.
type KeyValue struct{}

func (KeyValue) Format(ev *v1.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := logfmt.NewEncoder(&buf)
	var err error
	ev.Range(func(name string, v v1.Value) bool {
		err = enc.EncodeKeyval(name, v.String())
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Writer is the output stream: formatted events and script print lines.
// It is used from the coordinating goroutine only.
type Writer struct {
	bw *bufio.Writer
	f  Formatter
}

// NewWriter buffers output to w; call Flush when done.
func NewWriter(w io.Writer, f Formatter) *Writer {
	return &Writer{bw: bufio.NewWriter(w), f: f}
}

// Write formats rec's event and ends it with a newline.
func (w *Writer) Write(rec *v1.Record) error {
	b, err := w.f.Format(rec.Event)
	if err != nil {
		return fmt.Errorf("formatting line %d: %w", rec.Meta.LineNum, err)
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// Print writes a script print line.
func (w *Writer) Print(line string) error {
	if _, err := w.bw.WriteString(line); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// Flush writes any buffered output.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}
