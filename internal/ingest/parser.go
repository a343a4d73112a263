package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-logfmt/logfmt"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
)

// Parser turns one line into an event. Parsers are stateless and safe for
// concurrent use. A failed parse is counted and the line skipped by the
// caller.
type Parser interface {
	Parse(line string) (*v1.Event, error)
}

// Formats lists the parser names NewParser accepts.
var Formats = []string{"jsonl", "logfmt", "line"}

// NewParser returns the parser for format. "json" is an alias for "jsonl".
func NewParser(format string) (Parser, error) {
	switch format {
	case "jsonl", "json", "":
		return JSONL{}, nil
	case "logfmt":
		return Logfmt{}, nil
	case "line":
		return Line{}, nil
	}
	return nil, fmt.Errorf("unknown input format %q (must be one of %s)", format, strings.Join(Formats, ", "))
}

// JSONL parses one JSON object per line, keeping key order.
type JSONL struct{}

func (JSONL) Parse(line string) (*v1.Event, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}
	fields, err := decodeObject(dec)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid JSON: trailing data after object")
	}

	ev := v1.EventFrom(fields)
	v1.Promote(ev)
	return ev, nil
}

// decodeObject reads members after the opening brace through the closing one.
func decodeObject(dec *json.Decoder) (*v1.Fields, error) {
	f := v1.NewFields(8)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is %T", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		f.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return f, nil
}

func decodeValue(dec *json.Decoder) (v1.Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return v1.Unit(), err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			f, err := decodeObject(dec)
			if err != nil {
				return v1.Unit(), err
			}
			return v1.Map(f), nil
		case '[':
			var items []v1.Value
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return v1.Unit(), err
				}
				items = append(items, v)
			}
			if _, err := dec.Token(); err != nil {
				return v1.Unit(), err
			}
			return v1.Array(items...), nil
		}
		return v1.Unit(), fmt.Errorf("unexpected %v", t)
	case json.Number:
		return number(t.String()), nil
	case string:
		return v1.String(t), nil
	case bool:
		return v1.Bool(t), nil
	case nil:
		return v1.Null(), nil
	}
	return v1.Unit(), fmt.Errorf("unexpected token %T", tok)
}

func number(s string) v1.Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v1.Int(i)
	}
	f, _ := strconv.ParseFloat(s, 64)
	return v1.Float(f)
}

// Logfmt parses key=value pairs. Unquoted values that look like integers,
// floats or booleans are typed accordingly; a bare key is true.
type Logfmt struct{}

func (Logfmt) Parse(line string) (*v1.Event, error) {
	dec := logfmt.NewDecoder(strings.NewReader(line))
	f := v1.NewFields(8)
	for dec.ScanRecord() {
		for dec.ScanKeyval() {
			key := string(dec.Key())
			raw := dec.Value()
			if raw == nil {
				f.Set(key, v1.Bool(true))
				continue
			}
			f.Set(key, inferScalar(raw))
		}
	}
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("invalid logfmt: %w", err)
	}
	if f.Len() == 0 {
		return nil, fmt.Errorf("invalid logfmt: no key=value pairs")
	}
	ev := v1.EventFrom(f)
	v1.Promote(ev)
	return ev, nil
}

func inferScalar(raw []byte) v1.Value {
	s := string(raw)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v1.Int(i)
	}
	if looksNumeric(s) {
		if fl, err := strconv.ParseFloat(s, 64); err == nil {
			return v1.Float(fl)
		}
	}
	switch string(bytes.ToLower(raw)) {
	case "true":
		return v1.Bool(true)
	case "false":
		return v1.Bool(false)
	}
	return v1.String(s)
}

// looksNumeric rejects words ParseFloat accepts, like "inf" and "nan".
func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	if c == '-' || c == '+' {
		if len(s) == 1 {
			return false
		}
		c = s[1]
	}
	return c == '.' || (c >= '0' && c <= '9')
}

// Line wraps the raw text as the single field "line".
type Line struct{}

func (Line) Parse(line string) (*v1.Event, error) {
	f := v1.NewFields(1)
	f.Set("line", v1.String(line))
	return v1.EventFrom(f), nil
}
