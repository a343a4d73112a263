// Package ingest turns input files into records: a line Source over plain or
// compressed inputs and the Parsers that turn one line into an event.
package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MaxLineSize bounds a single input line.
const MaxLineSize = 16 << 20

// ErrLineTooLong marks a line over MaxLineSize. The line is consumed and
// reading can continue with the next one.
var ErrLineTooLong = errors.New("line too long")

// Chunk is one logical record as read from the input.
type Chunk struct {
	Text     string
	LineNum  int
	Filename string
}

// input is one file (or stdin) still to be read.
type input struct {
	name string
	open func() (io.ReadCloser, error)
}

// Source reads non-blank lines from a sequence of inputs. It is used from a
// single goroutine.
type Source struct {
	inputs []input
	// wrap decorates every opened reader; used for progress reporting.
	wrap func(io.Reader) io.Reader

	r      *bufio.Reader
	closer io.Closer
	name   string
	line   int
}

// NewSource reads from r, reported as name ("" for stdin).
func NewSource(r io.Reader, name string) *Source {
	return &Source{inputs: []input{{
		name: name,
		open: func() (io.ReadCloser, error) { return decompress(io.NopCloser(r), name) },
	}}}
}

// OpenFiles reads each path in turn; "-" is stdin. Files ending in .gz or
// .zst are decompressed on the fly. Files are opened lazily.
func OpenFiles(paths []string, stdin io.Reader) *Source {
	s := &Source{}
	for _, p := range paths {
		if p == "-" {
			s.inputs = append(s.inputs, input{name: "", open: func() (io.ReadCloser, error) {
				return io.NopCloser(stdin), nil
			}})
			continue
		}
		path := p
		s.inputs = append(s.inputs, input{name: path, open: func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			return decompress(f, path)
		}})
	}
	return s
}

// Wrap decorates every reader the source opens from now on.
func (s *Source) Wrap(fn func(io.Reader) io.Reader) { s.wrap = fn }

// Next returns the next non-blank line, or io.EOF after the last input. A
// line over MaxLineSize is skipped and reported as an error wrapping
// ErrLineTooLong, with the chunk carrying its position; the following call
// continues after it.
func (s *Source) Next() (Chunk, error) {
	for {
		if s.r == nil {
			if len(s.inputs) == 0 {
				return Chunk{}, io.EOF
			}
			if err := s.advance(); err != nil {
				return Chunk{}, err
			}
		}
		text, err := s.readLine()
		switch {
		case err == nil:
			s.line++
			text = strings.TrimRight(text, "\r")
			if strings.TrimSpace(text) == "" {
				continue
			}
			return Chunk{Text: text, LineNum: s.line, Filename: s.name}, nil
		case errors.Is(err, ErrLineTooLong):
			s.line++
			return Chunk{LineNum: s.line, Filename: s.name},
				fmt.Errorf("%s:%d: line exceeds %d bytes: %w", displayName(s.name), s.line, MaxLineSize, ErrLineTooLong)
		case errors.Is(err, io.EOF):
			s.closeCurrent()
		default:
			s.closeCurrent()
			return Chunk{}, fmt.Errorf("reading %s: %w", displayName(s.name), err)
		}
	}
}

// readLine returns the next line without its newline, or io.EOF when the
// input is exhausted. An oversized line is read to its end and dropped.
func (s *Source) readLine() (string, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		frag, err := s.r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(frag) > MaxLineSize+1 {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, frag...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil && !errors.Is(err, io.EOF):
			return "", err
		case tooLong:
			return "", ErrLineTooLong
		case err != nil && len(buf) == 0:
			return "", io.EOF
		}
		line := strings.TrimSuffix(string(buf), "\n")
		if len(line) > MaxLineSize {
			return "", ErrLineTooLong
		}
		return line, nil
	}
}

func (s *Source) advance() error {
	in := s.inputs[0]
	s.inputs = s.inputs[1:]
	rc, err := in.open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", displayName(in.name), err)
	}
	var r io.Reader = rc
	if s.wrap != nil {
		r = s.wrap(r)
	}
	s.r = bufio.NewReaderSize(r, 64*1024)
	s.closer = rc
	s.name = in.name
	s.line = 0
	return nil
}

func (s *Source) closeCurrent() {
	if s.closer != nil {
		_ = s.closer.Close()
	}
	s.r = nil
	s.closer = nil
}

// Close releases the input being read, if any.
func (s *Source) Close() error {
	s.inputs = nil
	s.closeCurrent()
	return nil
}

func displayName(name string) string {
	if name == "" {
		return "stdin"
	}
	return name
}

// decompress picks a decoder from the file extension.
func decompress(rc io.ReadCloser, name string) (io.ReadCloser, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		zr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case ".zst":
		zr, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zstdCloser{zr}, rc}}, nil
	case ".zip":
		rc.Close()
		return nil, fmt.Errorf("zip archives are not supported; extract %s first", name)
	}
	return rc, nil
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}
