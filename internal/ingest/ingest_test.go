package ingest

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
)

func drain(t *testing.T, s *Source) []Chunk {
	t.Helper()
	var out []Chunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

func TestSource_SkipsBlankLinesKeepsNumbers(t *testing.T) {
	s := NewSource(strings.NewReader("a\n\n  \nb\r\nc"), "")
	got := drain(t, s)
	require.Len(t, got, 3)
	assert.Equal(t, Chunk{Text: "a", LineNum: 1}, got[0])
	assert.Equal(t, Chunk{Text: "b", LineNum: 4}, got[1])
	assert.Equal(t, Chunk{Text: "c", LineNum: 5}, got[2])
}

func TestOpenFiles_PlainAndCompressed(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(plain, []byte("p1\np2\n"), 0o644))

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte("g1\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	gzPath := filepath.Join(dir, "b.log.gz")
	require.NoError(t, os.WriteFile(gzPath, gz.Bytes(), 0o644))

	var zs bytes.Buffer
	enc, err := zstd.NewWriter(&zs)
	require.NoError(t, err)
	_, err = enc.Write([]byte("z1\nz2\n"))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	zsPath := filepath.Join(dir, "c.log.zst")
	require.NoError(t, os.WriteFile(zsPath, zs.Bytes(), 0o644))

	s := OpenFiles([]string{plain, gzPath, "-", zsPath}, strings.NewReader("s1\n"))
	got := drain(t, s)

	var texts []string
	for _, c := range got {
		texts = append(texts, c.Text)
	}
	assert.Equal(t, []string{"p1", "p2", "g1", "s1", "z1", "z2"}, texts)
	assert.Equal(t, gzPath, got[2].Filename)
	assert.Equal(t, "", got[3].Filename)
	assert.Equal(t, 2, got[5].LineNum, "line numbers restart per input")
}

func TestOpenFiles_MissingFile(t *testing.T) {
	s := OpenFiles([]string{filepath.Join(t.TempDir(), "nope.log")}, nil)
	_, err := s.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.log")
}

func TestSource_LineTooLongIsSkipped(t *testing.T) {
	long := strings.Repeat("x", MaxLineSize+1)
	s := NewSource(strings.NewReader("ok\n"+long+"\nnext\n"+long), "big.log")

	c, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Text)

	c, err = s.Next()
	require.ErrorIs(t, err, ErrLineTooLong)
	assert.Contains(t, err.Error(), "big.log:2")
	assert.Equal(t, Chunk{LineNum: 2, Filename: "big.log"}, c)

	c, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, Chunk{Text: "next", LineNum: 3, Filename: "big.log"}, c)

	_, err = s.Next()
	require.ErrorIs(t, err, ErrLineTooLong, "an unterminated last line is checked too")
	_, err = s.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSource_LineAtLimitIsKept(t *testing.T) {
	exact := strings.Repeat("y", MaxLineSize)
	s := NewSource(strings.NewReader(exact+"\n"), "")
	c, err := s.Next()
	require.NoError(t, err)
	assert.Len(t, c.Text, MaxLineSize)
}

func TestJSONL_KeepsOrderAndTypes(t *testing.T) {
	ev, err := JSONL{}.Parse(`{"z":1,"a":"x","n":{"k":[1,2.5,true,null]},"f":1.5,"timestamp":"2026-02-11T10:00:00Z","level":"warn"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "n", "f", "timestamp", "level"}, ev.Keys())
	assert.Equal(t, 1, v1.ToNative(ev.Get("z")))
	assert.Equal(t, 1.5, v1.ToNative(ev.Get("f")))
	assert.Equal(t, map[string]any{"k": []any{1, 2.5, true, nil}}, v1.ToNative(ev.Get("n")))
	require.NotNil(t, ev.Timestamp)
	assert.Equal(t, "warn", ev.Level)
}

func TestJSONL_Failures(t *testing.T) {
	for _, line := range []string{`[1,2]`, `{"a":`, `{"a":1} {"b":2}`, `not json`, `"str"`} {
		_, err := JSONL{}.Parse(line)
		assert.Error(t, err, line)
	}
}

func TestLogfmt(t *testing.T) {
	ev, err := Logfmt{}.Parse(`level=info msg="hello world" status=200 dur=1.5 ok=true debug name=nan`)
	require.NoError(t, err)
	assert.Equal(t, []string{"level", "msg", "status", "dur", "ok", "debug", "name"}, ev.Keys())
	assert.Equal(t, "hello world", v1.ToNative(ev.Get("msg")))
	assert.Equal(t, 200, v1.ToNative(ev.Get("status")))
	assert.Equal(t, 1.5, v1.ToNative(ev.Get("dur")))
	assert.Equal(t, true, v1.ToNative(ev.Get("ok")))
	assert.Equal(t, true, v1.ToNative(ev.Get("debug")))
	assert.Equal(t, "nan", v1.ToNative(ev.Get("name")))
	assert.Equal(t, "info", ev.Level)
}

func TestLine(t *testing.T) {
	ev, err := Line{}.Parse("free text")
	require.NoError(t, err)
	assert.Equal(t, "free text", v1.ToNative(ev.Get("line")))
}

func TestNewParser(t *testing.T) {
	for _, f := range append([]string{"json"}, Formats...) {
		p, err := NewParser(f)
		require.NoError(t, err, f)
		require.NotNil(t, p)
	}
	_, err := NewParser("csv")
	require.Error(t, err)
}

func TestTotalSize(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(a, []byte("12345"), 0o644))
	assert.Equal(t, int64(5), TotalSize([]string{a}))
	assert.Equal(t, int64(-1), TotalSize([]string{a, "-"}))
	assert.Equal(t, int64(-1), TotalSize([]string{"x.gz"}))
	assert.Equal(t, int64(-1), TotalSize(nil))
}

func TestProgress_WrapCountsBytes(t *testing.T) {
	var sink bytes.Buffer
	p := NewProgress(&sink, 10)
	s := NewSource(strings.NewReader("abc\ndef\n"), "")
	s.Wrap(p.Wrap)
	assert.Len(t, drain(t, s), 2)
	require.NoError(t, p.Finish())
}
