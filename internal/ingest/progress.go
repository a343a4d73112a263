package ingest

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Progress renders bytes read on a terminal.
type Progress struct {
	bar *progressbar.ProgressBar
}

// NewProgress draws to w. A negative total shows a spinner instead of a bar.
func NewProgress(w io.Writer, total int64) *Progress {
	return &Progress{bar: progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("reading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)}
}

// Wrap counts bytes as they are read from r.
func (p *Progress) Wrap(r io.Reader) io.Reader {
	return io.TeeReader(r, p.bar)
}

// Finish completes and clears the bar.
func (p *Progress) Finish() error {
	return p.bar.Finish()
}

// TotalSize sums the sizes of paths, or returns -1 when the total is unknown
// up front (stdin, compressed input, unreadable file).
func TotalSize(paths []string) int64 {
	var total int64
	for _, p := range paths {
		switch strings.ToLower(filepath.Ext(p)) {
		case ".gz", ".zst":
			return -1
		}
		if p == "-" {
			return -1
		}
		fi, err := os.Stat(p)
		if err != nil {
			return -1
		}
		total += fi.Size()
	}
	if len(paths) == 0 {
		return -1
	}
	return total
}
