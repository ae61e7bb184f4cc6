package state

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	defaultTailLines = 20
	defaultTailBytes = 2 << 20
)

// TailLines returns up to n trailing lines of a service log, reading at most
// maxBytes from the end of the file. A line cut by the byte window is dropped.
func TailLines(path string, n int, maxBytes int64) ([]string, error) {
	if path == "" {
		return nil, errors.New("missing log path")
	}
	if n <= 0 {
		n = defaultTailLines
	}
	if maxBytes <= 0 {
		maxBytes = defaultTailBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open log")
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat log")
	}
	offset := fi.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek log")
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), int(maxBytes)+1)
	ring := make([]string, 0, n)
	partial := offset > 0
	for sc.Scan() {
		if partial {
			partial = false
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read log")
	}
	return ring, nil
}
