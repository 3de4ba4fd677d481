package monitor

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

const maxReadChunk = 4 << 20

// Tailer follows an append-only file by byte offset. It keeps an incomplete
// trailing record across reads and starts over when the file shrinks.
type Tailer struct {
	path    string
	offset  int64
	partial []byte
}

func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

func (t *Tailer) Path() string { return t.path }

func (t *Tailer) Offset() int64 { return t.offset }

// Read returns the complete records appended since the last call, without
// their trailing newline. Empty lines are dropped.
func (t *Tailer) Read() ([][]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", t.path, err)
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return nil, nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", t.path, err)
	}

	var lines [][]byte
	buf := make([]byte, 64*1024)
	read := int64(0)
	for read < maxReadChunk {
		n, err := f.Read(buf)
		if n > 0 {
			read += int64(n)
			t.offset += int64(n)
			lines = t.split(buf[:n], lines)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return lines, fmt.Errorf("read %s: %w", t.path, err)
		}
	}
	return lines, nil
}

// Flush returns and clears the buffered partial record, if any.
func (t *Tailer) Flush() []byte {
	rest := bytes.TrimSpace(t.partial)
	t.partial = nil
	if len(rest) == 0 {
		return nil
	}
	return rest
}

func (t *Tailer) split(chunk []byte, lines [][]byte) [][]byte {
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			t.partial = append(t.partial, chunk...)
			return lines
		}
		line := append(t.partial, chunk[:i]...)
		t.partial = nil
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		chunk = chunk[i+1:]
	}
}
