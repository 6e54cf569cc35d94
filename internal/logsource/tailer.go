// Package logsource reads an append-only pipeline log incrementally.
package logsource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Normalize strips ANSI escape sequences and surrounding whitespace
func Normalize(line string) string {
	return strings.TrimSpace(ansi.Strip(line))
}

// Tailer reads newly appended lines from a file by remembering the byte
// offset of the last read. It is owned by a single reader.
type Tailer struct {
	path    string
	offset  int64
	partial []byte
}

// NewTailer creates a tailer positioned at the start of path
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// Path returns the tailed file path
func (t *Tailer) Path() string { return t.path }

// Offset returns the number of bytes consumed so far
func (t *Tailer) Offset() int64 { return t.offset }

// Reset rewinds to the beginning of the file and drops buffered data
func (t *Tailer) Reset() {
	t.offset = 0
	t.partial = nil
}

// ReadNew returns complete lines appended since the last call. A trailing
// line without newline is buffered until it is terminated. A missing file
// yields no lines and no error.
func (t *Tailer) ReadNew() ([]string, error) {
	data, err := t.readAppended()
	if err != nil {
		return nil, err
	}
	return t.split(data, false), nil
}

// Drain is like ReadNew but also returns a buffered unterminated line.
// Use it for the final read after the writer has exited.
func (t *Tailer) Drain() ([]string, error) {
	data, err := t.readAppended()
	if err != nil {
		return nil, err
	}
	return t.split(data, true), nil
}

func (t *Tailer) readAppended() ([]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log: %w", err)
	}
	// File was truncated (new run); start over
	if info.Size() < t.offset {
		t.Reset()
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	t.offset += int64(len(data))
	return data, nil
}

func (t *Tailer) split(data []byte, flush bool) []string {
	if len(t.partial) > 0 {
		data = append(t.partial, data...)
		t.partial = nil
	}
	if len(data) == 0 {
		return nil
	}

	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(data[:i]), "\r"))
		data = data[i+1:]
	}

	if len(data) > 0 {
		if flush {
			lines = append(lines, strings.TrimSuffix(string(data), "\r"))
		} else {
			t.partial = append([]byte(nil), data...)
		}
	}
	return lines
}
