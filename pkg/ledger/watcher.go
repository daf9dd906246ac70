package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// FileWatcher reads lines appended to a ledger file since the last poll.
// A trailing line without its newline is held back until it is completed,
// and a file that shrinks is treated as truncated and re-read from the start.
type FileWatcher struct {
	path    string
	offset  int64
	partial []byte
}

// NewFileWatcher returns a watcher positioned at the current end of path,
// so only appends made after construction are reported.
func NewFileWatcher(path string) *FileWatcher {
	w := &FileWatcher{path: path}
	if info, err := os.Stat(path); err == nil {
		w.offset = info.Size()
	}
	return w
}

// Poll returns every complete event appended since the previous call.
func (w *FileWatcher) Poll() ([]TraceEvent, error) {
	file, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		w.offset, w.partial = 0, nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat ledger: %w", err)
	}
	if info.Size() < w.offset {
		w.offset, w.partial = 0, nil
	}
	if info.Size() == w.offset {
		return nil, nil
	}

	if _, err := file.Seek(w.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek ledger: %w", err)
	}
	chunk, err := io.ReadAll(io.LimitReader(file, info.Size()-w.offset))
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	w.offset += int64(len(chunk))

	buf := append(w.partial, chunk...)
	var events []TraceEvent
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		if ev, ok := parseLine(buf[:idx]); ok {
			events = append(events, ev)
		}
		buf = buf[idx+1:]
	}
	w.partial = append([]byte(nil), buf...)
	return events, nil
}
