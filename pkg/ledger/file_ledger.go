package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPath is where the ledger lives relative to the project root.
const DefaultPath = "ops/TRACE.jsonl"

const defaultPollInterval = 250 * time.Millisecond

// FileLedger implements Ledger as a JSONL file. Each append is a single write
// of one complete line to a file opened with O_APPEND, so concurrent writers
// (in this process or others) never interleave partial lines.
type FileLedger struct {
	path         string
	clock        func() time.Time
	pollInterval time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]func(TraceEvent)
	nextSub int
	stop    chan struct{}
	done    chan struct{}
	kick    chan struct{}
}

func NewFileLedger(path string) *FileLedger {
	return NewFileLedgerWithClock(path, time.Now)
}

func NewFileLedgerWithClock(path string, clock func() time.Time) *FileLedger {
	return &FileLedger{
		path:         path,
		clock:        clock,
		pollInterval: defaultPollInterval,
		logger:       slog.Default().With("component", "ledger"),
		subs:         make(map[int]func(TraceEvent)),
	}
}

// SetPollInterval changes how often subscribers check for appends from other processes.
// It must be called before the first Subscribe.
func (f *FileLedger) SetPollInterval(d time.Duration) {
	if d > 0 {
		f.pollInterval = d
	}
}

// Path returns the file backing the ledger.
func (f *FileLedger) Path() string { return f.path }

// Append serializes ev as one line, writes it with a single write call and
// syncs before returning. The file and its directory are created on first use.
func (f *FileLedger) Append(ctx context.Context, ev TraceEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = f.clock().UTC().Truncate(time.Millisecond)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	data = append(data, '\n')

	f.writeMu.Lock()
	err = appendLine(f.path, data)
	f.writeMu.Unlock()
	if err != nil {
		return err
	}

	f.signal()
	return nil
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := file.Write(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("append trace event: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return file.Close()
}

// Tail scans the file and returns the last n events matching filter.
// Lines that do not parse, including a partial trailing line, are skipped.
func (f *FileLedger) Tail(ctx context.Context, n int, filter Filter) ([]TraceEvent, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return []TraceEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	out := []TraceEvent{}
	reader := bufio.NewReader(file)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, readErr := reader.ReadBytes('\n')
		if ev, ok := parseLine(line); ok && filter.Match(ev) {
			out = append(out, ev)
			if n > 0 && len(out) > n {
				out = out[1:]
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read ledger: %w", readErr)
		}
	}
	return out, nil
}

func parseLine(line []byte) (TraceEvent, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return TraceEvent{}, false
	}
	var ev TraceEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return TraceEvent{}, false
	}
	if ev.Phase == "" && ev.Step == "" {
		return TraceEvent{}, false
	}
	return ev, true
}

// Subscribe registers fn for every event appended to the file from now on,
// including appends made by other processes. Events arrive in file order on a
// single delivery goroutine. cancel must not be called from inside fn.
func (f *FileLedger) Subscribe(fn func(TraceEvent)) (cancel func()) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	if f.stop == nil {
		f.startWatchLocked()
	}

	var once sync.Once
	return func() {
		once.Do(func() { f.unsubscribe(id) })
	}
}

func (f *FileLedger) unsubscribe(id int) {
	f.subMu.Lock()
	delete(f.subs, id)
	var stop, done chan struct{}
	if len(f.subs) == 0 && f.stop != nil {
		stop, done = f.stop, f.done
		f.stop, f.done, f.kick = nil, nil, nil
	}
	f.subMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Close stops change delivery. Appends keep working.
func (f *FileLedger) Close() error {
	f.subMu.Lock()
	f.subs = make(map[int]func(TraceEvent))
	stop, done := f.stop, f.done
	f.stop, f.done, f.kick = nil, nil, nil
	f.subMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (f *FileLedger) startWatchLocked() {
	watcher := NewFileWatcher(f.path)
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	f.kick = make(chan struct{}, 1)

	go f.watchLoop(watcher, f.stop, f.done, f.kick)
}

func (f *FileLedger) watchLoop(w *FileWatcher, stop <-chan struct{}, done chan<- struct{}, kick <-chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-kick:
		}

		events, err := w.Poll()
		if err != nil {
			f.logger.Warn("ledger poll failed", "path", f.path, "error", err)
			continue
		}
		if len(events) == 0 {
			continue
		}

		f.subMu.Lock()
		fns := make([]func(TraceEvent), 0, len(f.subs))
		for _, fn := range f.subs {
			fns = append(fns, fn)
		}
		f.subMu.Unlock()

		for _, ev := range events {
			for _, fn := range fns {
				fn(ev)
			}
		}
	}
}

func (f *FileLedger) signal() {
	f.subMu.Lock()
	kick := f.kick
	f.subMu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}
