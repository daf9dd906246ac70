package kernel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// DefaultIntentsPath is where deferred changes are queued relative to the project root.
const DefaultIntentsPath = "state/intents/pr.jsonl"

// Intent is a deferred change waiting for a pull request to be opened.
type Intent struct {
	ID     string    `json:"id"`
	TS     time.Time `json:"ts"`
	RunID  string    `json:"run_id,omitempty"`
	Goal   string    `json:"goal,omitempty"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	Branch string    `json:"branch"`
	Diff   string    `json:"diff"`
}

// IntentID hashes the RFC 8785 canonical form of the intent with its id
// cleared, so identical rows always get the same id.
func IntentID(in Intent) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal intent: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode intent: %w", err)
	}
	delete(doc, "id")
	raw, err = json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal intent: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize intent: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// IntentLog is an append-only JSONL file of intents.
type IntentLog struct {
	path string
	mu   sync.Mutex
}

func NewIntentLog(path string) *IntentLog {
	return &IntentLog{path: path}
}

func (l *IntentLog) Path() string { return l.path }

// Append assigns the intent id and appends it as one line.
func (l *IntentLog) Append(ctx context.Context, in Intent) (Intent, error) {
	id, err := IntentID(in)
	if err != nil {
		return Intent{}, err
	}
	in.ID = id

	data, err := json.Marshal(in)
	if err != nil {
		return Intent{}, fmt.Errorf("marshal intent: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return Intent{}, fmt.Errorf("create intents dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Intent{}, fmt.Errorf("open intents log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return Intent{}, fmt.Errorf("append intent: %w", err)
	}
	return in, nil
}

// List returns every intent in file order. Unparsable lines are skipped.
func (l *IntentLog) List(ctx context.Context) ([]Intent, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Intent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open intents log: %w", err)
	}
	defer f.Close()

	out := []Intent{}
	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var in Intent
			if err := json.Unmarshal(line, &in); err == nil {
				out = append(out, in)
			}
		}
		if readErr == io.EOF {
			return out, nil
		}
		if readErr != nil {
			return nil, fmt.Errorf("read intents log: %w", readErr)
		}
	}
}
