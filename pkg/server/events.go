package server

import (
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of stream event types.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventConnected
	EventTrace
	EventJobStart
	EventJobStdout
	EventJobStderr
	EventJobComplete
	EventJobError
)

var eventNames = map[EventKind]string{
	EventUnknown:     "unknown",
	EventConnected:   "connected",
	EventTrace:       "trace",
	EventJobStart:    "job_start",
	EventJobStdout:   "job_stdout",
	EventJobStderr:   "job_stderr",
	EventJobComplete: "job_complete",
	EventJobError:    "job_error",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseEventKind maps a wire name to its kind. Unrecognised names are EventUnknown.
func ParseEventKind(name string) EventKind {
	for k, n := range eventNames {
		if n == name {
			return k
		}
	}
	return EventUnknown
}

// Event is one message on the stream. Decoded events carry Data as json.RawMessage.
type Event struct {
	Kind EventKind
	Data any
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Kind.String()}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		w.Data = raw
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Kind = ParseEventKind(w.Type)
	e.Data = nil
	if len(w.Data) > 0 {
		e.Data = w.Data
	}
	return nil
}

// Decode unmarshals the payload of a decoded event into v.
func (e Event) Decode(v any) error {
	raw, ok := e.Data.(json.RawMessage)
	if !ok {
		return fmt.Errorf("event %s has no raw payload", e.Kind)
	}
	return json.Unmarshal(raw, v)
}

// frame renders the SSE frame for e.
func (e Event) frame() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out, nil
}

// OutputChunk is the payload of job_stdout and job_stderr.
type OutputChunk struct {
	JobID string `json:"jobId"`
	Chunk string `json:"chunk"`
}
