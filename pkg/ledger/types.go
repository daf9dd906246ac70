package ledger

import (
	"time"
)

// TraceEvent is one immutable ledger row. Its identity is its position in the ledger.
type TraceEvent struct {
	Timestamp time.Time      `json:"ts"`
	RunID     string         `json:"run_id,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Phase     string         `json:"phase"`
	Step      string         `json:"step"`
	OK        bool           `json:"ok"`
	Note      string         `json:"note,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Filter narrows a Tail query. Empty fields match everything.
type Filter struct {
	Mode  string
	RunID string
	Phase string
}

// Match reports whether ev satisfies the filter. Mode also matches an
// "extra.mode" string so rows written without the top-level field still filter.
func (f Filter) Match(ev TraceEvent) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.Phase != "" && ev.Phase != f.Phase {
		return false
	}
	if f.Mode != "" && ev.Mode != f.Mode {
		m, _ := ev.Extra["mode"].(string)
		if m != f.Mode {
			return false
		}
	}
	return true
}
