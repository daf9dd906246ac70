package server

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/nstar/pkg/ledger"
)

const defaultTraceLimit = 50

var (
	modeFlag = regexp.MustCompile(`--mode=(\w+)`)
	ctxRef   = regexp.MustCompile(`ctx://\w+/\w+`)
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string   `json:"message"`
	Context []string `json:"context,omitempty"`
	Stream  *bool    `json:"stream,omitempty"`
}

// DirectRequest is the body of POST /direct.
type DirectRequest struct {
	Command string `json:"command"`
	Stream  *bool  `json:"stream,omitempty"`
}

// PasteRequest is the body of POST /paste.
type PasteRequest struct {
	Text string `json:"text"`
}

// PasteResponse mirrors a ContextRef. Ref and URI carry the same value.
type PasteResponse struct {
	ID   string `json:"id"`
	Ref  string `json:"ref"`
	URI  string `json:"uri"`
	Path string `json:"path"`
}

// Status is the body of GET /status.
type Status struct {
	Server      string    `json:"server"`
	Version     string    `json:"version"`
	Uptime      float64   `json:"uptime"`
	Clients     int       `json:"clients"`
	RunningJobs int       `json:"runningJobs"`
	Timestamp   time.Time `json:"timestamp"`
}

func streamOrDefault(b *bool) bool {
	return b == nil || *b
}

// ParseChat extracts the job spec from a chat message: a --mode=<m> flag is
// removed from the goal, and ctx:// refs in the text are appended to ctx.
func ParseChat(message string, ctx []string) JobSpec {
	spec := JobSpec{Mode: "fast", CtxRefs: []string{}}
	seen := map[string]bool{}
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			spec.CtxRefs = append(spec.CtxRefs, ref)
		}
	}
	for _, ref := range ctx {
		add(ref)
	}
	goal := message
	if m := modeFlag.FindStringSubmatch(message); m != nil {
		spec.Mode = m[1]
		goal = modeFlag.ReplaceAllString(goal, "")
	}
	for _, ref := range ctxRef.FindAllString(message, -1) {
		add(ref)
	}
	spec.Goal = strings.Join(strings.Fields(goal), " ")
	return spec
}

// ParseDirect maps a verb command to a goal: "execute x" becomes
// "Execute: x", "query x" becomes "Query: x", anything else is kept as is.
func ParseDirect(command string) JobSpec {
	spec := JobSpec{Goal: command, Mode: "fast", CtxRefs: []string{}}
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return spec
	}
	rest := strings.Join(parts[1:], " ")
	switch strings.ToLower(parts[0]) {
	case "execute":
		spec.Goal = "Execute: " + rest
	case "query":
		spec.Goal = "Query: " + rest
	}
	return spec
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	sub := s.hub.subscribe(Event{Kind: EventConnected, Data: map[string]any{"timestamp": s.now()}})
	if sub == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	defer s.hub.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			frame, err := ev.frame()
			if err != nil {
				s.logger.WarnContext(r.Context(), "unencodable event", "event", ev.Kind.String(), "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := s.schemas.decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), "chat.json", &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	spec := ParseChat(req.Message, req.Context)
	writeJSON(w, http.StatusOK, s.RunJob(r.Context(), spec, streamOrDefault(req.Stream)))
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	var req DirectRequest
	if err := s.schemas.decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), "direct.json", &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	spec := ParseDirect(req.Command)
	writeJSON(w, http.StatusOK, s.RunJob(r.Context(), spec, streamOrDefault(req.Stream)))
}

func (s *Server) handlePaste(w http.ResponseWriter, r *http.Request) {
	var req PasteRequest
	if err := s.schemas.decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), "paste.json", &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	ref, err := s.opts.Store.Ingest(r.Context(), req.Text)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PasteResponse{ID: ref.ID, Ref: ref.URI, URI: ref.URI, Path: ref.Path})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	// An unparsable or non-positive limit falls back to the default.
	limit := defaultTraceLimit
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	filter := ledger.Filter{
		Mode:  r.URL.Query().Get("mode"),
		RunID: r.URL.Query().Get("run_id"),
	}
	evs, err := s.opts.Ledger.Tail(r.Context(), limit, filter)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if evs == nil {
		evs = []ledger.TraceEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// Status snapshots the server counters.
func (s *Server) Status() Status {
	st := s.hub.status()
	now := s.now()
	return Status{
		Server:      Name,
		Version:     s.opts.Version,
		Uptime:      now.Sub(s.started).Seconds(),
		Clients:     st.clients,
		RunningJobs: st.jobs,
		Timestamp:   now,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
