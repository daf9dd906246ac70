package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nstar/pkg/contextstore"
	"github.com/Mindburn-Labs/nstar/pkg/ledger"
)

type fakeWorker struct {
	stdout, stderr string
	code           int
	block          bool
	startErr       error

	mu       sync.Mutex
	onOutput func(Stream, []byte)
	onExit   func(int, error)
	killed   chan struct{}
	killOnce sync.Once
	kills    atomic.Int32
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{killed: make(chan struct{})}
}

func (f *fakeWorker) OnOutput(fn func(Stream, []byte)) { f.mu.Lock(); f.onOutput = fn; f.mu.Unlock() }
func (f *fakeWorker) OnExit(fn func(int, error))        { f.mu.Lock(); f.onExit = fn; f.mu.Unlock() }

func (f *fakeWorker) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	onOutput, onExit := f.onOutput, f.onExit
	f.mu.Unlock()
	go func() {
		if f.stdout != "" {
			onOutput(Stdout, []byte(f.stdout))
		}
		if f.stderr != "" {
			onOutput(Stderr, []byte(f.stderr))
		}
		code := f.code
		if f.block {
			<-f.killed
			code = -1
		}
		onExit(code, nil)
	}()
	return nil
}

func (f *fakeWorker) Kill() {
	f.kills.Add(1)
	f.killOnce.Do(func() { close(f.killed) })
}

type harness struct {
	srv     *Server
	ledger  *ledger.FileLedger
	mu      sync.Mutex
	specs   []JobSpec
	workers []*fakeWorker
	next    func() *fakeWorker
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	l := ledger.NewFileLedger(filepath.Join(dir, ledger.DefaultPath))
	t.Cleanup(func() { _ = l.Close() })
	backend, err := contextstore.NewFileBackend(filepath.Join(dir, contextstore.DefaultDir))
	require.NoError(t, err)

	h := &harness{ledger: l, next: newFakeWorker}
	opts := Options{
		Ledger: l,
		Store:  contextstore.New(backend),
		Workers: func(jobID string, spec JobSpec) Worker {
			h.mu.Lock()
			defer h.mu.Unlock()
			w := h.next()
			h.specs = append(h.specs, spec)
			h.workers = append(h.workers, w)
			return w
		},
		ShutdownTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.srv, err = New(opts)
	require.NoError(t, err)
	return h
}

func (h *harness) lastSpec() JobSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.specs[len(h.specs)-1]
}

func steps(t *testing.T, l ledger.Ledger) []string {
	t.Helper()
	evs, err := l.Tail(context.Background(), 0, ledger.Filter{})
	require.NoError(t, err)
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Phase+"/"+ev.Step)
	}
	return out
}

func TestRunJob_ExitCodeOneWithUnparsableOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.next = func() *fakeWorker {
		w := newFakeWorker()
		w.stdout, w.stderr, w.code = "not json", "boom", 1
		return w
	}

	res := h.srv.RunJob(context.Background(), JobSpec{Goal: "g"}, false)

	assert.Equal(t, JobCompleted, res.State)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 1, *res.ExitCode)
	assert.Equal(t, map[string]string{"raw_stdout": "not json", "raw_stderr": "boom"}, res.Result)
	assert.Empty(t, res.Error)
	assert.Regexp(t, `^job_\d+_[0-9a-z]{6}$`, res.JobID)
	assert.Equal(t, []string{"job/start", "job/running", "job/complete"}, steps(t, h.ledger))
}

func TestRunJob_ParsesJSONResult(t *testing.T) {
	h := newHarness(t, nil)
	h.next = func() *fakeWorker {
		w := newFakeWorker()
		w.stdout = `{"decision":"APPLY","gamma":0.75}` + "\n"
		return w
	}

	res := h.srv.RunJob(context.Background(), JobSpec{Goal: "g", Mode: "safe"}, false)

	assert.Equal(t, JobCompleted, res.State)
	assert.Equal(t, map[string]any{"decision": "APPLY", "gamma": 0.75}, res.Result)

	evs, err := h.ledger.Tail(context.Background(), 0, ledger.Filter{RunID: res.JobID})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, "safe", evs[0].Mode)
	assert.Equal(t, "running", evs[1].Step)
	assert.True(t, evs[2].OK)
}

func TestRunJob_StartFailureIsErrored(t *testing.T) {
	h := newHarness(t, nil)
	h.next = func() *fakeWorker {
		w := newFakeWorker()
		w.startErr = errors.New("no such binary")
		return w
	}

	res := h.srv.RunJob(context.Background(), JobSpec{Goal: "g"}, false)

	assert.Equal(t, JobErrored, res.State)
	assert.Contains(t, res.Error, "no such binary")
	assert.Nil(t, res.ExitCode)
	assert.Equal(t, []string{"job/start", "job/error"}, steps(t, h.ledger))
	assert.Zero(t, h.srv.Status().RunningJobs)
}

func TestRunJob_TracesOutliveRequestContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.srv.RunJob(ctx, JobSpec{Goal: "g"}, false)

	assert.Equal(t, JobCompleted, res.State)
	assert.Equal(t, []string{"job/start", "job/running", "job/complete"}, steps(t, h.ledger))
}

func TestCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.next = func() *fakeWorker {
		w := newFakeWorker()
		w.block = true
		return w
	}

	done := make(chan JobResult, 1)
	go func() { done <- h.srv.RunJob(context.Background(), JobSpec{Goal: "g"}, false) }()
	require.Eventually(t, func() bool { return h.srv.Status().RunningJobs == 1 }, 2*time.Second, 5*time.Millisecond)

	var id string
	h.srv.hub.call(func() {
		for k := range h.srv.hub.jobs {
			id = k
		}
	})
	assert.True(t, h.srv.Cancel(id))
	assert.False(t, h.srv.Cancel("job_0_nope00"))

	res := <-done
	assert.Equal(t, JobErrored, res.State)
	assert.Equal(t, "cancelled", res.Error)
}

func TestParseChat(t *testing.T) {
	spec := ParseChat("fix the docs --mode=safe using ctx://paste/abc123 please", []string{"ctx://paste/zzz"})
	assert.Equal(t, "fix the docs using ctx://paste/abc123 please", spec.Goal)
	assert.Equal(t, "safe", spec.Mode)
	assert.Equal(t, []string{"ctx://paste/zzz", "ctx://paste/abc123"}, spec.CtxRefs)

	spec = ParseChat("hello", nil)
	assert.Equal(t, "fast", spec.Mode)
	assert.Equal(t, []string{}, spec.CtxRefs)
}

func TestParseDirect(t *testing.T) {
	cases := map[string]string{
		"EXECUTE build the thing": "Execute: build the thing",
		"query   status now":      "Query: status now",
		"deploy":                  "deploy",
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseDirect(in).Goal, in)
	}
}

func TestHandlers(t *testing.T) {
	h := newHarness(t, nil)
	h.next = func() *fakeWorker {
		w := newFakeWorker()
		w.stdout = `{"ok":true}`
		return w
	}
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()
	c := NewClient(ts.URL)
	ctx := context.Background()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("status", func(t *testing.T) {
		st, err := c.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, Name, st.Server)
		assert.Equal(t, DefaultVersion, st.Version)
		assert.Zero(t, st.RunningJobs)
	})

	t.Run("paste", func(t *testing.T) {
		res, err := c.Paste(ctx, "hello")
		require.NoError(t, err)
		assert.Equal(t, "aaf4c61ddcc5", res.ID)
		assert.Equal(t, "ctx://paste/aaf4c61ddcc5", res.Ref)
	})

	t.Run("chat", func(t *testing.T) {
		res, err := c.Chat(ctx, ChatRequest{Message: "tidy --mode=cheap"})
		require.NoError(t, err)
		assert.Equal(t, JobCompleted, res.State)
		assert.Equal(t, map[string]any{"ok": true}, res.Result)
		assert.Equal(t, JobSpec{Goal: "tidy", Mode: "cheap", CtxRefs: []string{}}, h.lastSpec())
	})

	t.Run("direct", func(t *testing.T) {
		_, err := c.Direct(ctx, DirectRequest{Command: "execute cleanup"})
		require.NoError(t, err)
		assert.Equal(t, "Execute: cleanup", h.lastSpec().Goal)
	})

	t.Run("invalid body", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader(`{"context":[]}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
		var p ProblemDetail
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
		assert.Equal(t, http.StatusBadRequest, p.Status)
		assert.Equal(t, "/chat", p.Instance)
	})

	t.Run("trace", func(t *testing.T) {
		evs, err := c.Trace(ctx, 3, "cheap")
		require.NoError(t, err)
		require.Len(t, evs, 3)
		assert.Equal(t, "start", evs[0].Step)
		assert.Equal(t, "running", evs[1].Step)
		assert.Equal(t, "complete", evs[2].Step)

		resp, err := http.Get(ts.URL + "/trace?limit=abc&mode=cheap")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var all []ledger.TraceEvent
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
		assert.Len(t, all, 3, "a non-numeric limit falls back to the default")
	})

	t.Run("not found", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/nope")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("preflight", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

type eventLog struct {
	mu  sync.Mutex
	evs []Event
}

func (l *eventLog) add(ev Event) { l.mu.Lock(); l.evs = append(l.evs, ev); l.mu.Unlock() }

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.evs))
	for _, ev := range l.evs {
		if ev.Kind != EventTrace {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func TestStream_JobEventsInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.next = func() *fakeWorker {
		w := newFakeWorker()
		w.stdout, w.stderr = "out", "err"
		return w
	}
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()
	c := NewClient(ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got eventLog
	go func() { _ = c.Stream(ctx, got.add) }()
	require.Eventually(t, func() bool { return h.srv.Status().Clients == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := c.Chat(context.Background(), ChatRequest{Message: "go"})
	require.NoError(t, err)

	want := []EventKind{EventConnected, EventJobStart, EventJobStdout, EventJobStderr, EventJobComplete}
	require.Eventually(t, func() bool { return len(got.kinds()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got.kinds())

	got.mu.Lock()
	var chunk OutputChunk
	require.NoError(t, got.evs[2].Decode(&chunk))
	got.mu.Unlock()
	assert.Equal(t, "out", chunk.Chunk)
}

func TestStream_NoEventsWhenStreamDisabled(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()
	c := NewClient(ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got eventLog
	go func() { _ = c.Stream(ctx, got.add) }()
	require.Eventually(t, func() bool { return h.srv.Status().Clients == 1 }, 2*time.Second, 5*time.Millisecond)

	off := false
	_, err := c.Direct(context.Background(), DirectRequest{Command: "query x", Stream: &off})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []EventKind{EventConnected}, got.kinds())
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := newHub(slog.New(slog.DiscardHandler))
	defer h.stop()

	slow := h.subscribe(Event{Kind: EventConnected})
	require.NotNil(t, slow)
	for i := 0; i < subscriberQueue+5; i++ {
		h.broadcast(Event{Kind: EventTrace})
	}
	require.Eventually(t, func() bool { return h.status().clients == 0 }, 2*time.Second, 5*time.Millisecond)

	n := 0
	for range slow.ch {
		n++
	}
	assert.Equal(t, subscriberQueue, n)
}

func TestServe_ShutdownOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.next = func() *fakeWorker {
		w := newFakeWorker()
		w.block = true
		return w
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.srv.Serve(ctx, ln) }()

	c := NewClient("http://" + ln.Addr().String())
	streams := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { streams <- c.Stream(context.Background(), func(Event) {}) }()
	}
	require.Eventually(t, func() bool { return h.srv.Status().Clients == 2 }, 2*time.Second, 5*time.Millisecond)

	chat := make(chan JobResult, 1)
	go func() {
		res, _ := c.Chat(context.Background(), ChatRequest{Message: "long"})
		chat <- res
	}()
	require.Eventually(t, func() bool { return h.srv.Status().RunningJobs == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-streams:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber stream not closed")
		}
	}
	h.mu.Lock()
	blocked := h.workers[0]
	h.mu.Unlock()
	assert.GreaterOrEqual(t, blocked.kills.Load(), int32(1))

	res := <-chat
	assert.Equal(t, JobErrored, res.State)
	assert.Equal(t, "cancelled", res.Error)

	all := steps(t, h.ledger)
	require.NotEmpty(t, all)
	assert.Equal(t, "server/start", all[0])
	assert.Equal(t, "server/shutdown", all[len(all)-1])
	assert.Contains(t, all, "job/error")

	_, err = c.Status(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAuth(t *testing.T) {
	secret := "s3cret"
	h := newHarness(t, func(o *Options) { o.AuthSecret = secret })
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()
	c := NewClient(ts.URL)
	ctx := context.Background()

	_, err := c.Paste(ctx, "x")
	var p *ProblemDetail
	require.ErrorAs(t, err, &p)
	assert.Equal(t, http.StatusUnauthorized, p.Status)

	c.Token = "not-a-jwt"
	_, err = c.Paste(ctx, "x")
	require.ErrorAs(t, err, &p)
	assert.Equal(t, http.StatusUnauthorized, p.Status)

	c.Token, err = SignToken([]byte(secret), "tester", time.Minute)
	require.NoError(t, err)
	_, err = c.Paste(ctx, "x")
	require.NoError(t, err)

	c.Token = ""
	_, err = c.Status(ctx)
	assert.NoError(t, err)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RateRPS, o.RateBurst = 1, 1 })
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestEvent_Wire(t *testing.T) {
	frame, err := Event{Kind: EventJobStart, Data: map[string]string{"jobId": "j"}}.frame()
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"job_start\",\"data\":{\"jobId\":\"j\"}}\n\n", string(frame))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"mystery","data":1}`), &ev))
	assert.Equal(t, EventUnknown, ev.Kind)
	assert.Equal(t, "unknown", ev.Kind.String())

	for k := EventUnknown; k <= EventJobError; k++ {
		assert.Equal(t, k, ParseEventKind(k.String()))
	}
}

func TestClient_StatusUnavailable(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1").Status(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
