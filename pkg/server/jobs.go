package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/nstar/pkg/ledger"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStarting  JobState = "starting"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobErrored   JobState = "errored"
)

// JobSpec is what a job runs.
type JobSpec struct {
	Goal    string   `json:"goal"`
	Mode    string   `json:"mode"`
	CtxRefs []string `json:"ctxRefs"`
}

// JobResult is the terminal record of a job, returned by /chat and /direct
// and broadcast as job_complete or job_error.
type JobResult struct {
	JobID     string    `json:"jobId"`
	State     JobState  `json:"state"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Result    any       `json:"result,omitempty"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type jobStartPayload struct {
	JobSpec
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
}

type job struct {
	id        string
	worker    Worker
	cancelled atomic.Bool
}

func (j *job) cancel() {
	j.cancelled.Store(true)
	j.worker.Kill()
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// newJobID returns job_<unixms>_<6 base36 chars>.
func newJobID(now time.Time) string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	for i := range b {
		b[i] = base36[int(b[i])%len(base36)]
	}
	return "job_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + string(b[:])
}

// outputBuffer collects a worker's output for the final result.
type outputBuffer struct {
	mu             sync.Mutex
	stdout, stderr bytes.Buffer
}

func (o *outputBuffer) write(s Stream, chunk []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s == Stderr {
		o.stderr.Write(chunk)
		return
	}
	o.stdout.Write(chunk)
}

func (o *outputBuffer) strings() (string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stdout.String(), o.stderr.String()
}

type exitStatus struct {
	code int
	err  error
}

// RunJob executes spec on a new worker and blocks until the job is terminal.
// When stream is set, lifecycle and output events are broadcast. Each ledger
// row is appended before the matching broadcast.
func (s *Server) RunJob(ctx context.Context, spec JobSpec, stream bool) JobResult {
	if spec.Mode == "" {
		spec.Mode = "fast"
	}
	if spec.CtxRefs == nil {
		spec.CtxRefs = []string{}
	}
	id := newJobID(s.now())
	logger := s.logger.With("job_id", id)
	// Ledger rows must land even when the requesting client goes away.
	tctx := context.WithoutCancel(ctx)

	emit := func(ev Event) {
		if stream {
			s.hub.broadcast(ev)
		}
	}
	fail := func(err error) JobResult {
		res := JobResult{JobID: id, State: JobErrored, Error: err.Error(), Timestamp: s.now()}
		s.trace(tctx, id, spec.Mode, "job", "error", false, res.Error, nil)
		emit(Event{Kind: EventJobError, Data: res})
		logger.WarnContext(ctx, "job errored", "error", err)
		return res
	}

	if err := s.traceErr(tctx, id, spec.Mode, "job", "start", true, spec.Goal, map[string]any{"ctxRefs": spec.CtxRefs}); err != nil {
		return fail(err)
	}
	emit(Event{Kind: EventJobStart, Data: jobStartPayload{JobSpec: spec, JobID: id, Timestamp: s.now()}})

	w := s.opts.Workers(id, spec)
	j := &job{id: id, worker: w}
	if !s.hub.addJob(j) {
		return fail(fmt.Errorf("server shutting down"))
	}
	defer s.hub.removeJob(id)

	var out outputBuffer
	exit := make(chan exitStatus, 1)
	w.OnOutput(func(st Stream, chunk []byte) {
		out.write(st, chunk)
		kind := EventJobStdout
		if st == Stderr {
			kind = EventJobStderr
		}
		emit(Event{Kind: kind, Data: OutputChunk{JobID: id, Chunk: string(chunk)}})
	})
	w.OnExit(func(code int, err error) {
		exit <- exitStatus{code: code, err: err}
	})

	if err := w.Start(tctx); err != nil {
		return fail(fmt.Errorf("start worker: %w", err))
	}
	if j.cancelled.Load() {
		w.Kill()
	}
	s.trace(tctx, id, spec.Mode, "job", "running", true, "", nil)
	logger.InfoContext(ctx, "job running", "goal", spec.Goal, "mode", spec.Mode)

	st := <-exit
	stdout, stderr := out.strings()
	switch {
	case j.cancelled.Load():
		res := fail(fmt.Errorf("cancelled"))
		res.Stdout, res.Stderr = stdout, stderr
		return res
	case st.err != nil:
		res := fail(fmt.Errorf("worker: %w", st.err))
		res.Stdout, res.Stderr = stdout, stderr
		return res
	}

	code := st.code
	res := JobResult{
		JobID:     id,
		State:     JobCompleted,
		ExitCode:  &code,
		Result:    parseResult(stdout, stderr),
		Stdout:    stdout,
		Stderr:    stderr,
		Timestamp: s.now(),
	}
	s.trace(tctx, id, spec.Mode, "job", "complete", code == 0, fmt.Sprintf("exit %d", code), map[string]any{"exitCode": code})
	emit(Event{Kind: EventJobComplete, Data: res})
	logger.InfoContext(ctx, "job completed", "exit_code", code)
	return res
}

// parseResult decodes stdout as JSON, falling back to the raw output.
func parseResult(stdout, stderr string) any {
	trimmed := bytes.TrimSpace([]byte(stdout))
	if len(trimmed) > 0 {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return map[string]string{"raw_stdout": stdout, "raw_stderr": stderr}
}

// Cancel kills a running job's worker. The job ends Errored with note
// "cancelled". It reports whether the job was running.
func (s *Server) Cancel(jobID string) bool {
	var j *job
	s.hub.call(func() { j = s.hub.jobs[jobID] })
	if j == nil {
		return false
	}
	j.cancel()
	return true
}

func (s *Server) trace(ctx context.Context, runID, mode, phase, step string, ok bool, note string, extra map[string]any) {
	if err := s.traceErr(ctx, runID, mode, phase, step, ok, note, extra); err != nil {
		s.logger.ErrorContext(ctx, "trace append failed", "phase", phase, "step", step, "error", err)
	}
}

func (s *Server) traceErr(ctx context.Context, runID, mode, phase, step string, ok bool, note string, extra map[string]any) error {
	return s.opts.Ledger.Append(ctx, ledger.TraceEvent{
		RunID: runID,
		Mode:  mode,
		Phase: phase,
		Step:  step,
		OK:    ok,
		Note:  note,
		Extra: extra,
	})
}
