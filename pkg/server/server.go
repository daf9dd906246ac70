// Package server is the streaming orchestration server. It runs kernel jobs
// on supervised workers, serves the command surface, and pushes job and
// ledger events to every connected SSE subscriber.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/nstar/pkg/contextstore"
	"github.com/Mindburn-Labs/nstar/pkg/ledger"
	"github.com/Mindburn-Labs/nstar/pkg/observability"
)

// Name and DefaultVersion are reported by /status.
const (
	Name           = "nstar-server"
	DefaultVersion = "1.0.0"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	maxBodyBytes           = 1 << 20
)

// Options configures a Server. Ledger, Store and Workers are required.
type Options struct {
	Ledger          ledger.Ledger
	Store           *contextstore.Store
	Workers         WorkerFactory
	Version         string
	Telemetry       *observability.Provider
	AuthSecret      string
	RateRPS         float64
	RateBurst       int
	ShutdownTimeout time.Duration
	Clock           func() time.Time
}

// Server owns the hub, the HTTP server and the ledger subscription.
type Server struct {
	opts    Options
	hub     *hub
	schemas *bodySchemas
	limiter *RateLimiter
	logger  *slog.Logger
	started time.Time

	httpSrv      *http.Server
	drained      chan struct{}
	stopped      chan struct{}
	unsubscribe  func()
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(opts Options) (*Server, error) {
	if opts.Ledger == nil || opts.Store == nil || opts.Workers == nil {
		return nil, errors.New("server: ledger, store and workers are required")
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Telemetry == nil {
		opts.Telemetry = observability.Disabled()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "server")
	s := &Server{
		opts:    opts,
		hub:     newHub(logger),
		schemas: schemas,
		logger:  logger,
		started: opts.Clock(),
		drained: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if opts.RateRPS > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateRPS) * 2
		}
		s.limiter = NewRateLimiter(opts.RateRPS, burst)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv.RegisterOnShutdown(s.drain)
	return s, nil
}

func (s *Server) now() time.Time { return s.opts.Clock().UTC() }

// Handler returns the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /direct", s.handleDirect)
	mux.HandleFunc("POST /paste", s.handlePaste)
	mux.HandleFunc("GET /trace", s.handleTrace)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "Not found")
	})

	var h http.Handler = s.opts.Telemetry.HTTPMiddleware("nstar.http", mux)
	if s.opts.AuthSecret != "" {
		h = requireBearer([]byte(s.opts.AuthSecret), h)
	}
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = cors(h)
	return logRequests(s.logger, h)
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if n, ok := s.opts.Ledger.(ledger.Notifier); ok {
		s.unsubscribe = n.Subscribe(func(ev ledger.TraceEvent) {
			s.hub.broadcast(Event{Kind: EventTrace, Data: ev})
		})
	}
	s.trace(ctx, "", "", "server", "start", true, "listening on "+ln.Addr().String(), nil)
	s.logger.InfoContext(ctx, "server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return s.Shutdown(context.WithoutCancel(ctx))
		case <-s.stopped:
			return s.shutdownErr
		}
	})
	return g.Wait()
}

// Shutdown stops the listener, kills every running job and waits for it to
// exit, closes every subscriber, and appends server/shutdown as the final
// ledger row. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()

		// http.Server.Shutdown closes the listeners, then runs drain.
		err := s.httpSrv.Shutdown(ctx)
		select {
		case <-s.drained:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.hub.stop()
		if s.limiter != nil {
			s.limiter.Stop()
		}
		s.trace(ctx, "", "", "server", "shutdown", err == nil, "graceful shutdown", nil)
		s.logger.InfoContext(ctx, "server stopped")
		s.shutdownErr = err
		close(s.stopped)
	})
	return s.shutdownErr
}

func (s *Server) drain() {
	defer close(s.drained)
	running, empty := s.hub.beginClose()
	var wg sync.WaitGroup
	for _, j := range running {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			s.logger.Info("killing job", "job_id", j.id)
			j.cancel()
		}(j)
	}
	wg.Wait()
	<-empty
	s.hub.closeSubscribers()
}
