// Package server is the master's HTTP surface: the worker socket, the
// Prometheus endpoint and a small JSON API used by the tock CLI.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/master"
	"github.com/teranos/tock/output"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/sym"
	"github.com/teranos/tock/transport"
)

// Dispatcher is the part of the master engine the API drives
type Dispatcher interface {
	SpawnSingleJob(ctx context.Context, req master.SingleJobRequest) (*master.Submission, error)
	KillJob(ctx context.Context, id string) error
	RunningJobs() ([]*store.Job, error)
	SubscribeOutput(jobID string) (<-chan master.OutputChunk, func(), error)
}

// WorkerLister reports connected workers
type WorkerLister interface {
	Workers() []transport.WorkerInfo
}

// Options wires a Server
type Options struct {
	Addr        string
	WSPath      string // "" leaves the worker socket unmounted
	MetricsPath string // "" disables /metrics
	Socket      http.Handler
	Workers     WorkerLister
	Dispatcher  Dispatcher
	Store       *store.SQLStore
	Output      output.BlobStore
	Gatherer    prometheus.Gatherer
	Logger      *zap.SugaredLogger
}

// Server serves the master's endpoints on one listener
type Server struct {
	opts     Options
	logger   *zap.SugaredLogger
	mux      *http.ServeMux
	http     *http.Server
	listener net.Listener
}

// New builds the routes. Call Listen, then Serve.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	s := &Server{
		opts:   opts,
		logger: logger.AddSymbol(opts.Logger.Named("server"), sym.Tock),
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	if s.opts.WSPath != "" && s.opts.Socket != nil {
		s.mux.Handle(s.opts.WSPath, s.opts.Socket)
	}
	if s.opts.MetricsPath != "" && s.opts.Gatherer != nil {
		s.mux.Handle(s.opts.MetricsPath, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.mux.HandleFunc("GET /health", s.HandleHealth)
	s.mux.HandleFunc("GET /api/workers", s.HandleWorkers)

	s.mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	s.mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	s.mux.HandleFunc("GET /api/schedules/{id}", s.handleGetSchedule)
	s.mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	s.mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	s.mux.HandleFunc("POST /api/jobs", s.handleRunJob)
	s.mux.HandleFunc("GET /api/jobs/running", s.handleRunningJobs)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /api/jobs/{id}", s.handleKillJob)
	s.mux.HandleFunc("GET /api/jobs/{id}/output", s.handleJobOutput)
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Listen binds the configured address. A bind failure is returned
// here so the master can abort before it starts dispatching.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.opts.Addr)
	}
	s.listener = ln
	s.logger.Infow("Listening", logger.FieldAddress, ln.Addr().String())
	return nil
}

// Addr is the bound address, valid after Listen
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Serve blocks until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	s.logger.Infow("Server stopped")
	return nil
}
