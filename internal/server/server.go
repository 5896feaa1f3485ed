// Package server implements `deployctl serve`: an HTTP surface for
// triggering deploys, watching them run and scraping metrics. Render calls
// /api/deploy from its deploy hook instead of shelling into the instance.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/comercium/deployctl/internal/cli"
	"github.com/comercium/deployctl/internal/config"
	"github.com/comercium/deployctl/internal/metrics"
	"github.com/comercium/deployctl/internal/pipeline"
	"github.com/comercium/deployctl/internal/stages"
	"github.com/comercium/deployctl/pkg/logger"
)

// Server owns the serve mode lifecycle: one deploy at a time, a bounded run
// history, and an event stream shared by websocket clients and the metrics
// observer.
type Server struct {
	env     *config.Env
	cfg     *config.Config
	log     *logger.Logger
	console *cli.Console
	workDir string

	bus     *pipeline.Bus
	history *History
	deploys *rate.Limiter

	running atomic.Bool
	mu      sync.RWMutex
	current *pipeline.Runner

	httpSrv   *http.Server
	startedAt time.Time
	done      chan struct{}
	closeOnce sync.Once

	// wsPingInterval keeps idle websocket clients alive; tests shorten it.
	wsPingInterval time.Duration
}

// New wires a Server from the loaded configuration. Nothing listens until
// Run is called.
func New(env *config.Env, cfg *config.Config, workDir string, log *logger.Logger, console *cli.Console) *Server {
	perMinute := cfg.Server.DeploysPerMinute
	if perMinute < 1 {
		perMinute = 1
	}

	s := &Server{
		env:            env,
		cfg:            cfg,
		log:            log.Component("server"),
		console:        console,
		workDir:        workDir,
		bus:            pipeline.NewBus(),
		history:        NewHistory(cfg.Server.HistorySize),
		deploys:        rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		done:           make(chan struct{}),
		wsPingInterval: 30 * time.Second,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	events := s.bus.Subscribe(256)
	go metrics.Observe(events)
	defer s.bus.Unsubscribe(events)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Server.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests, disconnects event stream clients and
// waits for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// startDeploy launches a run in the background. It returns the prepared
// context so the handler can report the run ID, or an error mapped to a
// client response.
func (s *Server) startDeploy(profile string) (*pipeline.RunContext, []string, error) {
	names, err := s.cfg.ResolveProfile(profile)
	if err != nil {
		return nil, nil, err
	}

	steps, err := stages.ForNames(names)
	if err != nil {
		return nil, nil, err
	}

	if !s.running.CompareAndSwap(false, true) {
		return nil, nil, pipeline.ErrRunInProgress
	}

	runner := pipeline.NewRunner(steps)
	rc := pipeline.NewRunContext(s.env, s.cfg, profile, s.workDir, s.log, s.console, s.bus)
	if t := s.cfg.Stages.Preflight.DBTimeout; t > 0 {
		rc.DBWaitTimeout = time.Duration(t) * time.Second
	}

	s.mu.Lock()
	s.current = runner
	s.mu.Unlock()

	go func() {
		defer s.running.Store(false)
		defer rc.Close()

		res, err := runner.Run(context.Background(), rc)
		if err != nil {
			s.log.Error("deploy run failed", "run_id", rc.RunID, "error", err.Error())
		}
		if res != nil {
			s.history.Add(res)
		}
	}()

	return rc, names, nil
}

// lastResult returns the most recent run snapshot, live or completed.
func (s *Server) lastResult() *pipeline.RunResult {
	s.mu.RLock()
	runner := s.current
	s.mu.RUnlock()

	if runner == nil {
		return nil
	}
	return runner.LastResult()
}
