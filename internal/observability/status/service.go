// Package status serves run health, scheduled jobs and Prometheus metrics
// over HTTP, with optional pprof endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"listingwatch/internal/monitor"
	"listingwatch/internal/runtime/supervisor"
	"listingwatch/internal/scheduler"
	logx "listingwatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9465"

// Config controls the status server.
//
// Security:
//   - Binding to a non-loopback address requires Token or AllowInsecure.
//   - Token is accepted as "Authorization: Bearer <token>" or ?token=.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Runs interface {
	Health() monitor.Health
	Runs() []monitor.RunStats
}

type Jobs interface {
	Jobs() []scheduler.Info
	RunNow(ctx context.Context, name string) error
}

type Queue interface {
	Pending() int
	Processing() bool
}

// Deps are the read-only views the server exposes. Nil fields disable the
// matching routes.
type Deps struct {
	Runs    Runs
	Jobs    Jobs
	Queue   Queue
	Metrics http.Handler
	// Goroutines reports the app supervisor's counters.
	Goroutines func() supervisor.Counters
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	ln       net.Listener
	srv      *http.Server
	sup      *supervisor.Supervisor
	stopDone chan struct{}
	bound    chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, or "" when the server is not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Bound is closed once the current server is listening. Nil when not started.
func (s *Service) Bound() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// Start is idempotent. The server runs under its own supervisor and is
// restarted with backoff if it exits unexpectedly.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		// The status server is optional; its failures never stop the app.
		s.sup = supervisor.New(ctx,
			supervisor.WithLogger(s.log.With(logx.String("comp", "status.supervisor"))),
			supervisor.WithCancelOnError(false),
		)
		s.bound = make(chan struct{})
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("status.http", s.serveOnce, 500*time.Millisecond, 10*time.Second)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone, s.bound = nil, nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("status server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	bound := s.bound
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("status server refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr),
			)
			return errors.New("status server refused to start: insecure bind")
		}
		s.log.Warn("status server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("status listen %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()
	if bound != nil {
		select {
		case <-bound:
		default:
			close(bound)
		}
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("status server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

// Handler builds the router for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		r.Use(tokenAuth(tok))
	}

	r.Get("/healthz", s.healthz)
	if s.deps.Runs != nil {
		r.Get("/runs", s.runs)
	}
	if s.deps.Jobs != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.jobs)
			r.Post("/{name}/run", s.runJob)
		})
	}
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type healthResponse struct {
	Status          monitor.Status       `json:"status"`
	ActiveRuns      int                  `json:"active_runs"`
	RecentErrors    int                  `json:"recent_errors"`
	QueuePending    int                  `json:"queue_pending"`
	QueueProcessing bool                 `json:"queue_processing"`
	Goroutines      *supervisor.Counters `json:"goroutines,omitempty"`
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: monitor.StatusHealthy}
	if s.deps.Runs != nil {
		h := s.deps.Runs.Health()
		resp.Status, resp.ActiveRuns, resp.RecentErrors = h.Status, h.ActiveRuns, h.RecentErrors
	}
	if s.deps.Queue != nil {
		resp.QueuePending = s.deps.Queue.Pending()
		resp.QueueProcessing = s.deps.Queue.Processing()
	}
	if s.deps.Goroutines != nil {
		c := s.deps.Goroutines()
		resp.Goroutines = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) runs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Runs.Runs())
}

type jobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
}

func (s *Service) jobs(w http.ResponseWriter, _ *http.Request) {
	infos := s.deps.Jobs.Jobs()
	out := make([]jobInfo, 0, len(infos))
	for _, j := range infos {
		out = append(out, jobInfo{Name: j.Name, Schedule: j.Schedule, Next: j.Next, Prev: j.Prev})
	}
	writeJSON(w, http.StatusOK, out)
}

// runJob triggers a registered job in the background and answers 202.
func (s *Service) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	known := false
	for _, j := range s.deps.Jobs.Jobs() {
		if j.Name == name {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	run := func(ctx context.Context) {
		if err := s.deps.Jobs.RunNow(ctx, name); err != nil {
			s.log.Warn("manual job run failed", logx.String("job", name), logx.Err(err))
		}
	}
	if sup != nil {
		sup.Go0("status.run."+name, run)
	} else {
		go run(context.Background())
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "started"})
}

func tokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == token {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == token {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
