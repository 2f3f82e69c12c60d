// Package httpapi is the admin HTTP surface: job registry management, run
// history, a live event stream and catalog content CRUD.
package httpapi

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"catalogd/internal/content"
	"catalogd/internal/eventbus"
	"catalogd/internal/storage"
	"catalogd/internal/task/engine"
	"catalogd/internal/task/scheduler"
	logx "catalogd/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

// Registry is the job registry as seen by the admin API.
type Registry interface {
	RunNow(ctx context.Context, name string) error
	Status(ctx context.Context) ([]scheduler.JobStatus, error)
	StartAll(ctx context.Context) (int, error)
	StopAll() int
	ListSchedules(ctx context.Context) ([]storage.ScheduleRecord, error)
	UpsertSchedule(ctx context.Context, in scheduler.ScheduleInput) (storage.ScheduleRecord, error)
	ToggleActive(ctx context.Context, name string, active bool) (storage.ScheduleRecord, error)
	DeleteSchedule(ctx context.Context, name string) error
	InitializeDefaults(ctx context.Context) ([]string, error)
}

// RunHistory exposes recent job executions.
type RunHistory interface {
	History() []engine.HistoryItem
}

// Content is the catalog as seen by the admin API.
type Content interface {
	Create(ctx context.Context, it storage.ContentItem) (storage.ContentItem, error)
	Get(ctx context.Context, id string) (storage.ContentItem, error)
	Update(ctx context.Context, id string, p content.Patch) (storage.ContentItem, error)
	SetStatus(ctx context.Context, id, status string) (storage.ContentItem, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, p content.ListParams) (content.ListResult, error)
	Trending(ctx context.Context, typ string, limit int) ([]storage.ContentItem, error)
	ByGenre(ctx context.Context, genre string, limit int) ([]storage.ContentItem, error)
}

type Deps struct {
	Registry Registry
	Runs     RunHistory
	Content  Content
	Bus      eventbus.Bus
	// Health returns the body of /healthz. Optional.
	Health func() any
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Pprof           bool
	Tokens          []Token
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	auth authenticator

	handler http.Handler
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.auth.set(cfg.Tokens)
	s.handler = s.routes()
	return s
}

// Handler returns the routed handler (used by tests and embedding).
func (s *Server) Handler() http.Handler { return s.handler }

// SetTokens swaps the credential table; safe during hot reload.
func (s *Server) SetTokens(tokens []Token) {
	s.auth.set(tokens)
	s.log.Info("api tokens updated", logx.Int("count", len(tokens)))
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	authed := s.auth.authenticate
	admin := func(h http.HandlerFunc) http.HandlerFunc { return s.auth.authenticate(requireRole(RoleAdmin, h)) }

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Job registry: admin only, reads included.
	mux.HandleFunc("POST /api/cron/run-now", admin(s.handleRunNow))
	mux.HandleFunc("GET /api/cron/status", admin(s.handleStatus))
	mux.HandleFunc("POST /api/cron/start", admin(s.handleStartAll))
	mux.HandleFunc("POST /api/cron/stop", admin(s.handleStopAll))
	mux.HandleFunc("GET /api/cron/schedules", admin(s.handleListSchedules))
	mux.HandleFunc("POST /api/cron/schedules/initialize", admin(s.handleInitialize))
	mux.HandleFunc("PATCH /api/cron/schedules/{jobName}", admin(s.handleUpsertSchedule))
	mux.HandleFunc("PATCH /api/cron/schedules/{jobName}/toggle", admin(s.handleToggle))
	mux.HandleFunc("DELETE /api/cron/schedules/{jobName}", admin(s.handleDeleteSchedule))
	mux.HandleFunc("GET /api/cron/history", admin(s.handleHistory))
	mux.HandleFunc("GET /api/cron/events", admin(s.handleEvents))

	// Content
	mux.HandleFunc("GET /api/content", authed(s.handleListContent))
	mux.HandleFunc("GET /api/content/trending", authed(s.handleTrending))
	mux.HandleFunc("GET /api/content/genre/{genre}", authed(s.handleByGenre))
	mux.HandleFunc("GET /api/content/{id}", authed(s.handleGetContent))
	mux.HandleFunc("POST /api/content", admin(s.handleCreateContent))
	mux.HandleFunc("PATCH /api/content/{id}", admin(s.handleUpdateContent))
	mux.HandleFunc("DELETE /api/content/{id}", admin(s.handleDeleteContent))
	mux.HandleFunc("PATCH /api/content/{id}/publish", admin(s.handleSetStatus(storage.StatusPublished)))
	mux.HandleFunc("PATCH /api/content/{id}/unpublish", admin(s.handleSetStatus(storage.StatusDraft)))

	if s.cfg.Pprof {
		mountPprof(mux, admin)
	}
	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var data any
	if s.deps.Health != nil {
		data = s.deps.Health()
	}
	ok(w, "ok", data)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.log.Enabled(logx.LevelDebug) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// CheckBind rejects a non-loopback address while no tokens are configured,
// which would expose an unauthenticated admin API.
func (s *Server) CheckBind() error {
	if s.auth.empty() && !isLoopbackAddr(s.cfg.Addr) {
		return errors.Newf("api refused to start: insecure bind %s without auth.tokens", s.cfg.Addr)
	}
	return nil
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// Serve listens on the configured address until ctx is cancelled, then shuts
// down gracefully. It is meant to run under a supervisor restart loop.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.Addr
	if err := s.CheckBind(); err != nil {
		s.log.Error("api refused to start: non-loopback addr requires auth.tokens", logx.String("addr", addr))
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("api shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		}
	}()

	s.log.Info("api listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof), logx.Bool("auth", !s.auth.empty()))
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
