package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotsetgreg/dotrelay/pkg/logger"
	"github.com/dotsetgreg/dotrelay/pkg/supervisor"
)

const checkTimeout = 3 * time.Second

// PollerControl is the operator toggle for the update poller.
// *supervisor.Supervisor satisfies it.
type PollerControl interface {
	TryStart() error
	Stop() bool
	State() supervisor.State
}

// CursorReader exposes the poller's progress.
type CursorReader interface {
	Source() string
	Cursor() int64
}

// CheckFunc reports a readiness failure as a non-nil error.
type CheckFunc func(ctx context.Context) error

type Server struct {
	server    *http.Server
	router    chi.Router
	poller    PollerControl
	cursor    CursorReader
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
	order  []string
}

type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime,omitempty"`
	Checks map[string]Check `json:"checks,omitempty"`
}

type PollerStatus struct {
	Running bool   `json:"running"`
	State   string `json:"state,omitempty"`
	Source  string `json:"source,omitempty"`
	Cursor  int64  `json:"cursor"`
	Changed *bool  `json:"changed,omitempty"`
}

type pollerToggle struct {
	Running *bool `json:"running"`
}

func NewServer(host string, port int, poller PollerControl, cursor CursorReader) *Server {
	s := &Server{
		poller:    poller,
		cursor:    cursor,
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/poller", func(r chi.Router) {
		r.Get("/", s.pollerStatusHandler)
		r.Put("/", s.pollerToggleHandler)
		r.Post("/start", s.pollerStartHandler)
		r.Post("/stop", s.pollerStopHandler)
	})

	s.router = r
	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// RegisterCheck adds a readiness check. Checks run in registration order.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checks[name]; !exists {
		s.order = append(s.order, name)
	}
	s.checks[name] = fn
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.server.Addr }

// Start serves until Stop is called.
func (s *Server) Start() error {
	logger.InfoCF("health", "Control server listening", map[string]interface{}{
		"addr": s.server.Addr,
	})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	s.mu.RLock()
	names := append([]string(nil), s.order...)
	fns := make(map[string]CheckFunc, len(s.checks))
	for k, v := range s.checks {
		fns[k] = v
	}
	s.mu.RUnlock()

	checks := make(map[string]Check, len(names))
	ready := true
	for _, name := range names {
		start := time.Now()
		if err := fns[name](ctx); err != nil {
			ready = false
			checks[name] = Check{Status: "fail", Message: err.Error()}
			continue
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	resp := StatusResponse{Status: "ready", Checks: checks}
	code := http.StatusOK
	if !ready {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) pollerStatus() PollerStatus {
	st := PollerStatus{}
	if s.poller != nil {
		state := s.poller.State()
		st.Running = state == supervisor.Running
		st.State = state.String()
	}
	if s.cursor != nil {
		st.Source = s.cursor.Source()
		st.Cursor = s.cursor.Cursor()
	}
	return st
}

func (s *Server) pollerStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pollerStatus())
}

func (s *Server) pollerToggleHandler(w http.ResponseWriter, r *http.Request) {
	var body pollerToggle
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&body); err != nil || body.Running == nil {
		writeError(w, http.StatusBadRequest, `expected {"running": true|false}`)
		return
	}
	s.toggle(w, *body.Running)
}

func (s *Server) pollerStartHandler(w http.ResponseWriter, r *http.Request) { s.toggle(w, true) }

func (s *Server) pollerStopHandler(w http.ResponseWriter, r *http.Request) { s.toggle(w, false) }

func (s *Server) toggle(w http.ResponseWriter, running bool) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "poller not configured")
		return
	}
	var changed bool
	if running {
		err := s.poller.TryStart()
		if errors.Is(err, supervisor.ErrStopping) {
			st := s.pollerStatus()
			st.Changed = &changed
			writeJSON(w, http.StatusConflict, st)
			return
		}
		changed = err == nil
	} else {
		changed = s.poller.Stop()
	}
	logger.InfoCF("health", "Poller toggled", map[string]interface{}{
		"running": running,
		"changed": changed,
	})
	st := s.pollerStatus()
	st.Changed = &changed
	writeJSON(w, http.StatusOK, st)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			logger.DebugCF("health", "request completed", map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"latency_ms": time.Since(start).Milliseconds(),
				"request_id": chimw.GetReqID(r.Context()),
			})
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
