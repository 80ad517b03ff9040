// Package server exposes the banned phrase mechanism to remote host loops over
// WebSocket. A client opens a session, then drives it one generation step at a
// time and adopts the history and tokens each result carries.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soypete/phraseguard/pkg/metrics"
	"github.com/soypete/phraseguard/pkg/store"
)

// ErrTooManySessions is returned when the session limit is reached.
var ErrTooManySessions = errors.New("too many open sessions")

// Server serves /ws sessions plus health and metrics endpoints.
type Server struct {
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	store    store.EventStore
	logger   *slog.Logger

	maxSessions    int
	defaultEpsilon float64
	stepRate       rate.Limit
	stepBurst      int

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists every session's events.
func WithStore(s store.EventStore) Option {
	return func(srv *Server) { srv.store = s }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(srv *Server) { srv.logger = logger }
}

// WithMaxSessions limits concurrently open sessions.
func WithMaxSessions(n int) Option {
	return func(srv *Server) { srv.maxSessions = n }
}

// WithDefaultEpsilon sets the epsilon used when an open message has none.
func WithDefaultEpsilon(eps float64) Option {
	return func(srv *Server) { srv.defaultEpsilon = eps }
}

// WithStepRate limits each connection to perSecond step messages with the
// given burst. Steps over the limit wait rather than fail. A rate of 0 means
// no limit.
func WithStepRate(perSecond float64, burst int) Option {
	return func(srv *Server) {
		srv.stepRate = rate.Limit(perSecond)
		srv.stepBurst = max(burst, 1)
	}
}

// New creates a server.
func New(opts ...Option) *Server {
	s := &Server{
		mux:            http.NewServeMux(),
		logger:         slog.New(slog.DiscardHandler),
		maxSessions:    64,
		defaultEpsilon: 1.0,
		sessions:       make(map[uuid.UUID]*session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // host loops are not browsers
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns the HTTP handler with request metrics applied.
func (s *Server) Handler() http.Handler {
	return instrument(s.mux)
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting step server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.Sessions(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &connection{server: s, conn: conn}
	if s.stepRate > 0 {
		c.limiter = rate.NewLimiter(s.stepRate, s.stepBurst)
	}
	defer c.closeSession(context.Background())

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		// Requests on one connection are handled in order; a session's
		// mechanism sees one step at a time.
		if done := c.handle(r.Context(), &req); done {
			return
		}
	}
}

func (s *Server) register(sess *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.maxSessions {
		return fmt.Errorf("%w (limit %d)", ErrTooManySessions, s.maxSessions)
	}
	s.sessions[sess.id] = sess
	metrics.ActiveSessions.Inc()
	return nil
}

func (s *Server) unregister(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		metrics.ActiveSessions.Dec()
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}
