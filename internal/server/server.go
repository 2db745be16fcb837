// Package server exposes a session.Store over REST/JSON so that several
// manager processes can share one durable store.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/apexion-ai/sessiond/internal/metrics"
	"github.com/apexion-ai/sessiond/internal/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server serves a session.Store.
type Server struct {
	store   session.Store
	logger  zerolog.Logger
	metrics *metrics.Collector
	token   string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics instruments each route and mounts /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithAPIToken requires "Authorization: Bearer <token>" on every store
// route. An empty token disables the check.
func WithAPIToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// New builds a Server over store.
func New(store session.Store, opts ...Option) *Server {
	s := &Server{store: store, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "store_server").Logger()
	return s
}

// Handler returns the routed handler with logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /sessions", s.handleCreate)
	s.route(mux, "GET /sessions", s.handleList)
	s.route(mux, "GET /sessions/stats", s.handleStats)
	s.route(mux, "GET /sessions/{id}", s.handleGet)
	s.route(mux, "PUT /sessions/{id}", s.handleUpdate)
	s.route(mux, "DELETE /sessions/{id}", s.handleDelete)
	s.route(mux, "POST /messages", s.handleAddMessage)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var h http.Handler = mux
	h = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		ev := hlog.FromRequest(r).Debug()
		if status >= http.StatusInternalServerError {
			ev = hlog.FromRequest(r).Warn()
		}
		ev.Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("HTTP request")
	})(h)
	h = hlog.RemoteAddrHandler("remote_addr")(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	h = hlog.NewHandler(s.logger)(h)
	return h
}

func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	var h http.Handler = s.authorize(fn)
	if s.metrics != nil {
		h = s.metrics.InstrumentRoute(pattern, h)
	}
	mux.Handle(pattern, h)
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid bearer token", Code: CodeUnauthenticated})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		done <- httpServer.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Store service listening")

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down store service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// CodeUnauthenticated is returned when the bearer token is missing or wrong.
const CodeUnauthenticated = "unauthenticated"

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatusFor maps a wire code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case session.CodeNotFound:
		return http.StatusNotFound
	case session.CodeUnauthorized:
		return http.StatusForbidden
	case session.CodeConcurrencyLimit:
		return http.StatusConflict
	case session.CodeValidation:
		return http.StatusBadRequest
	case session.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := session.Code(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("code", code).Msg("Store operation failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return session.Validationf("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var p session.CreateParams
	if err := decode(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.store.CreateSession(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var u session.Update
	if err := decode(w, r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.UpdateSession(r.Context(), r.PathValue("id"), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var p session.MessageParams
	if err := decode(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.store.AddMessage(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	q := session.StatsQuery{UserID: v.Get("userId")}
	var err error
	if q.ActiveSince, err = parseTime(v.Get("activeSince")); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.store.Stats(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func parseListQuery(r *http.Request) (session.ListQuery, error) {
	v := r.URL.Query()
	q := session.ListQuery{
		UserID: v.Get("userId"),
		Type:   v.Get("type"),
	}
	var err error
	if q.Limit, err = parseInt(v, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = parseInt(v, "offset"); err != nil {
		return q, err
	}
	if raw := v.Get("includeMessages"); raw != "" {
		if q.IncludeMessages, err = strconv.ParseBool(raw); err != nil {
			return q, session.Validationf("includeMessages: %v", err)
		}
	}
	if q.ActiveSince, err = parseTime(v.Get("activeSince")); err != nil {
		return q, err
	}
	return q, nil
}

func parseInt(v url.Values, key string) (int, error) {
	vals := v[key]
	if len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil || n < 0 {
		return 0, session.Validationf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, session.Validationf("activeSince: %v", err)
	}
	return t, nil
}
