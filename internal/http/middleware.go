package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/delivery-relay/internal/models"
	"github.com/example/delivery-relay/internal/observability"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	sessionKey
)

// quietRoutes are polled by probes and scrapers and logged at debug.
var quietRoutes = map[string]bool{"/healthz": true, "/ready": true, "/metrics": true}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.accessLogMiddleware)
}

// socketSession is filled in by the socket handler so the access log can
// describe who was connected and why the socket ended.
type socketSession struct {
	mu       sync.Mutex
	connID   string
	role     models.Role
	identity string
	reason   string
}

func (ss *socketSession) opened(connID string, role models.Role, identity string) {
	ss.mu.Lock()
	ss.connID, ss.role, ss.identity = connID, role, identity
	ss.mu.Unlock()
}

func (ss *socketSession) closed(reason string) {
	ss.mu.Lock()
	ss.reason = reason
	ss.mu.Unlock()
}

func sessionFrom(ctx context.Context) *socketSession {
	if ss, ok := ctx.Value(sessionKey).(*socketSession); ok {
		return ss
	}
	return &socketSession{}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID)))
	})
}

// accessLogMiddleware records one line per REST call and one per socket
// session. Sockets are kept out of the request latency metrics.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ss := &socketSession{}
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), sessionKey, ss)))
		elapsed := time.Since(start)

		if rw.upgraded {
			s.logSession(r, ss, elapsed)
			return
		}

		route := routeTemplate(r)
		status := strconv.Itoa(rw.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		if quietRoutes[route] {
			level = slog.LevelDebug
		} else if rw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http_request",
			"method", r.Method,
			"route", route,
			"status", rw.status,
			"duration_ms", elapsed.Milliseconds(),
			"client_ip", clientIP(r),
			"request_id", requestIDFromContext(r.Context()),
		)
	})
}

func (s *Server) logSession(r *http.Request, ss *socketSession, lifetime time.Duration) {
	ss.mu.Lock()
	connID, role, identity, reason := ss.connID, ss.role, ss.identity, ss.reason
	ss.mu.Unlock()
	if reason == "" {
		reason = "unknown"
	}
	observability.SocketLifetime.WithLabelValues(string(role), reason).Observe(lifetime.Seconds())
	s.logger.Info("socket_session",
		"route", routeTemplate(r),
		"conn_id", connID,
		"role", role,
		"identity", identity,
		"reason", reason,
		"connected_ms", lifetime.Milliseconds(),
		"client_ip", clientIP(r),
		"request_id", requestIDFromContext(r.Context()),
	)
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic_recovered", "error", rec, "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the status code and whether the websocket
// upgrader took the connection over.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.upgraded = true
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// clientIP prefers the first hop recorded by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
