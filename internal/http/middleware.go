package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ambulance-dispatch/internal/observability"
)

type contextKey string

const requestIDKey contextKey = "request-id"

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)

		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())

		args := []any{
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", remoteIP(r),
		}
		if rid := requestIDFromContext(r.Context()); rid != "" {
			args = append(args, "request_id", rid)
		}
		args = append(args, subjectAttrs(r, route)...)
		s.logger.Info("http_request", args...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the metrics wrapper.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// subjectAttrs names the booking or vehicle a route acts on.
func subjectAttrs(r *http.Request, route string) []any {
	id := mux.Vars(r)["id"]
	if id == "" {
		return nil
	}
	if strings.HasPrefix(route, "/internal/vehicles/") {
		return []any{"vehicle_id", id}
	}
	return []any{"booking_id", id}
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
