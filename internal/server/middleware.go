package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bleepstore/tenantstore/internal/metrics"
)

// generateRequestID generates a 16-character hexadecimal request ID.
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%016X", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// requestID sets X-Request-Id on every response, reusing the caller's id
// when one is supplied.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = generateRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	return rr.ResponseWriter.Write(b)
}

// Flush implements the http.Flusher interface if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware records request count and duration labelled by the
// matched route pattern. The /metrics endpoint is excluded.
func metricsMiddleware(routes chi.Routes, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if routes.Match(chi.NewRouteContext(), r.Method, r.URL.Path) {
			route = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// redactedParams are query parameters never written to request logs.
var redactedParams = []string{"token", "X-Amz-Credential", "X-Amz-Signature", "X-Amz-Security-Token"}

// requestLog carries fields that handlers attach for the request log line.
type requestLog struct {
	tenantID string
	err      error
}

type requestLogKey struct{}

// annotateRequest records the tenant and error of the current request on its
// log line. It is a no-op outside logRequests.
func annotateRequest(r *http.Request, tenantID string, err error) {
	if rl, ok := r.Context().Value(requestLogKey{}).(*requestLog); ok {
		rl.tenantID = tenantID
		rl.err = err
	}
}

// redactURL returns the request URI with sensitive query values replaced.
func redactURL(r *http.Request) string {
	q := r.URL.Query()
	changed := false
	for _, name := range redactedParams {
		if q.Has(name) {
			q.Set(name, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return r.URL.RequestURI()
	}
	u := *r.URL
	u.RawQuery = q.Encode()
	return u.RequestURI()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// logRequests writes one line per request in the form
// "tenant | method | status | ip | request id | url | user agent".
// Requests aborted by the client are logged with ABORTED instead of a status.
func logRequests(logger *slog.Logger, exclude []string, next http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rl := &requestLog{}
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestLogKey{}, rl)))

		status := strconv.Itoa(rec.statusCode)
		if r.Context().Err() != nil && !rec.wroteHeader {
			status = "ABORTED"
		}
		reqID := w.Header().Get("X-Request-Id")
		msg := strings.Join([]string{rl.tenantID, r.Method, status, clientIP(r), reqID, redactURL(r), r.UserAgent()}, " | ")

		attrs := []any{
			"type", "request",
			"tenant_id", rl.tenantID,
			"request_id", reqID,
			"method", r.Method,
			"status", status,
			"response_time", time.Since(start).Seconds(),
		}
		if rl.err != nil {
			attrs = append(attrs, "error", rl.err)
		}
		logger.Info(msg, attrs...)
	})
}
