package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/litebucket/litebucket/internal/errors"
	"github.com/litebucket/litebucket/internal/metrics"
	"github.com/litebucket/litebucket/internal/uid"
	"github.com/litebucket/litebucket/internal/xmlutil"
)

// commonHeaders is HTTP middleware that injects common S3 response headers
// on every response: x-amz-request-id, x-amz-id-2, Date, and Server.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uid.New()
		w.Header().Set("x-amz-request-id", requestID)
		w.Header().Set("x-amz-id-2", requestID)
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "LiteBucket")
		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written. This is used by the metrics middleware.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

// WriteHeader captures the status code and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

// Flush implements the http.Flusher interface if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware records Prometheus metrics for each request:
// request count, duration, request size, and response size.
// The /metrics endpoint is excluded from self-instrumentation to avoid recursion.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		normalizedPath := metrics.NormalizePath(r.URL.Path)
		method := r.Method
		status := strconv.Itoa(rec.statusCode)

		// Record metrics — best-effort, never block.
		metrics.HTTPRequestsTotal.WithLabelValues(method, normalizedPath, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, normalizedPath).Observe(duration)

		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(method, normalizedPath).Observe(float64(r.ContentLength))
		}

		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, normalizedPath).Observe(float64(rec.bytesWritten))
		}
	})
}

// isS3Path reports whether the request path is an S3 operation rather than a
// system endpoint (health, docs, metrics, openapi).
func isS3Path(path string) bool {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/openapi.yaml":
		return false
	}
	return !strings.HasPrefix(path, "/docs") && !strings.HasPrefix(path, "/openapi")
}

// workerLimit bounds the number of S3 operations in flight at once. A
// request that cannot claim a worker slot within the pool's acquire timeout
// fails with ServiceUnavailable rather than queueing without bound. System
// endpoints bypass the pool so health stays observable under saturation.
func (s *Server) workerLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isS3Path(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if err := s.workers.Acquire(r.Context()); err != nil {
			metrics.WorkerAcquireTimeoutsTotal.Inc()
			xmlutil.WriteErrorResponse(w, r, s3err.ErrServiceUnavailable)
			return
		}
		metrics.WorkerSlotsInUse.Inc()
		defer func() {
			s.workers.Release()
			metrics.WorkerSlotsInUse.Dec()
		}()

		next.ServeHTTP(w, r)
	})
}

// requestTimeout bounds every S3 operation with the configured per-request
// deadline. The deadline propagates through the request context into every
// database call.
func (s *Server) requestTimeout(next http.Handler) http.Handler {
	timeout := time.Duration(s.cfg.Server.RequestTimeout) * time.Second
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isS3Path(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
