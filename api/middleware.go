package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/hazyhaar/scribe/horosafe"
	"github.com/hazyhaar/scribe/idgen"
	"github.com/hazyhaar/scribe/kit"
	"github.com/hazyhaar/scribe/observability"
)

// OwnerHeader carries the caller identity set by the upstream
// authenticator.
const OwnerHeader = "X-Owner-ID"

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

var newRequestID = idgen.NanoID(12)

// securityHeaders sets the headers every JSON response carries.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// maxBody caps request bodies. Chunk uploads have their own limit.
func maxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identity stores the request ID and the owner in the context. A client
// supplied request ID is kept when it is a safe identifier.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 64 || horosafe.ValidateIdentifier(id) != nil {
			id = newRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := kit.WithRequestID(r.Context(), id)
		ctx = kit.WithTransport(ctx, "http")
		if owner := r.Header.Get(OwnerHeader); owner != "" {
			ctx = kit.WithOwner(ctx, owner)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Flush and Unwrap keep SSE working behind the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := s.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("api: hijack not supported")
}

// accessLog logs every request and persists it to the request log.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		ctx := r.Context()
		entry := observability.HTTPRequest{
			RequestID:  kit.RequestID(ctx),
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: rec.status,
			Duration:   time.Since(start),
			UserID:     kit.Owner(ctx),
		}
		s.logger.Debug("api: request", "request_id", entry.RequestID, "method", entry.Method,
			"path", entry.Path, "status", entry.StatusCode, "duration_ms", entry.Duration.Milliseconds())
		s.reqlog.Log(ctx, entry)
	})
}
