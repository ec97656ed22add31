// Package api exposes the orchestrator over HTTP: chunked uploads, job
// submission and control, live progress as server-sent events, runtime
// settings, and an MCP endpoint for agents.
//
// Callers are identified by the X-Owner-ID header, which an upstream
// authenticator is expected to set.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scribe/config"
	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/horosafe"
	"github.com/hazyhaar/scribe/job"
	"github.com/hazyhaar/scribe/observability"
	"github.com/hazyhaar/scribe/orchestrator"
	"github.com/hazyhaar/scribe/progress"
	"github.com/hazyhaar/scribe/registry"
	"github.com/hazyhaar/scribe/upload"
)

// Jobs is the orchestrator surface the API drives.
type Jobs interface {
	SubmitJob(ctx context.Context, req orchestrator.SubmitRequest) (job.Snapshot, error)
	SubmitUpload(ctx context.Context, sessionID, checksum string, params job.Params, owner string) (job.Snapshot, error)
	GetJobStatus(ctx context.Context, id string) (job.Snapshot, error)
	History(ctx context.Context, id string) ([]job.Transition, error)
	ListJobs(ctx context.Context, owner string, limit int) ([]job.Snapshot, error)
	CancelJob(ctx context.Context, id string) (job.Snapshot, error)
	RetryJob(ctx context.Context, id string) (job.Snapshot, error)
	SubscribeProgress(ctx context.Context, id string) (*progress.Subscription, error)
	SetConcurrency(n int) error
}

// Server holds the HTTP handlers.
type Server struct {
	jobs         Jobs
	uploads      *upload.Assembler
	settings     *config.Settings
	artifactsDir string
	maxChunk     int64
	maxBody      int64
	keepAlive    time.Duration
	logger       *slog.Logger
	reqlog       *observability.RequestLog
	health       func(context.Context) error
	version      string
}

// Option configures a Server.
type Option func(*Server)

func WithUploads(a *upload.Assembler) Option { return func(s *Server) { s.uploads = a } }

func WithSettings(st *config.Settings) Option { return func(s *Server) { s.settings = st } }

// WithArtifactsDir confines POST /v1/jobs to paths under dir.
func WithArtifactsDir(dir string) Option { return func(s *Server) { s.artifactsDir = dir } }

func WithMaxChunkBytes(n int64) Option { return func(s *Server) { s.maxChunk = n } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithRequestLog(l *observability.RequestLog) Option { return func(s *Server) { s.reqlog = l } }

// WithHealthCheck makes /healthz report the result of fn.
func WithHealthCheck(fn func(context.Context) error) Option { return func(s *Server) { s.health = fn } }

// WithKeepAlive sets the SSE comment interval.
func WithKeepAlive(d time.Duration) Option { return func(s *Server) { s.keepAlive = d } }

func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// New returns a Server driving jobs.
func New(jobs Jobs, opts ...Option) *Server {
	s := &Server{
		jobs:      jobs,
		maxChunk:  upload.DefaultMaxChunkBytes,
		maxBody:   1 << 20,
		keepAlive: 15 * time.Second,
		logger:    slog.Default(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(identity)
	r.Use(s.accessLog)
	r.Use(securityHeaders)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.With(maxBody(s.maxBody)).Post("/", s.openUpload)
			r.Get("/{session}", s.uploadStatus)
			r.Put("/{session}/chunks/{index}", s.putChunk)
			r.With(maxBody(s.maxBody)).Post("/{session}/jobs", s.submitUpload)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Use(maxBody(s.maxBody))
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Get("/{id}", s.getJob)
			r.Post("/{id}/cancel", s.cancelJob)
			r.Post("/{id}/retry", s.retryJob)
			r.Get("/{id}/history", s.history)
			r.Get("/{id}/events", s.events)
		})
		r.Route("/settings", func(r chi.Router) {
			r.Use(maxBody(s.maxBody))
			r.Get("/", s.listSettings)
			r.Get("/{key}", s.getSetting)
			r.Put("/{key}", s.putSetting)
		})
	})

	mcpSrv := s.MCPServer()
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, job.ErrNotFound), errors.Is(err, upload.ErrNotFound), errors.Is(err, progress.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalid), errors.Is(err, upload.ErrInvalidChunk),
		errors.Is(err, config.ErrInvalidSetting), errors.Is(err, horosafe.ErrPathTraversal):
		return http.StatusBadRequest
	case errors.Is(err, config.ErrUnknownSetting):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrChecksumMismatch), errors.Is(err, upload.ErrIncompleteUpload):
		return http.StatusUnprocessableEntity
	case errors.Is(err, upload.ErrFinalizing), errors.Is(err, upload.ErrClosed),
		errors.Is(err, orchestrator.ErrNotRetryable), errors.Is(err, registry.ErrSessionUsed),
		job.IsConflict(err):
		return http.StatusConflict
	case errors.As(err, &maxErr), errors.Is(err, horosafe.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, orchestrator.ErrNotStarted), errors.Is(err, orchestrator.ErrNoUploads):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("api: request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err)
}

// writeSubmitted answers a submission: 201 when the job was admitted,
// 202 when it waits in the queue for capacity.
func (s *Server) writeSubmitted(w http.ResponseWriter, r *http.Request, snap job.Snapshot, err error) {
	switch {
	case err == nil:
		code := http.StatusCreated
		if snap.Status == job.Queued {
			code = http.StatusAccepted
		}
		writeJSON(w, code, snap)
	case errors.Is(err, execution.ErrRejectedCapacity) && snap.ID != "":
		writeJSON(w, http.StatusAccepted, snap)
	default:
		s.fail(w, r, err)
	}
}
