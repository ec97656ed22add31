package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// HTTPRequest is one served request.
type HTTPRequest struct {
	RequestID  string
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
	UserID     string
}

// RequestLog persists served requests to http_request_logs.
type RequestLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRequestLog returns a RequestLog writing to db.
func NewRequestLog(db *sql.DB, logger *slog.Logger) *RequestLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestLog{db: db, logger: logger}
}

// Log records r. Errors are logged and dropped.
func (l *RequestLog) Log(ctx context.Context, r HTTPRequest) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO http_request_logs (request_id, method, path, status_code, duration_ms, user_id, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		r.RequestID, r.Method, r.Path, r.StatusCode, r.Duration.Milliseconds(), r.UserID, time.Now().UnixMilli())
	if err != nil {
		l.logger.Warn("observability: request log failed", "error", err, "path", r.Path)
	}
}
