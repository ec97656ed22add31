package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/scribe/idgen"
)

// BusinessEvent is a domain-level event: a job transition, an upload
// finalized or purged.
type BusinessEvent struct {
	EventType  string
	EntityType string
	EntityID   string
	UserID     string
	Action     string
	Details    string // optional JSON
	Success    bool
}

// Event types recorded by scribe.
const (
	EventJobTransition   = "job_transition"
	EventJobSubmitted    = "job_submitted"
	EventUploadFinalized = "upload_finalized"
	EventUploadRejected  = "upload_rejected"
	EventUploadPurged    = "upload_purged"
	EventRecoverySweep   = "recovery_sweep"
)

// EventLogger writes business events to the observability database.
// A nil *EventLogger discards events, so components can take one
// optionally without nil checks at every call site.
type EventLogger struct {
	db      *sql.DB
	service string
	newID   idgen.Generator
	logger  *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventLogger sets the slog logger used to report write failures.
func WithEventLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger returns an EventLogger tagging events with service.
func NewEventLogger(db *sql.DB, service string, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:      db,
		service: service,
		newID:   idgen.Prefixed("evt_", idgen.Default),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records ev. Write errors are logged and swallowed: a failing
// observability store never blocks job processing.
func (l *EventLogger) LogEvent(ctx context.Context, ev BusinessEvent) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			user_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), ev.EventType, l.service, ev.EntityType, ev.EntityID,
		ev.UserID, ev.Action, ev.Details, ev.Success, time.Now().UnixMilli())
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "event_type", ev.EventType)
	}
}

// EventsFor returns the events recorded for an entity, oldest first.
func (l *EventLogger) EventsFor(ctx context.Context, entityID string) ([]BusinessEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, COALESCE(entity_type, ''), entity_id, COALESCE(user_id, ''),
		       action, COALESCE(details, ''), success
		FROM business_event_logs WHERE entity_id = ? ORDER BY created_at, rowid`, entityID)
	if err != nil {
		return nil, fmt.Errorf("observability: events: %w", err)
	}
	defer rows.Close()
	var out []BusinessEvent
	for rows.Next() {
		var ev BusinessEvent
		if err := rows.Scan(&ev.EventType, &ev.EntityType, &ev.EntityID, &ev.UserID,
			&ev.Action, &ev.Details, &ev.Success); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig gives per-table retention in days. Zero keeps forever.
type RetentionConfig struct {
	EventLogsDays  int
	HTTPLogsDays   int
	HeartbeatsDays int
	MetricsDays    int
}

// Cleanup deletes rows older than the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now()
	targets := []struct {
		query string
		days  int
		unit  func(time.Time) int64
	}{
		{"DELETE FROM business_event_logs WHERE created_at < ?", cfg.EventLogsDays, time.Time.UnixMilli},
		{"DELETE FROM http_request_logs WHERE created_at < ?", cfg.HTTPLogsDays, time.Time.UnixMilli},
		{"DELETE FROM worker_heartbeats WHERE timestamp < ?", cfg.HeartbeatsDays, time.Time.Unix},
		{"DELETE FROM metrics_timeseries WHERE timestamp < ?", cfg.MetricsDays, time.Time.Unix},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := t.unit(now.AddDate(0, 0, -t.days))
		if _, err := db.ExecContext(ctx, t.query, cutoff); err != nil {
			return fmt.Errorf("observability: cleanup: %w", err)
		}
	}
	return nil
}
