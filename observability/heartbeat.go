package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Process roles written with each heartbeat.
const (
	RoleServer = "server"
	RoleWorker = "worker"
)

// HeartbeatWriter records periodic liveness rows for one process.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	role       string
	hostname   string
	pid        int
	interval   time.Duration
	active     func() int
	logger     *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewHeartbeatWriter returns a writer for workerName. active, when
// non-nil, reports the number of jobs the process is executing.
func NewHeartbeatWriter(db *sql.DB, workerName, role string, interval time.Duration, active func() int, logger *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		role:       role,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		active:     active,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start writes one heartbeat now and then one per interval until Stop or
// ctx is done.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Stop ends the heartbeat goroutine and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

// WriteHeartbeat inserts one heartbeat row.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	active := 0
	if hw.active != nil {
		active = hw.active()
	}
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, role, hostname, worker_pid, timestamp,
			active_jobs, goroutines_count, memory_alloc_mb
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.role, hw.hostname, hw.pid, time.Now().Unix(),
		active, runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.WriteHeartbeat(ctx); err != nil {
		hw.logger.Error("observability: heartbeat failed", "error", err, "worker", hw.workerName)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(ctx); err != nil {
				hw.logger.Error("observability: heartbeat failed", "error", err, "worker", hw.workerName)
			}
		}
	}
}

// HeartbeatStatus is the latest heartbeat of one process.
type HeartbeatStatus struct {
	WorkerName string    `json:"worker_name"`
	Role       string    `json:"role"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	ActiveJobs int       `json:"active_jobs"`
	Alive      bool      `json:"alive"`
}

// LiveProcesses returns the latest heartbeat of every process of role
// seen within window, with Alive set when the beat is within staleAfter.
func LiveProcesses(ctx context.Context, db *sql.DB, role string, window, staleAfter time.Duration) ([]HeartbeatStatus, error) {
	since := time.Now().Add(-window).Unix()
	rows, err := db.QueryContext(ctx, `
		SELECT worker_name, role, hostname, worker_pid, MAX(timestamp), active_jobs
		FROM worker_heartbeats
		WHERE role = ? AND timestamp >= ?
		GROUP BY worker_name
		ORDER BY worker_name`, role, since)
	if err != nil {
		return nil, fmt.Errorf("observability: live processes: %w", err)
	}
	defer rows.Close()

	var out []HeartbeatStatus
	for rows.Next() {
		var hs HeartbeatStatus
		var ts int64
		if err := rows.Scan(&hs.WorkerName, &hs.Role, &hs.Hostname, &hs.PID, &ts, &hs.ActiveJobs); err != nil {
			return nil, err
		}
		hs.Timestamp = time.Unix(ts, 0)
		hs.Alive = time.Since(hs.Timestamp) <= staleAfter
		out = append(out, hs)
	}
	return out, rows.Err()
}

// LatestHeartbeat returns the most recent heartbeat of workerName, or nil
// when none was recorded.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	var hs HeartbeatStatus
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, role, hostname, worker_pid, timestamp, active_jobs
		FROM worker_heartbeats WHERE worker_name = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`, workerName).
		Scan(&hs.WorkerName, &hs.Role, &hs.Hostname, &hs.PID, &ts, &hs.ActiveJobs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= staleAfter
	return &hs, nil
}
