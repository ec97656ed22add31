package observability

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/scribe/dbopen"
	"github.com/hazyhaar/scribe/idgen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"worker_heartbeats", "metrics_timeseries", "business_event_logs", "http_request_logs"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

func TestEventLogger(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	el := NewEventLogger(db, "scribe", WithEventIDGenerator(idgen.Sequence("evt_")))

	el.LogEvent(ctx, BusinessEvent{EventType: EventJobTransition, EntityType: "job", EntityID: "job_1",
		Action: "queued->processing", Success: true})
	el.LogEvent(ctx, BusinessEvent{EventType: EventJobTransition, EntityType: "job", EntityID: "job_1",
		Action: "processing->failed", Success: false})

	evs, err := el.EventsFor(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[1].Action != "processing->failed" || evs[1].Success {
		t.Fatalf("events = %+v", evs)
	}

	var nilLogger *EventLogger
	nilLogger.LogEvent(ctx, BusinessEvent{EventType: "x"})
}

func TestMetricsManager_FlushOnClose(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	mm.Record(&Metric{Name: MetricJobDurationMs, Value: 1200, Unit: "ms", Labels: map[string]string{"backend": "pool"}})
	mm.RecordSimple(MetricAdmissionReject, 1, "count")
	mm.Close()

	got, err := mm.Query(context.Background(), MetricJobDurationMs, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 1200 || got[0].Labels["backend"] != "pool" {
		t.Fatalf("metrics = %+v", got)
	}
	all, _ := mm.Query(context.Background(), "", 0)
	if len(all) != 2 {
		t.Fatalf("all metrics = %d, want 2", len(all))
	}
}

func TestMetricsManager_FlushOnBufferFull(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()
	mm.RecordSimple("a", 1, "count")
	mm.RecordSimple("a", 2, "count")

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("rows = %d, want 2 after buffer filled", n)
	}
}

func TestHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	hw := NewHeartbeatWriter(db, "worker-a", RoleWorker, time.Hour, func() int { return 3 }, nil)
	if err := hw.WriteHeartbeat(ctx); err != nil {
		t.Fatal(err)
	}

	hs, err := LatestHeartbeat(ctx, db, "worker-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive || hs.ActiveJobs != 3 || hs.Role != RoleWorker {
		t.Fatalf("heartbeat = %+v", hs)
	}

	live, err := LiveProcesses(ctx, db, RoleWorker, time.Hour, time.Minute)
	if err != nil || len(live) != 1 {
		t.Fatalf("LiveProcesses = %+v, %v", live, err)
	}

	none, err := LatestHeartbeat(ctx, db, "ghost", time.Minute)
	if err != nil || none != nil {
		t.Fatalf("ghost heartbeat = %+v, %v", none, err)
	}
}

func TestRequestLogAndCleanup(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	rl := NewRequestLog(db, nil)
	rl.Log(ctx, HTTPRequest{RequestID: "r1", Method: "GET", Path: "/v1/jobs/x", StatusCode: 200, Duration: time.Millisecond})

	db.Exec(`UPDATE http_request_logs SET created_at = ?`, time.Now().AddDate(0, 0, -10).UnixMilli())
	if err := Cleanup(ctx, db, RetentionConfig{HTTPLogsDays: 7}); err != nil {
		t.Fatal(err)
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM http_request_logs").Scan(&n)
	if n != 0 {
		t.Fatalf("rows = %d after cleanup, want 0", n)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("warn", &buf)
	l.Info("hidden")
	l.Warn("shown", "job_id", "job_1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"job_id":"job_1"`) {
		t.Fatalf("log output = %s", out)
	}
}
