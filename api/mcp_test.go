package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scribe/config"
	"github.com/hazyhaar/scribe/job"
)

var testMCPImpl = &mcp.Implementation{Name: "scribe-test", Version: "0.1.0"}

func mcpSession(t *testing.T, e *env) *mcp.ClientSession {
	t.Helper()
	srv := e.api.MCPServer()
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, error) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		return "", err
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, nil
}

func TestMCPTools(t *testing.T) {
	e := newEnv(t, 1)
	session := mcpSession(t, e)

	tools, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"scribe_job_status", "scribe_job_cancel", "scribe_job_retry", "scribe_set_concurrency"} {
		if !names[want] {
			t.Fatalf("tool %s not registered (have %v)", want, names)
		}
	}

	e.writeArtifact(t, "a.wav")
	var snap job.Snapshot
	e.json(t, http.MethodPost, "/v1/jobs", submitJobRequest{Path: "a.wav"}, &snap)

	text, err := callTool(t, session, "scribe_job_status", map[string]any{"job_id": snap.ID})
	if err != nil {
		t.Fatal(err)
	}
	var got job.Snapshot
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != snap.ID || got.Status != job.Processing {
		t.Fatalf("status = %+v", got)
	}

	if _, err := callTool(t, session, "scribe_job_cancel", map[string]any{"job_id": snap.ID}); err != nil {
		t.Fatal(err)
	}
	e.waitStatus(t, snap.ID, job.Cancelled)

	text, err = callTool(t, session, "scribe_job_retry", map[string]any{"job_id": snap.ID})
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatal(err)
	}
	if got.RetryOf != snap.ID {
		t.Fatalf("retry = %+v", got)
	}

	if _, err := callTool(t, session, "scribe_job_status", map[string]any{"job_id": "nope"}); err == nil {
		t.Fatal("status of unknown job should be a tool error")
	}
}

func TestMCPSetConcurrency(t *testing.T) {
	e := newEnv(t, 1)
	session := mcpSession(t, e)

	if _, err := callTool(t, session, "scribe_set_concurrency", map[string]any{"concurrency": 0}); err == nil ||
		!strings.Contains(err.Error(), "at least 1") {
		t.Fatalf("concurrency 0: %v", err)
	}
	if _, err := callTool(t, session, "scribe_set_concurrency", map[string]any{"concurrency": 3}); err != nil {
		t.Fatal(err)
	}
	if n := e.orch.Backend().Concurrency(); n != 3 {
		t.Fatalf("backend concurrency = %d, want 3", n)
	}
	v, ok, err := e.settings.Get(context.Background(), config.KeyConcurrency)
	if err != nil || !ok || v != "3" {
		t.Fatalf("persisted = %q %v %v", v, ok, err)
	}
}
