package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scribe/config"
	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/kit"
	"github.com/hazyhaar/scribe/orchestrator"
)

type jobIDReq struct {
	JobID string `json:"job_id"`
}

func (r *jobIDReq) ScopeJobID() string { return r.JobID }

type concurrencyReq struct {
	Concurrency int `json:"concurrency"`
}

// MCPServer returns an MCP server carrying the scribe tools.
func (s *Server) MCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "scribe", Version: s.version}, nil)
	s.RegisterMCP(srv)
	return srv
}

// RegisterMCP adds the scribe tools to srv.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	jobID := kit.InputSchema(map[string]any{
		"job_id": map[string]any{"type": "string", "description": "Job identifier"},
	}, "job_id")

	s.tool(srv, &mcp.Tool{
		Name:        "scribe_job_status",
		Description: "Return the current status snapshot of a transcription job.",
		InputSchema: jobID,
	}, kit.DecodeJSON[jobIDReq](), func(ctx context.Context, req any) (any, error) {
		r := req.(*jobIDReq)
		return s.jobs.GetJobStatus(ctx, r.JobID)
	})

	s.tool(srv, &mcp.Tool{
		Name:        "scribe_job_cancel",
		Description: "Cancel a transcription job. Queued jobs are cancelled at once; running jobs are cancelled once the engine stops.",
		InputSchema: jobID,
	}, kit.DecodeJSON[jobIDReq](), func(ctx context.Context, req any) (any, error) {
		r := req.(*jobIDReq)
		return s.jobs.CancelJob(ctx, r.JobID)
	})

	s.tool(srv, &mcp.Tool{
		Name:        "scribe_job_retry",
		Description: "Create a new attempt of a failed or cancelled job with the same artifact and parameters.",
		InputSchema: jobID,
	}, kit.DecodeJSON[jobIDReq](), func(ctx context.Context, req any) (any, error) {
		r := req.(*jobIDReq)
		snap, err := s.jobs.RetryJob(ctx, r.JobID)
		if err != nil && !(errors.Is(err, execution.ErrRejectedCapacity) && snap.ID != "") {
			return nil, err
		}
		return snap, nil
	})

	s.tool(srv, &mcp.Tool{
		Name:        "scribe_set_concurrency",
		Description: "Change how many jobs may run at once. Running jobs are not affected.",
		InputSchema: kit.InputSchema(map[string]any{
			"concurrency": map[string]any{"type": "integer", "description": "New limit, at least 1"},
		}, "concurrency"),
	}, kit.DecodeJSON[concurrencyReq](), func(ctx context.Context, req any) (any, error) {
		r := req.(*concurrencyReq)
		if r.Concurrency < 1 {
			return nil, fmt.Errorf("%w: concurrency must be at least 1", orchestrator.ErrInvalid)
		}
		if s.settings != nil {
			if err := s.settings.Set(ctx, config.KeyConcurrency, strconv.Itoa(r.Concurrency)); err != nil {
				return nil, err
			}
		}
		if err := s.jobs.SetConcurrency(r.Concurrency); err != nil {
			return nil, err
		}
		return map[string]int{"concurrency": r.Concurrency}, nil
	})
}

func (s *Server) tool(srv *mcp.Server, t *mcp.Tool, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error), ep kit.Endpoint) {
	mw := kit.Chain(kit.EnsureRequestID(newRequestID), kit.Logging(s.logger, t.Name))
	kit.RegisterMCPTool(srv, t, mw(ep), decode)
}
