package kit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}
	want := "a_before,b_before,endpoint,b_after,a_after"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) { return nil, errFail }

	_, err := Chain(Logging(nil, "test"))(base)(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestEnsureRequestID(t *testing.T) {
	var seen []string
	ep := Chain(EnsureRequestID(func() string { return "req_new" }))(func(ctx context.Context, _ any) (any, error) {
		seen = append(seen, RequestID(ctx))
		return nil, nil
	})
	ep(context.Background(), nil)
	ep(WithRequestID(context.Background(), "req_http"), nil)
	if strings.Join(seen, ",") != "req_new,req_http" {
		t.Fatalf("request ids = %v", seen)
	}
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()
	if Owner(ctx) != "" || RequestID(ctx) != "" || JobID(ctx) != "" {
		t.Fatal("expected empty defaults")
	}
	if Transport(ctx) != "http" {
		t.Fatalf("transport = %q, want http", Transport(ctx))
	}
	ctx = WithOwner(WithJobID(ctx, "job_1"), "u1")
	if Owner(ctx) != "u1" || JobID(ctx) != "job_1" {
		t.Fatal("values not stored")
	}
}

type echoReq struct {
	Text string `json:"text"`
}

func TestRegisterMCPTool(t *testing.T) {
	impl := &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)

	var transport string
	RegisterMCPTool(srv, &mcp.Tool{
		Name:        "echo",
		Description: "echo text",
		InputSchema: InputSchema(map[string]any{"text": map[string]any{"type": "string"}}, "text"),
	}, func(ctx context.Context, req any) (any, error) {
		transport = Transport(ctx)
		r := req.(*echoReq)
		if r.Text == "boom" {
			return nil, errors.New("boom")
		}
		return map[string]string{"echo": r.Text}, nil
	}, DecodeJSON[echoReq]())

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok || tc.Text != `{"echo":"hi"}` {
		t.Fatalf("content = %#v", res.Content[0])
	}
	if transport != "mcp" {
		t.Fatalf("transport = %q, want mcp", transport)
	}

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "boom"}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error")
	}
}

func TestAttrs(t *testing.T) {
	ctx := WithRequestID(WithTransport(context.Background(), "mcp"), "req_1")
	got := Attrs(ctx)
	want := []any{"transport", "mcp", "request_id", "req_1"}
	if len(got) != len(want) {
		t.Fatalf("Attrs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Attrs = %v, want %v", got, want)
		}
	}
}

type scopedReq struct {
	ID string `json:"id"`
}

func (r *scopedReq) ScopeJobID() string { return r.ID }

func TestDecodeJSONJobScope(t *testing.T) {
	req := &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: []byte(`{"id":"job_9"}`)}}
	res, err := DecodeJSON[scopedReq]()(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.EnrichCtx == nil {
		t.Fatal("job-scoped request should enrich the context")
	}
	if id := JobID(res.EnrichCtx(context.Background())); id != "job_9" {
		t.Fatalf("job id = %q", id)
	}

	res, err = DecodeJSON[echoReq]()(&mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: []byte(`{"text":"x"}`)}})
	if err != nil || res.EnrichCtx != nil {
		t.Fatalf("plain request: %v, enrich=%v", err, res.EnrichCtx != nil)
	}
}
