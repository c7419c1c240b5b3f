package mcp

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/wricardo/mcp-pool/pool/service"
)

type call struct {
	operation string
	args      map[string]any
}

// fakeService records forwarded calls.
type fakeService struct {
	mu     sync.Mutex
	calls  []call
	status *service.Status
}

func (f *fakeService) SessionID() string { return "session-test" }

func (f *fakeService) Call(ctx context.Context, operation string, args map[string]any) *mcp.CallToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{operation, args})
	if operation == "browser_close" {
		return mcp.NewToolResultError("Error calling browser_close: no page open")
	}
	return mcp.NewToolResultText("ok: " + operation)
}

func (f *fakeService) Status(ctx context.Context) *service.Status { return f.status }

func (f *fakeService) ListWorkers(ctx context.Context) []service.WorkerInfo { return f.status.Workers }

func (f *fakeService) KillWorker(ctx context.Context, port int) error { return nil }

func (f *fakeService) Shutdown() error { return nil }

func newTestClient(t *testing.T, svc service.PoolService) *client.Client {
	t.Helper()

	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog failed: %v", err)
	}
	srv, err := NewServer(svc, catalog, "mcp-pool", "test")
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	c, err := client.NewInProcessClient(srv.GetMCPServer())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func callTool(t *testing.T, c *client.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("CallTool(%s) failed: %v", name, err)
	}
	return result
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func TestServer_ListTools(t *testing.T) {
	c := newTestClient(t, &fakeService{})

	tools, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}

	catalog, _ := DefaultCatalog()
	if len(tools.Tools) != len(catalog.Tools)+1 {
		t.Errorf("Expected %d tools, got %d", len(catalog.Tools)+1, len(tools.Tools))
	}

	found := map[string]bool{}
	for _, tool := range tools.Tools {
		found[tool.Name] = true
	}
	if !found[StatusToolName] || !found["browser_navigate"] {
		t.Errorf("Missing expected tools: %v", found)
	}
}

func TestServer_ForwardsCalls(t *testing.T) {
	svc := &fakeService{}
	c := newTestClient(t, svc)

	result := callTool(t, c, "browser_navigate", map[string]any{"url": "https://example.com"})
	if result.IsError {
		t.Fatalf("Unexpected error: %s", textOf(t, result))
	}
	if got := textOf(t, result); got != "ok: browser_navigate" {
		t.Errorf("Unexpected result: %q", got)
	}

	if len(svc.calls) != 1 || svc.calls[0].operation != "browser_navigate" {
		t.Fatalf("Expected one forwarded call, got %+v", svc.calls)
	}
	if svc.calls[0].args["url"] != "https://example.com" {
		t.Errorf("Arguments not passed through: %v", svc.calls[0].args)
	}

	t.Run("error results are returned as results", func(t *testing.T) {
		result := callTool(t, c, "browser_close", nil)
		if !result.IsError {
			t.Error("Expected error-flagged result")
		}
		if !strings.Contains(textOf(t, result), "no page open") {
			t.Errorf("Unexpected message: %q", textOf(t, result))
		}
	})
}

func TestServer_PoolStatus(t *testing.T) {
	svc := &fakeService{status: &service.Status{
		SessionID:    "session-test",
		HasWorker:    true,
		AssignedPort: 8931,
		MaxInstances: 10,
		LiveCount:    2,
		Workers: []service.WorkerInfo{
			{Port: 8931, SessionID: "session-test", PID: 101, State: "ready", IdleMinutes: 0, InFlight: 1},
			{Port: 8932, SessionID: "other", PID: 102, State: "ready", IdleMinutes: 12},
		},
	}}
	c := newTestClient(t, svc)

	text := textOf(t, callTool(t, c, StatusToolName, nil))

	for _, want := range []string{
		"Session: session-test",
		"Assigned worker: port 8931",
		"Workers: 2/10",
		"* port 8931",
		"in-flight 1",
		"idle 12m",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in status, got:\n%s", want, text)
		}
	}
	if len(svc.calls) != 0 {
		t.Error("pool_status should not be forwarded")
	}
}

func TestFormatStatus_NoWorker(t *testing.T) {
	text := FormatStatus(&service.Status{SessionID: "s", MaxInstances: 10})
	if !strings.Contains(text, "Assigned worker: none") || !strings.Contains(text, "Workers: 0/10") {
		t.Errorf("Unexpected status text:\n%s", text)
	}
}

func TestNewServer_InvalidSchema(t *testing.T) {
	catalog := &Catalog{Tools: []ToolSpec{{Name: "bad", InputSchema: map[string]any{"x": func() {}}}}}
	if _, err := NewServer(&fakeService{}, catalog, "mcp-pool", "test"); err == nil {
		t.Error("Expected error for unencodable schema")
	}
}
