package tool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/personchat/pkg/types"
)

// startTestServer runs an in-memory MCP server exposing "echo" and "fail"
// and returns the client side of the transport.
func startTestServer(t *testing.T) mcpsdk.Transport {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "test-server", Version: "test"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "echo",
		Description: "Echo input",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	}, func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var payload map[string]string
		if err := json.Unmarshal(req.Params.Arguments, &payload); err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: `{"echo":"` + payload["text"] + `"}`}},
		}, nil
	})
	server.AddTool(&mcpsdk.Tool{
		Name:        "fail",
		Description: "Always fails",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "backend unavailable"}},
			IsError: true,
		}, nil
	})

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	session, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close()
		cancel()
	})
	return clientTransport
}

func TestImportFrom_RegistersAndForwards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := NewRegistry()
	closer, err := importFrom(ctx, reg, "test", startTestServer(t))
	if err != nil {
		t.Fatalf("importFrom: %v", err)
	}
	defer closer.Close()

	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}
	echo, ok := reg.Lookup("echo")
	if !ok {
		t.Fatal("echo not registered")
	}
	if echo.Source != "test" {
		t.Errorf("Source = %q, want test", echo.Source)
	}
	if echo.Definition.Parameters["type"] != "object" {
		t.Errorf("Parameters = %v", echo.Definition.Parameters)
	}

	d := NewDispatcher(reg, WithMetrics(testMetrics(t)))
	results := d.Dispatch(ctx, []types.ToolCall{
		{ID: "1", Name: "echo", Arguments: `{"text":"hi"}`},
		{ID: "2", Name: "fail", Arguments: `{}`},
	})
	if results[0].IsError || results[0].Content != `{"echo":"hi"}` {
		t.Errorf("echo result = %+v", results[0])
	}
	if !results[1].IsError {
		t.Errorf("fail result should be an error: %+v", results[1])
	}
	if p := decodeError(t, results[1].Content); p.Error != "backend unavailable" {
		t.Errorf("fail error = %q", p.Error)
	}
}

func TestImportFrom_RejectsCollision(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_ = reg.Register(Tool{Definition: types.ToolDefinition{Name: "echo"}, Handler: okHandler("{}")})

	_, err := importFrom(context.Background(), reg, "test", startTestServer(t))
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("err = %v, want ErrDuplicateTool", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (nothing imported)", reg.Len())
	}
}

func TestNewTransport_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"stdio without command", ServerConfig{Name: "s", Transport: TransportStdio}},
		{"http without url", ServerConfig{Name: "s", Transport: TransportStreamableHTTP}},
		{"unknown transport", ServerConfig{Name: "s", Transport: "sse"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := newTransport(context.Background(), tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := ImportMCPServer(context.Background(), NewRegistry(), ServerConfig{Transport: TransportStdio, Command: "x"}); err == nil {
		t.Error("expected error for empty server name")
	}
}

func TestBearerTransport(t *testing.T) {
	t.Parallel()

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := &http.Client{Transport: &bearerTransport{token: "secret", base: http.DefaultTransport}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	exe, args := splitCommand("  /bin/foo --bar baz ")
	if exe != "/bin/foo" || len(args) != 2 || args[1] != "baz" {
		t.Errorf("splitCommand = %q %v", exe, args)
	}
	if exe, _ := splitCommand(""); exe != "" {
		t.Errorf("splitCommand(\"\") = %q", exe)
	}
}
