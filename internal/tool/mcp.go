package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/personchat/pkg/types"
)

// clientImpl identifies this application to MCP servers.
var clientImpl = &mcpsdk.Implementation{Name: "personchat", Version: "1.0.0"}

// ImportMCPServer connects to the MCP server described by cfg, lists its
// tools and registers each one in reg. Calls to an imported tool are
// forwarded to the server over the same session.
//
// The returned closer ends the session; call it on shutdown. If any tool name
// collides with an already registered tool, nothing is registered and the
// session is closed.
func ImportMCPServer(ctx context.Context, reg *Registry, cfg ServerConfig) (io.Closer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool: mcp server config must have a non-empty name")
	}
	transport, err := newTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return importFrom(ctx, reg, cfg.Name, transport)
}

// newTransport builds the SDK transport for cfg.
func newTransport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("tool: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("tool: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			t.HTTPClient = &http.Client{Transport: &bearerTransport{token: cfg.Token, base: http.DefaultTransport}}
		}
		return t, nil

	default:
		return nil, fmt.Errorf("tool: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
}

// importFrom connects over transport and registers the discovered tools.
func importFrom(ctx context.Context, reg *Registry, serverName string, transport mcpsdk.Transport) (io.Closer, error) {
	client := mcpsdk.NewClient(clientImpl, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("tool: connect to mcp server %q: %w", serverName, err)
	}

	var discovered []*mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("tool: list tools of mcp server %q: %w", serverName, err)
		}
		discovered = append(discovered, t)
	}

	for _, t := range discovered {
		if _, taken := reg.Lookup(t.Name); taken {
			_ = session.Close()
			return nil, fmt.Errorf("%w: %q from mcp server %q", ErrDuplicateTool, t.Name, serverName)
		}
	}

	for _, t := range discovered {
		err := reg.Register(Tool{
			Definition: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			Handler: sessionHandler(session, t.Name),
			Source:  serverName,
		})
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("tool: import %q from mcp server %q: %w", t.Name, serverName, err)
		}
	}

	slog.Info("imported mcp tools", "server", serverName, "tools", len(discovered))
	return session, nil
}

// sessionHandler returns a [Handler] that forwards calls to name on session.
// An application-level error reported by the server becomes a Go error so
// the dispatcher wraps it like any other failure.
func sessionHandler(session *mcpsdk.ClientSession, name string) Handler {
	return func(ctx context.Context, args string) (string, error) {
		var argsMap map[string]any
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
				return "", fmt.Errorf("invalid arguments for %q: %w", name, err)
			}
		}

		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: argsMap})
		if err != nil {
			return "", fmt.Errorf("call %q: %w", name, err)
		}

		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return "", errors.New(sb.String())
		}
		return sb.String(), nil
	}
}

// bearerTransport adds a static Authorization header to every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (b *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(req)
}

// schemaToMap converts an SDK input schema to the generic map form used in
// [types.ToolDefinition.Parameters].
func schemaToMap(schema any) map[string]any {
	fallback := map[string]any{"type": "object"}
	if schema == nil {
		return fallback
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	return m
}

// splitCommand splits "/bin/foo --bar baz" into ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
