// Package tool holds the catalogue of functions the model may call and the
// dispatcher that executes a batch of model-requested calls.
//
// Tools come from two places: in-process Go handlers registered at start-up
// (see the persontool package) and tools imported from external Model Context
// Protocol servers via [ImportMCPServer]. Both are presented to the model
// through [Registry.Definitions] and executed through [Dispatcher.Dispatch].
//
// Registration happens only while the application starts. After that the
// registry is read-only and safe for concurrent use.
package tool

import (
	"context"
	"errors"

	"github.com/MrWong99/personchat/pkg/types"
)

// ErrDuplicateTool is returned by [Registry.Register] when a tool with the
// same name is already registered.
var ErrDuplicateTool = errors.New("tool: duplicate tool name")

// SourceBuiltin is the [Tool.Source] of in-process tools.
const SourceBuiltin = "builtin"

// Handler executes one tool call. args is the JSON object string produced by
// the model ("{}" for parameter-less tools). The returned string should be
// JSON; anything else is encoded as a JSON string by the dispatcher.
type Handler func(ctx context.Context, args string) (string, error)

// Tool is a single callable function.
type Tool struct {
	// Definition is what the model sees.
	Definition types.ToolDefinition

	// Handler runs the call.
	Handler Handler

	// Source names where the tool came from: [SourceBuiltin] or the name of
	// the MCP server it was imported from.
	Source string
}

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to reach an MCP server whose tools should be
// imported into a [Registry].
type ServerConfig struct {
	// Name identifies the server in logs and becomes the [Tool.Source] of
	// every imported tool.
	Name string

	Transport Transport

	// Command is the executable and its arguments for [TransportStdio].
	Command string

	// URL is the endpoint for [TransportStreamableHTTP].
	URL string

	// Token, when set, is sent as a Bearer token on streamable-http requests.
	Token string

	// Env holds extra environment variables for stdio subprocesses.
	Env map[string]string
}
