// Package types defines the shared types used across all personchat packages.
//
// These types form the lingua franca between the LLM providers, the tool
// dispatcher, the conversation orchestrator and the web layer. Each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "strings"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part is a single piece of message content. Messages usually carry one part;
// folded tool results carry the model's text and the serialised results as
// separate parts.
type Part struct {
	Text string `json:"text"`
}

// Message represents a single message in an LLM conversation history.
//
// Once appended to a conversation a Message is never modified.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Parts is the ordered content of the message.
	Parts []Part `json:"parts"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// NewMessage returns a message with a single text part.
func NewMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Text concatenates all parts of the message.
func (m Message) Text() string {
	switch len(m.Parts) {
	case 0:
		return ""
	case 1:
		return m.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = append([]Part(nil), m.Parts...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string `json:"id"`

	// Name is the tool/function name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string.
	Arguments string `json:"arguments,omitempty"`
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	// ToolCallID is the ID of the originating ToolCall.
	ToolCallID string `json:"tool_call_id"`

	// Name is the tool that was invoked.
	Name string `json:"name"`

	// Content is the result as JSON text. Failures are encoded as an object
	// with an "error" key.
	Content string `json:"result"`

	// IsError reports whether the call failed.
	IsError bool `json:"-"`
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool
}
