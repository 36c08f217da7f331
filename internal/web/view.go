package web

import (
	"html"
	"html/template"
	"regexp"
	"strings"

	"github.com/MrWong99/personchat/internal/chat"
	"github.com/MrWong99/personchat/pkg/types"
)

var (
	boldPattern   = regexp.MustCompile(`\*\*(.*?)\*\*`)
	italicPattern = regexp.MustCompile(`\*(.*?)\*`)
)

// messageView is the presentation form of one history entry.
type messageView struct {
	Role   string        `json:"role"`
	Name   string        `json:"name"`
	Avatar string        `json:"avatar"`
	Text   string        `json:"text"`
	HTML   template.HTML `json:"html"`
}

// snapshotView is the body of GET /api/messages and of websocket pushes.
type snapshotView struct {
	Type     string        `json:"type,omitempty"`
	Messages []messageView `json:"messages"`
	Busy     bool          `json:"busy"`
}

// roleName returns the label shown above a message.
func roleName(role string) string {
	switch role {
	case types.RoleUser:
		return "You"
	case types.RoleAssistant:
		return "Model"
	case types.RoleTool:
		return "Tool"
	case types.RoleSystem:
		return "System"
	default:
		return role
	}
}

func roleAvatar(role string) string {
	switch role {
	case types.RoleUser:
		return "👤"
	case types.RoleAssistant:
		return "🤖"
	case types.RoleTool:
		return "🔧"
	default:
		return "⚙️"
	}
}

// FormatMessage renders message parts as HTML. Each part is escaped, then
// newlines become <br>, **x** becomes <strong>x</strong> and *x* becomes
// <em>x</em>. Parts are concatenated without a separator.
func FormatMessage(parts []types.Part) template.HTML {
	var b strings.Builder
	for _, p := range parts {
		s := html.EscapeString(p.Text)
		s = strings.ReplaceAll(s, "\n", "<br>")
		s = boldPattern.ReplaceAllString(s, "<strong>$1</strong>")
		s = italicPattern.ReplaceAllString(s, "<em>$1</em>")
		b.WriteString(s)
	}
	return template.HTML(b.String())
}

// viewOf converts a history entry. An assistant message that only carries
// tool calls is shown as the list of calls.
func viewOf(m types.Message) messageView {
	parts := m.Parts
	if len(parts) == 0 && len(m.ToolCalls) > 0 {
		names := make([]string, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			names[i] = "*" + tc.Name + "*"
		}
		parts = []types.Part{{Text: "Calling " + strings.Join(names, ", ")}}
	}
	return messageView{
		Role:   m.Role,
		Name:   roleName(m.Role),
		Avatar: roleAvatar(m.Role),
		Text:   types.Message{Parts: parts}.Text(),
		HTML:   FormatMessage(parts),
	}
}

func viewOfSnapshot(s chat.Snapshot) snapshotView {
	msgs := make([]messageView, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Role == types.RoleSystem {
			continue
		}
		msgs = append(msgs, viewOf(m))
	}
	return snapshotView{Messages: msgs, Busy: s.Busy}
}
