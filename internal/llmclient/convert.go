package llmclient

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// turn is a run of consecutive conversation messages by the same author.
// Providers reject consecutive user turns, so perceptions and notes that
// follow each other are merged.
type turn struct {
	role  schemas.Role
	parts []schemas.Part
}

// splitConversation separates the system text from the dialogue and merges
// adjacent messages of the same role.
func splitConversation(messages []schemas.Message) (system []schemas.Part, turns []turn) {
	for _, m := range messages {
		if m.Role == schemas.RoleSystem {
			system = append(system, m.Parts...)
			continue
		}
		role := m.Role
		if role == schemas.RoleTool {
			role = schemas.RoleUser
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].parts = append(turns[n-1].parts, m.Parts...)
			continue
		}
		turns = append(turns, turn{role: role, parts: append([]schemas.Part(nil), m.Parts...)})
	}
	return system, turns
}

// partText renders the non-image parts as the text a provider sees.
func partText(p schemas.Part) (string, bool) {
	switch p.Kind {
	case schemas.PartText:
		return p.Text, p.Text != ""
	case schemas.PartThinking:
		if p.Text == "" {
			return "", false
		}
		return "<thinking>" + p.Text + "</thinking>", true
	case schemas.PartToolResult:
		if p.ToolResult == nil {
			return "", false
		}
		return toolResultText(*p.ToolResult), true
	}
	return "", false
}

func toolResultText(r schemas.ToolResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<tool_result action=%q>", r.Action)
	if r.Error != "" {
		b.WriteString("error: ")
		b.WriteString(r.Error)
	} else {
		b.WriteString(r.Content)
	}
	b.WriteString("</tool_result>")
	return b.String()
}

// systemText joins the system parts into one instruction.
func systemText(parts []schemas.Part) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if t, ok := partText(p); ok {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}
