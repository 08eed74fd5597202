// Package prompt assembles the text handed to a task runner, optionally
// folding recent chat history into group-context runs.
package prompt

import (
	"fmt"
	"strings"

	"github.com/linkerlin/clawsched/internal/types"
)

// EscapeXML replaces XML special characters in s.
func EscapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}

// History converts chat messages into the XML-like block a runner receives as
// conversation context.
func History(messages []types.NewMessage) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<messages>\n")
	for _, m := range messages {
		role := "user"
		if m.IsBotMessage {
			role = "assistant"
		}
		fmt.Fprintf(&sb, "  <message role=%q sender=%q timestamp=%q>\n    %s\n  </message>\n",
			role, EscapeXML(m.SenderName), EscapeXML(m.Timestamp), EscapeXML(m.Content))
	}
	sb.WriteString("</messages>")
	return sb.String()
}

// ForTask builds the runner input for one task execution. Isolated tasks get
// the bare prompt; group-context tasks get recent history prepended.
func ForTask(task types.ScheduledTask, history []types.NewMessage) string {
	if task.ContextMode != types.ContextGroup || len(history) == 0 {
		return task.Prompt
	}
	return History(history) + "\n\n" + task.Prompt
}

// CleanResponse trims a raw runner response for delivery to the chat.
func CleanResponse(raw string) string {
	return strings.TrimSpace(raw)
}
