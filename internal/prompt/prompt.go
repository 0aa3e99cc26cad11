// Package prompt flattens a chat history and a new utterance into the single
// prompt string handed to the agent CLI, which starts fresh on every turn.
package prompt

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageChars caps how much of each prior message is replayed.
	MaxMessageChars = 2000

	// TruncationMarker is appended to prior messages cut at MaxMessageChars.
	TruncationMarker = "...[truncated]"

	historyPreamble  = "Conversation history:\n\n"
	historyPostamble = "\n\nRespond to my latest message."
)

// Turn is one prior message as seen by the assembler.
type Turn struct {
	Role    string
	Content string
}

// Build returns the prompt for content given the prior turns. With no history
// the content is returned verbatim. Attachment paths, if any, are listed after
// the prompt body.
func Build(history []Turn, content string, attachments []string) string {
	var b strings.Builder

	if len(history) == 0 {
		b.WriteString(content)
	} else {
		b.WriteString(historyPreamble)
		b.WriteString(RenderHistory(history))
		b.WriteString("\n\n")
		b.WriteString(label("user"))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString(historyPostamble)
	}

	if len(attachments) > 0 {
		b.WriteString("\n\nAttached files:")
		for _, path := range attachments {
			b.WriteString("\n- ")
			b.WriteString(path)
		}
	}

	return b.String()
}

// RenderHistory renders prior turns as "<Label>: <content>" blocks separated
// by a blank line.
func RenderHistory(history []Turn) string {
	parts := make([]string, 0, len(history))
	for _, t := range history {
		parts = append(parts, label(t.Role)+": "+Truncate(t.Content))
	}
	return strings.Join(parts, "\n\n")
}

// Truncate cuts s to MaxMessageChars characters and marks the cut.
func Truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxMessageChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxMessageChars]) + TruncationMarker
}

func label(role string) string {
	switch role {
	case "user":
		return "Human"
	case "system":
		return "System"
	default:
		return "Assistant"
	}
}
