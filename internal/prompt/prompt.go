// ABOUTME: Renders a bounded window of prior conversation turns into one prompt string
// ABOUTME: The upstream engine is stateless, so continuity travels inside the text

package prompt

import (
	"strings"
)

// DefaultWindow is the number of prior messages kept (three exchanges).
const DefaultWindow = 6

// Message is one visible entry of the active conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NormalizeRole converts a role to its lower-case form, mapping "model" to "assistant".
func NormalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	switch r {
	case "model", "bot", "agent":
		return "assistant"
	case "":
		return "user"
	}
	return r
}

// label renders a role the way it appears in the prompt.
func label(role string) string {
	switch r := NormalizeRole(role); r {
	case "user":
		return "User"
	case "assistant":
		return "Assistant"
	default:
		return strings.ToUpper(r[:1]) + r[1:]
	}
}

// Build renders the last DefaultWindow prior messages followed by newMessage.
func Build(prior []Message, newMessage string) string {
	return BuildWindow(prior, newMessage, DefaultWindow)
}

// BuildWindow renders the last n prior messages as "Role: content" blocks
// separated by blank lines, then appends "User: newMessage". With no prior
// messages (or n <= 0) newMessage is returned unchanged. Older messages are
// dropped, never summarized.
func BuildWindow(prior []Message, newMessage string, n int) string {
	if len(prior) == 0 || n <= 0 {
		return newMessage
	}
	if len(prior) > n {
		prior = prior[len(prior)-n:]
	}

	var sb strings.Builder
	for _, m := range prior {
		sb.WriteString(label(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(newMessage)
	return sb.String()
}
