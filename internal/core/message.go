package core

import "strings"

// Role is the transport role of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged turn. Name carries the logical actor
// (analyst, expert, ...) and is stripped before a provider sees it.
type Message struct {
	Role    Role   `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// SystemMessage builds a system turn.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant turn attributed to name.
func AssistantMessage(name, content string) Message {
	return Message{Role: RoleAssistant, Name: name, Content: content}
}

// IsBlank reports whether the turn carries no visible content.
func (m Message) IsBlank() bool {
	return strings.TrimSpace(m.Content) == ""
}

// BufferString renders a conversation as "Human: ..." / "AI: ..." lines.
func BufferString(msgs []Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var label string
		switch m.Role {
		case RoleSystem:
			label = "System"
		case RoleUser:
			label = "Human"
		default:
			label = "AI"
		}
		lines = append(lines, label+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

// CountByName returns the number of assistant turns attributed to name.
func CountByName(msgs []Message, name string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == RoleAssistant && m.Name == name {
			n++
		}
	}
	return n
}

// LastByName returns the most recent turn attributed to name.
func LastByName(msgs []Message, name string) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Name == name {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// CloneMessages returns an independent copy of msgs.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
