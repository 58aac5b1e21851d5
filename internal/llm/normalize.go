// Package llm adapts text-generation providers to the research workflows:
// conversation normalization, resilient completion and structured output.
package llm

import (
	"strings"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

const turnSeparator = "\n\n"

// Normalize rewrites a multi-actor conversation into the two-party shape
// providers accept. currentActor is the speaker the conversation is rendered
// for; when set, assistant turns from any other actor become user turns
// labelled with their speaker. The result has at most one leading system
// turn, alternating user/assistant turns starting with user, no blank turns
// and no actor names. The input slice is not modified.
func Normalize(msgs []core.Message, currentActor string) []core.Message {
	var system []string
	turns := make([]core.Message, 0, len(msgs))

	for _, m := range msgs {
		if m.IsBlank() {
			continue
		}
		switch m.Role {
		case core.RoleSystem:
			system = append(system, m.Content)
		case core.RoleAssistant:
			if currentActor != "" && m.Name != currentActor {
				turns = append(turns, core.UserMessage(label(m.Name)+m.Content))
			} else {
				turns = append(turns, core.Message{Role: core.RoleAssistant, Content: m.Content})
			}
		default:
			turns = append(turns, core.UserMessage(m.Content))
		}
	}

	out := make([]core.Message, 0, len(turns)+1)
	if len(system) > 0 {
		out = append(out, core.SystemMessage(strings.Join(system, turnSeparator)))
	}

	merged := mergeAdjacent(nil, turns)
	if len(merged) > 0 && merged[0].Role == core.RoleAssistant {
		merged[0] = core.UserMessage("[Answer] " + merged[0].Content)
	}
	out = append(out, mergeAdjacent(nil, merged)...)
	return out
}

// mergeAdjacent appends turns to dst, folding consecutive same-role turns
// into one.
func mergeAdjacent(dst, turns []core.Message) []core.Message {
	for _, m := range turns {
		if n := len(dst); n > 0 && dst[n-1].Role == m.Role {
			dst[n-1].Content += turnSeparator + m.Content
			continue
		}
		dst = append(dst, m)
	}
	return dst
}

func label(name string) string {
	if name == "" {
		return "[Assistant] "
	}
	return "[" + name + "] "
}

// SplitSystem separates the leading system turn of a normalized
// conversation from the dialogue.
func SplitSystem(msgs []core.Message) (string, []core.Message) {
	if len(msgs) > 0 && msgs[0].Role == core.RoleSystem {
		return msgs[0].Content, msgs[1:]
	}
	return "", msgs
}
