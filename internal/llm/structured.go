package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// Strategy names the decoding step that recovered a structured payload.
type Strategy string

const (
	StrategyStrict   Strategy = "strict"
	StrategyFenced   Strategy = "fenced"
	StrategyBalanced Strategy = "balanced"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// DecodeStructured decodes raw model output into v. It tries the whole text
// as JSON, then the first fenced code block, then each balanced {...}
// substring in order. The returned strategy names the step that succeeded.
func DecodeStructured(raw string, v any) (Strategy, error) {
	var attempts []string

	text := strings.TrimSpace(raw)
	if text == "" {
		return "", core.ErrParse("empty model output")
	}

	err := json.Unmarshal([]byte(text), v)
	if err == nil {
		return StrategyStrict, nil
	}
	attempts = append(attempts, fmt.Sprintf("%s: %v", StrategyStrict, err))

	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), v)
		if err == nil {
			return StrategyFenced, nil
		}
		attempts = append(attempts, fmt.Sprintf("%s: %v", StrategyFenced, err))
	} else {
		attempts = append(attempts, fmt.Sprintf("%s: no fenced block", StrategyFenced))
	}

	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchBrace(text, start)
		if end < 0 {
			attempts = append(attempts, fmt.Sprintf("%s: unbalanced braces", StrategyBalanced))
			break
		}
		err := json.Unmarshal([]byte(text[start:end+1]), v)
		if err == nil {
			return StrategyBalanced, nil
		}
		attempts = append(attempts, fmt.Sprintf("%s@%d: %v", StrategyBalanced, start, err))

		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	return "", core.ErrParse("model output did not contain the expected JSON object").
		WithDetail("attempts", attempts).
		WithDetail("output", core.TruncateMessage(text, 200))
}

// matchBrace returns the index of the brace closing the one at start,
// ignoring braces inside JSON strings, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// SchemaInstruction renders the output contract appended to structured
// requests, using example as the shape.
func SchemaInstruction(example any) string {
	shape, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		shape = []byte("{}")
	}
	return "Respond with a single JSON object with exactly this structure:\n" +
		string(shape) +
		"\nDo not include any text before or after the JSON object."
}

// StructuredComplete asks g for a JSON object shaped like example and
// decodes the answer into a new T.
func StructuredComplete[T any](ctx context.Context, g core.Generator, msgs []core.Message, example T, opts ...core.CompleteOption) (T, Strategy, error) {
	var out T
	req := append(core.CloneMessages(msgs), core.SystemMessage(SchemaInstruction(example)))

	raw, err := g.Complete(ctx, req, opts...)
	if err != nil {
		return out, "", err
	}
	strategy, err := DecodeStructured(raw, &out)
	return out, strategy, err
}
