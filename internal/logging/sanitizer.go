package logging

import (
	"regexp"
	"sync"
)

const redacted = "[REDACTED]"

// rule replaces matches of re with repl. Rules that capture a prefix keep
// it, so "api_key=..." still shows which field was scrubbed.
type rule struct {
	re   *regexp.Regexp
	repl string
}

func whole(expr string) rule { return rule{re: regexp.MustCompile(expr), repl: redacted} }

func keepPrefix(expr string) rule {
	return rule{re: regexp.MustCompile(expr), repl: "${1}" + redacted}
}

// builtinRules cover the credentials this tool handles: model provider keys,
// the search key, the Sentry DSN and database URLs.
var builtinRules = []rule{
	whole(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	whole(`sk-(?:proj-)?[A-Za-z0-9_-]{20,}`),
	whole(`tvly-[A-Za-z0-9_-]{16,}`),
	whole(`[0-9a-f]{32}@[a-z0-9.-]*sentry\.io`),
	{re: regexp.MustCompile(`((?:postgres|postgresql|mysql)://[^:/@\s]+:)[^@\s]+@`), repl: "${1}" + redacted + "@"},
	keepPrefix(`(?i)(bearer\s+)[a-zA-Z0-9._-]{20,}`),
	keepPrefix(`(?i)(api[_-]?key["'\s:=]+)[a-zA-Z0-9_-]{20,}`),
	keepPrefix(`(?i)(secret["'\s:=]+)[a-zA-Z0-9_-]{20,}`),
	keepPrefix(`(?i)(password["'\s:=]+)[^\s"']{8,}`),
	keepPrefix(`(?i)(token["'\s:=]+)[a-zA-Z0-9_-]{20,}`),
}

// Sanitizer redacts credentials from log output and stored error text.
// It is safe for concurrent use.
type Sanitizer struct {
	mu    sync.RWMutex
	rules []rule
}

// NewSanitizer creates a sanitizer with the built-in rules.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{rules: append([]rule(nil), builtinRules...)}
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.re.MatchString(input) {
			input = r.re.ReplaceAllString(input, r.repl)
		}
	}
	return input
}

// AddPattern redacts every match of pattern in full.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = append(s.rules, rule{re: re, repl: redacted})
	s.mu.Unlock()
	return nil
}
