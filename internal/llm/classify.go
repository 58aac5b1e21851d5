package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// hintedError attaches a Retry-After wait to an SDK error.
type hintedError struct {
	error
	wait time.Duration
}

func (e *hintedError) Unwrap() error             { return e.error }
func (e *hintedError) RetryAfter() time.Duration { return e.wait }

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// ClassifyError maps a raw provider or transport error onto the domain
// taxonomy. Domain errors pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var de *core.DomainError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrTimeout("generation call timed out").WithCause(err)
	}

	if status, ok := statusCode(err); ok {
		return classifyStatus(status, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return core.ErrTimeout("network timeout").WithCause(err)
		}
		return core.ErrNetwork("network failure").WithCause(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return core.ErrNetwork("network failure").WithCause(err)
	}

	return classifyMessage(err)
}

func classifyStatus(status int, err error) error {
	return core.ErrFromStatus(status, fmt.Sprintf("provider returned %d", status)).WithCause(err)
}

// statusCode extracts an HTTP status from the SDK error types or any error
// exposing HTTPStatus.
func statusCode(err error) (int, bool) {
	if status, ok := anthropicStatus(err); ok {
		return status, true
	}
	if status, ok := openaiStatus(err); ok {
		return status, true
	}
	var coded interface{ HTTPStatus() int }
	if errors.As(err, &coded) {
		return coded.HTTPStatus(), true
	}
	return 0, false
}

// classifyMessage falls back to string heuristics for errors that carry no
// structured status.
func classifyMessage(err error) error {
	msg := err.Error()
	switch {
	case containsAny(msg, "rate limit", "too many requests", "quota exceeded"):
		return core.ErrRateLimit("provider rate limited").WithCause(err)
	case containsAny(msg, "timeout", "deadline exceeded"):
		return core.ErrTimeout("generation call timed out").WithCause(err)
	case containsAny(msg, "connection refused", "connection reset", "network unreachable",
		"no route to host", "temporary failure", "eof"):
		return core.ErrNetwork("network failure").WithCause(err)
	case containsAny(msg, "internal server error", "bad gateway", "service unavailable",
		"overloaded", "try again"):
		return core.ErrProvider(0, "provider unavailable").WithCause(err)
	default:
		return core.ErrExecution(core.CodeGenerationFailed, "generation failed").WithCause(err)
	}
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
