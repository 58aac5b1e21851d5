package testutil

import (
	"flag"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var update = flag.Bool("update", false, "rewrite golden files")

// Golden compares rendered output with files under a testdata directory.
type Golden struct {
	t   *testing.T
	dir string
}

// NewGolden returns a helper rooted at dir, or "testdata" when dir is empty.
func NewGolden(t *testing.T, dir string) *Golden {
	if dir == "" {
		dir = "testdata"
	}
	return &Golden{t: t, dir: dir}
}

// AssertString compares actual with <name>.golden after Normalize. Run the
// tests with -update to rewrite the file.
func (g *Golden) AssertString(name, actual string) {
	g.t.Helper()

	path := filepath.Join(g.dir, name+".golden")
	actual = Normalize(actual)

	if *update {
		if err := os.MkdirAll(g.dir, 0o755); err != nil {
			g.t.Fatalf("creating golden directory: %v", err)
		}
		if err := os.WriteFile(path, []byte(actual+"\n"), 0o644); err != nil {
			g.t.Fatalf("writing golden file: %v", err)
		}
		g.t.Logf("updated golden file: %s", path)
		return
	}

	want, err := os.ReadFile(path)
	if err != nil {
		g.t.Fatalf("reading golden file %s: %v", path, err)
	}
	if expected := Normalize(string(want)); actual != expected {
		g.t.Errorf("output mismatch for %s:\n--- expected ---\n%s\n--- actual ---\n%s", name, expected, actual)
	}
}

// Normalize unifies line endings and drops trailing whitespace.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

var (
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}[^\s"]*`)
	durationRe  = regexp.MustCompile(`\b\d+(\.\d+)?(ns|us|µs|ms|s|m|h)+\b`)
	uuidRe      = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

// ScrubTimestamps replaces RFC 3339 and plain date-times.
func ScrubTimestamps(s string) string { return timestampRe.ReplaceAllString(s, "[TIMESTAMP]") }

// ScrubDurations replaces Go duration strings.
func ScrubDurations(s string) string { return durationRe.ReplaceAllString(s, "[DURATION]") }

// ScrubUUIDs replaces thread ids and other UUIDs.
func ScrubUUIDs(s string) string { return uuidRe.ReplaceAllString(s, "[UUID]") }

// ScrubAll applies every scrubber and normalizes the result.
func ScrubAll(s string) string {
	return Normalize(ScrubDurations(ScrubTimestamps(ScrubUUIDs(s))))
}
