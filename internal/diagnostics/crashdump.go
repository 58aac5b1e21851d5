package diagnostics

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

// DefaultCrashDir is where dumps go when no directory is configured.
const DefaultCrashDir = ".deepresearch/crashdumps"

const defaultMaxDumps = 10

// ErrNoCrashDumps is returned by LoadLatestCrashDump for an empty directory.
var ErrNoCrashDumps = errors.New("no crash dumps found")

// CrashDump is everything captured when a command panics.
type CrashDump struct {
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"process_id"`
	GoVersion string    `json:"go_version"`
	GOOS      string    `json:"goos"`
	GOARCH    string    `json:"goarch"`
	Version   string    `json:"version,omitempty"`

	PanicValue string `json:"panic_value"`
	StackTrace string `json:"stack_trace,omitempty"`

	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	WorkDir  string   `json:"work_dir,omitempty"`
	ThreadID string   `json:"thread_id,omitempty"`

	Resources   ResourceSnapshot  `json:"resources"`
	RedactedEnv map[string]string `json:"redacted_env,omitempty"`
}

// CrashDumpWriter persists crash dumps and prunes old ones.
type CrashDumpWriter struct {
	dir        string
	maxFiles   int
	version    string
	includeEnv bool
	logger     *logging.Logger

	command atomic.Value // string
	args    atomic.Value // []string
	thread  atomic.Value // string

	mu sync.Mutex
}

// CrashDumpOption configures a CrashDumpWriter.
type CrashDumpOption func(*CrashDumpWriter)

// WithMaxDumps caps the number of dumps kept on disk.
func WithMaxDumps(n int) CrashDumpOption {
	return func(w *CrashDumpWriter) {
		if n > 0 {
			w.maxFiles = n
		}
	}
}

// WithEnvironment includes the process environment, with secrets redacted.
func WithEnvironment() CrashDumpOption {
	return func(w *CrashDumpWriter) { w.includeEnv = true }
}

// WithVersion records the binary version in each dump.
func WithVersion(v string) CrashDumpOption {
	return func(w *CrashDumpWriter) { w.version = v }
}

// NewCrashDumpWriter creates a writer for dir.
func NewCrashDumpWriter(dir string, opts ...CrashDumpOption) *CrashDumpWriter {
	if dir == "" {
		dir = DefaultCrashDir
	}
	w := &CrashDumpWriter{
		dir:      dir,
		maxFiles: defaultMaxDumps,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.command.Store("")
	w.args.Store([]string(nil))
	w.thread.Store("")
	return w
}

// Dir returns the dump directory.
func (w *CrashDumpWriter) Dir() string { return w.dir }

// SetLogger sets where dump outcomes are logged. Its redaction patterns
// also scrub the dump. Call it before the writer is shared.
func (w *CrashDumpWriter) SetLogger(l *logging.Logger) {
	if l != nil {
		w.logger = l
	}
}

// SetCommand records the command being executed.
func (w *CrashDumpWriter) SetCommand(path string, args []string) {
	w.command.Store(path)
	w.args.Store(slices.Clone(args))
}

// SetThread records the research thread being worked on.
func (w *CrashDumpWriter) SetThread(thread string) {
	w.thread.Store(thread)
}

// WriteCrashDump captures the current state and writes it to a new file.
func (w *CrashDumpWriter) WriteCrashDump(panicValue any) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dump := CrashDump{
		Timestamp:  time.Now().UTC(),
		ProcessID:  os.Getpid(),
		GoVersion:  runtime.Version(),
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		Version:    w.version,
		PanicValue: w.logger.Sanitize(fmt.Sprint(panicValue)),
		StackTrace: string(debug.Stack()),
		Command:    w.command.Load().(string),
		Args:       w.args.Load().([]string),
		ThreadID:   w.thread.Load().(string),
		Resources:  TakeSnapshot(),
	}
	if wd, err := os.Getwd(); err == nil {
		dump.WorkDir = wd
	}
	if w.includeEnv {
		dump.RedactedEnv = w.redactEnvironment(os.Environ())
	}

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating crash dump dir: %w", err)
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling crash dump: %w", err)
	}
	name := fmt.Sprintf("crash-%s-%d.json", dump.Timestamp.Format("2006-01-02T15-04-05.000"), dump.ProcessID)
	path := filepath.Join(w.dir, name)
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing crash dump: %w", err)
	}

	if err := w.cleanupOldDumps(); err != nil {
		w.logger.Warn("pruning crash dumps", "dir", w.dir, "error", err)
	}
	return path, nil
}

// Recover writes a dump for a recovered panic value and returns the
// error that replaces the panic.
// Usage: defer func() { if r := recover(); r != nil { err = w.Recover(r) } }()
func (w *CrashDumpWriter) Recover(r any) error {
	path, err := w.WriteCrashDump(r)
	if err != nil {
		w.logger.Error("failed to write crash dump", "error", err, "panic", r)
		return fmt.Errorf("command panicked: %v", r)
	}
	w.logger.Error("crash dump written", "path", path, "panic", r)
	return fmt.Errorf("command panicked: %v (crash dump: %s)", r, path)
}

func isDumpName(name string) bool {
	return strings.HasPrefix(name, "crash-") && strings.HasSuffix(name, ".json")
}

// dumpFiles lists dump files oldest first. Names sort by timestamp.
func dumpFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isDumpName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func (w *CrashDumpWriter) cleanupOldDumps() error {
	names, err := dumpFiles(w.dir)
	if err != nil {
		return err
	}
	var errs []error
	for len(names) > w.maxFiles {
		if err := os.Remove(filepath.Join(w.dir, names[0])); err != nil {
			errs = append(errs, err)
		}
		names = names[1:]
	}
	return errors.Join(errs...)
}

var sensitiveKeyParts = []string{
	"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL", "AUTH", "PRIVATE", "DSN",
}

func (w *CrashDumpWriter) redactEnvironment(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(key)
		if slices.ContainsFunc(sensitiveKeyParts, func(p string) bool { return strings.Contains(upper, p) }) {
			out[key] = "[REDACTED]"
			continue
		}
		out[key] = w.logger.Sanitize(value)
	}
	return out
}

// LoadLatestCrashDump reads the newest dump in dir.
func LoadLatestCrashDump(dir string) (*CrashDump, string, error) {
	names, err := dumpFiles(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(names) == 0) {
		return nil, "", ErrNoCrashDumps
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading crash dump dir: %w", err)
	}

	name := names[len(names)-1]
	data, err := fsutil.ReadFileScoped(filepath.Join(dir, name))
	if err != nil {
		return nil, "", fmt.Errorf("reading crash dump: %w", err)
	}
	var dump CrashDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, "", fmt.Errorf("parsing crash dump %s: %w", name, err)
	}
	return &dump, filepath.Join(dir, name), nil
}
