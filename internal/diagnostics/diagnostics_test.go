package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeSnapshot(t *testing.T) {
	s := TakeSnapshot()
	assert.Positive(t, s.Goroutines)
	assert.Positive(t, s.HeapAllocMB)
	assert.False(t, s.Timestamp.IsZero())
}

func TestResourceSnapshot_Warnings(t *testing.T) {
	assert.Empty(t, ResourceSnapshot{CPUCores: 4, Load1: 2, MemUsedPercent: 50}.Warnings())
	assert.Len(t, ResourceSnapshot{CPUCores: 2, Load1: 9, MemUsedPercent: 95}.Warnings(), 2)
	// Unknown host figures never warn.
	assert.Empty(t, ResourceSnapshot{Load1: 9}.Warnings())
}

func TestCrashDumpWriter_WriteCrashDump(t *testing.T) {
	dir := t.TempDir()
	w := NewCrashDumpWriter(dir, WithVersion("1.0.0"))
	w.SetCommand("deepresearch run", []string{"AI agents"})
	w.SetThread("thread-1")

	path, err := w.WriteCrashDump("boom")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var dump CrashDump
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Equal(t, "boom", dump.PanicValue)
	assert.Equal(t, "1.0.0", dump.Version)
	assert.Equal(t, "deepresearch run", dump.Command)
	assert.Equal(t, []string{"AI agents"}, dump.Args)
	assert.Equal(t, "thread-1", dump.ThreadID)
	assert.NotEmpty(t, dump.StackTrace)
	assert.Nil(t, dump.RedactedEnv)
}

func TestCrashDumpWriter_SanitizesPanicValue(t *testing.T) {
	w := NewCrashDumpWriter(t.TempDir())
	path, err := w.WriteCrashDump("request failed: key sk-ant-REDACTED")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "abcdefghijklmnopqrstuvwxyz0123456789")
}

func TestCrashDumpWriter_RedactsEnvironment(t *testing.T) {
	w := NewCrashDumpWriter(t.TempDir(), WithEnvironment())
	env := w.redactEnvironment([]string{
		"ANTHROPIC_API_KEY=sk-ant-secret",
		"DEEPRESEARCH_STATE_DSN=postgres://u:p@host/db",
		"HOME=/home/me",
		"MALFORMED",
	})

	assert.Equal(t, "[REDACTED]", env["ANTHROPIC_API_KEY"])
	assert.Equal(t, "[REDACTED]", env["DEEPRESEARCH_STATE_DSN"])
	assert.Equal(t, "/home/me", env["HOME"])
	assert.NotContains(t, env, "MALFORMED")
}

func TestCrashDumpWriter_PrunesOldDumps(t *testing.T) {
	dir := t.TempDir()
	for i := range 4 {
		name := fmt.Sprintf("crash-2020-01-0%dT00-00-00.000-1.json", i+1)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{}`), 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600))

	w := NewCrashDumpWriter(dir, WithMaxDumps(2))
	_, err := w.WriteCrashDump("boom")
	require.NoError(t, err)

	names, err := dumpFiles(dir)
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, "crash-2020-01-04T00-00-00.000-1.json", names[0])
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestCrashDumpWriter_Recover(t *testing.T) {
	dir := t.TempDir()
	w := NewCrashDumpWriter(dir)

	run := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = w.Recover(r)
			}
		}()
		panic("node exploded")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command panicked: node exploded")
	assert.Contains(t, err.Error(), dir)
}

func TestLoadLatestCrashDump(t *testing.T) {
	dir := t.TempDir()
	_, _, err := LoadLatestCrashDump(dir)
	require.ErrorIs(t, err, ErrNoCrashDumps)

	_, _, err = LoadLatestCrashDump(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, ErrNoCrashDumps)

	w := NewCrashDumpWriter(dir)
	_, err = w.WriteCrashDump("first")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crash-0000-old.json"), []byte(`{"panic_value":"ancient"}`), 0o600))

	dump, path, err := LoadLatestCrashDump(dir)
	require.NoError(t, err)
	assert.Equal(t, "first", dump.PanicValue)
	assert.Equal(t, dir, filepath.Dir(path))
}

func TestLoadLatestCrashDump_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crash-2020.json"), []byte(`{`), 0o600))

	_, _, err := LoadLatestCrashDump(dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCrashDumps)
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"http://localhost:11434/v1", true},
		{"http://127.0.0.1:8000/v1", true},
		{"http://[::1]:8000/v1", true},
		{"http://0.0.0.0:8000", true},
		{"https://api.openai.com/v1", false},
		{"https://10.0.0.5/v1", false},
		{"", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsLocalEndpoint(tt.url), tt.url)
	}
}

func TestGPUs_NamesAreNonEmpty(t *testing.T) {
	for _, name := range GPUs() {
		assert.NotEmpty(t, name)
	}
}
