package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/config"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/metrics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/testutil"
)

const (
	introText      = "# Agents at work\n\n## Introduction\nWhy agents matter."
	bodyText       = "## Insights\nAgents plan and act [1].\n\n## Sources\n[1] https://example.com/agents"
	conclusionText = "## Conclusion\nAgents are here."
)

func script(t *testing.T) *testutil.ScriptedGenerator {
	t.Helper()
	panel := map[string][]core.Analyst{"analysts": {
		{Role: "Platform Engineer", Description: "Operating agents in production"},
		{Role: "Economist", Description: "Cost of agent adoption"},
	}}
	data, err := json.Marshal(panel)
	require.NoError(t, err)

	return testutil.NewScriptedGenerator().
		OnText(research.NodeCreateAnalysts, string(data)).
		OnText("search_query", `{"search_query": "agents"}`).
		OnText(research.NodeAskQuestion, "What changed this year?").
		OnText(research.NodeAnswerQuestion, "Tool use became reliable.").
		OnText(research.NodeWriteSection, "## Section\nTool use matured.").
		OnText(research.NodeWriteReport, bodyText).
		OnText(research.NodeWriteIntroduction, introText).
		OnText(research.NodeWriteConclusion, conclusionText)
}

// setup isolates the command in a temp project with a JSON state store
// and a scripted model.
func setup(t *testing.T, extra string) (string, *testutil.ScriptedGenerator) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DEEPRESEARCH_OUTPUT", "")
	t.Setenv("NO_COLOR", "1")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("TAVILY_API_KEY", "")

	yaml := fmt.Sprintf(`log:
  level: error
  file: %s
llm:
  api_key: test-key
retrieval:
  tavily:
    enabled: false
  wikipedia:
    enabled: false
workflow:
  node_base_delay: 1ms
  node_max_delay: 5ms
research:
  max_analysts: 2
state:
  backend: json
  path: %s
diagnostics:
  crash_dir: %s
%s`, filepath.Join(dir, "deepresearch.log"), filepath.Join(dir, "state"), filepath.Join(dir, "crash"), extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	gen := script(t)
	orig := newGenerator
	newGenerator = func(*config.Config, *logging.Logger, *metrics.Metrics) (core.Generator, error) {
		return gen, nil
	}
	t.Cleanup(func() { newGenerator = orig })
	return path, gen
}

func resetFlags() {
	cfgFile, logLevel, logFormat, outputFormat = "", "", "", ""
	noColor, quiet = false, false
	startAnalysts, startThread, startTemplateFile = 0, "", ""
	reportRaw, reportCopy, reportFile, reportInterview = false, false, "", -1
	runApprove = false
	initForce, initGlobal = false, false
	migrateStatus = false
	serveHost, servePort = "", 0
	exportOut, importConflict, importDryRun = "", "skip", false
	crash = nil
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := Execute()
	return stdout.String(), stderr.String(), err
}

func decodeRun(t *testing.T, out string) research.Run {
	t.Helper()
	var run research.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run), out)
	return run
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3", "abc", "today")
	t.Cleanup(func() { SetVersion("dev", "none", "unknown") })

	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "deepresearch 1.2.3")
	assert.Contains(t, out, "commit: abc")
	assert.Equal(t, "1.2.3", GetVersion())
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, _, err := execute(t, "", "init")
	require.NoError(t, err)
	assert.Contains(t, out, ".deepresearch.yaml")

	data, err := os.ReadFile(filepath.Join(dir, ".deepresearch.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfigYAML, string(data))

	_, _, err = execute(t, "", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = execute(t, "", "init", "--force")
	assert.NoError(t, err)
}

func TestLifecycle(t *testing.T) {
	cfgPath, gen := setup(t, "")
	base := []string{"--config", cfgPath, "--output", "json"}

	out, _, err := execute(t, "", append(base, "start", "--thread", "t1", "AI agents")...)
	require.NoError(t, err)
	run := decodeRun(t, out)
	assert.True(t, run.AwaitingFeedback)
	assert.Equal(t, core.ThreadID("t1"), run.ThreadID)
	require.Len(t, run.Analysts, 2)

	out, _, err = execute(t, "", append(base, "feedback", "t1", "add", "a", "historian")...)
	require.NoError(t, err)
	assert.True(t, decodeRun(t, out).AwaitingFeedback)
	calls := gen.CallsFor(research.NodeCreateAnalysts)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].System(), "add a historian")

	out, _, err = execute(t, "", append(base, "status", "t1")...)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusInterrupted, decodeRun(t, out).Status)

	out, _, err = execute(t, "", append(base, "proceed", "t1")...)
	require.NoError(t, err)
	run = decodeRun(t, out)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Sections)

	out, _, err = execute(t, "", "--config", cfgPath, "report", "t1", "--raw")
	require.NoError(t, err)
	assert.Equal(t, research.FinalizeReport(introText, bodyText, conclusionText), out)

	out, _, err = execute(t, "", "--config", cfgPath, "report", "t1", "--interview", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "# Interview: Economist")
	assert.Contains(t, out, "Human: So you said you were writing an article on AI agents?")

	out, _, err = execute(t, "", append(base, "list")...)
	require.NoError(t, err)
	var threads []core.ThreadSummary
	require.NoError(t, json.Unmarshal([]byte(out), &threads))
	require.Len(t, threads, 1)
	assert.Equal(t, core.ThreadID("t1"), threads[0].ThreadID)

	_, _, err = execute(t, "", append(base, "status", "1")...)
	require.Error(t, err)
	assert.Equal(t, core.ErrCatNotFound, core.GetCategory(err))
	assert.Contains(t, err.Error(), "did you mean t1?")

	_, _, err = execute(t, "", append(base, "status", "zzz")...)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "did you mean")

	// A completed run resumes to itself.
	out, _, err = execute(t, "", append(base, "resume", "t1")...)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, decodeRun(t, out).Status)
}

func TestReport_WriteFile(t *testing.T) {
	cfgPath, _ := setup(t, "")
	_, _, err := execute(t, "", "--config", cfgPath, "-o", "json", "run", "--yes", "--thread", "t1", "AI agents")
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "report.md")
	out, stderr, err := execute(t, "", "--config", cfgPath, "report", "t1", "--file", target)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Contains(t, stderr, "report written to")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "## Sources")
}

func TestRun_ReviewInPlainMode(t *testing.T) {
	cfgPath, gen := setup(t, "")

	out, stderr, err := execute(t, "more historians\n\n",
		"--config", cfgPath, "--output", "plain", "run", "--thread", "t2", "AI agents")
	require.NoError(t, err)

	assert.Contains(t, stderr, "Analyst panel: AI agents")
	assert.Contains(t, stderr, "research started: AI agents (2 analysts)")
	assert.Contains(t, stderr, "regenerating panel with feedback")
	assert.Contains(t, stderr, "thread t2 completed")
	assert.Equal(t, research.FinalizeReport(introText, bodyText, conclusionText), out)
	assert.Len(t, gen.CallsFor(research.NodeCreateAnalysts), 2)
}

func TestRun_ClosedInputLeavesRunPaused(t *testing.T) {
	cfgPath, _ := setup(t, "")

	out, _, err := execute(t, "", "--config", cfgPath, "--output", "plain", "--quiet", "run", "--thread", "t3", "AI agents")
	require.NoError(t, err)
	assert.Contains(t, out, "deepresearch proceed t3")

	out, _, err = execute(t, "", "--config", cfgPath, "-o", "json", "status", "t3")
	require.NoError(t, err)
	assert.True(t, decodeRun(t, out).AwaitingFeedback)
}

func TestCommandErrors(t *testing.T) {
	cfgPath, _ := setup(t, "")

	tests := []struct {
		name string
		args []string
		cat  core.ErrorCategory
	}{
		{"too many analysts", []string{"start", "-n", "11", "topic"}, core.ErrCatValidation},
		{"unknown thread", []string{"status", "missing"}, core.ErrCatNotFound},
		{"proceed unknown thread", []string{"proceed", "missing"}, core.ErrCatNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, "", append([]string{"--config", cfgPath}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, tt.cat, core.GetCategory(err))
		})
	}

	t.Run("report not ready", func(t *testing.T) {
		_, _, err := execute(t, "", "--config", cfgPath, "-o", "json", "start", "--thread", "t4", "topic")
		require.NoError(t, err)

		_, _, err = execute(t, "", "--config", cfgPath, "report", "t4")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not ready")
	})
}

func TestInvalidConfigRejected(t *testing.T) {
	cfgPath, _ := setup(t, "server:\n  port: 70000\n")

	_, _, err := execute(t, "", "--config", cfgPath, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestMigrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	cfgPath, _ := setup(t, "")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	patched := strings.Replace(string(data), "backend: json", "backend: sqlite", 1)
	patched = strings.Replace(patched, "path: "+filepath.Join(filepath.Dir(cfgPath), "state"), "path: "+dbPath, 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(patched), 0o600))

	out, _, err := execute(t, "", "--config", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Regexp(t, `^sqlite schema at version [1-9]\d*\n$`, out)
}

func TestDoctor(t *testing.T) {
	cfgPath, _ := setup(t, "")

	out, _, err := execute(t, "", "--config", cfgPath, "--output", "plain", "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ configuration: "+cfgPath)
	assert.Contains(t, out, "✓ model: anthropic")
	assert.Contains(t, out, "○ web search: disabled")
	assert.Contains(t, out, "✓ state store: json, 0 checkpointed threads")
	assert.Contains(t, out, "Ready to research.")
}

func TestDoctor_ReportsProblems(t *testing.T) {
	cfgPath, _ := setup(t, "")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath, []byte(strings.Replace(string(data), "api_key: test-key", "api_key: \"\"", 1)), 0o600))

	out, _, err := execute(t, "", "--config", cfgPath, "-o", "json", "doctor")
	require.Error(t, err)

	var report doctorReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	var model doctorCheck
	for _, c := range report.Checks {
		if c.Name == "model" {
			model = c
		}
	}
	assert.Equal(t, checkFailed, model.Status)
}

func TestDoctor_LocalModelHost(t *testing.T) {
	cfgPath, _ := setup(t, "")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	local := strings.Replace(string(data), "api_key: test-key", "api_key: test-key\n  base_url: http://localhost:11434/v1", 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(local), 0o600))

	out, _, err := execute(t, "", "--config", cfgPath, "-o", "json", "doctor")
	require.NoError(t, err)

	var report doctorReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	var host *doctorCheck
	for i := range report.Checks {
		if report.Checks[i].Name == "local model host" {
			host = &report.Checks[i]
		}
	}
	require.NotNil(t, host)
	assert.Contains(t, []string{checkOK, checkWarning}, host.Status)
}

func TestPanicWritesCrashDump(t *testing.T) {
	cfgPath, _ := setup(t, "")
	newGenerator = func(*config.Config, *logging.Logger, *metrics.Metrics) (core.Generator, error) {
		panic("generator exploded")
	}

	_, _, err := execute(t, "", "--config", cfgPath, "-o", "json", "start", "--thread", "t9", "topic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command panicked: generator exploded")

	dump, _, err := diagnostics.LoadLatestCrashDump(filepath.Join(filepath.Dir(cfgPath), "crash"))
	require.NoError(t, err)
	assert.Equal(t, "generator exploded", dump.PanicValue)
	assert.Equal(t, "deepresearch start", dump.Command)
	assert.Contains(t, dump.StackTrace, "panic")

	out, _, err := execute(t, "", "--config", cfgPath, "--output", "plain", "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "⚠ crash dumps: last crash")
}

func TestExportImport(t *testing.T) {
	cfgPath, _ := setup(t, "")
	_, _, err := execute(t, "", "--config", cfgPath, "-o", "json", "run", "--yes", "--thread", "t1", "AI agents")
	require.NoError(t, err)

	archive := filepath.Join(t.TempDir(), "runs.tar.gz")
	_, stderr, err := execute(t, "", "--config", cfgPath, "export", "t1", "--out", archive)
	require.NoError(t, err)
	assert.Contains(t, stderr, "exported 1 runs (3 checkpoints)")

	// A second project with its own store receives the run.
	other, _ := setup(t, "")
	out, _, err := execute(t, "", "--config", other, "--output", "plain", "import", archive, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run: 3 created, 0 overwritten, 0 skipped")

	out, _, err = execute(t, "", "--config", other, "--output", "plain", "import", archive)
	require.NoError(t, err)
	assert.Contains(t, out, "created     research/t1")

	out, _, err = execute(t, "", "--config", other, "report", "t1", "--raw")
	require.NoError(t, err)
	assert.Equal(t, research.FinalizeReport(introText, bodyText, conclusionText), out)

	out, _, err = execute(t, "", "--config", other, "--output", "plain", "import", archive)
	require.NoError(t, err)
	assert.Contains(t, out, "0 created, 0 overwritten, 3 skipped")

	_, _, err = execute(t, "", "--config", other, "import", archive, "--on-conflict", "fail")
	require.Error(t, err)
	assert.Equal(t, core.ErrCatConflict, core.GetCategory(err))
}
