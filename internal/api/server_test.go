package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/events"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/metrics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/testutil"
)

const testPanel = `{"analysts": [
	{"role": "Policy Analyst", "description": "regulation"},
	{"role": "Systems Engineer", "description": "architecture"},
	{"role": "Economist", "description": "labour markets"}
]}`

func scriptedModel() *testutil.ScriptedGenerator {
	return testutil.NewScriptedGenerator().
		OnText(research.NodeCreateAnalysts, testPanel).
		OnText("search_query", `{"search_query": "agents"}`).
		OnText(research.NodeAskQuestion, "How do agents plan?").
		OnText(research.NodeAnswerQuestion, "They decompose goals [1].").
		OnText(research.NodeWriteSection, "## Planning\nGoals are decomposed [1].").
		OnText(research.NodeWriteReport, "## Insights\nAgents plan [1].\n## Sources\n[1] https://example.com").
		OnText(research.NodeWriteIntroduction, "# Agents\n\n## Introduction\nIntro.").
		OnText(research.NodeWriteConclusion, "## Conclusion\nDone.")
}

type testServer struct {
	*Server
	gen *testutil.ScriptedGenerator
	bus *events.EventBus
}

func newTestServer(t *testing.T, gen *testutil.ScriptedGenerator) *testServer {
	t.Helper()
	bus := events.New(128)
	t.Cleanup(bus.Close)
	m := metrics.New(prometheus.NewRegistry())

	agent, err := research.New(research.Deps{
		Generator: gen,
		Web:       testutil.StaticRetriever("web", []core.Document{{Content: "agents plan", URL: "https://example.com"}}),
		Store:     state.NewMemoryStore(),
		Metrics:   m,
		Events:    bus,
	}, research.Config{NodeBaseDelay: time.Millisecond, NodeMaxDelay: time.Millisecond})
	require.NoError(t, err)

	srv := NewServer(agent, bus, WithMetrics(m))
	t.Cleanup(srv.Wait)
	return &testServer{Server: srv, gen: gen, bus: bus}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, scriptedModel())
	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestResearchLifecycle_Synchronous(t *testing.T) {
	ts := newTestServer(t, scriptedModel())

	rec := ts.do(t, http.MethodPost, "/api/v1/research?wait=true",
		`{"topic": "Future of AI Agents", "max_analysts": 2, "thread_id": "t-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[research.Run](t, rec)
	assert.Equal(t, core.RunStatusInterrupted, run.Status)
	assert.True(t, run.AwaitingFeedback)
	require.Len(t, run.Analysts, 2)
	assert.Equal(t, "Policy Analyst", run.Analysts[0].Role)

	rec = ts.do(t, http.MethodGet, "/api/v1/research/t-1/report", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "REPORT_NOT_READY")

	rec = ts.do(t, http.MethodPost, "/api/v1/research/t-1/feedback?wait=true", `{"feedback": "Add a security analyst"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run = decode[research.Run](t, rec)
	assert.True(t, run.AwaitingFeedback)
	creates := ts.gen.CallsFor(research.NodeCreateAnalysts)
	require.Len(t, creates, 2)
	assert.Contains(t, creates[1].System(), "Add a security analyst")

	rec = ts.do(t, http.MethodPost, "/api/v1/research/t-1/proceed?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run = decode[research.Run](t, rec)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Sections)
	assert.Contains(t, run.FinalReport, research.ReportSeparator)

	rec = ts.do(t, http.MethodGet, "/api/v1/research/t-1/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, run.FinalReport, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/research/t-1/report?format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ReportResponse](t, rec)
	assert.Equal(t, "Future of AI Agents", report.Topic)
	assert.Equal(t, run.FinalReport, report.Report)

	rec = ts.do(t, http.MethodGet, "/api/v1/research/t-1/interviews/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	iv := decode[core.InterviewState](t, rec)
	assert.Equal(t, "Systems Engineer", iv.Analyst.Role)
	assert.NotEmpty(t, iv.Interview)

	rec = ts.do(t, http.MethodGet, "/api/v1/research", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]core.ThreadSummary](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "Future of AI Agents", list[0].Topic)

	// A finished run is no longer awaiting feedback.
	rec = ts.do(t, http.MethodPost, "/api/v1/research/t-1/proceed?wait=true", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), core.CodeNotInterrupted)

	rec = ts.do(t, http.MethodPost, "/api/v1/research/t-1/resume?wait=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `deepresearch_runs_total{status="completed"} 1`)
	assert.Contains(t, rec.Body.String(), "deepresearch_http_requests_total")
}

func TestResearchLifecycle_Background(t *testing.T) {
	ts := newTestServer(t, scriptedModel())

	rec := ts.do(t, http.MethodPost, "/api/v1/research", `{"topic": "Agents"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decode[AcceptedResponse](t, rec)
	require.NotEmpty(t, accepted.ThreadID)
	assert.Equal(t, "/api/v1/research/"+accepted.ThreadID+"/events", accepted.Events)

	waitForRun(t, ts, accepted.ThreadID, func(r research.Run) bool { return r.AwaitingFeedback })

	rec = ts.do(t, http.MethodPost, "/api/v1/research/"+accepted.ThreadID+"/feedback", `{"feedback": ""}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	run := waitForRun(t, ts, accepted.ThreadID, func(r research.Run) bool { return r.Status == core.RunStatusCompleted })
	assert.Equal(t, core.DefaultMaxAnalysts, run.Sections)
}

func waitForRun(t *testing.T, ts *testServer, thread string, done func(research.Run) bool) research.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := ts.do(t, http.MethodGet, "/api/v1/research/"+thread, "")
		if rec.Code == http.StatusOK {
			run := decode[research.Run](t, rec)
			if done(run) && !ts.runner.busy(core.ThreadID(thread)) {
				return run
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach the expected state", thread)
	return research.Run{}
}

func TestStartRun_Validation(t *testing.T) {
	ts := newTestServer(t, scriptedModel())

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "empty topic", body: `{"topic": " "}`, wantCode: http.StatusUnprocessableEntity, wantErr: core.CodeEmptyTopic},
		{name: "zero analysts", body: `{"topic": "x", "max_analysts": 0}`, wantCode: http.StatusUnprocessableEntity, wantErr: core.CodeInvalidMaxAnalysts},
		{name: "too many analysts", body: `{"topic": "x", "max_analysts": 11}`, wantCode: http.StatusUnprocessableEntity, wantErr: core.CodeInvalidMaxAnalysts},
		{name: "unknown field", body: `{"topic": "x", "analysts": 2}`, wantCode: http.StatusUnprocessableEntity, wantErr: core.CodeInvalidRequest},
		{name: "malformed json", body: `{"topic": `, wantCode: http.StatusUnprocessableEntity, wantErr: core.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/research?wait=true", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decode[errorResponse](t, rec).Code)
		})
	}
	assert.Empty(t, ts.gen.Calls())
}

func TestStartRun_DuplicateThread(t *testing.T) {
	ts := newTestServer(t, scriptedModel())

	rec := ts.do(t, http.MethodPost, "/api/v1/research?wait=true", `{"topic": "x", "max_analysts": 1, "thread_id": "dup"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/research?wait=true", `{"topic": "x", "max_analysts": 1, "thread_id": "dup"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunErrors(t *testing.T) {
	ts := newTestServer(t, scriptedModel())

	rec := ts.do(t, http.MethodGet, "/api/v1/research/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.CodeThreadNotFound, decode[errorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/research/missing/proceed", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/research/missing/interviews/x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/research?wait=true", `{"topic": "x", "max_analysts": 1, "thread_id": "r"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/research/r/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFailedRunResumes(t *testing.T) {
	gen := scriptedModel().Queue(research.NodeWriteReport, testutil.Reply{
		Err: core.ErrExecution(core.CodeGenerationFailed, "refused with key sk-ant-REDACTED"),
	})
	ts := newTestServer(t, gen)

	rec := ts.do(t, http.MethodPost, "/api/v1/research?wait=true", `{"topic": "x", "max_analysts": 1, "thread_id": "f"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/research/f/proceed?wait=true", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "RUN_FAILED", body.Code)
	assert.NotContains(t, body.Error, "abcdefghijklmnopqrstuvwxyz")

	rec = ts.do(t, http.MethodGet, "/api/v1/research/f", "")
	run := decode[research.Run](t, rec)
	assert.Equal(t, core.RunStatusFailed, run.Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/research/f/resume?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, core.RunStatusCompleted, decode[research.Run](t, rec).Status)
}

func TestCancelBackgroundStep(t *testing.T) {
	gen := scriptedModel().WithDelay(time.Minute)
	ts := newTestServer(t, gen)

	rec := ts.do(t, http.MethodPost, "/api/v1/research", `{"topic": "x", "max_analysts": 1, "thread_id": "c"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool {
		return len(gen.CallsFor(research.NodeCreateAnalysts)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	rec = ts.do(t, http.MethodPost, "/api/v1/research/c/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelling", decode[CancelResponse](t, rec).Status)

	gen.WithDelay(0)
	waitForRun(t, ts, "c", func(r research.Run) bool { return r.Status == core.RunStatusFailed })

	rec = ts.do(t, http.MethodPost, "/api/v1/research/c/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/research/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/research/c/resume?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[research.Run](t, rec).AwaitingFeedback)
}

func TestDrainCancelsStuckSteps(t *testing.T) {
	gen := scriptedModel().WithDelay(time.Minute)
	ts := newTestServer(t, gen)
	WithDrainTimeout(10 * time.Millisecond)(ts.Server)

	rec := ts.do(t, http.MethodPost, "/api/v1/research", `{"topic": "x", "max_analysts": 1, "thread_id": "d"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool {
		return len(gen.CallsFor(research.NodeCreateAnalysts)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		ts.drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not cancel the running step")
	}
	assert.False(t, ts.runner.busy("d"))
}

func TestSSE_StreamsThreadEvents(t *testing.T) {
	ts := newTestServer(t, scriptedModel())
	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/v1/research/s-1/events?types=run_started", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-ctx.Done():
			t.Fatal("timed out waiting for SSE line")
			return ""
		}
	}
	// readEvent collects the fields of one event up to its blank line.
	readEvent := func() map[string]string {
		fields := map[string]string{}
		for l := next(); l != ""; l = next() {
			k, v, _ := strings.Cut(l, ": ")
			fields[k] = v
		}
		return fields
	}

	hello := readEvent()
	require.Equal(t, "connected", hello["event"])
	assert.Equal(t, "1", hello["id"])
	assert.Equal(t, "3000", hello["retry"])

	ts.bus.Publish(events.NewRunStartedEvent("other", "skip me", 1))
	ts.bus.Publish(events.NewRunCompletedEvent("s-1", time.Second, 1, 10))
	ts.bus.Publish(events.NewRunStartedEvent("s-1", "Agents", 2))

	ev := readEvent()
	assert.Equal(t, "run_started", ev["event"])
	assert.Equal(t, "2", ev["id"])
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(ev["data"]), &payload))
	assert.Equal(t, "s-1", payload["thread_id"])
	assert.Equal(t, "Agents", payload["topic"])
}

func TestHTTPStatusForDomainError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		ok   bool
	}{
		{"validation", core.ErrValidation(core.CodeEmptyTopic, "x"), http.StatusUnprocessableEntity, true},
		{"not found", core.ErrNotFound("thread", "x"), http.StatusNotFound, true},
		{"conflict", core.ErrConflict(core.CodeInvalidState, "x"), http.StatusConflict, true},
		{"state", core.ErrState(core.CodeNotInterrupted, "x"), http.StatusConflict, true},
		{"rate limit", core.ErrRateLimit("x"), http.StatusTooManyRequests, true},
		{"timeout", core.ErrTimeout("x"), http.StatusGatewayTimeout, true},
		{"parse", core.ErrParse("x"), http.StatusBadGateway, true},
		{"fatal", core.ErrWorkflowFatal("write_report", core.ErrValidation(core.CodeInvalidRequest, "x")), http.StatusBadGateway, true},
		{"plain", context.Canceled, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := httpStatusForDomainError(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
