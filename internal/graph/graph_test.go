package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

type testState struct {
	Log   []string `json:"log"`
	Count int      `json:"count"`
	Items []string `json:"items"`
	Flag  string   `json:"flag"`
}

func logNode(name string) NodeFunc[testState] {
	return func(_ context.Context, _ testState) (Update[testState], error) {
		return func(s *testState) { s.Log = append(s.Log, name) }, nil
	}
}

func mustCompile[S any](t *testing.T, g *Graph[S], store core.CheckpointStore, opts ...CompileOption) *Compiled[S] {
	t.Helper()
	c, err := g.Compile(store, opts...)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return c
}

func fastRetry(attempts int) *service.RetryPolicy {
	return service.TransientRetryPolicy(
		service.WithMaxAttempts(attempts),
		service.WithBaseDelay(time.Millisecond),
		service.WithMaxDelay(time.Millisecond),
	)
}

func TestInvoke_LinearRunCompletes(t *testing.T) {
	g := New[testState]("linear")
	g.AddNode("a", logNode("a")).AddNode("b", logNode("b"))
	g.AddEdge(Start, "a").AddEdge("a", "b").AddEdge("b", End)

	store := state.NewMemoryStore()
	c := mustCompile(t, g, store)
	snap, err := c.Invoke(context.Background(), "t1", &testState{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if snap.Status != core.RunStatusCompleted {
		t.Fatalf("status = %s", snap.Status)
	}
	if !slices.Equal(snap.State.Log, []string{"a", "b"}) {
		t.Fatalf("log = %v", snap.State.Log)
	}

	cp, _ := store.Load(context.Background(), "linear", "t1")
	if cp.Step != 3 || len(cp.Pending) != 0 || cp.ID == "" {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestInvoke_FanOutAndJoin(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(name string) NodeFunc[testState] {
		return func(_ context.Context, s testState) (Update[testState], error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return func(st *testState) { st.Items = append(st.Items, name) }, nil
		}
	}
	joined := func(_ context.Context, s testState) (Update[testState], error) {
		seen := slices.Clone(s.Items)
		return func(st *testState) { st.Log = append(st.Log, fmt.Sprintf("join saw %d", len(seen))) }, nil
	}

	g := New[testState]("fan")
	g.AddNode("b", slow("b")).AddNode("c", slow("c")).AddNode("d", joined)
	g.AddEdge(Start, "b").AddEdge(Start, "c")
	g.AddJoin([]string{"b", "c"}, "d")
	g.AddEdge("d", End)

	snap, err := mustCompile(t, g, state.NewMemoryStore()).Invoke(context.Background(), "t", &testState{})
	if err != nil {
		t.Fatal(err)
	}
	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
	if !slices.Equal(snap.State.Items, []string{"b", "c"}) {
		t.Errorf("updates not applied in schedule order: %v", snap.State.Items)
	}
	if !slices.Equal(snap.State.Log, []string{"join saw 2"}) {
		t.Errorf("log = %v", snap.State.Log)
	}
}

func TestInvoke_JoinWaitsAcrossSupersteps(t *testing.T) {
	g := New[testState]("uneven")
	g.AddNode("quick", logNode("quick")).
		AddNode("slow1", logNode("slow1")).
		AddNode("slow2", logNode("slow2")).
		AddNode("join", logNode("join"))
	g.AddEdge(Start, "quick").AddEdge(Start, "slow1")
	g.AddEdge("slow1", "slow2")
	g.AddJoin([]string{"quick", "slow2"}, "join")
	g.AddEdge("join", End)

	snap, err := mustCompile(t, g, state.NewMemoryStore()).Invoke(context.Background(), "t", &testState{})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(snap.State.Log, []string{"quick", "slow1", "slow2", "join"}) {
		t.Fatalf("log = %v", snap.State.Log)
	}
}

func TestInvoke_ConditionalLoop(t *testing.T) {
	g := New[testState]("loop")
	g.AddNode("inc", func(_ context.Context, _ testState) (Update[testState], error) {
		return func(s *testState) { s.Count++ }, nil
	})
	g.AddNode("done", logNode("done"))
	g.AddEdge(Start, "inc")
	g.AddConditionalEdges("inc", func(s testState) Route {
		if s.Count < 3 {
			return Goto("inc")
		}
		return Goto("done")
	})
	g.AddEdge("done", End)

	snap, err := mustCompile(t, g, state.NewMemoryStore()).Invoke(context.Background(), "t", &testState{})
	if err != nil {
		t.Fatal(err)
	}
	if snap.State.Count != 3 || !slices.Equal(snap.State.Log, []string{"done"}) {
		t.Fatalf("state = %+v", snap.State)
	}
}

func feedbackGraph(t *testing.T, store core.CheckpointStore, calls *atomic.Int32) *Compiled[testState] {
	t.Helper()
	g := New[testState]("feedback")
	g.AddNode("create", func(_ context.Context, s testState) (Update[testState], error) {
		calls.Add(1)
		flag := s.Flag
		return func(st *testState) { st.Log = append(st.Log, "create:"+flag) }, nil
	})
	g.AddNode("review", func(context.Context, testState) (Update[testState], error) { return nil, nil })
	g.AddNode("proceed", logNode("proceed"))
	g.AddEdge(Start, "create").AddEdge("create", "review")
	g.AddConditionalEdges("review", func(s testState) Route {
		if s.Flag != "" {
			return Goto("create")
		}
		return Goto("proceed")
	})
	g.AddEdge("proceed", End)
	return mustCompile(t, g, store, InterruptBefore("review"))
}

func TestInterrupt_UpdateAndResume(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	c := feedbackGraph(t, state.NewMemoryStore(), &calls)

	snap, err := c.Invoke(ctx, "t", &testState{})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.RunStatusInterrupted || !slices.Equal(snap.Next, []string{"review"}) {
		t.Fatalf("snapshot = %+v", snap)
	}

	setFlag := func(v string) Update[testState] {
		return func(s *testState) { s.Flag = v }
	}

	// Feedback loops back to create and pauses again.
	if _, err := c.UpdateState(ctx, "t", setFlag("regulation"), "review"); err != nil {
		t.Fatal(err)
	}
	snap, err = c.Invoke(ctx, "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.RunStatusInterrupted || calls.Load() != 2 {
		t.Fatalf("after feedback: status=%s calls=%d", snap.Status, calls.Load())
	}
	if !slices.Equal(snap.State.Log, []string{"create:", "create:regulation"}) {
		t.Fatalf("log = %v", snap.State.Log)
	}

	// Repeated updates overwrite: the last one decides the route.
	if _, err := c.UpdateState(ctx, "t", setFlag("again"), "review"); err != nil {
		t.Fatal(err)
	}
	upd, err := c.UpdateState(ctx, "t", setFlag(""), "review")
	if err != nil {
		t.Fatal(err)
	}
	if upd.State.Flag != "" || !slices.Equal(upd.Next, []string{"proceed"}) {
		t.Fatalf("after overwrite: %+v", upd)
	}

	snap, err = c.Invoke(ctx, "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.RunStatusCompleted || calls.Load() != 2 {
		t.Fatalf("final: status=%s calls=%d", snap.Status, calls.Load())
	}
	if snap.State.Log[len(snap.State.Log)-1] != "proceed" {
		t.Fatalf("log = %v", snap.State.Log)
	}
}

func TestInterrupt_ResumeWithoutUpdateRunsPausedNode(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	c := feedbackGraph(t, state.NewMemoryStore(), &calls)

	if _, err := c.Invoke(ctx, "t", &testState{}); err != nil {
		t.Fatal(err)
	}
	snap, err := c.Invoke(ctx, "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.RunStatusCompleted {
		t.Fatalf("status = %s", snap.Status)
	}
}

func TestInterrupt_SurvivesNewCompiledInstance(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	var calls atomic.Int32

	if _, err := feedbackGraph(t, store, &calls).Invoke(ctx, "t", &testState{}); err != nil {
		t.Fatal(err)
	}

	// A fresh process compiles the graph again and resumes from the store.
	other := feedbackGraph(t, store, &calls)
	if _, err := other.UpdateState(ctx, "t", func(s *testState) { s.Flag = "" }, "review"); err != nil {
		t.Fatal(err)
	}
	snap, err := other.Invoke(ctx, "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.RunStatusCompleted {
		t.Fatalf("status = %s", snap.Status)
	}
}

func TestUpdateState_Errors(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	c := feedbackGraph(t, state.NewMemoryStore(), &calls)

	if _, err := c.UpdateState(ctx, "missing", nil, "review"); !core.IsCategory(err, core.ErrCatNotFound) {
		t.Errorf("missing thread error = %v", err)
	}
	if _, err := c.Invoke(ctx, "t", &testState{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.UpdateState(ctx, "t", nil, "nope"); !core.IsCategory(err, core.ErrCatValidation) {
		t.Errorf("unknown node error = %v", err)
	}
	if _, err := c.UpdateState(ctx, "t", nil, "review"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Invoke(ctx, "t", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.UpdateState(ctx, "t", nil, "review"); !core.IsCategory(err, core.ErrCatState) {
		t.Errorf("completed thread error = %v", err)
	}
}

func TestInvoke_ThreadIdentity(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	c := feedbackGraph(t, state.NewMemoryStore(), &calls)

	if _, err := c.Invoke(ctx, "missing", nil); !core.IsCategory(err, core.ErrCatNotFound) {
		t.Errorf("resume of unknown thread: %v", err)
	}
	if _, err := c.Invoke(ctx, "t", &testState{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Invoke(ctx, "t", &testState{}); !core.IsCategory(err, core.ErrCatConflict) {
		t.Errorf("restart of existing thread: %v", err)
	}
	if _, err := c.Invoke(ctx, "other", &testState{}); err != nil {
		t.Errorf("independent thread: %v", err)
	}
	list, err := c.List(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("List() = %v, %v", list, err)
	}
}

func TestInvoke_BusyThreadConflicts(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})

	g := New[testState]("busy")
	g.AddNode("block", func(ctx context.Context, _ testState) (Update[testState], error) {
		close(entered)
		<-release
		return nil, nil
	})
	g.AddEdge(Start, "block").AddEdge("block", End)
	c := mustCompile(t, g, state.NewMemoryStore())

	done := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, "t", &testState{})
		done <- err
	}()
	<-entered
	if _, err := c.Invoke(ctx, "t", nil); !core.IsCategory(err, core.ErrCatConflict) {
		t.Errorf("concurrent invoke error = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestSend_ScatterGather(t *testing.T) {
	g := New[testState]("scatter")
	g.AddNode("plan", func(context.Context, testState) (Update[testState], error) {
		return func(s *testState) { s.Log = []string{"x", "y", "z"} }, nil
	})
	AddSendNode(g, "work", func(_ context.Context, _ testState, item string) (Update[testState], error) {
		return func(s *testState) { s.Items = append(s.Items, "done:"+item) }, nil
	})
	g.AddNode("gather", func(_ context.Context, s testState) (Update[testState], error) {
		n := len(s.Items)
		return func(st *testState) { st.Count = n }, nil
	})
	g.AddEdge(Start, "plan")
	g.AddConditionalEdges("plan", func(s testState) Route {
		sends := make([]Send, 0, len(s.Log))
		for _, item := range s.Log {
			sends = append(sends, Send{Node: "work", Input: item})
		}
		return Scatter(sends...)
	})
	g.AddEdge("work", "gather").AddEdge("gather", End)

	snap, err := mustCompile(t, g, state.NewMemoryStore()).Invoke(context.Background(), "t", &testState{})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(snap.State.Items, []string{"done:x", "done:y", "done:z"}) {
		t.Errorf("items = %v", snap.State.Items)
	}
	if snap.State.Count != 3 {
		t.Errorf("gather saw %d items, want all 3", snap.State.Count)
	}
}

func TestSend_ToPlainNodeFails(t *testing.T) {
	g := New[testState]("badsend")
	g.AddNode("a", logNode("a")).AddNode("b", logNode("b"))
	g.AddEdge(Start, "a")
	g.AddConditionalEdges("a", func(testState) Route { return Scatter(Send{Node: "b", Input: 1}) })

	_, err := mustCompile(t, g, state.NewMemoryStore()).Invoke(context.Background(), "t", &testState{})
	if err == nil {
		t.Fatal("expected error")
	}
}

type childState struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

func TestSubgraph_RunsChildThreadsAndReusesCompleted(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	var runsA, runsB atomic.Int32
	firstDone := make(chan struct{})
	var closeOnce sync.Once

	child := New[childState]("child")
	child.AddNode("work", func(_ context.Context, s childState) (Update[childState], error) {
		in := s.Input
		if in == "b" {
			// Fail only after the sibling has committed its final checkpoint.
			<-firstDone
			if runsB.Add(1) == 1 {
				return nil, errors.New("search backend down")
			}
		} else {
			runsA.Add(1)
		}
		return func(st *childState) { st.Output = "section about " + in }, nil
	})
	child.AddEdge(Start, "work").AddEdge("work", End)
	compiledChild := mustCompile(t, child, store, WithObserver(func(ev NodeEvent) {
		if ev.Type == EventRunEnd && ev.Thread == ChildThread("p", "interview", 0) {
			closeOnce.Do(func() { close(firstDone) })
		}
	}))

	parent := New[testState]("parent")
	parent.AddNode("plan", logNode("plan"))
	AddSubgraph(parent, "interview", compiledChild, func(cs childState) Update[testState] {
		return func(s *testState) { s.Items = append(s.Items, cs.Output) }
	})
	parent.AddNode("finish", logNode("finish"))
	parent.AddEdge(Start, "plan")
	parent.AddConditionalEdges("plan", func(testState) Route {
		return Scatter(
			Send{Node: "interview", Input: childState{Input: "a"}},
			Send{Node: "interview", Input: childState{Input: "b"}},
		)
	})
	parent.AddEdge("interview", "finish").AddEdge("finish", End)
	c := mustCompile(t, parent, store)

	if _, err := c.Invoke(ctx, "p", &testState{}); err == nil {
		t.Fatal("expected first run to fail in child b")
	}
	cpA, _ := store.Load(ctx, "child", ChildThread("p", "interview", 0))
	cpB, _ := store.Load(ctx, "child", ChildThread("p", "interview", 1))
	if cpA == nil || cpA.Status != core.RunStatusCompleted {
		t.Fatalf("child a checkpoint = %+v", cpA)
	}
	if cpB == nil || cpB.Status != core.RunStatusFailed {
		t.Fatalf("child b checkpoint = %+v", cpB)
	}
	parentSnap, _ := c.GetState(ctx, "p")
	if len(parentSnap.State.Items) != 0 || !slices.Equal(parentSnap.Next, []string{"interview"}) {
		t.Fatalf("parent after failure = %+v", parentSnap)
	}

	snap, err := c.Invoke(ctx, "p", nil)
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if runsA.Load() != 1 || runsB.Load() != 2 {
		t.Errorf("child runs a=%d b=%d, want 1 and 2", runsA.Load(), runsB.Load())
	}
	if !slices.Equal(snap.State.Items, []string{"section about a", "section about b"}) {
		t.Errorf("items = %v", snap.State.Items)
	}
	if snap.State.Log[len(snap.State.Log)-1] != "finish" {
		t.Errorf("log = %v", snap.State.Log)
	}
}

func TestFailure_KeepsCommittedStateAndRetriesNode(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	var attempts atomic.Int32

	g := New[testState]("fail")
	g.AddNode("a", logNode("a"))
	g.AddNode("b", func(context.Context, testState) (Update[testState], error) {
		if attempts.Add(1) == 1 {
			return nil, core.ErrValidation(core.CodeInvalidRequest, "bad key sk-ant-REDACTED")
		}
		return func(s *testState) { s.Log = append(s.Log, "b") }, nil
	})
	g.AddEdge(Start, "a").AddEdge("a", "b").AddEdge("b", End)
	c := mustCompile(t, g, store, WithNodeRetry(fastRetry(3)))

	_, err := c.Invoke(ctx, "t", &testState{})
	var fatal *core.WorkflowFatalError
	if !errors.As(err, &fatal) || fatal.Node != "b" {
		t.Fatalf("error = %v, want fatal in b", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("non-transient error retried %d times", attempts.Load())
	}

	snap, err := c.GetState(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.RunStatusFailed || !slices.Equal(snap.Next, []string{"b"}) {
		t.Fatalf("failed snapshot = %+v", snap)
	}
	if !slices.Equal(snap.State.Log, []string{"a"}) {
		t.Fatalf("committed state = %v", snap.State.Log)
	}
	if snap.Error == "" || strings.Contains(snap.Error, "abcdefghijklmnop") {
		t.Fatalf("stored error not sanitized: %q", snap.Error)
	}

	snap, err = c.Invoke(ctx, "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.RunStatusCompleted || !slices.Equal(snap.State.Log, []string{"a", "b"}) {
		t.Fatalf("resumed snapshot = %+v", snap)
	}
}

func TestNodeRetry_TransientErrors(t *testing.T) {
	var attempts atomic.Int32
	var mu sync.Mutex
	var events []NodeEvent

	g := New[testState]("retry")
	g.AddNode("flaky", func(context.Context, testState) (Update[testState], error) {
		if attempts.Add(1) < 3 {
			return nil, core.ErrRateLimit("slow down")
		}
		return func(s *testState) { s.Count = 1 }, nil
	}, WithRetry(fastRetry(3)))
	g.AddEdge(Start, "flaky").AddEdge("flaky", End)

	c := mustCompile(t, g, state.NewMemoryStore(), WithObserver(func(ev NodeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	snap, err := c.Invoke(context.Background(), "t", &testState{})
	if err != nil {
		t.Fatal(err)
	}
	if snap.State.Count != 1 || attempts.Load() != 3 {
		t.Fatalf("count=%d attempts=%d", snap.State.Count, attempts.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []EventType{EventNodeStart, EventNodeRetry, EventNodeRetry, EventNodeEnd, EventRunEnd}
	if !slices.Equal(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	if events[3].Attempt != 3 || events[3].Node != "flaky" {
		t.Errorf("end event = %+v", events[3])
	}
}

func TestNodeTimeout(t *testing.T) {
	g := New[testState]("timeout")
	g.AddNode("hang", func(ctx context.Context, _ testState) (Update[testState], error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithTimeout(10*time.Millisecond))
	g.AddEdge(Start, "hang").AddEdge("hang", End)

	_, err := mustCompile(t, g, state.NewMemoryStore()).Invoke(context.Background(), "t", &testState{})
	if !core.IsCategory(errors.Unwrap(err), core.ErrCatTimeout) {
		t.Fatalf("error = %v, want timeout cause", err)
	}
}

func TestCompile_Validation(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Graph[testState]
		opts  []CompileOption
	}{
		{"no entry", func() *Graph[testState] {
			return New[testState]("g").AddNode("a", logNode("a"))
		}, nil},
		{"edge to unknown", func() *Graph[testState] {
			return New[testState]("g").AddNode("a", logNode("a")).AddEdge(Start, "a").AddEdge("a", "ghost")
		}, nil},
		{"duplicate node", func() *Graph[testState] {
			return New[testState]("g").AddNode("a", logNode("a")).AddNode("a", logNode("a")).AddEdge(Start, "a")
		}, nil},
		{"reserved name", func() *Graph[testState] {
			return New[testState]("g").AddNode(End, logNode("x")).AddEdge(Start, End)
		}, nil},
		{"join from unknown", func() *Graph[testState] {
			return New[testState]("g").AddNode("a", logNode("a")).AddEdge(Start, "a").AddJoin([]string{"a", "ghost"}, "a")
		}, nil},
		{"interrupt unknown", func() *Graph[testState] {
			return New[testState]("g").AddNode("a", logNode("a")).AddEdge(Start, "a")
		}, []CompileOption{InterruptBefore("ghost")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile(state.NewMemoryStore(), tt.opts...)
			if !core.IsCategory(err, core.ErrCatValidation) {
				t.Fatalf("Compile() error = %v, want validation", err)
			}
		})
	}

	if _, err := New[testState]("g").AddNode("a", logNode("a")).AddEdge(Start, "a").Compile(nil); err == nil {
		t.Fatal("nil store should be rejected")
	}
}

func TestTaskFromContext(t *testing.T) {
	var got TaskInfo
	g := New[testState]("ctx")
	g.AddNode("a", func(ctx context.Context, _ testState) (Update[testState], error) {
		got, _ = TaskFromContext(ctx)
		return nil, nil
	})
	g.AddEdge(Start, "a").AddEdge("a", End)
	if _, err := mustCompile(t, g, state.NewMemoryStore()).Invoke(context.Background(), "thread-x", &testState{}); err != nil {
		t.Fatal(err)
	}
	if got.Thread != "thread-x" || got.Node != "a" || got.Graph != "ctx" {
		t.Fatalf("task info = %+v", got)
	}
	if _, ok := TaskFromContext(context.Background()); ok {
		t.Fatal("background context has no task")
	}
}
