package core

import (
	"encoding/json"
	"testing"
)

func TestCheckpoint_CloneIsDeep(t *testing.T) {
	cp := &Checkpoint{
		ThreadID: "t1",
		Graph:    GraphResearch,
		Next:     []string{"human_feedback"},
		Pending:  []PendingTask{{Node: "conduct_interview", Index: 0, Input: json.RawMessage(`{"a":1}`)}},
		Barriers: map[string][]string{"finalize_report": {"write_report"}},
		State:    json.RawMessage(`{"topic":"x"}`),
		Status:   RunStatusInterrupted,
	}
	cl := cp.Clone()
	cl.Next[0] = "other"
	cl.Pending[0].Input[2] = 'b'
	cl.Barriers["finalize_report"][0] = "changed"
	cl.State[2] = 'T'

	if cp.Next[0] != "human_feedback" {
		t.Error("Next shared")
	}
	if string(cp.Pending[0].Input) != `{"a":1}` {
		t.Error("pending input shared")
	}
	if cp.Barriers["finalize_report"][0] != "write_report" {
		t.Error("barriers shared")
	}
	if string(cp.State) != `{"topic":"x"}` {
		t.Error("state shared")
	}
	if (*Checkpoint)(nil).Clone() != nil {
		t.Error("nil clone")
	}
}

func TestPanelState_Feedback(t *testing.T) {
	var s PanelState
	if s.Feedback() != "" {
		t.Fatal("absent feedback should be empty")
	}
	s.HumanFeedback = StringPtr("  Focus on regulatory aspects \n")
	if s.Feedback() != "Focus on regulatory aspects" {
		t.Fatalf("Feedback() = %q", s.Feedback())
	}
	s.Sections = []string{"a", "b"}
	if s.JoinedSections() != "a\n\nb" {
		t.Fatalf("JoinedSections() = %q", s.JoinedSections())
	}
}

func TestAnalyst_Persona(t *testing.T) {
	a := Analyst{Role: "Policy Analyst", Description: "Regulation focus"}
	want := "Role: Policy Analyst\nDescription: Regulation focus\n"
	if a.Persona() != want {
		t.Fatalf("Persona() = %q", a.Persona())
	}
}

func TestRunStatus_IsTerminal(t *testing.T) {
	if !RunStatusCompleted.IsTerminal() {
		t.Fatal("completed is terminal")
	}
	if RunStatusInterrupted.IsTerminal() || RunStatusFailed.IsTerminal() {
		t.Fatal("interrupted and failed runs can resume")
	}
}

func TestCheckpoint_Summary(t *testing.T) {
	cp := &Checkpoint{
		ThreadID: "t9",
		Graph:    GraphResearch,
		Step:     3,
		Next:     []string{"human_feedback"},
		State:    json.RawMessage(`{"topic":"Future of AI Agents","max_analysts":2}`),
		Status:   RunStatusInterrupted,
	}
	s := cp.Summary()
	if s.Topic != "Future of AI Agents" || s.Step != 3 || s.Next[0] != "human_feedback" {
		t.Fatalf("Summary() = %+v", s)
	}

	cp.State = json.RawMessage(`not json`)
	if cp.Summary().Topic != "" {
		t.Fatal("corrupt state should yield empty topic")
	}
}
