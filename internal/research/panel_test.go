package research

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/testutil"
)

func TestSplitSources(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantContent string
		wantSources string
		wantOK      bool
	}{
		{
			name:        "no sources",
			body:        "## Insights\nplain",
			wantContent: "## Insights\nplain",
		},
		{
			name:        "trailing sources",
			body:        "## Insights\ntext\n## Sources\n[1] a",
			wantContent: "## Insights\ntext",
			wantSources: "[1] a",
			wantOK:      true,
		},
		{
			name:        "last marker wins",
			body:        "intro\n## Sources\nquoted\nmore\n## Sources\n[1] real",
			wantContent: "intro\n## Sources\nquoted\nmore",
			wantSources: "[1] real",
			wantOK:      true,
		},
		{
			name: "heading without leading newline is not a marker",
			body: "## Sources\n[1] a",
			wantContent: "## Sources\n[1] a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, sources, ok := SplitSources(tt.body)
			assert.Equal(t, tt.wantContent, content)
			assert.Equal(t, tt.wantSources, sources)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestFinalizeReport(t *testing.T) {
	intro := "# Future of AI Agents\n\n## Introduction\nWhy now."
	body := "## Insights\nAgents plan and act [1].\n## Sources\n[1] https://example.com/agents"
	conclusion := "## Conclusion\nWhat comes next."

	report := FinalizeReport(intro, body, conclusion)
	testutil.NewGolden(t, "").AssertString("finalize_report", report)

	assert.Equal(t, 2, strings.Count(report, ReportSeparator))
	assert.True(t, strings.HasPrefix(report, intro+ReportSeparator))
	assert.Equal(t, 1, strings.Count(report, SourcesMarker))
	assert.True(t, strings.HasSuffix(report, "## Sources\n[1] https://example.com/agents"))
}

func TestFinalizeReport_WithoutSources(t *testing.T) {
	report := FinalizeReport("I", "B", "C")
	assert.Equal(t, "I"+ReportSeparator+"B"+ReportSeparator+"C", report)
}

func TestFinalizeReport_SameInputSameOutput(t *testing.T) {
	body := "x\n## Sources\n[1] a"
	assert.Equal(t, FinalizeReport("i", body, "c"), FinalizeReport("i", body, "c"))
}

func TestFinalizeReportNode_EmptyPartsIsStateError(t *testing.T) {
	_, err := finalizeReport(context.Background(), core.PanelState{})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatState), "got %v", err)

	update, err := finalizeReport(context.Background(), core.PanelState{Body: "B"})
	require.NoError(t, err)
	var st core.PanelState
	update(&st)
	assert.Equal(t, FinalizeReport("", "B", ""), st.FinalReport)
}

func analystsFor(n int) []core.Analyst {
	out := make([]core.Analyst, n)
	for i := range out {
		out[i] = core.Analyst{Role: fmt.Sprintf("Analyst %d", i+1), Description: "focus"}
	}
	return out
}

func TestPickAnalysts(t *testing.T) {
	tests := []struct {
		name    string
		got     []core.Analyst
		want    int
		wantLen int
		wantErr bool
	}{
		{name: "exact", got: analystsFor(3), want: 3, wantLen: 3},
		{name: "single", got: analystsFor(1), want: 1, wantLen: 1},
		{name: "surplus truncated", got: analystsFor(7), want: 5, wantLen: 5},
		{name: "too few", got: analystsFor(2), want: 3, wantErr: true},
		{
			name:    "blank roles do not count",
			got:     append(analystsFor(1), core.Analyst{Role: "  ", Description: "x"}),
			want:    2,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PickAnalysts(tt.got, tt.want)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, core.IsCategory(err, core.ErrCatParse))
				return
			}
			require.NoError(t, err)
			require.Len(t, got, tt.wantLen)
			assert.Equal(t, "Analyst 1", got[0].Role)
		})
	}
}
