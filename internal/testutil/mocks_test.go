package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

func TestScriptedGenerator_Order(t *testing.T) {
	boom := errors.New("boom")
	g := NewScriptedGenerator().
		OnText("answer", "steady").
		Queue("answer", Reply{Text: "first"}, Reply{Err: boom})

	ctx := context.Background()
	msgs := []core.Message{core.SystemMessage("sys"), core.UserMessage("q")}

	out, err := g.Complete(ctx, msgs, core.WithOperation("answer"))
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	_, err = g.Complete(ctx, msgs, core.WithOperation("answer"))
	assert.ErrorIs(t, err, boom)

	out, err = g.Complete(ctx, msgs, core.WithOperation("answer"))
	require.NoError(t, err)
	assert.Equal(t, "steady", out)

	out, err = g.Complete(ctx, msgs, core.WithOperation("other"))
	require.NoError(t, err)
	assert.Equal(t, "scripted reply for other", out)

	calls := g.CallsFor("answer")
	require.Len(t, calls, 3)
	assert.Equal(t, "sys", calls[0].System())
	assert.Equal(t, "q", calls[0].LastUser())
	assert.Len(t, g.Calls(), 4)
}

func TestScriptedGenerator_HonoursContext(t *testing.T) {
	g := NewScriptedGenerator().WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := g.Complete(ctx, nil, core.WithOperation("slow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFakeRetriever(t *testing.T) {
	r := StaticRetriever("web", "plain text")
	assert.Equal(t, "web", r.Name())

	out, err := r.Search(context.Background(), "agents")
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
	assert.Equal(t, []string{"agents"}, r.Queries())
}

func TestScrubAll(t *testing.T) {
	in := "thread 3f2b8c1e-4a5d-4e6f-8a9b-0c1d2e3f4a5b finished in 1.5s at 2026-10-19T10:00:00Z  \r\n"
	assert.Equal(t, "thread [UUID] finished in [DURATION] at [TIMESTAMP]", ScrubAll(in))
}
