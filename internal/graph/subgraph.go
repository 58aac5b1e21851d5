package graph

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// ChildThread names the thread of the index-th run of a subgraph node.
func ChildThread(parent core.ThreadID, node string, index int) core.ThreadID {
	return core.ThreadID(fmt.Sprintf("%s/%s/%d", parent, node, index))
}

// AddSubgraph registers a send node that runs sub to completion for each
// send, under its own checkpointed child thread. A child that already
// completed is reused; one that stopped part way is resumed. output turns
// the child's final state into an update of the parent.
func AddSubgraph[S, I any](g *Graph[S], name string, sub *Compiled[I], output func(I) Update[S], opts ...NodeOption) {
	AddSendNode(g, name, func(ctx context.Context, _ S, input I) (Update[S], error) {
		info, ok := TaskFromContext(ctx)
		if !ok {
			return nil, core.ErrState(core.CodeInvalidState, "subgraph invoked outside a run")
		}
		child := ChildThread(info.Thread, name, info.Index)

		snap, err := sub.runChild(ctx, child, input)
		if err != nil {
			return nil, err
		}
		return output(snap.State), nil
	}, opts...)
}

func (c *Compiled[S]) runChild(ctx context.Context, thread core.ThreadID, input S) (*Snapshot[S], error) {
	existing, err := c.GetState(ctx, thread)
	if err != nil && !core.IsCategory(err, core.ErrCatNotFound) {
		return nil, err
	}

	var snap *Snapshot[S]
	switch {
	case existing == nil:
		snap, err = c.Invoke(ctx, thread, &input)
	case existing.Status == core.RunStatusCompleted:
		return existing, nil
	default:
		snap, err = c.Invoke(ctx, thread, nil)
	}
	if err != nil {
		return nil, err
	}
	if snap.Status != core.RunStatusCompleted {
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("subgraph %s stopped at %v with status %s", thread, snap.Next, snap.Status))
	}
	return snap, nil
}
