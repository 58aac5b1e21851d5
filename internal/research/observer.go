package research

import (
	"github.com/hugo-lorenzo-mato/deepresearch/internal/events"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/graph"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/metrics"
)

// observer forwards engine events to the log, the metrics and the bus.
type observer struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	bus     *events.EventBus
}

func (o *observer) observe(ev graph.NodeEvent) {
	thread := string(ev.Thread)
	log := o.logger.With("graph", ev.Graph, "thread_id", thread)
	var errText string
	if ev.Err != nil {
		errText = o.logger.Sanitize(ev.Err.Error())
	}

	switch ev.Type {
	case graph.EventNodeStart:
		log.Debug("node started", "node", ev.Node, "index", ev.Index, "step", ev.Step)
		o.bus.Publish(events.NewNodeEvent(events.TypeNodeStarted, thread, ev.Graph, ev.Node, ev.Index, ev.Step))

	case graph.EventNodeEnd:
		log.Info("node finished", "node", ev.Node, "duration", ev.Duration, "attempts", ev.Attempt, "outcome", metrics.OutcomeOK)
		o.metrics.ObserveNode(ev.Graph, ev.Node, metrics.OutcomeOK, ev.Duration)
		o.bus.Publish(events.NewNodeEvent(events.TypeNodeCompleted, thread, ev.Graph, ev.Node, ev.Index, ev.Step).
			WithOutcome(ev.Attempt, ev.Duration, ""))

	case graph.EventNodeRetry:
		log.Warn("node retrying", "node", ev.Node, "attempt", ev.Attempt, "delay", ev.Duration, "error", errText)
		o.bus.Publish(events.NewNodeEvent(events.TypeNodeRetrying, thread, ev.Graph, ev.Node, ev.Index, ev.Step).
			WithOutcome(ev.Attempt, ev.Duration, errText))

	case graph.EventNodeError:
		log.Error("node failed", "node", ev.Node, "duration", ev.Duration, "attempts", ev.Attempt, "outcome", metrics.OutcomeError, "error", errText)
		o.metrics.ObserveNode(ev.Graph, ev.Node, metrics.OutcomeError, ev.Duration)
		o.bus.Publish(events.NewNodeEvent(events.TypeNodeFailed, thread, ev.Graph, ev.Node, ev.Index, ev.Step).
			WithOutcome(ev.Attempt, ev.Duration, errText))

	case graph.EventInterrupt:
		log.Info("run paused", "before", ev.Node, "step", ev.Step)

	case graph.EventRunEnd:
		log.Debug("run reached end", "step", ev.Step)

	case graph.EventRunFailed:
		log.Debug("run stopped on error", "step", ev.Step, "error", errText)
	}
}
