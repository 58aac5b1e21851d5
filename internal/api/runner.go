package api

import (
	"context"
	"sync"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

// runner executes run steps in the background, one at a time per thread.
// Each step gets its own context so it can be cancelled from the API.
type runner struct {
	mu     sync.Mutex
	active map[core.ThreadID]context.CancelFunc
	wg     sync.WaitGroup
	logger *logging.Logger
}

func newRunner(logger *logging.Logger) *runner {
	return &runner{
		active: make(map[core.ThreadID]context.CancelFunc),
		logger: logger,
	}
}

// launch runs fn detached from any request. It reports false when the
// thread already has a step in flight.
func (r *runner) launch(thread core.ThreadID, op string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if _, busy := r.active[thread]; busy {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active[thread] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.active, thread)
			r.mu.Unlock()
			cancel()
			r.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			r.logger.Warn("background run step failed",
				"thread_id", string(thread), "op", op, "error", r.logger.Sanitize(err.Error()))
		}
	}()
	return true
}

// cancel stops the thread's in-flight step. The run keeps its last
// committed checkpoint and can be resumed.
func (r *runner) cancel(thread core.ThreadID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	stop, ok := r.active[thread]
	if ok {
		stop()
	}
	return ok
}

// cancelAll stops every in-flight step.
func (r *runner) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stop := range r.active {
		stop()
	}
}

func (r *runner) busy(thread core.ThreadID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[thread]
	return ok
}

func (r *runner) wait() {
	r.wg.Wait()
}
