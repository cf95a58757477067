package engine

import (
	"context"

	"github.com/italolelis/offline_cache/internal/logctx"
)

// retrier tracks ids whose transfer last ended in an error and owns the
// single shared timer that periodically restarts them. All methods must be
// called with the engine lock held.
type retrier struct {
	engine *Engine
	ids    map[string]struct{}
	timer  Timer
}

func newRetrier(e *Engine) *retrier {
	return &retrier{
		engine: e,
		ids:    make(map[string]struct{}),
	}
}

func (r *retrier) add(id string) {
	r.ids[id] = struct{}{}

	if r.engine.arb.active() {
		r.arm()
	}
}

func (r *retrier) remove(id string) {
	delete(r.ids, id)

	if len(r.ids) == 0 {
		r.suspend()
	}
}

// arm lazily creates the shared timer. It is a no-op while the timer is
// already pending or there is nothing to retry.
func (r *retrier) arm() {
	if r.timer != nil || len(r.ids) == 0 {
		return
	}

	r.timer = r.engine.opts.Clock.AfterFunc(r.engine.opts.RetryInterval, r.engine.retryTick)
}

func (r *retrier) suspend() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *retrier) clear() {
	r.suspend()
	r.ids = make(map[string]struct{})
}

// retryTick fires from the retry timer: it restarts every errored id that
// still lacks a live task and whose record remains active and unfinished.
func (e *Engine) retryTick() {
	ctx := context.Background()
	logger := logctx.LoggerFromContext(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return
	}

	e.retry.timer = nil

	if !e.arb.active() {
		return
	}

	for id := range e.retry.ids {
		if _, running := e.tasks[id]; running {
			// Restarted through another path already; leave it be.
			delete(e.retry.ids, id)

			continue
		}

		rec, ok := e.records[id]
		if !ok || !rec.Active() || rec.Finished {
			delete(e.retry.ids, id)

			continue
		}

		e.opts.Metrics.RecordTransferRetry()

		if err := e.startTransferLocked(ctx, rec); err != nil {
			logger.Error("retry failed to restart transfer", "record_id", id, "url", rec.URL, "err", err)

			continue
		}

		logger.Info("restarted errored transfer", "record_id", id, "url", rec.URL)
		delete(e.retry.ids, id)
	}

	if len(e.retry.ids) > 0 {
		e.retry.arm()
	}
}
