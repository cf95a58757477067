package engine

import (
	"context"
	"time"

	"github.com/italolelis/offline_cache/internal/logctx"
	"github.com/italolelis/offline_cache/internal/storage"
)

// deletionScheduler wakes the engine up when lazily-deleted records reach
// their deadline. Deadlines are rounded up to whole-minute boundaries and
// one timer serves every record sharing a boundary, which bounds the timer
// count under large removal batches. All methods require the engine lock.
type deletionScheduler struct {
	engine *Engine
	timers map[int64]Timer // keyed by boundary unix seconds
}

func newDeletionScheduler(e *Engine) *deletionScheduler {
	return &deletionScheduler{
		engine: e,
		timers: make(map[int64]Timer),
	}
}

func (d *deletionScheduler) schedule(recs []*storage.Record) {
	now := d.engine.opts.Clock.Now()

	for _, rec := range recs {
		if rec.Deletion != storage.DeletionAt {
			continue
		}

		boundary := rec.DeleteAt.Truncate(time.Minute)
		if boundary.Before(rec.DeleteAt) {
			boundary = boundary.Add(time.Minute)
		}

		key := boundary.Unix()
		if _, scheduled := d.timers[key]; scheduled {
			continue
		}

		delay := boundary.Sub(now)
		if delay < 0 {
			delay = 0
		}

		d.timers[key] = d.engine.opts.Clock.AfterFunc(delay, func() {
			d.engine.deletionTick(key)
		})
	}
}

// rearm schedules another wake-up for a boundary whose purge failed, so a
// store outage only delays the purge instead of deferring it to the next
// startup.
func (d *deletionScheduler) rearm(key int64) {
	if _, scheduled := d.timers[key]; scheduled {
		return
	}

	d.timers[key] = d.engine.opts.Clock.AfterFunc(d.engine.opts.RetryInterval, func() {
		d.engine.deletionTick(key)
	})
}

func (d *deletionScheduler) clear() {
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}

// deletionTick fires at a minute boundary and purges every record whose
// deadline has passed by now, not just the ones originally scheduled for
// this boundary: records added since may share the same deadline.
func (e *Engine) deletionTick(key int64) {
	ctx := context.Background()
	logger := logctx.LoggerFromContext(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return
	}

	delete(e.deletions.timers, key)

	now := e.opts.Clock.Now()

	var due []*storage.Record

	for _, rec := range e.records {
		if rec.Deletion == storage.DeletionAt && !rec.DeleteAt.After(now) {
			due = append(due, rec)
		}
	}

	if len(due) == 0 {
		return
	}

	ids := make([]string, 0, len(due))
	for _, rec := range due {
		ids = append(ids, rec.ID)
	}

	if err := e.opts.Store.RemoveBatch(ctx, e.opts.Domain, ids); err != nil {
		logger.Error("failed to purge expired records", "count", len(ids), "err", err)
		e.deletions.rearm(key)

		return
	}

	for _, rec := range due {
		delete(e.records, rec.ID)
		delete(e.idByURL, rec.URL)

		if err := e.opts.Files.Remove(rec.LocalPath); err != nil {
			logger.Warn("failed to remove expired file", "path", rec.LocalPath, "err", err)
		}
	}

	e.opts.Metrics.RecordRecordsPurged("deadline", len(due))
	logger.Info("purged expired records", "count", len(due))
}
