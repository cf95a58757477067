package engine

import (
	"context"
	"errors"

	"github.com/italolelis/offline_cache/internal/logctx"
	"github.com/italolelis/offline_cache/internal/storage"
)

// Status is a point-in-time view of one tracked url. Complete is true only
// when the record finished and the file is actually present on disk.
type Status struct {
	URL       string
	LocalPath string
	Complete  bool
}

// Status reports the state of one tracked url. Unknown or lazily-deleted
// urls yield storage.ErrNotFound.
func (e *Engine) Status(ctx context.Context, rawurl string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return Status{}, ErrNotInitialized
	}

	id, tracked := e.idByURL[rawurl]
	if !tracked {
		return Status{}, storage.ErrNotFound
	}

	rec := e.records[id]
	if !rec.Active() {
		return Status{}, storage.ErrNotFound
	}

	return e.statusLocked(ctx, rec), nil
}

// QueueStatus reports every active record.
func (e *Engine) QueueStatus(ctx context.Context) ([]Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil, ErrNotInitialized
	}

	statuses := make([]Status, 0, len(e.records))

	for _, rec := range e.records {
		if !rec.Active() {
			continue
		}

		statuses = append(statuses, e.statusLocked(ctx, rec))
	}

	return statuses, nil
}

func (e *Engine) statusLocked(ctx context.Context, rec *storage.Record) Status {
	complete := false

	if rec.Finished {
		exists, err := e.opts.Files.Exists(rec.LocalPath)
		if err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to check cached file", "path", rec.LocalPath, "err", err)
		}

		complete = exists
	}

	return Status{
		URL:       rec.URL,
		LocalPath: rec.LocalPath,
		Complete:  complete,
	}
}

// AvailableURL resolves the best source for the url's content: the local
// copy when the download is complete, the original url otherwise. Unknown
// urls fall back to themselves, so callers can pass any url through.
func (e *Engine) AvailableURL(ctx context.Context, rawurl string) (string, error) {
	st, err := e.Status(ctx, rawurl)
	if err != nil {
		if errors.Is(err, ErrNotInitialized) {
			return "", err
		}

		return rawurl, nil
	}

	if st.Complete {
		return st.LocalPath, nil
	}

	return rawurl, nil
}
