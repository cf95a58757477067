// Package engine is the reconciliation core: it keeps a durable mapping
// between remote urls and locally cached files, rebuilding a single
// consistent view at startup from persisted records, in-flight transfers
// and on-disk files, and driving every record through its lifecycle from
// there.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/offline_cache/internal/logctx"
	"github.com/italolelis/offline_cache/internal/netmon"
	"github.com/italolelis/offline_cache/internal/provider"
	"github.com/italolelis/offline_cache/internal/storage"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotInitialized is returned by every operation invoked before Init.
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("engine already initialized")
)

// Engine owns the record set, the live task handles and the retry/deletion
// timers. All state is guarded by one mutex; external calls (persistence,
// file checks, transport commands) happen under it so the "persist before
// mutate in memory, mutate before acting on transport" ordering holds.
// Transport callbacks arrive on their own goroutines, take the same lock,
// and look records up by id; a callback for a removed record finds nothing
// and returns without side effects.
type Engine struct {
	opts Options

	mu          sync.Mutex
	initialized bool
	records     map[string]*storage.Record
	idByURL     map[string]string
	tasks       map[string]provider.Task
	retry       *retrier
	deletions   *deletionScheduler
	arb         arbiter
	unsubscribe func()
}

// New validates the options and builds an uninitialized engine. Call Init
// before anything else.
func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}

	e := &Engine{
		opts:    opts.withDefaults(),
		records: make(map[string]*storage.Record),
		idByURL: make(map[string]string),
		tasks:   make(map[string]provider.Task),
	}
	e.retry = newRetrier(e)
	e.deletions = newDeletionScheduler(e)
	e.arb = newArbiter(e.opts.ActiveNetworkTypes)

	return e, nil
}

// Init reconciles persisted records, in-flight transfers and on-disk files
// into one consistent state, then marks the engine ready. It must be called
// exactly once; any failure leaves the engine uninitialized.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()

	if e.initialized {
		e.mu.Unlock()

		return ErrAlreadyInitialized
	}

	emits, err := e.initLocked(ctx)
	if err != nil {
		e.rollbackLocked()
		e.mu.Unlock()

		return err
	}

	e.initialized = true
	e.mu.Unlock()

	for _, emit := range emits {
		emit()
	}

	return nil
}

func (e *Engine) initLocked(ctx context.Context) ([]func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		persisted []*storage.Record
		inFlight  []provider.Task
		filenames []string
	)

	// The three sources of truth are independent; read them concurrently.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		persisted, err = e.opts.Store.ReadAll(gctx, e.opts.Domain)
		if err != nil {
			return fmt.Errorf("failed to read records: %w", err)
		}

		return nil
	})
	g.Go(func() error {
		var err error

		inFlight, err = e.opts.Provider.InFlight(gctx)
		if err != nil {
			return fmt.Errorf("failed to list in-flight transfers: %w", err)
		}

		return nil
	})
	g.Go(func() error {
		var err error

		filenames, err = e.opts.Files.ListDir(e.opts.Dir)
		if err != nil {
			return fmt.Errorf("failed to list cache directory: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Purge already-expired records first so nothing below sees them.
	now := e.opts.Clock.Now()

	var expired []string

	for _, rec := range persisted {
		if rec.Expired(now) {
			expired = append(expired, rec.ID)

			continue
		}

		e.records[rec.ID] = rec
		e.idByURL[rec.URL] = rec.ID
	}

	if len(expired) > 0 {
		if err := e.opts.Store.RemoveBatch(ctx, e.opts.Domain, expired); err != nil {
			return nil, fmt.Errorf("failed to purge expired records: %w", err)
		}

		e.opts.Metrics.RecordRecordsPurged("startup", len(expired))
		logger.Info("purged expired records at startup", "count", len(expired))
	}

	var emits []func()

	// Adopt (or discard) whatever the transport still has going.
	for _, task := range inFlight {
		emits = append(emits, e.adoptTaskLocked(ctx, task, filenames)...)
	}

	// Unfinished live records with no surviving task start over.
	for _, rec := range e.records {
		if !rec.Active() || rec.Finished {
			continue
		}

		if _, running := e.tasks[rec.ID]; running {
			continue
		}

		if err := e.startTransferLocked(ctx, rec); err != nil {
			logger.Error("failed to start transfer at init", "record_id", rec.ID, "url", rec.URL, "err", err)
			emits = append(emits, e.transferErrorLocked(rec, err))
		}
	}

	// Files whose stem doesn't match any known record are orphans.
	for _, name := range filenames {
		if _, known := e.records[stem(name)]; known {
			continue
		}

		if err := e.opts.Files.Remove(filepath.Join(e.opts.Dir, name)); err != nil {
			logger.Warn("failed to remove orphan file", "file", name, "err", err)
		}
	}

	// Lazily-deleted records with a future deadline get their wake-ups.
	pending := make([]*storage.Record, 0)

	for _, rec := range e.records {
		if rec.Deletion == storage.DeletionAt {
			pending = append(pending, rec)
		}
	}

	e.deletions.schedule(pending)

	if e.opts.Monitor != nil {
		state, err := e.opts.Monitor.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch connectivity: %w", err)
		}

		if e.arb.observe(state) && e.arb.wouldAutoPause {
			e.pauseTasksLocked()
		}

		unsubscribe, err := e.opts.Monitor.Subscribe(e.onConnectivity)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to connectivity: %w", err)
		}

		e.unsubscribe = unsubscribe
	}

	return emits, nil
}

// rollbackLocked undoes a partial init so a failed Init leaves no running
// transfers or timers behind.
func (e *Engine) rollbackLocked() {
	for _, task := range e.tasks {
		task.Stop()
	}

	e.records = make(map[string]*storage.Record)
	e.idByURL = make(map[string]string)
	e.tasks = make(map[string]provider.Task)
	e.retry.clear()
	e.deletions.clear()
	e.arb.reset()

	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// adoptTaskLocked reconciles one transport-reported task against the record
// set and returns any notifications to emit once init completes.
func (e *Engine) adoptTaskLocked(ctx context.Context, task provider.Task, filenames []string) []func() {
	logger := logctx.LoggerFromContext(ctx)
	id := task.ID()
	state := task.State()

	rec, known := e.records[id]

	if !known || !rec.Active() {
		// Its record was removed while the transfer kept going.
		task.Stop()

		if (state == provider.StateDownloading || state == provider.StatePaused) && (rec == nil || !rec.Finished) {
			// A partial file left behind would fool a later revival into
			// treating it as a completed download.
			if p := e.orphanPath(rec, id, filenames); p != "" {
				if err := e.opts.Files.Remove(p); err != nil {
					logger.Warn("failed to remove partial file", "path", p, "err", err)
				}
			}
		}

		logger.Info("stopped orphaned transfer", "transfer_id", id, "state", state.String())

		return nil
	}

	if rec.Finished {
		// Invariant says a finished record has no live task; clean up.
		task.Stop()

		return nil
	}

	switch state {
	case provider.StateDownloading, provider.StatePaused:
		e.observeTask(rec, task)
		e.tasks[id] = task

		if e.arb.active() {
			task.Resume()
		} else {
			task.Pause()
		}

		return nil
	case provider.StateDone:
		rec.Finished = true

		if err := e.opts.Store.Write(ctx, e.opts.Domain, rec); err != nil {
			logger.Error("failed to persist adopted completion", "record_id", id, "err", err)
		}

		e.acknowledge(id)

		total := e.fileSize(rec.LocalPath)
		u, p := rec.URL, rec.LocalPath

		return []func(){func() {
			e.emitBegin(u, total)
			e.emitDone(u, p)
		}}
	case provider.StateStopped:
		if err := e.startTransferLocked(ctx, rec); err != nil {
			logger.Error("failed to restart stopped transfer", "record_id", id, "err", err)

			return []func(){e.transferErrorLocked(rec, err)}
		}

		return nil
	default: // failed or unknown
		err := fmt.Errorf("transfer %s reported state %s", id, state)

		return []func(){e.transferErrorLocked(rec, err)}
	}
}

// orphanPath resolves where an orphaned task was writing: the record's path
// when a (lazily deleted) record survives, otherwise a directory entry
// whose stem matches the task id.
func (e *Engine) orphanPath(rec *storage.Record, id string, filenames []string) string {
	if rec != nil {
		return rec.LocalPath
	}

	for _, name := range filenames {
		if stem(name) == id {
			return filepath.Join(e.opts.Dir, name)
		}
	}

	return ""
}

// Terminate stops every live task, clears all in-memory state and timers,
// and returns the engine to an uninitialized state. Persisted records are
// untouched; a fresh Init reconstructs the same logical state.
func (e *Engine) Terminate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}

	e.rollbackLocked()
	e.initialized = false

	return nil
}

// AddURL ensures a record and transfer exist for the url. Adding a url that
// is already tracked is a no-op; adding one that is lazily deleted revives
// it.
func (e *Engine) AddURL(ctx context.Context, rawurl string) error {
	logger := logctx.LoggerFromContext(ctx)

	e.mu.Lock()

	if !e.initialized {
		e.mu.Unlock()

		return ErrNotInitialized
	}

	if id, tracked := e.idByURL[rawurl]; tracked {
		rec := e.records[id]
		if rec.Active() {
			e.mu.Unlock()

			return nil
		}

		emit, err := e.reviveLocked(ctx, rec)
		e.mu.Unlock()

		if emit != nil {
			emit()
		}

		return err
	}

	id := uuid.NewString()
	rec := &storage.Record{
		ID:        id,
		URL:       rawurl,
		LocalPath: filepath.Join(e.opts.Dir, id+deriveExt(rawurl)),
		CreatedAt: e.opts.Clock.Now(),
		Deletion:  storage.DeletionNone,
	}

	// Persist before starting the transfer: a crash in between leaves a
	// record without a file, never a file without a record.
	if err := e.opts.Store.Write(ctx, e.opts.Domain, rec); err != nil {
		e.mu.Unlock()

		return fmt.Errorf("failed to persist record: %w", err)
	}

	e.records[id] = rec
	e.idByURL[rawurl] = id

	var emit func()

	if err := e.startTransferLocked(ctx, rec); err != nil {
		logger.Error("failed to start transfer", "url", rawurl, "err", err)
		emit = e.transferErrorLocked(rec, err)
	}

	e.mu.Unlock()

	if emit != nil {
		emit()
	}

	return nil
}

// reviveLocked brings a lazily-deleted record back to life, restarting the
// transfer unless a genuinely complete file is still on disk.
func (e *Engine) reviveLocked(ctx context.Context, rec *storage.Record) (func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	// Stage the revival on a copy: a failed write must leave the record
	// lazily deleted both in memory and on disk, so a retried add attempts
	// the revival again instead of hitting the tracked-url no-op.
	revived := *rec
	revived.Deletion = storage.DeletionNone
	revived.DeleteAt = time.Time{}
	revived.CreatedAt = e.opts.Clock.Now()

	// The file may have vanished behind a finished record; never trust the
	// flag alone.
	complete := false

	if revived.Finished {
		exists, err := e.opts.Files.Exists(revived.LocalPath)
		if err != nil {
			logger.Warn("failed to check cached file", "path", revived.LocalPath, "err", err)
		}

		complete = exists
		revived.Finished = exists
	}

	if err := e.opts.Store.Write(ctx, e.opts.Domain, &revived); err != nil {
		return nil, fmt.Errorf("failed to persist revived record: %w", err)
	}

	*rec = revived

	logger.Info("revived record", "record_id", rec.ID, "url", rec.URL, "complete", complete)

	if complete {
		// No new transfer happens, but callers still observe a coherent
		// begin/done pair.
		total := e.fileSize(rec.LocalPath)
		u, p := rec.URL, rec.LocalPath

		return func() {
			e.emitBegin(u, total)
			e.emitDone(u, p)
		}, nil
	}

	if err := e.startTransferLocked(ctx, rec); err != nil {
		logger.Error("failed to start transfer for revived record", "url", rec.URL, "err", err)

		return e.transferErrorLocked(rec, err), nil
	}

	return nil, nil
}

// RemoveURL stops and disposes of the url's record according to the removal
// mode. Removing an unknown url is a no-op.
func (e *Engine) RemoveURL(ctx context.Context, rawurl string, rm Removal) error {
	e.mu.Lock()

	if !e.initialized {
		e.mu.Unlock()

		return ErrNotInitialized
	}

	id, tracked := e.idByURL[rawurl]
	if !tracked {
		e.mu.Unlock()

		return nil
	}

	task := e.tasks[id]
	delete(e.tasks, id)
	e.retry.remove(id)
	e.mu.Unlock()

	if task != nil {
		task.Stop()
	}

	// Callers get a chance to release dependent resources before anything
	// is destroyed.
	if e.opts.OnWillRemove != nil {
		e.opts.OnWillRemove(ctx, rawurl)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The callback is a suspension point; re-check the record survived it.
	rec, ok := e.records[id]
	if !ok {
		return nil
	}

	switch {
	case rm.OnNextStart:
		rec.Deletion = storage.DeletionNextStart
		rec.DeleteAt = time.Time{}

		if err := e.opts.Store.Write(ctx, e.opts.Domain, rec); err != nil {
			return fmt.Errorf("failed to persist removal: %w", err)
		}
	case !rm.At.IsZero():
		rec.Deletion = storage.DeletionAt
		rec.DeleteAt = rm.At

		if err := e.opts.Store.Write(ctx, e.opts.Domain, rec); err != nil {
			return fmt.Errorf("failed to persist removal: %w", err)
		}

		e.deletions.schedule([]*storage.Record{rec})
	default:
		if err := e.opts.Store.Remove(ctx, e.opts.Domain, id); err != nil {
			return fmt.Errorf("failed to remove record: %w", err)
		}

		delete(e.records, id)
		delete(e.idByURL, rawurl)

		if err := e.opts.Files.Remove(rec.LocalPath); err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to remove cached file", "path", rec.LocalPath, "err", err)
		}
	}

	return nil
}

// SetQueue reconciles the tracked set against the desired urls in one call:
// urls no longer wanted are removed with the given mode, new urls are
// added, active ones are left alone. Records already lazily deleted and
// outside the new set are not disturbed.
func (e *Engine) SetQueue(ctx context.Context, urls []string, rm Removal) error {
	e.mu.Lock()

	if !e.initialized {
		e.mu.Unlock()

		return ErrNotInitialized
	}

	want := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		want[u] = struct{}{}
	}

	var stale []string

	for u, id := range e.idByURL {
		if _, keep := want[u]; keep {
			continue
		}

		if e.records[id].Active() {
			stale = append(stale, u)
		}
	}

	e.mu.Unlock()

	for _, u := range stale {
		if err := e.RemoveURL(ctx, u, rm); err != nil {
			return err
		}
	}

	for _, u := range urls {
		if err := e.AddURL(ctx, u); err != nil {
			return err
		}
	}

	return nil
}

// PauseAll suspends every transfer and the retry timer until ResumeAll.
func (e *Engine) PauseAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}

	e.arb.pausedByUser = true
	e.pauseTasksLocked()

	return nil
}

// ResumeAll clears the user pause. Transfers actually resume only if
// connectivity allows it; otherwise the engine stays auto-paused until the
// network recovers.
func (e *Engine) ResumeAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}

	e.arb.pausedByUser = false

	if !e.arb.wouldAutoPause {
		e.resumeTasksLocked()
	}

	return nil
}

// SetActiveNetworkTypes replaces the connection-type allow-list and
// re-evaluates against current connectivity.
func (e *Engine) SetActiveNetworkTypes(ctx context.Context, types []string) error {
	e.mu.Lock()

	if !e.initialized {
		e.mu.Unlock()

		return ErrNotInitialized
	}

	if len(types) > 0 && e.opts.Monitor == nil {
		e.mu.Unlock()

		return fmt.Errorf("active network types require a network monitor")
	}

	e.arb.allowed = types
	e.mu.Unlock()

	if e.opts.Monitor == nil {
		return nil
	}

	state, err := e.opts.Monitor.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch connectivity: %w", err)
	}

	e.onConnectivity(state)

	return nil
}

// onConnectivity folds a connectivity event into the arbiter. While the
// user has paused explicitly the decision is recorded silently; tasks are
// only touched when the auto-pause verdict actually flips.
func (e *Engine) onConnectivity(state netmon.State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return
	}

	if !e.arb.observe(state) {
		return
	}

	if e.arb.pausedByUser {
		return
	}

	if e.arb.wouldAutoPause {
		e.pauseTasksLocked()
	} else {
		e.resumeTasksLocked()
	}
}

func (e *Engine) pauseTasksLocked() {
	for _, task := range e.tasks {
		task.Pause()
	}

	e.retry.suspend()
}

func (e *Engine) resumeTasksLocked() {
	for _, task := range e.tasks {
		task.Resume()
	}

	e.retry.arm()
}

// startTransferLocked asks the provider for a fresh task and wires the
// engine's observers to it.
func (e *Engine) startTransferLocked(ctx context.Context, rec *storage.Record) error {
	task, err := e.opts.Provider.Start(ctx, rec.ID, rec.URL, rec.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to start transfer: %w", err)
	}

	e.observeTask(rec, task)
	e.tasks[rec.ID] = task

	if !e.arb.active() {
		task.Pause()
	}

	return nil
}

// observeTask registers the engine's callbacks on a task. Handlers resolve
// the record by id on every event, so a callback that limps in after the
// record was removed is dropped harmlessly.
func (e *Engine) observeTask(rec *storage.Record, task provider.Task) {
	id := rec.ID

	task.OnBegin(func(total int64) {
		e.handleTaskBegin(id, total)
	})
	task.OnProgress(func(bytes, total int64) {
		e.handleTaskProgress(id, bytes, total)
	})
	task.OnDone(func() {
		e.handleTaskDone(id)
	})
	task.OnError(func(err error) {
		e.handleTaskError(id, err)
	})
}

func (e *Engine) handleTaskBegin(id string, total int64) {
	e.mu.Lock()

	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()

		return
	}

	u := rec.URL
	e.mu.Unlock()

	e.emitBegin(u, total)
}

func (e *Engine) handleTaskProgress(id string, bytes, total int64) {
	e.mu.Lock()

	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()

		return
	}

	u := rec.URL
	e.mu.Unlock()

	fraction := 0.0
	if total > 0 {
		fraction = float64(bytes) / float64(total)
	}

	e.emitProgress(u, fraction, bytes, total)
}

func (e *Engine) handleTaskDone(id string) {
	ctx := context.Background()

	e.mu.Lock()

	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()

		return
	}

	rec.Finished = true
	delete(e.tasks, id)
	e.retry.remove(id)

	if err := e.opts.Store.Write(ctx, e.opts.Domain, rec); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist completion", "record_id", id, "err", err)
	}

	e.acknowledge(id)

	u, p := rec.URL, rec.LocalPath
	e.mu.Unlock()

	e.emitDone(u, p)
}

func (e *Engine) handleTaskError(id string, err error) {
	e.mu.Lock()

	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()

		return
	}

	delete(e.tasks, id)
	emit := e.transferErrorLocked(rec, err)
	e.mu.Unlock()

	emit()
}

// transferErrorLocked queues the record for retry and returns the deferred
// error notification.
func (e *Engine) transferErrorLocked(rec *storage.Record, err error) func() {
	e.retry.add(rec.ID)

	u := rec.URL

	return func() {
		e.emitError(u, err)
	}
}

// acknowledge tells providers that need it that a completion was recorded.
func (e *Engine) acknowledge(id string) {
	if ack, ok := e.opts.Provider.(provider.CompletionAcknowledger); ok {
		ack.AcknowledgeCompletion(id)
	}
}

func (e *Engine) fileSize(path string) int64 {
	size, err := e.opts.Files.Size(path)
	if err != nil {
		return 0
	}

	return size
}

func (e *Engine) emitBegin(url string, total int64) {
	if e.opts.OnBegin != nil {
		e.opts.OnBegin(url, total)
	}
}

func (e *Engine) emitProgress(url string, fraction float64, bytes, total int64) {
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(url, fraction, bytes, total)
	}
}

func (e *Engine) emitDone(url, localPath string) {
	if e.opts.OnDone != nil {
		e.opts.OnDone(url, localPath)
	}
}

func (e *Engine) emitError(url string, err error) {
	if e.opts.OnError != nil {
		e.opts.OnError(url, err)
	}
}

// deriveExt infers a file extension from the url path so cached files keep
// a recognizable type. Anything unusual collapses to no extension.
func deriveExt(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}

	ext := path.Ext(u.Path)
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}

	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return ""
		}
	}

	return ext
}

// stem strips the extension from a cache filename, recovering the record id.
func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
