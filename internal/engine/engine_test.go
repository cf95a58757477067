package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/offline_cache/internal/netmon"
	"github.com/italolelis/offline_cache/internal/provider"
	"github.com/italolelis/offline_cache/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced clock so timer behavior is deterministic.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	fn       func()
	fired    bool
	stopped  bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)

	return t
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true

	return !t.fired
}

// Advance moves the clock forward and fires due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	due := make([]*fakeTimer, 0)

	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.deadline.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })

	for _, t := range due {
		t.fn()
	}
}

// fakeStore is an in-memory RecordStore holding copies, so persisted state
// is distinguishable from the engine's in-memory state.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*storage.Record
	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*storage.Record)}
}

func (s *fakeStore) Write(_ context.Context, _ string, rec *storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return errors.New("store unavailable")
	}

	cp := *rec
	s.records[rec.ID] = &cp

	return nil
}

func (s *fakeStore) WriteBatch(ctx context.Context, domain string, recs []*storage.Record) error {
	for _, rec := range recs {
		if err := s.Write(ctx, domain, rec); err != nil {
			return err
		}
	}

	return nil
}

func (s *fakeStore) ReadAll(_ context.Context, _ string) ([]*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.Record, 0, len(s.records))

	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}

	return out, nil
}

func (s *fakeStore) Remove(_ context.Context, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return errors.New("store unavailable")
	}

	delete(s.records, id)

	return nil
}

func (s *fakeStore) RemoveBatch(ctx context.Context, domain string, ids []string) error {
	for _, id := range ids {
		if err := s.Remove(ctx, domain, id); err != nil {
			return err
		}
	}

	return nil
}

func (s *fakeStore) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failing = failing
}

func (s *fakeStore) get(id string) (storage.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return storage.Record{}, false
	}

	return *rec, true
}

// fakeFiles is an in-memory FileStore keyed by absolute path.
type fakeFiles struct {
	mu    sync.Mutex
	sizes map[string]int64
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{sizes: make(map[string]int64)}
}

func (f *fakeFiles) add(path string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sizes[path] = size
}

func (f *fakeFiles) Exists(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.sizes[path]

	return ok, nil
}

func (f *fakeFiles) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.sizes, path)

	return nil
}

func (f *fakeFiles) ListDir(dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var names []string

	for path := range f.sizes {
		if filepath.Dir(path) == dir {
			names = append(names, filepath.Base(path))
		}
	}

	return names, nil
}

func (f *fakeFiles) Size(path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	size, ok := f.sizes[path]
	if !ok {
		return 0, errors.New("no such file")
	}

	return size, nil
}

// fakeTask is a hand-driven transfer; tests trigger its events directly.
type fakeTask struct {
	mu       sync.Mutex
	id       string
	state    provider.TaskState
	begins   []func(int64)
	progress []func(int64, int64)
	dones    []func()
	errs     []func(error)
}

func newFakeTask(id string, state provider.TaskState) *fakeTask {
	return &fakeTask{id: id, state: state}
}

func (t *fakeTask) ID() string { return t.id }

func (t *fakeTask) State() provider.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *fakeTask) OnBegin(fn func(int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.begins = append(t.begins, fn)
}

func (t *fakeTask) OnProgress(fn func(int64, int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress = append(t.progress, fn)
}

func (t *fakeTask) OnDone(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dones = append(t.dones, fn)
}

func (t *fakeTask) OnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errs = append(t.errs, fn)
}

func (t *fakeTask) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = provider.StatePaused

	return nil
}

func (t *fakeTask) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = provider.StateDownloading

	return nil
}

func (t *fakeTask) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = provider.StateStopped

	return nil
}

func (t *fakeTask) begin(total int64) {
	t.mu.Lock()
	fns := append([]func(int64){}, t.begins...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(total)
	}
}

func (t *fakeTask) report(bytes, total int64) {
	t.mu.Lock()
	fns := append([]func(int64, int64){}, t.progress...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(bytes, total)
	}
}

func (t *fakeTask) finish() {
	t.mu.Lock()
	t.state = provider.StateDone
	fns := append([]func(){}, t.dones...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (t *fakeTask) fail(err error) {
	t.mu.Lock()
	t.state = provider.StateFailed
	fns := append([]func(error){}, t.errs...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// fakeProvider hands out fakeTasks and records every Start call.
type fakeProvider struct {
	mu       sync.Mutex
	startErr error
	started  []string // urls in Start order
	byID     map[string]*fakeTask
	inFlight []provider.Task
	acked    []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{byID: make(map[string]*fakeTask)}
}

func (p *fakeProvider) Start(_ context.Context, id, url, _ string) (provider.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.startErr != nil {
		return nil, p.startErr
	}

	t := newFakeTask(id, provider.StateDownloading)
	p.byID[id] = t
	p.started = append(p.started, url)

	return t, nil
}

func (p *fakeProvider) InFlight(_ context.Context) ([]provider.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inFlight, nil
}

func (p *fakeProvider) AcknowledgeCompletion(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acked = append(p.acked, id)
}

func (p *fakeProvider) setStartErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startErr = err
}

func (p *fakeProvider) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.started)
}

func (p *fakeProvider) task(id string) *fakeTask {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.byID[id]
}

// fakeMetrics counts the business metrics the engine reports.
type fakeMetrics struct {
	mu      sync.Mutex
	retries int
	purged  map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{purged: make(map[string]int)}
}

func (m *fakeMetrics) RecordTransferRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retries++
}

func (m *fakeMetrics) RecordRecordsPurged(trigger string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purged[trigger] += count
}

func (m *fakeMetrics) retryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.retries
}

func (m *fakeMetrics) purgedCount(trigger string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.purged[trigger]
}

// fakeMonitor reports a settable connectivity state to its subscribers.
type fakeMonitor struct {
	mu        sync.Mutex
	state     netmon.State
	listeners []func(netmon.State)
}

func newFakeMonitor(state netmon.State) *fakeMonitor {
	return &fakeMonitor{state: state}
}

func (m *fakeMonitor) Current(_ context.Context) (netmon.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state, nil
}

func (m *fakeMonitor) Subscribe(fn func(netmon.State)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)

	return func() {}, nil
}

func (m *fakeMonitor) emit(state netmon.State) {
	m.mu.Lock()
	m.state = state
	fns := append([]func(netmon.State){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

type event struct {
	kind  string
	url   string
	path  string
	total int64
	err   error
}

type harness struct {
	store   *fakeStore
	files   *fakeFiles
	prov    *fakeProvider
	clock   *fakeClock
	metrics *fakeMetrics
	events  chan event
	eng     *Engine
}

var testEpoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{
		store:   newFakeStore(),
		files:   newFakeFiles(),
		prov:    newFakeProvider(),
		clock:   newFakeClock(testEpoch),
		metrics: newFakeMetrics(),
		events:  make(chan event, 64),
	}

	opts := Options{
		Domain:   "podcasts",
		Dir:      "/cache/podcasts",
		Store:    h.store,
		Files:    h.files,
		Provider: h.prov,
		Clock:    h.clock,
		Metrics:  h.metrics,
		OnBegin: func(url string, total int64) {
			h.events <- event{kind: "begin", url: url, total: total}
		},
		OnProgress: func(url string, _ float64, bytes, total int64) {
			h.events <- event{kind: "progress", url: url, total: total}
		},
		OnDone: func(url, path string) {
			h.events <- event{kind: "done", url: url, path: path}
		},
		OnError: func(url string, err error) {
			h.events <- event{kind: "error", url: url, err: err}
		},
	}

	if mutate != nil {
		mutate(&opts)
	}

	eng, err := New(opts)
	require.NoError(t, err)

	h.eng = eng

	return h
}

func (h *harness) expect(t *testing.T, kind string) event {
	t.Helper()

	select {
	case ev := <-h.events:
		require.Equal(t, kind, ev.kind, "unexpected event for url %s", ev.url)

		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)

		return event{}
	}
}

func (h *harness) expectQuiet(t *testing.T) {
	t.Helper()

	select {
	case ev := <-h.events:
		t.Fatalf("unexpected %s event for %s", ev.kind, ev.url)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{
		Domain:             "podcasts",
		Dir:                "/cache",
		Store:              newFakeStore(),
		Files:              newFakeFiles(),
		Provider:           newFakeProvider(),
		ActiveNetworkTypes: []string{"wifi"},
	})
	assert.Error(t, err, "network types without a monitor must be rejected")
}

func TestOperationsRequireInit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.eng.AddURL(ctx, "https://example.com/a.mp3"), ErrNotInitialized)
	assert.ErrorIs(t, h.eng.RemoveURL(ctx, "https://example.com/a.mp3", Removal{}), ErrNotInitialized)
	assert.ErrorIs(t, h.eng.PauseAll(), ErrNotInitialized)
	assert.ErrorIs(t, h.eng.Terminate(), ErrNotInitialized)

	_, err := h.eng.Status(ctx, "https://example.com/a.mp3")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitIsNotRepeatable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.eng.Init(ctx))
	assert.ErrorIs(t, h.eng.Init(ctx), ErrAlreadyInitialized)
}

func TestAddURLStartsTransferAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))
	require.NoError(t, h.eng.AddURL(ctx, url))

	assert.Equal(t, 1, h.prov.startCount(), "second add of a tracked url must not start another transfer")

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	assert.False(t, st.Complete)
	assert.Equal(t, ".mp3", filepath.Ext(st.LocalPath))
	assert.Equal(t, "/cache/podcasts", filepath.Dir(st.LocalPath))

	persisted, err := h.store.ReadAll(ctx, "podcasts")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, url, persisted[0].URL)
	assert.False(t, persisted[0].Finished)
}

func TestTaskLifecycleEmitsEventsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)

	task := h.prov.task(stem(filepath.Base(st.LocalPath)))
	require.NotNil(t, task)

	task.begin(1000)
	ev := h.expect(t, "begin")
	assert.Equal(t, url, ev.url)
	assert.Equal(t, int64(1000), ev.total)

	task.report(500, 1000)
	h.expect(t, "progress")

	h.files.add(st.LocalPath, 1000)
	task.finish()
	ev = h.expect(t, "done")
	assert.Equal(t, url, ev.url)
	assert.Equal(t, st.LocalPath, ev.path)
	h.expectQuiet(t)

	st, err = h.eng.Status(ctx, url)
	require.NoError(t, err)
	assert.True(t, st.Complete)

	id := stem(filepath.Base(st.LocalPath))
	rec, ok := h.store.get(id)
	require.True(t, ok)
	assert.True(t, rec.Finished, "completion must be persisted")
	assert.Equal(t, []string{id}, h.prov.acked)
}

func TestFailedTransferIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)

	task := h.prov.task(stem(filepath.Base(st.LocalPath)))
	task.fail(errors.New("connection reset"))

	ev := h.expect(t, "error")
	assert.Equal(t, url, ev.url)

	// Short of the retry interval nothing happens.
	h.clock.Advance(59 * time.Second)
	assert.Equal(t, 1, h.prov.startCount())

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, 2, h.prov.startCount(), "errored transfer must restart after the retry interval")
}

func TestStartFailureFeedsRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))

	h.prov.setStartErr(errors.New("provider offline"))
	require.NoError(t, h.eng.AddURL(ctx, url), "a start failure is reported, not returned")
	h.expect(t, "error")

	h.prov.setStartErr(nil)
	h.clock.Advance(61 * time.Second)
	assert.Equal(t, 1, h.prov.startCount())

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	assert.False(t, st.Complete)
}

func TestEngineReportsBusinessMetrics(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	retried := "https://example.com/retried.mp3"
	lazy := "https://example.com/lazy.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, retried))

	st, err := h.eng.Status(ctx, retried)
	require.NoError(t, err)
	h.prov.task(stem(filepath.Base(st.LocalPath))).fail(errors.New("connection reset"))
	h.expect(t, "error")

	h.clock.Advance(61 * time.Second)
	assert.Equal(t, 1, h.metrics.retryCount(), "each retry attempt is counted")

	// A deadline purge reports under its own trigger.
	require.NoError(t, h.eng.RemoveURL(ctx, retried, Removal{At: h.clock.Now().Add(30 * time.Second)}))
	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.metrics.purgedCount("deadline"))

	// So does a startup purge.
	require.NoError(t, h.eng.AddURL(ctx, lazy))
	require.NoError(t, h.eng.RemoveURL(ctx, lazy, Removal{OnNextStart: true}))
	require.NoError(t, h.eng.Terminate())
	require.NoError(t, h.eng.Init(ctx))
	assert.Equal(t, 1, h.metrics.purgedCount("startup"))
}

func TestRemoveURLEager(t *testing.T) {
	var removed []string

	h := newHarness(t, func(o *Options) {
		o.OnWillRemove = func(_ context.Context, url string) {
			removed = append(removed, url)
		}
	})
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	h.files.add(st.LocalPath, 100)

	id := stem(filepath.Base(st.LocalPath))
	task := h.prov.task(id)

	require.NoError(t, h.eng.RemoveURL(ctx, url, Removal{}))

	assert.Equal(t, []string{url}, removed)
	assert.Equal(t, provider.StateStopped, task.State())

	exists, err := h.files.Exists(st.LocalPath)
	require.NoError(t, err)
	assert.False(t, exists, "eager removal deletes the local file")

	_, ok := h.store.get(id)
	assert.False(t, ok, "eager removal deletes the record")

	_, err = h.eng.Status(ctx, url)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Removing again is a no-op.
	require.NoError(t, h.eng.RemoveURL(ctx, url, Removal{}))
}

func TestRemoveURLOnNextStartPurgesAtInit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	h.files.add(st.LocalPath, 100)

	require.NoError(t, h.eng.RemoveURL(ctx, url, Removal{OnNextStart: true}))

	// Record and file survive until the next start.
	exists, err := h.files.Exists(st.LocalPath)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = h.eng.Status(ctx, url)
	assert.ErrorIs(t, err, storage.ErrNotFound, "lazily deleted records are invisible")

	require.NoError(t, h.eng.Terminate())
	require.NoError(t, h.eng.Init(ctx))

	exists, err = h.files.Exists(st.LocalPath)
	require.NoError(t, err)
	assert.False(t, exists, "next start purges the file")

	persisted, err := h.store.ReadAll(ctx, "podcasts")
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestRemoveURLAtDeadline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	h.files.add(st.LocalPath, 100)

	// Deadline 90s out rounds up to the two-minute boundary.
	require.NoError(t, h.eng.RemoveURL(ctx, url, Removal{At: testEpoch.Add(90 * time.Second)}))

	h.clock.Advance(119 * time.Second)

	exists, err := h.files.Exists(st.LocalPath)
	require.NoError(t, err)
	assert.True(t, exists, "purge fires only at the minute boundary")

	h.clock.Advance(2 * time.Second)

	exists, err = h.files.Exists(st.LocalPath)
	require.NoError(t, err)
	assert.False(t, exists)

	persisted, err := h.store.ReadAll(ctx, "podcasts")
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestFailedDeadlinePurgeIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	h.files.add(st.LocalPath, 100)

	require.NoError(t, h.eng.RemoveURL(ctx, url, Removal{At: testEpoch.Add(30 * time.Second)}))

	h.store.setFailing(true)
	h.clock.Advance(61 * time.Second)

	persisted, err := h.store.ReadAll(ctx, "podcasts")
	require.NoError(t, err)
	assert.Len(t, persisted, 1, "a failed purge must not drop the record")

	// The next wake-up finishes the job once the store recovers.
	h.store.setFailing(false)
	h.clock.Advance(61 * time.Second)

	persisted, err = h.store.ReadAll(ctx, "podcasts")
	require.NoError(t, err)
	assert.Empty(t, persisted)

	exists, err := h.files.Exists(st.LocalPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeadlinesShareMinuteBoundaryTimer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, "https://example.com/a.mp3"))
	require.NoError(t, h.eng.AddURL(ctx, "https://example.com/b.mp3"))

	require.NoError(t, h.eng.RemoveURL(ctx, "https://example.com/a.mp3", Removal{At: testEpoch.Add(70 * time.Second)}))
	require.NoError(t, h.eng.RemoveURL(ctx, "https://example.com/b.mp3", Removal{At: testEpoch.Add(100 * time.Second)}))

	h.eng.mu.Lock()
	timerCount := len(h.eng.deletions.timers)
	h.eng.mu.Unlock()

	assert.Equal(t, 1, timerCount, "deadlines within the same minute share one timer")

	h.clock.Advance(121 * time.Second)

	persisted, err := h.store.ReadAll(ctx, "podcasts")
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestAddRevivesLazilyDeletedRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	id := stem(filepath.Base(st.LocalPath))

	// Finish it, then lazily remove it.
	h.files.add(st.LocalPath, 100)
	h.prov.task(id).finish()
	h.expect(t, "done")

	require.NoError(t, h.eng.RemoveURL(ctx, url, Removal{OnNextStart: true}))

	// Re-adding before the purge revives the same record, keeping the file.
	require.NoError(t, h.eng.AddURL(ctx, url))

	ev := h.expect(t, "begin")
	assert.Equal(t, url, ev.url)
	ev = h.expect(t, "done")
	assert.Equal(t, st.LocalPath, ev.path)

	assert.Equal(t, 1, h.prov.startCount(), "a complete revived record must not re-download")

	st, err = h.eng.Status(ctx, url)
	require.NoError(t, err)
	assert.True(t, st.Complete)

	rec, ok := h.store.get(id)
	require.True(t, ok)
	assert.Equal(t, storage.DeletionNone, rec.Deletion)
}

func TestReviveRestartsWhenFileVanished(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	id := stem(filepath.Base(st.LocalPath))

	h.files.add(st.LocalPath, 100)
	h.prov.task(id).finish()
	h.expect(t, "done")

	require.NoError(t, h.eng.RemoveURL(ctx, url, Removal{OnNextStart: true}))
	require.NoError(t, h.files.Remove(st.LocalPath))

	require.NoError(t, h.eng.AddURL(ctx, url))
	assert.Equal(t, 2, h.prov.startCount(), "a finished record without its file must re-download")

	st, err = h.eng.Status(ctx, url)
	require.NoError(t, err)
	assert.False(t, st.Complete)
}

func TestReviveSurvivesStoreFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	id := stem(filepath.Base(st.LocalPath))

	require.NoError(t, h.eng.RemoveURL(ctx, url, Removal{OnNextStart: true}))

	h.store.setFailing(true)
	assert.Error(t, h.eng.AddURL(ctx, url), "a failed revival must surface")

	// The record must stay lazily deleted so a retried add revives it again
	// instead of hitting the tracked-url no-op.
	_, err = h.eng.Status(ctx, url)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec, ok := h.store.get(id)
	require.True(t, ok)
	assert.Equal(t, storage.DeletionNextStart, rec.Deletion)

	h.store.setFailing(false)
	require.NoError(t, h.eng.AddURL(ctx, url))
	assert.Equal(t, 2, h.prov.startCount(), "the retried add must restart the transfer")

	rec, ok = h.store.get(id)
	require.True(t, ok)
	assert.Equal(t, storage.DeletionNone, rec.Deletion)
}

func TestSetQueueReconciles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, "https://example.com/a.mp3"))
	require.NoError(t, h.eng.AddURL(ctx, "https://example.com/b.mp3"))

	require.NoError(t, h.eng.SetQueue(ctx, []string{"https://example.com/b.mp3", "https://example.com/c.mp3"}, Removal{}))

	_, err := h.eng.Status(ctx, "https://example.com/a.mp3")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = h.eng.Status(ctx, "https://example.com/b.mp3")
	assert.NoError(t, err)

	_, err = h.eng.Status(ctx, "https://example.com/c.mp3")
	assert.NoError(t, err)

	assert.Equal(t, 3, h.prov.startCount(), "kept urls must not restart")
}

func TestPauseResumeAll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	task := h.prov.task(stem(filepath.Base(st.LocalPath)))

	require.NoError(t, h.eng.PauseAll())
	assert.Equal(t, provider.StatePaused, task.State())

	// Urls added while paused start paused.
	require.NoError(t, h.eng.AddURL(ctx, "https://example.com/ep2.mp3"))

	st2, err := h.eng.Status(ctx, "https://example.com/ep2.mp3")
	require.NoError(t, err)

	task2 := h.prov.task(stem(filepath.Base(st2.LocalPath)))
	assert.Equal(t, provider.StatePaused, task2.State())

	require.NoError(t, h.eng.ResumeAll())
	assert.Equal(t, provider.StateDownloading, task.State())
	assert.Equal(t, provider.StateDownloading, task2.State())
}

func TestConnectivityArbitration(t *testing.T) {
	mon := newFakeMonitor(netmon.State{Connected: true, Type: "wifi"})

	h := newHarness(t, func(o *Options) {
		o.Monitor = mon
		o.ActiveNetworkTypes = []string{"wifi"}
	})
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	task := h.prov.task(stem(filepath.Base(st.LocalPath)))
	require.Equal(t, provider.StateDownloading, task.State())

	// Switching to a disallowed network auto-pauses.
	mon.emit(netmon.State{Connected: true, Type: "cellular"})
	assert.Equal(t, provider.StatePaused, task.State())

	// Coming back resumes.
	mon.emit(netmon.State{Connected: true, Type: "wifi"})
	assert.Equal(t, provider.StateDownloading, task.State())

	// Losing connectivity entirely pauses too.
	mon.emit(netmon.State{Connected: false})
	assert.Equal(t, provider.StatePaused, task.State())
}

func TestUserPauseOutlivesNetworkRecovery(t *testing.T) {
	mon := newFakeMonitor(netmon.State{Connected: true, Type: "wifi"})

	h := newHarness(t, func(o *Options) {
		o.Monitor = mon
		o.ActiveNetworkTypes = []string{"wifi"}
	})
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	task := h.prov.task(stem(filepath.Base(st.LocalPath)))

	require.NoError(t, h.eng.PauseAll())
	mon.emit(netmon.State{Connected: true, Type: "cellular"})
	mon.emit(netmon.State{Connected: true, Type: "wifi"})

	assert.Equal(t, provider.StatePaused, task.State(), "network recovery must not override an explicit pause")

	require.NoError(t, h.eng.ResumeAll())
	assert.Equal(t, provider.StateDownloading, task.State())
}

func TestSetActiveNetworkTypesReevaluates(t *testing.T) {
	mon := newFakeMonitor(netmon.State{Connected: true, Type: "cellular"})

	h := newHarness(t, func(o *Options) {
		o.Monitor = mon
	})
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	task := h.prov.task(stem(filepath.Base(st.LocalPath)))
	require.Equal(t, provider.StateDownloading, task.State())

	require.NoError(t, h.eng.SetActiveNetworkTypes(ctx, []string{"wifi"}))
	assert.Equal(t, provider.StatePaused, task.State())

	require.NoError(t, h.eng.SetActiveNetworkTypes(ctx, nil))
	assert.Equal(t, provider.StateDownloading, task.State())
}

func TestRogueCallbackAfterRemoval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, url))

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	task := h.prov.task(stem(filepath.Base(st.LocalPath)))

	require.NoError(t, h.eng.RemoveURL(ctx, url, Removal{}))

	// The stale task handle fires anyway; nothing may surface.
	task.begin(100)
	task.finish()
	task.fail(errors.New("late failure"))
	h.expectQuiet(t)
}

func TestTerminateInitRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	done := "https://example.com/done.mp3"
	pending := "https://example.com/pending.mp3"

	require.NoError(t, h.eng.Init(ctx))
	require.NoError(t, h.eng.AddURL(ctx, done))
	require.NoError(t, h.eng.AddURL(ctx, pending))

	st, err := h.eng.Status(ctx, done)
	require.NoError(t, err)
	h.files.add(st.LocalPath, 100)
	h.prov.task(stem(filepath.Base(st.LocalPath))).finish()
	h.expect(t, "done")

	require.NoError(t, h.eng.Terminate())
	_, err = h.eng.Status(ctx, done)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, h.eng.Init(ctx))

	st, err = h.eng.Status(ctx, done)
	require.NoError(t, err)
	assert.True(t, st.Complete, "finished records survive a restart")

	st, err = h.eng.Status(ctx, pending)
	require.NoError(t, err)
	assert.False(t, st.Complete)
	assert.Equal(t, 3, h.prov.startCount(), "unfinished records restart after init")
}

func TestInitAdoptsInFlightTasks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	running := &storage.Record{
		ID:        "run-1",
		URL:       "https://example.com/run.mp3",
		LocalPath: "/cache/podcasts/run-1.mp3",
		CreatedAt: testEpoch,
		Deletion:  storage.DeletionNone,
	}
	finished := &storage.Record{
		ID:        "fin-1",
		URL:       "https://example.com/fin.mp3",
		LocalPath: "/cache/podcasts/fin-1.mp3",
		CreatedAt: testEpoch,
		Deletion:  storage.DeletionNone,
	}
	require.NoError(t, h.store.Write(ctx, "podcasts", running))
	require.NoError(t, h.store.Write(ctx, "podcasts", finished))

	h.files.add(finished.LocalPath, 500)

	runningTask := newFakeTask("run-1", provider.StateDownloading)
	finishedTask := newFakeTask("fin-1", provider.StateDone)
	orphanTask := newFakeTask("ghost-1", provider.StateDownloading)
	h.prov.inFlight = []provider.Task{runningTask, finishedTask, orphanTask}

	require.NoError(t, h.eng.Init(ctx))

	// The finished task surfaces exactly one begin/done pair.
	ev := h.expect(t, "begin")
	assert.Equal(t, finished.URL, ev.url)
	assert.Equal(t, int64(500), ev.total)
	ev = h.expect(t, "done")
	assert.Equal(t, finished.LocalPath, ev.path)
	h.expectQuiet(t)

	assert.Equal(t, provider.StateDownloading, runningTask.State())
	assert.Equal(t, provider.StateStopped, orphanTask.State(), "tasks without records are stopped")
	assert.Equal(t, 0, h.prov.startCount(), "adopted tasks must not restart")
	assert.Equal(t, []string{"fin-1"}, h.prov.acked)

	// The adopted running task keeps reporting into the engine.
	runningTask.begin(800)
	ev = h.expect(t, "begin")
	assert.Equal(t, running.URL, ev.url)

	rec, ok := h.store.get("fin-1")
	require.True(t, ok)
	assert.True(t, rec.Finished)
}

func TestInitRemovesOrphanFiles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rec := &storage.Record{
		ID:        "keep-1",
		URL:       "https://example.com/keep.mp3",
		LocalPath: "/cache/podcasts/keep-1.mp3",
		CreatedAt: testEpoch,
		Finished:  true,
		Deletion:  storage.DeletionNone,
	}
	require.NoError(t, h.store.Write(ctx, "podcasts", rec))

	h.files.add(rec.LocalPath, 100)
	h.files.add("/cache/podcasts/ghost-9.mp3", 42)

	require.NoError(t, h.eng.Init(ctx))

	exists, err := h.files.Exists(rec.LocalPath)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = h.files.Exists("/cache/podcasts/ghost-9.mp3")
	require.NoError(t, err)
	assert.False(t, exists, "files without records are cleaned up")
}

func TestAvailableURL(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	url := "https://example.com/ep1.mp3"

	require.NoError(t, h.eng.Init(ctx))

	// Unknown urls pass through.
	got, err := h.eng.AvailableURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, url, got)

	require.NoError(t, h.eng.AddURL(ctx, url))

	// In-progress downloads still resolve to the remote url.
	got, err = h.eng.AvailableURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, url, got)

	st, err := h.eng.Status(ctx, url)
	require.NoError(t, err)
	h.files.add(st.LocalPath, 100)
	h.prov.task(stem(filepath.Base(st.LocalPath))).finish()
	h.expect(t, "done")

	got, err = h.eng.AvailableURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, st.LocalPath, got)

	// If the file disappears behind our back, fall back to the remote url.
	require.NoError(t, h.files.Remove(st.LocalPath))

	got, err = h.eng.AvailableURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, url, got)
}

func TestDeriveExt(t *testing.T) {
	cases := map[string]string{
		"https://example.com/ep1.mp3":           ".mp3",
		"https://example.com/ep1.mp3?token=abc": ".mp3",
		"https://example.com/feed":              "",
		"https://example.com/archive.tar.gz":    ".gz",
		"https://example.com/weird.%2e%2e":      "",
		"://bad-url":                            "",
	}

	for rawurl, want := range cases {
		assert.Equal(t, want, deriveExt(rawurl), "url %s", rawurl)
	}
}
