package putio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/italolelis/offline_cache/internal/provider"
	"github.com/italolelis/offline_cache/internal/provider/progress"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	progressInterval = 256 * 1024
)

type task struct {
	provider *Provider
	id       string
	url      string
	dest     string

	mu         sync.Mutex
	state      provider.TaskState
	cancel     context.CancelFunc
	remoteID   int64
	fileID     int64
	began      bool
	beganTotal int64
	failedErr  error

	beginFns    []func(totalBytes int64)
	progressFns []func(bytes, totalBytes int64)
	doneFns     []func()
	errorFns    []func(err error)
}

func newTask(p *Provider, id, url, dest string) *task {
	return &task{
		provider: p,
		id:       id,
		url:      url,
		dest:     dest,
		state:    provider.StateDownloading,
	}
}

func (t *task) ID() string { return t.id }

func (t *task) State() provider.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *task) OnBegin(fn func(totalBytes int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.beginFns = append(t.beginFns, fn)

	if t.began {
		total := t.beganTotal

		go fn(total)
	}
}

func (t *task) OnProgress(fn func(bytes, totalBytes int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progressFns = append(t.progressFns, fn)
}

func (t *task) OnDone(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.doneFns = append(t.doneFns, fn)

	if t.state == provider.StateDone {
		go fn()
	}
}

func (t *task) OnError(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errorFns = append(t.errorFns, fn)

	if t.state == provider.StateFailed && t.failedErr != nil {
		err := t.failedErr

		go fn(err)
	}
}

// Pause stops polling and the local copy. The put.io side keeps fetching
// remotely; resuming picks up from wherever it got to.
func (t *task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != provider.StateDownloading {
		return nil
	}

	t.state = provider.StatePaused
	t.cancel()

	return nil
}

func (t *task) Resume() error {
	t.mu.Lock()

	if t.state != provider.StatePaused {
		t.mu.Unlock()

		return nil
	}

	t.state = provider.StateDownloading
	t.mu.Unlock()

	t.launch()

	return nil
}

func (t *task) Stop() error {
	t.mu.Lock()

	if t.state == provider.StateDownloading {
		t.cancel()
	}

	t.state = provider.StateStopped
	remoteID := t.remoteID
	t.mu.Unlock()

	if remoteID != 0 {
		// Best effort, the remote transfer is orphaned otherwise.
		t.provider.client.Transfers.Cancel(context.Background(), remoteID)
	}

	t.provider.forget(t.id)

	return nil
}

func (t *task) launch() {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		err := t.transfer(ctx)

		t.mu.Lock()
		if t.state != provider.StateDownloading {
			t.mu.Unlock()

			return
		}

		if err != nil {
			t.state = provider.StateFailed
			t.failedErr = err
			fns := append([]func(error){}, t.errorFns...)
			t.mu.Unlock()

			for _, fn := range fns {
				fn(err)
			}

			return
		}

		t.state = provider.StateDone
		fns := append([]func(){}, t.doneFns...)
		t.mu.Unlock()

		for _, fn := range fns {
			fn()
		}
	}()
}

func (t *task) transfer(ctx context.Context) error {
	fileID, size, err := t.awaitRemote(ctx)
	if err != nil {
		return err
	}

	t.emitBegin(size)

	if err := t.copyDown(ctx, fileID, size); err != nil {
		return err
	}

	t.cleanupRemote()

	return nil
}

// awaitRemote adds the transfer on put.io (first launch only) and polls it
// until the remote fetch completes, returning the resulting file id.
func (t *task) awaitRemote(ctx context.Context) (int64, int64, error) {
	client := t.provider.client

	t.mu.Lock()
	remoteID := t.remoteID
	t.mu.Unlock()

	if remoteID == 0 {
		tr, err := client.Transfers.Add(ctx, t.url, 0, "")
		if err != nil {
			return 0, 0, fmt.Errorf("failed to add transfer: %w", err)
		}

		remoteID = tr.ID

		t.mu.Lock()
		t.remoteID = remoteID
		t.mu.Unlock()
	}

	ticker := t.provider.newTicker()
	defer ticker.Stop()

	for {
		tr, err := client.Transfers.Get(ctx, remoteID)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to get transfer: %w", err)
		}

		switch strings.ToUpper(tr.Status) {
		case "COMPLETED", "SEEDING":
			t.mu.Lock()
			t.fileID = tr.FileID
			t.mu.Unlock()

			return tr.FileID, int64(tr.Size), nil
		case "ERROR":
			return 0, 0, fmt.Errorf("remote transfer failed: %s", tr.ErrorMessage)
		}

		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// copyDown streams the finished remote file to the local destination,
// resuming a partial copy with a Range request.
func (t *task) copyDown(ctx context.Context, fileID, total int64) error {
	client := t.provider.client

	offset := t.partialSize()
	if total > 0 && offset >= total {
		return nil
	}

	url, err := client.Files.URL(ctx, fileID, false)
	if err != nil {
		return fmt.Errorf("failed to get file download url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		offset = 0
	default:
		return fmt.Errorf("unexpected status %d downloading file", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(t.dest), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(t.dest, flags, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open target file: %w", err)
	}
	defer out.Close()

	pr := progress.NewReader(resp.Body, offset, total, progressInterval, t.emitProgress)

	if _, err := io.Copy(out, pr); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	return nil
}

// cleanupRemote removes the finished transfer and file from the put.io
// account so it doesn't accumulate. Failures are ignored.
func (t *task) cleanupRemote() {
	t.mu.Lock()
	remoteID, fileID := t.remoteID, t.fileID
	t.mu.Unlock()

	ctx := context.Background()

	if remoteID != 0 {
		t.provider.client.Transfers.Cancel(ctx, remoteID)
	}

	if fileID != 0 {
		t.provider.client.Files.Delete(ctx, fileID)
	}
}

func (t *task) partialSize() int64 {
	info, err := os.Stat(t.dest)
	if err != nil {
		return 0
	}

	return info.Size()
}

func (t *task) emitBegin(total int64) {
	t.mu.Lock()
	if t.began {
		t.mu.Unlock()

		return
	}

	t.began = true
	t.beganTotal = total
	fns := append([]func(int64){}, t.beginFns...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(total)
	}
}

func (t *task) emitProgress(written, total int64) {
	t.mu.Lock()
	fns := append([]func(int64, int64){}, t.progressFns...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(written, total)
	}
}
