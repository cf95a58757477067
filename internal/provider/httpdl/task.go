package httpdl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/offline_cache/internal/provider"
	"github.com/italolelis/offline_cache/internal/provider/progress"
)

type task struct {
	provider *Provider
	client   *http.Client
	id       string
	url      string
	dest     string
	logger   *slog.Logger

	mu         sync.Mutex
	state      provider.TaskState
	cancel     context.CancelFunc
	began      bool
	beganTotal int64
	failedErr  error

	beginFns    []func(totalBytes int64)
	progressFns []func(bytes, totalBytes int64)
	doneFns     []func()
	errorFns    []func(err error)
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
	t.mu.Unlock()

	t.provider.forget(t.id)

	return nil
}

// launch starts (or restarts) the transfer goroutine. The caller must have
// set the state to downloading.
func (t *task) launch() {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		if err := t.transfer(ctx); err != nil {
			t.mu.Lock()
			// A cancelled request after pause/stop is not a failure.
			if t.state != provider.StateDownloading {
				t.mu.Unlock()

				return
			}

			t.state = provider.StateFailed
			t.failedErr = err
			fns := append([]func(error){}, t.errorFns...)
			t.mu.Unlock()

			t.logger.Error("transfer failed", "url", t.url, "err", err)

			for _, fn := range fns {
				fn(err)
			}

			return
		}

		t.mu.Lock()
		if t.state != provider.StateDownloading {
			t.mu.Unlock()

			return
		}

		t.state = provider.StateDone
		fns := append([]func(){}, t.doneFns...)
		t.mu.Unlock()

		t.logger.Info("transfer finished", "url", t.url, "target", t.dest)

		for _, fn := range fns {
			fn()
		}
	}()
}

func (t *task) transfer(ctx context.Context) error {
	offset := t.partialSize()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", t.url, err)
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		// Server honored the range, keep appending.
	case resp.StatusCode == http.StatusOK:
		// Full body; any partial data is stale.
		offset = 0
	default:
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, t.url)
	}

	total := resp.ContentLength
	if total > 0 {
		total += offset
	}

	t.emitBegin(total)

	if err := os.MkdirAll(filepath.Dir(t.dest), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := t.openDest(offset)
	if err != nil {
		return err
	}
	defer out.Close()

	t.logger.Info("downloading file", "url", t.url, "target", t.dest,
		"offset", offset, "file_size", humanize.Bytes(uint64(max(total, 0))))

	pr := progress.NewReader(resp.Body, offset, total, progressInterval, t.emitProgress)

	if _, err := io.Copy(out, pr); err != nil {
		return fmt.Errorf("failed to copy body: %w", err)
	}

	t.emitProgressFinal(pr.Written(), total)

	return nil
}

func (t *task) openDest(offset int64) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(t.dest, flags, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open target file: %w", err)
	}

	return out, nil
}

func (t *task) partialSize() int64 {
	info, err := os.Stat(t.dest)
	if err != nil {
		return 0
	}

	return info.Size()
}

// emitBegin fires the begin callbacks exactly once per task lifetime, so a
// pause/resume cycle does not replay it.
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

// emitProgressFinal reports the terminal byte count so observers always see
// the transfer reach its full size.
func (t *task) emitProgressFinal(written, total int64) {
	if written == 0 {
		return
	}

	t.emitProgress(written, total)
}
