package httpdl_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/offline_cache/internal/provider"
	"github.com/italolelis/offline_cache/internal/provider/httpdl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestStartDownloadsFile(t *testing.T) {
	body := strings.Repeat("x", 1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "file.bin")
	p := httpdl.New(ts.Client())

	task, err := p.Start(context.Background(), "t1", ts.URL, dest)
	require.NoError(t, err)

	var beginTotal int64

	done := make(chan struct{})
	task.OnBegin(func(total int64) { beginTotal = total })
	task.OnDone(func() { close(done) })

	waitFor(t, done, "done callback")

	assert.Equal(t, int64(len(body)), beginTotal)
	assert.Equal(t, provider.StateDone, task.State())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestStartRejectsDuplicateID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, "data")
	}))
	defer ts.Close()

	dir := t.TempDir()
	p := httpdl.New(ts.Client())

	_, err := p.Start(context.Background(), "t1", ts.URL, filepath.Join(dir, "a"))
	require.NoError(t, err)

	_, err = p.Start(context.Background(), "t1", ts.URL, filepath.Join(dir, "b"))
	assert.Error(t, err)
}

func TestErrorStatusFailsTask(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	p := httpdl.New(ts.Client())

	task, err := p.Start(context.Background(), "t1", ts.URL, filepath.Join(t.TempDir(), "a"))
	require.NoError(t, err)

	failed := make(chan struct{})
	task.OnError(func(err error) {
		assert.Contains(t, err.Error(), "unexpected status")
		close(failed)
	})

	waitFor(t, failed, "error callback")
	assert.Equal(t, provider.StateFailed, task.State())
}

func TestResumeSendsRangeRequest(t *testing.T) {
	full := "0123456789"

	var sawRange string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange = r.Header.Get("Range")
		if sawRange == "bytes=4-" {
			w.Header().Set("Content-Range", "bytes 4-9/10")
			w.WriteHeader(http.StatusPartialContent)
			fmt.Fprint(w, full[4:])

			return
		}

		fmt.Fprint(w, full)
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(dest, []byte(full[:4]), 0o644))

	p := httpdl.New(ts.Client())

	task, err := p.Start(context.Background(), "t1", ts.URL, dest)
	require.NoError(t, err)

	done := make(chan struct{})
	task.OnDone(func() { close(done) })

	waitFor(t, done, "done callback")

	assert.Equal(t, "bytes=4-", sawRange)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, full, string(got))
}

func TestInFlightAndAcknowledge(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, "data")
	}))
	defer ts.Close()

	p := httpdl.New(ts.Client())

	task, err := p.Start(context.Background(), "t1", ts.URL, filepath.Join(t.TempDir(), "a"))
	require.NoError(t, err)

	inFlight, err := p.InFlight(context.Background())
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, "t1", inFlight[0].ID())

	done := make(chan struct{})
	task.OnDone(func() { close(done) })
	close(release)
	waitFor(t, done, "done callback")

	p.AcknowledgeCompletion("t1")

	inFlight, err = p.InFlight(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inFlight)
}

func TestStopRemovesFromInFlight(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()

	p := httpdl.New(ts.Client())

	task, err := p.Start(context.Background(), "t1", ts.URL, filepath.Join(t.TempDir(), "a"))
	require.NoError(t, err)

	require.NoError(t, task.Stop())
	assert.Equal(t, provider.StateStopped, task.State())

	inFlight, err := p.InFlight(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inFlight)
}
