package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/offline_cache/internal/fsstore"
	"github.com/italolelis/offline_cache/internal/netmon"
	"github.com/italolelis/offline_cache/internal/provider"
	"github.com/italolelis/offline_cache/internal/storage"
)

const defaultRetryInterval = 60 * time.Second

// Metrics receives the engine's business counters: retry attempts and record
// purges. *telemetry.Telemetry satisfies it; the default discards everything.
type Metrics interface {
	RecordTransferRetry()
	RecordRecordsPurged(trigger string, count int)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransferRetry()            {}
func (nopMetrics) RecordRecordsPurged(string, int) {}

// Options configures an Engine. Store, Files, Provider, Domain and Dir are
// required; everything else has a default.
type Options struct {
	// Domain namespaces the persisted records and the cache directory.
	Domain string
	// Dir is the directory local copies are written to.
	Dir string

	Store    storage.RecordStore
	Files    fsstore.FileStore
	Provider provider.Provider

	// Monitor is optional; without it transfers are never auto-paused.
	Monitor netmon.Monitor
	// ActiveNetworkTypes is the allow-list of connection types transfers
	// may use. Empty means all types. Requires a Monitor.
	ActiveNetworkTypes []string

	// RetryInterval is the delay between restart attempts for errored
	// transfers. Defaults to one minute.
	RetryInterval time.Duration

	// Clock defaults to the system clock; tests inject a fake.
	Clock Clock

	// Metrics is optional; without it retry and purge counts are dropped.
	Metrics Metrics

	OnBegin    func(url string, totalBytes int64)
	OnProgress func(url string, fraction float64, bytes, totalBytes int64)
	OnDone     func(url, localPath string)
	// OnWillRemove is awaited before a record's destructive removal, so
	// callers can release dependent resources first.
	OnWillRemove func(ctx context.Context, url string)
	OnError      func(url string, err error)
}

func (o *Options) validate() error {
	if o.Domain == "" {
		return fmt.Errorf("domain is required")
	}

	if o.Dir == "" {
		return fmt.Errorf("dir is required")
	}

	if o.Store == nil {
		return fmt.Errorf("record store is required")
	}

	if o.Files == nil {
		return fmt.Errorf("file store is required")
	}

	if o.Provider == nil {
		return fmt.Errorf("download provider is required")
	}

	if len(o.ActiveNetworkTypes) > 0 && o.Monitor == nil {
		return fmt.Errorf("active network types require a network monitor")
	}

	return nil
}

func (o *Options) withDefaults() Options {
	opts := *o

	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}

	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	return opts
}

// Removal selects how RemoveURL disposes of a record. The zero value deletes
// record and file eagerly; OnNextStart defers the purge to the next Init;
// a non-zero At defers it to that deadline.
type Removal struct {
	OnNextStart bool
	At          time.Time
}
