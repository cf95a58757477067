package provider

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/offline_cache/internal/telemetry"
)

// InstrumentedProvider wraps a Provider with telemetry.
type InstrumentedProvider struct {
	provider     Provider
	telemetry    *telemetry.Telemetry
	providerType string
}

// NewInstrumentedProvider creates a new instrumented download provider.
func NewInstrumentedProvider(p Provider, tel *telemetry.Telemetry, providerType string) *InstrumentedProvider {
	return &InstrumentedProvider{
		provider:     p,
		telemetry:    tel,
		providerType: providerType,
	}
}

// Start starts a transfer with telemetry.
func (p *InstrumentedProvider) Start(ctx context.Context, id, url, destPath string) (Task, error) {
	var result Task

	var err error

	instrumentedErr := p.telemetry.InstrumentProviderOperation(ctx, p.providerType, "start", func(ctx context.Context) error {
		result, err = p.provider.Start(ctx, id, url, destPath)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return p.instrumentTask(result), nil
}

// InFlight lists in-flight transfers with telemetry.
func (p *InstrumentedProvider) InFlight(ctx context.Context) ([]Task, error) {
	var result []Task

	var err error

	instrumentedErr := p.telemetry.InstrumentProviderOperation(ctx, p.providerType, "in_flight", func(ctx context.Context) error {
		result, err = p.provider.InFlight(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	tasks := make([]Task, len(result))
	for i, task := range result {
		tasks[i] = p.instrumentTask(task)
	}

	return tasks, nil
}

// AcknowledgeCompletion forwards the acknowledgment when the wrapped
// provider needs one.
func (p *InstrumentedProvider) AcknowledgeCompletion(id string) {
	ack, ok := p.provider.(CompletionAcknowledger)
	if !ok {
		return
	}

	ack.AcknowledgeCompletion(id)
	p.telemetry.RecordProviderOperation(p.providerType, "acknowledge_completion", "success")
}

// instrumentTask hooks the task's own event stream, so the active-transfer
// gauge and the outcome counters stay correct no matter who else listens or
// how the transfer ends.
func (p *InstrumentedProvider) instrumentTask(task Task) Task {
	it := &instrumentedTask{Task: task, provider: p, started: time.Now()}

	p.telemetry.IncrementActiveTransfers()
	task.OnDone(func() {
		it.end("success")
	})
	task.OnError(func(error) {
		it.end("error")
	})

	return it
}

type instrumentedTask struct {
	Task

	provider *InstrumentedProvider
	started  time.Time

	mu    sync.Mutex
	ended bool
}

func (t *instrumentedTask) Pause() error {
	err := t.Task.Pause()
	t.provider.recordOp("pause", err)

	return err
}

func (t *instrumentedTask) Resume() error {
	err := t.Task.Resume()
	t.provider.recordOp("resume", err)

	return err
}

// Stop settles the gauge without an outcome: a stopped transfer neither
// succeeded nor failed.
func (t *instrumentedTask) Stop() error {
	t.end("")

	err := t.Task.Stop()
	t.provider.recordOp("stop", err)

	return err
}

// end settles the active-transfer gauge exactly once per task.
func (t *instrumentedTask) end(status string) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()

		return
	}

	t.ended = true
	t.mu.Unlock()

	t.provider.telemetry.DecrementActiveTransfers()

	if status != "" {
		t.provider.telemetry.RecordTransfer(status, time.Since(t.started))
	}
}

func (p *InstrumentedProvider) recordOp(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	p.telemetry.RecordProviderOperation(p.providerType, operation, status)
}
