package httpdl

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/italolelis/offline_cache/internal/logctx"
	"github.com/italolelis/offline_cache/internal/provider"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	progressInterval = 256 * 1024 // bytes between progress callbacks
)

// Provider transfers urls over plain HTTP, writing straight to the
// destination path and resuming partial files with Range requests.
type Provider struct {
	client *http.Client

	mu    sync.Mutex
	tasks map[string]*task
}

func New(client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}

	return &Provider{
		client: client,
		tasks:  make(map[string]*task),
	}
}

func (p *Provider) Start(ctx context.Context, id, url, destPath string) (provider.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tasks[id]; exists {
		return nil, fmt.Errorf("transfer %s already in flight", id)
	}

	t := &task{
		provider: p,
		client:   p.client,
		id:       id,
		url:      url,
		dest:     destPath,
		logger:   logctx.LoggerFromContext(ctx).With("transfer_id", id),
		state:    provider.StateDownloading,
	}
	p.tasks[id] = t

	t.launch()

	return t, nil
}

// InFlight reports the transfers this provider is tracking, so the engine
// can re-adopt them across its own init/terminate cycles.
func (p *Provider) InFlight(_ context.Context) ([]provider.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tasks := make([]provider.Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// AcknowledgeCompletion releases a finished task once the engine has
// recorded its completion.
func (p *Provider) AcknowledgeCompletion(id string) {
	p.forget(id)
}

func (p *Provider) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.tasks, id)
}
