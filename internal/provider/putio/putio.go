// Package putio implements a download provider that routes transfers through
// a put.io account: the service fetches the url remotely, then the provider
// copies the finished file down to the local destination.
package putio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/offline_cache/internal/logctx"
	"github.com/italolelis/offline_cache/internal/provider"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
)

const defaultPollInterval = 5 * time.Second

// Provider transfers urls via put.io.
type Provider struct {
	client *putio.Client
	poll   time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

func New(token string, pollInterval time.Duration) *Provider {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return &Provider{
		client: putio.NewClient(oauthClient),
		poll:   pollInterval,
		tasks:  make(map[string]*task),
	}
}

// Authenticate verifies the token against the put.io account endpoint.
func (p *Provider) Authenticate(ctx context.Context) error {
	user, err := p.client.Account.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account info: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "authenticated with put.io", "user", user.Username)

	return nil
}

func (p *Provider) newTicker() *time.Ticker {
	return time.NewTicker(p.poll)
}

func (p *Provider) Start(ctx context.Context, id, url, destPath string) (provider.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tasks[id]; exists {
		return nil, fmt.Errorf("transfer %s already in flight", id)
	}

	t := newTask(p, id, url, destPath)
	p.tasks[id] = t

	t.launch()

	return t, nil
}

// InFlight reports the transfers this provider is tracking in this process.
// A put.io transfer itself survives the process, but the local copy phase
// does not, so only process-tracked tasks are adoptable.
func (p *Provider) InFlight(_ context.Context) ([]provider.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tasks := make([]provider.Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// AcknowledgeCompletion releases a finished task once its completion has
// been recorded.
func (p *Provider) AcknowledgeCompletion(id string) {
	p.forget(id)
}

func (p *Provider) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.tasks, id)
}
