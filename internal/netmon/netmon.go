package netmon

import (
	"context"
	"net"
	"sync"
	"time"
)

// State is a snapshot of connectivity: whether the network is reachable and
// an opaque connection-type classification ("wifi", "cellular", "ethernet").
type State struct {
	Connected bool
	Type      string
}

// Monitor reports connectivity and pushes changes to subscribers.
type Monitor interface {
	Current(ctx context.Context) (State, error)
	// Subscribe registers a listener for state changes and returns an
	// unsubscribe function.
	Subscribe(fn func(State)) (func(), error)
}

const (
	defaultProbeAddr     = "1.1.1.1:443"
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Poller is a Monitor that derives connectivity from periodic dial probes.
// The connection type is fixed per deployment (a server doesn't hop between
// wifi and cellular); it exists so allow-list arbitration stays exercisable.
type Poller struct {
	addr     string
	connType string
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	last      *State
	listeners map[int]func(State)
	nextID    int
	stop      chan struct{}
}

func NewPoller(addr, connType string, interval time.Duration) *Poller {
	if addr == "" {
		addr = defaultProbeAddr
	}

	if interval <= 0 {
		interval = defaultProbeInterval
	}

	return &Poller{
		addr:      addr,
		connType:  connType,
		interval:  interval,
		timeout:   defaultProbeTimeout,
		listeners: make(map[int]func(State)),
	}
}

func (p *Poller) Current(_ context.Context) (State, error) {
	return p.probe(), nil
}

func (p *Poller) Subscribe(fn func(State)) (func(), error) {
	p.mu.Lock()

	id := p.nextID
	p.nextID++
	p.listeners[id] = fn

	if p.stop == nil {
		p.stop = make(chan struct{})

		go p.loop(p.stop)
	}

	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		delete(p.listeners, id)

		if len(p.listeners) == 0 && p.stop != nil {
			close(p.stop)
			p.stop = nil
		}
	}, nil
}

func (p *Poller) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			state := p.probe()

			p.mu.Lock()
			changed := p.last == nil || *p.last != state
			p.last = &state

			var fns []func(State)
			if changed {
				for _, fn := range p.listeners {
					fns = append(fns, fn)
				}
			}
			p.mu.Unlock()

			for _, fn := range fns {
				fn(state)
			}
		}
	}
}

func (p *Poller) probe() State {
	conn, err := net.DialTimeout("tcp", p.addr, p.timeout)
	if err != nil {
		return State{Connected: false, Type: p.connType}
	}

	conn.Close()

	return State{Connected: true, Type: p.connType}
}
