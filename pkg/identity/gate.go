package identity

import (
	"context"
	"fmt"
	"sync"
)

// Provider delivers principal change notifications. Subscribe registers fn
// for every change, starting with the provider's initial state, and returns
// a function that cancels the subscription. A nil principal means signed out.
type Provider interface {
	Subscribe(fn func(*Principal)) (unsubscribe func())
}

// Gate holds the current principal behind a readiness latch
type Gate struct {
	ready     chan struct{}
	readyOnce sync.Once

	mu          sync.RWMutex
	current     *Principal
	watchers    map[int]chan *Principal
	nextWatcher int
	closed      bool

	unsubscribe func()
}

// NewGate subscribes to provider exactly once
func NewGate(provider Provider) *Gate {
	g := &Gate{
		ready:    make(chan struct{}),
		watchers: make(map[int]chan *Principal),
	}
	unsubscribe := provider.Subscribe(g.deliver)

	g.mu.Lock()
	g.unsubscribe = unsubscribe
	g.mu.Unlock()
	return g
}

func (g *Gate) deliver(p *Principal) {
	var snapshot *Principal
	if p != nil {
		cp := *p
		snapshot = &cp
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.current = snapshot
	for _, ch := range g.watchers {
		sendLatest(ch, snapshot)
	}
	g.mu.Unlock()

	g.readyOnce.Do(func() { close(g.ready) })
}

// sendLatest replaces any unread value so slow watchers see only the newest state
func sendLatest(ch chan *Principal, p *Principal) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- p
}

// Ready is closed once the provider has delivered its first notification
func (g *Gate) Ready() <-chan struct{} {
	return g.ready
}

// Wait blocks until the gate is ready or ctx ends
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	default:
	}
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

// Current returns the latest principal. It reports false before the gate is
// ready and while nobody is signed in.
func (g *Gate) Current() (*Principal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return nil, false
	}
	cp := *g.current
	return &cp, true
}

// Watch returns a channel receiving every change after the call, and a
// function to stop watching. Only the newest unread value is buffered.
func (g *Gate) Watch() (<-chan *Principal, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch := make(chan *Principal, 1)
	if g.closed {
		close(ch)
		return ch, func() {}
	}

	id := g.nextWatcher
	g.nextWatcher++
	g.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if w, ok := g.watchers[id]; ok {
				delete(g.watchers, id)
				close(w)
			}
		})
	}
}

// Close unsubscribes from the provider and closes all watch channels.
// Wait callers already blocked stay blocked until their context ends.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	unsubscribe := g.unsubscribe
	for id, ch := range g.watchers {
		delete(g.watchers, id)
		close(ch)
	}
	g.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
