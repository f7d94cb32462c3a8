package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider records subscriptions and lets tests fire notifications
type fakeProvider struct {
	mu            sync.Mutex
	subscriptions int
	fn            func(*Principal)
	unsubscribed  bool
}

func isReady(g *Gate) bool {
	select {
	case <-g.Ready():
		return true
	default:
		return false
	}
}

func currentID(g *Gate) string {
	if p, ok := g.Current(); ok {
		return p.ID
	}
	return ""
}

func (f *fakeProvider) Subscribe(fn func(*Principal)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions++
	f.fn = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed = true
	}
}

func (f *fakeProvider) emit(p *Principal) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(p)
}

func TestGate_NotReadyUntilFirstNotification(t *testing.T) {
	provider := &fakeProvider{}
	gate := NewGate(provider)

	assert.False(t, isReady(gate))
	_, ok := gate.Current()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gate.Wait(ctx)
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestGate_ReadyOnSignedOutState(t *testing.T) {
	provider := &fakeProvider{}
	gate := NewGate(provider)

	provider.emit(nil)

	require.NoError(t, gate.Wait(context.Background()))
	assert.True(t, isReady(gate))
	assert.Equal(t, "", currentID(gate))
}

func TestGate_WaitUnblocksAllWaiters(t *testing.T) {
	provider := &fakeProvider{}
	gate := NewGate(provider)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs <- gate.Wait(ctx)
		}()
	}

	provider.emit(&Principal{ID: "u1"})
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, "u1", currentID(gate))
}

func TestGate_SubscribesOnceAndTracksChanges(t *testing.T) {
	provider := &fakeProvider{}
	gate := NewGate(provider)

	provider.emit(&Principal{ID: "u1"})
	provider.emit(&Principal{ID: "u2", Email: "u2@example.com"})

	// Re-entrant waits return immediately
	for i := 0; i < 3; i++ {
		require.NoError(t, gate.Wait(context.Background()))
	}

	p, ok := gate.Current()
	require.True(t, ok)
	assert.Equal(t, "u2", p.ID)
	assert.Equal(t, 1, provider.subscriptions)
}

func TestGate_CurrentReturnsCopy(t *testing.T) {
	provider := &fakeProvider{}
	gate := NewGate(provider)

	original := &Principal{ID: "u1"}
	provider.emit(original)
	original.ID = "mutated"

	p, _ := gate.Current()
	p.Email = "changed"

	again, _ := gate.Current()
	assert.Equal(t, "u1", again.ID)
	assert.Empty(t, again.Email)
}

func TestGate_WatchReceivesLatest(t *testing.T) {
	provider := &fakeProvider{}
	gate := NewGate(provider)

	ch, stop := gate.Watch()
	defer stop()

	provider.emit(&Principal{ID: "u1"})
	provider.emit(nil)
	provider.emit(&Principal{ID: "u3"})

	select {
	case p := <-ch:
		require.NotNil(t, p)
		assert.Equal(t, "u3", p.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	provider.emit(nil)
	assert.Nil(t, <-ch)
}

func TestGate_Close(t *testing.T) {
	provider := &fakeProvider{}
	gate := NewGate(provider)
	ch, stop := gate.Watch()

	gate.Close()
	gate.Close()
	stop()

	_, open := <-ch
	assert.False(t, open)
	assert.True(t, provider.unsubscribed)

	// Notifications after close are ignored
	provider.emit(&Principal{ID: "late"})
	assert.False(t, isReady(gate))

	closedCh, _ := gate.Watch()
	_, open = <-closedCh
	assert.False(t, open)
}

func TestGate_SynchronousInitialNotification(t *testing.T) {
	gate := NewGate(providerFunc(func(fn func(*Principal)) func() {
		fn(&Principal{ID: "immediate"})
		return func() {}
	}))

	assert.True(t, isReady(gate))
	assert.Equal(t, "immediate", currentID(gate))
}

type providerFunc func(fn func(*Principal)) func()

func (f providerFunc) Subscribe(fn func(*Principal)) func() { return f(fn) }
