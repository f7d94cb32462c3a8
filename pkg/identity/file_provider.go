package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/swiftinvoice/pkg/observability"
)

// FileProvider reads an ID token from a file and notifies subscribers each
// time the file changes. A missing file or a token that fails verification
// is reported as signed out.
type FileProvider struct {
	path     string
	verifier TokenVerifier
	logger   *observability.Logger

	mu        sync.Mutex
	listeners map[int]func(*Principal)
	nextID    int
	known     bool
	state     *Principal
	token     string
}

// NewFileProvider creates a provider for the token file at path
func NewFileProvider(path string, verifier TokenVerifier, logger *observability.Logger) *FileProvider {
	return &FileProvider{
		path:      filepath.Clean(path),
		verifier:  verifier,
		logger:    logger,
		listeners: make(map[int]func(*Principal)),
	}
}

// Subscribe implements Provider. Late subscribers receive the current state
// immediately once it is known.
func (p *FileProvider) Subscribe(fn func(*Principal)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	known, state := p.known, p.state
	p.mu.Unlock()

	if known {
		fn(state)
	}

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Token returns the raw token behind the current principal
func (p *FileProvider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Run performs the initial read and then re-reads on every change until
// ctx ends. The directory is watched so editors that replace the file by
// rename are picked up.
func (p *FileProvider) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(p.path), err)
	}

	p.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			p.Refresh(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.WithError(err).Warn("credential file watcher error")
		}
	}
}

// Refresh re-reads the token file and publishes the result
func (p *FileProvider) Refresh(ctx context.Context) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.WithError(err).Warn("failed to read credential file")
		}
		p.publish(nil, "")
		return
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		p.publish(nil, "")
		return
	}

	principal, err := p.verifier.Verify(ctx, token)
	if err != nil {
		p.logger.WithError(err).Warn("stored credential rejected")
		p.publish(nil, "")
		return
	}
	p.publish(principal, token)
}

func (p *FileProvider) publish(principal *Principal, token string) {
	p.mu.Lock()
	p.known = true
	p.state = principal
	p.token = token
	listeners := make([]func(*Principal), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(principal)
	}
}
