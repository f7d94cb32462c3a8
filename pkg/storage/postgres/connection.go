package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/swiftinvoice/pkg/observability"
)

// PoolConfig holds database connection settings
type PoolConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = 20
	}
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	return c
}

// Pool holds the primary connection used for writes and transactions and
// an optional set of read replicas used for owner listings.
type Pool struct {
	primary  *sql.DB
	replicas []*sql.DB
	next     uint32
	mu       sync.RWMutex
	config   PoolConfig
	logger   *observability.Logger
}

// Open connects to the primary and every reachable replica. An unreachable
// replica is logged and skipped; an unreachable primary is an error.
func Open(ctx context.Context, cfg PoolConfig, logger *observability.Logger) (*Pool, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	primary, err := openDB(ctx, cfg.PrimaryURL, cfg.MaxConns, cfg)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}

	p := &Pool{primary: primary, config: cfg, logger: logger}
	for i, url := range cfg.ReplicaURLs {
		replica, err := openDB(ctx, url, replicaConns(cfg.MaxConns), cfg)
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("skipping postgres replica")
			continue
		}
		p.replicas = append(p.replicas, replica)
	}

	logger.WithField("replicas", len(p.replicas)).Info("postgres pool ready")
	return p, nil
}

// NewPool wraps an existing handle as a primary-only pool
func NewPool(db *sql.DB, logger *observability.Logger) *Pool {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Pool{primary: db, config: PoolConfig{}.withDefaults(), logger: logger}
}

func openDB(ctx context.Context, url string, maxConns int, cfg PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func replicaConns(maxConns int) int {
	if n := maxConns / 2; n >= 2 {
		return n
	}
	return 2
}

// Primary returns the write handle
func (p *Pool) Primary() *sql.DB {
	return p.primary
}

// Replica picks a replica round-robin, falling back to the primary
func (p *Pool) Replica() *sql.DB {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.replicas) == 0 {
		return p.primary
	}
	idx := atomic.AddUint32(&p.next, 1)
	return p.replicas[int(idx%uint32(len(p.replicas)))]
}

// ReplicaCount returns the number of live replicas
func (p *Pool) ReplicaCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.replicas)
}

// Ping checks the primary. Replica failures degrade reads but never fail
// the check while the primary is up.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}
	return nil
}

// PruneReplicas closes and drops replicas that fail a ping
func (p *Pool) PruneReplicas(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := p.replicas[:0]
	removed := 0
	for _, replica := range p.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	p.replicas = healthy
	return removed
}

// WatchReplicas prunes unhealthy replicas every interval until ctx is done
func (p *Pool) WatchReplicas(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		defer observability.RecoverPanic(p.logger, "postgres.WatchReplicas")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
				if removed := p.PruneReplicas(checkCtx); removed > 0 {
					p.logger.WithField("removed", removed).Warn("pruned unhealthy postgres replicas")
				}
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes every handle
func (p *Pool) Close() error {
	var result *multierror.Error
	if err := p.primary.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("primary: %w", err))
	}

	p.mu.Lock()
	replicas := p.replicas
	p.replicas = nil
	p.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}

// ParseReplicaURLs splits a comma-separated list, dropping blanks
func ParseReplicaURLs(raw string) []string {
	if raw == "" {
		return nil
	}
	var urls []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}
