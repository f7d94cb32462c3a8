// Package app assembles the swiftinvoice components from configuration.
// Both the API server and the sweeper build on it so they share one store,
// one session ledger and one reconciliation path.
package app

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/swiftinvoice/pkg/api"
	"github.com/platinummonkey/swiftinvoice/pkg/archive"
	"github.com/platinummonkey/swiftinvoice/pkg/async"
	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
	"github.com/platinummonkey/swiftinvoice/pkg/config"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
	"github.com/platinummonkey/swiftinvoice/pkg/middleware"
	"github.com/platinummonkey/swiftinvoice/pkg/numbering"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/reconcile"
	"github.com/platinummonkey/swiftinvoice/pkg/sessions"
	"github.com/platinummonkey/swiftinvoice/pkg/storage"
)

// App holds the wired components
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Health   *observability.HealthChecker
	Runner   *async.Runner

	Store      *storage.Instrumented
	Ledger     sessions.Ledger
	Allocator  *numbering.Allocator
	Gateway    checkout.Gateway
	Verifier   identity.TokenVerifier
	Archiver   archive.Archiver
	Limiter    middleware.Limiter
	Invoices   *invoices.Service
	Initiator  *checkout.Initiator
	Reconciler *reconcile.Reconciler

	closers []func() error
}

// Option overrides a component, mainly for tests
type Option func(*options)

type options struct {
	gateway  checkout.Gateway
	verifier identity.TokenVerifier
	archiver archive.Archiver
}

// WithGateway replaces the Stripe gateway
func WithGateway(g checkout.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

// WithVerifier replaces the configured token verifier
func WithVerifier(v identity.TokenVerifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithArchiver replaces the S3 archiver
func WithArchiver(a archive.Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// New builds every component. On error the parts already opened are
// closed.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Health:   observability.NewHealthChecker(cfg.Observability.OTelServiceVersion),
		Runner:   async.NewRunner(logger),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(a.Registry)

	store, err := storage.Open(ctx, cfg.Storage, a.Metrics, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	a.Health.AddCheck("storage", true, store.Ping)

	if err := a.openLedger(ctx); err != nil {
		return nil, err
	}

	a.Allocator = numbering.NewAllocator(a.Store, numbering.Config{
		Prefix: cfg.Numbering.Prefix,
		Width:  cfg.Numbering.Width,
		Retry: numbering.RetryConfig{
			MaxAttempts:  cfg.Numbering.MaxAttempts,
			InitialDelay: numbering.DefaultRetryConfig().InitialDelay,
			MaxDelay:     numbering.DefaultRetryConfig().MaxDelay,
		},
	}, numbering.WithMetrics(a.Metrics), numbering.WithLogger(logger))

	a.Gateway = o.gateway
	if a.Gateway == nil {
		gw, err := checkout.NewStripeGateway(checkout.StripeConfig{
			SecretKey:         cfg.Payments.StripeSecretKey,
			BackendURL:        cfg.Payments.APIBackendURL,
			MaxNetworkRetries: cfg.Payments.MaxNetworkRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create payment gateway: %w", err)
		}
		a.Gateway = gw
	}

	a.Verifier = o.verifier
	if a.Verifier == nil {
		if a.Verifier, err = newVerifier(ctx, cfg.Identity); err != nil {
			return nil, err
		}
	}

	a.Archiver = o.archiver
	if a.Archiver == nil {
		if a.Archiver, err = newArchiver(ctx, cfg.Archive); err != nil {
			return nil, err
		}
	}

	a.Invoices = invoices.NewService(a.Store, a.Ledger)
	a.Initiator = checkout.NewInitiator(a.Store, a.Gateway, a.Ledger, checkout.Config{
		SuccessURL:         cfg.Payments.SuccessURL,
		AllowedCancelHosts: cfg.Payments.AllowedCancelHosts,
		OutstandingTTL:     cfg.Sessions.OutstandingTTL,
	}, a.Metrics, logger)
	a.Reconciler = reconcile.New(reconcile.Deps{
		Store:     a.Store,
		Allocator: a.Allocator,
		Verifier:  reconcile.NewStripeVerifier(cfg.Payments.WebhookSecret, cfg.Payments.SignatureTolerance),
		Gateway:   a.Gateway,
		Ledger:    a.Ledger,
		Archiver:  a.Archiver,
		Runner:    a.Runner,
		Metrics:   a.Metrics,
		Logger:    logger,
	}, reconcile.Config{
		ProcessedTTL: cfg.Sessions.ProcessedTTL,
		SweepWorkers: cfg.Sweeper.Workers,
	})

	return a, nil
}

func (a *App) openLedger(ctx context.Context) error {
	memCfg := sessions.Config{
		OutstandingTTL: a.Config.Sessions.OutstandingTTL,
		ProcessedTTL:   a.Config.Sessions.ProcessedTTL,
		CacheSize:      a.Config.Sessions.CacheSize,
	}
	rl := a.Config.Server.CheckoutRateLimit

	if a.Config.Sessions.RedisURL == "" {
		a.Ledger = sessions.NewMemoryLedger(memCfg)
		a.Limiter = middleware.NewRateLimiter(rl)
		a.Logger.Info("session ledger and rate limits are in process; run a single replica")
		return nil
	}

	client, err := sessions.DialRedis(ctx, a.Config.Sessions.RedisURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, client.Close)
	a.Health.AddRedis(client)

	a.Ledger = sessions.NewTiered(sessions.NewMemoryLedger(memCfg), sessions.NewRedisLedger(client))
	a.Limiter = middleware.NewDistributedRateLimiter(client, rl, "swiftinvoice:ratelimit")
	return nil
}

func newVerifier(ctx context.Context, cfg config.IdentityConfig) (identity.TokenVerifier, error) {
	switch cfg.Verifier {
	case "oidc":
		v, err := identity.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to create oidc verifier: %w", err)
		}
		return v, nil
	default:
		v, err := identity.NewFirebaseVerifier(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firebase verifier: %w", err)
		}
		return v, nil
	}
}

func newArchiver(ctx context.Context, cfg config.ArchiveConfig) (archive.Archiver, error) {
	if !cfg.Enabled() {
		return archive.Nop{}, nil
	}
	a, err := archive.NewS3Archiver(ctx, archive.Config{
		Bucket:       cfg.Bucket,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.UsePathStyle,
		AccessKey:    cfg.AccessKey,
		SecretKey:    cfg.SecretKey,
		Prefix:       cfg.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event archiver: %w", err)
	}
	return a, nil
}

// Server returns the HTTP API over the wired components
func (a *App) Server() *api.Server {
	return api.NewServer(api.Config{
		Invoices:    a.Invoices,
		Checkout:    a.Initiator,
		Webhooks:    a.Reconciler,
		Verifier:    a.Verifier,
		Limiter:     a.Limiter,
		Health:      a.Health,
		Metrics:     a.Metrics,
		Gatherer:    a.Registry,
		Logger:      a.Logger,
		CORSOrigins: a.Config.Server.CORSOrigins,
	})
}

// StartBackground starts maintenance loops until ctx ends
func (a *App) StartBackground(ctx context.Context) {
	if rl, ok := a.Limiter.(*middleware.RateLimiter); ok {
		rl.StartCleanup(ctx, a.Logger)
	}
}

// Shutdown waits for background tasks and then closes connections
func (a *App) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := a.Runner.Wait(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("background tasks did not finish: %w", err))
	}
	if err := a.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close releases connections in reverse order of opening
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
