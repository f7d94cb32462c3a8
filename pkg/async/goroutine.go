package async

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/swiftinvoice/pkg/observability"
)

// Runner starts background tasks that outlive the request that spawned them
type Runner struct {
	logger *observability.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a Runner that logs task failures to logger
func NewRunner(logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Runner{logger: logger}
}

// Go runs fn in a goroutine with panic recovery and its own timeout.
// Cancelling parentCtx does not cancel fn; values such as the request id
// are kept.
func (r *Runner) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer observability.RecoverPanic(r.logger, taskName)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			logger := r.logger.WithField("task", taskName)
			if id := observability.GetRequestID(ctx); id != "" {
				logger = logger.WithField("request_id", id)
			}
			logger.WithError(err).Warn("background task failed")
		}
	}()
}

// Wait blocks until every started task returns or ctx ends
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Batch runs fn over items with at most workers in flight and returns every
// error. A panic in fn is returned as an error for that item.
func Batch[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T) error) []error {
	if workers < 1 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	// Item errors are recorded instead of returned so one failure does not
	// cancel the rest.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			defer func() { record(observability.MustRecover(recover())) }()
			record(fn(gctx, item))
			return nil
		})
	}
	g.Wait()
	return errs
}
