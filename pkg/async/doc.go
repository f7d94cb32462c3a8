// Package async runs best-effort background work without letting a panic
// or a hung call escape.
//
// Runner tracks detached tasks so shutdown can wait for them:
//
//	runner := async.NewRunner(logger)
//	runner.Go(ctx, 10*time.Second, "archive event", func(ctx context.Context) error {
//		return archiver.Archive(ctx, id, created, payload)
//	})
//	defer runner.Wait(shutdownCtx)
//
// Batch fans a slice out over a bounded number of workers and collects the
// errors:
//
//	errs := async.Batch(ctx, sessions, 4, func(ctx context.Context, s *checkout.Session) error {
//		return reconciler.Apply(ctx, s)
//	})
package async
