package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/async"
	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
)

// SweepResult summarises one catch-up pass
type SweepResult struct {
	Seen       int `json:"seen"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Unpaid     int `json:"unpaid"`
	Failed     int `json:"failed"`
}

// Sweep lists sessions completed since the given time and applies the
// paid ones. Individual failures are collected; the pass continues.
func (r *Reconciler) Sweep(ctx context.Context, since time.Time) (*SweepResult, error) {
	const op = "reconcile.Sweep"

	listed, err := r.gateway.ListCompleted(ctx, since)
	if err != nil {
		return nil, apperr.Wrap(apperr.GatewayError, op, err)
	}

	res := &SweepResult{Seen: len(listed)}
	var paid []*checkout.Session
	for _, s := range listed {
		if s.Paid() {
			paid = append(paid, s)
		} else {
			res.Unpaid++
		}
	}

	var mu sync.Mutex
	errs := async.Batch(ctx, paid, r.cfg.SweepWorkers, func(ctx context.Context, s *checkout.Session) error {
		result, err := r.apply(ctx, s)
		r.finish(ctx, &Event{Type: "sweep"}, s, result, err)

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			res.Failed++
		case result == resultApplied:
			res.Applied++
		default:
			res.Duplicates++
		}
		return err
	})

	var merr *multierror.Error
	for _, err := range errs {
		merr = multierror.Append(merr, err)
	}
	r.logger.WithFields(map[string]interface{}{
		"since":      since.UTC().Format(time.RFC3339),
		"seen":       res.Seen,
		"applied":    res.Applied,
		"duplicates": res.Duplicates,
		"failed":     res.Failed,
	}).Info("sweep finished")
	return res, merr.ErrorOrNil()
}
