package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/store"
)

func listAwaiting() store.CaptureFilter {
	return store.CaptureFilter{Status: model.CaptureStatusAwaitingVerification, Limit: 100}
}

// Resume requeues captures left mid-stage by a previous process. A capture
// interrupted during routing restarts from pending; one interrupted after
// its extraction landed keeps its recorded stage, and the next run re-enters
// there rather than repeating inference. Versioned idempotency keys make
// either rerun safe: the new attempt writes its own rows.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	caps, err := p.store.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, cap := range caps {
		switch cap.Status {
		case model.CaptureStatusPending:
			continue // queue loop will pick it up anyway
		case model.CaptureStatusRouting:
			// Nothing persisted yet; restart from the top.
			if err := p.store.UpdateCaptureStatus(ctx, cap.ID, model.CaptureStatusPending, ""); err != nil {
				zap.L().Warn("pipeline: resume requeue failed",
					zap.String("capture_id", cap.ID), zap.Error(err))
				continue
			}
		}
		n++
	}
	if n > 0 {
		zap.L().Info("pipeline: requeued interrupted captures", zap.Int("count", n))
	}
	return n, nil
}

// RunQueue pulls unclaimed in-flight captures and processes them under the
// worker limit until ctx is cancelled. It blocks; run it in its own
// goroutine. Polling every in-flight status, not just pending, means stages
// orphaned by a crash are picked up and resumed without a separate sweep.
func (p *Pipeline) RunQueue(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(p.cfg.Workers))
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		caps, err := p.store.ListInFlight(ctx)
		if err != nil {
			zap.L().Error("pipeline: queue poll failed", zap.Error(err))
		}

		dispatched := 0
		for _, cap := range caps {
			if dispatched >= p.cfg.Workers*2 {
				break
			}
			if p.claimed(cap.ID) {
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return ctx.Err()
			}
			dispatched++
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer sem.Release(1)
				_, err := p.Process(ctx, id)
				// A capture settling between the poll and the claim is
				// routine, as is losing the claim race to another worker.
				if err != nil && !errors.Is(err, ErrCaptureBusy) && !errors.Is(err, ErrCaptureSettled) {
					zap.L().Warn("pipeline: capture processing failed",
						zap.String("capture_id", id), zap.Error(err))
				}
			}(cap.ID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
