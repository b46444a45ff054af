package worker

// sweeper.go
// Background goroutine that keeps the fiscal queue moving when a
// notification was lost or a worker died mid-job:
//   - failed jobs whose backoff elapsed go back to pending
//   - processing jobs older than the processing timeout are failed (retryable)
//   - every lane with due pending work is signalled
//   - sale fiscal fields are re-derived from terminal jobs

import (
	"context"
	"time"

	"xpos/internal/repository"

	"github.com/rs/zerolog/log"
)

// LaneSignaler is satisfied by *LanePool.
type LaneSignaler interface {
	Signal(ref repository.LaneRef)
}

// SweeperConfig holds all dependencies for the sweeper goroutine.
type SweeperConfig struct {
	Jobs              repository.FiscalJobRepository
	Sales             repository.SaleRepository
	Worker            *FiscalWorker
	Lanes             LaneSignaler
	Interval          time.Duration
	ProcessingTimeout time.Duration
	Now               func() time.Time
}

// StartSweeper runs one sweep immediately, then every Interval, until ctx is done.
func StartSweeper(ctx context.Context, cfg SweeperConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		log.Info().Dur("interval", cfg.Interval).Msg("sweeper: started")
		sweep(ctx, cfg)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("sweeper: shutting down")
				return
			case <-ticker.C:
				sweep(ctx, cfg)
			}
		}
	}()
}

func sweep(ctx context.Context, cfg SweeperConfig) {
	now := cfg.Now()

	requeued, err := cfg.Jobs.RequeueDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("sweeper: failed to requeue due retries")
	}
	for _, l := range requeued {
		cfg.Lanes.Signal(l)
	}
	if len(requeued) > 0 {
		log.Info().Int("lanes", len(requeued)).Msg("sweeper: retries requeued")
	}

	if cfg.ProcessingTimeout > 0 && cfg.Worker != nil {
		stale, err := cfg.Jobs.ListStaleProcessing(ctx, now.Add(-cfg.ProcessingTimeout))
		if err != nil {
			log.Error().Err(err).Msg("sweeper: failed to list stale jobs")
		}
		for i := range stale {
			log.Warn().
				Str("job_id", stale[i].ID.String()).
				Time("started_at", derefTime(stale[i].StartedAt)).
				Msg("sweeper: job stuck in processing")
			cfg.Worker.FailStale(ctx, &stale[i])
		}
	}

	lanes, err := cfg.Jobs.LanesWithPending(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("sweeper: failed to list lanes with pending jobs")
	}
	for _, l := range lanes {
		cfg.Lanes.Signal(l)
	}

	if cfg.Sales != nil {
		n, err := cfg.Sales.RepairFiscalState(ctx, nil)
		if err != nil {
			log.Error().Err(err).Msg("sweeper: failed to repair sale fiscal state")
		} else if n > 0 {
			log.Warn().Int64("sales", n).Msg("sweeper: repaired sale fiscal state")
		}
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
