package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/listing"
)

// Runner drives the scheduler on a fixed cron cadence, with an immediate
// first pass so a fresh process doesn't wait a full tick.
type Runner struct {
	scheduler *Scheduler
	cron      *cron.Cron
	tick      time.Duration
	logger    *zap.Logger
}

// NewRunner builds a Runner ticking at the given interval.
func NewRunner(scheduler *Scheduler, tick time.Duration, logger *zap.Logger) *Runner {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Runner{
		scheduler: scheduler,
		cron:      cron.New(),
		tick:      tick,
		logger:    logger,
	}
}

// Start begins scheduling passes until Stop is called. The context bounds
// each individual pass.
func (r *Runner) Start(ctx context.Context) {
	pass := func() {
		if err := r.scheduler.Tick(ctx); err != nil {
			r.logger.Error("scheduling pass failed", zap.Error(err))
		}
	}
	pass()
	r.cron.Schedule(cron.Every(r.tick), cron.FuncJob(pass))
	r.cron.Start()
}

// Stop halts the cron loop and waits for an in-flight pass to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

func isAlreadyQueued(err error) bool {
	return errors.Is(err, listing.ErrAlreadyQueued)
}
