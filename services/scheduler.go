// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type SchedulerConfig struct {
	ReconcileInterval time.Duration
	ReclaimInterval   time.Duration
	DispatchLease     time.Duration
	CallbackTimeout   time.Duration
}

// StartScheduler runs the housekeeping jobs: level reconciliation for
// businesses whose level lags their points, and reclaiming stuck
// regeneration requests. Call Shutdown on the returned scheduler.
func StartScheduler(ctx context.Context, progression *ProgressionService, replenish *ReplenishService, cfg SchedulerConfig) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Minute
	}

	// Every ReconcileInterval: repair deferred level assignments
	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.ReconcileInterval),
		gocron.NewTask(func() {
			if _, err := progression.ReconcileLevels(ctx); err != nil {
				log.Printf("[SCHEDULER] level reconcile error: %v", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}

	// Every minute: return stuck dispatches to the queue
	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.ReclaimInterval),
		gocron.NewTask(func() {
			if _, err := replenish.ReclaimStale(ctx, cfg.DispatchLease, cfg.CallbackTimeout); err != nil {
				log.Printf("[SCHEDULER] reclaim error: %v", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}

	sched.Start()
	log.Printf("✅ [SCHEDULER] started (reconcile every %s, reclaim every %s)", cfg.ReconcileInterval, cfg.ReclaimInterval)
	return sched, nil
}
