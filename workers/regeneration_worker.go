// workers/regeneration_worker.go
package workers

import (
	"context"
	"errors"
	"log"
	"time"

	"progression-engine/models"
	"progression-engine/services"
)

// RegenerationWorker drains the regeneration outbox into the roadmap generator.
type RegenerationWorker struct {
	replenish  *services.ReplenishService
	milestones *services.MilestoneService
	generator  Generator
	interval   time.Duration
	batch      int
}

func NewRegenerationWorker(replenish *services.ReplenishService, milestones *services.MilestoneService, generator Generator, interval time.Duration, batch int) *RegenerationWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch < 1 {
		batch = 10
	}
	return &RegenerationWorker{
		replenish:  replenish,
		milestones: milestones,
		generator:  generator,
		interval:   interval,
		batch:      batch,
	}
}

func (w *RegenerationWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting Regeneration Worker (outbox → roadmap generator)…")
	go w.run(ctx)
}

func (w *RegenerationWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil {
				log.Printf("❌ [DISPATCH] batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Regeneration Worker stopped")
			return
		}
	}
}

// ProcessOnce claims one batch of due requests and dispatches each of them.
// It returns how many were claimed.
func (w *RegenerationWorker) ProcessOnce(ctx context.Context) (int, error) {
	claimed, err := w.replenish.ClaimPending(ctx, w.batch)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	log.Printf("[DISPATCH] 📥 claimed %d regeneration request(s)", len(claimed))
	for _, req := range claimed {
		if ctx.Err() != nil {
			return len(claimed), ctx.Err()
		}
		w.dispatch(ctx, req)
	}
	return len(claimed), nil
}

func (w *RegenerationWorker) dispatch(ctx context.Context, req models.RegenerationRequest) {
	proposal, err := w.generator.Propose(ctx, req)
	if err != nil {
		w.fail(ctx, req, err)
		return
	}

	if proposal.Accepted {
		if err := w.replenish.MarkDispatched(ctx, req.ID); err != nil {
			log.Printf("❌ [DISPATCH] failed to mark request %s dispatched: %v", req.ID, err)
			return
		}
		log.Printf("✅ [DISPATCH] request %s accepted by generator, awaiting callback", req.ID)
		return
	}

	created, err := w.milestones.CreateMilestones(ctx, services.CreateMilestonesInput{
		BusinessID: req.BusinessID,
		Generated:  true,
		RequestID:  req.ID,
		Milestones: proposal.Milestones,
	})
	if errors.Is(err, services.ErrRequestClosed) {
		log.Printf("⚠️ [DISPATCH] request %s closed while the generator worked on it, proposal dropped", req.ID)
		return
	}
	if err != nil {
		w.fail(ctx, req, err)
		return
	}
	log.Printf("✅ [DISPATCH] request %s fulfilled inline with %d milestone(s)", req.ID, len(created))
}

func (w *RegenerationWorker) fail(ctx context.Context, req models.RegenerationRequest, cause error) {
	log.Printf("⚠️ [DISPATCH] request %s (business %s) attempt %d failed: %v", req.ID, req.BusinessID, req.Attempts, cause)
	if err := w.replenish.MarkFailed(ctx, req.ID, cause); err != nil {
		log.Printf("❌ [DISPATCH] failed to record failure for request %s: %v", req.ID, err)
	}
}
