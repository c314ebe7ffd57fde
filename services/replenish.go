package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"progression-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReplenishService detects the zero-active-milestone condition and owns the
// regeneration outbox that the dispatcher drains.
type ReplenishService struct {
	DB    *gorm.DB
	Retry RetryPolicy
	// MaxAttempts before a request is parked as failed.
	MaxAttempts int
	// RetryBase is the first dispatch backoff; it doubles per attempt up to an hour.
	RetryBase time.Duration
}

func NewReplenishService(db *gorm.DB, retry RetryPolicy, maxAttempts int) *ReplenishService {
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &ReplenishService{DB: db, Retry: retry, MaxAttempts: maxAttempts, RetryBase: 30 * time.Second}
}

// checkTx emits one regeneration request if the business has no active
// milestones and none is pending yet. The business row lock plus the
// conditional flag update make concurrent callers emit at most one request.
func (s *ReplenishService) checkTx(tx *gorm.DB, businessID string, trigger models.RegenerationTrigger, last *MilestoneSnapshot) (*models.RegenerationRequest, error) {
	biz, err := lockBusiness(tx, businessID)
	if err != nil {
		return nil, err
	}

	var active int64
	if err := tx.Model(&models.Milestone{}).
		Where("business_id = ? AND status IN ?", biz.ID, models.ActiveMilestoneStatuses).
		Count(&active).Error; err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, nil
	}

	now := time.Now()
	flag := tx.Model(&models.Business{}).
		Where("id = ? AND replenish_pending = ?", biz.ID, false).
		Updates(map[string]any{"replenish_pending": true, "replenish_requested_at": now})
	if flag.Error != nil {
		return nil, flag.Error
	}
	if flag.RowsAffected == 0 {
		return nil, nil
	}

	req := models.RegenerationRequest{
		BusinessID:    biz.ID,
		Trigger:       trigger,
		Context:       models.CloneContext(biz.Context),
		Profile:       biz.ProfileSnapshot(),
		Status:        models.RegenerationStatusPending,
		NextAttemptAt: now,
	}
	if last != nil {
		id := last.ID
		req.LastCompletedMilestoneID = &id
		req.LastCompletedSummary = last.Summary()
	}
	if err := tx.Create(&req).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue regeneration request: %w", err)
	}

	log.Printf("🔁 [REPLENISH] business %s has no active milestones, regeneration request %s queued (%s)", biz.ID, req.ID, trigger)
	return &req, nil
}

// Check runs the zero-active check on its own, e.g. for a replayed completion event.
func (s *ReplenishService) Check(ctx context.Context, businessID string) (*models.RegenerationRequest, error) {
	return s.RequestReplenishment(ctx, businessID, models.RegenerationTriggerExhausted)
}

// RequestReplenishment is the manual/onboarding entry point. It returns nil
// when the business still has active milestones or a request is already pending.
func (s *ReplenishService) RequestReplenishment(ctx context.Context, businessID string, trigger models.RegenerationTrigger) (*models.RegenerationRequest, error) {
	var req *models.RegenerationRequest
	err := s.Retry.withRetry(ctx, "replenish_check", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			req, err = s.checkTx(tx, businessID, trigger, nil)
			return err
		})
	})
	return req, err
}

// clearTx drops the pending flag and fulfills every open request once new
// milestones exist for the business.
func (s *ReplenishService) clearTx(tx *gorm.DB, businessID string) error {
	if err := tx.Model(&models.Business{}).
		Where("id = ?", businessID).
		Updates(map[string]any{"replenish_pending": false, "replenish_requested_at": nil}).Error; err != nil {
		return err
	}
	now := time.Now()
	res := tx.Model(&models.RegenerationRequest{}).
		Where("business_id = ? AND status IN ?", businessID, models.OpenRegenerationStatuses).
		Updates(map[string]any{"status": models.RegenerationStatusFulfilled, "fulfilled_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("✅ [REPLENISH] fulfilled %d request(s) for business %s", res.RowsAffected, businessID)
	}
	return nil
}

// lockOpenRequestTx locks the request a generated batch answers and checks
// that it belongs to businessID and still waits for milestones.
func (s *ReplenishService) lockOpenRequestTx(tx *gorm.DB, businessID, requestID string) error {
	var req models.RegenerationRequest
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", requestID).
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("regeneration request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if req.BusinessID != businessID {
		return fmt.Errorf("%w: request %s belongs to another business", ErrInvalidInput, requestID)
	}
	for _, st := range models.OpenRegenerationStatuses {
		if req.Status == st {
			return nil
		}
	}
	return fmt.Errorf("request %s is %s: %w", requestID, req.Status, ErrRequestClosed)
}

// ClaimPending moves up to limit due requests to dispatching and returns them.
func (s *ReplenishService) ClaimPending(ctx context.Context, limit int) ([]models.RegenerationRequest, error) {
	if limit < 1 {
		limit = 10
	}
	var claimed []models.RegenerationRequest
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed = nil
		now := time.Now()

		var due []models.RegenerationRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_attempt_at <= ?", models.RegenerationStatusPending, now).
			Order("created_at ASC").
			Limit(limit).
			Find(&due).Error; err != nil {
			return err
		}

		for _, r := range due {
			res := tx.Model(&models.RegenerationRequest{}).
				Where("id = ? AND status = ?", r.ID, models.RegenerationStatusPending).
				Updates(map[string]any{
					"status":     models.RegenerationStatusDispatching,
					"attempts":   gorm.Expr("attempts + 1"),
					"claimed_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				r.Status = models.RegenerationStatusDispatching
				r.Attempts++
				claimedAt := now
				r.ClaimedAt = &claimedAt
				claimed = append(claimed, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDispatched records that the generator accepted the request and will call back.
func (s *ReplenishService) MarkDispatched(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Model(&models.RegenerationRequest{}).
		Where("id = ? AND status = ?", id, models.RegenerationStatusDispatching).
		Updates(map[string]any{"status": models.RegenerationStatusDispatched, "last_error": ""}).Error
}

// MarkFailed schedules a retry with backoff, or parks the request as failed
// and releases the business flag once attempts run out.
func (s *ReplenishService) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = truncate(cause.Error(), 1000)
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.RegenerationRequest
		if err := tx.Where("id = ?", id).First(&req).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("regeneration request %s: %w", id, ErrNotFound)
			}
			return err
		}
		if req.Status != models.RegenerationStatusDispatching {
			return nil
		}

		if req.Attempts >= s.MaxAttempts {
			return s.parkTx(tx, &req, msg)
		}

		next := time.Now().Add(s.dispatchBackoff(req.Attempts))
		log.Printf("⚠️ [REPLENISH] request %s attempt %d failed, retry at %s: %s", req.ID, req.Attempts, next.Format(time.RFC3339), msg)
		return tx.Model(&req).Updates(map[string]any{
			"status":          models.RegenerationStatusPending,
			"last_error":      msg,
			"next_attempt_at": next,
		}).Error
	})
}

func (s *ReplenishService) dispatchBackoff(attempts int) time.Duration {
	base := s.RetryBase
	if base <= 0 {
		base = 30 * time.Second
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	if wait > time.Hour || wait <= 0 {
		wait = time.Hour
	}
	return wait
}

// parkTx marks req failed and releases the business flag so a later
// completion or manual request can queue a fresh one.
func (s *ReplenishService) parkTx(tx *gorm.DB, req *models.RegenerationRequest, msg string) error {
	if err := tx.Model(req).Updates(map[string]any{
		"status":     models.RegenerationStatusFailed,
		"last_error": msg,
	}).Error; err != nil {
		return err
	}
	log.Printf("❌ [REPLENISH] request %s failed after %d attempt(s): %s", req.ID, req.Attempts, msg)
	return tx.Model(&models.Business{}).
		Where("id = ?", req.BusinessID).
		Updates(map[string]any{"replenish_pending": false, "replenish_requested_at": nil}).Error
}

// ReclaimStale handles requests stuck in dispatching past lease, or dispatched
// without a callback past callbackTimeout. Each counts as a failed attempt:
// it goes back to pending, or is parked as failed once MaxAttempts is spent.
func (s *ReplenishService) ReclaimStale(ctx context.Context, lease, callbackTimeout time.Duration) (int64, error) {
	var reclaimed, parked int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reclaimed, parked = 0, 0
		now := time.Now()

		var stale []models.RegenerationRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND claimed_at <= ?) OR (status = ? AND claimed_at <= ?)",
				models.RegenerationStatusDispatching, now.Add(-lease),
				models.RegenerationStatusDispatched, now.Add(-callbackTimeout)).
			Find(&stale).Error; err != nil {
			return err
		}

		for i := range stale {
			req := &stale[i]
			msg := "dispatch lease expired"
			if req.Status == models.RegenerationStatusDispatched {
				msg = "no generator callback within " + callbackTimeout.String()
			}
			if req.Attempts >= s.MaxAttempts {
				if err := s.parkTx(tx, req, msg); err != nil {
					return err
				}
				parked++
				continue
			}
			if err := tx.Model(req).Updates(map[string]any{
				"status":          models.RegenerationStatusPending,
				"last_error":      msg,
				"next_attempt_at": now,
			}).Error; err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reclaimed+parked > 0 {
		log.Printf("🔁 [REPLENISH] stale requests: %d requeued, %d parked", reclaimed, parked)
	}
	return reclaimed + parked, nil
}

// Get returns one regeneration request.
func (s *ReplenishService) Get(ctx context.Context, id string) (*models.RegenerationRequest, error) {
	var req models.RegenerationRequest
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("regeneration request %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &req, nil
}

// ListForBusiness returns the most recent requests for a business.
func (s *ReplenishService) ListForBusiness(ctx context.Context, businessID string, limit int) ([]models.RegenerationRequest, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	var reqs []models.RegenerationRequest
	err := s.DB.WithContext(ctx).
		Where("business_id = ?", businessID).
		Order("created_at DESC").
		Limit(limit).
		Find(&reqs).Error
	return reqs, err
}
