package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"progression-engine/models"

	"gorm.io/gorm"
)

// ActivityPoints is awarded once per recorded business activity (e.g. a transaction).
const ActivityPoints int64 = 5

type AwardInput struct {
	BusinessID string
	// UserID owns any unlocked achievements; defaults to the business owner.
	UserID         string
	Points         int64
	Source         models.PointSource
	Reason         string
	IdempotencyKey string
}

type AwardResult struct {
	BusinessID  string               `json:"business_id"`
	NewTotal    int64                `json:"new_total"`
	LeveledUpTo *models.Level        `json:"leveled_up_to,omitempty"`
	Unlocked    []models.Achievement `json:"unlocked"`
	Duplicate   bool                 `json:"duplicate"`
}

// ProgressionService turns points into levels and achievements. Award is the
// only way other subsystems grant points.
type ProgressionService struct {
	DB     *gorm.DB
	Retry  RetryPolicy
	ledger PointsLedger
}

func NewProgressionService(db *gorm.DB, retry RetryPolicy) *ProgressionService {
	return &ProgressionService{DB: db, Retry: retry}
}

// Award applies points, then re-resolves level and achievements, all under the
// business row lock.
func (s *ProgressionService) Award(ctx context.Context, in AwardInput) (*AwardResult, error) {
	if in.Points <= 0 {
		return nil, fmt.Errorf("%w: award must be positive, got %d", ErrInvalidDelta, in.Points)
	}

	var result *AwardResult
	err := s.Retry.withRetry(ctx, "award", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			r, err := s.awardTx(tx, in)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// awardTx runs inside the caller's transaction so milestone cascades can award
// atomically with their own state changes.
func (s *ProgressionService) awardTx(tx *gorm.DB, in AwardInput) (*AwardResult, error) {
	if in.Points <= 0 {
		return nil, fmt.Errorf("%w: award must be positive, got %d", ErrInvalidDelta, in.Points)
	}

	lr, err := s.ledger.ApplyDelta(tx, LedgerDelta{
		BusinessID:     in.BusinessID,
		UserID:         in.UserID,
		Delta:          in.Points,
		Source:         in.Source,
		Reason:         in.Reason,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	result := &AwardResult{
		BusinessID: in.BusinessID,
		NewTotal:   lr.NewTotal,
		Unlocked:   []models.Achievement{},
		Duplicate:  lr.Duplicate,
	}
	if lr.Duplicate {
		log.Printf("⚠️ [PROGRESSION] duplicate award ignored: business=%s key=%s", in.BusinessID, in.IdempotencyKey)
		return result, nil
	}

	owner := in.UserID
	if owner == "" {
		owner = lr.Business.OwnerUserID
	}

	// Points are durable from here on. Level/achievement work runs in a
	// savepoint so its failure rolls back alone and is retried on the next award.
	biz := lr.Business
	err = tx.Transaction(func(sp *gorm.DB) error {
		lvl, err := reconcileLevel(sp, &biz)
		if err != nil {
			return fmt.Errorf("level: %w", err)
		}
		unlocked, err := reconcileAchievements(sp, owner, biz.ID, biz.TotalPoints)
		if err != nil {
			return fmt.Errorf("achievements: %w", err)
		}
		result.LeveledUpTo = lvl
		result.Unlocked = unlocked
		return nil
	})
	if err != nil {
		log.Printf("⚠️ [PROGRESSION] reconciliation deferred for business %s at %d points: %v", biz.ID, biz.TotalPoints, err)
		result.LeveledUpTo = nil
		result.Unlocked = []models.Achievement{}
	}

	log.Printf("🎮 Points awarded: business=%s +%d → total=%d (reason: %s)", biz.ID, in.Points, result.NewTotal, in.Reason)
	return result, nil
}

// reconcileLevel moves biz to the level its total resolves to. It returns the
// new level only when that is a promotion.
func reconcileLevel(tx *gorm.DB, biz *models.Business) (*models.Level, error) {
	catalog, err := loadLevelCatalog(tx)
	if err != nil {
		return nil, err
	}
	target := catalog.Resolve(biz.TotalPoints)
	if target == nil {
		// below every threshold, e.g. after an admin raised them
		if biz.LevelID == nil {
			return nil, nil
		}
		if err := tx.Model(&models.Business{}).
			Where("id = ?", biz.ID).
			Update("level_id", nil).Error; err != nil {
			return nil, err
		}
		biz.LevelID = nil
		return nil, nil
	}
	if biz.LevelID != nil && *biz.LevelID == target.ID {
		return nil, nil
	}

	var current *models.Level
	if biz.LevelID != nil {
		current = catalog.ByID(*biz.LevelID)
	}

	if err := tx.Model(&models.Business{}).
		Where("id = ?", biz.ID).
		Update("level_id", target.ID).Error; err != nil {
		return nil, err
	}
	id := target.ID
	biz.LevelID = &id

	if current != nil && current.RequiredPoints >= target.RequiredPoints {
		return nil, nil
	}
	log.Printf("🏆 [PROGRESSION] business %s reached level %s (%d pts)", biz.ID, target.Name, biz.TotalPoints)
	return target, nil
}

func reconcileAchievements(tx *gorm.DB, ownerID, businessID string, points int64) ([]models.Achievement, error) {
	catalog, err := loadAchievementCatalog(tx)
	if err != nil {
		return nil, err
	}
	already, err := unlockedSet(tx, ownerID)
	if err != nil {
		return nil, err
	}
	return persistUnlocks(tx, ownerID, businessID, catalog.ResolveNewlyUnlocked(points, already))
}

// RecordActivity is the finance hook: one activity, one fixed award, deduplicated by activity id.
func (s *ProgressionService) RecordActivity(ctx context.Context, businessID, userID, activityID string) (*AwardResult, error) {
	if activityID == "" {
		return nil, fmt.Errorf("%w: activity id is required", ErrInvalidInput)
	}
	return s.Award(ctx, AwardInput{
		BusinessID:     businessID,
		UserID:         userID,
		Points:         ActivityPoints,
		Source:         models.PointSourceActivity,
		Reason:         "activity_recorded",
		IdempotencyKey: "activity:" + activityID,
	})
}

type ProgressSummary struct {
	BusinessID           string        `json:"business_id"`
	BusinessName         string        `json:"business_name"`
	TotalPoints          int64         `json:"total_points"`
	Level                *models.Level `json:"level,omitempty"`
	NextLevel            *models.Level `json:"next_level,omitempty"`
	PointsToNextLevel    int64         `json:"points_to_next_level"`
	AchievementsUnlocked int64         `json:"achievements_unlocked"`
}

// Summary returns the business's current standing and distance to the next level.
func (s *ProgressionService) Summary(ctx context.Context, businessID string) (*ProgressSummary, error) {
	db := s.DB.WithContext(ctx)

	var biz models.Business
	if err := db.Where("id = ?", businessID).First(&biz).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("business %s: %w", businessID, ErrNotFound)
		}
		return nil, err
	}

	catalog, err := loadLevelCatalog(db)
	if err != nil {
		return nil, err
	}

	summary := &ProgressSummary{
		BusinessID:   biz.ID,
		BusinessName: biz.Name,
		TotalPoints:  biz.TotalPoints,
	}
	if biz.LevelID != nil {
		summary.Level = catalog.ByID(*biz.LevelID)
	}
	if next := catalog.Next(biz.TotalPoints); next != nil {
		summary.NextLevel = next
		summary.PointsToNextLevel = next.RequiredPoints - biz.TotalPoints
	}

	counts, err := countUnlocks(db, []string{biz.OwnerUserID})
	if err != nil {
		return nil, err
	}
	summary.AchievementsUnlocked = counts[biz.OwnerUserID]
	return summary, nil
}

type LeaderboardEntry struct {
	Rank              int    `json:"rank"`
	BusinessID        string `json:"business_id"`
	BusinessName      string `json:"business_name"`
	TotalPoints       int64  `json:"total_points"`
	LevelName         string `json:"level_name,omitempty"`
	AchievementsCount int64  `json:"achievements_count"`
	UserID            string `json:"user_id"`
	IsCurrentUser     bool   `json:"is_current_user"`
}

// Leaderboard ranks businesses by points. When the current user's business is
// outside the top limit, its entry is appended with its real rank.
func (s *ProgressionService) Leaderboard(ctx context.Context, limit int, currentUserID string) ([]LeaderboardEntry, error) {
	if limit < 1 || limit > 100 {
		limit = 10
	}
	db := s.DB.WithContext(ctx)

	var top []models.Business
	if err := db.Order("total_points DESC").Order("created_at ASC").Limit(limit).Find(&top).Error; err != nil {
		return nil, err
	}

	ranked := make([]rankedBusiness, 0, len(top)+1)
	seenCurrent := false
	for i, b := range top {
		ranked = append(ranked, rankedBusiness{rank: i + 1, biz: b})
		if b.OwnerUserID == currentUserID {
			seenCurrent = true
		}
	}

	if currentUserID != "" && !seenCurrent {
		var mine models.Business
		err := db.Where("owner_user_id = ?", currentUserID).First(&mine).Error
		switch {
		case err == nil:
			var ahead int64
			if err := db.Model(&models.Business{}).
				Where("total_points > ?", mine.TotalPoints).
				Count(&ahead).Error; err != nil {
				return nil, err
			}
			ranked = append(ranked, rankedBusiness{rank: int(ahead) + 1, biz: mine})
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}
	}

	catalog, err := loadLevelCatalog(db)
	if err != nil {
		return nil, err
	}
	owners := make([]string, 0, len(ranked))
	for _, r := range ranked {
		owners = append(owners, r.biz.OwnerUserID)
	}
	counts, err := countUnlocks(db, owners)
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(ranked))
	for _, r := range ranked {
		e := LeaderboardEntry{
			Rank:              r.rank,
			BusinessID:        r.biz.ID,
			BusinessName:      r.biz.Name,
			TotalPoints:       r.biz.TotalPoints,
			AchievementsCount: counts[r.biz.OwnerUserID],
			UserID:            r.biz.OwnerUserID,
			IsCurrentUser:     currentUserID != "" && r.biz.OwnerUserID == currentUserID,
		}
		if r.biz.LevelID != nil {
			if lvl := catalog.ByID(*r.biz.LevelID); lvl != nil {
				e.LevelName = lvl.Name
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type rankedBusiness struct {
	rank int
	biz  models.Business
}

// ReconcileLevels repairs businesses whose level fell behind their points,
// e.g. after a deferred reconciliation or a catalog edit. Returns how many moved.
func (s *ProgressionService) ReconcileLevels(ctx context.Context) (int, error) {
	db := s.DB.WithContext(ctx)

	catalog, err := loadLevelCatalog(db)
	if err != nil {
		return 0, err
	}

	var stale []string
	var batch []models.Business
	res := db.Select("id", "total_points", "level_id").FindInBatches(&batch, 200, func(_ *gorm.DB, _ int) error {
		for _, b := range batch {
			target := catalog.Resolve(b.TotalPoints)
			if target == nil {
				if b.LevelID != nil {
					stale = append(stale, b.ID)
				}
				continue
			}
			if b.LevelID == nil || *b.LevelID != target.ID {
				stale = append(stale, b.ID)
			}
		}
		return nil
	})
	if res.Error != nil {
		return 0, res.Error
	}

	fixed := 0
	for _, id := range stale {
		err := s.Retry.withRetry(ctx, "reconcile_level", func() error {
			return db.Transaction(func(tx *gorm.DB) error {
				biz, err := lockBusiness(tx, id)
				if err != nil {
					return err
				}
				_, err = reconcileLevel(tx, biz)
				return err
			})
		})
		if err != nil {
			log.Printf("❌ [PROGRESSION] level reconcile failed for business %s: %v", id, err)
			continue
		}
		fixed++
	}
	if fixed > 0 {
		log.Printf("✅ [PROGRESSION] reconciled levels for %d business(es)", fixed)
	}
	return fixed, nil
}
