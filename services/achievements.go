package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"progression-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AchievementCatalog is a threshold-sorted view of the achievements table.
type AchievementCatalog struct {
	achievements []models.Achievement
}

func NewAchievementCatalog(achievements []models.Achievement) *AchievementCatalog {
	sorted := make([]models.Achievement, len(achievements))
	copy(sorted, achievements)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.RequiredPoints != b.RequiredPoints {
			return a.RequiredPoints < b.RequiredPoints
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	return &AchievementCatalog{achievements: sorted}
}

// ResolveNewlyUnlocked returns, in ascending threshold order, every achievement
// reached by points that is not in alreadyUnlocked.
func (c *AchievementCatalog) ResolveNewlyUnlocked(points int64, alreadyUnlocked map[string]struct{}) []models.Achievement {
	out := []models.Achievement{}
	for _, a := range c.achievements {
		if a.RequiredPoints > points {
			break
		}
		if _, ok := alreadyUnlocked[a.ID]; ok {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *AchievementCatalog) All() []models.Achievement {
	out := make([]models.Achievement, len(c.achievements))
	copy(out, c.achievements)
	return out
}

func loadAchievementCatalog(tx *gorm.DB) (*AchievementCatalog, error) {
	var achievements []models.Achievement
	if err := tx.Find(&achievements).Error; err != nil {
		return nil, err
	}
	return NewAchievementCatalog(achievements), nil
}

func unlockedSet(tx *gorm.DB, ownerID string) (map[string]struct{}, error) {
	var ids []string
	if err := tx.Model(&models.UnlockRecord{}).
		Where("owner_id = ?", ownerID).
		Pluck("achievement_id", &ids).Error; err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// persistUnlocks inserts one UnlockRecord per achievement. A racing writer that
// already inserted the same (owner, achievement) pair turns the insert into a
// no-op; only the rows this call actually created are returned.
func persistUnlocks(tx *gorm.DB, ownerID, businessID string, achievements []models.Achievement) ([]models.Achievement, error) {
	unlocked := []models.Achievement{}
	now := time.Now()
	for _, a := range achievements {
		rec := models.UnlockRecord{
			OwnerID:       ownerID,
			AchievementID: a.ID,
			BusinessID:    businessID,
			UnlockedAt:    now,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "achievement_id"}},
			DoNothing: true,
		}).Create(&rec)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to unlock %s: %w", a.Code, res.Error)
		}
		if res.RowsAffected == 1 {
			unlocked = append(unlocked, a)
			log.Printf("🎖️ Achievement unlocked: %s → %s", a.Title, ownerID)
		}
	}
	return unlocked, nil
}

// AchievementService serves the owner-facing badge views.
type AchievementService struct {
	DB *gorm.DB
}

func NewAchievementService(db *gorm.DB) *AchievementService {
	return &AchievementService{DB: db}
}

// AchievementView is an achievement with the caller's unlock state.
type AchievementView struct {
	models.Achievement
	IsUnlocked bool       `json:"is_unlocked"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
	SeenAt     *time.Time `json:"seen_at,omitempty"`
}

// ListForOwner returns every achievement with its unlock state for ownerID.
func (s *AchievementService) ListForOwner(ctx context.Context, ownerID string) ([]AchievementView, error) {
	db := s.DB.WithContext(ctx)

	catalog, err := loadAchievementCatalog(db)
	if err != nil {
		return nil, err
	}

	var records []models.UnlockRecord
	if err := db.Where("owner_id = ?", ownerID).Find(&records).Error; err != nil {
		return nil, err
	}
	byAchievement := make(map[string]models.UnlockRecord, len(records))
	for _, r := range records {
		byAchievement[r.AchievementID] = r
	}

	views := make([]AchievementView, 0, len(catalog.achievements))
	for _, a := range catalog.All() {
		v := AchievementView{Achievement: a}
		if r, ok := byAchievement[a.ID]; ok {
			unlockedAt := r.UnlockedAt
			v.IsUnlocked = true
			v.UnlockedAt = &unlockedAt
			v.SeenAt = r.SeenAt
		}
		views = append(views, v)
	}
	return views, nil
}

// MarkSeen stamps seen_at on the owner's unseen unlocks. Empty ids marks all.
func (s *AchievementService) MarkSeen(ctx context.Context, ownerID string, achievementIDs []string) (int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.UnlockRecord{}).
		Where("owner_id = ? AND seen_at IS NULL", ownerID)
	if len(achievementIDs) > 0 {
		q = q.Where("achievement_id IN ?", achievementIDs)
	}
	res := q.Update("seen_at", time.Now())
	return res.RowsAffected, res.Error
}

// countUnlocks returns unlock counts keyed by owner id.
func countUnlocks(db *gorm.DB, ownerIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		OwnerID string
		Count   int64
	}
	if err := db.Model(&models.UnlockRecord{}).
		Select("owner_id, COUNT(*) AS count").
		Where("owner_id IN ?", ownerIDs).
		Group("owner_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.OwnerID] = r.Count
	}
	return out, nil
}
