package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"progression-engine/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testRetry = RetryPolicy{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := models.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// seedDefaultCatalog loads the built-in levels and achievements.
func seedDefaultCatalog(t *testing.T, db *gorm.DB) {
	t.Helper()
	seed, err := DefaultCatalogSeed()
	require.NoError(t, err)
	_, _, err = NewCatalogService(db).Seed(context.Background(), seed)
	require.NoError(t, err)
}

// newBusiness inserts a business directly, without the onboarding request.
func newBusiness(t *testing.T, db *gorm.DB, owner string) *models.Business {
	t.Helper()
	biz := models.Business{OwnerUserID: owner, Name: "Warung " + owner}
	require.NoError(t, db.Create(&biz).Error)
	return &biz
}

func reloadBusiness(t *testing.T, db *gorm.DB, id string) models.Business {
	t.Helper()
	var biz models.Business
	require.NoError(t, db.Where("id = ?", id).First(&biz).Error)
	return biz
}

func levelByName(t *testing.T, db *gorm.DB, name string) models.Level {
	t.Helper()
	var lvl models.Level
	require.NoError(t, db.Where("name = ?", name).First(&lvl).Error)
	return lvl
}

type engine struct {
	db           *gorm.DB
	progression  *ProgressionService
	replenish    *ReplenishService
	milestones   *MilestoneService
	businesses   *BusinessService
	achievements *AchievementService
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	return newEngineOn(t, newTestDB(t), testRetry)
}

func newEngineOn(t *testing.T, db *gorm.DB, retry RetryPolicy) *engine {
	t.Helper()
	seedDefaultCatalog(t, db)
	replenish := NewReplenishService(db, retry, 3)
	progression := NewProgressionService(db, retry)
	return &engine{
		db:           db,
		progression:  progression,
		replenish:    replenish,
		milestones:   NewMilestoneService(db, retry, progression, replenish),
		businesses:   NewBusinessService(db, retry, replenish),
		achievements: NewAchievementService(db),
	}
}

// newMilestone creates one milestone with the given task rewards.
func (e *engine) newMilestone(t *testing.T, businessID string, bonus int64, taskRewards ...int64) MilestoneSnapshot {
	t.Helper()
	in := MilestoneInput{Title: "Rapikan pembukuan", RewardPoints: bonus}
	for i, r := range taskRewards {
		in.Tasks = append(in.Tasks, TaskInput{Title: fmt.Sprintf("Langkah %d", i+1), RewardPoints: r})
	}
	created, err := e.milestones.CreateMilestones(context.Background(), CreateMilestonesInput{
		BusinessID: businessID,
		Milestones: []MilestoneInput{in},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	snap, err := e.milestones.LoadWithTasks(context.Background(), created[0].ID)
	require.NoError(t, err)
	return *snap
}
