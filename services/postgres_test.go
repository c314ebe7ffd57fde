package services

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"progression-engine/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The sqlite tests serialize on one connection, so FOR UPDATE is never
// contended there. These run the same races against a real Postgres when
// PROGRESSION_TEST_DATABASE_URL points at a disposable database.
func newPostgresEngine(t *testing.T) *engine {
	t.Helper()
	dsn := os.Getenv("PROGRESSION_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PROGRESSION_TEST_DATABASE_URL not set")
	}
	db, err := models.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(16)
	t.Cleanup(func() { _ = sqlDB.Close() })

	retry := RetryPolicy{MaxAttempts: 10, InitialWait: 5 * time.Millisecond, MaxWait: 100 * time.Millisecond, Multiplier: 2}
	return newEngineOn(t, db, retry)
}

func TestPostgresConcurrentAwards(t *testing.T) {
	e := newPostgresEngine(t)
	biz := newBusiness(t, e.db, "pg-"+uuid.NewString())

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.progression.Award(context.Background(), AwardInput{BusinessID: biz.ID, Points: 5})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored := reloadBusiness(t, e.db, biz.ID)
	assert.Equal(t, int64(workers*5), stored.TotalPoints)
	require.NotNil(t, stored.LevelID)
	assert.Equal(t, levelByName(t, e.db, "Perintis").ID, *stored.LevelID)

	var unlocks int64
	require.NoError(t, e.db.Model(&models.UnlockRecord{}).Where("business_id = ?", biz.ID).Count(&unlocks).Error)
	assert.Equal(t, int64(2), unlocks, "Langkah Awal and Bisnis Produktif, once each")
}

func TestPostgresConcurrentTaskCompletion(t *testing.T) {
	e := newPostgresEngine(t)
	owner := "pg-" + uuid.NewString()
	biz := newBusiness(t, e.db, owner)
	ms := e.newMilestone(t, biz.ID, 50, 10, 20, 20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for i := 0; i < 4; i++ {
		for _, task := range ms.Tasks {
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				r, err := e.milestones.CompleteTask(context.Background(), taskID, owner)
				if !assert.NoError(t, err) {
					return
				}
				if r.MilestoneCompleted {
					mu.Lock()
					completions++
					mu.Unlock()
				}
			}(task.ID)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, completions)
	assert.Equal(t, int64(100), reloadBusiness(t, e.db, biz.ID).TotalPoints)
	assert.Len(t, openRequests(t, e, biz.ID), 1)
}
