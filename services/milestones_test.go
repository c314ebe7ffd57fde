package services

import (
	"context"
	"sync"
	"testing"

	"progression-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRequests(t *testing.T, e *engine, businessID string) []models.RegenerationRequest {
	t.Helper()
	var reqs []models.RegenerationRequest
	require.NoError(t, e.db.Where("business_id = ? AND status IN ?", businessID, models.OpenRegenerationStatuses).Find(&reqs).Error)
	return reqs
}

func TestCompleteTaskCascade(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	ms := e.newMilestone(t, biz.ID, 50, 10, 20, 20)

	r1, err := e.milestones.CompleteTask(ctx, ms.Tasks[0].ID, "owner-1")
	require.NoError(t, err)
	assert.False(t, r1.MilestoneCompleted)
	require.NotNil(t, r1.TaskAward)
	assert.Equal(t, int64(10), r1.TaskAward.NewTotal)
	assert.Equal(t, models.MilestoneStatusInProgress, r1.Milestone.Status, "first completion starts a pending milestone")
	assert.NotNil(t, r1.Milestone.StartedAt)

	_, err = e.milestones.CompleteTask(ctx, ms.Tasks[1].ID, "owner-1")
	require.NoError(t, err)

	last, err := e.milestones.CompleteTask(ctx, ms.Tasks[2].ID, "owner-1")
	require.NoError(t, err)
	assert.True(t, last.MilestoneCompleted)
	assert.Equal(t, models.MilestoneStatusCompleted, last.Milestone.Status)
	assert.NotNil(t, last.Milestone.CompletedAt)
	require.NotNil(t, last.MilestoneAward)
	assert.Equal(t, int64(100), last.MilestoneAward.NewTotal)
	require.NotNil(t, last.MilestoneAward.LeveledUpTo)
	assert.Equal(t, "Perintis", last.MilestoneAward.LeveledUpTo.Name)

	require.NotNil(t, last.Replenishment)
	assert.Equal(t, models.RegenerationTriggerExhausted, last.Replenishment.Trigger)
	require.NotNil(t, last.Replenishment.LastCompletedMilestoneID)
	assert.Equal(t, ms.ID, *last.Replenishment.LastCompletedMilestoneID)
	assert.Equal(t, "Rapikan pembukuan", last.Replenishment.LastCompletedSummary)

	stored := reloadBusiness(t, e.db, biz.ID)
	assert.Equal(t, int64(100), stored.TotalPoints)
	assert.True(t, stored.ReplenishPending)
	assert.Len(t, openRequests(t, e, biz.ID), 1)
}

func TestCompleteTaskTwiceIsNoop(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	ms := e.newMilestone(t, biz.ID, 50, 10)

	first, err := e.milestones.CompleteTask(ctx, ms.Tasks[0].ID, "owner-1")
	require.NoError(t, err)
	assert.True(t, first.MilestoneCompleted)

	again, err := e.milestones.CompleteTask(ctx, ms.Tasks[0].ID, "owner-1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyCompleted)
	assert.False(t, again.MilestoneCompleted)
	assert.Nil(t, again.TaskAward)
	assert.Nil(t, again.Replenishment)
	assert.True(t, again.Task.IsCompleted)

	assert.Equal(t, int64(60), reloadBusiness(t, e.db, biz.ID).TotalPoints)
	assert.Len(t, openRequests(t, e, biz.ID), 1)

	_, err = e.milestones.CompleteTask(ctx, "missing", "owner-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplenishOnlyWhenNoActiveMilestones(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	first := e.newMilestone(t, biz.ID, 0, 10)
	second := e.newMilestone(t, biz.ID, 0, 10)
	assert.Greater(t, second.Order, first.Order, "order continues after the current maximum")

	r, err := e.milestones.CompleteTask(ctx, first.Tasks[0].ID, "owner-1")
	require.NoError(t, err)
	assert.True(t, r.MilestoneCompleted)
	assert.Nil(t, r.MilestoneAward, "zero bonus is skipped")
	assert.Nil(t, r.Replenishment, "another milestone is still active")
	assert.False(t, reloadBusiness(t, e.db, biz.ID).ReplenishPending)

	r, err = e.milestones.CompleteTask(ctx, second.Tasks[0].ID, "owner-1")
	require.NoError(t, err)
	assert.NotNil(t, r.Replenishment)
}

func TestConcurrentTaskCompletion(t *testing.T) {
	e := newEngine(t)
	biz := newBusiness(t, e.db, "owner-1")
	ms := e.newMilestone(t, biz.ID, 50, 10, 20, 20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for i := 0; i < 3; i++ {
		for _, task := range ms.Tasks {
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				r, err := e.milestones.CompleteTask(context.Background(), taskID, "owner-1")
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

func TestStartMilestone(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	ms := e.newMilestone(t, biz.ID, 0, 10)

	snap, changed, err := e.milestones.StartMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.MilestoneStatusInProgress, snap.Status)
	require.NotNil(t, snap.StartedAt)
	startedAt := *snap.StartedAt

	snap, changed, err = e.milestones.StartMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, startedAt.Equal(*snap.StartedAt), "started_at is never reset")

	_, _, err = e.milestones.StartMilestone(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateMilestonesFulfillsReplenishment(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	ms := e.newMilestone(t, biz.ID, 0, 10)

	r, err := e.milestones.CompleteTask(ctx, ms.Tasks[0].ID, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, r.Replenishment)

	created, err := e.milestones.CreateMilestones(ctx, CreateMilestonesInput{
		BusinessID: biz.ID,
		Generated:  true,
		RequestID:  r.Replenishment.ID,
		Milestones: []MilestoneInput{{Title: "Buka toko online", Tasks: []TaskInput{{Title: "Foto produk"}}}},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.True(t, created[0].IsGenerated)
	assert.Equal(t, 1, created[0].Level)
	require.Len(t, created[0].Tasks, 1)
	assert.Equal(t, DefaultTaskRewardPoints, created[0].Tasks[0].RewardPoints)

	assert.False(t, reloadBusiness(t, e.db, biz.ID).ReplenishPending)
	assert.Empty(t, openRequests(t, e, biz.ID))

	req, err := e.replenish.Get(ctx, r.Replenishment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegenerationStatusFulfilled, req.Status)
	assert.NotNil(t, req.FulfilledAt)
}

func TestRepeatedCallbackCreatesOneRoadmap(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz, req, err := e.businesses.Create(ctx, CreateBusinessInput{OwnerUserID: "owner-1", Name: "Kopi Senja"})
	require.NoError(t, err)
	require.NotNil(t, req)

	batch := CreateMilestonesInput{
		BusinessID: biz.ID,
		Generated:  true,
		RequestID:  req.ID,
		Milestones: []MilestoneInput{{Title: "Buka toko online", Tasks: []TaskInput{{Title: "Foto produk"}}}},
	}
	_, err = e.milestones.CreateMilestones(ctx, batch)
	require.NoError(t, err)

	created, err := e.milestones.CreateMilestones(ctx, batch)
	assert.ErrorIs(t, err, ErrRequestClosed)
	assert.Empty(t, created)

	var n int64
	require.NoError(t, e.db.Model(&models.Milestone{}).Where("business_id = ?", biz.ID).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	other, otherReq, err := e.businesses.Create(ctx, CreateBusinessInput{OwnerUserID: "owner-2", Name: "Toko Lain"})
	require.NoError(t, err)
	batch.BusinessID = other.ID
	_, err = e.milestones.CreateMilestones(ctx, batch)
	assert.ErrorIs(t, err, ErrInvalidInput, "request of another business")

	batch.RequestID = "missing"
	_, err = e.milestones.CreateMilestones(ctx, batch)
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := e.replenish.Get(ctx, otherReq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegenerationStatusPending, stored.Status)
}

func TestCreateMilestonesValidation(t *testing.T) {
	e := newEngine(t)
	biz := newBusiness(t, e.db, "owner-1")

	tests := []struct {
		name string
		in   CreateMilestonesInput
	}{
		{name: "no business", in: CreateMilestonesInput{Milestones: []MilestoneInput{{Title: "x", Tasks: []TaskInput{{Title: "t"}}}}}},
		{name: "empty batch", in: CreateMilestonesInput{BusinessID: biz.ID}},
		{name: "no title", in: CreateMilestonesInput{BusinessID: biz.ID, Milestones: []MilestoneInput{{Tasks: []TaskInput{{Title: "t"}}}}}},
		{name: "no tasks", in: CreateMilestonesInput{BusinessID: biz.ID, Milestones: []MilestoneInput{{Title: "x"}}}},
		{name: "negative bonus", in: CreateMilestonesInput{BusinessID: biz.ID, Milestones: []MilestoneInput{{Title: "x", RewardPoints: -1, Tasks: []TaskInput{{Title: "t"}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.milestones.CreateMilestones(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := e.milestones.CreateMilestones(context.Background(), CreateMilestonesInput{
		BusinessID: "missing",
		Milestones: []MilestoneInput{{Title: "x", Tasks: []TaskInput{{Title: "t"}}}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMilestoneTriggersReplenish(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	ms := e.newMilestone(t, biz.ID, 0, 10)

	req, err := e.milestones.DeleteMilestone(ctx, ms.ID)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Nil(t, req.LastCompletedMilestoneID)

	_, err = e.milestones.LoadWithTasks(ctx, ms.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	active, err := e.milestones.ListActive(ctx, biz.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestListMilestones(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	for i := 0; i < 5; i++ {
		e.newMilestone(t, biz.ID, 0, 10)
	}
	done := e.newMilestone(t, biz.ID, 0, 10)
	_, err := e.milestones.CompleteTask(ctx, done.Tasks[0].ID, "owner-1")
	require.NoError(t, err)

	page, err := e.milestones.List(ctx, ListMilestonesInput{BusinessID: biz.ID, Page: 2, Size: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(6), page.TotalItems)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 2)

	page, err = e.milestones.List(ctx, ListMilestonesInput{BusinessID: biz.ID, Status: models.MilestoneStatusCompleted})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, done.ID, page.Items[0].ID)

	active, err := e.milestones.ListActive(ctx, biz.ID)
	require.NoError(t, err)
	assert.Len(t, active, 5)
	for i := 1; i < len(active); i++ {
		assert.Less(t, active[i-1].Order, active[i].Order)
	}
}

func TestTaskBusinessID(t *testing.T) {
	e := newEngine(t)
	biz := newBusiness(t, e.db, "owner-1")
	ms := e.newMilestone(t, biz.ID, 0, 10)

	id, err := e.milestones.TaskBusinessID(context.Background(), ms.Tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, biz.ID, id)

	_, err = e.milestones.TaskBusinessID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
