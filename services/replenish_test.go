package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"progression-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestReplenishmentDebounces(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")

	req, err := e.replenish.RequestReplenishment(ctx, biz.ID, models.RegenerationTriggerManual)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, models.RegenerationStatusPending, req.Status)

	again, err := e.replenish.Check(ctx, biz.ID)
	require.NoError(t, err)
	assert.Nil(t, again, "a request is already pending")

	_, err = e.replenish.RequestReplenishment(ctx, "missing", models.RegenerationTriggerManual)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestReplenishmentSkipsActiveBusiness(t *testing.T) {
	e := newEngine(t)
	biz := newBusiness(t, e.db, "owner-1")
	e.newMilestone(t, biz.ID, 0, 10)

	req, err := e.replenish.RequestReplenishment(context.Background(), biz.ID, models.RegenerationTriggerManual)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestContextSnapshotIsDetached(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	_, err := e.businesses.MergeContext(ctx, biz.ID, map[string]any{"sector": "kuliner"})
	require.NoError(t, err)

	req, err := e.replenish.RequestReplenishment(ctx, biz.ID, models.RegenerationTriggerManual)
	require.NoError(t, err)
	require.NotNil(t, req)

	_, err = e.businesses.MergeContext(ctx, biz.ID, map[string]any{"sector": "fashion"})
	require.NoError(t, err)

	stored, err := e.replenish.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "kuliner", stored.Context["sector"])
}

func TestDispatchLifecycle(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	req, err := e.replenish.RequestReplenishment(ctx, biz.ID, models.RegenerationTriggerOnboarding)
	require.NoError(t, err)
	require.NotNil(t, req)

	claimed, err := e.replenish.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, models.RegenerationStatusDispatching, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, err := e.replenish.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "a claimed request is not handed out twice")

	require.NoError(t, e.replenish.MarkFailed(ctx, req.ID, errors.New("generator down")))
	stored, err := e.replenish.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegenerationStatusPending, stored.Status)
	assert.Equal(t, "generator down", stored.LastError)
	assert.True(t, stored.NextAttemptAt.After(time.Now().Add(20*time.Second)), "backoff pushes the next attempt out")

	due, err := e.replenish.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not due yet")

	// make it due again and exhaust the attempts
	e.replenish.MaxAttempts = 2
	require.NoError(t, e.db.Model(&models.RegenerationRequest{}).Where("id = ?", req.ID).
		Update("next_attempt_at", time.Now().Add(-time.Second)).Error)
	claimed, err = e.replenish.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)

	require.NoError(t, e.replenish.MarkFailed(ctx, req.ID, errors.New("still down")))
	stored, err = e.replenish.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegenerationStatusFailed, stored.Status)
	assert.False(t, reloadBusiness(t, e.db, biz.ID).ReplenishPending, "a failed request releases the flag")

	next, err := e.replenish.RequestReplenishment(ctx, biz.ID, models.RegenerationTriggerManual)
	require.NoError(t, err)
	assert.NotNil(t, next, "a later request can fire")
}

func TestMarkDispatchedAndReclaimStale(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	req, err := e.replenish.RequestReplenishment(ctx, biz.ID, models.RegenerationTriggerManual)
	require.NoError(t, err)

	_, err = e.replenish.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, e.replenish.MarkDispatched(ctx, req.ID))

	stored, err := e.replenish.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegenerationStatusDispatched, stored.Status)

	n, err := e.replenish.ReclaimStale(ctx, time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "callback window still open")

	require.NoError(t, e.db.Model(&models.RegenerationRequest{}).Where("id = ?", req.ID).
		Update("claimed_at", time.Now().Add(-2*time.Hour)).Error)
	n, err = e.replenish.ReclaimStale(ctx, time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err = e.replenish.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegenerationStatusPending, stored.Status)

	list, err := e.replenish.ListForBusiness(ctx, biz.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUnansweredDispatchIsParked(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	req, err := e.replenish.RequestReplenishment(ctx, biz.ID, models.RegenerationTriggerManual)
	require.NoError(t, err)
	require.NotNil(t, req)

	for i := 0; i < 8; i++ {
		claimed, err := e.replenish.ClaimPending(ctx, 1)
		require.NoError(t, err)
		if len(claimed) == 0 {
			break
		}
		require.NoError(t, e.replenish.MarkDispatched(ctx, req.ID))
		_, err = e.replenish.ReclaimStale(ctx, 0, 0)
		require.NoError(t, err)
	}

	stored, err := e.replenish.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegenerationStatusFailed, stored.Status)
	assert.Equal(t, e.replenish.MaxAttempts, stored.Attempts)
	assert.Contains(t, stored.LastError, "no generator callback")
	assert.False(t, reloadBusiness(t, e.db, biz.ID).ReplenishPending)
}

func TestExpiredLeaseCountsAsAttempt(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")
	req, err := e.replenish.RequestReplenishment(ctx, biz.ID, models.RegenerationTriggerManual)
	require.NoError(t, err)

	e.replenish.MaxAttempts = 1
	_, err = e.replenish.ClaimPending(ctx, 1)
	require.NoError(t, err)
	n, err := e.replenish.ReclaimStale(ctx, 0, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := e.replenish.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegenerationStatusFailed, stored.Status)
	assert.Equal(t, "dispatch lease expired", stored.LastError)
}

func TestDispatchBackoff(t *testing.T) {
	s := &ReplenishService{RetryBase: 30 * time.Second}
	assert.Equal(t, 30*time.Second, s.dispatchBackoff(1))
	assert.Equal(t, time.Minute, s.dispatchBackoff(2))
	assert.Equal(t, 4*time.Minute, s.dispatchBackoff(4))
	assert.Equal(t, time.Hour, s.dispatchBackoff(20))
}
