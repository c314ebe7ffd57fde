package services

import (
	"context"
	"testing"

	"progression-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBusinessQueuesOnboarding(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	biz, req, err := e.businesses.Create(ctx, CreateBusinessInput{
		OwnerUserID: "owner-1",
		Name:        "Kopi Senja",
		Category:    "F&B",
		Context:     map[string]any{"sector": "kuliner"},
	})
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, models.RegenerationTriggerOnboarding, req.Trigger)
	assert.Equal(t, "kuliner", req.Context["sector"])
	assert.Equal(t, "Kopi Senja", req.Profile["name"])
	assert.Equal(t, "F&B", req.Profile["category"])
	assert.True(t, reloadBusiness(t, e.db, biz.ID).ReplenishPending)

	_, _, err = e.businesses.Create(ctx, CreateBusinessInput{OwnerUserID: "owner-1", Name: "Second"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = e.businesses.Create(ctx, CreateBusinessInput{OwnerUserID: "owner-2"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, err := e.businesses.GetByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, biz.ID, got.ID)

	_, err = e.businesses.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeContext(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")

	_, err := e.businesses.MergeContext(ctx, biz.ID, map[string]any{"sector": "kuliner", "city": "Bandung"})
	require.NoError(t, err)

	updated, err := e.businesses.MergeContext(ctx, biz.ID, map[string]any{"city": nil, "goals": []any{"ekspansi"}})
	require.NoError(t, err)
	assert.Equal(t, "kuliner", updated.Context["sector"])
	assert.NotContains(t, updated.Context, "city")

	stored := reloadBusiness(t, e.db, biz.ID)
	assert.Equal(t, "kuliner", stored.Context["sector"])
	assert.NotContains(t, stored.Context, "city")
	assert.Len(t, stored.Context["goals"], 1)
}

func TestUpdateBusinessProfile(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	biz := newBusiness(t, e.db, "owner-1")

	name := "  Kopi Senja Cabang 2 "
	goal := "Buka cabang baru"
	updated, err := e.businesses.Update(ctx, biz.ID, UpdateBusinessInput{
		Name:        &name,
		PrimaryGoal: &goal,
		Address:     map[string]any{"city": "Bandung"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Kopi Senja Cabang 2", updated.Name)
	assert.Equal(t, goal, updated.PrimaryGoal)
	assert.Equal(t, "Bandung", updated.Address["city"])

	stage := "operational"
	updated, err = e.businesses.Update(ctx, biz.ID, UpdateBusinessInput{Stage: &stage})
	require.NoError(t, err)
	assert.Equal(t, "Kopi Senja Cabang 2", updated.Name, "unset fields are kept")
	assert.Equal(t, goal, updated.PrimaryGoal)
	assert.Equal(t, stage, updated.Stage)

	blank := " "
	_, err = e.businesses.Update(ctx, biz.ID, UpdateBusinessInput{Name: &blank})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.businesses.Update(ctx, "missing", UpdateBusinessInput{Stage: &stage})
	assert.ErrorIs(t, err, ErrNotFound)
}
