package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDesignRepo_CreateGetUpdate(t *testing.T) {
	db := openTestDB(t)
	repo := NewDesignRepo(db)

	d := &Design{ID: "d1", Description: "add retry to webhook handler"}
	require.NoError(t, repo.Create(d))

	got, err := repo.Get("d1")
	require.NoError(t, err)
	require.Equal(t, DesignStageDesign, got.Stage)
	require.Equal(t, DesignStatusRunning, got.Status)

	require.NoError(t, repo.UpdateStatus("d1", DesignStatusApproved))
	require.NoError(t, repo.UpdateStage("d1", DesignStageImplementation))
	require.NoError(t, repo.SetPageID("d1", "page-123"))
	require.NoError(t, repo.SetParentKey("d1", "PROJ-1"))
	require.NoError(t, repo.IncrementReviewAttempts("d1"))

	got, err = repo.Get("d1")
	require.NoError(t, err)
	require.Equal(t, DesignStatusApproved, got.Status)
	require.Equal(t, DesignStageImplementation, got.Stage)
	require.Equal(t, "page-123", got.PageID)
	require.Equal(t, "PROJ-1", got.ParentKey)
	require.Equal(t, 1, got.ReviewAttempts)
}

func TestDesignRepo_GetMissing(t *testing.T) {
	db := openTestDB(t)
	repo := NewDesignRepo(db)
	_, err := repo.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDesignOutputRepo_PutIsUpsert(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewDesignRepo(db).Create(&Design{ID: "d1", Description: "x"}))
	outputs := NewDesignOutputRepo(db)

	require.NoError(t, outputs.Put("d1", "plan", "/work/d1/plan.md"))
	require.NoError(t, outputs.Put("d1", "plan", "/work/d1/plan-v2.md"))

	got, err := outputs.Get("d1", "plan")
	require.NoError(t, err)
	require.Equal(t, "/work/d1/plan-v2.md", got.Path)

	all, err := outputs.ListByDesign("d1")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPRStateRepo_ReadyForHumanAndSiblingsMerged(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewDesignRepo(db).Create(&Design{ID: "d1", Description: "x"}))
	prs := NewPRStateRepo(db)

	require.NoError(t, prs.Create(&PRState{PRNumber: 200, DesignID: "d1"}))
	require.NoError(t, prs.Create(&PRState{PRNumber: 201, DesignID: "d1"}))

	ready, err := prs.CheckReadyForHuman(200)
	require.NoError(t, err)
	require.False(t, ready)

	require.NoError(t, prs.UpdateCIStatus(200, CheckStatusPassing))
	require.NoError(t, prs.UpdateReviewStatus(200, CheckStatusPassing))
	ready, err = prs.CheckReadyForHuman(200)
	require.NoError(t, err)
	require.True(t, ready)

	merged, err := prs.CheckAllSiblingsMerged("d1")
	require.NoError(t, err)
	require.False(t, merged)

	require.NoError(t, prs.UpdateStage(200, PRStageMerged))
	require.NoError(t, prs.UpdateStage(201, PRStageMerged))
	merged, err = prs.CheckAllSiblingsMerged("d1")
	require.NoError(t, err)
	require.True(t, merged)
}

func TestPRStateRepo_CheckAllSiblingsMerged_EmptyIsFalse(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewDesignRepo(db).Create(&Design{ID: "d1", Description: "x"}))
	prs := NewPRStateRepo(db)

	merged, err := prs.CheckAllSiblingsMerged("d1")
	require.NoError(t, err)
	require.False(t, merged)
}
