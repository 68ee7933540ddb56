// Package repotest holds behaviour tests shared by every store implementation.
package repotest

import (
	"context"
	"testing"
	"time"

	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Factory returns fresh, empty repositories for one subtest.
type Factory func(t *testing.T) (repository.IntakeRepository, repository.ChunkRepository)

// Run exercises the repository contracts against stores built by newStores.
func Run(t *testing.T, newStores Factory) {
	t.Run("IntakeLifecycle", func(t *testing.T) { testIntakeLifecycle(t, newStores) })
	t.Run("InsertRangeLock", func(t *testing.T) { testInsertRangeLock(t, newStores) })
	t.Run("ClaimOnce", func(t *testing.T) { testClaimOnce(t, newStores) })
	t.Run("CompleteAndFail", func(t *testing.T) { testCompleteAndFail(t, newStores) })
	t.Run("FindPending", func(t *testing.T) { testFindPending(t, newStores) })
	t.Run("ReclaimStale", func(t *testing.T) { testReclaimStale(t, newStores) })
	t.Run("DeleteStaleSiblings", func(t *testing.T) { testDeleteStaleSiblings(t, newStores) })
	t.Run("ReleaseRange", func(t *testing.T) { testReleaseRange(t, newStores) })
}

func newChunk(intakeID primitive.ObjectID, weekRange string) *domain.Chunk {
	return &domain.Chunk{
		UserID:    "user-1",
		IntakeID:  intakeID,
		WeekRange: weekRange,
		ChunkType: domain.ChunkTypeChunk,
		Prompt:    "weeks " + weekRange,
	}
}

func mustInsert(t *testing.T, chunks repository.ChunkRepository, c *domain.Chunk) primitive.ObjectID {
	t.Helper()
	id, err := chunks.Insert(context.Background(), c)
	require.NoError(t, err)
	require.False(t, id.IsZero())
	// Keep created_at strictly increasing for stores with coarse clocks.
	time.Sleep(2 * time.Millisecond)
	return id
}

func testIntakeLifecycle(t *testing.T, newStores Factory) {
	ctx := context.Background()
	intakes, _ := newStores(t)

	in := &domain.Intake{
		UserID:         "user-1",
		TrainingFor:    "Marathon",
		PlanLength:     "12 Weeks",
		UnitPreference: domain.UnitMetric,
		MaxHR:          190,
		WeeklySchedule: map[string]domain.DayPreference{"Sunday": {LongRun: true}},
	}
	id, err := intakes.Create(ctx, in)
	require.NoError(t, err)

	got, err := intakes.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Marathon", got.TrainingFor)
	assert.Equal(t, 190, got.MaxHR)
	assert.True(t, got.WeeklySchedule["Sunday"].LongRun)

	got.Goals = "Sub 3:30"
	require.NoError(t, intakes.Update(ctx, got))
	got, err = intakes.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Sub 3:30", got.Goals)
	assert.Equal(t, "user-1", got.UserID)

	_, err = intakes.Create(ctx, &domain.Intake{UserID: "user-2", TrainingFor: "10K"})
	require.NoError(t, err)
	list, err := intakes.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	require.NoError(t, intakes.Delete(ctx, id))
	_, err = intakes.GetByID(ctx, id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, intakes.Delete(ctx, id), repository.ErrNotFound)
}

func testInsertRangeLock(t *testing.T, newStores Factory) {
	ctx := context.Background()
	_, chunks := newStores(t)
	intakeID := primitive.NewObjectID()

	id := mustInsert(t, chunks, newChunk(intakeID, "5-8"))

	_, err := chunks.Insert(ctx, newChunk(intakeID, "5-8"))
	assert.ErrorIs(t, err, repository.ErrDuplicateRange)

	// Same range on another intake is fine.
	mustInsert(t, chunks, newChunk(primitive.NewObjectID(), "5-8"))

	got, err := chunks.FindByIntakeAndRange(ctx, intakeID, "5-8")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, domain.ChunkPending, got[0].Status)

	// A completed chunk keeps the lock.
	_, err = chunks.Claim(ctx, id)
	require.NoError(t, err)
	require.NoError(t, chunks.Complete(ctx, id, map[string]any{"weekly_breakdown": []any{}}, "{}"))
	_, err = chunks.Insert(ctx, newChunk(intakeID, "5-8"))
	assert.ErrorIs(t, err, repository.ErrDuplicateRange)
}

func testClaimOnce(t *testing.T, newStores Factory) {
	ctx := context.Background()
	_, chunks := newStores(t)
	id := mustInsert(t, chunks, newChunk(primitive.NewObjectID(), "1-4"))

	c, err := chunks.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkProcessing, c.Status)
	assert.Equal(t, "weeks 1-4", c.Prompt)

	_, err = chunks.Claim(ctx, id)
	assert.ErrorIs(t, err, repository.ErrNotClaimed)

	_, err = chunks.Claim(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, repository.ErrNotClaimed)
}

func testCompleteAndFail(t *testing.T, newStores Factory) {
	ctx := context.Background()
	_, chunks := newStores(t)
	intakeID := primitive.NewObjectID()

	okID := mustInsert(t, chunks, newChunk(intakeID, "1-4"))
	_, err := chunks.Claim(ctx, okID)
	require.NoError(t, err)
	plan := map[string]any{
		"plan_title": "Twelve",
		"weekly_breakdown": []any{
			map[string]any{"week": float64(1), "summary": "Base", "days": []any{}},
		},
	}
	require.NoError(t, chunks.Complete(ctx, okID, plan, `{"plan_title":"Twelve"}`))
	require.NoError(t, chunks.SetChainNote(ctx, okID, "total weeks unknown"))

	got, err := chunks.GetByID(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkComplete, got.Status)
	assert.Equal(t, "Twelve", got.PlanJSON["plan_title"])
	weeks, ok := got.PlanJSON["weekly_breakdown"].([]any)
	require.True(t, ok, "weekly_breakdown should decode as []any, got %T", got.PlanJSON["weekly_breakdown"])
	require.Len(t, weeks, 1)
	_, ok = weeks[0].(map[string]any)
	assert.True(t, ok, "week entries should decode as map[string]any, got %T", weeks[0])
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "total weeks unknown", got.ChainNote)

	badID := mustInsert(t, chunks, newChunk(intakeID, "5-8"))
	_, err = chunks.Claim(ctx, badID)
	require.NoError(t, err)
	require.NoError(t, chunks.Fail(ctx, badID, repository.Failure{
		Message:      domain.ErrMsgInvalidJSON,
		RawOutput:    "not json",
		RawOutputKey: "raw/abc.txt",
	}))

	got, err = chunks.GetByID(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkError, got.Status)
	assert.Equal(t, domain.ErrMsgInvalidJSON, got.ErrorMessage)
	assert.Equal(t, "not json", got.RawOutput)
	assert.Equal(t, "raw/abc.txt", got.RawOutputKey)
	assert.Empty(t, got.RangeLock)

	// The failed range is free again.
	mustInsert(t, chunks, newChunk(intakeID, "5-8"))

	all, err := chunks.FindByIntake(ctx, intakeID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, okID, all[0].ID)
	assert.Equal(t, badID, all[1].ID)

	assert.ErrorIs(t, chunks.Complete(ctx, primitive.NewObjectID(), plan, "{}"), repository.ErrNotFound)

	n, err := chunks.DeleteByIntake(ctx, intakeID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	all, err = chunks.FindByIntake(ctx, intakeID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testFindPending(t *testing.T, newStores Factory) {
	ctx := context.Background()
	_, chunks := newStores(t)
	a := primitive.NewObjectID()
	b := primitive.NewObjectID()

	first := mustInsert(t, chunks, newChunk(a, "1-4"))
	claimed := mustInsert(t, chunks, newChunk(a, "5-8"))
	other := mustInsert(t, chunks, newChunk(b, "1-4"))
	_, err := chunks.Claim(ctx, claimed)
	require.NoError(t, err)

	all, err := chunks.FindPending(ctx, repository.ChunkFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
	assert.Equal(t, other, all[1].ID)

	onlyB, err := chunks.FindPending(ctx, repository.ChunkFilter{IntakeID: b})
	require.NoError(t, err)
	require.Len(t, onlyB, 1)
	assert.Equal(t, other, onlyB[0].ID)

	limited, err := chunks.FindPending(ctx, repository.ChunkFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, first, limited[0].ID)
}

func testReclaimStale(t *testing.T, newStores Factory) {
	ctx := context.Background()
	_, chunks := newStores(t)
	a := primitive.NewObjectID()
	b := primitive.NewObjectID()

	stuck := mustInsert(t, chunks, newChunk(a, "1-4"))
	otherStuck := mustInsert(t, chunks, newChunk(b, "1-4"))
	done := mustInsert(t, chunks, newChunk(a, "5-8"))
	for _, id := range []primitive.ObjectID{stuck, otherStuck, done} {
		_, err := chunks.Claim(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, chunks.Complete(ctx, done, map[string]any{}, "{}"))

	// Claims younger than the cutoff stay put.
	n, err := chunks.ReclaimStale(ctx, repository.ChunkFilter{}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	cutoff := time.Now().Add(time.Minute)
	n, err = chunks.ReclaimStale(ctx, repository.ChunkFilter{IntakeID: a}, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := chunks.GetByID(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkPending, got.Status)
	assert.NotEmpty(t, got.RangeLock)
	_, err = chunks.Insert(ctx, newChunk(a, "1-4"))
	assert.ErrorIs(t, err, repository.ErrDuplicateRange)

	got, err = chunks.GetByID(ctx, otherStuck)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkProcessing, got.Status)
	got, err = chunks.GetByID(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkComplete, got.Status)

	// The reclaimed chunk can be claimed again.
	_, err = chunks.Claim(ctx, stuck)
	require.NoError(t, err)

	n, err = chunks.ReclaimStale(ctx, repository.ChunkFilter{}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func testDeleteStaleSiblings(t *testing.T, newStores Factory) {
	ctx := context.Background()
	_, chunks := newStores(t)
	intakeID := primitive.NewObjectID()

	complete := mustInsert(t, chunks, newChunk(intakeID, "1-4"))
	_, err := chunks.Claim(ctx, complete)
	require.NoError(t, err)
	require.NoError(t, chunks.Complete(ctx, complete, map[string]any{}, "{}"))

	failed := mustInsert(t, chunks, newChunk(intakeID, "5-8"))
	_, err = chunks.Claim(ctx, failed)
	require.NoError(t, err)
	require.NoError(t, chunks.Fail(ctx, failed, repository.Failure{Message: domain.ErrMsgTimeout}))

	stalePending := mustInsert(t, chunks, newChunk(intakeID, "13-16"))
	inFlight := mustInsert(t, chunks, newChunk(intakeID, "17-20"))
	_, err = chunks.Claim(ctx, inFlight)
	require.NoError(t, err)
	current := mustInsert(t, chunks, newChunk(intakeID, "9-12"))
	otherIntake := mustInsert(t, chunks, newChunk(primitive.NewObjectID(), "5-8"))

	n, err := chunks.DeleteStaleSiblings(ctx, intakeID, "9-12")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, id := range []primitive.ObjectID{complete, inFlight, current, otherIntake} {
		_, err := chunks.GetByID(ctx, id)
		assert.NoError(t, err)
	}
	for _, id := range []primitive.ObjectID{failed, stalePending} {
		_, err := chunks.GetByID(ctx, id)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	}

	// Deleting the pending sibling freed its range.
	mustInsert(t, chunks, newChunk(intakeID, "13-16"))
}

func testReleaseRange(t *testing.T, newStores Factory) {
	ctx := context.Background()
	_, chunks := newStores(t)
	intakeID := primitive.NewObjectID()

	old := mustInsert(t, chunks, newChunk(intakeID, "1-4"))
	_, err := chunks.Claim(ctx, old)
	require.NoError(t, err)
	require.NoError(t, chunks.Complete(ctx, old, map[string]any{}, "{}"))

	require.NoError(t, chunks.ReleaseRange(ctx, intakeID, "1-4"))
	fresh := mustInsert(t, chunks, newChunk(intakeID, "1-4"))

	got, err := chunks.FindByIntakeAndRange(ctx, intakeID, "1-4")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, old, got[0].ID)
	assert.Equal(t, domain.ChunkComplete, got[0].Status)
	assert.Equal(t, fresh, got[1].ID)

	// Releasing a range nobody holds is not an error.
	assert.NoError(t, chunks.ReleaseRange(ctx, intakeID, "21-24"))
}
