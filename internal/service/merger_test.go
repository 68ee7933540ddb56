package service

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"alcyxob/runplan/internal/domain"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var baseTime = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// planFor is a well-formed model reply covering weeks start..end.
func planFor(start, end int) map[string]any {
	weeks := []any{}
	for w := start; w <= end; w++ {
		weeks = append(weeks, map[string]any{
			"week":         float64(w),
			"summary":      fmt.Sprintf("Week %d build", w),
			"key_sessions": []any{"Long run", "Tempo"},
			"total_volume": float64(30 + w),
			"days": []any{
				map[string]any{"day": "Monday", "workout": "Easy run", "volume": float64(8), "rpe_range": []any{float64(3), float64(4)}},
				map[string]any{"day": "Sunday", "workout": "Long run", "volume": float64(22 + w), "rpe_range": []any{float64(4), float64(5)}},
			},
		})
	}
	return map[string]any{
		"plan_title":       "Marathon Plan",
		"introduction":     "Twelve weeks to the start line.",
		"goals_summary":    "Sub 3:30",
		"weekly_breakdown": weeks,
	}
}

func completeChunk(weekRange string, created time.Time, plan map[string]any) domain.Chunk {
	return domain.Chunk{
		ID:        primitive.NewObjectID(),
		Status:    domain.ChunkComplete,
		WeekRange: weekRange,
		ChunkType: domain.ChunkTypeChunk,
		PlanJSON:  plan,
		CreatedAt: created,
	}
}

// permutations returns every ordering of chunks.
func permutations(chunks []domain.Chunk) [][]domain.Chunk {
	if len(chunks) <= 1 {
		return [][]domain.Chunk{append([]domain.Chunk(nil), chunks...)}
	}
	var out [][]domain.Chunk
	for i := range chunks {
		rest := make([]domain.Chunk, 0, len(chunks)-1)
		rest = append(rest, chunks[:i]...)
		rest = append(rest, chunks[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]domain.Chunk{chunks[i]}, p...))
		}
	}
	return out
}

func TestMergePlan_OrderedWeeks(t *testing.T) {
	chunks := []domain.Chunk{
		completeChunk("5-8", baseTime.Add(time.Hour), planFor(5, 8)),
		completeChunk("1-4", baseTime, planFor(1, 4)),
		completeChunk("9-12", baseTime.Add(2*time.Hour), planFor(9, 12)),
	}
	merged := MergePlan(chunks)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, merged.WeekNumbers())
	assert.Equal(t, "Marathon Plan", merged.PlanTitle)
	assert.Equal(t, 3, merged.ChunkCount)
	assert.False(t, merged.Empty)
	assert.Empty(t, merged.ParseErrors)
	assert.Equal(t, "5-8", merged.Weeks[4].SourceRange)
	assert.Equal(t, chunks[0].ID, merged.Weeks[4].SourceChunkID)
	assert.Equal(t, []float64{3, 4}, merged.Weeks[0].Days[0].RPERange)
}

func TestMergePlan_PermutationInvariant(t *testing.T) {
	noDays := planFor(5, 6)
	for _, w := range noDays["weekly_breakdown"].([]any) {
		delete(w.(map[string]any), "days")
	}
	chunks := []domain.Chunk{
		completeChunk("1-4", baseTime, planFor(1, 4)),
		completeChunk("1-4", baseTime.Add(time.Minute), planFor(1, 3)),
		completeChunk("3-6", baseTime.Add(2*time.Minute), planFor(3, 6)),
		completeChunk("5-8", baseTime.Add(3*time.Minute), noDays),
		{ID: primitive.NewObjectID(), Status: domain.ChunkError, WeekRange: "9-12", ErrorMessage: domain.ErrMsgTimeout, CreatedAt: baseTime},
	}
	// Same created_at on two chunks of one range: the id decides.
	twin := completeChunk("7-8", baseTime.Add(4*time.Minute), planFor(7, 8))
	twin2 := completeChunk("7-8", baseTime.Add(4*time.Minute), planFor(7, 7))
	chunks = append(chunks, twin, twin2)

	want := MergePlan(chunks)
	for _, p := range permutations(chunks[:5]) {
		got := MergePlan(append(p, twin2, twin))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("merge depends on input order (-want +got):\n%s", diff)
		}
	}
}

func TestMergePlan_PrefersWeekWithDays(t *testing.T) {
	withDays := planFor(5, 5)
	withoutDays := planFor(5, 5)
	delete(withoutDays["weekly_breakdown"].([]any)[0].(map[string]any), "days")

	// The chunk without days has the larger range end and is newer, but a
	// populated schedule still wins.
	a := completeChunk("5-8", baseTime, withDays)
	b := completeChunk("5-12", baseTime.Add(time.Hour), withoutDays)

	for _, chunks := range [][]domain.Chunk{{a, b}, {b, a}} {
		merged := MergePlan(chunks)
		require.Len(t, merged.Weeks, 1)
		assert.True(t, merged.Weeks[0].HasDays())
		assert.Equal(t, a.ID, merged.Weeks[0].SourceChunkID)
	}
}

func TestMergePlan_PrefersLargerRangeEnd(t *testing.T) {
	a := completeChunk("3-6", baseTime.Add(time.Hour), planFor(5, 5))
	b := completeChunk("5-8", baseTime, planFor(5, 5))

	merged := MergePlan([]domain.Chunk{a, b})
	require.Len(t, merged.Weeks, 1)
	assert.Equal(t, "5-8", merged.Weeks[0].SourceRange)
}

func TestMergePlan_LatestWinsPerRange(t *testing.T) {
	old := planFor(1, 4)
	old["plan_title"] = "Old title"
	regenerated := planFor(1, 2)

	merged := MergePlan([]domain.Chunk{
		completeChunk("1-4", baseTime, old),
		completeChunk("1-4", baseTime.Add(time.Hour), regenerated),
	})
	assert.Equal(t, []int{1, 2}, merged.WeekNumbers())
	assert.Equal(t, "Marathon Plan", merged.PlanTitle)
	assert.Equal(t, 1, merged.ChunkCount)
}

func TestMergePlan_NewerFailureHidesOlderWeeks(t *testing.T) {
	failed := domain.Chunk{
		ID:           primitive.NewObjectID(),
		Status:       domain.ChunkError,
		WeekRange:    "1-4",
		ErrorMessage: domain.ErrMsgInvalidJSON,
		RawOutput:    "Sorry!",
		CreatedAt:    baseTime.Add(time.Hour),
	}
	merged := MergePlan([]domain.Chunk{completeChunk("1-4", baseTime, planFor(1, 4)), failed})

	assert.True(t, merged.Empty)
	assert.Equal(t, 1, merged.ChunkCount)
	assert.Empty(t, merged.ParseErrors)
}

func TestMergePlan_PartialParseFailure(t *testing.T) {
	broken := completeChunk("5-8", baseTime.Add(time.Hour), map[string]any{"plan_title": "x", "weekly_breakdown": "soon"})
	merged := MergePlan([]domain.Chunk{completeChunk("1-4", baseTime, planFor(1, 4)), broken})

	assert.Equal(t, []int{1, 2, 3, 4}, merged.WeekNumbers())
	require.Len(t, merged.ParseErrors, 1)
	assert.Equal(t, "5-8", merged.ParseErrors[0].WeekRange)
	assert.Equal(t, broken.ID, merged.ParseErrors[0].ChunkID)
}

func TestMergePlan_BadEntriesKeepGoodWeeks(t *testing.T) {
	plan := map[string]any{
		"weekly_breakdown": []any{
			map[string]any{"week": float64(1), "summary": "ok"},
			map[string]any{"summary": "no number"},
			"not an object",
			map[string]any{"week_number": "2", "summary": "numbered differently", "total_volume": "42 km", "key_sessions": "Hills"},
		},
	}
	merged := MergePlan([]domain.Chunk{completeChunk("1-4", baseTime, plan)})

	require.Equal(t, []int{1, 2}, merged.WeekNumbers())
	assert.Equal(t, 42.0, merged.Weeks[1].TotalVolume)
	assert.Equal(t, []string{"Hills"}, merged.Weeks[1].KeySessions)
	require.Len(t, merged.ParseErrors, 1)
	assert.Contains(t, merged.ParseErrors[0].Error, "entry 1")
	assert.Contains(t, merged.ParseErrors[0].Error, "entry 2")
}

func TestMergePlan_FlexibleDayFields(t *testing.T) {
	plan := map[string]any{
		"weekly_breakdown": []any{map[string]any{
			"week": float64(1),
			"days": []any{
				map[string]any{"day": "Tuesday", "workout": "Intervals", "volume": "10km", "heart_rate_range": "150-165"},
				map[string]any{"day": "Friday", "workout": "Rest", "volume": nil},
			},
		}},
	}
	merged := MergePlan([]domain.Chunk{completeChunk("1-4", baseTime, plan)})

	require.Len(t, merged.Weeks, 1)
	days := merged.Weeks[0].Days
	require.Len(t, days, 2)
	assert.Equal(t, 10.0, days[0].Volume)
	assert.Equal(t, []float64{150, 165}, days[0].HeartRateRange)
	assert.Equal(t, 0.0, days[1].Volume)
	assert.Empty(t, merged.ParseErrors)
}

func TestMergePlan_LegacyFullChunkAndContentFallback(t *testing.T) {
	content, err := json.Marshal(planFor(1, 6))
	require.NoError(t, err)
	full := domain.Chunk{
		ID:          primitive.NewObjectID(),
		Status:      domain.ChunkComplete,
		ChunkType:   domain.ChunkTypeFull,
		PlanContent: string(content),
		CreatedAt:   baseTime,
	}
	merged := MergePlan([]domain.Chunk{full})

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, merged.WeekNumbers())
	assert.Equal(t, "1-6", merged.Weeks[0].SourceRange)
}

func TestMergePlan_EmptyStates(t *testing.T) {
	none := MergePlan(nil)
	assert.True(t, none.Empty)
	assert.Zero(t, none.ChunkCount)

	pending := MergePlan([]domain.Chunk{{ID: primitive.NewObjectID(), Status: domain.ChunkPending, WeekRange: "1-4", CreatedAt: baseTime}})
	assert.True(t, pending.Empty)
	assert.Equal(t, 1, pending.ChunkCount)
	assert.Empty(t, pending.ParseErrors)
	assert.NotNil(t, pending.Weeks)
}

func TestMergePlan_ChainNoteWarning(t *testing.T) {
	c := completeChunk("1-4", baseTime, planFor(1, 4))
	c.ChainNote = ChainNoteTotalUnknown
	merged := MergePlan([]domain.Chunk{c})

	require.Len(t, merged.Warnings, 1)
	assert.Contains(t, merged.Warnings[0], "weeks 1-4")
}
