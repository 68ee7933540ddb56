// internal/domain/plan.go
package domain

import "go.mongodb.org/mongo-driver/bson/primitive"

// Day is one day of a generated week. Exactly one of HeartRateRange and
// RPERange is expected, depending on the runner's intensity preference.
type Day struct {
	Day            string    `json:"day"`
	Workout        string    `json:"workout"`
	Volume         float64   `json:"volume"`
	HeartRateRange []float64 `json:"heart_rate_range,omitempty"`
	RPERange       []float64 `json:"rpe_range,omitempty"`
}

// Week is derived from chunk results and never stored on its own.
type Week struct {
	Week        int      `json:"week"`
	Summary     string   `json:"summary"`
	KeySessions []string `json:"key_sessions"`
	TotalVolume float64  `json:"total_volume"`
	Days        []Day    `json:"days"`

	// Source chunk, used for tie-breaking during merge.
	SourceRange   string             `json:"source_range"`
	SourceChunkID primitive.ObjectID `json:"source_chunk_id"`
}

// HasDays reports whether the week carries a day-by-day schedule.
func (w *Week) HasDays() bool {
	return len(w.Days) > 0
}

// ChunkParseError names a chunk whose stored plan could not be read.
type ChunkParseError struct {
	WeekRange string             `json:"week_range"`
	ChunkID   primitive.ObjectID `json:"chunk_id"`
	Error     string             `json:"error"`
}

// MergedPlan is the single ordered view assembled from all chunks of an intake.
type MergedPlan struct {
	PlanTitle    string            `json:"plan_title,omitempty"`
	Introduction string            `json:"introduction,omitempty"`
	GoalsSummary string            `json:"goals_summary,omitempty"`
	Weeks        []Week            `json:"weekly_breakdown"`
	ParseErrors  []ChunkParseError `json:"parse_errors,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"` // e.g. chain notes of selected chunks
	// ChunkCount is the number of chunks considered after latest-wins
	// selection. Zero means nothing has been requested yet; Empty with a
	// non-zero ChunkCount means every chunk failed or is still generating.
	ChunkCount int  `json:"chunk_count"`
	Empty      bool `json:"empty"`
}

// WeekNumbers lists the week numbers in order, mostly for logs and tests.
func (p *MergedPlan) WeekNumbers() []int {
	out := make([]int, len(p.Weeks))
	for i, w := range p.Weeks {
		out[i] = w.Week
	}
	return out
}

// WeeksBefore returns the merged weeks numbered below week.
func (p *MergedPlan) WeeksBefore(week int) []Week {
	var out []Week
	for _, w := range p.Weeks {
		if w.Week < week {
			out = append(out, w)
		}
	}
	return out
}
