package service

import (
	"testing"

	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/prompt"

	"github.com/stretchr/testify/assert"
)

func TestNextRange(t *testing.T) {
	tests := []struct {
		name            string
		priorEnd, total int
		want            domain.WeekRange
	}{
		{"second chunk", 4, 12, domain.WeekRange{Start: 5, End: 8}},
		{"clipped last chunk", 9, 12, domain.WeekRange{Start: 10, End: 12}},
		{"exact fit", 8, 12, domain.WeekRange{Start: 9, End: 12}},
		{"single week left", 15, 16, domain.WeekRange{Start: 16, End: 16}},
		{"negative prior end falls back", -6, 12, domain.WeekRange{Start: 1, End: 4}},
		{"unknown total falls back to four weeks", 4, 0, domain.WeekRange{Start: 5, End: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRange(tt.priorEnd, tt.total)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestDiscoverTotalWeeks(t *testing.T) {
	plan := planFor(1, 6)

	tests := []struct {
		name       string
		intake     *domain.Intake
		prompt     string
		plan       map[string]any
		wantTotal  int
		wantSource string
		wantOK     bool
	}{
		{
			name:       "intake plan length wins",
			intake:     &domain.Intake{PlanLength: "16 Weeks"},
			prompt:     "You are creating weeks 1-4 of 12.",
			plan:       plan,
			wantTotal:  16,
			wantSource: SourceIntakePlanLength,
			wantOK:     true,
		},
		{
			name:       "prompt range of total",
			intake:     &domain.Intake{PlanLength: "as long as needed"},
			prompt:     "You are creating weeks 5-8 of 20.",
			wantTotal:  20,
			wantSource: SourcePromptText,
			wantOK:     true,
		},
		{
			name:       "prompt part of an N-week plan",
			prompt:     "This is part of an 18-week training plan.",
			wantTotal:  18,
			wantSource: SourcePromptText,
			wantOK:     true,
		},
		{
			name:       "prompt N week marathon",
			prompt:     "Write a 10 week marathon block.",
			wantTotal:  10,
			wantSource: SourcePromptText,
			wantOK:     true,
		},
		{
			name:       "segment length is not the plan length",
			prompt:     "Create a detailed 4-week segment (weeks 1-4) of a marathon training plan",
			plan:       plan,
			wantTotal:  6,
			wantSource: SourcePlanMaxWeek,
			wantOK:     true,
		},
		{
			name:   "nothing known",
			intake: &domain.Intake{},
			prompt: "Make me faster.",
			plan:   map[string]any{"plan_title": "Speed"},
		},
		{
			name: "nil everything",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, source, ok := DiscoverTotalWeeks(tt.intake, tt.prompt, tt.plan)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantTotal, total)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestTotalWeeksStrategiesOrder(t *testing.T) {
	var names []string
	for _, s := range TotalWeeksStrategies {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{SourceIntakePlanLength, SourcePromptText, SourcePlanMaxWeek}, names)
}

func TestDiscoverTotalWeeks_BuiltPromptWithoutPlanLength(t *testing.T) {
	in := &domain.Intake{TrainingFor: "Marathon", PlanLength: ""}
	p := prompt.Build(in, domain.WeekRange{Start: 1, End: 4}, "")

	_, _, ok := DiscoverTotalWeeks(in, p, nil)
	assert.False(t, ok)

	in.PlanLength = "18 weeks"
	total, source, ok := DiscoverTotalWeeks(&domain.Intake{}, prompt.Build(in, domain.WeekRange{Start: 1, End: 4}, ""), nil)
	assert.True(t, ok)
	assert.Equal(t, 18, total)
	assert.Equal(t, SourcePromptText, source)
}
