package prompt

import (
	"strings"
	"testing"

	"alcyxob/runplan/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleIntake() *domain.Intake {
	return &domain.Intake{
		Age:               34,
		Weight:            70,
		Height:            178,
		TrainingFor:       "Marathon",
		PlanLength:        "12 Weeks",
		Goals:             "Sub 3:30",
		WeeklyMileage:     40,
		UnitPreference:    domain.UnitMetric,
		TrainingIntensity: domain.IntensityHeartRate,
		MaxHR:             190,
		RestingHR:         50,
		WeeklySchedule: map[string]domain.DayPreference{
			"Sunday":  {LongRun: true},
			"Monday":  {EasyRun: true},
			"Tuesday": {},
		},
	}
}

func TestBuild_Deterministic(t *testing.T) {
	in := sampleIntake()
	r := domain.WeekRange{Start: 5, End: 8}
	first := Build(in, r, "")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Build(in, r, ""))
	}
}

func TestBuild_ProfileAndFallbacks(t *testing.T) {
	in := sampleIntake()
	in.TrainingHistory = ""
	in.Age = 0
	p := Build(in, domain.WeekRange{Start: 1, End: 4}, "")

	assert.Contains(t, p, "Create a detailed 4-week segment (weeks 1-4)")
	assert.Contains(t, p, "Age: Not specified")
	assert.Contains(t, p, "Weight: 70 kg")
	assert.Contains(t, p, "Training history: Not specified")
	assert.Contains(t, p, "Current (recent) weekly mileage: 40 km.")
	assert.NotContains(t, p, "Starting weekly volume")
	assert.Contains(t, p, "Max heart rate: 190 bpm")
	assert.Contains(t, p, "a heart rate range (bpm)")
	assert.Contains(t, p, "'heart_rate_range' (array of two numbers")
}

func TestBuild_ImperialUnits(t *testing.T) {
	in := sampleIntake()
	in.UnitPreference = domain.UnitImperial
	in.TrainingIntensity = domain.IntensityRPE
	p := Build(in, domain.WeekRange{Start: 1, End: 4}, "")
	assert.Contains(t, p, "Weight: 70 lbs")
	assert.Contains(t, p, "Height: 178 inches")
	assert.Contains(t, p, "40 miles")
	assert.Contains(t, p, "'rpe_range' (array of two numbers")
}

func TestBuild_PhaseAndRaceWeek(t *testing.T) {
	in := sampleIntake()

	building := Build(in, domain.WeekRange{Start: 1, End: 4}, "")
	assert.Contains(t, building, "BUILDING phase")
	assert.Contains(t, building, "Do NOT include the final taper or race week")

	development := Build(in, domain.WeekRange{Start: 5, End: 8}, "")
	assert.Contains(t, development, "DEVELOPMENT phase")

	peaking := Build(in, domain.WeekRange{Start: 9, End: 12}, "")
	assert.Contains(t, peaking, "PEAKING phase")
	assert.Contains(t, peaking, "Include the taper and race week in this chunk.")
	assert.Contains(t, peaking, "This is part of a 12-week training plan. You are creating weeks 9-12 of 12.")
}

func TestBuild_UndeclaredPlanLength(t *testing.T) {
	in := sampleIntake()
	in.PlanLength = "as long as it takes"

	p := Build(in, domain.WeekRange{Start: 13, End: 16}, "")
	assert.Contains(t, p, "This is part of a longer training plan. You are creating weeks 13-16.")
	assert.NotContains(t, p, "16-week")
	assert.NotContains(t, p, "of 16")
	assert.Contains(t, p, "Do NOT include the final taper or race week")
}

func TestBuild_PriorWeeksPrecedesPhase(t *testing.T) {
	prior := "Week 1: Base week (30 km)"
	p := Build(sampleIntake(), domain.WeekRange{Start: 5, End: 8}, prior)

	ctx := strings.Index(p, "CONTEXT FROM PREVIOUS WEEKS:\n"+prior)
	phase := strings.Index(p, "DEVELOPMENT phase")
	require.NotEqual(t, -1, ctx)
	require.NotEqual(t, -1, phase)
	assert.Less(t, ctx, phase)

	assert.NotContains(t, Build(sampleIntake(), domain.WeekRange{Start: 5, End: 8}, ""), "CONTEXT FROM PREVIOUS WEEKS")
}

func TestBuild_SchemaContract(t *testing.T) {
	p := Build(sampleIntake(), domain.WeekRange{Start: 1, End: 4}, "")
	for _, want := range []string{
		"plan_title", "introduction", "goals_summary", "weekly_breakdown",
		"'key_sessions'", "'total_volume'", "Example (HR-based week)", "Example (RPE-based week)",
		"Do NOT wrap your response in triple backticks",
	} {
		assert.Contains(t, p, want)
	}
	assert.NotContains(t, p, "// ...", "examples must be valid JSON")
}

func TestPhaseFor(t *testing.T) {
	assert.Equal(t, PhaseBuilding, PhaseFor(1))
	assert.Equal(t, PhaseBuilding, PhaseFor(4))
	assert.Equal(t, PhaseDevelopment, PhaseFor(5))
	assert.Equal(t, PhaseDevelopment, PhaseFor(8))
	assert.Equal(t, PhasePeaking, PhaseFor(9))
}

func TestWeeklyScheduleText(t *testing.T) {
	text := WeeklyScheduleText(map[string]domain.DayPreference{
		"Sunday":    {LongRun: true},
		"Monday":    {EasyRun: true, Session: true},
		"Wednesday": {},
		"Holiday":   {EasyRun: true},
	})
	assert.Equal(t, "Monday: Easy Run, Session/Workout\nWednesday: No preference\nSunday: Long Run\nHoliday: Easy Run", text)
	assert.Equal(t, "", WeeklyScheduleText(nil))
}

func TestSummarizePriorWeeks(t *testing.T) {
	weeks := []domain.Week{
		{Week: 2, Summary: "More volume", TotalVolume: 50, KeySessions: []string{"Tempo 8 km"}},
		{Week: 1, Summary: "Base", TotalVolume: 40},
		{Week: 5, Summary: "Not yet"},
	}
	got := SummarizePriorWeeks(weeks, 5, "km")
	assert.Equal(t,
		"Week 1: Base (40 km)\nWeek 2: More volume (50 km) - Key sessions: Tempo 8 km\n\n"+
			"PROGRESSION CONTEXT: The runner has completed 2 weeks with an average weekly volume of approximately 45 km.",
		got)

	assert.Equal(t, "", SummarizePriorWeeks(weeks, 1, "km"))
}
