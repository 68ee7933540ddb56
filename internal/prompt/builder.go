// Package prompt renders the instruction text sent to the model for one
// week range of a runner's plan. Everything here is pure: the same intake,
// range and context always produce the same string.
package prompt

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"alcyxob/runplan/internal/domain"
)

const notSpecified = "Not specified"

// Phase names the training block a chunk falls into.
type Phase string

const (
	PhaseBuilding    Phase = "BUILDING"
	PhaseDevelopment Phase = "DEVELOPMENT"
	PhasePeaking     Phase = "PEAKING"
)

// PhaseFor maps the first week of a chunk to its phase: weeks 1-4 build,
// 5-8 develop, 9 and later peak.
func PhaseFor(startWeek int) Phase {
	switch {
	case startWeek <= 4:
		return PhaseBuilding
	case startWeek <= 8:
		return PhaseDevelopment
	default:
		return PhasePeaking
	}
}

func (p Phase) instruction() string {
	switch p {
	case PhaseBuilding:
		return "This is the BUILDING phase - focus on establishing consistency and building base fitness."
	case PhaseDevelopment:
		return "This is the DEVELOPMENT phase - gradually increase volume and introduce more structured workouts."
	default:
		return "This is the PEAKING phase - focus on race-specific preparation and tapering."
	}
}

// IncludesRaceWeek is true when the chunk reaches the last week of the plan.
func IncludesRaceWeek(r domain.WeekRange, totalWeeks int) bool {
	return r.End >= totalWeeks
}

// Build renders the prompt for weeks r of the intake's plan. priorWeeks,
// when non-empty, is embedded verbatim ahead of the phase instructions.
func Build(in *domain.Intake, r domain.WeekRange, priorWeeks string) string {
	if in == nil {
		in = &domain.Intake{}
	}
	totalWeeks, totalKnown := in.DeclaredWeeks()
	unit := in.DistanceUnit()
	weightUnit, heightUnit := "kg", "cm"
	if !in.IsMetric() {
		weightUnit, heightUnit = "lbs", "inches"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Create a detailed %d-week segment (weeks %s) of a %s training plan for a runner with the following profile:\n\n",
		r.Len(), r, strings.ToLower(orDefault(in.TrainingFor, "marathon")))

	fmt.Fprintf(&b, "Age: %s\n", intOr(in.Age))
	fmt.Fprintf(&b, "Weight: %s %s\n", numOr(in.Weight), weightUnit)
	fmt.Fprintf(&b, "Height: %s %s\n", numOr(in.Height), heightUnit)
	fmt.Fprintf(&b, "Training for: %s\n", orDefault(in.TrainingFor, "Marathon"))
	fmt.Fprintf(&b, "Goals: %s\n", orDefault(in.Goals, notSpecified))
	if in.WeeklyMileage > 0 {
		fmt.Fprintf(&b, "Current (recent) weekly mileage: %s %s.\n", formatNumber(in.WeeklyMileage), unit)
	}
	if in.StartingVolume > 0 {
		fmt.Fprintf(&b, "Starting weekly volume: %s %s.\n", formatNumber(in.StartingVolume), unit)
	}
	switch {
	case in.MaxVolume > 0:
		fmt.Fprintf(&b, "Maximum weekly volume: %s %s.\n", formatNumber(in.MaxVolume), unit)
	case in.AIChooseMaxVolume:
		b.WriteString("Maximum weekly volume: choose an appropriate peak for this runner.\n")
	}
	fmt.Fprintf(&b, "Weekly training time: %s hours\n", numOr(in.WeeklyTime))
	if in.DaysPerWeek > 0 {
		fmt.Fprintf(&b, "Preferred training days per week: %d\n", in.DaysPerWeek)
	}
	fmt.Fprintf(&b, "Training intensity preference: %s\n", orDefault(in.TrainingIntensity, domain.IntensityRPE))
	fmt.Fprintf(&b, "RPE familiarity: %s\n", orDefault(in.RPEFamiliarity, notSpecified))
	fmt.Fprintf(&b, "Max heart rate: %s bpm\n", intOr(in.MaxHR))
	fmt.Fprintf(&b, "Resting heart rate: %s bpm\n", intOr(in.RestingHR))
	fmt.Fprintf(&b, "Training history: %s\n\n", orDefault(in.TrainingHistory, notSpecified))

	b.WriteString("Weekly Schedule Preferences (user's preferred days for easy runs, sessions, long runs):\n")
	b.WriteString(WeeklyScheduleText(in.WeeklySchedule))
	b.WriteString("\n\n")
	if in.OtherRequests != "" {
		fmt.Fprintf(&b, "Additional user requests: %s\n", in.OtherRequests)
	}

	if priorWeeks != "" {
		fmt.Fprintf(&b, "\nCONTEXT FROM PREVIOUS WEEKS:\n%s\n\n", priorWeeks)
	}

	// An undeclared length stays out of the text so that it cannot be read
	// back as the plan total.
	if totalKnown {
		fmt.Fprintf(&b, "\nThis is part of a %d-week training plan. You are creating weeks %d-%d of %d.\n", totalWeeks, r.Start, r.End, totalWeeks)
	} else {
		fmt.Fprintf(&b, "\nThis is part of a longer training plan. You are creating weeks %d-%d.\n", r.Start, r.End)
	}
	if totalKnown && IncludesRaceWeek(r, totalWeeks) {
		b.WriteString("Include the taper and race week in this chunk.\n")
	} else {
		b.WriteString("Do NOT include the final taper or race week in this chunk.\n")
	}

	intensityTarget := "an RPE range"
	if in.UsesHeartRate() {
		intensityTarget = "a heart rate range (bpm)"
	}
	b.WriteString("Instructions:\n")
	fmt.Fprintf(&b, "- You are an expert running coach creating weeks %d-%d of a progressive training plan.\n", r.Start, r.End)
	fmt.Fprintf(&b, "- %s\n", PhaseFor(r.Start).instruction())
	b.WriteString("- Structure the plan so that at least 80% of running is easy, and no more than 20% is moderate/intense.\n")
	b.WriteString("- Use the user's preferred days for easy runs, sessions, and long runs as suggestions, but optimize for best training outcomes.\n")
	b.WriteString("- For each week, provide a summary of the key sessions to be completed.\n")
	fmt.Fprintf(&b, "- For each day, suggest a workout (easy run, session, long run, rest, etc.), a volume target in %s, and %s.\n", unit, intensityTarget)
	b.WriteString("- The sum of daily volumes should match the weekly total.\n")
	b.WriteString("- Build progressively on the previous weeks' training if available.\n")
	fmt.Fprintf(&b, "- Output a complete, valid JSON object for weeks %d to %d only.\n", r.Start, r.End)
	b.WriteString("- For each week in weekly_breakdown, always use the property 'week' (not 'week_number') for the week number.\n\n")

	b.WriteString(schemaContract(in.UsesHeartRate()))
	return b.String()
}

// schemaContract is the machine-readable part of the prompt: key names,
// types, the two worked examples and the formatting prohibitions.
func schemaContract(heartRate bool) string {
	rangeKey := "rpe_range"
	if heartRate {
		rangeKey = "heart_rate_range"
	}
	var b strings.Builder
	b.WriteString("Respond ONLY with a valid JSON object. Do NOT include any text, explanations, comments (such as // or /* ... */), or markdown. Do NOT wrap your response in triple backticks or any other formatting.\n\n")
	b.WriteString("The JSON must have exactly these top-level keys: plan_title (string), introduction (string), goals_summary (a single readable string, not an object), weekly_breakdown (array of weeks).\n\n")
	b.WriteString("For each week in weekly_breakdown:\n")
	b.WriteString("- 'week' (integer, the week number within the whole plan).\n")
	b.WriteString("- 'summary' (string, 1-2 sentence overview of the week).\n")
	b.WriteString("- 'key_sessions' (array of strings, the most important sessions of the week).\n")
	b.WriteString("- 'total_volume' (number, sum of all daily volumes for the week).\n")
	b.WriteString("- 'days' (array of exactly 7 days, Monday to Sunday). Each day must have:\n")
	b.WriteString("  - 'day' (string, e.g. \"Monday\")\n")
	b.WriteString("  - 'workout' (string, e.g. \"Easy Run\")\n")
	b.WriteString("  - 'volume' (number, 0 if rest)\n")
	fmt.Fprintf(&b, "  - '%s' (array of two numbers [low, high]). Never include both heart_rate_range and rpe_range for the same day, and never write the range as a string.\n", rangeKey)
	b.WriteString("- Do NOT use any other summary fields (like 'key_sessions_summary').\n")
	b.WriteString("- Do NOT add any extra keys.\n\n")
	b.WriteString("Example (HR-based week):\n")
	b.WriteString(exampleHeartRateWeek)
	b.WriteString("\n\nExample (RPE-based week):\n")
	b.WriteString(exampleRPEWeek)
	b.WriteString("\n\nBoth examples show three days for brevity; your weeks must list all seven days.")
	return b.String()
}

const exampleHeartRateWeek = `{
  "week": 1,
  "summary": "This week focuses on building aerobic base with a long run on Sunday.",
  "key_sessions": [
    "Long run of 32 km, mostly easy pace",
    "Tempo run of 12 km at moderate intensity"
  ],
  "total_volume": 110,
  "days": [
    { "day": "Monday", "workout": "Easy Run", "volume": 10, "heart_rate_range": [120, 140] },
    { "day": "Tuesday", "workout": "Rest", "volume": 0, "heart_rate_range": [0, 0] },
    { "day": "Wednesday", "workout": "Tempo Run", "volume": 12, "heart_rate_range": [145, 165] }
  ]
}`

const exampleRPEWeek = `{
  "week": 2,
  "summary": "This week introduces more intensity with a focus on intervals.",
  "key_sessions": [
    "Interval session: 6x800m at RPE 7",
    "Long run of 28 km at RPE 5"
  ],
  "total_volume": 105,
  "days": [
    { "day": "Monday", "workout": "Easy Run", "volume": 10, "rpe_range": [4, 6] },
    { "day": "Tuesday", "workout": "Intervals", "volume": 12, "rpe_range": [6, 8] },
    { "day": "Wednesday", "workout": "Rest", "volume": 0, "rpe_range": [0, 0] }
  ]
}`

var weekdayOrder = map[string]int{
	"monday": 0, "tuesday": 1, "wednesday": 2, "thursday": 3,
	"friday": 4, "saturday": 5, "sunday": 6,
}

// WeeklyScheduleText renders schedule preferences one day per line, Monday
// first, e.g. "Saturday: Easy Run, Long Run". Unknown day keys sort last.
func WeeklyScheduleText(schedule map[string]domain.DayPreference) string {
	if len(schedule) == 0 {
		return ""
	}
	days := make([]string, 0, len(schedule))
	for day := range schedule {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool {
		oi, iKnown := weekdayOrder[strings.ToLower(days[i])]
		oj, jKnown := weekdayOrder[strings.ToLower(days[j])]
		if iKnown != jKnown {
			return iKnown
		}
		if iKnown && oi != oj {
			return oi < oj
		}
		return days[i] < days[j]
	})

	lines := make([]string, len(days))
	for i, day := range days {
		pref := schedule[day]
		var kinds []string
		if pref.EasyRun {
			kinds = append(kinds, "Easy Run")
		}
		if pref.Session {
			kinds = append(kinds, "Session/Workout")
		}
		if pref.LongRun {
			kinds = append(kinds, "Long Run")
		}
		text := "No preference"
		if len(kinds) > 0 {
			text = strings.Join(kinds, ", ")
		}
		lines[i] = day + ": " + text
	}
	return strings.Join(lines, "\n")
}

// SummarizePriorWeeks condenses already generated weeks into the context
// block handed to the next chunk. Only weeks numbered below `before` are
// included. Returns "" when there is nothing to summarize.
func SummarizePriorWeeks(weeks []domain.Week, before int, unit string) string {
	var prior []domain.Week
	for _, w := range weeks {
		if w.Week < before {
			prior = append(prior, w)
		}
	}
	if len(prior) == 0 {
		return ""
	}
	sort.SliceStable(prior, func(i, j int) bool { return prior[i].Week < prior[j].Week })

	lines := make([]string, len(prior))
	var totalVolume float64
	for i, w := range prior {
		line := "Week " + strconv.Itoa(w.Week) + ": " + w.Summary
		if w.TotalVolume > 0 {
			line += " (" + formatNumber(w.TotalVolume) + " " + unit + ")"
		}
		if len(w.KeySessions) > 0 {
			line += " - Key sessions: " + strings.Join(w.KeySessions, ", ")
		}
		lines[i] = line
		totalVolume += w.TotalVolume
	}
	avg := math.Round(totalVolume / float64(len(prior)))
	return strings.Join(lines, "\n") +
		fmt.Sprintf("\n\nPROGRESSION CONTEXT: The runner has completed %d weeks with an average weekly volume of approximately %s %s.",
			len(prior), formatNumber(avg), unit)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func intOr(n int) string {
	if n <= 0 {
		return notSpecified
	}
	return strconv.Itoa(n)
}

func numOr(f float64) string {
	if f <= 0 {
		return notSpecified
	}
	return formatNumber(f)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
