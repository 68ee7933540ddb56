package service

import (
	"regexp"
	"strconv"

	"alcyxob/runplan/internal/domain"
)

// NextRange returns the four-week range that follows priorEnd, clipped to
// totalWeeks. Nonsensical inputs fall back to 1-4 instead of failing.
func NextRange(priorEnd, totalWeeks int) domain.WeekRange {
	start := priorEnd + 1
	end := min(priorEnd+4, totalWeeks)
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start + 3
	}
	return domain.WeekRange{Start: start, End: end}
}

// Sources of the total plan length, in the order they are tried.
const (
	SourceIntakePlanLength = "intake_plan_length"
	SourcePromptText       = "prompt_text"
	SourcePlanMaxWeek      = "plan_max_week"
)

// TotalWeeksStrategy is one way of learning how long the whole plan is.
type TotalWeeksStrategy struct {
	Name string
	Find func(intake *domain.Intake, prompt string, plan map[string]any) (int, bool)
}

// TotalWeeksStrategies lists the discovery strategies by precedence.
var TotalWeeksStrategies = []TotalWeeksStrategy{
	{Name: SourceIntakePlanLength, Find: totalFromIntake},
	{Name: SourcePromptText, Find: totalFromPrompt},
	{Name: SourcePlanMaxWeek, Find: totalFromPlan},
}

// DiscoverTotalWeeks returns the plan length from the first strategy that
// yields one, and that strategy's name. ok is false when none does.
func DiscoverTotalWeeks(intake *domain.Intake, prompt string, plan map[string]any) (total int, source string, ok bool) {
	for _, s := range TotalWeeksStrategies {
		if n, found := s.Find(intake, prompt, plan); found {
			return n, s.Name, true
		}
	}
	return 0, "", false
}

func totalFromIntake(intake *domain.Intake, _ string, _ map[string]any) (int, bool) {
	return intake.DeclaredWeeks()
}

// Patterns that name the whole plan length. A bare "N-week" is not one of
// them: the prompt also says "4-week segment".
var promptTotalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)weeks?\s*\d+\s*(?:-|to)\s*\d+\s+of\s+(\d+)`),
	regexp.MustCompile(`(?i)part\s+of\s+an?\s+(\d+)[\s-]*weeks?\b`),
	regexp.MustCompile(`(?i)(\d+)[\s-]*weeks?\s+(?:plan|marathon|training)`),
}

func totalFromPrompt(_ *domain.Intake, prompt string, _ map[string]any) (int, bool) {
	for _, re := range promptTotalPatterns {
		m := re.FindStringSubmatch(prompt)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

func totalFromPlan(_ *domain.Intake, _ string, plan map[string]any) (int, bool) {
	n := maxWeekNumber(plan)
	return n, n > 0
}

// maxWeekNumber is the highest week number in a plan document, 0 if none.
func maxWeekNumber(plan map[string]any) int {
	weeks, _ := extractWeeks(plan)
	highest := 0
	for _, w := range weeks {
		highest = max(highest, w.Week)
	}
	return highest
}
