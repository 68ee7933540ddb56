package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"alcyxob/runplan/internal/domain"
)

// flexNumber accepts 12, 12.5, "12" and "12 km". Anything else decodes as
// invalid without failing the surrounding document.
type flexNumber struct {
	Value float64
	Valid bool
}

var leadingNumberRegex = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	*f = flexNumber{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		m := leadingNumberRegex.FindString(s)
		if m == "" {
			return nil
		}
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil
		}
		*f = flexNumber{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	*f = flexNumber{Value: v, Valid: true}
	return nil
}

// flexRange accepts [130, 145], "130-145" or a single number.
type flexRange []float64

func (r *flexRange) UnmarshalJSON(b []byte) error {
	*r = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '[':
		var items []flexNumber
		if err := json.Unmarshal(b, &items); err != nil {
			return nil
		}
		for _, it := range items {
			if it.Valid {
				*r = append(*r, it.Value)
			}
		}
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		for _, m := range leadingNumberRegex.FindAllString(strings.ReplaceAll(s, "-", " "), 2) {
			if v, err := strconv.ParseFloat(m, 64); err == nil {
				*r = append(*r, v)
			}
		}
	default:
		var n flexNumber
		_ = n.UnmarshalJSON(b)
		if n.Valid {
			*r = flexRange{n.Value}
		}
	}
	return nil
}

// flexStrings accepts a list of strings or a single string.
type flexStrings []string

func (s *flexStrings) UnmarshalJSON(b []byte) error {
	*s = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err == nil && one != "" {
			*s = flexStrings{one}
		}
		return nil
	}
	var items []any
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	for _, it := range items {
		switch v := it.(type) {
		case string:
			*s = append(*s, v)
		case nil:
		default:
			*s = append(*s, fmt.Sprint(v))
		}
	}
	return nil
}

type rawDay struct {
	Day            string     `json:"day"`
	Workout        string     `json:"workout"`
	Volume         flexNumber `json:"volume"`
	HeartRateRange flexRange  `json:"heart_rate_range"`
	RPERange       flexRange  `json:"rpe_range"`
}

type rawWeek struct {
	Week        flexNumber  `json:"week"`
	WeekNumber  flexNumber  `json:"week_number"`
	Summary     string      `json:"summary"`
	KeySessions flexStrings `json:"key_sessions"`
	TotalVolume flexNumber  `json:"total_volume"`
	Days        []rawDay    `json:"days"`
}

type rawPlan struct {
	PlanTitle       string            `json:"plan_title"`
	Introduction    string            `json:"introduction"`
	GoalsSummary    string            `json:"goals_summary"`
	WeeklyBreakdown []json.RawMessage `json:"weekly_breakdown"`
}

var errNoWeeklyBreakdown = errors.New("plan has no weekly_breakdown array")

// decodePlan reads the header fields and week entries of a stored plan.
// Entries that cannot be read are skipped and reported in the error; the
// readable ones are still returned.
func decodePlan(plan map[string]any) (rawPlan, []domain.Week, error) {
	var rp rawPlan
	b, err := json.Marshal(plan)
	if err != nil {
		return rp, nil, fmt.Errorf("encode plan: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return rp, nil, fmt.Errorf("decode plan: %w", err)
	}
	wb, ok := fields["weekly_breakdown"]
	if !ok || len(bytes.TrimSpace(wb)) == 0 || bytes.TrimSpace(wb)[0] != '[' {
		return rp, nil, errNoWeeklyBreakdown
	}
	if err := json.Unmarshal(b, &rp); err != nil {
		// Header fields of the wrong type; the breakdown is still an array.
		rp = rawPlan{}
		if err := json.Unmarshal(wb, &rp.WeeklyBreakdown); err != nil {
			return rp, nil, fmt.Errorf("decode weekly_breakdown: %w", err)
		}
	}

	weeks := make([]domain.Week, 0, len(rp.WeeklyBreakdown))
	var bad []string
	for i, entry := range rp.WeeklyBreakdown {
		var rw rawWeek
		if err := json.Unmarshal(entry, &rw); err != nil {
			bad = append(bad, fmt.Sprintf("entry %d: %v", i, err))
			continue
		}
		num := rw.Week
		if !num.Valid || num.Value < 1 {
			num = rw.WeekNumber
		}
		if !num.Valid || num.Value < 1 {
			bad = append(bad, fmt.Sprintf("entry %d: missing week number", i))
			continue
		}

		w := domain.Week{
			Week:        int(num.Value),
			Summary:     rw.Summary,
			KeySessions: []string(rw.KeySessions),
			TotalVolume: rw.TotalVolume.Value,
		}
		for _, d := range rw.Days {
			w.Days = append(w.Days, domain.Day{
				Day:            d.Day,
				Workout:        d.Workout,
				Volume:         d.Volume.Value,
				HeartRateRange: []float64(d.HeartRateRange),
				RPERange:       []float64(d.RPERange),
			})
		}
		weeks = append(weeks, w)
	}

	if len(bad) > 0 {
		return rp, weeks, fmt.Errorf("unreadable weeks: %s", strings.Join(bad, "; "))
	}
	return rp, weeks, nil
}

// extractWeeks returns the readable weeks of a plan document.
func extractWeeks(plan map[string]any) ([]domain.Week, error) {
	if plan == nil {
		return nil, errNoWeeklyBreakdown
	}
	_, weeks, err := decodePlan(plan)
	return weeks, err
}

// selectedChunk is a chunk retained by latest-wins together with its range.
type selectedChunk struct {
	chunk *domain.Chunk
	r     domain.WeekRange
}

// newer orders chunks by created_at, then id, so selection never depends on input order.
func newer(a, b *domain.Chunk) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.Hex() > b.ID.Hex()
}

// planDocument returns the stored plan of c. Rows written before plan_json
// existed only carry plan_content.
func planDocument(c *domain.Chunk) (map[string]any, bool, error) {
	if c.PlanJSON != nil {
		return c.PlanJSON, true, nil
	}
	if strings.TrimSpace(c.PlanContent) == "" {
		return nil, false, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(c.PlanContent), &doc); err != nil {
		return nil, true, fmt.Errorf("decode plan_content: %w", err)
	}
	return doc, true, nil
}

// mergedWeek carries the tie-break keys of an extracted week.
type mergedWeek struct {
	week domain.Week
	src  *domain.Chunk
	end  int
}

// better reports whether a should replace b for the same week number.
func better(a, b mergedWeek) bool {
	if a.week.HasDays() != b.week.HasDays() {
		return a.week.HasDays()
	}
	if a.end != b.end {
		return a.end > b.end
	}
	return newer(a.src, b.src)
}

// MergePlan assembles the single ordered view of a plan from its chunks.
//
// Per week_range only the newest chunk is considered. Weeks are then
// deduplicated by number, preferring entries with a day-by-day schedule,
// then the chunk with the larger range end. The result does not depend on
// the order of chunks.
func MergePlan(chunks []domain.Chunk) *domain.MergedPlan {
	// 1. Latest wins per range. A legacy "full" row acts as one range.
	latest := make(map[string]*domain.Chunk)
	for i := range chunks {
		c := &chunks[i]
		var key string
		switch c.ChunkType {
		case domain.ChunkTypeChunk, "":
			key = c.WeekRange
		case domain.ChunkTypeFull:
			key = "full"
		default:
			continue
		}
		if cur, ok := latest[key]; !ok || newer(c, cur) {
			latest[key] = c
		}
	}

	selected := make([]selectedChunk, 0, len(latest))
	for _, c := range latest {
		r, err := c.Range()
		if err != nil {
			r = domain.WeekRange{}
		}
		selected = append(selected, selectedChunk{chunk: c, r: r})
	}
	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if a.r.Start != b.r.Start {
			return a.r.Start < b.r.Start
		}
		if a.r.End != b.r.End {
			return a.r.End < b.r.End
		}
		return newer(b.chunk, a.chunk)
	})

	merged := &domain.MergedPlan{ChunkCount: len(selected)}
	byWeek := make(map[int]mergedWeek)

	// 2. Extract weeks from every retained chunk that holds a plan.
	for _, sc := range selected {
		c := sc.chunk
		if c.ChainNote != "" {
			merged.Warnings = append(merged.Warnings, fmt.Sprintf("weeks %s: %s", c.WeekRange, c.ChainNote))
		}

		doc, has, err := planDocument(c)
		if !has {
			continue
		}
		var (
			header rawPlan
			weeks  []domain.Week
		)
		if err == nil {
			header, weeks, err = decodePlan(doc)
		}
		if err != nil {
			merged.ParseErrors = append(merged.ParseErrors, domain.ChunkParseError{
				WeekRange: c.WeekRange,
				ChunkID:   c.ID,
				Error:     err.Error(),
			})
		}

		if merged.PlanTitle == "" {
			merged.PlanTitle = header.PlanTitle
		}
		if merged.Introduction == "" {
			merged.Introduction = header.Introduction
		}
		if merged.GoalsSummary == "" {
			merged.GoalsSummary = header.GoalsSummary
		}

		end := sc.r.End
		if c.ChunkType == domain.ChunkTypeFull || end == 0 {
			for _, w := range weeks {
				end = max(end, w.Week)
			}
		}

		// 3. Deduplicate by week number.
		for _, w := range weeks {
			w.SourceRange = c.WeekRange
			if c.ChunkType == domain.ChunkTypeFull {
				w.SourceRange = domain.WeekRange{Start: 1, End: max(end, 1)}.String()
			}
			w.SourceChunkID = c.ID
			cand := mergedWeek{week: w, src: c, end: end}
			if cur, ok := byWeek[w.Week]; !ok || better(cand, cur) {
				byWeek[w.Week] = cand
			}
		}
	}

	// 4. Ascending by week number.
	merged.Weeks = make([]domain.Week, 0, len(byWeek))
	for _, mw := range byWeek {
		merged.Weeks = append(merged.Weeks, mw.week)
	}
	sort.Slice(merged.Weeks, func(i, j int) bool { return merged.Weeks[i].Week < merged.Weeks[j].Week })

	merged.Empty = len(merged.Weeks) == 0
	return merged
}
