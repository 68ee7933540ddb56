// internal/domain/chunk.go
package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ChunkStatus tracks the generation lifecycle of one chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing" // Claimed by a worker, model call in flight
	ChunkComplete   ChunkStatus = "complete"
	ChunkError      ChunkStatus = "error"
)

// InFlight reports whether the chunk has not reached a terminal state yet.
func (s ChunkStatus) InFlight() bool {
	return s == ChunkPending || s == ChunkProcessing
}

// Terminal reports whether the chunk will never change status again.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkComplete || s == ChunkError
}

// ChunkType distinguishes week-range chunks from legacy whole-plan rows.
type ChunkType string

const (
	ChunkTypeChunk ChunkType = "chunk"
	ChunkTypeFull  ChunkType = "full" // Older data: one row holding the entire plan
)

// Error messages stored on failed chunks. Older consumers match on these.
const (
	ErrMsgTimeout     = "OpenAI timed out."
	ErrMsgInvalidJSON = "Invalid JSON from OpenAI"
)

// Chunk is one week-range generation request and, once processed, its result.
type Chunk struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID       string             `bson:"user_id" json:"user_id"`
	IntakeID     primitive.ObjectID `bson:"intake_id" json:"intake_id"`
	Status       ChunkStatus        `bson:"status" json:"status"`
	Prompt       string             `bson:"prompt" json:"prompt"` // Exact text sent to the model, kept for resubmission
	WeekRange    string             `bson:"week_range" json:"week_range"`
	ChunkType    ChunkType          `bson:"chunk_type" json:"chunk_type"`
	PlanJSON     map[string]any     `bson:"plan_json,omitempty" json:"plan_json,omitempty"`
	PlanContent  string             `bson:"plan_content,omitempty" json:"plan_content,omitempty"` // PlanJSON as text, for older readers
	ErrorMessage string             `bson:"error_message,omitempty" json:"error_message,omitempty"`
	RawOutput    string             `bson:"raw_output,omitempty" json:"-"`
	RawOutputKey string             `bson:"raw_output_key,omitempty" json:"-"` // Object key in the raw output archive
	ChainNote    string             `bson:"chain_note,omitempty" json:"chain_note,omitempty"`
	// RangeLock is "<intake>:<range>" while the chunk is live (pending,
	// processing or complete). Stores keep it unique, which makes inserting
	// a chunk for an already covered range fail atomically.
	RangeLock string    `bson:"range_lock,omitempty" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Range parses WeekRange.
func (c *Chunk) Range() (WeekRange, error) {
	return ParseWeekRange(c.WeekRange)
}

// HasRawOutput reports whether unparseable model output was kept for this chunk.
func (c *Chunk) HasRawOutput() bool {
	return c.RawOutput != "" || c.RawOutputKey != ""
}

// RangeLockKey builds the RangeLock value for an intake and range.
func RangeLockKey(intakeID primitive.ObjectID, weekRange string) string {
	return intakeID.Hex() + ":" + weekRange
}

// ErrInvalidWeekRange is returned for unparseable or inverted ranges.
var ErrInvalidWeekRange = errors.New("invalid week range")

// WeekRange is an inclusive [Start, End] span of 1-based week numbers.
type WeekRange struct {
	Start int
	End   int
}

// FirstRange is the range every new plan starts with, clipped to the plan length.
func FirstRange(totalWeeks int) WeekRange {
	end := 4
	if totalWeeks > 0 && totalWeeks < end {
		end = totalWeeks
	}
	return WeekRange{Start: 1, End: end}
}

// ParseWeekRange reads the "start-end" form used in storage.
func ParseWeekRange(s string) (WeekRange, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return WeekRange{}, fmt.Errorf("%w: %q", ErrInvalidWeekRange, s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return WeekRange{}, fmt.Errorf("%w: %q", ErrInvalidWeekRange, s)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return WeekRange{}, fmt.Errorf("%w: %q", ErrInvalidWeekRange, s)
	}
	r := WeekRange{Start: start, End: end}
	if !r.Valid() {
		return WeekRange{}, fmt.Errorf("%w: %q", ErrInvalidWeekRange, s)
	}
	return r, nil
}

func (r WeekRange) String() string {
	return strconv.Itoa(r.Start) + "-" + strconv.Itoa(r.End)
}

// Valid requires 1 <= Start <= End.
func (r WeekRange) Valid() bool {
	return r.Start >= 1 && r.End >= r.Start
}

// Len is the number of weeks covered.
func (r WeekRange) Len() int {
	return r.End - r.Start + 1
}

// Contains reports whether week falls inside the range.
func (r WeekRange) Contains(week int) bool {
	return week >= r.Start && week <= r.End
}
