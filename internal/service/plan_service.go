package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/prompt"
	"alcyxob/runplan/internal/repository"
	"alcyxob/runplan/internal/storage"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// --- Error Definitions ---
var (
	ErrIntakeNotFound   = errors.New("intake not found")
	ErrAccessDenied     = errors.New("access denied to this plan")
	ErrInvalidWeekRange = domain.ErrInvalidWeekRange
	ErrChunkExists      = errors.New("a chunk for this week range already exists")
	ErrChunkNotFound    = errors.New("chunk not found")
	ErrNoRawOutput      = errors.New("no raw output stored for this chunk")
	ErrInvalidIntake    = errors.New("invalid intake")
)

// Enqueuer hands chunk ids to the worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, chunkID primitive.ObjectID) error
}

// IntakeView is an intake with its derived heart-rate zones.
type IntakeView struct {
	Intake         *domain.Intake         `json:"intake"`
	HeartRateZones []domain.HeartRateZone `json:"heart_rate_zones,omitempty"`
}

// ChunkSummary is the per-chunk status line shown next to a plan.
type ChunkSummary struct {
	ID           primitive.ObjectID `json:"id"`
	WeekRange    string             `json:"week_range"`
	Status       domain.ChunkStatus `json:"status"`
	ErrorMessage string             `json:"error_message,omitempty"`
	HasRawOutput bool               `json:"has_raw_output"`
	ChainNote    string             `json:"chain_note,omitempty"`
	Superseded   bool               `json:"superseded"` // A newer chunk exists for the same range
	CreatedAt    time.Time          `json:"created_at"`
}

// PlanView is what the plan page polls.
type PlanView struct {
	Intake *domain.Intake     `json:"intake"`
	Plan   *domain.MergedPlan `json:"plan"`
	Chunks []ChunkSummary     `json:"chunks"`
	// Generating is true while any current chunk is pending or processing.
	Generating bool `json:"generating"`
	Failed     int  `json:"failed"`
}

// RawOutputView points at the unparseable model reply of a failed chunk.
// URL is set when the reply lives in the archive, Text when stored inline.
type RawOutputView struct {
	ChunkID primitive.ObjectID `json:"chunk_id"`
	URL     string             `json:"url,omitempty"`
	Text    string             `json:"text,omitempty"`
}

// --- Service Interface ---
type PlanService interface {
	SubmitIntake(ctx context.Context, userID string, intake *domain.Intake) (*domain.Intake, *domain.Chunk, error)
	ListIntakes(ctx context.Context, userID string) ([]domain.Intake, error)
	GetIntake(ctx context.Context, userID string, intakeID primitive.ObjectID) (*IntakeView, error)
	UpdateIntake(ctx context.Context, userID string, intakeID primitive.ObjectID, intake *domain.Intake) (*domain.Intake, error)
	DeletePlan(ctx context.Context, userID string, intakeID primitive.ObjectID) error

	GetPlanView(ctx context.Context, userID string, intakeID primitive.ObjectID) (*PlanView, error)
	ListChunks(ctx context.Context, userID string, intakeID primitive.ObjectID) ([]domain.Chunk, error)
	Resubmit(ctx context.Context, userID string, intakeID primitive.ObjectID, weekRange string) (*domain.Chunk, error)
	GenerateWeeks(ctx context.Context, userID string, intakeID primitive.ObjectID, start, end int) (*domain.Chunk, error)
	RawOutput(ctx context.Context, userID string, chunkID primitive.ObjectID) (*RawOutputView, error)

	// EnqueuePending queues the pending chunks of one intake, or of all
	// intakes when intakeID is zero, and returns how many were queued.
	EnqueuePending(ctx context.Context, intakeID primitive.ObjectID) (int, error)
}

// --- Service Implementation ---

type planService struct {
	intakes       repository.IntakeRepository
	chunks        repository.ChunkRepository
	queue         Enqueuer
	archive       storage.RawOutputArchive // optional
	presignExpiry time.Duration
	lease         time.Duration // See ProcessingLease
	logger        *zap.Logger
}

func NewPlanService(
	intakes repository.IntakeRepository,
	chunks repository.ChunkRepository,
	queue Enqueuer,
	archive storage.RawOutputArchive,
	presignExpiry time.Duration,
	lease time.Duration,
	logger *zap.Logger,
) PlanService {
	return &planService{
		intakes:       intakes,
		chunks:        chunks,
		queue:         queue,
		archive:       archive,
		presignExpiry: presignExpiry,
		lease:         lease,
		logger:        logger,
	}
}

// === Intakes ===

func validateIntake(in *domain.Intake) error {
	if in == nil {
		return fmt.Errorf("%w: missing body", ErrInvalidIntake)
	}
	switch in.UnitPreference {
	case "":
		in.UnitPreference = domain.UnitMetric
	case domain.UnitMetric, domain.UnitImperial:
	default:
		return fmt.Errorf("%w: unit_preference must be %q or %q", ErrInvalidIntake, domain.UnitMetric, domain.UnitImperial)
	}
	switch in.TrainingIntensity {
	case "":
		in.TrainingIntensity = domain.IntensityRPE
	case domain.IntensityHeartRate, domain.IntensityRPE:
	default:
		return fmt.Errorf("%w: training_intensity must be %q or %q", ErrInvalidIntake, domain.IntensityHeartRate, domain.IntensityRPE)
	}
	if in.Age < 0 || in.Weight < 0 || in.Height < 0 || in.DaysPerWeek < 0 || in.DaysPerWeek > 7 {
		return fmt.Errorf("%w: numeric fields out of range", ErrInvalidIntake)
	}
	return nil
}

// SubmitIntake stores the intake and queues its first chunk.
func (s *planService) SubmitIntake(ctx context.Context, userID string, intake *domain.Intake) (*domain.Intake, *domain.Chunk, error) {
	if userID == "" {
		return nil, nil, ErrAccessDenied
	}
	if err := validateIntake(intake); err != nil {
		return nil, nil, err
	}
	intake.ID = primitive.NilObjectID
	intake.UserID = userID

	if _, err := s.intakes.Create(ctx, intake); err != nil {
		s.logger.Error("Failed to create intake", zap.String("user_id", userID), zap.Error(err))
		return nil, nil, fmt.Errorf("create intake: %w", err)
	}

	first := domain.FirstRange(intake.TotalWeeks())
	chunk, err := s.insertChunk(ctx, intake, first)
	if err != nil {
		return intake, nil, err
	}
	s.logger.Info("Intake submitted",
		zap.String("intake_id", intake.ID.Hex()),
		zap.String("user_id", userID),
		zap.String("first_range", first.String()))
	return intake, chunk, nil
}

func (s *planService) ListIntakes(ctx context.Context, userID string) ([]domain.Intake, error) {
	return s.intakes.GetByUserID(ctx, userID)
}

func (s *planService) GetIntake(ctx context.Context, userID string, intakeID primitive.ObjectID) (*IntakeView, error) {
	intake, err := s.ownedIntake(ctx, userID, intakeID)
	if err != nil {
		return nil, err
	}
	return &IntakeView{Intake: intake, HeartRateZones: intake.HeartRateZones()}, nil
}

// UpdateIntake edits the profile. Chunks already generated keep their prompts;
// new content only follows from a resubmission.
func (s *planService) UpdateIntake(ctx context.Context, userID string, intakeID primitive.ObjectID, intake *domain.Intake) (*domain.Intake, error) {
	if _, err := s.ownedIntake(ctx, userID, intakeID); err != nil {
		return nil, err
	}
	if err := validateIntake(intake); err != nil {
		return nil, err
	}
	intake.ID = intakeID
	intake.UserID = userID
	if err := s.intakes.Update(ctx, intake); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrIntakeNotFound
		}
		return nil, fmt.Errorf("update intake: %w", err)
	}
	return intake, nil
}

// DeletePlan removes the intake with all of its chunks and archived replies.
func (s *planService) DeletePlan(ctx context.Context, userID string, intakeID primitive.ObjectID) error {
	if _, err := s.ownedIntake(ctx, userID, intakeID); err != nil {
		return err
	}
	chunks, err := s.chunks.FindByIntake(ctx, intakeID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	if s.archive != nil {
		for _, c := range chunks {
			if c.RawOutputKey == "" {
				continue
			}
			if err := s.archive.DeleteObject(ctx, c.RawOutputKey); err != nil {
				// Orphaned objects are harmless; keep deleting.
				s.logger.Warn("Failed to delete archived raw output",
					zap.String("chunk_id", c.ID.Hex()), zap.String("key", c.RawOutputKey), zap.Error(err))
			}
		}
	}
	n, err := s.chunks.DeleteByIntake(ctx, intakeID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := s.intakes.Delete(ctx, intakeID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("delete intake: %w", err)
	}
	s.logger.Info("Plan deleted", zap.String("intake_id", intakeID.Hex()), zap.Int64("chunks", n))
	return nil
}

// === Plans ===

func (s *planService) GetPlanView(ctx context.Context, userID string, intakeID primitive.ObjectID) (*PlanView, error) {
	intake, err := s.ownedIntake(ctx, userID, intakeID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.chunks.FindByIntake(ctx, intakeID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	view := &PlanView{
		Intake: intake,
		Plan:   MergePlan(chunks),
		Chunks: make([]ChunkSummary, 0, len(chunks)),
	}

	latest := make(map[string]*domain.Chunk)
	for i := range chunks {
		c := &chunks[i]
		if cur, ok := latest[c.WeekRange]; !ok || newer(c, cur) {
			latest[c.WeekRange] = c
		}
	}
	for _, c := range chunks {
		superseded := latest[c.WeekRange].ID != c.ID
		view.Chunks = append(view.Chunks, ChunkSummary{
			ID:           c.ID,
			WeekRange:    c.WeekRange,
			Status:       c.Status,
			ErrorMessage: c.ErrorMessage,
			HasRawOutput: c.HasRawOutput(),
			ChainNote:    c.ChainNote,
			Superseded:   superseded,
			CreatedAt:    c.CreatedAt,
		})
		if superseded {
			continue
		}
		if c.Status.InFlight() {
			view.Generating = true
		}
		if c.Status == domain.ChunkError {
			view.Failed++
		}
	}
	return view, nil
}

func (s *planService) ListChunks(ctx context.Context, userID string, intakeID primitive.ObjectID) ([]domain.Chunk, error) {
	if _, err := s.ownedIntake(ctx, userID, intakeID); err != nil {
		return nil, err
	}
	return s.chunks.FindByIntake(ctx, intakeID)
}

// Resubmit supersedes the chunks of weekRange and queues a fresh one with a
// prompt built from the current intake. Chunks still waiting or generating
// block it; a chunk stuck in processing past its lease is failed instead.
func (s *planService) Resubmit(ctx context.Context, userID string, intakeID primitive.ObjectID, weekRange string) (*domain.Chunk, error) {
	r, err := domain.ParseWeekRange(weekRange)
	if err != nil {
		return nil, err
	}
	intake, err := s.ownedIntake(ctx, userID, intakeID)
	if err != nil {
		return nil, err
	}

	existing, err := s.chunks.FindByIntakeAndRange(ctx, intakeID, r.String())
	if err != nil {
		return nil, fmt.Errorf("find chunks for range: %w", err)
	}
	for _, c := range existing {
		if !c.Status.InFlight() {
			continue
		}
		if !s.claimExpired(&c) {
			return nil, ErrChunkExists
		}
		if err := s.chunks.Fail(ctx, c.ID, repository.Failure{Message: "Generation was interrupted."}); err != nil {
			return nil, fmt.Errorf("fail interrupted chunk: %w", err)
		}
		s.logger.Warn("Failed chunk stuck in processing",
			zap.String("chunk_id", c.ID.Hex()),
			zap.Time("claimed_at", c.UpdatedAt))
	}
	if err := s.chunks.ReleaseRange(ctx, intakeID, r.String()); err != nil {
		return nil, fmt.Errorf("release range: %w", err)
	}

	chunk, err := s.insertChunk(ctx, intake, r)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Chunk resubmitted",
		zap.String("intake_id", intakeID.Hex()),
		zap.String("week_range", r.String()),
		zap.Int("superseded", len(existing)))
	return chunk, nil
}

// GenerateWeeks queues a chunk for an arbitrary range. Unlike Resubmit it
// never replaces an existing chunk.
func (s *planService) GenerateWeeks(ctx context.Context, userID string, intakeID primitive.ObjectID, start, end int) (*domain.Chunk, error) {
	r := domain.WeekRange{Start: start, End: end}
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidWeekRange, start, end)
	}
	intake, err := s.ownedIntake(ctx, userID, intakeID)
	if err != nil {
		return nil, err
	}
	return s.insertChunk(ctx, intake, r)
}

func (s *planService) RawOutput(ctx context.Context, userID string, chunkID primitive.ObjectID) (*RawOutputView, error) {
	chunk, err := s.chunks.GetByID(ctx, chunkID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	if chunk.UserID != userID {
		return nil, ErrAccessDenied
	}

	view := &RawOutputView{ChunkID: chunk.ID}
	switch {
	case chunk.RawOutputKey != "" && s.archive != nil:
		url, err := s.archive.GeneratePresignedDownloadURL(ctx, chunk.RawOutputKey, s.presignExpiry)
		if err != nil {
			return nil, fmt.Errorf("presign raw output: %w", err)
		}
		view.URL = url
	case chunk.RawOutput != "":
		view.Text = chunk.RawOutput
	default:
		return nil, ErrNoRawOutput
	}
	return view, nil
}

func (s *planService) EnqueuePending(ctx context.Context, intakeID primitive.ObjectID) (int, error) {
	filter := repository.ChunkFilter{IntakeID: intakeID}
	if s.lease > 0 {
		if n, err := s.chunks.ReclaimStale(ctx, filter, time.Now().Add(-s.lease)); err != nil {
			s.logger.Warn("Failed to reclaim stale chunks", zap.Error(err))
		} else if n > 0 {
			s.logger.Warn("Reclaimed chunks stuck in processing", zap.Int64("reclaimed", n))
		}
	}
	pending, err := s.chunks.FindPending(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("find pending chunks: %w", err)
	}
	for i, c := range pending {
		if err := s.queue.Enqueue(ctx, c.ID); err != nil {
			return i, fmt.Errorf("enqueue chunk %s: %w", c.ID.Hex(), err)
		}
	}
	return len(pending), nil
}

// === Helpers ===

// claimExpired reports whether c has been processing for longer than the
// lease. A zero lease never expires.
func (s *planService) claimExpired(c *domain.Chunk) bool {
	return s.lease > 0 && c.Status == domain.ChunkProcessing && time.Since(c.UpdatedAt) > s.lease
}

func (s *planService) ownedIntake(ctx context.Context, userID string, intakeID primitive.ObjectID) (*domain.Intake, error) {
	intake, err := s.intakes.GetByID(ctx, intakeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrIntakeNotFound
		}
		return nil, fmt.Errorf("get intake: %w", err)
	}
	if intake.UserID != userID {
		return nil, ErrAccessDenied
	}
	return intake, nil
}

// insertChunk builds the prompt for r, stores a pending chunk and queues it.
// A queueing failure is logged only: the periodic sweep picks the chunk up.
func (s *planService) insertChunk(ctx context.Context, intake *domain.Intake, r domain.WeekRange) (*domain.Chunk, error) {
	var prior string
	if r.Start > 1 {
		chunks, err := s.chunks.FindByIntake(ctx, intake.ID)
		if err != nil {
			return nil, fmt.Errorf("list chunks: %w", err)
		}
		prior = prompt.SummarizePriorWeeks(MergePlan(chunks).Weeks, r.Start, intake.DistanceUnit())
	}

	chunk := &domain.Chunk{
		UserID:    intake.UserID,
		IntakeID:  intake.ID,
		Status:    domain.ChunkPending,
		Prompt:    prompt.Build(intake, r, prior),
		WeekRange: r.String(),
		ChunkType: domain.ChunkTypeChunk,
	}
	if _, err := s.chunks.Insert(ctx, chunk); err != nil {
		if errors.Is(err, repository.ErrDuplicateRange) {
			return nil, ErrChunkExists
		}
		return nil, fmt.Errorf("insert chunk: %w", err)
	}

	if err := s.queue.Enqueue(ctx, chunk.ID); err != nil {
		s.logger.Warn("Failed to enqueue chunk, leaving it for the sweep",
			zap.String("chunk_id", chunk.ID.Hex()), zap.Error(err))
	}
	return chunk, nil
}
