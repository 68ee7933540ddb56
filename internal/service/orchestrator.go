package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/llm"
	"alcyxob/runplan/internal/metrics"
	"alcyxob/runplan/internal/prompt"
	"alcyxob/runplan/internal/repository"
	"alcyxob/runplan/internal/storage"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Reasons auto-chaining stops after a chunk has been processed.
const (
	StopPlanComplete    = "plan_complete"
	StopTotalUnknown    = "total_unknown"
	StopSuccessorExists = "successor_exists"
	StopChunkFailed     = "chunk_failed"
	StopIntakeMissing   = "intake_missing"
	StopStoreError      = "store_error"
	StopLimit           = "limit"
)

// ChainNoteTotalUnknown is stored on a completed chunk when the plan length
// could not be determined.
const ChainNoteTotalUnknown = "Automatic generation stopped: the total plan length could not be determined. Request the next weeks manually."

const firstWeekRange = "1-4"

// PlanRequester is the part of the model adapter the orchestrator needs.
type PlanRequester interface {
	RequestPlan(ctx context.Context, prompt string, timeout time.Duration) (*llm.PlanResult, error)
}

type OrchestratorConfig struct {
	ModelTimeout       time.Duration
	ChainLimit         int // Successors one batch may follow; 0 means unlimited
	PurgeStaleSiblings bool
	// Lease is how long a processing chunk stays claimed before a sweep may
	// take it back. Zero means ProcessingLease(ModelTimeout).
	Lease time.Duration
}

// leaseMargin covers the store writes around a model call.
const leaseMargin = time.Minute

// ProcessingLease is the default claim lease for a model timeout. A worker
// that still holds a chunk after this long has died or lost its store.
func ProcessingLease(modelTimeout time.Duration) time.Duration {
	return modelTimeout + leaseMargin
}

// Outcome describes what one Process call did.
type Outcome struct {
	Chunk       *domain.Chunk // State after processing
	Successor   *domain.Chunk // Inserted by auto-chaining, nil otherwise
	StopReason  string        // Set when no successor was inserted
	TotalWeeks  int
	TotalSource string
}

// BatchResult summarizes a ProcessBatch run.
type BatchResult struct {
	Processed int
	Completed int
	Failed    int
	Chained   int
	Skipped   int // Not claimable: taken by another worker or gone
	Errors    int
	// Remaining lists pending chunks left for a later run because of the
	// chain limit or the deadline.
	Remaining []primitive.ObjectID
}

// Orchestrator drives chunks through pending -> processing -> complete|error
// and inserts successors until the plan length is covered.
type Orchestrator struct {
	chunks  repository.ChunkRepository
	intakes repository.IntakeRepository
	planner PlanRequester
	archive storage.RawOutputArchive // optional
	cfg     OrchestratorConfig
	logger  *zap.Logger
}

func NewOrchestrator(
	chunks repository.ChunkRepository,
	intakes repository.IntakeRepository,
	planner PlanRequester,
	archive storage.RawOutputArchive,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		chunks:  chunks,
		intakes: intakes,
		planner: planner,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
	}
}

// Process runs one state-machine step for a chunk. It returns
// repository.ErrNotClaimed when the chunk is not pending. Model and parse
// failures end up on the chunk, not in the returned error.
func (o *Orchestrator) Process(ctx context.Context, chunkID primitive.ObjectID) (*Outcome, error) {
	chunk, err := o.chunks.Claim(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(
		zap.String("chunk_id", chunk.ID.Hex()),
		zap.String("intake_id", chunk.IntakeID.Hex()),
		zap.String("week_range", chunk.WeekRange),
	)
	log.Info("Claimed chunk")

	// The chunk is ours now; it has to reach a terminal state even if the
	// caller goes away.
	persistCtx := context.WithoutCancel(ctx)

	// 1. Best-effort cleanup of abandoned siblings.
	if o.cfg.PurgeStaleSiblings && chunk.WeekRange != firstWeekRange {
		o.purgeSiblings(persistCtx, log, chunk)
	}

	intake, err := o.intakes.GetByID(persistCtx, chunk.IntakeID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Warn("Failed to load intake", zap.Error(err))
		}
		intake = nil
	}

	// 2. Prompt: stored text wins.
	promptText := chunk.Prompt
	if promptText == "" {
		r, rerr := chunk.Range()
		switch {
		case rerr != nil:
			return o.fail(persistCtx, log, chunk, repository.Failure{Message: "Invalid week range: " + chunk.WeekRange})
		case intake == nil:
			return o.fail(persistCtx, log, chunk, repository.Failure{Message: "Intake not found for chunk."})
		}
		promptText = prompt.Build(intake, r, o.priorSummary(persistCtx, log, intake, r.Start))
	}

	// 3. Model call.
	result, err := o.planner.RequestPlan(persistCtx, promptText, o.cfg.ModelTimeout)
	if err != nil {
		return o.fail(persistCtx, log, chunk, o.failureFor(persistCtx, log, chunk, err))
	}

	// 4. Success.
	if err := o.chunks.Complete(persistCtx, chunk.ID, result.Plan, result.Content); err != nil {
		// Leave the chunk resubmittable rather than stuck in processing.
		if ferr := o.chunks.Fail(persistCtx, chunk.ID, repository.Failure{Message: "Failed to save the generated plan."}); ferr != nil {
			log.Error("Failed to mark chunk failed after save error", zap.Error(ferr))
		}
		return nil, fmt.Errorf("complete chunk %s: %w", chunk.ID.Hex(), err)
	}
	chunk.Status = domain.ChunkComplete
	chunk.PlanJSON = result.Plan
	chunk.PlanContent = result.Content
	chunk.ErrorMessage = ""
	metrics.RecordChunkProcessed(string(domain.ChunkComplete))
	log.Info("Chunk complete")

	// 5. Auto-chaining.
	out := o.chain(persistCtx, log, chunk, intake, promptText)
	if out.StopReason != "" {
		metrics.RecordChainStop(out.StopReason)
	}
	return out, nil
}

// purgeSiblings deletes the pending and error chunks of other ranges along
// with the raw output archived for them.
func (o *Orchestrator) purgeSiblings(ctx context.Context, log *zap.Logger, chunk *domain.Chunk) {
	// Only error chunks carry archived output, and error is terminal, so the
	// keys listed here are exactly those of the chunks about to go.
	var keys []string
	if o.archive != nil {
		siblings, err := o.chunks.FindByIntake(ctx, chunk.IntakeID)
		if err != nil {
			log.Warn("Failed to list sibling chunks, archived output may be orphaned", zap.Error(err))
		}
		for _, c := range siblings {
			if c.WeekRange != chunk.WeekRange && c.Status == domain.ChunkError && c.RawOutputKey != "" {
				keys = append(keys, c.RawOutputKey)
			}
		}
	}

	n, err := o.chunks.DeleteStaleSiblings(ctx, chunk.IntakeID, chunk.WeekRange)
	if err != nil {
		log.Warn("Failed to purge stale sibling chunks", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("Purged stale sibling chunks", zap.Int64("deleted", n))
	}
	for _, key := range keys {
		if err := o.archive.DeleteObject(ctx, key); err != nil {
			log.Warn("Failed to delete archived raw output", zap.String("key", key), zap.Error(err))
		}
	}
}

// failureFor turns an adapter error into what is stored on the chunk.
func (o *Orchestrator) failureFor(ctx context.Context, log *zap.Logger, chunk *domain.Chunk, err error) repository.Failure {
	var pe *llm.PlanError
	if !errors.As(err, &pe) {
		return repository.Failure{Message: err.Error()}
	}
	f := repository.Failure{Message: pe.Message}
	if pe.Kind != llm.KindInvalidJSON || pe.RawText == "" {
		return f
	}
	if o.archive != nil {
		key, aerr := o.archive.PutRawOutput(ctx, chunk.IntakeID, chunk.ID, pe.RawText)
		if aerr == nil {
			f.RawOutputKey = key
			return f
		}
		log.Warn("Failed to archive raw output, keeping it inline", zap.Error(aerr))
	}
	f.RawOutput = pe.RawText
	return f
}

func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, chunk *domain.Chunk, f repository.Failure) (*Outcome, error) {
	if err := o.chunks.Fail(ctx, chunk.ID, f); err != nil {
		return nil, fmt.Errorf("mark chunk %s failed: %w", chunk.ID.Hex(), err)
	}
	chunk.Status = domain.ChunkError
	chunk.ErrorMessage = f.Message
	chunk.RawOutput = f.RawOutput
	chunk.RawOutputKey = f.RawOutputKey
	chunk.RangeLock = ""
	metrics.RecordChunkProcessed(string(domain.ChunkError))
	log.Warn("Chunk failed", zap.String("error_message", f.Message), zap.Bool("raw_output", chunk.HasRawOutput()))
	return &Outcome{Chunk: chunk, StopReason: StopChunkFailed}, nil
}

// chain inserts the successor of a completed chunk when the plan is not yet covered.
func (o *Orchestrator) chain(ctx context.Context, log *zap.Logger, chunk *domain.Chunk, intake *domain.Intake, promptText string) *Outcome {
	out := &Outcome{Chunk: chunk}

	total, source, ok := DiscoverTotalWeeks(intake, promptText, chunk.PlanJSON)
	if !ok {
		if err := o.chunks.SetChainNote(ctx, chunk.ID, ChainNoteTotalUnknown); err != nil {
			log.Warn("Failed to store chain note", zap.Error(err))
		}
		chunk.ChainNote = ChainNoteTotalUnknown
		log.Warn("Total plan length unknown, not chaining")
		out.StopReason = StopTotalUnknown
		return out
	}
	out.TotalWeeks, out.TotalSource = total, source

	end := chunkEnd(chunk)
	if end >= total {
		log.Info("Plan fully covered", zap.Int("total_weeks", total), zap.String("total_source", source))
		out.StopReason = StopPlanComplete
		return out
	}

	next := NextRange(end, total)
	nextLog := log.With(zap.String("next_range", next.String()), zap.Int("total_weeks", total))

	// Fast path; the range lock on Insert is what actually guards the race.
	existing, err := o.chunks.FindByIntakeAndRange(ctx, chunk.IntakeID, next.String())
	if err != nil {
		nextLog.Warn("Successor lookup failed, relying on range lock", zap.Error(err))
	} else if hasLiveChunk(existing) {
		nextLog.Info("Successor already exists")
		out.StopReason = StopSuccessorExists
		return out
	}

	if intake == nil {
		nextLog.Warn("Intake missing, cannot build successor prompt")
		out.StopReason = StopIntakeMissing
		return out
	}

	succ := &domain.Chunk{
		UserID:    chunk.UserID,
		IntakeID:  chunk.IntakeID,
		Status:    domain.ChunkPending,
		Prompt:    prompt.Build(intake, next, o.priorSummary(ctx, nextLog, intake, next.Start)),
		WeekRange: next.String(),
		ChunkType: domain.ChunkTypeChunk,
	}
	if _, err := o.chunks.Insert(ctx, succ); err != nil {
		if errors.Is(err, repository.ErrDuplicateRange) {
			nextLog.Info("Successor inserted concurrently")
			out.StopReason = StopSuccessorExists
			return out
		}
		nextLog.Error("Failed to insert successor chunk", zap.Error(err))
		out.StopReason = StopStoreError
		return out
	}

	metrics.RecordChunkChained()
	nextLog.Info("Inserted successor chunk", zap.String("successor_id", succ.ID.Hex()))
	out.Successor = succ
	return out
}

// priorSummary condenses the merged weeks before week for the next prompt.
// Store failures only cost the context block.
func (o *Orchestrator) priorSummary(ctx context.Context, log *zap.Logger, intake *domain.Intake, before int) string {
	if before <= 1 {
		return ""
	}
	chunks, err := o.chunks.FindByIntake(ctx, intake.ID)
	if err != nil {
		log.Warn("Failed to load chunks for prior weeks summary", zap.Error(err))
		return ""
	}
	return prompt.SummarizePriorWeeks(MergePlan(chunks).Weeks, before, intake.DistanceUnit())
}

// chunkEnd is the last week a completed chunk covers: the range end, or a
// higher week number present in its plan.
func chunkEnd(chunk *domain.Chunk) int {
	end := 0
	if r, err := chunk.Range(); err == nil {
		end = r.End
	}
	return max(end, maxWeekNumber(chunk.PlanJSON))
}

func hasLiveChunk(chunks []domain.Chunk) bool {
	for _, c := range chunks {
		if c.Status != domain.ChunkError {
			return true
		}
	}
	return false
}

// ProcessBatch processes ids in order and follows inserted successors until
// the worklist is empty, the chain limit is reached or ctx expires.
func (o *Orchestrator) ProcessBatch(ctx context.Context, ids []primitive.ObjectID) BatchResult {
	var res BatchResult
	work := append([]primitive.ObjectID(nil), ids...)
	followed := 0

	for len(work) > 0 {
		if ctx.Err() != nil {
			res.Remaining = append(res.Remaining, work...)
			o.logger.Warn("Batch deadline reached", zap.Int("remaining", len(work)), zap.Error(ctx.Err()))
			break
		}
		id := work[0]
		work = work[1:]

		out, err := o.Process(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotClaimed) || errors.Is(err, repository.ErrNotFound) {
				res.Skipped++
				continue
			}
			// One chunk's store failure must not stop the rest of the batch.
			res.Errors++
			o.logger.Error("Failed to process chunk", zap.String("chunk_id", id.Hex()), zap.Error(err))
			continue
		}

		res.Processed++
		switch out.Chunk.Status {
		case domain.ChunkComplete:
			res.Completed++
		case domain.ChunkError:
			res.Failed++
		}
		if out.Successor == nil {
			continue
		}
		res.Chained++
		if o.cfg.ChainLimit > 0 && followed >= o.cfg.ChainLimit {
			res.Remaining = append(res.Remaining, out.Successor.ID)
			metrics.RecordChainStop(StopLimit)
			continue
		}
		followed++
		work = append(work, out.Successor.ID)
	}

	o.logger.Info("Batch finished",
		zap.Int("processed", res.Processed),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("chained", res.Chained),
		zap.Int("skipped", res.Skipped),
		zap.Int("remaining", len(res.Remaining)),
	)
	return res
}

func (o *Orchestrator) lease() time.Duration {
	if o.cfg.Lease > 0 {
		return o.cfg.Lease
	}
	return ProcessingLease(o.cfg.ModelTimeout)
}

// PendingIDs lists pending chunk ids, oldest first, after putting chunks
// whose claim outlived the lease back to pending. A zero intakeID means
// every intake.
func (o *Orchestrator) PendingIDs(ctx context.Context, intakeID primitive.ObjectID) ([]primitive.ObjectID, error) {
	filter := repository.ChunkFilter{IntakeID: intakeID}
	n, err := o.chunks.ReclaimStale(ctx, filter, time.Now().Add(-o.lease()))
	if err != nil {
		o.logger.Warn("Failed to reclaim stale chunks", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("Reclaimed chunks stuck in processing", zap.Int64("reclaimed", n), zap.Duration("lease", o.lease()))
	}

	pending, err := o.chunks.FindPending(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find pending chunks: %w", err)
	}
	ids := make([]primitive.ObjectID, len(pending))
	for i, c := range pending {
		ids[i] = c.ID
	}
	return ids, nil
}

// Sweep drains the pending chunks of one intake, or of all intakes when
// intakeID is zero.
func (o *Orchestrator) Sweep(ctx context.Context, intakeID primitive.ObjectID) (BatchResult, error) {
	ids, err := o.PendingIDs(ctx, intakeID)
	if err != nil {
		return BatchResult{}, err
	}
	if len(ids) == 0 {
		o.logger.Debug("No pending chunks")
		return BatchResult{}, nil
	}
	return o.ProcessBatch(ctx, ids), nil
}
