// Package worker drains the chunk queue in a long-running process.
package worker

import (
	"context"
	"errors"
	"time"

	"alcyxob/runplan/internal/queue"
	"alcyxob/runplan/internal/repository"
	"alcyxob/runplan/internal/service"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Processor is the part of the orchestrator the runner drives.
type Processor interface {
	Process(ctx context.Context, chunkID primitive.ObjectID) (*service.Outcome, error)
	PendingIDs(ctx context.Context, intakeID primitive.ObjectID) ([]primitive.ObjectID, error)
}

// Runner consumes chunk ids from a queue and periodically re-queues every
// pending chunk so nothing is lost when an enqueue fails or the process restarts.
type Runner struct {
	queue    queue.Queue
	proc     Processor
	interval time.Duration
	logger   *zap.Logger
}

func NewRunner(q queue.Queue, proc Processor, interval time.Duration, logger *zap.Logger) *Runner {
	return &Runner{queue: q, proc: proc, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled or the queue is closed. A chunk being
// processed when that happens is finished first.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Worker started", zap.Duration("sweep_interval", r.interval))
	defer r.logger.Info("Worker stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.consume(gctx) })
	g.Go(func() error { return r.sweepLoop(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, queue.ErrClosed) {
		return err
	}
	return nil
}

func (r *Runner) consume(ctx context.Context) error {
	for {
		id, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// ErrClosed also stops the sweep loop; Run treats it as a clean stop.
			return err
		}
		r.handle(ctx, id)
	}
}

func (r *Runner) handle(ctx context.Context, id primitive.ObjectID) {
	out, err := r.proc.Process(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotClaimed) {
			// Duplicate delivery or already handled by another worker.
			r.logger.Debug("Chunk not claimable, skipping", zap.String("chunk_id", id.Hex()))
			return
		}
		r.logger.Error("Failed to process chunk", zap.String("chunk_id", id.Hex()), zap.Error(err))
		return
	}
	if out.Successor == nil {
		return
	}
	if err := r.queue.Enqueue(context.WithoutCancel(ctx), out.Successor.ID); err != nil {
		r.logger.Warn("Failed to enqueue successor, leaving it for the sweep",
			zap.String("chunk_id", out.Successor.ID.Hex()), zap.Error(err))
	}
}

func (r *Runner) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep queues every pending chunk. Already queued ids are cheap: the claim
// step drops the duplicates.
func (r *Runner) sweep(ctx context.Context) {
	ids, err := r.proc.PendingIDs(ctx, primitive.NilObjectID)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("Sweep failed to list pending chunks", zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		if err := r.queue.Enqueue(ctx, id); err != nil {
			r.logger.Warn("Sweep failed to enqueue chunk", zap.String("chunk_id", id.Hex()), zap.Error(err))
			return
		}
	}
	if len(ids) > 0 {
		r.logger.Info("Sweep queued pending chunks", zap.Int("count", len(ids)))
	}
}
