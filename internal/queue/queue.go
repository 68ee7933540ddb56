// Package queue carries ids of pending chunks from whoever created them to
// the worker that processes them.
package queue

import (
	"context"
	"errors"
	"sync"

	"alcyxob/runplan/internal/metrics"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrClosed is returned once a queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of chunk ids. Delivery is at-least-once; consumers rely on
// the chunk store's claim step to drop duplicates.
type Queue interface {
	Enqueue(ctx context.Context, chunkID primitive.ObjectID) error
	// Dequeue blocks until an id is available, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (primitive.ObjectID, error)
	Len() int
	Close() error
}

// MemoryQueue is an unbounded in-process queue. An id already waiting is not
// added twice.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []primitive.ObjectID
	queued map[primitive.ObjectID]struct{}
	ready  chan struct{}
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued: make(map[primitive.ObjectID]struct{}),
		ready:  make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, chunkID primitive.ObjectID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, dup := q.queued[chunkID]; dup {
		return nil
	}
	q.items = append(q.items, chunkID)
	q.queued[chunkID] = struct{}{}
	metrics.SetQueueDepth(len(q.items))
	q.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (primitive.ObjectID, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			delete(q.queued, id)
			metrics.SetQueueDepth(len(q.items))
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return id, nil
		}
		if q.closed {
			q.mu.Unlock()
			return primitive.NilObjectID, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return primitive.NilObjectID, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes blocked consumers. Items still queued can be drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ready)
	}
	return nil
}

// signal must be called with q.mu held.
func (q *MemoryQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
