package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMemoryQueue_FIFOAndDedup(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	a, b := primitive.NewObjectID(), primitive.NewObjectID()

	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))
	require.NoError(t, q.Enqueue(ctx, a))
	assert.Equal(t, 2, q.Len())

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.Equal(t, 0, q.Len())

	// Once dequeued, the same id can be queued again.
	require.NoError(t, q.Enqueue(ctx, a))
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue()
	id := primitive.NewObjectID()
	done := make(chan primitive.ObjectID)

	go func() {
		got, err := q.Dequeue(context.Background())
		assert.NoError(t, err)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), id))

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return after Enqueue")
	}
}

func TestMemoryQueue_ContextAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	id := primitive.NewObjectID()
	require.NoError(t, q.Enqueue(context.Background(), id))
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), primitive.NewObjectID()), ErrClosed)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, got)
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// Set RUNPLAN_TEST_NATS_URL (e.g. nats://localhost:4222) to run against a live server.
func TestNATSQueue(t *testing.T) {
	url := os.Getenv("RUNPLAN_TEST_NATS_URL")
	if url == "" {
		t.Skip("RUNPLAN_TEST_NATS_URL not set")
	}

	subject := "runplan.test." + primitive.NewObjectID().Hex()
	q, err := NewNATSQueue(url, subject, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := primitive.NewObjectID()
	require.NoError(t, q.Enqueue(ctx, id))
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}
