package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// workerGroup is the NATS queue group shared by all runplan workers, so each
// id is delivered to one of them.
const workerGroup = "runplan-workers"

var errPublishOnly = errors.New("queue: publish-only NATS connection")

// NATSQueue publishes chunk ids on a subject and consumes them through a
// queue-group subscription. Messages are core NATS: ids published while no
// worker is subscribed are lost and picked up again by the next sweep.
type NATSQueue struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	msgs    chan *nats.Msg
	subject string
	logger  *zap.Logger
}

// NewNATSQueue connects to url and subscribes to subject.
func NewNATSQueue(url, subject string, logger *zap.Logger) (*NATSQueue, error) {
	nc, err := connectNATS(url)
	if err != nil {
		return nil, err
	}

	msgs := make(chan *nats.Msg, 256)
	sub, err := nc.ChanQueueSubscribe(subject, workerGroup, msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	// Make sure the server knows about the subscription before anyone publishes.
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flush NATS connection: %w", err)
	}

	return &NATSQueue{nc: nc, sub: sub, msgs: msgs, subject: subject, logger: logger}, nil
}

// NewNATSPublisher connects to url for publishing only. Processes that run
// no worker use it so that no ids are delivered to them.
func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSQueue, error) {
	nc, err := connectNATS(url)
	if err != nil {
		return nil, err
	}
	return &NATSQueue{nc: nc, subject: subject, logger: logger}, nil
}

func connectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("runplan-worker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

func (q *NATSQueue) Enqueue(ctx context.Context, chunkID primitive.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	if q.nc.IsClosed() {
		return ErrClosed
	}
	return q.nc.Publish(q.subject, []byte(chunkID.Hex()))
}

func (q *NATSQueue) Dequeue(ctx context.Context) (primitive.ObjectID, error) {
	if q.sub == nil {
		return primitive.NilObjectID, errPublishOnly
	}
	for {
		select {
		case <-ctx.Done():
			return primitive.NilObjectID, ctx.Err()
		case msg, ok := <-q.msgs:
			if !ok {
				return primitive.NilObjectID, ErrClosed
			}
			id, err := primitive.ObjectIDFromHex(string(msg.Data))
			if err != nil {
				q.logger.Warn("Dropping malformed queue message",
					zap.String("subject", msg.Subject), zap.ByteString("data", msg.Data))
				continue
			}
			return id, nil
		}
	}
}

// Len is the number of messages buffered locally, not the subject backlog.
func (q *NATSQueue) Len() int {
	return len(q.msgs)
}

func (q *NATSQueue) Close() error {
	if q.sub == nil {
		return q.nc.Drain()
	}
	if err := q.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		q.logger.Warn("NATS unsubscribe failed", zap.Error(err))
	}
	return q.nc.Drain()
}
