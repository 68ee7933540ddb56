package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Default expiry duration for presigned URLs
const DefaultPresignedURLExpiry = 15 * time.Minute

// ErrObjectNotFound is returned by archives that can tell a missing key apart.
var ErrObjectNotFound = errors.New("object not found in storage")

// RawOutputArchive keeps unparseable model replies for operator diagnosis.
type RawOutputArchive interface {
	// PutRawOutput stores raw and returns the object key.
	PutRawOutput(ctx context.Context, intakeID, chunkID primitive.ObjectID, raw string) (string, error)

	// GeneratePresignedDownloadURL creates a temporary GET URL for objectKey.
	GeneratePresignedDownloadURL(ctx context.Context, objectKey string, expires time.Duration) (string, error)

	// DeleteObject removes an object from the storage provider.
	DeleteObject(ctx context.Context, objectKey string) error
}

// RawOutputKey names the object for one failed chunk. The random suffix keeps
// a resubmitted chunk from overwriting an earlier reply.
func RawOutputKey(intakeID, chunkID primitive.ObjectID) string {
	return fmt.Sprintf("raw-output/%s/%s-%s.txt", intakeID.Hex(), chunkID.Hex(), uuid.NewString())
}

// MemoryArchive is an in-process RawOutputArchive for local runs and tests.
type MemoryArchive struct {
	mu      sync.Mutex
	objects map[string]string
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string]string)}
}

func (m *MemoryArchive) PutRawOutput(ctx context.Context, intakeID, chunkID primitive.ObjectID, raw string) (string, error) {
	key := RawOutputKey(intakeID, chunkID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = raw
	return key, nil
}

func (m *MemoryArchive) GeneratePresignedDownloadURL(ctx context.Context, objectKey string, expires time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[objectKey]; !ok {
		return "", ErrObjectNotFound
	}
	return "memory://" + objectKey, nil
}

func (m *MemoryArchive) DeleteObject(ctx context.Context, objectKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectKey)
	return nil
}

// Object returns a stored reply, for tests.
func (m *MemoryArchive) Object(objectKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.objects[objectKey]
	return raw, ok
}

// Len is the number of stored objects.
func (m *MemoryArchive) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
