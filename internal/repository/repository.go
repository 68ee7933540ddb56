package repository

import (
	"context"
	"time"

	"alcyxob/runplan/internal/domain"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Error constants for the repository layer
var (
	ErrNotFound = RepositoryError("not found")
	// ErrDuplicateRange: a live chunk already holds the intake/range lock.
	ErrDuplicateRange = RepositoryError("chunk already exists for week range")
	// ErrNotClaimed: the chunk was not pending when a claim was attempted.
	ErrNotClaimed = RepositoryError("chunk not claimable")
)

// RepositoryError helps distinguish repository errors
type RepositoryError string

func (e RepositoryError) Error() string {
	return string(e)
}

// IntakeRepository defines the interface for interacting with runner profiles.
type IntakeRepository interface {
	Create(ctx context.Context, intake *domain.Intake) (primitive.ObjectID, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Intake, error)
	GetByUserID(ctx context.Context, userID string) ([]domain.Intake, error) // Newest first
	Update(ctx context.Context, intake *domain.Intake) error
	Delete(ctx context.Context, id primitive.ObjectID) error
}

// Failure is what gets stored on a chunk that ends in error.
type Failure struct {
	Message      string
	RawOutput    string
	RawOutputKey string
}

// ChunkFilter narrows FindPending and ReclaimStale. Zero values mean "any";
// ReclaimStale ignores Limit.
type ChunkFilter struct {
	IntakeID primitive.ObjectID
	Limit    int
}

// ChunkRepository is the chunk store. Every write is keyed by chunk id except
// Insert, which is conditional on the chunk's range lock.
type ChunkRepository interface {
	// Insert stores a new pending chunk and sets its range lock. It returns
	// ErrDuplicateRange when a live chunk for the same intake and range exists.
	Insert(ctx context.Context, chunk *domain.Chunk) (primitive.ObjectID, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Chunk, error)
	// Claim moves a chunk from pending to processing and returns it. It
	// returns ErrNotClaimed if another worker got there first.
	Claim(ctx context.Context, id primitive.ObjectID) (*domain.Chunk, error)
	// Complete stores the parsed plan and clears any error message.
	Complete(ctx context.Context, id primitive.ObjectID, plan map[string]any, content string) error
	// Fail marks the chunk as error and releases its range lock.
	Fail(ctx context.Context, id primitive.ObjectID, failure Failure) error
	SetChainNote(ctx context.Context, id primitive.ObjectID, note string) error
	// FindByIntake returns all chunks of an intake, oldest first.
	FindByIntake(ctx context.Context, intakeID primitive.ObjectID) ([]domain.Chunk, error)
	FindByIntakeAndRange(ctx context.Context, intakeID primitive.ObjectID, weekRange string) ([]domain.Chunk, error)
	// FindPending returns pending chunks, oldest first.
	FindPending(ctx context.Context, filter ChunkFilter) ([]domain.Chunk, error)
	// ReclaimStale puts processing chunks last touched before claimedBefore
	// back to pending. Their range lock is kept. It returns how many moved.
	ReclaimStale(ctx context.Context, filter ChunkFilter, claimedBefore time.Time) (int64, error)
	// DeleteStaleSiblings removes chunks of the intake that are pending or
	// error and whose range differs from keepRange. Processing and complete
	// chunks are kept.
	DeleteStaleSiblings(ctx context.Context, intakeID primitive.ObjectID, keepRange string) (int64, error)
	// ReleaseRange clears the range lock of every chunk of the intake/range
	// so that a replacement can be inserted.
	ReleaseRange(ctx context.Context, intakeID primitive.ObjectID, weekRange string) error
	DeleteByIntake(ctx context.Context, intakeID primitive.ObjectID) (int64, error)
}
