// Package memory keeps intakes and chunks in process memory. It backs the
// "memory" database driver and stands in for the real stores in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/repository"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Store holds both repositories behind one lock.
type Store struct {
	mu      sync.Mutex
	intakes map[primitive.ObjectID]domain.Intake
	chunks  map[primitive.ObjectID]domain.Chunk
	locks   map[string]primitive.ObjectID // range lock -> chunk id
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		intakes: make(map[primitive.ObjectID]domain.Intake),
		chunks:  make(map[primitive.ObjectID]domain.Chunk),
		locks:   make(map[string]primitive.ObjectID),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests use it to get distinct created_at values.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Intakes returns the intake repository view of the store.
func (s *Store) Intakes() repository.IntakeRepository { return (*intakeRepo)(s) }

// Chunks returns the chunk repository view of the store.
func (s *Store) Chunks() repository.ChunkRepository { return (*chunkRepo)(s) }

type intakeRepo Store

func (r *intakeRepo) Create(ctx context.Context, intake *domain.Intake) (primitive.ObjectID, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	intake.ID = primitive.NewObjectID()
	now := s.now()
	intake.CreatedAt = now
	intake.UpdatedAt = now
	s.intakes[intake.ID] = *intake
	return intake.ID, nil
}

func (r *intakeRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Intake, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intakes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &in, nil
}

func (r *intakeRepo) GetByUserID(ctx context.Context, userID string) ([]domain.Intake, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Intake{}
	for _, in := range s.intakes {
		if in.UserID == userID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.Hex() > out[j].ID.Hex()
	})
	return out, nil
}

func (r *intakeRepo) Update(ctx context.Context, intake *domain.Intake) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.intakes[intake.ID]
	if !ok {
		return repository.ErrNotFound
	}
	intake.UserID = old.UserID
	intake.CreatedAt = old.CreatedAt
	intake.UpdatedAt = s.now()
	s.intakes[intake.ID] = *intake
	return nil
}

func (r *intakeRepo) Delete(ctx context.Context, id primitive.ObjectID) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intakes[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.intakes, id)
	return nil
}

type chunkRepo Store

func (r *chunkRepo) Insert(ctx context.Context, chunk *domain.Chunk) (primitive.ObjectID, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := domain.RangeLockKey(chunk.IntakeID, chunk.WeekRange)
	if _, held := s.locks[lock]; held {
		return primitive.NilObjectID, repository.ErrDuplicateRange
	}

	chunk.ID = primitive.NewObjectID()
	chunk.Status = domain.ChunkPending
	chunk.RangeLock = lock
	if chunk.ChunkType == "" {
		chunk.ChunkType = domain.ChunkTypeChunk
	}
	now := s.now()
	chunk.CreatedAt = now
	chunk.UpdatedAt = now

	s.chunks[chunk.ID] = *chunk
	s.locks[lock] = chunk.ID
	return chunk.ID, nil
}

func (r *chunkRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Chunk, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *chunkRepo) Claim(ctx context.Context, id primitive.ObjectID) (*domain.Chunk, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok || c.Status != domain.ChunkPending {
		return nil, repository.ErrNotClaimed
	}
	c.Status = domain.ChunkProcessing
	c.UpdatedAt = s.now()
	s.chunks[id] = c
	return &c, nil
}

func (r *chunkRepo) Complete(ctx context.Context, id primitive.ObjectID, plan map[string]any, content string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = domain.ChunkComplete
	c.PlanJSON = plan
	c.PlanContent = content
	c.ErrorMessage = ""
	c.UpdatedAt = s.now()
	s.chunks[id] = c
	return nil
}

func (r *chunkRepo) Fail(ctx context.Context, id primitive.ObjectID, failure repository.Failure) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = domain.ChunkError
	c.ErrorMessage = failure.Message
	c.RawOutput = failure.RawOutput
	c.RawOutputKey = failure.RawOutputKey
	s.releaseLocked(&c)
	c.UpdatedAt = s.now()
	s.chunks[id] = c
	return nil
}

func (r *chunkRepo) SetChainNote(ctx context.Context, id primitive.ObjectID, note string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.ChainNote = note
	c.UpdatedAt = s.now()
	s.chunks[id] = c
	return nil
}

func (r *chunkRepo) FindByIntake(ctx context.Context, intakeID primitive.ObjectID) ([]domain.Chunk, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterLocked(func(c *domain.Chunk) bool { return c.IntakeID == intakeID }, 0), nil
}

func (r *chunkRepo) FindByIntakeAndRange(ctx context.Context, intakeID primitive.ObjectID, weekRange string) ([]domain.Chunk, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterLocked(func(c *domain.Chunk) bool {
		return c.IntakeID == intakeID && c.WeekRange == weekRange
	}, 0), nil
}

func (r *chunkRepo) FindPending(ctx context.Context, filter repository.ChunkFilter) ([]domain.Chunk, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterLocked(func(c *domain.Chunk) bool {
		if c.Status != domain.ChunkPending {
			return false
		}
		return filter.IntakeID.IsZero() || c.IntakeID == filter.IntakeID
	}, filter.Limit), nil
}

func (r *chunkRepo) ReclaimStale(ctx context.Context, filter repository.ChunkFilter, claimedBefore time.Time) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.chunks {
		if c.Status != domain.ChunkProcessing || !c.UpdatedAt.Before(claimedBefore) {
			continue
		}
		if !filter.IntakeID.IsZero() && c.IntakeID != filter.IntakeID {
			continue
		}
		c.Status = domain.ChunkPending
		c.UpdatedAt = s.now()
		s.chunks[id] = c
		n++
	}
	return n, nil
}

func (r *chunkRepo) DeleteStaleSiblings(ctx context.Context, intakeID primitive.ObjectID, keepRange string) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.chunks {
		if c.IntakeID != intakeID || c.WeekRange == keepRange {
			continue
		}
		if c.Status != domain.ChunkPending && c.Status != domain.ChunkError {
			continue
		}
		s.releaseLocked(&c)
		delete(s.chunks, id)
		n++
	}
	return n, nil
}

func (r *chunkRepo) ReleaseRange(ctx context.Context, intakeID primitive.ObjectID, weekRange string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.chunks {
		if c.IntakeID == intakeID && c.WeekRange == weekRange && c.RangeLock != "" {
			s.releaseLocked(&c)
			s.chunks[id] = c
		}
	}
	return nil
}

func (r *chunkRepo) DeleteByIntake(ctx context.Context, intakeID primitive.ObjectID) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.chunks {
		if c.IntakeID == intakeID {
			s.releaseLocked(&c)
			delete(s.chunks, id)
			n++
		}
	}
	return n, nil
}

// releaseLocked drops c's range lock if c still owns it.
func (s *Store) releaseLocked(c *domain.Chunk) {
	if c.RangeLock == "" {
		return
	}
	if owner, ok := s.locks[c.RangeLock]; ok && owner == c.ID {
		delete(s.locks, c.RangeLock)
	}
	c.RangeLock = ""
}

// filterLocked returns matching chunks ordered by created_at then id.
func (s *Store) filterLocked(match func(c *domain.Chunk) bool, limit int) []domain.Chunk {
	out := []domain.Chunk{}
	for _, c := range s.chunks {
		if match(&c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
