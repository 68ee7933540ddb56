// internal/repository/mongo/chunk_repo.go
package mongo

import (
	"context"
	"errors"
	"time"

	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/repository"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const chunkCollectionName = "plan_chunks"

// mongoChunkRepository implements repository.ChunkRepository
type mongoChunkRepository struct {
	collection *mongo.Collection
}

// NewMongoChunkRepository creates a new chunk repository. The range lock
// guard relies on EnsureChunkIndexes having run.
func NewMongoChunkRepository(db *mongo.Database) repository.ChunkRepository {
	return &mongoChunkRepository{
		collection: db.Collection(chunkCollectionName),
	}
}

// Insert adds a pending chunk. The unique range_lock index rejects a second
// live chunk for the same intake and range.
func (r *mongoChunkRepository) Insert(ctx context.Context, chunk *domain.Chunk) (primitive.ObjectID, error) {
	doc := *chunk
	doc.ID = primitive.NewObjectID()
	doc.Status = domain.ChunkPending
	doc.RangeLock = domain.RangeLockKey(chunk.IntakeID, chunk.WeekRange)
	if doc.ChunkType == "" {
		doc.ChunkType = domain.ChunkTypeChunk
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return primitive.NilObjectID, repository.ErrDuplicateRange
		}
		return primitive.NilObjectID, err
	}
	*chunk = doc
	return doc.ID, nil
}

func (r *mongoChunkRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Chunk, error) {
	var chunk domain.Chunk
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&chunk)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	chunk.PlanJSON = plainMap(chunk.PlanJSON)
	return &chunk, nil
}

// Claim is a conditional pending -> processing update.
func (r *mongoChunkRepository) Claim(ctx context.Context, id primitive.ObjectID) (*domain.Chunk, error) {
	filter := bson.M{"_id": id, "status": domain.ChunkPending}
	update := bson.M{"$set": bson.M{"status": domain.ChunkProcessing, "updated_at": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var chunk domain.Chunk
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&chunk)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotClaimed
		}
		return nil, err
	}
	chunk.PlanJSON = plainMap(chunk.PlanJSON)
	return &chunk, nil
}

func (r *mongoChunkRepository) Complete(ctx context.Context, id primitive.ObjectID, plan map[string]any, content string) error {
	update := bson.M{
		"$set": bson.M{
			"status":       domain.ChunkComplete,
			"plan_json":    plan,
			"plan_content": content,
			"updated_at":   time.Now().UTC(),
		},
		"$unset": bson.M{"error_message": ""},
	}
	return r.updateOne(ctx, id, update)
}

// Fail stores the failure and drops the range lock so the range can be resubmitted.
func (r *mongoChunkRepository) Fail(ctx context.Context, id primitive.ObjectID, failure repository.Failure) error {
	set := bson.M{
		"status":        domain.ChunkError,
		"error_message": failure.Message,
		"updated_at":    time.Now().UTC(),
	}
	if failure.RawOutput != "" {
		set["raw_output"] = failure.RawOutput
	}
	if failure.RawOutputKey != "" {
		set["raw_output_key"] = failure.RawOutputKey
	}
	update := bson.M{
		"$set":   set,
		"$unset": bson.M{"range_lock": ""},
	}
	return r.updateOne(ctx, id, update)
}

func (r *mongoChunkRepository) SetChainNote(ctx context.Context, id primitive.ObjectID, note string) error {
	return r.updateOne(ctx, id, bson.M{"$set": bson.M{"chain_note": note, "updated_at": time.Now().UTC()}})
}

func (r *mongoChunkRepository) FindByIntake(ctx context.Context, intakeID primitive.ObjectID) ([]domain.Chunk, error) {
	return r.find(ctx, bson.M{"intake_id": intakeID}, 0)
}

func (r *mongoChunkRepository) FindByIntakeAndRange(ctx context.Context, intakeID primitive.ObjectID, weekRange string) ([]domain.Chunk, error) {
	return r.find(ctx, bson.M{"intake_id": intakeID, "week_range": weekRange}, 0)
}

func (r *mongoChunkRepository) FindPending(ctx context.Context, filter repository.ChunkFilter) ([]domain.Chunk, error) {
	q := bson.M{"status": domain.ChunkPending}
	if !filter.IntakeID.IsZero() {
		q["intake_id"] = filter.IntakeID
	}
	return r.find(ctx, q, filter.Limit)
}

// ReclaimStale resets processing chunks whose claim is older than
// claimedBefore. The status index covers the filter.
func (r *mongoChunkRepository) ReclaimStale(ctx context.Context, filter repository.ChunkFilter, claimedBefore time.Time) (int64, error) {
	q := bson.M{
		"status":     domain.ChunkProcessing,
		"updated_at": bson.M{"$lt": claimedBefore.UTC()},
	}
	if !filter.IntakeID.IsZero() {
		q["intake_id"] = filter.IntakeID
	}
	update := bson.M{"$set": bson.M{"status": domain.ChunkPending, "updated_at": time.Now().UTC()}}
	result, err := r.collection.UpdateMany(ctx, q, update)
	if err != nil {
		return 0, err
	}
	return result.ModifiedCount, nil
}

// DeleteStaleSiblings removes pending and error chunks of other ranges.
// Chunks a worker is processing right now are left alone.
func (r *mongoChunkRepository) DeleteStaleSiblings(ctx context.Context, intakeID primitive.ObjectID, keepRange string) (int64, error) {
	filter := bson.M{
		"intake_id":  intakeID,
		"week_range": bson.M{"$ne": keepRange},
		"status":     bson.M{"$in": bson.A{domain.ChunkPending, domain.ChunkError}},
	}
	result, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func (r *mongoChunkRepository) ReleaseRange(ctx context.Context, intakeID primitive.ObjectID, weekRange string) error {
	filter := bson.M{
		"intake_id":  intakeID,
		"week_range": weekRange,
		"range_lock": bson.M{"$exists": true},
	}
	update := bson.M{
		"$unset": bson.M{"range_lock": ""},
		"$set":   bson.M{"updated_at": time.Now().UTC()},
	}
	_, err := r.collection.UpdateMany(ctx, filter, update)
	return err
}

func (r *mongoChunkRepository) DeleteByIntake(ctx context.Context, intakeID primitive.ObjectID) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"intake_id": intakeID})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func (r *mongoChunkRepository) updateOne(ctx context.Context, id primitive.ObjectID, update bson.M) error {
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// find returns matching chunks sorted by creation time, oldest first.
func (r *mongoChunkRepository) find(ctx context.Context, filter bson.M, limit int) ([]domain.Chunk, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		findOptions.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	chunks := []domain.Chunk{}
	if err = cursor.All(ctx, &chunks); err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].PlanJSON = plainMap(chunks[i].PlanJSON)
	}
	return chunks, nil
}

// EnsureChunkIndexes creates the chunk indexes. The sparse unique index on
// range_lock is what makes Insert atomic per intake and range.
func EnsureChunkIndexes(ctx context.Context, collection *mongo.Collection) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "range_lock", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			// Merged view and sibling cleanup
			Keys: bson.D{{Key: "intake_id", Value: 1}, {Key: "created_at", Value: 1}},
		},
		{
			// Sweep for pending work
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
		},
	}
	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}
