// internal/repository/mongo/intake_repo.go
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

const intakeCollectionName = "intakes"

// mongoIntakeRepository implements repository.IntakeRepository
type mongoIntakeRepository struct {
	collection *mongo.Collection
}

// NewMongoIntakeRepository creates a new intake repository.
func NewMongoIntakeRepository(db *mongo.Database) repository.IntakeRepository {
	return &mongoIntakeRepository{
		collection: db.Collection(intakeCollectionName),
	}
}

// Create inserts a new runner profile.
func (r *mongoIntakeRepository) Create(ctx context.Context, intake *domain.Intake) (primitive.ObjectID, error) {
	intake.ID = primitive.NewObjectID()
	now := time.Now().UTC()
	intake.CreatedAt = now
	intake.UpdatedAt = now

	result, err := r.collection.InsertOne(ctx, intake)
	if err != nil {
		return primitive.NilObjectID, err
	}
	insertedID, ok := result.InsertedID.(primitive.ObjectID)
	if !ok {
		return primitive.NilObjectID, errors.New("failed to convert inserted intake ID")
	}
	return insertedID, nil
}

func (r *mongoIntakeRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Intake, error) {
	var intake domain.Intake
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&intake)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &intake, nil
}

// GetByUserID lists a user's intakes, newest first.
func (r *mongoIntakeRepository) GetByUserID(ctx context.Context, userID string) ([]domain.Intake, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	intakes := []domain.Intake{}
	if err = cursor.All(ctx, &intakes); err != nil {
		return nil, err
	}
	return intakes, nil
}

// Update replaces the profile fields. Owner and creation time never change.
func (r *mongoIntakeRepository) Update(ctx context.Context, intake *domain.Intake) error {
	if intake.ID == primitive.NilObjectID {
		return errors.New("intake ID is required for update")
	}
	intake.UpdatedAt = time.Now().UTC()

	update := bson.M{
		"$set": bson.M{
			"age":                  intake.Age,
			"weight":               intake.Weight,
			"height":               intake.Height,
			"training_for":         intake.TrainingFor,
			"plan_length":          intake.PlanLength,
			"training_history":     intake.TrainingHistory,
			"goals":                intake.Goals,
			"weekly_time":          intake.WeeklyTime,
			"weekly_mileage":       intake.WeeklyMileage,
			"unit_preference":      intake.UnitPreference,
			"training_intensity":   intake.TrainingIntensity,
			"rpe_familiarity":      intake.RPEFamiliarity,
			"max_hr":               intake.MaxHR,
			"resting_hr":           intake.RestingHR,
			"days_per_week":        intake.DaysPerWeek,
			"other_requests":       intake.OtherRequests,
			"starting_volume":      intake.StartingVolume,
			"max_volume":           intake.MaxVolume,
			"ai_choose_max_volume": intake.AIChooseMaxVolume,
			"weekly_schedule":      intake.WeeklySchedule,
			"updated_at":           intake.UpdatedAt,
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": intake.ID}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *mongoIntakeRepository) Delete(ctx context.Context, id primitive.ObjectID) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// EnsureIntakeIndexes creates the user listing index.
func EnsureIntakeIndexes(ctx context.Context, collection *mongo.Collection) error {
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	return err
}
