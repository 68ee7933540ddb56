package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/repository"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// sqliteIntakeRepository keeps the profile as one JSON document per row.
type sqliteIntakeRepository struct {
	db *sql.DB
}

func NewIntakeRepository(d *DB) repository.IntakeRepository {
	return &sqliteIntakeRepository{db: d.db}
}

func (r *sqliteIntakeRepository) Create(ctx context.Context, intake *domain.Intake) (primitive.ObjectID, error) {
	intake.ID = primitive.NewObjectID()
	now := time.Now().UTC()
	intake.CreatedAt = now
	intake.UpdatedAt = now

	profile, err := json.Marshal(intake)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("encoding intake: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO intakes (id, user_id, profile, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		intake.ID.Hex(), intake.UserID, string(profile), toNanos(now), toNanos(now))
	if err != nil {
		return primitive.NilObjectID, err
	}
	return intake.ID, nil
}

func (r *sqliteIntakeRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Intake, error) {
	var profile string
	err := r.db.QueryRowContext(ctx, `SELECT profile FROM intakes WHERE id = ?`, id.Hex()).Scan(&profile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeIntake(profile)
}

func (r *sqliteIntakeRepository) GetByUserID(ctx context.Context, userID string) ([]domain.Intake, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT profile FROM intakes WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intakes := []domain.Intake{}
	for rows.Next() {
		var profile string
		if err := rows.Scan(&profile); err != nil {
			return nil, err
		}
		in, err := decodeIntake(profile)
		if err != nil {
			return nil, err
		}
		intakes = append(intakes, *in)
	}
	return intakes, rows.Err()
}

func (r *sqliteIntakeRepository) Update(ctx context.Context, intake *domain.Intake) error {
	existing, err := r.GetByID(ctx, intake.ID)
	if err != nil {
		return err
	}
	intake.UserID = existing.UserID
	intake.CreatedAt = existing.CreatedAt
	intake.UpdatedAt = time.Now().UTC()

	profile, err := json.Marshal(intake)
	if err != nil {
		return fmt.Errorf("encoding intake: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE intakes SET profile = ?, updated_at = ? WHERE id = ?`,
		string(profile), toNanos(intake.UpdatedAt), intake.ID.Hex())
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *sqliteIntakeRepository) Delete(ctx context.Context, id primitive.ObjectID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM intakes WHERE id = ?`, id.Hex())
	if err != nil {
		return err
	}
	return expectRow(res)
}

func decodeIntake(profile string) (*domain.Intake, error) {
	var in domain.Intake
	if err := json.Unmarshal([]byte(profile), &in); err != nil {
		return nil, fmt.Errorf("decoding intake: %w", err)
	}
	return &in, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
