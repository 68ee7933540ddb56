package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/repository"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const chunkColumns = `id, user_id, intake_id, status, prompt, week_range, chunk_type, plan_json,
	plan_content, error_message, raw_output, raw_output_key, chain_note, range_lock, created_at, updated_at`

type sqliteChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(d *DB) repository.ChunkRepository {
	return &sqliteChunkRepository{db: d.db}
}

func (r *sqliteChunkRepository) Insert(ctx context.Context, chunk *domain.Chunk) (primitive.ObjectID, error) {
	id := primitive.NewObjectID()
	now := time.Now().UTC()
	if chunk.ChunkType == "" {
		chunk.ChunkType = domain.ChunkTypeChunk
	}
	lock := domain.RangeLockKey(chunk.IntakeID, chunk.WeekRange)

	var planJSON sql.NullString
	if chunk.PlanJSON != nil {
		b, err := json.Marshal(chunk.PlanJSON)
		if err != nil {
			return primitive.NilObjectID, fmt.Errorf("encoding plan: %w", err)
		}
		planJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO chunks (`+chunkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.Hex(), chunk.UserID, chunk.IntakeID.Hex(), string(domain.ChunkPending), chunk.Prompt,
		chunk.WeekRange, string(chunk.ChunkType), planJSON, chunk.PlanContent, "", "", "", "",
		lock, toNanos(now), toNanos(now))
	if err != nil {
		if isUniqueViolation(err) {
			return primitive.NilObjectID, repository.ErrDuplicateRange
		}
		return primitive.NilObjectID, err
	}

	chunk.ID = id
	chunk.Status = domain.ChunkPending
	chunk.RangeLock = lock
	chunk.CreatedAt = now
	chunk.UpdatedAt = now
	return id, nil
}

func (r *sqliteChunkRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Chunk, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id.Hex())
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *sqliteChunkRepository) Claim(ctx context.Context, id primitive.ObjectID) (*domain.Chunk, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.ChunkProcessing), toNanos(time.Now()), id.Hex(), string(domain.ChunkPending))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, repository.ErrNotClaimed
	}
	return r.GetByID(ctx, id)
}

func (r *sqliteChunkRepository) Complete(ctx context.Context, id primitive.ObjectID, plan map[string]any, content string) error {
	b, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, plan_json = ?, plan_content = ?, error_message = '', updated_at = ? WHERE id = ?`,
		string(domain.ChunkComplete), string(b), content, toNanos(time.Now()), id.Hex())
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *sqliteChunkRepository) Fail(ctx context.Context, id primitive.ObjectID, failure repository.Failure) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, error_message = ?, raw_output = ?, raw_output_key = ?, range_lock = NULL, updated_at = ?
		WHERE id = ?`,
		string(domain.ChunkError), failure.Message, failure.RawOutput, failure.RawOutputKey, toNanos(time.Now()), id.Hex())
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *sqliteChunkRepository) SetChainNote(ctx context.Context, id primitive.ObjectID, note string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chunks SET chain_note = ?, updated_at = ? WHERE id = ?`, note, toNanos(time.Now()), id.Hex())
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *sqliteChunkRepository) FindByIntake(ctx context.Context, intakeID primitive.ObjectID) ([]domain.Chunk, error) {
	return r.query(ctx, `WHERE intake_id = ? ORDER BY created_at ASC, id ASC`, intakeID.Hex())
}

func (r *sqliteChunkRepository) FindByIntakeAndRange(ctx context.Context, intakeID primitive.ObjectID, weekRange string) ([]domain.Chunk, error) {
	return r.query(ctx, `WHERE intake_id = ? AND week_range = ? ORDER BY created_at ASC, id ASC`, intakeID.Hex(), weekRange)
}

func (r *sqliteChunkRepository) FindPending(ctx context.Context, filter repository.ChunkFilter) ([]domain.Chunk, error) {
	var b strings.Builder
	args := []any{string(domain.ChunkPending)}
	b.WriteString(`WHERE status = ?`)
	if !filter.IntakeID.IsZero() {
		b.WriteString(` AND intake_id = ?`)
		args = append(args, filter.IntakeID.Hex())
	}
	b.WriteString(` ORDER BY created_at ASC, id ASC`)
	if filter.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}
	return r.query(ctx, b.String(), args...)
}

func (r *sqliteChunkRepository) ReclaimStale(ctx context.Context, filter repository.ChunkFilter, claimedBefore time.Time) (int64, error) {
	query := `UPDATE chunks SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`
	args := []any{string(domain.ChunkPending), toNanos(time.Now()), string(domain.ChunkProcessing), toNanos(claimedBefore)}
	if !filter.IntakeID.IsZero() {
		query += ` AND intake_id = ?`
		args = append(args, filter.IntakeID.Hex())
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqliteChunkRepository) DeleteStaleSiblings(ctx context.Context, intakeID primitive.ObjectID, keepRange string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE intake_id = ? AND week_range <> ? AND status IN (?, ?)`,
		intakeID.Hex(), keepRange, string(domain.ChunkPending), string(domain.ChunkError))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqliteChunkRepository) ReleaseRange(ctx context.Context, intakeID primitive.ObjectID, weekRange string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE chunks SET range_lock = NULL, updated_at = ? WHERE intake_id = ? AND week_range = ? AND range_lock IS NOT NULL`,
		toNanos(time.Now()), intakeID.Hex(), weekRange)
	return err
}

func (r *sqliteChunkRepository) DeleteByIntake(ctx context.Context, intakeID primitive.ObjectID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE intake_id = ?`, intakeID.Hex())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqliteChunkRepository) query(ctx context.Context, where string, args ...any) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := []domain.Chunk{}
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChunk(s scanner) (*domain.Chunk, error) {
	var (
		c                   domain.Chunk
		id, intakeID        string
		status, chunkType   string
		planJSON, rangeLock sql.NullString
		createdAt           int64
		updatedAt           int64
	)
	err := s.Scan(&id, &c.UserID, &intakeID, &status, &c.Prompt, &c.WeekRange, &chunkType, &planJSON,
		&c.PlanContent, &c.ErrorMessage, &c.RawOutput, &c.RawOutputKey, &c.ChainNote, &rangeLock,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if c.ID, err = primitive.ObjectIDFromHex(id); err != nil {
		return nil, fmt.Errorf("chunk id %q: %w", id, err)
	}
	if c.IntakeID, err = primitive.ObjectIDFromHex(intakeID); err != nil {
		return nil, fmt.Errorf("chunk %s intake id %q: %w", id, intakeID, err)
	}
	c.Status = domain.ChunkStatus(status)
	c.ChunkType = domain.ChunkType(chunkType)
	c.RangeLock = rangeLock.String
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)

	if planJSON.Valid && planJSON.String != "" {
		if err := json.Unmarshal([]byte(planJSON.String), &c.PlanJSON); err != nil {
			return nil, fmt.Errorf("chunk %s plan_json: %w", id, err)
		}
	}
	return &c, nil
}
