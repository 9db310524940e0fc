package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quillworks/quill/internal/model"
)

const jobColumns = `id, user_id, topic, recipient, tone,
	research, research_status, letter, letter_status,
	active, created_at, updated_at`

// CreateJob deactivates any existing active job for the user and inserts a
// fresh one. A user has at most one active job at a time.
func (db *DB) CreateJob(ctx context.Context, userID uuid.UUID, topic, recipient, tone string) (model.JobSnapshot, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.JobSnapshot{}, fmt.Errorf("storage: begin create job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET active = false, updated_at = now() WHERE user_id = $1 AND active`, userID,
	); err != nil {
		return model.JobSnapshot{}, fmt.Errorf("storage: deactivate previous job: %w", err)
	}

	now := time.Now().UTC()
	job := model.JobSnapshot{
		ID:             uuid.New(),
		UserID:         userID,
		Topic:          topic,
		Recipient:      recipient,
		Tone:           tone,
		ResearchStatus: model.PipelineIdle,
		LetterStatus:   model.PipelineIdle,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, user_id, topic, recipient, tone,
		  research, research_status, letter, letter_status,
		  active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '', $6, '', $7, true, $8, $8)`,
		job.ID, job.UserID, job.Topic, job.Recipient, job.Tone,
		string(job.ResearchStatus), string(job.LetterStatus), now,
	); err != nil {
		return model.JobSnapshot{}, fmt.Errorf("storage: insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.JobSnapshot{}, fmt.Errorf("storage: commit create job: %w", err)
	}
	return job, nil
}

// ActiveJob returns the user's active job, or ErrNotFound.
func (db *DB) ActiveJob(ctx context.Context, userID uuid.UUID) (model.JobSnapshot, error) {
	var job model.JobSnapshot
	err := db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND active`, userID,
	).Scan(
		&job.ID, &job.UserID, &job.Topic, &job.Recipient, &job.Tone,
		&job.Research, &job.ResearchStatus, &job.Letter, &job.LetterStatus,
		&job.Active, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.JobSnapshot{}, ErrNotFound
		}
		return model.JobSnapshot{}, fmt.Errorf("storage: get active job: %w", err)
	}
	return job, nil
}

// UpsertActiveJob applies a partial patch to the user's active job and
// returns the updated snapshot. Only non-nil patch fields are written, so a
// run persisting research output cannot clobber a concurrent tone edit.
func (db *DB) UpsertActiveJob(ctx context.Context, userID uuid.UUID, patch model.JobPatch) (model.JobSnapshot, error) {
	var job model.JobSnapshot
	err := db.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   topic = COALESCE($2, topic),
		   recipient = COALESCE($3, recipient),
		   tone = COALESCE($4, tone),
		   research = COALESCE($5, research),
		   research_status = COALESCE($6, research_status),
		   letter = COALESCE($7, letter),
		   letter_status = COALESCE($8, letter_status),
		   updated_at = now()
		 WHERE user_id = $1 AND active
		 RETURNING `+jobColumns,
		userID,
		patch.Topic, patch.Recipient, patch.Tone,
		patch.Research, statusArg(patch.ResearchStatus),
		patch.Letter, statusArg(patch.LetterStatus),
	).Scan(
		&job.ID, &job.UserID, &job.Topic, &job.Recipient, &job.Tone,
		&job.Research, &job.ResearchStatus, &job.Letter, &job.LetterStatus,
		&job.Active, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.JobSnapshot{}, ErrNotFound
		}
		return model.JobSnapshot{}, fmt.Errorf("storage: upsert active job: %w", err)
	}
	return job, nil
}

func statusArg(s *model.PipelineStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}
