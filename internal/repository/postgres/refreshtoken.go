package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/trainlog/internal/apperrors"
	"github.com/nkiryanov/trainlog/internal/models"
)

type RefreshRepo struct {
	DB DBTX
}

const getRefresh = `-- name: GetRefresh
SELECT user_id, encrypted_token, created_at
FROM refresh_tokens
WHERE user_id = $1
`

func (r *RefreshRepo) Get(ctx context.Context, userID uuid.UUID) (models.RefreshRecord, error) {
	rows, _ := r.DB.Query(ctx, getRefresh, userID)
	record, err := pgx.CollectOneRow(rows, rowToRefreshRecord)

	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, pgx.ErrNoRows):
		return record, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return record, fmt.Errorf("db error: %w", err)
	}
}

const upsertRefresh = `-- name: UpsertRefresh
INSERT INTO refresh_tokens (user_id, encrypted_token, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE
SET encrypted_token = EXCLUDED.encrypted_token,
    created_at = EXCLUDED.created_at
RETURNING user_id, encrypted_token, created_at
`

// Create the record or replace existing one
// The user must exist, otherwise foreign key violation error returned
func (r *RefreshRepo) Upsert(ctx context.Context, userID uuid.UUID, encryptedToken string) (models.RefreshRecord, error) {
	rows, _ := r.DB.Query(ctx, upsertRefresh, userID, encryptedToken, time.Now())
	record, err := pgx.CollectOneRow(rows, rowToRefreshRecord)
	if err != nil {
		return record, fmt.Errorf("db error: %w", err)
	}

	return record, nil
}

const removeRefresh = `-- name: RemoveRefresh
DELETE FROM refresh_tokens
WHERE user_id = $1
`

func (r *RefreshRepo) Remove(ctx context.Context, userID uuid.UUID) error {
	_, err := r.DB.Exec(ctx, removeRefresh, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

const removeExpiredRefresh = `-- name: RemoveExpiredRefresh
DELETE FROM refresh_tokens
WHERE created_at < $1
`

// Delete records created before the given time, return count of deleted ones
func (r *RefreshRepo) RemoveCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, removeExpiredRefresh, before)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

func rowToRefreshRecord(row pgx.CollectableRow) (models.RefreshRecord, error) {
	var rec models.RefreshRecord
	err := row.Scan(&rec.UserID, &rec.EncryptedToken, &rec.CreatedAt)
	return rec, err
}
