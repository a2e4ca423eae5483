// Package redis keeps refresh tokens in redis hashes, one key per user.
// Keys expire together with the refresh token they hold.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/trainlog/internal/apperrors"
	"github.com/nkiryanov/trainlog/internal/models"
)

const (
	defaultKeyPrefix = "refresh:"

	fieldToken     = "token"
	fieldCreatedAt = "created_at"
)

type RefreshRepo struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// ttl should be equal to refresh token lifetime: record is useless after the token expires
func NewRefreshRepo(client redis.Cmdable, ttl time.Duration) (*RefreshRepo, error) {
	if client == nil {
		return nil, errors.New("redis client must not be nil")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}

	return &RefreshRepo{client: client, prefix: defaultKeyPrefix, ttl: ttl}, nil
}

func (r *RefreshRepo) key(userID uuid.UUID) string {
	return r.prefix + userID.String()
}

func (r *RefreshRepo) Get(ctx context.Context, userID uuid.UUID) (models.RefreshRecord, error) {
	var record models.RefreshRecord

	values, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return record, fmt.Errorf("redis error: %w", err)
	}

	token, ok := values[fieldToken]
	if !ok {
		return record, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, values[fieldCreatedAt])
	if err != nil {
		return record, fmt.Errorf("corrupted refresh record for user %s: %w", userID, err)
	}

	return models.RefreshRecord{
		UserID:         userID,
		EncryptedToken: token,
		CreatedAt:      createdAt,
	}, nil
}

func (r *RefreshRepo) Upsert(ctx context.Context, userID uuid.UUID, encryptedToken string) (models.RefreshRecord, error) {
	record := models.RefreshRecord{
		UserID:         userID,
		EncryptedToken: encryptedToken,
		CreatedAt:      time.Now().UTC(),
	}
	key := r.key(userID)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldToken, record.EncryptedToken,
			fieldCreatedAt, record.CreatedAt.Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return models.RefreshRecord{}, fmt.Errorf("redis error: %w", err)
	}

	return record, nil
}

// Remove is idempotent: DEL on missing key is not an error
func (r *RefreshRepo) Remove(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}
