package redis

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/trainlog/internal/apperrors"
	"github.com/nkiryanov/trainlog/internal/testutil"
)

func Test_RefreshRepo(t *testing.T) {
	t.Run("new validates arguments", func(t *testing.T) {
		_, client := testutil.StartRedis(t)

		_, err := NewRefreshRepo(nil, time.Hour)
		require.Error(t, err, "nil client is not allowed")

		_, err = NewRefreshRepo(client, 0)
		require.Error(t, err, "zero ttl is not allowed")
	})

	t.Run("upsert and get", func(t *testing.T) {
		_, client := testutil.StartRedis(t)
		repo, err := NewRefreshRepo(client, time.Hour)
		require.NoError(t, err)
		userID := uuid.New()

		created, err := repo.Upsert(t.Context(), userID, "ciphertext-1")
		require.NoError(t, err)

		got, err := repo.Get(t.Context(), userID)

		require.NoError(t, err)
		assert.Equal(t, userID, got.UserID)
		assert.Equal(t, "ciphertext-1", got.EncryptedToken)
		assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, 0)
		assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Second)
	})

	t.Run("upsert replaces token and keeps single key", func(t *testing.T) {
		server, client := testutil.StartRedis(t)
		repo, err := NewRefreshRepo(client, time.Hour)
		require.NoError(t, err)
		userID := uuid.New()

		_, err = repo.Upsert(t.Context(), userID, "ciphertext-1")
		require.NoError(t, err)
		_, err = repo.Upsert(t.Context(), userID, "ciphertext-2")
		require.NoError(t, err)

		got, err := repo.Get(t.Context(), userID)
		require.NoError(t, err)
		assert.Equal(t, "ciphertext-2", got.EncryptedToken)
		assert.Len(t, server.Keys(), 1, "only one key per user should exist")
	})

	t.Run("record expires with refresh ttl", func(t *testing.T) {
		server, client := testutil.StartRedis(t)
		repo, err := NewRefreshRepo(client, time.Minute)
		require.NoError(t, err)
		userID := uuid.New()

		_, err = repo.Upsert(t.Context(), userID, "ciphertext")
		require.NoError(t, err)
		assert.Equal(t, time.Minute, server.TTL("refresh:"+userID.String()))

		server.FastForward(2 * time.Minute)

		_, err = repo.Get(t.Context(), userID)
		assert.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
	})

	t.Run("get not existed record", func(t *testing.T) {
		_, client := testutil.StartRedis(t)
		repo, err := NewRefreshRepo(client, time.Hour)
		require.NoError(t, err)

		_, err = repo.Get(t.Context(), uuid.New())

		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		_, client := testutil.StartRedis(t)
		repo, err := NewRefreshRepo(client, time.Hour)
		require.NoError(t, err)
		userID := uuid.New()
		_, err = repo.Upsert(t.Context(), userID, "ciphertext")
		require.NoError(t, err)

		require.NoError(t, repo.Remove(t.Context(), userID))
		require.NoError(t, repo.Remove(t.Context(), userID), "second remove should not fail")

		_, err = repo.Get(t.Context(), userID)
		assert.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
	})

	t.Run("redis failure is reported", func(t *testing.T) {
		server, client := testutil.StartRedis(t)
		repo, err := NewRefreshRepo(client, time.Hour)
		require.NoError(t, err)
		server.SetError("boom")

		_, err = repo.Get(t.Context(), uuid.New())

		require.Error(t, err)
		assert.NotErrorIs(t, err, apperrors.ErrRefreshTokenNotFound, "storage failure must not look like missing record")
	})
}
