package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/nkiryanov/trainlog/internal/models"
)

// User repository interface
type UserRepo interface {
	// Create user
	// If user with email exists already has to return error apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, email string, hashedPassword string) (models.User, error)

	// Get user by it's id or email
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
}

// Refresh token repository interface
// Keeps at most one encrypted refresh token per user
type RefreshRepo interface {
	// Return the user's record
	// If there is no record must return apperrors.ErrRefreshTokenNotFound
	Get(ctx context.Context, userID uuid.UUID) (models.RefreshRecord, error)

	// Insert the record or replace the encrypted token if the user already has one
	Upsert(ctx context.Context, userID uuid.UUID, encryptedToken string) (models.RefreshRecord, error)

	// Delete the user's record
	// Must be idempotent: removing not existed record is not an error
	Remove(ctx context.Context, userID uuid.UUID) error
}

// Storage gives access to all repositories sharing the same connection
type Storage interface {
	User() UserRepo
	Refresh() RefreshRepo

	// Run fn in transaction. Commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}
