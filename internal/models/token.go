package models

import (
	"time"

	"github.com/google/uuid"
)

// Refresh token stored for the user in encrypted form
// Only one record per user may exist
type RefreshRecord struct {
	UserID         uuid.UUID
	EncryptedToken string
	CreatedAt      time.Time
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issues by TokenManager, AuthService
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}
