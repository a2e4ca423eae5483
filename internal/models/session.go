package models

import (
	"github.com/google/uuid"
)

// Authenticated user session resolved from the access token
type Session struct {
	UserID uuid.UUID
	Email  string

	// Not nil if the access token was expired and has been renewed during authentication
	Renewed *IssuedToken
}

func (s Session) IsRenewed() bool {
	return s.Renewed != nil
}
