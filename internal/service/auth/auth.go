package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/trainlog/internal/apperrors"
	"github.com/nkiryanov/trainlog/internal/logger"
	"github.com/nkiryanov/trainlog/internal/models"
	"github.com/nkiryanov/trainlog/internal/repository"
	"github.com/nkiryanov/trainlog/internal/service/auth/tokencodec"
	"github.com/nkiryanov/trainlog/internal/service/auth/tokenmanager"
)

const defaultCookieName = "jwt"

// Source of users and their passwords
type Credentials interface {
	// Must return apperrors.ErrUserNotFound if there is no such user
	FindByEmail(ctx context.Context, email string) (models.User, error)
	VerifyPassword(user models.User, password string) bool
}

type Config struct {
	// Name of the cookie that carries access token
	// If not set than default is used
	CookieName string

	// Send cookie over https only
	SecureCookie bool

	// Put encrypted refresh token into access token claims
	// When set renewal fails if it does not match the stored one, so re-login revokes older sessions
	EmbedRefreshReference bool

	// If not set logs are discarded
	Logger logger.Logger
}

// Auth service
// Logs users in and out and keeps their sessions alive
type AuthService struct {
	cookieName   string
	secureCookie bool
	embedRef     bool

	credentials Credentials
	tokens      *tokenmanager.TokenManager
	codec       *tokencodec.Codec
	refreshRepo repository.RefreshRepo

	// Concurrent renewals of the same session share one result
	renewals singleflight.Group

	logger logger.Logger
}

func NewService(
	cfg Config,
	credentials Credentials,
	tokens *tokenmanager.TokenManager,
	codec *tokencodec.Codec,
	refreshRepo repository.RefreshRepo,
) (*AuthService, error) {
	if credentials == nil || tokens == nil || codec == nil || refreshRepo == nil {
		return nil, errors.New("credentials, token manager, codec and refresh repo must not be nil")
	}

	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	return &AuthService{
		cookieName:   cfg.CookieName,
		secureCookie: cfg.SecureCookie,
		embedRef:     cfg.EmbedRefreshReference,
		credentials:  credentials,
		tokens:       tokens,
		codec:        codec,
		refreshRepo:  refreshRepo,
		logger:       cfg.Logger,
	}, nil
}

// Check user credentials and start new session
// Unknown email and wrong password are not distinguished
func (s *AuthService) Login(ctx context.Context, email string, password string) (models.TokenPair, error) {
	user, err := s.credentials.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		return models.TokenPair{}, apperrors.ErrInvalidCredentials
	case err != nil:
		return models.TokenPair{}, fmt.Errorf("can't find user. Err: %w", err)
	}

	if !s.credentials.VerifyPassword(user, password) {
		return models.TokenPair{}, apperrors.ErrInvalidCredentials
	}

	return s.startSession(ctx, user)
}

// Remove user's refresh token so the session can't be renewed anymore
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID) error {
	if err := s.refreshRepo.Remove(ctx, userID); err != nil {
		return fmt.Errorf("can't remove refresh token. Err: %w", err)
	}
	return nil
}

// Resolve session from access token
//
// Valid token gives the session while its refresh reference is still stored. Expired token is renewed if the user still has a valid refresh token,
// the new access token is returned in Session.Renewed. apperrors.ErrReauthenticate means the user must log in again.
func (s *AuthService) Authenticate(ctx context.Context, access string) (models.Session, error) {
	if access == "" {
		return models.Session{}, apperrors.ErrNoToken
	}

	claims, err := s.tokens.VerifyAccess(access)
	switch {
	case err == nil:
		if err := s.checkReference(ctx, claims); err != nil {
			return models.Session{}, err
		}
		return models.Session{UserID: claims.UserID, Email: claims.Email}, nil
	case !errors.Is(err, apperrors.ErrTokenExpired):
		return models.Session{}, err
	}

	// Signature was checked already, claims of expired token are trusted
	claims, err = s.tokens.DecodeAccessUnsafe(access)
	if err != nil {
		return models.Session{}, err
	}

	key := claims.UserID.String() + ":" + claims.RefreshRef
	v, err, _ := s.renewals.Do(key, func() (any, error) {
		// Followers must not fail because the leader's request was canceled
		return s.renew(context.WithoutCancel(ctx), claims)
	})
	if err != nil {
		return models.Session{}, err
	}

	renewed := v.(models.IssuedToken)
	return models.Session{UserID: claims.UserID, Email: claims.Email, Renewed: &renewed}, nil
}

// Valid access token that references a refresh token is only good while that refresh token is stored:
// logout or a newer login revokes it before it expires
func (s *AuthService) checkReference(ctx context.Context, claims tokenmanager.AccessClaims) error {
	if !s.embedRef && claims.RefreshRef == "" {
		return nil
	}

	record, err := s.refreshRepo.Get(ctx, claims.UserID)
	switch {
	case errors.Is(err, apperrors.ErrRefreshTokenNotFound):
		return fmt.Errorf("%w: session is logged out", apperrors.ErrReauthenticate)
	case err != nil:
		return fmt.Errorf("can't get refresh token. Err: %w", err)
	case claims.RefreshRef != record.EncryptedToken:
		return fmt.Errorf("%w: session is revoked", apperrors.ErrReauthenticate)
	}
	return nil
}

func (s *AuthService) SetAccessCookie(w http.ResponseWriter, token models.IssuedToken) {
	http.SetCookie(w, &http.Cookie{
		Name:  s.cookieName,
		Value: token.Value,
		Path:  "/",
		// Outlive access token, otherwise expired token never comes back to be renewed
		MaxAge:   int(s.tokens.RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// Any access cookie already set on the response (e.g. renewed by middleware) is dropped, only the clearing one is sent
func (s *AuthService) ClearAccessCookie(w http.ResponseWriter) {
	header := w.Header()
	header["Set-Cookie"] = slices.DeleteFunc(header["Set-Cookie"], func(v string) bool {
		return strings.HasPrefix(v, s.cookieName+"=")
	})

	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// Return access token from request cookie or empty string if there is none
func (s *AuthService) ReadAccessToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *AuthService) startSession(ctx context.Context, user models.User) (models.TokenPair, error) {
	refresh, err := s.tokens.IssueRefresh(user.ID)
	if err != nil {
		return models.TokenPair{}, err
	}

	encrypted, err := s.codec.Encrypt(refresh.Value)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("can't encrypt refresh token. Err: %w", err)
	}

	if _, err = s.refreshRepo.Upsert(ctx, user.ID, encrypted); err != nil {
		return models.TokenPair{}, fmt.Errorf("can't save refresh token. Err: %w", err)
	}

	claims := tokenmanager.AccessClaims{UserID: user.ID, Email: user.Email}
	if s.embedRef {
		claims.RefreshRef = encrypted
	}

	access, err := s.tokens.IssueAccess(claims)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{Access: access, Refresh: refresh}, nil
}

// Issue new access token for expired one
// Refresh record is only read, it is replaced on next login
func (s *AuthService) renew(ctx context.Context, claims tokenmanager.AccessClaims) (models.IssuedToken, error) {
	reauthenticate := func(reason string) (models.IssuedToken, error) {
		s.logger.Debug("session can't be renewed", "user_id", claims.UserID, "reason", reason)
		return models.IssuedToken{}, fmt.Errorf("%w: %s", apperrors.ErrReauthenticate, reason)
	}

	record, err := s.refreshRepo.Get(ctx, claims.UserID)
	switch {
	case errors.Is(err, apperrors.ErrRefreshTokenNotFound):
		return reauthenticate("no refresh token")
	case err != nil:
		return models.IssuedToken{}, fmt.Errorf("can't get refresh token. Err: %w", err)
	}

	if (s.embedRef || claims.RefreshRef != "") && claims.RefreshRef != record.EncryptedToken {
		return reauthenticate("refresh reference mismatch")
	}

	plain, err := s.codec.Decrypt(record.EncryptedToken)
	if err != nil {
		return reauthenticate("refresh token can't be decrypted")
	}

	refreshClaims, err := s.tokens.VerifyRefresh(plain)
	if err != nil {
		return reauthenticate(err.Error())
	}
	if refreshClaims.UserID != claims.UserID {
		return reauthenticate("refresh token belongs to other user")
	}

	access, err := s.tokens.IssueAccess(tokenmanager.AccessClaims{
		UserID:     claims.UserID,
		Email:      claims.Email,
		RefreshRef: claims.RefreshRef,
	})
	if err != nil {
		return models.IssuedToken{}, err
	}

	s.logger.Debug("session renewed", "user_id", claims.UserID, "expires_at", access.ExpiresAt)
	return access, nil
}
