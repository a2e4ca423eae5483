package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/trainlog/internal/apperrors"
	"github.com/nkiryanov/trainlog/internal/models"
	"github.com/nkiryanov/trainlog/internal/service/auth/tokencodec"
	"github.com/nkiryanov/trainlog/internal/service/auth/tokenmanager"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCredentials struct {
	users map[string]models.User
}

func (c *fakeCredentials) FindByEmail(_ context.Context, email string) (models.User, error) {
	user, ok := c.users[email]
	if !ok {
		return models.User{}, apperrors.ErrUserNotFound
	}
	return user, nil
}

func (c *fakeCredentials) VerifyPassword(user models.User, password string) bool {
	return DefaultHasher.Compare(user.HashedPassword, password) == nil
}

type fakeRefreshRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]models.RefreshRecord
	gets    atomic.Int32

	// If set Get waits for it to be closed
	block chan struct{}
	err   error
}

func newFakeRefreshRepo() *fakeRefreshRepo {
	return &fakeRefreshRepo{records: make(map[uuid.UUID]models.RefreshRecord)}
}

func (r *fakeRefreshRepo) Get(_ context.Context, userID uuid.UUID) (models.RefreshRecord, error) {
	r.gets.Add(1)
	if r.block != nil {
		<-r.block
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return models.RefreshRecord{}, r.err
	}
	record, ok := r.records[userID]
	if !ok {
		return models.RefreshRecord{}, apperrors.ErrRefreshTokenNotFound
	}
	return record, nil
}

func (r *fakeRefreshRepo) Upsert(_ context.Context, userID uuid.UUID, encryptedToken string) (models.RefreshRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record := models.RefreshRecord{UserID: userID, EncryptedToken: encryptedToken, CreatedAt: time.Now()}
	r.records[userID] = record
	return record, nil
}

func (r *fakeRefreshRepo) Remove(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, userID)
	return nil
}

func (r *fakeRefreshRepo) set(record models.RefreshRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.UserID] = record
}

func (r *fakeRefreshRepo) record(userID uuid.UUID) (models.RefreshRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[userID]
	return record, ok
}

func Test_Auth(t *testing.T) {
	t.Parallel()

	hash, err := DefaultHasher.Hash("password1")
	require.NoError(t, err)
	testUser := models.User{
		ID:             uuid.New(),
		CreatedAt:      time.Now(),
		Email:          "a@b.com",
		HashedPassword: hash,
	}

	codec, err := tokencodec.New("test-passphrase", "test-salt")
	require.NoError(t, err)

	type env struct {
		s      *AuthService
		clock  *fakeClock
		repo   *fakeRefreshRepo
		tokens *tokenmanager.TokenManager
	}

	newEnv := func(t *testing.T, embedRef bool) env {
		clock := &fakeClock{now: time.Now()}
		repo := newFakeRefreshRepo()

		tokens, err := tokenmanager.New(tokenmanager.Config{
			AccessSecret:  "access-secret",
			RefreshSecret: "refresh-secret",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    24 * time.Hour,
			Now:           clock.Now,
		})
		require.NoError(t, err, "token manager should be created without errors")

		credentials := &fakeCredentials{users: map[string]models.User{testUser.Email: testUser}}
		s, err := NewService(Config{EmbedRefreshReference: embedRef}, credentials, tokens, codec, repo)
		require.NoError(t, err, "auth service could't be started")

		return env{s: s, clock: clock, repo: repo, tokens: tokens}
	}

	login := func(t *testing.T, e env) models.TokenPair {
		pair, err := e.s.Login(t.Context(), "a@b.com", "password1")
		require.NoError(t, err, "login should be ok")
		return pair
	}

	t.Run("new auth service defaults", func(t *testing.T) {
		e := newEnv(t, true)

		require.Equal(t, defaultCookieName, e.s.cookieName, "default cookie name should be set")
		require.NotNil(t, e.s.logger, "default logger should be set")
	})

	t.Run("new auth service fails without deps", func(t *testing.T) {
		_, err := NewService(Config{}, nil, nil, nil, nil)

		require.Error(t, err)
	})

	t.Run("Login", func(t *testing.T) {
		t.Run("ok", func(t *testing.T) {
			e := newEnv(t, true)

			pair := login(t, e)

			require.NotEmpty(t, pair.Access.Value, "access token should not be empty")
			require.NotEmpty(t, pair.Refresh.Value, "refresh token should not be empty")
			require.Equal(t, e.clock.Now().Truncate(time.Second).Add(15*time.Minute), pair.Access.ExpiresAt)

			record, ok := e.repo.record(testUser.ID)
			require.True(t, ok, "refresh record should be saved")
			require.NotEqual(t, pair.Refresh.Value, record.EncryptedToken, "refresh token must be stored encrypted")

			plain, err := codec.Decrypt(record.EncryptedToken)
			require.NoError(t, err)
			require.Equal(t, pair.Refresh.Value, plain)

			claims, err := e.tokens.VerifyAccess(pair.Access.Value)
			require.NoError(t, err)
			require.Equal(t, testUser.ID, claims.UserID)
			require.Equal(t, testUser.Email, claims.Email)
			require.Equal(t, record.EncryptedToken, claims.RefreshRef, "access token should reference stored refresh token")
		})

		t.Run("reference not embedded if disabled", func(t *testing.T) {
			e := newEnv(t, false)

			pair := login(t, e)

			claims, err := e.tokens.VerifyAccess(pair.Access.Value)
			require.NoError(t, err)
			require.Empty(t, claims.RefreshRef)
		})

		t.Run("second login replaces refresh record", func(t *testing.T) {
			e := newEnv(t, true)

			login(t, e)
			first, _ := e.repo.record(testUser.ID)
			login(t, e)
			second, _ := e.repo.record(testUser.ID)

			require.NotEqual(t, first.EncryptedToken, second.EncryptedToken)
			require.Len(t, e.repo.records, 1)
		})

		t.Run("fail", func(t *testing.T) {
			tests := []struct {
				name     string
				email    string
				password string
			}{
				{"wrong password", "a@b.com", "password2"},
				{"unknown email", "x@b.com", "password1"},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					e := newEnv(t, true)

					_, err := e.s.Login(t.Context(), tt.email, tt.password)

					require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
					_, ok := e.repo.record(testUser.ID)
					require.False(t, ok, "no refresh record should be saved")
				})
			}
		})
	})

	t.Run("Logout", func(t *testing.T) {
		e := newEnv(t, true)
		login(t, e)

		err := e.s.Logout(t.Context(), testUser.ID)
		require.NoError(t, err)
		_, ok := e.repo.record(testUser.ID)
		require.False(t, ok, "refresh record should be removed")

		err = e.s.Logout(t.Context(), testUser.ID)
		require.NoError(t, err, "logout should be idempotent")
	})

	t.Run("Authenticate", func(t *testing.T) {
		t.Run("no token", func(t *testing.T) {
			e := newEnv(t, true)

			_, err := e.s.Authenticate(t.Context(), "")

			require.ErrorIs(t, err, apperrors.ErrNoToken)
		})

		t.Run("valid token", func(t *testing.T) {
			e := newEnv(t, true)
			pair := login(t, e)

			session, err := e.s.Authenticate(t.Context(), pair.Access.Value)

			require.NoError(t, err)
			require.Equal(t, testUser.ID, session.UserID)
			require.Equal(t, testUser.Email, session.Email)
			require.False(t, session.IsRenewed())
		})

		t.Run("valid token without reference skips refresh store", func(t *testing.T) {
			e := newEnv(t, false)
			pair := login(t, e)

			session, err := e.s.Authenticate(t.Context(), pair.Access.Value)

			require.NoError(t, err)
			require.Equal(t, testUser.ID, session.UserID)
			require.Zero(t, e.repo.gets.Load(), "token without reference must not touch refresh store")
		})

		t.Run("valid token after logout", func(t *testing.T) {
			e := newEnv(t, true)
			pair := login(t, e)
			require.NoError(t, e.s.Logout(t.Context(), testUser.ID))

			_, err := e.s.Authenticate(t.Context(), pair.Access.Value)

			require.ErrorIs(t, err, apperrors.ErrReauthenticate, "logged out session must not be accepted")
		})

		t.Run("valid token revoked by new login", func(t *testing.T) {
			e := newEnv(t, true)
			old := login(t, e)
			fresh := login(t, e)

			_, err := e.s.Authenticate(t.Context(), old.Access.Value)
			require.ErrorIs(t, err, apperrors.ErrReauthenticate)

			session, err := e.s.Authenticate(t.Context(), fresh.Access.Value)
			require.NoError(t, err)
			require.False(t, session.IsRenewed())
		})

		t.Run("valid token storage failure is not reauthentication", func(t *testing.T) {
			e := newEnv(t, true)
			pair := login(t, e)
			e.repo.err = errors.New("connection refused")

			_, err := e.s.Authenticate(t.Context(), pair.Access.Value)

			require.Error(t, err)
			require.NotErrorIs(t, err, apperrors.ErrReauthenticate)
		})

		t.Run("invalid token never renewed", func(t *testing.T) {
			e := newEnv(t, true)
			login(t, e)
			forger, err := tokenmanager.New(tokenmanager.Config{AccessSecret: "forged", RefreshSecret: "forged-refresh"})
			require.NoError(t, err)
			forged, err := forger.IssueAccess(tokenmanager.AccessClaims{UserID: testUser.ID})
			require.NoError(t, err)

			for _, value := range []string{"garbage", forged.Value} {
				_, err := e.s.Authenticate(t.Context(), value)

				require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
			}
			require.Zero(t, e.repo.gets.Load())
		})

		t.Run("expired token renewed", func(t *testing.T) {
			e := newEnv(t, true)
			pair := login(t, e)
			before, _ := e.repo.record(testUser.ID)

			e.clock.Advance(20 * time.Minute)
			session, err := e.s.Authenticate(t.Context(), pair.Access.Value)

			require.NoError(t, err)
			require.True(t, session.IsRenewed())
			require.Equal(t, testUser.ID, session.UserID)
			require.Equal(t, testUser.Email, session.Email)
			require.True(t, session.Renewed.ExpiresAt.After(pair.Access.ExpiresAt), "renewed token should expire later")

			claims, err := e.tokens.VerifyAccess(session.Renewed.Value)
			require.NoError(t, err, "renewed token should be valid")
			require.Equal(t, before.EncryptedToken, claims.RefreshRef, "renewed token keeps refresh reference")

			after, _ := e.repo.record(testUser.ID)
			require.Equal(t, before, after, "refresh record must not be rewritten on renewal")
		})

		t.Run("expired token after logout", func(t *testing.T) {
			e := newEnv(t, true)
			pair := login(t, e)
			require.NoError(t, e.s.Logout(t.Context(), testUser.ID))

			e.clock.Advance(20 * time.Minute)
			_, err := e.s.Authenticate(t.Context(), pair.Access.Value)

			require.ErrorIs(t, err, apperrors.ErrReauthenticate)
		})

		t.Run("refresh token expired", func(t *testing.T) {
			e := newEnv(t, true)
			pair := login(t, e)

			e.clock.Advance(25 * time.Hour)
			_, err := e.s.Authenticate(t.Context(), pair.Access.Value)

			require.ErrorIs(t, err, apperrors.ErrReauthenticate)
		})

		t.Run("stale refresh reference", func(t *testing.T) {
			e := newEnv(t, true)
			old := login(t, e)
			login(t, e)

			e.clock.Advance(20 * time.Minute)
			_, err := e.s.Authenticate(t.Context(), old.Access.Value)

			require.ErrorIs(t, err, apperrors.ErrReauthenticate)
		})

		t.Run("stale token renewed if reference disabled", func(t *testing.T) {
			e := newEnv(t, false)
			old := login(t, e)
			login(t, e)

			e.clock.Advance(20 * time.Minute)
			session, err := e.s.Authenticate(t.Context(), old.Access.Value)

			require.NoError(t, err)
			require.True(t, session.IsRenewed())
		})

		t.Run("corrupted refresh record", func(t *testing.T) {
			e := newEnv(t, false)
			pair := login(t, e)
			e.repo.set(models.RefreshRecord{UserID: testUser.ID, EncryptedToken: "not-hex"})

			e.clock.Advance(20 * time.Minute)
			_, err := e.s.Authenticate(t.Context(), pair.Access.Value)

			require.ErrorIs(t, err, apperrors.ErrReauthenticate)
		})

		t.Run("refresh record of other user", func(t *testing.T) {
			e := newEnv(t, false)
			pair := login(t, e)
			other, err := e.tokens.IssueRefresh(uuid.New())
			require.NoError(t, err)
			encrypted, err := codec.Encrypt(other.Value)
			require.NoError(t, err)
			e.repo.set(models.RefreshRecord{UserID: testUser.ID, EncryptedToken: encrypted})

			e.clock.Advance(20 * time.Minute)
			_, err = e.s.Authenticate(t.Context(), pair.Access.Value)

			require.ErrorIs(t, err, apperrors.ErrReauthenticate)
		})

		t.Run("storage failure is not reauthentication", func(t *testing.T) {
			e := newEnv(t, true)
			pair := login(t, e)
			e.repo.err = errors.New("connection refused")

			e.clock.Advance(20 * time.Minute)
			_, err := e.s.Authenticate(t.Context(), pair.Access.Value)

			require.Error(t, err)
			require.NotErrorIs(t, err, apperrors.ErrReauthenticate)
		})

		t.Run("concurrent renewals share result", func(t *testing.T) {
			const n = 10
			e := newEnv(t, true)
			pair := login(t, e)
			e.clock.Advance(20 * time.Minute)
			e.repo.block = make(chan struct{})

			var started, done sync.WaitGroup
			sessions := make([]models.Session, n)
			errs := make([]error, n)
			for i := range n {
				started.Add(1)
				done.Add(1)
				go func() {
					defer done.Done()
					started.Done()
					sessions[i], errs[i] = e.s.Authenticate(context.Background(), pair.Access.Value)
				}()
			}

			started.Wait()
			time.Sleep(50 * time.Millisecond)
			close(e.repo.block)
			done.Wait()

			require.EqualValues(t, 1, e.repo.gets.Load(), "only one renewal should hit the store")
			for i := range n {
				require.NoError(t, errs[i])
				require.True(t, sessions[i].IsRenewed())
				assert.Equal(t, sessions[0].Renewed.Value, sessions[i].Renewed.Value)
			}
		})
	})

	t.Run("cookies", func(t *testing.T) {
		e := newEnv(t, true)
		token := models.IssuedToken{Value: "token-value", ExpiresAt: time.Now().Add(time.Minute)}

		t.Run("set", func(t *testing.T) {
			w := httptest.NewRecorder()
			e.s.SetAccessCookie(w, token)

			cookies := w.Result().Cookies()
			require.Len(t, cookies, 1)
			c := cookies[0]
			require.Equal(t, "jwt", c.Name)
			require.Equal(t, "token-value", c.Value)
			require.Equal(t, "/", c.Path)
			require.True(t, c.HttpOnly)
			require.False(t, c.Secure)
			require.Equal(t, http.SameSiteLaxMode, c.SameSite)
			require.Equal(t, int((24 * time.Hour).Seconds()), c.MaxAge)
		})

		t.Run("clear", func(t *testing.T) {
			w := httptest.NewRecorder()
			e.s.ClearAccessCookie(w)

			cookies := w.Result().Cookies()
			require.Len(t, cookies, 1)
			require.Equal(t, "jwt", cookies[0].Name)
			require.Empty(t, cookies[0].Value)
			require.Negative(t, cookies[0].MaxAge)
		})

		t.Run("clear replaces cookie set earlier", func(t *testing.T) {
			w := httptest.NewRecorder()
			http.SetCookie(w, &http.Cookie{Name: "other", Value: "keep"})
			e.s.SetAccessCookie(w, token)
			e.s.ClearAccessCookie(w)

			cookies := w.Result().Cookies()
			require.Len(t, cookies, 2)
			require.Equal(t, "other", cookies[0].Name, "unrelated cookies should stay")
			require.Equal(t, "jwt", cookies[1].Name)
			require.Empty(t, cookies[1].Value)
			require.Negative(t, cookies[1].MaxAge)
		})

		t.Run("read", func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/home", nil)
			require.Empty(t, e.s.ReadAccessToken(r))

			r.AddCookie(&http.Cookie{Name: "jwt", Value: "token-value"})
			require.Equal(t, "token-value", e.s.ReadAccessToken(r))
		})
	})
}
