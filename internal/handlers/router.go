package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/trainlog/internal/handlers/middleware"
	"github.com/nkiryanov/trainlog/internal/logger"
	"github.com/nkiryanov/trainlog/internal/metrics"
	"github.com/nkiryanov/trainlog/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	authService authService,
	userService userService,
	m *metrics.Metrics,
	logger logger.Logger,
) http.Handler {
	withAuth := middleware.Auth(authService, logger, m)

	mux := http.NewServeMux()
	handle := func(pattern string, h http.Handler, mds ...func(next http.Handler) http.Handler) {
		mds = append([]func(http.Handler) http.Handler{middleware.Metrics(m, pattern)}, mds...)
		mux.Handle(pattern, chain(h, mds...))
	}

	handle("POST /register", handleRegister(userService, logger))
	handle("POST /login", handleLogin(authService, m, logger))
	handle("POST /logout", handleLogout(authService, logger), withAuth)
	handle("GET /home", handleHome(), withAuth)
	mux.Handle("GET /metrics", m.Handler())

	handler := chain(mux,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type authService interface {
	// Login user with email and password
	// Has to return apperrors.ErrInvalidCredentials if user not found or password is wrong
	Login(ctx context.Context, email string, password string) (models.TokenPair, error)

	// Forget user's refresh token
	Logout(ctx context.Context, userID uuid.UUID) error

	// Resolve session from access token, renew it if expired
	// Has to return apperrors.ErrReauthenticate if session can't be renewed
	Authenticate(ctx context.Context, access string) (models.Session, error)

	ReadAccessToken(r *http.Request) string
	SetAccessCookie(w http.ResponseWriter, token models.IssuedToken)
	ClearAccessCookie(w http.ResponseWriter)
}

type userService interface {
	// Register user with email and password
	// Has to return apperrors.ErrUserAlreadyExists if user already exists
	// and *apperrors.ValidationError if email or password are not acceptable
	Register(ctx context.Context, email string, password string) (models.User, error)
}
