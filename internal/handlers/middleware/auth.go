package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/nkiryanov/trainlog/internal/apperrors"
	"github.com/nkiryanov/trainlog/internal/handlers/render"
	"github.com/nkiryanov/trainlog/internal/handlers/userctx"
	"github.com/nkiryanov/trainlog/internal/metrics"
	"github.com/nkiryanov/trainlog/internal/models"
)

// Where users are sent when their session can't be renewed
const LoginPath = "/login"

type authService interface {
	ReadAccessToken(r *http.Request) string
	Authenticate(ctx context.Context, access string) (models.Session, error)
	SetAccessCookie(w http.ResponseWriter, token models.IssuedToken)
	ClearAccessCookie(w http.ResponseWriter)
}

type errorLogger interface {
	Error(msg string, args ...any)
}

type sessionCounter interface {
	Session(outcome string)
}

// Let only authenticated requests in
// Session is put into request context, renewed access token is set to response cookie before next handler runs
func Auth(as authService, l errorLogger, m sessionCounter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := as.Authenticate(r.Context(), as.ReadAccessToken(r))

			switch {
			case err == nil:
			case errors.Is(err, apperrors.ErrReauthenticate):
				m.Session(metrics.SessionReauthenticate)
				as.ClearAccessCookie(w)
				http.Redirect(w, r, LoginPath, http.StatusSeeOther)
				return
			case errors.Is(err, apperrors.ErrNoToken):
				m.Session(metrics.SessionNoToken)
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			case errors.Is(err, apperrors.ErrTokenInvalid), errors.Is(err, apperrors.ErrTokenExpired):
				m.Session(metrics.SessionInvalid)
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			default:
				m.Session(metrics.SessionError)
				l.Error("session check failed", "uri", r.RequestURI, "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			if session.IsRenewed() {
				m.Session(metrics.SessionRenewed)
				as.SetAccessCookie(w, *session.Renewed)
			} else {
				m.Session(metrics.SessionValid)
			}

			next.ServeHTTP(w, r.WithContext(userctx.New(r.Context(), session)))
		})
	}
}
