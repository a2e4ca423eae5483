package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/trainlog/internal/apperrors"
	"github.com/nkiryanov/trainlog/internal/handlers/middleware"
	"github.com/nkiryanov/trainlog/internal/handlers/render"
	"github.com/nkiryanov/trainlog/internal/handlers/userctx"
	"github.com/nkiryanov/trainlog/internal/logger"
	"github.com/nkiryanov/trainlog/internal/metrics"
)

const homePath = "/home"

type loginCounter interface {
	Login(result string)
}

func handleRegister(userService userService, logger logger.Logger) http.Handler {
	type request struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	type response struct {
		ID        uuid.UUID `json:"id"`
		Email     string    `json:"email"`
		CreatedAt time.Time `json:"created_at"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		user, err := userService.Register(r.Context(), data.Email, data.Password)
		if err != nil {
			var validationErr *apperrors.ValidationError
			switch {
			case errors.As(err, &validationErr):
				render.ValidationError(w, validationErr)
			case errors.Is(err, apperrors.ErrUserAlreadyExists):
				render.ServiceError(w, "User already exists", http.StatusConflict)
			default:
				logger.Error("user registration failed", "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, response{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt})
	})
}

func handleLogin(authService authService, m loginCounter, logger logger.Logger) http.Handler {
	type request struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := authService.Login(r.Context(), data.Email, data.Password)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrInvalidCredentials):
				m.Login(metrics.LoginFailed)
				render.ServiceError(w, "Authentication failed", http.StatusUnauthorized)
			default:
				m.Login(metrics.LoginError)
				logger.Error("login failed", "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		m.Login(metrics.LoginOK)
		authService.SetAccessCookie(w, pair.Access)
		http.Redirect(w, r, homePath, http.StatusSeeOther)
	})
}

func handleLogout(authService authService, logger logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := userctx.FromContext(r.Context())

		err := authService.Logout(r.Context(), session.UserID)
		if err != nil {
			logger.Error("logout failed", "user_id", session.UserID, "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		authService.ClearAccessCookie(w)
		http.Redirect(w, r, middleware.LoginPath, http.StatusSeeOther)
	})
}
