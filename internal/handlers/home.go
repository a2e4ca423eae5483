package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/trainlog/internal/handlers/render"
	"github.com/nkiryanov/trainlog/internal/handlers/userctx"
)

// Protected landing page
func handleHome() http.Handler {
	type response struct {
		ID    uuid.UUID `json:"id"`
		Email string    `json:"email"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := userctx.FromContext(r.Context())
		render.JSON(w, response{ID: session.UserID, Email: session.Email})
	})
}
