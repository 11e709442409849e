package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jason-s-yu/arena/internal/auth"
	"github.com/jason-s-yu/arena/internal/models"
)

type guestRequest struct {
	DisplayName string `json:"display_name"`
}

type guestResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Token       string `json:"token"`
}

// GuestHandler mints a guest identity and sets it as the auth cookie.
func (s *Server) GuestHandler(w http.ResponseWriter, r *http.Request) {
	var req guestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	id, err := auth.NewGuest(req.DisplayName)
	if err != nil {
		writeError(w, s.log, fmt.Errorf("%v: %w", err, models.ErrValidation))
		return
	}
	token, err := s.sessions.CreateJWT(id)
	if err != nil {
		writeError(w, s.log, fmt.Errorf("sign session: %w", err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})
	s.log.WithField("user_id", id.UserID).Info("guest session issued")
	writeJSON(w, http.StatusOK, guestResponse{UserID: id.UserID.String(), DisplayName: id.DisplayName, Token: token})
}

// RequireIdentity rejects requests without a valid session token and attaches
// the identity to the request context.
func (s *Server) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing auth_token"})
			return
		}
		id, err := s.sessions.AuthenticateJWT(token)
		if err != nil {
			s.log.WithError(err).Debug("rejected session token")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

var errNoIdentity = errors.New("no identity on request")

func identity(r *http.Request) (auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.Identity{}, errNoIdentity
	}
	return id, nil
}
