package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/sirupsen/logrus"
)

const authCookieName = "auth_token"

// extractCookieToken extracts a named cookie value from a "Cookie" header, or
// returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	for _, part := range strings.Split(cookieHeader, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && name == cookieName {
			return value
		}
	}
	return ""
}

// requestToken finds the session token in the auth cookie, a bearer header,
// or a "token" query parameter, in that order.
func requestToken(r *http.Request) string {
	if tok := extractCookieToken(r.Header.Get("Cookie"), authCookieName); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrCapacity):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrChannel):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, log *logrus.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorBody{Error: models.Kind(err), Message: models.Message(err)})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("bad request payload: %w", models.ErrValidation)
}

func roomIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid room id: %w", models.ErrValidation)
	}
	return id, nil
}
