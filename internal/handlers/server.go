// internal/handlers/server.go
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jason-s-yu/arena/internal/auth"
	"github.com/jason-s-yu/arena/internal/config"
	"github.com/jason-s-yu/arena/internal/coordinator"
	"github.com/jason-s-yu/arena/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Server holds what the HTTP and WebSocket handlers share.
type Server struct {
	coord    *coordinator.Coordinator
	sessions *auth.Sessions
	room     config.Room
	log      *logrus.Logger

	// originPatterns restricts WebSocket origins; empty allows any.
	originPatterns []string
	secureCookies  bool
}

// Option customises a Server.
type Option func(*Server)

// WithOriginPatterns limits which origins may open room sockets.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithSecureCookies marks the auth cookie Secure.
func WithSecureCookies() Option {
	return func(s *Server) { s.secureCookies = true }
}

func NewServer(coord *coordinator.Coordinator, sessions *auth.Sessions, room config.Room, log *logrus.Logger, opts ...Option) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{coord: coord, sessions: sessions, room: room, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRouter mounts every route on a chi router.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.LogMiddleware(s.log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/auth/guest", s.GuestHandler)
	r.Get("/games", s.ListGamesHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.RequireIdentity)
		r.Post("/rooms", s.CreateRoomHandler)
		r.Post("/rooms/join", s.JoinRoomHandler)
		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Get("/", s.GetRoomHandler)
			r.Post("/ready", s.ReadyHandler)
			r.Post("/start", s.StartHandler)
			r.Post("/forfeit", s.ForfeitHandler)
			r.Post("/leave", s.LeaveHandler)
			r.Post("/end", s.EndHandler)
			r.Post("/heartbeat", s.HeartbeatHandler)
			r.Get("/ws", s.RoomWSHandler)
		})
	})
	return r
}
