// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogMiddleware logs each request with its method, path, status and duration.
// Upgraded WebSocket requests are logged when the socket closes.
func LogMiddleware(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}
			if id := chimw.GetReqID(r.Context()); id != "" {
				fields["request_id"] = id
			}
			entry := logger.WithFields(fields)
			switch {
			case ww.Status() >= 500:
				entry.Error("HTTP Request")
			case ww.Status() >= 400:
				entry.Warn("HTTP Request")
			default:
				entry.Info("HTTP Request")
			}
		})
	}
}

// LogWebSocketConnect logs a room session attaching.
func LogWebSocketConnect(logger *logrus.Logger, remoteAddr, path string, roomID, userID uuid.UUID) {
	logger.WithFields(logrus.Fields{
		"remote":  remoteAddr,
		"path":    path,
		"room_id": roomID,
		"user_id": userID,
	}).Info("WebSocket connected")
}

// LogWebSocketDisconnect logs a room session ending.
func LogWebSocketDisconnect(logger *logrus.Logger, remoteAddr, path string, roomID, userID uuid.UUID, err error) {
	fields := logrus.Fields{
		"remote":  remoteAddr,
		"path":    path,
		"room_id": roomID,
		"user_id": userID,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("WebSocket disconnected")
}
