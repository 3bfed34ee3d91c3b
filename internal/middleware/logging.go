// internal/middleware/logging.go
package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LogMiddleware logs every HTTP request with its method, path and wall time.
func LogMiddleware(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote":      r.RemoteAddr,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("http request")
		})
	}
}

// LogWebSocketConnect records a hub session opening, after auth and limiter
// registration have both succeeded.
func LogWebSocketConnect(logger *logrus.Logger, userID int64, remoteAddr string) {
	logger.WithFields(logrus.Fields{
		"user":   userID,
		"remote": remoteAddr,
	}).Info("websocket session opened")
}

// LogWebSocketDisconnect records a hub session ending. err carries the read
// failure for abnormal closures; normal closes pass nil.
func LogWebSocketDisconnect(logger *logrus.Logger, userID int64, remoteAddr string, err error) {
	entry := logger.WithFields(logrus.Fields{
		"user":   userID,
		"remote": remoteAddr,
	})
	if err != nil {
		entry.WithError(err).Warn("websocket session closed abnormally")
		return
	}
	entry.Info("websocket session closed")
}
