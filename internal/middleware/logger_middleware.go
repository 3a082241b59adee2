package middleware

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/felixge/httpsnoop"
)

// LoggerMiddleware logs one line per request. The wrapped writer keeps the
// optional interfaces of the original, so WebSocket upgrades still hijack.
func LoggerMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	logger = logger.WithPrefix("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			logger.Info(r.Method,
				"path", r.URL.Path,
				"status", m.Code,
				"bytes", m.Written,
				"duration", m.Duration,
				"remote", r.RemoteAddr,
			)
		})
	}
}
