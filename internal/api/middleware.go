package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs each request through logrus. Event streams are logged
// when they close, with their full duration.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}

		switch {
		case c.Writer.Status() >= 500:
			entry.Error("Request completed")
		case c.FullPath() == "/health" || c.FullPath() == "/metrics":
			entry.Debug("Request completed")
		default:
			entry.Info("Request completed")
		}
	}
}

// WithCORS allows browser clients from origins to call the API, including
// the headers used by the event streams
func WithCORS(handler http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return handler
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Token", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler(handler)
}
