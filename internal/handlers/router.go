package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/config"
	"github.com/earlydot/lesion-api/internal/logging"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// NewRouter wires the endpoints with CORS, request ids and access logging.
func NewRouter(svc Service, cfg *config.Config, log logrus.FieldLogger) http.Handler {
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	corsConfig.AllowHeaders = []string{"Content-Type", "Accept", RequestIDHeader}
	corsConfig.ExposeHeaders = []string{RequestIDHeader}
	if allowAll(cfg.HTTP.AllowedOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.HTTP.AllowedOrigins
	}

	h := NewHandler(svc, cfg.Production(), cfg.HTTP.MaxUploadMB, log)

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(
		gin.Recovery(),
		cors.New(corsConfig),
		requestID(log),
	)

	r.GET("/health", h.Health)
	r.POST("/remove-hair", h.RemoveHair)
	r.POST("/predict", h.Predict)
	return r
}

func allowAll(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

// requestID propagates or assigns X-Request-ID, stores a tagged logger in the
// request context and writes one access log line per request.
func requestID(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)

		entry := log.WithField(requestIDKey, id)
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), entry))

		start := time.Now()
		c.Next()

		entry.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
		}).Info("Request handled")
	}
}
