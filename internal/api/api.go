// Package api serves the HTTP endpoints and the websocket upgrade over gin.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/manpreetbhatti/codehive/internal/assistant"
	"github.com/manpreetbhatti/codehive/internal/chat"
	"github.com/manpreetbhatti/codehive/internal/execute"
	"github.com/manpreetbhatti/codehive/internal/fileset"
	"github.com/manpreetbhatti/codehive/internal/metrics"
	"github.com/manpreetbhatti/codehive/internal/packages"
	"github.com/manpreetbhatti/codehive/internal/ratelimit"
	"github.com/manpreetbhatti/codehive/internal/session"
	"github.com/manpreetbhatti/codehive/internal/store"
	"github.com/manpreetbhatti/codehive/internal/ws"
)

const defaultMaxUploadBytes = 10 << 20

type Deps struct {
	Store     store.Store
	Hub       *ws.Hub
	Sessions  *session.Service
	Files     *fileset.Manager
	Chat      *chat.Service
	Executor  *execute.Dispatcher
	Packages  *packages.Service
	Assistant *assistant.Client

	// Optional; nil disables rate limiting
	Limiter ratelimit.Policy
	Metrics *metrics.Metrics
	Log     *slog.Logger

	AllowedOrigins []string
	MaxUploadBytes int64
}

type API struct {
	Deps
}

func New(deps Deps) *API {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUploadBytes
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	return &API{Deps: deps}
}

// Router builds the gin engine serving the HTTP API and the websocket endpoint
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), a.requestLogger(), a.requestMetrics())
	router.Use(cors.New(a.corsConfig()))

	router.GET("/ws", a.WebsocketHandler)
	router.GET("/health", a.HealthHandler)
	router.GET("/metrics", gin.WrapH(a.Metrics.Handler()))

	api := router.Group("/api")
	api.GET("/stats", a.StatsHandler)
	api.GET("/languages", a.LanguagesHandler)

	api.POST("/teams", a.CreateTeamHandler)
	api.POST("/login", a.LoginHandler)

	api.GET("/files/:project/:language", a.FilesHandler)
	api.POST("/run", a.rateLimit("run"), a.RunHandler)

	api.GET("/messages/:project", a.ListMessagesHandler)
	api.POST("/messages", a.SendMessageHandler)
	api.POST("/delete_message", a.DeleteMessageHandler)
	api.POST("/share_file", a.ShareFileHandler)
	api.GET("/uploads/:id", a.DownloadHandler)

	api.POST("/install_pkg", a.InstallPackageHandler)
	api.POST("/list_packages", a.ListPackagesHandler)

	api.POST("/explain_error", a.rateLimit("assistant"), a.ExplainErrorHandler)
	api.POST("/ai_complete", a.rateLimit("assistant"), a.CompleteHandler)

	return router
}

func (a *API) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(a.AllowedOrigins) == 1 && a.AllowedOrigins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = a.AllowedOrigins
	}
	return cfg
}

func jsonResponse(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

func errorResponse(c *gin.Context, status int, message string) {
	jsonResponse(c, status, gin.H{"error": message})
}

// handleError maps domain errors to statuses. Unexpected errors are logged
// and hidden from the caller.
func (a *API) handleError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.Log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		errorResponse(c, status, "internal server error")
		return
	}
	errorResponse(c, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrInvalidLogin):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrProjectTaken), errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, chat.ErrInvalidInput),
		errors.Is(err, fileset.ErrMissingField),
		errors.Is(err, fileset.ErrReservedLanguage),
		errors.Is(err, packages.ErrInvalidInput),
		errors.Is(err, packages.ErrInvalidLanguage):
		return http.StatusBadRequest
	case errors.Is(err, assistant.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		a.Log.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (a *API) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		a.Metrics.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// rateLimit applies the limiter per client IP and bucket
func (a *API) rateLimit(bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Limiter == nil {
			c.Next()
			return
		}
		if !a.Limiter.Allow(c.Request.Context(), bucket+":"+c.ClientIP()) {
			a.Metrics.RateLimited(c.FullPath())
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}
