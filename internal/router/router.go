package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	violationLimiter *middleware.RateLimiter,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Candidate Group (JWT) ──────────────────────────────────────
	candidateAPI := router.Group("/api/v1/candidate/sessions")
	candidateAPI.Use(middleware.RequireCandidateJWT(authService))
	{
		candidateAPI.POST("", handlers.Session.LaunchSession)

		byID := candidateAPI.Group("/:id", middleware.RequireSessionMatch())
		{
			byID.GET("", handlers.Session.GetSession)
			byID.PUT("/answers/:index", handlers.Session.SelectAnswer)
			byID.POST("/flags/:index", handlers.Session.ToggleFlag)
			byID.POST("/navigate/:index", handlers.Session.Navigate)
			byID.POST("/next", handlers.Session.Next)
			byID.POST("/previous", handlers.Session.Previous)
			byID.POST("/violations", violationLimiter.Middleware(), handlers.Session.RecordViolation)
			byID.POST("/warnings/:seq/dismiss", handlers.Session.DismissWarning)
			byID.POST("/submit", handlers.Session.RequestSubmit)
			byID.POST("/submit/confirm", handlers.Session.ConfirmSubmit)
			byID.POST("/submit/cancel", handlers.Session.CancelSubmit)
			byID.POST("/submit/retry", handlers.Session.RetrySubmit)
		}
	}

	// ─── 2. WebSocket Group (token in query) ───────────────────────────
	ws := router.Group("/ws/v1/candidate/sessions")
	ws.Use(middleware.RequireCandidateJWT(authService))
	{
		ws.GET("/:id/stream", middleware.RequireSessionMatch(), handlers.WS.SessionStream)
	}

	return router
}
