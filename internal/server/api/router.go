package api

import (
	"fmt"

	"vault/internal/server/config"
	"vault/internal/server/service"
	"vault/internal/server/session"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, sessions *session.Store, accounts *service.AccountService, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	e.Use(RequestLogger())
	e.Use(Sessions(sessions, accounts))

	// Rate limiter on upload endpoints only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Accounts
	e.POST("/api/login", handler.HandleLogin)
	e.GET("/api/logout", handler.HandleLogout)
	e.POST("/api/signup", handler.HandleSignup)

	// Download and info are open to visitors; access is gated per node by
	// the share resolver.
	e.GET("/d/:id", handler.HandleDownload)
	e.GET("/api/info/:id", handler.HandleInfo)

	// Everything below needs a logged-in user.
	authed := e.Group("", RequireUser())

	// Namespace operations
	authed.POST("/api/ls", handler.HandleList)
	authed.POST("/api/mkdir", handler.HandleMkdir)
	authed.POST("/api/rmdir", handler.HandleRmdir)
	authed.POST("/api/rename", handler.HandleRename)

	// Upload (rate-limited, size-capped)
	authed.POST("/api/upload", handler.HandleUpload, uploadLimiter.Middleware(),
		middleware.BodyLimit(fmt.Sprintf("%d", cfg.MaxFileSize)))
	authed.POST("/api/upload/probe", handler.HandleProbe)
	authed.POST("/api/instant", handler.HandleInstant, uploadLimiter.Middleware())

	// Shares
	authed.POST("/api/share/:id", handler.HandleShareCreate)
	authed.GET("/api/shares", handler.HandleShares)
	authed.DELETE("/api/share/:id", handler.HandleShareDelete)

	// Delete
	authed.DELETE("/api/file/:id", handler.HandleUnlink)

	return e
}
