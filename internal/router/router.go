// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package router provides HTTP routing configuration for the recon server.
package router

import (
	"github.com/basaltsec/recon/backend/internal/handler"
	"github.com/basaltsec/recon/backend/internal/middleware"
	"github.com/basaltsec/recon/backend/internal/types"

	"github.com/gin-gonic/gin"
)

// Router manages HTTP request routing and handler registration.
type Router struct {
	scanHandler      *handler.ScanHandler
	streamHandler    *handler.StreamHandler
	targetHandler    *handler.TargetHandler
	findingHandler   *handler.FindingHandler
	dashboardHandler *handler.DashboardHandler
	reportHandler    *handler.ReportHandler
	presetHandler    *handler.PresetHandler
	authHandler      *handler.AuthHandler
	versionHandler   *handler.VersionHandler
	auth             *middleware.Authenticator
}

// New creates a new Router instance with the provided handlers.
func New(
	scanHandler *handler.ScanHandler,
	streamHandler *handler.StreamHandler,
	targetHandler *handler.TargetHandler,
	findingHandler *handler.FindingHandler,
	dashboardHandler *handler.DashboardHandler,
	reportHandler *handler.ReportHandler,
	presetHandler *handler.PresetHandler,
	authHandler *handler.AuthHandler,
	versionHandler *handler.VersionHandler,
	auth *middleware.Authenticator,
) *Router {
	return &Router{
		scanHandler:      scanHandler,
		streamHandler:    streamHandler,
		targetHandler:    targetHandler,
		findingHandler:   findingHandler,
		dashboardHandler: dashboardHandler,
		reportHandler:    reportHandler,
		presetHandler:    presetHandler,
		authHandler:      authHandler,
		versionHandler:   versionHandler,
		auth:             auth,
	}
}

// Setup initializes the Gin engine with middleware and routes.
// Middleware order: gin.Logger, gin.Recovery, CORS. Authentication is
// attached per route group so the scanner hook and the auth endpoints stay
// reachable without credentials.
func (r *Router) Setup(cfg *types.Config) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.CORS.AllowedOrigins))

	// Disable trusted proxy feature for security
	engine.SetTrustedProxies(nil)

	r.registerRoutes(engine)

	return engine
}

// registerRoutes registers all routes.
// Public endpoints:
//   - GET  /health                  - Liveness check
//   - GET  /api/version             - Build information
//   - POST /api/scans/hook          - Scanner status callback (always 200)
//   - GET  /api/auth/login          - Redirect to the OIDC provider
//   - GET  /api/auth/callback       - OIDC callback handler
//   - POST /api/auth/logout         - Drop the current session
//   - GET  /api/auth/userinfo       - Session information
//
// Authenticated endpoints:
//   - POST   /api/scans/start            - Submit a scan
//   - GET    /api/scans                  - List own scans
//   - GET    /api/scans/ws               - Scan-list stream (WebSocket)
//   - GET    /api/scans/ws/:uuid         - Per-scan live stream (WebSocket)
//   - GET    /api/scans/:uuid            - Scan details with live progress
//   - GET    /api/scans/:uuid/status     - Bare scan status
//   - GET    /api/scans/:uuid/findings   - Findings derived from a scan
//   - POST   /api/scans/:uuid/reports    - Request a report for a scan
//   - GET    /api/targets                - List own targets (paged)
//   - POST   /api/targets                - Create a target
//   - GET    /api/targets/:uuid          - Target details with counts
//   - DELETE /api/targets/:uuid          - Delete a target
//   - GET    /api/targets/:uuid/findings - Findings for one target
//   - GET    /api/findings               - List own findings (paged, filtered)
//   - GET    /api/reports                - List own reports
//   - GET    /api/reports/:uuid          - Report details
//   - GET    /api/dashboard/stats        - Per-user aggregates
//   - GET    /api/dashboard/open-ports   - Top open ports
//   - GET    /api/config                 - Saved scan preset
//   - POST   /api/config                 - Save scan preset
func (r *Router) registerRoutes(engine *gin.Engine) {
	engine.GET("/health", r.healthCheck)

	api := engine.Group("/api")
	{
		api.GET("/version", r.versionHandler.GetVersion)

		// Scanner callback; carries no user identity
		api.POST("/scans/hook", r.scanHandler.Hook)

		auth := api.Group("/auth")
		{
			auth.GET("/login", r.authHandler.Login)
			auth.GET("/callback", r.authHandler.Callback)
			auth.POST("/logout", r.authHandler.Logout)
			auth.GET("/userinfo", r.authHandler.UserInfo)
		}

		protected := api.Group("", r.auth.Middleware())
		{
			scans := protected.Group("/scans")
			{
				scans.POST("/start", r.scanHandler.StartScan)
				scans.GET("", r.scanHandler.ListScans)
				scans.GET("/ws", r.streamHandler.StreamScanList)
				scans.GET("/ws/:uuid", r.streamHandler.StreamScan)
				scans.GET("/:uuid", r.scanHandler.GetScan)
				scans.GET("/:uuid/status", r.scanHandler.GetScanStatus)
				scans.GET("/:uuid/findings", r.scanHandler.GetScanFindings)
				scans.POST("/:uuid/reports", r.reportHandler.CreateReport)
			}

			targets := protected.Group("/targets")
			{
				targets.GET("", r.targetHandler.ListTargets)
				targets.POST("", r.targetHandler.CreateTarget)
				targets.GET("/:uuid", r.targetHandler.GetTarget)
				targets.DELETE("/:uuid", r.targetHandler.DeleteTarget)
				targets.GET("/:uuid/findings", r.targetHandler.GetTargetFindings)
			}

			protected.GET("/findings", r.findingHandler.ListFindings)

			protected.GET("/reports", r.reportHandler.ListReports)
			protected.GET("/reports/:uuid", r.reportHandler.GetReport)

			dashboard := protected.Group("/dashboard")
			{
				dashboard.GET("/stats", r.dashboardHandler.GetStats)
				dashboard.GET("/open-ports", r.dashboardHandler.GetOpenPorts)
			}

			protected.GET("/config", r.presetHandler.GetPreset)
			protected.POST("/config", r.presetHandler.SavePreset)
		}
	}
}

// healthCheck is a simple liveness endpoint.
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
