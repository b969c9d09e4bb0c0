package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/aegisd/aegis/internal/api/handlers"
	"github.com/aegisd/aegis/internal/api/middleware"
	"github.com/aegisd/aegis/internal/gatekeeper"
	"github.com/aegisd/aegis/internal/models"
	"github.com/aegisd/aegis/internal/services"
)

// Services bundles the wired service layer for route registration.
type Services struct {
	Auth      *services.AuthService
	Detector  *services.DetectorService
	Incidents *services.IncidentService
	Blocker   *services.BlockerService
	Whitelist *services.WhitelistService
	Gate      *gatekeeper.Gatekeeper
}

// Register wires up API routes and performs automatic migrations.
func Register(router *gin.Engine, db *gorm.DB, svcs Services) error {
	if err := db.AutoMigrate(
		&models.Incident{},
		&models.OffenseHistory{},
		&models.BlockedIP{},
		&models.WhitelistEntry{},
		&models.User{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	router.GET("/api/v1/health", handlers.HealthHandler)

	api := router.Group("/api/v1")

	authHandler := handlers.NewAuthHandler(svcs.Auth)
	securityHandler := handlers.NewSecurityHandler(svcs.Detector, svcs.Incidents)
	incidentHandler := handlers.NewIncidentHandler(svcs.Incidents)
	blockHandler := handlers.NewBlockHandler(svcs.Blocker, svcs.Gate)
	whitelistHandler := handlers.NewWhitelistHandler(svcs.Whitelist)

	api.POST("/auth/login", authHandler.Login)

	// Collaborator surface: event ingestion and block lookups used by the
	// rest of the platform and the edge layer.
	api.POST("/events", securityHandler.ReportEvent)
	api.POST("/bulk-operations", securityHandler.ReportBulkOperation)
	api.GET("/check/:ip", blockHandler.FastCheck)
	api.GET("/blocked-ips/:ip", blockHandler.Check)

	protected := api.Group("/")
	protected.Use(middleware.Auth(svcs.Auth))
	{
		protected.GET("/auth/me", authHandler.Me)

		protected.POST("/vendor-breaches", securityHandler.ReportVendorBreach)

		protected.GET("/incidents", incidentHandler.List)
		protected.GET("/incidents/stats", incidentHandler.Stats)
		protected.PATCH("/incidents/:id", incidentHandler.Update)

		protected.GET("/blocked-ips", blockHandler.List)
		protected.GET("/blocked-ips/:ip/offenses", blockHandler.Offenses)
		protected.POST("/blocked-ips", blockHandler.Block)
		protected.DELETE("/blocked-ips/:ip", blockHandler.Unblock)

		protected.GET("/whitelist", whitelistHandler.List)
		protected.POST("/whitelist", whitelistHandler.Add)
		protected.DELETE("/whitelist/:ip", whitelistHandler.Remove)
	}

	return nil
}
