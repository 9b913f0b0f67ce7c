package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"cardyard/market/internal/api/handlers"
	"cardyard/market/internal/api/middleware"
	"cardyard/market/internal/config"
	"cardyard/market/internal/services"
	"cardyard/market/internal/storage"
)

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(cfg *config.Config, db *mongo.Database, taskClient handlers.IAsynqClient) *gin.Engine {
	// Services needed by API handlers.
	tierService := services.NewTierService(db, cfg)
	userService := services.NewUserService(db)
	listingService := services.NewListingService(db, cfg, tierService)
	lifecycleService := services.NewLifecycleService(db, cfg, listingService, tierService)
	s3StorageService, err := storage.NewS3Storage(cfg)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to initialize S3 storage for API: %v", err)
	}

	r := gin.Default()

	rateLimiter := middleware.NewRateLimiterMiddleware(cfg)
	r.Use(middleware.CORSMiddleware())
	r.Use(rateLimiter.Limit())

	restListingHandler := handlers.NewRestListingHandler(listingService, lifecycleService, s3StorageService, taskClient)
	restAdminHandler := handlers.NewRestAdminHandler(lifecycleService, userService, taskClient)

	v1 := r.Group("/v1")
	{
		// Public routes.
		v1.GET("/listing/search", restListingHandler.SearchListings)
		v1.GET("/listing/:id", restListingHandler.GetListingByID)
		v1.GET("/user/:id/listing", restListingHandler.GetUserListings)

		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		// Authenticated owner routes.
		authRequired := v1.Group("/")
		authRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret))
		{
			authRequired.POST("/listing", restListingHandler.CreateListing)
			authRequired.PUT("/listing/:id", restListingHandler.UpdateListing)
			authRequired.POST("/listing/:id/archive", restListingHandler.ArchiveListing)
			authRequired.POST("/listing/:id/restore", restListingHandler.RestoreListing)
			authRequired.POST("/listing/:id/sold", restListingHandler.MarkSold)
			authRequired.POST("/listing/:id/photo-upload-url", restListingHandler.GetPhotoUploadURL)
		}

		// Admin routes.
		adminRequired := v1.Group("/admin")
		adminRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret), middleware.AdminMiddleware())
		{
			adminRequired.POST("/sweep", restAdminHandler.TriggerSweep)
			adminRequired.POST("/listing/:id/repair", restAdminHandler.RepairListing)
			adminRequired.PUT("/user/:id/tier", restAdminHandler.SetUserTier)
		}
	}

	return r
}
