package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"cardyard/market/internal/lifecycle"
	"cardyard/market/internal/models"
	"cardyard/market/internal/services"
	"cardyard/market/internal/tasks"
)

// RestAdminHandler handles administrative REST endpoints.
type RestAdminHandler struct {
	lifecycleService services.ILifecycleService
	userService      services.IUserService
	taskClient       IAsynqClient
}

// NewRestAdminHandler creates a new RestAdminHandler.
func NewRestAdminHandler(
	lifecycleService services.ILifecycleService,
	userService services.IUserService,
	taskClient IAsynqClient,
) *RestAdminHandler {
	return &RestAdminHandler{
		lifecycleService: lifecycleService,
		userService:      userService,
		taskClient:       taskClient,
	}
}

// TriggerSweep handles POST /v1/admin/sweep. It enqueues an immediate sweep
// run on top of the scheduled cycle.
func (h *RestAdminHandler) TriggerSweep(c *gin.Context) {
	task := asynq.NewTask(tasks.TypeLifecycleSweep, nil)
	info, err := h.taskClient.EnqueueContext(c.Request.Context(), task, asynq.Queue("critical"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue sweep"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": info.ID})
}

type repairRequest struct {
	// Optional creation instant override: RFC3339 string, unix milliseconds
	// or null. Used when a listing's stored timestamps are damaged.
	CreatedAt interface{} `json:"created_at"`
}

// RepairListing handles POST /v1/admin/listing/:id/repair
func (h *RestAdminHandler) RepairListing(c *gin.Context) {
	listingID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	var req repairRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	action, err := h.lifecycleService.Repair(c.Request.Context(), listingID, req.CreatedAt)
	if err != nil {
		if errors.Is(err, lifecycle.ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
			return
		}
		if errors.Is(err, lifecycle.ErrUnparseableDate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Repair failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"action": action})
}

type setTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// SetUserTier handles PUT /v1/admin/user/:id/tier. Changing the tier
// immediately re-derives the expiration of the user's active listings;
// archived listings keep their scheduled removal.
func (h *RestAdminHandler) SetUserTier(c *gin.Context) {
	userID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	var req setTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if req.Tier != models.TierFree && req.Tier != models.TierPremium {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown tier: " + req.Tier})
		return
	}

	if err := h.userService.SetAccountTier(c.Request.Context(), userID, req.Tier); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update tier"})
		return
	}

	updated, err := h.lifecycleService.RecomputeExpirationsForUser(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Tier updated but expiration recompute failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tier":             req.Tier,
		"listings_updated": updated,
	})
}
