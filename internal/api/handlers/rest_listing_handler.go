package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"cardyard/market/internal/api/middleware"
	"cardyard/market/internal/lifecycle"
	"cardyard/market/internal/models"
	"cardyard/market/internal/services"
	"cardyard/market/internal/storage"
	"cardyard/market/internal/tasks"
)

// IAsynqClient abstracts the asynq client for handler tests.
type IAsynqClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RestListingHandler handles REST requests for listings.
type RestListingHandler struct {
	listingService   services.IListingService
	lifecycleService services.ILifecycleService
	storageService   storage.IS3Storage
	taskClient       IAsynqClient
}

// NewRestListingHandler creates a new RestListingHandler.
func NewRestListingHandler(
	listingService services.IListingService,
	lifecycleService services.ILifecycleService,
	storageService storage.IS3Storage,
	taskClient IAsynqClient,
) *RestListingHandler {
	return &RestListingHandler{
		listingService:   listingService,
		lifecycleService: lifecycleService,
		storageService:   storageService,
		taskClient:       taskClient,
	}
}

// currentUserID extracts the authenticated user's ID from the Gin context.
func currentUserID(c *gin.Context) (primitive.ObjectID, bool) {
	raw, exists := c.Get(middleware.ContextKeyUserID)
	if !exists {
		return primitive.NilObjectID, false
	}
	hex, ok := raw.(string)
	if !ok {
		return primitive.NilObjectID, false
	}
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, false
	}
	return id, true
}

// SearchListings handles GET /v1/listing/search
func (h *RestListingHandler) SearchListings(c *gin.Context) {
	game := c.Query("game")
	condition := c.Query("condition")
	state := c.Query("state")
	limitStr := c.DefaultQuery("limit", "50")
	cursor := c.Query("cursor")

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}

	var gamePtr, conditionPtr, statePtr, cursorPtr *string
	if game != "" {
		gamePtr = &game
	}
	if condition != "" {
		conditionPtr = &condition
	}
	if state != "" {
		statePtr = &state
	}
	if cursor != "" {
		cursorPtr = &cursor
	}

	listings, nextCursor, err := h.listingService.SearchListings(c.Request.Context(), gamePtr, conditionPtr, statePtr, limit, cursorPtr)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to search listings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":        listings,
		"next_cursor": nextCursor,
	})
}

// GetListingByID handles GET /v1/listing/:id
func (h *RestListingHandler) GetListingByID(c *gin.Context) {
	listingID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	listing, err := h.listingService.FindListingByID(c.Request.Context(), listingID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listing"})
		}
		return
	}

	c.JSON(http.StatusOK, listing)
}

// GetUserListings handles GET /v1/user/:id/listing
func (h *RestListingHandler) GetUserListings(c *gin.Context) {
	userID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	listings, err := h.listingService.FindListingsByUserID(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch listings"})
		return
	}
	c.JSON(http.StatusOK, listings)
}

type createListingRequest struct {
	Title     string  `json:"title" binding:"required"`
	Game      string  `json:"game" binding:"required"`
	Condition string  `json:"condition" binding:"required"`
	Price     float64 `json:"price" binding:"required"`
	City      string  `json:"city"`
	State     string  `json:"state"`
}

// CreateListing handles POST /v1/listing
func (h *RestListingHandler) CreateListing(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	listing, err := h.listingService.CreateListing(c.Request.Context(), userID,
		req.Title, req.Game, req.Condition, req.Price, req.City, req.State)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create listing"})
		return
	}

	c.JSON(http.StatusCreated, listing)
}

// UpdateListing handles PUT /v1/listing/:id
func (h *RestListingHandler) UpdateListing(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	listingID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	listing, err := h.listingService.UpdateListing(c.Request.Context(), listingID, userID, updates)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, listing)
}

// ArchiveListing handles POST /v1/listing/:id/archive
func (h *RestListingHandler) ArchiveListing(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	listingID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	err = h.lifecycleService.Archive(c.Request.Context(), listingID, &userID, models.TTLReasonOwnerArchive)
	if err != nil {
		if errors.Is(err, lifecycle.ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"archived": true})
}

// RestoreListing handles POST /v1/listing/:id/restore
func (h *RestListingHandler) RestoreListing(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	listingID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	listing, err := h.lifecycleService.Restore(c.Request.Context(), listingID, &userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if listing == nil {
		// Already removed by the store. A no-op, not a failure.
		c.JSON(http.StatusOK, gin.H{"restored": false, "message": "Listing no longer exists"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"restored": true, "listing": listing})
}

// MarkSold handles POST /v1/listing/:id/sold
func (h *RestListingHandler) MarkSold(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	listingID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	if err := h.listingService.MarkSold(c.Request.Context(), listingID, userID); err != nil {
		if errors.Is(err, lifecycle.ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sold": true})
}

type photoUploadRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
}

// GetPhotoUploadURL handles POST /v1/listing/:id/photo-upload-url
func (h *RestListingHandler) GetPhotoUploadURL(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	listingID, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid listing ID format"})
		return
	}

	var req photoUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	listing, err := h.listingService.FindListingByID(c.Request.Context(), listingID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listing"})
		}
		return
	}
	if listing.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your listing"})
		return
	}

	url, objectKey, err := h.storageService.GeneratePresignedPutURL(c.Request.Context(),
		userID.Hex(), listingID.Hex(), req.Filename, req.ContentType)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate upload URL"})
		return
	}

	// Schedule normalization after the client has had time to upload.
	payload, _ := json.Marshal(tasks.CardPhotoPayload{S3Key: objectKey, ListingID: listingID.Hex()})
	task := asynq.NewTask(tasks.TypeCardPhotoProcess, payload)
	if _, err := h.taskClient.EnqueueContext(c.Request.Context(), task,
		asynq.ProcessIn(time.Minute), asynq.Queue("images")); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule photo processing"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"upload_url": url,
		"object_key": objectKey,
	})
}
