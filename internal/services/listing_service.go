package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cardyard/market/internal/config"
	"cardyard/market/internal/db"
	"cardyard/market/internal/lifecycle"
	"cardyard/market/internal/models"
)

// IListingService defines the interface for listing CRUD and queries. All
// lifecycle transitions (archive, restore, sweep) live in ILifecycleService.
type IListingService interface {
	CreateListing(ctx context.Context, userID primitive.ObjectID, title, game, condition string, price float64, city, state string) (*models.Listing, error)
	FindListingByID(ctx context.Context, listingID primitive.ObjectID) (*models.Listing, error)
	UpdateListing(ctx context.Context, listingID, userID primitive.ObjectID, updates map[string]interface{}) (*models.Listing, error)
	MarkSold(ctx context.Context, listingID, userID primitive.ObjectID) error
	DeleteListing(ctx context.Context, listingID primitive.ObjectID) error
	SearchListings(ctx context.Context, game, condition, state *string, limit int, cursor *string) ([]models.Listing, string, error)
	FindListingsByUserID(ctx context.Context, userID primitive.ObjectID) ([]models.Listing, error)
	AddImageToListing(ctx context.Context, listingID primitive.ObjectID, imageKey string) error
	// Sweep support: cursor-paged scans and the expiry-warning queue.
	FindByStatusPage(ctx context.Context, status models.ListingStatus, afterID *primitive.ObjectID, limit int) ([]models.Listing, error)
	FindArchivedMissingTTLPage(ctx context.Context, afterID *primitive.ObjectID, limit int) ([]models.Listing, error)
	FindExpiringSoon(ctx context.Context, now, before time.Time, limit int) ([]models.Listing, error)
	MarkExpiryWarned(ctx context.Context, listingID primitive.ObjectID) error
}

const listingsCollection = "listings"

// listingService implements IListingService.
type listingService struct {
	db    *mongo.Database
	cfg   *config.Config
	tiers ITierService
}

// NewListingService creates a new ListingService.
func NewListingService(db *mongo.Database, cfg *config.Config, tiers ITierService) IListingService {
	return &listingService{db: db, cfg: cfg, tiers: tiers}
}

// CreateListing creates a new active listing. The expiration instant is
// computed from the owner's current tier; original_created_at is fixed here
// and never modified again, so restores after an archive cycle recompute
// from the true creation instant.
func (s *listingService) CreateListing(ctx context.Context, userID primitive.ObjectID, title, game, condition string, price float64, city, state string) (*models.Listing, error) {
	collection := s.db.Collection(listingsCollection)
	now := time.Now().UTC()

	hours, err := s.tiers.DurationHoursForUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, lifecycle.ErrTierLookupFailed) {
			return nil, fmt.Errorf("failed to resolve tier for user %s: %w", userID.Hex(), err)
		}
		log.Printf("WARN: tier lookup failed for user %s, using conservative duration %dh: %v", userID.Hex(), hours, err)
	}
	expiresAt := lifecycle.ComputeExpiration(now, hours)

	var newListing *models.Listing
	operation := func() error {
		newListing = &models.Listing{
			ID:                primitive.NewObjectID(),
			UserID:            userID,
			Title:             title,
			Game:              game,
			Condition:         condition,
			Price:             price,
			City:              city,
			State:             state,
			Images:            []string{},
			Status:            models.StatusActive,
			CreatedAt:         now,
			UpdatedAt:         now,
			OriginalCreatedAt: &now,
			ExpiresAt:         &expiresAt,
		}
		_, insertErr := collection.InsertOne(ctx, newListing)
		return insertErr
	}

	if err := db.Try(operation); err != nil {
		return nil, fmt.Errorf("failed to insert new listing for user %s after multiple retries: %w", userID.Hex(), err)
	}
	return newListing, nil
}

// FindListingByID finds a listing by its ID. It does NOT check ownership.
func (s *listingService) FindListingByID(ctx context.Context, listingID primitive.ObjectID) (*models.Listing, error) {
	var listing models.Listing
	err := s.db.Collection(listingsCollection).FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding listing by ID %s: %w", listingID.Hex(), err)
	}
	return &listing, nil
}

// UpdateListing updates mutable fields of an active listing owned by the
// specified user. Status and lifecycle fields cannot be touched here; use
// the lifecycle service for transitions.
func (s *listingService) UpdateListing(ctx context.Context, listingID, userID primitive.ObjectID, updates map[string]interface{}) (*models.Listing, error) {
	collection := s.db.Collection(listingsCollection)

	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "title", "game", "condition", "price", "city", "state":
			allowedUpdates[key] = value
		default:
			return nil, fmt.Errorf("field '%s' cannot be updated via UpdateListing", key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, fmt.Errorf("no valid fields provided for update")
	}
	allowedUpdates["updated_at"] = time.Now().UTC()

	filter := bson.M{
		"_id":     listingID,
		"user_id": userID,
		"status":  models.StatusActive,
	}
	update := bson.M{"$set": allowedUpdates}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updatedListing models.Listing
	err := collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updatedListing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("listing not found, not owned by user, or not active")
		}
		return nil, fmt.Errorf("failed to update listing %s: %w", listingID.Hex(), err)
	}
	return &updatedListing, nil
}

// MarkSold moves an active listing to sold (order fulfillment outcome).
func (s *listingService) MarkSold(ctx context.Context, listingID, userID primitive.ObjectID) error {
	collection := s.db.Collection(listingsCollection)
	now := time.Now().UTC()

	filter := bson.M{
		"_id":     listingID,
		"user_id": userID,
		"status":  models.StatusActive,
	}
	update := bson.M{
		"$set":   bson.M{"status": models.StatusSold, "updated_at": now},
		"$unset": bson.M{"expires_at": "", "expiry_warned_at": ""},
	}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error marking listing %s sold: %w", listingID.Hex(), err)
	}
	if result.MatchedCount == 0 {
		// Diagnose why the conditional update matched nothing.
		var listing models.Listing
		checkErr := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
		if errors.Is(checkErr, mongo.ErrNoDocuments) {
			return fmt.Errorf("listing %s: %w", listingID.Hex(), lifecycle.ErrListingNotFound)
		}
		if checkErr != nil {
			return fmt.Errorf("db error checking listing %s: %w", listingID.Hex(), checkErr)
		}
		if listing.UserID != userID {
			return fmt.Errorf("listing %s does not belong to user %s", listingID.Hex(), userID.Hex())
		}
		if listing.Status == models.StatusSold {
			return nil // already sold
		}
		return fmt.Errorf("listing %s cannot be marked sold from status %s", listingID.Hex(), listing.Status)
	}
	return nil
}

// DeleteListing physically removes a listing (administrative delete; the
// normal path is the store's TTL sweep honoring delete_at).
func (s *listingService) DeleteListing(ctx context.Context, listingID primitive.ObjectID) error {
	result, err := s.db.Collection(listingsCollection).DeleteOne(ctx, bson.M{"_id": listingID})
	if err != nil {
		return fmt.Errorf("db error deleting listing %s: %w", listingID.Hex(), err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("listing %s: %w", listingID.Hex(), lifecycle.ErrListingNotFound)
	}
	return nil
}

// SearchListings returns active listings filtered by game/condition/state,
// newest first, with _id-based cursor pagination.
func (s *listingService) SearchListings(ctx context.Context, game, condition, state *string, limit int, cursor *string) ([]models.Listing, string, error) {
	collection := s.db.Collection(listingsCollection)

	filter := bson.M{"status": models.StatusActive}
	if game != nil && *game != "" {
		filter["game"] = *game
	}
	if condition != nil && *condition != "" {
		filter["condition"] = *condition
	}
	if state != nil && *state != "" {
		filter["state"] = *state
	}

	if cursor != nil && *cursor != "" {
		lastID, err := primitive.ObjectIDFromHex(*cursor)
		if err != nil {
			log.Printf("WARN: invalid search cursor received: %s", *cursor)
		} else {
			filter["_id"] = bson.M{"$lt": lastID}
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))

	listCursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", fmt.Errorf("failed to execute listing search query: %w", err)
	}
	defer listCursor.Close(ctx)

	var results []models.Listing
	if err = listCursor.All(ctx, &results); err != nil {
		return nil, "", fmt.Errorf("failed to decode listing search results: %w", err)
	}

	nextCursor := ""
	if len(results) > limit {
		results = results[:limit]
		nextCursor = results[limit-1].ID.Hex()
	}
	return results, nextCursor, nil
}

// FindListingsByUserID returns a user's active listings (public profile view).
func (s *listingService) FindListingsByUserID(ctx context.Context, userID primitive.ObjectID) ([]models.Listing, error) {
	filter := bson.M{"user_id": userID, "status": models.StatusActive}
	cursor, err := s.db.Collection(listingsCollection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query listings for user %s: %w", userID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var listings []models.Listing
	if err = cursor.All(ctx, &listings); err != nil {
		return nil, fmt.Errorf("failed to decode listings for user %s: %w", userID.Hex(), err)
	}
	return listings, nil
}

// AddImageToListing adds a processed photo key to a listing's image array.
// Called by the photo processing task once normalization is done.
func (s *listingService) AddImageToListing(ctx context.Context, listingID primitive.ObjectID, imageKey string) error {
	collection := s.db.Collection(listingsCollection)

	update := bson.M{
		"$addToSet": bson.M{"images": imageKey},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	}
	result, err := collection.UpdateOne(ctx, bson.M{"_id": listingID}, update)
	if err != nil {
		return fmt.Errorf("db error adding image %s to listing %s: %w", imageKey, listingID.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("listing %s: %w", listingID.Hex(), lifecycle.ErrListingNotFound)
	}
	return nil
}

// FindByStatusPage returns one page of listings in the given status,
// ordered by _id so repeated calls with the last seen ID walk the whole
// collection without skipping or repeating documents.
func (s *listingService) FindByStatusPage(ctx context.Context, status models.ListingStatus, afterID *primitive.ObjectID, limit int) ([]models.Listing, error) {
	filter := bson.M{"status": status}
	if afterID != nil {
		filter["_id"] = bson.M{"$gt": *afterID}
	}
	return s.findPage(ctx, filter, limit)
}

// FindArchivedMissingTTLPage returns archived listings that have no
// delete_at: stuck from a partial write, awaiting repair.
func (s *listingService) FindArchivedMissingTTLPage(ctx context.Context, afterID *primitive.ObjectID, limit int) ([]models.Listing, error) {
	filter := bson.M{
		"status":    models.StatusArchived,
		"delete_at": bson.M{"$exists": false},
	}
	if afterID != nil {
		filter["_id"] = bson.M{"$gt": *afterID}
	}
	return s.findPage(ctx, filter, limit)
}

// FindExpiringSoon returns active listings expiring in (now, before] that
// have not yet been warned about.
func (s *listingService) FindExpiringSoon(ctx context.Context, now, before time.Time, limit int) ([]models.Listing, error) {
	filter := bson.M{
		"status":           models.StatusActive,
		"expires_at":       bson.M{"$gt": now, "$lte": before},
		"expiry_warned_at": bson.M{"$exists": false},
	}
	return s.findPage(ctx, filter, limit)
}

// MarkExpiryWarned records that the expiring-soon notice has been queued.
func (s *listingService) MarkExpiryWarned(ctx context.Context, listingID primitive.ObjectID) error {
	update := bson.M{"$set": bson.M{"expiry_warned_at": time.Now().UTC()}}
	_, err := s.db.Collection(listingsCollection).UpdateOne(ctx, bson.M{"_id": listingID}, update)
	if err != nil {
		return fmt.Errorf("db error marking listing %s expiry-warned: %w", listingID.Hex(), err)
	}
	return nil
}

func (s *listingService) findPage(ctx context.Context, filter bson.M, limit int) ([]models.Listing, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.db.Collection(listingsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query listing page: %w", err)
	}
	defer cursor.Close(ctx)

	var listings []models.Listing
	if err = cursor.All(ctx, &listings); err != nil {
		return nil, fmt.Errorf("failed to decode listing page: %w", err)
	}
	return listings, nil
}
