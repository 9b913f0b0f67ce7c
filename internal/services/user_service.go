package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"cardyard/market/internal/db"
	"cardyard/market/internal/models"
)

// IUserService defines the interface for user-related operations.
type IUserService interface {
	FindByID(ctx context.Context, userID primitive.ObjectID) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, email, displayName, tier string) (*models.User, error)
	// SetAccountTier changes a user's tier. Callers must follow up with
	// ILifecycleService.RecomputeExpirationsForUser: tier determines the
	// active lifetime of every one of the owner's listings.
	SetAccountTier(ctx context.Context, userID primitive.ObjectID, tier string) error
}

const usersCollection = "users"

// userService implements IUserService.
type userService struct {
	db *mongo.Database
}

// NewUserService creates a new UserService.
func NewUserService(db *mongo.Database) IUserService {
	return &userService{db: db}
}

// FindByID finds a non-deleted user by ID.
func (s *userService) FindByID(ctx context.Context, userID primitive.ObjectID) (*models.User, error) {
	var user models.User
	filter := bson.M{"_id": userID, "deleted": false}
	err := s.db.Collection(usersCollection).FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by ID %s: %w", userID.Hex(), err)
	}
	return &user, nil
}

// FindByEmail finds a non-deleted user by email address.
func (s *userService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	filter := bson.M{"email": email, "deleted": false}
	err := s.db.Collection(usersCollection).FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by email: %w", err)
	}
	return &user, nil
}

// CreateUser creates a new marketplace account on the given tier.
func (s *userService) CreateUser(ctx context.Context, email, displayName, tier string) (*models.User, error) {
	if tier == "" {
		tier = models.TierFree
	}
	now := time.Now().UTC()
	user := &models.User{
		ID:          primitive.NewObjectID(),
		Email:       email,
		DisplayName: displayName,
		AccountTier: tier,
		NotificationPreferences: &models.NotificationPreferences{
			ListingExpiring: true,
			ListingArchived: true,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	operation := func() error {
		user.ID = primitive.NewObjectID()
		_, insertErr := s.db.Collection(usersCollection).InsertOne(ctx, user)
		return insertErr
	}
	if err := db.Try(operation); err != nil {
		return nil, fmt.Errorf("failed to insert user %s after multiple retries: %w", email, err)
	}
	return user, nil
}

// SetAccountTier updates the account tier of a user.
func (s *userService) SetAccountTier(ctx context.Context, userID primitive.ObjectID, tier string) error {
	filter := bson.M{"_id": userID, "deleted": false}
	update := bson.M{"$set": bson.M{
		"account_tier": tier,
		"updated_at":   time.Now().UTC(),
	}}

	result, err := s.db.Collection(usersCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error setting tier for user %s: %w", userID.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
