package handlers

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"cardyard/market/internal/models"
	"cardyard/market/internal/services"
)

// --- Mocks for handler tests ---

type MockListingService struct {
	mock.Mock
}

func (m *MockListingService) CreateListing(ctx context.Context, userID primitive.ObjectID, title, game, condition string, price float64, city, state string) (*models.Listing, error) {
	args := m.Called(ctx, userID, title, game, condition, price, city, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *MockListingService) FindListingByID(ctx context.Context, listingID primitive.ObjectID) (*models.Listing, error) {
	args := m.Called(ctx, listingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *MockListingService) UpdateListing(ctx context.Context, listingID, userID primitive.ObjectID, updates map[string]interface{}) (*models.Listing, error) {
	args := m.Called(ctx, listingID, userID, updates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *MockListingService) MarkSold(ctx context.Context, listingID, userID primitive.ObjectID) error {
	args := m.Called(ctx, listingID, userID)
	return args.Error(0)
}

func (m *MockListingService) DeleteListing(ctx context.Context, listingID primitive.ObjectID) error {
	args := m.Called(ctx, listingID)
	return args.Error(0)
}

func (m *MockListingService) SearchListings(ctx context.Context, game, condition, state *string, limit int, cursor *string) ([]models.Listing, string, error) {
	args := m.Called(ctx, game, condition, state, limit, cursor)
	var listings []models.Listing
	if args.Get(0) != nil {
		listings = args.Get(0).([]models.Listing)
	}
	return listings, args.String(1), args.Error(2)
}

func (m *MockListingService) FindListingsByUserID(ctx context.Context, userID primitive.ObjectID) ([]models.Listing, error) {
	args := m.Called(ctx, userID)
	var listings []models.Listing
	if args.Get(0) != nil {
		listings = args.Get(0).([]models.Listing)
	}
	return listings, args.Error(1)
}

func (m *MockListingService) AddImageToListing(ctx context.Context, listingID primitive.ObjectID, imageKey string) error {
	args := m.Called(ctx, listingID, imageKey)
	return args.Error(0)
}

func (m *MockListingService) FindByStatusPage(ctx context.Context, status models.ListingStatus, afterID *primitive.ObjectID, limit int) ([]models.Listing, error) {
	args := m.Called(ctx, status, afterID, limit)
	var listings []models.Listing
	if args.Get(0) != nil {
		listings = args.Get(0).([]models.Listing)
	}
	return listings, args.Error(1)
}

func (m *MockListingService) FindArchivedMissingTTLPage(ctx context.Context, afterID *primitive.ObjectID, limit int) ([]models.Listing, error) {
	args := m.Called(ctx, afterID, limit)
	var listings []models.Listing
	if args.Get(0) != nil {
		listings = args.Get(0).([]models.Listing)
	}
	return listings, args.Error(1)
}

func (m *MockListingService) FindExpiringSoon(ctx context.Context, now, before time.Time, limit int) ([]models.Listing, error) {
	args := m.Called(ctx, now, before, limit)
	var listings []models.Listing
	if args.Get(0) != nil {
		listings = args.Get(0).([]models.Listing)
	}
	return listings, args.Error(1)
}

func (m *MockListingService) MarkExpiryWarned(ctx context.Context, listingID primitive.ObjectID) error {
	args := m.Called(ctx, listingID)
	return args.Error(0)
}

type MockLifecycleService struct {
	mock.Mock
}

func (m *MockLifecycleService) Archive(ctx context.Context, listingID primitive.ObjectID, ownerID *primitive.ObjectID, reason string) error {
	args := m.Called(ctx, listingID, ownerID, reason)
	return args.Error(0)
}

func (m *MockLifecycleService) Restore(ctx context.Context, listingID primitive.ObjectID, ownerID *primitive.ObjectID) (*models.Listing, error) {
	args := m.Called(ctx, listingID, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *MockLifecycleService) Sweep(ctx context.Context) (*services.SweepReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.SweepReport), args.Error(1)
}

func (m *MockLifecycleService) Repair(ctx context.Context, listingID primitive.ObjectID, createdAtOverride interface{}) (string, error) {
	args := m.Called(ctx, listingID, createdAtOverride)
	return args.String(0), args.Error(1)
}

func (m *MockLifecycleService) RecomputeExpirationsForUser(ctx context.Context, userID primitive.ObjectID) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type MockUserService struct {
	mock.Mock
}

func (m *MockUserService) FindByID(ctx context.Context, userID primitive.ObjectID) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserService) CreateUser(ctx context.Context, email, displayName, tier string) (*models.User, error) {
	args := m.Called(ctx, email, displayName, tier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserService) SetAccountTier(ctx context.Context, userID primitive.ObjectID, tier string) error {
	args := m.Called(ctx, userID, tier)
	return args.Error(0)
}

type MockS3Storage struct {
	mock.Mock
}

func (m *MockS3Storage) GeneratePresignedPutURL(ctx context.Context, userID, listingID, filename, contentType string) (string, string, error) {
	args := m.Called(ctx, userID, listingID, filename, contentType)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockS3Storage) Client() *s3.Client {
	return nil
}

type MockAsynqClient struct {
	mock.Mock
}

func (m *MockAsynqClient) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*asynq.TaskInfo), args.Error(1)
}
