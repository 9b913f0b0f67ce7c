package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"cardyard/market/internal/lifecycle"
	"cardyard/market/internal/models"
	"cardyard/market/internal/utils"
)

func TestTierService_Defaults(t *testing.T) {
	db := utils.SetupTestDB(t, "testdb_tier_service", "account_tiers", "users")
	cfg := testLifecycleConfig()
	svc := NewTierService(db, cfg)
	ctx := context.Background()

	require.NoError(t, svc.EnsureDefaults(ctx))

	hours, err := svc.DurationHoursForTier(ctx, models.TierFree)
	assert.NoError(t, err)
	assert.Equal(t, 48, hours)

	hours, err = svc.DurationHoursForTier(ctx, models.TierPremium)
	assert.NoError(t, err)
	assert.Equal(t, 720, hours)

	// EnsureDefaults doesn't clobber operator overrides.
	_, err = db.Collection(tiersCollection).UpdateOne(ctx,
		bson.M{"tier": models.TierFree},
		bson.M{"$set": bson.M{"listing_hours": 96}})
	require.NoError(t, err)
	require.NoError(t, svc.EnsureDefaults(ctx))

	hours, err = svc.DurationHoursForTier(ctx, models.TierFree)
	assert.NoError(t, err)
	assert.Equal(t, 96, hours)
}

func TestTierService_FallbackOnUnknownTier(t *testing.T) {
	db := utils.SetupTestDB(t, "testdb_tier_service_fallback", "account_tiers", "users")
	cfg := testLifecycleConfig()
	svc := NewTierService(db, cfg)
	ctx := context.Background()
	require.NoError(t, svc.EnsureDefaults(ctx))

	// Unknown tier: usable hours come back alongside the sentinel, and they
	// are the shortest configured duration. Expiring early is recoverable;
	// never expiring is a leak.
	hours, err := svc.DurationHoursForTier(ctx, "platinum")
	assert.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrTierLookupFailed)
	assert.Equal(t, 48, hours)
}

func TestTierService_DurationForUser(t *testing.T) {
	db := utils.SetupTestDB(t, "testdb_tier_service_user", "account_tiers", "users")
	cfg := testLifecycleConfig()
	svc := NewTierService(db, cfg)
	ctx := context.Background()
	require.NoError(t, svc.EnsureDefaults(ctx))

	premiumUser := createTestUser(t, db, models.TierPremium)
	hours, err := svc.DurationHoursForUser(ctx, premiumUser)
	assert.NoError(t, err)
	assert.Equal(t, 720, hours)

	// Empty tier on the user resolves as free.
	blankUser := createTestUser(t, db, "")
	hours, err = svc.DurationHoursForUser(ctx, blankUser)
	assert.NoError(t, err)
	assert.Equal(t, 48, hours)

	// Missing user: fallback with the sentinel.
	hours, err = svc.DurationHoursForUser(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, lifecycle.ErrTierLookupFailed)
	assert.Equal(t, 48, hours)
}

func TestTierService_CacheInvalidate(t *testing.T) {
	db := utils.SetupTestDB(t, "testdb_tier_service_cache", "account_tiers", "users")
	cfg := testLifecycleConfig()
	svc := NewTierService(db, cfg)
	ctx := context.Background()
	require.NoError(t, svc.EnsureDefaults(ctx))

	// Prime the cache, then change the stored entitlement behind its back.
	hours, err := svc.DurationHoursForTier(ctx, models.TierPremium)
	require.NoError(t, err)
	require.Equal(t, 720, hours)

	_, err = db.Collection(tiersCollection).UpdateOne(ctx,
		bson.M{"tier": models.TierPremium},
		bson.M{"$set": bson.M{"listing_hours": 1000}})
	require.NoError(t, err)

	hours, _ = svc.DurationHoursForTier(ctx, models.TierPremium)
	assert.Equal(t, 720, hours, "cached value expected until invalidation")

	svc.Invalidate()
	hours, err = svc.DurationHoursForTier(ctx, models.TierPremium)
	assert.NoError(t, err)
	assert.Equal(t, 1000, hours)
}
