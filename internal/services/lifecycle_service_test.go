package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"cardyard/market/internal/models"
	"cardyard/market/internal/utils"
)

func setupLifecycleTest(t *testing.T, dbName string) (*mongo.Database, IListingService, ILifecycleService) {
	db := utils.SetupTestDB(t, dbName, "listings", "users", "account_tiers")
	cfg := testLifecycleConfig()
	tiers := NewTierService(db, cfg)
	require.NoError(t, tiers.EnsureDefaults(context.Background()))
	listings := NewListingService(db, cfg, tiers)
	lifecycleSvc := NewLifecycleService(db, cfg, listings, tiers)
	return db, listings, lifecycleSvc
}

func TestLifecycleService_ArchiveIdempotent(t *testing.T) {
	db, listings, svc := setupLifecycleTest(t, "testdb_lifecycle_archive")
	ctx := context.Background()

	userID := createTestUser(t, db, models.TierFree)
	listing, err := listings.CreateListing(ctx, userID, "Mox Emerald", "mtg", "near_mint", 3000, "", "")
	require.NoError(t, err)

	err = svc.Archive(ctx, listing.ID, &userID, models.TTLReasonOwnerArchive)
	assert.NoError(t, err)

	archived, err := listings.FindListingByID(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, archived.Status)
	require.NotNil(t, archived.ArchivedAt)
	require.NotNil(t, archived.DeleteAt)
	require.NotNil(t, archived.TTLSetAt)
	assert.Equal(t, models.TTLReasonOwnerArchive, archived.TTLReason)

	// delete_at is archive instant plus the 7 day grace, tier independent.
	assert.WithinDuration(t, archived.ArchivedAt.Add(7*24*time.Hour), *archived.DeleteAt, time.Second)

	// Second archive is a no-op: the removal schedule must not move.
	time.Sleep(1100 * time.Millisecond)
	err = svc.Archive(ctx, listing.ID, &userID, models.TTLReasonOwnerArchive)
	assert.NoError(t, err)

	again, err := listings.FindListingByID(ctx, listing.ID)
	require.NoError(t, err)
	assert.True(t, archived.DeleteAt.Equal(*again.DeleteAt), "repeat archive moved delete_at")
	assert.True(t, archived.ArchivedAt.Equal(*again.ArchivedAt), "repeat archive moved archived_at")

	// Unknown listing is an error for archive.
	err = svc.Archive(ctx, primitive.NewObjectID(), nil, models.TTLReasonOwnerArchive)
	assert.Error(t, err)

	// Wrong owner is rejected.
	other := createTestUser(t, db, models.TierFree)
	listing2, err := listings.CreateListing(ctx, other, "Counterspell", "mtg", "played", 5, "", "")
	require.NoError(t, err)
	err = svc.Archive(ctx, listing2.ID, &userID, models.TTLReasonOwnerArchive)
	assert.Error(t, err)
}

func TestLifecycleService_RestoreClearsRetentionFields(t *testing.T) {
	db, listings, svc := setupLifecycleTest(t, "testdb_lifecycle_restore")
	ctx := context.Background()

	userID := createTestUser(t, db, models.TierFree)
	listing, err := listings.CreateListing(ctx, userID, "Time Walk", "mtg", "played", 4000, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Archive(ctx, listing.ID, &userID, models.TTLReasonOwnerArchive))

	restored, err := svc.Restore(ctx, listing.ID, &userID)
	assert.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, models.StatusActive, restored.Status)

	// Every retention field comes off together. A live listing holding a
	// stale delete_at would be removed out from under its owner.
	assert.Nil(t, restored.ArchivedAt)
	assert.Nil(t, restored.DeleteAt)
	assert.Nil(t, restored.TTLSetAt)
	assert.Empty(t, restored.TTLReason)
	assert.Nil(t, restored.ExpiryWarnedAt)

	// Expiration is measured from the original creation, not from now.
	require.NotNil(t, restored.ExpiresAt)
	require.NotNil(t, restored.OriginalCreatedAt)
	assert.WithinDuration(t, restored.OriginalCreatedAt.Add(48*time.Hour), *restored.ExpiresAt, time.Second)

	// Restoring an already-active listing is a no-op.
	again, err := svc.Restore(ctx, listing.ID, &userID)
	assert.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, models.StatusActive, again.Status)

	// A listing the store already removed restores to "settled", not error.
	gone, err := svc.Restore(ctx, primitive.NewObjectID(), nil)
	assert.NoError(t, err)
	assert.Nil(t, gone)
}

func TestLifecycleService_RestorePremiumUsesFullWindow(t *testing.T) {
	db, listings, svc := setupLifecycleTest(t, "testdb_lifecycle_restore_premium")
	ctx := context.Background()

	userID := createTestUser(t, db, models.TierPremium)
	now := time.Now().UTC()

	// Created 100 hours ago, archived since. Premium gives 720h, so a
	// restore today still leaves plenty of active time measured from the
	// original creation.
	createdAt := now.Add(-100 * time.Hour)
	archivedAt := now.Add(-time.Hour)
	deleteAt := archivedAt.Add(7 * 24 * time.Hour)
	listing := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "Ancestral Recall",
		Game: "mtg", Condition: "played", Price: 6000,
		Status: models.StatusArchived, CreatedAt: createdAt, UpdatedAt: archivedAt,
		OriginalCreatedAt: &createdAt,
		ArchivedAt:        &archivedAt, DeleteAt: &deleteAt,
		TTLSetAt: &archivedAt, TTLReason: models.TTLReasonSweepExpired,
	}
	insertListing(t, db, listing)

	restored, err := svc.Restore(ctx, listing.ID, &userID)
	assert.NoError(t, err)
	require.NotNil(t, restored)
	require.NotNil(t, restored.ExpiresAt)
	assert.WithinDuration(t, createdAt.Add(720*time.Hour), *restored.ExpiresAt, time.Second)

	_, found := restoredListing(t, listings, ctx, listing.ID)
	assert.Nil(t, found.DeleteAt)
	assert.Nil(t, found.ArchivedAt)
}

func restoredListing(t *testing.T, listings IListingService, ctx context.Context, id primitive.ObjectID) (bool, *models.Listing) {
	t.Helper()
	l, err := listings.FindListingByID(ctx, id)
	require.NoError(t, err)
	return l != nil, l
}

func TestLifecycleService_SweepArchivesExpired(t *testing.T) {
	db, listings, svc := setupLifecycleTest(t, "testdb_lifecycle_sweep")
	ctx := context.Background()

	userID := createTestUser(t, db, models.TierFree)
	now := time.Now().UTC()

	// Free tier: 48 hours. One listing 49 hours old (expired), one 47 hours
	// old (still inside its window).
	expiredCreated := now.Add(-49 * time.Hour)
	expiredExpires := expiredCreated.Add(48 * time.Hour)
	freshCreated := now.Add(-47 * time.Hour)
	freshExpires := freshCreated.Add(48 * time.Hour)

	expired := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "Expired card",
		Status: models.StatusActive, CreatedAt: expiredCreated, UpdatedAt: expiredCreated,
		OriginalCreatedAt: &expiredCreated, ExpiresAt: &expiredExpires,
	}
	fresh := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "Fresh card",
		Status: models.StatusActive, CreatedAt: freshCreated, UpdatedAt: freshCreated,
		OriginalCreatedAt: &freshCreated, ExpiresAt: &freshExpires,
	}
	insertListing(t, db, expired)
	insertListing(t, db, fresh)

	// An archived listing stuck without a removal schedule.
	stuckArchivedAt := now.Add(-2 * time.Hour)
	stuck := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "Stuck archived",
		Status: models.StatusArchived, CreatedAt: now.Add(-50 * time.Hour), UpdatedAt: stuckArchivedAt,
		ArchivedAt: &stuckArchivedAt,
	}
	insertListing(t, db, stuck)

	report, err := svc.Sweep(ctx)
	assert.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.ActiveScanned)
	assert.Len(t, report.Expired, 1)
	assert.Equal(t, expired.ID, report.Expired[0].ID)
	assert.Equal(t, 1, report.TTLRepaired)

	// Expired listing: archived now with reason sweep_expired; grace runs
	// from the sweep instant, not the expiration instant.
	got, err := listings.FindListingByID(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, got.Status)
	assert.Equal(t, models.TTLReasonSweepExpired, got.TTLReason)
	require.NotNil(t, got.DeleteAt)
	assert.WithinDuration(t, now.Add(7*24*time.Hour), *got.DeleteAt, 5*time.Second)

	// Fresh listing untouched.
	got, err = listings.FindListingByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)

	// Stuck archived listing: delete_at assigned from its archive instant.
	got, err = listings.FindListingByID(ctx, stuck.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeleteAt)
	assert.Equal(t, models.TTLReasonSweepMissingTTL, got.TTLReason)
	assert.WithinDuration(t, stuckArchivedAt.Add(7*24*time.Hour), *got.DeleteAt, time.Second)

	// Second pass over consistent state writes nothing.
	report2, err := svc.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, report2.Writes)
	assert.Empty(t, report2.Expired)
}

func TestLifecycleService_SweepExcludesUnparseable(t *testing.T) {
	db, _, svc := setupLifecycleTest(t, "testdb_lifecycle_sweep_excluded")
	ctx := context.Background()

	userID := createTestUser(t, db, models.TierFree)

	// No creation instant at all: excluded from automatic processing rather
	// than guessed at.
	broken := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "Broken timestamps",
		Status: models.StatusActive,
	}
	insertListing(t, db, broken)

	report, err := svc.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, report.Excluded)
	assert.Empty(t, report.Expired)

	var still models.Listing
	err = db.Collection("listings").FindOne(ctx, bson.M{"_id": broken.ID}).Decode(&still)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, still.Status)
}

func TestLifecycleService_SweepCorrectsDriftedExpiration(t *testing.T) {
	db, listings, svc := setupLifecycleTest(t, "testdb_lifecycle_sweep_drift")
	ctx := context.Background()

	userID := createTestUser(t, db, models.TierFree)
	now := time.Now().UTC()

	createdAt := now.Add(-time.Hour)
	wrongExpires := createdAt.Add(500 * time.Hour) // free tier should be 48h
	drifted := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "Drifted",
		Status: models.StatusActive, CreatedAt: createdAt, UpdatedAt: createdAt,
		OriginalCreatedAt: &createdAt, ExpiresAt: &wrongExpires,
	}
	insertListing(t, db, drifted)

	report, err := svc.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, report.ExpirationsCorrected)

	got, err := listings.FindListingByID(ctx, drifted.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, createdAt.Add(48*time.Hour), *got.ExpiresAt, time.Second)
}

func TestLifecycleService_RecomputeAfterTierChange(t *testing.T) {
	db, listings, svc := setupLifecycleTest(t, "testdb_lifecycle_tier_change")
	ctx := context.Background()

	users := NewUserService(db)
	userID := createTestUser(t, db, models.TierFree)

	active, err := listings.CreateListing(ctx, userID, "Umbreon VMAX", "pokemon", "near_mint", 300, "", "")
	require.NoError(t, err)

	archived, err := listings.CreateListing(ctx, userID, "Old listing", "pokemon", "played", 20, "", "")
	require.NoError(t, err)
	require.NoError(t, svc.Archive(ctx, archived.ID, &userID, models.TTLReasonOwnerArchive))
	archivedBefore, err := listings.FindListingByID(ctx, archived.ID)
	require.NoError(t, err)

	// Upgrade to premium and recompute.
	require.NoError(t, users.SetAccountTier(ctx, userID, models.TierPremium))
	updated, err := svc.RecomputeExpirationsForUser(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, 1, updated)

	// Active listing now runs 720h from its original creation.
	got, err := listings.FindListingByID(ctx, active.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, got.OriginalCreatedAt.Add(720*time.Hour), *got.ExpiresAt, time.Second)

	// Archived listing's removal schedule is untouched by tier changes.
	archivedAfter, err := listings.FindListingByID(ctx, archived.ID)
	require.NoError(t, err)
	assert.True(t, archivedBefore.DeleteAt.Equal(*archivedAfter.DeleteAt))
}

func TestLifecycleService_Repair(t *testing.T) {
	db, listings, svc := setupLifecycleTest(t, "testdb_lifecycle_repair")
	ctx := context.Background()

	userID := createTestUser(t, db, models.TierFree)
	now := time.Now().UTC()

	// Healthy active listing: nothing to do.
	healthy, err := listings.CreateListing(ctx, userID, "Healthy", "mtg", "played", 10, "", "")
	require.NoError(t, err)
	action, err := svc.Repair(ctx, healthy.ID, nil)
	assert.NoError(t, err)
	assert.Equal(t, RepairActionNone, action)

	// Active listing with a missing expiration gets one recomputed.
	createdAt := now.Add(-time.Hour)
	missingExpiry := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "No expiry",
		Status: models.StatusActive, CreatedAt: createdAt, UpdatedAt: createdAt,
		OriginalCreatedAt: &createdAt,
	}
	insertListing(t, db, missingExpiry)
	action, err = svc.Repair(ctx, missingExpiry.ID, nil)
	assert.NoError(t, err)
	assert.Equal(t, RepairActionRecomputed, action)

	got, err := listings.FindListingByID(ctx, missingExpiry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, createdAt.Add(48*time.Hour), *got.ExpiresAt, time.Second)

	// Active listing past its window gets archived.
	oldCreated := now.Add(-80 * time.Hour)
	pastDue := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "Past due",
		Status: models.StatusActive, CreatedAt: oldCreated, UpdatedAt: oldCreated,
		OriginalCreatedAt: &oldCreated,
	}
	insertListing(t, db, pastDue)
	action, err = svc.Repair(ctx, pastDue.ID, nil)
	assert.NoError(t, err)
	assert.Equal(t, RepairActionArchived, action)

	got, err = listings.FindListingByID(ctx, pastDue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, got.Status)
	assert.Equal(t, models.TTLReasonAdminRepair, got.TTLReason)

	// Archived listing without delete_at gets a schedule assigned.
	archivedAt := now.Add(-3 * time.Hour)
	stuck := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "Stuck",
		Status: models.StatusArchived, CreatedAt: oldCreated, UpdatedAt: archivedAt,
		ArchivedAt: &archivedAt,
	}
	insertListing(t, db, stuck)
	action, err = svc.Repair(ctx, stuck.ID, nil)
	assert.NoError(t, err)
	assert.Equal(t, RepairActionTTLSet, action)

	got, err = listings.FindListingByID(ctx, stuck.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeleteAt)
	assert.WithinDuration(t, archivedAt.Add(7*24*time.Hour), *got.DeleteAt, time.Second)

	// Creation override: a legacy string timestamp repairs a listing whose
	// stored instants are unusable.
	override := now.Add(-2 * time.Hour).Format(time.RFC3339)
	broken := &models.Listing{
		ID: primitive.NewObjectID(), UserID: userID, Title: "Legacy",
		Status: models.StatusActive, CreatedAt: now, UpdatedAt: now,
	}
	insertListing(t, db, broken)
	action, err = svc.Repair(ctx, broken.ID, override)
	assert.NoError(t, err)
	assert.Equal(t, RepairActionRecomputed, action)

	// Garbage override is rejected, listing untouched.
	_, err = svc.Repair(ctx, broken.ID, "not-a-date")
	assert.Error(t, err)

	// Unknown listing.
	_, err = svc.Repair(ctx, primitive.NewObjectID(), nil)
	assert.Error(t, err)
}
