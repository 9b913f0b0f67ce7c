package services

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cardyard/market/internal/config"
	"cardyard/market/internal/lifecycle"
	"cardyard/market/internal/models"
)

// ITierService defines the interface for account-tier entitlement lookups.
type ITierService interface {
	// DurationHoursForUser returns the active-listing duration for a user's
	// tier. On lookup failure the returned hours are still usable: the
	// shortest configured duration, with an error wrapping
	// lifecycle.ErrTierLookupFailed so callers can log the fallback.
	// Expiring too early is recoverable via restore; a listing that never
	// expires is a resource leak.
	DurationHoursForUser(ctx context.Context, userID primitive.ObjectID) (int, error)
	DurationHoursForTier(ctx context.Context, tier string) (int, error)
	// EnsureDefaults seeds the built-in tiers from env config when absent.
	EnsureDefaults(ctx context.Context) error
	// Invalidate drops the in-memory entitlement cache.
	Invalidate()
}

const tiersCollection = "account_tiers"

// tierService implements ITierService with a small read-through cache;
// entitlements change rarely and the sweep looks them up per owner.
type tierService struct {
	db    *mongo.Database
	cfg   *config.Config
	cache map[string]int // tier name -> listing hours
	mutex sync.RWMutex
}

// NewTierService creates a new TierService.
func NewTierService(db *mongo.Database, cfg *config.Config) ITierService {
	return &tierService{
		db:    db,
		cfg:   cfg,
		cache: make(map[string]int),
	}
}

// EnsureDefaults upserts the built-in tier entitlements so a fresh database
// always resolves free and premium.
func (s *tierService) EnsureDefaults(ctx context.Context) error {
	defaults := []models.TierEntitlement{
		{Tier: models.TierFree, ListingHours: s.cfg.TierFreeHours},
		{Tier: models.TierPremium, ListingHours: s.cfg.TierPremiumHours},
	}
	collection := s.db.Collection(tiersCollection)
	for _, d := range defaults {
		filter := bson.M{"tier": d.Tier}
		update := bson.M{"$setOnInsert": bson.M{"tier": d.Tier, "listing_hours": d.ListingHours}}
		if _, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
			return fmt.Errorf("failed to seed tier '%s': %w", d.Tier, err)
		}
	}
	s.Invalidate()
	return nil
}

// DurationHoursForTier resolves a tier name to its listing duration.
func (s *tierService) DurationHoursForTier(ctx context.Context, tier string) (int, error) {
	s.mutex.RLock()
	hours, ok := s.cache[tier]
	s.mutex.RUnlock()
	if ok {
		return hours, nil
	}

	var ent models.TierEntitlement
	err := s.db.Collection(tiersCollection).FindOne(ctx, bson.M{"tier": tier}).Decode(&ent)
	if err != nil {
		return s.fallbackHours(), fmt.Errorf("tier '%s': %v: %w", tier, err, lifecycle.ErrTierLookupFailed)
	}
	if ent.ListingHours < 0 {
		return s.fallbackHours(), fmt.Errorf("tier '%s' has negative duration: %w", tier, lifecycle.ErrTierLookupFailed)
	}

	s.mutex.Lock()
	s.cache[tier] = ent.ListingHours
	s.mutex.Unlock()
	return ent.ListingHours, nil
}

// DurationHoursForUser resolves a user's tier, then the tier's duration.
func (s *tierService) DurationHoursForUser(ctx context.Context, userID primitive.ObjectID) (int, error) {
	var user models.User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": userID, "deleted": false}).Decode(&user)
	if err != nil {
		return s.fallbackHours(), fmt.Errorf("owner %s: %v: %w", userID.Hex(), err, lifecycle.ErrTierLookupFailed)
	}
	tier := user.AccountTier
	if tier == "" {
		tier = models.TierFree
	}
	return s.DurationHoursForTier(ctx, tier)
}

// Invalidate drops the cache; the next lookup reloads from the store.
func (s *tierService) Invalidate() {
	s.mutex.Lock()
	s.cache = make(map[string]int)
	s.mutex.Unlock()
}

// fallbackHours is the most conservative (shortest) configured duration.
func (s *tierService) fallbackHours() int {
	min := s.cfg.TierFreeHours
	if s.cfg.TierPremiumHours < min {
		min = s.cfg.TierPremiumHours
	}

	s.mutex.RLock()
	for _, h := range s.cache {
		if h < min {
			min = h
		}
	}
	s.mutex.RUnlock()

	if min < 0 {
		min = 0
	}
	return min
}
