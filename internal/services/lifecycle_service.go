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

// SweptListing identifies a listing the sweep archived, with enough context
// to notify the owner.
type SweptListing struct {
	ID     primitive.ObjectID
	UserID primitive.ObjectID
	Title  string
}

// SweepReport summarizes one consistency sweep pass.
type SweepReport struct {
	ActiveScanned        int            `json:"active_scanned"`
	ArchivedScanned      int            `json:"archived_scanned"`
	Expired              []SweptListing `json:"-"`
	ExpiredCount         int            `json:"expired"`
	ExpirationsCorrected int            `json:"expirations_corrected"`
	TTLRepaired          int            `json:"ttl_repaired"`
	Excluded             int            `json:"excluded"`
	Writes               int            `json:"writes"`
}

// ILifecycleService owns every listing state transition that involves
// expiration or retention: archive, restore, the consistency sweep, single
// listing repair, and bulk recomputation after a tier change.
type ILifecycleService interface {
	// Archive moves a listing out of circulation and schedules its removal.
	// Idempotent: archiving an already-archived listing is a no-op and never
	// moves the scheduled removal. ownerID, when non-nil, restricts the
	// transition to that owner's listings.
	Archive(ctx context.Context, listingID primitive.ObjectID, ownerID *primitive.ObjectID, reason string) error
	// Restore brings an archived listing back to active with a fresh
	// expiration measured from its original creation under the owner's
	// current tier. A listing already removed by the store is not an error:
	// the end state (listing gone or listing live) is consistent either way.
	Restore(ctx context.Context, listingID primitive.ObjectID, ownerID *primitive.ObjectID) (*models.Listing, error)
	// Sweep runs one full consistency pass over the listings collection.
	Sweep(ctx context.Context) (*SweepReport, error)
	// Repair inspects a single listing and fixes whatever is inconsistent
	// about it, optionally overriding its creation instant with a raw
	// timestamp value. Returns the action taken.
	Repair(ctx context.Context, listingID primitive.ObjectID, createdAtOverride interface{}) (string, error)
	// RecomputeExpirationsForUser re-derives expires_at for all of a user's
	// active listings under their current tier. Archived listings keep their
	// scheduled removal untouched. Returns the number of listings updated.
	RecomputeExpirationsForUser(ctx context.Context, userID primitive.ObjectID) (int, error)
}

// lifecycleService implements ILifecycleService.
type lifecycleService struct {
	db       *mongo.Database
	cfg      *config.Config
	listings IListingService
	tiers    ITierService
}

// NewLifecycleService creates a new LifecycleService.
func NewLifecycleService(database *mongo.Database, cfg *config.Config, listings IListingService, tiers ITierService) ILifecycleService {
	return &lifecycleService{db: database, cfg: cfg, listings: listings, tiers: tiers}
}

// archivableStatuses are the statuses Archive accepts as a starting point.
var archivableStatuses = []models.ListingStatus{models.StatusActive, models.StatusInactive}

func (s *lifecycleService) Archive(ctx context.Context, listingID primitive.ObjectID, ownerID *primitive.ObjectID, reason string) error {
	collection := s.db.Collection(listingsCollection)
	now := time.Now().UTC()
	deleteAt := now.Add(s.cfg.ArchiveGrace())

	filter := bson.M{
		"_id":    listingID,
		"status": bson.M{"$in": archivableStatuses},
	}
	if ownerID != nil {
		filter["user_id"] = *ownerID
	}
	update := bson.M{
		"$set": bson.M{
			"status":      models.StatusArchived,
			"archived_at": now,
			"delete_at":   deleteAt,
			"ttl_set_at":  now,
			"ttl_reason":  reason,
			"updated_at":  now,
		},
		"$unset": bson.M{"expiry_warned_at": ""},
	}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error archiving listing %s: %w", listingID.Hex(), err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	// The conditional update matched nothing; find out why.
	var listing models.Listing
	checkErr := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if errors.Is(checkErr, mongo.ErrNoDocuments) {
		return fmt.Errorf("listing %s: %w", listingID.Hex(), lifecycle.ErrListingNotFound)
	}
	if checkErr != nil {
		return fmt.Errorf("db error checking listing %s: %w", listingID.Hex(), checkErr)
	}
	if ownerID != nil && listing.UserID != *ownerID {
		return fmt.Errorf("listing %s does not belong to user %s", listingID.Hex(), ownerID.Hex())
	}
	if listing.Status == models.StatusArchived {
		// Already archived. The scheduled removal stays exactly where the
		// first archive put it.
		return nil
	}
	return fmt.Errorf("listing %s cannot be archived from status %s", listingID.Hex(), listing.Status)
}

func (s *lifecycleService) Restore(ctx context.Context, listingID primitive.ObjectID, ownerID *primitive.ObjectID) (*models.Listing, error) {
	collection := s.db.Collection(listingsCollection)

	var listing models.Listing
	err := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// The store's removal monitor got there first. Nothing to restore,
		// nothing to report as a failure.
		log.Printf("restore: listing %s already removed, treating as settled", listingID.Hex())
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db error loading listing %s for restore: %w", listingID.Hex(), err)
	}
	if ownerID != nil && listing.UserID != *ownerID {
		return nil, fmt.Errorf("listing %s does not belong to user %s", listingID.Hex(), ownerID.Hex())
	}
	if listing.Status == models.StatusActive {
		return &listing, nil // already live
	}
	if listing.Status != models.StatusArchived {
		return nil, fmt.Errorf("listing %s cannot be restored from status %s", listingID.Hex(), listing.Status)
	}

	createdAt, err := lifecycle.EffectiveCreation(&listing)
	if err != nil {
		return nil, fmt.Errorf("cannot restore listing %s: %w", listingID.Hex(), err)
	}
	hours, err := s.tiers.DurationHoursForUser(ctx, listing.UserID)
	if err != nil {
		if !errors.Is(err, lifecycle.ErrTierLookupFailed) {
			return nil, fmt.Errorf("cannot restore listing %s: %w", listingID.Hex(), err)
		}
		log.Printf("WARN: restore of %s falling back to %dh duration: %v", listingID.Hex(), hours, err)
	}
	expiresAt := lifecycle.ComputeExpiration(createdAt, hours)
	now := time.Now().UTC()

	// Reactivation and retention-field clearing are one write. A restored
	// listing carrying a stale delete_at would be silently removed while
	// showing as live, so the fields come off together or not at all.
	filter := bson.M{"_id": listingID, "status": models.StatusArchived}
	update := bson.M{
		"$set": bson.M{
			"status":     models.StatusActive,
			"expires_at": expiresAt,
			"updated_at": now,
		},
		"$unset": bson.M{
			"archived_at":      "",
			"delete_at":        "",
			"ttl_set_at":       "",
			"ttl_reason":       "",
			"expiry_warned_at": "",
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var restored models.Listing
	err = collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&restored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Raced with the removal monitor or a concurrent restore between the
		// read and the write. Re-check and settle.
		recheck := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&restored)
		if errors.Is(recheck, mongo.ErrNoDocuments) {
			log.Printf("restore: listing %s removed mid-restore, treating as settled", listingID.Hex())
			return nil, nil
		}
		if recheck != nil {
			return nil, fmt.Errorf("db error re-checking listing %s: %w", listingID.Hex(), recheck)
		}
		if restored.Status == models.StatusActive {
			return &restored, nil
		}
		return nil, fmt.Errorf("listing %s changed to status %s during restore", listingID.Hex(), restored.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("db error restoring listing %s: %w", listingID.Hex(), err)
	}
	return &restored, nil
}

func (s *lifecycleService) Sweep(ctx context.Context) (*SweepReport, error) {
	now := time.Now().UTC()
	report := &SweepReport{}
	var writes []mongo.WriteModel

	// Owner tier lookups repeat heavily within one pass; cache per run so a
	// user with 200 listings costs one lookup, not 200.
	tierHoursByUser := make(map[primitive.ObjectID]int)
	hoursFor := func(userID primitive.ObjectID) int {
		if h, ok := tierHoursByUser[userID]; ok {
			return h
		}
		h, err := s.tiers.DurationHoursForUser(ctx, userID)
		if err != nil {
			log.Printf("WARN: sweep tier lookup for owner %s fell back to %dh: %v", userID.Hex(), h, err)
		}
		tierHoursByUser[userID] = h
		return h
	}

	// Pass 1: active listings. Archive the expired, correct drifted
	// expirations on the rest.
	var afterID *primitive.ObjectID
	for {
		page, err := s.listings.FindByStatusPage(ctx, models.StatusActive, afterID, s.cfg.SweepPageSize)
		if err != nil {
			return nil, fmt.Errorf("sweep: scanning active listings: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			l := page[i]
			report.ActiveScanned++

			createdAt, err := lifecycle.EffectiveCreation(&l)
			if err != nil {
				report.Excluded++
				log.Printf("sweep: excluding listing %s: %v", l.ID.Hex(), err)
				continue
			}
			expiresAt := lifecycle.ComputeExpiration(createdAt, hoursFor(l.UserID))

			if lifecycle.IsExpired(now, expiresAt) {
				deleteAt := now.Add(s.cfg.ArchiveGrace())
				model := mongo.NewUpdateOneModel().
					SetFilter(bson.M{"_id": l.ID, "status": models.StatusActive}).
					SetUpdate(bson.M{
						"$set": bson.M{
							"status":      models.StatusArchived,
							"archived_at": now,
							"delete_at":   deleteAt,
							"ttl_set_at":  now,
							"ttl_reason":  models.TTLReasonSweepExpired,
							"updated_at":  now,
						},
						"$unset": bson.M{"expiry_warned_at": ""},
					})
				writes = append(writes, model)
				report.Expired = append(report.Expired, SweptListing{ID: l.ID, UserID: l.UserID, Title: l.Title})
				continue
			}

			if l.ExpiresAt == nil || !l.ExpiresAt.Equal(expiresAt) {
				model := mongo.NewUpdateOneModel().
					SetFilter(bson.M{"_id": l.ID, "status": models.StatusActive}).
					SetUpdate(bson.M{"$set": bson.M{
						"expires_at": expiresAt,
						"updated_at": now,
					}})
				writes = append(writes, model)
				report.ExpirationsCorrected++
			}
		}
		lastID := page[len(page)-1].ID
		afterID = &lastID
	}

	// Pass 2: archived listings stuck without a scheduled removal. A partial
	// write or a legacy migration can leave these; they would otherwise sit
	// in the store forever.
	afterID = nil
	for {
		page, err := s.listings.FindArchivedMissingTTLPage(ctx, afterID, s.cfg.SweepPageSize)
		if err != nil {
			return nil, fmt.Errorf("sweep: scanning archived listings: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			l := page[i]
			report.ArchivedScanned++

			base := now
			if l.ArchivedAt != nil && !l.ArchivedAt.IsZero() {
				base = l.ArchivedAt.UTC()
			}
			set := bson.M{
				"delete_at":  base.Add(s.cfg.ArchiveGrace()),
				"ttl_set_at": now,
				"ttl_reason": models.TTLReasonSweepMissingTTL,
				"updated_at": now,
			}
			if l.ArchivedAt == nil || l.ArchivedAt.IsZero() {
				set["archived_at"] = base
			}
			model := mongo.NewUpdateOneModel().
				SetFilter(bson.M{
					"_id":       l.ID,
					"status":    models.StatusArchived,
					"delete_at": bson.M{"$exists": false},
				}).
				SetUpdate(bson.M{"$set": set})
			writes = append(writes, model)
			report.TTLRepaired++
		}
		lastID := page[len(page)-1].ID
		afterID = &lastID
	}

	report.ExpiredCount = len(report.Expired)
	report.Writes = len(writes)
	if len(writes) == 0 {
		return report, nil
	}

	// One batch per pass. Unordered so independent documents don't block
	// each other; every model carries its own status guard, so replaying
	// the whole batch after a transient failure changes nothing twice.
	operation := func() error {
		_, err := s.db.Collection(listingsCollection).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
		return err
	}
	if err := db.TryBatch(operation); err != nil {
		return report, fmt.Errorf("sweep: batch write failed after retries: %w", err)
	}

	log.Printf("sweep: scanned %d active / %d archived, archived %d expired, corrected %d expirations, repaired %d removal schedules, excluded %d",
		report.ActiveScanned, report.ArchivedScanned, len(report.Expired), report.ExpirationsCorrected, report.TTLRepaired, report.Excluded)
	return report, nil
}

// Repair actions, returned so the admin endpoint can report what happened.
const (
	RepairActionNone       = "ok"
	RepairActionArchived   = "archived_expired"
	RepairActionRecomputed = "expiration_recomputed"
	RepairActionTTLSet     = "ttl_assigned"
)

func (s *lifecycleService) Repair(ctx context.Context, listingID primitive.ObjectID, createdAtOverride interface{}) (string, error) {
	collection := s.db.Collection(listingsCollection)
	now := time.Now().UTC()

	var listing models.Listing
	err := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", fmt.Errorf("listing %s: %w", listingID.Hex(), lifecycle.ErrListingNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("db error loading listing %s for repair: %w", listingID.Hex(), err)
	}

	switch listing.Status {
	case models.StatusActive:
		var createdAt time.Time
		if createdAtOverride != nil {
			createdAt, err = lifecycle.ParseInstant(createdAtOverride)
			if err != nil {
				return "", fmt.Errorf("repair of %s: bad creation override: %w", listingID.Hex(), err)
			}
			update := bson.M{"$set": bson.M{
				"original_created_at": createdAt,
				"updated_at":          now,
			}}
			if _, err := collection.UpdateOne(ctx, bson.M{"_id": listingID}, update); err != nil {
				return "", fmt.Errorf("repair of %s: storing creation override: %w", listingID.Hex(), err)
			}
		} else {
			createdAt, err = lifecycle.EffectiveCreation(&listing)
			if err != nil {
				return "", fmt.Errorf("repair of %s: %w", listingID.Hex(), err)
			}
		}

		hours, err := s.tiers.DurationHoursForUser(ctx, listing.UserID)
		if err != nil && !errors.Is(err, lifecycle.ErrTierLookupFailed) {
			return "", fmt.Errorf("repair of %s: %w", listingID.Hex(), err)
		}
		expiresAt := lifecycle.ComputeExpiration(createdAt, hours)

		if lifecycle.IsExpired(now, expiresAt) {
			if err := s.Archive(ctx, listingID, nil, models.TTLReasonAdminRepair); err != nil {
				return "", err
			}
			return RepairActionArchived, nil
		}
		if listing.ExpiresAt == nil || !listing.ExpiresAt.Equal(expiresAt) {
			update := bson.M{"$set": bson.M{"expires_at": expiresAt, "updated_at": now}}
			if _, err := collection.UpdateOne(ctx, bson.M{"_id": listingID, "status": models.StatusActive}, update); err != nil {
				return "", fmt.Errorf("repair of %s: correcting expiration: %w", listingID.Hex(), err)
			}
			return RepairActionRecomputed, nil
		}
		return RepairActionNone, nil

	case models.StatusArchived:
		if listing.DeleteAt != nil && !listing.DeleteAt.IsZero() {
			return RepairActionNone, nil
		}
		base := now
		if listing.ArchivedAt != nil && !listing.ArchivedAt.IsZero() {
			base = listing.ArchivedAt.UTC()
		}
		set := bson.M{
			"delete_at":  base.Add(s.cfg.ArchiveGrace()),
			"ttl_set_at": now,
			"ttl_reason": models.TTLReasonAdminRepair,
			"updated_at": now,
		}
		if listing.ArchivedAt == nil || listing.ArchivedAt.IsZero() {
			set["archived_at"] = base
		}
		filter := bson.M{"_id": listingID, "status": models.StatusArchived, "delete_at": bson.M{"$exists": false}}
		if _, err := collection.UpdateOne(ctx, filter, bson.M{"$set": set}); err != nil {
			return "", fmt.Errorf("repair of %s: assigning removal schedule: %w", listingID.Hex(), err)
		}
		return RepairActionTTLSet, nil

	default:
		// Sold, pending and inactive listings carry no expiration state.
		return RepairActionNone, nil
	}
}

func (s *lifecycleService) RecomputeExpirationsForUser(ctx context.Context, userID primitive.ObjectID) (int, error) {
	now := time.Now().UTC()
	hours, err := s.tiers.DurationHoursForUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, lifecycle.ErrTierLookupFailed) {
			return 0, fmt.Errorf("recompute for user %s: %w", userID.Hex(), err)
		}
		log.Printf("WARN: recompute for user %s falling back to %dh: %v", userID.Hex(), hours, err)
	}

	var writes []mongo.WriteModel
	var afterID *primitive.ObjectID
	updated := 0
	for {
		filter := bson.M{"user_id": userID, "status": models.StatusActive}
		if afterID != nil {
			filter["_id"] = bson.M{"$gt": *afterID}
		}
		opts := options.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetLimit(int64(s.cfg.SweepPageSize))
		cursor, err := s.db.Collection(listingsCollection).Find(ctx, filter, opts)
		if err != nil {
			return 0, fmt.Errorf("recompute for user %s: query: %w", userID.Hex(), err)
		}
		var page []models.Listing
		if err = cursor.All(ctx, &page); err != nil {
			return 0, fmt.Errorf("recompute for user %s: decode: %w", userID.Hex(), err)
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			l := page[i]
			createdAt, err := lifecycle.EffectiveCreation(&l)
			if err != nil {
				log.Printf("recompute: skipping listing %s: %v", l.ID.Hex(), err)
				continue
			}
			expiresAt := lifecycle.ComputeExpiration(createdAt, hours)
			if l.ExpiresAt != nil && l.ExpiresAt.Equal(expiresAt) {
				continue
			}
			model := mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": l.ID, "status": models.StatusActive}).
				SetUpdate(bson.M{"$set": bson.M{"expires_at": expiresAt, "updated_at": now}})
			writes = append(writes, model)
			updated++
		}
		lastID := page[len(page)-1].ID
		afterID = &lastID
	}

	if len(writes) == 0 {
		return 0, nil
	}
	operation := func() error {
		_, err := s.db.Collection(listingsCollection).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
		return err
	}
	if err := db.TryBatch(operation); err != nil {
		return 0, fmt.Errorf("recompute for user %s: batch write failed after retries: %w", userID.Hex(), err)
	}
	return updated, nil
}
