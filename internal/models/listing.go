package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ListingStatus enumerates the lifecycle states of a card listing.
type ListingStatus string

const (
	StatusActive   ListingStatus = "active"
	StatusArchived ListingStatus = "archived"
	StatusSold     ListingStatus = "sold"
	StatusPending  ListingStatus = "pending"
	StatusInactive ListingStatus = "inactive"
)

// TTL reason tags recorded whenever delete_at is assigned. Diagnostic only;
// never used in a correctness decision.
const (
	TTLReasonOwnerArchive    = "owner_archive"
	TTLReasonSweepExpired    = "sweep_expired"
	TTLReasonSweepMissingTTL = "sweep_missing_ttl"
	TTLReasonAdminRepair     = "admin_repair"
)

// Listing represents a trading card offered for sale.
//
// Lifecycle fields: while status == active, expires_at holds the
// tier-derived expiration instant. Once archived, archived_at and delete_at
// are set and the store's TTL monitor physically removes the document after
// delete_at passes (best-effort, not instantaneous). original_created_at is
// fixed at creation and survives archive/restore cycles so a restore can
// recompute the remaining active lifetime from the true creation instant.
type Listing struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	UserID    primitive.ObjectID `bson:"user_id" json:"user_id"`
	Title     string             `bson:"title" json:"title"`
	Game      string             `bson:"game" json:"game"`           // e.g. "mtg", "pokemon", "yugioh"
	Condition string             `bson:"condition" json:"condition"` // e.g. "near_mint", "played"
	Price     float64            `bson:"price" json:"price"`
	City      string             `bson:"city,omitempty" json:"city,omitempty"`
	State     string             `bson:"state,omitempty" json:"state,omitempty"`
	Images    []string           `bson:"images" json:"images"` // S3 keys

	Status    ListingStatus `bson:"status" json:"status"`
	CreatedAt time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at" json:"updated_at"`

	// Preserved creation instant; never modified after insert.
	OriginalCreatedAt *time.Time `bson:"original_created_at,omitempty" json:"original_created_at,omitempty"`

	// Present while status == active.
	ExpiresAt *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`

	// Present only once archived. delete_at is the TTL index target; it is
	// advisory-with-delay, the store deletes some time after it passes.
	ArchivedAt *time.Time `bson:"archived_at,omitempty" json:"archived_at,omitempty"`
	DeleteAt   *time.Time `bson:"delete_at,omitempty" json:"delete_at,omitempty"`

	// TTL bookkeeping, set alongside delete_at.
	TTLSetAt  *time.Time `bson:"ttl_set_at,omitempty" json:"ttl_set_at,omitempty"`
	TTLReason string     `bson:"ttl_reason,omitempty" json:"ttl_reason,omitempty"`

	// Set once the expiring-soon notice has been queued for the current
	// active period; cleared on restore.
	ExpiryWarnedAt *time.Time `bson:"expiry_warned_at,omitempty" json:"expiry_warned_at,omitempty"`
}
