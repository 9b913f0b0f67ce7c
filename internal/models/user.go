package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NotificationPreferences allows users to control email notifications.
type NotificationPreferences struct {
	ListingExpiring bool `bson:"listing_expiring" json:"listing_expiring"`
	ListingArchived bool `bson:"listing_archived" json:"listing_archived"`
}

// User represents a marketplace account.
type User struct {
	ID                      primitive.ObjectID       `bson:"_id,omitempty" json:"id,omitempty"`
	Email                   string                   `bson:"email" json:"email"`
	DisplayName             string                   `bson:"display_name" json:"display_name"`
	AccountTier             string                   `bson:"account_tier" json:"account_tier"` // e.g. TierFree, TierPremium
	IsAdmin                 bool                     `bson:"is_admin" json:"is_admin"`
	Suspended               bool                     `bson:"suspended" json:"suspended"`
	NotificationPreferences *NotificationPreferences `bson:"notification_preferences,omitempty" json:"notification_preferences,omitempty"`
	CreatedAt               time.Time                `bson:"created_at" json:"created_at"`
	UpdatedAt               time.Time                `bson:"updated_at" json:"updated_at"`
	Deleted                 bool                     `bson:"deleted" json:"-"` // Soft delete flag
}
