package models

// Built-in account tiers. Additional tiers can be added as documents in the
// account_tiers collection without a code change.
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// TierEntitlement maps an account tier to the number of hours a listing
// stays active before it expires. The archive-to-deletion grace period is a
// platform policy constant, not part of the entitlement.
type TierEntitlement struct {
	Tier         string `bson:"tier" json:"tier"`
	ListingHours int    `bson:"listing_hours" json:"listing_hours"`
}
