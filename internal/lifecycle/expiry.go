// Package lifecycle holds the pure expiration arithmetic for listings and
// the sentinel errors of the lifecycle subsystem. All date math for the
// whole service lives here; callers must not re-derive it.
package lifecycle

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"cardyard/market/internal/models"
)

var (
	// ErrUnparseableDate marks a listing whose creation or expiration
	// timestamp is missing or malformed. Such listings are excluded from
	// automatic processing and surfaced for manual repair; defaulting them
	// to either expired or not-expired would silently corrupt state.
	ErrUnparseableDate = errors.New("unparseable or missing date")

	// ErrListingNotFound is returned when a referenced listing no longer
	// resolves. Benign for restore (the TTL monitor may have raced us),
	// an error for archive.
	ErrListingNotFound = errors.New("listing not found")

	// ErrTierLookupFailed wraps a failed account-tier lookup. Callers fall
	// back to the shortest configured duration: expiring too early is
	// recoverable via restore, never-expiring is a resource leak.
	ErrTierLookupFailed = errors.New("tier lookup failed")
)

// ComputeExpiration returns the instant a listing created at createdAt
// expires under a tier entitlement of tierHours hours. Pure and
// deterministic, always UTC.
func ComputeExpiration(createdAt time.Time, tierHours int) time.Time {
	return createdAt.UTC().Add(time.Duration(tierHours) * time.Hour)
}

// IsExpired reports whether expiresAt has passed at instant now. The
// comparison is strictly greater-than: a listing expiring at exactly now is
// not yet expired. The sweep relies on this boundary.
func IsExpired(now, expiresAt time.Time) bool {
	return now.After(expiresAt)
}

// EffectiveCreation returns the instant from which a listing's active
// lifetime is measured: original_created_at when present, created_at
// otherwise. A zero value yields ErrUnparseableDate.
func EffectiveCreation(l *models.Listing) (time.Time, error) {
	if l.OriginalCreatedAt != nil && !l.OriginalCreatedAt.IsZero() {
		return l.OriginalCreatedAt.UTC(), nil
	}
	if l.CreatedAt.IsZero() {
		return time.Time{}, fmt.Errorf("listing %s has no creation instant: %w", l.ID.Hex(), ErrUnparseableDate)
	}
	return l.CreatedAt.UTC(), nil
}

// ParseInstant normalizes a raw timestamp value into a UTC time. Legacy
// documents (and the admin repair endpoint) carry timestamps as RFC3339
// strings, BSON datetimes or unix milliseconds; anything else is
// ErrUnparseableDate.
func ParseInstant(raw interface{}) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, ErrUnparseableDate
		}
		return v.UTC(), nil
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, ErrUnparseableDate
		}
		return v.UTC(), nil
	case primitive.DateTime:
		return v.Time().UTC(), nil
	case string:
		if v == "" {
			return time.Time{}, ErrUnparseableDate
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%q: %w", v, ErrUnparseableDate)
		}
		return t.UTC(), nil
	case int64:
		if v <= 0 {
			return time.Time{}, ErrUnparseableDate
		}
		return time.UnixMilli(v).UTC(), nil
	case float64:
		// JSON numbers decode as float64; only whole millisecond values count.
		if v <= 0 || v != math.Trunc(v) {
			return time.Time{}, ErrUnparseableDate
		}
		return time.UnixMilli(int64(v)).UTC(), nil
	case nil:
		return time.Time{}, ErrUnparseableDate
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T: %w", raw, ErrUnparseableDate)
	}
}
