package token

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by admin lookups for an unknown record id.
// Engine-facing finds report absence as (nil, nil) instead, because the
// engine treats a missing artifact as a normal outcome, not a fault.
var ErrNotFound = errors.New("token record not found")

// Store is the durable keyed storage for authorization artifacts. All
// mutations are atomic per row; concurrent upserts of the same (kind, id)
// resolve last-write-wins. Expired rows are purged lazily by the
// engine-facing finds, never by the admin methods.
type Store interface {
	// Upsert inserts or replaces the record for (kind, id). Expiry is
	// resolved in order: ttl when positive, the payload exp claim, then a
	// 60 second default. Secondary keys (grantId, userCode, uid) and a
	// consumed marker are lifted from the payload.
	Upsert(ctx context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error

	// Find returns the payload stored for (kind, id), with "consumed" set
	// to the consumption timestamp when the record has been used. Expired
	// rows of the kind are purged first; absent records yield (nil, nil).
	Find(ctx context.Context, kind Kind, id string) (Payload, error)

	// FindByUID looks a record up by its uid secondary key.
	FindByUID(ctx context.Context, kind Kind, uid string) (Payload, error)

	// FindByUserCode looks a record up by its user-code secondary key.
	FindByUserCode(ctx context.Context, kind Kind, userCode string) (Payload, error)

	// Consume marks the record used at the current time and reports
	// whether this call set the mark. The mark is compare-and-set: an
	// already consumed or missing record is left untouched and reported
	// as false, so the first consumption timestamp is never overwritten
	// and concurrent consumers can tell who won.
	Consume(ctx context.Context, kind Kind, id string) (bool, error)

	// Destroy deletes the record unconditionally.
	Destroy(ctx context.Context, kind Kind, id string) error

	// RevokeByGrantID deletes every record of the kind that references the
	// grant. Kinds outside the grant-bound set are a no-op.
	RevokeByGrantID(ctx context.Context, kind Kind, grantID string) error
}

// AdminStore exposes the diagnostic surface over the same table. These
// reads never purge: operators need to see expired and consumed rows.
type AdminStore interface {
	List(ctx context.Context, f Filter) ([]Summary, error)
	Get(ctx context.Context, id string) (*Summary, error)
	DeleteByID(ctx context.Context, id string) (int64, error)
	DeleteByGrant(ctx context.Context, grantID string) (int64, error)
}

// FullStore is what a concrete storage backend provides.
type FullStore interface {
	Store
	AdminStore
}

const defaultTTL = 60 * time.Second

// resolveExpiry applies the expiry resolution order shared by every
// backend implementation.
func resolveExpiry(now time.Time, payload Payload, ttl time.Duration) int64 {
	if ttl > 0 {
		return now.Add(ttl).Unix()
	}
	if exp, ok := payload.expSeconds(); ok {
		return exp
	}
	return now.Add(defaultTTL).Unix()
}

// withConsumed merges the consumption timestamp into a copy of the payload,
// the shape the engine expects from a find.
func withConsumed(p Payload, consumedAt int64) Payload {
	out := p.Clone()
	if out == nil {
		out = Payload{}
	}
	if consumedAt != 0 {
		out["consumed"] = consumedAt
	}
	return out
}
