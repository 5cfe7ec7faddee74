package token

import (
	"context"
	"time"
)

// Adapter is the per-kind facade the authorization engine addresses. It
// carries no logic of its own: every call is the matching Store operation
// with the kind bound in. Keeping the kind dispatch out of the storage
// backend lets the backend be swapped without touching how the engine
// addresses records.
type Adapter struct {
	kind  Kind
	store Store
}

// NewAdapter binds a Store to one artifact kind.
func NewAdapter(store Store, kind Kind) *Adapter {
	return &Adapter{kind: kind, store: store}
}

// Kind returns the artifact kind this adapter addresses.
func (a *Adapter) Kind() Kind { return a.kind }

// Upsert stores or replaces the payload under this adapter's kind. The ttl
// is in seconds, matching the engine's expiresIn convention; zero defers
// to the payload exp claim.
func (a *Adapter) Upsert(ctx context.Context, id string, payload Payload, ttlSeconds int) error {
	return a.store.Upsert(ctx, a.kind, id, payload, time.Duration(ttlSeconds)*time.Second)
}

// Find returns the stored payload, or nil when absent or expired.
func (a *Adapter) Find(ctx context.Context, id string) (Payload, error) {
	return a.store.Find(ctx, a.kind, id)
}

// FindByUID looks the record up by its uid secondary key.
func (a *Adapter) FindByUID(ctx context.Context, uid string) (Payload, error) {
	return a.store.FindByUID(ctx, a.kind, uid)
}

// FindByUserCode looks the record up by its user-code secondary key.
func (a *Adapter) FindByUserCode(ctx context.Context, userCode string) (Payload, error) {
	return a.store.FindByUserCode(ctx, a.kind, userCode)
}

// Consume marks the record used and reports whether this call set the mark.
func (a *Adapter) Consume(ctx context.Context, id string) (bool, error) {
	return a.store.Consume(ctx, a.kind, id)
}

// Destroy deletes the record.
func (a *Adapter) Destroy(ctx context.Context, id string) error {
	return a.store.Destroy(ctx, a.kind, id)
}

// RevokeByGrantID deletes every record of this kind bound to the grant.
func (a *Adapter) RevokeByGrantID(ctx context.Context, grantID string) error {
	return a.store.RevokeByGrantID(ctx, a.kind, grantID)
}
