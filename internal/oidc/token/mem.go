package token

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is the in-memory Store used when no database is configured and
// by the behavioral test suite. A single mutex guards the whole table,
// which keeps every mutation atomic per row. Rows are keyed by id alone,
// mirroring the database primary key: upserting an id under a new kind
// replaces the old row, while kind-scoped reads guard on the stored kind.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Upsert implements Store.
func (s *MemStore) Upsert(_ context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error {
	rec := Record{
		ID:         id,
		Kind:       kind,
		Payload:    payload.Clone(),
		GrantID:    payload.String("grantId"),
		UserCode:   payload.String("userCode"),
		UID:        payload.String("uid"),
		ExpiresAt:  resolveExpiry(s.now(), payload, ttl),
		ConsumedAt: payload.consumedSeconds(),
	}

	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()
	return nil
}

// Find implements Store.
func (s *MemStore) Find(_ context.Context, kind Kind, id string) (Payload, error) {
	now := s.now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Kind != kind {
		return nil, nil
	}
	if rec.ExpiresAt < now {
		delete(s.records, id)
		return nil, nil
	}
	return withConsumed(rec.Payload, rec.ConsumedAt), nil
}

// FindByUID implements Store.
func (s *MemStore) FindByUID(_ context.Context, kind Kind, uid string) (Payload, error) {
	return s.findBy(kind, func(r Record) bool { return r.UID == uid })
}

// FindByUserCode implements Store.
func (s *MemStore) FindByUserCode(_ context.Context, kind Kind, userCode string) (Payload, error) {
	return s.findBy(kind, func(r Record) bool { return r.UserCode == userCode })
}

// findBy purges expired rows of the kind and returns the first live match.
func (s *MemStore) findBy(kind Kind, match func(Record) bool) (Payload, error) {
	now := s.now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if rec.Kind == kind && rec.ExpiresAt < now {
			delete(s.records, id)
		}
	}
	for _, rec := range s.records {
		if rec.Kind == kind && match(rec) {
			return withConsumed(rec.Payload, rec.ConsumedAt), nil
		}
	}
	return nil, nil
}

// Consume implements Store.
func (s *MemStore) Consume(_ context.Context, kind Kind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Kind != kind || rec.ConsumedAt != 0 {
		return false, nil
	}
	rec.ConsumedAt = s.now().Unix()
	s.records[id] = rec
	return true, nil
}

// Destroy implements Store.
func (s *MemStore) Destroy(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok && rec.Kind == kind {
		delete(s.records, id)
	}
	s.mu.Unlock()
	return nil
}

// RevokeByGrantID implements Store.
func (s *MemStore) RevokeByGrantID(_ context.Context, kind Kind, grantID string) error {
	if !kind.GrantBound() || grantID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if rec.Kind == kind && rec.GrantID == grantID {
			delete(s.records, id)
		}
	}
	return nil
}

// List implements AdminStore. No purge: expired and consumed rows stay
// visible for diagnosis.
func (s *MemStore) List(_ context.Context, f Filter) ([]Summary, error) {
	now := s.now().Unix()

	s.mu.RLock()
	var matched []Record
	for _, rec := range s.records {
		if f.Kind != "" && string(rec.Kind) != f.Kind {
			continue
		}
		if !statusMatches(rec, f.Status, now) {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ExpiresAt < matched[j].ExpiresAt })

	limit := f.clampLimit()
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Summary, 0, len(matched))
	for _, rec := range matched {
		out = append(out, summarize(rec))
	}
	return out, nil
}

// statusMatches applies the admin status predicates.
func statusMatches(rec Record, status Status, now int64) bool {
	switch status {
	case StatusActive:
		return rec.ExpiresAt > now && rec.ConsumedAt == 0
	case StatusExpired:
		return rec.ExpiresAt < now
	case StatusConsumed:
		return rec.ConsumedAt != 0
	default:
		return true
	}
}

// Get implements AdminStore.
func (s *MemStore) Get(_ context.Context, id string) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	sum := summarize(rec)
	return &sum, nil
}

// DeleteByID implements AdminStore.
func (s *MemStore) DeleteByID(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return 0, nil
	}
	delete(s.records, id)
	return 1, nil
}

// DeleteByGrant implements AdminStore. Unlike RevokeByGrantID this is not
// limited to grant-bound kinds: an operator cascade removes every row that
// references the grant.
func (s *MemStore) DeleteByGrant(_ context.Context, grantID string) (int64, error) {
	if grantID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.records {
		if rec.GrantID == grantID {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
