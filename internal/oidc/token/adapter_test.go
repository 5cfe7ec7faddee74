package token

import (
	"context"
	"testing"
	"time"
)

func TestAdapter_BindsKind(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	codes := NewAdapter(store, KindAuthorizationCode)
	tokens := NewAdapter(store, KindAccessToken)

	if codes.Kind() != KindAuthorizationCode {
		t.Errorf("expected AuthorizationCode, got %s", codes.Kind())
	}

	if err := codes.Upsert(ctx, "x", Payload{"scope": "openid"}, 600); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := codes.Find(ctx, "x")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.String("scope") != "openid" {
		t.Errorf("adapter roundtrip failed: %+v", got)
	}

	// The same id under a different adapter is invisible.
	other, err := tokens.Find(ctx, "x")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if other != nil {
		t.Error("adapters must not see each other's records")
	}
}

func TestAdapter_TTLSecondsConversion(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	sessions := NewAdapter(store, KindSession)
	if err := sessions.Upsert(ctx, "s1", Payload{}, 3600); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sum, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sum.ExpiresAt != base.Add(time.Hour).Unix() {
		t.Errorf("ttl seconds should map to a duration: expected %d, got %d",
			base.Add(time.Hour).Unix(), sum.ExpiresAt)
	}
}

func TestAdapter_ConsumeAndRevoke(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	codes := NewAdapter(store, KindAuthorizationCode)
	if err := codes.Upsert(ctx, "c", Payload{"grantId": "g"}, 600); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	marked, err := codes.Consume(ctx, "c")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !marked {
		t.Fatal("consume should report that it marked the record")
	}
	got, err := codes.Find(ctx, "c")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.consumedSeconds() == 0 {
		t.Error("consume through the adapter should mark the record")
	}

	if err := codes.RevokeByGrantID(ctx, "g"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err = codes.Find(ctx, "c")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != nil {
		t.Error("revoke through the adapter should remove grant-bound records")
	}
}
