package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirplay/sandbox/internal/oidc/token"
)

func seedStore(t *testing.T) token.FullStore {
	t.Helper()
	store := token.NewMemStore()
	ctx := context.Background()

	seed := []struct {
		kind    token.Kind
		id      string
		payload token.Payload
	}{
		{token.KindAccessToken, "at-1", token.Payload{"grantId": "g1"}},
		{token.KindRefreshToken, "rt-1", token.Payload{"grantId": "g1"}},
		{token.KindAccessToken, "at-2", token.Payload{"grantId": "g2"}},
		{token.KindSession, "sess-1", token.Payload{"accountId": "acct-1"}},
	}
	for _, s := range seed {
		if err := store.Upsert(ctx, s.kind, s.id, s.payload, time.Hour); err != nil {
			t.Fatalf("seed %s/%s: %v", s.kind, s.id, err)
		}
	}
	return store
}

func TestServiceList_KindFilter(t *testing.T) {
	svc := NewService(seedStore(t), zerolog.Nop())

	out, err := svc.List(context.Background(), token.Filter{Kind: string(token.KindAccessToken)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 access tokens, got %d", len(out))
	}
	for _, s := range out {
		if s.Kind != string(token.KindAccessToken) {
			t.Errorf("kind leak: %+v", s)
		}
	}
}

func TestServiceGet(t *testing.T) {
	svc := NewService(seedStore(t), zerolog.Nop())

	out, err := svc.Get(context.Background(), "at-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.ID != "at-1" || out.GrantID == nil || *out.GrantID != "g1" {
		t.Errorf("summary: %+v", out)
	}

	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestServiceDelete_Single(t *testing.T) {
	store := seedStore(t)
	svc := NewService(store, zerolog.Nop())

	res, err := svc.Delete(context.Background(), "at-1", false)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Removed != 1 || res.Cascade || res.GrantID != "g1" {
		t.Errorf("result: %+v", res)
	}
	// The sibling on the same grant survives a non-cascade delete.
	if _, err := store.Get(context.Background(), "rt-1"); err != nil {
		t.Errorf("rt-1 should survive: %v", err)
	}
}

func TestServiceDelete_Cascade(t *testing.T) {
	store := seedStore(t)
	svc := NewService(store, zerolog.Nop())

	res, err := svc.Delete(context.Background(), "at-1", true)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Removed != 2 || !res.Cascade || res.GrantID != "g1" {
		t.Errorf("result: %+v", res)
	}
	for _, id := range []string{"at-1", "rt-1"} {
		if _, err := store.Get(context.Background(), id); !errors.Is(err, token.ErrNotFound) {
			t.Errorf("%s should be gone, got %v", id, err)
		}
	}
	// A different grant's token is untouched.
	if _, err := store.Get(context.Background(), "at-2"); err != nil {
		t.Errorf("at-2 should survive: %v", err)
	}
}

func TestServiceDelete_CascadeWithoutGrantFallsBack(t *testing.T) {
	svc := NewService(seedStore(t), zerolog.Nop())

	res, err := svc.Delete(context.Background(), "sess-1", true)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Only the single row goes, but the response still echoes the
	// requested cascade flag; there is no grant to report.
	if res.Removed != 1 || !res.Cascade || res.GrantID != "" {
		t.Errorf("result: %+v", res)
	}
}

func TestServiceDelete_Unknown(t *testing.T) {
	svc := NewService(seedStore(t), zerolog.Nop())

	if _, err := svc.Delete(context.Background(), "missing", false); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}
