package engine

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirplay/sandbox/internal/oidc/client"
	"github.com/fhirplay/sandbox/internal/oidc/token"
)

const (
	testIssuer      = "https://sandbox.test/oauth2"
	testClientID    = "demo-app"
	testRedirectURI = "https://demo-app.test/callback"
)

func newTestEngine(t *testing.T) (*Engine, *client.Registry, token.FullStore) {
	t.Helper()

	store := token.NewMemStore()
	registry := client.NewRegistry(token.NewAdapter(store, token.KindClient))
	if err := registry.RegisterOrUpdate(context.Background(), client.Registration{
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
	}); err != nil {
		t.Fatalf("seed client: %v", err)
	}

	eng := New(testIssuer, []byte("test-signing-key"), store, registry, zerolog.Nop())
	return eng, registry, store
}

func authParams() AuthParams {
	return AuthParams{
		ResponseType: "code",
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		Scope:        "openid fhirUser launch/patient",
		State:        "xyz",
		Nonce:        "n-abc",
	}
}

// completeInteraction drives an authorization request through login and
// consent, returning the redirect target and session id.
func completeInteraction(t *testing.T, eng *Engine, params AuthParams) (string, string) {
	t.Helper()
	ctx := context.Background()

	uid, err := eng.Authorize(ctx, params)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	grant := eng.NewGrant("acct-1", params.ClientID)
	grant.AddScope(params.Scope)
	grantID, err := eng.SaveGrant(ctx, grant)
	if err != nil {
		t.Fatalf("save grant: %v", err)
	}

	redirectTo, sessionID, err := eng.FinishInteraction(ctx, uid, Result{
		Login:   LoginResult{AccountID: "acct-1", ACR: "urn:mace:incommon:iap:silver"},
		Consent: ConsentResult{GrantID: grantID},
	})
	if err != nil {
		t.Fatalf("finish interaction: %v", err)
	}
	return redirectTo, sessionID
}

func TestAuthorize_Validation(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*AuthParams)
		code   string
	}{
		{"token response type", func(p *AuthParams) { p.ResponseType = "token" }, "unsupported_response_type"},
		{"missing client_id", func(p *AuthParams) { p.ClientID = "" }, "invalid_request"},
		{"unknown client", func(p *AuthParams) { p.ClientID = "ghost" }, "invalid_request"},
		{"unregistered redirect", func(p *AuthParams) { p.RedirectURI = "https://evil.test/cb" }, "invalid_request"},
		{"missing redirect", func(p *AuthParams) { p.RedirectURI = "" }, "invalid_request"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := authParams()
			tc.mutate(&params)

			_, err := eng.Authorize(ctx, params)
			var oauthErr *OAuthError
			if !errors.As(err, &oauthErr) {
				t.Fatalf("expected OAuthError, got %v", err)
			}
			if oauthErr.Code != tc.code {
				t.Errorf("expected %s, got %s", tc.code, oauthErr.Code)
			}
		})
	}
}

func TestAuthorize_CreatesInteraction(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	uid, err := eng.Authorize(ctx, authParams())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if uid == "" {
		t.Fatal("expected an interaction uid")
	}

	in, err := eng.InteractionDetails(ctx, uid)
	if err != nil {
		t.Fatalf("interaction details: %v", err)
	}
	if in.UID != uid {
		t.Errorf("uid mismatch: %s != %s", in.UID, uid)
	}
	if in.Params.ClientID != testClientID || in.Params.Scope != "openid fhirUser launch/patient" {
		t.Errorf("params not preserved: %+v", in.Params)
	}
	if in.Params.Nonce != "n-abc" || in.Params.State != "xyz" {
		t.Errorf("state/nonce not preserved: %+v", in.Params)
	}
}

func TestInteractionDetails_Unknown(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.InteractionDetails(context.Background(), "no-such-uid")
	if !errors.Is(err, ErrInteractionNotFound) {
		t.Errorf("expected ErrInteractionNotFound, got %v", err)
	}
}

func TestGrant_AddScopeIsIdempotentUnion(t *testing.T) {
	g := &Grant{}
	g.AddScope("openid profile")
	g.AddScope("profile offline_access openid")

	if g.Scope() != "openid profile offline_access" {
		t.Errorf("unexpected scope union: %q", g.Scope())
	}
	if !g.HasScope("offline_access") || g.HasScope("launch") {
		t.Error("HasScope misreports membership")
	}
}

func TestSaveGrant_Roundtrip(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	grant := eng.NewGrant("acct-9", testClientID)
	grant.AddScope("openid launch/patient")

	id, err := eng.SaveGrant(ctx, grant)
	if err != nil {
		t.Fatalf("save grant: %v", err)
	}

	loaded, err := eng.FindGrant(ctx, id)
	if err != nil {
		t.Fatalf("find grant: %v", err)
	}
	if loaded == nil {
		t.Fatal("saved grant not found")
	}
	if loaded.AccountID != "acct-9" || loaded.ClientID != testClientID {
		t.Errorf("grant fields lost: %+v", loaded)
	}
	if loaded.Scope() != "openid launch/patient" {
		t.Errorf("scope lost: %q", loaded.Scope())
	}

	missing, err := eng.FindGrant(ctx, "nope")
	if err != nil {
		t.Fatalf("find missing grant: %v", err)
	}
	if missing != nil {
		t.Error("unknown grant id should yield nil")
	}
}

func TestFinishInteraction_RedirectAndCleanup(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	params := authParams()

	uid, err := eng.Authorize(ctx, params)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	grant := eng.NewGrant("acct-1", params.ClientID)
	grant.AddScope(params.Scope)
	grantID, err := eng.SaveGrant(ctx, grant)
	if err != nil {
		t.Fatalf("save grant: %v", err)
	}

	redirectTo, sessionID, err := eng.FinishInteraction(ctx, uid, Result{
		Login:   LoginResult{AccountID: "acct-1", ACR: "urn:mace:incommon:iap:silver"},
		Consent: ConsentResult{GrantID: grantID},
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if sessionID == "" {
		t.Error("expected a session id")
	}

	target, err := url.Parse(redirectTo)
	if err != nil {
		t.Fatalf("redirect target unparsable: %v", err)
	}
	if got := target.Scheme + "://" + target.Host + target.Path; got != testRedirectURI {
		t.Errorf("redirect base: expected %s, got %s", testRedirectURI, got)
	}
	q := target.Query()
	if q.Get("code") == "" {
		t.Error("redirect must carry the authorization code")
	}
	if q.Get("state") != "xyz" {
		t.Errorf("state not echoed: %q", q.Get("state"))
	}
	if q.Get("iss") != testIssuer {
		t.Errorf("iss not attached: %q", q.Get("iss"))
	}

	// The interaction is single-shot: it is gone once finished.
	if _, err := eng.InteractionDetails(ctx, uid); !errors.Is(err, ErrInteractionNotFound) {
		t.Errorf("interaction should be destroyed, got %v", err)
	}
}

func TestFinishInteraction_RequiresLoginAndConsent(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	uid, err := eng.Authorize(ctx, authParams())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	if _, _, err := eng.FinishInteraction(ctx, uid, Result{
		Consent: ConsentResult{GrantID: "g"},
	}); err == nil {
		t.Error("expected error without a login result")
	}

	if _, _, err := eng.FinishInteraction(ctx, uid, Result{
		Login: LoginResult{AccountID: "acct-1"},
	}); err == nil {
		t.Error("expected error without a consent result")
	}

	if _, _, err := eng.FinishInteraction(ctx, uid, Result{
		Login:   LoginResult{AccountID: "acct-1"},
		Consent: ConsentResult{GrantID: "missing-grant"},
	}); err == nil {
		t.Error("expected error for an unknown grant")
	}
}

func TestLogout(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, sessionID := completeInteraction(t, eng, authParams())

	accountID, active, err := eng.Logout(ctx, sessionID)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !active {
		t.Error("expected an active session on first logout")
	}
	if accountID != "acct-1" {
		t.Errorf("expected acct-1, got %s", accountID)
	}

	// Second logout of the same session is inert.
	_, active, err = eng.Logout(ctx, sessionID)
	if err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if active {
		t.Error("session must not survive its first logout")
	}

	// Empty session ids never error.
	_, active, err = eng.Logout(ctx, "")
	if err != nil || active {
		t.Errorf("empty session id: expected inert logout, got active=%v err=%v", active, err)
	}
}
