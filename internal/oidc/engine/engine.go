// Package engine implements the sandbox authorization engine: the
// authorization-code and refresh-token flows, pending interactions, grants,
// and sessions. All state lives in the token store, addressed through one
// persistence adapter per artifact kind.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirplay/sandbox/internal/oidc/client"
	"github.com/fhirplay/sandbox/internal/oidc/token"
)

// ErrInteractionNotFound is returned when a uid does not correspond to a
// live pending interaction; the HTTP layer maps it to 404.
var ErrInteractionNotFound = errors.New("interaction not found")

// OAuthError is an OAuth 2.0 protocol error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AuthParams are the authorization request parameters captured when an
// interaction is created and replayed when it finishes.
type AuthParams struct {
	ResponseType string `json:"response_type"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
	Scope        string `json:"scope"`
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
}

// Interaction is a paused authorization-code flow awaiting end-user
// authentication, identified by its uid.
type Interaction struct {
	UID     string
	Params  AuthParams
	GrantID string
}

// Grant records a client+account+scope authorization. Tokens minted from
// it carry its id for cascade revocation.
type Grant struct {
	ID        string
	AccountID string
	ClientID  string
	scopes    []string
}

// AddScope merges a space-separated scope string into the accepted set.
// The union is idempotent: already-granted scopes are not duplicated.
func (g *Grant) AddScope(scope string) {
	for _, s := range strings.Fields(scope) {
		if !g.HasScope(s) {
			g.scopes = append(g.scopes, s)
		}
	}
}

// HasScope reports whether a single scope has been accepted.
func (g *Grant) HasScope(scope string) bool {
	for _, s := range g.scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Scope returns the accepted scopes as a space-separated string.
func (g *Grant) Scope() string { return strings.Join(g.scopes, " ") }

// LoginResult is the authentication half of an interaction result.
type LoginResult struct {
	AccountID string
	ACR       string
}

// ConsentResult is the consent half of an interaction result.
type ConsentResult struct {
	GrantID string
}

// Result finishes an interaction. Submissions are never merged with an
// earlier partial result for the same interaction: each login is evaluated
// on its own.
type Result struct {
	Login   LoginResult
	Consent ConsentResult
}

// TokenResponse is the OAuth2 token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Engine is the sandbox authorization engine. It is deliberately small:
// device flow, introspection, revocation endpoints, and dynamic client
// registration are not implemented. Clients come exclusively from the
// opportunistic registry.
type Engine struct {
	issuer     string
	signingKey []byte
	registry   *client.Registry
	logger     zerolog.Logger

	interactions *token.Adapter
	grants       *token.Adapter
	codes        *token.Adapter
	sessions     *token.Adapter
	access       *token.Adapter
	refresh      *token.Adapter

	interactionTTL time.Duration
	codeTTL        time.Duration
	tokenTTL       time.Duration
	refreshTTL     time.Duration
	sessionTTL     time.Duration

	now func() time.Time
}

// New creates an engine over the given store and client registry.
func New(issuer string, signingKey []byte, store token.Store, registry *client.Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		issuer:     issuer,
		signingKey: signingKey,
		registry:   registry,
		logger:     logger.With().Str("component", "oidc-engine").Logger(),

		interactions: token.NewAdapter(store, token.KindInteraction),
		grants:       token.NewAdapter(store, token.KindGrant),
		codes:        token.NewAdapter(store, token.KindAuthorizationCode),
		sessions:     token.NewAdapter(store, token.KindSession),
		access:       token.NewAdapter(store, token.KindAccessToken),
		refresh:      token.NewAdapter(store, token.KindRefreshToken),

		interactionTTL: time.Hour,
		codeTTL:        5 * time.Minute,
		tokenTTL:       time.Hour,
		refreshTTL:     24 * time.Hour,
		sessionTTL:     12 * time.Hour,

		now: time.Now,
	}
}

// Issuer returns the configured issuer URL.
func (e *Engine) Issuer() string { return e.issuer }

// ---------------------------------------------------------------------------
// Authorization request
// ---------------------------------------------------------------------------

// Authorize validates an authorization request and creates the pending
// interaction the user is sent to. It returns the interaction uid.
func (e *Engine) Authorize(ctx context.Context, params AuthParams) (string, error) {
	if params.ResponseType != "code" {
		return "", &OAuthError{Code: "unsupported_response_type", Description: "response_type must be 'code'"}
	}
	if params.ClientID == "" {
		return "", &OAuthError{Code: "invalid_request", Description: "client_id is required"}
	}

	c := e.registry.Find(params.ClientID)
	if c == nil {
		return "", &OAuthError{Code: "invalid_request", Description: "unknown client_id"}
	}
	if params.RedirectURI == "" || !c.HasRedirectURI(params.RedirectURI) {
		return "", &OAuthError{Code: "invalid_request", Description: "redirect_uri not registered for this client"}
	}

	uid := uuid.NewString()
	payload := token.Payload{
		"uid": uid,
		"params": map[string]any{
			"response_type": params.ResponseType,
			"client_id":     params.ClientID,
			"redirect_uri":  params.RedirectURI,
			"scope":         params.Scope,
			"state":         params.State,
			"nonce":         params.Nonce,
		},
	}
	if err := e.interactions.Upsert(ctx, uid, payload, int(e.interactionTTL.Seconds())); err != nil {
		return "", fmt.Errorf("persist interaction: %w", err)
	}

	e.logger.Info().Str("uid", uid).Str("client_id", params.ClientID).Msg("authorization interaction created")
	return uid, nil
}

// InteractionDetails loads a pending interaction. Absent or expired uids
// yield ErrInteractionNotFound.
func (e *Engine) InteractionDetails(ctx context.Context, uid string) (*Interaction, error) {
	payload, err := e.interactions.Find(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("load interaction %s: %w", uid, err)
	}
	if payload == nil {
		return nil, ErrInteractionNotFound
	}
	return interactionFromPayload(uid, payload), nil
}

func interactionFromPayload(uid string, payload token.Payload) *Interaction {
	in := &Interaction{UID: uid, GrantID: payload.String("grantId")}
	if params, ok := payload["params"].(map[string]any); ok {
		p := token.Payload(params)
		in.Params = AuthParams{
			ResponseType: p.String("response_type"),
			ClientID:     p.String("client_id"),
			RedirectURI:  p.String("redirect_uri"),
			Scope:        p.String("scope"),
			State:        p.String("state"),
			Nonce:        p.String("nonce"),
		}
	}
	return in
}

// ---------------------------------------------------------------------------
// Grants
// ---------------------------------------------------------------------------

// NewGrant starts an empty grant for an account and client.
func (e *Engine) NewGrant(accountID, clientID string) *Grant {
	return &Grant{AccountID: accountID, ClientID: clientID}
}

// FindGrant loads a grant by id; absent or expired grants yield nil.
func (e *Engine) FindGrant(ctx context.Context, grantID string) (*Grant, error) {
	if grantID == "" {
		return nil, nil
	}
	payload, err := e.grants.Find(ctx, grantID)
	if err != nil {
		return nil, fmt.Errorf("load grant %s: %w", grantID, err)
	}
	if payload == nil {
		return nil, nil
	}
	g := &Grant{
		ID:        grantID,
		AccountID: payload.String("accountId"),
		ClientID:  payload.String("clientId"),
	}
	g.AddScope(payload.String("scope"))
	return g, nil
}

// SaveGrant persists the grant, assigning an id on first save, and
// returns the grant id.
func (e *Engine) SaveGrant(ctx context.Context, g *Grant) (string, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	payload := token.Payload{
		"accountId": g.AccountID,
		"clientId":  g.ClientID,
		"scope":     g.Scope(),
	}
	if err := e.grants.Upsert(ctx, g.ID, payload, int(e.refreshTTL.Seconds())); err != nil {
		return "", fmt.Errorf("persist grant: %w", err)
	}
	return g.ID, nil
}

// ---------------------------------------------------------------------------
// Interaction completion
// ---------------------------------------------------------------------------

// FinishInteraction completes a pending interaction with a login and
// consent result. It mints the single-use authorization code, records the
// interaction's grant id, establishes a session for the account, destroys
// the interaction, and returns the redirect target plus the session id.
func (e *Engine) FinishInteraction(ctx context.Context, uid string, res Result) (redirectTo, sessionID string, err error) {
	in, err := e.InteractionDetails(ctx, uid)
	if err != nil {
		return "", "", err
	}
	if res.Login.AccountID == "" {
		return "", "", fmt.Errorf("interaction %s: login result has no account", uid)
	}
	if res.Consent.GrantID == "" {
		return "", "", fmt.Errorf("interaction %s: consent result has no grant", uid)
	}

	grant, err := e.FindGrant(ctx, res.Consent.GrantID)
	if err != nil {
		return "", "", err
	}
	if grant == nil {
		return "", "", fmt.Errorf("interaction %s: grant %s not found", uid, res.Consent.GrantID)
	}

	code, err := randomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate authorization code: %w", err)
	}
	codePayload := token.Payload{
		"grantId":     grant.ID,
		"accountId":   res.Login.AccountID,
		"clientId":    in.Params.ClientID,
		"redirectUri": in.Params.RedirectURI,
		"scope":       grant.Scope(),
		"acr":         res.Login.ACR,
		"nonce":       in.Params.Nonce,
	}
	if err := e.codes.Upsert(ctx, code, codePayload, int(e.codeTTL.Seconds())); err != nil {
		return "", "", fmt.Errorf("persist authorization code: %w", err)
	}

	sessionID = uuid.NewString()
	sessionPayload := token.Payload{
		"accountId": res.Login.AccountID,
		"acr":       res.Login.ACR,
		"uid":       sessionID,
	}
	if err := e.sessions.Upsert(ctx, sessionID, sessionPayload, int(e.sessionTTL.Seconds())); err != nil {
		return "", "", fmt.Errorf("persist session: %w", err)
	}

	if err := e.interactions.Destroy(ctx, uid); err != nil {
		return "", "", fmt.Errorf("destroy interaction %s: %w", uid, err)
	}

	target, err := url.Parse(in.Params.RedirectURI)
	if err != nil {
		return "", "", fmt.Errorf("interaction %s: invalid redirect_uri: %w", uid, err)
	}
	q := target.Query()
	q.Set("code", code)
	if in.Params.State != "" {
		q.Set("state", in.Params.State)
	}
	q.Set("iss", e.issuer)
	target.RawQuery = q.Encode()

	e.logger.Info().
		Str("uid", uid).
		Str("account_id", res.Login.AccountID).
		Str("grant_id", grant.ID).
		Msg("authorization interaction finished")

	return target.String(), sessionID, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Logout destroys the session. It returns the account that was signed in
// and whether an active session existed.
func (e *Engine) Logout(ctx context.Context, sessionID string) (accountID string, active bool, err error) {
	if sessionID == "" {
		return "", false, nil
	}
	payload, err := e.sessions.Find(ctx, sessionID)
	if err != nil {
		return "", false, fmt.Errorf("load session: %w", err)
	}
	if payload == nil {
		return "", false, nil
	}
	if err := e.sessions.Destroy(ctx, sessionID); err != nil {
		return "", false, fmt.Errorf("destroy session: %w", err)
	}
	return payload.String("accountId"), true, nil
}

// randomHex generates a cryptographically random hex string of n bytes.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
