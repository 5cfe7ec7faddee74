package engine

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fhirplay/sandbox/internal/oidc/token"
)

// TokenRequest carries the parameters of a token endpoint call.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Exchange handles the token endpoint for both supported grant types.
// Protocol failures come back as *OAuthError; anything else is a storage
// or signing fault.
func (e *Engine) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
		return e.exchangeCode(ctx, req)
	case "refresh_token":
		return e.exchangeRefresh(ctx, req)
	default:
		return nil, &OAuthError{Code: "unsupported_grant_type", Description: "grant_type must be 'authorization_code' or 'refresh_token'"}
	}
}

func (e *Engine) exchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if err := e.authenticateClient(req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	payload, err := e.codes.Find(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("load authorization code: %w", err)
	}
	if payload == nil {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid or expired authorization code"}
	}

	grantID := payload.String("grantId")

	// A consumed code presented again is a replay: the whole token family
	// minted from its grant is revoked before the request is rejected.
	if _, replayed := payload["consumed"]; replayed {
		e.revokeGrantTokens(ctx, grantID)
		e.logger.Warn().Str("grant_id", grantID).Msg("authorization code replay detected, grant tokens revoked")
		return nil, &OAuthError{Code: "invalid_grant", Description: "authorization code already used"}
	}

	if payload.String("clientId") != req.ClientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match"}
	}
	if payload.String("redirectUri") != req.RedirectURI {
		return nil, &OAuthError{Code: "invalid_grant", Description: "redirect_uri does not match"}
	}

	// The consume mark is the single point of serialization: when two
	// presentations of the same code race past the replay check above,
	// only one of them sets the mark. The loser is a replay too.
	marked, err := e.codes.Consume(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if !marked {
		e.revokeGrantTokens(ctx, grantID)
		e.logger.Warn().Str("grant_id", grantID).Msg("authorization code replay detected, grant tokens revoked")
		return nil, &OAuthError{Code: "invalid_grant", Description: "authorization code already used"}
	}

	accountID := payload.String("accountId")
	scope := payload.String("scope")

	resp, err := e.mintTokens(ctx, grantID, accountID, req.ClientID, scope)
	if err != nil {
		return nil, err
	}

	if containsScope(scope, "openid") {
		idToken, err := e.signIDToken(accountID, req.ClientID, payload.String("nonce"), payload.String("acr"))
		if err != nil {
			return nil, fmt.Errorf("sign id token: %w", err)
		}
		resp.IDToken = idToken
	}

	if containsScope(scope, "offline_access") {
		refreshToken, err := randomHex(32)
		if err != nil {
			return nil, fmt.Errorf("generate refresh token: %w", err)
		}
		rt := token.Payload{
			"grantId":   grantID,
			"accountId": accountID,
			"clientId":  req.ClientID,
			"scope":     scope,
		}
		if err := e.refresh.Upsert(ctx, refreshToken, rt, int(e.refreshTTL.Seconds())); err != nil {
			return nil, fmt.Errorf("persist refresh token: %w", err)
		}
		resp.RefreshToken = refreshToken
	}

	return resp, nil
}

func (e *Engine) exchangeRefresh(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if err := e.authenticateClient(req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	payload, err := e.refresh.Find(ctx, req.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if payload == nil {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid or expired refresh token"}
	}
	if payload.String("clientId") != req.ClientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match refresh token"}
	}

	resp, err := e.mintTokens(ctx, payload.String("grantId"), payload.String("accountId"), req.ClientID, payload.String("scope"))
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = req.RefreshToken
	return resp, nil
}

// authenticateClient checks the presented secret against the registry in
// constant time. Every sandbox client is confidential.
func (e *Engine) authenticateClient(clientID, clientSecret string) error {
	c := e.registry.Find(clientID)
	if c == nil {
		return &OAuthError{Code: "invalid_client", Description: "unknown client"}
	}
	if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(c.ClientSecret)) != 1 {
		return &OAuthError{Code: "invalid_client", Description: "invalid client_secret"}
	}
	return nil
}

// mintTokens creates and persists a grant-bound access token and builds
// the response skeleton.
func (e *Engine) mintTokens(ctx context.Context, grantID, accountID, clientID, scope string) (*TokenResponse, error) {
	now := e.now()
	jti, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}

	claims := jwt.MapClaims{
		"iss":       e.issuer,
		"sub":       accountID,
		"aud":       e.issuer + "/fhir",
		"client_id": clientID,
		"jti":       jti,
		"scope":     scope,
		"iat":       now.Unix(),
		"exp":       now.Add(e.tokenTTL).Unix(),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.signingKey)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	record := token.Payload{
		"grantId":   grantID,
		"accountId": accountID,
		"clientId":  clientID,
		"scope":     scope,
		"jti":       jti,
	}
	if err := e.access.Upsert(ctx, jti, record, int(e.tokenTTL.Seconds())); err != nil {
		return nil, fmt.Errorf("persist access token: %w", err)
	}

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(e.tokenTTL.Seconds()),
		Scope:       scope,
	}, nil
}

// signIDToken mints the HS256 ID token for openid-scoped exchanges.
func (e *Engine) signIDToken(accountID, clientID, nonce, acr string) (string, error) {
	now := e.now()
	claims := jwt.MapClaims{
		"iss": e.issuer,
		"sub": accountID,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(e.tokenTTL).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if acr != "" {
		claims["acr"] = acr
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.signingKey)
}

// revokeGrantTokens cascade-deletes every grant-bound artifact minted from
// the grant. Failures are logged and swallowed: revocation on a replay is
// best effort, the request is rejected either way.
func (e *Engine) revokeGrantTokens(ctx context.Context, grantID string) {
	if grantID == "" {
		return
	}
	for _, a := range []*token.Adapter{e.access, e.refresh, e.codes} {
		if err := a.RevokeByGrantID(ctx, grantID); err != nil {
			e.logger.Error().Err(err).Str("grant_id", grantID).Msg("cascade revoke failed")
		}
	}
}

// containsScope checks if a space-separated scope string contains a
// specific scope.
func containsScope(scopeStr, target string) bool {
	for _, s := range strings.Fields(scopeStr) {
		if s == target {
			return true
		}
	}
	return false
}
