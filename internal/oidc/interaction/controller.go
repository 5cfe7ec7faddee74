// Package interaction exposes the pending-authorization lifecycle to the
// login surface: querying what a flow is asking for, and finalizing it once
// the user has authenticated. The controller holds no state of its own; it
// is a façade over the engine's interaction records, addressed directly by
// uid.
package interaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirplay/sandbox/internal/oidc/client"
	"github.com/fhirplay/sandbox/internal/oidc/engine"
)

// SandboxACR is the fixed authentication context class reported for every
// login. This is a sandbox simplification, not a security claim.
const SandboxACR = "urn:mace:incommon:iap:silver"

// Context describes a pending interaction to the login surface.
type Context struct {
	UID         string   `json:"uid"`
	ClientID    string   `json:"clientId,omitempty"`
	ClientName  string   `json:"clientName,omitempty"`
	RedirectURI string   `json:"redirectUri,omitempty"`
	Scopes      []string `json:"scopes"`
}

// Engine is the slice of the authorization engine the controller needs.
type Engine interface {
	InteractionDetails(ctx context.Context, uid string) (*engine.Interaction, error)
	FindGrant(ctx context.Context, grantID string) (*engine.Grant, error)
	NewGrant(accountID, clientID string) *engine.Grant
	SaveGrant(ctx context.Context, g *engine.Grant) (string, error)
	FinishInteraction(ctx context.Context, uid string, res engine.Result) (redirectTo, sessionID string, err error)
	Logout(ctx context.Context, sessionID string) (accountID string, active bool, err error)
}

// Controller orchestrates interaction lookup and finalization.
type Controller struct {
	engine   Engine
	registry *client.Registry
	logger   zerolog.Logger
}

// NewController creates a controller over the engine and client registry.
func NewController(eng Engine, registry *client.Registry, logger zerolog.Logger) *Controller {
	return &Controller{
		engine:   eng,
		registry: registry,
		logger:   logger.With().Str("component", "interaction").Logger(),
	}
}

// GetContext resolves the login context for a pending interaction. An
// absent or expired uid yields engine.ErrInteractionNotFound.
func (c *Controller) GetContext(ctx context.Context, uid string) (*Context, error) {
	details, err := c.engine.InteractionDetails(ctx, uid)
	if err != nil {
		return nil, err
	}

	out := &Context{
		UID:         details.UID,
		ClientID:    details.Params.ClientID,
		RedirectURI: details.Params.RedirectURI,
		Scopes:      splitScopes(details.Params.Scope),
	}
	if reg := c.registry.Find(details.Params.ClientID); reg != nil {
		out.ClientName = reg.ClientName
	}
	return out, nil
}

// Finalize completes a pending interaction for an authenticated account.
// The interaction's existing grant is extended only when it belongs to the
// same account; a grant id is never reused across accounts. It returns the
// redirect target and the session id established for the login.
func (c *Controller) Finalize(ctx context.Context, uid, accountID string) (redirectTo, sessionID string, err error) {
	details, err := c.engine.InteractionDetails(ctx, uid)
	if err != nil {
		return "", "", err
	}

	var grant *engine.Grant
	if details.GrantID != "" {
		grant, err = c.engine.FindGrant(ctx, details.GrantID)
		if err != nil {
			return "", "", err
		}
		if grant != nil && grant.AccountID != accountID {
			grant = nil
		}
	}
	if grant == nil {
		grant = c.engine.NewGrant(accountID, details.Params.ClientID)
	}

	if details.Params.Scope != "" {
		grant.AddScope(details.Params.Scope)
	}

	grantID, err := c.engine.SaveGrant(ctx, grant)
	if err != nil {
		return "", "", fmt.Errorf("save grant: %w", err)
	}

	res := engine.Result{
		Login:   engine.LoginResult{AccountID: accountID, ACR: SandboxACR},
		Consent: engine.ConsentResult{GrantID: grantID},
	}
	redirectTo, sessionID, err = c.engine.FinishInteraction(ctx, uid, res)
	if err != nil {
		return "", "", err
	}

	c.logger.Info().
		Str("uid", uid).
		Str("account_id", accountID).
		Str("grant_id", grantID).
		Msg("interaction finalized")

	return redirectTo, sessionID, nil
}

// Logout ends the session, reporting whether one was active.
func (c *Controller) Logout(ctx context.Context, sessionID string) (bool, error) {
	accountID, active, err := c.engine.Logout(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if active {
		c.logger.Info().Str("account_id", accountID).Msg("session terminated via logout")
	}
	return active, nil
}

// splitScopes turns a scope string into an ordered list: split on
// whitespace, blank tokens dropped, duplicates removed keeping the first
// occurrence.
func splitScopes(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, s := range fields {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
