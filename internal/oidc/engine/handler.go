package engine

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirplay/sandbox/internal/oidc/client"
)

// RegisterRoutes mounts the engine's protocol endpoints on the group
// (mounted at /oauth2 by main).
func (e *Engine) RegisterRoutes(g *echo.Group) {
	g.GET("/authorize", e.handleAuthorize)
	g.POST("/token", e.handleToken)
	g.GET("/.well-known/smart-configuration", e.handleDiscovery)
}

// handleAuthorize upserts the presenting client and starts an interaction.
// Client provisioning happens before validation so that a first-sighting
// client's redirect_uri is registered by the time it is checked.
func (e *Engine) handleAuthorize(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	if clientID != "" {
		reg := client.Registration{ClientID: clientID, RedirectURI: c.QueryParam("redirect_uri")}
		if err := e.registry.RegisterOrUpdate(c.Request().Context(), reg); err != nil {
			e.logger.Error().Err(err).Str("client_id", clientID).Msg("client provisioning failed")
			return echo.NewHTTPError(http.StatusInternalServerError, "client provisioning failed")
		}
	}

	params := AuthParams{
		ResponseType: c.QueryParam("response_type"),
		ClientID:     clientID,
		RedirectURI:  c.QueryParam("redirect_uri"),
		Scope:        c.QueryParam("scope"),
		State:        c.QueryParam("state"),
		Nonce:        c.QueryParam("nonce"),
	}

	uid, err := e.Authorize(c.Request().Context(), params)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			return c.JSON(http.StatusBadRequest, oauthErr)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "authorization failed")
	}

	return c.Redirect(http.StatusFound, "/oauth2/interaction/"+uid)
}

// handleToken upserts the client from its credentials, then runs the
// exchange.
func (e *Engine) handleToken(c echo.Context) error {
	clientID, clientSecret, haveBasic := c.Request().BasicAuth()
	if !haveBasic {
		clientID = c.FormValue("client_id")
		clientSecret = c.FormValue("client_secret")
	}

	if clientID != "" && clientSecret != "" {
		reg := client.Registration{ClientID: clientID, ClientSecret: clientSecret}
		if err := e.registry.RegisterOrUpdate(c.Request().Context(), reg); err != nil {
			e.logger.Error().Err(err).Str("client_id", clientID).Msg("client provisioning failed")
			return echo.NewHTTPError(http.StatusInternalServerError, "client provisioning failed")
		}
	}

	req := TokenRequest{
		GrantType:    c.FormValue("grant_type"),
		Code:         c.FormValue("code"),
		RedirectURI:  c.FormValue("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: c.FormValue("refresh_token"),
	}

	resp, err := e.Exchange(c.Request().Context(), req)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			status := http.StatusBadRequest
			if oauthErr.Code == "invalid_client" {
				status = http.StatusUnauthorized
			}
			return c.JSON(status, oauthErr)
		}
		e.logger.Error().Err(err).Str("client_id", clientID).Msg("token exchange failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "token exchange failed")
	}

	return c.JSON(http.StatusOK, resp)
}

// handleDiscovery serves the SMART well-known configuration. The feature
// surface mirrors what the engine actually implements: no device flow,
// introspection, revocation, or dynamic registration endpoints.
func (e *Engine) handleDiscovery(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"issuer":                                e.issuer,
		"authorization_endpoint":                e.issuer + "/authorize",
		"token_endpoint":                        e.issuer + "/token",
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"response_types_supported":              []string{"code"},
		"scopes_supported": []string{
			"openid", "profile", "offline_access", "online_access",
			"patient/*.read", "user/*.read", "system/*.read",
			"launch", "launch/patient", "launch/encounter",
		},
		"capabilities": []string{
			"launch-standalone", "client-confidential-symmetric",
			"sso-openid-connect", "context-standalone-patient",
			"permission-offline", "permission-patient", "permission-user",
		},
	})
}
