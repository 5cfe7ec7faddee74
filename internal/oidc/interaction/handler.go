package interaction

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirplay/sandbox/internal/oidc/engine"
)

// SessionCookie is the cookie carrying the login session id.
const SessionCookie = "sandbox.sid"

// Authenticator checks sandbox credentials and yields the account id.
type Authenticator interface {
	Verify(username, password string) (accountID string, ok bool)
}

// Handler serves the interaction API consumed by the login surface.
type Handler struct {
	ctl      *Controller
	accounts Authenticator
	logger   zerolog.Logger
}

// NewHandler creates the interaction HTTP handler.
func NewHandler(ctl *Controller, accounts Authenticator, logger zerolog.Logger) *Handler {
	return &Handler{
		ctl:      ctl,
		accounts: accounts,
		logger:   logger.With().Str("component", "interaction-http").Logger(),
	}
}

// RegisterRoutes mounts the interaction endpoints on the OAuth group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/interaction/:uid", h.handleGetInteraction)
	g.GET("/api/interaction/:uid", h.handleGetInteraction)
	g.POST("/api/interaction/:uid/login", h.handleLogin)
	g.POST("/logout", h.handleLogout)
}

func (h *Handler) handleGetInteraction(c echo.Context) error {
	uid := c.Param("uid")
	ictx, err := h.ctl.GetContext(c.Request().Context(), uid)
	if err != nil {
		if errors.Is(err, engine.ErrInteractionNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{
				"error":   "interaction_not_found",
				"message": "The authorization request no longer exists or has expired.",
			})
		}
		h.logger.Error().Err(err).Str("uid", uid).Msg("interaction lookup failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":   "interaction_error",
			"message": "Unable to load the authorization request.",
		})
	}
	return c.JSON(http.StatusOK, ictx)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(c echo.Context) error {
	uid := c.Param("uid")

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":   "invalid_request",
			"message": "Request body must be JSON with username and password.",
		})
	}
	if req.Username == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":   "invalid_request",
			"message": "Username and password are required.",
		})
	}

	accountID, ok := h.accounts.Verify(req.Username, req.Password)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{
			"error":   "invalid_credentials",
			"message": "Invalid username or password.",
		})
	}

	redirectTo, sessionID, err := h.ctl.Finalize(c.Request().Context(), uid, accountID)
	if err != nil {
		if errors.Is(err, engine.ErrInteractionNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{
				"error":   "interaction_not_found",
				"message": "The authorization request no longer exists or has expired.",
			})
		}
		h.logger.Error().Err(err).
			Str("uid", uid).
			Str("username", req.Username).
			Msg("interaction finalize failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":   "interaction_error",
			"message": "Unable to complete the login.",
		})
	}

	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return c.JSON(http.StatusOK, echo.Map{"redirectTo": redirectTo})
}

func (h *Handler) handleLogout(c echo.Context) error {
	cookie, err := c.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return c.JSON(http.StatusOK, echo.Map{"status": "no-active-session"})
	}

	active, err := h.ctl.Logout(c.Request().Context(), cookie.Value)
	if err != nil {
		h.logger.Error().Err(err).Msg("logout failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":   "logout_error",
			"message": "Unable to end the session.",
		})
	}

	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		SameSite: http.SameSiteLaxMode,
	})

	status := "logged-out"
	if !active {
		status = "no-active-session"
	}
	return c.JSON(http.StatusOK, echo.Map{"status": status})
}
