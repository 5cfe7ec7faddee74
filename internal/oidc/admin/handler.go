package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirplay/sandbox/internal/oidc/token"
)

// AdminTokenHeader carries the shared secret guarding the admin API.
const AdminTokenHeader = "x-admin-token"

// Handler serves the admin token API.
type Handler struct {
	svc        *Service
	adminToken string
	logger     zerolog.Logger
}

// NewHandler creates the admin HTTP handler. adminToken is the shared
// secret required in the x-admin-token header; when empty, the API is
// disabled and every request is rejected.
func NewHandler(svc *Service, adminToken string, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:        svc,
		adminToken: adminToken,
		logger:     logger.With().Str("component", "token-admin-http").Logger(),
	}
}

// RegisterRoutes mounts the admin endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.Use(h.requireAdminToken)
	g.GET("/tokens", h.handleList)
	g.GET("/tokens/:id", h.handleGet)
	g.DELETE("/tokens/:id", h.handleDelete)
}

func (h *Handler) requireAdminToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		presented := c.Request().Header.Get(AdminTokenHeader)
		if h.adminToken == "" || presented == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(h.adminToken)) != 1 {
			return c.JSON(http.StatusUnauthorized, echo.Map{
				"error":   "unauthorized",
				"message": "A valid x-admin-token header is required.",
			})
		}
		return next(c)
	}
}

func (h *Handler) handleList(c echo.Context) error {
	filter := token.Filter{
		Kind:   c.QueryParam("type"),
		Status: token.ParseStatus(c.QueryParam("status")),
		Limit:  parseLimit(c.QueryParam("limit")),
	}

	out, err := h.svc.List(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("token listing failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":   "internal_error",
			"message": "Unable to list tokens.",
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"data": out,
		"meta": echo.Map{"count": len(out)},
	})
}

func (h *Handler) handleGet(c echo.Context) error {
	id := c.Param("id")
	out, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{
				"error":   "not_found",
				"message": "No token with that id.",
			})
		}
		h.logger.Error().Err(err).Str("token_id", id).Msg("token lookup failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":   "internal_error",
			"message": "Unable to load the token.",
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) handleDelete(c echo.Context) error {
	id := c.Param("id")
	cascade := c.QueryParam("cascade") == "true"

	res, err := h.svc.Delete(c.Request().Context(), id, cascade)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{
				"error":   "not_found",
				"message": "No token with that id.",
			})
		}
		h.logger.Error().Err(err).Str("token_id", id).Msg("token delete failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":   "internal_error",
			"message": "Unable to delete the token.",
		})
	}

	// grantId serializes as null for tokens with no grant.
	resp := echo.Map{
		"removed": res.Removed,
		"cascade": res.Cascade,
	}
	if res.GrantID != "" {
		resp["grantId"] = res.GrantID
	} else {
		resp["grantId"] = nil
	}
	return c.JSON(http.StatusOK, resp)
}

// parseLimit reads the limit query parameter. Absent or unparsable values
// defer to the store default; explicit values are floored at 1 and capped
// by the store.
func parseLimit(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	if n < 1 {
		return 1
	}
	return n
}
