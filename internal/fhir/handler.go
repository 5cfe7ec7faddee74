package fhir

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// identifierPattern guards path and query values used to build file paths.
// Anything outside the FHIR id character set is rejected before it can
// reach the filesystem.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.\-]{0,63}$`)

// Handler serves read-only FHIR R4 resources.
type Handler struct {
	store  *Store
	logger zerolog.Logger
}

// NewHandler creates the FHIR HTTP handler.
func NewHandler(store *Store, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger.With().Str("component", "fhir-http").Logger(),
	}
}

// RegisterRoutes mounts the resource endpoints on the R4 group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/:resource", h.handleSearch)
}

func (h *Handler) handleSearch(c echo.Context) error {
	resourceType := c.Param("resource")
	patientID := c.QueryParam("patient")

	if patientID == "" {
		return operationOutcome(c, http.StatusBadRequest, "required", "The patient query parameter is required.")
	}
	if !identifierPattern.MatchString(patientID) || !identifierPattern.MatchString(resourceType) {
		return operationOutcome(c, http.StatusBadRequest, "invalid", "Invalid patient or resource identifier.")
	}

	doc, err := h.store.Read(patientID, resourceType)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return operationOutcome(c, http.StatusNotFound, "not-found", "No "+resourceType+" data for this patient.")
		}
		var dataErr *DataError
		if errors.As(err, &dataErr) {
			h.logger.Error().Err(err).Msg("resource document unreadable")
			return operationOutcome(c, http.StatusInternalServerError, "exception", "The stored resource could not be read.")
		}
		h.logger.Error().Err(err).Msg("resource read failed")
		return operationOutcome(c, http.StatusInternalServerError, "exception", "Unexpected error reading the resource.")
	}

	return c.JSONBlob(http.StatusOK, doc)
}

// operationOutcome writes the FHIR error envelope.
func operationOutcome(c echo.Context, status int, code, diagnostics string) error {
	return c.JSON(status, echo.Map{
		"resourceType": "OperationOutcome",
		"issue": []echo.Map{{
			"severity":    "error",
			"code":        code,
			"diagnostics": diagnostics,
		}},
	})
}
