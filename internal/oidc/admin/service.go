// Package admin exposes inspection and revocation over stored OIDC
// artifacts. It reads records as they are, including expired and consumed
// ones; nothing here purges.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fhirplay/sandbox/internal/oidc/token"
)

// ErrTokenNotFound is returned when no record matches the given id.
var ErrTokenNotFound = errors.New("token not found")

// DeleteResult reports the outcome of a delete operation. Cascade echoes
// the caller's request; GrantID is the deleted token's grant, empty for
// tokens bound to no grant.
type DeleteResult struct {
	Removed int    `json:"removed"`
	Cascade bool   `json:"cascade"`
	GrantID string `json:"grantId,omitempty"`
}

// Service implements the admin token operations over an AdminStore.
type Service struct {
	store  token.AdminStore
	logger zerolog.Logger
}

// NewService creates the admin token service.
func NewService(store token.AdminStore, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "token-admin").Logger(),
	}
}

// List returns token summaries matching the filter, oldest expiry first.
func (s *Service) List(ctx context.Context, filter token.Filter) ([]token.Summary, error) {
	out, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return out, nil
}

// Get returns the summary for a single token id, of any kind.
func (s *Service) Get(ctx context.Context, id string) (*token.Summary, error) {
	out, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get token %s: %w", id, err)
	}
	return out, nil
}

// Delete removes a token by id. With cascade, every record sharing the
// token's grant id is removed instead, the target included. The result
// echoes the requested cascade flag and always carries the deleted
// token's grant id, whether or not the cascade branch ran.
func (s *Service) Delete(ctx context.Context, id string, cascade bool) (*DeleteResult, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get token %s: %w", id, err)
	}

	grantID := ""
	if rec.GrantID != nil {
		grantID = *rec.GrantID
	}

	if cascade && grantID != "" {
		removed, err := s.store.DeleteByGrant(ctx, grantID)
		if err != nil {
			return nil, fmt.Errorf("delete grant %s tokens: %w", grantID, err)
		}
		s.logger.Info().
			Str("token_id", id).
			Str("grant_id", grantID).
			Int64("removed", removed).
			Msg("tokens revoked by grant")
		return &DeleteResult{Removed: int(removed), Cascade: cascade, GrantID: grantID}, nil
	}

	removed, err := s.store.DeleteByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("delete token %s: %w", id, err)
	}
	s.logger.Info().Str("token_id", id).Msg("token removed")
	return &DeleteResult{Removed: int(removed), Cascade: cascade, GrantID: grantID}, nil
}
