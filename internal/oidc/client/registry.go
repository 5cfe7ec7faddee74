// Package client implements opportunistic OAuth client provisioning for the
// sandbox: any client_id seen at the authorize or token endpoint is
// registered on the spot, so no pre-registration is required.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fhirplay/sandbox/internal/oidc/token"
)

// Client is a sandbox client registration. The JSON field names follow the
// OAuth dynamic client metadata vocabulary because the record is persisted
// into the engine's client storage as-is.
type Client struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ResponseTypes           []string `json:"response_types"`
	GrantTypes              []string `json:"grant_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// HasRedirectURI reports whether the uri is registered for the client.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, r := range c.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers cannot mutate registry state.
func (c *Client) clone() *Client {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.ResponseTypes = append([]string(nil), c.ResponseTypes...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	return &out
}

// Registration is one sighting of a client_id at the authorize or token
// endpoint. RedirectURI and ClientSecret are merged in when present.
type Registration struct {
	ClientID     string
	RedirectURI  string
	ClientSecret string
}

// Store is the slice of the engine's client storage the registry writes
// through to; *token.Adapter bound to the Client kind satisfies it.
type Store interface {
	Upsert(ctx context.Context, id string, payload token.Payload, ttlSeconds int) error
}

// clientStoreTTLSeconds keeps persisted client definitions live well past
// any single flow; the in-memory registry stays authoritative and
// re-persists on every sighting.
const clientStoreTTLSeconds = 24 * 60 * 60

// Registry holds the known sandbox clients. It is an explicitly-owned
// instance handed to the components that need it; clients are never
// removed within the process lifetime.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	store   Store
}

// NewRegistry creates an empty registry writing through to store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		store:   store,
	}
}

// defaultClient is the record created on the first sighting of a client_id.
func defaultClient(clientID string) *Client {
	return &Client{
		ClientID:                clientID,
		ClientSecret:            uuid.NewString(),
		RedirectURIs:            []string{},
		ResponseTypes:           []string{"code"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethod: "client_secret_basic",
	}
}

// RegisterOrUpdate provisions or merges a client registration and persists
// the result into the engine's client storage so it is immediately usable
// for the authorize and token calls that follow.
func (r *Registry) RegisterOrUpdate(ctx context.Context, reg Registration) error {
	if reg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	r.mu.Lock()
	current, ok := r.clients[reg.ClientID]
	if !ok {
		current = defaultClient(reg.ClientID)
		r.clients[reg.ClientID] = current
	}

	if reg.RedirectURI != "" && !current.HasRedirectURI(reg.RedirectURI) {
		current.RedirectURIs = append(current.RedirectURIs, reg.RedirectURI)
	}
	if reg.ClientSecret != "" {
		current.ClientSecret = reg.ClientSecret
	}
	ensureGrantType(current, "refresh_token")

	persisted := current.clone()
	r.mu.Unlock()

	if err := r.store.Upsert(ctx, persisted.ClientID, clientPayload(persisted), clientStoreTTLSeconds); err != nil {
		return fmt.Errorf("persist client %s: %w", persisted.ClientID, err)
	}
	return nil
}

// Find returns the registered client, or nil when the id is unknown.
func (r *Registry) Find(clientID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	return c.clone()
}

func ensureGrantType(c *Client, grantType string) {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return
		}
	}
	c.GrantTypes = append(c.GrantTypes, grantType)
}

// clientPayload shapes the client record for the token store.
func clientPayload(c *Client) token.Payload {
	p := token.Payload{
		"client_id":                  c.ClientID,
		"client_secret":              c.ClientSecret,
		"redirect_uris":              c.RedirectURIs,
		"response_types":             c.ResponseTypes,
		"grant_types":                c.GrantTypes,
		"token_endpoint_auth_method": c.TokenEndpointAuthMethod,
	}
	if c.ClientName != "" {
		p["client_name"] = c.ClientName
	}
	return p
}
