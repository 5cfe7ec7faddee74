package token

import (
	"encoding/json"
)

// Kind identifies the artifact family a stored record belongs to. Records
// are addressed by (kind, id); the kind tags are the ones the authorization
// engine uses when it asks for an adapter.
type Kind string

const (
	KindAccessToken        Kind = "AccessToken"
	KindAuthorizationCode  Kind = "AuthorizationCode"
	KindRefreshToken       Kind = "RefreshToken"
	KindDeviceCode         Kind = "DeviceCode"
	KindBackchannelRequest Kind = "BackchannelAuthenticationRequest"
	KindGrant              Kind = "Grant"
	KindSession            Kind = "Session"
	KindInteraction        Kind = "Interaction"
	KindClient             Kind = "Client"
)

// grantBound is the set of kinds that are revoked when their owning grant
// is invalidated. Revocation of any other kind is a no-op.
var grantBound = map[Kind]bool{
	KindAccessToken:        true,
	KindAuthorizationCode:  true,
	KindRefreshToken:       true,
	KindDeviceCode:         true,
	KindBackchannelRequest: true,
}

// GrantBound reports whether records of this kind are deleted by a
// cascade revoke of their grant id.
func (k Kind) GrantBound() bool { return grantBound[k] }

// Payload is the artifact-specific claim set stored with a record. The
// store treats it as an opaque JSON document; secondary lookup keys
// (grantId, userCode, uid) and the exp claim are lifted out at write time.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the named payload field when it is a non-empty string.
func (p Payload) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// expSeconds extracts the exp claim as Unix seconds. JSON decoding yields
// float64; payloads built in-process may carry int or int64.
func (p Payload) expSeconds() (int64, bool) {
	switch v := p["exp"].(type) {
	case float64:
		return int64(v), v > 0
	case int64:
		return v, v > 0
	case int:
		return int64(v), v > 0
	case json.Number:
		n, err := v.Int64()
		return n, err == nil && n > 0
	default:
		return 0, false
	}
}

// consumedSeconds extracts the consumed marker carried by re-upserted
// payloads, if any.
func (p Payload) consumedSeconds() int64 {
	switch v := p["consumed"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// Record is one persisted row of the token table.
type Record struct {
	ID         string
	Kind       Kind
	Payload    Payload
	GrantID    string // back-reference to the owning grant, lookup key only
	UserCode   string
	UID        string
	ExpiresAt  int64 // Unix seconds, always set
	ConsumedAt int64 // Unix seconds, 0 while unconsumed
}

// Summary is the admin-facing projection of a record. Optional columns are
// pointers so absent values serialize as null, matching the admin API shape.
type Summary struct {
	ID         string  `json:"id"`
	Kind       string  `json:"type"`
	GrantID    *string `json:"grantId"`
	UID        *string `json:"uid"`
	UserCode   *string `json:"userCode"`
	ExpiresAt  int64   `json:"expiresAt"`
	ConsumedAt *int64  `json:"consumedAt"`
	Payload    Payload `json:"payload"`
}

// summarize converts a record into its admin projection.
func summarize(r Record) Summary {
	s := Summary{
		ID:        r.ID,
		Kind:      string(r.Kind),
		ExpiresAt: r.ExpiresAt,
		Payload:   r.Payload,
	}
	if r.GrantID != "" {
		s.GrantID = &r.GrantID
	}
	if r.UID != "" {
		s.UID = &r.UID
	}
	if r.UserCode != "" {
		s.UserCode = &r.UserCode
	}
	if r.ConsumedAt != 0 {
		consumed := r.ConsumedAt
		s.ConsumedAt = &consumed
	}
	return s
}

// Status selects which records an admin listing returns.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusConsumed Status = "consumed"
	StatusAll      Status = "all"
)

// ParseStatus maps a query-string value onto a Status. Unknown or empty
// values fall back to "all", mirroring the admin API's permissive filter.
func ParseStatus(v string) Status {
	switch Status(v) {
	case StatusActive, StatusExpired, StatusConsumed, StatusAll:
		return Status(v)
	default:
		return StatusAll
	}
}

const (
	// DefaultListLimit applies when a listing does not name a limit.
	DefaultListLimit = 100
	// MaxListLimit caps a listing regardless of what was requested.
	MaxListLimit = 500
)

// Filter narrows an admin listing.
type Filter struct {
	Kind   string // exact match on the kind tag, empty = any
	Status Status
	Limit  int
}

// clampLimit normalizes the requested page size into [1, MaxListLimit].
func (f Filter) clampLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}
