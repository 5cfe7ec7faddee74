// Package account manages the sandbox user directory. Accounts are seeded
// from a JSON credentials file at startup; passwords are hashed with bcrypt
// as they are loaded so plaintext never sits in memory past boot.
package account

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Account is a sandbox login identity. PatientID links the account to the
// FHIR patient whose records it can launch against.
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	PatientID   string `json:"patientId,omitempty"`
}

// seedEntry is the on-disk credential shape, password included.
type seedEntry struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	PatientID   string `json:"patientId"`
}

type record struct {
	account Account
	hash    []byte
}

// Directory verifies sandbox credentials.
type Directory struct {
	mu     sync.RWMutex
	byUser map[string]record
	logger zerolog.Logger
}

// Load reads the credentials file and builds the directory. Entries with a
// missing username or password are skipped with a warning rather than
// failing the whole seed.
func Load(path string, logger zerolog.Logger) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}

	var entries []seedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}

	d := &Directory{
		byUser: make(map[string]record, len(entries)),
		logger: logger.With().Str("component", "accounts").Logger(),
	}
	for _, e := range entries {
		if e.Username == "" || e.Password == "" {
			d.logger.Warn().Str("id", e.ID).Msg("credential entry missing username or password, skipped")
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(e.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash credential for %s: %w", e.Username, err)
		}
		id := e.ID
		if id == "" {
			id = e.Username
		}
		d.byUser[e.Username] = record{
			account: Account{
				ID:          id,
				Username:    e.Username,
				DisplayName: e.DisplayName,
				PatientID:   e.PatientID,
			},
			hash: hash,
		}
	}

	d.logger.Info().Int("count", len(d.byUser)).Str("path", path).Msg("accounts loaded")
	return d, nil
}

// Verify checks a username/password pair and returns the account id.
func (d *Directory) Verify(username, password string) (string, bool) {
	d.mu.RLock()
	rec, ok := d.byUser[username]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn().Str("username", username).Msg("login attempt for unknown user")
		return "", false
	}
	if err := bcrypt.CompareHashAndPassword(rec.hash, []byte(password)); err != nil {
		d.logger.Warn().Str("username", username).Msg("login attempt with wrong password")
		return "", false
	}
	return rec.account.ID, true
}

// Find returns the account for a username, if any.
func (d *Directory) Find(username string) (*Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.byUser[username]
	if !ok {
		return nil, false
	}
	a := rec.account
	return &a, true
}

// List returns every account, ordered by username. Password hashes are not
// exposed.
func (d *Directory) List() []Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Account, 0, len(d.byUser))
	for _, rec := range d.byUser {
		out = append(out, rec.account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
