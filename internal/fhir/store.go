// Package fhir serves canned FHIR R4 resources from a directory tree. Each
// patient has a folder of pre-rendered JSON documents, one per resource
// type; the store is read-only and does no FHIR validation of its own.
package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no document exists for the patient and
// resource type.
var ErrNotFound = errors.New("resource not found")

// DataError wraps a document that exists on disk but is not valid JSON.
type DataError struct {
	Path string
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("invalid resource document %s: %v", e.Path, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// Store reads resource documents from {root}/{patientID}/{ResourceType}.json.
type Store struct {
	root   string
	logger zerolog.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		root:   dir,
		logger: logger.With().Str("component", "fhir-store").Logger(),
	}
}

// Read returns the parsed document for a patient's resource type.
func (s *Store) Read(patientID, resourceType string) (json.RawMessage, error) {
	path := filepath.Join(s.root, patientID, resourceType+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read resource %s: %w", path, err)
	}
	if !json.Valid(raw) {
		s.logger.Error().Str("path", path).Msg("resource document is not valid JSON")
		return nil, &DataError{Path: path, Err: errors.New("malformed JSON")}
	}
	return json.RawMessage(raw), nil
}
