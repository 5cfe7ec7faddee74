package fhir

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "example"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	bundle := `{"resourceType":"Bundle","type":"searchset","entry":[]}`
	if err := os.WriteFile(filepath.Join(root, "example", "Observation.json"), []byte(bundle), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "example", "Condition.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return NewStore(root, zerolog.Nop()), root
}

func TestRead(t *testing.T) {
	store, _ := newTestStore(t)

	doc, err := store.Read("example", "Observation")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(doc) == 0 {
		t.Fatal("empty document")
	}
}

func TestRead_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Read("example", "MedicationRequest"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing resource type: %v", err)
	}
	if _, err := store.Read("nobody", "Observation"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing patient: %v", err)
	}
}

func TestRead_MalformedDocument(t *testing.T) {
	store, root := newTestStore(t)

	_, err := store.Read("example", "Condition")
	var dataErr *DataError
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected DataError, got %v", err)
	}
	want := filepath.Join(root, "example", "Condition.json")
	if dataErr.Path != want {
		t.Errorf("path = %q, want %q", dataErr.Path, want)
	}
}
