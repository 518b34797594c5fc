// Package statestore persists a single JSON document to disk with an
// atomic rename, so a reader never observes a torn file (spec.md §4.2).
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Store loads and saves one JSON document at path.
type Store struct {
	path string
}

// New returns a Store bound to path. It does not touch the filesystem.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the document into v. A missing file is not an error: v is
// left at its zero value. A malformed file is fatal (the caller should
// treat the returned error as unrecoverable) since a half-written or
// corrupted state document cannot be safely reconciled against.
func (s *Store) Load(v interface{}) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("statestore: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("statestore: malformed state file %s: %w", s.path, err)
	}
	return nil
}

// Save serializes v to a sibling temp file and renames it over path.
// It returns false (never an error to the caller) when the write fails,
// so integrity-critical callers can alert and continue rather than
// halt mid-transition (spec.md §4.2, §4.14).
func (s *Store) Save(v interface{}) bool {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("statestore: marshal failed")
		return false
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("statestore: create temp failed")
		return false
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		log.Error().Err(err).Str("path", s.path).Msg("statestore: write temp failed")
		return false
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		log.Error().Err(err).Str("path", s.path).Msg("statestore: fsync temp failed")
		return false
	}
	if err := tmp.Close(); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("statestore: close temp failed")
		return false
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("statestore: rename failed")
		return false
	}
	return true
}

// Path returns the canonical path this store writes to.
func (s *Store) Path() string {
	return s.path
}
