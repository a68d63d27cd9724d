// Package session persists the refresh token between runs.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"tiwut/internal/models"
)

const fileName = ".tiwut_chat_session"

// LocalStateError describes a session file that exists but cannot be
// used. Load treats it as no session.
type LocalStateError struct {
	Path string
	Err  error
}

func (e *LocalStateError) Error() string {
	return fmt.Sprintf("unusable session file %s: %v", e.Path, e.Err)
}

func (e *LocalStateError) Unwrap() error {
	return e.Err
}

// Store keeps one SessionRecord in a JSON file.
type Store struct {
	path   string
	logger *slog.Logger
}

func New(path string) *Store {
	return &Store{path: path, logger: slog.Default()}
}

// DefaultPath returns the per-user session file in the home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, fileName), nil
}

func (s *Store) Path() string {
	return s.path
}

// Save overwrites the session file. The write goes to a temp file in the
// same directory first and is renamed into place.
func (s *Store) Save(record models.SessionRecord) error {
	if err := s.save(record); err != nil {
		s.logger.Error("Failed to save session", "path", s.path, "error", err)
		return err
	}
	return nil
}

func (s *Store) save(record models.SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, fileName+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := tmp.Chmod(0600); err != nil {
		return fmt.Errorf("failed to restrict temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}

// Load returns the stored record. ok is false when there is no usable
// session: the file is missing, unreadable, malformed or holds no
// refresh token.
func (s *Store) Load() (models.SessionRecord, bool) {
	record, err := s.load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("Ignoring session file", "error", err)
		}
		return models.SessionRecord{}, false
	}
	return record, true
}

func (s *Store) load() (models.SessionRecord, error) {
	var record models.SessionRecord

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return record, err
		}
		return record, &LocalStateError{Path: s.path, Err: err}
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, &LocalStateError{Path: s.path, Err: err}
	}
	if record.RefreshToken == "" {
		return record, &LocalStateError{Path: s.path, Err: errors.New("no refresh token")}
	}
	return record, nil
}

// Clear removes the session file. A missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("Failed to clear session", "path", s.path, "error", err)
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
