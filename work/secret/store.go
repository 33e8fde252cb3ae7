package secret

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"stepzz-proxy/work/database"
)

// Store persists the single rotatable secret value.
type Store interface {
	Load() (string, error)
	Save(value string) error
}

// FileStore keeps the secret in one file. A missing file reads as "".
type FileStore struct {
	Path string
}

// Load reads the persisted secret.
func (f *FileStore) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes value through a temp file and rename so readers never see a
// partially written secret.
func (f *FileStore) Save(value string) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secret directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".secret-*")
	if err != nil {
		return fmt.Errorf("failed to create temp secret file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write secret: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod secret: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close secret: %w", err)
	}
	return os.Rename(tmp.Name(), f.Path)
}

const settingKey = "playlist_secret"

// DBStore keeps the secret in the settings table of the application database.
type DBStore struct {
	DB *database.DB
}

// Load reads the persisted secret.
func (s *DBStore) Load() (string, error) {
	value, _, err := s.DB.GetSetting(settingKey)
	return value, err
}

// Save persists value.
func (s *DBStore) Save(value string) error {
	return s.DB.SetSetting(settingKey, value)
}

// MemoryStore is a non-persistent store, used when nothing else is configured.
type MemoryStore struct {
	value string
}

// Load returns the held value.
func (m *MemoryStore) Load() (string, error) { return m.value, nil }

// Save replaces the held value.
func (m *MemoryStore) Save(value string) error {
	m.value = value
	return nil
}
