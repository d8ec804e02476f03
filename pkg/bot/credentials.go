// Copyright 2024-2026 Aiku AI

package bot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CredentialStore persists the credential material of the bot identity.
type CredentialStore interface {
	Load() (*Credentials, error)
	Save(creds *Credentials) error
	Clear() error
}

// CredentialsFileName is the file inside the auth directory holding the
// credential material.
const CredentialsFileName = "credentials.json"

// FileCredentialStore keeps credentials as a JSON file that is replaced
// atomically on every save.
type FileCredentialStore struct {
	Dir string
}

var _ CredentialStore = (*FileCredentialStore)(nil)

func (s *FileCredentialStore) path() string {
	return filepath.Join(s.Dir, CredentialsFileName)
}

// Load reads the stored credentials. A missing file yields empty
// credentials and no error.
func (s *FileCredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return &Credentials{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	var creds Credentials
	if err = json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return &creds, nil
}

// Save writes the credentials to a temporary file in the same directory and
// renames it over the previous file.
func (s *FileCredentialStore) Save(creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err = os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create auth directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.Dir, CredentialsFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync credentials: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path()); err != nil {
		return fmt.Errorf("failed to replace credentials: %w", err)
	}
	return nil
}

// Clear removes the stored credentials.
func (s *FileCredentialStore) Clear() error {
	err := os.Remove(s.path())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}
