package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileTokenStore keeps the refresh token in a local file, for CLI use.
type FileTokenStore struct {
	now  func() time.Time
	path string
}

// NewFileTokenStore creates a new FileTokenStore that reads/writes to the given path.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	if path == "" {
		return nil, errors.New("token file path is required")
	}
	return &FileTokenStore{now: time.Now, path: path}, nil
}

// Path returns the token file location.
func (s *FileTokenStore) Path() string {
	return s.path
}

// RefreshToken returns the current refresh token from the file.
func (s *FileTokenStore) RefreshToken(_ context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("token file not found: %s (run 'adsmirror auth' to authenticate): %w", s.path, ErrNoRefreshToken)
		}
		return "", fmt.Errorf("reading token file: %w", err)
	}

	token, err := decodeToken(string(data))
	if err != nil {
		return "", fmt.Errorf("token file %s: %w", s.path, err)
	}
	return token, nil
}

// SaveRefreshToken writes the refresh token to the file, readable only by the owner.
func (s *FileTokenStore) SaveRefreshToken(_ context.Context, token string) error {
	doc, err := encodeToken(token, s.now())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	if err := os.WriteFile(s.path, []byte(doc+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	return nil
}
