package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore implements Store on the local filesystem under baseDir.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore that writes to the given base directory.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

// resolve maps a storage path to an absolute path inside baseDir.
func (s *LocalStore) resolve(storagePath string) (string, error) {
	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base dir: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(storagePath)))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", storagePath)
	}
	return absPath, nil
}

// Save implements Store.
func (s *LocalStore) Save(_ context.Context, sessionID string, at time.Time, r io.Reader) (string, error) {
	relPath := objectName(sessionID, at)
	absPath, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	f, err := os.Create(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", absPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(absPath)
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	return relPath, nil
}

// Get implements Store.
func (s *LocalStore) Get(_ context.Context, storagePath string) (io.ReadCloser, error) {
	absPath, err := s.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return f, nil
}

// Delete implements Store. Missing files are not an error.
func (s *LocalStore) Delete(_ context.Context, storagePath string) error {
	absPath, err := s.resolve(storagePath)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}
