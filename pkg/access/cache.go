package access

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileRoleCache keeps the encrypted role in a local file for the CLI.
type FileRoleCache struct {
	path string
}

// NewFileRoleCache creates a cache backed by path.
func NewFileRoleCache(path string) *FileRoleCache {
	return &FileRoleCache{path: path}
}

// Load returns the cached ciphertext, or "" when nothing is cached.
func (f *FileRoleCache) Load() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read role cache: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Store writes the ciphertext.
func (f *FileRoleCache) Store(cached string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create role cache directory: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(cached), 0600); err != nil {
		return fmt.Errorf("failed to write role cache: %w", err)
	}
	return nil
}

// Clear removes the cache file.
func (f *FileRoleCache) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear role cache: %w", err)
	}
	return nil
}
