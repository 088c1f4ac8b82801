package stores

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ConfigExt is the file extension of stored device configurations.
const ConfigExt = ".cfg"

// FileStore keeps one plain-text file per device under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir. The directory is created on
// the first save.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("configs directory is required")
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file that holds the configuration of device.
func (s *FileStore) Path(device string) string {
	return filepath.Join(s.dir, device+ConfigExt)
}

// Load returns the stored configuration, or "" when the file does not exist.
func (s *FileStore) Load(ctx context.Context, device string) (string, error) {
	if err := validateDeviceName(device); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(s.Path(device))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read stored config for %s: %w", device, err)
	}

	return string(data), nil
}

// Save replaces the stored configuration. The text is written to a temporary
// file in the same directory and renamed over the target, so readers see
// either the old or the new record.
func (s *FileStore) Save(ctx context.Context, device, text string) error {
	if err := validateDeviceName(device); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create configs directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+device+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", device, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.WriteString(text); err != nil {
		cleanup()
		return fmt.Errorf("failed to write stored config for %s: %w", device, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync stored config for %s: %w", device, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close stored config for %s: %w", device, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions for %s: %w", device, err)
	}

	if err := os.Rename(tmpName, s.Path(device)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace stored config for %s: %w", device, err)
	}

	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
