package fsstore

import (
	"fmt"
	"os"
)

// FileStore abstracts the filesystem operations the engine needs, so tests
// can run without touching disk.
type FileStore interface {
	Exists(path string) (bool, error)
	// Remove deletes a file, tolerating a missing path.
	Remove(path string) error
	// ListDir lists filenames in a directory, treating a missing directory
	// as empty (first run has no cache directory yet).
	ListDir(path string) ([]string, error)
	Size(path string) (int64, error)
}

// Disk is the FileStore backed by the local filesystem.
type Disk struct{}

func NewDisk() *Disk {
	return &Disk{}
}

func (Disk) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return true, nil
}

func (Disk) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

func (Disk) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}

	return names, nil
}

func (Disk) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return info.Size(), nil
}
