package host

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/voicemd/internal/service"
)

var ErrFileExists = service.ErrFileExists

// VaultStorage stores notes below a root directory
type VaultStorage struct {
	root string
}

// NewVaultStorage creates storage rooted at dir
func NewVaultStorage(dir string) *VaultStorage {
	return &VaultStorage{root: dir}
}

// Root returns the vault directory
func (v *VaultStorage) Root() string {
	return v.root
}

func (v *VaultStorage) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the vault", path)
	}
	return filepath.Join(v.root, clean), nil
}

// EnsureFolder creates the folder and its parents if missing
func (v *VaultStorage) EnsureFolder(path string) error {
	dir, err := v.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", path, err)
	}
	return nil
}

// CreateFile writes a new file. An existing file is never overwritten.
func (v *VaultStorage) CreateFile(path, content string) error {
	file, err := v.resolve(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	slog.Debug("Created file", "path", file, "bytes", len(content))
	return nil
}
