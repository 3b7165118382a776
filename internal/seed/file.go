package seed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klingon-exchange/lockbox/internal/sealing"
	"github.com/klingon-exchange/lockbox/pkg/helpers"
)

// FileProvider reads the seed from a local file, creating it on first use.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider for the seed file at path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Name returns "filesystem".
func (f *FileProvider) Name() string {
	return "filesystem"
}

// Path returns the seed file location.
func (f *FileProvider) Path() string {
	return f.path
}

// Seed reads the seed file. If it does not exist a fresh random seed is
// written with owner-only permissions.
func (f *FileProvider) Seed(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return f.create()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	if len(data) != sealing.SeedSize {
		helpers.SecureClear(data)
		return nil, fmt.Errorf("%w: seed file holds %d bytes", ErrInvalidSeed, len(data))
	}
	return data, nil
}

func (f *FileProvider) create() ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create seed directory: %w", err)
	}

	seed, err := helpers.GenerateSecureRandom(sealing.SeedSize)
	if err != nil {
		return nil, err
	}

	// Never overwrite a seed created concurrently.
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		helpers.SecureClear(seed)
		return nil, fmt.Errorf("failed to create seed file: %w", err)
	}
	if _, err := file.Write(seed); err != nil {
		file.Close()
		os.Remove(f.path)
		helpers.SecureClear(seed)
		return nil, fmt.Errorf("failed to write seed file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(f.path)
		helpers.SecureClear(seed)
		return nil, fmt.Errorf("failed to sync seed file: %w", err)
	}
	if err := file.Close(); err != nil {
		helpers.SecureClear(seed)
		return nil, fmt.Errorf("failed to close seed file: %w", err)
	}
	return seed, nil
}

var _ Provider = (*FileProvider)(nil)
