// Package fileops provides the local filesystem operations used when the
// bootstrap target is the machine runnerforge itself runs on.
package fileops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileSystemOperations provides filesystem operations
type FileSystemOperations struct {
	logger *zap.Logger
}

// NewFileSystemOperations creates a new filesystem operations implementation
func NewFileSystemOperations(logger *zap.Logger) *FileSystemOperations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSystemOperations{
		logger: logger.Named("filesystem"),
	}
}

// ReadFile reads the entire contents of a file
func (f *FileSystemOperations) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f.logger.Debug("Reading file", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}

// WriteFile replaces path with data. The content is written to a temporary
// file in the same directory, given perm, synced and renamed over path, so
// readers see either the old or the new file. Content is never logged.
func (f *FileSystemOperations) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	f.logger.Debug("Writing file",
		zap.String("path", path),
		zap.Int("size", len(data)),
		zap.String("permissions", perm.String()))

	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set mode on %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	committed = true

	f.logger.Info("File written successfully",
		zap.String("path", path),
		zap.Int("size", len(data)))
	return nil
}

// Exists checks if a file or directory exists
func (f *FileSystemOperations) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check existence of %s: %w", path, err)
}
