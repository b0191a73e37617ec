// Backup-guarded file reads and writes.

package flows

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// BackupPath returns the hidden backup sibling of path: ".<basename>.backup".
func BackupPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".backup")
}

// WriteFile replaces the content of path with data.
//
// The previous content, if any, is first copied to backupPath. A failed backup
// is logged and does not prevent the write. The new content is written to a
// temporary file in the same directory then renamed over path.
func WriteFile(path string, data []byte, backupPath string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if backupPath != "" {
		if err := copyFile(path, backupPath, perm); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to back up file", "path", path, "backup", backupPath, "err", err)
		}
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Join(fmt.Errorf("failed to write %s: %w", path, err), os.Remove(tmpPath))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Join(fmt.Errorf("failed to sync %s: %w", path, err), os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmpPath))
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return errors.Join(fmt.Errorf("failed to chmod temp file: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("failed to rename temp file to %s: %w", path, err), os.Remove(tmpPath))
	}
	return nil
}

// ReadFile returns the content of path, or of backupPath when path cannot be
// read. When neither can be read it returns def and usedDefault is true.
//
// A missing primary file is the normal state before the first save and is
// not logged.
func ReadFile(path, backupPath string, def []byte) (data []byte, usedDefault bool) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from configuration
	if err == nil {
		return data, false
	}
	if backupPath != "" {
		if b, berr := os.ReadFile(backupPath); berr == nil { //nolint:gosec // G304: path comes from configuration
			slog.Warn("Restoring from backup", "path", path, "backup", backupPath, "err", err)
			return b, false
		}
	}
	if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to read file, using default", "path", path, "err", err)
	}
	return def, true
}

// readValid is ReadFile that also falls back to the backup when the primary
// content does not pass valid.
func readValid(path, backupPath string, def []byte, valid func([]byte) bool) ([]byte, bool) {
	data, usedDefault := ReadFile(path, backupPath, def)
	if usedDefault || valid(data) {
		return data, usedDefault
	}
	if backupPath != "" {
		if b, err := os.ReadFile(backupPath); err == nil && valid(b) { //nolint:gosec // G304: path comes from configuration
			slog.Warn("Restoring from backup, primary content is invalid", "path", path, "backup", backupPath)
			return b, false
		}
	}
	slog.Warn("File content is invalid, using default", "path", path)
	return def, true
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, perm)
}
