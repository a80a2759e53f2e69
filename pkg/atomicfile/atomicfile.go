// Package atomicfile writes files with a temp-file + rename discipline and keeps a
// bounded set of numbered backups next to the primary file.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoUsableCopy is returned by Read when neither the primary nor any backup decodes.
var ErrNoUsableCopy = errors.New("atomicfile: no usable copy")

// BackupPath returns the path of the n-th backup (1 = newest).
func BackupPath(path string, n int) string {
	return fmt.Sprintf("%s.bak.%d", path, n)
}

// Write replaces path with data. The previous primary is rotated into path.bak.1 and
// older backups shift up to at most `backups` copies; the oldest is discarded.
func Write(path string, data []byte, backups int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := writeSynced(tmpPath, data); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if backups > 0 {
		if err := rotate(path, backups); err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("rotate backups: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// Read decodes the primary file, falling back to the newest decodable backup. When a
// backup was used the primary is repaired from it. The returned source is the path that
// was actually decoded.
func Read(path string, backups int, decode func([]byte) error) (string, error) {
	candidates := make([]string, 0, backups+1)
	candidates = append(candidates, path)
	for i := 1; i <= backups; i++ {
		candidates = append(candidates, BackupPath(path, i))
	}

	var lastErr error
	for i, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		if err := decode(data); err != nil {
			lastErr = fmt.Errorf("decode %s: %w", filepath.Base(p), err)
			continue
		}
		if i > 0 {
			// Repair the primary without touching the backup set.
			if err := Write(path, data, 0); err != nil {
				return p, fmt.Errorf("repair primary from %s: %w", filepath.Base(p), err)
			}
		}
		return p, nil
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return "", fmt.Errorf("%w: %v", ErrNoUsableCopy, lastErr)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	return f.Close()
}

// rotate copies the current primary into .bak.1 after shifting the existing backups.
func rotate(path string, backups int) error {
	current, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := os.Remove(BackupPath(path, backups)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := backups - 1; i >= 1; i-- {
		from := BackupPath(path, i)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, BackupPath(path, i+1)); err != nil {
			return err
		}
	}

	bak := BackupPath(path, 1)
	if err := writeSynced(bak+".tmp", current); err != nil {
		return err
	}
	return os.Rename(bak+".tmp", bak)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
