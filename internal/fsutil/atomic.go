// Package fsutil holds small filesystem helpers.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to dir/name via a temp file in dir and a
// rename, so readers never observe a partially-written file. An existing
// file is replaced.
func WriteFileAtomic(dir, name string, data []byte, perm os.FileMode) error {
	if name == "" {
		return fmt.Errorf("fsutil: write: empty file name")
	}
	targetPath := filepath.Join(dir, name)

	f, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("fsutil: write %s: %w", targetPath, err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("fsutil: write %s: %w", targetPath, err)
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return fmt.Errorf("fsutil: write %s: %w", targetPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsutil: write %s: %w", targetPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fsutil: write %s: %w", targetPath, err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return fmt.Errorf("fsutil: write %s: %w", targetPath, err)
	}
	return nil
}
