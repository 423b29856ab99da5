package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkDir is the scratch tree a bundle is assembled in:
//
//	{base}/{bundle id}/
//	  rpms/       downloaded packages and repodata
//	  manifests/  copies of the manifests used
//
// The caller is responsible for cleaning up by calling Remove().
type WorkDir struct {
	root      string
	rpms      string
	manifests string
}

// NewWorkDir creates the work tree for a bundle.
func NewWorkDir(base, bundleID string) (*WorkDir, error) {
	if base == "" {
		return nil, fmt.Errorf("base directory cannot be empty")
	}
	if bundleID == "" {
		return nil, fmt.Errorf("bundle id cannot be empty")
	}

	root := filepath.Join(base, bundleID)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	rpms := filepath.Join(root, "rpms")
	if err := os.MkdirAll(rpms, 0755); err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("failed to create rpms directory: %w", err)
	}

	manifests := filepath.Join(root, "manifests")
	if err := os.MkdirAll(manifests, 0755); err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("failed to create manifests directory: %w", err)
	}

	return &WorkDir{root: root, rpms: rpms, manifests: manifests}, nil
}

// Root returns the bundle root; it becomes the top directory of the archive.
func (w *WorkDir) Root() string {
	return w.root
}

// RPMs returns the package directory.
func (w *WorkDir) RPMs() string {
	return w.rpms
}

// Manifests returns the manifest copy directory.
func (w *WorkDir) Manifests() string {
	return w.manifests
}

// Path joins elem onto the root.
func (w *WorkDir) Path(elem ...string) string {
	return filepath.Join(append([]string{w.root}, elem...)...)
}

// Remove deletes the work tree. It does not fail if the directory
// doesn't exist (idempotent).
func (w *WorkDir) Remove() error {
	if w.root == "" {
		return nil
	}

	if _, err := os.Stat(w.root); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(w.root); err != nil {
		return fmt.Errorf("failed to remove work directory %s: %w", w.root, err)
	}

	return nil
}

// ListFiles returns the regular files in rpms/ and manifests/ as absolute
// paths.
func (w *WorkDir) ListFiles() ([]string, error) {
	if w.root == "" {
		return nil, fmt.Errorf("work directory not initialized: use NewWorkDir to create instances")
	}

	var files []string
	for _, dir := range []string{w.rpms, w.manifests} {
		found, err := listFilesInDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", filepath.Base(dir), err)
		}
		files = append(files, found...)
	}
	return files, nil
}

// listFilesInDir returns all regular files (not directories) in the specified directory.
func listFilesInDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}

	return files, nil
}
