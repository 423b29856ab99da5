package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWorkDir(t *testing.T) {
	tests := []struct {
		name        string
		base        string
		bundleID    string
		wantErr     bool
		errContains string
	}{
		{
			name:     "valid",
			base:     t.TempDir(),
			bundleID: "bundle-rhel9-20240115T120000Z",
		},
		{
			name:        "empty base",
			bundleID:    "bundle-rhel9-20240115T120000Z",
			wantErr:     true,
			errContains: "base directory cannot be empty",
		},
		{
			name:        "empty bundle id",
			base:        t.TempDir(),
			wantErr:     true,
			errContains: "bundle id cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wd, err := NewWorkDir(tt.base, tt.bundleID)

			if tt.wantErr {
				if err == nil {
					t.Errorf("NewWorkDir() expected error containing %q, got nil", tt.errContains)
					return
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("NewWorkDir() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewWorkDir() unexpected error = %v", err)
			}
			defer func() { _ = wd.Remove() }()

			if wd.Root() != filepath.Join(tt.base, tt.bundleID) {
				t.Errorf("Root() = %s", wd.Root())
			}
			for _, dir := range []string{wd.RPMs(), wd.Manifests()} {
				info, err := os.Stat(dir)
				if err != nil || !info.IsDir() {
					t.Errorf("%s not created: %v", dir, err)
				}
			}
			if wd.Path("metadata.json") != filepath.Join(wd.Root(), "metadata.json") {
				t.Errorf("Path() = %s", wd.Path("metadata.json"))
			}
		})
	}
}

func TestWorkDir_Remove(t *testing.T) {
	wd, err := NewWorkDir(t.TempDir(), "bundle-rhel9-20240115T120000Z")
	if err != nil {
		t.Fatalf("NewWorkDir() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(wd.RPMs(), "bash.rpm"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := wd.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(wd.Root()); !os.IsNotExist(err) {
		t.Errorf("root still exists after Remove(): %v", err)
	}

	// Idempotent.
	if err := wd.Remove(); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}

	var zero WorkDir
	if err := zero.Remove(); err != nil {
		t.Errorf("zero Remove() error = %v", err)
	}
}

func TestWorkDir_ListFiles(t *testing.T) {
	wd, err := NewWorkDir(t.TempDir(), "bundle-rhel9-20240115T120000Z")
	if err != nil {
		t.Fatalf("NewWorkDir() error = %v", err)
	}
	t.Cleanup(func() { _ = wd.Remove() })

	for _, p := range []string{
		filepath.Join(wd.RPMs(), "bash-5.1.8-9.el9.x86_64.rpm"),
		filepath.Join(wd.Manifests(), "host-01-manifest.json"),
	} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(wd.RPMs(), "repodata"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := wd.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 2 {
		t.Errorf("ListFiles() = %v, want 2 files", files)
	}

	var zero WorkDir
	if _, err := zero.ListFiles(); err == nil {
		t.Error("zero ListFiles() error = nil")
	}
}
