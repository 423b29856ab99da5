package bundle

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/clean-dependency-project/rpmbundle/internal/command"
	"github.com/clean-dependency-project/rpmbundle/internal/downloader"
	"github.com/clean-dependency-project/rpmbundle/internal/gpg"
)

func TestGenerateRepodata(t *testing.T) {
	tests := []struct {
		name      string
		responses []command.Response
		wantErr   string
		wantCalls []string
	}{
		{
			name:      "createrepo_c",
			responses: []command.Response{{Prefix: "createrepo_c"}},
			wantCalls: []string{"createrepo_c --update /w/rpms"},
		},
		{
			name:      "falls back to createrepo",
			responses: []command.Response{{Prefix: "createrepo --update"}},
			wantCalls: []string{"createrepo_c --update /w/rpms", "createrepo --update /w/rpms"},
		},
		{
			name:      "createrepo_c failure does not fall back",
			responses: []command.Response{{Prefix: "createrepo_c", Result: command.Result{ExitCode: 1, Stderr: []byte("bad rpm\n")}}},
			wantErr:   "createrepo_c exited with 1: bad rpm",
			wantCalls: []string{"createrepo_c --update /w/rpms"},
		},
		{
			name:      "neither installed",
			wantErr:   "failed to run createrepo",
			wantCalls: []string{"createrepo_c --update /w/rpms", "createrepo --update /w/rpms"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &command.Fake{Responses: tt.responses}
			err := GenerateRepodata(context.Background(), runner, "/w/rpms", Tools{})

			if tt.wantErr == "" && err != nil {
				t.Fatalf("GenerateRepodata() unexpected error = %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("GenerateRepodata() error = %v, want %q", err, tt.wantErr)
			}
			if got := runner.CallLines(); !reflect.DeepEqual(got, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}

// writeTree creates a small bundle work tree.
func writeTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "src")
	files := map[string]string{
		"rpms/bash-5.1.8-9.el9.x86_64.rpm": "bash",
		"rpms/repodata/repomd.xml":         "<repomd/>",
		"manifests/host-manifest.json":     "{}",
		"SHA256SUMS":                       "",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func gzipEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(zr)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}

func TestCreateArchive_GzipFallback(t *testing.T) {
	src := writeTree(t)
	out := t.TempDir()
	runner := &command.Fake{Responses: []command.Response{
		{Prefix: "zstd", Result: command.Result{ExitCode: 1}},
	}}

	path, err := CreateArchive(context.Background(), runner, src, out, "bundle-x", ArchiveOptions{Level: 3})
	if err != nil {
		t.Fatalf("CreateArchive() error = %v", err)
	}
	if path != filepath.Join(out, "bundle-x.tar.gz") {
		t.Errorf("path = %q", path)
	}
	if !runner.Called("zstd -3 --rm " + filepath.Join(out, "bundle-x.tar") + " -o " + filepath.Join(out, "bundle-x.tar.zst")) {
		t.Errorf("calls = %v", runner.CallLines())
	}

	want := []string{
		"bundle-x/",
		"bundle-x/SHA256SUMS",
		"bundle-x/manifests/",
		"bundle-x/manifests/host-manifest.json",
		"bundle-x/rpms/",
		"bundle-x/rpms/bash-5.1.8-9.el9.x86_64.rpm",
		"bundle-x/rpms/repodata/",
		"bundle-x/rpms/repodata/repomd.xml",
	}
	if got := gzipEntries(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("entries = %v, want %v", got, want)
	}

	leftovers, _ := filepath.Glob(filepath.Join(out, "bundle-x.tar*"))
	if len(leftovers) != 1 {
		t.Errorf("output holds %v, want only the .tar.gz", leftovers)
	}
}

func TestCreateArchive_Zstd(t *testing.T) {
	src := writeTree(t)
	out := t.TempDir()
	runner := &command.Fake{Responses: []command.Response{
		{Prefix: "zstd -19 --rm", Effect: compressZstd(t)},
	}}

	path, err := CreateArchive(context.Background(), runner, src, out, "bundle-x", ArchiveOptions{})
	if err != nil {
		t.Fatalf("CreateArchive() error = %v", err)
	}
	if path != filepath.Join(out, "bundle-x.tar.zst") {
		t.Errorf("path = %q", path)
	}
	if _, err := os.Stat(filepath.Join(out, "bundle-x.tar")); !os.IsNotExist(err) {
		t.Error("tar not removed after compression")
	}
}

func TestCreateArchive_MissingSource(t *testing.T) {
	out := t.TempDir()
	_, err := CreateArchive(context.Background(), &command.Fake{}, filepath.Join(out, "missing"), out, "bundle-x", ArchiveOptions{})
	if err == nil {
		t.Fatal("CreateArchive() expected error")
	}
	if files, _ := os.ReadDir(out); len(files) != 0 {
		t.Errorf("partial files left: %v", files)
	}
}

// sealBundle builds a .tar.gz from a tree, optionally altering it first.
func sealBundle(t *testing.T, mutate func(root string)) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "bundle-rhel9-20240301T102030Z")
	rpms := filepath.Join(root, "rpms")
	if err := os.MkdirAll(rpms, 0o755); err != nil {
		t.Fatal(err)
	}
	rpm := filepath.Join(rpms, "bash-5.1.8-9.el9.x86_64.rpm")
	if err := os.WriteFile(rpm, []byte("bash"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, err := downloader.FileSHA256(rpm)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, checksumsName), []byte(sum+"  bash-5.1.8-9.el9.x86_64.rpm\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteMetadata(Metadata{SchemaVersion: SchemaVersion, BundleID: filepath.Base(root)}, filepath.Join(root, metadataName)); err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(root)
	}

	out := t.TempDir()
	path, err := CreateArchive(context.Background(), &command.Fake{}, root, out, filepath.Base(root), ArchiveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVerifyArchive(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(root string)
		check  func(t *testing.T, v *Verification)
	}{
		{
			name: "intact",
			check: func(t *testing.T, v *Verification) {
				if !v.OK() || v.Checked != 1 || v.Metadata == nil || v.SidecarChecked {
					t.Errorf("Verification = %+v", v)
				}
				if v.BundleID != "bundle-rhel9-20240301T102030Z" {
					t.Errorf("BundleID = %q", v.BundleID)
				}
			},
		},
		{
			name: "tampered rpm",
			mutate: func(root string) {
				os.WriteFile(filepath.Join(root, "rpms", "bash-5.1.8-9.el9.x86_64.rpm"), []byte("evil"), 0o644)
			},
			check: func(t *testing.T, v *Verification) {
				if v.OK() || !reflect.DeepEqual(v.Mismatched, []string{"bash-5.1.8-9.el9.x86_64.rpm"}) {
					t.Errorf("Mismatched = %v", v.Mismatched)
				}
			},
		},
		{
			name: "extra and missing rpms",
			mutate: func(root string) {
				os.Rename(filepath.Join(root, "rpms", "bash-5.1.8-9.el9.x86_64.rpm"), filepath.Join(root, "rpms", "zsh-5.8-9.el9.x86_64.rpm"))
			},
			check: func(t *testing.T, v *Verification) {
				if !reflect.DeepEqual(v.Missing, []string{"bash-5.1.8-9.el9.x86_64.rpm"}) || !reflect.DeepEqual(v.Unlisted, []string{"zsh-5.8-9.el9.x86_64.rpm"}) {
					t.Errorf("Missing = %v, Unlisted = %v", v.Missing, v.Unlisted)
				}
			},
		},
		{
			name: "extra rpm is informational",
			mutate: func(root string) {
				os.WriteFile(filepath.Join(root, "rpms", "glibc-2.34-100.el9.x86_64.rpm"), []byte("dependency"), 0o644)
			},
			check: func(t *testing.T, v *Verification) {
				if !v.OK() || v.Checked != 1 || !reflect.DeepEqual(v.Unlisted, []string{"glibc-2.34-100.el9.x86_64.rpm"}) {
					t.Errorf("Verification = %+v, want OK with one unlisted rpm", v)
				}
			},
		},
		{
			name: "no metadata",
			mutate: func(root string) {
				os.Remove(filepath.Join(root, metadataName))
			},
			check: func(t *testing.T, v *Verification) {
				if v.OK() || v.Metadata != nil {
					t.Errorf("Verification = %+v, want metadata error", v)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := VerifyArchive(sealBundle(t, tt.mutate), nil)
			if err != nil {
				t.Fatalf("VerifyArchive() error = %v", err)
			}
			tt.check(t, v)
		})
	}
}

func TestVerifyArchive_Sidecar(t *testing.T) {
	path := sealBundle(t, nil)
	sum, err := downloader.FileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}

	os.WriteFile(path+sidecarSuffix, []byte(sum+"  "+filepath.Base(path)+"\n"), 0o644)
	v, err := VerifyArchive(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !v.SidecarChecked || !v.SidecarMatch || !v.OK() {
		t.Errorf("Verification = %+v, want sidecar match", v)
	}

	os.WriteFile(path+sidecarSuffix, []byte(strings.Repeat("0", 64)+"  "+filepath.Base(path)+"\n"), 0o644)
	v, err = VerifyArchive(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.SidecarMatch || v.OK() {
		t.Errorf("Verification = %+v, want sidecar mismatch", v)
	}
}

func TestVerifyArchive_SignatureRequired(t *testing.T) {
	keyRing := &rejectingKeyRing{}
	v, err := VerifyArchive(sealBundle(t, nil), keyRing)
	if err != nil {
		t.Fatal(err)
	}
	if v.OK() || v.Signed {
		t.Errorf("Verification = %+v, want missing signature", v)
	}
}

func TestVerifyArchive_Unsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	os.WriteFile(path, []byte("PK"), 0o644)
	if _, err := VerifyArchive(path, nil); !errors.Is(err, ErrUnsupportedArchive) {
		t.Errorf("VerifyArchive() error = %v, want ErrUnsupportedArchive", err)
	}
}

type rejectingKeyRing struct{}

func (*rejectingKeyRing) VerifyDetached([]byte, []byte) error { return errors.New("bad signature") }

func (*rejectingKeyRing) AddKey(gpg.Key) error { return nil }
