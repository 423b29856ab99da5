package bundle

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/clean-dependency-project/rpmbundle/internal/downloader"
	"github.com/clean-dependency-project/rpmbundle/internal/gpg"
)

// ErrUnsupportedArchive is returned for files that are neither .tar.zst nor
// .tar.gz.
var ErrUnsupportedArchive = errors.New("unsupported archive format")

// Verification reports what VerifyArchive checked.
type Verification struct {
	ArchivePath string
	SHA256      string
	BundleID    string

	SidecarChecked bool
	SidecarMatch   bool

	Metadata *Metadata

	Checked    int      // rpms whose digest matched SHA256SUMS
	Mismatched []string // rpms whose digest differs
	Missing    []string // listed in SHA256SUMS, absent from the archive
	Unlisted   []string // present in the archive, absent from SHA256SUMS; informational

	Signed         bool
	SignatureValid bool

	Errors []string
}

// OK reports whether every check that ran passed. Unlisted rpms do not
// fail verification: the bulk download may pull dependencies the resolver
// never named, and SHA256SUMS only covers resolved packages.
func (v *Verification) OK() bool {
	if len(v.Errors) > 0 || len(v.Mismatched) > 0 || len(v.Missing) > 0 {
		return false
	}
	if v.SidecarChecked && !v.SidecarMatch {
		return false
	}
	return true
}

// VerifyArchive re-checks a finished bundle: the sidecar hash when one sits
// next to the archive, every rpm against the embedded SHA256SUMS, the
// detached SHA256SUMS.asc signature when keyRing is non-nil, and that
// metadata.json decodes.
func VerifyArchive(archivePath string, keyRing gpg.KeyRing) (*Verification, error) {
	stem, ok := archiveStem(filepath.Base(archivePath))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, archivePath)
	}

	sum, err := downloader.FileSHA256(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash archive: %w", err)
	}
	v := &Verification{ArchivePath: archivePath, SHA256: sum, BundleID: stem}

	if err := v.checkSidecar(archivePath); err != nil {
		return nil, err
	}

	contents, err := readArchive(archivePath)
	if err != nil {
		return nil, err
	}

	v.checkSums(contents)
	v.checkSignature(contents, keyRing)

	if contents.metadata == nil {
		v.Errors = append(v.Errors, metadataName+" missing from archive")
	} else {
		var m Metadata
		if err := json.Unmarshal(contents.metadata, &m); err != nil {
			v.Errors = append(v.Errors, fmt.Sprintf("%s is not valid JSON: %v", metadataName, err))
		} else {
			v.Metadata = &m
		}
	}
	return v, nil
}

func (v *Verification) checkSidecar(archivePath string) error {
	f, err := os.Open(archivePath + sidecarSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open sidecar: %w", err)
	}
	defer f.Close()

	sums, err := downloader.ParseChecksums(f)
	if err != nil {
		v.Errors = append(v.Errors, fmt.Sprintf("sidecar unreadable: %v", err))
		return nil
	}
	v.SidecarChecked = true
	v.SidecarMatch = sums[filepath.Base(archivePath)] == v.SHA256
	return nil
}

func (v *Verification) checkSums(c *archiveContents) {
	if c.sums == nil {
		v.Errors = append(v.Errors, checksumsName+" missing from archive")
		return
	}
	expected, err := downloader.ParseChecksums(bytes.NewReader(c.sums))
	if err != nil {
		v.Errors = append(v.Errors, fmt.Sprintf("%s unreadable: %v", checksumsName, err))
		return
	}

	for name, digest := range c.rpms {
		want, ok := expected[name]
		switch {
		case !ok:
			v.Unlisted = append(v.Unlisted, name)
		case want != digest:
			v.Mismatched = append(v.Mismatched, name)
		default:
			v.Checked++
		}
	}
	for name := range expected {
		if _, ok := c.rpms[name]; !ok {
			v.Missing = append(v.Missing, name)
		}
	}
	sort.Strings(v.Unlisted)
	sort.Strings(v.Mismatched)
	sort.Strings(v.Missing)
}

func (v *Verification) checkSignature(c *archiveContents, keyRing gpg.KeyRing) {
	v.Signed = c.signature != nil
	if keyRing == nil {
		return
	}
	if !v.Signed {
		v.Errors = append(v.Errors, signatureName+" missing from archive")
		return
	}
	if c.sums == nil {
		return
	}
	if err := keyRing.VerifyDetached(c.sums, c.signature); err != nil {
		v.Errors = append(v.Errors, fmt.Sprintf("signature verification failed: %v", err))
		return
	}
	v.SignatureValid = true
}

type archiveContents struct {
	rpms      map[string]string // base name -> sha256
	sums      []byte
	signature []byte
	metadata  []byte
}

func readArchive(archivePath string) (*archiveContents, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader
	if strings.HasSuffix(archivePath, ".tar.zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	} else {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	c := &archiveContents{rpms: make(map[string]string)}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		// Entries are <bundle id>/<relative path>.
		_, rel, ok := strings.Cut(hdr.Name, "/")
		if !ok {
			continue
		}

		switch {
		case rel == checksumsName:
			c.sums, err = io.ReadAll(tr)
		case rel == signatureName:
			c.signature, err = io.ReadAll(tr)
		case rel == metadataName:
			c.metadata, err = io.ReadAll(tr)
		case path.Dir(rel) == rpmsDirName && strings.HasSuffix(rel, ".rpm"):
			h := sha256.New()
			if _, err = io.Copy(h, tr); err == nil {
				c.rpms[path.Base(rel)] = hex.EncodeToString(h.Sum(nil))
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", hdr.Name, err)
		}
	}
	return c, nil
}

// archiveStem strips the .tar.zst or .tar.gz suffix from an archive name.
func archiveStem(name string) (string, bool) {
	for _, ext := range []string{".tar.zst", ".tar.gz"} {
		if stem, ok := strings.CutSuffix(name, ext); ok && stem != "" {
			return stem, true
		}
	}
	return "", false
}
