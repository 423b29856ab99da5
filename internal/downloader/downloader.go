// Package downloader fetches resolved packages with dnf and verifies what
// landed on disk.
package downloader

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sassoftware/go-rpmutils"

	"github.com/clean-dependency-project/rpmbundle/internal/command"
	"github.com/clean-dependency-project/rpmbundle/internal/manifest"
	"github.com/clean-dependency-project/rpmbundle/internal/resolver"
)

const (
	chunkSize = 8192

	errNotFoundInDownloads = "Package not found in downloads"
)

var (
	// ErrNoDirectory is returned when no download directory is given.
	ErrNoDirectory = errors.New("download directory is required")
	// ErrMalformedChecksums is returned for unreadable checksum lines.
	ErrMalformedChecksums = errors.New("malformed checksum line")
)

// Result is the outcome for one requested package.
type Result struct {
	Package   resolver.Package
	Path      string
	SHA256    string
	SizeBytes int64
	Success   bool
	Error     string
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithDNF overrides the dnf binary.
func WithDNF(bin string) Option {
	return func(d *Downloader) {
		if bin != "" {
			d.dnf = bin
		}
	}
}

// WithExclude drops downloaded rpms whose package name matches excluded.
// dnf may pull such packages in as dependencies.
func WithExclude(excluded func(name string) bool) Option {
	return func(d *Downloader) {
		d.exclude = excluded
	}
}

// Downloader fetches packages into a single directory.
type Downloader struct {
	runner  command.Runner
	dir     string
	dnf     string
	exclude func(name string) bool
	logger  *slog.Logger

	results []Result
	removed []string
}

// New creates a downloader writing to dir, creating it if needed.
func New(runner command.Runner, dir string, logger *slog.Logger, opts ...Option) (*Downloader, error) {
	if dir == "" {
		return nil, ErrNoDirectory
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &Downloader{runner: runner, dir: dir, dnf: "dnf", logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dir returns the download directory.
func (d *Downloader) Dir() string {
	return d.dir
}

// Download fetches all packages in one dnf call, then verifies them. A
// non-zero dnf exit is only a warning; per-package results carry the
// outcome. The error return is for a dnf that cannot be run at all.
func (d *Downloader) Download(ctx context.Context, packages []resolver.Package) ([]Result, error) {
	d.results = nil
	d.removed = nil
	if len(packages) == 0 {
		return []Result{}, nil
	}

	names := make([]string, 0, len(packages))
	for _, p := range packages {
		names = append(names, p.Name)
	}

	args := append([]string{"download", "--resolve", "--alldeps", "--destdir=" + d.dir, "-y"}, names...)
	d.logger.Info("downloading packages", "count", len(names), "dir", d.dir)

	res, err := d.runner.Run(ctx, d.dnf, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run dnf download: %w", err)
	}
	if !res.Success() {
		d.logger.Warn("dnf download exited with errors",
			"exit_code", res.ExitCode,
			"stderr", strings.TrimSpace(string(res.Stderr)))
	}

	if err := d.removeExcluded(); err != nil {
		return nil, err
	}
	return d.Verify(packages), nil
}

// Removed returns the file names dropped by the exclude filter during the
// last Download call.
func (d *Downloader) Removed() []string {
	return d.removed
}

// removeExcluded deletes every downloaded rpm whose package name is
// excluded. The name comes from the rpm header, or from the file name when
// the header cannot be read.
func (d *Downloader) removeExcluded() error {
	if d.exclude == nil {
		return nil
	}
	files, err := filepath.Glob(filepath.Join(d.dir, "*.rpm"))
	if err != nil {
		return fmt.Errorf("failed to list downloads: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		name := nameFromStem(strings.TrimSuffix(filepath.Base(path), ".rpm"))
		if n, err := ReadNEVRA(path); err == nil {
			name = n.Name
		}
		if !d.exclude(name) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove excluded package %s: %w", filepath.Base(path), err)
		}
		d.logger.Info("removed excluded package", "package", name, "file", filepath.Base(path))
		d.removed = append(d.removed, filepath.Base(path))
	}
	return nil
}

// Verify matches every package against the files in the download directory
// and hashes the matches. It returns exactly one result per package.
func (d *Downloader) Verify(packages []resolver.Package) []Result {
	files, err := filepath.Glob(filepath.Join(d.dir, "*.rpm"))
	if err != nil {
		d.logger.Warn("failed to list downloads", "error", err)
	}
	sort.Strings(files)
	idx := newFileIndex(files, d.logger)

	results := make([]Result, 0, len(packages))
	for _, pkg := range packages {
		results = append(results, d.verifyOne(pkg, idx))
	}
	d.results = results
	return results
}

func (d *Downloader) verifyOne(pkg resolver.Package, idx *fileIndex) Result {
	result := Result{Package: pkg}

	path := idx.match(pkg)
	if path == "" {
		result.Error = errNotFoundInDownloads
		return result
	}

	sum, err := FileSHA256(path)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	info, err := os.Stat(path)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Path = path
	result.SHA256 = sum
	result.SizeBytes = info.Size()
	result.Success = true
	return result
}

// Results returns the results of the last Download or Verify call.
func (d *Downloader) Results() []Result {
	return d.results
}

// Successful returns the successful results.
func (d *Downloader) Successful() []Result {
	var ok []Result
	for _, r := range d.results {
		if r.Success {
			ok = append(ok, r)
		}
	}
	return ok
}

// Failed returns the failed results.
func (d *Downloader) Failed() []Result {
	var failed []Result
	for _, r := range d.results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	return failed
}

// TotalSize sums the sizes of successful downloads.
func (d *Downloader) TotalSize() int64 {
	var total int64
	for _, r := range d.Successful() {
		total += r.SizeBytes
	}
	return total
}

// WriteChecksums writes "hex  filename" lines for successful downloads,
// sorted by package name.
func (d *Downloader) WriteChecksums(path string) error {
	ok := d.Successful()
	sort.SliceStable(ok, func(i, j int) bool { return ok[i].Package.Name < ok[j].Package.Name })

	lines := make([]string, 0, len(ok))
	for _, r := range ok {
		lines = append(lines, r.SHA256+"  "+filepath.Base(r.Path))
	}

	data := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write checksums: %w", err)
	}
	return nil
}

// FileSHA256 returns the hex sha256 digest of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseChecksums reads a checksum list into filename -> hex digest. Both the
// text ("  ") and binary (" *") separators are accepted.
func ParseChecksums(r io.Reader) (map[string]string, error) {
	sums := make(map[string]string)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		sum, name, ok := strings.Cut(line, " ")
		name = strings.TrimPrefix(strings.TrimPrefix(name, " "), "*")
		if !ok || len(sum) != sha256.Size*2 || name == "" {
			return nil, fmt.Errorf("%w: line %d", ErrMalformedChecksums, lineNo)
		}
		if _, err := hex.DecodeString(sum); err != nil {
			return nil, fmt.Errorf("%w: line %d", ErrMalformedChecksums, lineNo)
		}
		sums[name] = strings.ToLower(sum)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}
	return sums, nil
}

// fileIndex answers "which downloaded file is this package".
type fileIndex struct {
	files  []string
	byStem map[string]string
	byName map[string]string
	logger *slog.Logger

	byHeader map[string]string
}

func newFileIndex(files []string, logger *slog.Logger) *fileIndex {
	idx := &fileIndex{
		files:  files,
		byStem: make(map[string]string, len(files)),
		byName: make(map[string]string, len(files)),
		logger: logger,
	}
	for _, path := range files {
		stem := strings.TrimSuffix(filepath.Base(path), ".rpm")
		idx.byStem[stem] = path
		idx.byName[nameFromStem(stem)] = path
	}
	return idx
}

func (idx *fileIndex) match(pkg resolver.Package) string {
	n := manifest.NEVRA{Name: pkg.Name, Epoch: pkg.Epoch, Version: pkg.Version, Release: pkg.Release, Arch: pkg.Arch}

	if pkg.Version != "" {
		if path, ok := idx.byStem[n.FileStem()]; ok {
			return path
		}
		if path, ok := idx.headers()[n.FullString()]; ok {
			return path
		}
	}
	if path, ok := idx.byName[pkg.Name]; ok {
		return path
	}
	for _, path := range idx.files {
		if strings.HasPrefix(filepath.Base(path), pkg.Name+"-") {
			return path
		}
	}
	return ""
}

// headers reads RPM headers on first use. Unreadable files are skipped.
func (idx *fileIndex) headers() map[string]string {
	if idx.byHeader != nil {
		return idx.byHeader
	}
	idx.byHeader = make(map[string]string, len(idx.files))
	for _, path := range idx.files {
		n, err := ReadNEVRA(path)
		if err != nil {
			idx.logger.Debug("skipping unreadable rpm header", "path", path, "error", err)
			continue
		}
		idx.byHeader[n.FullString()] = path
	}
	return idx.byHeader
}

// ReadNEVRA reads the package identity from an RPM file header.
func ReadNEVRA(path string) (manifest.NEVRA, error) {
	f, err := os.Open(path)
	if err != nil {
		return manifest.NEVRA{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	hdr, err := rpmutils.ReadHeader(f)
	if err != nil {
		return manifest.NEVRA{}, fmt.Errorf("failed to read rpm header: %w", err)
	}
	nevra, err := hdr.GetNEVRA()
	if err != nil {
		return manifest.NEVRA{}, fmt.Errorf("failed to read rpm nevra: %w", err)
	}
	return manifest.NEVRA{
		Name:    nevra.Name,
		Epoch:   manifest.NormalizeEpoch(nevra.Epoch),
		Version: nevra.Version,
		Release: nevra.Release,
		Arch:    nevra.Arch,
	}, nil
}

// nameFromStem drops the last two dash-separated fields:
// "bash-5.1.8-9.el9.x86_64" -> "bash".
func nameFromStem(stem string) string {
	parts := strings.Split(stem, "-")
	if len(parts) <= 2 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-2], "-")
}
