// Package bundle assembles air-gap update bundles: it drives the merger,
// resolver and downloader for one OS major version, indexes the packages,
// writes checksums and provenance metadata, and seals everything into one
// compressed archive.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clean-dependency-project/rpmbundle/internal/clamav"
	"github.com/clean-dependency-project/rpmbundle/internal/command"
	"github.com/clean-dependency-project/rpmbundle/internal/downloader"
	"github.com/clean-dependency-project/rpmbundle/internal/merger"
	"github.com/clean-dependency-project/rpmbundle/internal/resolver"
	"github.com/clean-dependency-project/rpmbundle/internal/storage"
)

// Names inside the bundle.
const (
	rpmsDirName   = "rpms"
	checksumsName = "SHA256SUMS"
	signatureName = "SHA256SUMS.asc"
	metadataName  = "metadata.json"
	buildLogName  = "build.log"
	sidecarSuffix = ".sha256"
)

// DefaultWorkDir is used when Options.WorkDir is empty.
const DefaultWorkDir = "/tmp/bundle-build"

var (
	// ErrUnsupportedOSMajor is returned for OS majors other than 8 and 9.
	ErrUnsupportedOSMajor = errors.New("OS major must be 8 or 9")
	// ErrNoManifests is returned when no manifest for the OS was accepted.
	ErrNoManifests = errors.New("no manifests found")
	// ErrMalwareDetected is returned when the scanner reports threats.
	ErrMalwareDetected = errors.New("malware detected")
)

type noManifestsError struct{ osMajor int }

func (e noManifestsError) Error() string {
	return fmt.Sprintf("No RHEL %d manifests found", e.osMajor)
}

func (e noManifestsError) Is(target error) bool { return target == ErrNoManifests }

// Signer produces a detached signature for a file.
type Signer interface {
	SignFile(path, sigPath string) error
	Fingerprint() string
}

// Recorder stores build history.
type Recorder interface {
	RecordBuild(*storage.Build) error
}

// Options configure a Builder.
type Options struct {
	OSMajor     int
	ManifestDir string
	OutputDir   string
	WorkDir     string

	// Resolver carries security preference, timeouts, dnf binary and the
	// exclude predicate.
	Resolver         resolver.Options
	Tools            Tools
	CompressionLevel int

	Now      func() time.Time
	Hostname func() (string, error)
}

// Dependencies are the collaborators a Builder drives. Only Runner is
// required.
type Dependencies struct {
	Runner   command.Runner
	Logger   *slog.Logger
	Signer   Signer
	Scanner  clamav.Scanner
	Recorder Recorder
}

// Result describes a finished bundle.
type Result struct {
	BundleID    string
	RunID       string
	ArchivePath string
	SidecarPath string
	SHA256      string
	Metadata    Metadata
	Log         []string
	Signed      bool
	Scanned     bool
}

// Builder builds one bundle per Build call.
type Builder struct {
	opts Options
	deps Dependencies
}

// New validates opts and creates the output and work directories.
func New(opts Options, deps Dependencies) (*Builder, error) {
	if opts.OSMajor != 8 && opts.OSMajor != 9 {
		return nil, fmt.Errorf("%w, got: %d", ErrUnsupportedOSMajor, opts.OSMajor)
	}
	if deps.Runner == nil {
		return nil, errors.New("command runner is required")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.WorkDir == "" {
		opts.WorkDir = DefaultWorkDir
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hostname == nil {
		opts.Hostname = os.Hostname
	}
	opts.Tools = opts.Tools.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for _, dir := range []string{opts.OutputDir, opts.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Builder{opts: opts, deps: deps}, nil
}

// BundleID names a bundle after its OS and UTC build second.
func BundleID(osMajor int, t time.Time) string {
	return fmt.Sprintf("bundle-rhel%d-%s", osMajor, t.UTC().Format("20060102T150405Z"))
}

// Build runs the pipeline. The work directory is always removed; the build
// log is written next to the archive and the run is recorded whether or
// not the build succeeds.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	started := b.opts.Now().UTC()
	bundleID := BundleID(b.opts.OSMajor, started)
	runID := uuid.NewString()
	logger := b.deps.Logger.With("run_id", runID)

	bc := NewBuildContext(bundleID, b.opts.OSMajor, started, b.opts.Now, logger)
	rec := &storage.Build{RunID: runID, BundleID: bundleID, OSMajor: b.opts.OSMajor, StartedAt: started}

	bc.Logf("Starting bundle build: %s", bundleID)

	result, err := b.buildInWorkDir(ctx, bc, rec, logger)
	if err != nil {
		bc.Logf("ERROR: %v", err)
	}
	b.finish(bc, rec, err, logger)
	if err != nil {
		return nil, err
	}
	result.RunID = runID
	return result, nil
}

func (b *Builder) buildInWorkDir(ctx context.Context, bc *BuildContext, rec *storage.Build, logger *slog.Logger) (*Result, error) {
	wd, err := storage.NewWorkDir(b.opts.WorkDir, bc.BundleID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := wd.Remove(); err != nil {
			logger.Warn("failed to remove work directory", "path", wd.Root(), "error", err)
		}
	}()
	return b.run(ctx, bc, wd, rec, logger)
}

func (b *Builder) run(ctx context.Context, bc *BuildContext, wd *storage.WorkDir, rec *storage.Build, logger *slog.Logger) (*Result, error) {
	// Step 1
	bc.Logf("Step 1: Loading manifests")
	m, err := merger.New(b.opts.OSMajor, logger)
	if err != nil {
		return nil, err
	}
	count, err := m.AddFromDirectory(b.opts.ManifestDir)
	if err != nil {
		return nil, err
	}
	bc.Logf("  Loaded %d manifests", count)
	rec.ManifestCount = count
	if count == 0 {
		return nil, noManifestsError{osMajor: b.opts.OSMajor}
	}
	if err := copyManifests(b.opts.ManifestDir, wd.Manifests()); err != nil {
		return nil, err
	}

	// Step 2
	bc.Logf("Step 2: Merging installed packages")
	names := m.PackageNames()
	bc.Logf("  Found %d unique packages", len(names))

	// Step 3
	bc.Logf("Step 3: Resolving updates and dependencies")
	res := resolver.New(b.deps.Runner, names, b.opts.Resolver, logger)
	resolved := res.Resolve(ctx)
	resolver.AttachHosts(resolved, m.PackageToHosts())
	bc.Logf("  Resolved %d packages", len(resolved))
	for _, e := range res.Errors() {
		bc.Logf("  Warning: %s", e)
	}
	if len(resolved) == 0 {
		bc.Logf("  No updates available - creating empty bundle")
	}

	// Step 4
	bc.Logf("Step 4: Downloading RPMs")
	dl, err := downloader.New(b.deps.Runner, wd.RPMs(), logger,
		downloader.WithDNF(b.opts.Resolver.DNF),
		downloader.WithExclude(b.opts.Resolver.Exclude))
	if err != nil {
		return nil, err
	}
	if len(resolved) > 0 {
		if _, err := dl.Download(ctx, resolved); err != nil {
			return nil, err
		}
		for _, name := range dl.Removed() {
			bc.Logf("  Removed excluded package: %s", name)
		}
		bc.Logf("  Downloaded: %d, Failed: %d", len(dl.Successful()), len(dl.Failed()))
		for _, f := range dl.Failed() {
			bc.Logf("  Failed: %s - %s", f.Package.Name, f.Error)
		}
	}
	if b.deps.Scanner != nil {
		if err := b.scan(ctx, bc, wd.RPMs()); err != nil {
			return nil, err
		}
		rec.Scanned = true
	}

	// Step 5
	bc.Logf("Step 5: Generating repodata")
	if err := GenerateRepodata(ctx, b.deps.Runner, wd.RPMs(), b.opts.Tools); err != nil {
		return nil, err
	}
	bc.Logf("  Repodata generated")

	// Step 6
	bc.Logf("Step 6: Generating checksums")
	sumsPath := wd.Path(checksumsName)
	if err := dl.WriteChecksums(sumsPath); err != nil {
		return nil, err
	}
	if b.deps.Signer != nil {
		if err := b.deps.Signer.SignFile(sumsPath, wd.Path(signatureName)); err != nil {
			return nil, err
		}
		bc.Logf("  Checksums signed with key %s", b.deps.Signer.Fingerprint())
		rec.Signed = true
	}

	// Step 7
	bc.Logf("Step 7: Building metadata")
	host, err := b.opts.Hostname()
	if err != nil {
		host = "unknown"
	}
	md := BuildMetadata(MetadataInput{
		BundleID:    bc.BundleID,
		OSMajor:     b.opts.OSMajor,
		CreatedAt:   bc.StartedAt,
		BuilderHost: host,
		Hosts:       m.HostSummaries(),
		Resolved:    resolved,
		Downloads:   dl.Results(),
		TotalSize:   dl.TotalSize(),
	})
	if err := WriteMetadata(md, wd.Path(metadataName)); err != nil {
		return nil, err
	}
	bc.Logf("  Metadata written")
	fillRecord(rec, md, dl)

	// Step 8
	bc.Logf("Step 8: Finalizing")
	if err := bc.WriteTo(wd.Path(buildLogName)); err != nil {
		return nil, err
	}

	// Step 9
	bc.Logf("Step 9: Creating archive")
	archive, err := CreateArchive(ctx, b.deps.Runner, wd.Root(), b.opts.OutputDir, bc.BundleID, ArchiveOptions{
		Zstd:  b.opts.Tools.Zstd,
		Level: b.opts.CompressionLevel,
	})
	if err != nil {
		return nil, err
	}
	bc.Logf("  Bundle created: %s", archive)

	sum, err := downloader.FileSHA256(archive)
	if err != nil {
		return nil, err
	}
	bc.Logf("  SHA256: %s", sum)

	sidecar := archive + sidecarSuffix
	if err := os.WriteFile(sidecar, []byte(sum+"  "+filepath.Base(archive)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write sidecar: %w", err)
	}
	rec.ArchivePath = archive
	rec.SHA256 = sum

	return &Result{
		BundleID:    bc.BundleID,
		ArchivePath: archive,
		SidecarPath: sidecar,
		SHA256:      sum,
		Metadata:    md,
		Log:         bc.Lines(),
		Signed:      rec.Signed,
		Scanned:     rec.Scanned,
	}, nil
}

func (b *Builder) scan(ctx context.Context, bc *BuildContext, dir string) error {
	bc.Logf("  Scanning RPMs for malware")
	res, err := b.deps.Scanner.Scan(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to scan packages: %w", err)
	}
	if !res.Clean {
		threats := make([]string, len(res.Threats))
		for i, t := range res.Threats {
			threats[i] = t.String()
		}
		return fmt.Errorf("%w: %s", ErrMalwareDetected, strings.Join(threats, ", "))
	}
	bc.Logf("  Scan clean (%s)", res.Metadata.EngineVersion)
	return nil
}

// finish persists the build log beside the archive and records history.
// Failures here are logged, never returned.
func (b *Builder) finish(bc *BuildContext, rec *storage.Build, buildErr error, logger *slog.Logger) {
	rec.FinishedAt = b.opts.Now().UTC()
	rec.Status = storage.StatusSuccess
	if buildErr != nil {
		rec.Status = storage.StatusFailed
		rec.ErrorMessage = buildErr.Error()
	}

	logPath := filepath.Join(b.opts.OutputDir, bc.BundleID+".log")
	if err := bc.WriteTo(logPath); err != nil {
		logger.Warn("failed to persist build log", "path", logPath, "error", err)
	}

	if b.deps.Recorder == nil {
		return
	}
	if err := b.deps.Recorder.RecordBuild(rec); err != nil {
		logger.Warn("failed to record build", "error", err)
	}
}

func fillRecord(rec *storage.Build, md Metadata, dl *downloader.Downloader) {
	rec.PackageCount = md.Packages.TotalCount
	rec.UpdateCount = md.Packages.UpdateCount
	rec.SecurityCount = md.Packages.SecurityCount
	rec.DependencyCount = md.Packages.DependencyCount
	rec.FailedCount = len(dl.Failed())
	rec.SizeBytes = md.Packages.SizeBytes

	rec.Packages = make([]storage.BuildPackage, 0, len(md.PackageList))
	for _, p := range md.PackageList {
		bp := storage.BuildPackage{NEVRA: p.NEVRA, Type: p.Type, SHA256: p.SHA256, SizeBytes: p.SizeBytes}
		if p.AdvisoryID != nil {
			bp.AdvisoryID = *p.AdvisoryID
		}
		rec.Packages = append(rec.Packages, bp)
	}
}

// copyManifests copies every *.json in src into dst, keeping modification
// times.
func copyManifests(src, dst string) error {
	files, err := filepath.Glob(filepath.Join(src, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list manifests: %w", err)
	}
	for _, f := range files {
		if err := copyFile(f, filepath.Join(dst, filepath.Base(f))); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
