package github

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

	"github.com/google/go-github/v57/github"

	"github.com/clean-dependency-project/rpmbundle/internal/storage"
)

// ErrReleaseExists is returned when the bundle was already published.
var ErrReleaseExists = errors.New("release already exists")

// ReleaseClient is the subset of Client the publisher needs.
type ReleaseClient interface {
	CreateRelease(ctx context.Context, tag, name, body string, draft bool) (*github.RepositoryRelease, error)
	GetRelease(ctx context.Context, tag string) (*github.RepositoryRelease, error)
	UploadAsset(ctx context.Context, releaseID int64, filePath string) (*github.ReleaseAsset, error)
}

// ReleaseStore records published releases.
type ReleaseStore interface {
	CreateRelease(*storage.Release) error
}

// Bundle describes a finished archive to publish.
type Bundle struct {
	BundleID    string
	OSMajor     int
	ArchivePath string
	SidecarPath string // optional
	SHA256      string

	PackageCount    int
	SecurityCount   int
	UpdateCount     int
	DependencyCount int
	ManifestCount   int
}

// Publisher uploads bundles as releases tagged with the bundle id.
type Publisher struct {
	client ReleaseClient
	store  ReleaseStore
	draft  bool
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a publisher. store may be nil.
func NewPublisher(client ReleaseClient, store ReleaseStore, draft bool, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{client: client, store: store, draft: draft, logger: logger, now: time.Now}
}

// Publish creates the release and uploads the archive and, when present,
// its sidecar hash file.
func (p *Publisher) Publish(ctx context.Context, b Bundle) (*storage.Release, error) {
	if b.BundleID == "" || b.ArchivePath == "" {
		return nil, fmt.Errorf("bundle id and archive path are required")
	}

	_, err := p.client.GetRelease(ctx, b.BundleID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrReleaseExists, b.BundleID)
	case !errors.Is(err, ErrReleaseNotFound):
		return nil, err
	}

	name := fmt.Sprintf("RHEL %d update bundle %s", b.OSMajor, b.BundleID)
	release, err := p.client.CreateRelease(ctx, b.BundleID, name, ReleaseNotes(b), p.draft)
	if err != nil {
		return nil, err
	}
	if release == nil || release.ID == nil {
		return nil, ErrNilRelease
	}
	p.logger.Info("release created", "tag", b.BundleID, "url", GetReleaseURL(release))

	files := []struct{ kind, path string }{{"archive", b.ArchivePath}}
	if b.SidecarPath != "" {
		if _, err := os.Stat(b.SidecarPath); err == nil {
			files = append(files, struct{ kind, path string }{"checksum", b.SidecarPath})
		}
	}

	assets := make([]storage.ReleaseAsset, 0, len(files))
	for _, f := range files {
		asset, err := p.client.UploadAsset(ctx, *release.ID, f.path)
		if err != nil {
			return nil, err
		}
		assets = append(assets, storage.ReleaseAsset{
			Type:       f.kind,
			Filename:   filepath.Base(f.path),
			Size:       int64(asset.GetSize()),
			URL:        GetAssetDownloadURL(asset),
			UploadedAt: p.now().UTC(),
		})
		p.logger.Info("asset uploaded", "file", filepath.Base(f.path))
	}

	rec := &storage.Release{
		BundleID:   b.BundleID,
		OSMajor:    b.OSMajor,
		ReleaseTag: b.BundleID,
		ReleaseURL: GetReleaseURL(release),
		CreatedAt:  p.now().UTC(),
	}
	if err := rec.SetAssets(assets); err != nil {
		return nil, err
	}
	if p.store != nil {
		if err := p.store.CreateRelease(rec); err != nil {
			return nil, fmt.Errorf("failed to record release: %w", err)
		}
	}
	return rec, nil
}

// ReleaseNotes renders the release body.
func ReleaseNotes(b Bundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Air-gap update bundle for RHEL %d.\n\n", b.OSMajor)
	fmt.Fprintf(&sb, "| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Manifests | %d |\n", b.ManifestCount)
	fmt.Fprintf(&sb, "| Packages | %d |\n", b.PackageCount)
	fmt.Fprintf(&sb, "| Security | %d |\n", b.SecurityCount)
	fmt.Fprintf(&sb, "| Updates | %d |\n", b.UpdateCount)
	fmt.Fprintf(&sb, "| Dependencies | %d |\n", b.DependencyCount)
	fmt.Fprintf(&sb, "\nSHA256: `%s`\n", b.SHA256)
	return sb.String()
}
