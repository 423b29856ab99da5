package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/clean-dependency-project/rpmbundle/internal/downloader"
	"github.com/clean-dependency-project/rpmbundle/internal/merger"
	"github.com/clean-dependency-project/rpmbundle/internal/resolver"
)

// SchemaVersion is the metadata.json schema version.
const SchemaVersion = "1.0"

// Metadata is the provenance document sealed into every bundle.
type Metadata struct {
	SchemaVersion  string              `json:"schema_version"`
	BundleID       string              `json:"bundle_id"`
	OSMajor        int                 `json:"os_major"`
	CreatedAt      string              `json:"created_at"`
	BuilderHost    string              `json:"builder_host"`
	ManifestsUsed  []ManifestRef       `json:"manifests_used"`
	Packages       PackageCounts       `json:"packages"`
	PackageList    []PackageEntry      `json:"package_list"`
	HostPackageMap map[string][]string `json:"host_package_map"`
	Checksums      Checksums           `json:"checksums"`
	BuildLog       string              `json:"build_log"`
}

// ManifestRef identifies one host manifest that fed the build.
type ManifestRef struct {
	HostID       string `json:"host_id"`
	ManifestHash string `json:"manifest_hash"`
	OSMinor      int    `json:"os_minor"`
}

// PackageCounts summarizes the bundle contents. The type counts cover the
// whole resolved set; TotalCount only the verified downloads.
type PackageCounts struct {
	TotalCount      int   `json:"total_count"`
	UpdateCount     int   `json:"update_count"`
	SecurityCount   int   `json:"security_count"`
	DependencyCount int   `json:"dependency_count"`
	SizeBytes       int64 `json:"size_bytes"`
}

// PackageEntry is one verified package in the bundle.
type PackageEntry struct {
	NEVRA      string   `json:"nevra"`
	Type       string   `json:"type"`
	SHA256     string   `json:"sha256"`
	SizeBytes  int64    `json:"size_bytes"`
	RequiredBy []string `json:"required_by"`
	AdvisoryID *string  `json:"advisory_id"`
}

// Checksums describes the bundle hash. BundleHash stays empty: the archive
// hash only exists after metadata.json is sealed inside it, so it goes to
// the build log and the sidecar file instead.
type Checksums struct {
	Algorithm  string `json:"algorithm"`
	BundleHash string `json:"bundle_hash"`
}

// MetadataInput gathers what the assembler knows at Step 7.
type MetadataInput struct {
	BundleID    string
	OSMajor     int
	CreatedAt   time.Time
	BuilderHost string
	Hosts       []merger.HostSummary
	Resolved    []resolver.Package
	Downloads   []downloader.Result
	TotalSize   int64
}

// BuildMetadata assembles the metadata document. Each package's hosts come
// from its RequiredBy list (see resolver.AttachHosts).
func BuildMetadata(in MetadataInput) Metadata {
	counts := resolver.CountByType(in.Resolved)

	list := make([]PackageEntry, 0, len(in.Downloads))
	for _, r := range in.Downloads {
		if !r.Success {
			continue
		}
		hosts := r.Package.RequiredBy
		if hosts == nil {
			hosts = []string{}
		}
		entry := PackageEntry{
			NEVRA:      r.Package.NEVRA,
			Type:       string(r.Package.Type),
			SHA256:     r.SHA256,
			SizeBytes:  r.SizeBytes,
			RequiredBy: hosts,
		}
		if r.Package.AdvisoryID != "" {
			advisory := r.Package.AdvisoryID
			entry.AdvisoryID = &advisory
		}
		list = append(list, entry)
	}

	used := make([]ManifestRef, 0, len(in.Hosts))
	hostMap := make(map[string][]string, len(in.Hosts))
	for _, h := range in.Hosts {
		used = append(used, ManifestRef{HostID: h.HostID, ManifestHash: h.ManifestHash, OSMinor: h.OSMinor})

		nevras := []string{}
		for _, p := range list {
			if slices.Contains(p.RequiredBy, h.HostID) {
				nevras = append(nevras, p.NEVRA)
			}
		}
		hostMap[h.HostID] = nevras
	}

	return Metadata{
		SchemaVersion: SchemaVersion,
		BundleID:      in.BundleID,
		OSMajor:       in.OSMajor,
		CreatedAt:     in.CreatedAt.UTC().Format(logTimeFormat),
		BuilderHost:   in.BuilderHost,
		ManifestsUsed: used,
		Packages: PackageCounts{
			TotalCount:      len(list),
			UpdateCount:     counts[resolver.TypeUpdate],
			SecurityCount:   counts[resolver.TypeSecurity],
			DependencyCount: counts[resolver.TypeDependency],
			SizeBytes:       in.TotalSize,
		},
		PackageList:    list,
		HostPackageMap: hostMap,
		Checksums:      Checksums{Algorithm: "sha256"},
		BuildLog:       buildLogName,
	}
}

// WriteMetadata writes m as indented JSON.
func WriteMetadata(m Metadata, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
