package merger

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/clean-dependency-project/rpmbundle/internal/manifest"
	"github.com/clean-dependency-project/rpmbundle/internal/version"
)

const unknownHost = "unknown"

// HostSummary describes one accepted manifest.
type HostSummary struct {
	HostID         string `json:"host_id"`
	ManifestHash   string `json:"manifest_hash"`
	OSMinor        int    `json:"os_minor"`
	Arch           string `json:"arch"`
	InstalledCount int    `json:"installed_count"`
	Timestamp      string `json:"timestamp"`
}

// Report is the full merge report.
type Report struct {
	OSMajor               int                    `json:"os_major"`
	ManifestCount         int                    `json:"manifest_count"`
	Hosts                 []HostSummary          `json:"hosts"`
	UniquePackages        int                    `json:"unique_packages"`
	TotalPackageInstances int                    `json:"total_package_instances"`
	EnabledRepos          []manifest.EnabledRepo `json:"enabled_repos"`
	MinCollectorVersion   string                 `json:"min_collector_version,omitempty"`
	GeneratedAt           string                 `json:"generated_at"`
}

// MergedInstalledRPMs maps package name to the sorted distinct NEVRAs seen
// across all accepted manifests. Entries without a name or nevra are ignored.
func (m *Merger) MergedInstalledRPMs() map[string][]string {
	sets := make(map[string]map[string]struct{})
	for _, e := range m.entries {
		for _, rpm := range e.doc.Manifest.InstalledRPMs {
			if rpm.Name == "" || rpm.NEVRA == "" {
				continue
			}
			if sets[rpm.Name] == nil {
				sets[rpm.Name] = make(map[string]struct{})
			}
			sets[rpm.Name][rpm.NEVRA] = struct{}{}
		}
	}

	merged := make(map[string][]string, len(sets))
	for name, set := range sets {
		nevras := make([]string, 0, len(set))
		for n := range set {
			nevras = append(nevras, n)
		}
		sort.Strings(nevras)
		merged[name] = nevras
	}
	return merged
}

// PackageNames returns the sorted names of the merged package universe.
func (m *Merger) PackageNames() []string {
	merged := m.MergedInstalledRPMs()
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PackageToHosts maps package name to the hosts that have it installed, in
// ingestion order. A host appears once per installed entry.
func (m *Merger) PackageToHosts() map[string][]string {
	hosts := make(map[string][]string)
	for _, e := range m.entries {
		hostID := summaryHostID(e.doc)
		for _, rpm := range e.doc.Manifest.InstalledRPMs {
			if rpm.Name == "" {
				continue
			}
			hosts[rpm.Name] = append(hosts[rpm.Name], hostID)
		}
	}
	return hosts
}

// EnabledReposUnion returns the enabled repositories across hosts; the first
// occurrence of each repo id wins.
func (m *Merger) EnabledReposUnion() []manifest.EnabledRepo {
	seen := make(map[string]bool)
	repos := []manifest.EnabledRepo{}
	for _, e := range m.entries {
		for _, repo := range e.doc.Manifest.EnabledRepos {
			if repo.ID == "" || seen[repo.ID] {
				continue
			}
			seen[repo.ID] = true
			repos = append(repos, repo)
		}
	}
	return repos
}

// HostSummaries returns one summary per accepted manifest.
func (m *Merger) HostSummaries() []HostSummary {
	summaries := make([]HostSummary, 0, len(m.entries))
	for _, e := range m.entries {
		man := e.doc.Manifest

		arch := man.Arch
		if _, present := e.doc.Raw["arch"]; !present {
			arch = "x86_64"
		}

		summaries = append(summaries, HostSummary{
			HostID:         summaryHostID(e.doc),
			ManifestHash:   m.hashes[e.hostID],
			OSMinor:        man.OS.Minor,
			Arch:           arch,
			InstalledCount: len(man.InstalledRPMs),
			Timestamp:      man.Timestamp,
		})
	}
	return summaries
}

// Report builds the merge report as of now.
func (m *Merger) Report(now time.Time) Report {
	merged := m.MergedInstalledRPMs()

	instances := 0
	for _, hosts := range m.PackageToHosts() {
		instances += len(hosts)
	}

	return Report{
		OSMajor:               m.osMajor,
		ManifestCount:         len(m.entries),
		Hosts:                 m.HostSummaries(),
		UniquePackages:        len(merged),
		TotalPackageInstances: instances,
		EnabledRepos:          m.EnabledReposUnion(),
		MinCollectorVersion:   m.minCollectorVersion(),
		GeneratedAt:           now.UTC().Format(time.RFC3339Nano),
	}
}

// ExportPackageList writes the sorted merged package names, one per line.
func (m *Merger) ExportPackageList(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create package list: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	for _, name := range m.PackageNames() {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return fmt.Errorf("failed to write package list: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write package list: %w", err)
	}
	return f.Close()
}

// minCollectorVersion returns the oldest collector version among accepted
// manifests, ignoring values that are not semantic versions.
func (m *Merger) minCollectorVersion() string {
	versions := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		versions = append(versions, e.doc.Manifest.CollectorVersion)
	}
	return version.Oldest(versions)
}

func summaryHostID(doc *manifest.Document) string {
	if _, present := doc.Raw["host_id"]; !present {
		return unknownHost
	}
	return doc.Manifest.HostID
}
