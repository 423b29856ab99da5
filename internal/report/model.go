package report

import (
	"sort"
	"time"

	"github.com/clean-dependency-project/rpmbundle/internal/storage"
)

// Model is the report content.
type Model struct {
	GeneratedAt time.Time `json:"generated_at"`
	Groups      []OSGroup `json:"groups"`
	Totals      Totals    `json:"totals"`
}

// OSGroup holds the builds for one OS major, newest first.
type OSGroup struct {
	OSMajor int        `json:"os_major"`
	Builds  []BuildRow `json:"builds"`
}

// BuildRow is one build as shown in the report.
type BuildRow struct {
	BundleID        string    `json:"bundle_id"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	Duration        string    `json:"duration"`
	ManifestCount   int       `json:"manifest_count"`
	PackageCount    int       `json:"package_count"`
	SecurityCount   int       `json:"security_count"`
	UpdateCount     int       `json:"update_count"`
	DependencyCount int       `json:"dependency_count"`
	FailedCount     int       `json:"failed_count"`
	SizeBytes       int64     `json:"size_bytes"`
	SHA256          string    `json:"sha256,omitempty"`
	Signed          bool      `json:"signed"`
	Scanned         bool      `json:"scanned"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// Totals summarize successful builds.
type Totals struct {
	Builds           int   `json:"builds"`
	SuccessfulBuilds int   `json:"successful_builds"`
	PackagesShipped  int   `json:"packages_shipped"`
	BytesShipped     int64 `json:"bytes_shipped"`
}

// BuildModel groups builds by OS major (ascending) and links each build to
// its published release, if any.
func BuildModel(builds []*storage.Build, releases []storage.Release, now time.Time) *Model {
	releaseURL := make(map[string]string, len(releases))
	for _, r := range releases {
		releaseURL[r.BundleID] = r.ReleaseURL
	}

	m := &Model{GeneratedAt: now.UTC(), Groups: []OSGroup{}}
	groups := make(map[int]*OSGroup)
	for _, b := range builds {
		if b == nil {
			continue
		}
		g, ok := groups[b.OSMajor]
		if !ok {
			g = &OSGroup{OSMajor: b.OSMajor}
			groups[b.OSMajor] = g
		}
		g.Builds = append(g.Builds, newBuildRow(b, releaseURL[b.BundleID]))

		m.Totals.Builds++
		if b.Status == storage.StatusSuccess {
			m.Totals.SuccessfulBuilds++
			m.Totals.PackagesShipped += b.PackageCount
			m.Totals.BytesShipped += b.SizeBytes
		}
	}

	majors := make([]int, 0, len(groups))
	for major := range groups {
		majors = append(majors, major)
	}
	sort.Ints(majors)
	for _, major := range majors {
		g := groups[major]
		sort.SliceStable(g.Builds, func(i, j int) bool {
			return g.Builds[i].StartedAt.After(g.Builds[j].StartedAt)
		})
		m.Groups = append(m.Groups, *g)
	}
	return m
}

func newBuildRow(b *storage.Build, releaseURL string) BuildRow {
	row := BuildRow{
		BundleID:        b.BundleID,
		Status:          b.Status,
		StartedAt:       b.StartedAt.UTC(),
		ManifestCount:   b.ManifestCount,
		PackageCount:    b.PackageCount,
		SecurityCount:   b.SecurityCount,
		UpdateCount:     b.UpdateCount,
		DependencyCount: b.DependencyCount,
		FailedCount:     b.FailedCount,
		SizeBytes:       b.SizeBytes,
		SHA256:          b.SHA256,
		Signed:          b.Signed,
		Scanned:         b.Scanned,
		ReleaseURL:      releaseURL,
		ErrorMessage:    b.ErrorMessage,
	}
	if !b.FinishedAt.IsZero() && b.FinishedAt.After(b.StartedAt) {
		row.Duration = b.FinishedAt.Sub(b.StartedAt).Round(time.Second).String()
	}
	return row
}
