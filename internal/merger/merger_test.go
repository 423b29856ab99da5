package merger

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/clean-dependency-project/rpmbundle/internal/manifest"
	"github.com/clean-dependency-project/rpmbundle/internal/manifest/manifesttest"
)

func newMerger(t *testing.T, osMajor int) *Merger {
	t.Helper()
	m, err := New(osMajor, nil)
	if err != nil {
		t.Fatalf("New(%d) error = %v", osMajor, err)
	}
	return m
}

func parse(t *testing.T, doc string) *manifest.Document {
	t.Helper()
	d, err := manifest.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return d
}

func TestNew(t *testing.T) {
	tests := []struct {
		osMajor int
		wantErr bool
	}{
		{osMajor: 8},
		{osMajor: 9},
		{osMajor: 7, wantErr: true},
		{osMajor: 10, wantErr: true},
		{osMajor: 0, wantErr: true},
	}

	for _, tt := range tests {
		_, err := New(tt.osMajor, nil)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%d) error = %v, wantErr %v", tt.osMajor, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrUnsupportedOSMajor) {
			t.Errorf("New(%d) error = %v, want ErrUnsupportedOSMajor", tt.osMajor, err)
		}
	}
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want AddResult
	}{
		{name: "same os", doc: manifesttest.RHEL9, want: Accepted},
		{name: "wrong os", doc: manifesttest.RHEL8, want: RejectedWrongOS},
		{name: "no os", doc: `{"host_id": "x"}`, want: RejectedMalformed},
		{name: "major not a number", doc: `{"host_id": "x", "os": {"major": "nine"}}`, want: RejectedMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMerger(t, 9)
			got := m.Add(parse(t, tt.doc))
			if got != tt.want {
				t.Errorf("Add() = %v, want %v", got, tt.want)
			}
			wantCount := 0
			if tt.want == Accepted {
				wantCount = 1
			}
			if m.ManifestCount() != wantCount {
				t.Errorf("ManifestCount() = %d, want %d", m.ManifestCount(), wantCount)
			}
		})
	}
}

func TestAdd_NilDocument(t *testing.T) {
	m := newMerger(t, 9)
	if got := m.Add(nil); got != RejectedMalformed {
		t.Errorf("Add(nil) = %v, want RejectedMalformed", got)
	}
}

func TestAddFile(t *testing.T) {
	dir := t.TempDir()
	m := newMerger(t, 9)

	good := manifesttest.WriteFile(t, dir, "test-host-01-manifest.json", manifesttest.RHEL9)
	bad := manifesttest.WriteFile(t, dir, "bad.json", "not json")

	if got := m.AddFile(good); got != Accepted {
		t.Errorf("AddFile(good) = %v, want Accepted", got)
	}
	if got := m.AddFile(bad); got != RejectedMalformed {
		t.Errorf("AddFile(bad) = %v, want RejectedMalformed", got)
	}
	if got := m.AddFile(filepath.Join(dir, "missing.json")); got != RejectedMalformed {
		t.Errorf("AddFile(missing) = %v, want RejectedMalformed", got)
	}

	hash := m.ManifestHash("test-host-01")
	if !strings.HasPrefix(hash, "sha256:") || len(hash) != len("sha256:")+64 {
		t.Errorf("ManifestHash() = %q, want sha256:<64 hex>", hash)
	}
}

func TestAddFromDirectory(t *testing.T) {
	dir := manifesttest.WriteDir(t)
	manifesttest.WriteFile(t, dir, "notes.json", `{"comment": "not a manifest"}`)
	manifesttest.WriteFile(t, dir, "garbage.json", "{{{")

	raw := manifesttest.Decode(t, manifesttest.RHEL9)
	raw["host_id"] = "loose-host"
	manifesttest.WriteFile(t, dir, "loose.json", string(manifesttest.Encode(t, raw)))

	m := newMerger(t, 9)
	count, err := m.AddFromDirectory(dir)
	if err != nil {
		t.Fatalf("AddFromDirectory() error = %v", err)
	}
	if count != 2 {
		t.Errorf("AddFromDirectory() = %d, want 2", count)
	}

	hosts := m.HostSummaries()
	if len(hosts) != 2 || hosts[0].HostID != "test-host-01" || hosts[1].HostID != "loose-host" {
		t.Errorf("HostSummaries() = %+v, want test-host-01 then loose-host", hosts)
	}
}

func TestAddFromDirectory_Missing(t *testing.T) {
	m := newMerger(t, 9)
	_, err := m.AddFromDirectory(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrDirectoryNotFound) {
		t.Errorf("AddFromDirectory() error = %v, want ErrDirectoryNotFound", err)
	}
}

func TestMergeScenario(t *testing.T) {
	dir := manifesttest.WriteDir(t)
	m := newMerger(t, 9)

	count, err := m.AddFromDirectory(dir)
	if err != nil {
		t.Fatalf("AddFromDirectory() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("AddFromDirectory() = %d, want 1", count)
	}

	merged := m.MergedInstalledRPMs()
	wantNames := []string{"bash", "kernel", "openssl"}
	if got := m.PackageNames(); !reflect.DeepEqual(got, wantNames) {
		t.Errorf("PackageNames() = %v, want %v", got, wantNames)
	}
	if got := merged["openssl"]; !reflect.DeepEqual(got, []string{"openssl-1:3.0.7-25.el9.x86_64"}) {
		t.Errorf("merged[openssl] = %v", got)
	}
	if got := merged["bash"]; !reflect.DeepEqual(got, []string{"bash-5.1.8-6.el9.x86_64"}) {
		t.Errorf("merged[bash] = %v, want only the RHEL 9 build", got)
	}

	hosts := m.HostSummaries()
	if len(hosts) != 1 {
		t.Fatalf("len(HostSummaries()) = %d, want 1", len(hosts))
	}
	if hosts[0].OSMinor != 6 {
		t.Errorf("OSMinor = %d, want 6", hosts[0].OSMinor)
	}
	for _, h := range hosts {
		if h.HostID == "test-host-rhel8" {
			t.Error("RHEL 8 host present in RHEL 9 merge")
		}
	}
}

func TestAdd_SameManifestTwice(t *testing.T) {
	m := newMerger(t, 9)

	once := newMerger(t, 9)
	once.Add(parse(t, manifesttest.RHEL9))

	m.Add(parse(t, manifesttest.RHEL9))
	m.Add(parse(t, manifesttest.RHEL9))

	if m.ManifestCount() != 2 {
		t.Errorf("ManifestCount() = %d, want 2", m.ManifestCount())
	}
	if len(m.HostSummaries()) != 2 {
		t.Errorf("len(HostSummaries()) = %d, want 2", len(m.HostSummaries()))
	}
	if !reflect.DeepEqual(m.MergedInstalledRPMs(), once.MergedInstalledRPMs()) {
		t.Errorf("MergedInstalledRPMs() = %v, want %v", m.MergedInstalledRPMs(), once.MergedInstalledRPMs())
	}
	if got := m.PackageToHosts()["bash"]; !reflect.DeepEqual(got, []string{"test-host-01", "test-host-01"}) {
		t.Errorf("PackageToHosts()[bash] = %v", got)
	}
}

func TestContentHash_StableAcrossFormatting(t *testing.T) {
	a := parse(t, manifesttest.RHEL9)
	b := parse(t, string(manifesttest.Encode(t, manifesttest.Decode(t, manifesttest.RHEL9))))

	ha, err := ContentHash(a)
	if err != nil {
		t.Fatalf("ContentHash() error = %v", err)
	}
	hb, err := ContentHash(b)
	if err != nil {
		t.Fatalf("ContentHash() error = %v", err)
	}
	if ha != hb {
		t.Errorf("ContentHash() differs: %s vs %s", ha, hb)
	}

	raw := manifesttest.Decode(t, manifesttest.RHEL9)
	raw["timestamp"] = "2024-01-16T12:00:00Z"
	hc, err := ContentHash(parse(t, string(manifesttest.Encode(t, raw))))
	if err != nil {
		t.Fatalf("ContentHash() error = %v", err)
	}
	if hc == ha {
		t.Error("ContentHash() unchanged after content change")
	}
}

func TestHostSummaries_Defaults(t *testing.T) {
	m := newMerger(t, 9)
	m.Add(parse(t, `{"os": {"major": 9}}`))

	got := m.HostSummaries()
	want := []HostSummary{{HostID: "unknown", OSMinor: 0, Arch: "x86_64", InstalledCount: 0, Timestamp: ""}}
	if len(got) != 1 {
		t.Fatalf("HostSummaries() = %+v", got)
	}
	got[0].ManifestHash = ""
	if !reflect.DeepEqual(got, want) {
		t.Errorf("HostSummaries() = %+v, want %+v", got, want)
	}
}

func TestEnabledReposUnion_FirstWins(t *testing.T) {
	m := newMerger(t, 9)
	m.Add(parse(t, manifesttest.RHEL9))

	raw := manifesttest.Decode(t, manifesttest.RHEL9)
	raw["host_id"] = "test-host-02"
	raw["enabled_repos"] = []any{
		map[string]any{"id": "rhel-9-for-x86_64-baseos-rpms", "name": "Renamed"},
		map[string]any{"id": "epel", "name": "EPEL"},
	}
	m.Add(parse(t, string(manifesttest.Encode(t, raw))))

	repos := m.EnabledReposUnion()
	if len(repos) != 3 {
		t.Fatalf("len(EnabledReposUnion()) = %d, want 3", len(repos))
	}
	if repos[0].Name != "RHEL 9 BaseOS" {
		t.Errorf("repos[0].Name = %q, want first occurrence", repos[0].Name)
	}
	if repos[2].ID != "epel" {
		t.Errorf("repos[2].ID = %q, want epel", repos[2].ID)
	}
}

func TestReport(t *testing.T) {
	dir := manifesttest.WriteDir(t)
	m := newMerger(t, 9)
	if _, err := m.AddFromDirectory(dir); err != nil {
		t.Fatalf("AddFromDirectory() error = %v", err)
	}

	now := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)
	report := m.Report(now)

	if report.OSMajor != 9 || report.ManifestCount != 1 {
		t.Errorf("Report() = %+v", report)
	}
	if report.UniquePackages != 3 || report.TotalPackageInstances != 3 {
		t.Errorf("UniquePackages = %d, TotalPackageInstances = %d, want 3, 3", report.UniquePackages, report.TotalPackageInstances)
	}
	if len(report.EnabledRepos) != 2 {
		t.Errorf("len(EnabledRepos) = %d, want 2", len(report.EnabledRepos))
	}
	if report.MinCollectorVersion != "1.0.0" {
		t.Errorf("MinCollectorVersion = %q, want 1.0.0", report.MinCollectorVersion)
	}
	if report.GeneratedAt != "2024-01-15T13:00:00Z" {
		t.Errorf("GeneratedAt = %q", report.GeneratedAt)
	}
}

func TestExportPackageList(t *testing.T) {
	m := newMerger(t, 9)
	m.Add(parse(t, manifesttest.RHEL9))

	path := filepath.Join(t.TempDir(), "packages.txt")
	if err := m.ExportPackageList(path); err != nil {
		t.Fatalf("ExportPackageList() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read package list: %v", err)
	}
	if string(data) != "bash\nkernel\nopenssl\n" {
		t.Errorf("package list = %q", data)
	}
}
