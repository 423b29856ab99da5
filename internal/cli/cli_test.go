package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/rpmbundle/internal/command"
	"github.com/clean-dependency-project/rpmbundle/internal/config"
	gh "github.com/clean-dependency-project/rpmbundle/internal/github"
	"github.com/clean-dependency-project/rpmbundle/internal/manifest/manifesttest"
	"github.com/clean-dependency-project/rpmbundle/internal/merger"
	"github.com/clean-dependency-project/rpmbundle/internal/storage"
)

var buildTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	bundleID = "bundle-rhel9-20240301T120000Z"

	checkUpdateOut = "bash.x86_64    5.1.8-9.el9      rhel-9-baseos\nkernel.x86_64  5.14.0-428.el9   rhel-9-baseos\n"
	securityOut    = "RHSA-2024:0100 Important/Sec. kernel-5.14.0-428.el9.x86_64\n"
	closureOut     = "Upgrading:\nbash-5.1.8-9.el9.x86_64 rhel-9-baseos\nkernel-5.14.0-428.el9.x86_64 rhel-9-baseos\n" +
		"Installing dependencies:\nlinux-firmware-20240111-121.el9.noarch rhel-9-baseos\n"
)

var rpmFiles = []string{
	"bash-5.1.8-9.el9.x86_64.rpm",
	"kernel-5.14.0-428.el9.x86_64.rpm",
	"linux-firmware-20240111-121.el9.noarch.rpm",
}

// writeRPMs drops placeholder rpm files into the --destdir of a dnf call.
func writeRPMs(t *testing.T) func(args []string) {
	return func(args []string) {
		for _, arg := range args {
			dir, ok := strings.CutPrefix(arg, "--destdir=")
			if !ok {
				continue
			}
			for _, name := range rpmFiles {
				if err := os.WriteFile(filepath.Join(dir, name), []byte("rpm:"+name), 0o644); err != nil {
					t.Errorf("failed to write %s: %v", name, err)
				}
			}
		}
	}
}

func dnfRunner(t *testing.T) *command.Fake {
	return &command.Fake{Responses: []command.Response{
		{Prefix: "dnf check-update", Result: command.Result{ExitCode: 100, Stdout: []byte(checkUpdateOut)}},
		{Prefix: "dnf updateinfo", Result: command.Result{Stdout: []byte(securityOut)}},
		{Prefix: "dnf download --resolve --downloadonly", Result: command.Result{ExitCode: 1, Stdout: []byte(closureOut)}},
		{Prefix: "dnf download --resolve --alldeps", Effect: writeRPMs(t)},
		{Prefix: "createrepo_c --update"},
	}}
}

type harness struct {
	t       *testing.T
	dir     string
	cfgPath string
	cfg     *config.Config
	env     Env
	runner  *command.Fake
	out     bytes.Buffer
	errOut  bytes.Buffer
}

func newHarness(t *testing.T, runner *command.Fake) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Build.WorkDir = filepath.Join(dir, "work")
	cfg.Build.OutputDir = filepath.Join(dir, "out")
	cfg.Build.ResolveStagingDir = filepath.Join(dir, "staging")
	cfg.Storage.DatabasePath = filepath.Join(dir, "history.db")
	cfg.Publish.GitHubRepository = "acme/bundles"

	h := &harness{
		t:       t,
		dir:     dir,
		cfgPath: filepath.Join(dir, "bundle-builder.yaml"),
		cfg:     cfg,
		runner:  runner,
		env: Env{
			Runner:   runner,
			Now:      func() time.Time { return buildTime },
			Hostname: func() (string, error) { return "builder-01", nil },
		},
	}
	h.saveConfig()
	return h
}

func (h *harness) saveConfig() {
	h.t.Helper()
	if err := config.SaveConfig(h.cfg, h.cfgPath); err != nil {
		h.t.Fatalf("SaveConfig() error = %v", err)
	}
}

func (h *harness) run(args ...string) error {
	h.out.Reset()
	h.errOut.Reset()
	app := NewAppWithEnv(h.env)
	app.Writer = &h.out
	app.ErrWriter = &h.errOut
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app.Run(append([]string{"bundle-builder", "--config", h.cfgPath, "--log-format", "text"}, args...))
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestNewApp_Commands(t *testing.T) {
	app := NewApp()
	want := []string{"validate", "merge", "resolve", "download", "build", "verify", "history", "report", "publish", "init-config"}
	if len(app.Commands) != len(want) {
		t.Fatalf("got %d commands, want %d", len(app.Commands), len(want))
	}
	for i, name := range want {
		if app.Commands[i].Name != name {
			t.Errorf("command %d = %s, want %s", i, app.Commands[i].Name, name)
		}
	}
}

func TestValidate(t *testing.T) {
	h := newHarness(t, &command.Fake{})
	good := manifesttest.WriteFile(t, h.dir, "good.json", manifesttest.RHEL9)
	bad := manifesttest.WriteFile(t, h.dir, "bad.json", `{"schema_version": "1.0"}`)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		want     []string
		notWant  []string
	}{
		{
			name: "valid manifest",
			args: []string{"validate", good},
			want: []string{good + ":", "Manifest is valid."},
		},
		{
			name:     "invalid manifest exits 1",
			args:     []string{"validate", good, bad},
			wantCode: 1,
			want:     []string{"Missing required field: host_id"},
		},
		{
			name:     "quiet hides valid manifests",
			args:     []string{"validate", "--quiet", good, bad},
			wantCode: 1,
			want:     []string{bad + ":"},
			notWant:  []string{good + ":"},
		},
		{
			name:     "missing file",
			args:     []string{"validate", filepath.Join(h.dir, "nope.json")},
			wantCode: 1,
			want:     []string{"File not found"},
		},
		{
			name: "strict mode on a valid manifest",
			args: []string{"validate", "--strict", good},
			want: []string{"Manifest is valid."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.run(tt.args...)
			if got := exitCode(err); got != tt.wantCode {
				t.Fatalf("exit code = %d (err %v), want %d", got, err, tt.wantCode)
			}
			for _, s := range tt.want {
				if !strings.Contains(h.out.String(), s) {
					t.Errorf("output missing %q:\n%s", s, h.out.String())
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(h.out.String(), s) {
					t.Errorf("output should not contain %q:\n%s", s, h.out.String())
				}
			}
		})
	}
}

func TestMerge(t *testing.T) {
	h := newHarness(t, &command.Fake{})
	dir := manifesttest.WriteDir(t)
	reportPath := filepath.Join(h.dir, "report.json")
	listPath := filepath.Join(h.dir, "packages.txt")

	if err := h.run("merge", "--os-major", "9", "-o", reportPath, "--package-list", listPath, dir); err != nil {
		t.Fatalf("merge error = %v", err)
	}
	if !strings.Contains(h.out.String(), "Added 1 manifests from "+dir) {
		t.Errorf("output = %q", h.out.String())
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatal(err)
	}
	var report merger.Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("report is not json: %v", err)
	}
	if report.OSMajor != 9 || report.ManifestCount != 1 || report.UniquePackages != 3 {
		t.Errorf("report = %+v", report)
	}

	list, err := os.ReadFile(listPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(list) != "bash\nkernel\nopenssl\n" {
		t.Errorf("package list = %q", list)
	}
}

func TestMerge_Files(t *testing.T) {
	h := newHarness(t, &command.Fake{})
	rhel9 := manifesttest.WriteFile(t, h.dir, "a.json", manifesttest.RHEL9)
	rhel8 := manifesttest.WriteFile(t, h.dir, "b.json", manifesttest.RHEL8)

	if err := h.run("merge", "--os-major", "9", rhel9, rhel8); err != nil {
		t.Fatalf("merge error = %v", err)
	}
	out := h.out.String()
	for _, want := range []string{"Added manifest: " + rhel9, "Skipped (wrong OS version): " + rhel8, `"manifest_count": 1`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMerge_UnsupportedOS(t *testing.T) {
	h := newHarness(t, &command.Fake{})
	err := h.run("merge", "--os-major", "7", h.dir)
	if !errors.Is(err, merger.ErrUnsupportedOSMajor) {
		t.Errorf("error = %v, want ErrUnsupportedOSMajor", err)
	}
}

func TestResolve(t *testing.T) {
	h := newHarness(t, dnfRunner(t))

	if err := h.run("resolve", "--packages", "bash", "--packages", "kernel"); err != nil {
		t.Fatalf("resolve error = %v", err)
	}
	out := h.out.String()
	for _, want := range []string{"Resolved 3 packages.", "[update] bash-", "[security] kernel-", "[dependency] linux-firmware-"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestResolve_NoSecurityPreference(t *testing.T) {
	h := newHarness(t, dnfRunner(t))

	if err := h.run("resolve", "--packages", "kernel", "--no-security-preference"); err != nil {
		t.Fatalf("resolve error = %v", err)
	}
	if h.runner.Called("dnf updateinfo") {
		t.Errorf("security advisories were queried: %v", h.runner.CallLines())
	}
}

func TestResolve_PackageFileAndExport(t *testing.T) {
	h := newHarness(t, dnfRunner(t))
	pkgFile := filepath.Join(h.dir, "packages.txt")
	if err := os.WriteFile(pkgFile, []byte("# installed\nbash\n\nkernel\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	outPath := filepath.Join(h.dir, "resolved.json")

	if err := h.run("resolve", "--package-file", pkgFile, "-o", outPath); err != nil {
		t.Fatalf("resolve error = %v", err)
	}
	if !strings.Contains(h.out.String(), "Results written to: "+outPath) {
		t.Errorf("output = %q", h.out.String())
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Errorf("export not written: %v", err)
	}
}

func TestResolve_NoPackages(t *testing.T) {
	h := newHarness(t, dnfRunner(t))
	if got := exitCode(h.run("resolve")); got != 1 {
		t.Errorf("exit code = %d, want 1", got)
	}
	if len(h.runner.Calls) != 0 {
		t.Errorf("unexpected calls: %v", h.runner.CallLines())
	}
}

func TestDownload(t *testing.T) {
	h := newHarness(t, dnfRunner(t))
	dest := filepath.Join(h.dir, "rpms")

	if err := h.run("download", "--packages", "bash", "--packages", "kernel", "-d", dest, "--checksums"); err != nil {
		t.Fatalf("download error = %v", err)
	}
	out := h.out.String()
	if !strings.Contains(out, "Downloaded: 3, Failed: 0") {
		t.Errorf("output = %q", out)
	}
	sums, err := os.ReadFile(filepath.Join(dest, "SHA256SUMS"))
	if err != nil {
		t.Fatalf("SHA256SUMS not written: %v", err)
	}
	if got := strings.Count(string(sums), "\n"); got != 3 {
		t.Errorf("SHA256SUMS has %d lines, want 3:\n%s", got, sums)
	}
}

func TestDownload_NothingToDownload(t *testing.T) {
	h := newHarness(t, &command.Fake{Responses: []command.Response{
		{Prefix: "dnf check-update", Result: command.Result{ExitCode: 0}},
	}})

	if err := h.run("download", "--packages", "bash", "-d", filepath.Join(h.dir, "rpms")); err != nil {
		t.Fatalf("download error = %v", err)
	}
	out := h.out.String()
	if !strings.Contains(out, "Downloaded: 0, Failed: 0") || !strings.Contains(out, "  - No packages to download") {
		t.Errorf("output = %q", out)
	}
	if h.runner.Called("dnf download") {
		t.Errorf("dnf download should not run: %v", h.runner.CallLines())
	}
}

func TestInitConfig(t *testing.T) {
	h := newHarness(t, &command.Fake{})
	path := filepath.Join(h.dir, "new.yaml")

	if err := h.run("init-config", path); err != nil {
		t.Fatalf("init-config error = %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Build.CompressionLevel != 19 {
		t.Errorf("CompressionLevel = %d, want 19", cfg.Build.CompressionLevel)
	}

	if err := h.run("init-config", path); err == nil {
		t.Error("second init-config should refuse to overwrite")
	}
	if err := h.run("init-config", "--force", path); err != nil {
		t.Errorf("init-config --force error = %v", err)
	}
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	h := newHarness(t, &command.Fake{})
	h.cfgPath = filepath.Join(h.dir, "missing.yaml")
	if err := h.run("history"); err == nil {
		t.Error("an explicitly named config file that does not exist should fail")
	}
}

func TestBuild_InvalidOS(t *testing.T) {
	h := newHarness(t, dnfRunner(t))
	err := h.run("build", "--os", "rhel7", "--manifests", h.dir)
	if err == nil || !strings.Contains(err.Error(), "rhel7") {
		t.Errorf("error = %v, want invalid --os", err)
	}
}

func TestBuild_NoManifestsExits1(t *testing.T) {
	h := newHarness(t, dnfRunner(t))
	empty := filepath.Join(h.dir, "empty")
	if err := os.MkdirAll(empty, 0o755); err != nil {
		t.Fatal(err)
	}

	err := h.run("build", "--os", "rhel9", "--manifests", empty)
	if got := exitCode(err); got != 1 {
		t.Fatalf("exit code = %d (err %v), want 1", got, err)
	}
	if !strings.Contains(err.Error(), "No RHEL 9 manifests found") {
		t.Errorf("error = %v", err)
	}

	if err := h.run("history", "--output", "json"); err != nil {
		t.Fatal(err)
	}
	var builds []storage.Build
	if err := json.Unmarshal(h.out.Bytes(), &builds); err != nil {
		t.Fatalf("history is not json: %v", err)
	}
	if len(builds) != 1 || builds[0].Status != storage.StatusFailed {
		t.Errorf("history = %+v, want one failed build", builds)
	}
}

func TestBuild_SignRequiresKey(t *testing.T) {
	h := newHarness(t, dnfRunner(t))
	err := h.run("build", "--os", "rhel9", "--manifests", manifesttest.WriteDir(t), "--sign")
	if !errors.Is(err, config.ErrSigningKeyRequired) {
		t.Errorf("error = %v, want ErrSigningKeyRequired", err)
	}
}

// TestEndToEnd builds a bundle, verifies it, lists it, reports on it and
// publishes it to a fake GitHub.
func TestEndToEnd(t *testing.T) {
	h := newHarness(t, dnfRunner(t))
	manifests := manifesttest.WriteDir(t)

	if err := h.run("build", "--os", "rhel9", "--manifests", manifests); err != nil {
		t.Fatalf("build error = %v\nstderr:\n%s", err, h.errOut.String())
	}
	archive := filepath.Join(h.cfg.Build.OutputDir, bundleID+".tar.gz")
	if !strings.Contains(h.out.String(), "Bundle created successfully: "+archive) {
		t.Fatalf("output = %q", h.out.String())
	}
	if _, err := os.Stat(archive + ".sha256"); err != nil {
		t.Errorf("sidecar missing: %v", err)
	}

	t.Run("verify", func(t *testing.T) {
		if err := h.run("verify", archive); err != nil {
			t.Fatalf("verify error = %v\n%s", err, h.out.String())
		}
		out := h.out.String()
		for _, want := range []string{"Bundle:   " + bundleID, "Sidecar:  match", "Packages: 3 verified", "Signature: none", "Bundle OK"} {
			if !strings.Contains(out, want) {
				t.Errorf("verify output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("verify detects a tampered sidecar", func(t *testing.T) {
		sidecar := archive + ".sha256"
		orig, err := os.ReadFile(sidecar)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = os.WriteFile(sidecar, orig, 0o644) })
		bogus := strings.Repeat("0", 64) + "  " + filepath.Base(archive) + "\n"
		if err := os.WriteFile(sidecar, []byte(bogus), 0o644); err != nil {
			t.Fatal(err)
		}

		if got := exitCode(h.run("verify", archive)); got != 1 {
			t.Errorf("exit code = %d, want 1", got)
		}
		if !strings.Contains(h.out.String(), "Sidecar:  MISMATCH") {
			t.Errorf("output = %q", h.out.String())
		}
	})

	t.Run("history", func(t *testing.T) {
		if err := h.run("history", "--os-major", "9"); err != nil {
			t.Fatal(err)
		}
		out := h.out.String()
		if !strings.Contains(out, "BUNDLE") || !strings.Contains(out, bundleID) || !strings.Contains(out, "success") {
			t.Errorf("history output = %q", out)
		}

		if err := h.run("history", "--os-major", "8"); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(h.out.String(), "No builds recorded.") {
			t.Errorf("rhel8 history = %q", h.out.String())
		}

		if err := h.run("history", "--stats"); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(h.out.String(), `"total_builds": 1`) {
			t.Errorf("stats = %q", h.out.String())
		}
	})

	t.Run("publish", func(t *testing.T) {
		uploads := map[string]int{}
		mux := http.NewServeMux()
		mux.HandleFunc("GET /repos/acme/bundles/releases/tags/{tag}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		})
		mux.HandleFunc("POST /repos/acme/bundles/releases", func(w http.ResponseWriter, r *http.Request) {
			var rel github.RepositoryRelease
			_ = json.NewDecoder(r.Body).Decode(&rel)
			rel.ID = github.Int64(42)
			rel.HTMLURL = github.String("https://github.com/acme/bundles/releases/tag/" + rel.GetTagName())
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(rel)
		})
		mux.HandleFunc("POST /repos/acme/bundles/releases/42/assets", func(w http.ResponseWriter, r *http.Request) {
			name := r.URL.Query().Get("name")
			data, _ := io.ReadAll(r.Body)
			uploads[name] = len(data)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(github.ReleaseAsset{Name: github.String(name), Size: github.Int(len(data))})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		h.env.NewReleaseClient = func(token, repo string) (gh.ReleaseClient, error) {
			if token != "test-token" {
				t.Errorf("token = %q", token)
			}
			return gh.NewTestClient(server.Client(), server.URL, repo)
		}
		t.Setenv("GITHUB_TOKEN", "test-token")

		if err := h.run("publish", archive); err != nil {
			t.Fatalf("publish error = %v\nstderr:\n%s", err, h.errOut.String())
		}
		if !strings.Contains(h.out.String(), "Release published: https://github.com/acme/bundles/releases/tag/"+bundleID) {
			t.Errorf("output = %q", h.out.String())
		}
		if _, ok := uploads[filepath.Base(archive)]; !ok {
			t.Errorf("archive not uploaded: %v", uploads)
		}
		if _, ok := uploads[filepath.Base(archive)+".sha256"]; !ok {
			t.Errorf("sidecar not uploaded: %v", uploads)
		}
	})

	t.Run("report", func(t *testing.T) {
		site := filepath.Join(h.dir, "site")
		if err := h.run("report", "--out", site); err != nil {
			t.Fatalf("report error = %v", err)
		}
		html, err := os.ReadFile(filepath.Join(site, "index.html"))
		if err != nil {
			t.Fatalf("index.html not written: %v", err)
		}
		if !strings.Contains(string(html), bundleID) {
			t.Error("report does not list the bundle")
		}
		if !strings.Contains(string(html), "releases/tag/"+bundleID) {
			t.Error("report does not link the published release")
		}
	})
}

func TestPublish_RequiresToken(t *testing.T) {
	h := newHarness(t, &command.Fake{})
	t.Setenv("GITHUB_TOKEN", "")
	err := h.run("publish", filepath.Join(h.dir, bundleID+".tar.gz"))
	if err == nil || !strings.Contains(err.Error(), "GITHUB_TOKEN") {
		t.Errorf("error = %v, want missing token", err)
	}
}
