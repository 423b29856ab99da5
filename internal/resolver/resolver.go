// Package resolver computes which packages an offline host population needs:
// available updates for installed packages plus their dependency closure.
package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/clean-dependency-project/rpmbundle/internal/command"
)

// Type classifies why a package is in the resolved set.
type Type string

const (
	TypeSecurity   Type = "security"
	TypeUpdate     Type = "update"
	TypeDependency Type = "dependency"
)

const (
	DefaultSecurityTimeout = 120 * time.Second
	DefaultClosureTimeout  = 10 * time.Minute
	DefaultStagingDir      = "/tmp/dnf-resolve-test"
	DefaultDNF             = "dnf"
)

// Package is one resolved package.
type Package struct {
	Name       string   `json:"name"`
	Epoch      string   `json:"epoch"`
	Version    string   `json:"version"`
	Release    string   `json:"release"`
	Arch       string   `json:"arch"`
	NEVRA      string   `json:"nevra"`
	RepoID     string   `json:"repo_id"`
	Type       Type     `json:"type"`
	SizeBytes  int64    `json:"size_bytes"`
	AdvisoryID string   `json:"advisory_id"`
	RequiredBy []string `json:"required_by"`
}

// Options tunes resolution.
type Options struct {
	PreferSecurity  bool
	SecurityTimeout time.Duration
	ClosureTimeout  time.Duration
	StagingDir      string
	DNF             string
	// Exclude, when set, drops matching package names from the result.
	Exclude func(name string) bool
}

// DefaultOptions returns the options used by the build pipeline.
func DefaultOptions() Options {
	return Options{
		PreferSecurity:  true,
		SecurityTimeout: DefaultSecurityTimeout,
		ClosureTimeout:  DefaultClosureTimeout,
		StagingDir:      DefaultStagingDir,
		DNF:             DefaultDNF,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SecurityTimeout <= 0 {
		o.SecurityTimeout = d.SecurityTimeout
	}
	if o.ClosureTimeout <= 0 {
		o.ClosureTimeout = d.ClosureTimeout
	}
	if o.StagingDir == "" {
		o.StagingDir = d.StagingDir
	}
	if o.DNF == "" {
		o.DNF = d.DNF
	}
	return o
}

// Resolver drives dnf to find updates and their dependency closure. Tool
// failures are recorded in Errors and never abort a run.
type Resolver struct {
	runner    command.Runner
	installed map[string]bool
	opts      Options
	logger    *slog.Logger

	resolved []Package
	errors   []string
}

// New creates a resolver for the given installed package names.
func New(runner command.Runner, installed []string, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	set := make(map[string]bool, len(installed))
	for _, name := range installed {
		set[name] = true
	}
	return &Resolver{
		runner:    runner,
		installed: set,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// Resolve runs the full resolution and returns the classified packages.
func (r *Resolver) Resolve(ctx context.Context) []Package {
	r.resolved = []Package{}
	r.errors = nil

	updates := r.availableUpdates(ctx)
	if len(updates) == 0 {
		r.logger.Info("no updates available", "installed", len(r.installed))
		return r.resolved
	}

	var advisories map[string]string
	if r.opts.PreferSecurity {
		advisories = r.securityUpdates(ctx)
	}

	names := sortedNames(updates)
	closure := r.resolveClosure(ctx, names)
	if len(closure) == 0 {
		r.logger.Debug("closure transcript empty, walking requires", "updates", len(names))
		closure = r.walkRequires(ctx, names)
	}

	seen := make(map[string]bool, len(closure))
	for _, pkg := range closure {
		if seen[pkg.NEVRA] {
			continue
		}
		seen[pkg.NEVRA] = true
		if r.excluded(pkg.Name) {
			continue
		}

		if advisory, ok := advisories[pkg.Name]; ok {
			pkg.Type = TypeSecurity
			pkg.AdvisoryID = advisory
		} else if updates[pkg.Name] {
			pkg.Type = TypeUpdate
		} else {
			pkg.Type = TypeDependency
		}
		r.resolved = append(r.resolved, pkg)
	}

	r.logger.Info("resolution complete",
		"updates", len(updates),
		"resolved", len(r.resolved),
		"errors", len(r.errors))
	return r.resolved
}

// Resolved returns the packages from the last Resolve call.
func (r *Resolver) Resolved() []Package {
	return r.resolved
}

// Errors returns the non-fatal failures recorded by the last Resolve call.
func (r *Resolver) Errors() []string {
	return r.errors
}

func (r *Resolver) recordError(msg string) {
	r.logger.Warn("resolution problem", "error", msg)
	r.errors = append(r.errors, msg)
}

func (r *Resolver) availableUpdates(ctx context.Context) map[string]bool {
	res, err := r.runner.Run(ctx, r.opts.DNF, "check-update", "--quiet")
	if err != nil {
		r.recordError(fmt.Sprintf("Failed to check updates: %v", err))
		return nil
	}
	// dnf exits 100 when updates exist.
	if res.ExitCode != 0 && res.ExitCode != 100 {
		r.recordError("dnf check-update failed: " + strings.TrimSpace(string(res.Stderr)))
		return nil
	}
	updates := ParseCheckUpdate(string(res.Stdout), r.installed)
	for name := range updates {
		if r.excluded(name) {
			r.logger.Info("update excluded", "package", name)
			delete(updates, name)
		}
	}
	return updates
}

func (r *Resolver) excluded(name string) bool {
	return r.opts.Exclude != nil && r.opts.Exclude(name)
}

func (r *Resolver) securityUpdates(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, r.opts.SecurityTimeout)
	defer cancel()

	res, err := r.runner.Run(ctx, r.opts.DNF, "updateinfo", "list", "--security", "--available")
	if err != nil {
		r.recordError(fmt.Sprintf("Failed to get security updates: %v", err))
		return nil
	}
	if !res.Success() {
		return nil
	}
	return ParseSecurityList(string(res.Stdout))
}

func (r *Resolver) resolveClosure(ctx context.Context, names []string) []Package {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClosureTimeout)
	defer cancel()

	args := append([]string{
		"download", "--resolve", "--downloadonly",
		"--destdir=" + r.opts.StagingDir,
		"--assumeno", "-v",
	}, names...)

	res, err := r.runner.Run(ctx, r.opts.DNF, args...)
	if err != nil {
		r.recordError(fmt.Sprintf("Failed to resolve dependencies: %v", err))
		return nil
	}
	return ParseClosureTranscript(string(res.Stdout), string(res.Stderr))
}

// walkRequires resolves breadth-first with repoquery, visiting each name
// once.
func (r *Resolver) walkRequires(ctx context.Context, roots []string) []Package {
	var pkgs []Package
	seenNEVRA := make(map[string]bool)
	visited := make(map[string]bool)
	queue := append([]string(nil), roots...)

	for len(queue) > 0 {
		if ctx.Err() != nil {
			r.recordError(fmt.Sprintf("Failed to resolve dependencies: %v", ctx.Err()))
			break
		}

		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		res, err := r.runner.Run(ctx, r.opts.DNF, "repoquery", "--latest-limit=1",
			"--queryformat", "%{name}|%{epoch}|%{version}|%{release}|%{arch}|%{reponame}|%{size}",
			name)
		if err != nil || !res.Success() {
			r.logger.Debug("latest query failed", "package", name, "error", err, "exit_code", res.ExitCode)
			continue
		}

		for _, line := range lines(string(res.Stdout)) {
			pkg, ok := ParseRepoqueryLine(line)
			if !ok || seenNEVRA[pkg.NEVRA] {
				continue
			}
			seenNEVRA[pkg.NEVRA] = true
			pkgs = append(pkgs, pkg)
		}

		req, err := r.runner.Run(ctx, r.opts.DNF, "repoquery", "--requires", "--resolve",
			"--latest-limit=1", "--queryformat=%{name}", name)
		if err != nil {
			continue
		}
		for _, dep := range ParseRequires(string(req.Stdout)) {
			if !visited[dep] {
				queue = append(queue, dep)
			}
		}
	}
	return pkgs
}

// AttachHosts fills RequiredBy from a package name to hosts map.
func AttachHosts(packages []Package, packageToHosts map[string][]string) {
	for i := range packages {
		packages[i].RequiredBy = append([]string{}, packageToHosts[packages[i].Name]...)
	}
}

func sortedNames(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
