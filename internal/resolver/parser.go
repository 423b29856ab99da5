package resolver

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/clean-dependency-project/rpmbundle/internal/manifest"
)

// Every parser in this file reads free-form tool output line by line. A line
// that cannot be understood is skipped; it never fails the batch.

// knownArches are the architecture columns accepted in tabular transcripts.
var knownArches = map[string]bool{
	"x86_64": true, "aarch64": true, "noarch": true, "i686": true,
	"ppc64le": true, "s390x": true, "src": true,
}

// ParseCheckUpdate extracts the names from `dnf check-update` output that
// are also in installed.
func ParseCheckUpdate(stdout string, installed map[string]bool) map[string]bool {
	updates := make(map[string]bool)
	for _, line := range lines(stdout) {
		if line == "" || strings.HasPrefix(line, "Obsoleting") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, _, _ := cutLast(fields[0], ".")
		if installed[name] {
			updates[name] = true
		}
	}
	return updates
}

// ParseSecurityList extracts package names from `dnf updateinfo list
// --security` output, mapped to the first advisory id seen for each.
func ParseSecurityList(stdout string) map[string]string {
	advisories := make(map[string]string)
	for _, line := range lines(stdout) {
		fields := strings.Fields(line)
		if len(fields) < 3 || !isAdvisoryID(fields[0]) {
			continue
		}

		var name string
		if n, ok := manifest.ParseNEVRA(fields[2]); ok {
			name = n.Name
		} else {
			name, _, _ = cutLast(fields[2], ".")
			if first, _, found := strings.Cut(name, "-"); found {
				name = first
			}
		}
		if name == "" {
			continue
		}
		if _, seen := advisories[name]; !seen {
			advisories[name] = fields[0]
		}
	}
	return advisories
}

// isAdvisoryID reports whether s looks like RHSA-2024:0001 or
// FEDORA-2024-1a2b: an upper-case prefix, a dash, and a digit after it.
func isAdvisoryID(s string) bool {
	prefix, rest, ok := strings.Cut(s, "-")
	if !ok || prefix == "" || !strings.ContainsAny(rest, "0123456789") {
		return false
	}
	for _, r := range prefix {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ParseClosureTranscript reads the package list from a `dnf download
// --resolve --assumeno -v` simulation. stdout is read before stderr. Lines
// are collected after the first "Installing:" or "Upgrading:" marker.
func ParseClosureTranscript(stdout, stderr string) []Package {
	var pkgs []Package
	inList := false
	for _, line := range append(lines(stdout), lines(stderr)...) {
		if strings.Contains(line, "Installing:") || strings.Contains(line, "Upgrading:") {
			inList = true
			continue
		}
		if !inList || line == "" || strings.HasPrefix(line, "Installing dependencies:") {
			continue
		}
		if pkg, ok := ParsePackageLine(line); ok {
			pkgs = append(pkgs, pkg)
		}
	}
	return pkgs
}

// ParsePackageLine parses one transcript line. Two shapes are understood:
//
//	bash-5.1.8-9.el9.x86_64   rhel-9-baseos   1.7 M
//	bash   x86_64   5.1.8-9.el9   rhel-9-baseos   1.7 M
func ParsePackageLine(line string) (Package, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Package{}, false
	}

	if n, ok := manifest.ParseNEVRA(fields[0]); ok {
		pkg := newPackage(n, fields[1])
		pkg.NEVRA = fields[0]
		pkg.SizeBytes = parseHumanSize(fields[2:])
		return pkg, true
	}

	if len(fields) >= 4 && knownArches[fields[1]] {
		evr := fields[2]
		epoch := "0"
		if e, rest, found := strings.Cut(evr, ":"); found {
			epoch, evr = e, rest
		}
		version, release, ok := cutLast(evr, "-")
		if !ok || version == "" || release == "" {
			return Package{}, false
		}
		n := manifest.NEVRA{Name: fields[0], Epoch: manifest.NormalizeEpoch(epoch), Version: version, Release: release, Arch: fields[1]}
		pkg := newPackage(n, fields[3])
		pkg.SizeBytes = parseHumanSize(fields[4:])
		return pkg, true
	}

	return Package{}, false
}

// ParseRepoqueryLine parses name|epoch|version|release|arch|reponame|size.
func ParseRepoqueryLine(line string) (Package, bool) {
	if strings.TrimSpace(line) == "" {
		return Package{}, false
	}
	parts := strings.Split(line, "|")
	if len(parts) < 7 {
		return Package{}, false
	}

	n := manifest.NEVRA{
		Name:    parts[0],
		Epoch:   manifest.NormalizeEpoch(parts[1]),
		Version: parts[2],
		Release: parts[3],
		Arch:    parts[4],
	}
	pkg := newPackage(n, parts[5])
	pkg.NEVRA = n.FullString()

	size := strings.TrimSpace(parts[6])
	if isDigits(size) {
		pkg.SizeBytes, _ = strconv.ParseInt(size, 10, 64)
	}
	return pkg, true
}

// ParseRequires returns the non-empty trimmed lines of a requires query.
func ParseRequires(stdout string) []string {
	var names []string
	for _, line := range lines(stdout) {
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}

func newPackage(n manifest.NEVRA, repoID string) Package {
	return Package{
		Name:       n.Name,
		Epoch:      n.Epoch,
		Version:    n.Version,
		Release:    n.Release,
		Arch:       n.Arch,
		NEVRA:      n.String(),
		RepoID:     repoID,
		Type:       TypeUpdate,
		RequiredBy: []string{},
	}
}

// parseHumanSize reads dnf's "1.7 M" / "512 k" size columns. Unknown
// forms yield 0.
func parseHumanSize(fields []string) int64 {
	if len(fields) == 0 {
		return 0
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || value < 0 {
		return 0
	}
	multiplier := 1.0
	if len(fields) > 1 {
		switch strings.ToLower(fields[1]) {
		case "k":
			multiplier = 1 << 10
		case "m":
			multiplier = 1 << 20
		case "g":
			multiplier = 1 << 30
		}
	}
	return int64(value * multiplier)
}

func lines(s string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, strings.TrimSpace(sc.Text()))
	}
	return out
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
