package manifest

import "strings"

// NEVRA is the name, epoch, version, release and architecture of a package.
type NEVRA struct {
	Name    string
	Epoch   string
	Version string
	Release string
	Arch    string
}

// String renders name-[epoch:]version-release.arch. A zero epoch is omitted.
func (n NEVRA) String() string {
	var b strings.Builder
	b.WriteString(n.Name)
	b.WriteByte('-')
	if e := NormalizeEpoch(n.Epoch); e != "0" {
		b.WriteString(e)
		b.WriteByte(':')
	}
	b.WriteString(n.Version)
	b.WriteByte('-')
	b.WriteString(n.Release)
	b.WriteByte('.')
	b.WriteString(n.Arch)
	return b.String()
}

// FullString always includes the epoch: name-epoch:version-release.arch.
func (n NEVRA) FullString() string {
	return n.Name + "-" + NormalizeEpoch(n.Epoch) + ":" + n.Version + "-" + n.Release + "." + n.Arch
}

// FileStem is the conventional RPM filename without ".rpm":
// name-version-release.arch.
func (n NEVRA) FileStem() string {
	return n.Name + "-" + n.Version + "-" + n.Release + "." + n.Arch
}

// NormalizeEpoch maps absent epochs to "0".
func NormalizeEpoch(epoch string) string {
	switch epoch {
	case "", "(none)":
		return "0"
	}
	return epoch
}

// ParseNEVRA decomposes name-[epoch:]version-release.arch. It reports false
// when any component is missing.
func ParseNEVRA(s string) (NEVRA, bool) {
	base, arch, ok := cutLast(s, ".")
	if !ok {
		return NEVRA{}, false
	}
	base, release, ok := cutLast(base, "-")
	if !ok {
		return NEVRA{}, false
	}
	name, version, ok := cutLast(base, "-")
	if !ok {
		return NEVRA{}, false
	}

	epoch := "0"
	if e, v, found := strings.Cut(version, ":"); found {
		epoch, version = e, v
	}

	if name == "" || version == "" || release == "" || arch == "" {
		return NEVRA{}, false
	}

	return NEVRA{
		Name:    name,
		Epoch:   NormalizeEpoch(epoch),
		Version: version,
		Release: release,
		Arch:    arch,
	}, true
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
