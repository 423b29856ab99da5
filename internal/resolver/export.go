package resolver

import (
	"encoding/json"
	"fmt"
	"os"
)

// Summary is the exported resolution result.
type Summary struct {
	InstalledCount  int       `json:"installed_count"`
	ResolvedCount   int       `json:"resolved_count"`
	UpdateCount     int       `json:"update_count"`
	SecurityCount   int       `json:"security_count"`
	DependencyCount int       `json:"dependency_count"`
	TotalSizeBytes  int64     `json:"total_size_bytes"`
	Packages        []Package `json:"packages"`
	Errors          []string  `json:"errors"`
}

// CountByType tallies packages per classification.
func CountByType(packages []Package) map[Type]int {
	counts := map[Type]int{TypeUpdate: 0, TypeSecurity: 0, TypeDependency: 0}
	for _, p := range packages {
		counts[p.Type]++
	}
	return counts
}

// Summary reports the last Resolve call.
func (r *Resolver) Summary() Summary {
	counts := CountByType(r.resolved)

	var total int64
	for _, p := range r.resolved {
		total += p.SizeBytes
	}

	packages := r.resolved
	if packages == nil {
		packages = []Package{}
	}
	errs := r.errors
	if errs == nil {
		errs = []string{}
	}

	return Summary{
		InstalledCount:  len(r.installed),
		ResolvedCount:   len(r.resolved),
		UpdateCount:     counts[TypeUpdate],
		SecurityCount:   counts[TypeSecurity],
		DependencyCount: counts[TypeDependency],
		TotalSizeBytes:  total,
		Packages:        packages,
		Errors:          errs,
	}
}

// Export writes Summary as indented JSON.
func (r *Resolver) Export(path string) error {
	data, err := json.MarshalIndent(r.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal resolution: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write resolution: %w", err)
	}
	return nil
}
