package clamav

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel errors
var (
	ErrNoThreatsInOutput = errors.New("malware detected but no threats found in output")
)

var databaseDateRe = regexp.MustCompile(`ClamAV \d+\.\d+\.\d+/\d+/([A-Za-z]{3} [A-Za-z]{3}\s+\d+\s+\d+:\d+:\d+ \d{4})`)

// parseResult extracts scan results from clamscan output.
// Exit code 0 = clean, 1 = infected, 2+ = error
func parseResult(output []byte, exitCode int, version string) (Result, error) {
	result := Result{
		Clean: exitCode == 0,
		Metadata: Metadata{
			EngineVersion: version,
			DatabaseDate:  extractDatabaseDate(version),
		},
	}

	switch {
	case exitCode == 0:
		return result, nil
	case exitCode == 1:
		result.Threats = extractThreats(string(output))
		if len(result.Threats) == 0 {
			return result, ErrNoThreatsInOutput
		}
		return result, nil
	default:
		return Result{}, fmt.Errorf("%w: exit code %d", ErrScanFailed, exitCode)
	}
}

// extractThreats finds all "FOUND" lines.
// Format: "/scan/sub/file.rpm: Threat-Name FOUND"
func extractThreats(output string) []Threat {
	var threats []Threat
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		idx := strings.LastIndex(line, ": ")
		if idx < 0 {
			continue
		}
		file := strings.TrimPrefix(line[:idx], containerPath)
		file = strings.TrimPrefix(file, "/")
		name := strings.TrimSpace(strings.TrimSuffix(line[idx+2:], " FOUND"))
		threats = append(threats, Threat{File: file, Name: name})
	}
	return threats
}

// extractDatabaseDate parses the virus database date from version string.
// Example version: "ClamAV 1.5.1/27805/Mon Oct 27 09:50:30 2025"
func extractDatabaseDate(version string) string {
	matches := databaseDateRe.FindStringSubmatch(version)
	if len(matches) >= 2 {
		return matches[1]
	}
	return "unknown"
}
