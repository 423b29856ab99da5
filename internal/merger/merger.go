// Package merger aggregates host manifests into a single view for one OS
// major version.
package merger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clean-dependency-project/rpmbundle/internal/manifest"
)

// Sentinel errors
var (
	ErrUnsupportedOSMajor = errors.New("OS major version must be 8 or 9")
	ErrDirectoryNotFound  = errors.New("manifest directory not found")
)

// AddResult is the outcome of offering a manifest to the merger.
type AddResult int

const (
	// Accepted means the manifest targets this merger's OS major version.
	Accepted AddResult = iota
	// RejectedWrongOS means the manifest is well formed but for another OS major.
	RejectedWrongOS
	// RejectedMalformed means the manifest could not be read or has no usable os.major.
	RejectedMalformed
)

func (r AddResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedWrongOS:
		return "rejected_wrong_os"
	case RejectedMalformed:
		return "rejected_malformed"
	default:
		return fmt.Sprintf("AddResult(%d)", int(r))
	}
}

// entry is an accepted manifest with the identity it was accepted under.
type entry struct {
	doc    *manifest.Document
	hostID string
}

// Merger holds the accepted manifests for one OS major version. Every query
// is computed from the accepted set on each call.
type Merger struct {
	osMajor int
	entries []entry
	hashes  map[string]string
	logger  *slog.Logger
}

// New creates a Merger for osMajor (8 or 9). logger may be nil.
func New(osMajor int, logger *slog.Logger) (*Merger, error) {
	if osMajor != 8 && osMajor != 9 {
		return nil, fmt.Errorf("%w, got: %d", ErrUnsupportedOSMajor, osMajor)
	}
	return &Merger{
		osMajor: osMajor,
		hashes:  make(map[string]string),
		logger:  logger,
	}, nil
}

// OSMajor returns the target OS major version.
func (m *Merger) OSMajor() int {
	return m.osMajor
}

// Add offers a decoded manifest. Rejected manifests leave no trace.
// Adding the same host twice appends a second entry; the content hash
// recorded for that host is the last one added.
func (m *Merger) Add(doc *manifest.Document) AddResult {
	major, ok := doc.OSMajor()
	if !ok {
		return RejectedMalformed
	}
	if major != m.osMajor {
		return RejectedWrongOS
	}

	hash, err := ContentHash(doc)
	if err != nil {
		return RejectedMalformed
	}

	hostID := doc.Manifest.HostID
	if _, present := doc.Raw["host_id"]; !present && doc.Path != "" {
		hostID = strings.TrimSuffix(filepath.Base(doc.Path), filepath.Ext(doc.Path))
	}

	m.hashes[hostID] = hash
	m.entries = append(m.entries, entry{doc: doc, hostID: hostID})
	return Accepted
}

// AddFile loads and offers a manifest file.
func (m *Merger) AddFile(path string) AddResult {
	doc, err := manifest.Load(path)
	if err != nil {
		if m.logger != nil {
			m.logger.Debug("skipping unreadable manifest", "path", path, "error", err)
		}
		return RejectedMalformed
	}
	return m.Add(doc)
}

// AddFromDirectory adds files named *-manifest.json, then any other *.json
// file, skipping files that cannot be parsed. It returns the number of
// accepted manifests.
func (m *Merger) AddFromDirectory(dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return 0, fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
	}

	named, err := filepath.Glob(filepath.Join(dir, "*-manifest.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list manifests: %w", err)
	}
	others, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list manifests: %w", err)
	}
	sort.Strings(named)
	sort.Strings(others)

	count := 0
	for _, path := range named {
		if m.addLogged(path) == Accepted {
			count++
		}
	}
	for _, path := range others {
		if strings.Contains(filepath.Base(path), "-manifest") {
			continue
		}
		if m.addLogged(path) == Accepted {
			count++
		}
	}

	return count, nil
}

func (m *Merger) addLogged(path string) AddResult {
	result := m.AddFile(path)
	if m.logger != nil {
		m.logger.Info("manifest offered", "path", path, "result", result.String(), "os_major", m.osMajor)
	}
	return result
}

// ManifestCount returns the number of accepted manifests.
func (m *Merger) ManifestCount() int {
	return len(m.entries)
}

// Documents returns the accepted manifests in ingestion order.
func (m *Merger) Documents() []*manifest.Document {
	docs := make([]*manifest.Document, len(m.entries))
	for i, e := range m.entries {
		docs[i] = e.doc
	}
	return docs
}

// ManifestHash returns the recorded content hash for a host.
func (m *Merger) ManifestHash(hostID string) string {
	return m.hashes[hostID]
}

// ContentHash returns "sha256:<hex>" over the canonical JSON of the manifest.
func ContentHash(doc *manifest.Document) (string, error) {
	data, err := doc.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
