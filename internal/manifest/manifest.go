// Package manifest defines the per-host package manifest and its validation rules.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
)

// SchemaVersion is the only manifest schema version this builder understands.
const SchemaVersion = "1.0"

// Sentinel errors
var (
	ErrNotObject    = errors.New("manifest must be a JSON object")
	ErrTrailingData = errors.New("extra data after JSON object")
)

// HostManifest is a point-in-time inventory of one host.
type HostManifest struct {
	SchemaVersion    string         `json:"schema_version"`
	HostID           string         `json:"host_id"`
	OS               OSInfo         `json:"os"`
	Arch             string         `json:"arch"`
	KernelVersion    string         `json:"kernel_version"`
	EnabledRepos     []EnabledRepo  `json:"enabled_repos"`
	InstalledRPMs    []InstalledRPM `json:"installed_rpms"`
	Timestamp        string         `json:"timestamp"`
	CollectorVersion string         `json:"collector_version,omitempty"`
	AdvisoryIDs      []string       `json:"advisory_ids,omitempty"`
}

// OSInfo identifies the operating system release of a host.
type OSInfo struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Major int    `json:"major"`
	Minor int    `json:"minor"`
}

// EnabledRepo is a repository enabled on the host at collection time.
type EnabledRepo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"baseurl,omitempty"`
}

// InstalledRPM is one installed package.
type InstalledRPM struct {
	Name    string `json:"name"`
	Epoch   string `json:"epoch"`
	Version string `json:"version"`
	Release string `json:"release"`
	Arch    string `json:"arch"`
	NEVRA   string `json:"nevra"`
}

// Identity returns the structured NEVRA built from the individual fields.
func (r InstalledRPM) Identity() NEVRA {
	return NEVRA{
		Name:    r.Name,
		Epoch:   NormalizeEpoch(r.Epoch),
		Version: r.Version,
		Release: r.Release,
		Arch:    r.Arch,
	}
}

// Document is a decoded manifest file. Raw keeps the object exactly as it was
// read (numbers as json.Number) for validation and content hashing; Manifest is
// a lenient typed view of the same data.
type Document struct {
	Path     string
	Raw      map[string]any
	Manifest HostManifest
}

// FileErrorKind distinguishes file-level failures from content validation.
type FileErrorKind int

const (
	// NotFound means the manifest file does not exist.
	NotFound FileErrorKind = iota + 1
	// InvalidJSON means the file could not be decoded as a JSON object.
	InvalidJSON
)

// FileError reports a manifest that could not be read or decoded.
type FileError struct {
	Kind FileErrorKind
	Path string
	Err  error
}

func (e *FileError) Error() string {
	switch e.Kind {
	case NotFound:
		return fmt.Sprintf("File not found: %s", e.Path)
	case InvalidJSON:
		return fmt.Sprintf("Invalid JSON: %v", e.Err)
	default:
		return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
	}
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Load reads and decodes a manifest file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &FileError{Kind: NotFound, Path: path, Err: err}
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, &FileError{Kind: InvalidJSON, Path: path, Err: err}
	}
	doc.Path = path
	return doc, nil
}

// Parse decodes manifest JSON. Only malformed JSON or a non-object top level
// is an error; missing or mistyped fields are left for the validator.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrTrailingData
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}

	return &Document{Raw: raw, Manifest: fromRaw(raw)}, nil
}

// NewDocument wraps a typed manifest, producing the raw form via JSON.
func NewDocument(m HostManifest) (*Document, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// OSMajor returns the OS major version and whether it was present as a number.
func (d *Document) OSMajor() (int, bool) {
	if d == nil {
		return 0, false
	}
	osInfo, ok := d.Raw["os"].(map[string]any)
	if !ok {
		return 0, false
	}
	return intValue(osInfo["major"])
}

// CanonicalJSON serializes the raw object with sorted keys and no
// insignificant whitespace. Hashes over this form are not interchangeable
// with hashes taken over JSON written with ", " and ": " separators.
func (d *Document) CanonicalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d.Raw); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func fromRaw(raw map[string]any) HostManifest {
	m := HostManifest{
		SchemaVersion:    stringValue(raw["schema_version"]),
		HostID:           stringValue(raw["host_id"]),
		Arch:             stringValue(raw["arch"]),
		KernelVersion:    stringValue(raw["kernel_version"]),
		Timestamp:        stringValue(raw["timestamp"]),
		CollectorVersion: stringValue(raw["collector_version"]),
	}

	if osInfo, ok := raw["os"].(map[string]any); ok {
		m.OS.Name = stringValue(osInfo["name"])
		m.OS.ID = stringValue(osInfo["id"])
		m.OS.Major, _ = intValue(osInfo["major"])
		m.OS.Minor, _ = intValue(osInfo["minor"])
	}

	if repos, ok := raw["enabled_repos"].([]any); ok {
		for _, r := range repos {
			repo, ok := r.(map[string]any)
			if !ok {
				continue
			}
			m.EnabledRepos = append(m.EnabledRepos, EnabledRepo{
				ID:      stringValue(repo["id"]),
				Name:    stringValue(repo["name"]),
				BaseURL: stringValue(repo["baseurl"]),
			})
		}
	}

	if rpms, ok := raw["installed_rpms"].([]any); ok {
		for _, r := range rpms {
			rpm, ok := r.(map[string]any)
			if !ok {
				continue
			}
			m.InstalledRPMs = append(m.InstalledRPMs, InstalledRPM{
				Name:    stringValue(rpm["name"]),
				Epoch:   stringValue(rpm["epoch"]),
				Version: stringValue(rpm["version"]),
				Release: stringValue(rpm["release"]),
				Arch:    stringValue(rpm["arch"]),
				NEVRA:   stringValue(rpm["nevra"]),
			})
		}
	}

	if ids, ok := raw["advisory_ids"].([]any); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				m.AdvisoryIDs = append(m.AdvisoryIDs, s)
			}
		}
	}

	return m
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// intValue accepts JSON integers in any of the forms a decoded or
// hand-built map may carry them.
func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	case json.Number:
		n, err := strconv.Atoi(t.String())
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// jsonTypeName names the JSON type of a decoded value.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number, float64, float32, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
