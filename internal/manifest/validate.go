package manifest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clean-dependency-project/rpmbundle/internal/version"
)

// DefaultSampleSize bounds how many installed_rpms entries are inspected.
// Entries past the sample are trusted once the sample passes.
const DefaultSampleSize = 100

var (
	requiredFields    = []string{"schema_version", "host_id", "os", "arch", "enabled_repos", "installed_rpms", "timestamp"}
	requiredOSFields  = []string{"major", "minor", "name"}
	requiredRPMFields = []string{"name", "epoch", "version", "release", "arch"}
	validOSMajors     = map[int]bool{8: true, 9: true}
	validSystemArches = map[string]bool{"x86_64": true, "aarch64": true}
	validRPMArches    = map[string]bool{"x86_64": true, "aarch64": true, "noarch": true, "i686": true}
)

// Result holds the outcome of a validation run.
type Result struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether no errors were found.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Summary renders the result for humans.
func (r Result) Summary() string {
	var lines []string

	if len(r.Errors) > 0 {
		lines = append(lines, fmt.Sprintf("ERRORS (%d):", len(r.Errors)))
		for _, e := range r.Errors {
			lines = append(lines, "  - "+e)
		}
	}

	if len(r.Warnings) > 0 {
		lines = append(lines, fmt.Sprintf("WARNINGS (%d):", len(r.Warnings)))
		for _, w := range r.Warnings {
			lines = append(lines, "  - "+w)
		}
	}

	if len(lines) == 0 {
		lines = append(lines, "Manifest is valid.")
	}

	return strings.Join(lines, "\n")
}

// Validator checks manifests against the manifest schema.
type Validator struct {
	sampleSize int
	schema     *SchemaValidator
}

// Option configures a Validator.
type Option func(*Validator)

// WithSampleSize overrides DefaultSampleSize. Non-positive values are ignored.
func WithSampleSize(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.sampleSize = n
		}
	}
}

// WithSchema enables strict JSON Schema checking in addition to the
// structural rules.
func WithSchema(s *SchemaValidator) Option {
	return func(v *Validator) {
		v.schema = s
	}
}

// NewValidator creates a Validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{sampleSize: DefaultSampleSize}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SampleSize returns the configured installed_rpms sample size.
func (v *Validator) SampleSize() int {
	return v.sampleSize
}

// Validate checks a decoded manifest object.
func (v *Validator) Validate(raw map[string]any) Result {
	var r Result

	v.checkRequiredFields(raw, &r)
	v.checkSchemaVersion(raw, &r)
	v.checkOS(raw, &r)
	v.checkArch(raw, &r)
	v.checkRepos(raw, &r)
	v.checkRPMs(raw, &r)
	v.checkTimestamp(raw, &r)
	v.checkCollectorVersion(raw, &r)

	if v.schema != nil {
		r.Errors = append(r.Errors, v.schema.Validate(raw)...)
	}

	return r
}

// ValidateFile loads and validates a manifest file. File-level failures are
// returned as *FileError and also reported as the only entry in Errors.
func (v *Validator) ValidateFile(path string) (Result, error) {
	doc, err := Load(path)
	if err != nil {
		var fileErr *FileError
		if errors.As(err, &fileErr) {
			return Result{Errors: []string{fileErr.Error()}}, fileErr
		}
		return Result{Errors: []string{err.Error()}}, err
	}
	return v.Validate(doc.Raw), nil
}

func (v *Validator) checkRequiredFields(raw map[string]any, r *Result) {
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			r.Errors = append(r.Errors, "Missing required field: "+field)
		}
	}
}

func (v *Validator) checkSchemaVersion(raw map[string]any, r *Result) {
	version, ok := raw["schema_version"]
	if !ok || isEmpty(version) {
		return
	}
	if s, isString := version.(string); !isString || s != SchemaVersion {
		r.Warnings = append(r.Warnings, fmt.Sprintf("Unknown schema version: %s (expected %s)", display(version), SchemaVersion))
	}
}

func (v *Validator) checkOS(raw map[string]any, r *Result) {
	// A non-object os is treated like an empty one.
	osInfo, _ := raw["os"].(map[string]any)

	for _, field := range requiredOSFields {
		if _, ok := osInfo[field]; !ok {
			r.Errors = append(r.Errors, "Missing required os field: "+field)
		}
	}

	if major, ok := osInfo["major"]; ok && major != nil {
		n, isInt := intValue(major)
		if !isInt || !validOSMajors[n] {
			r.Errors = append(r.Errors, fmt.Sprintf("Invalid OS major version: %s (expected 8 or 9)", display(major)))
		}
	}

	if minor, ok := osInfo["minor"]; ok && minor != nil {
		if _, isInt := intValue(minor); !isInt {
			r.Errors = append(r.Errors, "OS minor version must be integer, got: "+jsonTypeName(minor))
		}
	}
}

func (v *Validator) checkArch(raw map[string]any, r *Result) {
	arch, ok := raw["arch"]
	if !ok || isEmpty(arch) {
		return
	}
	if s, isString := arch.(string); !isString || !validSystemArches[s] {
		r.Errors = append(r.Errors, fmt.Sprintf("Invalid system architecture: %s (expected x86_64 or aarch64)", display(arch)))
	}
}

func (v *Validator) checkRepos(raw map[string]any, r *Result) {
	value, ok := raw["enabled_repos"]
	if !ok {
		return
	}
	repos, isList := value.([]any)
	if !isList {
		r.Errors = append(r.Errors, "enabled_repos must be a list")
		return
	}

	for i, item := range repos {
		repo, isObject := item.(map[string]any)
		if !isObject {
			r.Errors = append(r.Errors, fmt.Sprintf("enabled_repos[%d] must be an object", i))
			continue
		}
		if _, ok := repo["id"]; !ok {
			r.Errors = append(r.Errors, fmt.Sprintf("enabled_repos[%d] missing required field: id", i))
		}
		if _, ok := repo["name"]; !ok {
			r.Warnings = append(r.Warnings, fmt.Sprintf("enabled_repos[%d] missing field: name", i))
		}
	}
}

func (v *Validator) checkRPMs(raw map[string]any, r *Result) {
	value, ok := raw["installed_rpms"]
	if !ok {
		return
	}
	rpms, isList := value.([]any)
	if !isList {
		r.Errors = append(r.Errors, "installed_rpms must be a list")
		return
	}

	if len(rpms) == 0 {
		r.Warnings = append(r.Warnings, "installed_rpms is empty")
		return
	}

	seen := make(map[string]bool)
	sample := min(len(rpms), v.sampleSize)
	for i := 0; i < sample; i++ {
		rpm, isObject := rpms[i].(map[string]any)
		if !isObject {
			r.Errors = append(r.Errors, fmt.Sprintf("installed_rpms[%d] must be an object", i))
			continue
		}

		complete := true
		for _, field := range requiredRPMFields {
			if _, ok := rpm[field]; !ok {
				r.Errors = append(r.Errors, fmt.Sprintf("installed_rpms[%d] missing required field: %s", i, field))
				complete = false
			}
		}

		arch := stringValue(rpm["arch"])
		if arch != "" && !validRPMArches[arch] {
			r.Warnings = append(r.Warnings, fmt.Sprintf("installed_rpms[%d] has unusual arch: %s", i, arch))
		}

		if !complete {
			continue
		}

		entry := InstalledRPM{
			Name:    stringValue(rpm["name"]),
			Epoch:   stringValue(rpm["epoch"]),
			Version: stringValue(rpm["version"]),
			Release: stringValue(rpm["release"]),
			Arch:    arch,
			NEVRA:   stringValue(rpm["nevra"]),
		}
		if entry.NEVRA != "" && entry.NEVRA != entry.Identity().String() {
			r.Warnings = append(r.Warnings, fmt.Sprintf("installed_rpms[%d] nevra does not match fields: %s", i, entry.NEVRA))
		}

		key := entry.Name + "." + entry.Arch
		if seen[key] {
			r.Warnings = append(r.Warnings, "duplicate installed package: "+key)
		}
		seen[key] = true
	}
}

func (v *Validator) checkTimestamp(raw map[string]any, r *Result) {
	value, ok := raw["timestamp"]
	if !ok || isEmpty(value) {
		return
	}
	ts, isString := value.(string)
	if !isString {
		r.Errors = append(r.Errors, "timestamp must be a string")
		return
	}
	if !isISODateTime(ts) {
		r.Errors = append(r.Errors, "timestamp must be ISO 8601 format, got: "+ts)
	}
}

// timestampLayouts accept RFC 3339 and the offset-less form, both with
// optional fractional seconds.
var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"}

func isISODateTime(ts string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, ts); err == nil {
			return true
		}
	}
	return false
}

func (v *Validator) checkCollectorVersion(raw map[string]any, r *Result) {
	cv := stringValue(raw["collector_version"])
	if cv == "" {
		return
	}
	if !version.IsSemantic(cv) {
		r.Warnings = append(r.Warnings, "collector_version is not a semantic version: "+cv)
	}
}

// isEmpty mirrors JSON falsiness for the optional checks: null, "", false, 0.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	}
	if n, ok := intValue(v); ok {
		return n == 0
	}
	return false
}

func display(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		return fmt.Sprint(t)
	}
}
