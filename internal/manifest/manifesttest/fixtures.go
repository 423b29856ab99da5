// Package manifesttest provides manifest fixtures shared by package tests.
package manifesttest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// RHEL9 is a valid manifest for a RHEL 9.6 host with bash, kernel and openssl.
const RHEL9 = `{
  "schema_version": "1.0",
  "host_id": "test-host-01",
  "os": {"name": "Red Hat Enterprise Linux", "major": 9, "minor": 6, "id": "rhel"},
  "arch": "x86_64",
  "kernel_version": "5.14.0-427.el9.x86_64",
  "enabled_repos": [
    {"id": "rhel-9-for-x86_64-baseos-rpms", "name": "RHEL 9 BaseOS"},
    {"id": "rhel-9-for-x86_64-appstream-rpms", "name": "RHEL 9 AppStream"}
  ],
  "installed_rpms": [
    {"name": "bash", "epoch": "0", "version": "5.1.8", "release": "6.el9", "arch": "x86_64", "nevra": "bash-5.1.8-6.el9.x86_64"},
    {"name": "kernel", "epoch": "0", "version": "5.14.0", "release": "427.el9", "arch": "x86_64", "nevra": "kernel-5.14.0-427.el9.x86_64"},
    {"name": "openssl", "epoch": "1", "version": "3.0.7", "release": "25.el9", "arch": "x86_64", "nevra": "openssl-1:3.0.7-25.el9.x86_64"}
  ],
  "timestamp": "2024-01-15T12:00:00Z",
  "collector_version": "1.0.0"
}`

// RHEL8 is a valid manifest for a RHEL 8.10 host with bash only.
const RHEL8 = `{
  "schema_version": "1.0",
  "host_id": "test-host-rhel8",
  "os": {"name": "Red Hat Enterprise Linux", "major": 8, "minor": 10, "id": "rhel"},
  "arch": "x86_64",
  "kernel_version": "4.18.0-553.el8.x86_64",
  "enabled_repos": [
    {"id": "rhel-8-for-x86_64-baseos-rpms", "name": "RHEL 8 BaseOS"}
  ],
  "installed_rpms": [
    {"name": "bash", "epoch": "0", "version": "4.4.20", "release": "4.el8", "arch": "x86_64", "nevra": "bash-4.4.20-4.el8.x86_64"}
  ],
  "timestamp": "2024-01-15T12:00:00Z",
  "collector_version": "1.0.0"
}`

// Decode returns a fixture as a generic JSON object, failing the test on error.
func Decode(t testing.TB, doc string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		t.Fatalf("failed to decode fixture: %v", err)
	}
	return m
}

// Encode serializes a fixture object, failing the test on error.
func Encode(t testing.TB, m map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return data
}

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// WriteDir creates a manifest directory holding the RHEL 9 and RHEL 8
// fixtures under their conventional file names.
func WriteDir(t testing.TB) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "manifests")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create manifest dir: %v", err)
	}
	WriteFile(t, dir, "test-host-01-manifest.json", RHEL9)
	WriteFile(t, dir, "test-host-rhel8-manifest.json", RHEL8)
	return dir
}
