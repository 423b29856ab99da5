package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ExcludeConfig lists packages that are never put into a bundle, either for
// every OS major version or for one. Patterns are shell globs matched
// against package names.
//
//	{
//	  "all":   ["kernel-debug*"],
//	  "rhel9": ["kernel", "kernel-core"],
//	  "rhel8": ["python2*"]
//	}
type ExcludeConfig map[string][]string

// LoadExcludeConfig loads an exclude file if provided.
// Returns an empty config if filePath is empty.
func LoadExcludeConfig(filePath string) (ExcludeConfig, error) {
	if filePath == "" {
		return ExcludeConfig{}, nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read exclude file %s: %w", filePath, err)
	}

	var raw map[string][]string
	switch ext := filepath.Ext(filePath); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML exclude file %s: %w", filePath, err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON exclude file %s: %w", filePath, err)
		}
	}

	for key, patterns := range raw {
		for _, p := range patterns {
			if _, err := path.Match(p, ""); err != nil {
				return nil, fmt.Errorf("bad pattern %q under %q: %w", p, key, err)
			}
		}
	}
	return ExcludeConfig(raw), nil
}

// IsExcluded reports whether name is excluded for an OS major version.
func (ec ExcludeConfig) IsExcluded(osMajor int, name string) bool {
	return matchPatterns(ec["all"], name) || matchPatterns(ec["rhel"+strconv.Itoa(osMajor)], name)
}

// ForOS returns a predicate for one OS major version.
func (ec ExcludeConfig) ForOS(osMajor int) func(string) bool {
	return func(name string) bool { return ec.IsExcluded(osMajor, name) }
}

func matchPatterns(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
