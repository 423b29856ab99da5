// Package version parses and orders manifest collector versions.
package version

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrVersionParseFailed reports a version that is not semantic.
type ErrVersionParseFailed struct {
	Version string
	Cause   error
}

func (e ErrVersionParseFailed) Error() string {
	return fmt.Sprintf("failed to parse version %q: %v", e.Version, e.Cause)
}

func (e ErrVersionParseFailed) Unwrap() error {
	return e.Cause
}

func (e ErrVersionParseFailed) Is(target error) bool {
	var parseErr ErrVersionParseFailed
	return errors.As(target, &parseErr)
}

// Parse parses a semantic version. A leading "v" is accepted.
func Parse(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return nil, ErrVersionParseFailed{Version: v, Cause: err}
	}
	return parsed, nil
}

// IsSemantic reports whether v parses as a semantic version.
func IsSemantic(v string) bool {
	_, err := Parse(v)
	return err == nil
}

// Oldest returns the oldest semantic version in versions, as written.
// Values that do not parse are ignored; "" means none parsed.
func Oldest(versions []string) string {
	var oldest *semver.Version
	for _, v := range versions {
		parsed, err := Parse(v)
		if err != nil {
			continue
		}
		if oldest == nil || parsed.LessThan(oldest) {
			oldest = parsed
		}
	}
	if oldest == nil {
		return ""
	}
	return oldest.Original()
}
