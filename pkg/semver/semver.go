// Package semver checks manifest versions against SemVer constraints.
package semver

import (
	"fmt"
	"regexp"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:semver"

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// IsMajorOnly reports whether a range is a bare major version such as "1".
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// Satisfies reports whether version satisfies rangeStr. A bare major range
// matches every version with that major. Unparseable input never satisfies.
func Satisfies(version, rangeStr string) bool {
	ok, err := Compatible(version, rangeStr)
	return ok && err == nil
}

// Compatible checks a manifest version against a constraint. An empty
// constraint or an empty version is compatible; a malformed one is an error.
func Compatible(version, constraint string) (bool, error) {
	if constraint == "" || version == "" {
		return true, nil
	}
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("%s - failed to parse version %q: %w", logPrefix, version, err)
	}
	if IsMajorOnly(constraint) {
		var major uint64
		fmt.Sscanf(constraint, "%d", &major)
		return sv.Major() == major, nil
	}
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("%s - failed to parse constraint %q: %w", logPrefix, constraint, err)
	}
	return c.Check(sv), nil
}

// ValidateConstraint returns an error if constraint cannot be parsed.
func ValidateConstraint(constraint string) error {
	if constraint == "" || IsMajorOnly(constraint) {
		return nil
	}
	if _, err := masterminds.NewConstraint(constraint); err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	return nil
}
