package semver

import (
	"errors"
	"fmt"
	"sort"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// ErrIncompatible is returned when a peer version is outside the
// constraint.
var ErrIncompatible = errors.New("incompatible peer version")

// CheckCompatible reports whether version satisfies constraint. An empty
// constraint accepts anything; an empty version is rejected by any
// non-empty constraint.
func CheckCompatible(version, constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", resolverLogPrefix, constraint, err)
	}
	if version == "" {
		return fmt.Errorf("%s - %w: no version, want %s", resolverLogPrefix, ErrIncompatible, constraint)
	}
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, version, err)
	}
	if ok, reasons := c.Validate(v); !ok {
		msg := constraint
		if len(reasons) > 0 {
			msg = reasons[0].Error()
		}
		return fmt.Errorf("%s - %w: %s", resolverLogPrefix, ErrIncompatible, msg)
	}
	return nil
}

// MinVersionConstraint turns a minimum version into a ">=" constraint.
// Major-only values are widened to "X.0.0".
func MinVersionConstraint(minVersion string) string {
	if minVersion == "" {
		return ""
	}
	if IsMajorOnly(minVersion) {
		minVersion += ".0.0"
	}
	return ">= " + minVersion
}

// Highest returns the highest valid version in versions, or "" if none
// parse. Prereleases sort below their release.
func Highest(versions []string) string {
	parsed := make([]*masterminds.Version, 0, len(versions))
	for _, s := range versions {
		v, err := masterminds.NewVersion(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}
	if len(parsed) == 0 {
		return ""
	}
	sort.Sort(masterminds.Collection(parsed))
	return parsed[len(parsed)-1].Original()
}

// ValidateConstraint reports whether constraint parses.
func ValidateConstraint(constraint string) error {
	if _, err := masterminds.NewConstraint(constraint); err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", resolverLogPrefix, constraint, err)
	}
	return nil
}
