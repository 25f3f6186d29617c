// Package semver parses peer references and checks peer versions against
// the agent's compatibility constraint.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// PeerRef is a parsed "name@version" peer reference.
type PeerRef struct {
	// Name of the external peer (e.g., "recorder")
	Name string
	// Version or range if specified (e.g., "1.4.0", "^1", ""); empty means unspecified
	Version string
	// Raw input string
	Raw string
}

var (
	peerNameRegex     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParsePeerRef parses a peer reference.
//
// Supported formats:
//   - recorder           (no version)
//   - recorder@1         (major only)
//   - recorder@1.4.0     (exact version)
//   - recorder@^1.4.0    (range)
func ParsePeerRef(input string) (*PeerRef, error) {
	raw := strings.TrimSpace(input)
	name, version, _ := strings.Cut(raw, "@")

	if !ValidatePeerName(name) {
		return nil, fmt.Errorf("%s - invalid peer name in %q", logPrefix, raw)
	}
	return &PeerRef{Name: name, Version: version, Raw: raw}, nil
}

// String formats the reference back to "name@version".
func (r PeerRef) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "@" + r.Version
}

// IsMajorOnly checks if a version is a major-only specifier (e.g., "3").
func IsMajorOnly(v string) bool {
	return majorOnlyRegex.MatchString(v)
}

// IsExactVersion checks if v is an exact version (e.g., "3.2.1").
func IsExactVersion(v string) bool {
	return exactVersionRegex.MatchString(v)
}

// ValidatePeerName validates a peer name (letters, digits, dots, hyphens,
// underscores; must start with a letter).
func ValidatePeerName(name string) bool {
	return peerNameRegex.MatchString(name)
}
