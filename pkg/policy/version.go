// Package policy classifies Bitbucket releases into the configuration layout
// and feature set that applies to them.
package policy

import (
	"errors"
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// ErrInvalidVersion is returned for version strings that are not
// major.minor.patch.
var ErrInvalidVersion = errors.New("invalid version")

// Version is a Bitbucket release number.
type Version struct {
	raw string
	v   *goversion.Version
}

// ParseVersion parses a major.minor.patch version string. A leading "v" and
// pre-release/metadata suffixes are accepted.
func ParseVersion(s string) (*Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidVersion)
	}

	core := strings.TrimPrefix(s, "v")
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	if strings.Count(core, ".") != 2 {
		return nil, fmt.Errorf("%w %q: expected major.minor.patch", ErrInvalidVersion, s)
	}

	v, err := goversion.NewSemver(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidVersion, s, err)
	}

	return &Version{raw: strings.TrimPrefix(s, "v"), v: v}, nil
}

// MustParseVersion is like ParseVersion but panics on error.
func MustParseVersion(s string) *Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as it was supplied, without a leading "v".
func (v *Version) String() string {
	return v.raw
}

// Compare returns -1, 0 or 1 when v is lower than, equal to or higher than o.
func (v *Version) Compare(o *Version) int {
	return v.v.Compare(o.v)
}

// LessThan reports whether v < o.
func (v *Version) LessThan(o *Version) bool {
	return v.v.LessThan(o.v)
}

// AtLeast reports whether v >= o.
func (v *Version) AtLeast(o *Version) bool {
	return v.v.GreaterThanOrEqual(o.v)
}

// Equal reports whether v and o denote the same release.
func (v *Version) Equal(o *Version) bool {
	return v.v.Equal(o.v)
}

// MarshalText implements encoding.TextMarshaler.
func (v *Version) MarshalText() ([]byte, error) {
	return []byte(v.raw), nil
}
