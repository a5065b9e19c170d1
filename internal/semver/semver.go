// Package semver wraps github.com/Masterminds/semver/v3 for management model versions.
package semver

import (
	"fmt"

	mm "github.com/Masterminds/semver/v3"
)

// Version is a management model version, e.g. "1.8.0".
type Version struct {
	v *mm.Version
}

// Constraint is a version range such as ">=1.2.0 <2.0.0" or "^1.0.0".
type Constraint struct {
	c *mm.Constraints
}

func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(raw)
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

func (v Version) IsZero() bool {
	return v.v == nil
}

func ParseConstraint(raw string) (Constraint, error) {
	c, err := mm.NewConstraint(raw)
	if err != nil {
		return Constraint{}, fmt.Errorf("semver: parse constraint %q: %w", raw, err)
	}
	return Constraint{c: c}, nil
}

func Satisfies(v Version, c Constraint) bool {
	if v.v == nil || c.c == nil {
		return false
	}
	return c.c.Check(v.v)
}

// Compare returns -1, 0 or 1. A zero Version sorts before every parsed one.
func Compare(a, b Version) int {
	switch {
	case a.v == nil && b.v == nil:
		return 0
	case a.v == nil:
		return -1
	case b.v == nil:
		return 1
	}
	return a.v.Compare(b.v)
}

// Deprecated reports whether a type deprecated since the given version is deprecated
// at model version current. An empty since means never deprecated.
func Deprecated(current Version, since string) (bool, error) {
	if since == "" {
		return false, nil
	}
	s, err := ParseVersion(since)
	if err != nil {
		return false, err
	}
	return Compare(current, s) >= 0, nil
}
