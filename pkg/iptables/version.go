package iptables

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	versionRe = regexp.MustCompile(`v(\d+)\.(\d+)\.(\d+)`)
	modeRe    = regexp.MustCompile(`\((legacy|nf_tables)\)`)
)

// Version is the version reported by `iptables --version`.
type Version struct {
	Major int
	Minor int
	Patch int
	// Mode is "legacy", "nf_tables" or empty when the binary does not say.
	Mode string
}

// ParseVersion extracts the version from the output of `iptables --version`,
// e.g. "iptables v1.8.7 (nf_tables)".
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	var parts [3]int
	for i := range parts {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, fmt.Errorf("%w: %v", ErrInvalidVersion, err)
		}
		parts[i] = n
	}

	v := Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}
	if mm := modeRe.FindStringSubmatch(s); mm != nil {
		v.Mode = mm[1]
	}
	return v, nil
}

func (v Version) String() string {
	s := fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Mode != "" {
		s += " (" + v.Mode + ")"
	}
	return s
}

// AtLeast reports whether v >= major.minor.patch.
func (v Version) AtLeast(major, minor, patch int) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

// HasCheck reports whether the binary supports -C (--check), added after 1.4.10.
func (v Version) HasCheck() bool {
	return v.AtLeast(1, 4, 11)
}

// HasWait reports whether the binary supports -w (--wait), added after 1.4.19.
func (v Version) HasWait() bool {
	return v.AtLeast(1, 4, 20)
}

// HasWaitSeconds reports whether --wait accepts a timeout argument.
func (v Version) HasWaitSeconds() bool {
	return v.AtLeast(1, 6, 0)
}
