package updater

import (
	"strconv"
	"strings"
)

// Version is a parsed semantic version. Invalid or dev version strings parse
// to the zero value with dev set.
type Version struct {
	Major int
	Minor int
	Patch int
	dev   bool
}

// ParseVersion parses a version string such as "1.2.3" or "v1.2.3". Anything
// it cannot parse (including "dev" builds) is treated as a dev version.
func ParseVersion(s string) Version {
	s = strings.TrimSpace(strings.TrimPrefix(s, "v"))
	if s == "" || s == "dev" {
		return Version{dev: true}
	}

	// Strip pre-release/build suffixes (1.2.3-rc1, 1.2.3+abc)
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}

	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{dev: true}
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{dev: true}
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}
}

// IsDev reports whether this is a development build rather than a release.
func (v Version) IsDev() bool {
	return v.dev
}

// IsOlderThan reports whether v is strictly older than other. Dev versions
// are never considered older.
func (v Version) IsOlderThan(other Version) bool {
	if v.dev || other.dev {
		return false
	}
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// String returns the canonical version string.
func (v Version) String() string {
	if v.dev {
		return "dev"
	}
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}
