package core

import (
	"cmp"
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)(\.(\d+)(-(([-\w]+\.?)*))?)?$`)

// Version is a parsed major.minor[.patch][-prerelease] version.
type Version struct {
	Major      int64
	Minor      int64
	Patch      int64
	Prerelease string
}

// ParseVersion parses s, reporting false when it does not match the grammar.
// A prerelease tag is only accepted after an explicit patch number.
func ParseVersion(s string) (Version, bool) {
	match := versionPattern.FindStringSubmatch(s)
	if match == nil {
		return Version{}, false
	}

	major, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return Version{}, false
	}
	minor, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil {
		return Version{}, false
	}

	var patch int64
	if match[4] != "" {
		patch, err = strconv.ParseInt(match[4], 10, 64)
		if err != nil {
			return Version{}, false
		}
	}

	return Version{Major: major, Minor: minor, Patch: patch, Prerelease: match[6]}, true
}

// Compare orders versions numerically by major, minor and patch. A version
// with a prerelease tag sorts below the same release without one; two
// prerelease tags compare as plain strings.
func (v Version) Compare(other Version) int {
	if c := cmp.Compare(v.Major, other.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Patch, other.Patch); c != 0 {
		return c
	}

	switch {
	case v.Prerelease == "" && other.Prerelease == "":
		return 0
	case v.Prerelease == "":
		return 1
	case other.Prerelease == "":
		return -1
	default:
		return strings.Compare(v.Prerelease, other.Prerelease)
	}
}

func (v Version) String() string {
	s := strconv.FormatInt(v.Major, 10) + "." + strconv.FormatInt(v.Minor, 10) + "." + strconv.FormatInt(v.Patch, 10)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}
