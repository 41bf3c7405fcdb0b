package version

import (
	"strconv"
	"strings"
)

// parseSemver extracts major.minor.patch, ignoring a leading v, prerelease
// and build metadata. Missing or non-numeric parts are 0.
func parseSemver(v string) [3]int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return [3]int{}
		}
		out[i] = n
	}
	return out
}

// isNewer reports whether latest is a higher core version than current.
func isNewer(latest, current string) bool {
	l, c := parseSemver(latest), parseSemver(current)
	for i := range l {
		if l[i] != c[i] {
			return l[i] > c[i]
		}
	}
	return false
}
