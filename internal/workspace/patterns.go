package workspace

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Eligible reports whether p should be analyzed: it must match none of the
// exclude patterns and at least one include pattern. Patterns are evaluated
// in declaration order; `*` matches within a path segment and `**` across
// segments. A pattern without a slash is matched against the base name.
func Eligible(p string, include, exclude []string) bool {
	p = normalize(p)
	if matchesAny(p, exclude) {
		return false
	}
	return matchesAny(p, include)
}

func matchesAny(p string, patterns []string) bool {
	for _, pattern := range patterns {
		if Match(pattern, p) {
			return true
		}
	}
	return false
}

// Match reports whether p matches a single pattern. Invalid patterns never match.
func Match(pattern, p string) bool {
	pattern = normalize(pattern)
	p = normalize(p)

	target := p
	if !strings.Contains(pattern, "/") {
		target = path.Base(strings.TrimSuffix(p, "/"))
	}

	ok, err := doublestar.Match(pattern, target)
	if err != nil {
		return false
	}
	if ok {
		return true
	}

	// "dir/**" also matches the directory itself
	if strings.HasSuffix(pattern, "/**") {
		return strings.TrimSuffix(target, "/") == strings.TrimSuffix(pattern, "/**")
	}
	return false
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}
